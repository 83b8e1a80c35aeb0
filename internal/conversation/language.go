package conversation

import "unicode"

// arabicThreshold is the share of letters that must be Arabic script.
const arabicThreshold = 0.3

func isArabicLetter(r rune) bool {
	return (r >= 0x0600 && r <= 0x06FF) ||
		(r >= 0x0750 && r <= 0x077F) ||
		(r >= 0x08A0 && r <= 0x08FF)
}

// DetectLanguage classifies text by the ratio of Arabic-script letters to
// all letters. Text with no letters is unknown.
func DetectLanguage(text string) Language {
	var letters, arabic int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if isArabicLetter(r) {
			arabic++
		}
	}
	if letters == 0 {
		return LangUnknown
	}
	if float64(arabic)/float64(letters) >= arabicThreshold {
		return LangArabic
	}
	return LangEnglish
}

// ParseLanguage accepts the service's language codes.
func ParseLanguage(s string) (Language, bool) {
	switch Language(s) {
	case LangArabic, LangEnglish:
		return Language(s), true
	}
	return "", false
}

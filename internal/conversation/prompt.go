package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
)

const reporterPrompt = `You are a health incident reporting assistant. You help community members report health incidents through natural conversation.

Keep replies under 50 words, ask one question at a time, answer in the user's language (Arabic or English) and accept vague answers. Never ask for names, ID numbers or exact addresses, never give medical advice and never promise a response time.

Current state:
- Mode: %s
- Language: %s
- Collected data: %s
- Missing fields: %s

Modes:
- listening: ordinary conversation. Move to "investigating" only for a current, local health signal (symptoms, deaths, several people sick). Questions about diseases, past events and rumours without a personal link are not signals.
- investigating: collect what (symptoms or suspected disease), where (any description of the place), when (any description of timing), then who (how many affected, deaths, relationship). Do not repeat questions for data already collected. When what, where and when are known, briefly summarise and request "complete".

Respond with JSON only:
{"response": "...", "detected_language": "ar" | "en", "health_signal_detected": true | false,
 "extracted_data": {"symptoms": [], "suspected_disease": null, "location_text": null, "onset_text": null,
  "cases_count": null, "deaths_count": null, "reporter_relationship": null, "affected_description": null},
 "transition_to": "listening" | "investigating" | "complete" | null, "reasoning": "..."}

suspected_disease is one of cholera, dengue, malaria, measles, meningitis, unknown.
reporter_relationship is one of self, family, neighbor, health_worker, community_leader, other.`

// SystemPrompt renders the reporter instructions for the given state.
func SystemPrompt(mode Mode, lang Language, d ExtractedData) string {
	data, err := json.Marshal(d)
	if err != nil {
		data = []byte("{}")
	}
	missing := MissingFields(d)
	missingText := "none"
	if len(missing) > 0 {
		missingText = strings.Join(missing, ", ")
	}
	return fmt.Sprintf(reporterPrompt, mode, lang, data, missingText)
}

var localized = map[string]map[Language]string{
	"apology": {
		LangEnglish: "Sorry, I'm having trouble right now. Please send your message again in a moment.",
		LangArabic:  "عذراً، أواجه مشكلة الآن. يرجى إرسال رسالتك مرة أخرى بعد قليل.",
	},
	"clarify": {
		LangEnglish: "Sorry, I didn't catch that. Could you tell me a bit more?",
		LangArabic:  "عذراً، لم أفهم ذلك. هل يمكنك إخباري بالمزيد؟",
	},
}

// Localized returns the named canned text in lang, English by default.
func Localized(key string, lang Language) string {
	texts := localized[key]
	if s, ok := texts[lang]; ok {
		return s
	}
	return texts[LangEnglish]
}

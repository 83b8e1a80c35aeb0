package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CurrentSchemaVersion is written on every encoded record.
const CurrentSchemaVersion = 1

// ErrCorruptRecord is returned when a stored record cannot be decoded.
var ErrCorruptRecord = errors.New("conversation: corrupt record")

// Encode serializes st at the current schema version.
func Encode(st *State) ([]byte, error) {
	if st == nil {
		return nil, errors.New("conversation: encode nil state")
	}
	c := *st
	c.SchemaVersion = CurrentSchemaVersion
	return json.Marshal(&c)
}

// legacyRecord is the unversioned layout written before schema_version
// existed. reporter_phone is read so it can be discarded.
type legacyRecord struct {
	ConversationID string          `json:"conversation_id"`
	ReporterPhone  string          `json:"reporter_phone"`
	Platform       string          `json:"platform"`
	Messages       []legacyMessage `json:"messages"`
	CurrentMode    string          `json:"current_mode"`
	Language       string          `json:"language"`
	ExtractedData  json.RawMessage `json:"extracted_data"`
	Classification struct {
		DataCompleteness float64 `json:"data_completeness"`
	} `json:"classification"`
	HandoffTo string `json:"handoff_to"`
	Error     string `json:"error"`
	TurnCount int    `json:"turn_count"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type legacyMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Decode parses a stored record, migrating older layouts and filling
// defaults for fields a record may lack.
func Decode(b []byte) (*State, error) {
	var peek struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(b, &peek); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	var st *State
	switch peek.SchemaVersion {
	case 0:
		s, err := decodeLegacy(b)
		if err != nil {
			return nil, err
		}
		st = s
	case CurrentSchemaVersion:
		st = &State{}
		if err := json.Unmarshal(b, st); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrCorruptRecord, peek.SchemaVersion)
	}

	if st.ID == "" {
		return nil, fmt.Errorf("%w: missing conversation id", ErrCorruptRecord)
	}
	applyDefaults(st)
	return st, nil
}

func decodeLegacy(b []byte) (*State, error) {
	var old legacyRecord
	if err := json.Unmarshal(b, &old); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	st := &State{
		ID:             old.ConversationID,
		Platform:       old.Platform,
		Language:       Language(old.Language),
		HandoffTo:      old.HandoffTo,
		LastError:      old.Error,
		TurnCount:      old.TurnCount,
		Classification: Classification{DataCompleteness: old.Classification.DataCompleteness},
		CreatedAt:      parseLegacyTime(old.CreatedAt),
		UpdatedAt:      parseLegacyTime(old.UpdatedAt),
	}
	if m, ok := ParseMode(old.CurrentMode); ok {
		st.Mode = m
	}
	if st.Mode == ModeError {
		st.PreviousMode = ModeListening
	}
	for _, m := range old.Messages {
		role := Role(m.Role)
		if role != RoleUser && role != RoleAssistant && role != RoleSystem {
			continue
		}
		st.Messages = append(st.Messages, Message{
			Role:      role,
			Content:   m.Content,
			Timestamp: parseLegacyTime(m.Timestamp),
		})
	}
	if len(old.ExtractedData) > 0 {
		var u Update
		if err := json.Unmarshal(old.ExtractedData, &u); err != nil {
			return nil, fmt.Errorf("%w: extracted_data: %v", ErrCorruptRecord, err)
		}
		st.Extracted = Merge(ExtractedData{}, u)
	}
	return st, nil
}

func parseLegacyTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func applyDefaults(st *State) {
	st.SchemaVersion = CurrentSchemaVersion
	if st.Mode == "" {
		st.Mode = ModeListening
	} else if m, ok := ParseMode(string(st.Mode)); ok {
		st.Mode = m
	} else {
		st.Mode = ModeListening
	}
	switch st.Language {
	case LangArabic, LangEnglish, LangUnknown:
	default:
		st.Language = LangUnknown
	}
	if st.Messages == nil {
		st.Messages = []Message{}
	}
	if st.Extracted.Symptoms == nil {
		st.Extracted.Symptoms = []string{}
	}
	if st.Extracted.SuspectedDisease == "" {
		st.Extracted.SuspectedDisease = DiseaseUnknown
	}
	if st.TurnCount < 0 {
		st.TurnCount = 0
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = st.UpdatedAt
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = st.CreatedAt
	}
}

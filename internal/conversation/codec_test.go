package conversation

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	st := newTestState()
	n := 3
	st.Mode = ModeInvestigating
	st.Language = LangArabic
	st.Extracted = ExtractedData{Symptoms: []string{"fever"}, SuspectedDisease: DiseaseDengue, CasesCount: &n}
	st.Messages = append(st.Messages, Message{Role: RoleUser, Content: "حمى", Timestamp: testNow, MessageID: "7"})
	st.TurnCount = 1
	st.markProcessed("telegram:7")

	b, err := Encode(st)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"schema_version":1`) {
		t.Errorf("encoded record missing schema version: %s", b)
	}

	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != st.ID || got.Mode != st.Mode || got.Extracted.Cases() != 3 || !got.HasProcessed("telegram:7") {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].MessageID != "7" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestDecode_MigratesLegacyRecord(t *testing.T) {
	t.Parallel()

	legacy := `{
		"conversation_id": "conv_aaaaaaaaaaaaaaaa",
		"reporter_phone": "+249912345678",
		"platform": "whatsapp",
		"messages": [
			{"id": "m1", "role": "user", "content": "fever in my village", "timestamp": "2024-01-19T10:00:00.123456"},
			{"id": "m2", "role": "tool", "content": "ignored"}
		],
		"current_mode": "confirming",
		"language": "en",
		"extracted_data": {"symptoms": ["fever"], "suspected_disease": "malaria", "cases_count": 2},
		"classification": {"data_completeness": 0.4},
		"error": null,
		"turn_count": 4,
		"created_at": "2024-01-19T10:00:00Z",
		"updated_at": "2024-01-19T10:05:00Z"
	}`

	st, err := Decode([]byte(legacy))
	if err != nil {
		t.Fatal(err)
	}
	if st.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("SchemaVersion = %d", st.SchemaVersion)
	}
	if st.Mode != ModeInvestigating {
		t.Errorf("Mode = %q, want investigating", st.Mode)
	}
	if st.TurnCount != 4 || st.Extracted.SuspectedDisease != DiseaseMalaria || st.Extracted.Cases() != 2 {
		t.Errorf("migrated fields: %+v", st)
	}
	if len(st.Messages) != 1 || st.Messages[0].Timestamp.IsZero() {
		t.Errorf("messages = %+v", st.Messages)
	}
	b, _ := Encode(st)
	if strings.Contains(string(b), "249912345678") {
		t.Error("migrated record still carries the raw phone number")
	}
}

func TestDecode_Defaults(t *testing.T) {
	t.Parallel()

	st, err := Decode([]byte(`{"schema_version":1,"conversation_id":"conv_x","mode":"weird"}`))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode != ModeListening || st.Language != LangUnknown || st.Extracted.SuspectedDisease != DiseaseUnknown {
		t.Errorf("defaults not applied: %+v", st)
	}
	if st.Messages == nil || st.Extracted.Symptoms == nil {
		t.Error("nil slices after decode")
	}
}

func TestDecode_Corrupt(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`not json`,
		`{"schema_version":99,"conversation_id":"x"}`,
		`{"schema_version":1}`,
		`{"schema_version":1,"conversation_id":"x","turn_count":"many"}`,
	} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrCorruptRecord) {
			t.Errorf("Decode(%s) err = %v, want ErrCorruptRecord", raw, err)
		}
	}
}

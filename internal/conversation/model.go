package conversation

import (
	"strings"
	"time"
)

// Mode is the conversation's current stage in the intake state machine.
type Mode string

const (
	ModeListening     Mode = "listening"
	ModeInvestigating Mode = "investigating"
	ModeComplete      Mode = "complete"
	ModeError         Mode = "error"

	// modeConfirming is accepted from older records and service replies and
	// treated as investigating.
	modeConfirming Mode = "confirming"
)

// ParseMode normalizes a mode string. ok is false for unrecognized values.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeListening, ModeInvestigating, ModeComplete, ModeError:
		return m, true
	case modeConfirming:
		return ModeInvestigating, true
	}
	return "", false
}

// rank orders the forward modes; error sits outside the ordering.
func (m Mode) rank() int {
	switch m {
	case ModeListening:
		return 0
	case ModeInvestigating:
		return 1
	case ModeComplete:
		return 2
	}
	return -1
}

// Role tags a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in the conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"message_id,omitempty"`
}

// Language is the detected conversation language.
type Language string

const (
	LangArabic  Language = "ar"
	LangEnglish Language = "en"
	LangUnknown Language = "unknown"
)

// Disease is the closed set of diseases the pipeline classifies.
type Disease string

const (
	DiseaseCholera    Disease = "cholera"
	DiseaseDengue     Disease = "dengue"
	DiseaseMalaria    Disease = "malaria"
	DiseaseMeasles    Disease = "measles"
	DiseaseMeningitis Disease = "meningitis"
	DiseaseUnknown    Disease = "unknown"
)

// CoerceDisease maps any string onto the closed disease set, falling back
// to unknown.
func CoerceDisease(s string) Disease {
	switch d := Disease(strings.ToLower(strings.TrimSpace(s))); d {
	case DiseaseCholera, DiseaseDengue, DiseaseMalaria, DiseaseMeasles, DiseaseMeningitis:
		return d
	}
	return DiseaseUnknown
}

// Relationship is the reporter's relation to the affected people.
type Relationship string

const (
	RelSelf            Relationship = "self"
	RelFamily          Relationship = "family"
	RelNeighbor        Relationship = "neighbor"
	RelHealthWorker    Relationship = "health_worker"
	RelCommunityLeader Relationship = "community_leader"
	RelOther           Relationship = "other"
)

// CoerceRelationship returns the relationship and whether s was valid.
func CoerceRelationship(s string) (Relationship, bool) {
	switch r := Relationship(strings.ToLower(strings.TrimSpace(s))); r {
	case RelSelf, RelFamily, RelNeighbor, RelHealthWorker, RelCommunityLeader, RelOther:
		return r, true
	}
	return "", false
}

// HandoffSurveillance is stamped on a conversation when it completes.
const HandoffSurveillance = "surveillance"

// ExtractedData is the minimum viable signal accumulated over the conversation.
type ExtractedData struct {
	Symptoms             []string     `json:"symptoms"`
	SuspectedDisease     Disease      `json:"suspected_disease"`
	LocationText         string       `json:"location_text,omitempty"`
	LocationNormalized   string       `json:"location_normalized,omitempty"`
	OnsetText            string       `json:"onset_text,omitempty"`
	CasesCount           *int         `json:"cases_count,omitempty"`
	DeathsCount          *int         `json:"deaths_count,omitempty"`
	AffectedDescription  string       `json:"affected_description,omitempty"`
	ReporterRelationship Relationship `json:"reporter_relationship,omitempty"`
}

// Cases returns the case count, 0 when unknown.
func (d ExtractedData) Cases() int {
	if d.CasesCount == nil {
		return 0
	}
	return *d.CasesCount
}

// Deaths returns the death count, 0 when unknown.
func (d ExtractedData) Deaths() int {
	if d.DeathsCount == nil {
		return 0
	}
	return *d.DeathsCount
}

// Classification holds scoring attached to the conversation.
type Classification struct {
	DataCompleteness float64 `json:"data_completeness"`
}

// State is the persisted conversation record.
type State struct {
	SchemaVersion  int            `json:"schema_version"`
	ID             string         `json:"conversation_id"`
	Platform       string         `json:"platform"`
	IdentityHash   string         `json:"identity_hash"`
	ChatID         string         `json:"chat_id,omitempty"`
	Mode           Mode           `json:"mode"`
	PreviousMode   Mode           `json:"previous_mode,omitempty"`
	Language       Language       `json:"language"`
	Messages       []Message      `json:"messages"`
	Extracted      ExtractedData  `json:"extracted_data"`
	Classification Classification `json:"classification"`
	HandoffTo      string         `json:"handoff_to,omitempty"`
	LastError      string         `json:"error,omitempty"`
	TurnCount      int            `json:"turn_count"`
	Processed      []string       `json:"processed_message_keys,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// maxProcessedKeys bounds the idempotency window kept on the record.
const maxProcessedKeys = 64

// NewState returns a fresh listening conversation.
func NewState(id, platform, identityHash string, now time.Time) *State {
	now = now.UTC()
	return &State{
		SchemaVersion: CurrentSchemaVersion,
		ID:            id,
		Platform:      platform,
		IdentityHash:  identityHash,
		Mode:          ModeListening,
		Language:      LangUnknown,
		Messages:      []Message{},
		Extracted:     ExtractedData{Symptoms: []string{}, SuspectedDisease: DiseaseUnknown},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	c.Processed = append([]string(nil), s.Processed...)
	c.Extracted.Symptoms = append([]string(nil), s.Extracted.Symptoms...)
	if s.Extracted.CasesCount != nil {
		v := *s.Extracted.CasesCount
		c.Extracted.CasesCount = &v
	}
	if s.Extracted.DeathsCount != nil {
		v := *s.Extracted.DeathsCount
		c.Extracted.DeathsCount = &v
	}
	return &c
}

// HasProcessed reports whether the message key was already applied.
func (s *State) HasProcessed(key string) bool {
	for _, k := range s.Processed {
		if k == key {
			return true
		}
	}
	return false
}

func (s *State) markProcessed(key string) {
	if key == "" {
		return
	}
	s.Processed = append(s.Processed, key)
	if over := len(s.Processed) - maxProcessedKeys; over > 0 {
		s.Processed = append([]string(nil), s.Processed[over:]...)
	}
}

// IsComplete reports whether the conversation reached its terminal mode.
func (s *State) IsComplete() bool { return s.Mode == ModeComplete }

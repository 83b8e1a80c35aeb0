package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mhmd-249/cbi/internal/llm"
	"github.com/mhmd-249/cbi/internal/messaging"
)

var (
	// ErrConversationComplete is returned for turns on a completed conversation.
	ErrConversationComplete = errors.New("conversation: already complete")
	// ErrTurnLimit is returned once a conversation has used all its turns.
	ErrTurnLimit = errors.New("conversation: turn limit reached")
	// ErrEmptyMessage is returned for messages without text.
	ErrEmptyMessage = errors.New("conversation: empty message")
)

const (
	DefaultTurnTimeout = 30 * time.Second
	DefaultMaxTurns    = 50
	DefaultMaxHistory  = 40
	replyMaxTokens     = 1024
	maxErrorLen        = 500
)

// Machine drives one conversation turn at a time. It holds no per
// conversation state and is safe for concurrent use.
type Machine struct {
	provider   llm.Provider
	timeout    time.Duration
	maxTurns   int
	maxHistory int
	now        func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithTurnTimeout bounds each external call.
func WithTurnTimeout(d time.Duration) MachineOption {
	return func(m *Machine) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMaxTurns caps the turns a single conversation may take.
func WithMaxTurns(n int) MachineOption {
	return func(m *Machine) {
		if n > 0 {
			m.maxTurns = n
		}
	}
}

// WithMaxHistory caps how many history messages are sent per call.
func WithMaxHistory(n int) MachineOption {
	return func(m *Machine) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// NewMachine returns a Machine backed by provider.
func NewMachine(provider llm.Provider, opts ...MachineOption) *Machine {
	m := &Machine{
		provider:   provider,
		timeout:    DefaultTurnTimeout,
		maxTurns:   DefaultMaxTurns,
		maxHistory: DefaultMaxHistory,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// TurnResult describes what a processed turn did.
type TurnResult struct {
	Reply     string
	From      Mode
	To        Mode
	Completed bool
	// Duplicate is set when the message was already applied; nothing changed.
	Duplicate bool
	// Malformed is set when the service reply could not be parsed.
	Malformed bool
	// ServiceErr is the external failure that moved the conversation to error.
	ServiceErr error
	Usage      llm.Usage
}

// Exhausted reports whether st has used all of its turns.
func (m *Machine) Exhausted(st *State) bool {
	return st.TurnCount >= m.maxTurns
}

// Turn applies one inbound message to st in place. External-service
// failures do not return an error: they move st to error mode and the
// result carries a localized apology.
func (m *Machine) Turn(ctx context.Context, st *State, msg messaging.IncomingMessage) (TurnResult, error) {
	if st.IsComplete() {
		return TurnResult{}, ErrConversationComplete
	}
	key := msg.Key()
	if st.HasProcessed(key) {
		return TurnResult{Duplicate: true, From: st.Mode, To: st.Mode}, nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return TurnResult{}, ErrEmptyMessage
	}
	if st.TurnCount >= m.maxTurns {
		return TurnResult{}, ErrTurnLimit
	}

	now := m.now().UTC()
	res := TurnResult{From: st.Mode}

	effective := st.Mode
	if effective == ModeError {
		effective = st.PreviousMode
		if effective == "" || effective == ModeError {
			effective = ModeListening
		}
	}

	if st.Language == LangUnknown || st.Language == "" {
		st.Language = DetectLanguage(text)
	}
	if msg.ChatID != "" {
		st.ChatID = msg.ChatID
	}
	st.Messages = append(st.Messages, Message{Role: RoleUser, Content: text, Timestamp: now, MessageID: msg.MessageID})

	req := &llm.Request{
		MaxTokens: replyMaxTokens,
		System:    SystemPrompt(effective, st.Language, st.Extracted),
		Messages:  m.history(st),
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	resp, err := m.provider.Send(callCtx, req)
	cancel()

	if err != nil {
		st.PreviousMode = effective
		st.Mode = ModeError
		st.LastError = errorCause(err)
		res.ServiceErr = err
		res.Reply = Localized("apology", st.Language)
	} else {
		res.Usage = resp.Usage
		st.Mode = effective
		st.PreviousMode = ""
		st.LastError = ""
		res.Reply = m.apply(st, resp.Text, &res)
	}

	st.Messages = append(st.Messages, Message{Role: RoleAssistant, Content: res.Reply, Timestamp: m.now().UTC()})
	st.TurnCount++
	st.markProcessed(key)
	st.UpdatedAt = now

	res.To = st.Mode
	res.Completed = st.Mode == ModeComplete
	return res, nil
}

// apply merges a parsed reply into st and returns the user-facing text.
func (m *Machine) apply(st *State, raw string, res *TurnResult) string {
	reply, ok := ParseReply(raw)
	if !ok {
		res.Malformed = true
		raw = strings.TrimSpace(raw)
		if raw == "" || looksLikeJSON(raw) {
			return Localized("clarify", st.Language)
		}
		return raw
	}

	if st.Language == LangUnknown {
		if l, ok := ParseLanguage(reply.DetectedLanguage); ok {
			st.Language = l
		}
	}
	st.Extracted = Merge(st.Extracted, reply.ExtractedData)
	st.Classification.DataCompleteness = Completeness(st.Extracted)

	if reply.TransitionTo != nil {
		if target, ok := ParseMode(*reply.TransitionTo); ok {
			st.Mode = NextMode(st.Mode, target, st.Extracted)
		}
	}
	if st.Mode == ModeComplete {
		st.HandoffTo = HandoffSurveillance
	}
	return reply.Response
}

// NextMode resolves a requested transition. Modes only move forward;
// listening cannot jump straight to complete, and complete requires the
// minimum viable signal. Error is never entered by request.
func NextMode(cur, requested Mode, d ExtractedData) Mode {
	if requested == ModeError || requested.rank() <= cur.rank() {
		return cur
	}
	switch {
	case requested == ModeComplete && cur == ModeListening:
		return ModeInvestigating
	case requested == ModeComplete && !HasMVS(d):
		return cur
	}
	return requested
}

// history returns the most recent user/assistant messages as provider turns.
func (m *Machine) history(st *State) []llm.Message {
	msgs := st.Messages
	if len(msgs) > m.maxHistory {
		msgs = msgs[len(msgs)-m.maxHistory:]
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: msg.Content})
		case RoleAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: msg.Content})
		}
	}
	// the API expects the first turn to come from the user
	for len(out) > 0 && out[0].Role != llm.RoleUser {
		out = out[1:]
	}
	return out
}

func errorCause(err error) string {
	s := err.Error()
	if k := llm.KindOf(err); k != "" {
		s = fmt.Sprintf("%s: %s", k, s)
	}
	if len(s) > maxErrorLen {
		s = s[:maxErrorLen]
	}
	return s
}

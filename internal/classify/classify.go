// Package classify asks the text-understanding service for a surveillance
// classification of a completed report.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/mhmd-249/cbi/internal/conversation"
	"github.com/mhmd-249/cbi/internal/linking"
	"github.com/mhmd-249/cbi/internal/llm"
)

const (
	DefaultTimeout = 30 * time.Second
	maxTokens      = 1024
	maxActions     = 10
)

const systemPrompt = `You are a health surveillance specialist classifying community health reports for Sudan's Ministry of Health.

Classify the report into one of: cholera, dengue, malaria, measles, meningitis, unknown.

Key indicators:
- cholera: watery diarrhea, severe dehydration, vomiting, rapid onset
- dengue: high fever, severe headache, pain behind eyes, joint or muscle pain, rash
- malaria: fever, chills, sweating, headache, fatigue
- measles: fever, rash starting on the face, cough, runny nose, red eyes
- meningitis: severe headache, stiff neck, fever, sensitivity to light, confusion

Urgency: critical (any death, suspected cholera or meningitis, 10+ cases, vulnerable population),
high (3-9 cases, rapid spread, disease with outbreak potential), medium (single case of a notifiable
disease, unclear but concerning symptoms), low (single mild case, information seeking).
When uncertain choose the higher urgency.

Alert types: suspected_outbreak, cluster, single_case, rumor.

Respond with JSON only:
{"suspected_disease": "...", "confidence": 0.0, "urgency": "...", "alert_type": "...",
 "reasoning": "...", "recommended_actions": ["..."]}`

// Classifier proposes a disease, urgency and alert type for extracted data.
type Classifier struct {
	provider llm.Provider
	timeout  time.Duration
}

// New returns a Classifier over provider. A non-positive timeout uses
// DefaultTimeout.
func New(provider llm.Provider, timeout time.Duration) *Classifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Classifier{provider: provider, timeout: timeout}
}

type reply struct {
	SuspectedDisease   string   `json:"suspected_disease"`
	Confidence         *float64 `json:"confidence"`
	Urgency            string   `json:"urgency"`
	AlertType          string   `json:"alert_type"`
	Reasoning          string   `json:"reasoning"`
	RecommendedActions []string `json:"recommended_actions"`
}

// Classify never fails: any service or parse error yields
// linking.DefaultClassification with the cause in its reasoning.
func (c *Classifier) Classify(ctx context.Context, x conversation.ExtractedData) linking.Classification {
	L := log.FromContext(ctx)

	data, err := json.Marshal(x)
	if err != nil {
		return fallback("encode report: " + err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.provider.Send(callCtx, &llm.Request{
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: "Classify this health report:\n" + string(data),
		}},
	})
	if err != nil {
		L.Warn(ctx, "classification call failed", "kind", string(llm.KindOf(err)), "err", err)
		return fallback("classification unavailable")
	}

	out, ok := Parse(resp.Text)
	if !ok {
		L.Warn(ctx, "classification reply not parseable", "length", len(resp.Text))
		return fallback("Failed to parse classification response")
	}
	return out
}

// Parse decodes a classification reply, coercing every field onto its
// closed set. ok is false when no JSON object could be decoded.
func Parse(text string) (linking.Classification, bool) {
	for _, cand := range llm.JSONCandidates(text) {
		var r reply
		if err := json.Unmarshal([]byte(cand), &r); err != nil {
			continue
		}
		return r.toClassification(), true
	}
	return linking.Classification{}, false
}

func (r reply) toClassification() linking.Classification {
	out := linking.DefaultClassification()
	out.Disease = conversation.CoerceDisease(r.SuspectedDisease)
	if r.Confidence != nil {
		out.Confidence = min(max(*r.Confidence, 0), 1)
	}
	if u, ok := linking.ParseUrgency(r.Urgency); ok {
		out.Urgency = u
	}
	if a, ok := linking.ParseAlertType(r.AlertType); ok {
		out.AlertType = a
	}
	out.Reasoning = strings.TrimSpace(r.Reasoning)

	actions := make([]string, 0, len(r.RecommendedActions))
	for _, a := range r.RecommendedActions {
		if a = strings.TrimSpace(a); a != "" && len(actions) < maxActions {
			actions = append(actions, a)
		}
	}
	out.RecommendedActions = actions
	return out
}

func fallback(reason string) linking.Classification {
	c := linking.DefaultClassification()
	c.Reasoning = fmt.Sprintf("%s; Manual review required", reason)
	c.RecommendedActions = []string{"Manual review required"}
	return c
}

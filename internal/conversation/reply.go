package conversation

import (
	"encoding/json"
	"strings"

	"github.com/mhmd-249/cbi/internal/llm"
)

// Reply is the structured answer expected from the service for each turn.
type Reply struct {
	Response         string  `json:"response"`
	DetectedLanguage string  `json:"detected_language"`
	HealthSignal     bool    `json:"health_signal_detected"`
	TransitionTo     *string `json:"transition_to"`
	ExtractedData    Update  `json:"extracted_data"`
	Reasoning        string  `json:"reasoning"`
}

// ParseReply looks for a reply object in a fenced block, then the whole
// text, then the outermost brace span. ok is false when none decodes into a
// reply with a non-empty response.
func ParseReply(text string) (Reply, bool) {
	for _, c := range llm.JSONCandidates(text) {
		var r Reply
		if err := json.Unmarshal([]byte(c), &r); err != nil {
			continue
		}
		r.Response = strings.TrimSpace(r.Response)
		if r.Response == "" {
			continue
		}
		return r, true
	}
	return Reply{}, false
}

// looksLikeJSON reports whether raw text is an object the user should not see.
func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "```")
}

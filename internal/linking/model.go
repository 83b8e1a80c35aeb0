// Package linking turns completed conversations into reports: it scores
// urgency, evaluates per-disease alert thresholds and links each report to
// related reports in recent history.
package linking

import (
	"strings"
	"time"

	"github.com/mhmd-249/cbi/internal/conversation"
)

// Urgency is the ordinal severity driving notification routing.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Rank orders urgencies; unrecognized values rank below low.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyLow:
		return 0
	case UrgencyMedium:
		return 1
	case UrgencyHigh:
		return 2
	case UrgencyCritical:
		return 3
	}
	return -1
}

// ParseUrgency normalizes s. ok is false for unrecognized values.
func ParseUrgency(s string) (Urgency, bool) {
	u := Urgency(strings.ToLower(strings.TrimSpace(s)))
	return u, u.Rank() >= 0
}

// MaxUrgency returns the higher of a and b.
func MaxUrgency(a, b Urgency) Urgency {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AlertType is the epidemiological shape of a report.
type AlertType string

const (
	AlertSingleCase        AlertType = "single_case"
	AlertCluster           AlertType = "cluster"
	AlertSuspectedOutbreak AlertType = "suspected_outbreak"
	AlertRumor             AlertType = "rumor"
)

func (a AlertType) rank() int {
	switch a {
	case AlertRumor:
		return 0
	case AlertSingleCase:
		return 1
	case AlertCluster:
		return 2
	case AlertSuspectedOutbreak:
		return 3
	}
	return -1
}

// ParseAlertType normalizes s. ok is false for unrecognized values.
func ParseAlertType(s string) (AlertType, bool) {
	a := AlertType(strings.ToLower(strings.TrimSpace(s)))
	return a, a.rank() >= 0
}

// LinkType is the reason two reports are believed related.
type LinkType string

const (
	LinkGeographic LinkType = "geographic"
	LinkTemporal   LinkType = "temporal"
	LinkSymptom    LinkType = "symptom"
	LinkManual     LinkType = "manual"
)

// Report is the finalized projection of a completed conversation.
type Report struct {
	ID                 string               `json:"id"`
	ConversationID     string               `json:"conversation_id"`
	Channel            string               `json:"channel"`
	Disease            conversation.Disease `json:"suspected_disease"`
	Urgency            Urgency              `json:"urgency"`
	AlertType          AlertType            `json:"alert_type"`
	LocationText       string               `json:"location_text,omitempty"`
	LocationNormalized string               `json:"location_normalized,omitempty"`
	Symptoms           []string             `json:"symptoms"`
	OnsetText          string               `json:"onset_text,omitempty"`
	CasesCount         int                  `json:"cases_count"`
	DeathsCount        int                  `json:"deaths_count"`
	Confidence         float64              `json:"confidence"`
	Completeness       float64              `json:"data_completeness"`
	Reasoning          string               `json:"reasoning,omitempty"`
	RecommendedActions []string             `json:"recommended_actions,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
}

// Location returns the best available location description.
func (r *Report) Location() string {
	if r.LocationNormalized != "" {
		return r.LocationNormalized
	}
	return r.LocationText
}

// Link is an undirected edge between two reports. ReportA sorts before
// ReportB.
type Link struct {
	ReportA    string    `json:"report_id_1"`
	ReportB    string    `json:"report_id_2"`
	Type       LinkType  `json:"link_type"`
	Confidence float64   `json:"confidence"`
	Provenance string    `json:"provenance"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewLink orders the pair so each unordered pair has one key. ok is false
// for self links.
func NewLink(a, b string, typ LinkType, confidence float64, provenance string, now time.Time) (Link, bool) {
	if a == b || a == "" || b == "" {
		return Link{}, false
	}
	if b < a {
		a, b = b, a
	}
	return Link{ReportA: a, ReportB: b, Type: typ, Confidence: confidence, Provenance: provenance, CreatedAt: now}, true
}

// Classification is the surveillance proposal for a completed conversation.
// The engine treats its urgency and alert type as a floor, not a decision.
type Classification struct {
	Disease            conversation.Disease `json:"suspected_disease"`
	Confidence         float64              `json:"confidence"`
	Urgency            Urgency              `json:"urgency"`
	AlertType          AlertType            `json:"alert_type"`
	Reasoning          string               `json:"reasoning"`
	RecommendedActions []string             `json:"recommended_actions"`
}

// DefaultClassification is used when no proposal is available.
func DefaultClassification() Classification {
	return Classification{
		Disease:            conversation.DiseaseUnknown,
		Urgency:            UrgencyMedium,
		AlertType:          AlertSingleCase,
		Reasoning:          "Manual review required",
		RecommendedActions: []string{},
	}
}

// Channel is an external delivery target for a notification.
type Channel string

const (
	ChannelDashboard Channel = "dashboard"
	ChannelSlack     Channel = "slack"
	ChannelEmail     Channel = "email"
)

// Notification is the alert produced for a report.
type Notification struct {
	ID        string    `json:"id"`
	ReportID  string    `json:"report_id"`
	Urgency   Urgency   `json:"urgency"`
	AlertType AlertType `json:"alert_type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	TitleAr   string    `json:"title_ar"`
	BodyAr    string    `json:"body_ar"`
	Actions   []string  `json:"actions"`
	Channels  []Channel `json:"channels"`
	CreatedAt time.Time `json:"created_at"`
	SentAt    time.Time `json:"sent_at,omitzero"`
}

// Package notify renders bilingual notifications for finalized reports and
// routes them to external channels by urgency.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mhmd-249/cbi/internal/conversation"
	"github.com/mhmd-249/cbi/internal/linking"
)

var channelsByUrgency = map[linking.Urgency][]linking.Channel{
	linking.UrgencyCritical: {linking.ChannelDashboard, linking.ChannelSlack, linking.ChannelEmail},
	linking.UrgencyHigh:     {linking.ChannelDashboard, linking.ChannelEmail},
	linking.UrgencyMedium:   {linking.ChannelDashboard},
	linking.UrgencyLow:      {linking.ChannelDashboard},
}

var defaultActions = map[linking.Urgency][]string{
	linking.UrgencyCritical: {
		"Immediate field investigation required",
		"Alert regional health coordinator",
		"Prepare rapid response team",
	},
	linking.UrgencyHigh: {
		"Investigate within 24 hours",
		"Notify district health officer",
	},
	linking.UrgencyMedium: {"Review and assess within 48 hours"},
	linking.UrgencyLow:    {"Monitor and follow up as needed"},
}

var diseaseAr = map[conversation.Disease]string{
	conversation.DiseaseCholera:    "الكوليرا",
	conversation.DiseaseDengue:     "حمى الضنك",
	conversation.DiseaseMalaria:    "الملاريا",
	conversation.DiseaseMeasles:    "الحصبة",
	conversation.DiseaseMeningitis: "التهاب السحايا",
	conversation.DiseaseUnknown:    "مرض غير محدد",
}

var urgencyAr = map[linking.Urgency]string{
	linking.UrgencyCritical: "حرج",
	linking.UrgencyHigh:     "مرتفع",
	linking.UrgencyMedium:   "متوسط",
	linking.UrgencyLow:      "منخفض",
}

// ChannelsFor returns the delivery channels for u. Unrecognized urgencies
// route like medium. The dashboard is always included.
func ChannelsFor(u linking.Urgency) []linking.Channel {
	chs, ok := channelsByUrgency[u]
	if !ok {
		chs = channelsByUrgency[linking.UrgencyMedium]
	}
	return append([]linking.Channel(nil), chs...)
}

// DefaultActions returns the fallback recommended actions for u.
func DefaultActions(u linking.Urgency) []string {
	return append([]string(nil), defaultActions[u]...)
}

// Builder renders notifications. The zero value is not usable; use NewBuilder.
type Builder struct {
	now func() time.Time
}

// NewBuilder returns a Builder using now as its clock. A nil now uses
// time.Now.
func NewBuilder(now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{now: now}
}

// Build implements linking.NotificationBuilder.
func (b *Builder) Build(r *linking.Report) *linking.Notification {
	actions := r.RecommendedActions
	if len(actions) == 0 {
		actions = DefaultActions(r.Urgency)
	}
	return &linking.Notification{
		ID:        ulid.Make().String(),
		ReportID:  r.ID,
		Urgency:   r.Urgency,
		AlertType: r.AlertType,
		Title:     titleEn(r),
		Body:      bodyEn(r, actions),
		TitleAr:   titleAr(r),
		BodyAr:    bodyAr(r, actions),
		Actions:   append([]string(nil), actions...),
		Channels:  ChannelsFor(r.Urgency),
		CreatedAt: b.now().UTC(),
	}
}

func titleEn(r *linking.Report) string {
	return fmt.Sprintf("⚠️ Health Alert [%s]: %s", strings.ToUpper(string(r.Urgency)), displayDisease(r.Disease))
}

func titleAr(r *linking.Report) string {
	return fmt.Sprintf("⚠️ تنبيه صحي [%s]: %s", lookup(urgencyAr, r.Urgency), lookup(diseaseAr, r.Disease))
}

func bodyEn(r *linking.Report, actions []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Suspected Disease: %s\n", displayDisease(r.Disease))
	fmt.Fprintf(&b, "Confidence: %.0f%%\n", r.Confidence*100)
	fmt.Fprintf(&b, "Urgency: %s\n", strings.ToUpper(string(r.Urgency)))
	fmt.Fprintf(&b, "Alert Type: %s\n", strings.ReplaceAll(string(r.AlertType), "_", " "))
	if loc := r.Location(); loc != "" {
		fmt.Fprintf(&b, "Location: %s\n", loc)
	}
	if len(r.Symptoms) > 0 {
		fmt.Fprintf(&b, "Symptoms: %s\n", strings.Join(r.Symptoms, ", "))
	}
	fmt.Fprintf(&b, "Cases: %d\n", r.CasesCount)
	if r.DeathsCount > 0 {
		fmt.Fprintf(&b, "Deaths: %d\n", r.DeathsCount)
	}
	writeActions(&b, "Recommended Actions:", actions)
	return strings.TrimRight(b.String(), "\n")
}

func bodyAr(r *linking.Report, actions []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "المرض المشتبه: %s\n", lookup(diseaseAr, r.Disease))
	fmt.Fprintf(&b, "درجة الثقة: %.0f%%\n", r.Confidence*100)
	fmt.Fprintf(&b, "مستوى الطوارئ: %s\n", lookup(urgencyAr, r.Urgency))
	if loc := r.Location(); loc != "" {
		fmt.Fprintf(&b, "الموقع: %s\n", loc)
	}
	if len(r.Symptoms) > 0 {
		fmt.Fprintf(&b, "الأعراض: %s\n", strings.Join(r.Symptoms, "، "))
	}
	fmt.Fprintf(&b, "عدد الحالات: %d\n", r.CasesCount)
	if r.DeathsCount > 0 {
		fmt.Fprintf(&b, "عدد الوفيات: %d\n", r.DeathsCount)
	}
	writeActions(&b, "الإجراءات الموصى بها:", actions)
	return strings.TrimRight(b.String(), "\n")
}

func writeActions(b *strings.Builder, heading string, actions []string) {
	if len(actions) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s\n", heading)
	for i, a := range actions {
		fmt.Fprintf(b, "  %d. %s\n", i+1, a)
	}
}

func displayDisease(d conversation.Disease) string {
	s := strings.ReplaceAll(string(d), "_", " ")
	if s == "" {
		return "Unknown"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func lookup[K comparable](m map[K]string, k K) string {
	if s, ok := m[k]; ok {
		return s
	}
	return fmt.Sprint(k)
}

var _ linking.NotificationBuilder = (*Builder)(nil)

package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mhmd-249/cbi/internal/conversation"
	"github.com/mhmd-249/cbi/internal/linking"
)

func TestStore_RecentFiltersAndOrders(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	for i, r := range []*linking.Report{
		{ID: "r1", Disease: conversation.DiseaseCholera, CreatedAt: base.Add(-10 * 24 * time.Hour)},
		{ID: "r2", Disease: conversation.DiseaseCholera, CreatedAt: base.Add(-2 * 24 * time.Hour)},
		{ID: "r3", Disease: conversation.DiseaseCholera, CreatedAt: base.Add(-1 * 24 * time.Hour)},
		{ID: "r4", Disease: conversation.DiseaseMalaria, CreatedAt: base.Add(-1 * time.Hour)},
	} {
		if err := s.SaveReport(ctx, r); err != nil {
			t.Fatalf("SaveReport %d: %v", i, err)
		}
	}

	got, err := s.Recent(ctx, conversation.DiseaseCholera, base.Add(-7*24*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "r3" || got[1].ID != "r2" {
		t.Fatalf("Recent = %v", ids(got))
	}

	got, _ = s.Recent(ctx, conversation.DiseaseCholera, base.Add(-30*24*time.Hour), 1)
	if len(got) != 1 || got[0].ID != "r3" {
		t.Errorf("Recent with limit = %v", ids(got))
	}
}

func TestStore_SaveLinkOncePerUnorderedPair(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now()

	l1, _ := linking.NewLink("b", "a", linking.LinkGeographic, 0.7, "test", now)
	if err := s.SaveLink(ctx, l1); err != nil {
		t.Fatal(err)
	}
	rev := linking.Link{ReportA: "b", ReportB: "a", Type: linking.LinkGeographic, Confidence: 0.5}
	if err := s.SaveLink(ctx, rev); !errors.Is(err, linking.ErrDuplicateLink) {
		t.Errorf("reverse duplicate err = %v", err)
	}
	l2, _ := linking.NewLink("a", "b", linking.LinkSymptom, 0.4, "test", now)
	if err := s.SaveLink(ctx, l2); err != nil {
		t.Errorf("different type err = %v", err)
	}

	links, _ := s.LinksFor(ctx, "b")
	if len(links) != 2 {
		t.Fatalf("LinksFor = %d links, want 2", len(links))
	}
	if links[0].ReportA != "a" || links[0].Type != linking.LinkGeographic {
		t.Errorf("links[0] = %+v", links[0])
	}
}

func ids(rs []*linking.Report) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestStore_OneReportPerConversation(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now()

	if err := s.SaveReport(ctx, &linking.Report{ID: "r1", ConversationID: "conv_a", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveReport(ctx, &linking.Report{ID: "r1", ConversationID: "conv_a", Urgency: linking.UrgencyHigh, CreatedAt: now}); err != nil {
		t.Fatalf("re-save same report: %v", err)
	}
	if err := s.SaveReport(ctx, &linking.Report{ID: "r2", ConversationID: "conv_a", CreatedAt: now}); !errors.Is(err, linking.ErrDuplicateReport) {
		t.Fatalf("second report err = %v, want ErrDuplicateReport", err)
	}
	// reports without a conversation are not constrained
	for _, id := range []string{"x1", "x2"} {
		if err := s.SaveReport(ctx, &linking.Report{ID: id, CreatedAt: now}); err != nil {
			t.Fatalf("SaveReport %s: %v", id, err)
		}
	}

	got, ok, err := s.ReportForConversation(ctx, "conv_a")
	if err != nil || !ok {
		t.Fatalf("ReportForConversation: ok=%v err=%v", ok, err)
	}
	if got.ID != "r1" || got.Urgency != linking.UrgencyHigh {
		t.Errorf("report = %s/%s", got.ID, got.Urgency)
	}
	if _, ok, _ := s.ReportForConversation(ctx, "conv_b"); ok {
		t.Error("ReportForConversation(conv_b) ok = true")
	}
}

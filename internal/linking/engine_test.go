package linking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mhmd-249/cbi/internal/conversation"
	"github.com/mhmd-249/cbi/internal/linking"
	"github.com/mhmd-249/cbi/internal/linking/memstore"
)

var engineNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func completeState(disease conversation.Disease, location string, cases, deaths int, symptoms ...string) *conversation.State {
	st := conversation.NewState(conversation.NewID(), "telegram", "hash", engineNow)
	st.Mode = conversation.ModeComplete
	st.Extracted = conversation.ExtractedData{
		Symptoms:         symptoms,
		SuspectedDisease: disease,
		LocationText:     location,
		OnsetText:        "yesterday",
		CasesCount:       &cases,
		DeathsCount:      &deaths,
	}
	st.Classification.DataCompleteness = conversation.Completeness(st.Extracted)
	return st
}

// failingStore fails history reads and records writes.
type failingStore struct {
	mu    sync.Mutex
	saved []*linking.Report
}

func (f *failingStore) SaveReport(_ context.Context, r *linking.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, r)
	return nil
}
func (f *failingStore) GetReport(context.Context, string) (*linking.Report, bool, error) {
	return nil, false, nil
}
func (f *failingStore) ReportForConversation(context.Context, string) (*linking.Report, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (f *failingStore) Recent(context.Context, conversation.Disease, time.Time, int) ([]*linking.Report, error) {
	return nil, errors.New("connection refused")
}
func (f *failingStore) SaveLink(context.Context, linking.Link) error { return nil }
func (f *failingStore) LinksFor(context.Context, string) ([]linking.Link, error) {
	return nil, nil
}
func (f *failingStore) Ping(context.Context) error { return nil }

type stubNotifier struct{}

func (stubNotifier) Build(r *linking.Report) *linking.Notification {
	return &linking.Notification{ReportID: r.ID, Urgency: r.Urgency}
}

func TestFinalize_RejectsOpenConversation(t *testing.T) {
	t.Parallel()

	e := linking.NewEngine(nil)
	st := conversation.NewState("conv_x", "telegram", "h", engineNow)
	if _, err := e.Finalize(context.Background(), st, linking.DefaultClassification()); !errors.Is(err, linking.ErrNotComplete) {
		t.Errorf("err = %v, want ErrNotComplete", err)
	}
}

func TestFinalize_LinksAndAreaCases(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()
	prior := &linking.Report{
		ID: "01PRIOR", Disease: conversation.DiseaseDengue, LocationText: "Kassala market area",
		Symptoms: []string{"fever", "joint pain"}, CasesCount: 3, CreatedAt: engineNow.Add(-24 * time.Hour),
	}
	elsewhere := &linking.Report{
		ID: "01ELSEWHERE", Disease: conversation.DiseaseDengue, LocationText: "Port Sudan",
		Symptoms: []string{"headache"}, CasesCount: 9, CreatedAt: engineNow.Add(-6 * 24 * time.Hour),
	}
	old := &linking.Report{
		ID: "01OLD", Disease: conversation.DiseaseDengue, LocationText: "Kassala",
		Symptoms: []string{"fever"}, CasesCount: 30, CreatedAt: engineNow.Add(-30 * 24 * time.Hour),
	}
	for _, r := range []*linking.Report{prior, elsewhere, old} {
		if err := store.SaveReport(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	e := linking.NewEngine(store,
		linking.WithClock(func() time.Time { return engineNow }),
		linking.WithNotifier(stubNotifier{}))
	st := completeState(conversation.DiseaseDengue, "kassala", 2, 0, "fever", "rash")

	d, err := e.Finalize(ctx, st, linking.Classification{Disease: conversation.DiseaseDengue, Urgency: linking.UrgencyLow, AlertType: linking.AlertSingleCase})
	if err != nil {
		t.Fatal(err)
	}

	if d.AreaCases != 5 {
		t.Errorf("AreaCases = %d, want 5 (own 2 + prior 3)", d.AreaCases)
	}
	if d.Report.AlertType != linking.AlertCluster {
		t.Errorf("AlertType = %q, want cluster", d.Report.AlertType)
	}
	if d.Report.Urgency != linking.UrgencyHigh {
		t.Errorf("Urgency = %q, want high", d.Report.Urgency)
	}
	if len(d.Links) != 1 {
		t.Fatalf("links = %+v, want one geographic link", d.Links)
	}
	l := d.Links[0]
	if l.Type != linking.LinkGeographic || l.Confidence < linking.MinLinkConfidence {
		t.Errorf("link = %+v", l)
	}
	if (l.ReportA != prior.ID && l.ReportB != prior.ID) || l.ReportA == l.ReportB {
		t.Errorf("link endpoints = %s,%s", l.ReportA, l.ReportB)
	}
	if d.Notification == nil || d.Notification.ReportID != d.Report.ID {
		t.Errorf("notification = %+v", d.Notification)
	}

	saved, ok, _ := store.GetReport(ctx, d.Report.ID)
	if !ok || saved.ConversationID != st.ID {
		t.Error("report not persisted")
	}
	stored, _ := store.LinksFor(ctx, d.Report.ID)
	if len(stored) != 1 {
		t.Errorf("stored links = %d", len(stored))
	}
}

func TestFinalize_IdempotentPerConversation(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()
	e := linking.NewEngine(store,
		linking.WithClock(func() time.Time { return engineNow }),
		linking.WithNotifier(stubNotifier{}))
	st := completeState(conversation.DiseaseDengue, "Kassala", 4, 0, "fever")
	c := linking.Classification{Disease: conversation.DiseaseDengue, Urgency: linking.UrgencyMedium, AlertType: linking.AlertSingleCase}

	first, err := e.Finalize(ctx, st, c)
	if err != nil {
		t.Fatal(err)
	}
	if first.Replayed {
		t.Error("first Finalize marked as replayed")
	}

	again, err := e.Finalize(ctx, st, c)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Replayed || again.Report.ID != first.Report.ID {
		t.Fatalf("second Finalize report = %s replayed=%v, want %s replayed", again.Report.ID, again.Replayed, first.Report.ID)
	}
	if again.Report.AlertType != first.Report.AlertType || again.Report.Urgency != first.Report.Urgency {
		t.Errorf("replayed report %s/%s differs from %s/%s",
			again.Report.AlertType, again.Report.Urgency, first.Report.AlertType, first.Report.Urgency)
	}
	if len(again.Links) != 0 {
		t.Errorf("links = %+v, a conversation must not link to itself", again.Links)
	}
	if again.Notification == nil || again.Notification.ReportID != first.Report.ID {
		t.Errorf("notification = %+v", again.Notification)
	}

	all, _ := store.Recent(ctx, conversation.DiseaseDengue, engineNow.Add(-time.Hour), 10)
	if len(all) != 1 {
		t.Errorf("stored reports = %d, want 1", len(all))
	}
}

// lookupFailingStore cannot find existing reports by conversation but
// otherwise behaves like the memory store.
type lookupFailingStore struct {
	*memstore.Store
}

func (lookupFailingStore) ReportForConversation(context.Context, string) (*linking.Report, bool, error) {
	return nil, false, errors.New("timeout")
}

func TestFinalize_IgnoresOwnConversationInHistory(t *testing.T) {
	t.Parallel()

	store := lookupFailingStore{memstore.New()}
	ctx := context.Background()
	st := completeState(conversation.DiseaseDengue, "Kassala", 4, 0, "fever")

	own := &linking.Report{
		ID: "01OWN", ConversationID: st.ID, Disease: conversation.DiseaseDengue,
		LocationText: "Kassala", Symptoms: []string{"fever"}, CasesCount: 4, CreatedAt: engineNow.Add(-time.Minute),
	}
	neighbour := &linking.Report{
		ID: "01NEIGHBOUR", ConversationID: "conv_neighbour", Disease: conversation.DiseaseDengue,
		LocationText: "Kassala", Symptoms: []string{"fever"}, CasesCount: 1, CreatedAt: engineNow.Add(-time.Hour),
	}
	for _, r := range []*linking.Report{own, neighbour} {
		if err := store.SaveReport(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	e := linking.NewEngine(store, linking.WithClock(func() time.Time { return engineNow }))
	d, err := e.Finalize(ctx, st, linking.DefaultClassification())
	if err != nil {
		t.Fatal(err)
	}
	if d.AreaCases != 5 {
		t.Errorf("AreaCases = %d, want 5 (own 4 + neighbour 1, earlier report of this conversation excluded)", d.AreaCases)
	}
	for _, l := range d.Links {
		if l.ReportA == own.ID || l.ReportB == own.ID {
			t.Errorf("linked to own conversation: %+v", l)
		}
	}

	all, _ := store.Recent(ctx, conversation.DiseaseDengue, engineNow.Add(-24*time.Hour), 10)
	if len(all) != 2 {
		t.Errorf("stored reports = %d, want 2 (no second report for the conversation)", len(all))
	}
}

func TestFinalize_NoLinkWithoutSignals(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()
	far := &linking.Report{
		ID: "01FAR", Disease: conversation.DiseaseMalaria, LocationText: "Nyala",
		Symptoms: []string{"chills"}, CasesCount: 1, CreatedAt: engineNow.Add(-6*24*time.Hour - 23*time.Hour),
	}
	if err := store.SaveReport(ctx, far); err != nil {
		t.Fatal(err)
	}
	e := linking.NewEngine(store, linking.WithClock(func() time.Time { return engineNow }))
	d, err := e.Finalize(ctx, completeState(conversation.DiseaseMalaria, "Kassala", 1, 0, "fever"), linking.DefaultClassification())
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Links) != 0 {
		t.Errorf("links = %+v, want none", d.Links)
	}
}

func TestFinalize_DegradesWhenHistoryFails(t *testing.T) {
	t.Parallel()

	store := &failingStore{}
	e := linking.NewEngine(store, linking.WithClock(func() time.Time { return engineNow }))
	d, err := e.Finalize(context.Background(), completeState(conversation.DiseaseCholera, "Kassala", 1, 0, "diarrhea"), linking.DefaultClassification())
	if err != nil {
		t.Fatal(err)
	}
	if !d.Degraded || d.AreaCases != 1 {
		t.Errorf("degraded=%v area=%d", d.Degraded, d.AreaCases)
	}
	if d.Report.Urgency != linking.UrgencyCritical || d.Report.AlertType != linking.AlertCluster {
		t.Errorf("urgency=%q alert=%q", d.Report.Urgency, d.Report.AlertType)
	}
	if len(store.saved) != 1 {
		t.Errorf("saved = %d reports, want 1", len(store.saved))
	}
}

func TestFinalize_UrgencyNoLowerThanLocal(t *testing.T) {
	t.Parallel()

	e := linking.NewEngine(nil, linking.WithClock(func() time.Time { return engineNow }))
	d, err := e.Finalize(context.Background(),
		completeState(conversation.DiseaseMalaria, "Kassala", 12, 0, "fever"),
		linking.Classification{Disease: conversation.DiseaseMalaria, Urgency: linking.UrgencyLow})
	if err != nil {
		t.Fatal(err)
	}
	if d.Report.Urgency != linking.UrgencyCritical {
		t.Errorf("Urgency = %q, want critical for 12 cases", d.Report.Urgency)
	}
	if d.Report.AlertType != linking.AlertCluster {
		t.Errorf("AlertType = %q, want cluster (10 <= 12 < 50)", d.Report.AlertType)
	}
}

func TestFinalize_UsesExtractedDiseaseWhenClassifierUnsure(t *testing.T) {
	t.Parallel()

	e := linking.NewEngine(nil, linking.WithClock(func() time.Time { return engineNow }))
	d, err := e.Finalize(context.Background(),
		completeState(conversation.DiseaseMeasles, "Omdurman", 1, 0, "rash"),
		linking.DefaultClassification())
	if err != nil {
		t.Fatal(err)
	}
	if d.Report.Disease != conversation.DiseaseMeasles || d.Report.AlertType != linking.AlertCluster {
		t.Errorf("disease=%q alert=%q", d.Report.Disease, d.Report.AlertType)
	}
}

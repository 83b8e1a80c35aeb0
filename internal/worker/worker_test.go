package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mhmd-249/cbi/internal/conversation"
	convmem "github.com/mhmd-249/cbi/internal/conversation/memstore"
	"github.com/mhmd-249/cbi/internal/linking"
	linkmem "github.com/mhmd-249/cbi/internal/linking/memstore"
	"github.com/mhmd-249/cbi/internal/llm"
	"github.com/mhmd-249/cbi/internal/messaging"
	"github.com/mhmd-249/cbi/internal/notify"
	"github.com/mhmd-249/cbi/internal/queue"
	"github.com/mhmd-249/cbi/internal/queue/memqueue"
	"github.com/mhmd-249/cbi/internal/realtime"
	"github.com/mhmd-249/cbi/internal/realtime/hub"
)

// scriptProvider returns replies in order, then a fixed reply.
type scriptProvider struct {
	mu    sync.Mutex
	texts []string
	idx   int
	rest  string
}

func (s *scriptProvider) Send(context.Context, *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.rest
	if s.idx < len(s.texts) {
		text = s.texts[s.idx]
	}
	s.idx++
	if text == "" {
		text = `{"response":"ok"}`
	}
	return &llm.Response{Text: text}, nil
}

// fakeGateway records outgoing replies.
type fakeGateway struct {
	mu   sync.Mutex
	sent []messaging.OutgoingMessage
}

func (g *fakeGateway) Platform() messaging.Platform { return messaging.PlatformTelegram }
func (g *fakeGateway) ParseWebhook([]byte) ([]messaging.IncomingMessage, error) {
	return nil, nil
}
func (g *fakeGateway) SendMessage(_ context.Context, m messaging.OutgoingMessage) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, m)
	return "out", nil
}
func (g *fakeGateway) SendTemplate(context.Context, string, string, []string) (string, error) {
	return "", nil
}

func (g *fakeGateway) replies() []messaging.OutgoingMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]messaging.OutgoingMessage(nil), g.sent...)
}

type classifierFunc func(context.Context, conversation.ExtractedData) linking.Classification

func (f classifierFunc) Classify(ctx context.Context, x conversation.ExtractedData) linking.Classification {
	return f(ctx, x)
}

// flakyStore fails the first n saves.
type flakyStore struct {
	*convmem.Store
	failures atomic.Int32
}

func (f *flakyStore) Save(ctx context.Context, st *conversation.State) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return f.Store.Save(ctx, st)
}

// completionFailStore fails the first save of a completed conversation.
type completionFailStore struct {
	*convmem.Store
	failed atomic.Bool
}

func (f *completionFailStore) Save(ctx context.Context, st *conversation.State) error {
	if st.IsComplete() && f.failed.CompareAndSwap(false, true) {
		return errors.New("connection reset")
	}
	return f.Store.Save(ctx, st)
}

type harness struct {
	queue    *memqueue.Queue
	convs    *convmem.Store
	reports  *linkmem.Store
	gateway  *fakeGateway
	hub      *hub.Hub
	metrics  *Metrics
	pool     *Pool
	hasher   conversation.Hasher
	provider *scriptProvider
}

func newHarness(t *testing.T, provider *scriptProvider, store conversation.Store) *harness {
	t.Helper()
	h := &harness{
		queue:    memqueue.New(),
		reports:  linkmem.New(),
		gateway:  &fakeGateway{},
		hub:      hub.New(hub.DefaultBuffer),
		metrics:  NewMetrics(prometheus.NewRegistry()),
		hasher:   conversation.NewHasher("test-salt"),
		provider: provider,
	}
	h.convs = convmem.New(h.hasher)
	if store == nil {
		store = h.convs
	}

	engine := linking.NewEngine(h.reports, linking.WithNotifier(notify.NewBuilder(time.Now)))
	h.pool = New(Config{
		Consumers:     1,
		Block:         20 * time.Millisecond,
		ClaimInterval: time.Hour,
	}, Deps{
		Queue:   h.queue,
		Store:   store,
		Locker:  convmem.NewKeyedMutex(),
		Hasher:  h.hasher,
		Machine: conversation.NewMachine(provider),
		Classifier: classifierFunc(func(context.Context, conversation.ExtractedData) linking.Classification {
			return linking.Classification{
				Disease: conversation.DiseaseCholera, Confidence: 0.9,
				Urgency: linking.UrgencyHigh, AlertType: linking.AlertCluster,
				Reasoning: "watery diarrhea cluster", RecommendedActions: []string{"Deploy rapid response team"},
			}
		}),
		Engine:    engine,
		Gateways:  messaging.NewRegistry(h.gateway),
		Publisher: realtime.NewPublisher(h.hub, h.metrics.PublishHooks()),
		Metrics:   h.metrics,
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func (h *harness) enqueue(t *testing.T, id, text string) {
	t.Helper()
	_, err := h.queue.Enqueue(context.Background(), messaging.IncomingMessage{
		Platform: messaging.PlatformTelegram, MessageID: id, ChatID: "chat-1",
		SenderID: "user-1", Text: text, Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func receive(t *testing.T, sub realtime.Subscription) (string, json.RawMessage) {
	t.Helper()
	select {
	case m := <-sub.Messages():
		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(m.Payload, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		return env.Type, env.Data
	case <-time.After(5 * time.Second):
		t.Fatal("no realtime message")
	}
	return "", nil
}

func TestPool_IntakeToAlert(t *testing.T) {
	t.Parallel()

	provider := &scriptProvider{texts: []string{
		`{"response":"I'm sorry to hear that. Where are you?","detected_language":"en","transition_to":"investigating",
		  "extracted_data":{"symptoms":["vomiting","diarrhea"],"suspected_disease":"cholera"}}`,
		`{"response":"When did it start?","extracted_data":{"location_text":"Kassala, near the market","cases_count":"5"}}`,
		`{"response":"Thank you, we have passed this on.","transition_to":"complete","extracted_data":{"onset_text":"two days ago"}}`,
		`{"response":"Hello again, what would you like to report?"}`,
	}}
	h := newHarness(t, provider, nil)
	ctx := context.Background()

	broadcast, err := h.hub.Subscribe(ctx, realtime.BroadcastChannel)
	if err != nil {
		t.Fatal(err)
	}
	defer broadcast.Close()
	updates, err := h.hub.Subscribe(ctx, realtime.ReportUpdatesChannel)
	if err != nil {
		t.Fatal(err)
	}
	defer updates.Close()

	h.start(t)

	h.enqueue(t, "1", "My neighbors are vomiting and have diarrhea")
	eventually(t, "first reply", func() bool { return len(h.gateway.replies()) == 1 })
	first, ok, err := h.convs.Lookup(ctx, "telegram", "user-1")
	if err != nil || !ok {
		t.Fatalf("Lookup after first turn: ok=%v err=%v", ok, err)
	}

	h.enqueue(t, "2", "Kassala, near the market, five people")
	h.enqueue(t, "3", "Two days ago")
	eventually(t, "three replies", func() bool { return len(h.gateway.replies()) == 3 })

	sent := h.gateway.replies()
	if sent[0].ChatID != "chat-1" || sent[0].ReplyToID != "1" {
		t.Errorf("first reply = %+v", sent[0])
	}
	var thanked bool
	for _, m := range sent {
		thanked = thanked || m.Text == "Thank you, we have passed this on."
	}
	if !thanked {
		t.Errorf("replies = %+v, want the closing message", sent)
	}

	st, ok, err := h.convs.Load(ctx, first.ConversationID)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if !st.IsComplete() || st.TurnCount != 3 {
		t.Errorf("conversation mode=%q turns=%d, want complete after 3", st.Mode, st.TurnCount)
	}

	typ, data := receive(t, broadcast)
	if typ != string(realtime.TypeNotification) {
		t.Fatalf("broadcast type = %q", typ)
	}
	var n linking.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatal(err)
	}
	if n.Urgency != linking.UrgencyCritical {
		t.Errorf("notification urgency = %q, want critical for cholera", n.Urgency)
	}

	typ, data = receive(t, updates)
	if typ != string(realtime.TypeReportUpdate) {
		t.Fatalf("update type = %q", typ)
	}
	var upd struct {
		ReportID       string `json:"report_id"`
		UpdateType     string `json:"update_type"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(data, &upd); err != nil {
		t.Fatal(err)
	}
	if upd.ReportID != n.ReportID || upd.UpdateType != "created" || upd.ConversationID != first.ConversationID {
		t.Errorf("report update = %+v", upd)
	}

	r, ok, err := h.reports.GetReport(ctx, n.ReportID)
	if err != nil || !ok {
		t.Fatalf("GetReport: ok=%v err=%v", ok, err)
	}
	if r.Disease != conversation.DiseaseCholera || r.CasesCount != 5 {
		t.Errorf("report = %+v", r)
	}

	// a message after completion opens a fresh conversation
	h.enqueue(t, "4", "hello")
	eventually(t, "fourth reply", func() bool { return len(h.gateway.replies()) == 4 })
	next, ok, _ := h.convs.Lookup(ctx, "telegram", "user-1")
	if !ok || next.ConversationID == first.ConversationID {
		t.Errorf("session after completion = %+v, want a new conversation", next)
	}

	eventually(t, "queue drained", func() bool {
		s, _ := h.queue.Stats(ctx)
		return s.Pending == 0
	})
	if got := testutil.ToFloat64(h.metrics.MessagesTotal.WithLabelValues("processed")); got != 4 {
		t.Errorf("processed = %v, want 4", got)
	}
	if got := testutil.ToFloat64(h.metrics.ReportsTotal.WithLabelValues("critical", string(linking.AlertSuspectedOutbreak))); got != 1 {
		t.Errorf("reports{critical,suspected_outbreak} = %v, want 1", got)
	}
}

func TestPool_RedeliversTransientFailure(t *testing.T) {
	t.Parallel()

	provider := &scriptProvider{rest: `{"response":"Where are you?","transition_to":"investigating"}`}
	hasher := conversation.NewHasher("test-salt")
	store := &flakyStore{Store: convmem.New(hasher)}
	store.failures.Store(1)

	h := newHarness(t, provider, store)
	h.convs = store.Store
	h.start(t)

	h.enqueue(t, "1", "There is fever in our village")
	eventually(t, "reply after retry", func() bool { return len(h.gateway.replies()) == 1 })
	eventually(t, "entry acked", func() bool {
		s, _ := h.queue.Stats(context.Background())
		return s.Pending == 0
	})

	if got := testutil.ToFloat64(h.metrics.MessagesTotal.WithLabelValues("retry")); got != 1 {
		t.Errorf("retry = %v, want 1", got)
	}
	// the failed attempt must not leak a reply
	time.Sleep(50 * time.Millisecond)
	if n := len(h.gateway.replies()); n != 1 {
		t.Errorf("replies = %d, want 1", n)
	}
}

func TestPool_CompletionRetryKeepsOneReport(t *testing.T) {
	t.Parallel()

	investigate := `{"response":"Where and when?","transition_to":"investigating",
	  "extracted_data":{"symptoms":["diarrhea"],"suspected_disease":"cholera","location_text":"Kassala","cases_count":"2"}}`
	complete := `{"response":"Thank you.","transition_to":"complete","extracted_data":{"onset_text":"yesterday"}}`
	provider := &scriptProvider{texts: []string{investigate}, rest: complete}

	hasher := conversation.NewHasher("test-salt")
	store := &completionFailStore{Store: convmem.New(hasher)}
	h := newHarness(t, provider, store)
	h.convs = store.Store
	ctx := context.Background()

	broadcast, err := h.hub.Subscribe(ctx, realtime.BroadcastChannel)
	if err != nil {
		t.Fatal(err)
	}
	defer broadcast.Close()

	h.start(t)
	h.enqueue(t, "1", "Two people with watery diarrhea")
	h.enqueue(t, "2", "Kassala, since yesterday")

	eventually(t, "queue drained", func() bool {
		s, _ := h.queue.Stats(ctx)
		return s.Pending == 0 && len(h.gateway.replies()) == 2
	})
	if !store.failed.Load() {
		t.Fatal("completing save never failed")
	}

	sess, ok, err := h.convs.Lookup(ctx, "telegram", "user-1")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	reports, err := h.reports.Recent(ctx, conversation.DiseaseCholera, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 {
		t.Fatalf("conversation %s produced %d reports, want 1", sess.ConversationID, len(reports))
	}
	r := reports[0]
	if r.ConversationID != sess.ConversationID || r.AlertType != linking.AlertCluster {
		t.Errorf("report conversation=%s alert=%s, want %s cluster", r.ConversationID, r.AlertType, sess.ConversationID)
	}
	if links, _ := h.reports.LinksFor(ctx, r.ID); len(links) != 0 {
		t.Errorf("links = %+v, want none", links)
	}

	typ, data := receive(t, broadcast)
	if typ != string(realtime.TypeNotification) {
		t.Fatalf("broadcast type = %q", typ)
	}
	var n linking.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatal(err)
	}
	if n.ReportID != r.ID {
		t.Errorf("notification report = %s, want %s", n.ReportID, r.ID)
	}
	select {
	case m := <-broadcast.Messages():
		t.Errorf("second notification: %s", m.Payload)
	case <-time.After(100 * time.Millisecond):
	}

	if got := testutil.ToFloat64(h.metrics.MessagesTotal.WithLabelValues("retry")); got != 1 {
		t.Errorf("retry = %v, want 1", got)
	}
}

func TestPool_TurnLimitStartsNewConversation(t *testing.T) {
	t.Parallel()

	provider := &scriptProvider{rest: `{"response":"Can you tell me more?"}`}
	h := newHarness(t, provider, nil)
	h.pool.deps.Machine = conversation.NewMachine(provider, conversation.WithMaxTurns(2))
	ctx := context.Background()
	h.start(t)

	h.enqueue(t, "1", "fever here")
	h.enqueue(t, "2", "many people")
	eventually(t, "two replies", func() bool { return len(h.gateway.replies()) == 2 })
	first, ok, err := h.convs.Lookup(ctx, "telegram", "user-1")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}

	h.enqueue(t, "3", "are you there?")
	eventually(t, "reply after the turn limit", func() bool { return len(h.gateway.replies()) == 3 })

	next, ok, err := h.convs.Lookup(ctx, "telegram", "user-1")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if next.ConversationID == first.ConversationID {
		t.Fatal("message after the turn limit stayed in the exhausted conversation")
	}
	st, ok, err := h.convs.Load(ctx, next.ConversationID)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if st.TurnCount != 1 {
		t.Errorf("new conversation turns = %d, want 1", st.TurnCount)
	}
	if got := testutil.ToFloat64(h.metrics.MessagesTotal.WithLabelValues("dropped")); got != 0 {
		t.Errorf("dropped = %v, want 0", got)
	}
}

func TestPool_DropsEmptyMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &scriptProvider{}, nil)
	h.start(t)

	h.enqueue(t, "1", "   ")
	eventually(t, "entry acked", func() bool {
		return testutil.ToFloat64(h.metrics.MessagesTotal.WithLabelValues("dropped")) == 1
	})
	s, _ := h.queue.Stats(context.Background())
	if s.Pending != 0 {
		t.Errorf("pending = %d, want 0", s.Pending)
	}
	if n := len(h.gateway.replies()); n != 0 {
		t.Errorf("replies = %d, want none", n)
	}
}

func TestPool_Lanes(t *testing.T) {
	t.Parallel()

	p := New(Config{}, Deps{
		Queue:   memqueue.New(),
		Store:   convmem.New(conversation.NewHasher("s")),
		Locker:  convmem.NewKeyedMutex(),
		Hasher:  conversation.NewHasher("s"),
		Machine: conversation.NewMachine(&scriptProvider{}),
		Engine:  linking.NewEngine(nil),
	})
	msg := func(platform messaging.Platform, sender, id string) queue.Delivery {
		return queue.Delivery{ID: id, Message: messaging.IncomingMessage{Platform: platform, SenderID: sender, MessageID: id}}
	}
	lanes := p.lanes([]queue.Delivery{
		msg(messaging.PlatformTelegram, "a", "1"),
		msg(messaging.PlatformTelegram, "b", "2"),
		msg(messaging.PlatformTelegram, "a", "3"),
		msg(messaging.PlatformWhatsApp, "a", "4"),
	})
	if len(lanes) != 3 {
		t.Fatalf("lanes = %d, want 3", len(lanes))
	}
	if len(lanes[0]) != 2 || lanes[0][0].ID != "1" || lanes[0][1].ID != "3" {
		t.Errorf("first lane = %+v", lanes[0])
	}
	if lanes[1][0].ID != "2" || lanes[2][0].ID != "4" {
		t.Errorf("lane order = %s,%s", lanes[1][0].ID, lanes[2][0].ID)
	}
}

func TestNew_PanicsWithoutQueue(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("New without queue did not panic")
		}
	}()
	New(Config{}, Deps{})
}

package ingestapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/mhmd-249/cbi/internal/authmw"
	"github.com/mhmd-249/cbi/internal/messaging"
	"github.com/mhmd-249/cbi/internal/messaging/telegram"
	"github.com/mhmd-249/cbi/internal/messaging/whatsapp"
	"github.com/mhmd-249/cbi/internal/queue"
	"github.com/mhmd-249/cbi/internal/queue/memqueue"
)

const (
	telegramUpdate = `{"update_id":10,"message":{"message_id":7,"date":1767225600,
		"chat":{"id":555,"type":"private"},"from":{"id":555,"is_bot":false,"first_name":"A"},
		"text":"People are sick in Kassala"}}`
	whatsappEvent = `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages",
		"value":{"messaging_product":"whatsapp","messages":[
		{"from":"249900000001","id":"wamid.A","timestamp":"1767225600","type":"text","text":{"body":"fever"}},
		{"from":"249900000001","id":"wamid.B","timestamp":"1767225601","type":"image"}]}}]}]}`
	appSecret = "app-secret"
)

// fakeConvs is a hand-written Conversations mock.
type fakeConvs struct {
	active  int
	pingErr error
}

func (f *fakeConvs) CountActive(context.Context) (int, error) { return f.active, nil }
func (f *fakeConvs) Ping(context.Context) error { return f.pingErr }

// failingQueue fails every call.
type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, messaging.IncomingMessage) (string, error) {
	return "", errors.New("connection refused")
}
func (failingQueue) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{}, errors.New("connection refused")
}

type hookRecorder struct {
	mu      sync.Mutex
	results []string
}

func (h *hookRecorder) record(channel, result string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, channel+":"+result)
}

func newTestRouter(t *testing.T, q Queue, secrets Secrets, opts ...Option) chi.Router {
	t.Helper()
	reg := messaging.NewRegistry(telegram.New("123:token"), whatsapp.New("phone", "access", ""))
	api := New(log.Nop(), q, reg, &fakeConvs{active: 3}, secrets, opts...)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r
}

func post(r http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func TestNew_Panics(t *testing.T) {
	t.Parallel()

	reg := messaging.NewRegistry()
	tests := []struct {
		name string
		fn   func()
	}{
		{"nil queue", func() { New(nil, nil, reg, &fakeConvs{}, Secrets{}) }},
		{"nil registry", func() { New(nil, memqueue.New(), nil, &fakeConvs{}, Secrets{}) }},
		{"nil store", func() { New(nil, memqueue.New(), reg, nil, Secrets{}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Errorf("New with %s did not panic", tt.name)
				}
			}()
			tt.fn()
		})
	}
}

func TestTelegramWebhook(t *testing.T) {
	t.Parallel()

	q := memqueue.New()
	hooks := &hookRecorder{}
	r := newTestRouter(t, q, Secrets{TelegramSecret: "tg-secret"}, WithWebhookHook(hooks.record))

	tests := []struct {
		name       string
		body       string
		secret     string
		wantStatus int
		wantResult string
	}{
		{"valid", telegramUpdate, "tg-secret", http.StatusOK, "queued"},
		{"wrong secret", telegramUpdate, "nope", http.StatusForbidden, ""},
		{"missing secret", telegramUpdate, "", http.StatusForbidden, ""},
		{"malformed", `{not json`, "tg-secret", http.StatusOK, "ignored"},
		{"no text", `{"update_id":11,"message":{"message_id":8,"date":1,"chat":{"id":1}}}`, "tg-secret", http.StatusOK, "ignored"},
	}
	for _, tt := range tests {
		rec := post(r, "/webhook/telegram", tt.body, map[string]string{headerTelegramSecret: tt.secret})
		if rec.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.wantStatus)
			continue
		}
		if tt.wantResult != "" {
			if got := decode(t, rec)["status"]; got != tt.wantResult {
				t.Errorf("%s: status field = %v, want %s", tt.name, got, tt.wantResult)
			}
		}
	}

	st, _ := q.Stats(context.Background())
	if st.Length != 1 {
		t.Errorf("queue length = %d, want 1", st.Length)
	}
	if len(hooks.results) != len(tests) || hooks.results[0] != "telegram:queued" || hooks.results[1] != "telegram:forbidden" {
		t.Errorf("hook results = %v", hooks.results)
	}
}

func TestTelegramWebhook_NoSecretConfigured(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, memqueue.New(), Secrets{})
	if rec := post(r, "/webhook/telegram", telegramUpdate, nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when no secret is configured", rec.Code)
	}
}

func TestWhatsAppWebhook(t *testing.T) {
	t.Parallel()

	q := memqueue.New()
	r := newTestRouter(t, q, Secrets{WhatsAppAppSecret: appSecret})

	rec := post(r, "/webhook/whatsapp", whatsappEvent, map[string]string{
		headerHubSignature: messaging.SignWhatsApp(appSecret, []byte(whatsappEvent)),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode(t, rec)
	entries, ok := resp["entries"].([]any)
	if resp["status"] != "queued" || !ok || len(entries) != 1 {
		t.Errorf("response = %v, want one queued entry (image skipped)", resp)
	}

	bad := post(r, "/webhook/whatsapp", whatsappEvent, map[string]string{
		headerHubSignature: "sha256=" + strings.Repeat("0", 64),
	})
	if bad.Code != http.StatusForbidden {
		t.Errorf("bad signature status = %d, want 403", bad.Code)
	}
	if missing := post(r, "/webhook/whatsapp", whatsappEvent, nil); missing.Code != http.StatusForbidden {
		t.Errorf("missing signature status = %d, want 403", missing.Code)
	}
}

func TestWhatsAppVerify(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, memqueue.New(), Secrets{WhatsAppVerifyToken: "verify-me"})

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"ok", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusForbidden, ""},
		{"no challenge", "hub.mode=subscribe&hub.verify_token=verify-me", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?"+tt.query, http.NoBody)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.wantStatus)
		}
		if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
			t.Errorf("%s: body = %q, want %q", tt.name, rec.Body.String(), tt.wantBody)
		}
	}
}

func TestDetectWebhook(t *testing.T) {
	t.Parallel()

	q := memqueue.New()
	r := newTestRouter(t, q, Secrets{})

	if rec := post(r, "/webhook", telegramUpdate, nil); rec.Code != http.StatusOK || decode(t, rec)["status"] != "queued" {
		t.Errorf("telegram via /webhook: %d", rec.Code)
	}
	if rec := post(r, "/webhook", whatsappEvent, nil); rec.Code != http.StatusOK || decode(t, rec)["status"] != "queued" {
		t.Errorf("whatsapp via /webhook: %d", rec.Code)
	}
	if rec := post(r, "/webhook", `{"hello":"world"}`, nil); rec.Code != http.StatusOK || decode(t, rec)["status"] != "ignored" {
		t.Errorf("unknown shape: %d", rec.Code)
	}

	st, _ := q.Stats(context.Background())
	if st.Length != 2 {
		t.Errorf("queue length = %d, want 2", st.Length)
	}
}

func TestWebhook_EnqueueFailure(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, failingQueue{}, Secrets{})
	if rec := post(r, "/webhook/telegram", telegramUpdate, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 so the channel retries", rec.Code)
	}
}

func TestAPIRoutes_Auth(t *testing.T) {
	t.Parallel()

	q := memqueue.New()
	r := newTestRouter(t, q, Secrets{}, WithAuth(authmw.BearerToken("ops-token")))

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
	}{
		{"stats no token", "/api/v1/queue/stats", "", http.StatusUnauthorized},
		{"stats ok", "/api/v1/queue/stats", "ops-token", http.StatusOK},
		{"active wrong token", "/api/v1/conversations/active", "bad", http.StatusUnauthorized},
		{"active ok", "/api/v1/conversations/active", "ops-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestActiveConversations(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, memqueue.New(), Secrets{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/active", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if got := decode(t, rec)["active"]; got != float64(3) {
		t.Errorf("active = %v, want 3", got)
	}
}

func TestReady(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	reg := messaging.NewRegistry()

	tests := []struct {
		name       string
		q          Queue
		convs      *fakeConvs
		wantStatus int
	}{
		{"ready", memqueue.New(), &fakeConvs{}, http.StatusOK},
		{"store down", memqueue.New(), &fakeConvs{pingErr: errors.New("down")}, http.StatusServiceUnavailable},
		{"queue down", failingQueue{}, &fakeConvs{}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		h := New(nil, tt.q, reg, tt.convs, Secrets{}).Ready(next)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
		if rec.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.wantStatus)
		}
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, memqueue.New(), Secrets{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/webhook/telegram"},
		{http.MethodPut, "/webhook/whatsapp"},
		{http.MethodGet, "/webhook"},
		{http.MethodPost, "/api/v1/queue/stats"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, http.NoBody)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d, want 405", tc.method, tc.path, rec.Code)
		}
	}
}

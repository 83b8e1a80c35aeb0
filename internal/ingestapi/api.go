// Package ingestapi serves the channel webhooks that feed the ingestion log
// and the operator endpoints over it.
package ingestapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/mhmd-249/cbi/internal/messaging"
	"github.com/mhmd-249/cbi/internal/queue"
)

// Queue is the part of the ingestion log the API needs.
type Queue interface {
	Enqueue(ctx context.Context, msg messaging.IncomingMessage) (string, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Conversations reports on stored conversations.
type Conversations interface {
	CountActive(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// Secrets authenticate inbound webhooks. Empty values disable the
// corresponding check, except the verify token which then denies every
// subscription handshake.
type Secrets struct {
	TelegramSecret      string
	WhatsAppAppSecret   string
	WhatsAppVerifyToken string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	queue     Queue
	gateways  *messaging.Registry
	convs     Conversations
	secrets   Secrets
	auth      func(http.Handler) http.Handler
	onWebhook func(channel, result string)
}

// Option configures an API.
type Option func(*API)

// WithAuth protects the /api/v1 routes with mw.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.auth = mw }
}

// WithWebhookHook is called once per webhook with its channel and result.
func WithWebhookHook(fn func(channel, result string)) Option {
	return func(a *API) { a.onWebhook = fn }
}

// New creates a new API handler.
func New(logger log.Logger, q Queue, gateways *messaging.Registry, convs Conversations, secrets Secrets, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if q == nil {
		panic(xerrors.New("ingestion queue is required"))
	}
	if gateways == nil {
		panic(xerrors.New("gateway registry is required"))
	}
	if convs == nil {
		panic(xerrors.New("conversation store is required"))
	}
	a := &API{
		logger:   logger,
		queue:    q,
		gateways: gateways,
		convs:    convs,
		secrets:  secrets,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches webhook and API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Post("/webhook", a.handleDetect)
	r.Post("/webhook/telegram", a.handleTelegram)
	r.Get("/webhook/whatsapp", a.handleWhatsAppVerify)
	r.Post("/webhook/whatsapp", a.handleWhatsApp)

	r.Route("/api/v1", func(r chi.Router) {
		if a.auth != nil {
			r.Use(a.auth)
		}
		r.Get("/queue/stats", a.handleQueueStats)
		r.Get("/conversations/active", a.handleActiveConversations)
	})
}

func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.queue.Stats(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read queue stats")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue unavailable"})
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int64("cbi.queue.length", st.Length),
		attribute.Int64("cbi.queue.pending", st.Pending),
	)
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleActiveConversations(w http.ResponseWriter, r *http.Request) {
	n, err := a.convs.CountActive(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to count active conversations")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"active": n})
}

// Ready wraps next (normally the shutdown-gated readiness handler) so the
// process only reports ready while the conversation store answers and the
// queue is readable.
func (a *API) Ready(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.convs.Ping(r.Context()); err != nil {
			a.logger.Warn(r.Context(), "readiness: conversation store unavailable", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "store"})
			return
		}
		if _, err := a.queue.Stats(r.Context()); err != nil {
			a.logger.Warn(r.Context(), "readiness: queue unavailable", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "queue"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

package ingestapi

import (
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mhmd-249/cbi/internal/messaging"
)

const (
	headerTelegramSecret = "X-Telegram-Bot-Api-Secret-Token"
	headerHubSignature   = "X-Hub-Signature-256"
)

// webhook results, also used as metric labels
const (
	resultQueued    = "queued"
	resultIgnored   = "ignored"
	resultForbidden = "forbidden"
	resultFailed    = "failed"
)

func (a *API) handleTelegram(w http.ResponseWriter, r *http.Request) {
	a.ingest(w, r, messaging.PlatformTelegram)
}

func (a *API) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	a.ingest(w, r, messaging.PlatformWhatsApp)
}

// handleDetect serves a single endpoint for both channels, picking the
// adapter by payload shape.
func (a *API) handleDetect(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	p, err := messaging.DetectPlatform(body)
	if err != nil {
		a.logger.Warn(r.Context(), "webhook platform not recognised", "err", err)
		a.respond(w, "unknown", resultIgnored, http.StatusOK, nil)
		return
	}
	a.ingestBody(w, r, p, body)
}

func (a *API) ingest(w http.ResponseWriter, r *http.Request, p messaging.Platform) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	a.ingestBody(w, r, p, body)
}

func (a *API) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			http.Error(w, `{"error":"payload too large"}`, http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, `{"error":"read failed"}`, http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// ingestBody verifies, parses and enqueues one webhook body. Channels
// retry on non-2xx, so only a failed enqueue asks for a retry; payloads we
// cannot use are acknowledged and dropped.
func (a *API) ingestBody(w http.ResponseWriter, r *http.Request, p messaging.Platform, body []byte) {
	ctx := r.Context()
	channel := string(p)
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("cbi.channel", channel))

	if err := a.verify(r, p, body); err != nil {
		a.logger.Warn(ctx, "webhook authentication failed", "channel", channel, "err", err)
		a.respond(w, channel, resultForbidden, http.StatusForbidden, nil)
		return
	}

	gw, err := a.gateways.Get(p)
	if err != nil {
		a.logger.Warn(ctx, "webhook for unconfigured channel", "channel", channel)
		a.respond(w, channel, resultIgnored, http.StatusOK, nil)
		return
	}

	msgs, err := gw.ParseWebhook(body)
	if err != nil {
		a.logger.Warn(ctx, "malformed webhook payload", "channel", channel, "err", err)
		a.respond(w, channel, resultIgnored, http.StatusOK, nil)
		return
	}
	if len(msgs) == 0 {
		a.respond(w, channel, resultIgnored, http.StatusOK, nil)
		return
	}

	entries := make([]string, 0, len(msgs))
	for _, m := range msgs {
		id, err := a.queue.Enqueue(ctx, m)
		if err != nil {
			a.logger.Error(ctx, err, "enqueue failed", "channel", channel, "queued", len(entries))
			a.respond(w, channel, resultFailed, http.StatusServiceUnavailable, nil)
			return
		}
		entries = append(entries, id)
	}

	span.SetAttributes(attribute.Int("cbi.webhook.messages", len(entries)))
	a.logger.Info(ctx, "webhook queued", "channel", channel, "messages", len(entries))
	a.respond(w, channel, resultQueued, http.StatusOK, entries)
}

func (a *API) verify(r *http.Request, p messaging.Platform, body []byte) error {
	switch p {
	case messaging.PlatformTelegram:
		return messaging.VerifyTelegramSecret(a.secrets.TelegramSecret, r.Header.Get(headerTelegramSecret))
	case messaging.PlatformWhatsApp:
		if a.secrets.WhatsAppAppSecret == "" {
			return nil
		}
		return messaging.VerifyWhatsAppSignature(a.secrets.WhatsAppAppSecret, body, r.Header.Get(headerHubSignature))
	}
	return messaging.ErrUnknownPlatform
}

func (a *API) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, err := messaging.VerifyWhatsAppSubscription(
		a.secrets.WhatsAppVerifyToken,
		q.Get("hub.mode"),
		q.Get("hub.verify_token"),
		q.Get("hub.challenge"),
	)
	if err != nil || challenge == "" {
		a.logger.Warn(r.Context(), "whatsapp subscription handshake denied", "mode", q.Get("hub.mode"))
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	a.logger.Info(r.Context(), "whatsapp subscription verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, challenge)
}

func (a *API) respond(w http.ResponseWriter, channel, result string, status int, entries []string) {
	if a.onWebhook != nil {
		a.onWebhook(channel, result)
	}
	resp := map[string]any{"status": result}
	if entries != nil {
		resp["entries"] = entries
	}
	if status != http.StatusOK {
		resp = map[string]any{"error": result}
	}
	writeJSON(w, status, resp)
}

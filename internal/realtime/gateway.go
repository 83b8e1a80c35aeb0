package realtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/linnemanlabs/go-core/log"
)

// Close codes sent before the gateway drops a connection.
const (
	CloseAuthFailed         = 4001
	CloseBackendUnavailable = 4002
	// CloseIdleTimeout is only sent when an idle timeout is configured.
	CloseIdleTimeout = 4003
)

const (
	DefaultHeartbeat    = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	maxClientFrame      = 4 << 10
)

// Authenticator resolves a connection token to a recipient id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// GatewayHooks observe connection lifecycle. Nil funcs are skipped.
type GatewayHooks struct {
	OnConnect    func()
	OnDisconnect func()
	OnReject     func(code int)
	OnForward    func()
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithHeartbeat sets the ping interval.
func WithHeartbeat(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.heartbeat = d
		}
	}
}

// WithReadTimeout sets how long a client may stay silent before the
// connection is closed with CloseIdleTimeout. By default silent clients are
// kept; dead peers are detected when a heartbeat write fails.
func WithReadTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.readTimeout = d
		}
	}
}

// WithAllowedOrigins restricts browser origins. An empty list allows any.
func WithAllowedOrigins(origins ...string) GatewayOption {
	return func(g *Gateway) { g.origins = origins }
}

// WithGatewayHooks installs lifecycle hooks.
func WithGatewayHooks(h GatewayHooks) GatewayOption {
	return func(g *Gateway) { g.hooks = h }
}

// Gateway serves the client websocket. Each connection subscribes to its
// recipient channel, the broadcast channel and report updates, and receives
// every payload verbatim plus a periodic ping.
type Gateway struct {
	broker    Broker
	auth      Authenticator
	logger    log.Logger
	heartbeat time.Duration
	origins   []string
	hooks     GatewayHooks

	readTimeout time.Duration

	active   atomic.Int64
	base     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// NewGateway returns a Gateway. A nil broker makes every connection close
// with CloseBackendUnavailable.
func NewGateway(broker Broker, auth Authenticator, logger log.Logger, opts ...GatewayOption) *Gateway {
	if logger == nil {
		logger = log.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		broker:    broker,
		auth:      auth,
		logger:    logger,
		heartbeat: DefaultHeartbeat,
		base:      base,
		shutdown:  cancel,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Handler returns the websocket endpoint. The token is read from the
// "token" query parameter.
func (g *Gateway) Handler() http.Handler {
	return websocket.Server{
		Handshake: g.handshake,
		Handler:   g.serve,
	}
}

// Connections returns the number of open client connections.
func (g *Gateway) Connections() int { return int(g.active.Load()) }

// Close ends every connection and waits for their handlers to return.
func (g *Gateway) Close() {
	g.shutdown()
	g.wg.Wait()
}

var errOrigin = errors.New("origin not allowed")

func (g *Gateway) handshake(cfg *websocket.Config, r *http.Request) error {
	if len(g.origins) == 0 {
		return nil
	}
	origin := r.Header.Get("Origin")
	for _, o := range g.origins {
		if o == origin {
			return nil
		}
	}
	return errOrigin
}

func (g *Gateway) serve(ws *websocket.Conn) {
	g.wg.Add(1)
	defer g.wg.Done()
	defer func() { _ = ws.Close() }()

	ctx, cancel := context.WithCancel(g.base)
	defer cancel()
	stop := context.AfterFunc(ws.Request().Context(), cancel)
	defer stop()

	id, err := g.authenticate(ctx, ws.Request().URL.Query().Get("token"))
	if err != nil {
		g.logger.Warn(ctx, "realtime connection rejected", "reason", "auth", "err", err)
		g.reject(ws, CloseAuthFailed)
		return
	}
	L := g.logger.With("recipient_id", id)

	if g.broker == nil {
		g.reject(ws, CloseBackendUnavailable)
		return
	}
	channels := ClientChannels(id)
	sub, err := g.broker.Subscribe(ctx, channels...)
	if err != nil {
		L.Error(ctx, err, "realtime subscribe failed")
		g.reject(ws, CloseBackendUnavailable)
		return
	}
	defer sub.Close()

	g.active.Add(1)
	if g.hooks.OnConnect != nil {
		g.hooks.OnConnect()
	}
	L.Info(ctx, "realtime client connected", "connections", g.active.Load())
	defer func() {
		g.active.Add(-1)
		if g.hooks.OnDisconnect != nil {
			g.hooks.OnDisconnect()
		}
		L.Info(ctx, "realtime client disconnected", "connections", g.active.Load())
	}()

	if err := g.send(ws, TypeConnected, map[string]any{"recipient_id": id, "channels": channels}); err != nil {
		return
	}

	ws.MaxPayloadBytes = maxClientFrame
	readDone := make(chan struct{})
	var idle atomic.Bool
	go func() {
		defer close(readDone)
		defer cancel()
		if g.readLoop(ws) {
			idle.Store(true)
		}
	}()
	defer func() {
		_ = ws.Close()
		<-readDone
	}()

	tick := time.NewTicker(g.heartbeat)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			if idle.Load() {
				L.Info(ctx, "realtime client idle, closing", "read_timeout", g.readTimeout)
				g.closeWith(ws, CloseIdleTimeout)
			}
			return
		case m, ok := <-sub.Messages():
			if !ok {
				L.Warn(ctx, "realtime subscription ended by broker")
				g.reject(ws, CloseBackendUnavailable)
				return
			}
			if err := g.write(ws, string(m.Payload)); err != nil {
				return
			}
			if g.hooks.OnForward != nil {
				g.hooks.OnForward()
			}
		case <-tick.C:
			if err := g.send(ws, TypePing, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) authenticate(ctx context.Context, token string) (string, error) {
	if g.auth == nil {
		return "", errors.New("no authenticator configured")
	}
	if token == "" {
		return "", errors.New("missing token")
	}
	id, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("empty recipient id")
	}
	return id, nil
}

// readLoop drains client frames until the client goes away. Client
// payloads, including pongs, carry no meaning. It reports whether it ended
// because the configured read timeout passed without a frame.
func (g *Gateway) readLoop(ws *websocket.Conn) (timedOut bool) {
	var frame string
	for {
		var deadline time.Time
		if g.readTimeout > 0 {
			deadline = time.Now().Add(g.readTimeout)
		}
		if err := ws.SetReadDeadline(deadline); err != nil {
			return false
		}
		if err := websocket.Message.Receive(ws, &frame); err != nil {
			var ne net.Error
			return errors.As(err, &ne) && ne.Timeout()
		}
	}
}

func (g *Gateway) send(ws *websocket.Conn, typ EnvelopeType, data any) error {
	msg, err := Encode(typ, data, time.Now())
	if err != nil {
		return err
	}
	return g.write(ws, string(msg))
}

func (g *Gateway) write(ws *websocket.Conn, text string) error {
	if err := ws.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)); err != nil {
		return err
	}
	return websocket.Message.Send(ws, text)
}

func (g *Gateway) reject(ws *websocket.Conn, code int) {
	if g.hooks.OnReject != nil {
		g.hooks.OnReject(code)
	}
	g.closeWith(ws, code)
}

func (g *Gateway) closeWith(ws *websocket.Conn, code int) {
	_ = ws.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	_ = ws.WriteClose(code)
}

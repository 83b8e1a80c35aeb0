// CBI ingests community health reports from messaging channels, runs the
// intake conversations and raises alerts for the health authority.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mhmd-249/cbi/internal/authmw"
	vc "github.com/mhmd-249/cbi/internal/cfg"
	"github.com/mhmd-249/cbi/internal/classify"
	"github.com/mhmd-249/cbi/internal/conversation"
	"github.com/mhmd-249/cbi/internal/ingestapi"
	"github.com/mhmd-249/cbi/internal/linking"
	"github.com/mhmd-249/cbi/internal/llm"
	"github.com/mhmd-249/cbi/internal/llm/claude"
	"github.com/mhmd-249/cbi/internal/maintenance"
	"github.com/mhmd-249/cbi/internal/messaging"
	"github.com/mhmd-249/cbi/internal/messaging/telegram"
	"github.com/mhmd-249/cbi/internal/messaging/whatsapp"
	"github.com/mhmd-249/cbi/internal/notify"
	"github.com/mhmd-249/cbi/internal/notify/email"
	"github.com/mhmd-249/cbi/internal/notify/slack"
	"github.com/mhmd-249/cbi/internal/postgres"
	"github.com/mhmd-249/cbi/internal/realtime"
	"github.com/mhmd-249/cbi/internal/worker"
)

const appName = "cbi"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		pgCfg     postgres.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	pgCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix CBI_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "CBI_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	maintCfg := maintenance.Config{
		SweepSchedule: appCfg.SweepSchedule,
		StatsSchedule: appCfg.StatsSchedule,
		PendingWarn:   int64(appCfg.PendingWarn),
	}

	if err := errors.Join(
		appCfg.Validate(),
		pgCfg.Validate(),
		maintCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component, "role", appCfg.Role)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"telegram", appCfg.TelegramEnabled(),
		"whatsapp", appCfg.WhatsAppEnabled(),
		"database", pgCfg.URL != "",
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"role":      appCfg.Role,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// link spans to profiles so a slow turn can be opened in pyroscope
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Ingestion metrics on the shared Prometheus registry.
	cbiMetrics := worker.NewMetrics(m.Registry())

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cbi_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, source, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(source, route, outcome).Observe(dur.Seconds())
		},
	))

	hasher := conversation.NewHasher(appCfg.IdentitySalt)

	// Storage, queue and realtime transport
	be, err := openBackends(ctx, &appCfg, pgCfg, hasher, L)
	if err != nil {
		return err
	}
	defer be.Close()

	brokerCtx, stopBroker := context.WithCancel(ctx)
	defer stopBroker()
	brokerDone := make(chan struct{})
	if be.runBroker != nil {
		go func() {
			defer close(brokerDone)
			if err := be.runBroker(brokerCtx); err != nil {
				L.Error(ctx, err, "realtime broker stopped")
			}
		}()
	} else {
		close(brokerDone)
	}

	// Channel adapters
	gateways := messaging.NewRegistry()
	if appCfg.TelegramEnabled() {
		gateways.Register(telegram.New(appCfg.TelegramToken))
		L.Info(ctx, "channel enabled", "channel", string(messaging.PlatformTelegram))
	}
	if appCfg.WhatsAppEnabled() {
		gateways.Register(whatsapp.New(appCfg.WhatsAppPhoneID, appCfg.WhatsAppToken, appCfg.WhatsAppAPIBase))
		L.Info(ctx, "channel enabled", "channel", string(messaging.PlatformWhatsApp))
	}

	publisher := realtime.NewPublisher(be.broker, cbiMetrics.PublishHooks())

	// Officer tokens authenticate dashboards and may also call the operator API.
	var signer *authmw.Signer
	if appCfg.OfficerTokenSecret != "" {
		signer, err = authmw.NewSigner(appCfg.OfficerTokenSecret)
		if err != nil {
			return fmt.Errorf("officer token signer: %w", err)
		}
	}

	var verifiers []authmw.Verifier
	if appCfg.APIToken != "" {
		verifiers = append(verifiers, authmw.StaticToken(appCfg.APIToken))
	}
	if signer != nil {
		verifiers = append(verifiers, signer)
	}
	if len(verifiers) == 0 {
		L.Warn(ctx, "no api-token or officer-token-secret configured, operator API will reject every request")
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// Conversation workers
	workerStop := func(context.Context) error { return nil }
	if appCfg.RunsWorker() {
		workerStop, err = startWorkers(ctx, &appCfg, be, gateways, hasher, publisher, cbiMetrics, L)
		if err != nil {
			return err
		}
	}

	// Housekeeping
	maint := maintenance.New(maintCfg, be.convs, be.queue, L,
		maintenance.WithGauges(cbiMetrics),
		maintenance.WithBroadcaster(publisher),
	)
	if err := maint.Start(ctx); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Channels send single updates; a full WhatsApp batch stays well below this
	r.Use(httpmw.MaxBody(1024 * 256))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))

	var gw *realtime.Gateway
	if appCfg.RunsAPI() {
		api := ingestapi.New(L, be.queue, gateways, be.convs,
			ingestapi.Secrets{
				TelegramSecret:      appCfg.TelegramSecret,
				WhatsAppAppSecret:   appCfg.WhatsAppAppSecret,
				WhatsAppVerifyToken: appCfg.WhatsAppVerifyToken,
			},
			ingestapi.WithAuth(authmw.Bearer(verifiers...)),
			ingestapi.WithWebhookHook(cbiMetrics.Webhook),
		)
		api.RegisterRoutes(r)
		r.Get("/-/ready", api.Ready(http.HandlerFunc(health.ReadyzHandler(readiness))).ServeHTTP)

		if signer != nil {
			gw = realtime.NewGateway(be.broker, signer, L,
				realtime.WithHeartbeat(appCfg.WSHeartbeat),
				realtime.WithReadTimeout(appCfg.WSIdleTimeout),
				realtime.WithAllowedOrigins(appCfg.AllowedOrigins()...),
				realtime.WithGatewayHooks(cbiMetrics.GatewayHooks()),
			)
			r.Handle("/ws", gw.Handler())
		} else {
			L.Warn(ctx, "officer-token-secret not set, dashboard websocket disabled")
		}
	} else {
		r.Get("/-/ready", health.ReadyzHandler(readiness))
	}

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks or long-lived dashboard sockets
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready" && r.URL.Path != "/ws"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start the webhook/API HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"workers", workerStop},
		{"maintenance", maint.Stop},
		{"realtime", func(ctx context.Context) error {
			if gw != nil {
				gw.Close()
			}
			stopBroker()
			select {
			case <-brokerDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// startWorkers builds the conversation pipeline and starts the queue
// consumers. The returned func stops them and waits for in-flight turns
// and their side effects.
func startWorkers(
	ctx context.Context,
	appCfg *vc.Config,
	be *backends,
	gateways *messaging.Registry,
	hasher conversation.Hasher,
	publisher *realtime.Publisher,
	cbiMetrics *worker.Metrics,
	L log.Logger,
) (func(context.Context) error, error) {
	// Each attempt is instrumented; retries wrap the instrumented provider.
	var provider llm.Provider = claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel, appCfg.ClaudeTimeout)
	provider = llm.Instrument(provider, cbiMetrics.LLMHooks())
	provider = llm.WithRetry(provider, appCfg.LLMMaxTries, 0)
	L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)

	table := linking.DefaultTable()
	if appCfg.ThresholdsFile != "" {
		t, err := linking.LoadTable(appCfg.ThresholdsFile)
		if err != nil {
			return nil, fmt.Errorf("thresholds: %w", err)
		}
		table = t
		L.Info(ctx, "loaded threshold table", "path", appCfg.ThresholdsFile)
	}

	engine := linking.NewEngine(be.reports,
		linking.WithTable(table),
		linking.WithNotifier(notify.NewBuilder(nil)),
	)

	dispatcher := notify.NewDispatcher(0)
	dispatcher.OnResult = cbiMetrics.NotificationResult
	if appCfg.SlackWebhookURL != "" {
		dispatcher.Register(linking.ChannelSlack, slack.New(appCfg.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	if appCfg.SMTPAddr != "" {
		sender, err := email.New(email.Config{
			Addr:     appCfg.SMTPAddr,
			From:     appCfg.SMTPFrom,
			To:       appCfg.EmailRecipients(),
			Username: appCfg.SMTPUsername,
			Password: appCfg.SMTPPassword,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("email notifier: %w", err)
		}
		dispatcher.Register(linking.ChannelEmail, sender)
		L.Info(ctx, "notifier enabled", "type", "email", "recipients", len(appCfg.EmailRecipients()))
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "cbi"
	}

	pool := worker.New(worker.Config{
		Consumers:      appCfg.WorkerCount,
		ConsumerPrefix: host,
		BatchSize:      appCfg.WorkerBatchSize,
		Lanes:          appCfg.WorkerLanes,
	}, worker.Deps{
		Queue:  be.queue,
		Store:  be.convs,
		Locker: be.locker,
		Hasher: hasher,
		Machine: conversation.NewMachine(provider,
			conversation.WithTurnTimeout(appCfg.ClaudeTimeout),
			conversation.WithMaxTurns(appCfg.MaxTurns),
		),
		Classifier: classify.New(provider, appCfg.ClaudeTimeout),
		Engine:     engine,
		Gateways:   gateways,
		Publisher:  publisher,
		Dispatcher: dispatcher,
		Metrics:    cbiMetrics,
		Logger:     L,
	})

	runCtx, cancel := context.WithCancel(postgres.WithJob(ctx, "worker"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pool.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			L.Error(ctx, err, "worker pool stopped")
		}
	}()
	L.Info(ctx, "workers started", "consumers", appCfg.WorkerCount, "lanes", appCfg.WorkerLanes)

	return func(stopCtx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}, nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}

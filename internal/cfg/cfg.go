package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"strings"
	"time"
)

// Process roles. RoleAll runs the webhook API and the workers in one process.
const (
	RoleAPI    = "api"
	RoleWorker = "worker"
	RoleAll    = "all"
)

// minOfficerSecretLen matches authmw.MinSecretLen.
const minOfficerSecretLen = 32

// Config adds service-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	Role                  string

	ClaudeAPIKey  string
	ClaudeModel   string
	ClaudeTimeout time.Duration
	LLMMaxTries   int

	IdentitySalt string
	StateTTL     time.Duration
	SessionTTL   time.Duration
	MaxTurns     int

	TelegramToken       string
	TelegramSecret      string
	WhatsAppPhoneID     string
	WhatsAppToken       string
	WhatsAppAppSecret   string
	WhatsAppVerifyToken string
	WhatsAppAPIBase     string

	APIToken           string
	OfficerTokenSecret string

	SlackWebhookURL string
	SMTPAddr        string
	SMTPFrom        string
	SMTPTo          string
	SMTPUsername    string
	SMTPPassword    string

	ThresholdsFile  string
	ReportsSQLite   string
	WorkerCount     int
	WorkerLanes     int
	WorkerBatchSize int

	WSHeartbeat      time.Duration
	WSIdleTimeout    time.Duration
	WSAllowedOrigins string

	SweepSchedule string
	StatsSchedule string
	PendingWarn   int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 20, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 60, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.Role, "role", RoleAll, "process role: api, worker or all")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.DurationVar(&c.ClaudeTimeout, "claude-timeout", 30*time.Second, "timeout for a single LLM call")
	fs.IntVar(&c.LLMMaxTries, "llm-max-tries", 3, "attempts per LLM call for retryable failures (1..10)")

	fs.StringVar(&c.IdentitySalt, "identity-salt", "", "secret salt for sender identity hashes (at least 16 chars)")
	fs.DurationVar(&c.StateTTL, "state-ttl", 24*time.Hour, "lifetime of a conversation record after its last update")
	fs.DurationVar(&c.SessionTTL, "session-ttl", time.Hour, "idle time after which a sender starts a new conversation")
	fs.IntVar(&c.MaxTurns, "max-turns", 20, "turns before a conversation is closed (1..100)")

	fs.StringVar(&c.TelegramToken, "telegram-token", "", "Telegram bot token (empty = channel disabled)")
	fs.StringVar(&c.TelegramSecret, "telegram-webhook-secret", "", "expected X-Telegram-Bot-Api-Secret-Token value")
	fs.StringVar(&c.WhatsAppPhoneID, "whatsapp-phone-number-id", "", "WhatsApp Business phone number id (empty = channel disabled)")
	fs.StringVar(&c.WhatsAppToken, "whatsapp-access-token", "", "WhatsApp Cloud API access token")
	fs.StringVar(&c.WhatsAppAppSecret, "whatsapp-app-secret", "", "Meta app secret used to verify webhook signatures")
	fs.StringVar(&c.WhatsAppVerifyToken, "whatsapp-verify-token", "", "token expected in the webhook subscription handshake")
	fs.StringVar(&c.WhatsAppAPIBase, "whatsapp-api-base", "", "override for the Graph API base URL")

	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for the /api/v1 operator endpoints")
	fs.StringVar(&c.OfficerTokenSecret, "officer-token-secret", "", "HMAC secret for signed officer tokens (at least 32 chars)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack incoming webhook URL for critical alerts")
	fs.StringVar(&c.SMTPAddr, "smtp-addr", "", "SMTP server host:port (empty = email disabled)")
	fs.StringVar(&c.SMTPFrom, "smtp-from", "", "sender address for alert email")
	fs.StringVar(&c.SMTPTo, "smtp-to", "", "comma-separated alert email recipients")
	fs.StringVar(&c.SMTPUsername, "smtp-username", "", "SMTP auth username")
	fs.StringVar(&c.SMTPPassword, "smtp-password", "", "SMTP auth password")

	fs.StringVar(&c.ThresholdsFile, "thresholds-file", "", "YAML threshold table (empty = built-in defaults)")
	fs.StringVar(&c.ReportsSQLite, "reports-sqlite", "", "SQLite file for reports and links when no database URL is set")
	fs.IntVar(&c.WorkerCount, "worker-count", 2, "queue consumers per process (1..64)")
	fs.IntVar(&c.WorkerLanes, "worker-lanes", 4, "conversations processed concurrently per consumer (1..64)")
	fs.IntVar(&c.WorkerBatchSize, "worker-batch-size", 10, "entries read per queue poll (1..1000)")

	fs.DurationVar(&c.WSHeartbeat, "ws-heartbeat", 30*time.Second, "dashboard websocket heartbeat interval")
	fs.DurationVar(&c.WSIdleTimeout, "ws-idle-timeout", 0, "close dashboard websockets silent for this long (0 = never)")
	fs.StringVar(&c.WSAllowedOrigins, "ws-allowed-origins", "", "comma-separated Origin values accepted by the websocket gateway (empty = any)")

	fs.StringVar(&c.SweepSchedule, "sweep-schedule", "@every 5m", "cron schedule for the expired conversation sweep (empty = off)")
	fs.StringVar(&c.StatsSchedule, "stats-schedule", "@every 15s", "cron schedule for queue and conversation gauges (empty = off)")
	fs.IntVar(&c.PendingWarn, "pending-warn", 1000, "warn when this many queue entries are unacknowledged (0 = off)")
}

// RunsAPI reports whether the role serves webhooks.
func (c *Config) RunsAPI() bool { return c.Role == RoleAPI || c.Role == RoleAll }

// RunsWorker reports whether the role consumes the queue.
func (c *Config) RunsWorker() bool { return c.Role == RoleWorker || c.Role == RoleAll }

// TelegramEnabled reports whether the Telegram channel is configured.
func (c *Config) TelegramEnabled() bool { return c.TelegramToken != "" }

// WhatsAppEnabled reports whether the WhatsApp channel is configured.
func (c *Config) WhatsAppEnabled() bool { return c.WhatsAppPhoneID != "" && c.WhatsAppToken != "" }

// EmailRecipients splits SMTPTo on commas.
func (c *Config) EmailRecipients() []string { return splitList(c.SMTPTo) }

// AllowedOrigins splits WSAllowedOrigins on commas.
func (c *Config) AllowedOrigins() []string { return splitList(c.WSAllowedOrigins) }

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	switch c.Role {
	case RoleAPI, RoleWorker, RoleAll:
	default:
		errs = append(errs, fmt.Errorf("invalid ROLE %q (must be api, worker or all)", c.Role))
	}

	// at least one channel, for webhooks and for replies
	if !c.TelegramEnabled() && !c.WhatsAppEnabled() {
		errs = append(errs, errors.New("TELEGRAM_TOKEN or WHATSAPP_PHONE_NUMBER_ID with WHATSAPP_ACCESS_TOKEN is required"))
	}
	if c.WhatsAppPhoneID != "" && c.WhatsAppToken == "" {
		errs = append(errs, errors.New("WHATSAPP_ACCESS_TOKEN is required when WHATSAPP_PHONE_NUMBER_ID is set"))
	}

	// workers talk to the LLM and hash identities
	if c.RunsWorker() {
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required"))
		}
		if len(c.IdentitySalt) < 16 {
			errs = append(errs, errors.New("IDENTITY_SALT must be at least 16 characters"))
		}
	}

	if c.ClaudeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid CLAUDE_TIMEOUT %s (must be positive)", c.ClaudeTimeout))
	}
	if c.LLMMaxTries < 1 || c.LLMMaxTries > 10 {
		errs = append(errs, fmt.Errorf("invalid LLM_MAX_TRIES %d (must be 1..10)", c.LLMMaxTries))
	}

	// TTLs: a session cannot outlive the record it points at
	if c.StateTTL <= 0 {
		errs = append(errs, fmt.Errorf("invalid STATE_TTL %s (must be positive)", c.StateTTL))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("invalid SESSION_TTL %s (must be positive)", c.SessionTTL))
	}
	if c.StateTTL > 0 && c.SessionTTL > c.StateTTL {
		errs = append(errs, fmt.Errorf("SESSION_TTL %s must not exceed STATE_TTL %s", c.SessionTTL, c.StateTTL))
	}
	if c.MaxTurns < 1 || c.MaxTurns > 100 {
		errs = append(errs, fmt.Errorf("invalid MAX_TURNS %d (must be 1..100)", c.MaxTurns))
	}

	if c.OfficerTokenSecret != "" && len(c.OfficerTokenSecret) < minOfficerSecretLen {
		errs = append(errs, fmt.Errorf("OFFICER_TOKEN_SECRET must be at least %d characters", minOfficerSecretLen))
	}

	// Email is all or nothing
	if c.SMTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.SMTPAddr); err != nil {
			errs = append(errs, fmt.Errorf("invalid SMTP_ADDR %q: %w", c.SMTPAddr, err))
		}
		if c.SMTPFrom == "" {
			errs = append(errs, errors.New("SMTP_FROM is required when SMTP_ADDR is set"))
		}
		if len(c.EmailRecipients()) == 0 {
			errs = append(errs, errors.New("SMTP_TO is required when SMTP_ADDR is set"))
		}
	}

	if c.WorkerCount < 1 || c.WorkerCount > 64 {
		errs = append(errs, fmt.Errorf("invalid WORKER_COUNT %d (must be 1..64)", c.WorkerCount))
	}
	if c.WorkerLanes < 1 || c.WorkerLanes > 64 {
		errs = append(errs, fmt.Errorf("invalid WORKER_LANES %d (must be 1..64)", c.WorkerLanes))
	}
	if c.WorkerBatchSize < 1 || c.WorkerBatchSize > 1000 {
		errs = append(errs, fmt.Errorf("invalid WORKER_BATCH_SIZE %d (must be 1..1000)", c.WorkerBatchSize))
	}
	if c.WSHeartbeat < time.Second {
		errs = append(errs, fmt.Errorf("invalid WS_HEARTBEAT %s (must be at least 1s)", c.WSHeartbeat))
	}
	if c.WSIdleTimeout < 0 || (c.WSIdleTimeout > 0 && c.WSIdleTimeout <= c.WSHeartbeat) {
		errs = append(errs, fmt.Errorf("invalid WS_IDLE_TIMEOUT %s (must be 0 or longer than WS_HEARTBEAT)", c.WSIdleTimeout))
	}
	if c.PendingWarn < 0 {
		errs = append(errs, fmt.Errorf("invalid PENDING_WARN %d (must not be negative)", c.PendingWarn))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

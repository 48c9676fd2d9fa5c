package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dgnsrekt/captcha_relay/internal/netutil"
)

// RelayConfig holds configuration for the captcha relay process.
type RelayConfig struct {
	// Solver link
	SolverURL         string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	// Queue and page agents
	QueueCapacity  int
	QueueOverflow  string
	InFlightTTL    time.Duration
	AutoSolve      bool
	SettleDelay    time.Duration
	NoticeDuration time.Duration
	RequestTimeout time.Duration
	ExecuteTimeout time.Duration
	Proxy          string
	RulesFile      string

	// Browser
	CDPAddress    string
	CDPPort       int
	LaunchBrowser bool
	ProfileDir    string
	StartURL      string
	TabURLFilter  string

	// Control API
	ControlEnabled      bool
	ControlBindAddr     string
	ControlFallback     []string
	ControlAutoFallback bool

	// Journal and alerts
	DataDir         string
	JournalEnabled  bool
	NotifyEndpoint  string
	NotifyOnFailure bool
	DowntimeAlert   time.Duration

	LogLevel string
	LogFile  string
}

// SolverConfig holds configuration for the reference solver endpoint.
type SolverConfig struct {
	BindAddr    string
	MouseJitter float64
	Seed        int64
	// StaticToken, when set, answers every captcha with this token.
	StaticToken string
	LogLevel    string
	LogFile     string
}

// LoadRelay reads relay configuration from environment variables and an
// optional .env file.
func LoadRelay() (*RelayConfig, error) {
	loadDotEnv()

	cfg := &RelayConfig{
		SolverURL:         getEnvOrDefault("RELAY_SOLVER_URL", "ws://localhost:8765"),
		ReconnectDelay:    getEnvDurationOrDefault("RELAY_RECONNECT_DELAY", 5*time.Second),
		HeartbeatInterval: getEnvDurationOrDefault("RELAY_HEARTBEAT_INTERVAL", 30*time.Second),
		DialTimeout:       getEnvDurationOrDefault("RELAY_DIAL_TIMEOUT", 10*time.Second),

		QueueCapacity:  getEnvIntOrDefault("RELAY_QUEUE_CAPACITY", 256),
		QueueOverflow:  strings.ToLower(getEnvOrDefault("RELAY_QUEUE_OVERFLOW", "drop-oldest")),
		InFlightTTL:    getEnvDurationOrDefault("RELAY_INFLIGHT_TTL", 5*time.Minute),
		AutoSolve:      getEnvBoolOrDefault("RELAY_AUTO_SOLVE", true),
		SettleDelay:    getEnvDurationOrDefault("AGENT_SETTLE_DELAY", time.Second),
		NoticeDuration: getEnvDurationOrDefault("AGENT_NOTICE_DURATION", 3*time.Second),
		RequestTimeout: getEnvDurationOrDefault("AGENT_REQUEST_TIMEOUT", 0),
		ExecuteTimeout: getEnvDurationOrDefault("INTERCEPT_EXECUTE_TIMEOUT", 30*time.Second),
		Proxy:          os.Getenv("AGENT_PROXY"),
		RulesFile:      os.Getenv("DETECT_RULES_FILE"),

		CDPAddress:    getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:       getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		LaunchBrowser: getEnvBoolOrDefault("CHROMIUM_LAUNCH", false),
		ProfileDir:    getEnvOrDefault("CHROMIUM_PROFILE_DIR", "./chromium_profile"),
		StartURL:      getEnvOrDefault("CHROMIUM_START_URL", "about:blank"),
		TabURLFilter:  os.Getenv("RELAY_TAB_URL_FILTER"),

		ControlEnabled:      getEnvBoolOrDefault("CONTROL_ENABLED", true),
		ControlBindAddr:     getEnvOrDefault("CONTROL_BIND_ADDR", "127.0.0.1:8790"),
		ControlFallback:     netutil.ParseCandidates(getEnvOrDefault("CONTROL_BIND_FALLBACK", "127.0.0.1:8791,127.0.0.1:8792")),
		ControlAutoFallback: getEnvBoolOrDefault("CONTROL_BIND_AUTO_FALLBACK", true),

		DataDir:         getEnvOrDefault("RELAY_DATA_DIR", "./relay_data"),
		JournalEnabled:  getEnvBoolOrDefault("RELAY_JOURNAL", true),
		NotifyEndpoint:  os.Getenv("NOTIFY_ENDPOINT"),
		NotifyOnFailure: getEnvBoolOrDefault("NOTIFY_ON_FAILURE", false),
		DowntimeAlert:   getEnvDurationOrDefault("NOTIFY_DOWNTIME_AFTER", 2*time.Minute),

		LogLevel: strings.ToLower(getEnvOrDefault("RELAY_LOG_LEVEL", "info")),
		LogFile:  getEnvOrDefault("RELAY_LOG_FILE", "logs/captcha_relay.log"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *RelayConfig) validate() error {
	if !strings.HasPrefix(c.SolverURL, "ws://") && !strings.HasPrefix(c.SolverURL, "wss://") {
		return fmt.Errorf("RELAY_SOLVER_URL must be a ws:// or wss:// URL, got %q", c.SolverURL)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("RELAY_QUEUE_CAPACITY must be >= 0, got %d", c.QueueCapacity)
	}
	switch c.QueueOverflow {
	case "drop-oldest", "reject-new":
	default:
		return fmt.Errorf("RELAY_QUEUE_OVERFLOW must be drop-oldest or reject-new, got %q", c.QueueOverflow)
	}
	if c.ReconnectDelay < 100*time.Millisecond {
		c.ReconnectDelay = 100 * time.Millisecond
	}
	// An agent waits for a result no longer than the router keeps the request.
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = c.InFlightTTL
	}
	return nil
}

// CDPURL returns the CDP HTTP endpoint used by the chromedp remote allocator.
func (c *RelayConfig) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// LoadSolver reads reference solver configuration.
func LoadSolver() (*SolverConfig, error) {
	loadDotEnv()

	cfg := &SolverConfig{
		BindAddr:    getEnvOrDefault("SOLVER_BIND_ADDR", "localhost:8765"),
		MouseJitter: getEnvFloatOrDefault("SOLVER_MOUSE_JITTER", 2),
		Seed:        int64(getEnvIntOrDefault("SOLVER_SEED", 0)),
		StaticToken: os.Getenv("SOLVER_STATIC_TOKEN"),
		LogLevel:    strings.ToLower(getEnvOrDefault("SOLVER_LOG_LEVEL", "info")),
		LogFile:     getEnvOrDefault("SOLVER_LOG_FILE", "logs/solverd.log"),
	}
	if cfg.MouseJitter < 0 {
		return nil, fmt.Errorf("SOLVER_MOUSE_JITTER must be >= 0, got %v", cfg.MouseJitter)
	}
	if cfg.Seed < 0 {
		return nil, fmt.Errorf("SOLVER_SEED must be >= 0, got %d", cfg.Seed)
	}
	return cfg, nil
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloatOrDefault(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

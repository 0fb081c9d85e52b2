package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Gateway transports.
const (
	TransportPaper = "paper"
	TransportWS    = "ws"
)

// Config holds environment-driven settings for the trading desk.
type Config struct {
	// Ops API
	APIPort string

	// Gateway
	GatewayHost      string
	GatewayPort      int
	GatewayTransport string // "paper" (in-process) or "ws" (websocket bridge)
	Live             bool   // live account; changes the default port
	ClientID         int    // 0 allocates one per session

	// Timing
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	SettleDelay    time.Duration // pause after close before the id may be reused
	PacingInterval time.Duration // min gap between account/position requests

	// Reference data
	StatusCodesFile string // YAML status-code table; empty uses built-in
	ContractsFile   string // YAML contract table; empty uses built-in

	// Journal
	JournalPath string // empty disables

	// Desk defaults
	Account        string
	DefaultRiskPct decimal.Decimal
	Symbols        []string

	// Paper gateway
	PaperBalance      decimal.Decimal
	PaperTickInterval time.Duration

	LogLevel string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the desk still starts when .env is missing.
	_ = godotenv.Load()

	live := getEnv("GATEWAY_LIVE", "false") == "true"
	defaultPort := 4002
	if live {
		defaultPort = 4001
	}

	cfg := &Config{
		APIPort:           getEnv("API_PORT", "8090"),
		GatewayHost:       getEnv("GATEWAY_HOST", "127.0.0.1"),
		GatewayPort:       getEnvInt("GATEWAY_PORT", defaultPort),
		GatewayTransport:  strings.ToLower(getEnv("GATEWAY_TRANSPORT", TransportPaper)),
		Live:              live,
		ClientID:          getEnvInt("CLIENT_ID", 0),
		ConnectTimeout:    getEnvDuration("CONNECT_TIMEOUT", 5*time.Second),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
		SettleDelay:       getEnvDuration("SETTLE_DELAY", time.Second),
		PacingInterval:    getEnvDuration("PACING_INTERVAL", 2*time.Second),
		StatusCodesFile:   os.Getenv("STATUS_CODES_FILE"),
		ContractsFile:     os.Getenv("CONTRACTS_FILE"),
		JournalPath:       getEnv("JOURNAL_PATH", ""),
		Account:           os.Getenv("ACCOUNT"),
		DefaultRiskPct:    getEnvDecimal("DEFAULT_RISK_PCT", decimal.RequireFromString("0.01")),
		Symbols:           splitAndTrim(getEnv("SYMBOLS", "AAPL,MSFT,BHP.AX")),
		PaperBalance:      getEnvDecimal("PAPER_BALANCE", decimal.NewFromInt(100000)),
		PaperTickInterval: getEnvDuration("PAPER_TICK_INTERVAL", 500*time.Millisecond),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the desk cannot run with.
func (c *Config) Validate() error {
	switch c.GatewayTransport {
	case TransportPaper, TransportWS:
	default:
		return fmt.Errorf("config: unknown GATEWAY_TRANSPORT %q", c.GatewayTransport)
	}
	if c.GatewayPort <= 0 || c.GatewayPort > 65535 {
		return fmt.Errorf("config: GATEWAY_PORT %d out of range", c.GatewayPort)
	}
	if c.ClientID < 0 {
		return fmt.Errorf("config: CLIENT_ID %d must not be negative", c.ClientID)
	}
	if !c.DefaultRiskPct.IsPositive() || c.DefaultRiskPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: DEFAULT_RISK_PCT %s outside (0, 1]", c.DefaultRiskPct)
	}
	if c.ConnectTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("750ms") or plain seconds ("2").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if s, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(s * float64(time.Second))
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

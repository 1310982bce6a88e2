package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration. Values come from, in order of
// precedence: environment variables, an optional config file (CONFIG_FILE),
// a .env file in the working directory, and the defaults below.
type Config struct {
	// Subscription
	Symbols []string

	// Upstream market-data source
	StreamBaseURL  string
	RESTBaseURL    string
	RequestTimeout time.Duration
	StartupTimeout time.Duration

	// Candle window
	CandleInterval string
	CandleLimit    int
	CandleTTL      time.Duration

	// Reconnect policy
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMaxRetries int // 0 = retry forever

	// Circuit breaker around upstream polling and Redis
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	// Decision loop
	UpdateInterval    time.Duration
	TradingCutoffHour int // UTC hour after which the loop idles; 24 = never
	DecisionQueueSize int
	DecisionMode      string  // "rules" trades on rule signals; "observe" only holds
	MinConfidence     float64 // consensus threshold (0-100) for a tradable signal
	StopLossPct       float64 // floor for rule-based stop loss
	TakeProfitPct     float64 // floor for rule-based take profit

	// Infrastructure
	RedisAddr       string
	RedisPassword   string
	MetricsAddr     string
	APIAddr         string
	AlertWebhookURL string
	TelegramToken   string
	TelegramChatID  string
	LogLevel        string
	TracingEnabled  bool
	StagingMode     bool
}

// Decision modes.
const (
	DecisionRules   = "rules"
	DecisionObserve = "observe"
)

var defaults = map[string]any{
	"trading_pairs":         "BTCUSDT,ETHUSDT",
	"stream_base_url":       "wss://stream.binance.com:9443",
	"rest_base_url":         "https://api.binance.com",
	"request_timeout":       "10s",
	"startup_timeout":       "10s",
	"candle_interval":       "1h",
	"candle_limit":          24,
	"candle_ttl":            "60s",
	"reconnect_initial":     "1s",
	"reconnect_max":         "60s",
	"reconnect_max_retries": 0,
	"breaker_max_failures":  5,
	"breaker_reset_timeout": "30s",
	"update_interval":       "300s",
	"trading_cutoff_hour":   23,
	"decision_queue_size":   64,
	"decision_mode":         "rules",
	"min_confidence":        75.0,
	"stop_loss_pct":         1.0,
	"take_profit_pct":       1.5,
	"redis_addr":            "localhost:6379",
	"redis_password":        "",
	"metrics_addr":          ":9090",
	"api_addr":              ":8080",
	"alert_webhook_url":     "",
	"telegram_bot_token":    "",
	"telegram_chat_id":      "",
	"log_level":             "info",
	"tracing_enabled":       false,
	"staging_mode":          false,
}

// Load reads configuration and validates it.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{
		Symbols:             ParseSymbols(v.GetString("trading_pairs")),
		StreamBaseURL:       strings.TrimRight(v.GetString("stream_base_url"), "/"),
		RESTBaseURL:         strings.TrimRight(v.GetString("rest_base_url"), "/"),
		RequestTimeout:      v.GetDuration("request_timeout"),
		StartupTimeout:      v.GetDuration("startup_timeout"),
		CandleInterval:      v.GetString("candle_interval"),
		CandleLimit:         v.GetInt("candle_limit"),
		CandleTTL:           v.GetDuration("candle_ttl"),
		ReconnectInitial:    v.GetDuration("reconnect_initial"),
		ReconnectMax:        v.GetDuration("reconnect_max"),
		ReconnectMaxRetries: v.GetInt("reconnect_max_retries"),
		BreakerMaxFailures:  v.GetInt("breaker_max_failures"),
		BreakerResetTimeout: v.GetDuration("breaker_reset_timeout"),
		UpdateInterval:      v.GetDuration("update_interval"),
		TradingCutoffHour:   v.GetInt("trading_cutoff_hour"),
		DecisionQueueSize:   v.GetInt("decision_queue_size"),
		DecisionMode:        strings.ToLower(strings.TrimSpace(v.GetString("decision_mode"))),
		MinConfidence:       v.GetFloat64("min_confidence"),
		StopLossPct:         v.GetFloat64("stop_loss_pct"),
		TakeProfitPct:       v.GetFloat64("take_profit_pct"),
		RedisAddr:           v.GetString("redis_addr"),
		RedisPassword:       v.GetString("redis_password"),
		MetricsAddr:         v.GetString("metrics_addr"),
		APIAddr:             v.GetString("api_addr"),
		AlertWebhookURL:     v.GetString("alert_webhook_url"),
		TelegramToken:       v.GetString("telegram_bot_token"),
		TelegramChatID:      v.GetString("telegram_chat_id"),
		LogLevel:            v.GetString("log_level"),
		TracingEnabled:      v.GetBool("tracing_enabled"),
		StagingMode:         v.GetBool("staging_mode"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the pipeline relies on.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("TRADING_PAIRS must name at least one symbol"))
	}
	if c.StreamBaseURL == "" || c.RESTBaseURL == "" {
		errs = append(errs, errors.New("STREAM_BASE_URL and REST_BASE_URL are required"))
	}
	for name, d := range map[string]time.Duration{
		"REQUEST_TIMEOUT":   c.RequestTimeout,
		"STARTUP_TIMEOUT":   c.StartupTimeout,
		"CANDLE_TTL":        c.CandleTTL,
		"RECONNECT_INITIAL": c.ReconnectInitial,
		"RECONNECT_MAX":     c.ReconnectMax,
		"UPDATE_INTERVAL":   c.UpdateInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.CandleLimit <= 0 {
		errs = append(errs, fmt.Errorf("CANDLE_LIMIT must be positive, got %d", c.CandleLimit))
	}
	if c.ReconnectMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX_RETRIES must be >= 0, got %d", c.ReconnectMaxRetries))
	}
	if c.DecisionQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("DECISION_QUEUE_SIZE must be positive, got %d", c.DecisionQueueSize))
	}
	if c.DecisionMode != DecisionRules && c.DecisionMode != DecisionObserve {
		errs = append(errs, fmt.Errorf("DECISION_MODE must be %q or %q, got %q", DecisionRules, DecisionObserve, c.DecisionMode))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 100 {
		errs = append(errs, fmt.Errorf("MIN_CONFIDENCE must be in [0,100], got %g", c.MinConfidence))
	}
	if c.StopLossPct <= 0 || c.TakeProfitPct <= 0 {
		errs = append(errs, errors.New("STOP_LOSS_PCT and TAKE_PROFIT_PCT must be positive"))
	}
	if c.TradingCutoffHour < 0 || c.TradingCutoffHour > 24 {
		errs = append(errs, fmt.Errorf("TRADING_CUTOFF_HOUR must be in [0,24], got %d", c.TradingCutoffHour))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseSymbols parses a comma-separated pair list into upper-case symbols,
// skipping blanks and duplicates.
func ParseSymbols(s string) []string {
	parts := strings.Split(s, ",")
	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

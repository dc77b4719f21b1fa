package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names an optional YAML file applied before env overrides.
const EnvConfigFile = "IMPROV_CONFIG_FILE"

// Config contains all runtime settings for the improv stage service.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	AppName string `yaml:"app_name"`

	SessionTTL      time.Duration `yaml:"session_ttl"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	StoreBackend    string        `yaml:"store_backend"`
	DatabaseURL     string        `yaml:"database_url"`
	BadgerPath      string        `yaml:"badger_path"`

	RuntimeMode    string        `yaml:"runtime_mode"`
	RuntimeHTTPURL string        `yaml:"runtime_http_url"`
	RuntimeWSURL   string        `yaml:"runtime_ws_url"`
	OpenAIAPIKey   string        `yaml:"openai_api_key"`
	OpenAIModel    string        `yaml:"openai_model"`
	OpenAIBaseURL  string        `yaml:"openai_base_url"`
	MockDelay      time.Duration `yaml:"mock_delay"`
	AgentTimeout   time.Duration `yaml:"agent_timeout"`

	TokenCeiling     int `yaml:"token_ceiling"`
	SummaryThreshold int `yaml:"summary_threshold"`
	RecencyWindow    int `yaml:"recency_window"`
	CoachTurn        int `yaml:"coach_turn"`
	Phase2TurnCount  int `yaml:"phase2_turn_count"`

	FreeDailySessions    int     `yaml:"free_daily_sessions"`
	PremiumDailySessions int     `yaml:"premium_daily_sessions"`
	FreeTurnsPerMinute   float64 `yaml:"free_turns_per_minute"`
	PremiumTurnsPerMin   float64 `yaml:"premium_turns_per_minute"`
	TurnBurst            int     `yaml:"turn_burst"`
	PremiumUsers         string  `yaml:"premium_users"`
}

// Defaults returns the settings used when neither file nor env set a value.
func Defaults() Config {
	return Config{
		BindAddr:             ":8080",
		ShutdownTimeout:      15 * time.Second,
		MetricsNamespace:     "improvstage",
		LogLevel:             "info",
		LogFormat:            "json",
		AppName:              "improvstage",
		SessionTTL:           time.Hour,
		JanitorInterval:      30 * time.Second,
		StoreBackend:         "auto",
		BadgerPath:           "data/sessions",
		RuntimeMode:          "auto",
		OpenAIModel:          "gpt-4o-mini",
		AgentTimeout:         30 * time.Second,
		TokenCeiling:         4000,
		SummaryThreshold:     10,
		RecencyWindow:        3,
		CoachTurn:            15,
		Phase2TurnCount:      4,
		FreeDailySessions:    3,
		PremiumDailySessions: 0,
		FreeTurnsPerMinute:   6,
		PremiumTurnsPerMin:   20,
		TurnBurst:            3,
	}
}

// Load applies defaults, then the optional YAML file, then environment
// variables, and validates the result.
func Load() (Config, error) {
	cfg := Defaults()
	if path := stringsTrimSpace(EnvConfigFile); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := overlayEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", EnvConfigFile, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("config file %s: %w", resolved, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %s is a directory", resolved)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", resolved, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config file %s: %w", resolved, err)
	}
	return nil
}

func overlayEnv(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("APP_LOG_FORMAT", cfg.LogFormat)
	cfg.AppName = envOrDefault("IMPROV_APP_NAME", cfg.AppName)
	cfg.StoreBackend = envOrDefault("SESSION_STORE", cfg.StoreBackend)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.BadgerPath = envOrDefault("SESSION_BADGER_PATH", cfg.BadgerPath)
	cfg.RuntimeMode = envOrDefault("AGENT_RUNTIME_MODE", cfg.RuntimeMode)
	cfg.RuntimeHTTPURL = envOrDefault("AGENT_RUNTIME_HTTP_URL", cfg.RuntimeHTTPURL)
	cfg.RuntimeWSURL = envOrDefault("AGENT_RUNTIME_WS_URL", cfg.RuntimeWSURL)
	cfg.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIModel = envOrDefault("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.PremiumUsers = envOrDefault("ACCESS_PREMIUM_USERS", cfg.PremiumUsers)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SESSION_TTL", &cfg.SessionTTL},
		{"SESSION_JANITOR_INTERVAL", &cfg.JanitorInterval},
		{"AGENT_MOCK_DELAY", &cfg.MockDelay},
		{"AGENT_TIMEOUT", &cfg.AgentTimeout},
	}
	for _, d := range durations {
		v, err := durationFromEnv(d.key, *d.dst)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CONTEXT_TOKEN_CEILING", &cfg.TokenCeiling},
		{"CONTEXT_SUMMARY_THRESHOLD", &cfg.SummaryThreshold},
		{"CONTEXT_RECENCY_WINDOW", &cfg.RecencyWindow},
		{"SCENE_COACH_TURN", &cfg.CoachTurn},
		{"SCENE_PHASE2_TURN_COUNT", &cfg.Phase2TurnCount},
		{"ACCESS_FREE_DAILY_SESSIONS", &cfg.FreeDailySessions},
		{"ACCESS_PREMIUM_DAILY_SESSIONS", &cfg.PremiumDailySessions},
		{"ACCESS_TURN_BURST", &cfg.TurnBurst},
	}
	for _, i := range ints {
		v, err := intFromEnv(i.key, *i.dst)
		if err != nil {
			return err
		}
		*i.dst = v
	}

	var err error
	cfg.FreeTurnsPerMinute, err = floatFromEnv("ACCESS_FREE_TURNS_PER_MINUTE", cfg.FreeTurnsPerMinute)
	if err != nil {
		return err
	}
	cfg.PremiumTurnsPerMin, err = floatFromEnv("ACCESS_PREMIUM_TURNS_PER_MINUTE", cfg.PremiumTurnsPerMin)
	if err != nil {
		return err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.AgentTimeout < 10*time.Second || c.AgentTimeout > 60*time.Second {
		errs = append(errs, fmt.Errorf("AGENT_TIMEOUT must be between 10s and 60s, got %s", c.AgentTimeout))
	}
	if c.SessionTTL < time.Minute {
		errs = append(errs, fmt.Errorf("SESSION_TTL must be at least 1m"))
	}
	if c.JanitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_JANITOR_INTERVAL must be positive"))
	}
	if c.TokenCeiling < 100 {
		errs = append(errs, fmt.Errorf("CONTEXT_TOKEN_CEILING must be at least 100"))
	}
	if c.SummaryThreshold <= 0 || c.RecencyWindow <= 0 {
		errs = append(errs, fmt.Errorf("CONTEXT_SUMMARY_THRESHOLD and CONTEXT_RECENCY_WINDOW must be positive"))
	}
	if c.CoachTurn <= 0 || c.Phase2TurnCount <= 0 {
		errs = append(errs, fmt.Errorf("SCENE_COACH_TURN and SCENE_PHASE2_TURN_COUNT must be positive"))
	}
	if c.FreeDailySessions < 0 || c.PremiumDailySessions < 0 || c.TurnBurst < 0 {
		errs = append(errs, fmt.Errorf("access limits must be >= 0"))
	}
	if c.FreeTurnsPerMinute < 0 || c.PremiumTurnsPerMin < 0 {
		errs = append(errs, fmt.Errorf("turn rates must be >= 0"))
	}
	switch strings.ToLower(c.StoreBackend) {
	case "", "auto", "memory", "badger", "postgres":
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE %q is not one of auto, memory, badger, postgres", c.StoreBackend))
	}
	switch strings.ToLower(c.RuntimeMode) {
	case "", "auto", "mock", "http", "ws", "openai":
	default:
		errs = append(errs, fmt.Errorf("AGENT_RUNTIME_MODE %q is not one of auto, mock, http, ws, openai", c.RuntimeMode))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("APP_LOG_FORMAT must be json or text"))
	}
	return errors.Join(errs...)
}

// YAML renders the config with secrets masked.
func (c Config) YAML() ([]byte, error) {
	masked := c
	masked.OpenAIAPIKey = mask(c.OpenAIAPIKey)
	masked.DatabaseURL = mask(c.DatabaseURL)
	return yaml.Marshal(masked)
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	return "***"
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

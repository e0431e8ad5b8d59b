package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/parla/internal/otel"
)

// UpstreamConfig holds the realtime backend connection settings.
type UpstreamConfig struct {
	// APIKey authenticates against the realtime backend. The OPENAI_API_KEY
	// env var takes precedence.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // e.g. wss://api.openai.com/v1/realtime
	Model   string `yaml:"model"`

	// Voice used when the scenario does not name one.
	Voice string `yaml:"voice"`

	// Audio formats sent in the session handshake.
	InputAudioFormat  string `yaml:"input_audio_format"`
	OutputAudioFormat string `yaml:"output_audio_format"`

	// DialTimeoutSeconds bounds the upstream handshake window.
	DialTimeoutSeconds int `yaml:"dial_timeout_seconds"`
}

// LimitsConfig holds the per-session guardrails.
type LimitsConfig struct {
	// MaxCallSeconds is the wall-clock session cap; breach terminates with
	// reason "time_limit". 0 uses the default (10 minutes).
	MaxCallSeconds int `yaml:"max_call_seconds"`

	// MaxResponses caps model responses per session; breach terminates with
	// reason "response_limit". 0 uses the default (40).
	MaxResponses int `yaml:"max_responses"`

	// CheckIntervalSeconds is the duration-guardrail timer interval.
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`

	// TranscriptEntries bounds the persisted transcript excerpt.
	TranscriptEntries int `yaml:"transcript_entries"`

	// StatsFlushSeconds is the cadence for persisting live session stats.
	StatsFlushSeconds int `yaml:"stats_flush_seconds"`
}

// AuthConfig holds the signed session-token settings.
type AuthConfig struct {
	// Secret is the HMAC key for session tokens. Empty disables the token
	// check (local development).
	Secret string `yaml:"secret"`

	// TokenTTLSeconds is the validity window for minted tokens.
	TokenTTLSeconds int `yaml:"token_ttl_seconds"`
}

// RetentionConfig controls purging of finished session records.
type RetentionConfig struct {
	SessionDays int `yaml:"session_days"` // 0 = keep forever

	// SweepSchedule is a 5-field cron expression; empty uses "0 3 * * *".
	SweepSchedule string `yaml:"sweep_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DebugMirror mirrors every raw upstream event to the client as a
	// debug event. Off in production.
	DebugMirror bool `yaml:"debug_mirror"`

	// ScenarioDir holds the lesson scenario YAML files.
	ScenarioDir string `yaml:"scenario_dir"`

	Upstream  UpstreamConfig  `yaml:"upstream"`
	Limits    LimitsConfig    `yaml:"limits"`
	Auth      AuthConfig      `yaml:"auth"`
	Retention RetentionConfig `yaml:"retention"`
	OTel      otel.Config     `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|model=%s|origins=%v|maxcall=%d|maxresp=%d",
		c.BindAddr, c.LogLevel, c.Upstream.Model, c.AllowOrigins,
		c.Limits.MaxCallSeconds, c.Limits.MaxResponses)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// MaxCallDuration returns the duration guardrail as a time.Duration.
func (c Config) MaxCallDuration() time.Duration {
	return time.Duration(c.Limits.MaxCallSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		BindAddr:    "127.0.0.1:18990",
		LogLevel:    "info",
		ScenarioDir: "./scenarios",
		Upstream: UpstreamConfig{
			BaseURL:            "wss://api.openai.com/v1/realtime",
			Model:              "gpt-4o-realtime-preview",
			Voice:              "alloy",
			InputAudioFormat:   "pcm16",
			OutputAudioFormat:  "pcm16",
			DialTimeoutSeconds: 10,
		},
		Limits: LimitsConfig{
			MaxCallSeconds:       int((10 * time.Minute).Seconds()),
			MaxResponses:         40,
			CheckIntervalSeconds: 5,
			TranscriptEntries:    50,
			StatsFlushSeconds:    15,
		},
		Auth: AuthConfig{
			TokenTTLSeconds: int((30 * time.Minute).Seconds()),
		},
		Retention: RetentionConfig{
			SessionDays:   90,
			SweepSchedule: "0 3 * * *",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("PARLA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".parla")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create parla home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.ScenarioDir) == "" {
		cfg.ScenarioDir = "./scenarios"
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.Upstream.Model == "" {
		cfg.Upstream.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Upstream.Voice == "" {
		cfg.Upstream.Voice = "alloy"
	}
	if cfg.Upstream.InputAudioFormat == "" {
		cfg.Upstream.InputAudioFormat = "pcm16"
	}
	if cfg.Upstream.OutputAudioFormat == "" {
		cfg.Upstream.OutputAudioFormat = "pcm16"
	}
	if cfg.Upstream.DialTimeoutSeconds <= 0 {
		cfg.Upstream.DialTimeoutSeconds = 10
	}
	if cfg.Limits.MaxCallSeconds <= 0 {
		cfg.Limits.MaxCallSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Limits.MaxResponses <= 0 {
		cfg.Limits.MaxResponses = 40
	}
	if cfg.Limits.CheckIntervalSeconds <= 0 {
		cfg.Limits.CheckIntervalSeconds = 5
	}
	if cfg.Limits.TranscriptEntries <= 0 {
		cfg.Limits.TranscriptEntries = 50
	}
	if cfg.Limits.StatsFlushSeconds <= 0 {
		cfg.Limits.StatsFlushSeconds = 15
	}
	if cfg.Auth.TokenTTLSeconds <= 0 {
		cfg.Auth.TokenTTLSeconds = int((30 * time.Minute).Seconds())
	}
	if cfg.Retention.SweepSchedule == "" {
		cfg.Retention.SweepSchedule = "0 3 * * *"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PARLA_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("PARLA_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PARLA_SCENARIO_DIR"); raw != "" {
		cfg.ScenarioDir = raw
	}
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" {
		cfg.Upstream.APIKey = raw
	}
	if raw := os.Getenv("PARLA_AUTH_SECRET"); raw != "" {
		cfg.Auth.Secret = raw
	}
	if raw := os.Getenv("PARLA_MAX_CALL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Limits.MaxCallSeconds = v
		}
	}
	if raw := os.Getenv("PARLA_MAX_RESPONSES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Limits.MaxResponses = v
		}
	}
	if raw := os.Getenv("PARLA_DEBUG_MIRROR"); raw != "" {
		cfg.DebugMirror = raw == "1" || strings.EqualFold(raw, "true")
	}
}

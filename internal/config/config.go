package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/basket/warden/internal/safety"
)

const (
	DefaultBindAddr      = "127.0.0.1:18790"
	DefaultSweepSchedule = "@every 30s"
	DefaultMaxVisits     = 3
)

// SafetyConfig configures the remote prompt-injection classifier.
type SafetyConfig struct {
	Endpoint            string  `yaml:"endpoint"`
	APIKey              string  `yaml:"api_key"`
	EndpointID          string  `yaml:"endpoint_id"`
	Enabled             bool    `yaml:"enabled"`
	PollIntervalSeconds float64 `yaml:"poll_interval_seconds"`
	MaxWaitSeconds      float64 `yaml:"max_wait_seconds"`
	UnsafeLabel         string  `yaml:"unsafe_label"`
	Threshold           float64 `yaml:"threshold"`
}

// DecisionsConfig controls expiry of decisions nobody answers.
// MaxAgeSeconds of zero disables the sweep.
type DecisionsConfig struct {
	MaxAgeSeconds  int    `yaml:"max_age_seconds"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	SweepSchedule  string `yaml:"sweep_schedule"`
}

type GuardrailsConfig struct {
	MaxAmount        float64  `yaml:"max_amount"`
	AutoApproveBelow float64  `yaml:"auto_approve_below"`
	AutoApproveSites []string `yaml:"auto_approve_sites"`
	BlockedSites     []string `yaml:"blocked_sites"`
}

// AgentConfig tunes the shopping task. With AutoPurchase set, an approved
// Amazon offer is handed to the purchase service.
type AgentConfig struct {
	Sites        []string `yaml:"sites"`
	MaxVisits    int      `yaml:"max_visits"`
	AutoPurchase bool     `yaml:"auto_purchase"`
}

// RateLimitConfig bounds API requests per remote address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// OtelConfig mirrors otel.Config so the YAML layer stays free of SDK types.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir      string           `yaml:"-"`
	BindAddr     string           `yaml:"bind_addr"`
	LogLevel     string           `yaml:"log_level"`
	AllowOrigins []string         `yaml:"allow_origins"`
	AuthToken    string           `yaml:"auth_token"`
	RateLimit    RateLimitConfig  `yaml:"rate_limit"`
	Safety       SafetyConfig     `yaml:"safety"`
	Decisions    DecisionsConfig  `yaml:"decisions"`
	Guardrails   GuardrailsConfig `yaml:"guardrails"`
	Agent        AgentConfig      `yaml:"agent"`
	Otel         OtelConfig       `yaml:"otel"`

	// NeedsInit is set when no config.yaml was found.
	NeedsInit bool `yaml:"-"`
}

// envOverlay holds the variables that override config.yaml. Unset variables
// leave their pointer nil so the YAML value survives.
type envOverlay struct {
	APIKey       *string  `envconfig:"RUNPOD_API_KEY"`
	EndpointID   *string  `envconfig:"RUNPOD_SL_ID"`
	Enabled      *bool    `envconfig:"GUARDRAIL_PI_ENABLED"`
	PollInterval *float64 `envconfig:"RUNPOD_POLL_INTERVAL_S"`
	MaxWait      *float64 `envconfig:"RUNPOD_MAX_WAIT_S"`
	BindAddr     *string  `envconfig:"WARDEN_BIND_ADDR"`
	LogLevel     *string  `envconfig:"WARDEN_LOG_LEVEL"`
	AuthToken    *string  `envconfig:"WARDEN_AUTH_TOKEN"`
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config. Secrets are left out.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|auth=%t|rl=%v|safety=%s/%t/%g/%g/%s/%g|decisions=%d/%d/%s|guard=%g/%g/%v/%v|sites=%v/%d",
		c.BindAddr, c.LogLevel, c.AllowOrigins, c.AuthToken != "", c.RateLimit,
		c.Safety.EndpointID, c.Safety.Enabled, c.Safety.PollIntervalSeconds, c.Safety.MaxWaitSeconds, c.Safety.UnsafeLabel, c.Safety.Threshold,
		c.Decisions.MaxAgeSeconds, c.Decisions.TimeoutSeconds, c.Decisions.SweepSchedule,
		c.Guardrails.MaxAmount, c.Guardrails.AutoApproveBelow, c.Guardrails.AutoApproveSites, c.Guardrails.BlockedSites,
		c.Agent.Sites, c.Agent.MaxVisits)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	g := safety.DefaultGuardrails()
	return Config{
		BindAddr: DefaultBindAddr,
		LogLevel: "info",
		Safety: SafetyConfig{
			Enabled:             true,
			PollIntervalSeconds: safety.DefaultPollInterval.Seconds(),
			MaxWaitSeconds:      safety.DefaultMaxWait.Seconds(),
			UnsafeLabel:         safety.DefaultUnsafeLabel,
			Threshold:           safety.DefaultThreshold,
		},
		Decisions: DecisionsConfig{
			SweepSchedule: DefaultSweepSchedule,
		},
		Guardrails: GuardrailsConfig{
			MaxAmount:        g.MaxAmount,
			AutoApproveBelow: g.AutoApproveBelow,
			AutoApproveSites: g.AutoApproveSites,
			BlockedSites:     g.BlockedSites,
		},
		Agent: AgentConfig{
			MaxVisits:    DefaultMaxVisits,
			AutoPurchase: true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Otel: OtelConfig{
			Exporter:    "otlp-http",
			ServiceName: "warden",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("WARDEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, then applies the environment overlay.
// A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create warden home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverlay
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if env.APIKey != nil {
		cfg.Safety.APIKey = *env.APIKey
	}
	if env.EndpointID != nil {
		cfg.Safety.EndpointID = *env.EndpointID
	}
	if env.Enabled != nil {
		cfg.Safety.Enabled = *env.Enabled
	}
	if env.PollInterval != nil {
		cfg.Safety.PollIntervalSeconds = *env.PollInterval
	}
	if env.MaxWait != nil {
		cfg.Safety.MaxWaitSeconds = *env.MaxWait
	}
	if env.BindAddr != nil {
		cfg.BindAddr = *env.BindAddr
	}
	if env.LogLevel != nil {
		cfg.LogLevel = *env.LogLevel
	}
	if env.AuthToken != nil {
		cfg.AuthToken = *env.AuthToken
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Safety.PollIntervalSeconds <= 0 {
		cfg.Safety.PollIntervalSeconds = safety.DefaultPollInterval.Seconds()
	}
	if cfg.Safety.MaxWaitSeconds <= 0 {
		cfg.Safety.MaxWaitSeconds = safety.DefaultMaxWait.Seconds()
	}
	if strings.TrimSpace(cfg.Safety.UnsafeLabel) == "" {
		cfg.Safety.UnsafeLabel = safety.DefaultUnsafeLabel
	}
	if cfg.Safety.Threshold <= 0 {
		cfg.Safety.Threshold = safety.DefaultThreshold
	}
	if cfg.Decisions.MaxAgeSeconds < 0 {
		cfg.Decisions.MaxAgeSeconds = 0
	}
	if cfg.Decisions.TimeoutSeconds < 0 {
		cfg.Decisions.TimeoutSeconds = 0
	}
	if strings.TrimSpace(cfg.Decisions.SweepSchedule) == "" {
		cfg.Decisions.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 10
	}
	if cfg.Agent.MaxVisits <= 0 {
		cfg.Agent.MaxVisits = DefaultMaxVisits
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "warden"
	}
	if cfg.Otel.SampleRate <= 0 || cfg.Otel.SampleRate > 1 {
		cfg.Otel.SampleRate = 1.0
	}
}

// SafetyClientConfig converts the YAML section into the client's config.
func (c Config) SafetyClientConfig() safety.Config {
	return safety.Config{
		Endpoint:     c.Safety.Endpoint,
		EndpointID:   c.Safety.EndpointID,
		APIKey:       c.Safety.APIKey,
		Enabled:      c.Safety.Enabled,
		PollInterval: seconds(c.Safety.PollIntervalSeconds),
		MaxWait:      seconds(c.Safety.MaxWaitSeconds),
		UnsafeLabel:  c.Safety.UnsafeLabel,
		Threshold:    c.Safety.Threshold,
	}
}

func (c Config) GuardrailRules() safety.Guardrails {
	return safety.Guardrails{
		MaxAmount:        c.Guardrails.MaxAmount,
		AutoApproveBelow: c.Guardrails.AutoApproveBelow,
		AutoApproveSites: append([]string(nil), c.Guardrails.AutoApproveSites...),
		BlockedSites:     append([]string(nil), c.Guardrails.BlockedSites...),
	}
}

func (c Config) DecisionMaxAge() time.Duration {
	return time.Duration(c.Decisions.MaxAgeSeconds) * time.Second
}

// DecisionTimeout bounds a single checkpoint wait. Zero waits until the
// client answers or the task is cancelled.
func (c Config) DecisionTimeout() time.Duration {
	return time.Duration(c.Decisions.TimeoutSeconds) * time.Second
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Package config loads and validates pool configuration: the numeric
// knobs for concurrency, the circuit breaker, fairness, rate limiting,
// pool cooldown, model tiers, and the decision recorder (spec.md §6.1).
//
// Configuration follows a three-layer priority: defaults, then
// environment variables, then functional options (highest).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowforge/poolctl/ctlerrors"
)

// BreakerConfig mirrors breaker.Config's tunables (kept separate so
// config has no import-time dependency on the breaker package).
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" env:"POOLCTL_FAILURE_THRESHOLD" default:"5"`
	FailureWindow    time.Duration `json:"failure_window" env:"POOLCTL_FAILURE_WINDOW" default:"30s"`
	CooldownPeriod   time.Duration `json:"cooldown_period" env:"POOLCTL_COOLDOWN_PERIOD" default:"60s"`
	HalfOpenTimeout  time.Duration `json:"half_open_timeout" env:"POOLCTL_HALF_OPEN_TIMEOUT" default:"10s"`
}

// HealthScoreWeights overrides the health score component weights
// (spec.md §4.3.1). The three values need not sum to 100; they are
// applied as given.
type HealthScoreWeights struct {
	Latency      int `json:"latency" env:"POOLCTL_WEIGHT_LATENCY" default:"40"`
	SuccessRate  int `json:"success_rate" env:"POOLCTL_WEIGHT_SUCCESS_RATE" default:"40"`
	ErrorRecency int `json:"error_recency" env:"POOLCTL_WEIGHT_ERROR_RECENCY" default:"20"`
}

// QuarantineConfig tunes slow-key quarantine (spec.md §4.3.4).
type QuarantineConfig struct {
	SlowKeyThreshold            float64       `json:"slow_key_threshold" env:"POOLCTL_SLOW_KEY_THRESHOLD" default:"2.0"`
	SlowKeyQuarantineDurationMs time.Duration `json:"quarantine_duration" env:"POOLCTL_QUARANTINE_DURATION" default:"60s"`
	QuarantineProbeInterval     time.Duration `json:"quarantine_probe_interval" env:"POOLCTL_QUARANTINE_PROBE_INTERVAL" default:"10s"`
}

// FairnessConfig tunes the fairness boost (spec.md §4.3.2).
type FairnessConfig struct {
	Mode                string        `json:"mode" env:"POOLCTL_FAIRNESS_MODE" default:"soft"` // none|soft|strict
	BoostFactor         float64       `json:"boost_factor" env:"POOLCTL_FAIRNESS_BOOST_FACTOR" default:"1.5"`
	StarvationThreshold time.Duration `json:"starvation_threshold" env:"POOLCTL_STARVATION_THRESHOLD" default:"30s"`
	MinFairnessShare    float64       `json:"min_fairness_share" env:"POOLCTL_MIN_FAIRNESS_SHARE" default:"0.10"`
}

// PoolCooldownConfig tunes the process-wide 429 cooldown controller
// (spec.md §4.5).
type PoolCooldownConfig struct {
	SleepThresholdMs time.Duration `json:"sleep_threshold_ms" env:"POOLCTL_POOL_SLEEP_THRESHOLD" default:"250ms"`
	RetryJitterMs    time.Duration `json:"retry_jitter_ms" env:"POOLCTL_POOL_RETRY_JITTER" default:"200ms"`
	MaxCooldownMs    time.Duration `json:"max_cooldown_ms" env:"POOLCTL_POOL_MAX_COOLDOWN" default:"5s"`
	BaseMs           time.Duration `json:"base_ms" env:"POOLCTL_POOL_BASE" default:"500ms"`
	CapMs            time.Duration `json:"cap_ms" env:"POOLCTL_POOL_CAP" default:"5s"`
	DecayMs          time.Duration `json:"decay_ms" env:"POOLCTL_POOL_DECAY" default:"10s"`
}

// ModelCooldownConfig tunes per-model cooldowns (spec.md §4.4).
type ModelCooldownConfig struct {
	DefaultMs time.Duration `json:"default_ms" env:"POOLCTL_MODEL_COOLDOWN_DEFAULT" default:"5s"`
	MaxMs     time.Duration `json:"max_ms" env:"POOLCTL_MODEL_COOLDOWN_MAX" default:"30s"`
	DecayMs   time.Duration `json:"decay_ms" env:"POOLCTL_MODEL_COOLDOWN_DECAY" default:"60s"`
}

// GLM5Config tunes the staged heavy-tier preference rollout (spec.md
// §4.4): a named rollout knob for gradually shifting heavy-tier
// traffic toward a preferred model, not tied to any particular
// upstream model identity.
type GLM5Config struct {
	Enabled          bool    `json:"enabled" env:"POOLCTL_GLM5_ENABLED" default:"false"`
	PreferencePercent float64 `json:"preference_percent" env:"POOLCTL_GLM5_PREFERENCE_PERCENT" default:"0"`
	PreferredModelID string  `json:"preferred_model_id" env:"POOLCTL_GLM5_PREFERRED_MODEL"`
}

// DowngradeConfig tunes spec.md §4.4 step 3's tier downgrade: whether
// a downgrade actually takes effect (active, the default) or is only
// counted without changing the tier a request is served from (shadow),
// the same active/shadow split GLM5Config applies to the heavy-tier
// preference rollout.
type DowngradeConfig struct {
	ShadowMode bool `json:"shadow_mode" env:"POOLCTL_DOWNGRADE_SHADOW_MODE" default:"false"`
}

// TierDefinition is one {light,medium,heavy} tier's candidate model
// list and selection strategy, normally loaded from YAML.
type TierDefinition struct {
	Models   []string `yaml:"models" json:"models"`
	Strategy string   `yaml:"strategy" json:"strategy"` // throughput|quality|balanced|pool
}

// TiersConfig is the full tier table, keyed by tier name.
type TiersConfig struct {
	Light  TierDefinition `yaml:"light" json:"light"`
	Medium TierDefinition `yaml:"medium" json:"medium"`
	Heavy  TierDefinition `yaml:"heavy" json:"heavy"`
}

// Config is the full pool configuration (spec.md §6.1). Every
// numeric/timing knob named there is represented; nothing here is
// dispatcher-specific.
type Config struct {
	MaxConcurrencyPerKey int  `json:"max_concurrency_per_key" env:"POOLCTL_MAX_CONCURRENCY_PER_KEY" default:"3"`
	UseWeightedSelection bool `json:"use_weighted_selection" env:"POOLCTL_USE_WEIGHTED_SELECTION" default:"true"`

	Breaker            BreakerConfig
	HealthScoreWeights HealthScoreWeights
	Quarantine         QuarantineConfig
	Fairness           FairnessConfig

	RateLimitPerMinute int `json:"rate_limit_per_minute" env:"POOLCTL_RATE_LIMIT_PER_MINUTE" default:"0"`

	PoolCooldown  PoolCooldownConfig
	Tiers         TiersConfig
	ModelCooldown ModelCooldownConfig
	GLM5          GLM5Config
	Downgrade     DowngradeConfig

	MaxDecisions  int           `json:"max_decisions" env:"POOLCTL_MAX_DECISIONS" default:"1000"`
	ScoreCacheTTL time.Duration `json:"score_cache_ttl" env:"POOLCTL_SCORE_CACHE_TTL" default:"1s"`

	ServiceName string `json:"service_name" env:"POOLCTL_SERVICE_NAME" default:"poolctl"`

	Logging LoggingConfig
}

// LoggingConfig configures the structured logger (see the logging
// package).
type LoggingConfig struct {
	Level  string `json:"level" env:"POOLCTL_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"POOLCTL_LOG_FORMAT" default:"json"` // json|text
}

var validStrategies = map[string]struct{}{"throughput": {}, "quality": {}, "balanced": {}, "pool": {}}

// LoadTiersFromYAML parses a tier table from YAML, in the same
// parse-then-validate shape orchestration/workflow_engine.go's
// ParseWorkflowYAML uses for workflow definitions. An empty Strategy
// defaults to "balanced" per tier, matching the router's own default
// when Strategy is unset.
func LoadTiersFromYAML(data []byte) (TiersConfig, error) {
	var tiers TiersConfig
	if err := yaml.Unmarshal(data, &tiers); err != nil {
		return TiersConfig{}, ctlerrors.New("config.LoadTiersFromYAML", "config",
			fmt.Errorf("%w: parsing tier YAML: %v", ctlerrors.ErrInvalidConfiguration, err))
	}
	for _, def := range []*TierDefinition{&tiers.Light, &tiers.Medium, &tiers.Heavy} {
		if def.Strategy == "" {
			def.Strategy = "balanced"
		}
		if _, ok := validStrategies[def.Strategy]; !ok {
			return TiersConfig{}, ctlerrors.New("config.LoadTiersFromYAML", "config",
				fmt.Errorf("%w: strategy must be one of throughput|quality|balanced|pool, got %q", ctlerrors.ErrInvalidConfiguration, def.Strategy))
		}
	}
	return tiers, nil
}

// DefaultConfig returns a Config with every spec.md §6.1 default
// applied.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrencyPerKey: 3,
		UseWeightedSelection: true,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    30 * time.Second,
			CooldownPeriod:   60 * time.Second,
			HalfOpenTimeout:  10 * time.Second,
		},
		HealthScoreWeights: HealthScoreWeights{Latency: 40, SuccessRate: 40, ErrorRecency: 20},
		Quarantine: QuarantineConfig{
			SlowKeyThreshold:            2.0,
			SlowKeyQuarantineDurationMs: 60 * time.Second,
			QuarantineProbeInterval:     10 * time.Second,
		},
		Fairness: FairnessConfig{
			Mode:                "soft",
			BoostFactor:         1.5,
			StarvationThreshold: 30 * time.Second,
			MinFairnessShare:    0.10,
		},
		RateLimitPerMinute: 0,
		PoolCooldown: PoolCooldownConfig{
			SleepThresholdMs: 250 * time.Millisecond,
			RetryJitterMs:    200 * time.Millisecond,
			MaxCooldownMs:    5 * time.Second,
			BaseMs:           500 * time.Millisecond,
			CapMs:            5 * time.Second,
			DecayMs:          10 * time.Second,
		},
		ModelCooldown: ModelCooldownConfig{
			DefaultMs: 5 * time.Second,
			MaxMs:     30 * time.Second,
			DecayMs:   60 * time.Second,
		},
		GLM5:          GLM5Config{Enabled: false, PreferencePercent: 0},
		Downgrade:     DowngradeConfig{ShadowMode: false},
		MaxDecisions:  1000,
		ScoreCacheTTL: time.Second,
		ServiceName:   "poolctl",
		Logging:       LoggingConfig{Level: "info", Format: "json"},
	}
}

// Option is a functional option for Config, applied after defaults and
// environment variables (highest priority in the three-layer
// precedence order).
type Option func(*Config) error

// WithMaxConcurrencyPerKey overrides the per-credential in-flight cap.
func WithMaxConcurrencyPerKey(n int) Option {
	return func(c *Config) error {
		c.MaxConcurrencyPerKey = n
		return nil
	}
}

// WithBreaker overrides the circuit breaker tuning.
func WithBreaker(threshold int, window, cooldown, halfOpen time.Duration) Option {
	return func(c *Config) error {
		c.Breaker = BreakerConfig{
			FailureThreshold: threshold,
			FailureWindow:    window,
			CooldownPeriod:   cooldown,
			HalfOpenTimeout:  halfOpen,
		}
		return nil
	}
}

// WithFairnessMode overrides the fairness mode (none|soft|strict).
func WithFairnessMode(mode string) Option {
	return func(c *Config) error {
		c.Fairness.Mode = mode
		return nil
	}
}

// WithRateLimitPerMinute overrides the per-credential token-bucket
// rate. 0 means unlimited.
func WithRateLimitPerMinute(n int) Option {
	return func(c *Config) error {
		c.RateLimitPerMinute = n
		return nil
	}
}

// WithTiers overrides the model router's tier table.
func WithTiers(t TiersConfig) Option {
	return func(c *Config) error {
		c.Tiers = t
		return nil
	}
}

// WithGLM5 enables (or leaves in shadow mode at p=0) the staged
// heavy-tier preference rollout.
func WithGLM5(enabled bool, preferredModelID string, preferencePercent float64) Option {
	return func(c *Config) error {
		c.GLM5 = GLM5Config{Enabled: enabled, PreferredModelID: preferredModelID, PreferencePercent: preferencePercent}
		return nil
	}
}

// WithDowngradeShadowMode toggles the tier-downgrade shadow mode: when
// true, a would-be downgrade is counted but the request is still
// reported as cooling down on its original tier rather than actually
// failing over.
func WithDowngradeShadowMode(shadow bool) Option {
	return func(c *Config) error {
		c.Downgrade.ShadowMode = shadow
		return nil
	}
}

// WithMaxDecisions overrides the decision recorder capacity.
func WithMaxDecisions(n int) Option {
	return func(c *Config) error {
		c.MaxDecisions = n
		return nil
	}
}

// WithLogging overrides the logger level/format.
func WithLogging(level, format string) Option {
	return func(c *Config) error {
		c.Logging = LoggingConfig{Level: level, Format: format}
		return nil
	}
}

// NewConfig builds a Config from defaults, then environment variables,
// then opts (highest priority), validating the result before returning
// it. A configuration that fails validation is never returned partially
// applied (spec.md §7 kind 4): the core refuses to start rather than
// run with a half-loaded configuration.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()
	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, ctlerrors.New("Config.NewConfig", "config", err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadFromEnv applies the environment layer. It reads only these
// variables, each with the POOLCTL_ prefix: MAX_CONCURRENCY_PER_KEY,
// USE_WEIGHTED_SELECTION, FAILURE_THRESHOLD, FAILURE_WINDOW,
// COOLDOWN_PERIOD, FAIRNESS_MODE, RATE_LIMIT_PER_MINUTE, MAX_DECISIONS,
// SCORE_CACHE_TTL, LOG_LEVEL, LOG_FORMAT and DOWNGRADE_SHADOW_MODE. The
// other variables named in the struct tags are not read.
func (c *Config) loadFromEnv() error {
	if v := os.Getenv("POOLCTL_MAX_CONCURRENCY_PER_KEY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ctlerrors.New("Config.loadFromEnv", "config", fmt.Errorf("%w: POOLCTL_MAX_CONCURRENCY_PER_KEY: %v", ctlerrors.ErrInvalidConfiguration, err))
		}
		c.MaxConcurrencyPerKey = n
	}
	if v := os.Getenv("POOLCTL_USE_WEIGHTED_SELECTION"); v != "" {
		c.UseWeightedSelection = parseBool(v)
	}
	if v := os.Getenv("POOLCTL_FAILURE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ctlerrors.New("Config.loadFromEnv", "config", fmt.Errorf("%w: POOLCTL_FAILURE_THRESHOLD: %v", ctlerrors.ErrInvalidConfiguration, err))
		}
		c.Breaker.FailureThreshold = n
	}
	if v := os.Getenv("POOLCTL_FAILURE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ctlerrors.New("Config.loadFromEnv", "config", fmt.Errorf("%w: POOLCTL_FAILURE_WINDOW: %v", ctlerrors.ErrInvalidConfiguration, err))
		}
		c.Breaker.FailureWindow = d
	}
	if v := os.Getenv("POOLCTL_COOLDOWN_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ctlerrors.New("Config.loadFromEnv", "config", fmt.Errorf("%w: POOLCTL_COOLDOWN_PERIOD: %v", ctlerrors.ErrInvalidConfiguration, err))
		}
		c.Breaker.CooldownPeriod = d
	}
	if v := os.Getenv("POOLCTL_FAIRNESS_MODE"); v != "" {
		c.Fairness.Mode = v
	}
	if v := os.Getenv("POOLCTL_RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ctlerrors.New("Config.loadFromEnv", "config", fmt.Errorf("%w: POOLCTL_RATE_LIMIT_PER_MINUTE: %v", ctlerrors.ErrInvalidConfiguration, err))
		}
		c.RateLimitPerMinute = n
	}
	if v := os.Getenv("POOLCTL_MAX_DECISIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ctlerrors.New("Config.loadFromEnv", "config", fmt.Errorf("%w: POOLCTL_MAX_DECISIONS: %v", ctlerrors.ErrInvalidConfiguration, err))
		}
		c.MaxDecisions = n
	}
	if v := os.Getenv("POOLCTL_SCORE_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ctlerrors.New("Config.loadFromEnv", "config", fmt.Errorf("%w: POOLCTL_SCORE_CACHE_TTL: %v", ctlerrors.ErrInvalidConfiguration, err))
		}
		c.ScoreCacheTTL = d
	}
	if v := os.Getenv("POOLCTL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("POOLCTL_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("POOLCTL_DOWNGRADE_SHADOW_MODE"); v != "" {
		c.Downgrade.ShadowMode = parseBool(v)
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

var validFairnessModes = map[string]struct{}{"none": {}, "soft": {}, "strict": {}}

// Validate rejects the configuration outright if any field is
// inconsistent; a partially valid configuration is never accepted
// (spec.md §7 kind 4).
func (c *Config) Validate() error {
	if c.MaxConcurrencyPerKey < 1 {
		return ctlerrors.New("Config.Validate", "config",
			fmt.Errorf("%w: maxConcurrencyPerKey must be >= 1, got %d", ctlerrors.ErrInvalidConfiguration, c.MaxConcurrencyPerKey))
	}
	if c.Breaker.FailureThreshold < 1 {
		return ctlerrors.New("Config.Validate", "config",
			fmt.Errorf("%w: failureThreshold must be >= 1", ctlerrors.ErrInvalidConfiguration))
	}
	if c.Breaker.FailureWindow <= 0 || c.Breaker.CooldownPeriod <= 0 || c.Breaker.HalfOpenTimeout <= 0 {
		return ctlerrors.New("Config.Validate", "config",
			fmt.Errorf("%w: circuit breaker timings must be positive", ctlerrors.ErrInvalidConfiguration))
	}
	if _, ok := validFairnessModes[c.Fairness.Mode]; !ok {
		return ctlerrors.New("Config.Validate", "config",
			fmt.Errorf("%w: fairnessMode must be one of none|soft|strict, got %q", ctlerrors.ErrInvalidConfiguration, c.Fairness.Mode))
	}
	if c.Fairness.MinFairnessShare < 0 || c.Fairness.MinFairnessShare > 1 {
		return ctlerrors.New("Config.Validate", "config",
			fmt.Errorf("%w: minFairnessShare must be in [0,1]", ctlerrors.ErrInvalidConfiguration))
	}
	if c.RateLimitPerMinute < 0 {
		return ctlerrors.New("Config.Validate", "config",
			fmt.Errorf("%w: rateLimitPerMinute must be >= 0", ctlerrors.ErrInvalidConfiguration))
	}
	if c.GLM5.PreferencePercent < 0 || c.GLM5.PreferencePercent > 1 {
		return ctlerrors.New("Config.Validate", "config",
			fmt.Errorf("%w: glm5.preferencePercent must be in [0,1]", ctlerrors.ErrInvalidConfiguration))
	}
	if c.GLM5.Enabled && c.GLM5.PreferredModelID == "" {
		return ctlerrors.New("Config.Validate", "config",
			fmt.Errorf("%w: glm5.preferredModelId is required when glm5.enabled is true", ctlerrors.ErrMissingConfiguration))
	}
	if c.MaxDecisions < 1 {
		return ctlerrors.New("Config.Validate", "config",
			fmt.Errorf("%w: maxDecisions must be >= 1", ctlerrors.ErrInvalidConfiguration))
	}
	if c.ScoreCacheTTL < 0 {
		return ctlerrors.New("Config.Validate", "config",
			fmt.Errorf("%w: scoreCacheTTL must be >= 0", ctlerrors.ErrInvalidConfiguration))
	}
	return nil
}

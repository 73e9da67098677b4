package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "ids.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	return LoadWithOverrides(yamlPath, Overrides{})
}

// Overrides holds command-line values. Nil fields leave the config untouched.
type Overrides struct {
	Port      *string
	LogLevel  *string
	DSN       *string
	NatsURL   *string
	Mode      *string
	MaxRounds *int
}

// LoadWithOverrides extends LoadFrom with a final CLI layer:
// defaults < YAML < ENV < CLI.
func LoadWithOverrides(yamlPath string, o Overrides) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyOverrides(&cfg, o)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist. A reviewers or thresholds list in
// the file replaces the default list entirely.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "IDS_PORT")
	setString(&cfg.Server.CORSOrigin, "IDS_CORS_ORIGIN")
	setInt64(&cfg.Server.MaxBodySizeBytes, "IDS_MAX_BODY_SIZE_BYTES")
	setFloat64(&cfg.Server.RateLimitRPS, "IDS_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "IDS_RATE_LIMIT_BURST")
	setString(&cfg.Server.IdempotencyBucket, "IDS_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Server.IdempotencyTTL, "IDS_IDEMPOTENCY_TTL")
	setDuration(&cfg.Server.ShutdownTimeout, "IDS_SHUTDOWN_TIMEOUT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "IDS_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "IDS_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "IDS_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "IDS_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "IDS_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.LiteLLM.DefaultModel, "IDS_DEFAULT_MODEL")
	setDuration(&cfg.LiteLLM.ModelRefreshInterval, "IDS_MODEL_REFRESH_INTERVAL")
	setString(&cfg.Logging.Level, "IDS_LOG_LEVEL")
	setString(&cfg.Logging.Service, "IDS_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "IDS_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "IDS_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "IDS_BREAKER_TIMEOUT")

	// Cache
	setBool(&cfg.Cache.Enabled, "IDS_CACHE_ENABLED")
	setInt64(&cfg.Cache.L1MaxSizeMB, "IDS_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "IDS_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "IDS_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "IDS_CACHE_L2_TTL")

	// OpenTelemetry
	setBool(&cfg.OTel.Enabled, "IDS_OTEL_ENABLED")
	setString(&cfg.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTel.Insecure, "IDS_OTEL_INSECURE")
	setFloat64(&cfg.OTel.SampleRatio, "IDS_OTEL_SAMPLE_RATIO")

	// Deliberation
	d := &cfg.Deliberation
	setInt(&d.MaxRounds, "IDS_MAX_ROUNDS")
	setString(&d.Mode, "IDS_MODE")
	setInt(&d.MaxParallel, "IDS_MAX_PARALLEL")
	setDuration(&d.InterCallDelay, "IDS_INTER_CALL_DELAY")
	setDuration(&d.ReviewerTimeout, "IDS_REVIEWER_TIMEOUT")
	setInt(&d.RetryBudget, "IDS_RETRY_BUDGET")
	setDuration(&d.RetryDelay, "IDS_RETRY_DELAY")
	setBool(&d.FacilitatorInMerge, "IDS_FACILITATOR_IN_MERGE")
	setString(&d.DispersionPolicy, "IDS_DISPERSION_POLICY")
	setString(&d.FeedbackRoundPolicy, "IDS_FEEDBACK_ROUND_POLICY")
	setInt(&d.MaxFeedbackCycles, "IDS_MAX_FEEDBACK_CYCLES")
	setInt(&d.SummaryMaxChars, "IDS_SUMMARY_MAX_CHARS")
	setString(&d.PersonaDir, "IDS_PERSONA_DIR")
	setInt(&d.DeadEnd.ConfidenceDeclineRounds, "IDS_DEADEND_DECLINE_ROUNDS")
	setInt(&d.DeadEnd.PersistentRiskRounds, "IDS_DEADEND_RISK_ROUNDS")
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.Port != nil {
		cfg.Server.Port = *o.Port
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.DSN != nil {
		cfg.Postgres.DSN = *o.DSN
	}
	if o.NatsURL != nil {
		cfg.NATS.URL = *o.NatsURL
	}
	if o.Mode != nil {
		cfg.Deliberation.Mode = *o.Mode
	}
	if o.MaxRounds != nil {
		cfg.Deliberation.MaxRounds = *o.MaxRounds
	}
}

// validate checks that required fields are set and that the deliberation
// policy is coherent.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Server.RateLimitRPS < 0 || cfg.Server.RateLimitBurst < 0 {
		return errors.New("server rate limit must be >= 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if err := validateDeliberation(&cfg.Deliberation); err != nil {
		return err
	}
	return validateReviewers(cfg.Reviewers)
}

func validateDeliberation(d *Deliberation) error {
	if d.MaxRounds < 1 {
		return errors.New("deliberation.max_rounds must be >= 1")
	}
	switch d.Mode {
	case ModeConcurrent, ModeSequential:
	default:
		return fmt.Errorf("deliberation.mode %q must be %q or %q", d.Mode, ModeConcurrent, ModeSequential)
	}
	if d.MaxParallel < 1 {
		return errors.New("deliberation.max_parallel must be >= 1")
	}
	if d.InterCallDelay < 0 {
		return errors.New("deliberation.inter_call_delay must be >= 0")
	}
	if d.ReviewerTimeout <= 0 {
		return errors.New("deliberation.reviewer_timeout must be > 0")
	}
	if d.RetryBudget < 0 {
		return errors.New("deliberation.retry_budget must be >= 0")
	}
	switch d.DispersionPolicy {
	case "worst", "average":
	default:
		return fmt.Errorf("deliberation.dispersion_policy %q must be worst or average", d.DispersionPolicy)
	}
	switch d.FeedbackRoundPolicy {
	case FeedbackReset, FeedbackContinue:
	default:
		return fmt.Errorf("deliberation.feedback_round_policy %q must be %q or %q", d.FeedbackRoundPolicy, FeedbackReset, FeedbackContinue)
	}
	if d.MaxFeedbackCycles < 1 {
		return errors.New("deliberation.max_feedback_cycles must be >= 1")
	}
	if len(d.Thresholds) == 0 {
		return errors.New("deliberation.thresholds must not be empty")
	}
	for i, t := range d.Thresholds {
		for _, v := range []float64{t.MinConfidence, t.MaxRisk, t.MinOutcome, t.MaxDispersion} {
			if math.IsNaN(v) || v < 0 || v > 100 {
				return fmt.Errorf("deliberation.thresholds[%d]: values must be within [0,100]", i)
			}
		}
		if t.MaxDispersion <= 0 {
			return fmt.Errorf("deliberation.thresholds[%d]: max_dispersion must be > 0", i)
		}
		if i == 0 {
			continue
		}
		prev := d.Thresholds[i-1]
		if t.MinConfidence > prev.MinConfidence || t.MinOutcome > prev.MinOutcome ||
			t.MaxRisk < prev.MaxRisk || t.MaxDispersion < prev.MaxDispersion {
			return fmt.Errorf("deliberation.thresholds[%d]: stricter than round %d", i, i)
		}
	}
	return nil
}

func validateReviewers(rs []Reviewer) error {
	var facilitators, specialists int
	seen := make(map[string]bool, len(rs))
	for i, r := range rs {
		if r.ID == "" {
			return fmt.Errorf("reviewers[%d]: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("reviewers[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		if !r.Enabled {
			continue
		}
		switch r.Role {
		case "facilitator":
			facilitators++
		case "specialist":
			specialists++
		default:
			return fmt.Errorf("reviewers[%d]: role %q must be facilitator or specialist", i, r.Role)
		}
	}
	if facilitators != 1 {
		return fmt.Errorf("exactly one enabled facilitator required, got %d", facilitators)
	}
	if specialists < 1 {
		return errors.New("at least one enabled specialist required")
	}
	return nil
}

// EnabledReviewers returns the enabled reviewers in configuration order.
func (c *Config) EnabledReviewers() []Reviewer {
	out := make([]Reviewer, 0, len(c.Reviewers))
	for _, r := range c.Reviewers {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

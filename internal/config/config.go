package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultExternalHTTPTimeout = 10 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

var defaultDepartments = []string{"ACCOUNTING", "SALES", "WAREHOUSE", "PURCHASING", "HR"}

// RankWeights are the learning-potential weights and normalisation caps.
type RankWeights struct {
	Usage       float64 `yaml:"usage"`
	SuccessRate float64 `yaml:"success_rate"`
	UniqueUsers float64 `yaml:"unique_users"`
	Confidence  float64 `yaml:"confidence"`
	Age         float64 `yaml:"age"`

	UsageCap       int `yaml:"usage_cap"`
	UniqueUsersCap int `yaml:"unique_users_cap"`
	AgeCapDays     int `yaml:"age_cap_days"`
}

// ReweighWeights blend a pattern's old priority with recent telemetry.
type ReweighWeights struct {
	Old         float64 `yaml:"old"`
	Confidence  float64 `yaml:"confidence"`
	SuccessRate float64 `yaml:"success_rate"`
}

type Config struct {
	DBPath      string   `yaml:"db_path"`
	Departments []string `yaml:"departments"`
	LogLevel    string   `yaml:"log_level"`
	LogFormat   string   `yaml:"log_format"`
	MetricsAddr string   `yaml:"metrics_addr"`
	SeedPath    string   `yaml:"seed_path"`

	CacheBackend         string `yaml:"cache_backend"` // "memory" or "redis"
	CacheSize            int    `yaml:"cache_size"`
	RedisAddr            string `yaml:"redis_addr"`
	RedisPassword        string `yaml:"redis_password"`
	RedisDB              int    `yaml:"redis_db"`
	PatternCacheTTLSecs  int    `yaml:"pattern_cache_ttl_seconds"`
	HeuristicCacheTTLSec int    `yaml:"heuristic_cache_ttl_seconds"`

	StoreTimeoutMillis     int     `yaml:"store_timeout_ms"`
	PredictorTimeoutMillis int     `yaml:"predictor_timeout_ms"`
	SuspicionThreshold     float64 `yaml:"suspicion_threshold"`
	StrictPatterns         bool    `yaml:"strict_patterns"`
	HistoryLimit           int     `yaml:"history_limit"`
	Timezone               string  `yaml:"timezone"`
	CorpusRefreshMinutes   int     `yaml:"corpus_refresh_minutes"`

	Predictor       string `yaml:"predictor"` // "logistic" or "llm"
	PredictorModel  string `yaml:"predictor_model_path"`
	TrainSchedule   string `yaml:"train_schedule"`
	LLMModel        string `yaml:"llm_model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	CorrectionMaxDistance int    `yaml:"correction_max_distance"`
	CorrectionDistance    string `yaml:"correction_distance"` // "levenshtein" or "approx"

	LearnerSchedule         string         `yaml:"learner_schedule"`
	LearnerLookbackDays     int            `yaml:"learner_lookback_days"`
	LearnerMinUsage         int            `yaml:"learner_min_usage"`
	LearnerMinConfidence    float64        `yaml:"learner_min_confidence"`
	LearnerMinSuccessRate   float64        `yaml:"learner_min_success_rate"`
	LearnerPromoteThreshold float64        `yaml:"learner_promote_threshold"`
	LearnerBatchSize        int            `yaml:"learner_batch_size"`
	LearnerReweighDays      int            `yaml:"learner_reweigh_window_days"`
	LearnerStaleDays        int            `yaml:"learner_stale_days"`
	LearnerLeaseMinutes     int            `yaml:"learner_lease_minutes"`
	Rank                    RankWeights    `yaml:"rank_weights"`
	Reweigh                 ReweighWeights `yaml:"reweigh_weights"`

	MonitorWindowMinutes     int     `yaml:"monitor_window_minutes"`
	MonitorMinSamples        int     `yaml:"monitor_min_samples"`
	MonitorSuccessFloor      float64 `yaml:"monitor_success_floor"`
	MonitorConfidenceFloor   float64 `yaml:"monitor_confidence_floor"`
	MonitorValidationCeiling float64 `yaml:"monitor_validation_error_ceiling"`
	AuditBufferSize          int     `yaml:"audit_buffer_size"`

	SlackBotToken       string  `yaml:"slack_bot_token"`
	AlertChannelID      string  `yaml:"alert_channel_id"`
	AlertRatePerMinute  float64 `yaml:"alert_rate_per_minute"`
	ExternalHTTPTimeout int     `yaml:"external_http_timeout_seconds"`
}

// LoadConfig reads CONFIG_PATH (default config.yaml) when present, applies
// environment overrides and defaults, then validates the result.
func LoadConfig() (Config, error) {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}

	env := &envLoader{}
	env.str(&cfg.DBPath, "DB_PATH")
	env.str(&cfg.LogLevel, "LOG_LEVEL")
	env.str(&cfg.LogFormat, "LOG_FORMAT")
	env.str(&cfg.MetricsAddr, "METRICS_ADDR")
	env.str(&cfg.SeedPath, "SEED_PATH")
	env.list(&cfg.Departments, "DEPARTMENTS")
	env.str(&cfg.CacheBackend, "CACHE_BACKEND")
	env.integer(&cfg.CacheSize, "CACHE_SIZE")
	env.str(&cfg.RedisAddr, "REDIS_ADDR")
	env.str(&cfg.RedisPassword, "REDIS_PASSWORD")
	env.integer(&cfg.RedisDB, "REDIS_DB")
	env.integer(&cfg.StoreTimeoutMillis, "STORE_TIMEOUT_MS")
	env.integer(&cfg.PredictorTimeoutMillis, "PREDICTOR_TIMEOUT_MS")
	env.float(&cfg.SuspicionThreshold, "SUSPICION_THRESHOLD")
	env.boolean(&cfg.StrictPatterns, "STRICT_PATTERNS")
	env.str(&cfg.Timezone, "TIMEZONE")
	env.str(&cfg.Predictor, "PREDICTOR")
	env.str(&cfg.PredictorModel, "PREDICTOR_MODEL_PATH")
	env.str(&cfg.TrainSchedule, "TRAIN_SCHEDULE")
	env.str(&cfg.LLMModel, "LLM_MODEL")
	env.str(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	env.integer(&cfg.CorrectionMaxDistance, "CORRECTION_MAX_DISTANCE")
	env.str(&cfg.CorrectionDistance, "CORRECTION_DISTANCE")
	env.str(&cfg.LearnerSchedule, "LEARNER_SCHEDULE")
	env.integer(&cfg.LearnerLookbackDays, "LEARNER_LOOKBACK_DAYS")
	env.float(&cfg.LearnerPromoteThreshold, "LEARNER_PROMOTE_THRESHOLD")
	env.integer(&cfg.LearnerBatchSize, "LEARNER_BATCH_SIZE")
	env.str(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	env.str(&cfg.AlertChannelID, "ALERT_CHANNEL_ID")
	env.float(&cfg.AlertRatePerMinute, "ALERT_RATE_PER_MINUTE")
	env.integer(&cfg.ExternalHTTPTimeout, "EXTERNAL_HTTP_TIMEOUT_SECONDS")
	if env.err != nil {
		return cfg, env.err
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "./querybot.db"
	}
	if len(cfg.Departments) == 0 {
		cfg.Departments = append([]string(nil), defaultDepartments...)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9464"
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "memory"
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 10000
	}
	if cfg.PatternCacheTTLSecs == 0 {
		cfg.PatternCacheTTLSecs = 300
	}
	if cfg.HeuristicCacheTTLSec == 0 {
		cfg.HeuristicCacheTTLSec = 3600
	}
	if cfg.StoreTimeoutMillis == 0 {
		cfg.StoreTimeoutMillis = 500
	}
	if cfg.PredictorTimeoutMillis == 0 {
		cfg.PredictorTimeoutMillis = 2000
	}
	if cfg.SuspicionThreshold == 0 {
		cfg.SuspicionThreshold = 0.3
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.CorpusRefreshMinutes == 0 {
		cfg.CorpusRefreshMinutes = 10
	}
	if cfg.Predictor == "" {
		cfg.Predictor = "logistic"
	}
	if cfg.TrainSchedule == "" {
		cfg.TrainSchedule = "30 3 * * *"
	}
	if cfg.CorrectionMaxDistance == 0 {
		cfg.CorrectionMaxDistance = 3
	}
	if cfg.CorrectionDistance == "" {
		cfg.CorrectionDistance = "levenshtein"
	}
	if cfg.LearnerSchedule == "" {
		cfg.LearnerSchedule = "0 * * * *"
	}
	if cfg.LearnerLookbackDays == 0 {
		cfg.LearnerLookbackDays = 30
	}
	if cfg.LearnerMinUsage == 0 {
		cfg.LearnerMinUsage = 3
	}
	if cfg.LearnerMinConfidence == 0 {
		cfg.LearnerMinConfidence = 0.6
	}
	if cfg.LearnerMinSuccessRate == 0 {
		cfg.LearnerMinSuccessRate = 0.7
	}
	if cfg.LearnerPromoteThreshold == 0 {
		cfg.LearnerPromoteThreshold = 0.7
	}
	if cfg.LearnerBatchSize == 0 {
		cfg.LearnerBatchSize = 50
	}
	if cfg.LearnerReweighDays == 0 {
		cfg.LearnerReweighDays = 30
	}
	if cfg.LearnerStaleDays == 0 {
		cfg.LearnerStaleDays = 90
	}
	if cfg.LearnerLeaseMinutes == 0 {
		cfg.LearnerLeaseMinutes = 30
	}
	if cfg.Rank == (RankWeights{}) {
		cfg.Rank = DefaultRankWeights()
	}
	if cfg.Reweigh == (ReweighWeights{}) {
		cfg.Reweigh = DefaultReweighWeights()
	}
	if cfg.MonitorWindowMinutes == 0 {
		cfg.MonitorWindowMinutes = 15
	}
	if cfg.MonitorMinSamples == 0 {
		cfg.MonitorMinSamples = 20
	}
	if cfg.MonitorSuccessFloor == 0 {
		cfg.MonitorSuccessFloor = 0.85
	}
	if cfg.MonitorConfidenceFloor == 0 {
		cfg.MonitorConfidenceFloor = 0.7
	}
	if cfg.MonitorValidationCeiling == 0 {
		cfg.MonitorValidationCeiling = 0.3
	}
	if cfg.AuditBufferSize == 0 {
		cfg.AuditBufferSize = 1024
	}
	if cfg.AlertRatePerMinute == 0 {
		cfg.AlertRatePerMinute = 1
	}
	if cfg.ExternalHTTPTimeout == 0 {
		cfg.ExternalHTTPTimeout = defaultExternalHTTPTimeoutSeconds
	}
}

func DefaultRankWeights() RankWeights {
	return RankWeights{
		Usage:          0.3,
		SuccessRate:    0.25,
		UniqueUsers:    0.2,
		Confidence:     0.15,
		Age:            0.1,
		UsageCap:       100,
		UniqueUsersCap: 20,
		AgeCapDays:     30,
	}
}

func DefaultReweighWeights() ReweighWeights {
	return ReweighWeights{Old: 0.7, Confidence: 0.2, SuccessRate: 0.1}
}

// Validate checks ranges and enum fields.
func (c Config) Validate() error {
	var errs []error
	switch c.CacheBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("redis_addr is required when cache_backend=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache_backend must be 'memory' or 'redis', got '%s'", c.CacheBackend))
	}
	switch c.Predictor {
	case "logistic":
	case "llm":
		if c.AnthropicAPIKey == "" {
			errs = append(errs, fmt.Errorf("anthropic_api_key is required when predictor=llm"))
		}
	default:
		errs = append(errs, fmt.Errorf("predictor must be 'logistic' or 'llm', got '%s'", c.Predictor))
	}
	switch c.CorrectionDistance {
	case "levenshtein", "approx":
	default:
		errs = append(errs, fmt.Errorf("correction_distance must be 'levenshtein' or 'approx', got '%s'", c.CorrectionDistance))
	}
	if c.SuspicionThreshold <= 0 || c.SuspicionThreshold >= 1 {
		errs = append(errs, fmt.Errorf("invalid suspicion_threshold '%f': must be between 0 and 1", c.SuspicionThreshold))
	}
	if c.LearnerPromoteThreshold < 0 || c.LearnerPromoteThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid learner_promote_threshold '%f': must be between 0 and 1", c.LearnerPromoteThreshold))
	}
	if c.LearnerBatchSize < 1 {
		errs = append(errs, fmt.Errorf("invalid learner_batch_size '%d': must be >= 1", c.LearnerBatchSize))
	}
	if c.CorrectionMaxDistance < 1 || c.CorrectionMaxDistance > 20 {
		errs = append(errs, fmt.Errorf("invalid correction_max_distance '%d': must be between 1 and 20", c.CorrectionMaxDistance))
	}
	if c.PredictorTimeoutMillis > 2000 || c.StoreTimeoutMillis > 2000 {
		errs = append(errs, fmt.Errorf("external lookup timeouts must not exceed 2000ms"))
	}
	for _, d := range []struct {
		name string
		val  int
	}{
		{"store_timeout_ms", c.StoreTimeoutMillis},
		{"predictor_timeout_ms", c.PredictorTimeoutMillis},
		{"pattern_cache_ttl_seconds", c.PatternCacheTTLSecs},
		{"heuristic_cache_ttl_seconds", c.HeuristicCacheTTLSec},
		{"external_http_timeout_seconds", c.ExternalHTTPTimeout},
		{"corpus_refresh_minutes", c.CorpusRefreshMinutes},
		{"monitor_window_minutes", c.MonitorWindowMinutes},
		{"learner_lease_minutes", c.LearnerLeaseMinutes},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s '%d': must be > 0", d.name, d.val))
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err))
	}
	if sum := c.Rank.Usage + c.Rank.SuccessRate + c.Rank.UniqueUsers + c.Rank.Confidence + c.Rank.Age; sum <= 0 || sum > 1.0001 {
		errs = append(errs, fmt.Errorf("rank_weights must sum to (0,1], got %.3f", sum))
	}
	if sum := c.Reweigh.Old + c.Reweigh.Confidence + c.Reweigh.SuccessRate; sum <= 0 || sum > 1.0001 {
		errs = append(errs, fmt.Errorf("reweigh_weights must sum to (0,1], got %.3f", sum))
	}
	if c.Rank.UsageCap < 1 || c.Rank.UniqueUsersCap < 1 || c.Rank.AgeCapDays < 1 {
		errs = append(errs, fmt.Errorf("rank_weights caps must be >= 1"))
	}
	if c.SlackBotToken != "" && c.AlertChannelID == "" {
		errs = append(errs, fmt.Errorf("alert_channel_id is required when slack_bot_token is set"))
	}
	return errors.Join(errs...)
}

func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMillis) * time.Millisecond
}

func (c Config) PredictorTimeout() time.Duration {
	return time.Duration(c.PredictorTimeoutMillis) * time.Millisecond
}

func (c Config) PatternCacheTTL() time.Duration {
	return time.Duration(c.PatternCacheTTLSecs) * time.Second
}

func (c Config) HeuristicCacheTTL() time.Duration {
	return time.Duration(c.HeuristicCacheTTLSec) * time.Second
}

func (c Config) CorpusRefresh() time.Duration {
	return time.Duration(c.CorpusRefreshMinutes) * time.Minute
}

func (c Config) LearnerLease() time.Duration {
	return time.Duration(c.LearnerLeaseMinutes) * time.Minute
}

// Location resolves Timezone. Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) MonitorWindow() time.Duration {
	return time.Duration(c.MonitorWindowMinutes) * time.Minute
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.AlertChannelID != ""
}

type envLoader struct {
	err error
}

func (e *envLoader) str(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func (e *envLoader) list(field *[]string, envKey string) {
	val := os.Getenv(envKey)
	if val == "" {
		return
	}
	*field = nil
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			*field = append(*field, part)
		}
	}
}

func (e *envLoader) integer(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			e.fail(fmt.Errorf("invalid %s '%s': %w", envKey, val, err))
			return
		}
		*field = parsed
	}
}

func (e *envLoader) float(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			e.fail(fmt.Errorf("invalid %s '%s': %w", envKey, val, err))
			return
		}
		*field = parsed
	}
}

func (e *envLoader) boolean(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}

func (e *envLoader) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

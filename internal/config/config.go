package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone = "UTC"
	exchangeTZ      = "America/New_York"

	configPathEnv = "ORBIT_CONFIG"
	dataDirEnv    = "ORBIT_DATA_DIR"
	userAgentEnv  = "ORBIT_USER_AGENT"

	streamKeyEnv    = "ALPACA_API_KEY"
	streamSecretEnv = "ALPACA_API_SECRET"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Data       DataConfig       `yaml:"data"`
	Stream     StreamConfig     `yaml:"stream"`
	Backfill   BackfillConfig   `yaml:"backfill"`
	Social     SocialConfig     `yaml:"social"`
	Prices     PricesConfig     `yaml:"prices"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Sentiment  SentimentConfig  `yaml:"sentiment"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// LoggingConfig controls the slog level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Duration parses YAML values like "5m" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DataConfig describes the partitioned storage root.
type DataConfig struct {
	Dir       string `yaml:"dir"`
	UserAgent string `yaml:"userAgent"`
}

// StreamConfig drives the news WebSocket client.
type StreamConfig struct {
	URL                  string   `yaml:"url"`
	Symbols              []string `yaml:"symbols"`
	FlushSize            int      `yaml:"flushSize"`
	FlushInterval        Duration `yaml:"flushInterval"`
	PingInterval         Duration `yaml:"pingInterval"`
	MaxReconnectAttempts int      `yaml:"maxReconnectAttempts"`
	BackoffBase          Duration `yaml:"backoffBase"`
	BackoffMax           Duration `yaml:"backoffMax"`
	BackoffFactor        float64  `yaml:"backoffFactor"`
	APIKey               string   `yaml:"-"`
	APISecret            string   `yaml:"-"`
}

// BackfillConfig drives the historical news REST fetcher.
type BackfillConfig struct {
	BaseURL            string   `yaml:"baseUrl"`
	Symbols            []string `yaml:"symbols"`
	PageSize           int      `yaml:"pageSize"`
	TargetRPM          int      `yaml:"targetRpm"`
	CheckpointInterval int      `yaml:"checkpointInterval"`
	MaxRetryAttempts   int      `yaml:"maxRetryAttempts"`
	CredentialPrefix   string   `yaml:"credentialPrefix"`
}

// SocialConfig drives the historical social REST fetcher.
type SocialConfig struct {
	BaseURL            string   `yaml:"baseUrl"`
	Subreddits         []string `yaml:"subreddits"`
	PageLimit          int      `yaml:"pageLimit"`
	TargetRPS          float64  `yaml:"targetRps"`
	CheckpointInterval int      `yaml:"checkpointInterval"`
	MaxRetryAttempts   int      `yaml:"maxRetryAttempts"`
}

// PricesConfig drives the polled daily-bar fetcher.
type PricesConfig struct {
	BaseURL     string   `yaml:"baseUrl"`
	Symbols     []string `yaml:"symbols"`
	PoliteDelay Duration `yaml:"politeDelay"`
	Retries     int      `yaml:"retries"`
}

// SourcePreprocess holds per-source dedupe tuning. Defaults are shared;
// whether news and social should diverge is an owner decision.
type SourcePreprocess struct {
	HammingThreshold int `yaml:"hammingThreshold"`
	WindowDays       int `yaml:"windowDays"`
}

// PreprocessConfig drives the cutoff + dedupe + novelty stage.
type PreprocessConfig struct {
	CutoffHour      int              `yaml:"cutoffHour"`
	CutoffMinute    int              `yaml:"cutoffMinute"`
	Timezone        string           `yaml:"timezone"`
	SafetyLagMin    int              `yaml:"safetyLagMinutes"`
	Training        bool             `yaml:"training"`
	FingerprintBits int              `yaml:"fingerprintBits"`
	News            SourcePreprocess `yaml:"news"`
	Social          SourcePreprocess `yaml:"social"`
	location        *time.Location   `yaml:"-"`
}

// Location resolves the exchange timezone string to a time.Location.
func (p PreprocessConfig) Location() *time.Location {
	if p.location != nil {
		return p.location
	}
	loc, _ := time.LoadLocation(exchangeTZ)
	return loc
}

// SentimentConfig drives the batched LLM scorer and its credential pool.
type SentimentConfig struct {
	Endpoint         string  `yaml:"endpoint"`
	Model            string  `yaml:"model"`
	BatchSize        int     `yaml:"batchSize"`
	CredentialPrefix string  `yaml:"credentialPrefix"`
	QuotaRPD         int     `yaml:"quotaRpd"`
	SafetyMargin     float64 `yaml:"safetyMargin"`
	ResetTimezone    string  `yaml:"resetTimezone"`
	Strategy         string  `yaml:"strategy"`
}

// SchedulerConfig defines when the daily pipeline should run.
type SchedulerConfig struct {
	CronExpression string         `yaml:"cronExpression"`
	Timezone       string         `yaml:"timezone"`
	location       *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// Load reads YAML configuration (if present) and applies environment
// overrides. A .env file in the working directory is loaded first so that
// numbered credential variables behave the same in dev and production.
func Load() Config {
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezones()

	return cfg
}

// ValidateStreamCredentials fails fast, naming the exact variables, before
// any network activity.
func (c *Config) ValidateStreamCredentials() error {
	if c.Stream.APIKey == "" || c.Stream.APISecret == "" {
		return fmt.Errorf(
			"streaming credentials not found: set %s and %s in the environment or .env",
			streamKeyEnv, streamSecretEnv,
		)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(dataDirEnv); v != "" {
		c.Data.Dir = v
	}
	if v := os.Getenv(userAgentEnv); v != "" {
		c.Data.UserAgent = v
	}
	c.Stream.APIKey = os.Getenv(streamKeyEnv)
	c.Stream.APISecret = os.Getenv(streamSecretEnv)
}

func (c *Config) bindTimezones() {
	c.Scheduler.location = loadLocation(c.Scheduler.Timezone, defaultTimezone)
	c.Preprocess.location = loadLocation(c.Preprocess.Timezone, exchangeTZ)
}

func loadLocation(tz, fallback string) *time.Location {
	if tz == "" {
		tz = fallback
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, fallback)
		loc, _ = time.LoadLocation(fallback)
	}
	return loc
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging = override.Logging
	}

	if override.Data.Dir != "" {
		base.Data.Dir = override.Data.Dir
	}
	if override.Data.UserAgent != "" {
		base.Data.UserAgent = override.Data.UserAgent
	}

	if override.Stream.URL != "" {
		base.Stream.URL = override.Stream.URL
	}
	if len(override.Stream.Symbols) > 0 {
		base.Stream.Symbols = override.Stream.Symbols
	}
	if override.Stream.FlushSize > 0 {
		base.Stream.FlushSize = override.Stream.FlushSize
	}
	if override.Stream.FlushInterval > 0 {
		base.Stream.FlushInterval = override.Stream.FlushInterval
	}
	if override.Stream.PingInterval > 0 {
		base.Stream.PingInterval = override.Stream.PingInterval
	}
	if override.Stream.MaxReconnectAttempts > 0 {
		base.Stream.MaxReconnectAttempts = override.Stream.MaxReconnectAttempts
	}
	if override.Stream.BackoffBase > 0 {
		base.Stream.BackoffBase = override.Stream.BackoffBase
	}
	if override.Stream.BackoffMax > 0 {
		base.Stream.BackoffMax = override.Stream.BackoffMax
	}
	if override.Stream.BackoffFactor > 0 {
		base.Stream.BackoffFactor = override.Stream.BackoffFactor
	}

	if override.Backfill.BaseURL != "" {
		base.Backfill.BaseURL = override.Backfill.BaseURL
	}
	if len(override.Backfill.Symbols) > 0 {
		base.Backfill.Symbols = override.Backfill.Symbols
	}
	if override.Backfill.PageSize > 0 {
		base.Backfill.PageSize = override.Backfill.PageSize
	}
	if override.Backfill.TargetRPM > 0 {
		base.Backfill.TargetRPM = override.Backfill.TargetRPM
	}
	if override.Backfill.CheckpointInterval > 0 {
		base.Backfill.CheckpointInterval = override.Backfill.CheckpointInterval
	}
	if override.Backfill.MaxRetryAttempts > 0 {
		base.Backfill.MaxRetryAttempts = override.Backfill.MaxRetryAttempts
	}
	if override.Backfill.CredentialPrefix != "" {
		base.Backfill.CredentialPrefix = override.Backfill.CredentialPrefix
	}

	if override.Social.BaseURL != "" {
		base.Social.BaseURL = override.Social.BaseURL
	}
	if len(override.Social.Subreddits) > 0 {
		base.Social.Subreddits = override.Social.Subreddits
	}
	if override.Social.PageLimit > 0 {
		base.Social.PageLimit = override.Social.PageLimit
	}
	if override.Social.TargetRPS > 0 {
		base.Social.TargetRPS = override.Social.TargetRPS
	}
	if override.Social.CheckpointInterval > 0 {
		base.Social.CheckpointInterval = override.Social.CheckpointInterval
	}
	if override.Social.MaxRetryAttempts > 0 {
		base.Social.MaxRetryAttempts = override.Social.MaxRetryAttempts
	}

	if override.Prices.BaseURL != "" {
		base.Prices.BaseURL = override.Prices.BaseURL
	}
	if len(override.Prices.Symbols) > 0 {
		base.Prices.Symbols = override.Prices.Symbols
	}
	if override.Prices.PoliteDelay > 0 {
		base.Prices.PoliteDelay = override.Prices.PoliteDelay
	}
	if override.Prices.Retries > 0 {
		base.Prices.Retries = override.Prices.Retries
	}

	if override.Preprocess.CutoffHour > 0 {
		base.Preprocess.CutoffHour = override.Preprocess.CutoffHour
	}
	if override.Preprocess.CutoffMinute > 0 {
		base.Preprocess.CutoffMinute = override.Preprocess.CutoffMinute
	}
	if override.Preprocess.Timezone != "" {
		base.Preprocess.Timezone = override.Preprocess.Timezone
	}
	if override.Preprocess.SafetyLagMin > 0 {
		base.Preprocess.SafetyLagMin = override.Preprocess.SafetyLagMin
	}
	if override.Preprocess.FingerprintBits > 0 {
		base.Preprocess.FingerprintBits = override.Preprocess.FingerprintBits
	}
	if override.Preprocess.News.HammingThreshold > 0 {
		base.Preprocess.News.HammingThreshold = override.Preprocess.News.HammingThreshold
	}
	if override.Preprocess.News.WindowDays > 0 {
		base.Preprocess.News.WindowDays = override.Preprocess.News.WindowDays
	}
	if override.Preprocess.Social.HammingThreshold > 0 {
		base.Preprocess.Social.HammingThreshold = override.Preprocess.Social.HammingThreshold
	}
	if override.Preprocess.Social.WindowDays > 0 {
		base.Preprocess.Social.WindowDays = override.Preprocess.Social.WindowDays
	}

	if override.Sentiment.Endpoint != "" {
		base.Sentiment.Endpoint = override.Sentiment.Endpoint
	}
	if override.Sentiment.Model != "" {
		base.Sentiment.Model = override.Sentiment.Model
	}
	if override.Sentiment.BatchSize > 0 {
		base.Sentiment.BatchSize = override.Sentiment.BatchSize
	}
	if override.Sentiment.CredentialPrefix != "" {
		base.Sentiment.CredentialPrefix = override.Sentiment.CredentialPrefix
	}
	if override.Sentiment.QuotaRPD > 0 {
		base.Sentiment.QuotaRPD = override.Sentiment.QuotaRPD
	}
	if override.Sentiment.SafetyMargin > 0 {
		base.Sentiment.SafetyMargin = override.Sentiment.SafetyMargin
	}
	if override.Sentiment.ResetTimezone != "" {
		base.Sentiment.ResetTimezone = override.Sentiment.ResetTimezone
	}
	if override.Sentiment.Strategy != "" {
		base.Sentiment.Strategy = override.Sentiment.Strategy
	}

	if override.Scheduler.CronExpression != "" {
		base.Scheduler.CronExpression = override.Scheduler.CronExpression
	}
	if override.Scheduler.Timezone != "" {
		base.Scheduler.Timezone = override.Scheduler.Timezone
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Data: DataConfig{
			Dir:       "data",
			UserAgent: "orbit/1.0 (market data research)",
		},
		Stream: StreamConfig{
			URL:                  "wss://stream.data.alpaca.markets/v1beta1/news",
			Symbols:              []string{"SPY", "VOO"},
			FlushSize:            100,
			FlushInterval:        Duration(5 * time.Minute),
			PingInterval:         Duration(30 * time.Second),
			MaxReconnectAttempts: 5,
			BackoffBase:          Duration(500 * time.Millisecond),
			BackoffMax:           Duration(10 * time.Second),
			BackoffFactor:        2.0,
		},
		Backfill: BackfillConfig{
			BaseURL:            "https://data.alpaca.markets/v1beta1/news",
			Symbols:            []string{"SPY", "VOO"},
			PageSize:           50,
			TargetRPM:          190,
			CheckpointInterval: 100,
			MaxRetryAttempts:   5,
			CredentialPrefix:   "ALPACA_API_KEY",
		},
		Social: SocialConfig{
			BaseURL:            "https://arctic-shift.photon-reddit.com/api/posts/search",
			Subreddits:         []string{"stocks", "investing", "wallstreetbets"},
			PageLimit:          25,
			TargetRPS:          3.5,
			CheckpointInterval: 100,
			MaxRetryAttempts:   5,
		},
		Prices: PricesConfig{
			BaseURL:     "https://stooq.com/q/d/l/",
			Symbols:     []string{"SPY.US", "VOO.US", "^SPX"},
			PoliteDelay: Duration(time.Second),
			Retries:     3,
		},
		Preprocess: PreprocessConfig{
			CutoffHour:      15,
			CutoffMinute:    30,
			Timezone:        exchangeTZ,
			SafetyLagMin:    30,
			Training:        true,
			FingerprintBits: 64,
			News:            SourcePreprocess{HammingThreshold: 3, WindowDays: 7},
			Social:          SourcePreprocess{HammingThreshold: 3, WindowDays: 7},
		},
		Sentiment: SentimentConfig{
			Endpoint:         "https://generativelanguage.googleapis.com/v1beta/models",
			Model:            "gemini-2.0-flash",
			BatchSize:        200,
			CredentialPrefix: "GEMINI_API_KEY",
			QuotaRPD:         200,
			SafetyMargin:     0.95,
			ResetTimezone:    "US/Pacific",
			Strategy:         "round_robin",
		},
		Scheduler: SchedulerConfig{CronExpression: "0 16 * * 1-5", Timezone: exchangeTZ},
	}
}

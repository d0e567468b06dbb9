package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     RetryConfig     `yaml:"retry"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Contacts  ContactsConfig  `yaml:"contacts"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Triggers  TriggersConfig  `yaml:"triggers"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Kafka     KafkaConfig     `yaml:"kafka"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on (default true).
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Type            string `yaml:"type"` // "postgres" or "memory"
	DatabaseURL     string `yaml:"database_url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
	MigrationsDir   string `yaml:"migrations_dir"`
}

// UsesPostgres reports whether the postgres backend is selected.
func (c StorageConfig) UsesPostgres() bool {
	return c.Type == "postgres"
}

// RedisConfig holds the optional Redis connection used for locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SchedulerConfig tunes the lease-claim loop.
type SchedulerConfig struct {
	WorkerID            string `yaml:"worker_id"`
	Workers             int    `yaml:"workers"`
	BatchSize           int    `yaml:"batch_size"`
	PollIntervalMS      int    `yaml:"poll_interval_ms"`
	LeaseSeconds        int    `yaml:"lease_seconds"`
	ShutdownWaitSeconds int    `yaml:"shutdown_wait_seconds"`
}

// PollInterval returns the claim poll interval.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Lease returns the task lease duration.
func (c SchedulerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// ShutdownWait bounds how long Stop waits for in-flight dispatches.
func (c SchedulerConfig) ShutdownWait() time.Duration {
	return time.Duration(c.ShutdownWaitSeconds) * time.Second
}

// RetryConfig is the dispatch retry policy.
type RetryConfig struct {
	MaxAttempts      int  `yaml:"max_attempts"`
	BaseDelaySeconds int  `yaml:"base_delay_seconds"`
	MaxDelaySeconds  int  `yaml:"max_delay_seconds"`
	Jitter           bool `yaml:"jitter"`
}

// BaseDelay returns the first retry delay.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds) * time.Second
}

// MaxDelay returns the backoff cap.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// ChannelsConfig holds provider credentials and timeouts per channel.
type ChannelsConfig struct {
	Email ProviderConfig `yaml:"email"`
	SMS   ProviderConfig `yaml:"sms"`
	Voice ProviderConfig `yaml:"voice"`
}

// ProviderConfig is the credential/integration record for one channel.
type ProviderConfig struct {
	Provider       string `yaml:"provider"` // ses, sendgrid, twilio
	AccountID      string `yaml:"account_id"`
	APIKey         string `yaml:"api_key"`
	Secret         string `yaml:"secret"`
	Region         string `yaml:"region"`
	From           string `yaml:"from"`
	FromName       string `yaml:"from_name"`
	DefaultRegion  string `yaml:"default_region"` // phone number region, e.g. "US"
	StatusCallback string `yaml:"status_callback"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the provider call timeout as a Duration
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ContactsConfig points at the external contact store.
type ContactsConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
	EventsTopic    string `yaml:"events_topic"`
	ConsumerGroup  string `yaml:"consumer_group"`
}

// Timeout returns the contact store HTTP timeout.
func (c ContactsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LedgerConfig controls ledger change notifications.
type LedgerConfig struct {
	Topic string `yaml:"topic"`
	// Transport is "gochannel" (in-process) or "kafka".
	Transport string `yaml:"transport"`
}

// AnalyticsConfig controls the aggregator.
type AnalyticsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // "streaming" or "batch"
	IntervalSeconds int    `yaml:"interval_seconds"`
	BatchSize       int    `yaml:"batch_size"`
	LockTTLSeconds  int    `yaml:"lock_ttl_seconds"`
}

// Interval returns the batch catch-up interval.
func (c AnalyticsConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// LockTTL returns the single-runner lock TTL.
func (c AnalyticsConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// TriggersConfig controls trigger evaluation.
type TriggersConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SweepCron string `yaml:"sweep_cron"`
}

// TrackingConfig holds engagement tracking settings.
type TrackingConfig struct {
	BaseURL     string `yaml:"base_url"`
	SigningKey  string `yaml:"signing_key"`
	SQSQueueURL string `yaml:"sqs_queue_url"`
	SQSRegion   string `yaml:"sqs_region"`
	Port        int    `yaml:"port"`
}

// KafkaConfig holds broker settings shared by the watermill Kafka transports.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// Enabled reports whether any brokers are configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := base()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied, for binaries
// started without a config file.
func Default() *Config {
	cfg := base()
	cfg.applyDefaults()
	return cfg
}

// base holds the defaults yaml cannot express as zero values. Keys present
// in the file override them.
func base() *Config {
	return &Config{
		Analytics: AnalyticsConfig{Enabled: true},
		Triggers:  TriggersConfig{Enabled: true},
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "memory"
	}
	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = 25
	}
	if cfg.Storage.MaxIdleConns == 0 {
		cfg.Storage.MaxIdleConns = 5
	}
	if cfg.Storage.ConnMaxLifetime == 0 {
		cfg.Storage.ConnMaxLifetime = 5
	}
	if cfg.Storage.MigrationsDir == "" {
		cfg.Storage.MigrationsDir = "migrations"
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = 4
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 20
	}
	if cfg.Scheduler.PollIntervalMS == 0 {
		cfg.Scheduler.PollIntervalMS = 1000
	}
	if cfg.Scheduler.LeaseSeconds == 0 {
		cfg.Scheduler.LeaseSeconds = 60
	}
	if cfg.Scheduler.ShutdownWaitSeconds == 0 {
		cfg.Scheduler.ShutdownWaitSeconds = 30
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelaySeconds == 0 {
		cfg.Retry.BaseDelaySeconds = 30
	}
	if cfg.Retry.MaxDelaySeconds == 0 {
		cfg.Retry.MaxDelaySeconds = 1800
	}
	if cfg.Channels.Email.Provider == "" {
		cfg.Channels.Email.Provider = "ses"
	}
	if cfg.Channels.Email.Region == "" {
		cfg.Channels.Email.Region = "us-west-2"
	}
	if cfg.Channels.Email.TimeoutSeconds == 0 {
		cfg.Channels.Email.TimeoutSeconds = 15
	}
	if cfg.Channels.SMS.Provider == "" {
		cfg.Channels.SMS.Provider = "twilio"
	}
	if cfg.Channels.SMS.TimeoutSeconds == 0 {
		cfg.Channels.SMS.TimeoutSeconds = 10
	}
	if cfg.Channels.Voice.Provider == "" {
		cfg.Channels.Voice.Provider = "twilio"
	}
	if cfg.Channels.Voice.TimeoutSeconds == 0 {
		cfg.Channels.Voice.TimeoutSeconds = 45
	}
	for _, p := range []*ProviderConfig{&cfg.Channels.SMS, &cfg.Channels.Voice} {
		if p.DefaultRegion == "" {
			p.DefaultRegion = "US"
		}
	}
	if cfg.Contacts.TimeoutSeconds == 0 {
		cfg.Contacts.TimeoutSeconds = 10
	}
	if cfg.Contacts.MaxRetries == 0 {
		cfg.Contacts.MaxRetries = 3
	}
	if cfg.Contacts.EventsTopic == "" {
		cfg.Contacts.EventsTopic = "contacts.events"
	}
	if cfg.Contacts.ConsumerGroup == "" {
		cfg.Contacts.ConsumerGroup = "outreach-triggers"
	}
	if cfg.Ledger.Topic == "" {
		cfg.Ledger.Topic = "outreach.events"
	}
	if cfg.Ledger.Transport == "" {
		cfg.Ledger.Transport = "gochannel"
	}
	if cfg.Analytics.Mode == "" {
		cfg.Analytics.Mode = "streaming"
	}
	if cfg.Analytics.IntervalSeconds == 0 {
		cfg.Analytics.IntervalSeconds = 30
	}
	if cfg.Analytics.BatchSize == 0 {
		cfg.Analytics.BatchSize = 500
	}
	if cfg.Analytics.LockTTLSeconds == 0 {
		cfg.Analytics.LockTTLSeconds = 120
	}
	if cfg.Triggers.SweepCron == "" {
		cfg.Triggers.SweepCron = "@every 1h"
	}
	if cfg.Tracking.Port == 0 {
		cfg.Tracking.Port = 8081
	}
	if cfg.Tracking.SQSRegion == "" {
		cfg.Tracking.SQSRegion = cfg.Channels.Email.Region
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
// A missing config file is not an error; defaults are used instead.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}

	// Database override (critical for ECS deployment where config.yaml has local defaults)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Storage.DatabaseURL = dbURL
		cfg.Storage.Type = "postgres"
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WORKER_ID"); v != "" {
		cfg.Scheduler.WorkerID = v
	}

	// Provider credentials
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Channels.Email.AccountID = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Channels.Email.Secret = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Channels.Email.Region = v
	}
	if v := os.Getenv("SENDGRID_API_KEY"); v != "" {
		cfg.Channels.Email.APIKey = v
	}
	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
		cfg.Channels.SMS.AccountID = sid
		cfg.Channels.Voice.AccountID = sid
	}
	if token := os.Getenv("TWILIO_AUTH_TOKEN"); token != "" {
		cfg.Channels.SMS.Secret = token
		cfg.Channels.Voice.Secret = token
	}
	if v := os.Getenv("TWILIO_FROM_NUMBER"); v != "" {
		cfg.Channels.SMS.From = v
		cfg.Channels.Voice.From = v
	}

	if v := os.Getenv("CONTACTS_BASE_URL"); v != "" {
		cfg.Contacts.BaseURL = v
	}
	if v := os.Getenv("CONTACTS_API_KEY"); v != "" {
		cfg.Contacts.APIKey = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("TRACKING_SIGNING_KEY"); v != "" {
		cfg.Tracking.SigningKey = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("SQS_TRACKING_QUEUE_URL"); v != "" {
		cfg.Tracking.SQSQueueURL = v
	}

	return cfg, nil
}

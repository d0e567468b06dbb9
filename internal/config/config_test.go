package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

storage:
  type: "postgres"
  database_url: "postgres://localhost/outreach"

scheduler:
  workers: 8
  lease_seconds: 90

retry:
  max_attempts: 5

channels:
  email:
    provider: sendgrid
    from: "care@clinic.example"
  voice:
    timeout_seconds: 60

kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.True(t, cfg.Storage.UsesPostgres())
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.Lease())
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "sendgrid", cfg.Channels.Email.Provider)
	assert.Equal(t, 60*time.Second, cfg.Channels.Voice.Timeout())
	assert.True(t, cfg.Kafka.Enabled())

	// Defaults fill what the file leaves out.
	assert.Equal(t, 20, cfg.Scheduler.BatchSize)
	assert.Equal(t, 15*time.Second, cfg.Channels.Email.Timeout())
	assert.Equal(t, 10*time.Second, cfg.Channels.SMS.Timeout())
	assert.Equal(t, "US", cfg.Channels.SMS.DefaultRegion)
	assert.Equal(t, "outreach.events", cfg.Ledger.Topic)
	assert.True(t, cfg.Analytics.Enabled)
	assert.True(t, cfg.Triggers.Enabled)
}

func TestLoad_DisablesLoops(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("analytics:\n  enabled: false\ntriggers:\n  enabled: false\n"), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.False(t, cfg.Analytics.Enabled)
	assert.False(t, cfg.Triggers.Enabled)
	assert.Equal(t, 500, cfg.Analytics.BatchSize)
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.Lease())
	assert.Equal(t, time.Second, cfg.Scheduler.PollInterval())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Retry.BaseDelay())
	assert.Equal(t, 30*time.Minute, cfg.Retry.MaxDelay())
	assert.Equal(t, 45*time.Second, cfg.Channels.Voice.Timeout())
	assert.Greater(t, cfg.Channels.Voice.Timeout(), cfg.Channels.Email.Timeout())
	assert.Equal(t, "streaming", cfg.Analytics.Mode)
	assert.Equal(t, "@every 1h", cfg.Triggers.SweepCron)
	assert.True(t, cfg.Log.Redact())
	assert.False(t, cfg.Kafka.Enabled())
}

func TestLoadInvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0644)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/outreach")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, "postgres://db/outreach", cfg.Storage.DatabaseURL)
	assert.Equal(t, "AC123", cfg.Channels.SMS.AccountID)
	assert.Equal(t, "AC123", cfg.Channels.Voice.AccountID)
	assert.Equal(t, "secret", cfg.Channels.Voice.Secret)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LOG_LEVEL", "DATABASE_URL", "DATA_DIR", "REDIS_URL", "NATS_URL", "ALERT_SUBJECT",
		"EVIDENCE_BLOB_STORAGE", "EVIDENCE_BLOB_BUCKET", "KEYSTORE_PATH", "WORKER_CONCURRENCY",
		"JOB_MAX_ATTEMPTS", "JOB_BACKOFF", "JOB_VISIBILITY_TIMEOUT", "SCHEDULER_INTERVAL", "RETRY_MAX_ATTEMPTS",
		"RETRY_BASE_DELAY", "BREAKER_THRESHOLD", "BREAKER_RESET_TIMEOUT", "METRICS_ADDR",
	} {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies that Load() returns the documented defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "fs", cfg.BlobType)
	assert.Equal(t, filepath.Join("data", "keystore.json"), cfg.KeystorePath)
	assert.Equal(t, 3, cfg.JobMaxAttempts)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerResetTimeout)
	assert.Equal(t, "assure.alerts", cfg.AlertSubject)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("BREAKER_RESET_TIMEOUT", "30s")
	t.Setenv("EVIDENCE_BLOB_STORAGE", "s3")
	t.Setenv("EVIDENCE_BLOB_BUCKET", "evidence")

	cfg := config.Load()

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, 16, cfg.WorkerConcurrency)
	assert.Equal(t, 30*time.Second, cfg.BreakerResetTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKER_CONCURRENCY", "many")
	t.Setenv("JOB_BACKOFF", "soon")

	cfg := config.Load()

	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 2*time.Second, cfg.JobBackoff)
	assert.Equal(t, 10*time.Minute, cfg.JobVisibility)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKER_CONCURRENCY", "0")
	t.Setenv("EVIDENCE_BLOB_STORAGE", "gcs")
	t.Setenv("LOG_LEVEL", "chatty")

	err := config.Load().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_CONCURRENCY")
	assert.Contains(t, err.Error(), "EVIDENCE_BLOB_BUCKET")
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestLoadControls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controls.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
framework: soc2
controls:
  - id: CC6.1
    title: Encryption at rest
    frequency: DAILY
    collector: aws/s3_encryption
  - id: CC8.1
    title: Change management
    frequency: WEEKLY
`), 0o600))

	controls, err := config.LoadControls(path)
	require.NoError(t, err)
	require.Len(t, controls, 2)
	assert.Equal(t, "CC6.1", controls[0].ID)
	assert.Equal(t, compliance.FrequencyDaily, controls[0].Frequency)
	assert.Equal(t, "aws/s3_encryption", controls[0].Collector)
}

func TestLoadControls_RejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controls.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
controls:
  - {id: CC6.1, frequency: DAILY}
  - {id: CC6.1, frequency: WEEKLY}
`), 0o600))

	_, err := config.LoadControls(path)
	assert.ErrorContains(t, err, "duplicate")
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	Reset()
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5, cfg.Record.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Record.TTL)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Retry.AttemptTimeout)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, int64(50), cfg.Governance.MaxDailyGenerations)
	assert.Equal(t, int64(5_000_000), cfg.Governance.MaxMonthlyTokens)
	assert.InDelta(t, 0.0007, cfg.Governance.CostPer1KTokens, 1e-12)
	assert.Equal(t, time.Hour, cfg.Worker.ReconcileInterval)
	assert.Equal(t, 10, cfg.Lock.RetryCount)
	assert.Equal(t, []string{"localhost:6379"}, cfg.LockAddrs())
}

func TestLoad_EnvOverrides(t *testing.T) {
	Reset()
	t.Setenv("MULTIAGENT_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("MULTIAGENT_RETRY_BASE_DELAY", "500ms")
	t.Setenv("MULTIAGENT_GOVERNANCE_MAX_DAILY_GENERATIONS", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, int64(3), cfg.Governance.MaxDailyGenerations)
}

func TestLoad_File(t *testing.T) {
	Reset()
	path := filepath.Join(t.TempDir(), "multiagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
lock:
  addrs: ["a:6379", "b:6379", "c:6379"]
ledger:
  driver: pgx
  dsn: postgres://u:p@localhost/ledger
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:6379", "b:6379", "c:6379"}, cfg.LockAddrs())
	assert.Equal(t, "pgx", cfg.Ledger.Driver)
}

func TestValidate_RejectsUnknownLedgerDriver(t *testing.T) {
	Reset()
	t.Setenv("MULTIAGENT_LEDGER_DRIVER", "mongo")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported ledger driver")
}

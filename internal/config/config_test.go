package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithSQLite(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("QUEUE_TIMEZONE", "UTC")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5, cfg.AverageServiceMinutes)
	assert.Equal(t, 3, cfg.AllocationAttempts)
	assert.True(t, cfg.SingleActivePerCounter)
	assert.Equal(t, 500*time.Millisecond, cfg.RelayInterval)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_driver: postgres
db_dsn: postgres://file/hq
average_service_minutes: 7
single_active_per_counter: false
relay_interval: 2s
queue_timezone: Asia/Jakarta
`), 0o600))
	clearEnv(t)
	t.Setenv("AVERAGE_SERVICE_MINUTES", "9")
	t.Setenv("RELAY_INTERVAL_MS", "250")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/hq", cfg.DatabaseURL)
	assert.Equal(t, 9, cfg.AverageServiceMinutes)
	assert.False(t, cfg.SingleActivePerCounter)
	assert.Equal(t, 250*time.Millisecond, cfg.RelayInterval)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Jakarta", loc.String())
}

func TestLoadRejectsUnitlessDurations(t *testing.T) {
	clearEnv(t)
	for _, body := range []string{"relay_interval: 500\n", "cache_ttl: 2\n", "cache_ttl: 1.5\n"} {
		path := filepath.Join(t.TempDir(), "hq.yaml")
		require.NoError(t, os.WriteFile(path, []byte("store_driver: sqlite\n"+body), 0o600))
		_, err := Load(path)
		assert.ErrorContains(t, err, "has no unit", body)
	}

	path := filepath.Join(t.TempDir(), "hq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store_driver: sqlite\nqueue_timezone: UTC\nrelay_interval: 750ms\ncache_ttl: 3s\n"), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.RelayInterval)
	assert.Equal(t, 3*time.Second, cfg.CacheTTL)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("RATE_LIMIT_BURST", "lots")
	t.Setenv("SINGLE_ACTIVE_PER_COUNTER", "maybe")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.RateLimitBurst)
	assert.True(t, cfg.SingleActivePerCounter)
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.DatabaseURL = ""
	assert.Error(t, cfg.Validate())

	cfg.StoreDriver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg.StoreDriver = "sqlite"
	cfg.Timezone = "Mars/Olympus"
	assert.Error(t, cfg.Validate())
}

func clearEnv(t *testing.T) {
	for _, key := range []string{"PORT", "STORE_DRIVER", "DB_DSN", "QUEUE_TIMEZONE", "AVERAGE_SERVICE_MINUTES",
		"SINGLE_ACTIVE_PER_COUNTER", "RELAY_INTERVAL_MS", "CACHE_TTL_SECONDS", "RATE_LIMIT_BURST"} {
		t.Setenv(key, "")
	}
}

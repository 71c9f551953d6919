package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "test.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, 10, cfg.QueueBatchSize)
	assert.Equal(t, 3, cfg.QueueMaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.QueueClaimTimeout)
	assert.Equal(t, 72*time.Hour, cfg.LogRetention)
	assert.Equal(t, 2*time.Second, cfg.PresenceInterval)
	assert.Equal(t, 30*time.Second, cfg.PresenceRefresh)
	assert.Equal(t, 30*time.Second, cfg.TaskCacheTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/crm")
	t.Setenv("EVOLUTION_API_URL", "https://bridge.example.com/")
	t.Setenv("QUEUE_POLL_INTERVAL", "5s")
	t.Setenv("WEBHOOK_DEFER_PROCESSING", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://bridge.example.com", cfg.EvolutionAPIURL)
	assert.Equal(t, 5*time.Second, cfg.QueuePollInterval)
	assert.True(t, cfg.WebhookDeferProcessing)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	assert.Error(t, err)
}

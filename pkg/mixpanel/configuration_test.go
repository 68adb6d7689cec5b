package mixpanel_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/mixpanel/pkg/mixpanel"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/config"
	mperrors "github.com/randalmurphal/mixpanel/pkg/mixpanel/errors"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/transport"
)

func TestDefaultConfiguration(t *testing.T) {
	cfg := mixpanel.DefaultConfiguration()

	assert.Equal(t, transport.DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.True(t, cfg.AutoFlush)
	assert.Equal(t, time.Minute, cfg.FlushInterval)
	assert.Equal(t, 10000, cfg.MaxQueueSize)
	assert.Equal(t, mixpanel.DefaultStoragePath, cfg.StoragePath)
	assert.Equal(t, mperrors.DefaultRetry.MaxAttempts, cfg.Retry.MaxAttempts)
}

func TestConfigurationFrom_YAML(t *testing.T) {
	c, err := config.FromYAML([]byte(`
token: abc
server_url: https://eu.example.com
batch_size: 20
auto_flush: false
flush_interval: 30s
flush_at: 100
max_queue_size: 500
request_timeout: 5s
gzip: true
park_after: 5
max_backoff: 2m
storage_path: /var/lib/app/mp.db
retry_attempts: 4
`))
	require.NoError(t, err)

	cfg := mixpanel.ConfigurationFrom(c)
	assert.Equal(t, "abc", cfg.Token)
	assert.Equal(t, "https://eu.example.com", cfg.ServerURL)
	assert.Equal(t, 20, cfg.BatchSize)
	assert.False(t, cfg.AutoFlush)
	assert.Equal(t, 30*time.Second, cfg.FlushInterval)
	assert.Equal(t, 100, cfg.FlushAt)
	assert.Equal(t, 500, cfg.MaxQueueSize)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.Gzip)
	assert.Equal(t, 5, cfg.ParkAfter)
	assert.Equal(t, 2*time.Minute, cfg.MaxBackoff)
	assert.Equal(t, "/var/lib/app/mp.db", cfg.StoragePath)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
}

func TestConfigurationFrom_EnvStrings(t *testing.T) {
	c, err := config.FromDotenv([]byte("MIXPANEL_TOKEN=envtok\nMIXPANEL_BATCH_SIZE=10\nMIXPANEL_AUTO_FLUSH=false\nMIXPANEL_FLUSH_INTERVAL=15\n"), "MIXPANEL_")
	require.NoError(t, err)

	cfg := mixpanel.ConfigurationFrom(c)
	assert.Equal(t, "envtok", cfg.Token)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.False(t, cfg.AutoFlush)
	assert.Equal(t, 15*time.Second, cfg.FlushInterval)
}

func TestConfigurationFrom_Empty(t *testing.T) {
	cfg := mixpanel.ConfigurationFrom(config.New(nil))
	assert.Equal(t, mixpanel.DefaultConfiguration(), cfg)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/ws", cfg.Realtime.WSPath)
	assert.Equal(t, 5*time.Second, cfg.Realtime.ReconnectDelay)
	assert.Equal(t, 4*time.Second, cfg.Realtime.HeartbeatOutgoing)
	assert.Equal(t, 4*time.Second, cfg.Realtime.HeartbeatIncoming)
	assert.Equal(t, 15*time.Second, cfg.Telemetry.ProgressInterval)
	assert.Equal(t, 7, cfg.Credentials.TTLDays)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://films.local:9000/")
	t.Setenv("REALTIME_RECONNECT_DELAY", "2500")
	t.Setenv("REALTIME_HEARTBEAT_OUTGOING", "10s")
	t.Setenv("REDIS_MIRROR_ENABLED", "true")
	t.Setenv("TELEMETRY_QUEUE_SIZE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://films.local:9000", cfg.API.BaseURL)
	assert.Equal(t, 2500*time.Millisecond, cfg.Realtime.ReconnectDelay)
	assert.Equal(t, 10*time.Second, cfg.Realtime.HeartbeatOutgoing)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 64, cfg.Telemetry.QueueSize)
}

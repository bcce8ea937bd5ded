package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-realtime-client/infra/store"
	"github.com/webitel/im-realtime-client/internal/domain/model"
	"github.com/webitel/im-realtime-client/internal/transport"
)

const testYAML = `
realtime:
  url: wss://rt.example.com/ws
  reconnect_interval: 2s
  max_reconnect_attempts: 5
  max_queue_size: 50
store:
  driver: sqlite
  path: /tmp/rtc.db
log:
  level: info
channels:
  - chat
  - Alerts
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testYAML))
	require.NoError(t, err)

	assert.Equal(t, "wss://rt.example.com/ws", cfg.Realtime.Transport.URL)
	assert.Equal(t, 2*time.Second, cfg.Realtime.Transport.ReconnectInterval)
	assert.Equal(t, transport.DefaultMaxReconnectInterval, cfg.Realtime.Transport.MaxReconnectInterval)
	assert.Equal(t, 5, cfg.Realtime.Transport.MaxReconnectAttempts)
	assert.True(t, cfg.Realtime.Transport.Reconnect)
	assert.Equal(t, 50, cfg.Realtime.MaxQueueSize)
	assert.Equal(t, store.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, []model.ChannelID{model.ChannelChat, model.ChannelAlerts}, cfg.ParsedChannels())
	assert.Equal(t, slog.LevelInfo, cfg.Log.SlogLevel())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("RTC_REALTIME_URL", "ws://env.example.com/ws")
	t.Setenv("RTC_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(writeConfig(t, testYAML))
	require.NoError(t, err)
	assert.Equal(t, "ws://env.example.com/ws", cfg.Realtime.Transport.URL)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
}

func TestDefaultsWithoutFile(t *testing.T) {
	t.Setenv("RTC_REALTIME_URL", "ws://localhost/ws")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, transport.DefaultHeartbeatInterval, cfg.Realtime.Transport.HeartbeatInterval)
	assert.Equal(t, store.DriverMemory, cfg.Store.Driver)
	assert.Empty(t, cfg.HTTP.Addr)
}

func TestValidate(t *testing.T) {
	_, err := LoadConfig("")
	require.ErrorIs(t, err, model.ErrMissingURL)
	assert.Equal(t, model.KindConfig, model.KindOf(err))

	_, err = LoadConfig(writeConfig(t, "realtime:\n  url: ws://x\nstore:\n  driver: etcd\n"))
	require.ErrorIs(t, err, store.ErrUnknownDriver)

	_, err = LoadConfig(writeConfig(t, "realtime:\n  url: ws://x\nchannels: [billing]\n"))
	require.ErrorIs(t, err, model.ErrInvalidChannel)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestWatchReloadsLevel(t *testing.T) {
	path := writeConfig(t, testYAML)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	var level slog.LevelVar
	level.Set(cfg.Log.SlogLevel())
	cfg.Watch(slog.New(slog.NewTextHandler(io.Discard, nil)), func(next *Config) {
		level.Set(next.Log.SlogLevel())
	})

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(testYAML, "level: info", "level: debug", 1)), 0o644))

	require.Eventually(t, func() bool { return level.Level() == slog.LevelDebug }, 5*time.Second, 20*time.Millisecond)
}

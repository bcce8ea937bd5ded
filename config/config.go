// Package config loads the client configuration from defaults, an optional
// YAML/JSON file and RTC_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/webitel/im-realtime-client/infra/store"
	"github.com/webitel/im-realtime-client/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-client/internal/domain/model"
	"github.com/webitel/im-realtime-client/internal/domain/queue"
	"github.com/webitel/im-realtime-client/internal/domain/registry"
	"github.com/webitel/im-realtime-client/internal/service"
	"github.com/webitel/im-realtime-client/internal/transport"
)

const EnvPrefix = "RTC"

type Config struct {
	Realtime service.Options `mapstructure:"realtime"`
	Store    store.Config    `mapstructure:"store"`
	PubSub   pubsub.Config   `mapstructure:"pubsub"`
	Log      LogConfig       `mapstructure:"log"`
	HTTP     HTTPConfig      `mapstructure:"http"`

	// Token authenticates the socket; it is appended to the URL as ?token=.
	Token string `mapstructure:"token"`
	// Channels the listen command subscribes to.
	Channels []string `mapstructure:"channels"`

	v *viper.Viper
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	JSON       bool   `mapstructure:"json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SlogLevel maps Level onto slog; unknown values fall back to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

type HTTPConfig struct {
	// Addr of the status endpoint; empty disables it.
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("realtime.url", "")
	v.SetDefault("realtime.reconnect", true)
	v.SetDefault("realtime.reconnect_interval", transport.DefaultReconnectInterval)
	v.SetDefault("realtime.max_reconnect_interval", transport.DefaultMaxReconnectInterval)
	v.SetDefault("realtime.reconnect_decay", transport.DefaultReconnectDecay)
	v.SetDefault("realtime.max_reconnect_attempts", 0)
	v.SetDefault("realtime.timeout", transport.DefaultTimeout)
	v.SetDefault("realtime.heartbeat_interval", transport.DefaultHeartbeatInterval)
	v.SetDefault("realtime.debug", false)
	v.SetDefault("realtime.max_queue_size", queue.DefaultMaxSize)
	v.SetDefault("realtime.max_retries", queue.DefaultMaxRetries)
	v.SetDefault("realtime.storage_key", queue.DefaultStorageKey)
	v.SetDefault("realtime.dedup_window", registry.DefaultDedupSize)
	v.SetDefault("realtime.server_subscriptions", false)

	v.SetDefault("store.driver", store.DriverMemory)
	v.SetDefault("store.path", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.addr", "")
	v.SetDefault("store.password", "")
	v.SetDefault("store.db", 0)
	v.SetDefault("store.breaker", false)

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.driver", pubsub.DriverGoChannel)
	v.SetDefault("pubsub.amqp_url", "")
	v.SetDefault("pubsub.queue_suffix", "")
	v.SetDefault("pubsub.channels", []string{})
	v.SetDefault("pubsub.command_topic", "")
	v.SetDefault("pubsub.buffer", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("http.addr", "")
	v.SetDefault("token", "")
	v.SetDefault("channels", []string{})
}

// LoadConfig reads file (optional) and the environment. A missing file is an
// error only when a path was given explicitly.
func LoadConfig(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// Validate fails fast on settings that would only surface after connecting.
func (c *Config) Validate() error {
	if err := c.Realtime.Transport.Validate(); err != nil {
		return err
	}
	if c.Realtime.MaxQueueSize < 0 || c.Realtime.MaxRetries < 0 {
		return model.NewClientError(model.KindConfig, errors.New("max_queue_size and max_retries must not be negative"))
	}
	if !store.ValidDriver(c.Store.Driver) {
		return model.NewClientError(model.KindConfig, fmt.Errorf("%w: %q", store.ErrUnknownDriver, c.Store.Driver))
	}
	if c.Store.Driver == store.DriverFile && c.Store.Path == "" {
		return model.NewClientError(model.KindConfig, errors.New("store.path is required for the file driver"))
	}
	if c.PubSub.Enabled && c.PubSub.Driver == pubsub.DriverAMQP && c.PubSub.AMQPURL == "" {
		return model.NewClientError(model.KindConfig, errors.New("pubsub.amqp_url is required for the amqp driver"))
	}
	for _, list := range [][]string{c.Channels, c.PubSub.Channels} {
		for _, ch := range list {
			if _, err := model.ParseChannel(ch); err != nil {
				return model.NewClientError(model.KindConfig, err)
			}
		}
	}
	return nil
}

// ParsedChannels returns Channels as ids; Validate has already rejected bad names.
func (c *Config) ParsedChannels() []model.ChannelID {
	out := make([]model.ChannelID, 0, len(c.Channels))
	for _, ch := range c.Channels {
		if id, err := model.ParseChannel(ch); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// Watch calls onChange with the re-read configuration whenever the file changes.
// Invalid edits are logged and skipped. Without a config file Watch does nothing.
func (c *Config) Watch(logger *slog.Logger, onChange func(*Config)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}

	var mu sync.Mutex
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()

		next, err := decode(c.v)
		if err == nil {
			err = next.Validate()
		}
		if err != nil {
			logger.Warn("CONFIG_RELOAD_REJECTED", "file", e.Name, "err", err)
			return
		}
		logger.Info("CONFIG_RELOADED", "file", e.Name, "at", time.Now().Format(time.RFC3339))
		onChange(next)
	})
	c.v.WatchConfig()
}

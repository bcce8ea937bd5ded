package cmd

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/webitel/im-realtime-client/config"
	"github.com/webitel/im-realtime-client/infra/store"
	"github.com/webitel/im-realtime-client/internal/adapter/pubsub"
	amqphandler "github.com/webitel/im-realtime-client/internal/handler/amqp"
	httphandler "github.com/webitel/im-realtime-client/internal/handler/http"
	"github.com/webitel/im-realtime-client/internal/service"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

func NewApp(cfg *config.Config, opts ...fx.Option) *fx.App {
	return fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() *config.Config { return cfg },
			func() service.Options { return cfg.Realtime },
			func() store.Config { return cfg.Store },
			func() pubsub.Config { return cfg.PubSub },
			func() httphandler.Addr { return httphandler.Addr(cfg.HTTP.Addr) },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvideStore,
		),
		fx.Invoke(WatchConfig),
		service.Module,
		httphandler.Module,
		busModule(cfg.PubSub),
		fx.Options(opts...),
	)
}

// busModule is wired only when the bus is enabled.
func busModule(cfg pubsub.Config) fx.Option {
	if !cfg.Enabled {
		return fx.Options()
	}
	return fx.Options(
		fx.Provide(ProvidePubSub),
		fx.Invoke(RunBridge),
		amqphandler.Module,
	)
}

func WatchConfig(cfg *config.Config, level *slog.LevelVar, logger *slog.Logger) {
	cfg.Watch(logger, func(next *config.Config) {
		lvl := next.Log.SlogLevel()
		if next.Realtime.Transport.Debug {
			lvl = slog.LevelDebug
		}
		if lvl != level.Level() {
			logger.Info("LOG_LEVEL_CHANGED", "from", level.Level().String(), "to", lvl.String())
			level.Set(lvl)
		}
	})
}

func ProvideStore(lc fx.Lifecycle, cfg store.Config, logger *slog.Logger) (store.Store, error) {
	st, err := store.New(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("STORE_OPENED", "driver", cfg.Driver, "breaker", cfg.Breaker)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return st.Close()
		},
	})
	return st, nil
}

func ProvidePubSub(lc fx.Lifecycle, cfg pubsub.Config, logger watermill.LoggerAdapter) (*pubsub.PubSub, error) {
	ps, err := pubsub.NewPubSub(cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return ps.Close()
		},
	})
	return ps, nil
}

// RunBridge republishes the configured channels to the bus for the app lifetime.
func RunBridge(lc fx.Lifecycle, rt service.Realtime, ps *pubsub.PubSub, cfg pubsub.Config, logger *slog.Logger) error {
	if len(cfg.Channels) == 0 {
		return nil
	}
	bridge, err := pubsub.NewBridge(rt, pubsub.NewEventDispatcher(ps.Publisher), cfg.Channels, cfg.Buffer, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := bridge.Run(ctx); err != nil {
					logger.Error("BRIDGE_STOPPED", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
	return nil
}

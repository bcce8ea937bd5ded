package amqp

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	pubsubadapter "github.com/webitel/im-realtime-client/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-client/internal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("amqp-handler",
	fx.Provide(
		func(rt service.Realtime, logger *slog.Logger) *CommandHandler {
			return NewCommandHandler(rt, logger)
		},
		NewWatermillRouter,
	),

	fx.Invoke(RunRouter),
)

// RunRouter registers the command pipeline and runs the router for the app lifetime.
func RunRouter(lc fx.Lifecycle, router *message.Router, h *CommandHandler, ps *pubsubadapter.PubSub, cfg pubsubadapter.Config, logger *slog.Logger) error {
	if err := h.RegisterHandlers(router, ps.Subscriber, ps.Publisher, cfg.CommandTopic); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := router.Run(ctx); err != nil {
					logger.Error("ROUTER_STOPPED", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return router.Close()
		},
	})
	return nil
}

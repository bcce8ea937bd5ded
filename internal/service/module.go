package service

import (
	"context"
	"log/slog"

	"github.com/webitel/im-realtime-client/infra/store"
	"go.uber.org/fx"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		NewRealtimeService,

		// [DECORATION_LAYER] Every consumer of Realtime gets the logging middleware.
		func(svc *RealtimeService, logger *slog.Logger) Realtime {
			return NewRealtimeMiddleware(svc, logger)
		},
	),

	fx.Invoke(func(lc fx.Lifecycle, r Realtime) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return r.Close()
			},
		})
	}),
)

// NewRealtimeService is the fx constructor; rehydration of the queue happens here.
func NewRealtimeService(opts Options, st store.Store, logger *slog.Logger) (*RealtimeService, error) {
	return New(context.Background(), opts, st, WithLogger(logger))
}

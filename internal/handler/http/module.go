package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
)

// Addr is the listen address of the status server; empty disables it.
type Addr string

var Module = fx.Module("http",
	fx.Provide(NewStatusHandler),
	fx.Invoke(RunServer),
)

// RunServer serves the status routes for the app lifetime.
func RunServer(lc fx.Lifecycle, addr Addr, h *StatusHandler, logger *slog.Logger) {
	if addr == "" {
		return
	}

	srv := &http.Server{
		Addr:              string(addr),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Info("STATUS_SERVER_STARTED", "addr", ln.Addr().String())
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("STATUS_SERVER_FAILED", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}


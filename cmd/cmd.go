package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/webitel/im-realtime-client/config"
	"github.com/webitel/im-realtime-client/internal/domain/model"
	"github.com/webitel/im-realtime-client/internal/service"
	"go.uber.org/fx"
)

const (
	ServiceName      = "im-realtime-client"
	ServiceNamespace = "webitel"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Realtime WebSocket client for Webitel platform",
		Version: fmt.Sprintf("%s (%s@%s, %s %s)", version, branch, commit, commitDate, buildTimestamp),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config_file",
				Usage:   "Path to the configuration file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG_FILE"},
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Authentication token, overrides the config",
			},
		},
		Commands: []*cli.Command{
			listenCmd(),
			sendCmd(),
		},
	}

	return app.Run(os.Args)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config_file"))
	if err != nil {
		return nil, err
	}
	if token := c.String("token"); token != "" {
		cfg.Token = token
	}
	return cfg, nil
}

func listenCmd() *cli.Command {
	return &cli.Command{
		Name:    "listen",
		Aliases: []string{"l"},
		Usage:   "Connect and log incoming frames until interrupted",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "channel",
				Usage: "Channel to subscribe to, repeatable; overrides the config",
			},
			&cli.StringFlag{
				Name:  "http",
				Usage: "Status endpoint address, overrides the config",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if chs := c.StringSlice("channel"); len(chs) > 0 {
				cfg.Channels = chs
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if addr := c.String("http"); addr != "" {
				cfg.HTTP.Addr = addr
			}

			app := NewApp(cfg, fx.Invoke(Listen))
			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}

// Listen logs every frame of the configured channels and connects on start.
func Listen(lc fx.Lifecycle, cfg *config.Config, rt service.Realtime, logger *slog.Logger) error {
	var release []func()
	for _, ch := range cfg.ParsedChannels() {
		unsubscribe, err := rt.Subscribe(ch, func(msg *model.IncomingMessage) error {
			logger.Info("FRAME_RECEIVED",
				"msg_id", msg.ID,
				"channel", msg.Channel,
				"type", msg.Type,
				"size", msg.Size,
				"payload", string(msg.Payload))
			return nil
		})
		if err != nil {
			return err
		}
		release = append(release, unsubscribe)
	}

	release = append(release,
		rt.OnStateChange(func(change model.StateChange) {
			logger.Info("STATE_CHANGED", "from", change.From.String(), "to", change.To.String())
		}),
		rt.OnError(func(err error) {
			logger.Warn("CLIENT_ERROR", "kind", model.KindOf(err), "err", err)
		}),
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return rt.Connect(cfg.Token)
		},
		OnStop: func(context.Context) error {
			for _, fn := range release {
				fn()
			}
			return nil
		},
	})
	return nil
}

func sendCmd() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Connect, send one message and wait until the queue is drained",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Value: "message", Usage: "Message type"},
			&cli.StringFlag{Name: "channel", Usage: "Target channel"},
			&cli.StringFlag{Name: "payload", Value: "{}", Usage: "JSON payload"},
			&cli.StringFlag{Name: "priority", Usage: "critical, high, normal or low"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "Give up after this long"},
		},
		Action: func(c *cli.Context) (err error) {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			msg, err := outgoingFromFlags(c)
			if err != nil {
				return err
			}
			// The one-shot command has no use for the status server or the bus.
			cfg.HTTP.Addr = ""
			cfg.PubSub.Enabled = false

			var (
				rt     service.Realtime
				logger *slog.Logger
			)
			app := NewApp(cfg, fx.Populate(&rt, &logger))
			if err := app.Start(c.Context); err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, app.Stop(context.Background()))
			}()

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			return SendOnce(ctx, rt, cfg.Token, msg, logger)
		},
	}
}

func outgoingFromFlags(c *cli.Context) (model.OutgoingMessage, error) {
	payload := json.RawMessage(c.String("payload"))
	if !json.Valid(payload) {
		return model.OutgoingMessage{}, errors.New("payload is not valid JSON")
	}
	msg := model.OutgoingMessage{Type: c.String("type"), Payload: payload}
	if name := c.String("channel"); name != "" {
		ch, err := model.ParseChannel(name)
		if err != nil {
			return model.OutgoingMessage{}, err
		}
		msg.Channel = ch
	}
	if name := c.String("priority"); name != "" {
		p, err := model.ParsePriority(name)
		if err != nil {
			return model.OutgoingMessage{}, err
		}
		msg.Priority = p.Ptr()
	}
	return msg, nil
}

// SendOnce queues msg, connects and returns once the queue is empty. A message
// dropped after its last retry is an error even though the queue drained.
func SendOnce(ctx context.Context, rt service.Realtime, token string, msg model.OutgoingMessage, logger *slog.Logger) error {
	failed := make(chan *model.ClientError, 16)
	defer rt.OnError(func(err error) {
		var cerr *model.ClientError
		if errors.As(err, &cerr) && cerr.Kind == model.KindDelivery {
			select {
			case failed <- cerr:
			default:
			}
		}
	})()

	id, err := rt.Send(msg)
	if err != nil {
		return err
	}
	dropped := func() error {
		for {
			select {
			case cerr := <-failed:
				if cerr.MessageID == id {
					return fmt.Errorf("send %s: %w", id, cerr)
				}
			default:
				return nil
			}
		}
	}

	if err := rt.Connect(token); err != nil {
		return err
	}
	if err := service.WaitForState(ctx, rt, model.StateConnected); err != nil {
		return fmt.Errorf("send %s: connect: %w", id, err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := dropped(); err != nil {
			return err
		}
		if rt.QueueSize() == 0 {
			if err := rt.Flush(ctx); err != nil {
				return fmt.Errorf("send %s: %w", id, err)
			}
			if err := dropped(); err != nil {
				return err
			}
			logger.Info("MESSAGE_SENT", "msg_id", id, "type", msg.Type, "channel", msg.Channel)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("send %s: %d message(s) still queued: %w", id, rt.QueueSize(), ctx.Err())
		case <-ticker.C:
		}
	}
}

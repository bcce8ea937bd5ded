package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-client/infra/store"
	"github.com/webitel/im-realtime-client/internal/domain/metrics"
	"github.com/webitel/im-realtime-client/internal/domain/model"
	"github.com/webitel/im-realtime-client/internal/domain/queue"
	"github.com/webitel/im-realtime-client/internal/domain/registry"
	wsmarshaller "github.com/webitel/im-realtime-client/internal/handler/marshaller/ws"
	"github.com/webitel/im-realtime-client/internal/transport"
)

// [REALTIME_SERVICE] PRIMARY INTERFACE FOR APPLICATION CODE
type Realtime interface {
	Connect(token string) error
	Disconnect()
	Send(msg model.OutgoingMessage) (string, error)
	Subscribe(channel model.ChannelID, h registry.Handler) (func(), error)
	OnError(fn func(error)) func()
	OnStateChange(fn func(model.StateChange)) func()
	Metrics() model.ConnectionMetrics
	State() model.ConnectionState
	QueueSize() int
	Flush(ctx context.Context) error
	Close() error
}

var _ Realtime = (*RealtimeService)(nil)

// Options is the construction-time configuration of one client instance.
type Options struct {
	Transport transport.Options `mapstructure:",squash"`

	MaxQueueSize int    `mapstructure:"max_queue_size"`
	MaxRetries   int    `mapstructure:"max_retries"`
	StorageKey   string `mapstructure:"storage_key"`
	// DedupWindow is the number of recent inbound frame ids remembered; 0 disables.
	DedupWindow int `mapstructure:"dedup_window"`
	// ServerSubscriptions sends subscribe/unsubscribe frames for channels as they
	// gain or lose local subscribers, and re-sends them on every connect.
	ServerSubscriptions bool `mapstructure:"server_subscriptions"`
}

func DefaultOptions(url string) Options {
	return Options{
		Transport:    transport.DefaultOptions(url),
		MaxQueueSize: queue.DefaultMaxSize,
		MaxRetries:   queue.DefaultMaxRetries,
		StorageKey:   queue.DefaultStorageKey,
		DedupWindow:  registry.DefaultDedupSize,
	}
}

// Option injects collaborators, mostly for tests.
type Option func(*deps)

type deps struct {
	logger *slog.Logger
	dialer transport.Dialer
}

func WithLogger(l *slog.Logger) Option {
	return func(d *deps) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithDialer(dialer transport.Dialer) Option {
	return func(d *deps) {
		d.dialer = dialer
	}
}

// [IMPLEMENTATION] RealtimeService wires queue, router and connection together.
type RealtimeService struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Recorder
	ctrl    *transport.Controller
	router  *registry.Hub
	queue   *queue.Queue
	closed  atomic.Bool

	// [DRAIN_GENERATION] Bumped on every CONNECTED; a drain chain from an older
	// connection stops at its next step. Touched only on the controller goroutine.
	drainGen uint64
	// draining is true while a drain chain of drainGen has a write in flight.
	draining bool
}

// New builds a client instance. The queue is rehydrated from st before New returns,
// so messages left over from a previous run are sent on the first connect.
func New(ctx context.Context, opts Options, st store.Store, options ...Option) (*RealtimeService, error) {
	d := deps{logger: slog.Default()}
	for _, opt := range options {
		opt(&d)
	}

	s := &RealtimeService{
		opts:    opts,
		logger:  d.logger,
		metrics: metrics.NewRecorder(),
	}

	ctrlOpts := []transport.Option{
		transport.WithLogger(d.logger),
		transport.WithMetrics(s.metrics),
		transport.WithFrameHandler(s.dispatch),
	}
	if d.dialer != nil {
		ctrlOpts = append(ctrlOpts, transport.WithDialer(d.dialer))
	}
	ctrl, err := transport.NewController(opts.Transport, ctrlOpts...)
	if err != nil {
		return nil, err
	}
	s.ctrl = ctrl

	s.router = registry.NewHub(
		registry.WithLogger(d.logger),
		registry.WithDedupWindow(opts.DedupWindow),
		registry.WithErrorSink(ctrl.ReportError),
		registry.WithChannelHooks(s.channelActive, s.channelIdle),
	)

	q, err := queue.New(ctx, st,
		queue.WithMaxSize(opts.MaxQueueSize),
		queue.WithMaxRetries(opts.MaxRetries),
		queue.WithStorageKey(opts.StorageKey),
		queue.WithLogger(d.logger),
		queue.WithErrorHandler(ctrl.ReportError),
	)
	if err != nil {
		_ = ctrl.Close()
		return nil, err
	}
	s.queue = q

	ctrl.OnStateChange(s.stateChanged)
	return s, nil
}

func (s *RealtimeService) Connect(token string) error {
	if s.closed.Load() {
		return model.ErrClosed
	}
	return s.ctrl.Connect(token)
}

func (s *RealtimeService) Disconnect() {
	s.ctrl.Disconnect()
}

// Send writes msg now if the connection is up and queues it otherwise.
// The returned id is the wire frame id either way. Only a rejected enqueue
// (ErrQueueFull) or an unencodable payload is returned as an error; write
// failures re-enqueue the message and are reported through OnError.
func (s *RealtimeService) Send(msg model.OutgoingMessage) (string, error) {
	if s.closed.Load() {
		return "", model.ErrClosed
	}
	priority := msg.EffectivePriority()

	if s.ctrl.State() != model.StateConnected {
		id, err := s.queue.Enqueue(msg, priority)
		if err == nil {
			// The connection may have come up after the state check, with its
			// drain already finished.
			s.ctrl.Post(s.kickDrain)
		}
		return id, err
	}

	id := uuid.NewString()
	data, err := wsmarshaller.Encode(model.NewOutboundFrame(id, msg, priority, time.Now()))
	if err != nil {
		return "", &model.ClientError{Kind: model.KindSend, MessageID: id, Channel: msg.Channel, Err: err}
	}

	s.ctrl.Send(data, func(err error) {
		if err != nil {
			s.requeue(id, msg, priority, err)
		}
	})
	return id, nil
}

// requeue keeps the caller's id so a later drain is recognisable as the same message.
func (s *RealtimeService) requeue(id string, msg model.OutgoingMessage, priority model.Priority, cause error) {
	if _, err := s.queue.EnqueueWithID(id, msg, priority); err != nil {
		s.ctrl.Raise(err)
		return
	}
	s.logger.Debug("SEND_DEFERRED", "msg_id", id, "reason", cause)
	if isTransient(cause) {
		return
	}
	s.ctrl.Raise(&model.ClientError{Kind: model.KindSend, MessageID: id, Channel: msg.Channel, Err: cause})
}

// Subscribe works before the first Connect. The returned function removes the
// subscription and may be called any number of times.
func (s *RealtimeService) Subscribe(channel model.ChannelID, h registry.Handler) (func(), error) {
	id, err := s.router.Subscribe(channel, h)
	if err != nil {
		return nil, err
	}
	return func() { s.router.Unsubscribe(id) }, nil
}

func (s *RealtimeService) OnError(fn func(error)) func() {
	return s.ctrl.OnError(fn)
}

func (s *RealtimeService) OnStateChange(fn func(model.StateChange)) func() {
	return s.ctrl.OnStateChange(fn)
}

func (s *RealtimeService) Metrics() model.ConnectionMetrics {
	return s.metrics.Snapshot()
}

func (s *RealtimeService) State() model.ConnectionState {
	return s.ctrl.State()
}

func (s *RealtimeService) QueueSize() int {
	return s.queue.Size()
}

// Flush returns once everything already handed to the connection goroutine has run,
// including the error and state listeners it triggered.
func (s *RealtimeService) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !s.ctrl.Post(func() { close(done) }) {
		return model.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channels lists channels with at least one local subscriber.
func (s *RealtimeService) Channels() []model.ChannelID {
	return s.router.Channels()
}

// Close disconnects and releases the instance. Queued messages stay in the store.
func (s *RealtimeService) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.ctrl.Close()
	s.router.Shutdown()
	return err
}

// --- CONTROLLER CALLBACKS (run on the controller goroutine) ---

func (s *RealtimeService) dispatch(msg *model.IncomingMessage) {
	s.router.Dispatch(msg)
}

func (s *RealtimeService) stateChanged(change model.StateChange) {
	if change.To != model.StateConnected {
		return
	}
	s.drainGen++
	s.draining = false
	if s.opts.ServerSubscriptions {
		for _, ch := range s.router.Channels() {
			s.sendControl(wsmarshaller.Subscribe(ch, time.Now()))
		}
	}
	if size := s.queue.Size(); size > 0 {
		s.logger.Info("QUEUE_DRAIN_STARTED", "size", size)
	}
	s.drain(s.drainGen)
}

// drain sends queued messages one at a time in priority order. Each write is
// confirmed before the next is taken; the first failure stops the chain.
func (s *RealtimeService) drain(gen uint64) {
	if gen != s.drainGen {
		return
	}
	item, ok := s.queue.Next()
	if !ok {
		s.draining = false
		return
	}
	s.draining = true

	data, err := wsmarshaller.Encode(item.Frame(time.Now()))
	if err != nil {
		// [POISON_GUARD] An unencodable item would block the queue forever.
		s.queue.Remove(item.ID)
		s.ctrl.Raise(&model.ClientError{Kind: model.KindSend, MessageID: item.ID, Channel: item.Message.Channel, Err: err})
		s.drain(gen)
		return
	}

	s.ctrl.Send(data, func(err error) {
		if err == nil {
			s.queue.Remove(item.ID)
			s.drain(gen)
			return
		}
		if gen != s.drainGen {
			return
		}
		s.draining = false
		if ferr := s.queue.Fail(item.ID); ferr != nil {
			s.ctrl.Raise(ferr)
		} else if !isTransient(err) {
			s.ctrl.Raise(&model.ClientError{Kind: model.KindSend, MessageID: item.ID, Channel: item.Message.Channel, Err: err})
		}
	})
}

// kickDrain restarts draining for messages queued while the connection was coming up.
func (s *RealtimeService) kickDrain() {
	if s.draining || s.ctrl.State() != model.StateConnected {
		return
	}
	s.drain(s.drainGen)
}

func (s *RealtimeService) channelActive(ch model.ChannelID) {
	if s.opts.ServerSubscriptions && s.ctrl.State() == model.StateConnected {
		s.sendControl(wsmarshaller.Subscribe(ch, time.Now()))
	}
}

func (s *RealtimeService) channelIdle(ch model.ChannelID) {
	if s.opts.ServerSubscriptions && s.ctrl.State() == model.StateConnected {
		s.sendControl(wsmarshaller.Unsubscribe(ch, time.Now()))
	}
}

// sendControl is fire-and-forget: the handshake is repeated on every connect anyway.
func (s *RealtimeService) sendControl(frame model.OutboundFrame) {
	data, err := wsmarshaller.Encode(frame)
	if err != nil {
		s.ctrl.ReportError(model.NewClientError(model.KindProtocol, err))
		return
	}
	s.ctrl.Send(data, func(err error) {
		if err != nil && !isTransient(err) {
			s.ctrl.Raise(model.NewClientError(model.KindSend, fmt.Errorf("%s %s: %w", frame.Type, channelOf(frame), err)))
		}
	})
}

func channelOf(frame model.OutboundFrame) model.ChannelID {
	if p, ok := frame.Payload.(model.ControlPayload); ok {
		return p.Channel
	}
	return frame.Channel
}

// isTransient reports failures caused by the connection going away,
// which the reconnect path already surfaces.
func isTransient(err error) bool {
	return errors.Is(err, model.ErrNotConnected) || errors.Is(err, model.ErrClosed)
}

/*
Package transport owns the socket lifecycle: opening, heartbeat, and reconnection with backoff.

Concurrency model:
  - Single owner: every state change, socket write, timer effect and listener
    notification runs on one controller goroutine fed by an unbounded mailbox.
  - Non-blocking API: public methods post a task and return; results that need the
    socket are delivered through callbacks invoked on the controller goroutine.
  - Sessions: each dial and each open socket gets a session number. Events from a
    superseded session (late dial results, reads from a closed socket, stale timers)
    are ignored.
*/
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webitel/im-realtime-client/internal/domain/metrics"
	"github.com/webitel/im-realtime-client/internal/domain/model"
	"github.com/webitel/im-realtime-client/internal/domain/observer"
	wsmarshaller "github.com/webitel/im-realtime-client/internal/handler/marshaller/ws"
)

// Connector is the surface the client facade drives.
type Connector interface {
	Connect(token string) error
	Disconnect()
	Send(data []byte, done func(error))
	Post(task func()) bool
	State() model.ConnectionState
	OnStateChange(fn func(model.StateChange)) func()
	OnError(fn func(error)) func()
	ReportError(err error)
	Raise(err error)
	Close() error
}

var _ Connector = (*Controller)(nil)

// Controller implements the connection state machine.
type Controller struct {
	opts    Options
	backoff Backoff
	dialer  Dialer
	logger  *slog.Logger
	metrics *metrics.Recorder
	onFrame func(*model.IncomingMessage)

	states observer.Registry[model.StateChange]
	errs   observer.Registry[error]

	// [STATE] Written only by the loop, read from anywhere.
	state atomic.Int32

	box       *mailbox
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	session        uint64
	token          string
	conn           Conn
	manual         bool
	attempts       int
	cancelDial     context.CancelFunc
	reconnectTimer *time.Timer
	heartbeatTimer *time.Timer
	pongTimer      *time.Timer
	pendingPing    string
	pingSentAt     time.Time
}

// NewController validates opts and starts the controller goroutine. The controller
// starts DISCONNECTED; call Close to release it.
func NewController(opts Options, extra ...Option) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	c := &Controller{
		opts:    opts,
		backoff: opts.backoff(),
		dialer:  NewGorillaDialer(),
		logger:  slog.Default(),
		metrics: metrics.NewRecorder(),
		box:     newMailbox(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range extra {
		opt(c)
	}

	go c.loop()
	return c, nil
}

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			// The mailbox is sealed; whatever is left still runs, so pending send
			// callbacks see ErrNotConnected.
			for tasks := c.box.take(); len(tasks) > 0; tasks = c.box.take() {
				for _, task := range tasks {
					task()
				}
			}
			return
		case <-c.box.signal:
			for _, task := range c.box.take() {
				task()
			}
		}
	}
}

func (c *Controller) post(task func()) bool {
	return c.box.post(task)
}

// Post runs task on the controller goroutine, after every task posted before it.
// It reports false once Close has been called.
func (c *Controller) Post(task func()) bool {
	return c.post(func() { c.guard("POSTED_TASK", task) })
}

// --- PUBLIC API ---

func (c *Controller) State() model.ConnectionState {
	return model.ConnectionState(c.state.Load())
}

// Connect opens the socket. It is a no-op while CONNECTING or CONNECTED, and
// re-enables automatic reconnection after an explicit Disconnect.
func (c *Controller) Connect(token string) error {
	if !c.post(func() { c.connect(token) }) {
		return model.ErrClosed
	}
	return nil
}

// Disconnect closes the socket and cancels every pending timer. No automatic
// reconnection happens until the next Connect.
func (c *Controller) Disconnect() {
	c.post(c.disconnect)
}

// Send writes data if the socket is open. done, if set, receives the outcome on the
// controller goroutine and must not block.
func (c *Controller) Send(data []byte, done func(error)) {
	posted := c.post(func() {
		err := c.writeRaw(data)
		if done != nil {
			c.guard("SEND_CALLBACK", func() { done(err) })
		}
		if err != nil {
			c.writeFailed(err)
		}
	})
	if !posted && done != nil {
		done(model.ErrClosed)
	}
}

// OnStateChange registers fn for every transition and returns its removal function.
func (c *Controller) OnStateChange(fn func(model.StateChange)) func() {
	_, remove := c.states.Add(func(change model.StateChange) {
		c.guard("STATE_LISTENER", func() { fn(change) })
	})
	return remove
}

// OnError registers fn for every reported error and returns its removal function.
func (c *Controller) OnError(fn func(error)) func() {
	_, remove := c.errs.Add(func(err error) {
		c.guard("ERROR_LISTENER", func() { fn(err) })
	})
	return remove
}

// ReportError lets collaborators (router, queue) surface failures through the same
// listeners. The errors counter is updated before ReportError returns.
func (c *Controller) ReportError(err error) {
	if err == nil {
		return
	}
	c.metrics.RecordError()
	c.logger.Warn("ERROR_REPORTED", "kind", model.KindOf(err), "err", err)
	c.post(func() { c.errs.Notify(err) })
}

// Raise is ReportError for code already running on the controller goroutine
// (send callbacks, posted tasks): listeners are notified before it returns.
func (c *Controller) Raise(err error) {
	if err == nil {
		return
	}
	c.report(err)
}

// Close disconnects and stops the controller goroutine. Safe to call more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.box.seal(func() {
			c.disconnect()
			close(c.stop)
		})
	})
	<-c.done
	return nil
}

// --- LOOP-OWNED STATE MACHINE ---

func (c *Controller) connect(token string) {
	c.manual = false
	c.token = token

	switch c.State() {
	case model.StateConnecting, model.StateConnected:
		return
	case model.StateReconnecting:
		// [FAST_PATH] Skip the remaining backoff.
		c.stopTimer(&c.reconnectTimer)
	default:
		c.attempts = 0
	}
	c.open()
}

func (c *Controller) open() {
	c.setState(model.StateConnecting, nil)
	c.session++
	sid := c.session

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	c.cancelDial = cancel
	url, token, timeout := c.opts.URL, c.token, c.opts.Timeout

	c.logger.Debug("DIALING", "url", redact(url), "session", sid)
	go func() {
		conn, err := c.dialer.Dial(ctx, url, token)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", model.ErrConnectTimeout, timeout, err)
		}
		cancel()
		if !c.post(func() { c.opened(sid, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Controller) opened(sid uint64, conn Conn, err error) {
	if sid != c.session || c.State() != model.StateConnecting {
		// [STALE_DIAL] Disconnect or a newer attempt superseded this one.
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.cancelDial = nil

	if err != nil {
		c.report(model.NewClientError(model.KindTransport, err))
		c.setState(model.StateError, err)
		c.scheduleReconnect(err)
		return
	}

	c.conn = conn
	c.attempts = 0
	c.setState(model.StateConnected, nil)
	go c.read(sid, conn)
	c.armHeartbeat(sid)
}

// read runs on its own goroutine for the lifetime of one socket.
func (c *Controller) read(sid uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.post(func() { c.lost(sid, err) })
			return
		}
		c.post(func() { c.received(sid, data) })
	}
}

func (c *Controller) lost(sid uint64, err error) {
	if sid != c.session || c.conn == nil {
		return
	}
	c.teardown()

	if errors.Is(err, io.EOF) {
		c.logger.Info("CONNECTION_CLOSED", "reason", "server")
	} else {
		c.report(model.NewClientError(model.KindTransport, fmt.Errorf("read: %w", err)))
	}
	c.scheduleReconnect(err)
}

func (c *Controller) scheduleReconnect(cause error) {
	if c.manual || !c.opts.Reconnect {
		c.setState(model.StateDisconnected, cause)
		return
	}
	if limit := c.opts.MaxReconnectAttempts; limit > 0 && c.attempts >= limit {
		c.logger.Warn("RECONNECT_EXHAUSTED", "attempts", c.attempts)
		c.setState(model.StateDisconnected, cause)
		return
	}

	c.attempts++
	c.metrics.RecordReconnect()
	delay := c.backoff.Delay(c.attempts)
	c.setState(model.StateReconnecting, cause)

	sid := c.session
	c.logger.Info("RECONNECT_SCHEDULED", "attempt", c.attempts, "delay", delay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.post(func() {
			if sid != c.session || c.State() != model.StateReconnecting {
				return
			}
			c.reconnectTimer = nil
			c.open()
		})
	})
}

func (c *Controller) disconnect() {
	c.manual = true
	c.stopTimer(&c.reconnectTimer)
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.teardown()
	c.attempts = 0
	c.setState(model.StateDisconnected, nil)
}

// teardown releases the socket and its timers and invalidates the current session.
func (c *Controller) teardown() {
	c.stopTimer(&c.heartbeatTimer)
	c.stopTimer(&c.pongTimer)
	c.pendingPing = ""
	c.session++

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("CLOSE_FAILED", "err", err)
		}
		c.conn = nil
	}
}

func (c *Controller) setState(to model.ConnectionState, cause error) {
	from := c.State()
	if from == to {
		return
	}
	if !model.CanTransition(from, to) {
		c.logger.Error("ILLEGAL_TRANSITION", "from", from.String(), "to", to.String())
		return
	}
	c.state.Store(int32(to))

	attrs := []any{"from", from.String(), "to", to.String()}
	if cause != nil {
		attrs = append(attrs, "cause", cause)
	}
	c.logger.Info("STATE_CHANGED", attrs...)

	c.states.Notify(model.StateChange{From: from, To: to, Err: cause})
}

// --- FRAMES ---

func (c *Controller) received(sid uint64, data []byte) {
	if sid != c.session {
		return
	}
	c.metrics.RecordReceived(len(data))
	if c.opts.Debug {
		c.logger.Debug("FRAME_RECEIVED", "size", len(data), "frame", string(data))
	}

	msg, err := wsmarshaller.Decode(data)
	if err != nil {
		c.report(err)
		return
	}

	switch msg.Kind {
	case model.FramePing:
		if err := c.write(wsmarshaller.Pong(msg.ID, time.Now())); err != nil {
			c.writeFailed(fmt.Errorf("pong: %w", err))
		}
	case model.FramePong:
		c.pong(msg.ID)
	case model.FrameUnknown:
		c.logger.Debug("FRAME_DROPPED", "reason", "unknown_channel", "channel", msg.Channel, "type", msg.Type)
	default:
		if c.onFrame != nil {
			c.guard("FRAME_HANDLER", func() { c.onFrame(msg) })
		}
	}
}

func (c *Controller) write(frame model.OutboundFrame) error {
	data, err := wsmarshaller.Encode(frame)
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

func (c *Controller) writeRaw(data []byte) error {
	if c.conn == nil || c.State() != model.StateConnected {
		return model.ErrNotConnected
	}
	if err := c.conn.WriteMessage(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	c.metrics.RecordSent(len(data))
	if c.opts.Debug {
		c.logger.Debug("FRAME_SENT", "size", len(data), "frame", string(data))
	}
	return nil
}

// --- HEARTBEAT ---

func (c *Controller) armHeartbeat(sid uint64) {
	if c.opts.HeartbeatInterval <= 0 {
		return
	}
	c.heartbeatTimer = time.AfterFunc(c.opts.HeartbeatInterval, func() {
		c.post(func() { c.heartbeat(sid) })
	})
}

func (c *Controller) heartbeat(sid uint64) {
	if sid != c.session || c.State() != model.StateConnected {
		return
	}

	// One ping in flight at a time; the pong timer covers a missing answer.
	if c.pendingPing == "" {
		ping := wsmarshaller.Ping(time.Now())
		if err := c.write(ping); err != nil {
			c.writeFailed(fmt.Errorf("heartbeat: %w", err))
			return
		}
		id := ping.ID
		c.pendingPing = id
		c.pingSentAt = time.Now()
		c.pongTimer = time.AfterFunc(c.opts.Timeout, func() {
			c.post(func() { c.pongTimeout(sid, id) })
		})
	}
	c.armHeartbeat(sid)
}

func (c *Controller) pong(id string) {
	if c.pendingPing == "" || id != c.pendingPing {
		return
	}
	rtt := time.Since(c.pingSentAt)
	c.metrics.SetLatency(rtt)
	c.pendingPing = ""
	c.stopTimer(&c.pongTimer)
	c.logger.Debug("HEARTBEAT", "latency_ms", rtt.Milliseconds())
}

// writeFailed treats a failed write on an open socket as a lost connection:
// a socket that cannot write would never see a pong either.
func (c *Controller) writeFailed(err error) {
	if c.conn == nil || errors.Is(err, model.ErrNotConnected) {
		return
	}
	c.report(model.NewClientError(model.KindTransport, err))
	c.teardown()
	c.scheduleReconnect(err)
}

func (c *Controller) pongTimeout(sid uint64, id string) {
	if sid != c.session || c.pendingPing != id {
		return
	}
	err := model.ErrHeartbeatTimeout
	c.report(model.NewClientError(model.KindTransport, err))
	c.teardown()
	c.scheduleReconnect(err)
}

// --- HELPERS ---

// report is ReportError for code already running on the loop.
func (c *Controller) report(err error) {
	c.metrics.RecordError()
	c.logger.Warn("ERROR_REPORTED", "kind", model.KindOf(err), "err", err)
	c.errs.Notify(err)
}

func (c *Controller) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// guard keeps a panicking callback from killing the controller goroutine.
func (c *Controller) guard(where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("PANIC_RECOVERED",
				"where", where,
				"err", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

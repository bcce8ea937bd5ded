package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/webitel/im-realtime-client/internal/domain/metrics"
	"github.com/webitel/im-realtime-client/internal/domain/model"
	wsmarshaller "github.com/webitel/im-realtime-client/internal/handler/marshaller/ws"
)

var (
	errRefused    = errors.New("connection refused")
	errBrokenPipe = errors.New("broken pipe")
)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	autoPong  bool
	writeErr  error

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}
	if f.writeErr != nil {
		return f.writeErr
	}

	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), data...))
	f.mu.Unlock()

	if f.autoPong {
		if msg, err := wsmarshaller.Decode(data); err == nil && msg.Kind == model.FramePing {
			pong, _ := wsmarshaller.Encode(wsmarshaller.Pong(msg.ID, time.Now()))
			f.in <- pong
		}
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// frames returns every written frame decoded.
func (f *fakeConn) frames(t *testing.T) []*model.IncomingMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.IncomingMessage, 0, len(f.written))
	for _, data := range f.written {
		msg, err := wsmarshaller.Decode(data)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (f *fakeConn) writtenRaw() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

type fakeDialer struct {
	mu       sync.Mutex
	fail     int // dials left to fail; negative fails forever
	block    bool
	autoPong bool
	// brokenWrites is the number of leading connections whose writes all fail.
	brokenWrites int
	dials        int
	tokens   []string
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, token string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.tokens = append(d.tokens, token)

	if d.block {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.fail != 0 {
		if d.fail > 0 {
			d.fail--
		}
		d.mu.Unlock()
		return nil, errRefused
	}

	conn := newFakeConn()
	conn.autoPong = d.autoPong
	if len(d.conns) < d.brokenWrites {
		conn.writeErr = errBrokenPipe
	}
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type stateLog struct {
	mu     sync.Mutex
	states []model.ConnectionState
}

func (s *stateLog) add(change model.StateChange) {
	s.mu.Lock()
	s.states = append(s.states, change.To)
	s.mu.Unlock()
}

func (s *stateLog) all() []model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ConnectionState(nil), s.states...)
}

func testOptions() Options {
	o := DefaultOptions("ws://realtime.test/ws")
	o.ReconnectInterval = time.Millisecond
	o.MaxReconnectInterval = 5 * time.Millisecond
	o.Timeout = time.Second
	o.HeartbeatInterval = 0
	return o
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, opts Options, d Dialer, extra ...Option) (*Controller, *metrics.Recorder) {
	t.Helper()
	rec := metrics.NewRecorder()
	all := append([]Option{WithDialer(d), WithMetrics(rec), WithLogger(discardLogger())}, extra...)
	c, err := NewController(opts, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

// flush waits until every task posted so far has run.
func flush(t *testing.T, c *Controller) {
	t.Helper()
	ran := make(chan struct{})
	c.box.post(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("controller loop did not drain")
	}
}

func waitState(t *testing.T, c *Controller, want model.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, time.Millisecond,
		"state %s never reached, last %s", want, c.State())
}

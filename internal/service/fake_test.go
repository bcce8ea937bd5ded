package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/webitel/im-realtime-client/infra/store"
	"github.com/webitel/im-realtime-client/internal/domain/model"
	wsmarshaller "github.com/webitel/im-realtime-client/internal/handler/marshaller/ws"
	"github.com/webitel/im-realtime-client/internal/transport"
)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
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
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) failWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

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

// ids decodes the written frames without failing the test, for use inside Eventually.
func (f *fakeConn) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.written))
	for _, data := range f.written {
		if msg, err := wsmarshaller.Decode(data); err == nil {
			out = append(out, msg.ID)
		}
	}
	return out
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

// fakeDialer hands out fresh conns; the first brokenWrites of them fail every write.
type fakeDialer struct {
	mu           sync.Mutex
	conns        []*fakeConn
	brokenWrites int
}

func (d *fakeDialer) Dial(context.Context, string, string) (transport.Conn, error) {
	conn := newFakeConn()
	d.mu.Lock()
	if len(d.conns) < d.brokenWrites {
		conn.writeErr = errBrokenPipe
	}
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

var errBrokenPipe = errors.New("broken pipe")

func testOptions() Options {
	opts := DefaultOptions("ws://realtime.test/ws")
	opts.Transport.ReconnectInterval = time.Millisecond
	opts.Transport.MaxReconnectInterval = 5 * time.Millisecond
	opts.Transport.HeartbeatInterval = 0
	return opts
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, opts Options, st store.Store) (*RealtimeService, *fakeDialer) {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	d := &fakeDialer{}
	s, err := New(context.Background(), opts, st, WithLogger(discardLogger()), WithDialer(d))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, d
}

func connect(t *testing.T, s *RealtimeService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Connect("token"))
	require.NoError(t, WaitForState(ctx, s, model.StateConnected))
}

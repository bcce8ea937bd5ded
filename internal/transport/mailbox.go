package transport

import "sync"

// mailbox is an unbounded FIFO of tasks for the controller goroutine.
// Posting never blocks, so timers, reader goroutines and callers can all feed the loop.
// Once sealed it accepts nothing more; the sealing task is the last one ever taken.
type mailbox struct {
	mu     sync.Mutex
	tasks  []func()
	sealed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(task func()) bool {
	m.mu.Lock()
	if m.sealed {
		m.mu.Unlock()
		return false
	}
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()

	m.wake()
	return true
}

// seal appends last and rejects every later post.
func (m *mailbox) seal(last func()) bool {
	m.mu.Lock()
	if m.sealed {
		m.mu.Unlock()
		return false
	}
	m.sealed = true
	m.tasks = append(m.tasks, last)
	m.mu.Unlock()

	m.wake()
	return true
}

func (m *mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.tasks
	m.tasks = nil
	return tasks
}

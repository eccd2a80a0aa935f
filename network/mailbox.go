package network

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
)

// ErrClosed is returned when receiving on a closed peer or endpoint.
var ErrClosed = errors.New("channel closed")

type mailboxKey struct {
	src int
	tag int
}

// mailbox queues incoming messages per (sender, tag).
type mailbox struct {
	mu      sync.Mutex
	queues  map[mailboxKey][][]byte
	waiters map[mailboxKey]chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		queues:  make(map[mailboxKey][][]byte),
		waiters: make(map[mailboxKey]chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (m *mailbox) push(src, tag int, payload []byte) {
	k := mailboxKey{src, tag}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[k] = append(m.queues[k], payload)
	if w, ok := m.waiters[k]; ok {
		close(w)
		delete(m.waiters, k)
	}
}

func (m *mailbox) tryPop(src, tag int) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popLocked(mailboxKey{src, tag})
}

func (m *mailbox) popLocked(k mailboxKey) ([]byte, bool) {
	q := m.queues[k]
	if len(q) == 0 {
		return nil, false
	}
	payload := q[0]
	if len(q) == 1 {
		delete(m.queues, k)
	} else {
		m.queues[k] = q[1:]
	}
	return payload, true
}

// receive waits up to timeout, measured on clk, for a message.
func (m *mailbox) receive(ctx context.Context, clk clock.Clock, src, tag int, timeout time.Duration) ([]byte, bool, error) {
	k := mailboxKey{src, tag}
	timer := clk.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		if payload, ok := m.popLocked(k); ok {
			m.mu.Unlock()
			return payload, true, nil
		}
		w, ok := m.waiters[k]
		if !ok {
			w = make(chan struct{})
			m.waiters[k] = w
		}
		m.mu.Unlock()

		select {
		case <-w:
		case <-timer.C():
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-m.closed:
			return nil, false, ErrClosed
		}
	}
}

func (m *mailbox) close() {
	m.once.Do(func() {
		close(m.closed)
	})
}

func (m *mailbox) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

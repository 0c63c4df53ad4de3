package conn

import (
	"container/list"
	"context"
	"sync"

	"github.com/jslamartina/cync-transport/internal/codec"
)

// mailbox is the Phase 1 unbounded inbound-data queue of spec.md §4.5:
// "0x73/0x83/0x43 and unknown types ... pushed to the data queue."
// A later phase may substitute a bounded queue with a drop/block
// policy; the interface (push/pop) would not need to change.
type mailbox struct {
	mu      sync.Mutex
	items   *list.List
	notify  chan struct{}
	failCh  chan struct{}
	failErr error
}

func newMailbox() *mailbox {
	return &mailbox{items: list.New(), notify: make(chan struct{}, 1), failCh: make(chan struct{})}
}

func (m *mailbox) push(p codec.Packet) {
	m.mu.Lock()
	m.items.PushBack(p)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a packet is available, ctx is done, or the
// connection has failed (fail was called and not since reset) — a
// blocked caller must always observe a terminal error rather than
// hang past a fatal framing/decode error or a reconnect/shutdown
// (spec.md §7: "callers of recv_reliable() receive either a packet or
// a terminal error").
func (m *mailbox) pop(ctx context.Context) (codec.Packet, error) {
	for {
		m.mu.Lock()
		front := m.items.Front()
		if front != nil {
			m.items.Remove(front)
			m.mu.Unlock()
			return front.Value.(codec.Packet), nil
		}
		failCh, failErr := m.failCh, m.failErr
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return codec.Packet{}, ctx.Err()
		case <-failCh:
			return codec.Packet{}, failErr
		case <-m.notify:
		}
	}
}

// fail wakes every blocked pop with err. Safe to call more than once
// before the next reset; later calls in the same generation are a
// no-op so the first failure's error wins.
func (m *mailbox) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.failCh:
		return
	default:
	}
	m.failErr = err
	close(m.failCh)
}

// reset clears a prior fail so pop resumes blocking normally after a
// successful (re)connect.
func (m *mailbox) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.failCh:
		m.failCh = make(chan struct{})
		m.failErr = nil
	default:
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.Len()
}

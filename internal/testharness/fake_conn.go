// Package testharness provides an in-memory Conn implementation used by
// the conn and cynctransport test suites, so connection-manager and
// transport behavior can be exercised without a real socket.
package testharness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by Recv/Send after Close, until the next
// successful Connect.
var ErrClosed = errors.New("testharness: connection closed")

// ErrRecvTimeout is returned by Recv when no data arrives within the
// requested timeout, mirroring the short-poll-timeout contract that
// internal/conn.Conn requires of real implementations. It wraps
// context.DeadlineExceeded so callers that check for that sentinel
// (as internal/conn's packet router does) recognize a plain poll
// timeout rather than treating it as a fatal read error.
var ErrRecvTimeout = fmt.Errorf("testharness: recv timeout: %w", context.DeadlineExceeded)

// FakeConn is a bidirectional in-memory pipe standing in for a real
// socket. Writes from the "our side" land in outbox, for a test to
// drain and assert on; a test drives the "peer side" by calling Inject
// to make bytes available to the next Recv.
type FakeConn struct {
	mu       sync.Mutex
	inbox    [][]byte
	notify   chan struct{}
	outbox   chan []byte
	closed   bool
	connects int

	// ConnectErr, when set, is returned by the next Connect call.
	ConnectErr error
}

// NewFakeConn constructs an unconnected FakeConn.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		notify: make(chan struct{}, 1),
		outbox: make(chan []byte, 256),
	}
}

// Connect records the attempt and returns ConnectErr, if set. A
// successful Connect reopens a closed FakeConn, as a redial would.
func (f *FakeConn) Connect(_ context.Context, _ string, _ int) error {
	f.mu.Lock()
	f.connects++
	err := f.ConnectErr
	if err == nil {
		f.closed = false
	}
	f.mu.Unlock()
	return err
}

// Connects reports how many times Connect has been called.
func (f *FakeConn) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Send appends b to outbox for the test to observe.
func (f *FakeConn) Send(b []byte) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrClosed
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case f.outbox <- cp:
	default:
		// outbox full; fail loudly rather than drop the frame.
		panic("testharness: FakeConn outbox full")
	}
	return nil
}

// Sent drains and returns every frame written so far, blocking up to
// timeout for at least one if none are yet available.
func (f *FakeConn) Sent(timeout time.Duration) [][]byte {
	var out [][]byte
	deadline := time.After(timeout)
	select {
	case first := <-f.outbox:
		out = append(out, first)
	case <-deadline:
		return out
	}
	for {
		select {
		case b := <-f.outbox:
			out = append(out, b)
		default:
			return out
		}
	}
}

// Inject makes b available to the next Recv call(s), as if written by
// the peer.
func (f *FakeConn) Inject(b []byte) {
	f.mu.Lock()
	f.inbox = append(f.inbox, b)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Recv returns the next injected chunk, or ErrRecvTimeout if none
// arrives within timeout.
func (f *FakeConn) Recv(_ int, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	if len(f.inbox) > 0 {
		chunk := f.inbox[0]
		f.inbox = f.inbox[1:]
		f.mu.Unlock()
		return chunk, nil
	}
	f.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.notify:
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.inbox) == 0 {
			return nil, ErrRecvTimeout
		}
		chunk := f.inbox[0]
		f.inbox = f.inbox[1:]
		return chunk, nil
	case <-timer.C:
		return nil, ErrRecvTimeout
	}
}

// Close marks the connection closed. Idempotent.
func (f *FakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (f *FakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

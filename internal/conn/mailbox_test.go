package conn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jslamartina/cync-transport/internal/codec"
)

func TestMailboxPushPopFIFO(t *testing.T) {
	mb := newMailbox()
	p1 := codec.Packet{Type: codec.TypeStatus}
	p2 := codec.Packet{Type: codec.TypeBulkStatus}

	mb.push(p1)
	mb.push(p2)
	assert.Equal(t, 2, mb.len())

	ctx := context.Background()
	got1, err := mb.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, codec.TypeStatus, got1.Type)

	got2, err := mb.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, codec.TypeBulkStatus, got2.Type)
}

func TestMailboxPopBlocksUntilPush(t *testing.T) {
	mb := newMailbox()
	ctx := context.Background()

	done := make(chan codec.Packet, 1)
	go func() {
		p, err := mb.pop(ctx)
		require.NoError(t, err)
		done <- p
	}()

	time.Sleep(10 * time.Millisecond)
	mb.push(codec.Packet{Type: codec.TypeData})

	select {
	case p := <-done:
		assert.Equal(t, codec.TypeData, p.Type)
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after push")
	}
}

func TestMailboxPopRespectsCancellation(t *testing.T) {
	mb := newMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mb.pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMailboxPopReturnsFailError(t *testing.T) {
	mb := newMailbox()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := mb.pop(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	mb.fail(ErrReconnecting)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrReconnecting)
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after fail")
	}
}

func TestMailboxResetAllowsPopToBlockAgainAfterFail(t *testing.T) {
	mb := newMailbox()
	mb.fail(ErrShutdown)

	_, err := mb.pop(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)

	mb.reset()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = mb.pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "pop should block normally (then time out) after reset, not still report the old failure")
}

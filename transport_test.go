package cynctransport

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jslamartina/cync-transport/internal/codec"
	"github.com/jslamartina/cync-transport/internal/testharness"
)

func newTestTransport(t *testing.T, fc *testharness.FakeConn, endpoint codec.Endpoint) *Transport {
	t.Helper()
	opts := DefaultOptions()
	opts.Host = "localhost"
	opts.Port = 1
	opts.MeasuredP99Ms = 2 // tiny ack_timeout so retry/abandon tests run fast
	opts.MaxRetries = 3
	opts.BackoffCapMs = 5
	opts.MetricsNamespace = "test_transport"

	transport, err := New(fc, opts)
	require.NoError(t, err)

	fc.Inject(codec.EncodeAck(codec.TypeHandshakeAck, endpoint, 0))
	require.NoError(t, transport.Connect(context.Background(), endpoint, []byte{0xAA, 0xBB}))
	fc.Sent(time.Second) // drain the 0x23 handshake frame so tests see only later writes
	return transport
}

func msgIDFromDataFrame(frame []byte) uint16 {
	return binary.BigEndian.Uint16(frame[10:12])
}

// S1: single send/ACK.
func TestSendReliableSingleAck(t *testing.T) {
	fc := testharness.NewFakeConn()
	endpoint := codec.Endpoint{0x01, 0x02, 0x03, 0x04, 0x05}
	transport := newTestTransport(t, fc, endpoint)
	defer transport.Stop()

	type outcome struct {
		res SendResult
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		res, err := transport.SendReliable(context.Background(), []byte{0x01, 0x00})
		resultCh <- outcome{res, err}
	}()

	sent := fc.Sent(time.Second)
	require.NotEmpty(t, sent)
	dataFrame := sent[len(sent)-1]
	assert.Equal(t, codec.TypeData, dataFrame[0])

	msgID := msgIDFromDataFrame(dataFrame)
	fc.Inject(codec.EncodeAck(codec.TypeDataAck, endpoint, msgID))

	select {
	case o := <-resultCh:
		require.NoError(t, o.err)
		assert.True(t, o.res.Success)
		assert.Equal(t, uint16(0), o.res.RetryCount)
	case <-time.After(2 * time.Second):
		t.Fatal("send_reliable did not complete")
	}
}

// S2/S3: retries on timeout, eventual abandonment when the peer never
// responds at all.
func TestSendReliableAbandonsAfterMaxRetries(t *testing.T) {
	fc := testharness.NewFakeConn()
	endpoint := codec.Endpoint{0x01, 0x02, 0x03, 0x04, 0x05}
	transport := newTestTransport(t, fc, endpoint)
	defer transport.Stop()

	res, err := transport.SendReliable(context.Background(), []byte{0x01, 0x00})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonACKTimeout, res.Reason)
	assert.Equal(t, uint16(transport.policy.MaxRetries), res.RetryCount)
}

// S2: peer ACKs on a later attempt.
func TestSendReliableSucceedsAfterRetry(t *testing.T) {
	fc := testharness.NewFakeConn()
	endpoint := codec.Endpoint{0x01, 0x02, 0x03, 0x04, 0x05}
	transport := newTestTransport(t, fc, endpoint)
	defer transport.Stop()

	type outcome struct {
		res SendResult
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		res, err := transport.SendReliable(context.Background(), []byte{0x01, 0x00})
		resultCh <- outcome{res, err}
	}()

	// Let the first attempt time out unanswered, then ACK the retry that
	// follows (the retried frame carries the same msg_id).
	firstAttempt := fc.Sent(time.Second)
	require.NotEmpty(t, firstAttempt)
	msgID := msgIDFromDataFrame(firstAttempt[len(firstAttempt)-1])

	retryAttempt := fc.Sent(2 * time.Second)
	require.NotEmpty(t, retryAttempt)
	assert.Equal(t, msgID, msgIDFromDataFrame(retryAttempt[len(retryAttempt)-1]))

	fc.Inject(codec.EncodeAck(codec.TypeDataAck, endpoint, msgID))

	select {
	case o := <-resultCh:
		require.NoError(t, o.err)
		assert.True(t, o.res.Success)
		assert.GreaterOrEqual(t, o.res.RetryCount, uint16(1))
	case <-time.After(3 * time.Second):
		t.Fatal("send_reliable did not complete after retry")
	}
}

func TestSendReliableNotConnectedBeforeConnect(t *testing.T) {
	fc := testharness.NewFakeConn()
	opts := DefaultOptions()
	opts.Host, opts.Port = "localhost", 1
	opts.MetricsNamespace = "test_transport_notconnected"
	transport, err := New(fc, opts)
	require.NoError(t, err)

	res, err := transport.SendReliable(context.Background(), []byte{0x01})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonNotConnected, res.Reason)
}

// S5: duplicate receive is auto-ACKed both times but only delivered
// once.
func TestRecvReliableDedupsDuplicateInbound(t *testing.T) {
	fc := testharness.NewFakeConn()
	endpoint := codec.Endpoint{0x0A, 0x0B, 0x0C, 0x0D, 0x0E}
	transport := newTestTransport(t, fc, endpoint)
	defer transport.Stop()

	statusFrame := codec.EncodeAck(codec.TypeStatus, endpoint, 0)
	fc.Inject(statusFrame)
	fc.Inject(statusFrame)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := transport.RecvReliable(ctx)
	require.NoError(t, err)
	assert.Equal(t, codec.TypeStatus, first.Packet.Type)

	_, err = transport.RecvReliable(ctx)
	assert.Equal(t, DuplicatePacketError{}, err)

	acks := fc.Sent(time.Second)
	statusAcks := 0
	for _, f := range acks {
		if f[0] == codec.TypeStatusAck {
			statusAcks++
		}
	}
	assert.Equal(t, 2, statusAcks, "both deliveries should be ACKed even though the second is a duplicate")
}

func TestOnReconnectFailsInFlightSends(t *testing.T) {
	fc := testharness.NewFakeConn()
	endpoint := codec.Endpoint{0x01, 0x02, 0x03, 0x04, 0x05}
	transport := newTestTransport(t, fc, endpoint)
	defer transport.Stop()

	type outcome struct {
		res SendResult
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		res, err := transport.SendReliable(context.Background(), []byte{0x01, 0x00})
		resultCh <- outcome{res, err}
	}()

	fc.Sent(time.Second) // wait for the send to be in flight

	transport.onReconnect("heartbeat_miss")

	select {
	case o := <-resultCh:
		require.NoError(t, o.err)
		assert.False(t, o.res.Success)
		assert.Equal(t, ReasonACKTimeout, o.res.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("send_reliable did not observe reconnect failure")
	}
}

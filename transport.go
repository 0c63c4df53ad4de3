// Package cynctransport implements the reliable bidirectional
// transport: packet framing and codec, a deduplication cache, retry
// policy and backoff, a connection manager state machine, and the
// public Transport API with hybrid ACK matching described across
// SPEC_FULL.md.
package cynctransport

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jslamartina/cync-transport/internal/codec"
	"github.com/jslamartina/cync-transport/internal/conn"
	"github.com/jslamartina/cync-transport/internal/dedup"
	"github.com/jslamartina/cync-transport/internal/metrics"
	"github.com/jslamartina/cync-transport/internal/retry"
)

// SendResult is the outcome of a send_reliable call. Exactly one of
// (Success, Reason) is meaningful: Success implies Reason=="".
type SendResult struct {
	Success       bool
	CorrelationID uuid.UUID
	Reason        ErrorKind
	RetryCount    uint16
}

// TrackedPacket is a decoded inbound packet enriched with the fields
// recv_reliable's consumers need for observability (spec.md §3).
type TrackedPacket struct {
	Packet        codec.Packet
	CorrelationID uuid.UUID
	RecvTime      time.Time
	DedupKey      string
}

// pendingMessage is the owned record behind both indices described in
// spec.md §3 ("two indices over the same owned records"). It is
// resolved at most once (I2), by whichever of the ACK handler, the
// reconnect callback, the cleanup task, or Stop observes it first. A
// send that times out for good or is cancelled removes it from both
// indices without resolving it.
type pendingMessage struct {
	correlationID uuid.UUID
	msgID         uint16
	sentAt        time.Time

	resolved chan struct{}
	result   SendResult
	once     sync.Once
}

func newPendingMessage(correlationID uuid.UUID, msgID uint16) *pendingMessage {
	return &pendingMessage{
		correlationID: correlationID,
		msgID:         msgID,
		sentAt:        time.Now(),
		resolved:      make(chan struct{}),
	}
}

func (pm *pendingMessage) resolve(result SendResult) {
	pm.once.Do(func() {
		result.CorrelationID = pm.correlationID
		pm.result = result
		close(pm.resolved)
	})
}

// Transport is the public reliable-transport API (C6). It owns the
// connection manager, the dedup cache, the retry policy, the metrics
// set, and the pending-message indices. One Transport serves one
// connection to one endpoint.
type Transport struct {
	opts   Options
	policy retry.Policy
	logger zerolog.Logger
	m      *metrics.Metrics
	dedup  *dedup.Cache
	mgr    *conn.Manager

	endpoint codec.Endpoint
	auth     []byte

	mu                   sync.Mutex // the send critical section's state lock (I5)
	rng                  *rand.Rand
	nextMsgID            uint16
	pendingByCorrelation map[uuid.UUID]*pendingMessage
	msgIDToCorrelation   map[uint16]uuid.UUID

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// New constructs a Transport over the given injected Connection
// capability. opts is validated (and defaulted) in place.
func New(c conn.Conn, opts Options) (*Transport, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	policy := retry.NewPolicy(opts.measuredP99(), opts.MaxRetries, opts.backoffCap(), opts.BackoffJitterFraction)
	if opts.BackoffBaseMs > 0 {
		policy.BackoffBase = time.Duration(opts.BackoffBaseMs * float64(time.Millisecond))
	}
	logger := opts.logger()
	m := metrics.New(opts.MetricsNamespace, opts.Registerer)
	cache := dedup.New(opts.DedupMaxEntries, opts.dedupTTL(), func(string, uuid.UUID) {
		m.DedupCacheEvictions.Inc()
	})

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	t := &Transport{
		opts:                 opts,
		policy:               policy,
		logger:               logger,
		m:                    m,
		dedup:                cache,
		rng:                  rng,
		nextMsgID:            uint16(rng.Intn(1 << 16)),
		pendingByCorrelation: make(map[uuid.UUID]*pendingMessage),
		msgIDToCorrelation:   make(map[uint16]uuid.UUID),
	}

	t.mgr = conn.New(c, conn.Config{
		Host:              opts.Host,
		Port:              opts.Port,
		Policy:            policy,
		Backoff:           retry.NewBackoff(policy),
		Metrics:           m,
		Logger:            logger,
		HeartbeatInterval: opts.heartbeatInterval(),
		OnDataAck:         t.onDataAck,
		OnReconnect:       t.onReconnect,
	})

	return t, nil
}

// Connect stores endpoint/auth and drives the connection manager's
// handshake, then starts the cleanup safety-net task.
func (t *Transport) Connect(ctx context.Context, endpoint codec.Endpoint, auth []byte) error {
	t.endpoint = endpoint
	t.auth = auth

	if err := t.mgr.Connect(ctx, endpoint, auth); err != nil {
		t.logger.Error().Err(err).Msg("connect failed")
		return &HandshakeError{Reason: err.Error()}
	}
	t.logger.Info().Msg("connected")

	cleanupCtx, cancel := context.WithCancel(context.Background())
	t.cleanupCancel = cancel
	t.cleanupDone = make(chan struct{})
	go t.cleanupLoop(cleanupCtx)

	return nil
}

// State returns the connection manager's current state.
func (t *Transport) State() conn.State {
	return t.mgr.State()
}

// observeLockHold feeds the state_lock_hold_seconds histogram
// (spec.md §4.7) with the time t.mu was held, measured from start
// (taken right after Lock()) to the call site (taken right before
// Unlock()).
func (t *Transport) observeLockHold(start time.Time) {
	t.m.StateLockHoldSeconds.Observe(time.Since(start).Seconds())
}

// allocMsgIDLocked picks the next free msg_id under the state lock, per
// spec.md §4.2: "MUST NOT reuse a msg_id while a prior PendingMessage
// with that id is outstanding." Caller holds t.mu.
func (t *Transport) allocMsgIDLocked() uint16 {
	for i := 0; i < 1<<16; i++ {
		id := t.nextMsgID
		t.nextMsgID++
		if _, outstanding := t.msgIDToCorrelation[id]; !outstanding {
			return id
		}
	}
	// Every id is outstanding (65536 concurrent sends); extremely
	// unlikely in practice. Fall back to reusing the next id anyway
	// rather than deadlocking the caller.
	return t.nextMsgID
}

// SendReliable encodes payload as a 0x73 packet, sends it, and waits
// for its 0x7B ACK, retrying with C4 backoff up to MaxRetries.
func (t *Transport) SendReliable(ctx context.Context, payload []byte) (SendResult, error) {
	if t.mgr.State() != conn.Connected {
		return SendResult{Success: false, Reason: ReasonNotConnected}, nil
	}

	t.mu.Lock()
	lockStart := time.Now()
	msgID := t.allocMsgIDLocked()
	correlationID, err := uuid.NewV7()
	if err != nil {
		t.observeLockHold(lockStart)
		t.mu.Unlock()
		return SendResult{Success: false, Reason: ReasonEncodeError}, &EncodeError{Reason: err.Error()}
	}
	frame := codec.EncodeDataPacket(t.endpoint, msgID, payload)

	pm := newPendingMessage(correlationID, msgID)
	t.pendingByCorrelation[correlationID] = pm
	t.msgIDToCorrelation[msgID] = correlationID
	t.observeLockHold(lockStart)
	t.mu.Unlock()
	// Lock released before any network I/O or await, per I5.

	defer t.removePending(pm)

	var retryCount uint16
	for {
		if err := t.mgr.Write(frame); err != nil {
			t.m.MessageAbandonedTotal.WithLabelValues("write_error").Inc()
			return SendResult{Success: false, Reason: ReasonACKTimeout, RetryCount: retryCount}, nil
		}

		timer := time.NewTimer(t.policy.AckTimeout)
		select {
		case <-pm.resolved:
			timer.Stop()
			res := pm.result
			res.RetryCount = retryCount
			if res.Success {
				t.m.AckLatencySeconds.WithLabelValues("0x7B").Observe(time.Since(pm.sentAt).Seconds())
			}
			return res, nil

		case <-timer.C:
			if retryCount >= uint16(t.policy.MaxRetries) {
				t.m.AckTimeoutTotal.Inc()
				t.m.MessageAbandonedTotal.WithLabelValues("ack_timeout").Inc()
				return SendResult{Success: false, Reason: ReasonACKTimeout, RetryCount: retryCount}, nil
			}
			retryCount++
			t.m.RetryAttemptsTotal.WithLabelValues(strconv.Itoa(int(retryCount))).Inc()

			backoff := retry.NewBackoff(t.policy)
			delay := backoff.Delay(int(retryCount))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				t.m.MessageAbandonedTotal.WithLabelValues("cancelled").Inc()
				return SendResult{Success: false, Reason: ReasonCancelled, RetryCount: retryCount}, nil
			case <-pm.resolved:
				res := pm.result
				res.RetryCount = retryCount
				return res, nil
			}
			// loop: re-send same msg_id, same PendingMessage (I2: not destroyed yet).

		case <-ctx.Done():
			timer.Stop()
			t.m.MessageAbandonedTotal.WithLabelValues("cancelled").Inc()
			return SendResult{Success: false, Reason: ReasonCancelled, RetryCount: retryCount}, nil
		}
	}
}

// removePending deletes pm from both indices. Safe to call more than
// once; the second call is a no-op map delete.
func (t *Transport) removePending(pm *pendingMessage) {
	t.mu.Lock()
	lockStart := time.Now()
	delete(t.pendingByCorrelation, pm.correlationID)
	delete(t.msgIDToCorrelation, pm.msgID)
	t.observeLockHold(lockStart)
	t.mu.Unlock()
}

// onDataAck is the ack_handler callback given to the connection
// manager for 0x7B packets (hybrid matching's msg_id-addressed half).
func (t *Transport) onDataAck(pkt codec.Packet) {
	t.mu.Lock()
	lockStart := time.Now()
	correlationID, ok := t.msgIDToCorrelation[pkt.MsgID]
	var pm *pendingMessage
	if ok {
		pm = t.pendingByCorrelation[correlationID]
		delete(t.pendingByCorrelation, correlationID)
		delete(t.msgIDToCorrelation, pkt.MsgID)
	}
	t.observeLockHold(lockStart)
	t.mu.Unlock()

	if pm == nil {
		// Either never sent, or already resolved (timed out/abandoned)
		// and its indices cleared: this is a late ACK, per spec.md's
		// hybrid-matching discipline.
		t.m.LateAckTotal.Inc()
		return
	}
	pm.resolve(SendResult{Success: true})
}

// onReconnect fails every in-flight hybrid (0x7B) send with
// ACKTimeout{reason: reconnect}, per spec.md §4.6's failure semantics.
func (t *Transport) onReconnect(reason string) {
	t.mu.Lock()
	lockStart := time.Now()
	pending := make([]*pendingMessage, 0, len(t.pendingByCorrelation))
	for _, pm := range t.pendingByCorrelation {
		pending = append(pending, pm)
	}
	t.pendingByCorrelation = make(map[uuid.UUID]*pendingMessage)
	t.msgIDToCorrelation = make(map[uint16]uuid.UUID)
	t.observeLockHold(lockStart)
	t.mu.Unlock()

	for _, pm := range pending {
		t.m.MessageAbandonedTotal.WithLabelValues("reconnect").Inc()
		pm.resolve(SendResult{Success: false, Reason: ReasonACKTimeout})
	}
}

// RecvReliable dequeues the next inbound data/status/bulk-status/
// unknown packet, auto-ACKs it (idempotently, regardless of dedup
// outcome), and checks it against the dedup cache.
func (t *Transport) RecvReliable(ctx context.Context) (TrackedPacket, error) {
	pkt, err := t.mgr.PopData(ctx)
	if err != nil {
		switch {
		case errors.Is(err, conn.ErrFraming):
			return TrackedPacket{}, &FramingError{Reason: err.Error()}
		case errors.Is(err, conn.ErrDecode):
			return TrackedPacket{}, &DecodeError{Kind: err.Error()}
		case errors.Is(err, conn.ErrReconnecting), errors.Is(err, conn.ErrShutdown):
			return TrackedPacket{}, &AbandonedError{Reason: err.Error()}
		default:
			return TrackedPacket{}, err
		}
	}

	if ackType, ok := codec.AckTypeFor(pkt.Type); ok {
		ackFrame := codec.EncodeAck(ackType, pkt.Endpoint, pkt.MsgID)
		_ = t.mgr.Write(ackFrame) // best-effort; a write failure surfaces via the router's next read
	}

	key := codec.Fingerprint(pkt)
	correlationID, err := uuid.NewV7()
	if err != nil {
		correlationID = uuid.New()
	}

	if !t.dedup.Add(key, correlationID) {
		t.m.DedupCacheHitsTotal.Inc()
		t.m.IdempotentDropTotal.Inc()
		return TrackedPacket{}, DuplicatePacketError{}
	}
	t.m.DedupCacheSizeGauge.Set(float64(t.dedup.Len()))

	return TrackedPacket{
		Packet:        pkt,
		CorrelationID: correlationID,
		RecvTime:      time.Now(),
		DedupKey:      key,
	}, nil
}

// cleanupLoop is the safety net of I7: normal resolution happens in
// SendReliable's own timer, so this only catches entries that
// somehow outlived their ack_timeout (e.g. a caller that stopped
// polling its context).
func (t *Transport) cleanupLoop(ctx context.Context) {
	defer close(t.cleanupDone)
	ticker := time.NewTicker(t.policy.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweepExpired()
		}
	}
}

func (t *Transport) sweepExpired() {
	cutoff := time.Now().Add(-t.policy.AckTimeout)

	t.mu.Lock()
	lockStart := time.Now()
	var stale []*pendingMessage
	for id, pm := range t.pendingByCorrelation {
		if pm.sentAt.Before(cutoff) {
			stale = append(stale, pm)
			delete(t.pendingByCorrelation, id)
			delete(t.msgIDToCorrelation, pm.msgID)
		}
	}
	t.observeLockHold(lockStart)
	t.mu.Unlock()

	for _, pm := range stale {
		t.m.MessageAbandonedTotal.WithLabelValues("cleanup").Inc()
		pm.resolve(SendResult{Success: false, Reason: ReasonAbandoned})
	}
}

// Stop cancels the cleanup task and drives disconnect, abandoning any
// remaining in-flight sends.
func (t *Transport) Stop() {
	if t.cleanupCancel != nil {
		t.cleanupCancel()
		<-t.cleanupDone
	}

	t.mu.Lock()
	lockStart := time.Now()
	pending := make([]*pendingMessage, 0, len(t.pendingByCorrelation))
	for _, pm := range t.pendingByCorrelation {
		pending = append(pending, pm)
	}
	t.pendingByCorrelation = make(map[uuid.UUID]*pendingMessage)
	t.msgIDToCorrelation = make(map[uint16]uuid.UUID)
	t.observeLockHold(lockStart)
	t.mu.Unlock()

	for _, pm := range pending {
		pm.resolve(SendResult{Success: false, Reason: ReasonAbandoned})
	}

	t.mgr.Disconnect()
	t.logger.Info().Msg("stopped")
}

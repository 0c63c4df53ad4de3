package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jslamartina/cync-transport/internal/codec"
	"github.com/jslamartina/cync-transport/internal/framing"
	"github.com/jslamartina/cync-transport/internal/metrics"
	"github.com/jslamartina/cync-transport/internal/retry"
)

// recvPollTimeout bounds every blocking Conn.Recv call so that
// cancellation (ctx.Done) is observed within one poll period, per
// spec.md §5 ("Network reads use a short poll timeout").
const recvPollTimeout = 200 * time.Millisecond

const recvMaxLen = 64 * 1024

// Config bundles the construction-time parameters for a Manager.
type Config struct {
	Host              string
	Port              int
	Policy            retry.Policy
	Backoff           retry.Backoff
	Metrics           *metrics.Metrics
	Logger            zerolog.Logger
	MaxFrameLen       int
	HeartbeatInterval time.Duration

	// OnDataAck is invoked by the router for every 0x7B packet. The
	// reverse msg_id -> correlation_id map lives in the Reliable
	// Transport (C6); the manager only routes, it does not resolve.
	OnDataAck func(codec.Packet)
	// OnReconnect is invoked once each time a connection failure
	// triggers a reconnect, so the transport can fail in-flight hybrid (0x7B)
	// sends with ACKTimeout{reason: reconnect}.
	OnReconnect func(reason string)
}

// Manager is the connection state machine of spec.md §4.5.
type Manager struct {
	conn   Conn
	cfg    Config
	framer *framing.Framer
	data   *mailbox

	stateMu sync.Mutex
	state   State

	writeMu sync.Mutex // serializes all writes to conn (spec.md §5)

	fifo map[byte]*fifoQueue

	endpoint codec.Endpoint
	auth     []byte

	runMu     sync.Mutex // guards runCtx/runCancel/eg, written by startBackgroundTasks from any Connect call
	runCtx    context.Context
	runCancel context.CancelFunc
	eg        *errgroup.Group

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	reconnectWG    sync.WaitGroup

	reconnectMu  sync.Mutex
	reconnecting bool

	closed bool
}

// New constructs a Manager bound to conn. conn must not yet be
// connected.
func New(c Conn, cfg Config) *Manager {
	if cfg.MaxFrameLen <= 0 {
		cfg.MaxFrameLen = framing.DefaultMaxFrameLen
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.OnDataAck == nil {
		cfg.OnDataAck = func(codec.Packet) {}
	}
	if cfg.OnReconnect == nil {
		cfg.OnReconnect = func(string) {}
	}

	m := &Manager{
		conn:   c,
		cfg:    cfg,
		framer: framing.New(cfg.MaxFrameLen),
		data:   newMailbox(),
		fifo: map[byte]*fifoQueue{
			codec.TypeHandshakeAck:  newFIFOQueue(),
			codec.TypeStatusAck:     newFIFOQueue(),
			codec.TypeHeartbeatAck:  newFIFOQueue(),
			codec.TypeBulkStatusAck: newFIFOQueue(),
		},
	}
	m.shutdownCtx, m.shutdownCancel = context.WithCancel(context.Background())
	m.setState(Disconnected)
	return m
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	lockStart := time.Now()
	prev := m.state
	m.state = s
	hold := time.Since(lockStart)
	m.stateMu.Unlock()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.StateLockHoldSeconds.Observe(hold.Seconds())
	}
	if prev != s {
		m.cfg.Logger.Debug().Stringer("from", prev).Stringer("to", s).Msg("connection state transition")
	}
	if m.cfg.Metrics != nil {
		var gaugeVal metrics.ConnectionState
		switch s {
		case Disconnected:
			gaugeVal = metrics.StateDisconnected
		case Connecting:
			gaugeVal = metrics.StateConnecting
		case Connected:
			gaugeVal = metrics.StateConnected
		case Reconnecting:
			gaugeVal = metrics.StateReconnecting
		}
		m.cfg.Metrics.SetConnectionState(gaugeVal)
	}
}

// State returns the current connection state. Safe for concurrent use.
func (m *Manager) State() State {
	m.stateMu.Lock()
	lockStart := time.Now()
	s := m.state
	hold := time.Since(lockStart)
	m.stateMu.Unlock()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.StateLockHoldSeconds.Observe(hold.Seconds())
	}
	return s
}

// Connect dials, performs the handshake (retrying per the configured
// policy), and on success spawns the packet router and heartbeat
// tasks. It blocks until the connection is Connected or handshake
// retries are exhausted.
func (m *Manager) Connect(ctx context.Context, endpoint codec.Endpoint, auth []byte) error {
	m.endpoint = endpoint
	m.auth = auth

	b := m.cfg.Backoff
	var lastErr error
	for attempt := 0; attempt <= m.cfg.Policy.MaxRetries; attempt++ {
		m.setState(Connecting)

		if err := m.conn.Connect(ctx, m.cfg.Host, m.cfg.Port); err != nil {
			lastErr = err
			m.recordHandshake("dial_error")
		} else if err := m.handshake(ctx); err != nil {
			lastErr = err
			m.recordHandshake("timeout")
		} else {
			m.recordHandshake("success")
			m.data.reset()
			m.startBackgroundTasks()
			m.setState(Connected)
			return nil
		}

		if attempt < m.cfg.Policy.MaxRetries {
			select {
			case <-ctx.Done():
				m.setState(Disconnected)
				return ctx.Err()
			case <-time.After(b.Delay(attempt + 1)):
			}
		}
	}

	m.setState(Disconnected)
	if lastErr == nil {
		lastErr = ErrHandshakeTimeout
	}
	return lastErr
}

func (m *Manager) recordHandshake(outcome string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.HandshakeTotal.WithLabelValues(outcome).Inc()
	}
}

// handshake sends 0x23 on the raw connection and waits for 0x28,
// before the packet router exists (spec.md §4.5: "uses the raw
// connection before the router runs").
func (m *Manager) handshake(ctx context.Context) error {
	frame := codec.EncodeHandshake(m.endpoint, m.auth)
	if err := m.conn.Send(frame); err != nil {
		return err
	}

	deadline := time.Now().Add(m.cfg.Policy.HandshakeTimeout)
	fr := framing.New(m.cfg.MaxFrameLen)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		remaining := time.Until(deadline)
		pollTimeout := recvPollTimeout
		if remaining < pollTimeout {
			pollTimeout = remaining
		}
		chunk, err := m.conn.Recv(recvMaxLen, pollTimeout)
		if err != nil {
			continue // poll timeout; re-check deadline
		}
		frames, ferr := fr.Feed(chunk)
		if ferr != nil {
			return ferr
		}
		for _, raw := range frames {
			pkt, derr := codec.DecodePacket(raw)
			if derr != nil {
				continue
			}
			if pkt.Type == codec.TypeHandshakeAck {
				return nil
			}
		}
	}
	return ErrHandshakeTimeout
}

func (m *Manager) startBackgroundTasks() {
	runCtx, runCancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(runCtx)

	m.runMu.Lock()
	m.runCtx, m.runCancel, m.eg = runCtx, runCancel, eg
	m.runMu.Unlock()

	eg.Go(func() error {
		m.packetRouter(ctx)
		return nil
	})
	eg.Go(func() error {
		m.heartbeatLoop(ctx)
		return nil
	})
}

// currentRun returns the latest background-task context/cancel/group
// under runMu, so callers racing a reconnect that just replaced them
// (startBackgroundTasks) see a consistent snapshot.
func (m *Manager) currentRun() (context.CancelFunc, *errgroup.Group) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.runCancel, m.eg
}

// packetRouter is the single reader of the TCP stream (I1, P4). It
// decodes frames and dispatches them by type.
func (m *Manager) packetRouter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		chunk, err := m.conn.Recv(recvMaxLen, recvPollTimeout)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			m.triggerReconnect("read_error")
			return
		}
		if len(chunk) == 0 {
			continue
		}

		frames, ferr := m.framer.Feed(chunk)
		if ferr != nil {
			m.cfg.Logger.Warn().Err(ferr).Msg("fatal framing error; reconnecting")
			m.triggerReconnect("framing_error")
			return
		}

		for _, raw := range frames {
			pkt, derr := codec.DecodePacket(raw)
			if derr != nil {
				m.cfg.Logger.Warn().Err(derr).Msg("fatal decode error; reconnecting")
				m.triggerReconnect("decode_error")
				return
			}
			m.route(pkt)
		}
	}
}

func (m *Manager) route(pkt codec.Packet) {
	switch pkt.Type {
	case codec.TypeHandshakeAck:
		m.resolveFIFO(codec.TypeHandshakeAck, "0x28")
	case codec.TypeDataAck:
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.AckReceivedTotal.WithLabelValues("0x7B", "matched").Inc()
		}
		m.cfg.OnDataAck(pkt)
	case codec.TypeStatusAck:
		m.resolveFIFO(codec.TypeStatusAck, "0x88")
	case codec.TypeHeartbeatAck:
		m.resolveFIFO(codec.TypeHeartbeatAck, "0xD8")
	case codec.TypeBulkStatusAck:
		m.resolveFIFO(codec.TypeBulkStatusAck, "0x48")
	default:
		// 0x73/0x83/0x43/unknown: delivered to the data queue.
		m.data.push(pkt)
	}
}

func (m *Manager) resolveFIFO(ackType byte, label string) {
	q := m.fifo[ackType]
	ok := q.popAndResolve()
	if m.cfg.Metrics == nil {
		return
	}
	if ok {
		m.cfg.Metrics.AckReceivedTotal.WithLabelValues(label, "matched").Inc()
	} else {
		m.cfg.Metrics.OrphanAckTotal.Inc()
		m.cfg.Metrics.AckReceivedTotal.WithLabelValues(label, "orphan").Inc()
	}
}

// SendFIFO writes a request frame and waits for its FIFO-matched ACK,
// enforcing I4 (submission order == completion order per type).
func (m *Manager) SendFIFO(ctx context.Context, ackType byte, frame []byte, timeout time.Duration) error {
	q, ok := m.fifo[ackType]
	if !ok {
		return errors.New("conn: no FIFO queue for ack type")
	}

	w := newFIFOWaiter()
	cancel := q.push(w)

	if err := m.write(frame); err != nil {
		cancel()
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return w.err
	case <-timer.C:
		cancel()
		return ErrHandshakeTimeout // reused as a generic ack-timeout sentinel for FIFO waits
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// write serializes all outbound writes (spec.md §5: the socket is
// written by send_reliable, heartbeat, and the ACK emitter; never
// interleaved).
func (m *Manager) write(frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.Send(frame)
}

// Write exposes the serialized writer to callers outside this package
// (the Reliable Transport's send_reliable and auto-ACK emitter).
func (m *Manager) Write(frame []byte) error {
	return m.write(frame)
}

// PopData blocks until an inbound data/status/bulk-status/unknown
// packet is available, or ctx is done.
func (m *Manager) PopData(ctx context.Context) (codec.Packet, error) {
	return m.data.pop(ctx)
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame := codec.EncodeHeartbeat(m.endpoint)
		err := m.SendFIFO(ctx, codec.TypeHeartbeatAck, frame, m.cfg.Policy.HeartbeatTimeout)
		if err != nil {
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.HeartbeatTotal.WithLabelValues("miss").Inc()
			}
			m.cfg.Logger.Warn().Err(err).Msg("heartbeat miss; reconnecting")
			m.triggerReconnect("heartbeat_miss")
			return
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.HeartbeatTotal.WithLabelValues("ack").Inc()
		}
	}
}

// triggerReconnect tears down the current connection's tasks and
// spawns the reconnect loop. It is safe to call from multiple
// goroutines (router and heartbeat can both observe a failure); only
// the first call acts.
func (m *Manager) triggerReconnect(reason string) {
	m.reconnectMu.Lock()
	if m.reconnecting || m.closed {
		m.reconnectMu.Unlock()
		return
	}
	m.reconnecting = true
	// Add before releasing reconnectMu: Disconnect also takes this
	// mutex to set m.closed, so whichever side wins the race sees a
	// consistent ordering — either this Add happens-before Disconnect's
	// later reconnectWG.Wait(), or Disconnect's closed=true happens-
	// before this check and we return without adding at all.
	m.reconnectWG.Add(1)
	m.reconnectMu.Unlock()

	m.setState(Reconnecting)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ReconnectionTotal.WithLabelValues(reason).Inc()
	}

	runCancel, _ := m.currentRun()
	if runCancel != nil {
		runCancel()
	}
	_ = m.conn.Close()

	abandonErr := connErrForReason(reason)
	for _, q := range m.fifo {
		q.abandonAll(abandonErr)
	}
	m.data.fail(abandonErr)
	m.cfg.OnReconnect(reason)

	go func() {
		defer m.reconnectWG.Done()
		m.reconnectLoop()
	}()
}

// connErrForReason maps a trigger reason to the sentinel error
// surfaced to a blocked recv_reliable caller (spec.md §7): fatal
// framing/decode errors get their own typed errors, everything else
// (read_error, heartbeat_miss) is a generic reconnect.
func connErrForReason(reason string) error {
	switch reason {
	case "framing_error":
		return ErrFraming
	case "decode_error":
		return ErrDecode
	default:
		return ErrReconnecting
	}
}

// reconnectLoop retries Connect indefinitely (backoff capped per
// policy) until it succeeds or Disconnect() is called. Unlike the
// bounded retry count of the initial Connect(), an already-established
// connection that drops is assumed worth reconnecting forever — see
// DESIGN.md's Open Question resolution.
//
// Every wait and every Connect attempt is tied to m.shutdownCtx, so
// Disconnect cancelling it aborts an in-progress attempt promptly
// instead of letting it complete (and possibly resurrect the
// connection) after Disconnect has already returned.
func (m *Manager) reconnectLoop() {
	b := m.cfg.Backoff
	attempt := 0
	for {
		attempt++
		delay := b.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-m.shutdownCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(m.shutdownCtx, m.cfg.Policy.HandshakeTimeout)
		err := m.Connect(ctx, m.endpoint, m.auth)
		cancel()
		if err == nil {
			m.reconnectMu.Lock()
			m.reconnecting = false
			m.reconnectMu.Unlock()
			return
		}
		if m.shutdownCtx.Err() != nil {
			return
		}
		// Connect leaves the state Disconnected on failure; the manager
		// stays Reconnecting while it waits for the next attempt.
		m.setState(Reconnecting)
		m.cfg.Logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}
}

// Disconnect cancels all tasks in shutdown order (reconnect loop, then
// router/heartbeat, then the socket) and abandons every outstanding
// FIFO waiter and blocked PopData caller.
//
// It cancels shutdownCtx first and joins reconnectWG before tearing
// down runCtx/runCancel/eg, because a reconnect racing this call may
// still be replacing those fields via startBackgroundTasks; joining
// first guarantees the fields read afterward are the final ones, with
// no live background task left running once Disconnect returns.
func (m *Manager) Disconnect() {
	m.reconnectMu.Lock()
	if m.closed {
		m.reconnectMu.Unlock()
		return
	}
	m.closed = true
	m.reconnectMu.Unlock()

	m.shutdownCancel()

	if runCancel, _ := m.currentRun(); runCancel != nil {
		runCancel()
	}
	m.reconnectWG.Wait()

	// A reconnect may have raced this call and succeeded just before
	// shutdownCancel observed it, replacing runCtx/runCancel/eg with a
	// fresh set via startBackgroundTasks; tear those down too.
	if runCancel, eg := m.currentRun(); runCancel != nil {
		runCancel()
		if eg != nil {
			_ = eg.Wait()
		}
	}

	shutdownErr := ErrShutdown
	for _, q := range m.fifo {
		q.abandonAll(shutdownErr)
	}
	m.data.fail(shutdownErr)

	_ = m.conn.Close()
	m.setState(Disconnected)
}

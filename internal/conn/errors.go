package conn

import "errors"

// Sentinel errors surfaced by the connection manager. cynctransport
// wraps these into its public typed error taxonomy (spec.md §7).
var (
	ErrHandshakeTimeout = errors.New("conn: handshake timed out")
	ErrNotConnected     = errors.New("conn: not connected")
	ErrReconnecting     = errors.New("conn: connection is reconnecting")
	ErrShutdown         = errors.New("conn: shut down")
	ErrFraming          = errors.New("conn: fatal framing error")
	ErrDecode           = errors.New("conn: fatal decode error")
)

// Command cync-transport-probe is a minimal smoke-test binary for the
// transport: it dials a Cync-protocol endpoint, performs the
// handshake, sends one reliable payload, prints the result, and serves
// Prometheus metrics until interrupted.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cynctransport "github.com/jslamartina/cync-transport"
	"github.com/jslamartina/cync-transport/internal/codec"
	"github.com/jslamartina/cync-transport/internal/logging"
)

func main() {
	var (
		host         = flag.String("host", "127.0.0.1", "device bridge host")
		port         = flag.Int("port", 23779, "device bridge port")
		endpointHex  = flag.String("endpoint", "0102030405", "5-byte hex gateway endpoint")
		authHex      = flag.String("auth", "aabb", "hex authorization bytes")
		payloadHex   = flag.String("payload", "0100", "hex payload to send with send_reliable")
		metricsAddr  = flag.String("metrics-addr", ":9110", "address to serve /metrics on")
		connectDelay = flag.Duration("connect-timeout", 10*time.Second, "bound on the initial handshake")
	)
	flag.Parse()

	logger := logging.New(os.Stderr)

	endpointBytes, err := hex.DecodeString(*endpointHex)
	if err != nil || len(endpointBytes) != codec.EndpointLen {
		logger.Fatal().Str("endpoint", *endpointHex).Msg("endpoint must be 5 hex bytes")
	}
	var endpoint codec.Endpoint
	copy(endpoint[:], endpointBytes)

	auth, err := hex.DecodeString(*authHex)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid auth hex")
	}
	payload, err := hex.DecodeString(*payloadHex)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid payload hex")
	}

	registry := prometheus.NewRegistry()
	opts := cynctransport.DefaultOptions()
	opts.Host = *host
	opts.Port = *port
	opts.Registerer = registry
	opts.Logger = &logger

	transport, err := cynctransport.New(newTCPConn(), opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid options")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	connectCtx, cancel := context.WithTimeout(context.Background(), *connectDelay)
	defer cancel()
	if err := transport.Connect(connectCtx, endpoint, auth); err != nil {
		logger.Fatal().Err(err).Msg("handshake failed")
	}
	logger.Info().Str("state", transport.State().String()).Msg("connected")

	sendCtx, sendCancel := context.WithTimeout(context.Background(), *connectDelay)
	defer sendCancel()
	result, err := transport.SendReliable(sendCtx, payload)
	if err != nil {
		logger.Error().Err(err).Msg("send_reliable returned an error")
	} else {
		logger.Info().
			Bool("success", result.Success).
			Str("reason", string(result.Reason)).
			Uint16("retry_count", result.RetryCount).
			Msg("send_reliable result")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	transport.Stop()
	_ = metricsServer.Close()
}

// tcpConn adapts a *net.TCPConn to internal/conn.Conn.
type tcpConn struct {
	c net.Conn
}

func newTCPConn() *tcpConn { return &tcpConn{} }

func (t *tcpConn) Connect(ctx context.Context, host string, port int) error {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	t.c = c
	return nil
}

func (t *tcpConn) Send(b []byte) error {
	_, err := t.c.Write(b)
	return err
}

func (t *tcpConn) Recv(maxLen int, timeout time.Duration) ([]byte, error) {
	if err := t.c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, maxLen)
	n, err := t.c.Read(buf)
	if err != nil {
		// internal/conn's packet router treats only
		// context.DeadlineExceeded-compatible errors as a benign poll
		// timeout (see internal/conn.Manager.packetRouter); a net.Error
		// read deadline expiring must be translated to that, or every
		// idle poll between heartbeats gets misclassified as a fatal
		// read_error and forces a reconnect.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return buf[:n], nil
}

func (t *tcpConn) Close() error {
	if t.c == nil {
		return nil
	}
	return t.c.Close()
}

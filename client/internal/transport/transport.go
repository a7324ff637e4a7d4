// Package transport owns the one physical connection to the server and the
// yamux session multiplexed over it. Callers only ever get independent
// streams from a Session; the session itself is safe for concurrent use.
package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/yamux"

	"frpc/shared/connutil"
	"frpc/shared/logging"
)

// PayloadChunkSize bounds how much one relay read hands to a stream write.
// yamux frames each write by the stream window, so this is the knob that
// keeps single writes MTU-friendly.
const PayloadChunkSize = 128 * 1024

// WebsocketPath is where frps accepts websocket clients.
const WebsocketPath = "/~!frp"

// tlsMarker is written before the TLS handshake so frps can tell TLS
// clients apart on its single port.
const tlsMarker = 0x17

var ErrSessionClosed = errors.New("transport: session closed")

// Options controls how Dial reaches the server.
type Options struct {
	// Protocol is "tcp" (default) or "websocket".
	Protocol     string
	TLS          bool
	TLSPinSHA256 string
	DialTimeout  time.Duration
	Logger       *logging.Logger
}

func (o Options) logger() *logging.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logging.Global()
}

// Session is a client-mode yamux session over the server connection.
type Session struct {
	conn net.Conn
	mux  *yamux.Session
	log  *logging.Logger
}

// MuxConfig returns the yamux configuration used for client sessions.
// Receive windows grow as the application reads, which is the
// update-on-read policy frps expects.
func MuxConfig(log *logging.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.MaxStreamWindowSize = 2 * PayloadChunkSize
	cfg.StreamOpenTimeout = 30 * time.Second
	cfg.ConnectionWriteTimeout = 10 * time.Second
	cfg.LogOutput = log.Writer(logging.LevelDebug, logging.CatTransport)
	return cfg
}

// Dial connects to addr and starts a client session on the connection.
func Dial(ctx context.Context, addr string, opts Options) (*Session, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	switch strings.ToLower(opts.Protocol) {
	case "", "tcp":
		conn, err = dialTCP(ctx, addr, opts)
	case "websocket":
		conn, err = dialWebsocket(ctx, addr, opts)
	default:
		return nil, fmt.Errorf("transport: unsupported protocol %q", opts.Protocol)
	}
	if err != nil {
		return nil, err
	}
	s, err := NewClientSession(conn, opts.logger())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// NewClientSession runs a yamux client over an established connection.
// yamux's receive and send goroutines start here and live until the
// connection closes.
func NewClientSession(conn net.Conn, log *logging.Logger) (*Session, error) {
	if log == nil {
		log = logging.Global()
	}
	mux, err := yamux.Client(conn, MuxConfig(log))
	if err != nil {
		return nil, fmt.Errorf("transport: start session: %w", err)
	}
	return &Session{conn: conn, mux: mux, log: log}, nil
}

// OpenStream opens a new logical stream. It blocks until yamux admits the
// stream, ctx is done, or the session closes.
func (s *Session) OpenStream(ctx context.Context) (net.Conn, error) {
	if s.mux.IsClosed() {
		return nil, ErrSessionClosed
	}
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := s.mux.Open()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, yamux.ErrSessionShutdown) {
				return nil, ErrSessionClosed
			}
			return nil, fmt.Errorf("transport: open stream: %w", r.err)
		}
		return r.c, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.c != nil {
				_ = r.c.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close tears down every stream and the connection.
func (s *Session) Close() error {
	return s.mux.Close()
}

// CloseChan is closed when the session ends for any reason.
func (s *Session) CloseChan() <-chan struct{} {
	return s.mux.CloseChan()
}

func (s *Session) IsClosed() bool { return s.mux.IsClosed() }

func (s *Session) NumStreams() int { return s.mux.NumStreams() }

func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func dialTCP(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	d := &net.Dialer{KeepAlive: 15 * time.Second}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	connutil.Tune(raw, connutil.ServerOptions())
	if !opts.TLS {
		return raw, nil
	}
	if _, err := raw.Write([]byte{tlsMarker}); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("transport: write tls marker: %w", err)
	}
	return tlsHandshake(ctx, raw, addr, opts)
}

func tlsHandshake(ctx context.Context, raw net.Conn, addr string, opts Options) (net.Conn, error) {
	pin := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(opts.TLSPinSHA256), ":", ""))
	if pin == "" {
		opts.logger().Warn(logging.CatTransport, "TLS is not verifying the server certificate; set tls_pin_sha256 to pin it")
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	conn := tls.Client(raw, &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		ServerName:         host,
	})
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("transport: tls handshake: %w", err)
	}
	if pin != "" {
		state := conn.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			_ = conn.Close()
			return nil, errors.New("transport: tls pin requested but server did not present a certificate")
		}
		sum := sha256.Sum256(state.PeerCertificates[0].Raw)
		if got := fmt.Sprintf("%x", sum[:]); got != pin {
			_ = conn.Close()
			return nil, fmt.Errorf("transport: tls certificate pin mismatch: got %s", got)
		}
	}
	return conn, nil
}

// Package frpstest runs a scripted, in-process frps for tests. It speaks the
// real handshake: yamux server, plaintext Login/LoginResp, IV preamble, then
// encrypted control frames and plaintext work-stream handshakes.
package frpstest

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"frpc/client/internal/transport"
	"frpc/shared/crypto"
	"frpc/shared/logging"
	"frpc/shared/protocol"
)

// DefaultRunID is assigned to accepted logins unless Options.RunID is set.
const DefaultRunID = "abc123"

// Options scripts the fake server.
type Options struct {
	// Token checks privilege keys; empty accepts anything.
	Token string
	// RunID returned on success. Defaults to DefaultRunID.
	RunID string
	// LoginResp replaces the computed login answer when set.
	LoginResp *protocol.LoginResp
	// IV is sent after a successful login. Random when nil.
	IV []byte
	// TLS expects the 0x17 marker and a TLS handshake.
	TLS bool
	// Websocket serves yamux over websocket at transport.WebsocketPath.
	Websocket bool
	// NoPong leaves client pings unanswered.
	NoPong bool
}

// Server accepts client sessions until closed.
type Server struct {
	opts   Options
	ln     net.Listener
	http   *http.Server
	tlsCfg *tls.Config
	pin    string
	log    *logging.Logger

	conns chan *Conn
	wg    sync.WaitGroup

	mu       sync.Mutex
	sessions map[*yamux.Session]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// Start listens on a loopback port and serves in the background.
func Start(opts Options) (*Server, error) {
	if opts.RunID == "" {
		opts.RunID = DefaultRunID
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:   opts,
		ln:     ln,
		log:    logging.Global().WithField("component", "frpstest"),
		conns:    make(chan *Conn, 16),
		sessions: make(map[*yamux.Session]struct{}),
		closed:   make(chan struct{}),
	}
	if opts.TLS {
		cert, pin, err := selfSigned()
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		s.tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		s.pin = pin
	}
	if opts.Websocket {
		s.startWebsocket()
		return s, nil
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr is the host:port clients dial.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Fingerprint is the SHA256 pin of the TLS certificate, if any.
func (s *Server) Fingerprint() string { return s.pin }

// Close stops accepting and tears down every session.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.http != nil {
			_ = s.http.Close()
		}
		_ = s.ln.Close()
		s.mu.Lock()
		for mux := range s.sessions {
			_ = mux.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}

// NextConn waits for the next client session to finish its login exchange.
func (s *Server) NextConn(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-time.After(timeout):
		return nil, errors.New("frpstest: no client session")
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) startWebsocket() {
	upgrader := websocket.Upgrader{ReadBufferSize: 32 * 1024, WriteBufferSize: 32 * 1024}
	mux := http.NewServeMux()
	mux.HandleFunc(transport.WebsocketPath, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.serve(transport.NewWebsocketConn(ws))
	})
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.http.Serve(s.ln)
	}()
}

func (s *Server) serve(conn net.Conn) {
	if s.tlsCfg != nil {
		var marker [1]byte
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.ReadFull(conn, marker[:]); err != nil || marker[0] != 0x17 {
			_ = conn.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
		conn = tls.Server(conn, s.tlsCfg)
	}

	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	mux, err := yamux.Server(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	if !s.track(mux) {
		_ = mux.Close()
		return
	}
	defer s.untrack(mux)

	control, err := mux.AcceptStream()
	if err != nil {
		return
	}
	c, err := s.handshake(mux, control)
	if err != nil {
		s.log.Debug(logging.CatControl, "handshake ended", logging.F("error", err))
		return
	}
	select {
	case s.conns <- c:
	case <-s.closed:
		return
	}

	go c.acceptWork()
	c.readControl()

	select {
	case <-s.closed:
	case <-c.closed:
	case <-mux.CloseChan():
	}
}

func (s *Server) track(mux *yamux.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.sessions[mux] = struct{}{}
	return true
}

func (s *Server) untrack(mux *yamux.Session) {
	s.mu.Lock()
	delete(s.sessions, mux)
	s.mu.Unlock()
	_ = mux.Close()
}

func (s *Server) handshake(mux *yamux.Session, control net.Conn) (*Conn, error) {
	_ = control.SetReadDeadline(time.Now().Add(5 * time.Second))
	m, err := protocol.ReadMsg(control)
	_ = control.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("read login: %w", err)
	}
	login, ok := m.(*protocol.Login)
	if !ok {
		return nil, fmt.Errorf("expected Login, got %s", m.Type())
	}

	resp := s.opts.LoginResp
	if resp == nil {
		resp = &protocol.LoginResp{Version: "0.44.0", RunID: s.opts.RunID}
		if s.opts.Token != "" && !crypto.VerifyPrivilegeKey(s.opts.Token, login.Timestamp, login.PrivilegeKey) {
			resp = &protocol.LoginResp{Version: "0.44.0", Error: "token in login doesn't match token from configuration"}
		}
	}
	if err := protocol.WriteMsg(control, resp); err != nil {
		return nil, err
	}
	if resp.Error != "" || resp.RunID == "" {
		// Leave the session up; the client is expected to hang up.
		select {
		case <-mux.CloseChan():
		case <-s.closed:
		}
		return nil, errors.New("login rejected")
	}

	iv := s.opts.IV
	if iv == nil {
		if iv, err = crypto.NewIV(); err != nil {
			return nil, err
		}
	}
	if _, err := control.Write(iv); err != nil {
		return nil, err
	}
	enc, err := crypto.NewCoder(s.opts.Token, iv)
	if err != nil {
		return nil, err
	}
	return &Conn{
		srv:     s,
		mux:     mux,
		control: control,
		enc:     enc.EncryptWriter(control),
		Login:   login,
		frames:  make(chan protocol.Message, 64),
		works:   make(chan *WorkConn, 16),
		closed:  make(chan struct{}),
	}, nil
}

// Conn is one logged-in client session as seen by the server.
type Conn struct {
	srv     *Server
	mux     *yamux.Session
	control net.Conn

	wmu sync.Mutex
	enc io.Writer

	// Login is the client's Login message.
	Login *protocol.Login

	frames  chan protocol.Message
	works   chan *WorkConn
	pings   atomic.Int64
	readErr error // set before frames is closed

	closeOnce sync.Once
	closed    chan struct{}
}

// readControl decrypts the client's control frames. The client sends its
// IV in plaintext before the first encrypted frame.
func (c *Conn) readControl() {
	defer close(c.frames)
	iv := make([]byte, crypto.IVSize)
	if _, err := io.ReadFull(c.control, iv); err != nil {
		c.readErr = err
		return
	}
	dec, err := crypto.NewCoder(c.srv.opts.Token, iv)
	if err != nil {
		c.readErr = err
		return
	}
	r := dec.DecryptReader(c.control)
	for {
		m, err := protocol.ReadMsg(r)
		if err != nil {
			c.readErr = err
			return
		}
		if ping, ok := m.(*protocol.Ping); ok {
			c.pings.Add(1)
			if c.srv.opts.Token != "" && !crypto.VerifyPrivilegeKey(c.srv.opts.Token, ping.Timestamp, ping.PrivilegeKey) {
				_ = c.Send(&protocol.Pong{Error: "invalid privilege key"})
				continue
			}
			if !c.srv.opts.NoPong {
				_ = c.Send(&protocol.Pong{})
			}
			continue
		}
		c.frames <- m
	}
}

func (c *Conn) acceptWork() {
	for {
		stream, err := c.mux.AcceptStream()
		if err != nil {
			return
		}
		go func(stream net.Conn) {
			_ = stream.SetReadDeadline(time.Now().Add(5 * time.Second))
			m, err := protocol.ReadMsg(stream)
			_ = stream.SetReadDeadline(time.Time{})
			if err != nil {
				_ = stream.Close()
				return
			}
			msg, ok := m.(*protocol.NewWorkConn)
			if !ok {
				_ = stream.Close()
				return
			}
			select {
			case c.works <- &WorkConn{Conn: stream, Msg: msg}:
			case <-c.closed:
				_ = stream.Close()
			}
		}(stream)
	}
}

// NextFrame returns the next decrypted control frame other than Ping.
func (c *Conn) NextFrame(timeout time.Duration) (protocol.Message, error) {
	select {
	case m, ok := <-c.frames:
		if !ok {
			if c.readErr != nil {
				return nil, c.readErr
			}
			return nil, io.EOF
		}
		return m, nil
	case <-time.After(timeout):
		return nil, errors.New("frpstest: no control frame")
	}
}

// Send writes one encrypted control frame.
func (c *Conn) Send(m protocol.Message) error {
	buf, err := protocol.Pack(m)
	if err != nil {
		return err
	}
	return c.SendRaw(buf)
}

// SendRaw encrypts and writes b as a single stream write, framed or not.
func (c *Conn) SendRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.enc.Write(b)
	return err
}

// RequestWorkConn sends ReqWorkConn.
func (c *Conn) RequestWorkConn() error {
	return c.Send(&protocol.ReqWorkConn{})
}

// NextWorkConn waits for the client to open and authenticate a work stream.
func (c *Conn) NextWorkConn(timeout time.Duration) (*WorkConn, error) {
	select {
	case w := <-c.works:
		return w, nil
	case <-time.After(timeout):
		return nil, errors.New("frpstest: no work connection")
	}
}

// Pings counts the heartbeats received so far.
func (c *Conn) Pings() int64 { return c.pings.Load() }

// Done is closed when the client session ends.
func (c *Conn) Done() <-chan struct{} { return c.mux.CloseChan() }

// Close drops the client session.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.mux.Close()
}

// WorkConn is an authenticated work stream awaiting StartWorkConn.
type WorkConn struct {
	net.Conn
	Msg *protocol.NewWorkConn
}

// Start binds the stream to proxy. Afterwards the stream carries raw
// proxied bytes.
func (w *WorkConn) Start(proxy string) error {
	return protocol.WriteMsg(w.Conn, &protocol.StartWorkConn{
		ProxyName: proxy,
		SrcAddr:   "203.0.113.7",
		SrcPort:   50000,
		DstAddr:   "198.51.100.1",
		DstPort:   6000,
	})
}

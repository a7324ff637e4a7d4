package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"frpc/client/internal/config"
	"frpc/shared/crypto"
	"frpc/shared/logging"
	"frpc/shared/metrics"
	"frpc/shared/protocol"
	"frpc/shared/version"
)

// controlReadBuffer bounds one read of the control stream. Control frames
// are a few hundred bytes; the buffer holds many coalesced frames.
const controlReadBuffer = 64 * 1024

// State of a control channel. States only move forward.
type State int32

const (
	StateConnecting State = iota
	StateLoggingIn
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLoggingIn:
		return "logging in"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the multiplexed connection a control channel runs on.
// *transport.Session implements it.
type Session interface {
	OpenStream(ctx context.Context) (net.Conn, error)
	Close() error
}

// ControlOptions carries collaborators shared with the rest of the client.
// Zero values get private defaults.
type ControlOptions struct {
	Logger   *logging.Logger
	Metrics  *metrics.Set
	Status   *StatusTable
	Breakers *BreakerSet
	Dials    *DialLimiter
	Inflight *GracefulShutdown

	// Heartbeat overrides the config's heartbeat settings when non-zero.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Control drives one session: login, proxy announcement, then the
// dispatch loop for server requests.
type Control struct {
	sess Session
	cfg  *config.Config
	log  *logging.Logger

	metrics  *metrics.Set
	status   *StatusTable
	breakers *BreakerSet
	dials    *DialLimiter
	inflight *GracefulShutdown

	hbInterval time.Duration
	hbTimeout  time.Duration

	state  atomic.Int32
	runID  atomic.Value
	stream net.Conn
	coder  *crypto.Coder

	// writeMu serializes the encrypt direction; the heartbeat sends too.
	writeMu sync.Mutex
	ivSent  bool

	// announced is only touched by the Run loop.
	announced bool

	lastPong atomic.Int64

	failOnce sync.Once
	failErr  error
	closed   chan struct{}
}

func NewControl(sess Session, cfg *config.Config, opts ControlOptions) *Control {
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Status == nil {
		opts.Status = NewStatusTable(cfg)
	}
	if opts.Breakers == nil {
		opts.Breakers = NewBreakerSet()
	}
	if opts.Dials == nil {
		opts.Dials = NewDialLimiter(cfg.Common.MaxBackendDials)
	}
	if opts.Inflight == nil {
		opts.Inflight = NewGracefulShutdown(0)
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = cfg.HeartbeatInterval()
	}
	if opts.HeartbeatTimeout == 0 {
		opts.HeartbeatTimeout = cfg.HeartbeatTimeout()
	}
	c := &Control{
		sess:       sess,
		cfg:        cfg,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		status:     opts.Status,
		breakers:   opts.Breakers,
		dials:      opts.Dials,
		inflight:   opts.Inflight,
		hbInterval: opts.HeartbeatInterval,
		hbTimeout:  opts.HeartbeatTimeout,
		closed:     make(chan struct{}),
	}
	c.runID.Store("")
	return c
}

func (c *Control) State() State { return State(c.state.Load()) }

// RunID is the id the server assigned at login, or "" before that.
func (c *Control) RunID() string { return c.runID.Load().(string) }

// Streams is the number of open streams on the session, or 0 when the
// session does not count them.
func (c *Control) Streams() int {
	if sc, ok := c.sess.(interface{ NumStreams() int }); ok {
		return sc.NumStreams()
	}
	return 0
}

// Done is closed once the channel is closed.
func (c *Control) Done() <-chan struct{} { return c.closed }

// Err returns the error that closed the channel, if any.
func (c *Control) Err() error {
	select {
	case <-c.closed:
		return c.failErr
	default:
		return nil
	}
}

// Close shuts the channel and its session down.
func (c *Control) Close() error {
	c.fail(&SessionError{Op: "close", Err: net.ErrClosed})
	return nil
}

func (c *Control) setState(s State) { c.state.Store(int32(s)) }

// fail records the first fatal error and tears the session down. Every
// blocked stream read on the session then returns.
func (c *Control) fail(err error) {
	c.failOnce.Do(func() {
		c.failErr = err
		c.setState(StateClosed)
		close(c.closed)
		_ = c.sess.Close()
	})
}

// Login opens the control stream and performs the plaintext login exchange.
// On success the channel is Active and the session cipher is ready.
func (c *Control) Login(ctx context.Context) error {
	if c.State() != StateConnecting {
		return fmt.Errorf("agent: login in state %s", c.State())
	}
	stream, err := c.sess.OpenStream(ctx)
	if err != nil {
		err = &SessionError{Op: "open control stream", Err: err}
		c.fail(err)
		return err
	}
	c.stream = stream
	c.setState(StateLoggingIn)

	token := c.cfg.AuthToken()
	login := protocol.NewLogin()
	login.Version = version.Protocol
	login.User = c.cfg.Common.User
	login.PoolCount = c.cfg.Common.PoolCount
	login.Timestamp = time.Now().Unix()
	login.PrivilegeKey = crypto.PrivilegeKey(token, login.Timestamp)
	if err := protocol.WriteMsg(stream, login); err != nil {
		err = &SessionError{Op: "send login", Err: err}
		c.fail(err)
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = stream.SetReadDeadline(time.Now()) })
	defer stop()

	m, err := protocol.ReadMsg(stream)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		err = &SessionError{Op: "read login response", Err: err}
		c.fail(err)
		return err
	}
	resp, ok := m.(*protocol.LoginResp)
	if !ok {
		err = &SessionError{Op: "read login response", Err: fmt.Errorf("unexpected %s", m.Type())}
		c.fail(err)
		return err
	}
	if err := checkLoginResp(resp); err != nil {
		c.fail(err)
		return err
	}

	iv := make([]byte, crypto.IVSize)
	if _, err := io.ReadFull(stream, iv); err != nil {
		err = &SessionError{Op: "read iv", Err: err}
		c.fail(err)
		return err
	}
	coder, err := crypto.NewCoder(token, iv)
	if err != nil {
		err = &LoginError{Reason: "cipher init", Err: err}
		c.fail(err)
		return err
	}
	c.coder = coder
	c.runID.Store(resp.RunID)
	c.setState(StateActive)

	if !version.Compatible(resp.Version) {
		c.log.Warn(logging.CatControl, "server protocol version differs from client", logging.F(
			"server_version", resp.Version,
			"client_version", version.Protocol,
		))
	}
	c.log.Info(logging.CatControl, "logged in", logging.F("run_id", resp.RunID, "server_version", resp.Version))
	return nil
}

// checkLoginResp accepts a response only when it carries no error and a run id.
func checkLoginResp(resp *protocol.LoginResp) error {
	if resp.Error != "" {
		return &LoginError{Reason: resp.Error}
	}
	if resp.RunID == "" {
		return &LoginError{Reason: "server returned an empty run id"}
	}
	return nil
}

// Run is the Active loop. It announces the proxies once, then reads,
// decrypts and dispatches control frames until the session ends. The
// returned error is the one that closed the channel.
func (c *Control) Run(ctx context.Context) error {
	if c.State() != StateActive {
		return ErrNotLoggedIn
	}
	stop := context.AfterFunc(ctx, func() {
		c.fail(&SessionError{Op: "shutdown", Err: context.Cause(ctx)})
	})
	defer stop()

	if c.hbInterval > 0 {
		go c.heartbeat()
	}

	buf := make([]byte, controlReadBuffer)
	for {
		if !c.announced {
			if err := c.announceProxies(); err != nil {
				return c.finish(err)
			}
		}

		n, err := c.stream.Read(buf)
		if err != nil {
			return c.finish(&SessionError{Op: "read control stream", Err: err})
		}
		chunk := buf[:n]
		c.coder.Decrypt(chunk)

		frames, err := protocol.SplitFrames(chunk)
		if err != nil {
			return c.finish(&SessionError{Op: "frame", Err: err})
		}
		for _, f := range frames {
			m, err := protocol.Unpack(f.Type, f.Body)
			if err != nil {
				return c.finish(&SessionError{Op: "decode", Err: err})
			}
			if err := c.dispatch(ctx, m); err != nil {
				return c.finish(err)
			}
		}
	}
}

func (c *Control) finish(err error) error {
	c.fail(err)
	c.log.Info(logging.CatControl, "control channel closed", logging.F("error", c.failErr, "run_id", c.RunID()))
	return c.failErr
}

func (c *Control) dispatch(ctx context.Context, m protocol.Message) error {
	c.metrics.ControlFrames.WithLabelValues(m.Type().String()).Inc()
	switch msg := m.(type) {
	case *protocol.ReqWorkConn:
		go c.handleWorkConn(ctx)
	case *protocol.NewProxyResp:
		c.onNewProxyResp(msg)
	case *protocol.Pong:
		if msg.Error != "" {
			c.metrics.Heartbeats.WithLabelValues("pong_error").Inc()
			return &SessionError{Op: "heartbeat", Err: errors.New(msg.Error)}
		}
		c.metrics.Heartbeats.WithLabelValues("pong").Inc()
		c.lastPong.Store(time.Now().UnixNano())
	default:
		c.log.Debug(logging.CatControl, "ignoring control frame", logging.F("type", m.Type().String()))
	}
	return nil
}

func (c *Control) onNewProxyResp(msg *protocol.NewProxyResp) {
	if msg.Error != "" {
		c.metrics.ProxyRegistrations.WithLabelValues("error").Inc()
		c.status.set(msg.ProxyName, ProxyStartError, "", msg.Error)
		c.log.Warn(logging.CatProxy, "server rejected proxy", logging.F("proxy", msg.ProxyName, "error", msg.Error))
		return
	}
	c.metrics.ProxyRegistrations.WithLabelValues("ok").Inc()
	c.status.set(msg.ProxyName, ProxyRunning, msg.RemoteAddr, "")
	c.log.Info(logging.CatProxy, "proxy started", logging.F("proxy", msg.ProxyName, "remote_addr", msg.RemoteAddr))
}

// announceProxies sends one NewProxy per valid proxy. Invalid proxies are
// reported and skipped; they never reach the wire.
func (c *Control) announceProxies() error {
	for _, p := range c.cfg.ProxyList() {
		if err := p.Validate(); err != nil {
			c.status.set(p.Name, ProxyCheckFailed, "", err.Error())
			c.log.Warn(logging.CatProxy, "proxy not announced", logging.F("proxy", p.Name, "error", err))
			continue
		}
		if err := c.send(newProxyMsg(p)); err != nil {
			return &SessionError{Op: "announce proxy " + p.Name, Err: err}
		}
		c.status.set(p.Name, ProxyWaitStart, "", "")
		c.log.Debug(logging.CatProxy, "proxy announced", logging.F("proxy", p.Name, "type", string(p.Type)))
	}
	c.announced = true
	return nil
}

func newProxyMsg(p config.Proxy) *protocol.NewProxy {
	m := &protocol.NewProxy{ProxyName: p.Name, ProxyType: string(p.Type)}
	if p.IsWeb() {
		m.CustomDomains = p.CustomDomains
		m.SubDomain = p.SubDomain
	} else {
		m.RemotePort = p.RemotePort
	}
	return m
}

// send encrypts m as one frame. The first write of the session carries the
// plaintext IV ahead of the ciphertext.
func (c *Control) send(m protocol.Message) error {
	buf, err := protocol.Pack(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.coder.Encrypt(buf)
	if !c.ivSent {
		c.ivSent = true
		buf = append(c.coder.IV(), buf...)
	}
	_, err = c.stream.Write(buf)
	return err
}

func (c *Control) heartbeat() {
	c.lastPong.Store(time.Now().UnixNano())
	ticker := time.NewTicker(c.hbInterval)
	defer ticker.Stop()
	token := c.cfg.AuthToken()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}
		if c.hbTimeout > 0 && time.Since(time.Unix(0, c.lastPong.Load())) > c.hbTimeout {
			c.metrics.Heartbeats.WithLabelValues("timeout").Inc()
			c.log.Warn(logging.CatControl, "heartbeat timeout", logging.F("timeout", c.hbTimeout.String()))
			c.fail(&SessionError{Op: "heartbeat", Err: ErrHeartbeatTimeout})
			return
		}
		ts := time.Now().Unix()
		if err := c.send(&protocol.Ping{PrivilegeKey: crypto.PrivilegeKey(token, ts), Timestamp: ts}); err != nil {
			c.fail(&SessionError{Op: "send ping", Err: err})
			return
		}
		c.metrics.Heartbeats.WithLabelValues("ping").Inc()
	}
}

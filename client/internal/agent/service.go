package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"frpc/client/internal/config"
	"frpc/client/internal/transport"
	"frpc/shared/logging"
	"frpc/shared/metrics"
	"frpc/shared/retry"
)

// Options configures a Service. Zero values use defaults.
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Set
	Backoff retry.Config

	// Dial opens a session to the server. Defaults to transport.Dial with
	// the configured protocol and TLS settings.
	Dial func(ctx context.Context) (Session, error)

	// ShutdownTimeout bounds the wait for in-flight work connections.
	ShutdownTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Service runs control sessions back to back until its context ends or
// a session fails in a way reconnecting cannot fix.
type Service struct {
	cfg     *config.Config
	opts    Options
	log     *logging.Logger
	metrics *metrics.Set

	status   *StatusTable
	health   *HealthChecker
	breakers *BreakerSet
	dials    *DialLimiter
	inflight *GracefulShutdown

	mu  sync.Mutex
	ctl *Control
}

func NewService(cfg *config.Config, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Backoff == (retry.Config{}) {
		opts.Backoff = retry.DefaultConfig()
	}
	s := &Service{
		cfg:      cfg,
		opts:     opts,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		status:   NewStatusTable(cfg),
		health:   NewHealthChecker(),
		breakers: NewBreakerSet(),
		dials:    NewDialLimiter(cfg.Common.MaxBackendDials),
		inflight: NewGracefulShutdown(opts.ShutdownTimeout),
	}
	if s.opts.Dial == nil {
		s.opts.Dial = s.dialServer
	}
	return s
}

func (s *Service) dialServer(ctx context.Context) (Session, error) {
	sess, err := transport.Dial(ctx, s.cfg.ServerAddress(), transport.Options{
		Protocol:     s.cfg.Common.Protocol,
		TLS:          s.cfg.Common.TLSEnable,
		TLSPinSHA256: s.cfg.Common.TLSPinSHA256,
		DialTimeout:  s.cfg.DialServerTimeout(),
		Logger:       s.log,
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Run blocks until ctx is canceled (returning nil) or a fatal error occurs.
// A LoginError is always fatal. A DialError is fatal until the first session
// has reached Active; after that the server is assumed to come back.
func (s *Service) Run(ctx context.Context) error {
	defer s.drain()

	bo := retry.NewBackoff(s.opts.Backoff)
	everActive := false
	for {
		active, err := s.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if active {
			everActive = true
			bo.Reset()
		}

		var le *LoginError
		if errors.As(err, &le) {
			s.log.Error(logging.CatControl, "login rejected", logging.F("error", err))
			return err
		}
		var de *DialError
		if errors.As(err, &de) && !everActive {
			s.log.Error(logging.CatTransport, "cannot reach server", logging.F("error", err))
			return err
		}

		s.health.RecordError(err)
		s.health.RecordReconnectAttempt()
		s.log.Warn(logging.CatControl, "session ended, reconnecting", logging.F(
			"error", err,
			"attempt", bo.Attempt()+1,
		))
		if err := bo.NextWithContext(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// runSession reports whether the session reached Active, and why it ended.
func (s *Service) runSession(ctx context.Context) (bool, error) {
	sess, err := s.opts.Dial(ctx)
	if err != nil {
		s.metrics.SessionsTotal.WithLabelValues("dial_error").Inc()
		return false, &DialError{Addr: s.cfg.ServerAddress(), Err: err}
	}

	ctl := NewControl(sess, s.cfg, ControlOptions{
		Logger:            s.log,
		Metrics:           s.metrics,
		Status:            s.status,
		Breakers:          s.breakers,
		Dials:             s.dials,
		Inflight:          s.inflight,
		HeartbeatInterval: s.opts.HeartbeatInterval,
		HeartbeatTimeout:  s.opts.HeartbeatTimeout,
	})
	s.mu.Lock()
	s.ctl = ctl
	s.mu.Unlock()

	s.status.Reset()
	if err := ctl.Login(ctx); err != nil {
		var le *LoginError
		if errors.As(err, &le) {
			s.metrics.SessionsTotal.WithLabelValues("login_error").Inc()
		} else {
			s.metrics.SessionsTotal.WithLabelValues("error").Inc()
		}
		return false, err
	}

	s.health.SetConnected(true, ctl.RunID())
	s.metrics.SessionActive.Set(1)
	err = ctl.Run(ctx)
	s.metrics.SessionActive.Set(0)
	s.health.SetConnected(false, "")
	s.metrics.SessionsTotal.WithLabelValues("closed").Inc()
	return true, err
}

func (s *Service) drain() {
	s.mu.Lock()
	ctl := s.ctl
	s.mu.Unlock()
	if ctl != nil {
		_ = ctl.Close()
	}
	if n := s.inflight.Active(); n > 0 {
		s.log.Info(logging.CatWorkConn, "waiting for work connections", logging.F("active", n))
	}
	if err := s.inflight.Shutdown(context.Background()); err != nil {
		s.log.Warn(logging.CatWorkConn, "work connections still running at exit", logging.F("active", s.inflight.Active()))
	}
}

// ServiceStatus is what the admin endpoint reports.
type ServiceStatus struct {
	State      string                         `json:"state"`
	RunID      string                         `json:"run_id,omitempty"`
	ServerAddr string                         `json:"server_addr"`
	Proxies    []ProxyStatus                  `json:"proxies"`
	Health     HealthStatus                   `json:"health"`
	Breakers   map[string]CircuitBreakerStats `json:"breakers,omitempty"`
	WorkConns  int                            `json:"work_conns_active"`
	Streams    int                            `json:"streams"`
}

func (s *Service) Status() ServiceStatus {
	s.mu.Lock()
	ctl := s.ctl
	s.mu.Unlock()

	st := ServiceStatus{
		State:      StateConnecting.String(),
		ServerAddr: s.cfg.ServerAddress(),
		Proxies:    s.status.Snapshot(),
		Health:     s.health.GetStatus(),
		Breakers:   s.breakers.Stats(),
		WorkConns:  s.inflight.Active(),
	}
	if ctl != nil {
		st.State = ctl.State().String()
		st.RunID = ctl.RunID()
		st.Streams = ctl.Streams()
	}
	return st
}

// Active reports whether a control session is logged in right now.
func (s *Service) Active() bool {
	return s.health.IsHealthy()
}

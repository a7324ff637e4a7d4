package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"frpc/shared/connutil"
	"frpc/shared/crypto"
	"frpc/shared/ctxutil"
	"frpc/shared/logging"
	"frpc/shared/metrics"
	"frpc/shared/protocol"
)

// startWorkConnTimeout bounds the wait for StartWorkConn on a fresh stream.
const startWorkConnTimeout = 10 * time.Second

// handleWorkConn serves one ReqWorkConn. Failures stay inside this
// goroutine: they are logged, counted and recorded on the proxy.
func (c *Control) handleWorkConn(ctx context.Context) {
	if !c.inflight.TryAdd() {
		return
	}
	defer c.inflight.Done()

	ctx = ctxutil.WithConnID(ctx, uuid.NewString())
	ctx = ctxutil.WithRunID(ctx, c.RunID())
	ctx = ctxutil.WithStartTime(ctx, time.Now())

	proxy, err := c.serveWorkConn(ctx)
	log := c.log.WithFields(ctxutil.Fields(ctxutil.WithProxy(ctx, proxy)))
	if proxy != "" {
		c.status.recordWorkConn(proxy, err)
	}
	if err == nil {
		c.metrics.WorkConnsTotal.WithLabelValues(proxy, "ok").Inc()
		log.Debug(logging.CatWorkConn, "work connection finished")
		return
	}

	var we *WorkConnError
	step := "unknown"
	if errors.As(err, &we) {
		step = we.Step
	}
	c.metrics.WorkConnsTotal.WithLabelValues(proxy, step+"_error").Inc()
	if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
		log.Debug(logging.CatWorkConn, "work connection aborted", logging.F("error", err))
		return
	}
	log.RateLimitedWarn(logging.CatWorkConn, proxy+":"+step, "work connection failed", logging.F("error", err))
}

func (c *Control) serveWorkConn(ctx context.Context) (string, error) {
	stream, err := c.sess.OpenStream(ctx)
	if err != nil {
		return "", &WorkConnError{Step: "open", Err: err}
	}
	relaying := false
	defer func() {
		if !relaying {
			_ = stream.Close()
		}
	}()

	ts := time.Now().Unix()
	auth := &protocol.NewWorkConn{
		RunID:        c.RunID(),
		PrivilegeKey: crypto.PrivilegeKey(c.cfg.AuthToken(), ts),
		Timestamp:    ts,
	}
	if err := protocol.WriteMsg(stream, auth); err != nil {
		return "", &WorkConnError{Step: "auth", Err: err}
	}

	_ = stream.SetReadDeadline(time.Now().Add(startWorkConnTimeout))
	m, err := protocol.ReadMsg(stream)
	_ = stream.SetReadDeadline(time.Time{})
	if err != nil {
		return "", &WorkConnError{Step: "start", Err: err}
	}
	start, ok := m.(*protocol.StartWorkConn)
	if !ok {
		return "", &WorkConnError{Step: "start", Err: fmt.Errorf("unexpected %s", m.Type())}
	}
	if start.Error != "" {
		// Only names from the registry become metric labels.
		name := ""
		if p, err := c.cfg.ResolveProxy(start.ProxyName); err == nil {
			name = p.Name
		}
		return name, &WorkConnError{Step: "start", Proxy: start.ProxyName, Err: errors.New(start.Error)}
	}

	proxy, err := c.cfg.ResolveProxy(start.ProxyName)
	if err != nil {
		return "", &WorkConnError{Step: "resolve", Proxy: start.ProxyName, Err: err}
	}

	breaker := c.breakers.Get(proxy.Name)
	if !breaker.AllowRequest() {
		return proxy.Name, &WorkConnError{Step: "dial", Proxy: proxy.Name, Err: ErrCircuitOpen}
	}
	backend, err := c.dials.Dial(ctx, proxy.LocalAddr())
	if err != nil {
		breaker.RecordFailure()
		return proxy.Name, &WorkConnError{Step: "dial", Proxy: proxy.Name, Err: err}
	}
	breaker.RecordSuccess()
	connutil.Tune(backend, connutil.BackendOptions())

	relaying = true
	c.metrics.WorkConnsActive.Inc()
	toLocal, toServer := Relay(stream, backend)
	c.metrics.WorkConnsActive.Dec()
	c.metrics.RelayBytes.WithLabelValues(proxy.Name, metrics.DirectionToLocal).Add(float64(toLocal))
	c.metrics.RelayBytes.WithLabelValues(proxy.Name, metrics.DirectionToServer).Add(float64(toServer))

	c.log.Trace(logging.CatWorkConn, "relay done", ctxutil.Merge(ctxutil.Fields(ctx), logging.F(
		"proxy", proxy.Name,
		"src", fmt.Sprintf("%s:%d", start.SrcAddr, start.SrcPort),
		"to_local", toLocal,
		"to_server", toServer,
	)))
	return proxy.Name, nil
}

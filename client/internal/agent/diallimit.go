package agent

import (
	"context"
	"net"
	"time"
)

// backendDialTimeout bounds one dial of a local service.
const backendDialTimeout = 10 * time.Second

// DialLimiter bounds concurrent backend dials. A burst of ReqWorkConn for a
// slow or dead backend would otherwise pile up dials.
type DialLimiter struct {
	slots  chan struct{}
	dialer net.Dialer
}

func NewDialLimiter(n int) *DialLimiter {
	if n < 1 {
		n = 16
	}
	if n > 1024 {
		n = 1024
	}
	return &DialLimiter{
		slots:  make(chan struct{}, n),
		dialer: net.Dialer{Timeout: backendDialTimeout, KeepAlive: 30 * time.Second},
	}
}

func (d *DialLimiter) acquire(ctx context.Context) error {
	select {
	case d.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *DialLimiter) release() {
	select {
	case <-d.slots:
	default:
	}
}

// Dial connects to addr over TCP once a slot is free.
func (d *DialLimiter) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()
	return d.dialer.DialContext(ctx, "tcp", addr)
}

// InUse is the number of dials in progress.
func (d *DialLimiter) InUse() int { return len(d.slots) }

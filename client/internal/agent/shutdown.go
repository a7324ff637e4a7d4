package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// GracefulShutdown tracks in-flight work connections so the service can
// wait for them to unwind before returning.
type GracefulShutdown struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	timeout  time.Duration
	shutdown bool
	active   atomic.Int64
}

// NewGracefulShutdown creates a tracker. A timeout under one second means 30s.
func NewGracefulShutdown(timeout time.Duration) *GracefulShutdown {
	if timeout < time.Second {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{timeout: timeout}
}

// TryAdd registers one unit of work. It fails once shutdown has begun.
func (g *GracefulShutdown) TryAdd() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		return false
	}
	g.wg.Add(1)
	g.active.Add(1)
	return true
}

func (g *GracefulShutdown) Done() {
	g.active.Add(-1)
	g.wg.Done()
}

// Active is the number of registered units still running.
func (g *GracefulShutdown) Active() int { return int(g.active.Load()) }

// Shutdown refuses new work and waits for running work to finish, the
// timeout to pass, or ctx to end.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return nil
	}
	g.shutdown = true
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	waitCh := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

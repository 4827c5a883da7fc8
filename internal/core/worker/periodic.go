package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Periodic runs a function on a fixed interval in its own goroutine.
// Runs never overlap: a tick that fires while fn is still running is dropped.
type Periodic struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPeriodic creates a new Periodic worker. It does nothing until started.
func NewPeriodic(name string, interval time.Duration, fn func(ctx context.Context)) *Periodic {
	if interval <= 0 {
		interval = time.Second
	}
	return &Periodic{
		name:     name,
		interval: interval,
		fn:       fn,
		log:      slog.Default().With("component", "periodic", "worker", name),
	}
}

// Start runs the loop. Calling Start on a running worker is a no-op.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.loop(loopCtx, p.done)
	p.log.Debug("worker started", "interval", p.interval)
}

// Stop cancels the loop and waits for an in-flight run to return.
// Calling Stop on a stopped worker is a no-op.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.log.Debug("worker stopped")
}

// IsRunning reports whether the loop is active.
func (p *Periodic) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Interval returns the run interval.
func (p *Periodic) Interval() time.Duration {
	return p.interval
}

func (p *Periodic) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fn(ctx)
		}
	}
}

package providers

import (
	"context"
	"sync"
	"time"
)

// rateGate bounds concurrency against one upstream provider and enforces a
// minimum interval between request starts. With a rate limit of N requests
// per minute, at most N calls run concurrently and consecutive calls start
// at least 60/N seconds apart.
type rateGate struct {
	sem         chan struct{}
	minInterval time.Duration

	mu   sync.Mutex
	last time.Time
}

func newRateGate(rateLimit int) *rateGate {
	if rateLimit <= 0 {
		rateLimit = 60
	}
	return &rateGate{
		sem:         make(chan struct{}, rateLimit),
		minInterval: time.Minute / time.Duration(rateLimit),
	}
}

func (g *rateGate) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.mu.Lock()
	now := time.Now()
	wait := g.minInterval - now.Sub(g.last)
	if wait > 0 {
		g.last = now.Add(wait)
	} else {
		g.last = now
		wait = 0
	}
	g.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			<-g.sem
			return ctx.Err()
		}
	}
	return nil
}

func (g *rateGate) release() {
	<-g.sem
}

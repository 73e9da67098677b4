package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pacer spaces reviewer call starts by a fixed delay across every session
// that shares it. One Pacer exists per process; sequential-mode executors
// wait on it before each call.
type Pacer struct {
	delay time.Duration
	sem   *semaphore.Weighted

	mu   sync.Mutex
	next time.Time
	now  func() time.Time // for testing
}

// NewPacer creates a Pacer enforcing delay between consecutive call starts.
func NewPacer(delay time.Duration) *Pacer {
	return &Pacer{
		delay: delay,
		sem:   semaphore.NewWeighted(1),
		now:   time.Now,
	}
}

// Wait blocks until the caller may start its call. Callers are admitted one
// at a time; each admission books the next slot delay later. Returns
// ctx.Err() if the context ends first. A nil Pacer never blocks.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.delay <= 0 {
		return ctx.Err()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.mu.Lock()
	wait := p.next.Sub(p.now())
	p.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	p.mu.Lock()
	p.next = p.now().Add(p.delay)
	p.mu.Unlock()
	return nil
}

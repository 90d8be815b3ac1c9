package rate

import (
	"context"
	"go.uber.org/ratelimit"
)

// Jitter hands out tokens at limit per second with a small burst buffer.
// A nil *Jitter is unlimited.
type Jitter struct {
	ch    chan struct{}
	l     ratelimit.Limiter
	limit int
}

// NewJitter returns nil when limit <= 0.
func NewJitter(ctx context.Context, limit int) *Jitter {
	if limit <= 0 {
		return nil
	}
	brst := int(float64(limit) * 0.1)
	if brst < 1 {
		brst = 1
	}
	jitter := &Jitter{
		limit: limit,
		ch:    make(chan struct{}, brst),
		l:     ratelimit.New(limit),
	}
	go jitter.provider(ctx)
	return jitter
}

func (l *Jitter) provider(ctx context.Context) {
	defer close(l.ch)
	for {
		l.l.Take()
		select {
		case <-ctx.Done():
			return
		case l.ch <- struct{}{}:
		}
	}
}

// Wait blocks for a token or until ctx is done. It fails with ErrStopped
// once the provider has exited.
func (l *Jitter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-l.ch:
		if !ok {
			return ErrStopped
		}
		return nil
	}
}

func (l *Jitter) Limit() int {
	if l == nil {
		return 0
	}
	return l.limit
}

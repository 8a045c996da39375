package dispatch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter paces sends per session.
type Limiter interface {
	Wait(ctx context.Context, sessionID string) error
}

// TokenBucket keeps one token bucket per session.
type TokenBucket struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewTokenBucket returns nil (no pacing) when perSecond is not positive.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until sessionID may send or ctx ends. A nil bucket never blocks.
func (b *TokenBucket) Wait(ctx context.Context, sessionID string) error {
	if b == nil {
		return nil
	}
	return b.bucket(sessionID).Wait(ctx)
}

func (b *TokenBucket) bucket(sessionID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.buckets[sessionID]
	if !ok {
		l = rate.NewLimiter(b.limit, b.burst)
		b.buckets[sessionID] = l
	}
	return l
}

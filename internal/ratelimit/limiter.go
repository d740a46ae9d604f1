package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const keySettlementBucket = "vilokanam:settlement:ledger"

// Limiter paces calls to the external ledger.
type Limiter interface {
	Wait(ctx context.Context) error
	SetRate(rps float64, burst int)
}

// LocalLimiter is an in-process token bucket.
type LocalLimiter struct {
	limiter *rate.Limiter
}

func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until one token is available or ctx is done.
func (l *LocalLimiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (l *LocalLimiter) SetRate(rps float64, burst int) {
	if rate.Limit(rps) != l.limiter.Limit() {
		l.limiter.SetLimit(rate.Limit(rps))
	}
	if burst != l.limiter.Burst() {
		l.limiter.SetBurst(burst)
	}
}

// RedisLimiter shares one bucket across replicas. When redis is unreachable it
// falls back to the local bucket so settlement keeps its pace.
type RedisLimiter struct {
	bucket   *TokenBucket
	key      string
	fallback *LocalLimiter
	log      *zap.Logger

	mu    sync.RWMutex
	rps   float64
	burst int
}

func NewRedisLimiter(bucket *TokenBucket, rps float64, burst int, log *zap.Logger) *RedisLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLimiter{
		bucket:   bucket,
		key:      keySettlementBucket,
		fallback: NewLocalLimiter(rps, burst),
		log:      log.Named("ratelimit"),
		rps:      rps,
		burst:    burst,
	}
}

func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.RLock()
		rps, burst := l.rps, l.burst
		l.mu.RUnlock()

		res, err := l.bucket.Allow(ctx, l.key, rps, burst)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			l.log.Warn("shared rate limiter unavailable, using local bucket", zap.Error(err))
			return l.fallback.Wait(ctx)
		}
		if res.Allowed {
			return nil
		}

		wait := res.RetryAfter
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (l *RedisLimiter) SetRate(rps float64, burst int) {
	l.mu.Lock()
	l.rps, l.burst = rps, burst
	l.mu.Unlock()
	l.fallback.SetRate(rps, burst)
}

// Unlimited never blocks.
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error {
	return ctx.Err()
}

func (Unlimited) SetRate(float64, int) {}

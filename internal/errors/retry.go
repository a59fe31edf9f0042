package errors

import (
	"context"
	stderrors "errors"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// RetryConfig controls RetryWithResult. MaxRetries counts retries, so a value
// of 2 means up to three calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool

	// OnRetry, when set, is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, BackoffFactor: 2, Jitter: true}
}

// CatalogRetryConfig is used for Spotify Web API calls.
func CatalogRetryConfig() *RetryConfig {
	return &RetryConfig{MaxRetries: 2, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second, BackoffFactor: 2, Jitter: true}
}

// StorageRetryConfig is used for MinIO and S3 mirror operations.
func StorageRetryConfig() *RetryConfig {
	return &RetryConfig{MaxRetries: 5, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second, BackoffFactor: 2, Jitter: true}
}

// DownloadRetryConfig covers the attempts made against one audio source.
// attempts includes the first try.
func DownloadRetryConfig(attempts int, backoff time.Duration) *RetryConfig {
	return &RetryConfig{
		MaxRetries:     max(attempts, 1) - 1,
		InitialBackoff: backoff,
		MaxBackoff:     time.Minute,
		BackoffFactor:  2,
		Jitter:         true,
	}
}

// backoff returns the wait before retry number attempt+1, jittered by ±25%.
func (c *RetryConfig) backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 0; i < attempt; i++ {
		d *= c.BackoffFactor
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			d = float64(c.MaxBackoff)
			break
		}
	}
	if c.Jitter {
		d += d * 0.25 * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// Retry is RetryWithResult for functions without a result.
func Retry(ctx context.Context, cfg *RetryConfig, fn RetryableFunc) error {
	_, err := RetryWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult calls fn until it succeeds, returns an error that is not
// transient, the retries run out, or ctx is done. The last error is returned
// unchanged so callers can still match sentinels with errors.Is.
func RetryWithResult[T any](ctx context.Context, cfg *RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= cfg.MaxRetries || !isTransient(err) {
			return zero, err
		}

		wait := cfg.backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// retryMarker is implemented by errors that know whether they are transient.
type retryMarker interface {
	Retryable() bool
}

// transientMessages catch errors from clients that do not expose types, such
// as go-redis and the Spotify SDK.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"502",
	"503",
	"504",
	"429",
}

func isTransient(err error) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var marker retryMarker
	if stderrors.As(err, &marker) {
		return marker.Retryable()
	}
	if _, ok := As(err); ok {
		return IsRetryable(err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return netErr.Timeout()
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

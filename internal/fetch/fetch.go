// SPDX-License-Identifier: Apache-2.0

// Package fetch downloads article pages, either with a plain HTTP client or
// through a headless browser, retrying across a rotating list of proxies.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

var ErrFetchExhausted = errors.New("fetch retries exhausted")

const (
	DefaultRetries = 3
	DefaultTimeout = 15 * time.Second
	defaultBackoff = 500 * time.Millisecond
)

// Options are the per-call knobs a campaign may override.
type Options struct {
	Retries int
	Proxies []string
	Timeout time.Duration
}

// Merge fills the zero fields of o from defaults.
func (o Options) Merge(defaults Options) Options {
	if o.Retries <= 0 {
		o.Retries = defaults.Retries
	}
	if len(o.Proxies) == 0 {
		o.Proxies = defaults.Proxies
	}
	if o.Timeout <= 0 {
		o.Timeout = defaults.Timeout
	}
	if o.Retries <= 0 {
		o.Retries = DefaultRetries
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

type Fetcher interface {
	Fetch(ctx context.Context, target string, opts Options) (string, error)
}

// permanentError marks a failure that another attempt cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// attemptFunc performs one download through proxy ("" for a direct connection).
type attemptFunc func(ctx context.Context, proxy string) (string, error)

type retrier struct {
	limiter *rate.Limiter
	backoff time.Duration
	logger  *slog.Logger
}

func newRetrier(ratePerSec float64, backoff time.Duration, logger *slog.Logger) retrier {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return retrier{
		limiter: rate.NewLimiter(limit, 1),
		backoff: backoff,
		logger:  logger,
	}
}

func (r retrier) run(ctx context.Context, target string, opts Options, attempt attemptFunc) (string, error) {
	var lastErr error
	for n := 1; n <= opts.Retries; n++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", err
		}

		proxy := proxyFor(n, opts.Proxies)
		actx, cancel := context.WithTimeout(ctx, opts.Timeout)
		body, err := attempt(actx, proxy)
		cancel()
		if err == nil {
			return body, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return "", perm.err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		r.logger.Warn("fetch attempt failed",
			"url", target,
			"attempt", n,
			"proxy", redactProxy(proxy),
			"error", err,
		)

		if n < opts.Retries {
			timer := time.NewTimer(r.backoff * time.Duration(1<<(n-1)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %w", ErrFetchExhausted, opts.Retries, lastErr)
}

// proxyFor rotates through proxies, one per attempt.
func proxyFor(attempt int, proxies []string) string {
	if len(proxies) == 0 {
		return ""
	}
	return proxies[(attempt-1)%len(proxies)]
}

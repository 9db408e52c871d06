// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	maxBodyBytes = 10 << 20
	userAgent    = "Mozilla/5.0 (compatible; campaign-runtime/1.0)"
)

type HTTPConfig struct {
	Defaults   Options
	RatePerSec float64
	Backoff    time.Duration
	Logger     *slog.Logger

	// Transport is cloned per proxy. Defaults to http.DefaultTransport.
	Transport *http.Transport
}

// HTTPFetcher downloads pages with net/http. Clients are cached per proxy so
// connections are reused across attempts and runs.
type HTTPFetcher struct {
	defaults  Options
	retry     retrier
	transport *http.Transport

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport)
	}

	return &HTTPFetcher{
		defaults:  cfg.Defaults.Merge(Options{}),
		retry:     newRetrier(cfg.RatePerSec, cfg.Backoff, cfg.Logger),
		transport: transport,
		clients:   make(map[string]*http.Client),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, target string, opts Options) (string, error) {
	opts = opts.Merge(f.defaults)
	return f.retry.run(ctx, target, opts, func(ctx context.Context, proxy string) (string, error) {
		client, err := f.clientFor(proxy)
		if err != nil {
			return "", &permanentError{err: err}
		}
		return get(ctx, client, target)
	})
}

func (f *HTTPFetcher) clientFor(proxy string) (*http.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[proxy]; ok {
		return c, nil
	}

	t := f.transport.Clone()
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q", redactProxy(proxy))
		}
		t.Proxy = http.ProxyURL(u)
	}

	c := &http.Client{Transport: t}
	f.clients[proxy] = c
	return c, nil
}

// CloseIdleConnections releases pooled connections of every cached client.
func (f *HTTPFetcher) CloseIdleConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		c.CloseIdleConnections()
	}
}

func get(ctx context.Context, client *http.Client, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", &permanentError{err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		err := fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
		if retryableStatus(resp.StatusCode) {
			return "", err
		}
		return "", &permanentError{err: err}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code == http.StatusForbidden
}

// redactProxy drops credentials from a proxy url before it is logged.
func redactProxy(proxy string) string {
	if proxy == "" {
		return ""
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}

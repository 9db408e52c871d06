// SPDX-License-Identifier: Apache-2.0

// Package discovery finds the latest article published by a source site.
//
// Strategies are tried in a fixed order (sitemap, feed, HTML) and the first
// one that yields an article wins. Each strategy runs under its own timeout so
// a slow sitemap host cannot starve the fallbacks.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
)

const (
	defaultStrategyTimeout = 10 * time.Second
	maxDocumentBytes       = 5 << 20
	userAgent              = "campaign-runtime/1.0 (+discovery)"
)

const (
	MethodSitemap = "sitemap"
	MethodFeed    = "rss"
	MethodHTML    = "html"
)

// Strategy looks for an article on source. It returns domain.ErrNotFound when
// the site simply does not expose one its way.
type Strategy interface {
	Method() string
	Find(ctx context.Context, source string) (domain.Article, error)
}

type Chain struct {
	strategies []Strategy
	timeout    time.Duration
	logger     *slog.Logger
}

type Options struct {
	Client          *http.Client
	StrategyTimeout time.Duration
	Logger          *slog.Logger
}

// New returns the default chain: sitemap, then feed, then HTML.
func New(opts Options) *Chain {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return NewChain(opts.StrategyTimeout, opts.Logger,
		&Sitemap{Client: client},
		&Feed{Client: client},
		&HTML{Client: client},
	)
}

func NewChain(timeout time.Duration, logger *slog.Logger, strategies ...Strategy) *Chain {
	if timeout <= 0 {
		timeout = defaultStrategyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{strategies: strategies, timeout: timeout, logger: logger}
}

// Discover runs the strategies in order and returns the first article found.
func (c *Chain) Discover(ctx context.Context, source string) (domain.Article, error) {
	base, err := normalizeSource(source)
	if err != nil {
		return domain.Article{}, err
	}

	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return domain.Article{}, err
		}

		article, err := c.try(ctx, s, base)
		if err == nil && article.URL != "" {
			article.Method = s.Method()
			c.logger.Debug("article discovered", "method", s.Method(), "url", article.URL)
			return article, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			c.logger.Debug("discovery strategy failed", "method", s.Method(), "source", base, "error", err)
		}
	}

	return domain.Article{}, fmt.Errorf("no article found at %s: %w", base, domain.ErrNotFound)
}

func (c *Chain) try(ctx context.Context, s Strategy, source string) (domain.Article, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return s.Find(ctx, source)
}

func normalizeSource(source string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", errors.New("source url is required")
	}
	if !strings.Contains(source, "://") {
		source = "https://" + source
	}

	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid source url %q", source)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// siteRoot strips path, query and fragment from a source url.
func siteRoot(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return strings.TrimRight(source, "/")
	}
	return u.Scheme + "://" + u.Host
}

func getDocument(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

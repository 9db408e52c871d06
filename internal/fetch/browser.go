// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

type BrowserConfig struct {
	Defaults   Options
	RatePerSec float64
	Backoff    time.Duration
	Logger     *slog.Logger

	// Bin is the Chrome binary; empty lets rod find or download one.
	Bin string
}

// BrowserFetcher renders pages in a headless Chrome so script-built content is
// present in the returned HTML. Every attempt launches its own browser because
// the proxy is a launch flag.
type BrowserFetcher struct {
	defaults Options
	retry    retrier
	bin      string
}

func NewBrowserFetcher(cfg BrowserConfig) *BrowserFetcher {
	return &BrowserFetcher{
		defaults: cfg.Defaults.Merge(Options{}),
		retry:    newRetrier(cfg.RatePerSec, cfg.Backoff, cfg.Logger),
		bin:      cfg.Bin,
	}
}

func (f *BrowserFetcher) Fetch(ctx context.Context, target string, opts Options) (string, error) {
	opts = opts.Merge(f.defaults)
	return f.retry.run(ctx, target, opts, func(ctx context.Context, proxy string) (string, error) {
		return f.render(ctx, target, proxy)
	})
}

func (f *BrowserFetcher) render(ctx context.Context, target, proxy string) (string, error) {
	l := launcher.New().Context(ctx).Headless(true)
	if f.bin != "" {
		l = l.Bin(f.bin)
	}
	if proxy != "" {
		l = l.Proxy(proxy)
	}
	defer l.Cleanup()

	controlURL, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("launch browser: %w", err)
	}
	defer l.Kill()

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return "", fmt.Errorf("connect browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{URL: target})
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read page html: %w", err)
	}
	return html, nil
}

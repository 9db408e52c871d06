// SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/adiadia/campaign-runtime/internal/cms"
	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/adiadia/campaign-runtime/internal/fetch"
	"github.com/adiadia/campaign-runtime/internal/registry"
	"github.com/adiadia/campaign-runtime/internal/worker"
	"github.com/google/uuid"
)

type recordingHub struct {
	mu     sync.Mutex
	events []domain.LogEvent
}

func (h *recordingHub) Publish(_ uuid.UUID, ev domain.LogEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return 1
}

func (h *recordingHub) CloseRun(_ uuid.UUID, ev domain.LogEvent) {
	h.Publish(uuid.Nil, ev)
}

func (h *recordingHub) texts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, fmt.Sprintf("%s %s", ev.Level, ev.Text))
	}
	return out
}

type fakeDiscoverer struct {
	article domain.Article
	err     error
}

func (f fakeDiscoverer) Discover(context.Context, string) (domain.Article, error) {
	return f.article, f.err
}

type fakeFetcher struct {
	page string
	err  error
	opts fetch.Options
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, opts fetch.Options) (string, error) {
	f.opts = opts
	return f.page, f.err
}

type fakeRewriter struct {
	out string
	err error
}

func (f fakeRewriter) Rewrite(_ context.Context, text string, _ int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

type fakePublisher struct {
	result cms.Result
	post   cms.Post
	creds  cms.Credentials
	called bool
}

func (f *fakePublisher) Publish(_ context.Context, creds cms.Credentials, post cms.Post) cms.Result {
	f.called = true
	f.creds = creds
	f.post = post
	return f.result
}

func execute(t *testing.T, c Collaborators, cfg domain.CampaignConfig) (domain.RunStatus, []string) {
	t.Helper()

	reg := registry.New()
	hub := &recordingHub{}
	runID, err := reg.Create()
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	w := worker.New(worker.Deps{
		Registry: reg,
		Hub:      hub,
		Stages:   Default(c),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return w.Execute(context.Background(), runID, cfg), hub.texts()
}

func collaborators() (Collaborators, *fakeFetcher, *fakePublisher) {
	f := &fakeFetcher{page: "<html><body><article><p>Some article words here.</p></article></body></html>"}
	p := &fakePublisher{result: cms.Result{Success: true, PostID: 7, Link: "https://blog.local/?p=7"}}
	return Collaborators{
		Discoverer: fakeDiscoverer{article: domain.Article{
			URL:    "https://news.local/big-story",
			Title:  "Big Story",
			Method: "sitemap",
		}},
		Fetcher:   f,
		Rewriter:  fakeRewriter{out: "short version"},
		Publisher: p,
	}, f, p
}

func requireContains(t *testing.T, lines []string, want string) {
	t.Helper()
	for _, l := range lines {
		if strings.Contains(l, want) {
			return
		}
	}
	t.Fatalf("expected a line containing %q in %v", want, lines)
}

func TestPipelineSucceeds(t *testing.T) {
	c, f, p := collaborators()

	status, lines := execute(t, c, domain.CampaignConfig{
		"source":  "https://news.local",
		"retries": 5,
		"proxies": []any{"http://proxy.local:3128"},
		"cms":     map[string]any{"url": "https://blog.local", "username": "u", "password": "p"},
	})
	if status != domain.RunSuccess {
		t.Fatalf("expected success, got %s: %v", status, lines)
	}

	requireContains(t, lines, "SUCCESS Found article via sitemap: https://news.local/big-story")
	requireContains(t, lines, "SUCCESS Fetched page (4 words)")
	requireContains(t, lines, "SUCCESS Rewrote article (2 words)")
	requireContains(t, lines, "SUCCESS Published post 7: https://blog.local/?p=7")

	if f.opts.Retries != 5 || len(f.opts.Proxies) != 1 {
		t.Fatalf("campaign fetch options not forwarded: %+v", f.opts)
	}
	if p.post.Title != "Big Story" || p.post.Content != "short version" || p.creds.Username != "u" {
		t.Fatalf("unexpected publish call %+v %+v", p.post, p.creds)
	}
}

func TestPipelineWithoutSourceFails(t *testing.T) {
	c, _, _ := collaborators()

	status, lines := execute(t, c, domain.CampaignConfig{})
	if status != domain.RunFailed {
		t.Fatalf("expected failure, got %s", status)
	}
	requireContains(t, lines, "ERROR Run failed: discover stage failed: campaign source is required")
}

func TestPipelineNoArticleFound(t *testing.T) {
	c, _, _ := collaborators()
	c.Discoverer = fakeDiscoverer{err: fmt.Errorf("nothing: %w", domain.ErrNotFound)}

	status, lines := execute(t, c, domain.CampaignConfig{"source": "https://news.local"})
	if status != domain.RunFailed {
		t.Fatalf("expected failure, got %s", status)
	}
	requireContains(t, lines, "failed to detect article")
}

func TestPipelineFetchFailure(t *testing.T) {
	c, f, p := collaborators()
	f.err = fmt.Errorf("%w after 3 attempts: timeout", fetch.ErrFetchExhausted)

	status, lines := execute(t, c, domain.CampaignConfig{
		"source": "https://news.local",
		"cms":    map[string]any{"url": "https://blog.local"},
	})
	if status != domain.RunFailed {
		t.Fatalf("expected failure, got %s", status)
	}
	requireContains(t, lines, "ERROR Run failed: fetch stage failed: fetch retries exhausted")
	if p.called {
		t.Fatal("publish must not run after a fetch failure")
	}
}

func TestRewriteFallbackKeepsOriginal(t *testing.T) {
	c, _, p := collaborators()
	c.Rewriter = fakeRewriter{err: errors.New("quota exceeded")}

	status, lines := execute(t, c, domain.CampaignConfig{
		"source": "https://news.local",
		"cms":    map[string]any{"url": "https://blog.local"},
	})
	if status != domain.RunSuccess {
		t.Fatalf("expected success, got %s: %v", status, lines)
	}
	requireContains(t, lines, "INFO Rewrite unavailable, keeping original text: quota exceeded")
	if p.post.Content != "Some article words here." {
		t.Fatalf("expected original text to be published, got %q", p.post.Content)
	}
}

func TestPublishSkippedWithoutCMS(t *testing.T) {
	c, _, p := collaborators()

	status, lines := execute(t, c, domain.CampaignConfig{"source": "https://news.local"})
	if status != domain.RunSuccess {
		t.Fatalf("expected success, got %s", status)
	}
	requireContains(t, lines, "INFO No CMS configured, skipping publish")
	if p.called {
		t.Fatal("publisher must not be called without a cms block")
	}
}

func TestPublishRejected(t *testing.T) {
	c, _, p := collaborators()
	p.result = cms.Result{Message: "rest_cannot_create"}

	status, lines := execute(t, c, domain.CampaignConfig{
		"source": "https://news.local",
		"cms":    map[string]any{"url": "https://blog.local"},
	})
	if status != domain.RunFailed {
		t.Fatalf("expected failure, got %s", status)
	}
	requireContains(t, lines, "publish stage failed: cms rejected post: rest_cannot_create")
}

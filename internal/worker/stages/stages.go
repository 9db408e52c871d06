// SPDX-License-Identifier: Apache-2.0

// Package stages adapts the campaign collaborators (discovery, fetch, rewrite,
// publish) to the worker's Stage interface.
package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adiadia/campaign-runtime/internal/cms"
	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/adiadia/campaign-runtime/internal/fetch"
	"github.com/adiadia/campaign-runtime/internal/worker"
)

type Discoverer interface {
	Discover(ctx context.Context, source string) (domain.Article, error)
}

type Rewriter interface {
	Rewrite(ctx context.Context, text string, maxWords int) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, creds cms.Credentials, post cms.Post) cms.Result
}

type Collaborators struct {
	Discoverer Discoverer
	Fetcher    fetch.Fetcher
	Rewriter   Rewriter
	Publisher  Publisher
}

// Default returns the campaign pipeline in execution order.
func Default(c Collaborators) []worker.Stage {
	return []worker.Stage{
		&Discover{Discoverer: c.Discoverer},
		&Fetch{Fetcher: c.Fetcher},
		&Rewrite{Rewriter: c.Rewriter},
		&Publish{Publisher: c.Publisher},
	}
}

type Discover struct {
	Discoverer Discoverer
}

func (s *Discover) Name() domain.StageName { return domain.StageDiscover }

func (s *Discover) Execute(ctx context.Context, run *worker.Run) error {
	source := run.Campaign.Source
	if source == "" {
		return errors.New("campaign source is required")
	}

	run.Info("Discovering latest article from %s", source)
	article, err := s.Discoverer.Discover(ctx, source)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return errors.New("failed to detect article")
		}
		return err
	}

	run.Article = article
	run.Success("Found article via %s: %s", article.Method, article.URL)
	return nil
}

type Fetch struct {
	Fetcher fetch.Fetcher
}

func (s *Fetch) Name() domain.StageName { return domain.StageFetch }

func (s *Fetch) Execute(ctx context.Context, run *worker.Run) error {
	target := run.Article.URL
	if target == "" {
		return errors.New("no article to fetch")
	}

	run.Info("Fetching %s", target)
	page, err := s.Fetcher.Fetch(ctx, target, fetch.Options{
		Retries: run.Campaign.Retries,
		Proxies: run.Campaign.Proxies,
	})
	if err != nil {
		return err
	}

	run.HTML = page
	run.Content = fetch.ExtractText(page)
	if run.Content == "" {
		return fmt.Errorf("no readable text at %s", target)
	}

	run.Success("Fetched page (%d words)", len(strings.Fields(run.Content)))
	return nil
}

// Rewrite never fails the run: when the model is unavailable the original
// text is kept.
type Rewrite struct {
	Rewriter Rewriter
}

func (s *Rewrite) Name() domain.StageName { return domain.StageRewrite }

func (s *Rewrite) Execute(ctx context.Context, run *worker.Run) error {
	run.Info("Rewriting article (max %d words)", run.Campaign.MaxWords)

	out, err := s.Rewriter.Rewrite(ctx, run.Content, run.Campaign.MaxWords)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		run.Rewritten = run.Content
		run.Info("Rewrite unavailable, keeping original text: %v", err)
		return nil
	}

	run.Rewritten = out
	run.Success("Rewrote article (%d words)", len(strings.Fields(out)))
	return nil
}

type Publish struct {
	Publisher Publisher
}

func (s *Publish) Name() domain.StageName { return domain.StagePublish }

func (s *Publish) Execute(ctx context.Context, run *worker.Run) error {
	target := run.Campaign.CMS
	if target == nil {
		run.Info("No CMS configured, skipping publish")
		return nil
	}

	title := run.Article.Title
	if title == "" {
		title = run.Article.URL
	}

	run.Info("Publishing to %s", target.URL)
	res := s.Publisher.Publish(ctx, cms.Credentials{
		URL:      target.URL,
		Username: target.Username,
		Password: target.Password,
	}, cms.Post{
		Title:   title,
		Content: run.Rewritten,
		Status:  target.Status,
	})
	if !res.Success {
		return fmt.Errorf("cms rejected post: %s", res.Message)
	}

	run.PostURL = res.Link
	run.Success("Published post %d: %s", res.PostID, res.Link)
	return nil
}

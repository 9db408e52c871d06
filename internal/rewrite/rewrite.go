// SPDX-License-Identifier: Apache-2.0

// Package rewrite turns fetched article text into a short, simplified version
// using a Gemini model.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.0-flash"

var ErrEmptyResponse = errors.New("model returned no text")

type Rewriter interface {
	Rewrite(ctx context.Context, text string, maxWords int) (string, error)
}

// generator is the slice of the GenAI client the rewriter uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type GenAIRewriter struct {
	models          generator
	model           string
	defaultMaxWords int
}

type Config struct {
	APIKey          string
	Model           string
	DefaultMaxWords int
}

// New returns a GenAI backed rewriter, or a Passthrough when no API key is
// configured.
func New(ctx context.Context, cfg Config) (Rewriter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return Passthrough{}, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGenAIRewriter(client.Models, cfg), nil
}

func newGenAIRewriter(models generator, cfg Config) *GenAIRewriter {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxWords := cfg.DefaultMaxWords
	if maxWords <= 0 {
		maxWords = 800
	}
	return &GenAIRewriter{models: models, model: model, defaultMaxWords: maxWords}
}

func (r *GenAIRewriter) Rewrite(ctx context.Context, text string, maxWords int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	if maxWords <= 0 {
		maxWords = r.defaultMaxWords
	}

	resp, err := r.models.GenerateContent(ctx, r.model, genai.Text(Prompt(text, maxWords)), nil)
	if err != nil {
		return "", fmt.Errorf("genai generate: %w", err)
	}

	out := strings.TrimSpace(resp.Text())
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

func Prompt(text string, maxWords int) string {
	return fmt.Sprintf(
		"Rewrite the following article in simple English, max %d words. "+
			"Add 3-5 bullet points summary at top. Keep HTML clean.\n\n%s",
		maxWords, text,
	)
}

// Passthrough returns the text unchanged.
type Passthrough struct{}

func (Passthrough) Rewrite(_ context.Context, text string, _ int) (string, error) {
	return text, nil
}

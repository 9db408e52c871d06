// SPDX-License-Identifier: Apache-2.0

// Package cms talks to WordPress sites through the REST API using application
// passwords.
package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	categoriesPath   = "/wp-json/wp/v2/categories"
	postsPath        = "/wp-json/wp/v2/posts"
	defaultStatus    = "draft"
	maxResponseBytes = 1 << 20
)

type Credentials struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type Post struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// Result mirrors what the site answered. A failed call is reported in Message,
// never as a Go error, so callers can hand it to clients unchanged.
type Result struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Categories json.RawMessage `json:"categories,omitempty"`
	PostID     int64           `json:"post_id,omitempty"`
	Link       string          `json:"link,omitempty"`
}

type Client struct {
	http   *http.Client
	logger *slog.Logger
}

func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, logger: logger}
}

// Verify checks the credentials by listing the site's categories.
func (c *Client) Verify(ctx context.Context, creds Credentials) Result {
	status, body, err := c.do(ctx, http.MethodGet, creds, categoriesPath, nil)
	if err != nil {
		return Result{Message: err.Error()}
	}
	if status != http.StatusOK {
		return Result{Message: string(body)}
	}
	if !json.Valid(body) {
		return Result{Message: "invalid categories response"}
	}
	return Result{Success: true, Categories: json.RawMessage(body)}
}

// Publish creates a post. Status defaults to draft.
func (c *Client) Publish(ctx context.Context, creds Credentials, post Post) Result {
	if strings.TrimSpace(post.Status) == "" {
		post.Status = defaultStatus
	}

	payload, err := json.Marshal(post)
	if err != nil {
		return Result{Message: err.Error()}
	}

	status, body, err := c.do(ctx, http.MethodPost, creds, postsPath, payload)
	if err != nil {
		return Result{Message: err.Error()}
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return Result{Message: string(body)}
	}

	var created struct {
		ID   int64  `json:"id"`
		Link string `json:"link"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return Result{Message: fmt.Sprintf("decode created post: %v", err)}
	}

	c.logger.Info("cms post created", "site", siteURL(creds.URL), "post_id", created.ID, "status", post.Status)
	return Result{Success: true, PostID: created.ID, Link: created.Link}
}

func (c *Client) do(ctx context.Context, method string, creds Credentials, path string, payload []byte) (int, []byte, error) {
	base := siteURL(creds.URL)
	if base == "" {
		return 0, nil, fmt.Errorf("cms url is required")
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func siteURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/google/uuid"
)

const (
	webhookRetryAttempts    = 3
	webhookRetryBase        = 300 * time.Millisecond
	webhookHeaderSig        = "X-Signature"
	webhookEventRunFinished = "run.finished"
)

type terminalWebhookPayload struct {
	Event      string           `json:"event"`
	RunID      uuid.UUID        `json:"run_id"`
	Status     domain.RunStatus `json:"status"`
	FinishedAt time.Time        `json:"finished_at"`
}

// deliverTerminalWebhook runs after the hub stream has closed, so a slow
// endpoint only delays the executor goroutine, never subscribers.
func (w *Worker) deliverTerminalWebhook(
	ctx context.Context,
	runID uuid.UUID,
	status domain.RunStatus,
	finishedAt time.Time,
	webhookURL string,
	webhookSecret string,
) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" || w.httpClient == nil {
		return
	}

	logger := w.logger.With("run_id", runID, "status", status)

	if !w.webhookAllowed(webhookURL) {
		logger.Warn("webhook target not allowed", "webhook_url", webhookURL)
		return
	}

	body, err := json.Marshal(terminalWebhookPayload{
		Event:      webhookEventRunFinished,
		RunID:      runID,
		Status:     status,
		FinishedAt: finishedAt,
	})
	if err != nil {
		logger.Error("webhook payload marshal failed", "error", err)
		return
	}
	signature := signWebhookPayload(webhookSecret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		code, err := w.postWebhook(ctx, webhookURL, signature, body)
		if err == nil {
			logger.Info("webhook delivered", "attempt", attempt, "response_status", code)
			return
		}
		lastErr = err
		logger.Warn("webhook attempt failed", "attempt", attempt, "error", err)

		if attempt == webhookRetryAttempts {
			break
		}
		if !sleepCtx(ctx, webhookRetryBase*time.Duration(1<<(attempt-1))) {
			logger.Warn("webhook canceled before retry", "attempt", attempt, "error", ctx.Err())
			return
		}
	}

	logger.Log(ctx, slog.LevelError, "webhook retries exhausted", "error", lastErr)
}

func (w *Worker) postWebhook(ctx context.Context, url, signature string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(webhookHeaderSig, signature)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return resp.StatusCode, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func hostSet(hosts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			set[h] = struct{}{}
		}
	}
	return set
}

func (w *Worker) webhookAllowed(target string) bool {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return false
	}
	if _, ok := w.webhookHosts["*"]; ok {
		return true
	}
	_, ok := w.webhookHosts[strings.ToLower(u.Hostname())]
	return ok
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

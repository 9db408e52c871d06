// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// errRunFailed reports that a followed run ended FAILED or was not found.
var errRunFailed = errors.New("run did not succeed")

func exitCode(err error) int {
	if errors.Is(err, errRunFailed) {
		return 3
	}
	return 1
}

type runOptions struct {
	configPath  string
	source      string
	maxWords    int
	retries     int
	proxies     []string
	cmsURL      string
	cmsUser     string
	cmsPassword string
	cmsStatus   string
	webhookURL  string
	detach      bool
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a campaign run and stream its log",
		Long: `Start a campaign run and follow its log until the run finishes.

Events published before the log stream attaches are not replayed; use
GET /runs/{id}/logs on a server with the journal enabled for the full history.

Examples:
  campaign run --source https://example.com
  campaign run --config campaign.json --max-words 400
  campaign run --source https://example.com --cms-url https://blog.local --cms-user editor`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			server, _ := cmd.Flags().GetString("server")

			campaign, err := buildCampaign(opts)
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 15 * time.Second}
			runID, err := startRun(cmd.Context(), client, server, campaign)
			if err != nil {
				return err
			}
			logger.Debug("run started", "run_id", runID, "server", server)

			if opts.detach {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), runID)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "run %s started\n", runID)
			return watchRun(cmd.Context(), server, runID, cmd.OutOrStdout())
		},
	}

	addCampaignFlags(cmd, &opts)
	cmd.Flags().BoolVar(&opts.detach, "detach", false, "Print the run id and exit without streaming")

	return cmd
}

func addCampaignFlags(cmd *cobra.Command, opts *runOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "JSON file holding the campaign object")
	f.StringVar(&opts.source, "source", "", "Site to pull the latest article from")
	f.IntVar(&opts.maxWords, "max-words", 0, "Upper bound for the rewritten article")
	f.IntVar(&opts.retries, "retries", 0, "Fetch attempts per run")
	f.StringSliceVar(&opts.proxies, "proxy", nil, "Proxy URL for fetching (repeatable)")
	f.StringVar(&opts.cmsURL, "cms-url", "", "WordPress site to publish to")
	f.StringVar(&opts.cmsUser, "cms-user", "", "WordPress user")
	f.StringVar(&opts.cmsPassword, "cms-password", os.Getenv("CAMPAIGN_CMS_PASSWORD"), "WordPress application password")
	f.StringVar(&opts.cmsStatus, "cms-status", "", "Post status (draft, publish)")
	f.StringVar(&opts.webhookURL, "webhook-url", "", "URL notified when the run finishes")
}

func newWatchCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "watch RUN_ID",
		Short: "Follow the log of an existing run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")

			runID, err := uuid.Parse(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			logger.Debug("watching run", "run_id", runID, "server", server)
			return watchRun(cmd.Context(), server, runID, cmd.OutOrStdout())
		},
	}
}

// buildCampaign loads the optional config file and applies flag overrides.
func buildCampaign(opts runOptions) (domain.CampaignConfig, error) {
	campaign := domain.CampaignConfig{}
	if opts.configPath != "" {
		raw, err := os.ReadFile(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("read campaign config: %w", err)
		}
		if err := json.Unmarshal(raw, &campaign); err != nil {
			return nil, fmt.Errorf("parse campaign config: %w", err)
		}
		if campaign == nil {
			campaign = domain.CampaignConfig{}
		}
	}

	if s := strings.TrimSpace(opts.source); s != "" {
		campaign["source"] = s
	}
	if opts.maxWords > 0 {
		campaign["max_words"] = opts.maxWords
	}
	if opts.retries > 0 {
		campaign["retries"] = opts.retries
	}
	if len(opts.proxies) > 0 {
		campaign["proxies"] = opts.proxies
	}
	if opts.webhookURL != "" {
		campaign["webhook_url"] = opts.webhookURL
	}
	if opts.cmsURL != "" {
		target := map[string]any{
			"url":      opts.cmsURL,
			"username": opts.cmsUser,
			"password": opts.cmsPassword,
		}
		if opts.cmsStatus != "" {
			target["status"] = opts.cmsStatus
		}
		campaign["cms"] = target
	}

	if src, _ := campaign["source"].(string); strings.TrimSpace(src) == "" {
		return nil, errors.New("a source is required (--source or a \"source\" key in --config)")
	}
	return campaign, nil
}

func startRun(ctx context.Context, client *http.Client, server string, campaign domain.CampaignConfig) (uuid.UUID, error) {
	body, err := json.Marshal(map[string]any{"campaign": campaign})
	if err != nil {
		return uuid.Nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/runs", bytes.NewReader(body))
	if err != nil {
		return uuid.Nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("start run: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return uuid.Nil, fmt.Errorf("start run: server answered %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		Success bool   `json:"success"`
		RunID   string `json:"run_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return uuid.Nil, fmt.Errorf("decode start run response: %w", err)
	}
	return uuid.Parse(out.RunID)
}

func watchRun(ctx context.Context, server string, runID uuid.UUID, out io.Writer) error {
	target, err := wsURLFor(server, "/ws/logs/"+runID.String())
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("connect log stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	last, err := streamLogs(conn, out)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if last.Status != domain.RunSuccess {
		return fmt.Errorf("%w: %s", errRunFailed, last.Text)
	}
	return nil
}

// streamLogs prints frames until the terminal marker and returns it.
func streamLogs(conn *websocket.Conn, out io.Writer) (domain.LogEvent, error) {
	for {
		var ev domain.LogEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return domain.LogEvent{}, errors.New("log stream closed before the run finished")
			}
			return domain.LogEvent{}, fmt.Errorf("read log stream: %w", err)
		}

		_, _ = fmt.Fprintln(out, formatEvent(ev))
		if ev.Terminal {
			return ev, nil
		}
	}
}

func formatEvent(ev domain.LogEvent) string {
	line := fmt.Sprintf("%s [%s] %s", ev.Timestamp.Local().Format("15:04:05.000"), ev.Level, ev.Text)
	if ev.Terminal && ev.Status != "" {
		line += " (" + string(ev.Status) + ")"
	}
	return line
}

func wsURLFor(server, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(server))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server url %q", server)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

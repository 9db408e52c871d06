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
	"strings"
	"time"

	"github.com/adiadia/campaign-runtime/internal/cms"
	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/spf13/cobra"
)

func newValidateCmd(logger *slog.Logger) *cobra.Command {
	var (
		opts   runOptions
		remote bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a campaign without starting a run",
		Long: `Decode a campaign the way the run stages will and print what a run would use.

With --remote the server also looks for the latest article on the source
(POST /test-source) and checks the CMS credentials (POST /verify-connection).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := buildCampaign(opts)
			if err != nil {
				return err
			}
			campaign, err := domain.DecodeCampaign(raw)
			if err != nil {
				return fmt.Errorf("invalid campaign: %w", err)
			}

			out := cmd.OutOrStdout()
			printCampaign(out, campaign)
			if !remote {
				return nil
			}

			server, _ := cmd.Flags().GetString("server")
			client := &http.Client{Timeout: 30 * time.Second}
			logger.Debug("validating campaign remotely", "server", server, "source", campaign.Source)
			return checkRemote(cmd.Context(), client, server, campaign, out)
		},
	}

	addCampaignFlags(cmd, &opts)
	cmd.Flags().BoolVar(&remote, "remote", false, "Also probe the source and the CMS through the server")
	return cmd
}

func printCampaign(w io.Writer, c domain.Campaign) {
	_, _ = fmt.Fprintf(w, "source:    %s\n", c.Source)
	_, _ = fmt.Fprintf(w, "max words: %d\n", c.MaxWords)
	if c.Retries > 0 {
		_, _ = fmt.Fprintf(w, "retries:   %d\n", c.Retries)
	}
	if len(c.Proxies) > 0 {
		_, _ = fmt.Fprintf(w, "proxies:   %d\n", len(c.Proxies))
	}
	if c.CMS != nil {
		status := c.CMS.Status
		if status == "" {
			status = "draft"
		}
		_, _ = fmt.Fprintf(w, "cms:       %s as %s (%s)\n", c.CMS.URL, c.CMS.Username, status)
	} else {
		_, _ = fmt.Fprintln(w, "cms:       none, publishing is skipped")
	}
	if c.WebhookURL != "" {
		_, _ = fmt.Fprintf(w, "webhook:   %s\n", c.WebhookURL)
	}
}

// checkRemote reports every problem it finds before failing.
func checkRemote(ctx context.Context, client *http.Client, server string, c domain.Campaign, w io.Writer) error {
	var problems []string

	var probe struct {
		domain.Article
		Error string `json:"error"`
	}
	err := postJSON(ctx, client, server, "/test-source", map[string]string{"url": c.Source}, &probe)
	switch {
	case err != nil:
		problems = append(problems, "source: "+err.Error())
	case probe.Error != "":
		problems = append(problems, "source: "+probe.Error)
	default:
		_, _ = fmt.Fprintf(w, "latest:    %s (%s via %s)\n", probe.URL, probe.Title, probe.Method)
	}

	if c.CMS != nil {
		var res cms.Result
		err := postJSON(ctx, client, server, "/verify-connection", cms.Credentials{
			URL:      c.CMS.URL,
			Username: c.CMS.Username,
			Password: c.CMS.Password,
		}, &res)
		switch {
		case err != nil:
			problems = append(problems, "cms: "+err.Error())
		case !res.Success:
			problems = append(problems, "cms: "+res.Message)
		default:
			_, _ = fmt.Fprintln(w, "cms check: ok")
		}
	}

	if len(problems) > 0 {
		return errors.New("campaign check failed: " + strings.Join(problems, "; "))
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, server, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s answered %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

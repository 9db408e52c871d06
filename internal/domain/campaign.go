// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CampaignConfig is the job configuration exactly as the client sent it.
// The orchestration core never looks inside it.
type CampaignConfig map[string]any

const DefaultMaxWords = 800

type CMSTarget struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Status   string `json:"status"`
}

type Campaign struct {
	Source        string     `json:"source"`
	MaxWords      int        `json:"max_words"`
	Retries       int        `json:"retries"`
	Proxies       []string   `json:"proxies"`
	CMS           *CMSTarget `json:"cms"`
	WebhookURL    string     `json:"webhook_url"`
	WebhookSecret string     `json:"webhook_secret"`
}

// DecodeCampaign interprets a raw config for the stages. Unknown keys are ignored.
func DecodeCampaign(cfg CampaignConfig) (Campaign, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return Campaign{}, fmt.Errorf("encode campaign: %w", err)
	}

	var c Campaign
	if err := json.Unmarshal(raw, &c); err != nil {
		return Campaign{}, fmt.Errorf("decode campaign: %w", err)
	}

	c.Source = strings.TrimSpace(c.Source)
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	if c.MaxWords <= 0 {
		c.MaxWords = DefaultMaxWords
	}
	if c.CMS != nil && strings.TrimSpace(c.CMS.URL) == "" {
		c.CMS = nil
	}
	return c, nil
}

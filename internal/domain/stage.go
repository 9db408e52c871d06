// SPDX-License-Identifier: Apache-2.0

package domain

type StageName string

const (
	StageDiscover StageName = "discover"
	StageFetch    StageName = "fetch"
	StageRewrite  StageName = "rewrite"
	StagePublish  StageName = "publish"
	StageConfig   StageName = "config"
)

// Article is what content discovery found on a source site.
type Article struct {
	URL    string `json:"url"`
	Source string `json:"source"`
	Title  string `json:"title"`
	Method string `json:"method"`
}

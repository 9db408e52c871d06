// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TitleFromURL derives a human title from the last path segment of a post url:
// "https://x.dev/blog/my-first-post/" becomes "My First Post".
func TitleFromURL(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}

	slug := path.Base(strings.TrimRight(p, "/"))
	if slug == "." || slug == "/" {
		return ""
	}
	if ext := path.Ext(slug); ext == ".html" || ext == ".htm" || ext == ".php" {
		slug = strings.TrimSuffix(slug, ext)
	}
	if s, err := url.PathUnescape(slug); err == nil {
		slug = s
	}

	slug = strings.NewReplacer("-", " ", "_", " ").Replace(slug)
	// A Caser keeps state between calls and must not be shared.
	return cases.Title(language.English).String(strings.Join(strings.Fields(slug), " "))
}

// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/adiadia/campaign-runtime/internal/domain"
)

// postSitemapPattern matches child sitemaps that list posts, e.g.
// post-sitemap.xml, post-sitemap3.xml, news.xml, article2.xml.
var postSitemapPattern = regexp.MustCompile(`(post|article|news)(-sitemap)?(\d*)\.xml$`)

// Sitemap reads a sitemap index, picks the highest-numbered post sitemap and
// takes its last entry as the latest post.
type Sitemap struct {
	Client *http.Client
}

func (s *Sitemap) Method() string { return MethodSitemap }

func (s *Sitemap) Find(ctx context.Context, source string) (domain.Article, error) {
	var lastErr error
	for _, index := range sitemapCandidates(source) {
		article, err := s.fromIndex(ctx, index)
		if err == nil {
			return article, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = domain.ErrNotFound
	}
	return domain.Article{}, lastErr
}

func (s *Sitemap) fromIndex(ctx context.Context, index string) (domain.Article, error) {
	body, err := getDocument(ctx, s.Client, index)
	if err != nil {
		return domain.Article{}, err
	}

	locs, err := sitemapLocs(body)
	if err != nil {
		return domain.Article{}, fmt.Errorf("parse %s: %w", index, err)
	}

	child, ok := latestPostSitemap(locs)
	if !ok {
		return domain.Article{}, domain.ErrNotFound
	}

	body, err = getDocument(ctx, s.Client, child)
	if err != nil {
		return domain.Article{}, err
	}
	posts, err := sitemapLocs(body)
	if err != nil {
		return domain.Article{}, fmt.Errorf("parse %s: %w", child, err)
	}
	if len(posts) == 0 {
		return domain.Article{}, domain.ErrNotFound
	}

	latest := posts[len(posts)-1]
	return domain.Article{
		URL:    latest,
		Source: child,
		Title:  TitleFromURL(latest),
	}, nil
}

// sitemapCandidates lists index urls to try: the source itself, then the
// conventional index locations at the site root.
func sitemapCandidates(source string) []string {
	root := siteRoot(source)
	out := make([]string, 0, 3)
	seen := make(map[string]struct{}, 3)
	for _, u := range []string{source, root + "/sitemap_index.xml", root + "/sitemap.xml"} {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// latestPostSitemap returns the matching child sitemap with the highest number.
// An unnumbered sitemap counts as 1; ties go to the lexically greatest url.
func latestPostSitemap(locs []string) (string, bool) {
	best, bestNum := "", -1
	for _, loc := range locs {
		m := postSitemapPattern.FindStringSubmatch(loc)
		if m == nil {
			continue
		}

		num := 1
		if m[3] != "" {
			n, err := strconv.Atoi(m[3])
			if err != nil {
				continue
			}
			num = n
		}

		if num > bestNum || (num == bestNum && loc > best) {
			best, bestNum = loc, num
		}
	}
	return best, bestNum >= 0
}

// sitemapLocs collects the text of every <loc> element in document order. It
// works for both <sitemapindex> and <urlset> documents.
func sitemapLocs(body []byte) ([]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false

	var locs []string
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "loc" {
			continue
		}

		var loc string
		if err := dec.DecodeElement(&loc, &start); err != nil {
			return nil, err
		}
		if loc = strings.TrimSpace(loc); loc != "" {
			locs = append(locs, loc)
		}
	}
	return locs, nil
}

// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// postPathPattern recognizes permalinks such as /2025/03/slug, /blog/slug or
// /news/some-story.
var postPathPattern = regexp.MustCompile(`(?i)(/\d{4}/\d{2}/|/(blog|post|posts|news|article|articles)/[^/]+|/[a-z0-9]+(-[a-z0-9]+){2,}/?$)`)

// HTML scrapes the source page itself: the first link inside an <article>, or
// failing that the first same-site link that looks like a post permalink.
type HTML struct {
	Client *http.Client
}

func (h *HTML) Method() string { return MethodHTML }

func (h *HTML) Find(ctx context.Context, source string) (domain.Article, error) {
	body, err := getDocument(ctx, h.Client, source)
	if err != nil {
		return domain.Article{}, err
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return domain.Article{}, err
	}

	base, err := url.Parse(source)
	if err != nil {
		return domain.Article{}, err
	}

	link, text, ok := firstArticleLink(doc, base)
	if !ok {
		link, text, ok = firstPostLink(doc, base)
	}
	if !ok {
		return domain.Article{}, domain.ErrNotFound
	}

	title := strings.Join(strings.Fields(text), " ")
	if title == "" {
		title = TitleFromURL(link)
	}
	return domain.Article{URL: link, Source: source, Title: title}, nil
}

func firstArticleLink(doc *html.Node, base *url.URL) (string, string, bool) {
	for article := range doc.Descendants() {
		if article.Type != html.ElementNode || article.DataAtom != atom.Article {
			continue
		}
		for n := range article.Descendants() {
			if link, ok := anchorHref(n, base); ok {
				return link, textContent(n), true
			}
		}
	}
	return "", "", false
}

func firstPostLink(doc *html.Node, base *url.URL) (string, string, bool) {
	for n := range doc.Descendants() {
		link, ok := anchorHref(n, base)
		if !ok {
			continue
		}
		u, err := url.Parse(link)
		if err != nil || u.Host != base.Host {
			continue
		}
		if postPathPattern.MatchString(u.Path) {
			return link, textContent(n), true
		}
	}
	return "", "", false
}

func anchorHref(n *html.Node, base *url.URL) (string, bool) {
	if n.Type != html.ElementNode || n.DataAtom != atom.A {
		return "", false
	}
	for _, attr := range n.Attr {
		if attr.Key == "href" {
			link := resolve(base, attr.Val)
			return link, link != ""
		}
	}
	return "", false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	for d := range n.Descendants() {
		if d.Type == html.TextNode {
			b.WriteString(d.Data)
			b.WriteByte(' ')
		}
	}
	return b.String()
}

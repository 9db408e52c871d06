// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"bytes"
	"context"
	"encoding/xml"
	"net/http"
	"net/url"
	"strings"

	"github.com/adiadia/campaign-runtime/internal/domain"
)

// Feed reads an RSS 2.0 or Atom feed and returns its first entry.
type Feed struct {
	Client *http.Client
}

type rssDocument struct {
	XMLName xml.Name `xml:"rss"`
	Items   []struct {
		Title string `xml:"title"`
		Link  string `xml:"link"`
	} `xml:"channel>item"`
}

type atomDocument struct {
	XMLName xml.Name `xml:"feed"`
	Entries []struct {
		Title string     `xml:"title"`
		Links []atomLink `xml:"link"`
	} `xml:"entry"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

func (f *Feed) Method() string { return MethodFeed }

func (f *Feed) Find(ctx context.Context, source string) (domain.Article, error) {
	var lastErr error = domain.ErrNotFound
	for _, candidate := range feedCandidates(source) {
		body, err := getDocument(ctx, f.Client, candidate)
		if err != nil {
			lastErr = err
			continue
		}
		if article, ok := parseFeed(body, candidate); ok {
			return article, nil
		}
	}
	return domain.Article{}, lastErr
}

func feedCandidates(source string) []string {
	root := siteRoot(source)
	out := []string{source}
	for _, p := range []string{"/feed", "/rss.xml", "/atom.xml"} {
		if c := root + p; c != source {
			out = append(out, c)
		}
	}
	return out
}

func parseFeed(body []byte, feedURL string) (domain.Article, bool) {
	base, err := url.Parse(feedURL)
	if err != nil {
		return domain.Article{}, false
	}

	var rss rssDocument
	if err := decodeXML(body, &rss); err == nil {
		for _, item := range rss.Items {
			if link := resolve(base, item.Link); link != "" {
				return feedArticle(link, item.Title, feedURL), true
			}
		}
		return domain.Article{}, false
	}

	var atom atomDocument
	if err := decodeXML(body, &atom); err == nil {
		for _, entry := range atom.Entries {
			if link := resolve(base, alternateLink(entry.Links)); link != "" {
				return feedArticle(link, entry.Title, feedURL), true
			}
		}
	}
	return domain.Article{}, false
}

func alternateLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "" || l.Rel == "alternate" {
			return l.Href
		}
	}
	if len(links) > 0 {
		return links[0].Href
	}
	return ""
}

func feedArticle(link, title, feedURL string) domain.Article {
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		title = TitleFromURL(link)
	}
	return domain.Article{URL: link, Source: feedURL, Title: title}
}

func decodeXML(body []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	return dec.Decode(v)
}

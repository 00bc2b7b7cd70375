// Package extractor turns fetched HTML into the structured SEO data the
// crawl pipeline persists: title and description, canonical URL, meta robots
// directives, outgoing links with their rel semantics, and a content hash
// used for change detection.
package extractor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/seoscope/crawler/internal/urlnorm"
)

// Link is one outgoing anchor found on a page. Href is absolute, resolved
// against the page's final URL (honoring <base href>), but not normalized;
// identity normalization is the caller's concern.
type Link struct {
	Href       string
	Anchor     string
	Rel        string
	IsExternal bool
	NoFollow   bool
	Sponsored  bool
	UGC        bool
}

// Extraction is the structured result of parsing one HTML page.
type Extraction struct {
	Title       string
	Description string
	Canonical   string

	// NoIndex and NoFollow reflect the page-level meta robots directives.
	NoIndex  bool
	NoFollow bool

	// ContentHash is the hex SHA-256 of the visible body text, so content
	// changes are detectable independent of markup changes.
	ContentHash string

	Links []Link
}

// nonContentSelectors lists elements stripped before hashing body text.
const nonContentSelectors = "script, style, nav, header, footer"

// Extractor parses HTML with goquery. Stateless and safe for concurrent use.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract parses the page and collects its SEO-relevant structure. finalURL
// is the URL that produced the body, after redirects; it anchors relative
// link resolution and the internal/external split.
func (e *Extractor) Extract(body []byte, finalURL string) (*Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	ext := &Extraction{
		Title:       extractTitle(doc),
		Description: extractDescription(doc),
		Canonical:   extractCanonical(doc),
		ContentHash: hashBodyText(doc),
	}
	ext.NoIndex, ext.NoFollow = robotsDirectives(doc)
	ext.Links = extractLinks(doc, finalURL)

	return ext, nil
}

// extractTitle prefers <title>, falling back to og:title.
func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}

	if ogTitle, exists := doc.Find("meta[property='og:title']").Attr("content"); exists {
		return strings.TrimSpace(ogTitle)
	}

	return ""
}

// extractDescription prefers the description meta tag, falling back to
// og:description.
func extractDescription(doc *goquery.Document) string {
	if desc, exists := doc.Find("meta[name='description']").Attr("content"); exists {
		return strings.TrimSpace(desc)
	}

	if ogDesc, exists := doc.Find("meta[property='og:description']").Attr("content"); exists {
		return strings.TrimSpace(ogDesc)
	}

	return ""
}

func extractCanonical(doc *goquery.Document) string {
	href, _ := doc.Find("link[rel='canonical']").First().Attr("href")
	return strings.TrimSpace(href)
}

// robotsDirectives reads every meta robots tag and unions the directives.
// The tag name is matched case-insensitively since sites emit both
// name="robots" and name="ROBOTS".
func robotsDirectives(doc *goquery.Document) (noIndex, noFollow bool) {
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		if !strings.EqualFold(name, "robots") {
			return
		}

		content, _ := s.Attr("content")
		for _, token := range strings.Split(content, ",") {
			switch strings.ToLower(strings.TrimSpace(token)) {
			case "noindex":
				noIndex = true
			case "nofollow":
				noFollow = true
			case "none":
				noIndex = true
				noFollow = true
			}
		}
	})

	return noIndex, noFollow
}

// hashBodyText hashes the page's visible text. <article> content is
// preferred; otherwise <body> with non-content elements stripped. The
// selection is cloned first: stripping must not eat links that the link pass
// still needs to see.
func hashBodyText(doc *goquery.Document) string {
	var text string

	if article := doc.Find("article").First(); article.Length() > 0 {
		text = strippedText(article)
	} else if body := doc.Find("body").First(); body.Length() > 0 {
		text = strippedText(body)
	}

	sum := sha256.Sum256([]byte(text))

	return hex.EncodeToString(sum[:])
}

func strippedText(s *goquery.Selection) string {
	clone := s.Clone()
	clone.Find(nonContentSelectors).Remove()

	return strings.TrimSpace(clone.Text())
}

// extractLinks collects anchors with resolvable http(s) targets, de-duplicated
// on (href, anchor, rel).
func extractLinks(doc *goquery.Document, finalURL string) []Link {
	base := resolutionBase(doc, finalURL)
	if base == nil {
		return nil
	}

	type linkKey struct{ href, anchor, rel string }
	seen := make(map[linkKey]struct{})

	var links []Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		target := resolveHref(base, href)
		if target == "" {
			return
		}

		rel, _ := s.Attr("rel")
		rel = strings.TrimSpace(rel)

		anchor := strings.TrimSpace(s.Text())
		if anchor == "" {
			anchor = strings.TrimSpace(s.Find("img[alt]").First().AttrOr("alt", ""))
		}

		key := linkKey{href: target, anchor: anchor, rel: rel}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}

		link := Link{
			Href:       target,
			Anchor:     anchor,
			Rel:        rel,
			IsExternal: !urlnorm.SameDomain(target, finalURL),
		}
		for _, token := range strings.Fields(strings.ToLower(rel)) {
			switch token {
			case "nofollow":
				link.NoFollow = true
			case "sponsored":
				link.Sponsored = true
			case "ugc":
				link.UGC = true
			}
		}

		links = append(links, link)
	})

	return links
}

// resolutionBase returns the URL relative hrefs resolve against: the page's
// final URL, adjusted by a <base href> tag when present.
func resolutionBase(doc *goquery.Document, finalURL string) *url.URL {
	base, err := url.Parse(finalURL)
	if err != nil {
		return nil
	}

	if tag, exists := doc.Find("base[href]").First().Attr("href"); exists {
		if tagURL, tagErr := url.Parse(strings.TrimSpace(tag)); tagErr == nil {
			base = base.ResolveReference(tagURL)
		}
	}

	return base
}

// resolveHref resolves one href against the base, returning the absolute URL
// or empty for targets a crawler cannot fetch (fragments, mailto, javascript,
// tel, data).
func resolveHref(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}

	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}

	return resolved.String()
}

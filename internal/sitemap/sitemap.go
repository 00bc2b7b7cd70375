// Package sitemap provides sitemap discovery and parsing for crawl seeding.
// It probes well-known sitemap locations, follows robots.txt Sitemap
// directives, and expands sitemap index files into their child sitemaps.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// dateOnlyFormat is the date-only layout for sitemap lastmod values (e.g. "2024-01-15").
const dateOnlyFormat = "2006-01-02"

// defaultPriority is the sitemap protocol's default <priority> value.
const defaultPriority = 0.5

// Entry represents a single URL entry extracted from a sitemap.
type Entry struct {
	URL      string     `json:"url"`
	LastMod  *time.Time `json:"lastmod,omitempty"`
	Priority float64    `json:"priority"`
}

// xmlURLSet is the root element of a standard sitemap XML file.
type xmlURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []xmlURL `xml:"url"`
}

// xmlURL is a single <url> entry inside a <urlset>.
type xmlURL struct {
	Loc      string `xml:"loc"`
	LastMod  string `xml:"lastmod"`
	Priority string `xml:"priority"`
}

// xmlSitemapIndex is the root element of a sitemap index XML file.
type xmlSitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []xmlSitemap `xml:"sitemap"`
}

// xmlSitemap is a single <sitemap> entry inside a <sitemapindex>.
type xmlSitemap struct {
	Loc string `xml:"loc"`
}

// ParseEntries parses standard sitemap XML and returns the contained URLs
// with their lastmod and priority hints. Entries without a priority get the
// protocol default of 0.5.
func ParseEntries(body []byte) ([]Entry, error) {
	var urlset xmlURLSet
	if err := xml.Unmarshal(body, &urlset); err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}

	entries := make([]Entry, 0, len(urlset.URLs))

	for i := range urlset.URLs {
		raw := &urlset.URLs[i]

		entry := Entry{
			URL:      strings.TrimSpace(raw.Loc),
			Priority: parsePriority(raw.Priority),
		}
		if entry.URL == "" {
			continue
		}

		if raw.LastMod != "" {
			if t, err := parseLastMod(raw.LastMod); err == nil {
				entry.LastMod = &t
			}
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// ParseIndex parses a sitemap index XML file and returns the URLs of all
// child sitemaps listed within it.
func ParseIndex(body []byte) ([]string, error) {
	var index xmlSitemapIndex
	if err := xml.Unmarshal(body, &index); err != nil {
		return nil, fmt.Errorf("parse sitemap index: %w", err)
	}

	urls := make([]string, 0, len(index.Sitemaps))
	for _, s := range index.Sitemaps {
		loc := strings.TrimSpace(s.Loc)
		if loc != "" {
			urls = append(urls, loc)
		}
	}

	return urls, nil
}

// IsIndex reports whether the XML root element is <sitemapindex>.
func IsIndex(body []byte) bool {
	decoder := xml.NewDecoder(bytes.NewReader(body))

	for {
		token, err := decoder.Token()
		if err != nil {
			return false
		}
		if start, ok := token.(xml.StartElement); ok {
			return start.Name.Local == "sitemapindex"
		}
	}
}

// gzipMagic is the two-byte header identifying gzip content.
var gzipMagic = []byte{0x1f, 0x8b}

// maybeGunzip transparently decompresses gzip-wrapped sitemap bodies
// (e.g. sitemap.xml.gz) and passes everything else through.
func maybeGunzip(body []byte) ([]byte, error) {
	if !bytes.HasPrefix(body, gzipMagic) {
		return body, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gunzip sitemap: %w", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gunzip sitemap: %w", err)
	}

	return out, nil
}

// parsePriority parses a <priority> value, falling back to the protocol
// default for missing or malformed values and clamping to [0, 1].
func parsePriority(raw string) float64 {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultPriority
	}

	p, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return defaultPriority
	}

	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// parseLastMod attempts to parse a sitemap lastmod value. It tries RFC 3339
// first (e.g. "2024-01-15T10:30:00Z"), then falls back to the date-only
// format (e.g. "2024-01-15").
func parseLastMod(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)

	t, err := time.Parse(time.RFC3339, trimmed)
	if err == nil {
		return t, nil
	}

	t, dateErr := time.Parse(dateOnlyFormat, trimmed)
	if dateErr == nil {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("parse lastmod %q: %w", trimmed, dateErr)
}

package sitemap_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seoscope/crawler/internal/logger"
	"github.com/seoscope/crawler/internal/sitemap"
)

// validSitemapXML is a fixture with 3 URLs covering lastmod and priority parsing.
const validSitemapXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/page1</loc><lastmod>2024-06-15T10:00:00Z</lastmod><priority>0.8</priority></url>
  <url><loc>https://example.com/page2</loc><lastmod>2024-06-16</lastmod></url>
  <url><loc>https://example.com/page3</loc><priority>0.2</priority></url>
</urlset>`

// sitemapIndexXML is a fixture with 2 child sitemaps.
const sitemapIndexXML = `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://example.com/sitemap-a.xml</loc></sitemap>
  <sitemap><loc>https://example.com/sitemap-b.xml</loc></sitemap>
</sitemapindex>`

const invalidXML = `<not valid xml<<<`

func TestParseEntries(t *testing.T) {
	t.Parallel()

	entries, err := sitemap.ParseEntries([]byte(validSitemapXML))
	if err != nil {
		t.Fatalf("ParseEntries unexpected error: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	if entries[0].URL != "https://example.com/page1" {
		t.Errorf("entries[0].URL = %q", entries[0].URL)
	}
	if entries[0].Priority != 0.8 {
		t.Errorf("entries[0].Priority = %v, want 0.8", entries[0].Priority)
	}
	if entries[0].LastMod == nil {
		t.Error("entries[0].LastMod should be set")
	}

	// Missing priority falls back to the protocol default.
	if entries[1].Priority != 0.5 {
		t.Errorf("entries[1].Priority = %v, want 0.5", entries[1].Priority)
	}
	// Date-only lastmod parses.
	if entries[1].LastMod == nil {
		t.Error("entries[1].LastMod should parse date-only format")
	}

	if entries[2].Priority != 0.2 {
		t.Errorf("entries[2].Priority = %v, want 0.2", entries[2].Priority)
	}
	if entries[2].LastMod != nil {
		t.Error("entries[2].LastMod should be nil")
	}
}

func TestParseEntries_InvalidXML(t *testing.T) {
	t.Parallel()

	if _, err := sitemap.ParseEntries([]byte(invalidXML)); err == nil {
		t.Error("expected error for invalid XML")
	}
}

func TestParseEntries_PriorityClamp(t *testing.T) {
	t.Parallel()

	body := `<?xml version="1.0"?>
<urlset><url><loc>https://example.com/a</loc><priority>7</priority></url>
<url><loc>https://example.com/b</loc><priority>-1</priority></url>
<url><loc>https://example.com/c</loc><priority>junk</priority></url></urlset>`

	entries, err := sitemap.ParseEntries([]byte(body))
	if err != nil {
		t.Fatalf("ParseEntries unexpected error: %v", err)
	}

	if entries[0].Priority != 1 {
		t.Errorf("priority above 1 should clamp to 1, got %v", entries[0].Priority)
	}
	if entries[1].Priority != 0 {
		t.Errorf("priority below 0 should clamp to 0, got %v", entries[1].Priority)
	}
	if entries[2].Priority != 0.5 {
		t.Errorf("malformed priority should default to 0.5, got %v", entries[2].Priority)
	}
}

func TestParseIndex(t *testing.T) {
	t.Parallel()

	urls, err := sitemap.ParseIndex([]byte(sitemapIndexXML))
	if err != nil {
		t.Fatalf("ParseIndex unexpected error: %v", err)
	}

	if len(urls) != 2 {
		t.Fatalf("expected 2 child sitemaps, got %d", len(urls))
	}
	if urls[0] != "https://example.com/sitemap-a.xml" {
		t.Errorf("urls[0] = %q", urls[0])
	}
	if urls[1] != "https://example.com/sitemap-b.xml" {
		t.Errorf("urls[1] = %q", urls[1])
	}
}

func TestIsIndex(t *testing.T) {
	t.Parallel()

	if !sitemap.IsIndex([]byte(sitemapIndexXML)) {
		t.Error("sitemap index not recognized")
	}
	if sitemap.IsIndex([]byte(validSitemapXML)) {
		t.Error("urlset misrecognized as index")
	}
	if sitemap.IsIndex([]byte(invalidXML)) {
		t.Error("invalid XML misrecognized as index")
	}
}

func TestExpand_RecursesIndexAndSurvivesBrokenChild(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/index.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?>
<sitemapindex>
  <sitemap><loc>%s/good.xml</loc></sitemap>
  <sitemap><loc>%s/broken.xml</loc></sitemap>
</sitemapindex>`, server.URL, server.URL)
	})
	mux.HandleFunc("/good.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?>
<urlset>
  <url><loc>https://example.com/one</loc></url>
  <url><loc>https://example.com/two</loc></url>
</urlset>`)
	})
	mux.HandleFunc("/broken.xml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	d := sitemap.NewDiscoverer(server.Client(), nil, "test-bot", logger.NewNop())

	entries, err := d.Expand(context.Background(), server.URL+"/index.xml")
	if err != nil {
		t.Fatalf("Expand unexpected error: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries from the surviving child, got %d", len(entries))
	}
}

func TestExpand_RootFailureIsError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	d := sitemap.NewDiscoverer(server.Client(), nil, "test-bot", logger.NewNop())

	if _, err := d.Expand(context.Background(), server.URL+"/missing.xml"); err == nil {
		t.Error("expected error when the root sitemap cannot be fetched")
	}
}

func TestExpand_GzippedSitemap(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(validSitemapXML)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(server.Close)

	d := sitemap.NewDiscoverer(server.Client(), nil, "test-bot", logger.NewNop())

	entries, err := d.Expand(context.Background(), server.URL+"/sitemap.xml.gz")
	if err != nil {
		t.Fatalf("Expand unexpected error: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 entries from gzipped sitemap, got %d", len(entries))
	}
}

// fakeRobotsLister returns canned robots.txt sitemap directives.
type fakeRobotsLister struct {
	urls []string
	err  error
}

func (f *fakeRobotsLister) SitemapURLs(context.Context, string) ([]string, error) {
	return f.urls, f.err
}

func TestDiscover_MergesRobotsAndConventional(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	declared := server.URL + "/sitemap.xml" // duplicates a conventional path
	lister := &fakeRobotsLister{urls: []string{declared, server.URL + "/custom-map.xml"}}

	d := sitemap.NewDiscoverer(server.Client(), lister, "test-bot", logger.NewNop())

	got := d.Discover(context.Background(), server.URL)

	if len(got) < 2 {
		t.Fatalf("expected robots-declared sitemaps present, got %v", got)
	}
	if got[0] != declared {
		t.Errorf("robots-declared sitemap should come first, got %q", got[0])
	}
	if got[1] != server.URL+"/custom-map.xml" {
		t.Errorf("second robots-declared sitemap missing, got %v", got)
	}

	seen := make(map[string]int)
	for _, u := range got {
		seen[u]++
		if seen[u] > 1 {
			t.Errorf("duplicate sitemap URL in discovery result: %q", u)
		}
	}
}

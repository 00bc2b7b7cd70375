// Package robots provides robots.txt compliance checking with per-host
// caching. Hosts whose robots.txt cannot be verified are reported as
// unavailable rather than assumed crawlable; callers decide whether an
// operator may approve crawling anyway.
package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"github.com/seoscope/crawler/internal/logger"
)

const (
	// DefaultCacheTTL is how long a fetched ruleset stays fresh.
	DefaultCacheTTL = 24 * time.Hour

	// DefaultMaxCrawlDelay caps the crawl-delay honored from robots.txt.
	DefaultMaxCrawlDelay = 5 * time.Second

	// robotsTxtPath is the well-known path for robots.txt files.
	robotsTxtPath = "/robots.txt"

	// maxRobotsBodyBytes limits the size of robots.txt responses we will read.
	maxRobotsBodyBytes = 512 * 1024 // 512 KB
)

// ErrUnavailable means no protocol or www variant of the host produced a
// definitive robots.txt answer. The run owner must approve crawling manually.
var ErrUnavailable = errors.New("robots unavailable")

// Config holds Policy settings.
type Config struct {
	// UserAgent is the agent token matched against robots.txt groups.
	UserAgent string
	// CacheTTL overrides DefaultCacheTTL when positive.
	CacheTTL time.Duration
	// MaxCrawlDelay overrides DefaultMaxCrawlDelay when positive.
	MaxCrawlDelay time.Duration
}

// Policy checks and caches robots.txt rules per host.
type Policy struct {
	httpClient    *http.Client
	userAgent     string
	cacheTTL      time.Duration
	maxCrawlDelay time.Duration
	log           logger.Logger

	mu    sync.RWMutex
	cache map[string]*cacheEntry // keyed by lowercased host

	flight singleflight.Group
}

// cacheEntry stores the parsed robots.txt data and metadata for a host.
// Entries are replaced, never mutated, so readers may hold them outside
// the lock.
type cacheEntry struct {
	data      *robotstxt.RobotsData
	sitemaps  []string
	fetchedAt time.Time
	allowAll  bool // true when the host answered 404: no rules published
}

// New creates a robots Policy.
func New(httpClient *http.Client, cfg Config, log logger.Logger) *Policy {
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}

	maxDelay := cfg.MaxCrawlDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxCrawlDelay
	}

	if log == nil {
		log = logger.NewNop()
	}

	return &Policy{
		httpClient:    httpClient,
		userAgent:     cfg.UserAgent,
		cacheTTL:      cacheTTL,
		maxCrawlDelay: maxDelay,
		log:           log,
		cache:         make(map[string]*cacheEntry),
	}
}

// IsAllowed checks if the given URL is allowed by the host's robots.txt.
// It fetches and caches robots.txt if not cached or stale.
//
// The check is defense-in-depth: the path is tested as given, with its
// trailing slash toggled, and as its nearest ancestor directory. All three
// must be permitted.
//
// Returns ErrUnavailable (wrapped) when robots.txt cannot be verified for
// the host.
func (p *Policy) IsAllowed(ctx context.Context, rawURL string) (bool, error) {
	parsed, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return false, fmt.Errorf("robots: parse url: %w", parseErr)
	}

	host := strings.ToLower(parsed.Host)
	if host == "" {
		return false, fmt.Errorf("robots: empty host in url %q", rawURL)
	}

	entry, fetchErr := p.getOrFetchEntry(ctx, host, parsed.Scheme)
	if fetchErr != nil {
		return false, fetchErr
	}

	if entry.allowAll {
		return true, nil
	}

	group := entry.data.FindGroup(p.userAgent)
	if group == nil {
		return true, nil
	}

	for _, candidate := range pathChecks(parsed.Path) {
		if !group.Test(candidate) {
			return false, nil
		}
	}

	return true, nil
}

// Verify ensures a fresh robots.txt ruleset exists for the URL's host.
// Used at run start so unverifiable hosts are caught before any crawling.
func (p *Policy) Verify(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("robots: parse url: %w", err)
	}

	host := strings.ToLower(parsed.Host)
	if host == "" {
		return fmt.Errorf("robots: empty host in url %q", rawURL)
	}

	_, err = p.getOrFetchEntry(ctx, host, parsed.Scheme)

	return err
}

// CrawlDelay returns the crawl-delay for the host from its cached ruleset,
// clamped to the configured maximum. Returns 0 when no ruleset is cached or
// no delay is declared.
func (p *Policy) CrawlDelay(host string) time.Duration {
	p.mu.RLock()
	entry, ok := p.cache[strings.ToLower(host)]
	p.mu.RUnlock()

	if !ok || entry.allowAll || entry.data == nil {
		return 0
	}

	group := entry.data.FindGroup(p.userAgent)
	if group == nil {
		return 0
	}

	if group.CrawlDelay > p.maxCrawlDelay {
		return p.maxCrawlDelay
	}

	return group.CrawlDelay
}

// SitemapURLs returns sitemap URLs declared in the host's robots.txt,
// fetching the ruleset if needed. The list may be empty.
func (p *Policy) SitemapURLs(ctx context.Context, rawURL string) ([]string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("robots: parse url: %w", err)
	}

	host := strings.ToLower(parsed.Host)
	if host == "" {
		return nil, fmt.Errorf("robots: empty host in url %q", rawURL)
	}

	entry, err := p.getOrFetchEntry(ctx, host, parsed.Scheme)
	if err != nil {
		return nil, err
	}

	return entry.sitemaps, nil
}

// getOrFetchEntry returns a cached entry if fresh, otherwise fetches
// robots.txt. Concurrent misses for the same host share one fetch.
func (p *Policy) getOrFetchEntry(ctx context.Context, host, scheme string) (*cacheEntry, error) {
	if entry, ok := p.getCachedEntry(host); ok {
		return entry, nil
	}

	result, err, _ := p.flight.Do(host, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// populated the cache while we waited for the flight slot.
		if entry, ok := p.getCachedEntry(host); ok {
			return entry, nil
		}
		return p.fetchAndCache(ctx, host, scheme)
	})
	if err != nil {
		return nil, err
	}

	entry, ok := result.(*cacheEntry)
	if !ok {
		return nil, errors.New("robots: unexpected flight result type")
	}

	return entry, nil
}

// getCachedEntry returns a cached entry if it exists and is not stale.
func (p *Policy) getCachedEntry(host string) (*cacheEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.cache[host]
	if !ok {
		return nil, false
	}

	if time.Since(entry.fetchedAt) > p.cacheTTL {
		return nil, false
	}

	return entry, true
}

// fetchAndCache tries protocol and www variants of the host until one gives
// a definitive robots.txt answer: a 2xx body to parse, or a 404/410 meaning
// no rules are published (allow all). Connection errors and other statuses
// move on to the next variant; exhausting all variants yields ErrUnavailable.
func (p *Policy) fetchAndCache(ctx context.Context, host, scheme string) (*cacheEntry, error) {
	var lastErr error

	for _, robotsURL := range variantURLs(scheme, host) {
		body, statusCode, fetchErr := p.doFetch(ctx, robotsURL)
		if fetchErr != nil {
			lastErr = fetchErr
			continue
		}

		switch {
		case isSuccessStatus(statusCode):
			entry := p.parseAndBuildEntry(body)
			p.store(host, entry)
			return entry, nil

		case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
			entry := &cacheEntry{fetchedAt: time.Now(), allowAll: true}
			p.store(host, entry)
			return entry, nil

		default:
			lastErr = fmt.Errorf("robots: %s returned status %d", robotsURL, statusCode)
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no variants to try")
	}

	p.log.Warn("robots.txt unverifiable",
		logger.String("host", host),
		logger.Error(lastErr))

	return nil, fmt.Errorf("robots: host %s: %w: %w", host, ErrUnavailable, lastErr)
}

// store replaces the cache entry for a host.
func (p *Policy) store(host string, entry *cacheEntry) {
	p.mu.Lock()
	p.cache[host] = entry
	p.mu.Unlock()
}

// doFetch performs the HTTP GET request for a robots.txt URL.
func (p *Policy) doFetch(ctx context.Context, robotsURL string) (body []byte, statusCode int, err error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, http.NoBody)
	if reqErr != nil {
		return nil, 0, fmt.Errorf("robots: create request: %w", reqErr)
	}

	req.Header.Set("User-Agent", p.userAgent)

	resp, doErr := p.httpClient.Do(req)
	if doErr != nil {
		return nil, 0, fmt.Errorf("robots: fetch: %w", doErr)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxRobotsBodyBytes)

	body, readErr := io.ReadAll(limited)
	if readErr != nil {
		return nil, resp.StatusCode, fmt.Errorf("robots: read body: %w", readErr)
	}

	return body, resp.StatusCode, nil
}

// parseAndBuildEntry parses a 2xx robots.txt body. Unparseable bodies are
// treated as publishing no rules.
func (p *Policy) parseAndBuildEntry(body []byte) *cacheEntry {
	robots, parseErr := robotstxt.FromBytes(body)
	if parseErr != nil {
		return &cacheEntry{fetchedAt: time.Now(), allowAll: true}
	}

	return &cacheEntry{
		data:      robots,
		sitemaps:  robots.Sitemaps,
		fetchedAt: time.Now(),
	}
}

// variantURLs lists the robots.txt URLs to try for a host: the URL's own
// scheme and host first, then the www label toggled, then the same pair on
// the other scheme.
func variantURLs(scheme, host string) []string {
	if scheme == "" {
		scheme = "https"
	}

	other := "http"
	if scheme == "http" {
		other = "https"
	}

	hosts := []string{host, toggleWWW(host)}
	schemes := []string{scheme, other}

	urls := make([]string, 0, len(schemes)*len(hosts))
	seen := make(map[string]struct{}, len(schemes)*len(hosts))

	for _, s := range schemes {
		for _, h := range hosts {
			u := s + "://" + h + robotsTxtPath
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
	}

	return urls
}

// toggleWWW adds or removes the leading www label.
func toggleWWW(host string) string {
	if strings.HasPrefix(host, "www.") {
		return strings.TrimPrefix(host, "www.")
	}
	return "www." + host
}

// pathChecks expands a path into the candidates that must all be allowed:
// the path as given, the path with its trailing slash toggled, and the
// nearest ancestor directory.
func pathChecks(p string) []string {
	if p == "" {
		p = "/"
	}

	checks := []string{p}

	if p != "/" {
		if strings.HasSuffix(p, "/") {
			checks = append(checks, strings.TrimRight(p, "/"))
		} else {
			checks = append(checks, p+"/")
		}
	}

	if dir := parentDir(p); dir != p {
		checks = append(checks, dir)
	}

	return checks
}

// parentDir returns the nearest ancestor directory of a path, with a
// trailing slash. The parent of "/" is "/".
func parentDir(p string) string {
	trimmed := strings.TrimRight(p, "/")

	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return "/"
	}

	return trimmed[:idx+1]
}

// statusSuccessLow is the lower bound (inclusive) for HTTP success status codes.
const statusSuccessLow = 200

// statusSuccessHigh is the upper bound (exclusive) for HTTP success status codes.
const statusSuccessHigh = 300

// isSuccessStatus returns true if the HTTP status code is in the 2xx range.
func isSuccessStatus(statusCode int) bool {
	return statusCode >= statusSuccessLow && statusCode < statusSuccessHigh
}

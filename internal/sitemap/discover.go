package sitemap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seoscope/crawler/internal/logger"
)

const (
	// maxIndexDepth bounds sitemap index recursion.
	maxIndexDepth = 3

	// indexParallelism bounds concurrent child sitemap fetches.
	indexParallelism = 4

	// maxSitemapBytes limits the size of a sitemap body we will read.
	// The sitemap protocol caps uncompressed files at 50 MB.
	maxSitemapBytes = 50 << 20

	// defaultProbeTimeout bounds each conventional-path probe.
	defaultProbeTimeout = 5 * time.Second
)

// conventionalPaths are well-known sitemap locations probed when discovering
// a site's sitemaps.
var conventionalPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap-index.xml",
	"/wp-sitemap.xml",
}

// RobotsSitemapLister exposes the Sitemap directives from a host's robots.txt.
type RobotsSitemapLister interface {
	SitemapURLs(ctx context.Context, rawURL string) ([]string, error)
}

// Discoverer locates and expands sitemaps for a site.
type Discoverer struct {
	httpClient   *http.Client
	robots       RobotsSitemapLister
	userAgent    string
	probeTimeout time.Duration
	log          logger.Logger
}

// NewDiscoverer creates a sitemap discoverer.
func NewDiscoverer(
	httpClient *http.Client,
	robotsLister RobotsSitemapLister,
	userAgent string,
	log logger.Logger,
) *Discoverer {
	if log == nil {
		log = logger.NewNop()
	}

	return &Discoverer{
		httpClient:   httpClient,
		robots:       robotsLister,
		userAgent:    userAgent,
		probeTimeout: defaultProbeTimeout,
		log:          log,
	}
}

// Discover returns candidate sitemap URLs for the site: robots.txt Sitemap
// directives first in document order, then conventional locations that answer
// a probe, deduplicated. An empty result is not an error; many sites publish
// no sitemap.
func (d *Discoverer) Discover(ctx context.Context, baseURL string) []string {
	var candidates []string

	if d.robots != nil {
		declared, err := d.robots.SitemapURLs(ctx, baseURL)
		if err != nil {
			d.log.Debug("robots sitemap directives unavailable",
				logger.String("base_url", baseURL),
				logger.Error(err))
		} else {
			candidates = append(candidates, declared...)
		}
	}

	candidates = append(candidates, d.probeConventional(ctx, baseURL)...)

	return dedupe(candidates)
}

// Expand fetches a sitemap URL and returns all page entries beneath it,
// recursing through sitemap index files. Child fetch or parse failures are
// logged and skipped so one broken child never loses its siblings; a failure
// on the root sitemap itself is returned.
func (d *Discoverer) Expand(ctx context.Context, sitemapURL string) ([]Entry, error) {
	root, err := d.fetchOne(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	all := root.entries
	visited := map[string]struct{}{sitemapURL: {}}
	frontier := pruneVisited(root.children, visited)

	for depth := 1; depth <= maxIndexDepth && len(frontier) > 0; depth++ {
		results := make([]expandResult, len(frontier))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(indexParallelism)

		for i, childURL := range frontier {
			g.Go(func() error {
				res, fetchErr := d.fetchOne(gctx, childURL)
				if fetchErr != nil {
					d.log.Warn("child sitemap failed",
						logger.String("sitemap_url", childURL),
						logger.Error(fetchErr))
					return nil
				}
				results[i] = res
				return nil
			})
		}

		// Goroutines swallow child errors, so Wait only reports ctx cancellation.
		if waitErr := g.Wait(); waitErr != nil {
			return all, waitErr
		}

		frontier = frontier[:0]
		for _, res := range results {
			all = append(all, res.entries...)
			frontier = append(frontier, pruneVisited(res.children, visited)...)
		}
	}

	return all, nil
}

// expandResult holds the outcome of fetching one sitemap URL: leaf entries
// or child sitemap URLs, never both.
type expandResult struct {
	entries  []Entry
	children []string
}

// fetchOne downloads and parses a single sitemap document.
func (d *Discoverer) fetchOne(ctx context.Context, sitemapURL string) (expandResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, http.NoBody)
	if err != nil {
		return expandResult{}, fmt.Errorf("sitemap request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return expandResult{}, fmt.Errorf("fetch sitemap %s: %w", sitemapURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < statusSuccessLow || resp.StatusCode >= statusSuccessHigh {
		return expandResult{}, fmt.Errorf("fetch sitemap %s: status %d", sitemapURL, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return expandResult{}, fmt.Errorf("read sitemap %s: %w", sitemapURL, err)
	}

	body, err := maybeGunzip(raw)
	if err != nil {
		return expandResult{}, err
	}

	if IsIndex(body) {
		children, parseErr := ParseIndex(body)
		if parseErr != nil {
			return expandResult{}, parseErr
		}
		return expandResult{children: children}, nil
	}

	entries, parseErr := ParseEntries(body)
	if parseErr != nil {
		return expandResult{}, parseErr
	}

	return expandResult{entries: entries}, nil
}

// probeConventional issues HEAD probes for well-known sitemap paths across
// protocol and www variants of the base URL, returning the first answering
// variant per path.
func (d *Discoverer) probeConventional(ctx context.Context, baseURL string) []string {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil
	}

	origins := originVariants(parsed.Scheme, strings.ToLower(parsed.Host))

	var found []string

	for _, path := range conventionalPaths {
		for _, origin := range origins {
			candidate := origin + path
			if d.probe(ctx, candidate) {
				found = append(found, candidate)
				break
			}
		}
	}

	return found
}

// probe reports whether the URL answers a HEAD request with a 2xx status.
// Servers rejecting HEAD with 405 are retried with GET.
func (d *Discoverer) probe(ctx context.Context, probeURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	status, err := d.do(probeCtx, http.MethodHead, probeURL)
	if err != nil {
		return false
	}

	if status == http.StatusMethodNotAllowed {
		status, err = d.do(probeCtx, http.MethodGet, probeURL)
		if err != nil {
			return false
		}
	}

	return status >= statusSuccessLow && status < statusSuccessHigh
}

func (d *Discoverer) do(ctx context.Context, method, probeURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, probeURL, http.NoBody)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Drain so keep-alive connections are reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxSitemapBytes))

	return resp.StatusCode, nil
}

// originVariants lists scheme://host origins to probe: the site's own scheme
// and host first, then the www label toggled, then both on the other scheme.
func originVariants(scheme, host string) []string {
	if scheme == "" {
		scheme = "https"
	}

	other := "http"
	if scheme == "http" {
		other = "https"
	}

	hosts := []string{host, toggleWWW(host)}

	var origins []string
	seen := make(map[string]struct{})

	for _, s := range []string{scheme, other} {
		for _, h := range hosts {
			origin := s + "://" + h
			if _, dup := seen[origin]; dup {
				continue
			}
			seen[origin] = struct{}{}
			origins = append(origins, origin)
		}
	}

	return origins
}

// toggleWWW adds or removes the leading www label.
func toggleWWW(host string) string {
	if strings.HasPrefix(host, "www.") {
		return strings.TrimPrefix(host, "www.")
	}
	return "www." + host
}

// pruneVisited filters already-seen URLs and marks the remainder visited.
func pruneVisited(urls []string, visited map[string]struct{}) []string {
	var fresh []string
	for _, u := range urls {
		if _, seen := visited[u]; seen {
			continue
		}
		visited[u] = struct{}{}
		fresh = append(fresh, u)
	}
	return fresh
}

// dedupe removes duplicates preserving first-seen order.
func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))

	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}

	return out
}

// statusSuccessLow is the lower bound (inclusive) for HTTP success status codes.
const statusSuccessLow = 200

// statusSuccessHigh is the upper bound (exclusive) for HTTP success status codes.
const statusSuccessHigh = 300

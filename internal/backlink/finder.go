package backlink

import "context"

// Source is a candidate page that may link to a target URL.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Finder asks an external index for pages likely to link at a target. It may
// fail or rate-limit; callers contain those failures, they never abort a
// crawl.
type Finder interface {
	FindSources(ctx context.Context, targetURL string, maxResults int) ([]Source, error)
}

// NopFinder is the finder used when no external source is configured.
type NopFinder struct{}

// FindSources returns no candidates.
func (NopFinder) FindSources(context.Context, string, int) ([]Source, error) {
	return nil, nil
}

// Package logs provides the categorized per-run log stream. Run status and
// this stream are the only channels through which crawl failures reach the
// operator; workers translate every failure into a logged, categorized event
// instead of propagating it.
package logs

// Category classifies a run log event for operator filtering.
type Category string

const (
	// CategorySetup covers run lifecycle and seeding events.
	CategorySetup Category = "setup"
	// CategoryFiltering covers robots/dedup filtering of candidate URLs.
	CategoryFiltering Category = "filtering"
	// CategoryQueued covers jobs landing on the queue.
	CategoryQueued Category = "queued"
	// CategoryCrawled covers successfully persisted pages.
	CategoryCrawled Category = "crawled"
	// CategorySkipped covers jobs that finished without persisting a page.
	CategorySkipped Category = "skipped"
	// CategoryBacklink covers backlink derivation and external discovery.
	CategoryBacklink Category = "backlink"
)

// Skip reasons recorded on CategorySkipped events.
const (
	ReasonRobots          = "robots.txt"
	ReasonDuplicate       = "duplicate"
	ReasonRecentlyCrawled = "recently_crawled"
	ReasonRedirectLoop    = "redirect_loop"
	ReasonCaptchaUnsolved = "captcha_unsolved"
	ReasonNotFound        = "not_found"
	ReasonHTTPError       = "http_error"
	ReasonUnparseable     = "unparseable"
	ReasonOperatorSkip    = "operator_skip"
)

// String returns the category as a string.
func (c Category) String() string {
	return string(c)
}

// IsValid reports whether the category is one of the known ones.
func (c Category) IsValid() bool {
	switch c {
	case CategorySetup, CategoryFiltering, CategoryQueued,
		CategoryCrawled, CategorySkipped, CategoryBacklink:
		return true
	default:
		return false
	}
}

// AllCategories returns every category in display order.
func AllCategories() []Category {
	return []Category{
		CategorySetup,
		CategoryFiltering,
		CategoryQueued,
		CategoryCrawled,
		CategorySkipped,
		CategoryBacklink,
	}
}

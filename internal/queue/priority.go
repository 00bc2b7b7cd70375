package queue

import (
	"errors"

	"github.com/seoscope/crawler/internal/domain"
)

// Priority represents a job's scheduling tier. Lower values drain first:
// the seed URL beats sitemap entries, which beat discovered links, which
// beat backlink-discovery probes.
type Priority int

const (
	// PrioritySeed is the run's base URL.
	PrioritySeed Priority = 1

	// PrioritySitemap is for URLs taken from the site's sitemaps.
	PrioritySitemap Priority = 2

	// PriorityLink is for same-domain links discovered on crawled pages.
	PriorityLink Priority = 3

	// PriorityBacklink is for external backlink-discovery probes, which must
	// never starve organic crawling.
	PriorityBacklink Priority = 4

	// priorityStrLink is the string representation of link priority.
	priorityStrLink = "link"
)

// String returns the string representation of a priority.
func (p Priority) String() string {
	switch p {
	case PrioritySeed:
		return "seed"
	case PrioritySitemap:
		return "sitemap"
	case PriorityLink:
		return priorityStrLink
	case PriorityBacklink:
		return "backlink"
	default:
		return priorityStrLink
	}
}

// IsValid returns true if the priority is a valid value.
func (p Priority) IsValid() bool {
	return p >= PrioritySeed && p <= PriorityBacklink
}

// AllPriorities returns all priority levels in order of precedence (seed first).
func AllPriorities() []Priority {
	return []Priority{PrioritySeed, PrioritySitemap, PriorityLink, PriorityBacklink}
}

// PriorityFor maps a job origin onto its scheduling tier.
func PriorityFor(origin domain.OriginKind) Priority {
	switch origin {
	case domain.OriginSeed:
		return PrioritySeed
	case domain.OriginSitemap:
		return PrioritySitemap
	case domain.OriginLink:
		return PriorityLink
	case domain.OriginBacklink:
		return PriorityBacklink
	default:
		return PriorityLink
	}
}

// ParsePriority converts a string or int to a Priority.
func ParsePriority(value any) (Priority, error) {
	switch v := value.(type) {
	case int:
		return parsePriorityInt(v)
	case int64:
		return parsePriorityInt(int(v))
	case string:
		return parsePriorityString(v)
	case Priority:
		return v, nil
	default:
		return PriorityLink, errors.New("invalid priority type")
	}
}

func parsePriorityInt(v int) (Priority, error) {
	p := Priority(v)
	if !p.IsValid() {
		return PriorityLink, errors.New("invalid priority value: must be 1..4")
	}
	return p, nil
}

func parsePriorityString(v string) (Priority, error) {
	switch v {
	case "seed", "1":
		return PrioritySeed, nil
	case "sitemap", "2":
		return PrioritySitemap, nil
	case priorityStrLink, "3", "":
		return PriorityLink, nil
	case "backlink", "4":
		return PriorityBacklink, nil
	default:
		return PriorityLink, errors.New("invalid priority string: must be seed, sitemap, link, or backlink")
	}
}

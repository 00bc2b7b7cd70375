// Package proxy provides a pool of proxy egress handles with health tracking
// and per-handle circuit breaking. Handles that fail repeatedly are cooled
// down and skipped by selection until their cooldown expires.
package proxy

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/seoscope/crawler/internal/logger"
)

// Default circuit settings.
const (
	// DefaultFailureThreshold is the consecutive failure count that opens a
	// handle's circuit.
	DefaultFailureThreshold = 3

	// DefaultCooldown is how long an opened handle stays out of rotation.
	DefaultCooldown = 60 * time.Second
)

// Strategy selects how the pool rotates between healthy handles.
type Strategy string

const (
	// StrategyRoundRobin cycles through healthy handles in order.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyRandom picks a healthy handle uniformly at random.
	StrategyRandom Strategy = "random"
	// StrategyLeastUsed picks the healthy handle with the fewest attempts.
	StrategyLeastUsed Strategy = "least_used"
	// StrategyWeighted picks randomly, weighted by success rate. Default.
	StrategyWeighted Strategy = "weighted"
)

// Handle represents one configured proxy egress and its health counters.
type Handle struct {
	parsed *url.URL

	successCount        atomic.Int64
	failureCount        atomic.Int64
	consecutiveFailures atomic.Int32
	disabledUntil       atomic.Int64 // unix nanos, 0 = not disabled
	lastFailedAt        atomic.Int64 // unix nanos
}

// URL returns the parsed proxy URL.
func (h *Handle) URL() *url.URL {
	return h.parsed
}

// String returns the proxy address with any credentials redacted.
func (h *Handle) String() string {
	return h.parsed.Redacted()
}

// SuccessCount returns the total number of successful fetches via the handle.
func (h *Handle) SuccessCount() int64 {
	return h.successCount.Load()
}

// FailureCount returns the total number of failed fetches via the handle.
func (h *Handle) FailureCount() int64 {
	return h.failureCount.Load()
}

// available reports whether the handle may be selected at the given time.
// An expired cooldown is cleared on observation and resets the consecutive
// failure count, giving the handle a clean half-open slate.
func (h *Handle) available(now int64) bool {
	until := h.disabledUntil.Load()
	if until == 0 {
		return true
	}

	if now < until {
		return false
	}

	if h.disabledUntil.CompareAndSwap(until, 0) {
		h.consecutiveFailures.Store(0)
	}

	return true
}

// successRate returns the Laplace-smoothed success ratio of the handle, so
// fresh handles start near 0.5 instead of an extreme.
func (h *Handle) successRate() float64 {
	succ := float64(h.successCount.Load())
	fail := float64(h.failureCount.Load())

	return (succ + 1) / (succ + fail + 2)
}

// attempts returns the total recorded attempts for the handle.
func (h *Handle) attempts() int64 {
	return h.successCount.Load() + h.failureCount.Load()
}

// Config holds pool settings.
type Config struct {
	// URLs lists proxy addresses (http, https or socks5 schemes).
	URLs []string
	// Strategy selects rotation behavior; empty means StrategyWeighted.
	Strategy Strategy
	// FailureThreshold overrides DefaultFailureThreshold when positive.
	FailureThreshold int
	// Cooldown overrides DefaultCooldown when positive.
	Cooldown time.Duration
}

// Pool manages proxy handles. An empty pool is valid: deployments without
// proxies fetch directly and Next returns nil.
type Pool struct {
	handles          []*Handle
	strategy         Strategy
	failureThreshold int32
	cooldown         time.Duration
	log              logger.Logger

	mu      sync.Mutex
	rrIndex int
}

// NewPool parses the configured proxy URLs into a pool.
func NewPool(cfg Config, log logger.Logger) (*Pool, error) {
	if log == nil {
		log = logger.NewNop()
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyWeighted
	}

	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}

	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	handles := make([]*Handle, 0, len(cfg.URLs))
	for _, raw := range cfg.URLs {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url %q: %w", raw, err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("parse proxy url %q: missing scheme or host", raw)
		}
		handles = append(handles, &Handle{parsed: parsed})
	}

	return &Pool{
		handles:          handles,
		strategy:         strategy,
		failureThreshold: int32(threshold),
		cooldown:         cooldown,
		log:              log,
	}, nil
}

// Size returns the number of configured handles.
func (p *Pool) Size() int {
	return len(p.handles)
}

// Empty reports whether no proxies are configured.
func (p *Pool) Empty() bool {
	return len(p.handles) == 0
}

// Handles returns all configured handles, healthy or not.
func (p *Pool) Handles() []*Handle {
	return p.handles
}

// Get returns the handle whose redacted address matches key, or nil when the
// key is unknown or the handle is cooling down. Callers use it to re-select a
// previously pinned egress.
func (p *Pool) Get(key string) *Handle {
	now := time.Now().UnixNano()
	for _, h := range p.handles {
		if h.String() == key && h.available(now) {
			return h
		}
	}

	return nil
}

// Next selects a handle per the pool strategy, skipping handles in cooldown.
// When every handle is cooling down it returns the least-recently-failed one
// so callers are never starved. Returns nil only when the pool is empty.
func (p *Pool) Next() *Handle {
	if len(p.handles) == 0 {
		return nil
	}

	now := time.Now().UnixNano()

	healthy := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		if h.available(now) {
			healthy = append(healthy, h)
		}
	}

	if len(healthy) == 0 {
		return p.leastRecentlyFailed()
	}

	switch p.strategy {
	case StrategyRoundRobin:
		return p.nextRoundRobin(healthy)
	case StrategyRandom:
		return healthy[rand.Intn(len(healthy))]
	case StrategyLeastUsed:
		return leastUsed(healthy)
	default:
		return weightedPick(healthy)
	}
}

// RecordSuccess marks a successful fetch through the handle and closes its
// circuit.
func (p *Pool) RecordSuccess(h *Handle) {
	if h == nil {
		return
	}

	h.successCount.Add(1)
	h.consecutiveFailures.Store(0)
	h.disabledUntil.Store(0)
}

// RecordFailure marks a failed fetch through the handle. Reaching the
// consecutive failure threshold opens the circuit for the cooldown period.
func (p *Pool) RecordFailure(h *Handle) {
	if h == nil {
		return
	}

	now := time.Now()
	h.failureCount.Add(1)
	h.lastFailedAt.Store(now.UnixNano())

	if h.consecutiveFailures.Add(1) >= p.failureThreshold {
		h.disabledUntil.Store(now.Add(p.cooldown).UnixNano())
		p.log.Warn("proxy cooling down",
			logger.String("proxy", h.String()),
			logger.Duration("cooldown", p.cooldown),
			logger.Int64("failures", h.failureCount.Load()))
	}
}

// Transport builds an http.Transport that routes through the handle.
// Supports http/https CONNECT proxies and socks5.
func (p *Pool) Transport(h *Handle) (*http.Transport, error) {
	switch h.parsed.Scheme {
	case "http", "https":
		return &http.Transport{
			Proxy:                 http.ProxyURL(h.parsed),
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}, nil

	case "socks5":
		var auth *xproxy.Auth
		if user := h.parsed.User; user != nil {
			password, _ := user.Password()
			auth = &xproxy.Auth{User: user.Username(), Password: password}
		}

		dialer, err := xproxy.SOCKS5("tcp", h.parsed.Host, auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer for %s: %w", h.String(), err)
		}

		contextDialer, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support context", h.String())
		}

		return &http.Transport{
			DialContext:           contextDialer.DialContext,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", h.parsed.Scheme)
	}
}

// HandleStats is a point-in-time snapshot of one handle's health.
type HandleStats struct {
	Proxy        string    `json:"proxy"`
	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
	SuccessRate  float64   `json:"success_rate"`
	CoolingDown  bool      `json:"cooling_down"`
	LastFailedAt time.Time `json:"last_failed_at,omitzero"`
}

// Stats snapshots every handle's health counters.
func (p *Pool) Stats() []HandleStats {
	now := time.Now().UnixNano()

	stats := make([]HandleStats, 0, len(p.handles))
	for _, h := range p.handles {
		s := HandleStats{
			Proxy:        h.String(),
			SuccessCount: h.successCount.Load(),
			FailureCount: h.failureCount.Load(),
			SuccessRate:  h.successRate(),
			CoolingDown:  h.disabledUntil.Load() > now,
		}
		if ts := h.lastFailedAt.Load(); ts > 0 {
			s.LastFailedAt = time.Unix(0, ts)
		}
		stats = append(stats, s)
	}

	return stats
}

// nextRoundRobin advances the shared index over the healthy subset.
func (p *Pool) nextRoundRobin(healthy []*Handle) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := healthy[p.rrIndex%len(healthy)]
	p.rrIndex++

	return h
}

// leastRecentlyFailed returns the handle whose last failure is oldest.
func (p *Pool) leastRecentlyFailed() *Handle {
	best := p.handles[0]
	bestTime := best.lastFailedAt.Load()

	for _, h := range p.handles[1:] {
		if ts := h.lastFailedAt.Load(); ts < bestTime {
			best = h
			bestTime = ts
		}
	}

	return best
}

// leastUsed returns the healthy handle with the fewest total attempts.
func leastUsed(healthy []*Handle) *Handle {
	best := healthy[0]
	bestAttempts := best.attempts()

	for _, h := range healthy[1:] {
		if a := h.attempts(); a < bestAttempts {
			best = h
			bestAttempts = a
		}
	}

	return best
}

// weightedPick selects a handle randomly, weighted by success rate.
func weightedPick(healthy []*Handle) *Handle {
	weights := make([]float64, len(healthy))

	var total float64
	for i, h := range healthy {
		weights[i] = h.successRate()
		total += weights[i]
	}

	target := rand.Float64() * total
	for i, w := range weights {
		target -= w
		if target <= 0 {
			return healthy[i]
		}
	}

	return healthy[len(healthy)-1]
}

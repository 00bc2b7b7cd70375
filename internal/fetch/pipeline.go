// Package fetch performs single-page HTTP fetches for the crawl workers. It
// layers a direct-connection-first, proxy-fallback strategy over manual
// redirect following, detects CAPTCHA interstitials on every response, and
// keeps per-domain sessions so a site sees one consistent visitor identity.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/seoscope/crawler/internal/captcha"
	"github.com/seoscope/crawler/internal/logger"
	"github.com/seoscope/crawler/internal/proxy"
	"github.com/seoscope/crawler/internal/urlnorm"
)

const (
	// DefaultDirectTimeout bounds the first, unproxied attempt.
	DefaultDirectTimeout = 15 * time.Second
	// DefaultProxyTimeout bounds each proxied attempt; proxies add latency so
	// the budget is wider than the direct one.
	DefaultProxyTimeout = 45 * time.Second
	// DefaultMaxAttempts is the total attempt budget per fetch (the direct
	// attempt plus proxy rotations) outside aggressive mode.
	DefaultMaxAttempts = 4
	// DefaultMaxRedirects caps how many redirect hops one attempt follows.
	DefaultMaxRedirects = 10

	// maxResponseBodyBytes caps how much of a response body is read (10 MB).
	maxResponseBodyBytes = 10 * 1024 * 1024

	// acceptHeader and acceptLanguageHeader make requests look like a
	// regular browser navigation.
	acceptHeader         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	acceptLanguageHeader = "en-US,en;q=0.9"
)

var (
	// ErrRedirectLoop is returned when a redirect target was already visited
	// earlier in the same chain.
	ErrRedirectLoop = errors.New("redirect loop")
	// ErrTooManyRedirects is returned when a chain exceeds the hop cap.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrCaptchaBlocked is returned when every attempt in the budget was
	// answered with a challenge page. The last challenged response is
	// returned alongside it so callers can inspect the provider.
	ErrCaptchaBlocked = errors.New("captcha challenge unresolved")
)

// Config holds pipeline settings. Zero values fall back to the defaults.
type Config struct {
	DirectTimeout  time.Duration
	ProxyTimeout   time.Duration
	MaxAttempts    int
	MaxRedirects   int
	UserAgent      string
	SessionIdleTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.DirectTimeout <= 0 {
		c.DirectTimeout = DefaultDirectTimeout
	}
	if c.ProxyTimeout <= 0 {
		c.ProxyTimeout = DefaultProxyTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.SessionIdleTTL <= 0 {
		c.SessionIdleTTL = DefaultSessionIdleTTL
	}
}

// Options tune a single fetch.
type Options struct {
	// Aggressive widens the attempt budget to one direct attempt plus every
	// known proxy once, instead of the configured MaxAttempts.
	Aggressive bool
}

// Result is the outcome of a completed fetch after redirects.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// FinalURL is the URL that produced the terminal response.
	FinalURL string
	// RedirectChain lists every followed hop target, oldest first. Empty
	// when the first response was terminal.
	RedirectChain []string

	// ProxyUsed is the redacted address of the proxy the terminal response
	// came through; empty for a direct fetch.
	ProxyUsed string
	// Captcha is set when the terminal response carried a challenge.
	Captcha *captcha.Challenge
	// Attempts counts connection attempts, including the successful one.
	Attempts int
}

// Pipeline fetches pages with the direct-then-proxy strategy. Safe for
// concurrent use by the worker pool.
type Pipeline struct {
	cfg      Config
	pool     *proxy.Pool
	solver   captcha.Solver
	sessions *sessionStore
	log      logger.Logger

	direct http.RoundTripper

	mu         sync.Mutex
	transports map[*proxy.Handle]http.RoundTripper
}

// New builds a Pipeline. pool may be nil when no proxies are configured and
// solver may be nil when no solving service is configured.
func New(cfg Config, pool *proxy.Pool, solver captcha.Solver, log logger.Logger) *Pipeline {
	cfg.setDefaults()

	if solver == nil {
		solver = captcha.NopSolver{}
	}

	return &Pipeline{
		cfg:      cfg,
		pool:     pool,
		solver:   solver,
		sessions: newSessionStore(cfg.UserAgent, cfg.SessionIdleTTL),
		log:      log,
		direct: &http.Transport{
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		transports: make(map[*proxy.Handle]http.RoundTripper),
	}
}

// Fetch retrieves rawURL. The first attempt goes direct; on a transport
// error or a detected challenge it rotates through the proxy pool until the
// attempt budget runs out. Redirects are followed manually inside each
// attempt so the chain is recorded and loops are caught.
//
// When every attempt hit a challenge the last challenged Result is returned
// together with ErrCaptchaBlocked.
func (p *Pipeline) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	domain := sessionDomain(urlnorm.Host(rawURL))
	sess := p.sessions.get(domain)
	budget := p.attemptBudget(opts)

	var (
		lastErr    error
		challenged *Result
		tried      = make(map[string]struct{})
	)

	for attempt := 1; attempt <= budget; attempt++ {
		var handle *proxy.Handle
		if attempt > 1 {
			handle = p.pickHandle(domain, tried)
			if handle == nil {
				break
			}
			tried[handle.String()] = struct{}{}
		}

		res, err := p.attempt(ctx, rawURL, sess, handle)
		if err != nil {
			// Loops and hop-cap overruns are the site's behavior, not the
			// route's; rotating proxies cannot clear them.
			if errors.Is(err, ErrRedirectLoop) || errors.Is(err, ErrTooManyRedirects) {
				return nil, err
			}
			if handle != nil {
				p.pool.RecordFailure(handle)
			}
			lastErr = err
			p.log.Debug("fetch attempt failed",
				logger.String("url", rawURL),
				logger.Int("attempt", attempt),
				logger.String("proxy", handleKey(handle)),
				logger.Error(err))

			if ctx.Err() != nil || !p.hasProxies() {
				break
			}
			continue
		}
		res.Attempts = attempt

		if ch := captcha.Detect(res.StatusCode, res.Body); ch.Present {
			res.Captcha = &ch
			challenged = res
			if handle != nil {
				p.pool.RecordFailure(handle)
			}
			p.log.Info("captcha challenge detected",
				logger.String("url", rawURL),
				logger.String("provider", ch.Provider),
				logger.Int("attempt", attempt))

			p.solveChallenge(ctx, ch, rawURL)

			if ctx.Err() != nil || !p.hasProxies() {
				break
			}
			continue
		}

		if handle != nil {
			p.pool.RecordSuccess(handle)
			p.sessions.pin(domain, handle.String())
		}

		return res, nil
	}

	if challenged != nil {
		return challenged, fmt.Errorf("fetch %s: %w (last challenge on attempt %d of %d)",
			rawURL, ErrCaptchaBlocked, challenged.Attempts, budget)
	}

	return nil, fmt.Errorf("fetch %s: %w", rawURL, lastErr)
}

// attemptBudget returns how many connection attempts the fetch may make.
// Without proxies there is nothing to rotate to, so the budget is one.
func (p *Pipeline) attemptBudget(opts Options) int {
	if !p.hasProxies() {
		return 1
	}
	if opts.Aggressive {
		return 1 + p.pool.Size()
	}

	return p.cfg.MaxAttempts
}

func (p *Pipeline) hasProxies() bool {
	return p.pool != nil && !p.pool.Empty()
}

// pickHandle selects the proxy for the next attempt: the domain's pinned
// egress when it is healthy and not yet burned this fetch, otherwise a
// strategy pick that avoids handles already tried. Returns nil only when the
// pool is empty.
func (p *Pipeline) pickHandle(domain string, tried map[string]struct{}) *proxy.Handle {
	if pinned := p.sessions.pinned(domain); pinned != "" {
		if _, burned := tried[pinned]; !burned {
			if h := p.pool.Get(pinned); h != nil {
				return h
			}
		}
	}

	// Random strategies can repeat, so probe a few times for a fresh handle
	// before accepting a repeat.
	var last *proxy.Handle
	for range 2*p.pool.Size() + 1 {
		h := p.pool.Next()
		if h == nil {
			return nil
		}
		if _, burned := tried[h.String()]; !burned {
			return h
		}
		last = h
	}

	return last
}

// attempt performs one connection attempt, following redirects manually so
// the chain is recorded. A non-nil handle routes the attempt through that
// proxy with the wider timeout.
func (p *Pipeline) attempt(ctx context.Context, rawURL string, sess *session, handle *proxy.Handle) (*Result, error) {
	client, err := p.clientFor(sess, handle)
	if err != nil {
		return nil, err
	}

	current := rawURL
	seen := map[string]struct{}{current: {}}

	var chain []string

	for {
		resp, doErr := p.doRequest(ctx, client, current, sess)
		if doErr != nil {
			return nil, doErr
		}

		if !isRedirect(resp.StatusCode) {
			body, readErr := readBody(resp)
			if readErr != nil {
				return nil, readErr
			}

			return &Result{
				StatusCode:    resp.StatusCode,
				Header:        resp.Header,
				Body:          body,
				FinalURL:      current,
				RedirectChain: chain,
				ProxyUsed:     handleKey(handle),
			}, nil
		}

		next, hopErr := nextHop(resp, current)
		if hopErr != nil {
			return nil, hopErr
		}

		if _, visited := seen[next]; visited {
			return nil, fmt.Errorf("%w: %s returns to %s", ErrRedirectLoop, rawURL, next)
		}
		if len(chain) >= p.cfg.MaxRedirects {
			return nil, fmt.Errorf("%w: %s exceeded %d hops", ErrTooManyRedirects, rawURL, p.cfg.MaxRedirects)
		}

		seen[next] = struct{}{}
		chain = append(chain, next)
		current = next
	}
}

// doRequest issues one GET with the session's identity headers.
func (p *Pipeline) doRequest(ctx context.Context, client *http.Client, rawURL string, sess *session) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", sess.userAgent)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Language", acceptLanguageHeader)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http fetch: %w", err)
	}

	return resp, nil
}

// clientFor builds the client for one attempt: the shared direct transport
// or the handle's cached proxy transport, the session jar, and automatic
// redirects disabled so the attempt loop controls every hop.
func (p *Pipeline) clientFor(sess *session, handle *proxy.Handle) (*http.Client, error) {
	transport := p.direct
	timeout := p.cfg.DirectTimeout

	if handle != nil {
		t, err := p.transportFor(handle)
		if err != nil {
			return nil, err
		}
		transport = t
		timeout = p.cfg.ProxyTimeout
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		Jar:       sess.jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// transportFor returns the handle's transport, building it once so proxied
// connections are pooled across fetches.
func (p *Pipeline) transportFor(handle *proxy.Handle) (http.RoundTripper, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.transports[handle]; ok {
		return t, nil
	}

	t, err := p.pool.Transport(handle)
	if err != nil {
		return nil, fmt.Errorf("proxy transport: %w", err)
	}
	p.transports[handle] = t

	return t, nil
}

// solveChallenge asks the configured solver for a token. Tokens are not
// replayed into site forms; a solve outcome only gates logging, and the
// caller rotates to a fresh egress either way.
func (p *Pipeline) solveChallenge(ctx context.Context, ch captcha.Challenge, pageURL string) {
	_, err := p.solver.Solve(ctx, ch, pageURL)

	switch {
	case err == nil:
		p.log.Info("captcha solved",
			logger.String("url", pageURL),
			logger.String("provider", ch.Provider))
	case errors.Is(err, captcha.ErrNoSolver):
		p.log.Debug("no captcha solver configured", logger.String("url", pageURL))
	default:
		p.log.Warn("captcha solve failed",
			logger.String("url", pageURL),
			logger.Error(err))
	}
}

// nextHop extracts and resolves the Location target of a redirect response.
// The response body is drained and closed so the connection can be reused.
func nextHop(resp *http.Response, current string) (string, error) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
	_ = resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("redirect status %d from %s without location", resp.StatusCode, current)
	}

	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("parse redirect base %s: %w", current, err)
	}
	target, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse redirect location %q: %w", location, err)
	}

	return base.ResolveReference(target).String(), nil
}

// isRedirect reports whether the status is one the pipeline follows. The
// pipeline only issues GETs, so the 303 see-other method switch is already
// satisfied.
func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return body, nil
}

func handleKey(h *proxy.Handle) string {
	if h == nil {
		return ""
	}

	return h.String()
}

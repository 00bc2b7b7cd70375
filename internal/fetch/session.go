package fetch

import (
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DefaultSessionIdleTTL is how long a domain session survives without use
// before the sweep drops it, forgetting its cookies and proxy pinning.
const DefaultSessionIdleTTL = 10 * time.Minute

// sweepInterval bounds how often the store scans for idle sessions.
const sweepInterval = time.Minute

// defaultUserAgents is a small set of desktop browser user agents assigned to
// new sessions when no fixed user agent is configured.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
}

// session holds the state one crawled domain sees across attempts and across
// fetches: a cookie jar, the user agent assigned on first contact, and the
// proxy the domain was last successfully fetched through. The jar is safe for
// concurrent use; userAgent is immutable after creation; pinnedProxy is
// guarded by the store mutex.
type session struct {
	jar       http.CookieJar
	userAgent string

	pinnedProxy string
	lastUsed    time.Time
}

// sessionStore hands out per-domain sessions so cookies and the user agent
// stay consistent from the direct attempt through every proxy fallback, and
// so repeat fetches of a domain keep riding the same egress while it stays
// healthy.
type sessionStore struct {
	mu        sync.Mutex
	sessions  map[string]*session
	idleTTL   time.Duration
	fixedUA   string
	lastSweep time.Time
}

func newSessionStore(fixedUA string, idleTTL time.Duration) *sessionStore {
	if idleTTL <= 0 {
		idleTTL = DefaultSessionIdleTTL
	}

	return &sessionStore{
		sessions:  make(map[string]*session),
		idleTTL:   idleTTL,
		fixedUA:   fixedUA,
		lastSweep: time.Now(),
	}
}

// get returns the session for the domain, creating one on first contact.
// Access refreshes the idle clock and opportunistically sweeps stale entries.
func (s *sessionStore) get(domain string) *session {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep(now)

	sess, ok := s.sessions[domain]
	if !ok {
		sess = &session{
			jar:       newJar(),
			userAgent: s.pickUserAgent(),
		}
		s.sessions[domain] = sess
	}
	sess.lastUsed = now

	return sess
}

// pin records the egress a fetch for the domain just succeeded through.
func (s *sessionStore) pin(domain, proxyKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[domain]; ok {
		sess.pinnedProxy = proxyKey
	}
}

// pinned returns the proxy key the domain is pinned to, or empty.
func (s *sessionStore) pinned(domain string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[domain]; ok {
		return sess.pinnedProxy
	}

	return ""
}

// len reports the number of live sessions.
func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// sweep drops sessions idle longer than the TTL. Callers must hold s.mu.
func (s *sessionStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now

	for domain, sess := range s.sessions {
		if now.Sub(sess.lastUsed) > s.idleTTL {
			delete(s.sessions, domain)
		}
	}
}

func (s *sessionStore) pickUserAgent() string {
	if s.fixedUA != "" {
		return s.fixedUA
	}

	return defaultUserAgents[rand.Intn(len(defaultUserAgents))]
}

func newJar() http.CookieJar {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// cookiejar.New only fails on invalid options.
		panic(err)
	}

	return jar
}

// sessionDomain groups hosts by registrable domain (eTLD+1) so subdomains of
// one site share a session. Hosts without a registrable domain, such as IPs
// or localhost, key by the host itself.
func sessionDomain(host string) string {
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}

	return host
}

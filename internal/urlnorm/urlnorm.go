// Package urlnorm provides URL normalization and hashing for crawl identity.
// URLs are normalized before enqueueing and before persistence so that the
// same URL expressed differently produces the same string and the same hash.
package urlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"sort"
	"strings"
)

// trackingParams lists query parameters that are stripped during normalization.
// These are advertising and analytics trackers that do not affect page content.
var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"gclsrc":  {},
	"dclid":   {},
	"msclkid": {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref_src": {},
	"igshid":  {},
}

// sessionParams lists query parameters that carry session identity and are
// stripped so the same page under different visitors collapses to one URL.
var sessionParams = map[string]struct{}{
	"phpsessid":  {},
	"jsessionid": {},
	"sessionid":  {},
	"session_id": {},
	"sess_id":    {},
	"sid":        {},
	"cfid":       {},
	"cftoken":    {},
}

// defaultPorts maps schemes to their default port strings.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// jsessionidMarker is the path parameter prefix used by Java servlet
// containers, e.g. /page;jsessionid=ABC123.
const jsessionidMarker = ";jsessionid="

// Normalize applies deterministic transformations to a raw URL so that
// equivalent URLs produce identical strings. Transformations include
// lowercasing scheme and host, removing default ports, resolving path
// dot-segments, removing trailing slashes, removing fragments, stripping
// session tokens and tracking parameters, and sorting query parameters.
//
// Malformed input never aborts processing: when the URL cannot be parsed or
// lacks a scheme or host, the input is returned unchanged so the caller can
// still attempt the fetch and surface the real error.
func Normalize(rawURL string) string {
	if rawURL == "" {
		return rawURL
	}

	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return rawURL
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = normalizeHost(parsed)
	parsed.Fragment = ""
	parsed.RawQuery = buildCleanQuery(parsed.Query())
	parsed.Path = normalizePath(parsed.Path)

	return parsed.String()
}

// Resolve resolves href against base and normalizes the result. Absolute
// hrefs pass through resolution untouched. When base cannot be parsed the
// href is normalized on its own.
func Resolve(href, base string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return Normalize(href)
	}

	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return Normalize(href)
	}

	return Normalize(baseURL.ResolveReference(ref).String())
}

// Hash normalizes the given URL and returns its SHA-256 hex digest.
// The returned string is always 64 characters long.
func Hash(rawURL string) string {
	sum := sha256.Sum256([]byte(Normalize(rawURL)))
	return hex.EncodeToString(sum[:])
}

// Host returns the hostname (without port) from a URL, lowercased.
// Returns an empty string when the URL cannot be parsed.
func Host(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// SameDomain reports whether two URLs share a host, ignoring a leading
// "www." label on either side.
func SameDomain(a, b string) bool {
	ha, hb := stripWWW(Host(a)), stripWWW(Host(b))
	return ha != "" && ha == hb
}

func stripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}

// normalizeHost lowercases the hostname and removes the scheme's default port.
func normalizeHost(u *url.URL) string {
	hostname := strings.ToLower(u.Hostname())
	port := u.Port()

	if port == "" {
		return hostname
	}

	if defaultPort, ok := defaultPorts[u.Scheme]; ok && port == defaultPort {
		return hostname
	}

	return hostname + ":" + port
}

// buildCleanQuery strips session and tracking parameters, sorts the
// remaining keys alphabetically, and returns the encoded query string.
// Returns an empty string when no parameters remain after filtering.
func buildCleanQuery(values url.Values) string {
	keys := make([]string, 0, len(values))

	for key := range values {
		if isStrippedParam(key) {
			continue
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return ""
	}

	sort.Strings(keys)

	var b strings.Builder

	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}

		vals := values[key]
		for j, val := range vals {
			if j > 0 {
				b.WriteByte('&')
			}

			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}

	return b.String()
}

// isStrippedParam reports whether the query key is a session token, a known
// tracker, or a utm_* campaign parameter.
func isStrippedParam(key string) bool {
	lower := strings.ToLower(key)

	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	if _, ok := trackingParams[lower]; ok {
		return true
	}
	if _, ok := sessionParams[lower]; ok {
		return true
	}

	return false
}

// normalizePath strips jsessionid path parameters, resolves dot-segments
// (/../, /./) and removes trailing slashes while preserving the root "/".
func normalizePath(p string) string {
	if idx := strings.Index(strings.ToLower(p), jsessionidMarker); idx >= 0 {
		p = p[:idx]
	}

	if p == "" || p == "/" {
		return "/"
	}

	cleaned := path.Clean(p)

	return strings.TrimRight(cleaned, "/")
}

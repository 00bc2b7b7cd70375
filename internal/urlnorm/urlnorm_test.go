package urlnorm_test

import (
	"strings"
	"testing"

	"github.com/seoscope/crawler/internal/urlnorm"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		// Scheme and host normalization
		{"lowercase scheme", "HTTP://Example.com/Path", "http://example.com/Path"},
		{"lowercase host", "https://EXAMPLE.COM/path", "https://example.com/path"},
		{"scheme preserved", "http://example.com/path", "http://example.com/path"},

		// Port handling
		{"remove default https port", "https://example.com:443/path", "https://example.com/path"},
		{"remove default http port", "http://example.com:80/path", "http://example.com/path"},
		{"keep non-default port", "https://example.com:8080/path", "https://example.com:8080/path"},
		{"keep http on https port", "http://example.com:443/path", "http://example.com:443/path"},

		// Path normalization
		{"remove trailing slash", "https://example.com/path/", "https://example.com/path"},
		{"keep root slash", "https://example.com/", "https://example.com/"},
		{"bare host gains root slash", "https://example.com", "https://example.com/"},
		{"resolve dot segments", "https://example.com/a/b/../c", "https://example.com/a/c"},
		{"resolve current dir segments", "https://example.com/a/./b", "https://example.com/a/b"},

		// Fragment removal
		{"remove fragment", "https://example.com/path#section", "https://example.com/path"},
		{"fragment only", "https://example.com/#top", "https://example.com/"},

		// Session tokens
		{"strip jsessionid path param", "https://example.com/cart;jsessionid=A1B2C3", "https://example.com/cart"},
		{"strip jsessionid mixed case", "https://example.com/cart;JSESSIONID=A1B2C3", "https://example.com/cart"},
		{"strip phpsessid query", "https://example.com/p?PHPSESSID=deadbeef&id=1", "https://example.com/p?id=1"},
		{"strip sid query", "https://example.com/p?sid=xyz&id=1", "https://example.com/p?id=1"},

		// Query parameter handling
		{"sort query params", "https://example.com/path?z=1&a=2", "https://example.com/path?a=2&z=1"},
		{"strip utm params", "https://example.com/path?utm_source=twitter&id=1", "https://example.com/path?id=1"},
		{"strip utm by prefix", "https://example.com/path?utm_id=9&id=1", "https://example.com/path?id=1"},
		{"strip fbclid", "https://example.com/path?fbclid=abc123&id=1", "https://example.com/path?id=1"},
		{"strip gclid", "https://example.com/path?gclid=xyz&page=2", "https://example.com/path?page=2"},
		{"empty query after stripping", "https://example.com/path?utm_source=x", "https://example.com/path"},

		// Fail-open behavior for malformed input
		{"empty string unchanged", "", ""},
		{"invalid url unchanged", "://not-a-url", "://not-a-url"},
		{"missing scheme unchanged", "example.com/path", "example.com/path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := urlnorm.Normalize(tt.input)
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"HTTP://Example.com:80/a/../b/?z=1&a=2&utm_source=x#frag",
		"https://example.com/cart;jsessionid=ABC?id=1",
		"https://example.com/",
		"not a url at all",
	}

	for _, input := range inputs {
		once := urlnorm.Normalize(input)
		twice := urlnorm.Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: first %q, second %q", input, once, twice)
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		href string
		base string
		want string
	}{
		{"relative path", "about", "https://example.com/docs/", "https://example.com/docs/about"},
		{"rooted path", "/pricing", "https://example.com/docs/intro", "https://example.com/pricing"},
		{"parent traversal", "../a", "https://example.com/docs/intro/", "https://example.com/docs/a"},
		{"absolute href wins", "https://other.com/x", "https://example.com/", "https://other.com/x"},
		{"protocol relative", "//cdn.example.com/x", "https://example.com/", "https://cdn.example.com/x"},
		{"query only", "?page=2", "https://example.com/list", "https://example.com/list?page=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := urlnorm.Resolve(tt.href, tt.base)
			if got != tt.want {
				t.Errorf("Resolve(%q, %q) = %q, want %q", tt.href, tt.base, got, tt.want)
			}
		})
	}
}

func TestHash_EquivalentURLs(t *testing.T) {
	hash1 := urlnorm.Hash("HTTPS://Example.com/path?b=2&a=1&utm_source=x")
	hash2 := urlnorm.Hash("https://example.com/path?a=1&b=2")

	if hash1 != hash2 {
		t.Errorf("expected identical hashes for equivalent URLs, got %q and %q", hash1, hash2)
	}
}

func TestHash_Length(t *testing.T) {
	const sha256HexLength = 64

	hash := urlnorm.Hash("https://example.com")
	if len(hash) != sha256HexLength {
		t.Errorf("expected hash length %d, got %d", sha256HexLength, len(hash))
	}

	for _, c := range hash {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("hash contains non-hex character: %c", c)
			break
		}
	}
}

func TestHash_DifferentURLs(t *testing.T) {
	hash1 := urlnorm.Hash("https://example.com/page-a")
	hash2 := urlnorm.Hash("https://example.com/page-b")

	if hash1 == hash2 {
		t.Error("expected different hashes for different URLs")
	}
}

func TestHost(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple", "https://example.com/path", "example.com"},
		{"with port", "https://example.com:8080/path", "example.com"},
		{"with www", "https://www.example.com/path", "www.example.com"},
		{"uppercase host", "https://EXAMPLE.COM/path", "example.com"},
		{"invalid url", "://bad", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := urlnorm.Host(tt.input)
			if got != tt.want {
				t.Errorf("Host(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSameDomain(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want bool
	}{
		{"identical hosts", "https://example.com/a", "https://example.com/b", true},
		{"www ignored", "https://www.example.com/a", "https://example.com/b", true},
		{"scheme ignored", "http://example.com/a", "https://example.com/b", true},
		{"different hosts", "https://example.com/a", "https://other.com/b", false},
		{"subdomain differs", "https://blog.example.com/a", "https://example.com/b", false},
		{"both invalid", "://bad", "://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := urlnorm.SameDomain(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("SameDomain(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

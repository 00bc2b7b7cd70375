// Package captcha detects anti-bot challenges in fetched pages and defines
// the solver collaborator used to pass them. Detection is heuristic: known
// challenge widgets are recognized directly, and block-page status codes
// combined with challenge wording count as a generic challenge.
package captcha

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Challenge providers recognized by Detect.
const (
	ProviderRecaptcha = "recaptcha"
	ProviderHcaptcha  = "hcaptcha"
	ProviderTurnstile = "turnstile"
	ProviderGeneric   = "generic"
)

// challengeTitleMarkers are title/heading substrings that indicate a block
// or challenge page when paired with a 403 or 429 status.
var challengeTitleMarkers = []string{
	"captcha",
	"just a moment",
	"attention required",
	"access denied",
	"are you a robot",
	"verify you are human",
	"security check",
}

// Challenge describes a detected anti-bot challenge.
type Challenge struct {
	Present  bool
	Provider string
	SiteKey  string
}

// Detect inspects a response for a CAPTCHA or bot challenge. Widget markup
// is decisive on any status code; block statuses (403, 429) additionally
// trigger on challenge wording alone.
func Detect(statusCode int, body []byte) Challenge {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		// Unparseable bodies still count as generic challenges on block codes.
		if isBlockStatus(statusCode) {
			return Challenge{Present: true, Provider: ProviderGeneric}
		}
		return Challenge{}
	}

	if c := detectWidget(doc); c.Present {
		return c
	}

	if isBlockStatus(statusCode) && hasChallengeWording(doc) {
		return Challenge{Present: true, Provider: ProviderGeneric}
	}

	return Challenge{}
}

// detectWidget looks for known challenge widget markup.
func detectWidget(doc *goquery.Document) Challenge {
	selectors := []struct {
		query    string
		provider string
	}{
		{".g-recaptcha[data-sitekey]", ProviderRecaptcha},
		{".h-captcha[data-sitekey]", ProviderHcaptcha},
		{".cf-turnstile[data-sitekey]", ProviderTurnstile},
	}

	for _, sel := range selectors {
		node := doc.Find(sel.query).First()
		if node.Length() == 0 {
			continue
		}

		key, _ := node.Attr("data-sitekey")

		return Challenge{Present: true, Provider: sel.provider, SiteKey: key}
	}

	// Script-injected widgets carry no sitekey div; fall back to script srcs.
	var found Challenge
	doc.Find("script[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		switch {
		case strings.Contains(src, "recaptcha/api.js"):
			found = Challenge{Present: true, Provider: ProviderRecaptcha}
		case strings.Contains(src, "hcaptcha.com/1/api.js"):
			found = Challenge{Present: true, Provider: ProviderHcaptcha}
		case strings.Contains(src, "challenges.cloudflare.com/turnstile"):
			found = Challenge{Present: true, Provider: ProviderTurnstile}
		default:
			return true
		}
		return false
	})

	return found
}

// hasChallengeWording checks the page title and first heading for challenge
// phrases.
func hasChallengeWording(doc *goquery.Document) bool {
	texts := []string{
		strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text())),
		strings.ToLower(strings.TrimSpace(doc.Find("h1").First().Text())),
	}

	for _, text := range texts {
		if text == "" {
			continue
		}
		for _, marker := range challengeTitleMarkers {
			if strings.Contains(text, marker) {
				return true
			}
		}
	}

	return false
}

// isBlockStatus reports whether the status code is one servers use for
// bot-blocked requests.
func isBlockStatus(statusCode int) bool {
	return statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests
}

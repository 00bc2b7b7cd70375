package extractor_test

import (
	"testing"

	"github.com/seoscope/crawler/internal/extractor"
)

const testPageURL = "https://example.com/blog/post"

// fullPageHTML exercises title, description, canonical, robots and links.
const fullPageHTML = `<!DOCTYPE html>
<html>
<head>
  <title>Widget Guide</title>
  <meta name="description" content="Everything about widgets.">
  <meta name="robots" content="noindex, nofollow">
  <link rel="canonical" href="https://example.com/blog/post">
</head>
<body>
  <nav><a href="/nav-link">Nav</a></nav>
  <article>
    <h1>Widget Guide</h1>
    <p>Widgets explained. <a href="/widgets/blue">Blue widgets</a></p>
    <p><a href="https://other.example.org/ref" rel="nofollow sponsored">partner</a></p>
  </article>
</body>
</html>`

// ogFallbackHTML has no <title> tag but carries og: meta tags.
const ogFallbackHTML = `<!DOCTYPE html>
<html>
<head>
  <meta property="og:title" content="OG Title Fallback">
  <meta property="og:description" content="OG description fallback.">
</head>
<body><p>Body.</p></body>
</html>`

// linkZooHTML covers resolution, skipping, rel parsing and dedupe.
const linkZooHTML = `<!DOCTYPE html>
<html>
<head><title>Links</title></head>
<body>
  <a href="relative/page">Relative</a>
  <a href="/rooted?b=2&a=1">Rooted</a>
  <a href="https://www.example.com/from-www">Same domain via www</a>
  <a href="https://elsewhere.net/out" rel="ugc">Outbound</a>
  <a href="mailto:team@example.com">Mail</a>
  <a href="javascript:void(0)">JS</a>
  <a href="tel:+15550100">Call</a>
  <a href="#section">Fragment</a>
  <a href="/dup">Twice</a>
  <a href="/dup">Twice</a>
  <a href="/img-link"><img src="/pic.png" alt="Picture anchor"></a>
</body>
</html>`

const baseHrefHTML = `<!DOCTYPE html>
<html>
<head><title>Based</title><base href="https://example.com/docs/"></head>
<body><a href="guide">Guide</a></body>
</html>`

const minimalHTML = `<!DOCTYPE html>
<html><head></head><body></body></html>`

func newExtractor(t *testing.T) *extractor.Extractor {
	t.Helper()

	return extractor.New()
}

func TestExtract_FullPage(t *testing.T) {
	t.Parallel()

	ext, err := newExtractor(t).Extract([]byte(fullPageHTML), testPageURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "Title", "Widget Guide", ext.Title)
	assertEqual(t, "Description", "Everything about widgets.", ext.Description)
	assertEqual(t, "Canonical", "https://example.com/blog/post", ext.Canonical)
	assertNonEmpty(t, "ContentHash", ext.ContentHash)

	if !ext.NoIndex || !ext.NoFollow {
		t.Errorf("robots directives = noindex:%v nofollow:%v, want both true", ext.NoIndex, ext.NoFollow)
	}
	if len(ext.Links) != 3 {
		t.Fatalf("len(Links) = %d, want 3: %+v", len(ext.Links), ext.Links)
	}
}

func TestExtract_TitleFallbackToOGTitle(t *testing.T) {
	t.Parallel()

	ext, err := newExtractor(t).Extract([]byte(ogFallbackHTML), testPageURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "Title", "OG Title Fallback", ext.Title)
	assertEqual(t, "Description", "OG description fallback.", ext.Description)
}

func TestExtract_MetaRobots(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		meta         string
		wantNoIndex  bool
		wantNoFollow bool
	}{
		{"absent", "", false, false},
		{"noindex only", `<meta name="robots" content="noindex">`, true, false},
		{"nofollow only", `<meta name="robots" content="nofollow">`, false, true},
		{"none shorthand", `<meta name="robots" content="none">`, true, true},
		{"uppercase name and tokens", `<meta name="ROBOTS" content="NOINDEX, NOFOLLOW">`, true, true},
		{"spaced tokens", `<meta name="robots" content=" noindex , max-snippet:50 ">`, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			page := `<html><head><title>t</title>` + tt.meta + `</head><body></body></html>`
			ext, err := newExtractor(t).Extract([]byte(page), testPageURL)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if ext.NoIndex != tt.wantNoIndex || ext.NoFollow != tt.wantNoFollow {
				t.Errorf("directives = noindex:%v nofollow:%v, want noindex:%v nofollow:%v",
					ext.NoIndex, ext.NoFollow, tt.wantNoIndex, tt.wantNoFollow)
			}
		})
	}
}

func TestExtract_Links(t *testing.T) {
	t.Parallel()

	ext, err := newExtractor(t).Extract([]byte(linkZooHTML), testPageURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	byHref := make(map[string]extractor.Link, len(ext.Links))
	for _, l := range ext.Links {
		byHref[l.Href] = l
	}

	if len(ext.Links) != 6 {
		t.Fatalf("len(Links) = %d, want 6: %+v", len(ext.Links), ext.Links)
	}

	rel, ok := byHref["https://example.com/blog/relative/page"]
	if !ok {
		t.Error("relative href was not resolved against the page URL")
	} else if rel.IsExternal {
		t.Error("relative link should be internal")
	}

	rooted, ok := byHref["https://example.com/rooted?b=2&a=1"]
	if !ok {
		t.Error("rooted href should keep its literal query order")
	} else if rooted.Anchor != "Rooted" {
		t.Errorf("Anchor = %q, want Rooted", rooted.Anchor)
	}

	www, ok := byHref["https://www.example.com/from-www"]
	if !ok {
		t.Error("www variant link missing")
	} else if www.IsExternal {
		t.Error("www variant of the page host should be internal")
	}

	out, ok := byHref["https://elsewhere.net/out"]
	if !ok {
		t.Error("outbound link missing")
	} else {
		if !out.IsExternal {
			t.Error("outbound link should be external")
		}
		if !out.UGC || out.NoFollow || out.Sponsored {
			t.Errorf("rel flags = %+v, want ugc only", out)
		}
	}

	if _, found := byHref["mailto:team@example.com"]; found {
		t.Error("mailto link should be skipped")
	}

	img, ok := byHref["https://example.com/img-link"]
	if !ok {
		t.Error("image link missing")
	} else if img.Anchor != "Picture anchor" {
		t.Errorf("image link Anchor = %q, want the alt text", img.Anchor)
	}
}

func TestExtract_RelFlags(t *testing.T) {
	t.Parallel()

	page := `<html><body>
	  <a href="/a" rel="nofollow sponsored ugc">all</a>
	  <a href="/b">plain</a>
	</body></html>`

	ext, err := newExtractor(t).Extract([]byte(page), testPageURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ext.Links) != 2 {
		t.Fatalf("len(Links) = %d, want 2", len(ext.Links))
	}

	all := ext.Links[0]
	if !all.NoFollow || !all.Sponsored || !all.UGC {
		t.Errorf("rel flags = %+v, want nofollow, sponsored and ugc", all)
	}

	plain := ext.Links[1]
	if plain.NoFollow || plain.Sponsored || plain.UGC {
		t.Errorf("rel flags = %+v, want none set", plain)
	}
}

func TestExtract_BaseHrefResolution(t *testing.T) {
	t.Parallel()

	ext, err := newExtractor(t).Extract([]byte(baseHrefHTML), testPageURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ext.Links) != 1 {
		t.Fatalf("len(Links) = %d, want 1", len(ext.Links))
	}
	assertEqual(t, "Href", "https://example.com/docs/guide", ext.Links[0].Href)
}

func TestExtract_HashTracksBodyTextOnly(t *testing.T) {
	t.Parallel()

	pageA := `<html><head><title>A</title></head><body><p>Same text.</p></body></html>`
	pageB := `<html><head><title>B</title><script>var x=1;</script></head><body><p>Same text.</p></body></html>`
	pageC := `<html><head><title>A</title></head><body><p>Different text.</p></body></html>`

	hash := func(page string) string {
		t.Helper()
		ext, err := newExtractor(t).Extract([]byte(page), testPageURL)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return ext.ContentHash
	}

	if hash(pageA) != hash(pageB) {
		t.Error("hash should ignore head and script changes")
	}
	if hash(pageA) == hash(pageC) {
		t.Error("hash should change with the body text")
	}
}

func TestExtract_EmptyBody(t *testing.T) {
	t.Parallel()

	ext, err := newExtractor(t).Extract([]byte(minimalHTML), testPageURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "Title", "", ext.Title)
	assertNonEmpty(t, "ContentHash", ext.ContentHash)

	if len(ext.Links) != 0 {
		t.Errorf("len(Links) = %d, want 0", len(ext.Links))
	}
	if ext.NoIndex || ext.NoFollow {
		t.Error("robots directives should default to false")
	}
}

// --- test helpers ---

func assertEqual(t *testing.T, field, expected, actual string) {
	t.Helper()

	if actual != expected {
		t.Errorf("%s: expected %q, got %q", field, expected, actual)
	}
}

func assertNonEmpty(t *testing.T, field, actual string) {
	t.Helper()

	if actual == "" {
		t.Errorf("%s: expected a non-empty value", field)
	}
}

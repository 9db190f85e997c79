package caddy_ableron

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/ableron-go/ableron/ableron"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
)

func newTestAbleron() *Ableron {
	return &Ableron{processor: ableron.NewProcessor(ableron.NewConfig())}
}

// padToBufferThreshold pads body with leading filler to at least 512 bytes,
// the smallest declared Content-Length that ServeHTTP's buffering heuristic
// accepts, so the body is sized like a real HTML response worth
// transcluding. These tests declare no Content-Length, so the heuristic
// buffers them whatever their size.
func padToBufferThreshold(body string) []byte {
	pad := 512 - len(body)
	if pad < 0 {
		pad = 0
	}
	return append(bytes.Repeat([]byte(" "), pad), []byte(body)...)
}

func TestBufferedAbleron_NoIncludesPassthroughUnchanged(t *testing.T) {
	a := newTestAbleron()

	upstream := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html><body>Hello World</body></html>"))
		return nil
	})

	req := httptest.NewRequest("GET", "http://example.com/test", nil)
	rec := httptest.NewRecorder()

	if err := a.ServeHTTP(rec, req, upstream); err != nil {
		t.Fatalf("ServeHTTP failed: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	expected := "<html><body>Hello World</body></html>"
	if rec.Body.String() != expected {
		t.Errorf("expected body %q, got %q", expected, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "" {
		t.Errorf("expected no Cache-Control derivation when no includes are present (resolution never runs), got %q", cc)
	}
}

func TestBufferedAbleron_WithIncludes(t *testing.T) {
	a := newTestAbleron()

	upstream := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		body := padToBufferThreshold(`<html><body><ableron-include id="a">fallback</ableron-include></body></html>`)
		w.Write(body)
		return nil
	})

	req := httptest.NewRequest("GET", "http://example.com/test", nil)
	rec := httptest.NewRecorder()

	if err := a.ServeHTTP(rec, req, upstream); err != nil {
		t.Fatalf("ServeHTTP failed: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	if !bytes.Contains(rec.Body.Bytes(), []byte("fallback")) {
		t.Errorf("expected fallback content in response, got: %q", rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("ableron-include")) {
		t.Errorf("include marker should have been replaced, got: %q", rec.Body.String())
	}
}

// TestBufferedAbleron_PrimaryIncludeStatusOverridesOuterResponse checks that
// when a primary include's fragment fetch comes back with an error status,
// ServeHTTP writes THAT status to the outer response instead of the
// upstream handler's own (successful) status.
func TestBufferedAbleron_PrimaryIncludeStatusOverridesOuterResponse(t *testing.T) {
	fragSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "missing")
	}))
	defer fragSrv.Close()

	a := newTestAbleron()

	body := fmt.Sprintf(`<html><body><ableron-include src="%s/a" primary>fallback</ableron-include></body></html>`, fragSrv.URL)
	upstream := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write(padToBufferThreshold(body))
		return nil
	})

	req := httptest.NewRequest("GET", "http://example.com/test", nil)
	rec := httptest.NewRecorder()

	if err := a.ServeHTTP(rec, req, upstream); err != nil {
		t.Fatalf("ServeHTTP failed: %v", err)
	}

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected the primary include's 404 to override the upstream's 200, got %d", rec.Code)
	}
}

// TestBufferedAbleron_CacheControlReflectsTightestFragmentTTL checks that
// the outer Cache-Control header is derived from the resolved fragment's
// own max-age, not left as whatever (or nothing) the upstream handler set.
func TestBufferedAbleron_CacheControlReflectsTightestFragmentTTL(t *testing.T) {
	fragSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=30")
		fmt.Fprint(w, "cacheable fragment")
	}))
	defer fragSrv.Close()

	a := newTestAbleron()

	body := fmt.Sprintf(`<html><body><ableron-include src="%s/a"/></body></html>`, fragSrv.URL)
	upstream := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write(padToBufferThreshold(body))
		return nil
	})

	req := httptest.NewRequest("GET", "http://example.com/test", nil)
	rec := httptest.NewRecorder()

	if err := a.ServeHTTP(rec, req, upstream); err != nil {
		t.Fatalf("ServeHTTP failed: %v", err)
	}

	cc := rec.Header().Get("Cache-Control")
	var maxAge int
	if _, err := fmt.Sscanf(cc, "max-age=%d", &maxAge); err != nil {
		t.Fatalf("expected a max-age Cache-Control value, got %q", cc)
	}
	if maxAge <= 0 || maxAge > 30 {
		t.Errorf("expected 0 < max-age <= 30 derived from the fragment's TTL, got %d", maxAge)
	}
}

// TestBufferedAbleron_NonCacheableFragmentForcesNoStore checks that a
// fragment fetched without any cache directives makes the whole page
// non-cacheable, per the "tightest wins" Cache-Control composition rule.
func TestBufferedAbleron_NonCacheableFragmentForcesNoStore(t *testing.T) {
	fragSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "uncacheable fragment")
	}))
	defer fragSrv.Close()

	a := newTestAbleron()

	body := fmt.Sprintf(`<html><body><ableron-include src="%s/a"/></body></html>`, fragSrv.URL)
	upstream := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write(padToBufferThreshold(body))
		return nil
	})

	req := httptest.NewRequest("GET", "http://example.com/test", nil)
	rec := httptest.NewRecorder()

	if err := a.ServeHTTP(rec, req, upstream); err != nil {
		t.Fatalf("ServeHTTP failed: %v", err)
	}

	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf(`expected "no-store" since the fragment has no cache directives, got %q`, cc)
	}
}

// TestBufferedAbleron_NonHTMLContentTypeBypassesResolution checks that a
// non-HTML response is never handed to the resolver at all, even when its
// body happens to contain text shaped like an include marker.
func TestBufferedAbleron_NonHTMLContentTypeBypassesResolution(t *testing.T) {
	a := newTestAbleron()

	body := `{"note": "<ableron-include src=\"http://should-not-be-fetched/\"/>"}`
	upstream := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
		return nil
	})

	req := httptest.NewRequest("GET", "http://example.com/api/test", nil)
	rec := httptest.NewRecorder()

	if err := a.ServeHTTP(rec, req, upstream); err != nil {
		t.Fatalf("ServeHTTP failed: %v", err)
	}

	if rec.Body.String() != body {
		t.Errorf("expected JSON body left untouched by the resolver, got %q", rec.Body.String())
	}
}

// TestBufferedAbleron_LargeDocumentResolvesEveryInclude checks that a
// document with many distinct includes spread across a large body has all
// of them resolved, none left dangling.
func TestBufferedAbleron_LargeDocumentResolvesEveryInclude(t *testing.T) {
	fragSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<span>%s</span>", strings.TrimPrefix(r.URL.Path, "/"))
	}))
	defer fragSrv.Close()

	a := newTestAbleron()

	var sb strings.Builder
	sb.WriteString("<html><body>")
	sb.WriteString(strings.Repeat("<p>filler content</p>", 2000))
	const includeCount = 20
	for i := 0; i < includeCount; i++ {
		fmt.Fprintf(&sb, `<ableron-include src="%s/f%d"/>`, fragSrv.URL, i)
	}
	sb.WriteString("</body></html>")
	body := sb.String()

	upstream := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
		return nil
	})

	req := httptest.NewRequest("GET", "http://example.com/large", nil)
	rec := httptest.NewRecorder()

	if err := a.ServeHTTP(rec, req, upstream); err != nil {
		t.Fatalf("ServeHTTP failed: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("ableron-include")) {
		t.Errorf("expected every include marker to be spliced out")
	}
	for i := 0; i < includeCount; i++ {
		want := "<span>f" + strconv.Itoa(i) + "</span>"
		if !bytes.Contains(rec.Body.Bytes(), []byte(want)) {
			t.Errorf("expected fragment %d resolved as %q, missing from output", i, want)
		}
	}
}

package ableron

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func TestComputeExpiration_SMaxAgeTakesPrecedence(t *testing.T) {
	now := time.Now()
	h := http.Header{}
	h.Set("Cache-Control", "max-age=60, s-maxage=120")

	got := computeExpiration(h, now)
	want := now.Add(120 * time.Second)
	if !almostEqual(got, want) {
		t.Errorf("expected ~%v, got %v", want, got)
	}
}

func TestComputeExpiration_MaxAgeAdjustedByAge(t *testing.T) {
	now := time.Now()
	h := http.Header{}
	h.Set("Cache-Control", "max-age=3600")
	h.Set("Age", "600")

	got := computeExpiration(h, now)
	want := now.Add(3000 * time.Second)
	if !almostEqual(got, want) {
		t.Errorf("expected ~%v, got %v", want, got)
	}
}

func TestComputeExpiration_ExpiresHeaderZeroMeansNonCacheable(t *testing.T) {
	h := http.Header{}
	h.Set("Expires", "0")

	got := computeExpiration(h, time.Now())
	if !got.IsZero() {
		t.Errorf("expected zero time for Expires: 0, got %v", got)
	}
}

func TestComputeExpiration_NoHeadersNonCacheable(t *testing.T) {
	got := computeExpiration(http.Header{}, time.Now())
	if !got.IsZero() {
		t.Errorf("expected zero time with no cache headers, got %v", got)
	}
}

func TestIsCacheableStatus(t *testing.T) {
	cacheable := []int{200, 203, 204, 206, 300, 404, 405, 410, 414, 501}
	for _, s := range cacheable {
		if !isCacheableStatus(s) {
			t.Errorf("expected status %d to be cacheable", s)
		}
	}
	nonCacheable := []int{201, 302, 400, 500, 502, 503}
	for _, s := range nonCacheable {
		if isCacheableStatus(s) {
			t.Errorf("expected status %d to not be cacheable", s)
		}
	}
}

func TestIsSuccessStatus(t *testing.T) {
	for _, s := range []int{200, 203, 204, 206} {
		if !isSuccessStatus(s) {
			t.Errorf("expected status %d to be a success status", s)
		}
	}
	for _, s := range []int{300, 404, 500} {
		if isSuccessStatus(s) {
			t.Errorf("expected status %d to not be a success status", s)
		}
	}
}

func TestDecodeBody_GzipRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, _ = gw.Write([]byte("hello gzip"))
	_ = gw.Close()

	h := http.Header{}
	h.Set("Content-Encoding", "gzip")

	got := decodeBody(buf.Bytes(), h)
	if got != "hello gzip" {
		t.Errorf("expected %q, got %q", "hello gzip", got)
	}
}

func TestDecodeBody_GzipFailureYieldsEmptyString(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Encoding", "gzip")

	got := decodeBody([]byte("not actually gzip"), h)
	if got != "" {
		t.Errorf("expected empty string on gzip decode failure, got %q", got)
	}
}

func TestDecodeBody_UnsupportedEncodingYieldsEmptyString(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Encoding", "br")

	got := decodeBody([]byte("some bytes"), h)
	if got != "" {
		t.Errorf("expected empty string for unsupported encoding, got %q", got)
	}
}

func TestDecodeBody_PlainUTF8PassesThrough(t *testing.T) {
	got := decodeBody([]byte("plain text"), http.Header{})
	if got != "plain text" {
		t.Errorf("expected %q, got %q", "plain text", got)
	}
}

func TestParseMaxAge(t *testing.T) {
	if v, ok := parseMaxAge("max-age=42"); !ok || v != 42*time.Second {
		t.Errorf("expected 42s ok=true, got %v ok=%v", v, ok)
	}
	if _, ok := parseMaxAge(""); ok {
		t.Error("expected ok=false for empty header")
	}
	if _, ok := parseMaxAge("no-store"); ok {
		t.Error("expected ok=false when max-age is absent")
	}
}

func almostEqual(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < 2*time.Second
}

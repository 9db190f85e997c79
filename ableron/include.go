package ableron

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// fetchOutcome classifies the result of one URL attempt, per spec §4.D
// step 3-5 and §7.
type fetchOutcome int

const (
	outcomeSuccess fetchOutcome = iota
	outcomeNonCacheableError
	outcomeNonSuccessCacheableError
	outcomeTransportFailure
)

// newFragmentHTTPClient builds the shared HTTP client used for fragment
// fetches: no redirects followed, a generous per-host connection pool for
// the high fan-out of concurrent resolution (mirrors the teacher's
// createHTTPClient in include.go).
func newFragmentHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 100,
			MaxConnsPerHost:     100,
		},
	}
}

// headerValues looks up header values by a case-insensitive name against a
// possibly non-canonically-keyed http.Header, preserving insertion order.
func headerValues(headers http.Header, name string) []string {
	var out []string
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			out = append(out, v...)
		}
	}
	return out
}

// buildCacheKey derives a fragment's cache key from its URL and the
// configured vary-by request headers, per spec §3: a deterministic
// "|name=v1,v2" suffix per header, sorted by name.
func buildCacheKey(url string, parentHeaders http.Header, varyBy []string) string {
	if len(varyBy) == 0 {
		return url
	}

	sorted := append([]string(nil), varyBy...)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i]) < strings.ToLower(sorted[j])
	})

	var sb strings.Builder
	sb.WriteString(url)
	for _, name := range sorted {
		sb.WriteByte('|')
		sb.WriteString(strings.ToLower(name))
		sb.WriteByte('=')
		sb.WriteString(strings.Join(headerValues(parentHeaders, name), ","))
	}
	return sb.String()
}

// forwardHeaders copies every entry of parentHeaders whose name
// case-insensitively matches allowed into dst, preserving the original
// header-name casing and multi-value order.
func forwardHeaders(parentHeaders, dst http.Header, allowed []string) {
	allowedSet := make(map[string]bool, len(allowed))
	for _, h := range allowed {
		allowedSet[lowerHeader(h)] = true
	}
	for name, values := range parentHeaders {
		if !allowedSet[lowerHeader(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// fetchOnce performs a single, uncached GET of url and classifies the
// result, per spec §4.D steps 3-5. It never touches the cache; callers
// decide what, if anything, to store.
func fetchOnce(ctx context.Context, client *http.Client, url string, timeout time.Duration, cfg Config, parentHeaders http.Header) (Fragment, fetchOutcome) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return Fragment{}, outcomeTransportFailure
	}
	req.Header.Set("Accept-Encoding", "gzip")
	forwardHeaders(parentHeaders, req.Header, cfg.allowedRequestHeaders())

	resp, err := client.Do(req)
	if err != nil {
		return Fragment{}, outcomeTransportFailure
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Fragment{}, outcomeTransportFailure
	}

	respHeaders := filterHeaders(resp.Header, cfg.PrimaryFragmentResponseHeadersToPass)

	if !isCacheableStatus(resp.StatusCode) {
		body := decodeBody(bodyBytes, resp.Header)
		logDebug("ableron: fragment response not cacheable", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return newRemoteFragment(url, resp.StatusCode, body, time.Time{}, respHeaders), outcomeNonCacheableError
	}

	expiresAt := computeExpiration(resp.Header, time.Now())
	body := decodeBody(bodyBytes, resp.Header)
	frag := newRemoteFragment(url, resp.StatusCode, body, expiresAt, respHeaders)

	if !frag.IsSuccess() {
		return frag, outcomeNonSuccessCacheableError
	}
	return frag, outcomeSuccess
}

// attemptResult is the outcome of a cache-aware URL attempt.
type attemptResult struct {
	fragment Fragment
	outcome  fetchOutcome
}

// tryURL consults the cache first, then falls back to fetchOnce on a miss,
// arming auto-refresh for any cacheable fragment it stores, per spec §4.D
// step 1-5.
func tryURL(ctx context.Context, client *http.Client, cache *Cache, url string, timeout time.Duration, cfg Config, parentHeaders http.Header) attemptResult {
	key := buildCacheKey(url, parentHeaders, cfg.CacheVaryByRequestHeaders)

	if cached, ok := cache.get(key); ok {
		if cached.IsSuccess() {
			return attemptResult{cached, outcomeSuccess}
		}
		return attemptResult{cached, outcomeNonSuccessCacheableError}
	}

	frag, outcome := fetchOnce(ctx, client, url, timeout, cfg, parentHeaders)

	if outcome == outcomeSuccess || outcome == outcomeNonSuccessCacheableError {
		refresh := func() Fragment {
			f, _ := fetchOnce(context.Background(), client, url, timeout, cfg, parentHeaders)
			return f
		}
		cache.put(key, frag, refresh)
	}

	return attemptResult{frag, outcome}
}

// resolution describes how an include was resolved, for stats reporting.
type resolution struct {
	fragment Fragment
	source   string
	url      string
	duration time.Duration
}

// resolve fetches an include's fragment following the spec §4.D precedence:
// src, then fallback-src, then inline fallback content, then an empty 200
// fragment. The errored-primary slot is reset at the start of every call
// and may be set at most once, overriding inline fallback if set.
func resolve(ctx context.Context, inc Include, client *http.Client, cache *Cache, cfg Config, parentHeaders http.Header) resolution {
	start := time.Now()
	primary := inc.isPrimary()
	var erroredPrimary *Fragment
	var erroredPrimaryURL string

	considerErroredPrimary := func(url string, frag Fragment, outcome fetchOutcome) {
		if !primary || erroredPrimary != nil {
			return
		}
		if outcome == outcomeNonCacheableError || outcome == outcomeNonSuccessCacheableError {
			f := frag
			erroredPrimary = &f
			erroredPrimaryURL = url
		}
	}

	if url, ok := inc.src(); ok && url != "" {
		timeout := effectiveTimeout(inc, "src-timeout-millis", cfg)
		res := tryURL(ctx, client, cache, url, timeout, cfg, parentHeaders)
		if res.outcome == outcomeSuccess {
			return resolution{res.fragment, "remote-src", url, time.Since(start)}
		}
		considerErroredPrimary(url, res.fragment, res.outcome)
	}

	if url, ok := inc.fallbackSrc(); ok && url != "" {
		timeout := effectiveTimeout(inc, "fallback-src-timeout-millis", cfg)
		res := tryURL(ctx, client, cache, url, timeout, cfg, parentHeaders)
		if res.outcome == outcomeSuccess {
			return resolution{res.fragment, "remote-fallback-src", url, time.Since(start)}
		}
		considerErroredPrimary(url, res.fragment, res.outcome)
	}

	if primary && erroredPrimary != nil {
		return resolution{*erroredPrimary, "errored-primary", erroredPrimaryURL, time.Since(start)}
	}

	if inc.FallbackContent() != "" {
		return resolution{newLocalFragment(inc.FallbackContent()), "fallback-content", "", time.Since(start)}
	}

	return resolution{newLocalFragment(""), "empty", "", time.Since(start)}
}

func effectiveTimeout(inc Include, attr string, cfg Config) time.Duration {
	if ms, ok := inc.timeoutMillis(attr); ok {
		return time.Duration(ms) * time.Millisecond
	}
	return cfg.FragmentRequestTimeout
}

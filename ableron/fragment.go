package ableron

import (
	"net/http"
	"time"
)

// Fragment is the result of one resolution attempt: the content that
// replaces an include marker, plus enough metadata to drive caching and
// primary-include propagation. A Fragment is immutable once constructed;
// the cache shares references to it across concurrent readers.
type Fragment struct {
	url        string // empty ⇒ locally built fragment, per spec §3
	statusCode int
	body       string
	expiresAt  time.Time // zero value (epoch) ⇒ non-cacheable
	headers    http.Header
}

// newRemoteFragment builds a Fragment from a fetched HTTP response.
func newRemoteFragment(url string, status int, body string, expiresAt time.Time, headers http.Header) Fragment {
	return Fragment{
		url:        url,
		statusCode: status,
		body:       body,
		expiresAt:  expiresAt,
		headers:    headers,
	}
}

// newLocalFragment builds a Fragment with no origin URL: inline fallback
// content, or the empty-body/200 fragment used when an include has neither
// a reachable URL nor inline fallback.
func newLocalFragment(body string) Fragment {
	return Fragment{statusCode: http.StatusOK, body: body}
}

// newErrorFragment builds the synthetic fragment substituted when an
// include's resolution raised an unexpected error (§7 ResolverException):
// the inline fallback content with a short, local-only TTL.
func newErrorFragment(fallback string, now time.Time) Fragment {
	return Fragment{
		statusCode: http.StatusOK,
		body:       fallback,
		expiresAt:  now.Add(60 * time.Second),
	}
}

// URL returns the fragment's origin URL, or "" if it was built locally.
func (f Fragment) URL() string { return f.url }

// IsLocal reports whether the fragment has no origin URL.
func (f Fragment) IsLocal() bool { return f.url == "" }

// StatusCode returns the fragment's HTTP status, defaulting to 200 for
// local fragments.
func (f Fragment) StatusCode() int {
	if f.statusCode == 0 {
		return http.StatusOK
	}
	return f.statusCode
}

// Body returns the fragment's content.
func (f Fragment) Body() string { return f.body }

// ExpiresAt returns the fragment's absolute expiration instant; the zero
// Time means non-cacheable / already expired.
func (f Fragment) ExpiresAt() time.Time { return f.expiresAt }

// Headers returns the fragment's filtered, case-insensitively-keyed
// (lower-cased) response headers.
func (f Fragment) Headers() http.Header { return f.headers }

// IsCacheable reports whether the fragment's status is in the cacheable set
// and its expiration lies in the future relative to now.
func (f Fragment) IsCacheable(now time.Time) bool {
	return isCacheableStatus(f.StatusCode()) && f.expiresAt.After(now)
}

// IsSuccess reports whether the fragment's status is in the success set.
func (f Fragment) IsSuccess() bool {
	return isSuccessStatus(f.StatusCode())
}

// filterHeaders copies the entries of src whose name case-insensitively
// matches allow, returning a map keyed by lower-cased header name with
// multi-valued headers preserving order, per spec §4.D ("lowercases keys in
// the returned map").
func filterHeaders(src http.Header, allow []string) http.Header {
	if len(allow) == 0 {
		return http.Header{}
	}
	allowSet := make(map[string]bool, len(allow))
	for _, h := range allow {
		allowSet[lowerHeader(h)] = true
	}

	out := http.Header{}
	for name, values := range src {
		if !allowSet[lowerHeader(name)] {
			continue
		}
		key := lowerHeader(name)
		out[key] = append(append([]string(nil), out[key]...), values...)
	}
	return out
}

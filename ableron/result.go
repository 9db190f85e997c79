package ableron

import (
	"net/http"
	"strconv"
	"time"
)

// TransclusionResult accumulates the outcome of one ResolveIncludes call:
// the composed content plus enough metadata to let the caller set the
// outer HTTP response status, headers, and Cache-Control.
type TransclusionResult struct {
	// Content is the composed document with every include marker replaced
	// by its resolved fragment body.
	Content string

	// ProcessedIncludeCount is the number of unique include tags resolved.
	ProcessedIncludeCount int

	// ProcessingTime is the wall-clock time spent resolving and splicing.
	ProcessingTime time.Duration

	// HasPrimaryInclude reports whether any include in the document was
	// marked primary and produced a status.
	HasPrimaryInclude bool

	// PrimaryStatusCode is the status of the first-in-document-order
	// primary include, valid only if HasPrimaryInclude is true.
	PrimaryStatusCode int

	// PrimaryHeaders are the filtered response headers of the first
	// primary include, valid only if HasPrimaryInclude is true.
	PrimaryHeaders http.Header

	// CacheStats is a snapshot of the processor's fragment cache counters
	// taken at the end of this call.
	CacheStats CacheStats

	earliestExpiration time.Time
	sawAnyFragment     bool
	sawNonCacheable    bool
}

// recordFragment folds one resolved fragment into the result's aggregate
// caching and primary-propagation state, per spec §4.F step 4.
func (r *TransclusionResult) recordFragment(frag Fragment, isPrimary bool) {
	r.sawAnyFragment = true

	if frag.ExpiresAt().IsZero() {
		r.sawNonCacheable = true
	} else if r.earliestExpiration.IsZero() || frag.ExpiresAt().Before(r.earliestExpiration) {
		r.earliestExpiration = frag.ExpiresAt()
	}

	if isPrimary && !r.HasPrimaryInclude {
		r.HasPrimaryInclude = true
		r.PrimaryStatusCode = frag.StatusCode()
		r.PrimaryHeaders = frag.Headers()
	}
}

// CacheControl computes the outer response's Cache-Control value, per spec
// §4.F: the page allowance is the minimum of the outer response's own
// max-age, the caller-supplied pageMaxAge, and the earliest fragment TTL
// seen during this resolution; each source defaults to "no cap" if absent.
// A non-positive allowance yields "no-store".
func (r *TransclusionResult) CacheControl(outerHeaders http.Header, pageMaxAge time.Duration) string {
	now := time.Now()

	allowance := time.Duration(-1) // -1 means "uncapped so far"
	tighten := func(d time.Duration) {
		if d < 0 {
			d = 0
		}
		if allowance < 0 || d < allowance {
			allowance = d
		}
	}

	if v, ok := parseMaxAge(outerHeaders.Get("Cache-Control")); ok {
		tighten(v - time.Second) // safety floor against an origin's off-by-one
	}

	if pageMaxAge > 0 {
		tighten(pageMaxAge)
	}

	if r.sawAnyFragment {
		if r.sawNonCacheable || r.earliestExpiration.IsZero() {
			tighten(0)
		} else {
			fragmentTTL := r.earliestExpiration.Sub(now)
			if fragmentTTL < 0 {
				fragmentTTL = 0
			}
			tighten(fragmentTTL)
		}
	}

	if allowance < 0 {
		allowance = 0
	}
	if allowance <= 0 {
		return "no-store"
	}

	return "max-age=" + strconv.FormatInt(int64(allowance/time.Second), 10)
}

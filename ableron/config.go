package ableron

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultFragmentRequestHeadersToPass is the built-in allow-list of request
// headers forwarded to fragment origins, per spec §6.
var defaultFragmentRequestHeadersToPass = []string{
	"Accept-Language",
	"Correlation-ID",
	"Forwarded",
	"Referer",
	"User-Agent",
	"X-Correlation-ID",
	"X-Forwarded-For",
	"X-Forwarded-Proto",
	"X-Forwarded-Host",
	"X-Real-IP",
	"X-Request-ID",
}

// defaultPrimaryFragmentResponseHeadersToPass is the built-in allow-list of
// response headers propagated from a primary fragment to the outer response.
var defaultPrimaryFragmentResponseHeadersToPass = []string{
	"Content-Language",
	"Location",
	"Refresh",
}

const (
	defaultFragmentRequestTimeout = 3 * time.Second
	defaultCacheMaxSizeInBytes    = 10 * 1024 * 1024
	defaultWorkerPoolSize         = 64
)

// Config holds every tunable of the transclusion engine, per spec §6.
// A zero-value Config is not ready to use; call NewConfig to get sane
// defaults. NewProcessor applies Config.withDefaults(), which fills
// zero-valued timeouts, sizes and lists but leaves Enabled as given, so a
// Config literal must set Enabled to true for the engine to run.
type Config struct {
	// Enabled disables the engine entirely when false: ResolveIncludes
	// returns the input content unchanged with zero processed includes.
	Enabled bool `yaml:"enabled"`

	// FragmentRequestTimeout is the global per-fetch deadline applied when
	// an include does not specify its own src-timeout-millis. A YAML
	// document may set it as a plain integer of nanoseconds or as a
	// duration string such as "500ms".
	FragmentRequestTimeout time.Duration `yaml:"fragmentRequestTimeout"`

	// FragmentRequestHeadersToPass is the case-insensitive allow-list of
	// request headers forwarded to fragment origins.
	FragmentRequestHeadersToPass []string `yaml:"fragmentRequestHeadersToPass"`

	// FragmentAdditionalRequestHeadersToPass extends the above list without
	// having to repeat the defaults.
	FragmentAdditionalRequestHeadersToPass []string `yaml:"fragmentAdditionalRequestHeadersToPass"`

	// PrimaryFragmentResponseHeadersToPass is the allow-list of response
	// headers propagated from a primary fragment to the outer response.
	PrimaryFragmentResponseHeadersToPass []string `yaml:"primaryFragmentResponseHeadersToPass"`

	// CacheMaxSizeInBytes bounds the fragment cache's total weight.
	CacheMaxSizeInBytes int64 `yaml:"cacheMaxSizeInBytes"`

	// CacheVaryByRequestHeaders lists request headers folded into the cache
	// key so responses that vary on them are not conflated.
	CacheVaryByRequestHeaders []string `yaml:"cacheVaryByRequestHeaders"`

	// CacheAutoRefreshEnabled turns on background refresh-ahead of cache
	// entries nearing expiry.
	CacheAutoRefreshEnabled bool `yaml:"cacheAutoRefreshEnabled"`

	// CacheAutoRefreshMaxAttempts bounds how many consecutive refreshes of a
	// key may return a non-cacheable result; after that many, auto-refresh
	// gives up on that key.
	CacheAutoRefreshMaxAttempts int `yaml:"cacheAutoRefreshMaxAttempts"`

	// CacheAutoRefreshInactiveEntryMaxRefreshs bounds how many times an
	// entry that has not been read since its last refresh may still be
	// refreshed before auto-refresh stops for that key.
	CacheAutoRefreshInactiveEntryMaxRefreshs int `yaml:"cacheAutoRefreshInactiveEntryMaxRefreshs"`

	// StatsAppendToContent appends an HTML comment with per-include timing
	// and resolution source after composition.
	StatsAppendToContent bool `yaml:"statsAppendToContent"`

	// StatsExposeFragmentUrl includes fragment URLs in the appended stats
	// comment; disabled by default to avoid leaking internal origins.
	StatsExposeFragmentUrl bool `yaml:"statsExposeFragmentUrl"`

	// WorkerPoolSize bounds per-call fan-out across concurrent include
	// resolutions; spec default is 64.
	WorkerPoolSize int `yaml:"workerPoolSize"`

	// PageMaxAge holds a caller-chosen cap on the outer Cache-Control
	// max-age. Nothing in the engine reads this field: the cap takes effect
	// only when a caller passes it to TransclusionResult.CacheControl as
	// its pageMaxAge argument, where zero means no cap.
	PageMaxAge time.Duration `yaml:"pageMaxAge"`
}

// NewConfig returns a Config populated with the spec-defined defaults.
func NewConfig() Config {
	return Config{
		Enabled:                              true,
		FragmentRequestTimeout:               defaultFragmentRequestTimeout,
		FragmentRequestHeadersToPass:         append([]string(nil), defaultFragmentRequestHeadersToPass...),
		PrimaryFragmentResponseHeadersToPass: append([]string(nil), defaultPrimaryFragmentResponseHeadersToPass...),
		CacheMaxSizeInBytes:                  defaultCacheMaxSizeInBytes,
		CacheAutoRefreshMaxAttempts:          3,
		CacheAutoRefreshInactiveEntryMaxRefreshs: 2,
		WorkerPoolSize:                           defaultWorkerPoolSize,
	}
}

// withDefaults fills in zero-valued duration, size, count and list fields of
// cfg with the package defaults. Enabled and the other bool fields are left
// as given, since their zero value cannot be told apart from an explicit
// false.
func (cfg Config) withDefaults() Config {
	out := cfg
	if out.FragmentRequestTimeout <= 0 {
		out.FragmentRequestTimeout = defaultFragmentRequestTimeout
	}
	if out.FragmentRequestHeadersToPass == nil {
		out.FragmentRequestHeadersToPass = append([]string(nil), defaultFragmentRequestHeadersToPass...)
	}
	if out.PrimaryFragmentResponseHeadersToPass == nil {
		out.PrimaryFragmentResponseHeadersToPass = append([]string(nil), defaultPrimaryFragmentResponseHeadersToPass...)
	}
	if out.CacheMaxSizeInBytes <= 0 {
		out.CacheMaxSizeInBytes = defaultCacheMaxSizeInBytes
	}
	if out.WorkerPoolSize <= 0 {
		out.WorkerPoolSize = defaultWorkerPoolSize
	}
	if out.CacheAutoRefreshMaxAttempts <= 0 {
		out.CacheAutoRefreshMaxAttempts = 3
	}
	if out.CacheAutoRefreshInactiveEntryMaxRefreshs <= 0 {
		out.CacheAutoRefreshInactiveEntryMaxRefreshs = 2
	}
	return out
}

// allowedRequestHeaders returns the de-duplicated, case-insensitive union of
// FragmentRequestHeadersToPass and FragmentAdditionalRequestHeadersToPass.
func (cfg Config) allowedRequestHeaders() []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{cfg.FragmentRequestHeadersToPass, cfg.FragmentAdditionalRequestHeadersToPass} {
		for _, h := range list {
			key := lowerHeader(h)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, h)
		}
	}
	return out
}

// LoadConfig decodes a YAML document over the defaults of NewConfig, so any
// field the document leaves out keeps its default, and then applies
// withDefaults to numeric and list fields the document sets to zero or
// null. This is a convenience wrapper
// around gopkg.in/yaml.v3 for hosts that keep engine configuration alongside
// the rest of their YAML-based application config; constructing a Config
// literal remains the primary, supported path.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := NewConfig()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

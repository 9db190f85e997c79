package ableron

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Processor orchestrates transclusion: scanning a document for include
// markers, resolving them concurrently, splicing the results back in, and
// accumulating the caching/primary-propagation metadata a caller needs to
// build the outer HTTP response. A Processor owns one Cache and one HTTP
// client for its lifetime (§3 Ownership) and may be reused across calls.
type Processor struct {
	cfg    Config
	cache  *Cache
	client *http.Client
}

// ProcessorOption configures optional Processor construction details.
type ProcessorOption func(*Processor)

// WithHTTPClient overrides the HTTP client used for fragment fetches. The
// client's redirect policy is still expected not to follow redirects;
// passing a client that does violates spec §6 HTTP behavior.
func WithHTTPClient(client *http.Client) ProcessorOption {
	return func(p *Processor) { p.client = client }
}

// WithCache overrides the Processor's fragment cache, e.g. to share
// metrics instrumentation via WithCacheObserver.
func WithCache(cache *Cache) ProcessorOption {
	return func(p *Processor) { p.cache = cache }
}

// NewProcessor builds a Processor from cfg, applying spec-defined defaults
// to any zero-valued field.
func NewProcessor(cfg Config, opts ...ProcessorOption) *Processor {
	cfg = cfg.withDefaults()
	p := &Processor{
		cfg:    cfg,
		cache:  NewCache(cfg),
		client: newFragmentHTTPClient(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Cache returns the processor's fragment cache.
func (p *Processor) Cache() *Cache { return p.cache }

// resolvedInclude pairs an include occurrence (in document order) with its
// resolution, so primary precedence can be decided by document offset
// rather than goroutine completion order (§5, §9).
type resolvedInclude struct {
	include    Include
	rawTag     string
	resolution resolution
}

// ResolveIncludes scans content for include markers, resolves each unique
// one concurrently (bounded by the configured worker pool), splices the
// results back in, and returns the composed content plus caching/primary
// metadata. It never returns an error: partial failures degrade to
// fallback content per spec §7.
func (p *Processor) ResolveIncludes(ctx context.Context, content string, parentHeaders http.Header) *TransclusionResult {
	start := time.Now()

	if !p.cfg.Enabled {
		return &TransclusionResult{Content: content}
	}

	occurrences := scanIncludes(content)
	if len(occurrences) == 0 {
		return &TransclusionResult{Content: content}
	}

	unique := dedupeInOrder(occurrences)
	resolved := p.resolveAll(ctx, unique, parentHeaders)

	result := &TransclusionResult{}
	for _, r := range resolved {
		result.recordFragment(r.resolution.fragment, r.include.isPrimary())
		result.ProcessedIncludeCount++
	}

	content = spliceAll(content, resolved)

	if p.cfg.StatsAppendToContent {
		content += renderStats(resolved, p.cfg.StatsExposeFragmentUrl)
	}

	result.Content = content
	result.ProcessingTime = time.Since(start)
	result.CacheStats = p.cache.Stats()
	return result
}

// dedupeInOrder collapses occurrences sharing identical raw tag text into a
// single logical include, keeping the position of each include's first
// occurrence for document-order primary precedence (§5, §9).
func dedupeInOrder(occurrences []scannedInclude) []scannedInclude {
	seen := make(map[string]bool, len(occurrences))
	var unique []scannedInclude
	for _, occ := range occurrences {
		if seen[occ.include.rawTag] {
			continue
		}
		seen[occ.include.rawTag] = true
		unique = append(unique, occ)
	}
	return unique
}

// resolveAll fans out resolution of each unique include across a bounded
// worker pool and blocks until every resolution has completed or failed,
// per spec §5.
func (p *Processor) resolveAll(ctx context.Context, unique []scannedInclude, parentHeaders http.Header) []resolvedInclude {
	results := make([]resolvedInclude, len(unique))
	sem := make(chan struct{}, p.cfg.WorkerPoolSize)
	var wg sync.WaitGroup

	for i, occ := range unique {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, occ scannedInclude) {
			defer wg.Done()
			defer func() { <-sem }()

			res := p.resolveOneSafely(ctx, occ.include, parentHeaders)
			results[i] = resolvedInclude{
				include:    occ.include,
				rawTag:     occ.include.rawTag,
				resolution: res,
			}
		}(i, occ)
	}

	wg.Wait()
	return results
}

// resolveOneSafely runs resolve and converts a panic into the synthetic
// fallback fragment described by spec §7 ResolverException, so one
// misbehaving include can never take down the whole composition.
func (p *Processor) resolveOneSafely(ctx context.Context, inc Include, parentHeaders http.Header) (res resolution) {
	defer func() {
		if r := recover(); r != nil {
			logError("ableron: include resolution panicked, using fallback content", zap.Any("recovered", r))
			res = resolution{
				fragment: newErrorFragment(inc.FallbackContent(), time.Now()),
				source:   "error-fallback",
			}
		}
	}()
	return resolve(ctx, inc, p.client, p.cache, p.cfg, parentHeaders)
}

// spliceAll replaces every occurrence of each resolved include's raw tag
// text with its fragment body. Splicing happens only after every
// resolution has completed, so output never depends on completion order.
func spliceAll(content string, resolved []resolvedInclude) string {
	for _, r := range resolved {
		content = strings.ReplaceAll(content, r.rawTag, r.resolution.fragment.Body())
	}
	return content
}

// renderStats builds the optional HTML comment summarizing per-include
// resolution time, source, and (if enabled) fragment URL.
func renderStats(resolved []resolvedInclude, exposeURL bool) string {
	var sb strings.Builder
	sb.WriteString("\n<!-- Ableron stats:\n")
	for _, r := range resolved {
		fmt.Fprintf(&sb, "%s resolved via %s in %s", r.include.ID(), r.resolution.source, r.resolution.duration)
		if exposeURL && r.resolution.url != "" {
			fmt.Fprintf(&sb, " (%s)", r.resolution.url)
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("-->")
	return sb.String()
}

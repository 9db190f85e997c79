// Package caddy_ableron wires the ableron transclusion engine into Caddy
// as an http.handlers.ableron middleware: it buffers HTML responses,
// resolves any include markers they contain, and writes the composed
// result back out with the derived Cache-Control applied.
package caddy_ableron

import (
	"bytes"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ableron-go/ableron/ableron"
	"github.com/ableron-go/ableron/ablmetrics"
	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"
)

var bufPool = &sync.Pool{
	New: func() any { return &bytes.Buffer{} },
}

func init() {
	caddy.RegisterModule(Ableron{})
	httpcaddyfile.RegisterGlobalOption("ableron", func(h *caddyfile.Dispenser, _ interface{}) (interface{}, error) {
		return &Ableron{}, nil
	})
	httpcaddyfile.RegisterHandlerDirective("ableron", parseCaddyfileHandlerDirective)
}

func parseCaddyfileHandlerDirective(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	a := &Ableron{}
	err := a.UnmarshalCaddyfile(h.Dispenser)
	return a, err
}

// UnmarshalCaddyfile implements caddyfile.Unmarshaler.
func (a *Ableron) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "cache_max_size_bytes":
				var v string
				if !d.Args(&v) {
					return d.ArgErr()
				}
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return d.Errf("invalid cache_max_size_bytes: %v", err)
				}
				a.CacheMaxSizeInBytes = n
			case "fragment_request_timeout_millis":
				var v string
				if !d.Args(&v) {
					return d.ArgErr()
				}
				n, err := strconv.Atoi(v)
				if err != nil {
					return d.Errf("invalid fragment_request_timeout_millis: %v", err)
				}
				a.FragmentRequestTimeoutMillis = n
			case "stats_append_to_content":
				a.StatsAppendToContent = true
			case "worker_pool_size":
				var v string
				if !d.Args(&v) {
					return d.ArgErr()
				}
				n, err := strconv.Atoi(v)
				if err != nil {
					return d.Errf("invalid worker_pool_size: %v", err)
				}
				a.WorkerPoolSize = n
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

// Ableron buffers and processes ableron-include markers in HTML responses.
type Ableron struct {
	CacheMaxSizeInBytes          int64 `json:"cache_max_size_bytes,omitempty"`
	FragmentRequestTimeoutMillis int   `json:"fragment_request_timeout_millis,omitempty"`
	StatsAppendToContent         bool  `json:"stats_append_to_content,omitempty"`
	WorkerPoolSize               int   `json:"worker_pool_size,omitempty"`

	logger    *zap.Logger
	processor *ableron.Processor
}

// CaddyModule returns the Caddy module information.
func (Ableron) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.ableron",
		New: func() caddy.Module { return new(Ableron) },
	}
}

// ServeHTTP implements caddyhttp.MiddlewareHandler.
func (a *Ableron) ServeHTTP(rw http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	shouldBuffer := func(status int, header http.Header) bool {
		if status != http.StatusOK {
			return false
		}
		if header.Get("Transfer-Encoding") == "chunked" {
			return false
		}
		if cl := header.Get("Content-Length"); cl != "" {
			if size, err := strconv.Atoi(cl); err == nil && size < 512 {
				return false
			}
		}
		ct := header.Get("Content-Type")
		return ct != "" && (bytes.Contains([]byte(ct), []byte("text/html")) ||
			bytes.Contains([]byte(ct), []byte("application/xhtml+xml")))
	}

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	recorder := caddyhttp.NewResponseRecorder(rw, buf, shouldBuffer)

	if err := next.ServeHTTP(recorder, r); err != nil {
		return err
	}

	if !recorder.Buffered() {
		return nil
	}

	body := recorder.Buffer().Bytes()

	if a.logger != nil {
		a.logger.Debug("ableron middleware received response",
			zap.Int("status", recorder.Status()),
			zap.Int("body_size", len(body)),
			zap.Bool("has_includes", ableron.ContainsIncludes(string(body))))
	}

	if !ableron.ContainsIncludes(string(body)) {
		rw.WriteHeader(recorder.Status())
		_, err := rw.Write(body)
		return err
	}

	if a.logger != nil {
		a.logger.Info("resolving include markers", zap.String("url", r.URL.String()))
	}

	result := a.processor.ResolveIncludes(r.Context(), string(body), r.Header)

	cacheControl := result.CacheControl(recorder.Header(), 0)
	rw.Header().Set("Cache-Control", cacheControl)

	if result.HasPrimaryInclude {
		rw.WriteHeader(result.PrimaryStatusCode)
	} else {
		rw.WriteHeader(recorder.Status())
	}

	_, err := rw.Write([]byte(result.Content))
	return err
}

// Provision implements caddy.Provisioner.
func (a *Ableron) Provision(ctx caddy.Context) error {
	a.logger = ctx.Logger()
	ableron.SetLogger(a.logger)

	cfg := ableron.NewConfig()
	if a.CacheMaxSizeInBytes > 0 {
		cfg.CacheMaxSizeInBytes = a.CacheMaxSizeInBytes
	}
	if a.FragmentRequestTimeoutMillis > 0 {
		cfg.FragmentRequestTimeout = time.Duration(a.FragmentRequestTimeoutMillis) * time.Millisecond
	}
	if a.WorkerPoolSize > 0 {
		cfg.WorkerPoolSize = a.WorkerPoolSize
	}
	cfg.StatsAppendToContent = a.StatsAppendToContent

	cache := ableron.NewCache(cfg)
	if reg := ctx.GetMetricsRegistry(); reg != nil {
		collectors := ablmetrics.Register(reg)
		cache = ableron.NewCache(cfg, ableron.WithCacheObserver(collectors))
		a.logger.Info("ableron cache metrics registered with Prometheus")
	}

	a.processor = ableron.NewProcessor(cfg, ableron.WithCache(cache))

	a.logger.Info("ableron middleware enabled with buffered processing",
		zap.Int64("cache_max_size_bytes", cfg.CacheMaxSizeInBytes),
		zap.Duration("fragment_request_timeout", cfg.FragmentRequestTimeout),
		zap.Int("worker_pool_size", cfg.WorkerPoolSize))

	return nil
}

func (Ableron) Start() error { return nil }

func (Ableron) Stop() error { return nil }

var (
	_ caddyhttp.MiddlewareHandler = (*Ableron)(nil)
	_ caddy.Module                = (*Ableron)(nil)
	_ caddy.Provisioner           = (*Ableron)(nil)
	_ caddy.App                   = (*Ableron)(nil)
)

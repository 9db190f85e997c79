// Package writer streams an HTTP response body through the ableron engine,
// resolving include markers as they arrive instead of buffering the whole
// document before composing it. Resolved chunks are handed to the caller
// over per-chunk channels signaled through Ready, so a slow fragment fetch
// never blocks chunks that were already resolved ahead of it.
package writer

import (
	"bytes"
	"context"
	"net/http"
	"sync"

	"github.com/ableron-go/ableron/ableron"
	"go.uber.org/zap"
)

var logger *zap.Logger

// SetLogger sets the logger used while streaming include resolution.
func SetLogger(l *zap.Logger) {
	logger = l
	ableron.SetLogger(l)
}

// Writer implements http.ResponseWriter, splicing resolved fragments into
// the stream as they are found and letting text between includes pass
// through unbuffered.
type Writer struct {
	buf       *bytes.Buffer
	rw        http.ResponseWriter
	Rq        *http.Request
	processor *ableron.Processor
	AsyncBuf  []chan []byte
	BufMu     sync.Mutex    // protects AsyncBuf from concurrent access
	Ready     chan struct{} // signals when a new channel is added to AsyncBuf
	Done      chan bool
	flushed   bool
	Iteration int
}

// NewWriter builds a Writer that resolves include markers found in the
// stream using processor.
func NewWriter(buf *bytes.Buffer, rw http.ResponseWriter, rq *http.Request, processor *ableron.Processor) *Writer {
	if rq.URL.Scheme == "" {
		if rq.TLS != nil {
			rq.URL.Scheme = "https"
		} else {
			rq.URL.Scheme = "http"
		}
	}

	if rq.URL.Host == "" {
		rq.URL.Host = rq.Host
	}

	return &Writer{
		buf:       buf,
		Rq:        rq,
		rw:        rw,
		processor: processor,
		AsyncBuf:  make([]chan []byte, 0),
		Ready:     make(chan struct{}, 100), // buffered to avoid blocking Write()
		Done:      make(chan bool),
	}
}

// Header implements http.ResponseWriter.
func (w *Writer) Header() http.Header {
	return w.rw.Header()
}

// WriteHeader implements http.ResponseWriter.
func (w *Writer) WriteHeader(statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	w.rw.WriteHeader(statusCode)
}

// Flush implements http.Flusher.
func (w *Writer) Flush() {
	if !w.flushed {
		if flusher, ok := w.rw.(http.Flusher); ok {
			flusher.Flush()
		}
		w.flushed = true
	}
}

func (w *Writer) nextChan() (chan []byte, int) {
	ch := make(chan []byte, 1)
	w.BufMu.Lock()
	w.AsyncBuf = append(w.AsyncBuf, ch)
	idx := w.Iteration
	w.Iteration++
	w.BufMu.Unlock()
	w.Ready <- struct{}{}
	return ch, idx
}

// Write appends b to the pending buffer and emits every complete include
// marker it now contains as an asynchronously resolved chunk, plus the
// plain text between markers as an immediately-ready chunk. A marker
// straddling the end of b (or a not-yet-closed tag) stays buffered for the
// next Write call; fragment bodies are spliced in as-is and never rescanned
// for further markers.
func (w *Writer) Write(b []byte) (int, error) {
	buf := append(append([]byte(nil), w.buf.Bytes()...), b...)
	w.buf.Reset()

	if logger != nil {
		logger.Debug("writer received chunk",
			zap.Int("chunk_size", len(b)),
			zap.Int("buffer_size", len(buf)),
			zap.Bool("has_includes", ableron.ContainsIncludes(string(buf))))
	}

	if !ableron.ContainsIncludes(string(buf)) {
		flushLen := ableron.SafeFlushLength(string(buf))
		w.emitPlain(buf[:flushLen])
		w.buf.Write(buf[flushLen:])
		return len(b), nil
	}

	rest := string(buf)
	for {
		before, tag, raw, tail, complete := ableron.ScanNextInclude(rest)
		if before != "" {
			w.emitPlain([]byte(before))
		}
		if !complete {
			w.buf.WriteString(rest[len(before):])
			break
		}

		ch, _ := w.nextChan()
		go func(inc ableron.Include, rawTag string, c chan []byte) {
			result := w.processor.ResolveIncludes(context.Background(), rawTag, w.Rq.Header)
			c <- []byte(result.Content)
		}(tag, raw, ch)

		rest = tail
		if !ableron.ContainsIncludes(rest) {
			flushLen := ableron.SafeFlushLength(rest)
			w.emitPlain([]byte(rest[:flushLen]))
			w.buf.WriteString(rest[flushLen:])
			break
		}
	}

	return len(b), nil
}

// emitPlain hands pre-resolved bytes to the reader as an already-ready
// chunk; empty input is a no-op so plain-text gaps between includes don't
// allocate a channel for nothing.
func (w *Writer) emitPlain(b []byte) {
	if len(b) == 0 {
		return
	}
	ch, _ := w.nextChan()
	ch <- b
}

var _ http.ResponseWriter = (*Writer)(nil)

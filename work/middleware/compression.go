package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"hls-liberator/work/logger"
)

// gzipWriterPool holds BestSpeed writers; manifests are small and latency matters
// more than ratio.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Flush pushes pending compressed bytes to the client.
func (w *gzipResponseWriter) Flush() {
	if gzw, ok := w.Writer.(*gzip.Writer); ok {
		gzw.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// GzipMiddleware compresses the response body when the client advertises gzip.
// It is meant for text responses (manifests, the channel playlist, JSON); segment
// bodies are already compressed media and go out untouched.
func GzipMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead || !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		w.Header().Del("Content-Length")

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logger.Error("{middleware/compression - GzipMiddleware} Failed to close gzip writer for %s %s: %v", r.Method, r.URL.Path, err)
			}
			gzipWriterPool.Put(gz)
		}()

		next(&gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	}
}

// Gzip applies GzipMiddleware only when enabled is true.
func Gzip(enabled bool, next http.HandlerFunc) http.HandlerFunc {
	if !enabled {
		return next
	}
	return GzipMiddleware(next)
}

package middleware

import (
	"net/http"

	"hls-liberator/work/logger"
)

// CORSMiddleware adds permissive CORS headers to every response and answers
// preflight OPTIONS requests with 200 without reaching the handler.
func CORSMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range, Origin, Accept")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, X-Stream-Status")

		if r.Method == http.MethodOptions {
			logger.Debug("{middleware/cors - CORSMiddleware} Preflight for %s", r.URL.Path)
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

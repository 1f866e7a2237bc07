package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hls-liberator/work/middleware"
	"hls-liberator/work/proxy"
)

// SetupRoutes registers every route on router. Text responses are gzipped when
// the config enables it; segment bodies never are.
func SetupRoutes(router *mux.Router, sp *proxy.StreamProxy, startedAt time.Time) {
	gz := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.CORSMiddleware(middleware.Gzip(sp.Config.EnableGzip, h))
	}

	router.HandleFunc("/stream/{channel}", gz(HandleStream(sp))).Methods("GET", "HEAD", "OPTIONS")
	router.HandleFunc("/proxy/segment/{channel}", middleware.CORSMiddleware(HandleSegment(sp))).Methods("GET", "HEAD", "OPTIONS")

	router.HandleFunc("/m3u", gz(HandlePlaylist(sp))).Methods("GET", "OPTIONS")
	router.HandleFunc("/playlist.m3u", gz(HandlePlaylist(sp))).Methods("GET", "OPTIONS")

	router.HandleFunc("/channels", gz(HandleChannels(sp))).Methods("GET", "OPTIONS")
	router.HandleFunc("/status", gz(HandleStatus(sp, startedAt))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/channels/{channel}/refresh", middleware.CORSMiddleware(HandleRefresh(sp))).Methods("POST", "OPTIONS")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/", gz(HandleHome(sp))).Methods("GET", "OPTIONS")
}

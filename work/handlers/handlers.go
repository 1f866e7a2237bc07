package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"hls-liberator/work/logger"
	"hls-liberator/work/metrics"
	"hls-liberator/work/proxy"
	"hls-liberator/work/relay"
	"hls-liberator/work/rewriter"
	"hls-liberator/work/types"
	"hls-liberator/work/utils"
)

const (
	manifestContentType = "application/vnd.apple.mpegurl"
	playlistContentType = "audio/x-mpegurl"
)

// HandleStream serves the rewritten manifest of a channel. The route variable may
// carry a trailing .m3u8.
func HandleStream(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := strings.TrimSuffix(mux.Vars(r)["channel"], ".m3u8")

		res, err := sp.ServeManifest(r.Context(), channelID)
		if err != nil {
			status := types.StatusCode(err)
			label := channelID
			if errors.Is(err, types.ErrChannelNotFound) {
				label = "unknown"
			}
			metrics.ManifestRequests.WithLabelValues(label, strconv.Itoa(status)).Inc()
			logger.Warn("{handlers - HandleStream} Manifest for %s failed with %d: %v", channelID, status, err)
			writeError(w, status, err)
			return
		}

		metrics.ManifestRequests.WithLabelValues(channelID, "200").Inc()

		h := w.Header()
		h.Set("Content-Type", manifestContentType)
		h.Set("Cache-Control", relay.NoCache)
		h.Set("Access-Control-Allow-Origin", "*")
		if res.Degraded {
			h.Set("X-Stream-Status", string(types.StateDegraded))
		}
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			w.Write([]byte(res.Body))
		}
	}
}

// HandleSegment relays one origin resource referenced by a rewritten manifest.
func HandleSegment(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := mux.Vars(r)["channel"]
		realURL := r.URL.Query().Get(rewriter.RealURLParam)

		err := sp.ServeSegment(w, r, channelID, realURL)
		if err == nil {
			return
		}

		if preHeader(err) {
			status := types.StatusCode(err)
			logger.Warn("{handlers - HandleSegment} Segment for %s failed with %d: %v", channelID, status, err)
			writeError(w, status, err)
			return
		}

		// headers are already out, all we can do is drop the stream
		logger.Debug("{handlers - HandleSegment} Segment stream for %s interrupted: %v", channelID, err)
	}
}

// preHeader reports errors returned before anything was written to the client.
func preHeader(err error) bool {
	for _, target := range []error{
		types.ErrChannelNotFound,
		types.ErrMalformedReference,
		types.ErrAtCapacity,
		types.ErrOriginFetchFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// HandlePlaylist serves the M3U playlist of every channel as a download.
func HandlePlaylist(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		base := utils.RequestBaseURL(sp.Config.BaseURL, r)
		playlist := sp.GeneratePlaylist(base)

		w.Header().Set("Content-Type", playlistContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="playlist.m3u"`)
		w.Header().Set("Cache-Control", relay.NoCache)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(playlist))
	}
}

// writeError writes the JSON error body used by every failing route.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", relay.NoCache)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers - writeJSON} Failed to encode response: %v", err)
	}
}

package handlers

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"hls-liberator/work/logger"
	"hls-liberator/work/proxy"
	"hls-liberator/work/types"
	"hls-liberator/work/utils"
)

// channelResponse is one entry of /channels.
type channelResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

// HandleChannels lists every channel with its public manifest URL.
func HandleChannels(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		base := utils.RequestBaseURL(sp.Config.BaseURL, r)
		statuses := sp.Statuses()

		out := make([]channelResponse, 0, len(statuses))
		for _, st := range statuses {
			out = append(out, channelResponse{
				ID:     st.ID,
				Name:   st.Name,
				URL:    base + "/stream/" + url.PathEscape(st.ID) + ".m3u8",
				Status: string(st.State),
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"channels": out,
			"total":    len(out),
		})
	}
}

// HandleStatus reports the cache state of every channel.
func HandleStatus(sp *proxy.StreamProxy, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sp.Summarize(startedAt))
	}
}

// HandleRefresh forces a new extraction for one channel and returns its state. A
// failed extraction still answers 200 with the error in the status body; only an
// unknown channel is an error.
func HandleRefresh(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := mux.Vars(r)["channel"]

		st, err := sp.RefreshChannel(r.Context(), channelID)
		if errors.Is(err, types.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			logger.Warn("{handlers/admin - HandleRefresh} Manual refresh of %s failed: %v", channelID, err)
		} else {
			logger.Info("{handlers/admin - HandleRefresh} Manual refresh of %s succeeded", channelID)
		}
		writeJSON(w, http.StatusOK, st)
	}
}

var homeTemplate = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>HLS Liberator</title></head>
<body>
<h1>HLS Liberator</h1>
<p>{{len .Channels}} channels. <a href="/playlist.m3u">Download playlist</a> | <a href="/status">Status</a></p>
<ul>
{{range .Channels}}<li><a href="{{.URL}}">{{.Name}}</a> ({{.Status}})</li>
{{end}}</ul>
</body>
</html>
`))

// HandleHome renders a small directory of channels.
func HandleHome(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var data struct{ Channels []channelResponse }
		for _, st := range sp.Statuses() {
			data.Channels = append(data.Channels, channelResponse{
				ID:     st.ID,
				Name:   st.Name,
				URL:    "/stream/" + url.PathEscape(st.ID) + ".m3u8",
				Status: string(st.State),
			})
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := homeTemplate.Execute(w, data); err != nil {
			logger.Error("{handlers/admin - HandleHome} Failed to render home page: %v", err)
		}
	}
}

package proxy

import (
	"fmt"
	"net/url"
	"strings"

	"hls-liberator/work/logger"
)

// GeneratePlaylist builds the M3U playlist of every channel, each entry pointing at
// this proxy's /stream route under baseURL. The result is cached per base URL. It
// never triggers an extraction.
func (sp *StreamProxy) GeneratePlaylist(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")

	if cached, ok := sp.PlaylistCache.Get(baseURL); ok {
		logger.Debug("{proxy/playlist - GeneratePlaylist} Serving cached playlist for %s", baseURL)
		return cached
	}

	all := sp.Registry.All()
	var playlist strings.Builder
	playlist.Grow(64 + len(all)*200)

	playlist.WriteString("#EXTM3U")
	if sp.Config.EPGURL != "" {
		fmt.Fprintf(&playlist, ` x-tvg-url="%s"`, attr(sp.Config.EPGURL))
	}
	playlist.WriteString("\n")

	for _, ch := range all {
		fmt.Fprintf(&playlist, "#EXTINF:-1 tvg-id=\"%s\" tvg-name=\"%s\" group-title=\"%s\",%s\n",
			attr(ch.ID), attr(ch.Name), attr(sp.Config.GroupTitle), strings.ReplaceAll(ch.Name, "\n", " "))
		fmt.Fprintf(&playlist, "%s/stream/%s.m3u8\n", baseURL, url.PathEscape(ch.ID))
	}

	result := playlist.String()
	sp.PlaylistCache.Set(baseURL, result)
	logger.Debug("{proxy/playlist - GeneratePlaylist} Generated playlist with %d channels for %s", len(all), baseURL)
	return result
}

// attr makes a value safe inside a quoted M3U attribute.
func attr(v string) string {
	return strings.NewReplacer(`"`, "'", "\n", " ", "\r", " ").Replace(v)
}

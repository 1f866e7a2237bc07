package parser

import (
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/grafov/m3u8"

	"hls-liberator/work/logger"
)

// Playlist kinds reported by Inspect.
const (
	KindMaster  = "master"
	KindMedia   = "media"
	KindUnknown = "unknown"
)

// Variant is one rendition listed by a master playlist.
type Variant struct {
	URI        string // Variant playlist reference as written in the master playlist
	Bandwidth  int    // Peak bandwidth in bits per second
	Resolution string // "WIDTHxHEIGHT", empty when not advertised
	Codecs     string // Codec list, empty when not advertised
}

// Info summarizes an HLS playlist for status reporting and logging. It never drives
// rewriting; the rewriter works line by line regardless of what Inspect concludes.
type Info struct {
	Kind           string
	Segments       int       // media segments in a media playlist
	Variants       []Variant // variants of a master playlist, highest bandwidth first
	Encrypted      bool      // at least one EXT-X-KEY with a method other than NONE
	Live           bool      // media playlist without EXT-X-ENDLIST
	TargetDuration float64
}

// Inspect decodes body with grafov/m3u8 and summarizes it. Origins routinely serve
// playlists the strict decoder rejects, so a line scan fills in when decoding fails.
//
// Parameters:
//   - body: raw playlist text
//
// Returns:
//   - Info: playlist kind and counts, Kind is KindUnknown for non-playlist content
func Inspect(body string) Info {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(body), false)
	if err != nil {
		logger.Debug("{parser/playlist - Inspect} grafov decode failed, using line scan: %v", err)
		return inspectLines(body)
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		info := Info{Kind: KindMaster}
		for _, v := range master.Variants {
			if v == nil {
				continue
			}
			info.Variants = append(info.Variants, Variant{
				URI:        v.URI,
				Bandwidth:  int(v.Bandwidth),
				Resolution: v.Resolution,
				Codecs:     v.Codecs,
			})
		}
		info.Variants = OrderByQuality(info.Variants)
		info.Encrypted = hasKey(body)
		return info

	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		info := Info{
			Kind:           KindMedia,
			Segments:       int(media.Count()),
			Live:           !media.Closed,
			TargetDuration: media.TargetDuration,
		}
		if media.Key != nil && media.Key.Method != "" && media.Key.Method != "NONE" {
			info.Encrypted = true
		}
		for _, seg := range media.Segments {
			if seg != nil && seg.Key != nil && seg.Key.Method != "" && seg.Key.Method != "NONE" {
				info.Encrypted = true
				break
			}
		}
		if !info.Encrypted {
			info.Encrypted = hasKey(body)
		}
		return info
	}

	return inspectLines(body)
}

// inspectLines is the fallback used when grafov cannot decode the playlist. It
// recognises master playlists by #EXT-X-STREAM-INF and media playlists by #EXTINF
// or #EXT-X-TARGETDURATION.
func inspectLines(body string) Info {
	if !IsPlaylistBody(body) {
		return Info{Kind: KindUnknown}
	}

	info := Info{Kind: KindUnknown, Live: true}
	pendingVariant := (*Variant)(nil)

	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			info.Kind = KindMaster
			v := variantFromAttributes(parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:")))
			pendingVariant = &v
		case strings.HasPrefix(line, "#EXTINF"):
			if info.Kind == KindUnknown {
				info.Kind = KindMedia
			}
			info.Segments++
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION") && info.Kind == KindUnknown:
			info.Kind = KindMedia
		case strings.HasPrefix(line, "#EXT-X-ENDLIST"):
			info.Live = false
		case strings.HasPrefix(line, "#"):
			continue
		default:
			if pendingVariant != nil {
				pendingVariant.URI = line
				info.Variants = append(info.Variants, *pendingVariant)
				pendingVariant = nil
			}
		}
	}

	if info.Kind == KindMaster {
		info.Live = false
		info.Segments = 0
	}
	info.Variants = OrderByQuality(info.Variants)
	info.Encrypted = hasKey(body)
	return info
}

// hasKey reports whether any key tag in body uses a method other than NONE.
func hasKey(body string) bool {
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, "#EXT-X-KEY:") && !strings.HasPrefix(line, "#EXT-X-SESSION-KEY:") {
			continue
		}
		if m := parseAttributes(line[strings.Index(line, ":")+1:])["METHOD"]; m != "" && m != "NONE" {
			return true
		}
	}
	return false
}

// variantFromAttributes builds a Variant from parsed EXT-X-STREAM-INF attributes.
func variantFromAttributes(attrs map[string]string) Variant {
	v := Variant{
		Resolution: attrs["RESOLUTION"],
		Codecs:     attrs["CODECS"],
	}
	if bw, ok := attrs["BANDWIDTH"]; ok {
		v.Bandwidth = atoi(bw)
	}
	return v
}

// parseAttributes splits an HLS attribute list into a map. Quoted values may
// contain commas.
//
// Parameters:
//   - params: attribute list following the tag name and ':'
//
// Returns:
//   - map[string]string: attribute names mapped to unquoted values
func parseAttributes(params string) map[string]string {
	attributes := make(map[string]string)
	for len(params) > 0 {
		eq := strings.IndexByte(params, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(params[:eq])
		rest := params[eq+1:]

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				value, rest = rest[1:], ""
			} else {
				value, rest = rest[1:end+1], rest[end+2:]
			}
			rest = strings.TrimPrefix(rest, ",")
		} else if comma := strings.IndexByte(rest, ','); comma >= 0 {
			value, rest = rest[:comma], rest[comma+1:]
		} else {
			value, rest = rest, ""
		}

		attributes[key] = value
		params = rest
	}
	return attributes
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// OrderByQuality returns a copy of variants sorted by bandwidth, highest first.
// The input slice is left unchanged.
func OrderByQuality(variants []Variant) []Variant {
	if len(variants) == 0 {
		return nil
	}
	ordered := make([]Variant, len(variants))
	copy(ordered, variants)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Bandwidth > ordered[j].Bandwidth
	})
	return ordered
}

// IsPlaylistBody reports whether content starts like an HLS playlist.
func IsPlaylistBody(content string) bool {
	content = strings.TrimPrefix(content, "\ufeff")
	return strings.HasPrefix(strings.TrimSpace(content), "#EXTM3U")
}

var playlistTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// LooksLikePlaylist decides from the response content type and the resource URL
// whether a relayed resource is a playlist that needs rewriting.
//
// Parameters:
//   - contentType: Content-Type header of the origin response
//   - rawURL: final URL of the resource
//
// Returns:
//   - bool: true for mpegurl content types or a .m3u8/.m3u path
func LooksLikePlaylist(contentType, rawURL string) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && playlistTypes[strings.ToLower(mediaType)] {
		return true
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	return ext == ".m3u8" || ext == ".m3u"
}

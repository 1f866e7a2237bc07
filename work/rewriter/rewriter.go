package rewriter

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/grafana/regexp"

	"hls-liberator/work/logger"
)

// LineKind classifies one manifest line for rewriting.
type LineKind int

const (
	Passthrough    LineKind = iota // blank or unrecognized, copied verbatim
	Metadata                       // a '#' line without a URI attribute
	URIAttribute                   // a tag carrying URI="..." (keys, maps, renditions)
	MediaReference                 // a segment or nested playlist reference
)

func (k LineKind) String() string {
	switch k {
	case Metadata:
		return "metadata"
	case URIAttribute:
		return "uri-attribute"
	case MediaReference:
		return "media-reference"
	default:
		return "passthrough"
	}
}

var uriAttribute = regexp.MustCompile(`URI="([^"]*)"`)

var mediaExtensions = map[string]bool{
	".ts": true, ".m3u8": true, ".m3u": true, ".m4s": true, ".mp4": true,
	".m4a": true, ".m4v": true, ".aac": true, ".mp3": true, ".vtt": true,
	".webvtt": true, ".key": true, ".cmfv": true, ".cmfa": true, ".fmp4": true,
}

// Classify returns the kind of line. afterTag is true when the previous non-blank
// line was a '#' line, which makes any bare path a resource reference.
func Classify(line string, afterTag bool) LineKind {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return Passthrough
	case strings.HasPrefix(trimmed, "#"):
		if strings.HasPrefix(trimmed, "#EXT") && uriAttribute.MatchString(trimmed) {
			return URIAttribute
		}
		return Metadata
	case isAbsoluteHTTP(trimmed), hasMediaExtension(trimmed), afterTag:
		return MediaReference
	default:
		return Passthrough
	}
}

func isAbsoluteHTTP(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func hasMediaExtension(s string) bool {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return mediaExtensions[strings.ToLower(path.Ext(s))]
}

// Rewrite replaces every resource reference in an HLS manifest with a proxy
// reference for channelID. Relative references are resolved against baseURL. Line
// order, line count and line endings are kept; only references change.
func Rewrite(raw, baseURL, channelID string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil || !base.IsAbs() {
		return "", fmt.Errorf("invalid base url %q", baseURL)
	}

	lines := strings.Split(raw, "\n")
	var sb strings.Builder
	sb.Grow(len(raw) + len(raw)/2)

	afterTag := false
	rewritten := 0
	for i, line := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}

		body, cr := strings.CutSuffix(line, "\r")
		kind := Classify(body, afterTag)

		switch kind {
		case URIAttribute:
			if out, ok := rewriteURIAttribute(body, base, channelID); ok {
				body = out
				rewritten++
			}
		case MediaReference:
			if out, ok := proxied(strings.TrimSpace(body), base, channelID); ok {
				body = out
				rewritten++
			}
		}

		sb.WriteString(body)
		if cr {
			sb.WriteByte('\r')
		}

		if strings.TrimSpace(body) != "" {
			afterTag = kind == Metadata || kind == URIAttribute
		}
	}

	logger.Debug("{rewriter - Rewrite} Rewrote %d references for channel %s", rewritten, channelID)
	return sb.String(), nil
}

func rewriteURIAttribute(line string, base *url.URL, channelID string) (string, bool) {
	loc := uriAttribute.FindStringSubmatchIndex(line)
	if loc == nil {
		return line, false
	}
	out, ok := proxied(line[loc[2]:loc[3]], base, channelID)
	if !ok {
		return line, false
	}
	return line[:loc[2]] + out + line[loc[3]:], true
}

// proxied resolves ref against base and returns its proxy reference. References
// that are already proxied, empty, or resolve to a non-http scheme (data:, skd:)
// are reported as unchanged.
func proxied(ref string, base *url.URL, channelID string) (string, bool) {
	if ref == "" || IsReference(ref) {
		return ref, false
	}
	u, err := url.Parse(ref)
	if err != nil {
		logger.Warn("{rewriter - proxied} Unparseable reference left as is for channel %s: %v", channelID, err)
		return ref, false
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ref, false
	}
	return EncodeReference(channelID, abs.String()), true
}

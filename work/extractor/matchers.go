package extractor

import (
	"html"
	"strings"

	"github.com/grafana/regexp"
)

// Matcher locates a manifest URL in a decoded origin document.
type Matcher interface {
	Name() string
	Match(doc string) (string, bool)
}

// regexMatcher reports the first match of re, or of its capture group when group > 0.
type regexMatcher struct {
	name  string
	re    *regexp.Regexp
	group int
}

func (m *regexMatcher) Name() string { return m.name }

func (m *regexMatcher) Match(doc string) (string, bool) {
	sub := m.re.FindStringSubmatch(doc)
	if len(sub) <= m.group {
		return "", false
	}
	found := strings.TrimSpace(sub[m.group])
	return found, found != ""
}

// NewRegexMatcher builds a Matcher from a pattern. When group is non-zero the value
// of that capture group is returned instead of the whole match.
func NewRegexMatcher(name, pattern string, group int) (Matcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &regexMatcher{name: name, re: re, group: group}, nil
}

func mustMatcher(name, pattern string, group int) Matcher {
	m, err := NewRegexMatcher(name, pattern, group)
	if err != nil {
		panic(err)
	}
	return m
}

// urlChars is everything that can appear in a URL embedded in markup or script.
const urlChars = `[^\s"'<>\\]`

var defaultMatchers = []Matcher{
	mustMatcher("token", `https?://`+urlChars+`+\.m3u8\?`+urlChars+`*token=`+urlChars+`*`, 0),
	mustMatcher("absolute", `https?://`+urlChars+`+\.m3u8`+urlChars+`*`, 0),
	mustMatcher("src-attribute", `(?i)src\s*=\s*["']([^"'\s]+\.m3u8[^"'\s]*)["']`, 1),
	mustMatcher("js-key", `(?i)\b(?:file|source|url)\s*:\s*["']([^"'\s]+\.m3u8[^"'\s]*)["']`, 1),
}

// DefaultMatchers returns the built-in matchers in priority order: a signed URL with
// a token parameter, any absolute .m3u8 URL, a src attribute, then a player config key.
func DefaultMatchers() []Matcher {
	out := make([]Matcher, len(defaultMatchers))
	copy(out, defaultMatchers)
	return out
}

var scriptUnescaper = strings.NewReplacer(`\/`, `/`, `\u0026`, `&`, `\u003d`, `=`, `\u003D`, `=`)

// Decode normalizes an origin document before matching: HTML entities and the
// common JavaScript string escapes are undone.
func Decode(doc string) string {
	return html.UnescapeString(scriptUnescaper.Replace(doc))
}

// FindManifest applies matchers to doc in order. The first matcher with a result
// wins, regardless of where in the document a later matcher would have matched.
func FindManifest(doc string, matchers []Matcher) (found string, matcher string, ok bool) {
	for _, m := range matchers {
		if u, hit := m.Match(doc); hit {
			return u, m.Name(), true
		}
	}
	return "", "", false
}

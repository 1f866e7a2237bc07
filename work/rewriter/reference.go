package rewriter

import (
	"fmt"
	"net/url"
	"strings"

	"hls-liberator/work/types"
)

// ReferencePrefix is the relay route every rewritten resource points at.
const ReferencePrefix = "/proxy/segment/"

// RealURLParam carries the encoded origin URL in a proxy reference.
const RealURLParam = "real_url"

// EncodeReference builds the proxy-relative reference for an absolute origin URL.
// DecodeReference(EncodeReference(c, u)) always yields c and u unchanged.
func EncodeReference(channelID, absURL string) string {
	return ReferencePrefix + url.PathEscape(channelID) + "?" + RealURLParam + "=" + url.QueryEscape(absURL)
}

// DecodeReference splits a reference produced by EncodeReference back into the
// channel identifier and the origin URL.
func DecodeReference(ref string) (channelID, realURL string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", types.ErrMalformedReference, err)
	}
	if !strings.HasPrefix(u.Path, ReferencePrefix) {
		return "", "", fmt.Errorf("%w: not a proxy reference", types.ErrMalformedReference)
	}

	channelID = strings.TrimPrefix(u.Path, ReferencePrefix)
	if channelID == "" || strings.Contains(channelID, "/") {
		return "", "", fmt.Errorf("%w: missing channel", types.ErrMalformedReference)
	}

	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", types.ErrMalformedReference, err)
	}
	realURL, err = ValidateRealURL(values.Get(RealURLParam))
	if err != nil {
		return "", "", err
	}
	return channelID, realURL, nil
}

// ValidateRealURL checks a decoded real_url value: it must be an absolute http or
// https URL with a host.
func ValidateRealURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: missing %s", types.ErrMalformedReference, RealURLParam)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrMalformedReference, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %s is not an absolute http url", types.ErrMalformedReference, RealURLParam)
	}
	return raw, nil
}

// IsReference reports whether s is already a proxy reference.
func IsReference(s string) bool {
	return strings.HasPrefix(s, ReferencePrefix)
}

// BaseDirectory returns the directory containing the resource at rawURL: query and
// fragment are dropped together with the final path segment. The result ends with '/'.
func BaseDirectory(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("not an absolute url: %q", rawURL)
	}

	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""

	dir := u.EscapedPath()
	if i := strings.LastIndex(dir, "/"); i >= 0 {
		dir = dir[:i+1]
	} else {
		dir = "/"
	}
	u.RawPath = ""
	u.Path = ""
	return u.String() + dir, nil
}

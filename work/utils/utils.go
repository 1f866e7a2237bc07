package utils

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hls-liberator/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL keeps scheme and host and masks path, query and fragment.
// Signed manifest URLs carry their token in the query, so this is what lands in logs
// when obfuscation is on.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}

// RequestBaseURL returns the public scheme://host the client used to reach us, unless
// a base URL is configured.
func RequestBaseURL(configured string, r *http.Request) string {
	if configured != "" {
		return strings.TrimRight(configured, "/")
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}

	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host == "" {
		host = "localhost"
	}
	return scheme + "://" + host
}

// FormatDuration converts time.Duration to a short human-readable form
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

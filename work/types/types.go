package types

import (
	"errors"
	"net/http"
	"time"
)

// Channel is a known channel as loaded from the channel list. It is immutable once
// the registry has been built and is shared read-only by every component.
type Channel struct {
	ID   string `json:"id"`   // Stable identifier used in routes and origin page URLs
	Name string `json:"name"` // Display name, defaults to the identifier
}

// ChannelState is the coarse health of a channel's cached manifest URL.
type ChannelState string

const (
	StateInactive ChannelState = "inactive" // never extracted
	StateActive   ChannelState = "active"   // last extraction succeeded
	StateDegraded ChannelState = "degraded" // last extraction failed, serving a stale entry
	StateError    ChannelState = "error"    // last extraction failed and nothing is cached
)

// ChannelStatus is the informational view of one channel served by /status and /channels.
type ChannelStatus struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	State       ChannelState `json:"status"`
	ManifestURL string       `json:"manifest_url,omitempty"`
	BaseURL     string       `json:"base_url,omitempty"`
	RefreshedAt *time.Time   `json:"last_updated,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	LastAttempt *time.Time   `json:"last_attempt,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	Failures    int          `json:"consecutive_failures"`
	Playlist    string       `json:"playlist_type,omitempty"`
	Segments    int          `json:"segments,omitempty"`
	Variants    int          `json:"variants,omitempty"`
	Encrypted   bool         `json:"encrypted,omitempty"`
}

var (
	// ErrChannelNotFound is returned for identifiers not present in the registry.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrExtractionFailed means the origin page was unreachable or no pattern matched.
	ErrExtractionFailed = errors.New("manifest extraction failed")

	// ErrUnavailable means extraction failed and no previous entry exists.
	ErrUnavailable = errors.New("stream unavailable")

	// ErrOriginFetchFailed covers manifest and segment fetch failures.
	ErrOriginFetchFailed = errors.New("origin fetch failed")

	// ErrMalformedReference is returned for a missing or undecodable real_url.
	ErrMalformedReference = errors.New("malformed proxy reference")

	// ErrAtCapacity is returned when the relay connection limit is reached.
	ErrAtCapacity = errors.New("server at capacity")
)

// StatusCode maps an error from the core onto the HTTP status the front door returns.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMalformedReference):
		return http.StatusBadRequest
	case errors.Is(err, ErrOriginFetchFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrExtractionFailed), errors.Is(err, ErrAtCapacity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

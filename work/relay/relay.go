package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/sync/semaphore"

	"hls-liberator/work/buffer"
	"hls-liberator/work/client"
	"hls-liberator/work/config"
	"hls-liberator/work/logger"
	"hls-liberator/work/metrics"
	"hls-liberator/work/parser"
	"hls-liberator/work/rewriter"
	"hls-liberator/work/types"
	"hls-liberator/work/utils"
)

// MaxPlaylistSize caps a nested playlist read into memory for rewriting.
const MaxPlaylistSize = 4 << 20

const playlistContentType = "application/vnd.apple.mpegurl"

// NoCache is the cache directive sent with every rewritten playlist.
const NoCache = "no-cache, no-store, must-revalidate"

// hopHeaders are never copied from the origin response.
var hopHeaders = []string{
	"Content-Length",
	"Connection",
	"Transfer-Encoding",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Upgrade",
	"Set-Cookie",
}

// playlistHeaders describe the origin body and no longer apply once it is rewritten.
var playlistHeaders = []string{
	"Content-Encoding",
	"Content-Range",
	"Accept-Ranges",
	"Etag",
	"Last-Modified",
	"Expires",
}

// forwardedRequestHeaders are copied from the client request to the origin.
var forwardedRequestHeaders = []string{"Range", "If-Range"}

// Relay fetches origin resources referenced by rewritten manifests and streams them
// to clients. Segments are never buffered whole and never cached.
type Relay struct {
	client  *client.HeaderSettingClient
	config  *config.Config
	buffers *buffer.BufferPool
	slots   *semaphore.Weighted
}

// New creates a relay. MaxConnectionsToApp bounds concurrent relays; zero or less
// means unbounded.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, buffers *buffer.BufferPool) *Relay {
	r := &Relay{
		client:  httpClient,
		config:  cfg,
		buffers: buffers,
	}
	if cfg.MaxConnectionsToApp > 0 {
		r.slots = semaphore.NewWeighted(int64(cfg.MaxConnectionsToApp))
	}
	return r
}

// Response is an open origin response. It must be closed.
type Response struct {
	ChannelID string
	URL       string // final origin URL after redirects
	Upstream  *http.Response

	cancel  context.CancelFunc
	release func()
	closed  bool
}

// Close releases the upstream connection and the relay slot.
func (r *Response) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.Upstream.Body.Close()
	r.cancel()
	r.release()
	metrics.ActiveRelays.WithLabelValues(r.ChannelID).Dec()
}

// IsPlaylist reports whether the resource is an HLS playlist.
func (r *Response) IsPlaylist() bool {
	return parser.LooksLikePlaylist(r.Upstream.Header.Get("Content-Type"), r.URL)
}

// Open validates realURL and issues the origin request. The request is bound to ctx,
// so a client disconnect aborts it. Errors wrap types.ErrMalformedReference,
// types.ErrAtCapacity or types.ErrOriginFetchFailed.
func (rl *Relay) Open(ctx context.Context, channelID, realURL string, inbound http.Header) (*Response, error) {
	target, err := rewriter.ValidateRealURL(realURL)
	if err != nil {
		metrics.RelayErrors.WithLabelValues(channelID, "reference").Inc()
		return nil, err
	}

	release := func() {}
	if rl.slots != nil {
		if !rl.slots.TryAcquire(1) {
			metrics.RelayErrors.WithLabelValues(channelID, "capacity").Inc()
			logger.Warn("{relay - Open} Relay limit of %d reached, rejecting %s", rl.config.MaxConnectionsToApp, channelID)
			return nil, types.ErrAtCapacity
		}
		release = func() { rl.slots.Release(1) }
	}

	var (
		reqCtx context.Context
		cancel context.CancelFunc
	)
	if rl.config.SegmentTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, rl.config.SegmentTimeout)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}

	fail := func(err error) (*Response, error) {
		cancel()
		release()
		metrics.RelayErrors.WithLabelValues(channelID, "origin").Inc()
		logger.Warn("{relay - Open} Origin fetch failed for %s (%s): %v", channelID, utils.LogURL(rl.config, target), err)
		return nil, err
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", types.ErrOriginFetchFailed, err))
	}
	for _, h := range forwardedRequestHeaders {
		if v := inbound.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := rl.client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", types.ErrOriginFetchFailed, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return fail(fmt.Errorf("%w: origin returned status %d", types.ErrOriginFetchFailed, resp.StatusCode))
	}

	metrics.ActiveRelays.WithLabelValues(channelID).Inc()
	return &Response{
		ChannelID: channelID,
		URL:       resp.Request.URL.String(),
		Upstream:  resp,
		cancel:    cancel,
		release:   release,
	}, nil
}

// Stream writes resp to w. Playlists are rewritten so their references route back
// through the relay; everything else is copied chunk by chunk. Stream closes resp.
// An error wrapping types.ErrOriginFetchFailed means nothing was written to w yet.
func (rl *Relay) Stream(w http.ResponseWriter, resp *Response) error {
	defer resp.Close()

	if resp.IsPlaylist() {
		return rl.streamPlaylist(w, resp)
	}

	CopyHeaders(w.Header(), resp.Upstream.Header)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(resp.Upstream.StatusCode)

	n, err := rl.buffers.Copy(w, resp.Upstream.Body)
	metrics.BytesTransferred.WithLabelValues(resp.ChannelID).Add(float64(n))
	if err != nil {
		kind := "origin"
		if errors.Is(err, context.Canceled) {
			kind = "client"
		}
		metrics.RelayErrors.WithLabelValues(resp.ChannelID, kind).Inc()
		logger.Debug("{relay - Stream} Relay for %s ended after %d bytes: %v", resp.ChannelID, n, err)
		return err
	}

	logger.Debug("{relay - Stream} Relayed %d bytes for %s", n, resp.ChannelID)
	return nil
}

func (rl *Relay) streamPlaylist(w http.ResponseWriter, resp *Response) error {
	body, truncated, err := rl.buffers.ReadLimited(resp.Upstream.Body, MaxPlaylistSize)
	if err != nil {
		metrics.RelayErrors.WithLabelValues(resp.ChannelID, "origin").Inc()
		return fmt.Errorf("%w: reading playlist: %v", types.ErrOriginFetchFailed, err)
	}
	defer rl.buffers.Put(body)

	if truncated {
		metrics.RelayErrors.WithLabelValues(resp.ChannelID, "origin").Inc()
		return fmt.Errorf("%w: playlist larger than %d bytes", types.ErrOriginFetchFailed, MaxPlaylistSize)
	}

	base, err := rewriter.BaseDirectory(resp.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrOriginFetchFailed, err)
	}
	out, err := rewriter.Rewrite(body.String(), base, resp.ChannelID)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrOriginFetchFailed, err)
	}

	h := w.Header()
	CopyHeaders(h, resp.Upstream.Header)
	for _, name := range playlistHeaders {
		h.Del(name)
	}
	h.Set("Content-Type", playlistContentType)
	h.Set("Cache-Control", NoCache)
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	n, err := w.Write([]byte(out))
	metrics.BytesTransferred.WithLabelValues(resp.ChannelID).Add(float64(n))
	logger.Debug("{relay - streamPlaylist} Rewrote nested playlist for %s (%s)", resp.ChannelID, utils.LogURL(rl.config, resp.URL))
	return err
}

// CopyHeaders copies origin response headers into dst, skipping hop-by-hop headers,
// headers listed in the origin's Connection header and the origin's own CORS policy.
func CopyHeaders(dst, src http.Header) {
	skip := make(map[string]bool, len(hopHeaders))
	for _, h := range hopHeaders {
		skip[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skip[textproto.CanonicalMIMEHeaderKey(name)] = true
			}
		}
	}

	for name, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(name)
		if skip[canonical] || strings.HasPrefix(canonical, "Access-Control-") {
			continue
		}
		for _, v := range values {
			dst.Add(canonical, v)
		}
	}
}

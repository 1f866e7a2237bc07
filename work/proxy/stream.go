package proxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"hls-liberator/work/buffer"
	"hls-liberator/work/cache"
	"hls-liberator/work/channels"
	"hls-liberator/work/client"
	"hls-liberator/work/config"
	"hls-liberator/work/extractor"
	"hls-liberator/work/logger"
	"hls-liberator/work/metrics"
	"hls-liberator/work/parser"
	"hls-liberator/work/relay"
	"hls-liberator/work/rewriter"
	"hls-liberator/work/types"
	"hls-liberator/work/utils"
)

// maxManifestSize caps a channel manifest read into memory.
const maxManifestSize = 4 << 20

// StreamProxy is the application orchestrator. It owns the manifest cache, the
// extractor and the relay, serves rewritten manifests and segments, builds the
// playlist of channels, and runs the background refresh loop.
type StreamProxy struct {
	Config        *config.Config              // application configuration
	Registry      *channels.Registry          // known channels, read-only
	Manifests     *cache.ManifestCache        // channel -> extracted manifest URL
	Cache         *cache.Cache                // rewritten manifests keyed by channel
	PlaylistCache *cache.Cache                // generated playlist of channels keyed by base URL
	BufferPool    *buffer.BufferPool          // pooled byte buffers for manifests and segments
	HttpClient    *client.HeaderSettingClient // shared outbound client
	WorkerPool    *ants.Pool                  // bounded pool for the refresh sweep
	Extractor     *extractor.Extractor        // origin page scraper
	Relay         *relay.Relay                // segment relay
	inspections   *xsync.MapOf[string, parser.Info]
	stopChan      chan struct{} // closed by StopRefresh
	stopOnce      sync.Once
}

// ManifestResult is a rewritten channel manifest ready to serve.
type ManifestResult struct {
	Body     string
	Degraded bool // served from a stale cache entry
	Cached   bool // served from the rewritten manifest cache
}

// New wires a StreamProxy from its shared dependencies.
func New(cfg *config.Config, registry *channels.Registry, httpClient *client.HeaderSettingClient, bufferPool *buffer.BufferPool, workerPool *ants.Pool) *StreamProxy {
	logger.Debug("{proxy/stream - New} Initializing StreamProxy for %d channels", registry.Len())

	ext := extractor.New(cfg, httpClient)
	sp := &StreamProxy{
		Config:   cfg,
		Registry: registry,
		Manifests: cache.NewManifestCache(ext, cache.Options{
			TTL:            cfg.CacheTTL,
			FailureBackoff: cfg.FailureBackoff,
		}),
		Cache:         cache.NewCache(cfg.ManifestCacheDuration, 4*registry.Len()+16),
		PlaylistCache: cache.NewCache(cfg.PlaylistCacheDuration, 16),
		BufferPool:    bufferPool,
		HttpClient:    httpClient,
		WorkerPool:    workerPool,
		Extractor:     ext,
		Relay:         relay.New(cfg, httpClient, bufferPool),
		inspections:   xsync.NewMapOf[string, parser.Info](),
		stopChan:      make(chan struct{}),
	}

	logger.Debug("{proxy/stream - New} StreamProxy initialization complete")
	return sp
}

// ServeManifest returns the rewritten manifest for channelID. A live cache entry is
// used without touching the origin page; a signed URL the origin rejects triggers
// one forced re-extraction.
func (sp *StreamProxy) ServeManifest(ctx context.Context, channelID string) (ManifestResult, error) {
	if !sp.Registry.Contains(channelID) {
		return ManifestResult{}, fmt.Errorf("%w: %s", types.ErrChannelNotFound, channelID)
	}

	if body, ok := sp.Cache.Get(channelID); ok {
		logger.Debug("{proxy/stream - ServeManifest} Serving cached manifest for %s", channelID)
		return ManifestResult{Body: body, Cached: true, Degraded: sp.Manifests.Status(channelID).State == types.StateDegraded}, nil
	}

	lookup, err := sp.Manifests.GetOrRefresh(ctx, channelID)
	if err != nil {
		logger.Error("{proxy/stream - ServeManifest} No manifest available for %s: %v", channelID, err)
		return ManifestResult{}, err
	}

	body, finalURL, status, err := sp.fetchManifest(ctx, lookup.Entry.ManifestURL)
	if err == nil && rejected(status) && !lookup.Fresh && !lookup.Degraded {
		logger.Info("{proxy/stream - ServeManifest} Origin rejected the signed URL for %s (status %d), re-extracting", channelID, status)
		if refreshed, rerr := sp.Manifests.Refresh(ctx, channelID); rerr == nil && !refreshed.Degraded {
			lookup = refreshed
			body, finalURL, status, err = sp.fetchManifest(ctx, lookup.Entry.ManifestURL)
		}
	}
	if err != nil {
		logger.Error("{proxy/stream - ServeManifest} Manifest fetch failed for %s: %v", channelID, err)
		return ManifestResult{}, err
	}
	if status < 200 || status > 299 {
		logger.Error("{proxy/stream - ServeManifest} Origin returned status %d for %s manifest", status, channelID)
		return ManifestResult{}, fmt.Errorf("%w: manifest returned status %d", types.ErrOriginFetchFailed, status)
	}

	base := lookup.Entry.BaseURL
	if finalURL != lookup.Entry.ManifestURL {
		if redirected, berr := rewriter.BaseDirectory(finalURL); berr == nil {
			base = redirected
		}
	}

	out, err := rewriter.Rewrite(body, base, channelID)
	if err != nil {
		return ManifestResult{}, fmt.Errorf("%w: %v", types.ErrOriginFetchFailed, err)
	}

	info := parser.Inspect(body)
	sp.inspections.Store(channelID, info)
	if info.Kind == parser.KindUnknown {
		logger.Warn("{proxy/stream - ServeManifest} Origin response for %s does not look like a playlist", channelID)
	}

	if !lookup.Degraded {
		sp.Cache.Set(channelID, out)
	}
	return ManifestResult{Body: out, Degraded: lookup.Degraded}, nil
}

// rejected reports statuses that mean the signed URL itself is no longer accepted.
func rejected(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// fetchManifest downloads a manifest body. A non-2xx status is returned without
// error so the caller can decide whether to re-extract.
func (sp *StreamProxy) fetchManifest(ctx context.Context, manifestURL string) (body, finalURL string, status int, err error) {
	if sp.Config.ManifestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sp.Config.ManifestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: %v", types.ErrOriginFetchFailed, err)
	}
	req.Header.Set("Accept", "application/vnd.apple.mpegurl, application/x-mpegurl, */*")

	resp, err := sp.HttpClient.DoRetry(req)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: %v", types.ErrOriginFetchFailed, err)
	}
	defer resp.Body.Close()

	finalURL = resp.Request.URL.String()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", finalURL, resp.StatusCode, nil
	}

	buf, truncated, err := sp.BufferPool.ReadLimited(resp.Body, maxManifestSize)
	if err != nil {
		return "", finalURL, resp.StatusCode, fmt.Errorf("%w: reading manifest: %v", types.ErrOriginFetchFailed, err)
	}
	defer sp.BufferPool.Put(buf)
	if truncated {
		return "", finalURL, resp.StatusCode, fmt.Errorf("%w: manifest larger than %d bytes", types.ErrOriginFetchFailed, maxManifestSize)
	}

	logger.Debug("{proxy/stream - fetchManifest} Fetched %d byte manifest from %s", buf.Len(), utils.LogURL(sp.Config, finalURL))
	return buf.String(), finalURL, resp.StatusCode, nil
}

// ServeSegment relays the origin resource realURL for channelID to w. An error
// wrapping one of the types sentinels means nothing has been written to w yet; any
// other error happened mid-stream.
func (sp *StreamProxy) ServeSegment(w http.ResponseWriter, r *http.Request, channelID, realURL string) error {
	if !sp.Registry.Contains(channelID) {
		metrics.RelayErrors.WithLabelValues(channelID, "reference").Inc()
		return fmt.Errorf("%w: %s", types.ErrChannelNotFound, channelID)
	}

	resp, err := sp.Relay.Open(r.Context(), channelID, realURL, r.Header)
	if err != nil {
		return err
	}
	return sp.Relay.Stream(w, resp)
}

// RefreshChannel forces a new extraction for channelID and drops its rewritten
// manifest from the cache.
func (sp *StreamProxy) RefreshChannel(ctx context.Context, channelID string) (types.ChannelStatus, error) {
	ch, ok := sp.Registry.Get(channelID)
	if !ok {
		return types.ChannelStatus{}, fmt.Errorf("%w: %s", types.ErrChannelNotFound, channelID)
	}

	sp.Cache.Invalidate(channelID)
	_, err := sp.Manifests.Refresh(ctx, channelID)
	return sp.channelStatus(ch), err
}

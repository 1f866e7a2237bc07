package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"hls-liberator/work/logger"
	"hls-liberator/work/metrics"
	"hls-liberator/work/rewriter"
	"hls-liberator/work/types"
)

// Extractor discovers the current manifest URL for a channel.
type Extractor interface {
	Extract(ctx context.Context, channelID string) (string, error)
}

// Entry is one extracted manifest URL. Entries are never mutated after creation;
// a refresh swaps in a new one.
type Entry struct {
	ChannelID   string
	ManifestURL string
	BaseURL     string // directory of ManifestURL, always ends with '/'
	RefreshedAt time.Time
	ExpiresAt   time.Time
}

// Live reports whether the entry is still within its TTL at now.
func (e *Entry) Live(now time.Time) bool {
	return e != nil && now.Before(e.ExpiresAt)
}

// Lookup is the result of a cache read.
type Lookup struct {
	Entry    *Entry
	Degraded bool // the last refresh failed and Entry is the last known good one
	Fresh    bool // Entry was extracted by this call
}

// Options configures a ManifestCache.
type Options struct {
	TTL            time.Duration
	FailureBackoff time.Duration    // no automatic re-extraction this soon after a failure
	Now            func() time.Time // defaults to time.Now
}

// Status is the per-channel bookkeeping exposed to the status endpoints.
type Status struct {
	Entry       *Entry
	State       types.ChannelState
	LastAttempt time.Time
	LastError   string
	Failures    int
}

type state struct {
	entry       *Entry
	lastAttempt time.Time
	lastError   string
	failures    int
}

func (s *state) degraded() bool {
	return s != nil && s.entry != nil && s.failures > 0
}

// ManifestCache maps channel identifiers to their extracted manifest URL. Reads of a
// live entry never block. Extraction runs at most once at a time per channel, and a
// failed extraction keeps the previous entry as a stale fallback.
type ManifestCache struct {
	extractor Extractor
	opts      Options
	states    *xsync.MapOf[string, *state]
	flights   singleflight.Group
}

// NewManifestCache creates an empty cache backed by extractor.
func NewManifestCache(extractor Extractor, opts Options) *ManifestCache {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ManifestCache{
		extractor: extractor,
		opts:      opts,
		states:    xsync.NewMapOf[string, *state](),
	}
}

// TTL returns the configured entry lifetime.
func (c *ManifestCache) TTL() time.Duration {
	return c.opts.TTL
}

// GetOrRefresh returns the entry for channelID, extracting a new one if it is absent
// or expired. Concurrent callers share one extraction. If ctx ends while waiting,
// the stale entry is returned when there is one.
func (c *ManifestCache) GetOrRefresh(ctx context.Context, channelID string) (Lookup, error) {
	now := c.opts.Now()
	st, _ := c.states.Load(channelID)

	if st != nil && st.entry.Live(now) {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return Lookup{Entry: st.entry, Degraded: st.degraded()}, nil
	}

	if st != nil && st.failures > 0 && now.Sub(st.lastAttempt) < c.opts.FailureBackoff {
		metrics.Extractions.WithLabelValues("suppressed").Inc()
		logger.Debug("{cache/manifest - GetOrRefresh} Extraction for %s suppressed, last failure %s ago", channelID, now.Sub(st.lastAttempt))
		return c.fallback(channelID, st, fmt.Errorf("in failure backoff: %s", st.lastError))
	}

	metrics.CacheLookups.WithLabelValues("miss").Inc()
	return c.await(ctx, channelID, false)
}

// Refresh extracts a new entry for channelID even if the current one is live. It
// still joins an extraction that is already in flight.
func (c *ManifestCache) Refresh(ctx context.Context, channelID string) (Lookup, error) {
	return c.await(ctx, channelID, true)
}

// Invalidate expires the entry for channelID. The entry stays available as a stale
// fallback until the next successful refresh.
func (c *ManifestCache) Invalidate(channelID string) {
	now := c.opts.Now()
	c.states.Compute(channelID, func(old *state, loaded bool) (*state, bool) {
		if !loaded || old.entry == nil {
			return old, !loaded
		}
		expired := *old.entry
		expired.ExpiresAt = now
		next := *old
		next.entry = &expired
		return &next, false
	})
	logger.Debug("{cache/manifest - Invalidate} Entry invalidated for %s", channelID)
}

// Status returns the bookkeeping for one channel.
func (c *ManifestCache) Status(channelID string) Status {
	st, _ := c.states.Load(channelID)
	return statusOf(st)
}

// Snapshot returns the status of every channel the cache has seen.
func (c *ManifestCache) Snapshot() map[string]Status {
	out := make(map[string]Status, c.states.Size())
	c.states.Range(func(id string, st *state) bool {
		out[id] = statusOf(st)
		return true
	})
	return out
}

func statusOf(st *state) Status {
	if st == nil {
		return Status{State: types.StateInactive}
	}

	s := Status{
		Entry:       st.entry,
		LastAttempt: st.lastAttempt,
		LastError:   st.lastError,
		Failures:    st.failures,
	}
	switch {
	case st.entry != nil && st.failures == 0:
		s.State = types.StateActive
	case st.entry != nil:
		s.State = types.StateDegraded
	case st.failures > 0:
		s.State = types.StateError
	default:
		s.State = types.StateInactive
	}
	return s
}

func (c *ManifestCache) await(ctx context.Context, channelID string, force bool) (Lookup, error) {
	// the extraction outlives any single waiter
	detached := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(channelID, func() (any, error) {
		return c.refresh(detached, channelID, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Lookup{}, res.Err
		}
		lookup := res.Val.(Lookup)
		if res.Shared {
			lookup.Fresh = false
		}
		return lookup, nil
	case <-ctx.Done():
		st, _ := c.states.Load(channelID)
		return c.fallback(channelID, st, ctx.Err())
	}
}

func (c *ManifestCache) refresh(ctx context.Context, channelID string, force bool) (Lookup, error) {
	prev, _ := c.states.Load(channelID)
	if !force && prev != nil && prev.entry.Live(c.opts.Now()) {
		return Lookup{Entry: prev.entry, Degraded: prev.degraded()}, nil
	}

	manifestURL, err := c.extractor.Extract(ctx, channelID)
	var base string
	if err == nil {
		base, err = rewriter.BaseDirectory(manifestURL)
		if err != nil {
			err = fmt.Errorf("%w: %v", types.ErrExtractionFailed, err)
		}
	}
	attempt := c.opts.Now()

	if err != nil {
		next := &state{lastAttempt: attempt, lastError: err.Error(), failures: 1}
		if prev != nil {
			next.entry = prev.entry
			next.failures = prev.failures + 1
		}
		c.states.Store(channelID, next)
		c.updateDegraded()
		return c.fallback(channelID, next, err)
	}

	entry := &Entry{
		ChannelID:   channelID,
		ManifestURL: manifestURL,
		BaseURL:     base,
		RefreshedAt: attempt,
		ExpiresAt:   attempt.Add(c.opts.TTL),
	}
	c.states.Store(channelID, &state{entry: entry, lastAttempt: attempt})
	c.updateDegraded()

	if prev != nil && prev.failures > 0 {
		logger.Info("{cache/manifest - refresh} Channel %s recovered after %d failed attempts", channelID, prev.failures)
	}
	logger.Debug("{cache/manifest - refresh} Entry stored for %s, expires %s", channelID, entry.ExpiresAt.Format(time.RFC3339))
	return Lookup{Entry: entry, Fresh: true}, nil
}

// fallback serves the last known good entry for a failed or abandoned refresh.
func (c *ManifestCache) fallback(channelID string, st *state, cause error) (Lookup, error) {
	if st != nil && st.entry != nil {
		metrics.CacheLookups.WithLabelValues("stale").Inc()
		logger.Warn("{cache/manifest - fallback} Serving stale entry for %s: %v", channelID, cause)
		return Lookup{Entry: st.entry, Degraded: true}, nil
	}
	return Lookup{}, fmt.Errorf("%w: channel %s: %v", types.ErrUnavailable, channelID, cause)
}

func (c *ManifestCache) updateDegraded() {
	n := 0
	c.states.Range(func(_ string, st *state) bool {
		if st.degraded() {
			n++
		}
		return true
	})
	metrics.DegradedChannels.Set(float64(n))
}

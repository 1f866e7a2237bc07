package proxy

import (
	"time"

	"hls-liberator/work/types"
	"hls-liberator/work/utils"
)

// Statuses returns the state of every channel in registry order.
func (sp *StreamProxy) Statuses() []types.ChannelStatus {
	all := sp.Registry.All()
	out := make([]types.ChannelStatus, 0, len(all))
	for _, ch := range all {
		out = append(out, sp.channelStatus(ch))
	}
	return out
}

// ChannelStatus returns the state of one channel.
func (sp *StreamProxy) ChannelStatus(channelID string) (types.ChannelStatus, bool) {
	ch, ok := sp.Registry.Get(channelID)
	if !ok {
		return types.ChannelStatus{}, false
	}
	return sp.channelStatus(ch), true
}

func (sp *StreamProxy) channelStatus(ch types.Channel) types.ChannelStatus {
	st := sp.Manifests.Status(ch.ID)
	out := types.ChannelStatus{
		ID:        ch.ID,
		Name:      ch.Name,
		State:     st.State,
		LastError: st.LastError,
		Failures:  st.Failures,
	}

	if !st.LastAttempt.IsZero() {
		out.LastAttempt = timePtr(st.LastAttempt)
	}
	if st.Entry != nil {
		out.ManifestURL = utils.LogURL(sp.Config, st.Entry.ManifestURL)
		out.BaseURL = utils.LogURL(sp.Config, st.Entry.BaseURL)
		out.RefreshedAt = timePtr(st.Entry.RefreshedAt)
		out.ExpiresAt = timePtr(st.Entry.ExpiresAt)
	}

	if info, ok := sp.inspections.Load(ch.ID); ok {
		out.Playlist = info.Kind
		out.Segments = info.Segments
		out.Variants = len(info.Variants)
		out.Encrypted = info.Encrypted
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// Summary aggregates channel states for the /status endpoint.
type Summary struct {
	Channels  int                   `json:"channels"`
	Active    int                   `json:"active"`
	Degraded  int                   `json:"degraded"`
	Errored   int                   `json:"error"`
	Inactive  int                   `json:"inactive"`
	CacheTTL  string                `json:"cache_ttl"`
	Refresh   string                `json:"refresh_interval"`
	Uptime    string                `json:"uptime"`
	StartedAt time.Time             `json:"started_at"`
	Details   []types.ChannelStatus `json:"details"`
}

// Summarize counts channel states.
func (sp *StreamProxy) Summarize(startedAt time.Time) Summary {
	details := sp.Statuses()
	s := Summary{
		Channels:  len(details),
		CacheTTL:  sp.Manifests.TTL().String(),
		Refresh:   sp.Config.RefreshInterval.String(),
		Uptime:    utils.FormatDuration(time.Since(startedAt)),
		StartedAt: startedAt,
		Details:   details,
	}
	for _, d := range details {
		switch d.State {
		case types.StateActive:
			s.Active++
		case types.StateDegraded:
			s.Degraded++
		case types.StateError:
			s.Errored++
		default:
			s.Inactive++
		}
	}
	return s
}

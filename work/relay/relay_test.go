package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-liberator/work/buffer"
	"hls-liberator/work/client"
	"hls-liberator/work/config"
	"hls-liberator/work/types"
)

func newTestRelay(t *testing.T, maxConns int) *Relay {
	t.Helper()
	cfg := &config.Config{
		UserAgent:           "TestAgent/1.0",
		ConnectTimeout:      time.Second,
		SegmentTimeout:      5 * time.Second,
		MaxConnectionsToApp: maxConns,
	}
	hc := client.NewHeaderSettingClient(cfg)
	t.Cleanup(hc.Close)
	return New(cfg, hc, buffer.NewBufferPool(8*1024))
}

func TestRelaySegment(t *testing.T) {
	payload := strings.Repeat("\x47TS-PACKET", 10000)
	var gotRange string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Access-Control-Allow-Origin", "https://la14hd.com")
		w.Header().Set("X-Origin-Node", "edge-7")
		w.Header().Set("Set-Cookie", "session=1")
		w.Write([]byte(payload))
	}))
	defer origin.Close()

	rl := newTestRelay(t, 10)
	inbound := http.Header{}
	inbound.Set("Range", "bytes=0-")

	resp, err := rl.Open(context.Background(), "espn", origin.URL+"/live/espn/seg1.ts", inbound)
	require.NoError(t, err)
	assert.False(t, resp.IsPlaylist())

	rec := httptest.NewRecorder()
	require.NoError(t, rl.Stream(rec, resp))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.String())
	assert.Equal(t, "bytes=0-", gotRange)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, "max-age=60", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "edge-7", rec.Header().Get("X-Origin-Node"))
	assert.Empty(t, rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
}

func TestRelayNestedPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old/720p.m3u8", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/live/espn/720p/index.m3u8?sig=1", http.StatusFound)
	})
	mux.HandleFunc("/live/espn/720p/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte("#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6,\nseg1.ts\n"))
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()

	rl := newTestRelay(t, 10)
	resp, err := rl.Open(context.Background(), "espn", origin.URL+"/old/720p.m3u8", http.Header{})
	require.NoError(t, err)
	assert.True(t, resp.IsPlaylist())

	rec := httptest.NewRecorder()
	require.NoError(t, rl.Stream(rec, resp))

	want := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6,\n" +
		"/proxy/segment/espn?real_url=" + url.QueryEscape(origin.URL+"/live/espn/720p/seg1.ts") + "\n"
	assert.Equal(t, want, rec.Body.String())
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, NoCache, rec.Header().Get("Cache-Control"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("ETag"))
}

func TestRelayErrors(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer origin.Close()

	rl := newTestRelay(t, 10)

	_, err := rl.Open(context.Background(), "espn", "", http.Header{})
	assert.ErrorIs(t, err, types.ErrMalformedReference)

	_, err = rl.Open(context.Background(), "espn", "seg1.ts", http.Header{})
	assert.ErrorIs(t, err, types.ErrMalformedReference)

	_, err = rl.Open(context.Background(), "espn", origin.URL+"/seg1.ts", http.Header{})
	assert.ErrorIs(t, err, types.ErrOriginFetchFailed)

	_, err = rl.Open(context.Background(), "espn", "http://127.0.0.1:1/seg1.ts", http.Header{})
	assert.ErrorIs(t, err, types.ErrOriginFetchFailed)
}

func TestRelayCapacity(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("segment"))
	}))
	defer origin.Close()

	rl := newTestRelay(t, 1)

	first, err := rl.Open(context.Background(), "espn", origin.URL+"/a.ts", http.Header{})
	require.NoError(t, err)

	_, err = rl.Open(context.Background(), "espn", origin.URL+"/b.ts", http.Header{})
	assert.ErrorIs(t, err, types.ErrAtCapacity)

	first.Close()
	first.Close()

	second, err := rl.Open(context.Background(), "espn", origin.URL+"/b.ts", http.Header{})
	require.NoError(t, err)
	second.Close()

	// a failed origin fetch gives its slot back
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	_, err = rl.Open(context.Background(), "espn", bad.URL+"/c.ts", http.Header{})
	assert.ErrorIs(t, err, types.ErrOriginFetchFailed)
	third, err := rl.Open(context.Background(), "espn", origin.URL+"/c.ts", http.Header{})
	require.NoError(t, err)
	third.Close()
}

func TestRelayStopsOnClientCancel(t *testing.T) {
	stopped := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(stopped)
		w.Header().Set("Content-Type", "video/mp2t")
		for {
			if _, err := w.Write([]byte(strings.Repeat("x", 1024))); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer origin.Close()

	rl := newTestRelay(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	resp, err := rl.Open(ctx, "espn", origin.URL+"/live.ts", http.Header{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rl.Stream(httptest.NewRecorder(), resp) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay kept streaming after the client went away")
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("origin connection was not released")
	}
}

func TestCopyHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "X-Hop, keep-alive")
	src.Set("X-Hop", "1")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Content-Length", "42")
	src.Set("Access-Control-Allow-Credentials", "true")
	src.Add("X-Multi", "a")
	src.Add("X-Multi", "b")
	src.Set("Content-Type", "video/mp2t")

	dst := http.Header{}
	CopyHeaders(dst, src)

	assert.Equal(t, http.Header{
		"X-Multi":      {"a", "b"},
		"Content-Type": {"video/mp2t"},
	}, dst)
}

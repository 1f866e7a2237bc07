package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-liberator/work/buffer"
	"hls-liberator/work/cache"
	"hls-liberator/work/channels"
	"hls-liberator/work/client"
	"hls-liberator/work/config"
	"hls-liberator/work/proxy"
	"hls-liberator/work/types"
)

type testEnv struct {
	origin  *httptest.Server
	server  *httptest.Server
	sp      *proxy.StreamProxy
	broken  atomic.Bool
	now     atomic.Int64
	pageHit atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}
	env.now.Store(time.Now().UnixNano())

	originMux := http.NewServeMux()
	originMux.HandleFunc("/vivo/canales.php", func(w http.ResponseWriter, r *http.Request) {
		env.pageHit.Add(1)
		if env.broken.Load() {
			w.Write([]byte("<html>nothing here</html>"))
			return
		}
		fmt.Fprintf(w, `<iframe src="%s/live/%s/index.m3u8?token=abc"></iframe>`, env.origin.URL, r.URL.Query().Get("stream"))
	})
	originMux.HandleFunc("/live/espn/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte("#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n#EXTINF:6,\nseg1.ts\n"))
	})
	originMux.HandleFunc("/live/espn/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Set-Cookie", "session=1")
		w.Header().Set("Access-Control-Allow-Origin", "https://la14hd.com")
		w.Write([]byte("TSDATA"))
	})
	env.origin = httptest.NewServer(originMux)
	t.Cleanup(env.origin.Close)

	cfg := &config.Config{
		CacheTTL:            300 * time.Second,
		RefreshInterval:     240 * time.Second,
		OriginPageTemplate:  env.origin.URL + "/vivo/canales.php?stream={channel}",
		UserAgent:           "TestAgent/1.0",
		ConnectTimeout:      time.Second,
		ExtractTimeout:      2 * time.Second,
		ManifestTimeout:     2 * time.Second,
		SegmentTimeout:      2 * time.Second,
		MaxConnectionsToApp: 10,
		GroupTitle:          "La14HD",
		EnableGzip:          true,
	}
	hc := client.NewHeaderSettingClient(cfg)
	hc.Retry.RetryWaitMin = time.Millisecond
	hc.Retry.RetryWaitMax = time.Millisecond
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Release()
		hc.Close()
	})

	registry := channels.NewRegistry([]types.Channel{{ID: "espn", Name: "ESPN"}, {ID: "cnn", Name: "CNN"}})
	env.sp = proxy.New(cfg, registry, hc, buffer.NewBufferPool(8*1024), pool)
	env.sp.Manifests = cache.NewManifestCache(env.sp.Extractor, cache.Options{
		TTL: cfg.CacheTTL,
		Now: func() time.Time { return time.Unix(0, env.now.Load()) },
	})

	router := mux.NewRouter()
	SetupRoutes(router, env.sp, time.Now())
	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	return env
}

func (env *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(env.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestStreamAndSegmentRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/stream/espn.m3u8")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, resp.Header.Get("X-Stream-Status"))

	segRef := "/proxy/segment/espn?real_url=" + url.QueryEscape(env.origin.URL+"/live/espn/seg1.ts")
	keyRef := "/proxy/segment/espn?real_url=" + url.QueryEscape(env.origin.URL+"/live/espn/key.bin")
	assert.Contains(t, body, segRef)
	assert.Contains(t, body, `URI="`+keyRef+`"`)

	resp, body = env.get(t, segRef)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "TSDATA", body)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, resp.Header.Get("Set-Cookie"))

	// the route also answers without the extension
	resp, _ = env.get(t, "/stream/espn")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamErrors(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/stream/nope.m3u8")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var msg map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &msg))
	assert.Contains(t, msg["error"], "channel not found")

	env.broken.Store(true)
	resp, _ = env.get(t, "/stream/cnn.m3u8")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSegmentErrors(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.get(t, "/proxy/segment/nope?real_url="+url.QueryEscape(env.origin.URL+"/live/espn/seg1.ts"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.get(t, "/proxy/segment/espn")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.get(t, "/proxy/segment/espn?real_url=not-a-url")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.get(t, "/proxy/segment/espn?real_url="+url.QueryEscape(env.origin.URL+"/missing.ts"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestDegradedStatus(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.get(t, "/stream/espn.m3u8")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.broken.Store(true)
	env.now.Add(int64(301 * time.Second))

	resp, body := env.get(t, "/stream/espn.m3u8")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", resp.Header.Get("X-Stream-Status"))
	assert.Contains(t, body, "/proxy/segment/espn?real_url=")

	resp, body = env.get(t, "/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary proxy.Summary
	require.NoError(t, json.Unmarshal([]byte(body), &summary))
	assert.Equal(t, 2, summary.Channels)
	assert.Equal(t, 1, summary.Degraded)
	require.Len(t, summary.Details, 2)
	assert.Equal(t, types.StateDegraded, summary.Details[0].State)
	assert.NotEmpty(t, summary.Details[0].LastError)
	assert.True(t, summary.Details[0].Encrypted)
}

func TestPlaylistRoutes(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/m3u", "/playlist.m3u"} {
		resp, body := env.get(t, path)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "audio/x-mpegurl", resp.Header.Get("Content-Type"))
		assert.Equal(t, `attachment; filename="playlist.m3u"`, resp.Header.Get("Content-Disposition"))
		assert.True(t, strings.HasPrefix(body, "#EXTM3U\n"))
		assert.Contains(t, body, `#EXTINF:-1 tvg-id="espn" tvg-name="ESPN" group-title="La14HD",ESPN`)
		assert.Contains(t, body, env.server.URL+"/stream/cnn.m3u8")
	}
	assert.Equal(t, int32(0), env.pageHit.Load())
}

func TestChannelsAndHome(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/channels")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Channels []channelResponse `json:"channels"`
		Total    int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, "espn", list.Channels[0].ID)
	assert.Equal(t, env.server.URL+"/stream/espn.m3u8", list.Channels[0].URL)
	assert.Equal(t, "inactive", list.Channels[0].Status)

	resp, body = env.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `<a href="/stream/espn.m3u8">ESPN</a>`)
}

func TestRefreshRoute(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/api/channels/espn/refresh", "application/json", nil)
	require.NoError(t, err)
	var st types.ChannelStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.StateActive, st.State)
	assert.Equal(t, int32(1), env.pageHit.Load())

	resp, err = http.Post(env.server.URL+"/api/channels/nope/refresh", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/proxy/segment/espn", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, "/stream/espn.m3u8")

	resp, body := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "hls_liberator_manifest_requests_total")
}

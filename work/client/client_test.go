package client

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-liberator/work/config"
)

func testConfig() *config.Config {
	return &config.Config{
		UserAgent:      "TestAgent/1.0",
		OriginReferer:  "https://la14hd.com/",
		ConnectTimeout: time.Second,
	}
}

func TestDoSetsBrowserHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	hsc := NewHeaderSettingClient(testConfig())
	defer hsc.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := hsc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "TestAgent/1.0", got.Get("User-Agent"))
	assert.Equal(t, "https://la14hd.com/", got.Get("Referer"))
	assert.Equal(t, "https://la14hd.com", got.Get("Origin"))
	assert.Equal(t, "*/*", got.Get("Accept"))
}

func TestDoKeepsExplicitReferer(t *testing.T) {
	var referer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer = r.Header.Get("Referer")
	}))
	defer srv.Close()

	hsc := NewHeaderSettingClient(testConfig())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Referer", "https://player.example/")
	resp, err := hsc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "https://player.example/", referer)
}

func TestDoRetryRecoversFromServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	hsc := NewHeaderSettingClient(testConfig())
	hsc.Retry.RetryWaitMin = time.Millisecond
	hsc.Retry.RetryWaitMax = time.Millisecond

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := hsc.DoRetry(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDoRetryPassesThroughClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	hsc := NewHeaderSettingClient(testConfig())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := hsc.DoRetry(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

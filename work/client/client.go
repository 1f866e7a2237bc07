package client

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"hls-liberator/work/config"
	"hls-liberator/work/logger"
)

// HeaderSettingClient is the single outbound HTTP client. Every request it sends
// carries the browser-like headers the origin expects. Client streams without an
// overall timeout (callers bound requests through their context); Retry wraps the
// same transport with a short retry policy for page and manifest fetches.
type HeaderSettingClient struct {
	Client    *http.Client
	Retry     *retryablehttp.Client
	transport *http.Transport
	config    *config.Config
}

// NewHeaderSettingClient builds the shared transport and both clients on top of it.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second, // Only timeout for headers
		ForceAttemptHTTP2:     true,
	}

	streaming := &http.Client{
		Timeout:   0, // No overall timeout for streaming
		Transport: transport,
	}

	retry := retryablehttp.NewClient()
	retry.HTTPClient = &http.Client{Transport: transport}
	retry.RetryMax = 1
	retry.RetryWaitMin = 250 * time.Millisecond
	retry.RetryWaitMax = 2 * time.Second
	retry.Logger = leveledLogger{}
	// hand the last response back instead of an opaque "giving up" error so callers
	// can map origin statuses themselves
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HeaderSettingClient{
		Client:    streaming,
		Retry:     retry,
		transport: transport,
		config:    cfg,
	}
}

// Do sends req once on the streaming client.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

// DoRetry sends req through the retrying client. The request body, if any, must be
// replayable.
func (hsc *HeaderSettingClient) DoRetry(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	rreq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap request: %w", err)
	}
	resp, err := hsc.Retry.Do(rreq)
	if err != nil && resp != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, err
}

// Close releases idle upstream connections.
func (hsc *HeaderSettingClient) Close() {
	hsc.transport.CloseIdleConnections()
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.config.UserAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.9,es;q=0.8")
	req.Header.Set("Connection", "keep-alive")

	if hsc.config.OriginReferer != "" && req.Header.Get("Referer") == "" {
		req.Header.Set("Referer", hsc.config.OriginReferer)
		if origin := originOf(hsc.config.OriginReferer); origin != "" {
			req.Header.Set("Origin", origin)
		}
	}
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// leveledLogger routes retryablehttp's logging into ours.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) {
	logger.Error("{client - retry} %s %v", msg, kv)
}

func (leveledLogger) Info(msg string, kv ...interface{}) {
	logger.Debug("{client - retry} %s %v", msg, kv)
}

func (leveledLogger) Debug(msg string, kv ...interface{}) {
	logger.Debug("{client - retry} %s %v", msg, kv)
}

func (leveledLogger) Warn(msg string, kv ...interface{}) {
	logger.Warn("{client - retry} %s %v", msg, kv)
}

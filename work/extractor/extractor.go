package extractor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/ratelimit"

	"hls-liberator/work/client"
	"hls-liberator/work/config"
	"hls-liberator/work/logger"
	"hls-liberator/work/metrics"
	"hls-liberator/work/types"
	"hls-liberator/work/utils"
)

// maxPageSize caps how much of an origin page is read.
const maxPageSize = 4 << 20

// Extractor discovers the signed manifest URL for a channel by scraping its origin
// page. It is safe for concurrent use.
type Extractor struct {
	client   *client.HeaderSettingClient
	config   *config.Config
	matchers []Matcher
	limiter  ratelimit.Limiter
}

// New creates an extractor. With no matchers given, DefaultMatchers is used.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, matchers ...Matcher) *Extractor {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}

	limiter := ratelimit.NewUnlimited()
	if cfg.OriginRateLimit > 0 {
		limiter = ratelimit.New(cfg.OriginRateLimit)
	}

	return &Extractor{
		client:   httpClient,
		config:   cfg,
		matchers: matchers,
		limiter:  limiter,
	}
}

// PageURL returns the origin page for a channel.
func (e *Extractor) PageURL(channelID string) string {
	return strings.ReplaceAll(e.config.OriginPageTemplate, "{channel}", url.QueryEscape(channelID))
}

// Extract fetches the channel's origin page and returns the first manifest URL found
// by the ordered matchers. Every failure wraps types.ErrExtractionFailed.
func (e *Extractor) Extract(ctx context.Context, channelID string) (string, error) {
	start := time.Now()
	manifestURL, err := e.extract(ctx, channelID)
	metrics.ExtractionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.Extractions.WithLabelValues("failure").Inc()
		logger.Warn("{extractor - Extract} Extraction failed for channel %s: %v", channelID, err)
		return "", err
	}

	metrics.Extractions.WithLabelValues("success").Inc()
	return manifestURL, nil
}

func (e *Extractor) extract(ctx context.Context, channelID string) (string, error) {
	if e.config.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ExtractTimeout)
		defer cancel()
	}

	pageURL := e.PageURL(channelID)
	logger.Debug("{extractor - extract} Fetching origin page for %s: %s", channelID, utils.LogURL(e.config, pageURL))

	e.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: invalid origin page url: %v", types.ErrExtractionFailed, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")

	resp, err := e.client.DoRetry(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrExtractionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: origin page returned status %d", types.ErrExtractionFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return "", fmt.Errorf("%w: reading origin page: %v", types.ErrExtractionFailed, err)
	}

	found, matcher, ok := FindManifest(Decode(string(body)), e.matchers)
	if !ok {
		return "", fmt.Errorf("%w: no manifest url in origin page (%d bytes)", types.ErrExtractionFailed, len(body))
	}

	// src and player config forms may be relative to the page
	pageBase := resp.Request.URL
	ref, err := url.Parse(found)
	if err != nil {
		return "", fmt.Errorf("%w: matched url is invalid: %v", types.ErrExtractionFailed, err)
	}
	abs := pageBase.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", fmt.Errorf("%w: matched url has unsupported scheme %q", types.ErrExtractionFailed, abs.Scheme)
	}

	manifestURL := abs.String()
	logger.Debug("{extractor - extract} Channel %s matched by %s: %s", channelID, matcher, utils.LogURL(e.config, manifestURL))
	return manifestURL, nil
}

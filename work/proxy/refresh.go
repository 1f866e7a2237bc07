package proxy

import (
	"context"
	"sync"
	"time"

	"hls-liberator/work/logger"
)

// RefreshAll forces a new extraction for every channel through the worker pool and
// waits for all of them. Failures are logged by the cache and never returned.
func (sp *StreamProxy) RefreshAll(ctx context.Context) {
	ids := sp.Registry.IDs()
	logger.Debug("{proxy/refresh - RefreshAll} Refreshing %d channels", len(ids))

	timeout := 2 * sp.Config.ExtractTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		id := id
		task := func() {
			defer wg.Done()
			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if _, err := sp.Manifests.Refresh(taskCtx, id); err != nil {
				logger.Warn("{proxy/refresh - RefreshAll} Background refresh failed for %s: %v", id, err)
			}
			sp.Cache.Invalidate(id)
		}

		wg.Add(1)
		if err := sp.WorkerPool.Submit(task); err != nil {
			logger.Warn("{proxy/refresh - RefreshAll} Worker pool rejected refresh for %s: %v", id, err)
			wg.Done()
		}
	}
	wg.Wait()

	logger.Debug("{proxy/refresh - RefreshAll} Refresh sweep complete")
}

// StartRefresh runs the background refresh loop: one sweep immediately, then one
// every RefreshInterval. It blocks until StopRefresh is called and should be run in
// its own goroutine.
func (sp *StreamProxy) StartRefresh() {
	logger.Debug("{proxy/refresh - StartRefresh} Starting refresh loop (interval: %s, ttl: %s)", sp.Config.RefreshInterval, sp.Manifests.TTL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sp.stopChan
		cancel()
	}()

	sp.RefreshAll(ctx)

	ticker := time.NewTicker(sp.Config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.stopChan:
			logger.Debug("{proxy/refresh - StartRefresh} Refresh loop stopped")
			return
		case <-ticker.C:
			logger.Debug("{proxy/refresh - StartRefresh} Triggering scheduled refresh")
			sp.RefreshAll(ctx)
		}
	}
}

// StopRefresh stops the refresh loop and aborts a sweep in progress. It is safe to
// call more than once.
func (sp *StreamProxy) StopRefresh() {
	sp.stopOnce.Do(func() {
		logger.Debug("{proxy/refresh - StopRefresh} Sending stop signal to refresh loop")
		close(sp.stopChan)
	})
}

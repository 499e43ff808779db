package cache

import (
	"context"
	"time"
)

// Start launches the TTL sweeper and, if a Preloader was supplied, the
// background preloader loop.
func (c *Cache) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.sweepLoop(ctx)
	if c.preloader != nil {
		go c.preloadLoop(ctx)
	}
}

// Stop halts the background loops.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Cache) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpiredFiles()
		}
	}
}

// preloadLoop runs every PreloadInterval, fetching the top predicted
// not-yet-cached files through the supplied Preloader and recording the
// fetch as a Preload event so it doesn't skew the predictor the same way
// a genuine access would.
func (c *Cache) preloadLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PreloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runPreload()
		}
	}
}

func (c *Cache) runPreload() {
	for _, key := range c.topPredicted(c.cfg.PreloadTopN) {
		data, err := c.preloader.Preload(key)
		if err != nil {
			continue
		}
		c.recordAccess(key, EventPreload, 0, len(data))
		if c.PutFile(key, data, PriorityMedium) {
			c.statsMu.Lock()
			c.stats.Preloads++
			c.statsMu.Unlock()
		}
	}
}

package cache

import (
	"time"

	"github.com/meshvault/meshvault/pkg/constants"
)

// cacheable reports whether a file of the given size and access history is
// admitted to the file cache: it must fit under MaxCacheableBytes, and
// either be small-and-popular or have a high predicted future access score.
func (c *Cache) cacheable(size int, frequency int, predicted float64) bool {
	if int64(size) > c.cfg.MaxCacheableBytes {
		return false
	}
	smallAndPopular := size < constants.SmallFileThresholdBytes && frequency >= constants.SmallFileMinFrequency
	return smallAndPopular || predicted > constants.PredictedAccessAdmitThreshold
}

// GetFile returns a cached file by handle, recording the access for the
// pattern analyser and bumping its LRU/frequency bookkeeping on a hit.
func (c *Cache) GetFile(fileHandle string) ([]byte, bool) {
	c.mu.Lock()
	entry, ok := c.files[fileHandle]
	if ok {
		entry.AccessCount++
		entry.LastAccess = time.Now()
	}
	c.mu.Unlock()

	c.recordAccess(fileHandle, EventGet, 0, 0)
	c.bumpStat(ok)

	if !ok {
		return nil, false
	}
	return entry.Data, true
}

func (c *Cache) bumpStat(hit bool) {
	c.statsMu.Lock()
	if hit {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.statsMu.Unlock()
}

// PutFile admits data under fileHandle into the file cache if it passes the
// admission policy, evicting lower-scored entries to make room if the
// cache is at capacity. Returns whether it was admitted.
func (c *Cache) PutFile(fileHandle string, data []byte, priority Priority) bool {
	freq := c.frequency(fileHandle)
	predicted := c.predict(fileHandle)
	if !c.cacheable(len(data), freq, predicted) {
		return false
	}

	entry := &CachedFile{
		Data:        data,
		AccessCount: freq,
		LastAccess:  time.Now(),
		CachedAt:    time.Now(),
		Priority:    priority,
		TTL:         time.Duration(c.cfg.TTLHours) * time.Hour,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.files[fileHandle]; ok {
		c.fileBytes -= int64(len(existing.Data))
	}

	needed := int64(len(data))
	for c.fileBytes+needed > c.cfg.FileCacheSizeBytes && len(c.files) > 0 {
		victim := c.mostEvictableLocked(fileHandle)
		if victim == "" {
			break
		}
		c.evictLocked(victim)
	}

	c.files[fileHandle] = entry
	c.fileBytes += needed

	c.statsMu.Lock()
	c.stats.CachedBytes = c.fileBytes
	c.statsMu.Unlock()
	return true
}

// evictLocked removes key from the file cache; caller holds c.mu.
func (c *Cache) evictLocked(key string) {
	entry, ok := c.files[key]
	if !ok {
		return
	}
	c.fileBytes -= int64(len(entry.Data))
	delete(c.files, key)

	c.statsMu.Lock()
	c.stats.Evictions++
	c.stats.CachedBytes = c.fileBytes
	c.statsMu.Unlock()
}

// mostEvictableLocked returns the cached file key with the highest
// eviction score (staleness/low-frequency/low-priority dominate),
// excluding skip (the key about to be admitted, if already cached).
// Caller holds c.mu.
func (c *Cache) mostEvictableLocked(skip string) string {
	var worstKey string
	var worstScore float64
	first := true
	for key, entry := range c.files {
		if key == skip {
			continue
		}
		score := c.evictionScore(entry)
		if first || score > worstScore {
			worstScore = score
			worstKey = key
			first = false
		}
	}
	return worstKey
}

// evictionScore computes the weighted eviction score for entry: the four
// weighted badness factors (staleness, infrequency, cache age, size) sum
// to 1, plus priority's own additive coefficient — higher score is more
// evictable, so the highest-scored entry is evicted first.
func (c *Cache) evictionScore(entry *CachedFile) float64 {
	lruFactor := time.Since(entry.LastAccess).Hours() / 24.0
	freqFactor := 1.0 / float64(entry.AccessCount+1)
	recencyFactor := time.Since(entry.CachedAt).Hours() / 24.0

	maxSize := float64(c.cfg.MaxCacheableBytes)
	sizeFactor := 0.0
	if maxSize > 0 {
		sizeFactor = float64(len(entry.Data)) / maxSize
	}

	score := constants.EvictionWeightLRU*lruFactor +
		constants.EvictionWeightFrequency*freqFactor +
		constants.EvictionWeightRecency*recencyFactor +
		constants.EvictionWeightSize*sizeFactor

	score += constants.EvictionPriorityCoefficient * entry.Priority.coefficient()
	return score
}

// sweepExpiredFiles removes file cache entries past their TTL.
func (c *Cache) sweepExpiredFiles() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.files {
		if now.Sub(entry.CachedAt) > entry.TTL {
			c.evictLocked(key)
		}
	}
}

package cache

// GetChunk returns a cached shard by key.
func (c *Cache) GetChunk(chunkKey string) ([]byte, bool) {
	c.mu.Lock()
	data, ok := c.chunks.Get(chunkKey)
	c.mu.Unlock()
	c.bumpStat(ok)
	return data, ok
}

// PutChunk admits a shard into the chunk cache, evicting the oldest
// entries to stay under the configured byte budget.
func (c *Cache) PutChunk(chunkKey string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chunks.Add(chunkKey, data)

	for c.chunkBytesLocked() > c.cfg.ChunkCacheSizeBytes && c.chunks.Len() > 1 {
		if _, _, ok := c.chunks.RemoveOldest(); ok {
			c.statsMu.Lock()
			c.stats.Evictions++
			c.statsMu.Unlock()
		} else {
			break
		}
	}
}

func (c *Cache) chunkBytesLocked() int64 {
	var total int64
	for _, key := range c.chunks.Keys() {
		if v, ok := c.chunks.Peek(key); ok {
			total += int64(len(v))
		}
	}
	return total
}

package cache

import (
	"sort"
	"time"

	"github.com/meshvault/meshvault/pkg/constants"
)

// recordAccess appends an access event to the bounded ring buffer driving
// the predictor; buffer size is fixed at constants.AccessHistorySize.
func (c *Cache) recordAccess(key string, kind EventType, responseTime time.Duration, size int) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()

	c.history = append(c.history, accessEvent{key: key, kind: kind, at: time.Now(), responseTime: responseTime, size: size})
	if len(c.history) > constants.AccessHistorySize {
		c.history = c.history[len(c.history)-constants.AccessHistorySize:]
	}
}

// frequency returns the number of recorded events (preload events
// included) for key in the current history window.
func (c *Cache) frequency(key string) int {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()

	count := 0
	for _, e := range c.history {
		if e.key == key {
			count++
		}
	}
	return count
}

// predict returns a 0..1 likelihood that key will be accessed again soon,
// as a weighted mix of LRU recency rank, popularity, and normalised
// frequency across the history window. Preload events are left out, so
// background fetches do not raise their own keys' scores.
func (c *Cache) predict(key string) float64 {
	c.historyMu.Lock()
	lastAccess := make(map[string]time.Time)
	counts := make(map[string]int)
	total := 0
	for _, e := range c.history {
		if e.kind == EventPreload {
			continue
		}
		total++
		counts[e.key]++
		if e.at.After(lastAccess[e.key]) {
			lastAccess[e.key] = e.at
		}
	}
	c.historyMu.Unlock()

	if total == 0 {
		return 0
	}

	recencyRank := recencyRankScore(lastAccess, key)
	popularity := popularityScore(counts, key)
	freqScore := float64(counts[key]) / float64(total)

	return constants.PredictWeightRecency*recencyRank +
		constants.PredictWeightPopularity*popularity +
		constants.PredictWeightFrequency*freqScore
}

// recencyRankScore ranks key's last access among all known keys, most
// recent first, and returns 1 - (rank/n): the most recently touched key
// scores closest to 1.
func recencyRankScore(lastAccess map[string]time.Time, key string) float64 {
	if _, ok := lastAccess[key]; !ok {
		return 0
	}
	keys := make([]string, 0, len(lastAccess))
	for k := range lastAccess {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lastAccess[keys[i]].After(lastAccess[keys[j]]) })

	for i, k := range keys {
		if k == key {
			return 1 - float64(i)/float64(len(keys))
		}
	}
	return 0
}

// popularityScore is the access count for key normalised against the most
// popular key in the window.
func popularityScore(counts map[string]int, key string) float64 {
	max := 0
	for _, n := range counts {
		if n > max {
			max = n
		}
	}
	if max == 0 {
		return 0
	}
	return float64(counts[key]) / float64(max)
}

// topPredicted returns up to n keys with the highest predicted score that
// are not already present in the file cache, for the background preloader.
func (c *Cache) topPredicted(n int) []string {
	c.historyMu.Lock()
	seen := make(map[string]struct{})
	for _, e := range c.history {
		seen[e.key] = struct{}{}
	}
	c.historyMu.Unlock()

	type scored struct {
		key   string
		score float64
	}
	candidates := make([]scored, 0, len(seen))
	c.mu.Lock()
	for key := range seen {
		if _, cached := c.files[key]; cached {
			continue
		}
		candidates = append(candidates, scored{key: key, score: c.predict(key)})
	}
	c.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	out := make([]string, len(candidates))
	for i, s := range candidates {
		out[i] = s.key
	}
	return out
}

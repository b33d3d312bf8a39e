package cc

import (
	"bytes"
	"sort"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/wanjochan/cosmorun-cc/digest"
	"github.com/wanjochan/cosmorun-cc/index"
)

func humanizeBytes(n uint64) string {
	return humanize.Bytes(n)
}

// deleteBlobs removes every listed digest's blob, fanning the deletes out
// across goroutines with golang.org/x/sync/errgroup. Deletion is
// best-effort: a failure to delete one blob does not stop the others, and
// is only logged, never returned, since eviction accounting has already
// committed to removing the corresponding index entries.
func (c *Cache) deleteBlobs(digests []digest.Digest) uint64 {
	var freed uint64
	var eg errgroup.Group
	sizes := make(map[digest.Digest]uint64, len(digests))
	for _, d := range digests {
		if e, ok := c.idx.Find(d); ok {
			sizes[d] = e.CodeSize
		}
	}

	for _, d := range digests {
		d := d
		eg.Go(func() error {
			if err := c.store.Delete(d); err != nil {
				c.log().Warn("cc: failed to delete blob during sweep", "digest", d.String(), "error", err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	for _, size := range sizes {
		freed += size
	}
	return freed
}

// rankLess implements the LRU-2 eviction ordering: ascending by
// penultimate_access (entries with access_count == 1 are treated as
// penultimate_access == 0), then ascending last_access, then ascending
// access_count, then lexicographic digest bytes as the final
// deterministic tie-break.
func rankLess(a, b index.Entry) bool {
	pa, pb := effectivePenultimate(a), effectivePenultimate(b)
	if pa != pb {
		return pa < pb
	}
	if a.LastAccess != b.LastAccess {
		return a.LastAccess < b.LastAccess
	}
	if a.AccessCount != b.AccessCount {
		return a.AccessCount < b.AccessCount
	}
	return bytes.Compare(a.Digest[:], b.Digest[:]) < 0
}

func effectivePenultimate(e index.Entry) int64 {
	if e.AccessCount <= 1 {
		return 0
	}
	return e.PenultimateAccess
}

// EvictLRU2 evicts up to n entries ranked oldest-first by the LRU-2
// policy and returns the number actually evicted.
func (c *Cache) EvictLRU2(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLRU2Locked(n)
}

func (c *Cache) evictLRU2Locked(n int) int {
	if n <= 0 {
		return 0
	}

	entries := c.idx.All()
	if len(entries) == 0 {
		return 0
	}
	sort.Slice(entries, func(i, j int) bool {
		return rankLess(entries[i], entries[j])
	})

	if n > len(entries) {
		n = len(entries)
	}
	victims := make([]digest.Digest, n)
	for i := 0; i < n; i++ {
		victims[i] = entries[i].Digest
	}

	return c.evictDigestsLocked(victims)
}

// EvictTimeout removes every entry whose last access is more than the
// configured timeout in the past, and returns the number evicted. It is
// a sweep, not a ranked eviction: every stale entry found is removed in
// one pass.
func (c *Cache) EvictTimeout() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictTimeoutLocked()
}

func (c *Cache) evictTimeoutLocked() int {
	if c.cfg.TimeoutSeconds <= 0 {
		return 0
	}

	now := c.nowUnix()
	entries := c.idx.All()
	var victims []digest.Digest
	for _, e := range entries {
		if now-e.LastAccess > c.cfg.TimeoutSeconds {
			victims = append(victims, e.Digest)
		}
	}
	if len(victims) == 0 {
		return 0
	}
	return c.evictDigestsLocked(victims)
}

// evictDigestsLocked removes the given digests' blobs and index entries,
// updates eviction accounting, and persists the index. Must be called
// with c.mu held.
func (c *Cache) evictDigestsLocked(victims []digest.Digest) int {
	if len(victims) == 0 {
		return 0
	}

	freed := c.deleteBlobs(victims)
	c.idx.RemoveMany(victims)
	if err := c.idx.Save(); err != nil {
		c.log().Warn("cc: index save failed during eviction", "error", err)
	}

	c.stats.Evictions += uint64(len(victims)) //nolint:gosec // len() is never negative
	c.recomputeAccounting()

	c.log().Debug("cc: evicted entries", "count", len(victims), "bytes_freed", humanizeBytes(freed))
	return len(victims)
}

// runEvictionTriggers applies the configured eviction policy after a
// successful Store: an entry-count sweep, a repeating size sweep, and an
// age sweep, each only when its cap is configured and currently
// exceeded. Must be called with c.mu held.
func (c *Cache) runEvictionTriggers() {
	if c.cfg.MaxEntries > 0 && c.stats.TotalEntries > c.cfg.MaxEntries {
		batch := c.cfg.MaxEntries / 10
		if batch < 1 {
			batch = 1
		}
		c.evictLRU2Locked(batch)
	}

	if c.cfg.MaxSizeBytes > 0 {
		batch := c.cfg.MaxEntries / 10
		if batch < 1 {
			batch = 1
		}
		for c.stats.TotalSize > c.cfg.MaxSizeBytes {
			evicted := c.evictLRU2Locked(batch)
			if evicted == 0 {
				break
			}
		}
	}

	if c.cfg.TimeoutSeconds > 0 {
		c.evictTimeoutLocked()
	}
}

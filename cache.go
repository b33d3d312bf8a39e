// Package cc implements an incremental compilation cache: a
// content-addressed store mapping source-code bytes to previously
// compiled object-code bytes, fronted by a bounded-capacity eviction
// policy and internally-consistent statistics.
//
// Package cc is the facade that orchestrates three lower layers, each of
// which can also be used independently:
// github.com/wanjochan/cosmorun-cc/digest (content hashing),
// github.com/wanjochan/cosmorun-cc/objectstore (blob storage), and
// github.com/wanjochan/cosmorun-cc/index (persisted metadata).
//
// A caller that ignores every return value still gets correct compiled
// output, merely without the speedup: every failure mode here degrades to
// "treat as a miss" or "proceed uncached," never to incorrect output.
package cc

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wanjochan/cosmorun-cc/digest"
	"github.com/wanjochan/cosmorun-cc/index"
	"github.com/wanjochan/cosmorun-cc/objectstore"
)

// DefaultDirName is the default cache directory name, relative to the
// working directory, used by callers that don't pick an explicit root.
const DefaultDirName = ".cosmorun_cache"

const indexFileName = "index.db"

// Cache is the public entry point. A Cache is not safe for concurrent use
// from multiple in-process goroutines unless protected externally, *or*
// used as constructed here: every exported method takes an internal
// mutex guarding the index and statistics, per the Design Notes.
// Multiple processes may share one cache root: blob writes are atomic
// renames, but each process rewrites the whole index file from its own
// in-memory view, so concurrent index updates from different processes
// can overwrite one another.
type Cache struct {
	mu sync.Mutex

	root      string
	indexPath string

	cfg         Config
	initialized bool

	idx   *index.Index
	store *objectstore.Store
	stats Stats

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(c *Cache) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger used for diagnostic messages (eviction
// sweeps, index resets). If unset, logging is disabled, matching the
// nil-safe logger accessor pattern used throughout this module's
// dependencies.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// withClock overrides the time source. Exported only within the package:
// it exists so eviction and touch semantics can be tested without
// sleeping real wall-clock seconds.
func withClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New constructs a Cache rooted at dir without touching the filesystem.
// Call Init before using it.
func New(dir string, opts ...Option) *Cache {
	c := &Cache{
		root:      dir,
		indexPath: filepath.Join(dir, indexFileName),
		cfg:       DefaultConfig(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func (c *Cache) nowUnix() int64 {
	return c.now().Unix()
}

// Init creates the cache directories, loads (or resets) the index, and
// zeroes statistics. It fails only if the directories cannot be created;
// a corrupt index file is handled internally by discarding it, and is
// not a failure of Init.
func (c *Cache) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.root, 0o700); err != nil {
		return fmt.Errorf("cc: %w: create cache root: %v", ErrIOFailure, err)
	}

	store, err := objectstore.New(c.root, objectstore.WithLogger(c.logger))
	if err != nil {
		return fmt.Errorf("cc: %w: create object store: %v", ErrIOFailure, err)
	}
	c.store = store

	idx, err := index.Load(c.indexPath)
	if err != nil {
		c.log().Warn("cc: index corrupt, resetting to empty", "path", c.indexPath, "error", err)
		// No attempt is made to salvage entries: discard the corrupt
		// file and start empty. Removing it here means the next
		// successful Save produces a well-formed file.
		_ = os.Remove(c.indexPath)
		idx, err = index.Load(c.indexPath)
		if err != nil {
			return fmt.Errorf("cc: %w: reset corrupt index: %v", ErrIOFailure, err)
		}
	}
	c.idx = idx

	c.cfg.Enabled = true
	c.stats = Stats{}
	c.recomputeAccounting()
	c.initialized = true
	return nil
}

// Close marks the cache uninitialized. It does not touch on-disk state;
// a subsequent Init against the same root picks up where the filesystem
// left off.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
}

// Lookup returns the compiled code previously stored for source, or
// (nil, false) on a miss. A miss is returned — never an error — if the
// cache is disabled, uninitialized, or any I/O fails: an I/O failure
// during Lookup degrades to a miss rather than propagating.
func (c *Cache) Lookup(source []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized || !c.cfg.Enabled {
		c.stats.Misses++
		return nil, false
	}

	d := digest.Hash(source)
	entry, ok := c.idx.Find(d)
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	code, err := c.store.Get(d)
	if err != nil {
		// Stale index entry pointing at a missing blob: leave the entry
		// in place and let a future eviction sweep's tolerated
		// failed-delete clean it up.
		c.stats.Misses++
		return nil, false
	}

	c.idx.Touch(d, c.nowUnix())
	if err := c.idx.Save(); err != nil {
		c.log().Warn("cc: index save failed after touch", "error", err)
	}

	c.stats.Hits++
	return code, true
}

// Store writes code for source into the cache. It fails if the cache is
// disabled or uninitialized (a soft failure: callers should proceed
// uncached) or if a filesystem error occurs while writing the blob. A
// failed write never leaves an index entry pointing at a missing blob:
// on any error after the blob write is attempted, Store rolls back the
// partial blob before returning.
func (c *Cache) Store(source, code []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized || !c.cfg.Enabled {
		return ErrDisabled
	}

	d := digest.Hash(source)
	existing, found := c.idx.Find(d)
	isNew := !found

	if err := c.store.Put(d, code); err != nil {
		return fmt.Errorf("cc: %w: store blob: %v", ErrIOFailure, err)
	}

	entry := existing
	entry.Digest = d
	entry.ObjectPath = c.store.Path(d)
	entry.CodeSize = uint64(len(code)) //nolint:gosec // len() is never negative
	if isNew {
		entry.LastAccess = c.nowUnix()
		entry.AccessCount = 1
	}
	c.idx.Upsert(entry)

	if err := c.idx.Save(); err != nil {
		// Roll back: an index that failed to persist must not be allowed
		// to leave a dangling blob claim that outlives this process's
		// in-memory view, so undo the upsert and the blob together.
		c.idx.RemoveMany([]digest.Digest{d})
		_ = c.store.Delete(d)
		return fmt.Errorf("cc: %w: save index: %v", ErrIOFailure, err)
	}

	c.stats.Stores++
	if isNew {
		c.stats.TotalEntries++
	}
	c.recomputeAccounting()

	c.runEvictionTriggers()

	return nil
}

// Clear deletes every object blob and resets entry/size counters to
// zero. It fails only if the cache has not been initialized.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return ErrDisabled
	}

	// The index, not the blob directory, is authoritative for what counts
	// as an entry: a stale entry whose blob already went missing (the
	// tolerated state left behind by a failed Lookup read) must still be
	// removed here, or it would survive Clear and be re-persisted on the
	// next Save while TotalEntries reads zero.
	entries := c.idx.All()
	keys := make([]digest.Digest, len(entries))
	for i, e := range entries {
		keys[i] = e.Digest
	}

	blobs, err := c.store.ListAll()
	if err != nil {
		return fmt.Errorf("cc: %w: list objects: %v", ErrIOFailure, err)
	}
	freed := c.deleteBlobs(blobs)

	c.idx.RemoveMany(keys)
	if err := c.idx.Save(); err != nil {
		c.log().Warn("cc: index save failed during clear", "error", err)
	}

	c.stats.Invalidations += uint64(len(keys)) //nolint:gosec // len() is never negative
	c.recomputeAccounting()

	c.log().Info("cc: cache cleared", "entries_removed", len(keys), "bytes_freed", humanizeBytes(freed))
	return nil
}

// Stats returns a snapshot of the current counters. Its HitRate method
// computes the hit rate from the snapshot's own counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// SetEnabled turns the cache on or off.
func (c *Cache) SetEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrDisabled
	}
	c.cfg.Enabled = enabled
	return nil
}

// SetMaxEntries sets the entry-count cap. Zero means unlimited.
func (c *Cache) SetMaxEntries(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrDisabled
	}
	c.cfg.MaxEntries = n
	return nil
}

// SetMaxSizeBytes sets the total-size cap. Zero means unlimited.
func (c *Cache) SetMaxSizeBytes(n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrDisabled
	}
	c.cfg.MaxSizeBytes = n
	return nil
}

// SetTimeoutSeconds sets the age-eviction window. Zero disables it.
func (c *Cache) SetTimeoutSeconds(n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrDisabled
	}
	c.cfg.TimeoutSeconds = n
	return nil
}

// recomputeAccounting restores TotalEntries/TotalSize to track the
// index's own contents exactly, rather than trusting incremental
// bookkeeping to never drift.
func (c *Cache) recomputeAccounting() {
	entries := c.idx.All()
	var total uint64
	for _, e := range entries {
		next := total + e.CodeSize
		invariant(next >= total, "total_size overflowed during accounting")
		total = next
	}
	c.stats.TotalEntries = len(entries)
	c.stats.TotalSize = total
}

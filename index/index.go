// Package index maintains the searchable metadata table that backs the
// compilation cache's eviction and accounting logic, and persists it as a
// packed sequence of fixed-width binary records.
//
// The "always rewrite" persistence discipline and the in-memory
// map-by-key mirror follow a load-once, O(1)-lookup design over a fixed
// binary record format rather than a general-purpose serialization
// library.
package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wanjochan/cosmorun-cc/digest"
)

// Index is an in-memory mirror of the on-disk index file, keyed by
// digest. All mutating methods go through this single choke-point so the
// mirror and the file never drift within a process.
type Index struct {
	path    string
	entries map[digest.Digest]*Entry
}

// Load reads path and builds an Index. A missing file is treated as an
// empty index (not an error). A file whose length is not an exact
// multiple of RecordSize is rejected as ErrCorrupt; callers are expected
// to respond by discarding it and starting empty.
func Load(path string) (*Index, error) {
	idx := &Index{
		path:    path,
		entries: make(map[digest.Digest]*Entry),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is cache-internal, not user input
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return idx, nil
		}
		return nil, fmt.Errorf("index: read %s: %w", path, err)
	}

	if len(data)%RecordSize != 0 {
		return nil, ErrCorrupt
	}

	for off := 0; off < len(data); off += RecordSize {
		e, err := decode(data[off : off+RecordSize])
		if err != nil {
			return nil, err
		}
		entry := e
		idx.entries[entry.Digest] = &entry
	}

	return idx, nil
}

// Len returns the number of entries currently held.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Find looks up the entry for digest d.
func (idx *Index) Find(d digest.Digest) (Entry, bool) {
	e, ok := idx.entries[d]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Upsert inserts a new entry or replaces an existing entry with the same
// digest. It does not persist; call Save to write the change to disk.
func (idx *Index) Upsert(e Entry) {
	entry := e
	idx.entries[e.Digest] = &entry
}

// Touch applies the access-time update rule to an existing entry:
// penultimate_access <- last_access, last_access <- now,
// access_count <- access_count + 1. It is a no-op if the digest is
// unknown. Per the Design Notes, clocks moving backward must not corrupt
// ordering: if now is before the current last_access, last_access is left
// unchanged (the access count still increments, since a touch did occur).
func (idx *Index) Touch(d digest.Digest, now int64) {
	e, ok := idx.entries[d]
	if !ok {
		return
	}
	if now >= e.LastAccess {
		e.PenultimateAccess = e.LastAccess
		e.LastAccess = now
	}
	e.AccessCount++
}

// RemoveMany drops every listed digest from the in-memory mirror. It does
// not persist; call Save to write the change to disk.
func (idx *Index) RemoveMany(digests []digest.Digest) {
	for _, d := range digests {
		delete(idx.entries, d)
	}
}

// All returns a snapshot slice of every entry, suitable for ranking
// during eviction. The slice is a copy; mutating it does not affect the
// index.
func (idx *Index) All() []Entry {
	out := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, *e)
	}
	return out
}

// Save atomically rewrites the entire index file from the current
// in-memory contents: either the new contents become fully visible, or
// the previous file is left untouched. Grounded on the same
// temp-then-rename discipline used for object blobs.
func (idx *Index) Save() error {
	dir := filepath.Dir(idx.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("index: create dir: %w", err)
	}

	buf := make([]byte, 0, len(idx.entries)*RecordSize)
	rec := make([]byte, RecordSize)
	for _, e := range idx.entries {
		if err := e.encode(rec); err != nil {
			return err
		}
		buf = append(buf, rec...)
	}

	tmp, err := os.CreateTemp(dir, ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("index: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("index: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("index: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("index: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, idx.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("index: rename: %w", err)
	}
	return nil
}

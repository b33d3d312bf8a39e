// Package objectstore persists compiled-code blobs on the local filesystem,
// keyed by content digest. It is the leaf storage layer under the cache
// facade: one file per digest, atomic writes, best-effort deletes.
//
// Writes go to a sibling temp file in the same directory, then rename
// into place, so a concurrent reader either sees no file or a
// fully-written one.
package objectstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/wanjochan/cosmorun-cc/digest"
)

const (
	objectsDirName = "objects"
	objectSuffix   = ".o"
	dirPerm        = 0o700
	filePerm       = 0o600

	// numStripes is the number of internal locks used to serialize writes
	// to the same digest while letting writes to distinct digests proceed
	// concurrently. Sized the way compactindexsized.BucketHash picks a
	// bucket count in the rpcpool/yellowstone-faithful example: a small
	// fixed power of two, selected by a fast non-cryptographic hash of the
	// key rather than the key itself.
	numStripes = 64
)

// ErrNotFound is returned by Get when no blob exists for the digest.
var ErrNotFound = errors.New("objectstore: not found")

// Store is a content-addressed blob store rooted at a directory.
//
// Store holds no long-lived file descriptors; every operation opens and
// closes its own files. It is safe for concurrent use from multiple
// goroutines and multiple processes sharing the same root.
type Store struct {
	root    string
	objects string
	locks   [numStripes]sync.Mutex
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for best-effort diagnostic messages.
// If unset, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store rooted at dir, creating the objects directory on
// demand.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("objectstore: root dir is empty")
	}
	s := &Store{
		root:    dir,
		objects: filepath.Join(dir, objectsDirName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.objects, dirPerm); err != nil {
		return nil, fmt.Errorf("objectstore: create objects dir: %w", err)
	}
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Path returns the path at which a digest's blob would live, whether or
// not it currently exists. This is the value stored in an index entry's
// ObjectPath field.
func (s *Store) Path(d digest.Digest) string {
	return filepath.Join(s.objects, d.String()+objectSuffix)
}

func (s *Store) stripe(d digest.Digest) *sync.Mutex {
	h := xxhash.Sum64(d[:])
	return &s.locks[h%numStripes]
}

// Put writes bytes for digest d, replacing any blob already stored at d's
// path.
//
// Put is atomic with respect to concurrent Get calls within this process
// and across processes sharing the root: it writes to a temp file beside
// the target and renames into place. On any failure the partial temp file
// is removed.
func (s *Store) Put(d digest.Digest, data []byte) error {
	lock := s.stripe(d)
	lock.Lock()
	defer lock.Unlock()

	path := s.Path(d)

	tmp, err := os.CreateTemp(s.objects, "obj-*.tmp")
	if err != nil {
		return fmt.Errorf("objectstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := tmp.Write(data)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: write: %w", err)
	}
	if n != len(data) {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: short write (%d of %d bytes)", n, len(data))
	}
	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			// Another writer won the race with identical content.
			os.Remove(tmpPath)
			return nil
		}
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: rename: %w", err)
	}
	return nil
}

// Get reads the full blob for digest d. It returns ErrNotFound if the blob
// is absent or unreadable; callers treat any Get failure as a cache miss,
// never as a fatal error.
func (s *Store) Get(d digest.Digest) ([]byte, error) {
	path := s.Path(d)
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a digest, not user input
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, ErrNotFound
	}
	return data, nil
}

// Delete removes the blob for digest d. It succeeds if the file is absent
// after the call: callers treat deletion as best-effort.
func (s *Store) Delete(d digest.Digest) error {
	lock := s.stripe(d)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.Path(d)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log().Warn("objectstore: delete failed", "digest", d.String(), "error", err)
		return fmt.Errorf("objectstore: delete: %w", err)
	}
	return nil
}

// ListAll returns every digest currently present in the store, derived
// from object filenames. Used by Clear.
func (s *Store) ListAll() ([]digest.Digest, error) {
	entries, err := os.ReadDir(s.objects)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("objectstore: list: %w", err)
	}

	out := make([]digest.Digest, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != objectSuffix {
			continue
		}
		hexPart := name[:len(name)-len(objectSuffix)]
		d, err := digestFromHex(hexPart)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func digestFromHex(s string) (digest.Digest, error) {
	var d digest.Digest
	if len(s) != digest.Size*2 {
		return d, errors.New("objectstore: malformed object filename")
	}
	for i := 0; i < digest.Size; i++ {
		hi, ok1 := hexNibble(s[i*2])
		lo, ok2 := hexNibble(s[i*2+1])
		if !ok1 || !ok2 {
			return d, errors.New("objectstore: malformed object filename")
		}
		d[i] = hi<<4 | lo
	}
	return d, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}

// Reader opens the blob for digest d as a streaming fs.File rather than
// reading it fully into memory, for callers that want to avoid buffering
// large artifacts.
func (s *Store) Reader(d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(d)) //nolint:gosec // path is derived from a digest, not user input
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, ErrNotFound
	}
	return f, nil
}

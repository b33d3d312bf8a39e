package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wanjochan/cosmorun-cc/digest"
)

// RecordSize is the fixed on-disk width of one Index Entry record:
// digest(16) + last_access(8) + penultimate_access(8) + access_count(4) +
// object_path(256) + code_size(8).
const RecordSize = digest.Size + 8 + 8 + 4 + objectPathWidth + 8

const objectPathWidth = 256

// ErrCorrupt indicates the on-disk index file is malformed: its length is
// not an exact multiple of RecordSize, or a record contains an
// unterminated object path. A corrupt index is reset to empty rather
// than partially salvaged.
var ErrCorrupt = errors.New("index: corrupt index file")

// Entry is the in-memory and on-disk representation of one cached
// artifact's metadata.
type Entry struct {
	Digest            digest.Digest
	LastAccess        int64
	PenultimateAccess int64
	AccessCount       int32
	ObjectPath        string
	CodeSize          uint64
}

// encode writes e's fixed-width binary record into buf, which must be at
// least RecordSize bytes.
func (e Entry) encode(buf []byte) error {
	if len(e.ObjectPath) >= objectPathWidth {
		return fmt.Errorf("index: object path too long (%d >= %d)", len(e.ObjectPath), objectPathWidth)
	}

	off := 0
	copy(buf[off:off+digest.Size], e.Digest[:])
	off += digest.Size

	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(e.LastAccess)) //nolint:gosec // round-trips via int64 on decode
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(e.PenultimateAccess)) //nolint:gosec // round-trips via int64 on decode
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(e.AccessCount)) //nolint:gosec // round-trips via int32 on decode
	off += 4

	pathField := buf[off : off+objectPathWidth]
	for i := range pathField {
		pathField[i] = 0
	}
	copy(pathField, e.ObjectPath)
	off += objectPathWidth

	binary.LittleEndian.PutUint64(buf[off:off+8], e.CodeSize)
	return nil
}

// decode parses one fixed-width record from buf, which must be exactly
// RecordSize bytes.
func decode(buf []byte) (Entry, error) {
	var e Entry
	if len(buf) != RecordSize {
		return e, ErrCorrupt
	}

	off := 0
	copy(e.Digest[:], buf[off:off+digest.Size])
	off += digest.Size

	e.LastAccess = int64(binary.LittleEndian.Uint64(buf[off : off+8])) //nolint:gosec // stored via encode as int64
	off += 8
	e.PenultimateAccess = int64(binary.LittleEndian.Uint64(buf[off : off+8])) //nolint:gosec // stored via encode as int64
	off += 8
	e.AccessCount = int32(binary.LittleEndian.Uint32(buf[off : off+4])) //nolint:gosec // stored via encode as int32
	off += 4

	pathField := buf[off : off+objectPathWidth]
	nul := bytes.IndexByte(pathField, 0)
	if nul < 0 {
		return Entry{}, ErrCorrupt
	}
	for _, b := range pathField[nul:] {
		if b != 0 {
			return Entry{}, ErrCorrupt
		}
	}
	e.ObjectPath = string(pathField[:nul])
	off += objectPathWidth

	e.CodeSize = binary.LittleEndian.Uint64(buf[off : off+8])

	return e, nil
}

// Package digest computes the content-addressing key used throughout the
// compilation cache: a deterministic, non-cryptographic 128-bit fingerprint
// of an arbitrary byte sequence.
//
// The construction runs xxHash32 four times over the same input with four
// distinct seeds and packs the four 32-bit outputs, in seed order, into a
// fixed 16-byte digest. No third-party package in the retrieved examples
// implements xxHash32 itself (github.com/cespare/xxhash/v2, used elsewhere
// in this module, is xxHash64 and produces different numeric output for
// the same input), so the algorithm is implemented directly here rather
// than adapted from a library.
package digest

import "encoding/hex"

// Size is the fixed byte length of a Digest.
const Size = 16

// Digest is a 128-bit content fingerprint. It is a value type: once
// computed it is never mutated.
type Digest [Size]byte

// String renders the digest as 32 lowercase hex characters.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// seeds are the four fixed xxHash32 seeds used to build a Digest. They
// must never change within a release: changing them invalidates every
// existing cache directory, since object paths are derived from digests
// computed with them.
var seeds = [4]uint32{0x9E3779B1, 0x85EBCA77, 0xC2B2AE3D, 0x27D4EB2F}

// Hash computes the content digest of data. It never fails, allocates only
// the returned value, and performs no I/O. Hashing the empty slice is
// well-defined and yields a fixed non-zero digest.
func Hash(data []byte) Digest {
	var d Digest
	for i, seed := range seeds {
		h := xxhash32(data, seed)
		d[i*4+0] = byte(h >> 24)
		d[i*4+1] = byte(h >> 16)
		d[i*4+2] = byte(h >> 8)
		d[i*4+3] = byte(h)
	}
	return d
}

const (
	prime1 uint32 = 2654435761
	prime2 uint32 = 2246822519
	prime3 uint32 = 3266489917
	prime4 uint32 = 668265263
	prime5 uint32 = 374761393
)

func rotl32(x uint32, r uint) uint32 {
	return (x << r) | (x >> (32 - r))
}

// xxhash32 is a direct implementation of the xxHash32 algorithm
// (https://github.com/Cyan4973/xxHash), seeded and run once per digest
// slot.
func xxhash32(input []byte, seed uint32) uint32 {
	n := len(input)
	var h uint32

	if n >= 16 {
		v1 := seed + prime1 + prime2
		v2 := seed + prime2
		v3 := seed
		v4 := seed - prime1

		for len(input) >= 16 {
			v1 = rotl32(v1+le32(input[0:4])*prime2, 13) * prime1
			v2 = rotl32(v2+le32(input[4:8])*prime2, 13) * prime1
			v3 = rotl32(v3+le32(input[8:12])*prime2, 13) * prime1
			v4 = rotl32(v4+le32(input[12:16])*prime2, 13) * prime1
			input = input[16:]
		}

		h = rotl32(v1, 1) + rotl32(v2, 7) + rotl32(v3, 12) + rotl32(v4, 18)
	} else {
		h = seed + prime5
	}

	h += uint32(n) //nolint:gosec // n is bounded by slice length, never overflows uint32 in practice here

	for len(input) >= 4 {
		h += le32(input[0:4]) * prime3
		h = rotl32(h, 17) * prime4
		input = input[4:]
	}

	for len(input) > 0 {
		h += uint32(input[0]) * prime5
		h = rotl32(h, 11) * prime1
		input = input[1:]
	}

	h ^= h >> 15
	h *= prime2
	h ^= h >> 13
	h *= prime3
	h ^= h >> 16

	return h
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

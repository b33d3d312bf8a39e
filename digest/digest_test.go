package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashDeterministic(t *testing.T) {
	t.Parallel()

	inputs := [][]byte{
		nil,
		[]byte(""),
		[]byte("int main(){return 0;}"),
		make([]byte, 1000),
	}

	for _, in := range inputs {
		first := Hash(in)
		for i := 0; i < 10_000; i++ {
			require.Equal(t, first, Hash(in), "hash must be stable across repeated invocations")
		}
	}
}

func TestHashLength(t *testing.T) {
	t.Parallel()

	d := Hash([]byte("hello"))
	assert.Len(t, d, Size)
}

func TestHashDistinctInputsDiffer(t *testing.T) {
	t.Parallel()

	a := Hash([]byte("a"))
	b := Hash([]byte("b"))
	assert.NotEqual(t, a, b)
}

func TestHashEmptyIsWellDefined(t *testing.T) {
	t.Parallel()

	a := Hash(nil)
	b := Hash([]byte(""))
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero(), "empty input must not collide with the zero digest")
}

func TestStringIsLowercaseHex(t *testing.T) {
	t.Parallel()

	d := Hash([]byte("x"))
	s := d.String()
	require.Len(t, s, Size*2)
	for _, r := range s {
		assert.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'), "unexpected character %q", r)
	}
}

func TestHashBoundaryLengths(t *testing.T) {
	t.Parallel()

	// Exercise the single-block branch (<16 bytes), the multi-block branch
	// (>=16 bytes), and the tail-byte loop for every remainder mod 4.
	for n := 0; n <= 20; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}
		d1 := Hash(data)
		d2 := Hash(data)
		assert.Equal(t, d1, d2, "length %d", n)
	}
}

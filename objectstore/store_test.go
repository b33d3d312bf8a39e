package objectstore

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanjochan/cosmorun-cc/digest"
)

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	content := []byte("int main(){return 0;}")
	d := digest.Hash(content)

	require.NoError(t, s.Put(d, content))

	got, err := s.Get(d)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.FileExists(t, filepath.Join(dir, objectsDirName, d.String()+objectSuffix))
}

func TestGetMissIsErrNotFound(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(digest.Hash([]byte("absent")))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPutSameDigestTwiceIsIdempotent(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	content := []byte("payload")
	d := digest.Hash(content)

	require.NoError(t, s.Put(d, content))
	require.NoError(t, s.Put(d, content))

	got, err := s.Get(d)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDeleteIsBestEffort(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	d := digest.Hash([]byte("x"))
	require.NoError(t, s.Delete(d), "deleting an absent blob must succeed")

	require.NoError(t, s.Put(d, []byte("x")))
	require.NoError(t, s.Delete(d))

	_, err = s.Get(d)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListAll(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	want := make(map[digest.Digest]bool)
	for _, c := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		d := digest.Hash(c)
		require.NoError(t, s.Put(d, c))
		want[d] = true
	}

	got, err := s.ListAll()
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for _, d := range got {
		assert.True(t, want[d], "unexpected digest %s in listing", d)
	}
}

func TestListAllIgnoresTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, objectsDirName, "obj-stray.tmp"), []byte("x"), 0o600))

	got, err := s.ListAll()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPutLeavesNoTempFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	d := digest.Hash([]byte("ok"))
	require.NoError(t, s.Put(d, []byte("ok")))

	entries, err := os.ReadDir(filepath.Join(dir, objectsDirName))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestConcurrentPutDistinctDigests(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		content := []byte{byte(i)}
		wg.Add(1)
		go func(c []byte) {
			defer wg.Done()
			d := digest.Hash(c)
			assert.NoError(t, s.Put(d, c))
		}(content)
	}
	wg.Wait()

	got, err := s.ListAll()
	require.NoError(t, err)
	assert.Len(t, got, 50)
}

func TestConcurrentPutSameDigest(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	content := []byte("shared content")
	d := digest.Hash(content)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Put(d, content))
		}()
	}
	wg.Wait()

	got, err := s.Get(d)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestReaderStreamsBlob(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	content := []byte("streamed content")
	d := digest.Hash(content)
	require.NoError(t, s.Put(d, content))

	r, err := s.Reader(d)
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, len(content))
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, content, buf[:n])
}

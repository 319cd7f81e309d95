package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTmp(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "tmp-upload")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestPut(t *testing.T) {
	state := t.TempDir()
	s, err := New(state)
	require.NoError(t, err)

	tmp := writeTmp(t, t.TempDir(), "hello media")
	sum, path, size, err := s.Put(context.Background(), tmp)
	require.NoError(t, err)

	want := sha256.Sum256([]byte("hello media"))
	assert.Equal(t, hex.EncodeToString(want[:]), sum)
	assert.Equal(t, int64(len("hello media")), size)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello media", string(b))

	// tmp file consumed
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
}

func TestPutDedupes(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	dir := t.TempDir()
	sum1, path1, _, err := s.Put(context.Background(), writeTmp(t, dir, "same bytes"))
	require.NoError(t, err)

	tmp2 := filepath.Join(dir, "second")
	require.NoError(t, os.WriteFile(tmp2, []byte("same bytes"), 0o644))
	sum2, path2, size2, err := s.Put(context.Background(), tmp2)
	require.NoError(t, err)

	assert.Equal(t, sum1, sum2)
	assert.Equal(t, path1, path2)
	assert.Equal(t, int64(len("same bytes")), size2)
	_, err = os.Stat(tmp2)
	assert.True(t, os.IsNotExist(err), "duplicate tmp file should be removed")
}

func TestPutCancelled(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, _, err = s.Put(ctx, writeTmp(t, t.TempDir(), "x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLinkOrCopy(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, blobPath, _, err := s.Put(context.Background(), writeTmp(t, t.TempDir(), "payload"))
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "nested", "copy.bin")
	require.NoError(t, LinkOrCopy(blobPath, dst))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))

	// overwriting an existing destination works
	require.NoError(t, LinkOrCopy(blobPath, dst))
}

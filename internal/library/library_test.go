package library

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func seedTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"beach.jpg":        "jpg",
		"clip.mp4":         "mp4",
		"notes.txt":        "txt",
		".hidden.jpg":      "hidden",
		"albums/cats.png":  "png",
		"albums/dogs.webm": "webm",
	}
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func newLib(t *testing.T) *Library {
	t.Helper()
	l, err := New(seedTree(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func names(ents []Entry) []string {
	out := make([]string, len(ents))
	for i, e := range ents {
		out[i] = e.Name
	}
	return out
}

func TestListAll(t *testing.T) {
	l := newLib(t)

	ents, err := l.List("", ListOptions{})
	require.NoError(t, err)
	// dirs first, then files by name; dotfiles skipped
	assert.Equal(t, []string{"albums", "beach.jpg", "clip.mp4", "notes.txt"}, names(ents))

	assert.True(t, ents[0].IsDir)
	assert.Equal(t, KindImage, ents[1].Kind)
	assert.Equal(t, "image/jpeg", ents[1].Mime)
	assert.Equal(t, KindVideo, ents[2].Kind)
	assert.Equal(t, KindOther, ents[3].Kind)
}

func TestListKindFilter(t *testing.T) {
	l := newLib(t)

	ents, err := l.List("", ListOptions{Kind: KindImage})
	require.NoError(t, err)
	// directories survive the filter so tabs can still navigate
	assert.Equal(t, []string{"albums", "beach.jpg"}, names(ents))

	ents, err = l.List("albums", ListOptions{Kind: KindVideo})
	require.NoError(t, err)
	assert.Equal(t, []string{"dogs.webm"}, names(ents))
}

func TestInvalidateAll(t *testing.T) {
	root := seedTree(t)
	l, err := New(root, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	ents, err := l.List("", ListOptions{})
	require.NoError(t, err)
	require.Len(t, ents, 4)

	// a write followed by InvalidateAll must be visible on the very next
	// listing, without waiting on a watcher event
	require.NoError(t, os.WriteFile(filepath.Join(root, "sunset.jpg"), []byte("jpg"), 0o644))
	l.InvalidateAll()

	ents, err = l.List("", ListOptions{})
	require.NoError(t, err)
	assert.Contains(t, names(ents), "sunset.jpg")
}

func TestWatcherDropsCache(t *testing.T) {
	root := seedTree(t)
	l, err := New(root, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	_, err = l.List("", ListOptions{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "sunset.jpg"), []byte("jpg"), 0o644))
	assert.Eventually(t, func() bool {
		ents, err := l.List("", ListOptions{})
		return err == nil && len(ents) == 5
	}, 3*time.Second, 10*time.Millisecond)
}

func TestListWithoutWatcherIsUncached(t *testing.T) {
	root := seedTree(t)
	// the shape New falls back to when fsnotify is unavailable
	l := &Library{root: root, log: zap.NewNop(), cache: map[string][]Entry{}, closed: make(chan struct{})}

	ents, err := l.List("", ListOptions{})
	require.NoError(t, err)
	require.Len(t, ents, 4)

	require.NoError(t, os.WriteFile(filepath.Join(root, "sunset.jpg"), []byte("jpg"), 0o644))
	ents, err = l.List("", ListOptions{})
	require.NoError(t, err)
	assert.Contains(t, names(ents), "sunset.jpg")
}

func TestListSortMtime(t *testing.T) {
	root := seedTree(t)
	l, err := New(root, nil)
	require.NoError(t, err)
	defer l.Close()

	// make notes.txt clearly the newest and beach.jpg clearly the oldest
	now := time.Now()
	newest := filepath.Join(root, "notes.txt")
	require.NoError(t, os.Chtimes(newest, now.Add(48*time.Hour), now.Add(48*time.Hour)))
	old := filepath.Join(root, "beach.jpg")
	require.NoError(t, os.Chtimes(old, now.Add(-48*time.Hour), now.Add(-48*time.Hour)))

	ents, err := l.List("", ListOptions{Sort: "mtime"})
	require.NoError(t, err)
	require.True(t, ents[0].IsDir, "dirs still first")
	files := names(ents[1:])
	assert.Equal(t, "notes.txt", files[0])
	assert.Equal(t, "beach.jpg", files[len(files)-1])
}

func TestListErrors(t *testing.T) {
	l := newLib(t)

	_, err := l.List("does/not/exist", ListOptions{})
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = l.List("beach.jpg", ListOptions{})
	assert.ErrorIs(t, err, ErrNotDir)
}

func TestSearch(t *testing.T) {
	l := newLib(t)

	res, err := l.Search("", "cats", "")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "albums/cats.png", res.Items[0].Path)
	assert.False(t, res.Truncated)

	// matches against the full relative path
	res, err = l.Search("", "albums/", "")
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)

	// kind filter drops the png
	res, err = l.Search("", "albums/", KindVideo)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "albums/dogs.webm", res.Items[0].Path)

	res, err = l.Search("", "   ", "")
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestKindForName(t *testing.T) {
	assert.Equal(t, KindImage, KindForName("IMG_0420.JPG"))
	assert.Equal(t, KindImage, KindForName("a.webp"))
	assert.Equal(t, KindVideo, KindForName("movie.MKV"))
	assert.Equal(t, KindOther, KindForName("readme.md"))
	assert.Equal(t, KindOther, KindForName("noext"))
}

func TestThumbSupported(t *testing.T) {
	assert.True(t, ThumbSupported("x.png"))
	assert.True(t, ThumbSupported("x.webp"))
	assert.False(t, ThumbSupported("x.bmp"), "no bmp decoder registered")
	assert.False(t, ThumbSupported("x.mp4"))
}

func TestContentTypeForName(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentTypeForName("a.jpg"))
	assert.Equal(t, "video/mp4", ContentTypeForName("a.mp4"))
	assert.Equal(t, "", ContentTypeForName("noext"))
}

package library

import (
	"errors"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"mediawall/internal/fsutil"
)

// Kind classifies a media file for the gallery tabs.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindOther Kind = "other"
)

// Entry is one row in a gallery listing.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"` // rel
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	Mime  string `json:"mime,omitempty"`
	Kind  Kind   `json:"kind,omitempty"`
}

// ListOptions filters and orders a listing.
type ListOptions struct {
	Kind Kind   // empty means all
	Sort string // "name" (default) or "mtime" (newest first)
}

// ErrNotDir is returned when a listing target is a plain file.
var ErrNotDir = errors.New("not a directory")

// Library enumerates the media root for the grid. Listings are cached per
// directory; any fsnotify event under a watched directory drops the whole
// cache, and callers that mutate the tree call InvalidateAll themselves so
// their next listing never races the watcher. Without a watcher nothing is
// cached at all.
type Library struct {
	root string
	log  *zap.Logger

	mu      sync.Mutex
	cache   map[string][]Entry // key: rel dir
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

func New(rootAbs string, log *zap.Logger) (*Library, error) {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Library{
		root:   rootAbs,
		log:    log,
		cache:  map[string][]Entry{},
		closed: make(chan struct{}),
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify unavailable, listings uncached", zap.Error(err))
		return l, nil
	}
	l.watcher = w
	if err := w.Add(rootAbs); err != nil {
		log.Warn("watch root failed", zap.Error(err))
	}
	go l.watchLoop()
	return l, nil
}

func (l *Library) Close() error {
	close(l.closed)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func (l *Library) watchLoop() {
	for {
		select {
		case <-l.closed:
			return
		case _, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.mu.Lock()
			l.cache = map[string][]Entry{}
			l.mu.Unlock()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// InvalidateAll drops every cached listing. Handlers that mutate the media
// tree (uploads, mkdir, rename, delete) call this after the change lands so
// the next listing reflects it without waiting for a watcher event.
func (l *Library) InvalidateAll() {
	l.mu.Lock()
	l.cache = map[string][]Entry{}
	l.mu.Unlock()
}

// List returns the entries of rel filtered and sorted per opt.
// Directories always sort first and are never filtered out by Kind, so the
// grid can navigate into albums from any tab.
func (l *Library) List(rel string, opt ListOptions) ([]Entry, error) {
	rel = fsutil.CleanRelPath(rel)
	raw, err := l.readDir(rel)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, e := range raw {
		if !e.IsDir && opt.Kind != "" && e.Kind != opt.Kind {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out, opt.Sort)
	return out, nil
}

func (l *Library) readDir(rel string) ([]Entry, error) {
	l.mu.Lock()
	if ents, ok := l.cache[rel]; ok {
		l.mu.Unlock()
		return ents, nil
	}
	l.mu.Unlock()

	abs, err := fsutil.JoinWithinRoot(l.root, rel)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, ErrNotDir
	}
	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	ents := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		e := Entry{
			Name:  name,
			Path:  joinRel(rel, name),
			IsDir: de.IsDir(),
			Size:  info.Size(),
			Mtime: info.ModTime().Unix(),
		}
		if !e.IsDir {
			e.Mime = ContentTypeForName(name)
			e.Kind = KindForName(name)
		}
		ents = append(ents, e)
	}

	if l.watcher != nil {
		l.mu.Lock()
		l.cache[rel] = ents
		l.mu.Unlock()
		// best effort; events from this dir will drop the cache
		_ = l.watcher.Add(abs)
	}
	return ents, nil
}

func sortEntries(ents []Entry, by string) {
	sort.SliceStable(ents, func(i, j int) bool {
		if ents[i].IsDir != ents[j].IsDir {
			return ents[i].IsDir
		}
		if by == "mtime" && ents[i].Mtime != ents[j].Mtime {
			return ents[i].Mtime > ents[j].Mtime
		}
		return strings.ToLower(ents[i].Name) < strings.ToLower(ents[j].Name)
	})
}

// SearchResult is a bounded recursive search under a base directory.
type SearchResult struct {
	Items     []Entry `json:"items"`
	Seen      int     `json:"seen"`
	Truncated bool    `json:"truncated"`
	Reason    string  `json:"reason,omitempty"` // "maxHits"|"maxFiles"
}

const (
	maxSearchHits  = 500
	maxSearchFiles = 200_000
)

// Search matches q case-insensitively against full relative paths, breadth
// first, visiting hidden (dot) directories last. Symlinked directories are
// not followed.
func (l *Library) Search(baseRel, q string, kind Kind) (*SearchResult, error) {
	baseRel = fsutil.CleanRelPath(baseRel)
	res := &SearchResult{Items: []Entry{}}
	q = strings.TrimSpace(q)
	if q == "" {
		return res, nil
	}
	baseAbs, err := fsutil.JoinWithinRoot(l.root, baseRel)
	if err != nil {
		return nil, err
	}
	qlow := strings.ToLower(q)

	type node struct {
		abs string
		rel string // slash-separated, "" for root
	}
	normalQ := []node{{abs: baseAbs, rel: baseRel}}
	hiddenQ := make([]node, 0, 16)

	isHidden := func(name string) bool { return strings.HasPrefix(name, ".") }

	for len(normalQ) > 0 || len(hiddenQ) > 0 {
		var n node
		if len(normalQ) > 0 {
			n, normalQ = normalQ[0], normalQ[1:]
		} else {
			n, hiddenQ = hiddenQ[0], hiddenQ[1:]
		}

		res.Seen++
		if res.Seen > maxSearchFiles {
			res.Truncated, res.Reason = true, "maxFiles"
			break
		}

		dirents, err := os.ReadDir(n.abs)
		if err != nil {
			continue
		}
		for _, de := range dirents {
			res.Seen++
			if res.Seen > maxSearchFiles {
				res.Truncated, res.Reason = true, "maxFiles"
				break
			}
			name := de.Name()
			rel := joinRel(n.rel, name)
			if strings.Contains(strings.ToLower(rel), qlow) && matchesKind(de, name, kind) {
				res.Items = append(res.Items, entryFor(rel, de))
				if len(res.Items) >= maxSearchHits {
					res.Truncated, res.Reason = true, "maxHits"
					break
				}
			}
			if de.IsDir() && (de.Type()&fs.ModeSymlink) == 0 {
				next := node{abs: filepath.Join(n.abs, name), rel: rel}
				if isHidden(name) {
					hiddenQ = append(hiddenQ, next)
				} else {
					normalQ = append(normalQ, next)
				}
			}
		}
		if res.Truncated {
			break
		}
	}
	return res, nil
}

func matchesKind(de fs.DirEntry, name string, kind Kind) bool {
	if kind == "" {
		return true
	}
	if de.IsDir() {
		return false
	}
	return KindForName(name) == kind
}

func entryFor(rel string, de fs.DirEntry) Entry {
	e := Entry{
		Name:  de.Name(),
		Path:  rel,
		IsDir: de.IsDir(),
	}
	if info, err := de.Info(); err == nil {
		e.Size = info.Size()
		e.Mtime = info.ModTime().Unix()
	}
	if !e.IsDir {
		e.Mime = ContentTypeForName(e.Name)
		e.Kind = KindForName(e.Name)
	}
	return e
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// KindForName classifies by extension.
func KindForName(name string) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp":
		return KindImage
	case ".mp4", ".webm", ".mkv", ".mov", ".avi", ".m4v":
		return KindVideo
	default:
		return KindOther
	}
}

// ThumbSupported reports whether a server thumbnail can be decoded for name.
// Videos render their own poster frame client side.
func ThumbSupported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	default:
		return false
	}
}

// ContentTypeForName maps an extension to a MIME type, with fallbacks for
// systems with sparse mime tables.
func ContentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	switch ext {
	// images
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	// video
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	// audio
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	// docs/text
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md", ".json", ".yaml", ".yml", ".toml", ".ini", ".cfg", ".conf":
		return "text/plain; charset=utf-8"
	// archives
	case ".zip":
		return "application/zip"
	case ".tar":
		return "application/x-tar"
	case ".gz":
		return "application/gzip"
	default:
		return ""
	}
}

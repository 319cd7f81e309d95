package httpserver

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"mediawall/internal/auth"
	"mediawall/internal/blob"
	"mediawall/internal/config"
	"mediawall/internal/fsutil"
	"mediawall/internal/library"
	"mediawall/internal/upload"
	"mediawall/internal/watermark"
)

type Options struct {
	Config config.Config
	Logger *zap.Logger
}

type Server struct {
	cfg     config.Config
	log     *zap.Logger
	lib     *library.Library
	blobs   *blob.Store
	uploads *upload.Manager
	metrics *metrics
	limiter *rate.Limiter // nil when throttling is disabled
	wmStyle watermark.Style
	thumbs  singleflight.Group

	webFS fs.FS
}

//go:embed web/index.html web/assets/*
var embeddedWeb embed.FS

func New(opts Options) (*Server, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	store, err := blob.New(opts.Config.StateDir)
	if err != nil {
		return nil, err
	}
	up, err := upload.New(opts.Config.Root, opts.Config.StateDir, store, opts.Config.UploadLimit())
	if err != nil {
		return nil, err
	}
	lib, err := library.New(opts.Config.Root, log.Named("library"))
	if err != nil {
		return nil, err
	}
	sub, err := fs.Sub(embeddedWeb, "web")
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     opts.Config,
		log:     log,
		lib:     lib,
		blobs:   store,
		uploads: up,
		metrics: newMetrics(),
		webFS:   sub,
	}
	if n := opts.Config.UploadRatePerSec; n > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(n), int(n))
	}
	s.wmStyle = s.loadWatermarkStyle()
	return s, nil
}

func (s *Server) Close() error {
	return s.lib.Close()
}

func (s *Server) loadWatermarkStyle() watermark.Style {
	wm := s.cfg.Watermark
	style := watermark.Style{
		Text:     wm.Text,
		Opacity:  wm.Opacity,
		AngleDeg: wm.AngleDeg,
		GapPx:    wm.GapPx,
	}
	if wm.Logo != "" {
		abs, err := fsutil.JoinWithinRoot(s.cfg.Root, wm.Logo)
		if err == nil {
			if f, err := os.Open(abs); err == nil {
				if img, _, err := image.Decode(f); err == nil {
					style.Logo = img
				} else {
					s.log.Warn("watermark logo decode failed", zap.String("logo", wm.Logo), zap.Error(err))
				}
				_ = f.Close()
			} else {
				s.log.Warn("watermark logo missing", zap.String("logo", wm.Logo), zap.Error(err))
			}
		}
	}
	return style
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health + metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.Handle("/metrics", s.metrics.handler())

	// Login helper for browsers (triggers BasicAuth prompt).
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if !auth.HasAuth(s.cfg) {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		if auth.UserFromContext(r.Context()) != "" {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		s.authChallenge(w)
	})

	// WebDAV mount of the gallery root.
	dav := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: webdav.Dir(s.cfg.Root),
		LockSystem: webdav.NewMemLS(),
	}
	mux.Handle("/dav/", s.instrument("dav", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean := s.davPathToClean(r.URL.Path)
		if ok, err := s.allowed(r, auth.PermView, clean); err != nil || !ok {
			s.denyOrChallenge(w, r)
			return
		}
		switch r.Method {
		case "GET", "HEAD", "OPTIONS", "PROPFIND":
			// view ok
		default:
			if ok, err := s.allowed(r, auth.PermUpload, clean); err != nil || !ok {
				s.denyOrChallenge(w, r)
				return
			}
		}
		dav.ServeHTTP(w, r)
	})))

	// static assets
	assets, _ := fs.Sub(s.webFS, "assets")
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(assets))))

	// UI index
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		b, err := fs.ReadFile(s.webFS, "index.html")
		if err != nil {
			http.Error(w, "missing ui", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})

	// media streaming with Range (and optional server-side watermark)
	mux.Handle("/media/", s.instrument("media", s.require(auth.PermView, http.HandlerFunc(s.handleMedia))))

	// thumbnails
	mux.Handle("/thumb", s.instrument("thumb", s.require(auth.PermView, http.HandlerFunc(s.handleThumb))))

	// api
	mux.Handle("/api/config", s.instrument("config", http.HandlerFunc(s.handleConfig)))
	mux.Handle("/api/list", s.instrument("list", s.require(auth.PermView, http.HandlerFunc(s.handleList))))
	mux.Handle("/api/search", s.instrument("search", s.require(auth.PermView, http.HandlerFunc(s.handleSearch))))
	mux.Handle("/api/mkdir", s.instrument("mkdir", http.HandlerFunc(s.handleMkdir)))
	mux.Handle("/api/rename", s.instrument("rename", http.HandlerFunc(s.handleRename)))
	mux.Handle("/api/delete", s.instrument("delete", http.HandlerFunc(s.handleDelete)))
	mux.Handle("/api/upload", s.instrument("upload", s.require(auth.PermUpload, http.HandlerFunc(s.handleMultipartUpload))))

	// resumable uploads
	mux.Handle("/api/uploads", s.instrument("uploads", s.require(auth.PermUpload, http.HandlerFunc(s.handleUploads))))
	mux.Handle("/api/uploads/", s.instrument("uploads", http.HandlerFunc(s.handleUploadID)))

	// zip - multi-select downloads via POST
	mux.Handle("/api/zip", s.instrument("zip", http.HandlerFunc(s.handleZip)))

	return auth.RequireAuth(s.cfg, mux)
}

func (s *Server) require(perm auth.Perm, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rel := fsutil.CleanRelPath(r.URL.Query().Get("path"))
		// Media streaming carries the path in the URL instead.
		if perm == auth.PermView && strings.HasPrefix(r.URL.Path, "/media/") {
			rel = fsutil.CleanRelPath(strings.TrimPrefix(r.URL.Path, "/media/"))
		}
		clean := "/" + rel
		ok, err := s.allowed(r, perm, clean)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if !ok {
			s.denyOrChallenge(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowed(r *http.Request, perm auth.Perm, cleanPath string) (bool, error) {
	user := auth.UserFromContext(r.Context())
	return auth.Allowed(s.cfg, user, cleanPath, perm)
}

func (s *Server) denyOrChallenge(w http.ResponseWriter, r *http.Request) {
	if auth.HasAuth(s.cfg) && s.cfg.AuthOptional && auth.UserFromContext(r.Context()) == "" {
		s.authChallenge(w)
		return
	}
	http.Error(w, "forbidden", http.StatusForbidden)
}

func (s *Server) authChallenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="mediawall"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func (s *Server) davPathToClean(urlPath string) string {
	// /dav/foo/bar -> /foo/bar
	p := strings.TrimPrefix(urlPath, "/dav")
	if p == "" {
		p = "/"
	}
	p = path.Clean(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// --- handlers ---

// handleConfig exposes the settings the embedded UI needs: the watermark the
// canvas overlay should draw, and whether a login affordance makes sense.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	wm := s.cfg.Watermark
	if wm.Opacity == 0 {
		wm.Opacity = 0.18
	}
	if wm.AngleDeg == 0 {
		wm.AngleDeg = -30
	}
	if wm.GapPx == 0 {
		wm.GapPx = 160
	}
	writeJSON(w, map[string]any{
		"watermark": map[string]any{
			"text":     wm.Text,
			"opacity":  wm.Opacity,
			"angleDeg": wm.AngleDeg,
			"gapPx":    wm.GapPx,
		},
		"auth": auth.HasAuth(s.cfg),
		"user": auth.UserFromContext(r.Context()),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rel := fsutil.CleanRelPath(q.Get("path"))
	opt := library.ListOptions{
		Kind: library.Kind(q.Get("kind")),
		Sort: q.Get("sort"),
	}
	items, err := s.lib.List(rel, opt)
	if err != nil {
		switch {
		case errors.Is(err, library.ErrNotDir):
			http.Error(w, "not a directory", http.StatusBadRequest)
		case errors.Is(err, os.ErrNotExist):
			http.NotFound(w, r)
		default:
			http.Error(w, "read failed", http.StatusInternalServerError)
		}
		return
	}
	out := make([]listItem, len(items))
	for i, e := range items {
		out[i] = toListItem(e)
	}
	writeJSON(w, map[string]any{
		"path":  rel,
		"items": out,
	})
}

// listItem augments a library entry with the URLs the grid renders.
type listItem struct {
	library.Entry
	Thumb string `json:"thumb,omitempty"`
	Media string `json:"media,omitempty"`
}

func toListItem(e library.Entry) listItem {
	it := listItem{Entry: e}
	if !e.IsDir {
		it.Media = "/media/" + escapePath(e.Path)
		if library.ThumbSupported(e.Name) {
			it.Thumb = "/thumb?path=" + escapeQuery(e.Path)
		}
	}
	return it
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.lib.Search(q.Get("path"), q.Get("q"), library.Kind(q.Get("kind")))
	if err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	items := make([]listItem, len(res.Items))
	for i, e := range res.Items {
		items[i] = toListItem(e)
	}
	writeJSON(w, map[string]any{
		"items":     items,
		"seen":      res.Seen,
		"truncated": res.Truncated,
		"reason":    res.Reason,
	})
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	rel := fsutil.CleanRelPath(req.Path)
	if ok, err := s.allowed(r, auth.PermUpload, "/"+rel); err != nil || !ok {
		s.denyOrChallenge(w, r)
		return
	}
	abs, err := fsutil.JoinWithinRoot(s.cfg.Root, rel)
	if err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		http.Error(w, "mkdir failed", http.StatusInternalServerError)
		return
	}
	s.lib.InvalidateAll()
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	fromRel := fsutil.CleanRelPath(req.From)
	toRel := fsutil.CleanRelPath(req.To)
	for _, rel := range []string{fromRel, toRel} {
		if ok, err := s.allowed(r, auth.PermCurate, "/"+rel); err != nil || !ok {
			s.denyOrChallenge(w, r)
			return
		}
	}
	fromAbs, err := fsutil.JoinWithinRoot(s.cfg.Root, fromRel)
	if err != nil {
		http.Error(w, "bad from", http.StatusBadRequest)
		return
	}
	toAbs, err := fsutil.JoinWithinRoot(s.cfg.Root, toRel)
	if err != nil {
		http.Error(w, "bad to", http.StatusBadRequest)
		return
	}
	if err := os.MkdirAll(filepath.Dir(toAbs), 0o755); err != nil {
		http.Error(w, "mkdir failed", http.StatusInternalServerError)
		return
	}
	if err := os.Rename(fromAbs, toAbs); err != nil {
		http.Error(w, "rename failed", http.StatusInternalServerError)
		return
	}
	s.lib.InvalidateAll()
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	rel := fsutil.CleanRelPath(req.Path)
	if rel == "" {
		http.Error(w, "refusing to delete root", http.StatusBadRequest)
		return
	}
	if ok, err := s.allowed(r, auth.PermCurate, "/"+rel); err != nil || !ok {
		s.denyOrChallenge(w, r)
		return
	}
	abs, err := fsutil.JoinWithinRoot(s.cfg.Root, rel)
	if err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	s.lib.InvalidateAll()
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rel := fsutil.CleanRelPath(r.URL.Query().Get("path"))
	absDir, err := fsutil.JoinWithinRoot(s.cfg.Root, rel)
	if err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	// Throttle the network body itself; ParseMultipartForm consumes it here.
	r.Body = io.NopCloser(s.throttled(r.Context(), http.MaxBytesReader(w, r.Body, s.cfg.UploadLimit())))
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, "bad multipart", http.StatusBadRequest)
		return
	}
	fh := firstFile(r.MultipartForm)
	if fh == nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	src, err := fh.Open()
	if err != nil {
		http.Error(w, "open upload", http.StatusBadRequest)
		return
	}
	defer src.Close()

	tmp := filepath.Join(s.cfg.StateDir, "uploads", fmt.Sprintf("mp-%d.tmp", time.Now().UnixNano()))
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		http.Error(w, "tmp failed", http.StatusInternalServerError)
		return
	}
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		http.Error(w, "tmp failed", http.StatusInternalServerError)
		return
	}
	n, err := io.Copy(dst, src)
	_ = dst.Close()
	if err != nil {
		_ = os.Remove(tmp)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	s.metrics.uploadBytes.Add(float64(n))

	sha, blobPath, size, err := s.blobs.Put(r.Context(), tmp)
	if err != nil {
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}

	name := filepath.Base(fh.Filename)
	dstAbs := filepath.Join(absDir, name)
	if err := blob.LinkOrCopy(blobPath, dstAbs); err != nil {
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}
	s.lib.InvalidateAll()
	s.log.Info("upload",
		zap.String("path", joinRel(rel, name)),
		zap.Int64("size", size),
		zap.String("sha256", sha),
		zap.String("user", auth.UserFromContext(r.Context())),
	)
	writeJSON(w, map[string]any{"ok": true, "path": joinRel(rel, name), "sha256": sha, "size": size})
}

// throttled wraps rd with the configured upload rate limit.
func (s *Server) throttled(ctx context.Context, rd io.Reader) io.Reader {
	if s.limiter == nil {
		return rd
	}
	return &ratedReader{ctx: ctx, r: rd, lim: s.limiter}
}

type ratedReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func (rr *ratedReader) Read(p []byte) (int, error) {
	if max := rr.lim.Burst(); len(p) > max {
		p = p[:max]
	}
	n, err := rr.r.Read(p)
	if n > 0 {
		if werr := rr.lim.WaitN(rr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func firstFile(mf *multipart.Form) *multipart.FileHeader {
	if mf == nil || len(mf.File) == 0 {
		return nil
	}
	// Prefer key "file" if present.
	if v := mf.File["file"]; len(v) > 0 {
		return v[0]
	}
	// Else first key lexicographically for stable behavior.
	keys := make([]string, 0, len(mf.File))
	for k := range mf.File {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := mf.File[k]; len(v) > 0 {
			return v[0]
		}
	}
	return nil
}

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		dest := fsutil.CleanRelPath(r.URL.Query().Get("path"))
		total := int64(-1)
		if v := r.URL.Query().Get("size"); v != "" {
			// best-effort
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				total = n
			}
		}
		sess, err := s.uploads.Create(dest, total)
		if err != nil {
			if errors.Is(err, upload.ErrTooLarge) {
				http.Error(w, "too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "create failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"id": sess.ID, "offset": sess.Offset, "size": sess.Size})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUploadID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	isFinish := strings.HasSuffix(rest, "/finish")
	id := rest
	if isFinish {
		id = strings.TrimSuffix(rest, "/finish")
	}
	id = strings.TrimSuffix(id, "/")

	// Path-aware ACL: resumable uploads are always upload-scoped to the destination.
	sess, ok := s.uploads.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if ok2, err := s.allowed(r, auth.PermUpload, "/"+sess.DestRel); err != nil || !ok2 {
		s.denyOrChallenge(w, r)
		return
	}

	if isFinish {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		dst, sha, size, err := s.uploads.Finish(r.Context(), id)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rel, _ := filepath.Rel(s.cfg.Root, dst)
		rel = filepath.ToSlash(rel)
		s.lib.InvalidateAll()
		s.log.Info("upload finished", zap.String("path", rel), zap.Int64("size", size))
		writeJSON(w, map[string]any{"ok": true, "path": rel, "sha256": sha, "size": size})
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{"id": sess.ID, "offset": sess.Offset, "size": sess.Size, "dest": sess.DestRel})
	case http.MethodPatch:
		r.Body = io.NopCloser(s.throttled(r.Context(), r.Body))
		ns, err := s.uploads.Patch(r.Context(), id, r)
		if err != nil {
			switch {
			case errors.Is(err, os.ErrNotExist):
				http.NotFound(w, r)
			case errors.Is(err, upload.ErrTooLarge):
				http.Error(w, "too large", http.StatusRequestEntityTooLarge)
			default:
				http.Error(w, err.Error(), http.StatusBadRequest)
			}
			return
		}
		s.metrics.uploadBytes.Add(float64(ns.Offset - sess.Offset))
		writeJSON(w, map[string]any{"id": ns.ID, "offset": ns.Offset, "size": ns.Size})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- helpers ---

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

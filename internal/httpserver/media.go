package httpserver

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"mediawall/internal/auth"
	"mediawall/internal/fsutil"
	"mediawall/internal/library"
	"mediawall/internal/watermark"
)

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	rel := fsutil.CleanRelPath(strings.TrimPrefix(r.URL.Path, "/media/"))
	abs, err := fsutil.JoinWithinRoot(s.cfg.Root, rel)
	if err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if st.IsDir() {
		http.Error(w, "is a directory", http.StatusBadRequest)
		return
	}

	if r.URL.Query().Get("wm") == "1" && library.KindForName(st.Name()) == library.KindImage {
		s.serveWatermarked(w, r, abs, st.Name(), st.ModTime())
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		http.Error(w, "open failed", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if ct := library.ContentTypeForName(st.Name()); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if r.URL.Query().Get("dl") == "1" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", st.Name()))
	}
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

// serveWatermarked renders the configured mark over the image and serves the
// result. PNG sources stay PNG to keep alpha; everything else becomes JPEG.
func (s *Server) serveWatermarked(w http.ResponseWriter, r *http.Request, abs, name string, modTime time.Time) {
	f, err := os.Open(abs)
	if err != nil {
		http.Error(w, "open failed", http.StatusInternalServerError)
		return
	}
	src, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		http.Error(w, "decode failed", http.StatusUnsupportedMediaType)
		return
	}
	out, err := watermark.Apply(src, s.wmStyle)
	if err != nil {
		s.log.Error("watermark failed", zap.String("path", name), zap.Error(err))
		http.Error(w, "watermark failed", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".png" {
		w.Header().Set("Content-Type", "image/png")
		err = png.Encode(&buf, out)
	} else {
		w.Header().Set("Content-Type", "image/jpeg")
		err = jpeg.Encode(&buf, out, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("dl") == "1" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	http.ServeContent(w, r, name, modTime, bytes.NewReader(buf.Bytes()))
}

func (s *Server) handleZip(w http.ResponseWriter, r *http.Request) {
	// Supports:
	// - GET  /api/zip?path=<rel>
	// - POST /api/zip (form: paths=...&paths=...&name=...)
	// - POST /api/zip (json: {"paths":[...], "name":"..."})
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type zipReq struct {
		Paths []string `json:"paths"`
		Name  string   `json:"name"`
	}

	var (
		paths []string
		name  string
	)

	if r.Method == http.MethodGet {
		p := fsutil.CleanRelPath(r.URL.Query().Get("path"))
		if p == "" {
			http.Error(w, "missing path", http.StatusBadRequest)
			return
		}
		paths = []string{p}
		name = filepath.Base(p)
	} else {
		ct := r.Header.Get("Content-Type")
		if strings.Contains(ct, "application/json") {
			var req zipReq
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			for _, p := range req.Paths {
				p = fsutil.CleanRelPath(p)
				if p != "" {
					paths = append(paths, p)
				}
			}
			name = strings.TrimSpace(req.Name)
		} else {
			if err := r.ParseForm(); err != nil {
				http.Error(w, "bad form", http.StatusBadRequest)
				return
			}
			for _, p := range r.Form["paths"] {
				p = fsutil.CleanRelPath(p)
				if p != "" {
					paths = append(paths, p)
				}
			}
			name = strings.TrimSpace(r.FormValue("name"))
			if len(paths) == 0 {
				// backward compat: allow POST with ?path=...
				p := fsutil.CleanRelPath(r.URL.Query().Get("path"))
				if p != "" {
					paths = []string{p}
				}
			}
		}
	}

	if len(paths) == 0 {
		http.Error(w, "missing paths", http.StatusBadRequest)
		return
	}

	// default zip name
	if name == "" {
		if len(paths) == 1 {
			name = filepath.Base(paths[0])
		} else {
			name = "gallery"
		}
	}
	name = sanitizeZipBaseName(name)

	// Enforce per-path view ACL.
	for _, p := range paths {
		ok, err := s.allowed(r, auth.PermView, "/"+p)
		if err != nil || !ok {
			s.denyOrChallenge(w, r)
			return
		}
	}

	type item struct {
		rel string
		abs string
		st  os.FileInfo
	}
	items := make([]item, 0, len(paths))
	for _, p := range paths {
		abs, err := fsutil.JoinWithinRoot(s.cfg.Root, p)
		if err != nil {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		st, err := os.Stat(abs)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		items = append(items, item{rel: p, abs: abs, st: st})
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	zw := zip.NewWriter(w)
	defer zw.Close()

	ctx := r.Context()

	used := map[string]int{}
	uniqueTop := func(base string) string {
		base = sanitizeZipPath(base)
		if base == "" {
			base = "item"
		}
		n := used[base]
		used[base] = n + 1
		if n == 0 {
			return base
		}
		ext := filepath.Ext(base)
		b := strings.TrimSuffix(base, ext)
		return fmt.Sprintf("%s (%d)%s", b, n, ext)
	}

	addDir := func(baseAbs, baseRel string) error {
		return filepath.WalkDir(baseAbs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			relp, err := filepath.Rel(baseAbs, p)
			if err != nil {
				return nil
			}
			zipPath := filepath.ToSlash(filepath.Join(baseRel, relp))
			zipPath = sanitizeZipPath(zipPath)
			if zipPath == "" {
				return nil
			}
			info, _ := d.Info()
			h := &zip.FileHeader{
				Name:     zipPath,
				Method:   zip.Deflate,
				Modified: time.Now(),
			}
			if info != nil {
				h.Modified = info.ModTime()
			}
			wr, err := zw.CreateHeader(h)
			if err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return nil
			}
			_, _ = io.Copy(wr, f)
			_ = f.Close()
			return nil
		})
	}

	for _, it := range items {
		top := uniqueTop(filepath.Base(it.rel))
		if it.st.IsDir() {
			_ = addDir(it.abs, top)
			continue
		}
		top = sanitizeZipPath(top)
		wr, _ := zw.Create(top)
		f, err := os.Open(it.abs)
		if err == nil {
			_, _ = io.Copy(wr, f)
			_ = f.Close()
		}
	}
}

func sanitizeZipBaseName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".zip")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.Trim(s, ". ")
	if s == "" {
		return "gallery"
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func sanitizeZipPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimPrefix(p, "../")
	p = strings.ReplaceAll(p, "\x00", "")
	p = strings.Trim(p, "/")
	if p == "." || p == "" {
		return ""
	}
	// Avoid extremely long zip paths.
	if len(p) > 240 {
		p = p[:240]
	}
	return p
}

func escapeQuery(s string) string {
	return url.QueryEscape(s)
}

func escapePath(rel string) string {
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

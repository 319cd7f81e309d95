package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"mediawall/internal/config"
	"mediawall/internal/httpserver"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "passwd" {
		passwdCmd(os.Args[2:])
		return
	}

	var (
		addr    = flag.String("addr", "0.0.0.0:8484", "listen address")
		root    = flag.String("root", "", "media root (required if -config is not set)")
		state   = flag.String("state", "", "state dir for uploads/blobs/thumbs (default: <root>/.mediawall)")
		cfgPath = flag.String("config", "", "path to config json (optional)")
		debug   = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	log := newLogger(*debug)
	defer func() { _ = log.Sync() }()

	var cfg config.Config
	if *cfgPath != "" {
		b, err := os.ReadFile(*cfgPath)
		if err != nil {
			log.Fatal("read config", zap.Error(err))
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			log.Fatal("parse config", zap.Error(err))
		}
	} else {
		if strings.TrimSpace(*root) == "" {
			log.Fatal("missing -root (or provide -config)")
		}
		cfg.Root = *root
		cfg.StateDir = *state
	}

	if cfg.Root == "" {
		log.Fatal("config: root is required")
	}
	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		log.Fatal("abs root", zap.Error(err))
	}
	cfg.Root = absRoot
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.Root, ".mediawall")
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Fatal("mkdir state", zap.Error(err))
	}

	srv, err := httpserver.New(httpserver.Options{
		Config: cfg,
		Logger: log,
	})
	if err != nil {
		log.Fatal("server init", zap.Error(err))
	}
	defer func() { _ = srv.Close() }()

	log.Info("mediawall listening",
		zap.String("addr", *addr),
		zap.String("root", cfg.Root),
	)
	if err := http.ListenAndServe(*addr, withHeaders(srv.Handler())); err != nil {
		log.Fatal("listen", zap.Error(err))
	}
}

func newLogger(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	return log
}

func passwdCmd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	var (
		password = fs.String("p", "", "password (required)")
		cost     = fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	)
	_ = fs.Parse(args)
	if *password == "" {
		fmt.Fprintln(os.Stderr, "usage: mediawall passwd -p <password>")
		os.Exit(2)
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Fprintf(os.Stderr, "invalid cost %d (min=%d max=%d)\n", *cost, bcrypt.MinCost, bcrypt.MaxCost)
		os.Exit(2)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(*password), *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bcrypt: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(h))
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Basic hardening / UX.
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		// Embedded assets are versioned by build; everything else is live data.
		if strings.HasPrefix(r.URL.Path, "/assets/") {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		} else if r.URL.Path != "/thumb" {
			w.Header().Set("Cache-Control", "no-store")
		}

		next.ServeHTTP(w, r)
	})
}

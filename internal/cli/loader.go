package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/roach88/qidtrack/internal/config"
	"github.com/roach88/qidtrack/internal/engine"
	"github.com/roach88/qidtrack/internal/tracker"
)

// loadConfig reads the CUE configuration at path, or returns the defaults
// when path is empty.
func loadConfig(path string) (*config.File, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

// newLogger builds the CLI's text logger. Verbose enables debug records.
func newLogger(verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// host is a running server with the query id tracker preloaded.
type host struct {
	srv     *engine.Server
	tracker *tracker.Tracker
	logger  *slog.Logger
}

// startHost creates a server from cfg, preloads the tracker and starts it.
// An empty dbPath runs statements against a private in-memory database.
func startHost(ctx context.Context, cfg *config.File, dbPath string, logger *slog.Logger) (*host, error) {
	srv, err := engine.New(
		engine.Config{
			Limits:   cfg.Limits,
			DBPath:   dbPath,
			Settings: cfg.Settings,
		},
		engine.WithLogger(logger),
		engine.WithFirstPID(cfg.FirstPID),
	)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	tr := tracker.New(srv, tracker.WithLogger(logger))
	if err := srv.LoadLibrary(tr); err != nil {
		return nil, err
	}

	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}

	return &host{srv: srv, tracker: tr, logger: logger}, nil
}

func (h *host) stop() {
	if err := h.srv.Stop(); err != nil {
		h.logger.Error("error stopping server", "error", err)
	}
}

// findFiles returns the files under dir with the given extension, sorted.
func findFiles(dir, ext string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	var files []string
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ext {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// Package main is the entrypoint for the dispatch log archiver.
//
// The archiver is a scheduled maintenance job. It exports dispatch log
// entries older than the configured retention to a zstd-compressed NDJSON
// file and prunes them from the database. With -prune-only it skips the
// export and just deletes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"wellpulse/internal/config"
	"wellpulse/internal/db"
	"wellpulse/internal/notifications/archive"
	"wellpulse/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		outPath   string
		pruneOnly bool
		pageSize  int
	)
	flag.StringVar(&outPath, "out", "", "archive output path (default dispatch-log-<timestamp>.ndjson.zst)")
	flag.BoolVar(&pruneOnly, "prune-only", false, "delete aged entries without exporting them")
	flag.IntVar(&pageSize, "page-size", archive.DefaultPageSize, "entries per export page")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	typedLogger := &slogAdapter{logger: logger}
	clock := types.RealClock{}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	archiver := archive.NewArchiver(db.NewDispatchLogRepository(pool), typedLogger, clock, pageSize)
	retention := cfg.Notifications.ArchiveAfter

	if pruneOnly {
		stats, err := archiver.Prune(ctx, retention)
		if err != nil {
			return fmt.Errorf("pruning dispatch log: %w", err)
		}
		logger.Info("prune complete",
			"deleted", stats.Deleted,
			"cutoff", stats.Cutoff,
		)
		return nil
	}

	if outPath == "" {
		outPath = fmt.Sprintf("dispatch-log-%s.ndjson.zst", clock.Now().Format("20060102T150405Z"))
	}
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}

	stats, err := archiver.Run(ctx, out, retention)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("closing archive file: %w", closeErr)
	}
	if err != nil {
		return fmt.Errorf("archiving dispatch log: %w", err)
	}

	if stats.Exported == 0 {
		// Nothing met the cutoff; drop the empty file.
		os.Remove(outPath)
		logger.Info("no entries to archive", "cutoff", stats.Cutoff)
		return nil
	}

	logger.Info("archive complete",
		"path", outPath,
		"exported", stats.Exported,
		"deleted", stats.Deleted,
		"cutoff", stats.Cutoff,
	)
	return nil
}

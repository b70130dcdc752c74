// Package archive exports aged dispatch log entries to compressed NDJSON
// and prunes them from the database. The dispatch log is the rate
// limiter's ground truth, so only entries well past every policy window
// are ever archived, and a page is deleted only after it has been
// written out.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"wellpulse/internal/types"
)

// DefaultPageSize bounds how many entries one export page holds.
const DefaultPageSize = 500

// LogStore is the dispatch log surface the archiver drains.
type LogStore interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.DispatchLogEntry, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Stats summarizes one archiver run.
type Stats struct {
	Exported int64
	Deleted  int64
	Cutoff   time.Time
}

// Archiver drains old dispatch log entries page by page.
type Archiver struct {
	log      LogStore
	logger   types.Logger
	clock    types.Clock
	pageSize int
}

func NewArchiver(log LogStore, logger types.Logger, clock types.Clock, pageSize int) *Archiver {
	if clock == nil {
		clock = types.RealClock{}
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Archiver{
		log:      log,
		logger:   logger,
		clock:    clock,
		pageSize: pageSize,
	}
}

// Run exports every entry older than retention as zstd-compressed NDJSON
// to w, deleting each page after it is written. The writer is flushed
// before the corresponding rows are removed, so an export failure leaves
// the unexported rows in place.
func (a *Archiver) Run(ctx context.Context, w io.Writer, retention time.Duration) (Stats, error) {
	cutoff := a.clock.Now().Add(-retention)
	stats := Stats{Cutoff: cutoff}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return stats, fmt.Errorf("creating zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)

	for {
		page, err := a.log.ListBefore(ctx, cutoff, a.pageSize)
		if err != nil {
			zw.Close()
			return stats, err
		}
		if len(page) == 0 {
			break
		}

		ids := make([]string, len(page))
		for i := range page {
			if err := enc.Encode(&page[i]); err != nil {
				zw.Close()
				return stats, fmt.Errorf("encoding dispatch log entry %s: %w", page[i].ID, err)
			}
			ids[i] = page[i].ID
		}
		if err := zw.Flush(); err != nil {
			zw.Close()
			return stats, fmt.Errorf("flushing archive: %w", err)
		}
		stats.Exported += int64(len(page))

		deleted, err := a.log.DeleteByIDs(ctx, ids)
		if err != nil {
			zw.Close()
			return stats, err
		}
		stats.Deleted += deleted

		a.logger.Info("archived dispatch log page",
			"entries", len(page),
			"deleted", deleted,
		)
	}

	if err := zw.Close(); err != nil {
		return stats, fmt.Errorf("closing archive: %w", err)
	}
	return stats, nil
}

// Prune deletes entries older than retention without exporting them.
// Meant for deployments that do not keep cold copies of the log.
func (a *Archiver) Prune(ctx context.Context, retention time.Duration) (Stats, error) {
	cutoff := a.clock.Now().Add(-retention)
	deleted, err := a.log.DeleteBefore(ctx, cutoff)
	if err != nil {
		return Stats{Cutoff: cutoff}, err
	}
	a.logger.Info("pruned dispatch log", "deleted", deleted)
	return Stats{Deleted: deleted, Cutoff: cutoff}, nil
}

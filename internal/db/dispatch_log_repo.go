package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"wellpulse/internal/types"
)

// DispatchLogRepository provides data access for the dispatch_log table,
// the append-only record of every dispatch decision. SENT rows double as
// the ground truth for the reply cooldown and the sliding-window cap, so
// the rate limiter reads this table rather than process memory.
type DispatchLogRepository struct {
	db DBTX
}

func NewDispatchLogRepository(db DBTX) *DispatchLogRepository {
	return &DispatchLogRepository{db: db}
}

// Create appends one dispatch decision. A missing ID is generated here; a
// duplicate dedupe key makes the insert a silent no-op so replayed events
// cannot double-log.
func (r *DispatchLogRepository) Create(ctx context.Context, entry *types.DispatchLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	payload, err := marshalPayload(entry.Payload)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO dispatch_log
		 (id, user_id, type, status, channel, scheduled_at_utc,
		  dispatched_at_utc, dedupe_key, payload, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		entry.ID,
		entry.UserID,
		string(entry.Type),
		string(entry.Status),
		string(entry.Channel),
		entry.ScheduledAtUTC.UTC(),
		entry.DispatchedAtUTC.UTC(),
		entry.DedupeKey,
		payload,
		nilIfEmpty(entry.Reason),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append dispatch log entry", err)
	}
	return nil
}

// CreateSentIfUnderCap appends a SENT entry only while the user's trailing
// send count stays below the cap. The check and the insert run as one
// statement under a per-user transaction-scoped advisory lock, so two
// concurrent events for the same user serialize and exactly one wins the
// last slot. A refusal is classified: cap reached, or the dedupe key
// already had a row (a replayed event must not be audited as a cap hit).
func (r *DispatchLogRepository) CreateSentIfUnderCap(ctx context.Context, entry *types.DispatchLogEntry, windowStart time.Time, maxSent int) (types.SendClaim, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	payload, err := marshalPayload(entry.Payload)
	if err != nil {
		return "", err
	}

	// The lock CTE is scanned before the WHERE clause runs, so the count
	// happens under the lock. With an autocommit statement the lock
	// releases when it commits. The duplicate check reads the statement
	// snapshot, which excludes the ins CTE's own row, so it is true only
	// for a pre-existing entry.
	var inserted, duplicate bool
	err = r.db.QueryRow(ctx,
		`WITH user_lock AS (
		   SELECT pg_advisory_xact_lock(hashtext($2))
		 ), ins AS (
		   INSERT INTO dispatch_log
		   (id, user_id, type, status, channel, scheduled_at_utc,
		    dispatched_at_utc, dedupe_key, payload, reason)
		   SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, NULL
		   FROM user_lock
		   WHERE (SELECT COUNT(*) FROM dispatch_log
		          WHERE user_id = $2 AND type = $3 AND status = $10
		            AND dispatched_at_utc >= $11) < $12
		   ON CONFLICT (dedupe_key) DO NOTHING
		   RETURNING id
		 )
		 SELECT EXISTS (SELECT 1 FROM ins),
		        EXISTS (SELECT 1 FROM dispatch_log WHERE dedupe_key = $8)`,
		entry.ID,
		entry.UserID,
		string(entry.Type),
		string(entry.Status),
		string(entry.Channel),
		entry.ScheduledAtUTC.UTC(),
		entry.DispatchedAtUTC.UTC(),
		entry.DedupeKey,
		payload,
		string(types.DispatchStatusSent),
		windowStart.UTC(),
		maxSent,
	).Scan(&inserted, &duplicate)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to append rate-limited dispatch entry", err)
	}
	switch {
	case inserted:
		return types.SendClaimAccepted, nil
	case duplicate:
		return types.SendClaimDuplicate, nil
	default:
		return types.SendClaimCapReached, nil
	}
}

// UpdateStatus rewrites the status and reason of an existing entry.
// Downgrading a SENT row to FAILED frees its rate-limit slot, since only
// SENT rows count toward the cap.
func (r *DispatchLogRepository) UpdateStatus(ctx context.Context, id string, status types.DispatchStatus, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE dispatch_log SET status = $1, reason = $2 WHERE id = $3`,
		string(status), nilIfEmpty(reason), id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update dispatch log status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "dispatch log entry not found", nil)
	}
	return nil
}

// FindMostRecentSent returns the newest SENT entry for (user, type), or
// (nil, nil) when the user has never been sent one. The cooldown check
// reads this.
func (r *DispatchLogRepository) FindMostRecentSent(ctx context.Context, userID string, t types.NotificationType) (*types.DispatchLogEntry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, user_id, type, status, channel, scheduled_at_utc,
		        dispatched_at_utc, dedupe_key, payload, COALESCE(reason, '')
		 FROM dispatch_log
		 WHERE user_id = $1 AND type = $2 AND status = $3
		 ORDER BY dispatched_at_utc DESC
		 LIMIT 1`,
		userID, string(t), string(types.DispatchStatusSent),
	)
	entry, err := scanDispatchEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load most recent sent entry", err)
	}
	return entry, nil
}

// CountSentSince returns how many SENT entries exist for (user, type) with
// a dispatch time at or after windowStart. The hourly cap reads this.
func (r *DispatchLogRepository) CountSentSince(ctx context.Context, userID string, t types.NotificationType, windowStart time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM dispatch_log
		 WHERE user_id = $1 AND type = $2 AND status = $3
		   AND dispatched_at_utc >= $4`,
		userID, string(t), string(types.DispatchStatusSent), windowStart.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count sent entries", err)
	}
	return count, nil
}

// ListBefore streams entries dispatched before the cutoff, oldest first,
// for archival export.
func (r *DispatchLogRepository) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.DispatchLogEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, type, status, channel, scheduled_at_utc,
		        dispatched_at_utc, dedupe_key, payload, COALESCE(reason, '')
		 FROM dispatch_log
		 WHERE dispatched_at_utc < $1
		 ORDER BY dispatched_at_utc ASC
		 LIMIT $2`,
		cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list dispatch log entries", err)
	}
	defer rows.Close()

	var entries []types.DispatchLogEntry
	for rows.Next() {
		entry, err := scanDispatchEntry(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan dispatch log row", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list dispatch log entries", err)
	}
	return entries, nil
}

// DeleteByIDs removes a specific set of entries and reports how many were
// deleted. The archiver deletes each exported page this way so a failed
// export never loses rows that were not written out.
func (r *DispatchLogRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM dispatch_log WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete dispatch log entries", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteBefore removes entries dispatched before the cutoff and reports
// how many were deleted. Run only after a successful archive export.
func (r *DispatchLogRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM dispatch_log WHERE dispatched_at_utc < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune dispatch log", err)
	}
	return tag.RowsAffected(), nil
}

func scanDispatchEntry(row pgx.Row) (*types.DispatchLogEntry, error) {
	var entry types.DispatchLogEntry
	var payload []byte
	err := row.Scan(
		&entry.ID,
		&entry.UserID,
		&entry.Type,
		&entry.Status,
		&entry.Channel,
		&entry.ScheduledAtUTC,
		&entry.DispatchedAtUTC,
		&entry.DedupeKey,
		&payload,
		&entry.Reason,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &entry.Payload); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode dispatch payload", err)
	}
	return encoded, nil
}

package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"wellpulse/internal/types"
)

// SettingsRepository provides data access for the notification_settings
// table. One row per user holds opt-in flags, schedule preferences, the
// reply cooldown override, and the persisted next-run markers consumed by
// the reminder worker.
type SettingsRepository struct {
	db DBTX
}

func NewSettingsRepository(db DBTX) *SettingsRepository {
	return &SettingsRepository{db: db}
}

const settingsColumns = `user_id, COALESCE(email, ''), daily_check_in_opt_in, weekly_reflection_opt_in,
	 community_replies_opt_in, timezone, daily_reminder_hour_local,
	 weekly_reflection_day_local, weekly_reflection_hour_local,
	 cooldown_minutes, COALESCE(next_daily_at_utc, 'epoch'::timestamptz),
	 COALESCE(next_weekly_at_utc, 'epoch'::timestamptz), updated_at`

func scanSettings(row pgx.Row) (*types.UserNotificationSettings, error) {
	var s types.UserNotificationSettings
	err := row.Scan(
		&s.UserID,
		&s.Email,
		&s.DailyCheckInReminder,
		&s.WeeklyReflection,
		&s.CommunityReplies,
		&s.Timezone,
		&s.DailyReminderHourLocal,
		&s.WeeklyReflectionDayLocal,
		&s.WeeklyReflectionHourLocal,
		&s.CooldownMinutes,
		&s.NextDailyAtUTC,
		&s.NextWeeklyAtUTC,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if s.NextDailyAtUTC.Unix() == 0 {
		s.NextDailyAtUTC = time.Time{}
	}
	if s.NextWeeklyAtUTC.Unix() == 0 {
		s.NextWeeklyAtUTC = time.Time{}
	}
	return &s, nil
}

// Get returns the settings row for a user, or (nil, nil) when the user has
// never saved settings. Absence is a normal state, not an error: callers
// treat a missing row as fully opted out.
func (r *SettingsRepository) Get(ctx context.Context, userID string) (*types.UserNotificationSettings, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+settingsColumns+`
		 FROM notification_settings
		 WHERE user_id = $1`,
		userID,
	)
	s, err := scanSettings(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load notification settings", err)
	}
	return s, nil
}

// Upsert inserts or replaces a user's settings row and refreshes
// updated_at. Next-run markers are preserved on conflict; they are owned by
// the reminder worker, not by settings writes.
func (r *SettingsRepository) Upsert(ctx context.Context, s *types.UserNotificationSettings) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO notification_settings
		 (user_id, email, daily_check_in_opt_in, weekly_reflection_opt_in,
		  community_replies_opt_in, timezone, daily_reminder_hour_local,
		  weekly_reflection_day_local, weekly_reflection_hour_local,
		  cooldown_minutes, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   email = EXCLUDED.email,
		   daily_check_in_opt_in = EXCLUDED.daily_check_in_opt_in,
		   weekly_reflection_opt_in = EXCLUDED.weekly_reflection_opt_in,
		   community_replies_opt_in = EXCLUDED.community_replies_opt_in,
		   timezone = EXCLUDED.timezone,
		   daily_reminder_hour_local = EXCLUDED.daily_reminder_hour_local,
		   weekly_reflection_day_local = EXCLUDED.weekly_reflection_day_local,
		   weekly_reflection_hour_local = EXCLUDED.weekly_reflection_hour_local,
		   cooldown_minutes = EXCLUDED.cooldown_minutes,
		   updated_at = NOW()`,
		s.UserID,
		nilIfEmpty(s.Email),
		s.DailyCheckInReminder,
		s.WeeklyReflection,
		s.CommunityReplies,
		s.Timezone,
		s.DailyReminderHourLocal,
		s.WeeklyReflectionDayLocal,
		s.WeeklyReflectionHourLocal,
		s.CooldownMinutes,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save notification settings", err)
	}
	return nil
}

// ListDueReminders returns users whose persisted next-run marker for the
// given type has come due, opted in to that type, oldest first. The
// reminder worker processes these and then advances the markers.
func (r *SettingsRepository) ListDueReminders(ctx context.Context, t types.NotificationType, nowUTC time.Time, limit int) ([]types.UserNotificationSettings, error) {
	optInColumn, markerColumn, err := reminderColumns(t)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+settingsColumns+`
		 FROM notification_settings
		 WHERE `+optInColumn+` = TRUE
		   AND `+markerColumn+` IS NOT NULL
		   AND `+markerColumn+` <= $1
		 ORDER BY `+markerColumn+` ASC
		 LIMIT $2`,
		nowUTC, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due reminders", err)
	}
	defer rows.Close()

	var due []types.UserNotificationSettings
	for rows.Next() {
		s, err := scanSettings(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan due reminder row", err)
		}
		due = append(due, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due reminders", err)
	}
	return due, nil
}

// SetNextRunAt persists the next due instant for one reminder type.
func (r *SettingsRepository) SetNextRunAt(ctx context.Context, userID string, t types.NotificationType, next time.Time) error {
	_, markerColumn, err := reminderColumns(t)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE notification_settings SET `+markerColumn+` = $1 WHERE user_id = $2`,
		next.UTC(), userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to advance reminder marker", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSettings, "no settings row for user", nil)
	}
	return nil
}

// TimezonesForUsers returns the stored timezone per user id. Users without
// a settings row are simply absent from the result.
func (r *SettingsRepository) TimezonesForUsers(ctx context.Context, userIDs []string) (map[string]string, error) {
	if len(userIDs) == 0 {
		return map[string]string{}, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT user_id, timezone FROM notification_settings WHERE user_id = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load user timezones", err)
	}
	defer rows.Close()

	zones := make(map[string]string, len(userIDs))
	for rows.Next() {
		var userID, timezone string
		if err := rows.Scan(&userID, &timezone); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan timezone row", err)
		}
		zones[userID] = timezone
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load user timezones", err)
	}
	return zones, nil
}

// EmailForUser resolves a user's delivery address. It implements the email
// dispatcher's directory seam.
func (r *SettingsRepository) EmailForUser(ctx context.Context, userID string) (string, error) {
	var email string
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(email, '') FROM notification_settings WHERE user_id = $1`,
		userID,
	).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", types.NewAppError(types.ErrCodeNotFoundUser, "no settings row for user", err)
	}
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to load user email", err)
	}
	return email, nil
}

func reminderColumns(t types.NotificationType) (optIn string, marker string, err error) {
	switch t {
	case types.NotificationDailyCheckIn:
		return "daily_check_in_opt_in", "next_daily_at_utc", nil
	case types.NotificationWeeklyReflection:
		return "weekly_reflection_opt_in", "next_weekly_at_utc", nil
	default:
		return "", "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"notification type has no persisted reminder marker", nil)
	}
}

// Package jobs turns user notification profiles and community-reply signals
// into NotificationJob records with deterministic identity.
package jobs

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"wellpulse/internal/localtime"
	"wellpulse/internal/schedule"
	"wellpulse/internal/types"
)

// ReplyDebounce is the fixed delay applied to community-reply jobs. A short
// window rather than an immediate send lets rapid-fire replies batch
// upstream before anything reaches the user.
const ReplyDebounce = 2 * time.Minute

// Builder constructs notification jobs. It holds only an injected clock;
// all other inputs arrive per call.
type Builder struct {
	clock types.Clock
}

// NewBuilder creates a Builder using the given clock. A nil clock falls
// back to the real UTC clock.
func NewBuilder(clock types.Clock) *Builder {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Builder{clock: clock}
}

// JobID derives the deterministic job identity for a (type, user, instant)
// triple: "{type}:{userId}:{compactTimestamp}" where the timestamp is the
// scheduled UTC instant at second granularity with all separators stripped
// (14 digits). Recomputing a job for the same due instant yields the same
// id, which makes the id safe to use as a dedupe key downstream.
func JobID(t types.NotificationType, userID string, scheduledAtUTC time.Time) string {
	return fmt.Sprintf("%s:%s:%s", t, userID, scheduledAtUTC.UTC().Format("20060102150405"))
}

// BuildScheduledJobs computes the next occurrence for every recurring
// notification type the profile opts into and returns one job per type,
// sorted ascending by scheduled time.
//
// The profile is validated before any job is built: an unresolvable
// timezone or an hour outside [0,23] fails fast with a validation error.
func (b *Builder) BuildScheduledJobs(profile types.UserNotificationProfile, nowUTC time.Time) ([]types.NotificationJob, error) {
	if err := validateProfile(profile); err != nil {
		return nil, err
	}

	var built []types.NotificationJob

	if profile.OptIn.DailyCheckInReminder {
		at, err := schedule.NextDailyUTC(nowUTC, profile.Schedule.Timezone, profile.Schedule.DailyReminderHourLocal)
		if err != nil {
			return nil, err
		}
		built = append(built, newJob(profile.UserID, types.NotificationDailyCheckIn, at, profile.Schedule.Timezone,
			map[string]any{"kind": "daily-check-in", "supportiveTone": true}))
	}

	if profile.OptIn.WeeklyReflection {
		at, err := schedule.NextWeeklyUTC(nowUTC, profile.Schedule.Timezone,
			profile.Schedule.WeeklyReflectionDayLocal, profile.Schedule.WeeklyReflectionHourLocal)
		if err != nil {
			return nil, err
		}
		built = append(built, newJob(profile.UserID, types.NotificationWeeklyReflection, at, profile.Schedule.Timezone,
			map[string]any{"kind": "weekly-reflection", "supportiveTone": true}))
	}

	SortByScheduledTime(built)
	return built, nil
}

// BuildDailyCheckInReminderJob is a convenience for the schedule route: it
// builds only the daily check-in job, or returns nil when the user is not
// opted in to daily reminders.
func (b *Builder) BuildDailyCheckInReminderJob(profile types.UserNotificationProfile, nowUTC time.Time) (*types.NotificationJob, error) {
	if err := validateProfile(profile); err != nil {
		return nil, err
	}
	if !profile.OptIn.DailyCheckInReminder {
		return nil, nil
	}

	at, err := schedule.NextDailyUTC(nowUTC, profile.Schedule.Timezone, profile.Schedule.DailyReminderHourLocal)
	if err != nil {
		return nil, err
	}

	job := newJob(profile.UserID, types.NotificationDailyCheckIn, at, profile.Schedule.Timezone,
		map[string]any{"kind": "daily-check-in", "supportiveTone": true})
	return &job, nil
}

// BuildCommunityReplyJobs turns a batch of reply signals into jobs scheduled
// ReplyDebounce from now. Signals with a non-positive reply count are
// skipped; a user with no known timezone defaults to UTC; a user whose
// stored timezone does not resolve is skipped silently rather than failing
// the whole batch.
func (b *Builder) BuildCommunityReplyJobs(signals []types.CommunityReplySignal, timezoneByUserID map[string]string) []types.NotificationJob {
	scheduledAt := b.clock.Now().Add(ReplyDebounce)

	var built []types.NotificationJob
	for _, signal := range signals {
		if signal.ReplyCount <= 0 {
			continue
		}

		timezone := timezoneByUserID[signal.UserID]
		if timezone == "" {
			timezone = "UTC"
		}
		if !localtime.IsValidZone(timezone) {
			continue
		}

		payload := map[string]any{
			"kind":           "community-replies",
			"replyCount":     signal.ReplyCount,
			"supportiveTone": true,
		}
		if signal.LatestReplyAtUTC != nil {
			payload["latestReplyAtUtc"] = signal.LatestReplyAtUTC.UTC().Format(time.RFC3339)
		}

		built = append(built, newJob(signal.UserID, types.NotificationCommunityReplies, scheduledAt, timezone, payload))
	}

	return built
}

// BuildJobAt constructs a job for an already-known due instant. The
// reminder worker uses this for reminders whose due time was persisted on a
// previous cycle; identity stays a pure function of (type, user, instant).
func (b *Builder) BuildJobAt(userID string, t types.NotificationType, at time.Time, timezone string) types.NotificationJob {
	payload := map[string]any{"supportiveTone": true}
	switch t {
	case types.NotificationDailyCheckIn:
		payload["kind"] = "daily-check-in"
	case types.NotificationWeeklyReflection:
		payload["kind"] = "weekly-reflection"
	case types.NotificationCommunityReplies:
		payload["kind"] = "community-replies"
	}
	return newJob(userID, t, at, timezone, payload)
}

// SortByScheduledTime orders jobs ascending by scheduled time, breaking
// ties by job id so the order is fully deterministic.
func SortByScheduledTime(list []types.NotificationJob) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ScheduledAtUTC.Equal(list[j].ScheduledAtUTC) {
			return list[i].JobID < list[j].JobID
		}
		return list[i].ScheduledAtUTC.Before(list[j].ScheduledAtUTC)
	})
}

func newJob(userID string, t types.NotificationType, at time.Time, timezone string, payload map[string]any) types.NotificationJob {
	at = at.UTC()
	return types.NotificationJob{
		JobID:          JobID(t, userID, at),
		UserID:         userID,
		Type:           t,
		ScheduledAtUTC: at,
		Timezone:       timezone,
		Payload:        payload,
	}
}

func validateProfile(profile types.UserNotificationProfile) error {
	if strings.TrimSpace(profile.UserID) == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "userId is required", nil)
	}
	if !localtime.IsValidZone(profile.Schedule.Timezone) {
		return types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("invalid timezone %q", profile.Schedule.Timezone), nil)
	}
	if err := validateHour(profile.Schedule.DailyReminderHourLocal, "dailyReminderHourLocal"); err != nil {
		return err
	}
	if err := validateHour(profile.Schedule.WeeklyReflectionHourLocal, "weeklyReflectionHourLocal"); err != nil {
		return err
	}
	if d := profile.Schedule.WeeklyReflectionDayLocal; d < 0 || d > 6 {
		return types.NewAppError(types.ErrCodeValidationInvalidWeekday,
			"weeklyReflectionDayLocal must be an integer between 0 and 6", nil)
	}
	return nil
}

func validateHour(hour int, fieldName string) error {
	if hour < 0 || hour > 23 {
		return types.NewAppError(types.ErrCodeValidationInvalidHour,
			fmt.Sprintf("%s must be an integer between 0 and 23", fieldName), nil)
	}
	return nil
}

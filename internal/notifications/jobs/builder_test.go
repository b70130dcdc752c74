package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellpulse/internal/types"
)

type mockClock struct {
	now time.Time
}

func (c mockClock) Now() time.Time { return c.now }

func baseProfile() types.UserNotificationProfile {
	return types.UserNotificationProfile{
		UserID: "user-1",
		OptIn: types.NotificationOptIn{
			DailyCheckInReminder: true,
			WeeklyReflection:     true,
			CommunityReplies:     true,
		},
		Schedule: types.SchedulePreferences{
			Timezone:                  "America/New_York",
			DailyReminderHourLocal:    9,
			WeeklyReflectionDayLocal:  0,
			WeeklyReflectionHourLocal: 18,
		},
	}
}

func TestJobID(t *testing.T) {
	at := time.Date(2025, 3, 9, 14, 0, 0, 0, time.UTC)

	got := JobID(types.NotificationDailyCheckIn, "user-1", at)
	assert.Equal(t, "DAILY_CHECK_IN_REMINDER:user-1:20250309140000", got)

	// Non-UTC inputs normalize to the same id.
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, got, JobID(types.NotificationDailyCheckIn, "user-1", at.In(est)))
}

func TestBuildScheduledJobs(t *testing.T) {
	b := NewBuilder(mockClock{})

	// Sunday 2025-06-01 12:00 UTC = 08:00 in New York (EDT).
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	built, err := b.BuildScheduledJobs(baseProfile(), now)
	require.NoError(t, err)
	require.Len(t, built, 2)

	// Daily at 09:00 local is still ahead today: 13:00 UTC.
	daily := built[0]
	assert.Equal(t, types.NotificationDailyCheckIn, daily.Type)
	assert.Equal(t, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), daily.ScheduledAtUTC)
	assert.Equal(t, "DAILY_CHECK_IN_REMINDER:user-1:20250601130000", daily.JobID)
	assert.Equal(t, "daily-check-in", daily.Payload["kind"])
	assert.Equal(t, true, daily.Payload["supportiveTone"])

	// Weekly on Sunday 18:00 local is later the same day: 22:00 UTC.
	weekly := built[1]
	assert.Equal(t, types.NotificationWeeklyReflection, weekly.Type)
	assert.Equal(t, time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC), weekly.ScheduledAtUTC)

	for _, job := range built {
		assert.True(t, job.ScheduledAtUTC.After(now), "job %s must be strictly in the future", job.JobID)
	}
}

func TestBuildScheduledJobsDeterministic(t *testing.T) {
	b := NewBuilder(mockClock{})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := b.BuildScheduledJobs(baseProfile(), now)
	require.NoError(t, err)
	second, err := b.BuildScheduledJobs(baseProfile(), now)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].JobID, second[i].JobID)
		assert.Equal(t, first[i].ScheduledAtUTC, second[i].ScheduledAtUTC)
	}
}

func TestBuildScheduledJobsSortedAscending(t *testing.T) {
	b := NewBuilder(mockClock{})

	profile := baseProfile()
	// Daily later today at 23:00 local, weekly sooner at 18:00 local: the
	// weekly job must come first after sorting.
	profile.Schedule.DailyReminderHourLocal = 23

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	built, err := b.BuildScheduledJobs(profile, now)
	require.NoError(t, err)
	require.Len(t, built, 2)

	assert.Equal(t, types.NotificationWeeklyReflection, built[0].Type)
	assert.Equal(t, types.NotificationDailyCheckIn, built[1].Type)
	assert.True(t, !built[1].ScheduledAtUTC.Before(built[0].ScheduledAtUTC))
}

func TestBuildScheduledJobsRespectsOptOuts(t *testing.T) {
	b := NewBuilder(mockClock{})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	profile := baseProfile()
	profile.OptIn.WeeklyReflection = false

	built, err := b.BuildScheduledJobs(profile, now)
	require.NoError(t, err)
	require.Len(t, built, 1)
	assert.Equal(t, types.NotificationDailyCheckIn, built[0].Type)

	profile.OptIn.DailyCheckInReminder = false
	built, err = b.BuildScheduledJobs(profile, now)
	require.NoError(t, err)
	assert.Empty(t, built)
}

func TestBuildScheduledJobsValidation(t *testing.T) {
	b := NewBuilder(mockClock{})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		mutate   func(p *types.UserNotificationProfile)
		wantCode types.ErrorCode
	}{
		{
			name:     "missing user id",
			mutate:   func(p *types.UserNotificationProfile) { p.UserID = " " },
			wantCode: types.ErrCodeValidationMissingField,
		},
		{
			name:     "unknown timezone",
			mutate:   func(p *types.UserNotificationProfile) { p.Schedule.Timezone = "Mars/Olympus" },
			wantCode: types.ErrCodeValidationInvalidTimezone,
		},
		{
			name:     "empty timezone",
			mutate:   func(p *types.UserNotificationProfile) { p.Schedule.Timezone = "" },
			wantCode: types.ErrCodeValidationInvalidTimezone,
		},
		{
			name:     "daily hour too large",
			mutate:   func(p *types.UserNotificationProfile) { p.Schedule.DailyReminderHourLocal = 24 },
			wantCode: types.ErrCodeValidationInvalidHour,
		},
		{
			name:     "weekly hour negative",
			mutate:   func(p *types.UserNotificationProfile) { p.Schedule.WeeklyReflectionHourLocal = -1 },
			wantCode: types.ErrCodeValidationInvalidHour,
		},
		{
			name:     "weekday out of range",
			mutate:   func(p *types.UserNotificationProfile) { p.Schedule.WeeklyReflectionDayLocal = 7 },
			wantCode: types.ErrCodeValidationInvalidWeekday,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			profile := baseProfile()
			tc.mutate(&profile)

			_, err := b.BuildScheduledJobs(profile, now)
			require.Error(t, err)

			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tc.wantCode, appErr.Code)
		})
	}
}

func TestBuildDailyCheckInReminderJob(t *testing.T) {
	b := NewBuilder(mockClock{})
	now := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC) // 10:00 in New York

	job, err := b.BuildDailyCheckInReminderJob(baseProfile(), now)
	require.NoError(t, err)
	require.NotNil(t, job)
	// 09:00 local already passed today, so the job lands tomorrow.
	assert.Equal(t, time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC), job.ScheduledAtUTC)

	optedOut := baseProfile()
	optedOut.OptIn.DailyCheckInReminder = false
	job, err = b.BuildDailyCheckInReminderJob(optedOut, now)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestBuildCommunityReplyJobs(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewBuilder(mockClock{now: now})

	latest := time.Date(2025, 6, 1, 11, 58, 0, 0, time.UTC)
	signals := []types.CommunityReplySignal{
		{UserID: "user-1", ReplyCount: 3, LatestReplyAtUTC: &latest},
		{UserID: "user-2", ReplyCount: 0},  // nothing to notify about
		{UserID: "user-3", ReplyCount: -1}, // malformed count
		{UserID: "user-4", ReplyCount: 1},  // no stored timezone
		{UserID: "user-5", ReplyCount: 2},  // broken stored timezone
	}
	zones := map[string]string{
		"user-1": "Europe/Berlin",
		"user-5": "Not/AZone",
	}

	built := b.BuildCommunityReplyJobs(signals, zones)
	require.Len(t, built, 2)

	wantAt := now.Add(ReplyDebounce)
	assert.Equal(t, "user-1", built[0].UserID)
	assert.Equal(t, types.NotificationCommunityReplies, built[0].Type)
	assert.Equal(t, wantAt, built[0].ScheduledAtUTC)
	assert.Equal(t, "Europe/Berlin", built[0].Timezone)
	assert.Equal(t, 3, built[0].Payload["replyCount"])
	assert.Equal(t, "2025-06-01T11:58:00Z", built[0].Payload["latestReplyAtUtc"])

	assert.Equal(t, "user-4", built[1].UserID)
	assert.Equal(t, "UTC", built[1].Timezone)
	_, hasLatest := built[1].Payload["latestReplyAtUtc"]
	assert.False(t, hasLatest)
}

func TestBuildJobAt(t *testing.T) {
	b := NewBuilder(mockClock{})
	at := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)

	job := b.BuildJobAt("user-1", types.NotificationWeeklyReflection, at, "America/New_York")
	assert.Equal(t, "WEEKLY_REFLECTION:user-1:20250602130000", job.JobID)
	assert.Equal(t, "weekly-reflection", job.Payload["kind"])
	assert.Equal(t, at, job.ScheduledAtUTC)
}

func TestSortByScheduledTime(t *testing.T) {
	t1 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)

	list := []types.NotificationJob{
		{JobID: "b", ScheduledAtUTC: t2},
		{JobID: "c", ScheduledAtUTC: t1},
		{JobID: "a", ScheduledAtUTC: t1},
	}
	SortByScheduledTime(list)

	assert.Equal(t, []string{"a", "c", "b"}, []string{list[0].JobID, list[1].JobID, list[2].JobID})
}

package schedule

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellpulse/internal/types"
)

// sweepZones spans the offset spectrum, including a half-hour and a
// 45-minute zone.
var sweepZones = []string{
	"UTC",
	"America/New_York",
	"America/Los_Angeles",
	"Europe/Berlin",
	"Asia/Kolkata",
	"Australia/Eucla",
	"Asia/Tokyo",
	"Pacific/Kiritimati",
}

func TestNextDailyUTC_SameDay(t *testing.T) {
	// 2024-06-10 12:00 UTC = 08:00 in New York (EDT, UTC-4).
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	got, err := NextDailyUTC(now, "America/New_York", 9)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 10, 13, 0, 0, 0, time.UTC), got)
}

func TestNextDailyUTC_RollsOverToTomorrow(t *testing.T) {
	// Local now is 08:00; a 07:00 target is already past today.
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	got, err := NextDailyUTC(now, "America/New_York", 7)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 11, 11, 0, 0, 0, time.UTC), got)
}

func TestNextDailyUTC_ExactHourCountsAsPast(t *testing.T) {
	// Local now is exactly 09:00; today's 09:00 does not fire.
	now := time.Date(2024, 6, 10, 13, 0, 0, 0, time.UTC)

	got, err := NextDailyUTC(now, "America/New_York", 9)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 11, 13, 0, 0, 0, time.UTC), got)
}

func TestNextDailyUTC_MonthRollover(t *testing.T) {
	// 2024-06-30 23:30 in Tokyo; a 06:00 target lands on July 1 local.
	now := time.Date(2024, 6, 30, 14, 30, 0, 0, time.UTC)

	got, err := NextDailyUTC(now, "Asia/Tokyo", 6)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 30, 21, 0, 0, 0, time.UTC), got)

	local, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, 1, got.In(local).Day())
	assert.Equal(t, time.July, got.In(local).Month())
}

func TestNextDailyUTC_AlwaysWithin24Hours(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	for _, zone := range sweepZones {
		for hour := 0; hour < 24; hour++ {
			got, err := NextDailyUTC(now, zone, hour)
			require.NoError(t, err, "%s hour %d", zone, hour)
			assert.True(t, got.After(now),
				"%s hour %d: %s not after now", zone, hour, got)
			assert.LessOrEqual(t, got.Sub(now), 24*time.Hour,
				"%s hour %d: %s more than a day out", zone, hour, got)
		}
	}
}

func TestNextWeeklyUTC_SameDay(t *testing.T) {
	// 2024-06-10 is a Monday; 18:00 local is still ahead.
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	got, err := NextWeeklyUTC(now, "America/New_York", 1, 18)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 10, 22, 0, 0, 0, time.UTC), got)
}

func TestNextWeeklyUTC_SameWeekdayPastHourWaitsAWeek(t *testing.T) {
	// Monday 08:00 local with a Monday 07:00 target: next Monday.
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	got, err := NextWeeklyUTC(now, "America/New_York", 1, 7)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 17, 11, 0, 0, 0, time.UTC), got)
}

func TestNextWeeklyUTC_EarlierWeekdayWrapsForward(t *testing.T) {
	// From Monday to the following Sunday.
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	got, err := NextWeeklyUTC(now, "America/New_York", 0, 18)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 16, 22, 0, 0, 0, time.UTC), got)
}

func TestNextWeeklyUTC_AlwaysWithinSevenDays(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	for _, zone := range sweepZones {
		for weekday := 0; weekday < 7; weekday++ {
			for _, hour := range []int{0, 9, 23} {
				name := fmt.Sprintf("%s weekday %d hour %d", zone, weekday, hour)
				got, err := NextWeeklyUTC(now, zone, weekday, hour)
				require.NoError(t, err, name)
				assert.True(t, got.After(now), "%s: %s not after now", name, got)
				assert.LessOrEqual(t, got.Sub(now), 7*24*time.Hour,
					"%s: %s more than a week out", name, got)
			}
		}
	}
}

func TestRecurrenceRejectsUnknownTimezone(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	_, err := NextDailyUTC(now, "Mars/Olympus", 9)
	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationInvalidTimezone, appErr.Code)

	_, err = NextWeeklyUTC(now, "", 1, 18)
	require.Error(t, err)
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationInvalidTimezone, appErr.Code)
}

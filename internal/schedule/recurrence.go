// Package schedule implements the recurrence calculator: given a user's
// "daily at hour H" or "weekly at weekday D, hour H" preference in a named
// timezone, it computes the next UTC instant at which the rule fires.
//
// Both calculations share a tie-break rule: a local time equal to the target
// hour counts as already past, so reminders fire strictly in the future and
// never at the exact current local hour on the same cycle.
package schedule

import (
	"time"

	"wellpulse/internal/localtime"
)

// daysPerWeek is spelled out to keep the modular weekday arithmetic legible.
const daysPerWeek = 7

// NextDailyUTC returns the next UTC instant strictly after nowUTC at which
// the local wall clock in timezone reads hourLocal:00.
//
// Postcondition: nowUTC < result <= nowUTC + 24h.
func NextDailyUTC(nowUTC time.Time, timezone string, hourLocal int) (time.Time, error) {
	local, err := localtime.UTCToLocalFields(nowUTC, timezone)
	if err != nil {
		return time.Time{}, err
	}

	targetYear, targetMonth, targetDay := local.Year, local.Month, local.Day
	if local.Hour >= hourLocal {
		// Already at or past the target hour today; resolve tomorrow's
		// local calendar date by advancing the UTC instant, not the
		// fields, so month and year rollovers come out right.
		tomorrow, err := localtime.UTCToLocalFields(nowUTC.AddDate(0, 0, 1), timezone)
		if err != nil {
			return time.Time{}, err
		}
		targetYear, targetMonth, targetDay = tomorrow.Year, tomorrow.Month, tomorrow.Day
	}

	return localtime.LocalFieldsToUTC(targetYear, targetMonth, targetDay, hourLocal, 0, timezone)
}

// NextWeeklyUTC returns the next UTC instant strictly after nowUTC at which
// the local wall clock in timezone reads hourLocal:00 on weekdayLocal
// (0=Sunday).
//
// Postcondition: nowUTC < result <= nowUTC + 7d.
func NextWeeklyUTC(nowUTC time.Time, timezone string, weekdayLocal, hourLocal int) (time.Time, error) {
	local, err := localtime.UTCToLocalFields(nowUTC, timezone)
	if err != nil {
		return time.Time{}, err
	}

	delta := (weekdayLocal - int(local.Weekday)) % daysPerWeek
	if delta < 0 {
		delta += daysPerWeek
	}
	if delta == 0 && local.Hour >= hourLocal {
		delta = daysPerWeek
	}

	target, err := localtime.UTCToLocalFields(nowUTC.AddDate(0, 0, delta), timezone)
	if err != nil {
		return time.Time{}, err
	}

	return localtime.LocalFieldsToUTC(target.Year, target.Month, target.Day, hourLocal, 0, timezone)
}

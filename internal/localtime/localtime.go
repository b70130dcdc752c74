// Package localtime converts UTC instants to wall-clock fields in a named
// IANA timezone and back. It is the leaf dependency of the recurrence
// calculator and deliberately exposes only the two conversions that
// scheduling needs.
package localtime

import (
	"fmt"
	"time"

	"wellpulse/internal/types"
)

// Fields is a wall-clock reading of an instant as observed in some timezone.
type Fields struct {
	Year    int
	Month   time.Month
	Day     int
	Hour    int
	Minute  int
	Second  int
	Weekday time.Weekday // 0=Sunday, matching the stored preference encoding
}

// LoadZone resolves an IANA zone name against the platform timezone
// database. It returns a validation AppError when the name cannot be
// resolved; an empty name is rejected rather than defaulted so that callers
// choose their own fallback policy.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTimezone, "timezone is required", nil)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("invalid timezone %q", name), err)
	}
	return loc, nil
}

// IsValidZone reports whether name resolves against the timezone database.
func IsValidZone(name string) bool {
	_, err := LoadZone(name)
	return err == nil
}

// UTCToLocalFields returns the wall-clock fields for instant as observed in
// the given timezone.
func UTCToLocalFields(instant time.Time, timezone string) (Fields, error) {
	loc, err := LoadZone(timezone)
	if err != nil {
		return Fields{}, err
	}

	local := instant.In(loc)
	return Fields{
		Year:    local.Year(),
		Month:   local.Month(),
		Day:     local.Day(),
		Hour:    local.Hour(),
		Minute:  local.Minute(),
		Second:  local.Second(),
		Weekday: local.Weekday(),
	}, nil
}

// LocalFieldsToUTC computes the UTC instant corresponding to the given local
// wall-clock time in the given timezone.
//
// The conversion is a two-pass approximation: the fields are first treated
// as UTC to form a guess instant, the zone's real offset at that guess is
// read, and the guess is corrected by that offset. Within one hour of a DST
// transition (the skipped or repeated hour) this can land on the wrong side
// of the transition. For once-daily and once-weekly reminders that error is
// bounded and acceptable; callers needing exact DST-boundary behavior must
// not rely on this function.
func LocalFieldsToUTC(year int, month time.Month, day, hour, minute int, timezone string) (time.Time, error) {
	loc, err := LoadZone(timezone)
	if err != nil {
		return time.Time{}, err
	}

	guess := time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
	_, offsetSeconds := guess.In(loc).Zone()
	return guess.Add(-time.Duration(offsetSeconds) * time.Second), nil
}

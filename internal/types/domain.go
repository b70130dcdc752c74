// Package types defines the shared domain model for the WellPulse
// notification core: notification types, user profiles, jobs, dispatch
// results, and the persisted dispatch-log entry that doubles as the rate
// limiter's source of truth.
package types

import "time"

// NotificationType identifies the kind of notification a job delivers.
// The set is fixed and closed.
type NotificationType string

const (
	NotificationDailyCheckIn     NotificationType = "DAILY_CHECK_IN_REMINDER"
	NotificationWeeklyReflection NotificationType = "WEEKLY_REFLECTION"
	NotificationCommunityReplies NotificationType = "COMMUNITY_REPLIES"
)

// IsValid reports whether t is one of the known notification types.
func (t NotificationType) IsValid() bool {
	switch t {
	case NotificationDailyCheckIn, NotificationWeeklyReflection, NotificationCommunityReplies:
		return true
	}
	return false
}

// ChannelType identifies the delivery channel a dispatch went through.
type ChannelType string

const (
	ChannelInApp ChannelType = "in_app"
	ChannelEmail ChannelType = "email"
	ChannelPush  ChannelType = "push"
)

// DispatchStatus is the audited outcome of a dispatch decision.
type DispatchStatus string

const (
	DispatchStatusSent    DispatchStatus = "SENT"
	DispatchStatusSkipped DispatchStatus = "SKIPPED"
	DispatchStatusFailed  DispatchStatus = "FAILED"
)

// SendClaim classifies the outcome of the rate-limited conditional insert:
// the slot was claimed, the trailing-window cap refused it, or the dedupe
// key already had a row (a replayed event).
type SendClaim string

const (
	SendClaimAccepted   SendClaim = "accepted"
	SendClaimCapReached SendClaim = "cap_reached"
	SendClaimDuplicate  SendClaim = "duplicate"
)

// NotificationOptIn holds the per-type opt-in flags from a user's settings.
type NotificationOptIn struct {
	DailyCheckInReminder bool `json:"dailyCheckInReminder"`
	WeeklyReflection     bool `json:"weeklyReflection"`
	CommunityReplies     bool `json:"communityReplies"`
}

// SchedulePreferences holds the user's wall-clock scheduling preferences.
// Timezone must be a resolvable IANA zone name; hours are local-time hours
// in [0,23]; the weekday is 0-6 with 0=Sunday.
type SchedulePreferences struct {
	Timezone                  string `json:"timezone" validate:"required"`
	DailyReminderHourLocal    int    `json:"dailyReminderHourLocal" validate:"min=0,max=23"`
	WeeklyReflectionDayLocal  int    `json:"weeklyReflectionDayLocal" validate:"min=0,max=6"`
	WeeklyReflectionHourLocal int    `json:"weeklyReflectionHourLocal" validate:"min=0,max=23"`
}

// UserNotificationProfile is the read-only scheduling input for one user,
// owned by the settings store.
type UserNotificationProfile struct {
	UserID   string              `json:"userId"`
	OptIn    NotificationOptIn   `json:"optIn"`
	Schedule SchedulePreferences `json:"schedule"`
}

// NotificationJob is a single, uniquely-identified, time-stamped unit of
// notification work. Jobs are immutable once built and are consumed exactly
// once by the Dispatcher.
//
// JobID is a pure function of (Type, UserID, ScheduledAtUTC): rebuilding a
// job for the same due instant yields the same id, which makes downstream
// deduplication trivial.
type NotificationJob struct {
	JobID          string           `json:"jobId"`
	UserID         string           `json:"userId"`
	Type           NotificationType `json:"type"`
	ScheduledAtUTC time.Time        `json:"scheduledAtUtc"`
	Timezone       string           `json:"timezone"`
	Payload        map[string]any   `json:"payload"`
}

// NotificationDispatchResult is the outcome of a single Dispatcher call.
// Delivery failures are represented here as data (Delivered=false plus a
// Message), never as errors.
type NotificationDispatchResult struct {
	JobID           string           `json:"jobId"`
	UserID          string           `json:"userId"`
	Type            NotificationType `json:"type"`
	DispatchedAtUTC time.Time        `json:"dispatchedAtUtc"`
	Delivered       bool             `json:"delivered"`
	Message         string           `json:"message"`
}

// DispatchLogEntry is the persisted, append-only record of a dispatch
// decision. One entry is written per decision, including skip decisions, so
// every outcome is explainable after the fact.
//
// SENT entries are the ground truth for the reply cooldown and the
// sliding-window cap: the limiter queries this table, never process memory,
// so its state survives restarts and is shared across backend instances.
type DispatchLogEntry struct {
	ID              string           `json:"id"`
	UserID          string           `json:"userId"`
	Type            NotificationType `json:"type"`
	Status          DispatchStatus   `json:"status"`
	Channel         ChannelType      `json:"channel"`
	ScheduledAtUTC  time.Time        `json:"scheduledAtUtc"`
	DispatchedAtUTC time.Time        `json:"dispatchedAtUtc"`
	DedupeKey       string           `json:"dedupeKey"`
	Payload         map[string]any   `json:"payload,omitempty"`
	Reason          string           `json:"reason,omitempty"`
}

// ReplyCreatedEvent is the ephemeral trigger for the reply-notification
// listener, emitted right after a community reply is persisted.
type ReplyCreatedEvent struct {
	ActorUserID   string     `json:"actorUserId"`
	TargetUserID  string     `json:"targetUserId"`
	ReplyCount    int        `json:"replyCount,omitempty"`
	OccurredAtUTC *time.Time `json:"occurredAtUtc,omitempty"`
}

// CommunityReplySignal is a batched "user X got N replies" input for the
// job builder. Signals with a non-positive ReplyCount are ignored.
type CommunityReplySignal struct {
	UserID           string     `json:"userId"`
	ReplyCount       int        `json:"replyCount"`
	LatestReplyAtUTC *time.Time `json:"latestReplyAtUtc,omitempty"`
}

// UserNotificationSettings is one row of the settings store: opt-in flags,
// schedule preferences, and the per-user cooldown override for reply
// notifications. Email is the delivery address used by email dispatchers.
type UserNotificationSettings struct {
	UserID                    string    `json:"userId"`
	Email                     string    `json:"email,omitempty"`
	DailyCheckInReminder      bool      `json:"dailyCheckInReminder"`
	WeeklyReflection          bool      `json:"weeklyReflection"`
	CommunityReplies          bool      `json:"communityReplies"`
	Timezone                  string    `json:"timezone"`
	DailyReminderHourLocal    int       `json:"dailyReminderHourLocal"`
	WeeklyReflectionDayLocal  int       `json:"weeklyReflectionDayLocal"`
	WeeklyReflectionHourLocal int       `json:"weeklyReflectionHourLocal"`
	CooldownMinutes           int       `json:"cooldownMinutes"`
	NextDailyAtUTC            time.Time `json:"nextDailyAtUtc,omitempty"`
	NextWeeklyAtUTC           time.Time `json:"nextWeeklyAtUtc,omitempty"`
	UpdatedAt                 time.Time `json:"updatedAt,omitempty"`
}

// Profile converts a settings row into the scheduling input shape consumed
// by the job builder.
func (s *UserNotificationSettings) Profile() UserNotificationProfile {
	return UserNotificationProfile{
		UserID: s.UserID,
		OptIn: NotificationOptIn{
			DailyCheckInReminder: s.DailyCheckInReminder,
			WeeklyReflection:     s.WeeklyReflection,
			CommunityReplies:     s.CommunityReplies,
		},
		Schedule: SchedulePreferences{
			Timezone:                  s.Timezone,
			DailyReminderHourLocal:    s.DailyReminderHourLocal,
			WeeklyReflectionDayLocal:  s.WeeklyReflectionDayLocal,
			WeeklyReflectionHourLocal: s.WeeklyReflectionHourLocal,
		},
	}
}

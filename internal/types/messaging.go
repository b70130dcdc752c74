package types

import "time"

// ReminderAction selects what a ReminderMessage asks the worker to do.
type ReminderAction string

const (
	// ReminderActionFanOut asks the worker to page through opted-in users
	// and enqueue one per-user message for each.
	ReminderActionFanOut ReminderAction = "fan_out"

	// ReminderActionUser asks the worker to dispatch any due reminders for
	// a single user and advance their next-run markers.
	ReminderActionUser ReminderAction = "user"
)

// ReminderMessage is the SQS envelope for the reminder trigger queue. The
// external scheduler enqueues a fan_out message on a fixed cadence; the
// worker expands it into per-user messages.
type ReminderMessage struct {
	Action      ReminderAction `json:"action"`
	UserID      string         `json:"user_id,omitempty"`
	TraceID     string         `json:"trace_id"`
	TriggeredAt time.Time      `json:"triggered_at"`
}

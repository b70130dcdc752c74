// Package dispatch is the delivery seam of the notification pipeline. A
// Dispatcher consumes one job and reports its outcome as data: delivery
// failures never surface as errors, so one broken send cannot abort a
// batch.
package dispatch

import (
	"context"

	"wellpulse/internal/notifications/jobs"
	"wellpulse/internal/types"
)

// Supportive, non-pressuring copy per notification type. The tone is a
// product requirement: no urgency, no streaks, no guilt.
const (
	MessageDailyCheckIn     = "Small progress counts. When you are ready, take a minute for today's check-in."
	MessageWeeklyReflection = "Your weekly reflection is ready. Use it as a light guide for your next steps."
	MessageCommunityReplies = "You have new community replies. Check in when it fits your schedule."
)

// MessageFor returns the user-facing copy for a notification type. Unknown
// types get the daily check-in message rather than an empty string.
func MessageFor(t types.NotificationType) string {
	switch t {
	case types.NotificationWeeklyReflection:
		return MessageWeeklyReflection
	case types.NotificationCommunityReplies:
		return MessageCommunityReplies
	default:
		return MessageDailyCheckIn
	}
}

// Dispatcher delivers a single notification job. Implementations report
// the outcome entirely through the result: Delivered=false is a failed
// delivery, not an error condition.
type Dispatcher interface {
	Dispatch(ctx context.Context, job types.NotificationJob) types.NotificationDispatchResult
	Channel() types.ChannelType
}

// LogDispatcher is the in-app delivery implementation: it records the
// notification through structured logging and always reports success. Real
// in-app fan-out reads the dispatch log, so emitting the entry is the
// delivery.
type LogDispatcher struct {
	logger types.Logger
	clock  types.Clock
}

var _ Dispatcher = (*LogDispatcher)(nil)

func NewLogDispatcher(logger types.Logger, clock types.Clock) *LogDispatcher {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &LogDispatcher{logger: logger, clock: clock}
}

func (d *LogDispatcher) Channel() types.ChannelType { return types.ChannelInApp }

func (d *LogDispatcher) Dispatch(_ context.Context, job types.NotificationJob) types.NotificationDispatchResult {
	message := MessageFor(job.Type)
	d.logger.Info("notification dispatched",
		"job_id", job.JobID,
		"user_id", job.UserID,
		"type", string(job.Type),
		"scheduled_at_utc", job.ScheduledAtUTC,
		"message", message,
	)
	return types.NotificationDispatchResult{
		JobID:           job.JobID,
		UserID:          job.UserID,
		Type:            job.Type,
		DispatchedAtUTC: d.clock.Now(),
		Delivered:       true,
		Message:         message,
	}
}

// Service dispatches batches of jobs through a single Dispatcher.
type Service struct {
	dispatcher Dispatcher
	logger     types.Logger
}

func NewService(dispatcher Dispatcher, logger types.Logger) *Service {
	return &Service{dispatcher: dispatcher, logger: logger}
}

// DispatchJobs delivers the batch strictly in scheduled-time order. The
// input is re-sorted unconditionally rather than trusting callers, then
// each job is dispatched sequentially. The returned results are in dispatch
// order, one per job, whether or not delivery succeeded.
func (s *Service) DispatchJobs(ctx context.Context, batch []types.NotificationJob) []types.NotificationDispatchResult {
	ordered := make([]types.NotificationJob, len(batch))
	copy(ordered, batch)
	jobs.SortByScheduledTime(ordered)

	results := make([]types.NotificationDispatchResult, 0, len(ordered))
	for _, job := range ordered {
		result := s.dispatcher.Dispatch(ctx, job)
		if !result.Delivered {
			s.logger.Warn("notification delivery failed",
				"job_id", job.JobID,
				"user_id", job.UserID,
				"type", string(job.Type),
				"reason", result.Message,
			)
		}
		results = append(results, result)
	}
	return results
}

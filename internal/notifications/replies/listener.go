// Package replies gates community-reply events through the notification
// policy: opt-in, per-user cooldown, and a sliding-window send cap. Every
// decision that reaches the policy is recorded in the persisted dispatch
// log, which is also the limiter's ground truth, so the limits hold across
// restarts and across backend instances.
package replies

import (
	"context"
	"fmt"
	"time"

	"wellpulse/internal/notifications/dispatch"
	"wellpulse/internal/notifications/jobs"
	"wellpulse/internal/types"
)

const (
	// DefaultCooldown applies when a user has no cooldown override.
	DefaultCooldown = 30 * time.Minute

	// HourlyCap is the most reply notifications a user may receive in any
	// trailing CapWindow.
	HourlyCap = 3

	// CapWindow is the sliding window the cap is measured over.
	CapWindow = time.Hour
)

// Skip reasons recorded on SKIPPED dispatch log entries.
const (
	ReasonOptedOut  = "opted_out"
	ReasonCooldown  = "cooldown_active"
	ReasonHourlyCap = "hourly_cap_reached"
	ReasonDuplicate = "duplicate_event"
)

// Reasons for events dropped before the policy. These never produce a log
// entry; there is nothing meaningful to rate-limit.
const (
	ReasonMalformed = "missing_user_id"
	ReasonSelfReply = "self_reply"
)

// Outcome reports what the gate decided for one event. Callers surface it
// verbatim; it is never an error.
type Outcome struct {
	Notified bool                              `json:"notified"`
	Reason   string                            `json:"reason,omitempty"`
	Job      *types.NotificationJob            `json:"job,omitempty"`
	Dispatch *types.NotificationDispatchResult `json:"dispatch,omitempty"`
}

// SettingsStore is the read side of the settings repository the listener
// needs. A nil return with no error means the user never saved settings.
type SettingsStore interface {
	Get(ctx context.Context, userID string) (*types.UserNotificationSettings, error)
}

// DispatchLogStore is the dispatch log surface the listener writes
// decisions to and reads limiter state from.
type DispatchLogStore interface {
	Create(ctx context.Context, entry *types.DispatchLogEntry) error
	CreateSentIfUnderCap(ctx context.Context, entry *types.DispatchLogEntry, windowStart time.Time, maxSent int) (types.SendClaim, error)
	FindMostRecentSent(ctx context.Context, userID string, t types.NotificationType) (*types.DispatchLogEntry, error)
	UpdateStatus(ctx context.Context, id string, status types.DispatchStatus, reason string) error
}

// Listener consumes reply-created events and either dispatches a
// community-reply notification or records why it did not.
type Listener struct {
	settings   SettingsStore
	log        DispatchLogStore
	builder    *jobs.Builder
	dispatcher dispatch.Dispatcher
	metrics    dispatch.Metrics
	logger     types.Logger
	clock      types.Clock

	defaultCooldown time.Duration
}

func NewListener(
	settings SettingsStore,
	log DispatchLogStore,
	dispatcher dispatch.Dispatcher,
	metrics dispatch.Metrics,
	logger types.Logger,
	clock types.Clock,
) *Listener {
	if clock == nil {
		clock = types.RealClock{}
	}
	if metrics == nil {
		metrics = dispatch.NoopMetrics{}
	}
	return &Listener{
		settings:        settings,
		log:             log,
		defaultCooldown: DefaultCooldown,
		builder:         jobs.NewBuilder(clock),
		dispatcher:      dispatcher,
		metrics:         metrics,
		logger:          logger,
		clock:           clock,
	}
}

// SetDefaultCooldown overrides the fallback cooldown applied to users
// without a per-user override. Non-positive values keep the built-in
// default.
func (l *Listener) SetDefaultCooldown(d time.Duration) {
	if d > 0 {
		l.defaultCooldown = d
	}
}

// HandleReplyCreated runs one event through the gate. The outcomes are:
//
//   - malformed event or self-reply: dropped before the policy, no log entry
//   - opted out (or no settings row): SKIPPED entry
//   - inside the cooldown since the last SENT: SKIPPED entry
//   - cap reached in the trailing window: SKIPPED entry
//   - otherwise: dispatch, recorded as SENT or FAILED
//
// An error return means the decision could not be made or recorded (a
// storage fault), never that a delivery failed.
func (l *Listener) HandleReplyCreated(ctx context.Context, event types.ReplyCreatedEvent) (*Outcome, error) {
	if event.ActorUserID == "" || event.TargetUserID == "" {
		l.logger.Warn("dropping malformed reply event",
			"actor_user_id", event.ActorUserID,
			"target_user_id", event.TargetUserID,
		)
		return &Outcome{Reason: ReasonMalformed}, nil
	}
	if event.ActorUserID == event.TargetUserID {
		// Users never get notified about their own replies.
		return &Outcome{Reason: ReasonSelfReply}, nil
	}

	settings, err := l.settings.Get(ctx, event.TargetUserID)
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	job := l.buildJob(event, settings)

	if settings == nil || !settings.CommunityReplies {
		return l.recordSkip(ctx, event, job, now, ReasonOptedOut)
	}

	cooldown := l.defaultCooldown
	if settings.CooldownMinutes > 0 {
		cooldown = time.Duration(settings.CooldownMinutes) * time.Minute
	}
	lastSent, err := l.log.FindMostRecentSent(ctx, event.TargetUserID, types.NotificationCommunityReplies)
	if err != nil {
		return nil, err
	}
	if lastSent != nil && now.Sub(lastSent.DispatchedAtUTC) < cooldown {
		return l.recordSkip(ctx, event, job, now, ReasonCooldown)
	}

	// Claim a send slot atomically: the count and the insert run as one
	// guarded statement, so concurrent events for the same user cannot both
	// squeeze into the last slot.
	sentEntry := &types.DispatchLogEntry{
		UserID:          event.TargetUserID,
		Type:            types.NotificationCommunityReplies,
		Status:          types.DispatchStatusSent,
		Channel:         l.dispatcher.Channel(),
		ScheduledAtUTC:  job.ScheduledAtUTC,
		DispatchedAtUTC: now,
		DedupeKey:       dedupeKey(job.JobID, event.ActorUserID),
		Payload:         job.Payload,
	}
	claim, err := l.log.CreateSentIfUnderCap(ctx, sentEntry, now.Add(-CapWindow), HourlyCap)
	if err != nil {
		return nil, err
	}
	switch claim {
	case types.SendClaimDuplicate:
		return l.recordSkip(ctx, event, job, now, ReasonDuplicate)
	case types.SendClaimCapReached:
		return l.recordSkip(ctx, event, job, now, ReasonHourlyCap)
	}

	result := l.dispatcher.Dispatch(ctx, job)
	if !result.Delivered {
		// Free the claimed slot: FAILED rows do not count toward the cap.
		if err := l.log.UpdateStatus(ctx, sentEntry.ID, types.DispatchStatusFailed, result.Message); err != nil {
			return nil, err
		}
		l.metrics.RecordDispatch(ctx, l.dispatcher.Channel(), types.DispatchStatusFailed)
		l.logger.Warn("reply notification delivery failed",
			"job_id", job.JobID,
			"user_id", event.TargetUserID,
			"reason", result.Message,
		)
		return &Outcome{Reason: result.Message, Job: &job, Dispatch: &result}, nil
	}

	l.metrics.RecordDispatch(ctx, l.dispatcher.Channel(), types.DispatchStatusSent)
	l.logger.Info("reply notification sent",
		"job_id", job.JobID,
		"user_id", event.TargetUserID,
		"actor_user_id", event.ActorUserID,
	)
	return &Outcome{Notified: true, Job: &job, Dispatch: &result}, nil
}

func (l *Listener) buildJob(event types.ReplyCreatedEvent, settings *types.UserNotificationSettings) types.NotificationJob {
	replyCount := event.ReplyCount
	if replyCount <= 0 {
		replyCount = 1
	}
	zones := map[string]string{}
	if settings != nil && settings.Timezone != "" {
		zones[event.TargetUserID] = settings.Timezone
	}

	signal := types.CommunityReplySignal{
		UserID:           event.TargetUserID,
		ReplyCount:       replyCount,
		LatestReplyAtUTC: event.OccurredAtUTC,
	}
	built := l.builder.BuildCommunityReplyJobs([]types.CommunityReplySignal{signal}, zones)
	if len(built) == 0 {
		// Unresolvable stored timezone; rebuild with the UTC fallback.
		built = l.builder.BuildCommunityReplyJobs([]types.CommunityReplySignal{signal}, nil)
	}
	return built[0]
}

func (l *Listener) recordSkip(ctx context.Context, event types.ReplyCreatedEvent, job types.NotificationJob, now time.Time, reason string) (*Outcome, error) {
	entry := &types.DispatchLogEntry{
		UserID:          event.TargetUserID,
		Type:            types.NotificationCommunityReplies,
		Status:          types.DispatchStatusSkipped,
		Channel:         l.dispatcher.Channel(),
		ScheduledAtUTC:  job.ScheduledAtUTC,
		DispatchedAtUTC: now,
		DedupeKey:       dedupeKey(job.JobID, event.ActorUserID) + ":" + reason,
		Payload:         job.Payload,
		Reason:          reason,
	}
	if err := l.log.Create(ctx, entry); err != nil {
		return nil, err
	}
	l.metrics.RecordDispatch(ctx, l.dispatcher.Channel(), types.DispatchStatusSkipped)
	l.logger.Info("reply notification skipped",
		"user_id", event.TargetUserID,
		"actor_user_id", event.ActorUserID,
		"reason", reason,
	)
	return &Outcome{Reason: reason, Job: &job}, nil
}

// dedupeKey ties a decision to the deterministic job id plus the actor who
// triggered it, so a replayed event collapses onto the same row.
func dedupeKey(jobID, actorUserID string) string {
	return fmt.Sprintf("%s:%s", jobID, actorUserID)
}

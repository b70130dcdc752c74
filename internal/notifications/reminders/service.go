// Package reminders drives the recurring notifications: it dispatches
// reminders whose persisted due instant has arrived and advances each
// user's next-run markers with the recurrence calculator. The markers live
// in the settings store, so a worker restart never loses or repeats a
// cycle.
package reminders

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"wellpulse/internal/localtime"
	"wellpulse/internal/notifications/dispatch"
	"wellpulse/internal/notifications/jobs"
	"wellpulse/internal/schedule"
	"wellpulse/internal/types"
)

// userConcurrency bounds how many users one fan-out cycle processes in
// parallel.
const userConcurrency = 8

// SettingsStore is the settings surface the reminder engine needs.
type SettingsStore interface {
	Get(ctx context.Context, userID string) (*types.UserNotificationSettings, error)
	ListDueReminders(ctx context.Context, t types.NotificationType, nowUTC time.Time, limit int) ([]types.UserNotificationSettings, error)
	SetNextRunAt(ctx context.Context, userID string, t types.NotificationType, next time.Time) error
}

// DispatchLogStore records reminder outcomes.
type DispatchLogStore interface {
	Create(ctx context.Context, entry *types.DispatchLogEntry) error
}

// Service dispatches due reminders and maintains the next-run markers.
type Service struct {
	settings   SettingsStore
	log        DispatchLogStore
	dispatcher dispatch.Dispatcher
	metrics    dispatch.Metrics
	builder    *jobs.Builder
	logger     types.Logger
	clock      types.Clock
	batchSize  int
}

func NewService(
	settings SettingsStore,
	log DispatchLogStore,
	dispatcher dispatch.Dispatcher,
	metrics dispatch.Metrics,
	logger types.Logger,
	clock types.Clock,
	batchSize int,
) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	if metrics == nil {
		metrics = dispatch.NoopMetrics{}
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Service{
		settings:   settings,
		log:        log,
		dispatcher: dispatcher,
		metrics:    metrics,
		builder:    jobs.NewBuilder(clock),
		logger:     logger,
		clock:      clock,
		batchSize:  batchSize,
	}
}

// reminderTypes lists the recurring types in dispatch order.
var reminderTypes = []types.NotificationType{
	types.NotificationDailyCheckIn,
	types.NotificationWeeklyReflection,
}

// RefreshMarkers recomputes the next occurrence for every opted-in
// recurring type and persists the markers. Called after a settings write
// so the worker picks up the new schedule on its next cycle. Returns the
// upcoming jobs, sorted ascending.
func (s *Service) RefreshMarkers(ctx context.Context, settings *types.UserNotificationSettings) ([]types.NotificationJob, error) {
	built, err := s.builder.BuildScheduledJobs(settings.Profile(), s.clock.Now())
	if err != nil {
		return nil, err
	}
	for _, job := range built {
		if err := s.settings.SetNextRunAt(ctx, settings.UserID, job.Type, job.ScheduledAtUTC); err != nil {
			return nil, err
		}
	}
	return built, nil
}

// ProcessDue runs one worker cycle: for each recurring type it picks up
// users whose marker has come due and processes them with bounded
// concurrency. Returns how many reminders were dispatched.
func (s *Service) ProcessDue(ctx context.Context) (int, error) {
	now := s.clock.Now()

	dispatched := 0
	for _, reminderType := range reminderTypes {
		due, err := s.settings.ListDueReminders(ctx, reminderType, now, s.batchSize)
		if err != nil {
			return dispatched, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(userConcurrency)
		results := make([]int, len(due))
		for i := range due {
			g.Go(func() error {
				n, err := s.processUserType(gctx, &due[i], reminderType)
				results[i] = n
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return dispatched, err
		}
		for _, n := range results {
			dispatched += n
		}
	}
	return dispatched, nil
}

// DueUserIDs lists the users with at least one reminder marker at or past
// now, deduplicated across types. The worker's fan-out stage uses this to
// enqueue one message per user.
func (s *Service) DueUserIDs(ctx context.Context) ([]string, error) {
	now := s.clock.Now()

	seen := make(map[string]struct{})
	var ids []string
	for _, reminderType := range reminderTypes {
		due, err := s.settings.ListDueReminders(ctx, reminderType, now, s.batchSize)
		if err != nil {
			return nil, err
		}
		for i := range due {
			if _, ok := seen[due[i].UserID]; ok {
				continue
			}
			seen[due[i].UserID] = struct{}{}
			ids = append(ids, due[i].UserID)
		}
	}
	return ids, nil
}

// ProcessUser dispatches any due reminders for a single user and advances
// their markers. Users without a settings row are a quiet no-op.
func (s *Service) ProcessUser(ctx context.Context, userID string) (int, error) {
	settings, err := s.settings.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	if settings == nil {
		return 0, nil
	}

	dispatched := 0
	for _, reminderType := range reminderTypes {
		n, err := s.processUserType(ctx, settings, reminderType)
		if err != nil {
			return dispatched, err
		}
		dispatched += n
	}
	return dispatched, nil
}

// processUserType handles one (user, type) pair: dispatch if the marker is
// due, then advance the marker past now. Returns 1 when a reminder was
// dispatched.
func (s *Service) processUserType(ctx context.Context, settings *types.UserNotificationSettings, reminderType types.NotificationType) (int, error) {
	optedIn, marker := reminderState(settings, reminderType)
	if !optedIn {
		return 0, nil
	}

	now := s.clock.Now()
	timezone := settings.Timezone
	if !localtime.IsValidZone(timezone) {
		// A zone the tz database no longer resolves must not strand the
		// user's reminders.
		s.logger.Warn("falling back to UTC for unresolvable timezone",
			"user_id", settings.UserID,
			"timezone", timezone,
		)
		timezone = "UTC"
	}

	dispatched := 0
	if !marker.IsZero() && !marker.After(now) {
		job := s.builder.BuildJobAt(settings.UserID, reminderType, marker, timezone)
		result := s.dispatcher.Dispatch(ctx, job)

		status := types.DispatchStatusSent
		reason := ""
		if !result.Delivered {
			status = types.DispatchStatusFailed
			reason = result.Message
		} else {
			dispatched = 1
		}

		entry := &types.DispatchLogEntry{
			UserID:          settings.UserID,
			Type:            reminderType,
			Status:          status,
			Channel:         s.dispatcher.Channel(),
			ScheduledAtUTC:  job.ScheduledAtUTC,
			DispatchedAtUTC: now,
			DedupeKey:       job.JobID,
			Payload:         job.Payload,
			Reason:          reason,
		}
		if err := s.log.Create(ctx, entry); err != nil {
			return dispatched, err
		}
		s.metrics.RecordDispatch(ctx, s.dispatcher.Channel(), status)
	}

	next, err := s.nextOccurrence(settings, reminderType, timezone, now)
	if err != nil {
		return dispatched, err
	}
	if next.Equal(marker) {
		return dispatched, nil
	}
	if err := s.settings.SetNextRunAt(ctx, settings.UserID, reminderType, next); err != nil {
		return dispatched, err
	}
	return dispatched, nil
}

func (s *Service) nextOccurrence(settings *types.UserNotificationSettings, reminderType types.NotificationType, timezone string, now time.Time) (time.Time, error) {
	switch reminderType {
	case types.NotificationWeeklyReflection:
		return schedule.NextWeeklyUTC(now, timezone, settings.WeeklyReflectionDayLocal, settings.WeeklyReflectionHourLocal)
	default:
		return schedule.NextDailyUTC(now, timezone, settings.DailyReminderHourLocal)
	}
}

func reminderState(settings *types.UserNotificationSettings, reminderType types.NotificationType) (optedIn bool, marker time.Time) {
	switch reminderType {
	case types.NotificationWeeklyReflection:
		return settings.WeeklyReflection, settings.NextWeeklyAtUTC
	default:
		return settings.DailyCheckInReminder, settings.NextDailyAtUTC
	}
}

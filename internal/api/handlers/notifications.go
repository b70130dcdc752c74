// Package handlers contains the HTTP handler implementations for the
// WellPulse notification API: schedule previews, the reply event intake,
// and per-user settings.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"wellpulse/internal/core"
	"wellpulse/internal/localtime"
	"wellpulse/internal/notifications/jobs"
	"wellpulse/internal/notifications/replies"
	"wellpulse/internal/types"
)

// --- Service Interfaces ---

// SettingsRepo defines the settings data access the handler needs.
type SettingsRepo interface {
	Get(ctx context.Context, userID string) (*types.UserNotificationSettings, error)
	Upsert(ctx context.Context, s *types.UserNotificationSettings) error
}

// ReminderScheduler recomputes and persists next-run markers, returning
// the upcoming jobs.
type ReminderScheduler interface {
	RefreshMarkers(ctx context.Context, settings *types.UserNotificationSettings) ([]types.NotificationJob, error)
}

// ReplyGate runs a reply event through the dispatch policy.
type ReplyGate interface {
	HandleReplyCreated(ctx context.Context, event types.ReplyCreatedEvent) (*replies.Outcome, error)
}

// JobDispatcher delivers a batch of jobs in scheduled order.
type JobDispatcher interface {
	DispatchJobs(ctx context.Context, batch []types.NotificationJob) []types.NotificationDispatchResult
}

// --- Request/Response Models ---

// ScheduleRequest previews (and optionally dispatches) the next daily
// check-in reminder for the caller.
type ScheduleRequest struct {
	UserID      string                    `json:"userId,omitempty"`
	OptIn       types.NotificationOptIn   `json:"optIn"`
	Schedule    types.SchedulePreferences `json:"schedule"`
	DispatchNow bool                      `json:"dispatchNow,omitempty"`
}

// ScheduleResponse reports whether a job was built and, when dispatchNow
// was set, the dispatch outcome.
type ScheduleResponse struct {
	Scheduled  bool                              `json:"scheduled"`
	Reason     string                            `json:"reason,omitempty"`
	Job        *types.NotificationJob            `json:"job,omitempty"`
	Dispatched *types.NotificationDispatchResult `json:"dispatched"`
}

// ReplyEventRequest is the intake shape for a reply-created event.
type ReplyEventRequest struct {
	ActorUserID   string     `json:"actorUserId,omitempty"`
	TargetUserID  string     `json:"targetUserId"`
	ReplyCount    int        `json:"replyCount,omitempty"`
	OccurredAtUTC *time.Time `json:"occurredAtUtc,omitempty"`
}

// SettingsRequest is the PUT body for notification settings.
type SettingsRequest struct {
	Email                     string `json:"email,omitempty" validate:"omitempty,email"`
	DailyCheckInReminder      bool   `json:"dailyCheckInReminder"`
	WeeklyReflection          bool   `json:"weeklyReflection"`
	CommunityReplies          bool   `json:"communityReplies"`
	Timezone                  string `json:"timezone" validate:"required"`
	DailyReminderHourLocal    int    `json:"dailyReminderHourLocal" validate:"min=0,max=23"`
	WeeklyReflectionDayLocal  int    `json:"weeklyReflectionDayLocal" validate:"min=0,max=6"`
	WeeklyReflectionHourLocal int    `json:"weeklyReflectionHourLocal" validate:"min=0,max=23"`
	CooldownMinutes           int    `json:"cooldownMinutes,omitempty" validate:"min=0,max=1440"`
}

// SettingsResponse wraps a settings row with its upcoming reminders.
type SettingsResponse struct {
	Settings *types.UserNotificationSettings `json:"settings"`
	Upcoming []types.NotificationJob         `json:"upcoming,omitempty"`
}

// --- Handler ---

// NotificationHandler serves the /v1/notifications routes.
type NotificationHandler struct {
	settings   SettingsRepo
	scheduler  ReminderScheduler
	replies    ReplyGate
	dispatcher JobDispatcher
	validator  *core.Validator
	builder    *jobs.Builder
	clock      types.Clock
}

func NewNotificationHandler(
	settings SettingsRepo,
	scheduler ReminderScheduler,
	replies ReplyGate,
	dispatcher JobDispatcher,
	validator *core.Validator,
	clock types.Clock,
) *NotificationHandler {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &NotificationHandler{
		settings:   settings,
		scheduler:  scheduler,
		replies:    replies,
		dispatcher: dispatcher,
		validator:  validator,
		builder:    jobs.NewBuilder(clock),
		clock:      clock,
	}
}

// Routes mounts the notification endpoints on a chi router.
func (h *NotificationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/daily-check-in/schedule", h.ScheduleDailyCheckIn)
	r.Post("/replies/event", h.ReplyEvent)
	r.Get("/settings/{userID}", h.GetSettings)
	r.Put("/settings/{userID}", h.PutSettings)
	return r
}

// ScheduleDailyCheckIn builds the caller's next daily check-in reminder
// job. With dispatchNow set, the job is also dispatched immediately and
// the outcome returned.
func (h *NotificationHandler) ScheduleDailyCheckIn(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	userID := req.UserID
	if authID, ok := types.GetUserID(r.Context()); ok {
		if userID == "" {
			userID = authID
		} else if userID != authID {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationFailed,
				"userId does not match authenticated user", nil))
			return
		}
	}

	profile := types.UserNotificationProfile{
		UserID:   userID,
		OptIn:    req.OptIn,
		Schedule: req.Schedule,
	}
	job, err := h.builder.BuildDailyCheckInReminderJob(profile, h.clock.Now())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if job == nil {
		core.JSON(w, r, http.StatusOK, ScheduleResponse{
			Scheduled: false,
			Reason:    "User is not opted in to daily check-in reminders.",
		})
		return
	}

	resp := ScheduleResponse{Scheduled: true, Job: job}
	if req.DispatchNow {
		results := h.dispatcher.DispatchJobs(r.Context(), []types.NotificationJob{*job})
		if len(results) > 0 {
			resp.Dispatched = &results[0]
		}
	}
	core.JSON(w, r, http.StatusOK, resp)
}

// ReplyEvent feeds one reply-created event into the dispatch policy. The
// response is always 202 with the gate's decision in the body; skip and
// drop outcomes are not HTTP errors.
func (h *NotificationHandler) ReplyEvent(w http.ResponseWriter, r *http.Request) {
	var req ReplyEventRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	actorID := req.ActorUserID
	if authID, ok := types.GetUserID(r.Context()); ok {
		if actorID == "" {
			actorID = authID
		} else if actorID != authID {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationFailed,
				"actorUserId does not match authenticated user", nil))
			return
		}
	}
	if req.TargetUserID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"targetUserId is required", nil))
		return
	}

	event := types.ReplyCreatedEvent{
		ActorUserID:   actorID,
		TargetUserID:  req.TargetUserID,
		ReplyCount:    req.ReplyCount,
		OccurredAtUTC: req.OccurredAtUTC,
	}
	outcome, err := h.replies.HandleReplyCreated(r.Context(), event)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusAccepted, outcome)
}

// GetSettings returns a user's stored settings plus their upcoming
// reminder jobs. A user who never saved settings gets a 404.
func (h *NotificationHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	settings, err := h.settings.Get(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if settings == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundSettings,
			"no notification settings for user", nil))
		return
	}

	upcoming, err := h.builder.BuildScheduledJobs(settings.Profile(), h.clock.Now())
	if err != nil {
		// Stored settings that no longer build (a retired zone name) still
		// return; the schedule preview is best-effort.
		upcoming = nil
	}
	core.JSON(w, r, http.StatusOK, SettingsResponse{Settings: settings, Upcoming: upcoming})
}

// PutSettings validates and stores a user's settings, then refreshes
// their next-run markers so the worker picks up the new schedule.
func (h *NotificationHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req SettingsRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if !localtime.IsValidZone(req.Timezone) {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			"timezone is not a recognized IANA zone name", nil))
		return
	}

	settings := &types.UserNotificationSettings{
		UserID:                    userID,
		Email:                     req.Email,
		DailyCheckInReminder:      req.DailyCheckInReminder,
		WeeklyReflection:          req.WeeklyReflection,
		CommunityReplies:          req.CommunityReplies,
		Timezone:                  req.Timezone,
		DailyReminderHourLocal:    req.DailyReminderHourLocal,
		WeeklyReflectionDayLocal:  req.WeeklyReflectionDayLocal,
		WeeklyReflectionHourLocal: req.WeeklyReflectionHourLocal,
		CooldownMinutes:           req.CooldownMinutes,
	}
	if err := h.settings.Upsert(r.Context(), settings); err != nil {
		core.Error(w, r, err)
		return
	}

	upcoming, err := h.scheduler.RefreshMarkers(r.Context(), settings)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, SettingsResponse{Settings: settings, Upcoming: upcoming})
}

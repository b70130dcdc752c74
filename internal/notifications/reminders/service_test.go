package reminders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellpulse/internal/notifications/dispatch"
	"wellpulse/internal/types"
)

type mockClock struct {
	now time.Time
}

func (c mockClock) Now() time.Time { return c.now }

type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockLogger) record(level, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, level+":"+msg)
}

func (m *mockLogger) Info(msg string, args ...any)  { m.record("info", msg) }
func (m *mockLogger) Error(msg string, args ...any) { m.record("error", msg) }
func (m *mockLogger) Warn(msg string, args ...any)  { m.record("warn", msg) }
func (m *mockLogger) With(args ...any) types.Logger { return m }

type fakeSettingsStore struct {
	mu   sync.Mutex
	rows map[string]*types.UserNotificationSettings
}

func (s *fakeSettingsStore) Get(_ context.Context, userID string) (*types.UserNotificationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[userID]; ok {
		copied := *row
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeSettingsStore) ListDueReminders(_ context.Context, t types.NotificationType, nowUTC time.Time, limit int) ([]types.UserNotificationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []types.UserNotificationSettings
	for _, row := range s.rows {
		optedIn, marker := reminderState(row, t)
		if optedIn && !marker.IsZero() && !marker.After(nowUTC) && len(due) < limit {
			due = append(due, *row)
		}
	}
	return due, nil
}

func (s *fakeSettingsStore) SetNextRunAt(_ context.Context, userID string, t types.NotificationType, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSettings, "no settings row for user", nil)
	}
	if t == types.NotificationWeeklyReflection {
		row.NextWeeklyAtUTC = next
	} else {
		row.NextDailyAtUTC = next
	}
	return nil
}

type fakeLog struct {
	mu      sync.Mutex
	entries []*types.DispatchLogEntry
}

func (f *fakeLog) Create(_ context.Context, entry *types.DispatchLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

type stubDispatcher struct {
	mu      sync.Mutex
	deliver bool
	jobs    []types.NotificationJob
}

func (d *stubDispatcher) Channel() types.ChannelType { return types.ChannelInApp }

func (d *stubDispatcher) Dispatch(_ context.Context, job types.NotificationJob) types.NotificationDispatchResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return types.NotificationDispatchResult{
		JobID:     job.JobID,
		UserID:    job.UserID,
		Type:      job.Type,
		Delivered: d.deliver,
		Message:   "stubbed",
	}
}

func berlinSettings(userID string) *types.UserNotificationSettings {
	return &types.UserNotificationSettings{
		UserID:                    userID,
		DailyCheckInReminder:      true,
		WeeklyReflection:          true,
		Timezone:                  "Europe/Berlin",
		DailyReminderHourLocal:    9,
		WeeklyReflectionDayLocal:  0,
		WeeklyReflectionHourLocal: 18,
	}
}

func newTestService(now time.Time, store *fakeSettingsStore, log *fakeLog, d *stubDispatcher) *Service {
	return NewService(store, log, d, dispatch.NoopMetrics{}, &mockLogger{}, mockClock{now: now}, 100)
}

func TestRefreshMarkersPersistsNextRuns(t *testing.T) {
	// 2025-06-01 is a Sunday; 12:00 UTC = 14:00 in Berlin (CEST).
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeSettingsStore{rows: map[string]*types.UserNotificationSettings{
		"user-1": berlinSettings("user-1"),
	}}
	svc := newTestService(now, store, &fakeLog{}, &stubDispatcher{deliver: true})

	built, err := svc.RefreshMarkers(context.Background(), store.rows["user-1"])
	require.NoError(t, err)
	require.Len(t, built, 2)

	// 09:00 Berlin already passed today, so the daily marker is tomorrow
	// 07:00 UTC; the weekly 18:00 Sunday is still ahead at 16:00 UTC.
	assert.Equal(t, time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC), store.rows["user-1"].NextDailyAtUTC)
	assert.Equal(t, time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC), store.rows["user-1"].NextWeeklyAtUTC)
	// Jobs come back sorted ascending.
	assert.True(t, !built[1].ScheduledAtUTC.Before(built[0].ScheduledAtUTC))
}

func TestProcessUserDispatchesDueReminderAndAdvancesMarker(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	settings := berlinSettings("user-1")
	settings.WeeklyReflection = false
	settings.NextDailyAtUTC = time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC) // due 5h ago
	// The store mutates the row in place when the marker advances, so pin
	// the due instant before processing.
	due := settings.NextDailyAtUTC

	store := &fakeSettingsStore{rows: map[string]*types.UserNotificationSettings{"user-1": settings}}
	log := &fakeLog{}
	d := &stubDispatcher{deliver: true}
	svc := newTestService(now, store, log, d)

	n, err := svc.ProcessUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The dispatched job carries the stored due instant, not "now".
	require.Len(t, d.jobs, 1)
	assert.Equal(t, due, d.jobs[0].ScheduledAtUTC)
	assert.Equal(t, "DAILY_CHECK_IN_REMINDER:user-1:20250601070000", d.jobs[0].JobID)

	require.Len(t, log.entries, 1)
	assert.Equal(t, types.DispatchStatusSent, log.entries[0].Status)
	assert.Equal(t, d.jobs[0].JobID, log.entries[0].DedupeKey)

	// The marker advanced to the next 09:00 Berlin = 07:00 UTC tomorrow.
	assert.Equal(t, time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC), store.rows["user-1"].NextDailyAtUTC)
}

func TestProcessUserFutureMarkerIsUntouched(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	settings := berlinSettings("user-1")
	settings.WeeklyReflection = false
	future := time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)
	settings.NextDailyAtUTC = future

	store := &fakeSettingsStore{rows: map[string]*types.UserNotificationSettings{"user-1": settings}}
	d := &stubDispatcher{deliver: true}
	svc := newTestService(now, store, &fakeLog{}, d)

	n, err := svc.ProcessUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, d.jobs)
	assert.Equal(t, future, store.rows["user-1"].NextDailyAtUTC)
}

func TestProcessUserInitializesMissingMarker(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	settings := berlinSettings("user-1")
	settings.WeeklyReflection = false // zero markers, daily only

	store := &fakeSettingsStore{rows: map[string]*types.UserNotificationSettings{"user-1": settings}}
	d := &stubDispatcher{deliver: true}
	svc := newTestService(now, store, &fakeLog{}, d)

	n, err := svc.ProcessUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, n, "a missing marker seeds the schedule without dispatching")
	assert.Equal(t, time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC), store.rows["user-1"].NextDailyAtUTC)
}

func TestProcessUserFailedDeliveryLogsFailed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	settings := berlinSettings("user-1")
	settings.WeeklyReflection = false
	settings.NextDailyAtUTC = now.Add(-time.Hour)

	store := &fakeSettingsStore{rows: map[string]*types.UserNotificationSettings{"user-1": settings}}
	log := &fakeLog{}
	svc := newTestService(now, store, log, &stubDispatcher{deliver: false})

	n, err := svc.ProcessUser(context.Background(), "user-1")
	require.NoError(t, err, "a failed delivery is data, not an error")
	assert.Zero(t, n)

	require.Len(t, log.entries, 1)
	assert.Equal(t, types.DispatchStatusFailed, log.entries[0].Status)
	assert.Equal(t, "stubbed", log.entries[0].Reason)
	// The marker still advances so the failure cannot wedge the schedule.
	assert.True(t, store.rows["user-1"].NextDailyAtUTC.After(now))
}

func TestProcessUserInvalidTimezoneFallsBackToUTC(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	settings := berlinSettings("user-1")
	settings.WeeklyReflection = false
	settings.Timezone = "Atlantis/Lost"
	settings.NextDailyAtUTC = now.Add(-time.Hour)

	store := &fakeSettingsStore{rows: map[string]*types.UserNotificationSettings{"user-1": settings}}
	d := &stubDispatcher{deliver: true}
	svc := newTestService(now, store, &fakeLog{}, d)

	n, err := svc.ProcessUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	// Next 09:00 interpreted in UTC.
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), store.rows["user-1"].NextDailyAtUTC)
}

func TestProcessUserUnknownUserIsNoOp(t *testing.T) {
	svc := newTestService(time.Now().UTC(), &fakeSettingsStore{rows: map[string]*types.UserNotificationSettings{}}, &fakeLog{}, &stubDispatcher{deliver: true})

	n, err := svc.ProcessUser(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDueUserIDsDeduplicatesAcrossTypes(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	both := berlinSettings("user-both")
	both.NextDailyAtUTC = now.Add(-time.Minute)
	both.NextWeeklyAtUTC = now.Add(-time.Minute)

	dailyOnly := berlinSettings("user-daily")
	dailyOnly.WeeklyReflection = false
	dailyOnly.NextDailyAtUTC = now.Add(-time.Minute)

	notDue := berlinSettings("user-future")
	notDue.NextDailyAtUTC = now.Add(time.Hour)
	notDue.NextWeeklyAtUTC = now.Add(time.Hour)

	store := &fakeSettingsStore{rows: map[string]*types.UserNotificationSettings{
		both.UserID:      both,
		dailyOnly.UserID: dailyOnly,
		notDue.UserID:    notDue,
	}}
	svc := newTestService(now, store, &fakeLog{}, &stubDispatcher{deliver: true})

	ids, err := svc.DueUserIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-both", "user-daily"}, ids)
}

func TestProcessDueHandlesBatch(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := map[string]*types.UserNotificationSettings{}
	for _, id := range []string{"a", "b", "c"} {
		s := berlinSettings("user-" + id)
		s.WeeklyReflection = false
		s.NextDailyAtUTC = now.Add(-time.Minute)
		rows[s.UserID] = s
	}
	// One user not yet due.
	notDue := berlinSettings("user-z")
	notDue.WeeklyReflection = false
	notDue.NextDailyAtUTC = now.Add(time.Hour)
	rows["user-z"] = notDue

	store := &fakeSettingsStore{rows: rows}
	log := &fakeLog{}
	d := &stubDispatcher{deliver: true}
	svc := newTestService(now, store, log, d)

	n, err := svc.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, log.entries, 3)

	// All due markers advanced past now.
	for _, id := range []string{"user-a", "user-b", "user-c"} {
		assert.True(t, store.rows[id].NextDailyAtUTC.After(now), "marker for %s must advance", id)
	}
	assert.Equal(t, now.Add(time.Hour), store.rows["user-z"].NextDailyAtUTC)
}

package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/municipio-digital/agenda/internal/event"
	"github.com/municipio-digital/agenda/internal/notify"
	"github.com/municipio-digital/agenda/internal/testutil"
)

// fakeStore holds events in memory and applies the same candidate
// filters and conditional batch update as the SQLite store.
type fakeStore struct {
	mu      sync.Mutex
	events  map[string]*event.Event
	listErr error

	// batchCalls counts BatchUpdateStatus invocations that carried ids.
	batchCalls int
}

func newFakeStore(events ...event.Event) *fakeStore {
	s := &fakeStore{events: make(map[string]*event.Event)}
	for i := range events {
		ev := events[i]
		s.events[ev.ID] = &ev
	}
	return s
}

func (s *fakeStore) ExpireCandidates(_ context.Context, today time.Time) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []event.Event
	for _, ev := range s.events {
		if ev.Status != event.StatusPending && ev.Status != event.StatusOngoing {
			continue
		}
		if ev.DateTo.Format("2006-01-02") > today.Format("2006-01-02") {
			continue
		}
		out = append(out, *ev)
	}
	return out, nil
}

func (s *fakeStore) ActivateCandidates(_ context.Context, today time.Time) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []event.Event
	for _, ev := range s.events {
		if ev.Status != event.StatusPending {
			continue
		}
		day := today.Format("2006-01-02")
		if ev.DateFrom.Format("2006-01-02") > day || ev.DateTo.Format("2006-01-02") < day {
			continue
		}
		out = append(out, *ev)
	}
	return out, nil
}

func (s *fakeStore) StartingOn(_ context.Context, date time.Time, status event.Status) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []event.Event
	for _, ev := range s.events {
		if ev.Status == status && ev.DateFrom.Format("2006-01-02") == date.Format("2006-01-02") {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (s *fakeStore) BatchUpdateStatus(_ context.Context, ids []string, newStatus event.Status, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	var n int64
	for _, id := range ids {
		ev, ok := s.events[id]
		if !ok || ev.Status.Terminal() {
			continue
		}
		ev.Status = newStatus
		ev.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *fakeStore) status(id string) event.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id].Status
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []notify.Job
	err  error
}

func (n *fakeNotifier) Enqueue(_ context.Context, job notify.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.jobs = append(n.jobs, job)
	return nil
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func testEvent(id string, status event.Status, dateFrom, dateTo, timeFrom, timeTo string) event.Event {
	return event.Event{
		ID:            id,
		Title:         "Feria del Libro",
		Areas:         []string{"plaza"},
		DateFrom:      date(dateFrom),
		DateTo:        date(dateTo),
		TimeFrom:      timeFrom,
		TimeTo:        timeTo,
		Status:        status,
		FormalContact: "cultura@example.gob",
	}
}

func TestExpirePassMinuteBoundary(t *testing.T) {
	tests := []struct {
		name    string
		now     string
		expired bool
	}{
		{"before end minute", "2026-03-10 17:15", false},
		{"exactly at end minute", "2026-03-10 17:17", true},
		{"after end minute", "2026-03-10 17:30", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore(testEvent("e1", event.StatusOngoing, "2026-03-10", "2026-03-10", "09:00", "17:17"))
			s := New(st, WithNow(testutil.At(tt.now).Now))

			n, err := s.RunExpirePass(context.Background())
			require.NoError(t, err)

			if tt.expired {
				assert.Equal(t, int64(1), n)
				assert.Equal(t, event.StatusFinished, st.status("e1"))
			} else {
				assert.Zero(t, n)
				assert.Equal(t, event.StatusOngoing, st.status("e1"))
			}
		})
	}
}

func TestExpirePassPastDateIgnoresTime(t *testing.T) {
	// An event that ended yesterday is overdue no matter how early in
	// the day the pass runs.
	st := newFakeStore(testEvent("e1", event.StatusOngoing, "2026-03-09", "2026-03-09", "09:00", "23:59"))
	s := New(st, WithNow(testutil.At("2026-03-10 00:05").Now))

	n, err := s.RunExpirePass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, event.StatusFinished, st.status("e1"))
}

func TestExpirePassWesternZoneHonorsEndTime(t *testing.T) {
	// Store dates are zone-free while the process clock may not be.
	// West of UTC an event ending today must still wait for its timeTo
	// rather than being treated as ended yesterday.
	zone := time.FixedZone("UTC-3", -3*60*60)
	st := newFakeStore(testEvent("e1", event.StatusOngoing, "2026-03-10", "2026-03-10", "08:00", "23:59"))
	s := New(st, WithNow(func() time.Time {
		return time.Date(2026, 3, 10, 10, 0, 0, 0, zone)
	}))

	n, err := s.RunExpirePass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, event.StatusOngoing, st.status("e1"))
}

func TestActivatePassEasternZoneStartsSameDay(t *testing.T) {
	// East of UTC an event starting today must activate today, not a
	// day late.
	zone := time.FixedZone("UTC+13", 13*60*60)
	st := newFakeStore(testEvent("e1", event.StatusPending, "2026-03-10", "2026-03-10", "09:00", "18:00"))
	s := New(st, WithNow(func() time.Time {
		return time.Date(2026, 3, 10, 9, 30, 0, 0, zone)
	}))

	n, err := s.RunActivatePass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, event.StatusOngoing, st.status("e1"))
}

func TestExpirePassSkipsTerminalAndFuture(t *testing.T) {
	st := newFakeStore(
		testEvent("cancelled", event.StatusCancelled, "2026-03-09", "2026-03-09", "09:00", "10:00"),
		testEvent("finished", event.StatusFinished, "2026-03-09", "2026-03-09", "09:00", "10:00"),
		testEvent("future", event.StatusPending, "2026-03-11", "2026-03-11", "09:00", "10:00"),
	)
	s := New(st, WithNow(testutil.At("2026-03-10 12:00").Now))

	n, err := s.RunExpirePass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, event.StatusCancelled, st.status("cancelled"))
	assert.Equal(t, event.StatusFinished, st.status("finished"))
	assert.Equal(t, event.StatusPending, st.status("future"))
}

func TestExpirePassExpiresPendingThatNeverActivated(t *testing.T) {
	// A PENDING event whose whole window already passed goes straight
	// to FINISHED without ever having been ONGOING.
	st := newFakeStore(testEvent("e1", event.StatusPending, "2026-03-08", "2026-03-09", "09:00", "18:00"))
	s := New(st, WithNow(testutil.At("2026-03-10 08:00").Now))

	n, err := s.RunExpirePass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, event.StatusFinished, st.status("e1"))
}

func TestActivatePassMinuteBoundary(t *testing.T) {
	tests := []struct {
		name   string
		now    string
		active bool
	}{
		{"before start minute", "2026-03-10 08:59", false},
		{"exactly at start minute", "2026-03-10 09:00", true},
		{"after start minute", "2026-03-10 09:15", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore(testEvent("e1", event.StatusPending, "2026-03-10", "2026-03-12", "09:00", "18:00"))
			s := New(st, WithNow(testutil.At(tt.now).Now))

			n, err := s.RunActivatePass(context.Background())
			require.NoError(t, err)

			if tt.active {
				assert.Equal(t, int64(1), n)
				assert.Equal(t, event.StatusOngoing, st.status("e1"))
			} else {
				assert.Zero(t, n)
				assert.Equal(t, event.StatusPending, st.status("e1"))
			}
		})
	}
}

func TestActivatePassMultiDayAlreadyStarted(t *testing.T) {
	// dateFrom in the past: activate regardless of the current minute.
	st := newFakeStore(testEvent("e1", event.StatusPending, "2026-03-09", "2026-03-12", "09:00", "18:00"))
	s := New(st, WithNow(testutil.At("2026-03-10 07:00").Now))

	n, err := s.RunActivatePass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, event.StatusOngoing, st.status("e1"))
}

func TestActivatePassOnlyTouchesPending(t *testing.T) {
	st := newFakeStore(
		testEvent("ongoing", event.StatusOngoing, "2026-03-09", "2026-03-12", "09:00", "18:00"),
		testEvent("cancelled", event.StatusCancelled, "2026-03-09", "2026-03-12", "09:00", "18:00"),
	)
	s := New(st, WithNow(testutil.At("2026-03-10 12:00").Now))

	n, err := s.RunActivatePass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, event.StatusOngoing, st.status("ongoing"))
	assert.Equal(t, event.StatusCancelled, st.status("cancelled"))
}

func TestPassesAreIdempotent(t *testing.T) {
	st := newFakeStore(
		testEvent("start", event.StatusPending, "2026-03-10", "2026-03-12", "09:00", "18:00"),
		testEvent("end", event.StatusOngoing, "2026-03-09", "2026-03-09", "09:00", "18:00"),
	)
	s := New(st, WithNow(testutil.At("2026-03-10 12:00").Now))

	ctx := context.Background()
	n, err := s.RunActivatePass(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.RunExpirePass(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// No time has passed: both passes find nothing new.
	n, err = s.RunActivatePass(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.RunExpirePass(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpirePassMalformedTimeSkipped(t *testing.T) {
	bad := testEvent("bad", event.StatusOngoing, "2026-03-10", "2026-03-10", "09:00", "25:99")
	good := testEvent("good", event.StatusOngoing, "2026-03-10", "2026-03-10", "09:00", "10:00")
	st := newFakeStore(bad, good)
	s := New(st, WithNow(testutil.At("2026-03-10 12:00").Now))

	n, err := s.RunExpirePass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, event.StatusOngoing, st.status("bad"))
	assert.Equal(t, event.StatusFinished, st.status("good"))
}

func TestExpirePassPropagatesStoreError(t *testing.T) {
	st := newFakeStore()
	st.listErr = errors.New("disk is gone")
	s := New(st, WithNow(testutil.At("2026-03-10 12:00").Now))

	_, err := s.RunExpirePass(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expire pass")
}

func TestInFlightGuardSkipsOverlap(t *testing.T) {
	st := newFakeStore(testEvent("e1", event.StatusOngoing, "2026-03-09", "2026-03-09", "09:00", "18:00"))
	s := New(st, WithNow(testutil.At("2026-03-10 12:00").Now))

	// Simulate a pass that is still running.
	require.True(t, s.expireRunning.CompareAndSwap(false, true))
	n, err := s.RunExpirePass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, event.StatusOngoing, st.status("e1"), "skipped tick must not touch anything")
	s.expireRunning.Store(false)

	// The flag only guards its own pass.
	require.True(t, s.activateRunning.CompareAndSwap(false, true))
	n, err = s.RunExpirePass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReminderPassEnqueuesForTomorrow(t *testing.T) {
	st := newFakeStore(
		testEvent("tomorrow", event.StatusPending, "2026-03-11", "2026-03-11", "10:00", "12:00"),
		testEvent("today", event.StatusPending, "2026-03-10", "2026-03-10", "10:00", "12:00"),
		testEvent("later", event.StatusPending, "2026-03-12", "2026-03-12", "10:00", "12:00"),
		testEvent("cancelled", event.StatusCancelled, "2026-03-11", "2026-03-11", "10:00", "12:00"),
	)
	notifier := &fakeNotifier{}
	s := New(st, WithNow(testutil.At("2026-03-10 09:00").Now), WithNotifier(notifier))

	n, err := s.RunReminderPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, notifier.jobs, 1)
	job := notifier.jobs[0]
	assert.Equal(t, []string{"cultura@example.gob"}, job.Recipients)
	assert.Equal(t, "event-reminder", job.Template)
	assert.Equal(t, 1, job.Priority)
	assert.Equal(t, "Feria del Libro", job.Context["eventTitle"])
	assert.Equal(t, "2026-03-11", job.Context["eventDate"])
	assert.Equal(t, "10:00", job.Context["eventTime"])
	assert.Equal(t, "plaza", job.Context["eventAreas"])

	// Statuses are untouched: the reminder pass only reads.
	assert.Equal(t, event.StatusPending, st.status("tomorrow"))
}

func TestReminderPassSkipsMissingContact(t *testing.T) {
	noContact := testEvent("no-contact", event.StatusPending, "2026-03-11", "2026-03-11", "10:00", "12:00")
	noContact.FormalContact = ""
	st := newFakeStore(
		noContact,
		testEvent("ok", event.StatusPending, "2026-03-11", "2026-03-11", "10:00", "12:00"),
	)
	notifier := &fakeNotifier{}
	s := New(st, WithNow(testutil.At("2026-03-10 09:00").Now), WithNotifier(notifier))

	n, err := s.RunReminderPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, notifier.jobs, 1)
	assert.Equal(t, []string{"cultura@example.gob"}, notifier.jobs[0].Recipients)
}

func TestReminderPassContinuesAfterEnqueueError(t *testing.T) {
	st := newFakeStore(
		testEvent("a", event.StatusPending, "2026-03-11", "2026-03-11", "10:00", "12:00"),
		testEvent("b", event.StatusPending, "2026-03-11", "2026-03-11", "10:00", "12:00"),
	)
	notifier := &fakeNotifier{err: errors.New("queue is full")}
	s := New(st, WithNow(testutil.At("2026-03-10 09:00").Now), WithNotifier(notifier))

	n, err := s.RunReminderPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReminderPassWithoutNotifierIsNoop(t *testing.T) {
	st := newFakeStore(testEvent("e1", event.StatusPending, "2026-03-11", "2026-03-11", "10:00", "12:00"))
	s := New(st, WithNow(testutil.At("2026-03-10 09:00").Now))

	n, err := s.RunReminderPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

package avail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/municipio-digital/agenda/internal/event"
)

// fakeSource serves a fixed candidate list, applying the same date and
// exclusion filters the real store applies in SQL.
type fakeSource struct {
	events []event.Event
	err    error
}

func (f *fakeSource) ConflictCandidates(_ context.Context, dateFrom, dateTo time.Time, excludeID string) ([]event.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []event.Event
	for _, ev := range f.events {
		if ev.ID == excludeID || ev.Status.Terminal() {
			continue
		}
		if ev.DateFrom.After(event.DateOnly(dateTo)) || ev.DateTo.Before(event.DateOnly(dateFrom)) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func day(d int) time.Time {
	return time.Date(2026, 5, d, 0, 0, 0, 0, time.UTC)
}

func booking(id, area, timeFrom, timeTo string) event.Event {
	return event.Event{
		ID:       id,
		Title:    "Existing " + id,
		Areas:    []string{area},
		DateFrom: day(10),
		DateTo:   day(10),
		TimeFrom: timeFrom,
		TimeTo:   timeTo,
		Status:   event.StatusPending,
	}
}

func request(area, timeFrom, timeTo string) Request {
	return Request{
		Areas:    []string{area},
		DateFrom: day(10),
		DateTo:   day(10),
		TimeFrom: timeFrom,
		TimeTo:   timeTo,
	}
}

func TestCheck_BackToBackAllowed(t *testing.T) {
	c := New(&fakeSource{events: []event.Event{booking("e1", "A", "10:00", "11:00")}})

	// 11:00-12:00 right after 10:00-11:00 on the same area: the
	// half-open rule lets the boundary touch.
	err := c.Check(context.Background(), request("A", "11:00", "12:00"))
	assert.NoError(t, err)
}

func TestCheck_OverlapConflicts(t *testing.T) {
	c := New(&fakeSource{events: []event.Event{booking("e1", "A", "10:00", "11:00")}})

	err := c.Check(context.Background(), request("A", "10:30", "11:30"))
	require.Error(t, err)

	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	require.Len(t, conflictErr.Conflicts, 1)
	assert.Equal(t, "A", conflictErr.Conflicts[0].Area)
	assert.Equal(t, "e1", conflictErr.Conflicts[0].EventID)
}

func TestCheck_ContainedIntervalConflicts(t *testing.T) {
	c := New(&fakeSource{events: []event.Event{booking("e1", "A", "08:00", "20:00")}})

	err := c.Check(context.Background(), request("A", "12:00", "13:00"))
	assert.Error(t, err)
}

func TestCheck_DisjointAreasPass(t *testing.T) {
	c := New(&fakeSource{events: []event.Event{booking("e1", "A", "10:00", "11:00")}})

	err := c.Check(context.Background(), request("B", "10:00", "11:00"))
	assert.NoError(t, err)
}

func TestCheck_DisjointDatesPass(t *testing.T) {
	c := New(&fakeSource{events: []event.Event{booking("e1", "A", "10:00", "11:00")}})

	req := request("A", "10:00", "11:00")
	req.DateFrom, req.DateTo = day(11), day(11)
	err := c.Check(context.Background(), req)
	assert.NoError(t, err)
}

func TestCheck_AggregatesAllConflicts(t *testing.T) {
	shared := event.Event{
		ID:       "e2",
		Title:    "Existing e2",
		Areas:    []string{"A", "B"},
		DateFrom: day(10),
		DateTo:   day(10),
		TimeFrom: "09:00",
		TimeTo:   "18:00",
		Status:   event.StatusOngoing,
	}
	c := New(&fakeSource{events: []event.Event{
		booking("e1", "A", "10:00", "11:00"),
		shared,
	}})

	req := Request{
		Areas:    []string{"A", "B"},
		DateFrom: day(10),
		DateTo:   day(10),
		TimeFrom: "10:00",
		TimeTo:   "12:00",
	}
	err := c.Check(context.Background(), req)
	require.Error(t, err)

	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	// e1 clashes on A; e2 clashes on both A and B.
	assert.Len(t, conflictErr.Conflicts, 3)
}

func TestCheck_ExcludeSelf(t *testing.T) {
	c := New(&fakeSource{events: []event.Event{booking("self", "A", "10:00", "11:00")}})

	req := request("A", "10:00", "11:00")
	req.ExcludeID = "self"
	err := c.Check(context.Background(), req)
	assert.NoError(t, err)
}

func TestCheck_TerminalEventsIgnored(t *testing.T) {
	cancelled := booking("e1", "A", "10:00", "11:00")
	cancelled.Status = event.StatusCancelled
	finished := booking("e2", "A", "10:00", "11:00")
	finished.Status = event.StatusFinished

	c := New(&fakeSource{events: []event.Event{cancelled, finished}})

	err := c.Check(context.Background(), request("A", "10:00", "11:00"))
	assert.NoError(t, err)
}

func TestCheck_InvalidTimes(t *testing.T) {
	c := New(&fakeSource{})

	req := request("A", "99:00", "11:00")
	assert.Error(t, c.Check(context.Background(), req))

	req = request("A", "10:00", "11:75")
	assert.Error(t, c.Check(context.Background(), req))
}

func TestCheck_SourceErrorPropagates(t *testing.T) {
	boom := errors.New("db gone")
	c := New(&fakeSource{err: boom})

	err := c.Check(context.Background(), request("A", "10:00", "11:00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

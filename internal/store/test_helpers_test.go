package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/municipio-digital/agenda/internal/event"
	"github.com/municipio-digital/agenda/internal/notify"
)

// createTestStore creates a file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agenda.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("bad test date %q: %v", s, err)
	}
	return d
}

// testEvent builds a valid event with the given id and status.
func testEvent(t *testing.T, id string, status event.Status, dateFrom, dateTo string) event.Event {
	t.Helper()
	return event.Event{
		ID:              id,
		Title:           "Feria del Libro",
		Description:     "Feria anual en la plaza central",
		Areas:           []string{"plaza", "anfiteatro"},
		DateFrom:        testDate(t, dateFrom),
		DateTo:          testDate(t, dateTo),
		TimeFrom:        "10:00",
		TimeTo:          "18:00",
		Status:          status,
		Organizer:       "Direccion de Cultura",
		FormalContact:   "cultura@example.gob",
		ExpectedTurnout: 350,
		PressCoverage:   true,
		CreatedBy:       "operador",
		CreatedAt:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// testJob builds a queued job with the given id, due at the given time.
func testJob(t *testing.T, id string, due time.Time) notify.Job {
	t.Helper()
	return notify.Job{
		ID:            id,
		Recipients:    []string{"cultura@example.gob"},
		Subject:       "Recordatorio",
		Template:      "event-reminder",
		Context:       map[string]string{"eventTitle": "Feria del Libro"},
		Status:        notify.JobQueued,
		NextAttemptAt: due,
		CreatedAt:     due,
		UpdatedAt:     due,
	}
}

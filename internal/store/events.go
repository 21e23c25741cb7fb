package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/municipio-digital/agenda/internal/event"
)

const (
	dateLayout = "2006-01-02"

	// eventColumns is the canonical column list for event scans.
	eventColumns = `id, title, description, info, areas, date_from, date_to,
		time_from, time_to, status, organizer, formal_contact, informal_contact,
		expected_turnout, press_coverage, attachments, created_by, created_at, updated_at`
)

// ErrEventNotFound is returned when a lookup by ID matches nothing.
var ErrEventNotFound = errors.New("event not found")

// CreateEvent inserts a new event. The event must already be validated
// (see event.New); duplicate IDs are an error, not silently ignored,
// because IDs are generated fresh per event.
func (s *Store) CreateEvent(ctx context.Context, ev event.Event) error {
	areas, err := json.Marshal(ev.Areas)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	attachments, err := json.Marshal(emptyIfNil(ev.Attachments))
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		ev.Title,
		ev.Description,
		ev.Info,
		string(areas),
		ev.DateFrom.Format(dateLayout),
		ev.DateTo.Format(dateLayout),
		ev.TimeFrom,
		ev.TimeTo,
		string(ev.Status),
		ev.Organizer,
		ev.FormalContact,
		ev.InformalContact,
		ev.ExpectedTurnout,
		boolToInt(ev.PressCoverage),
		string(attachments),
		ev.CreatedBy,
		ev.CreatedAt.UTC().Format(time.RFC3339),
		ev.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// GetEvent fetches one event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE id = ?
	`, id)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, ErrEventNotFound
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// UpdateEvent rewrites all mutable fields of an existing event.
func (s *Store) UpdateEvent(ctx context.Context, ev event.Event) error {
	areas, err := json.Marshal(ev.Areas)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	attachments, err := json.Marshal(emptyIfNil(ev.Attachments))
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET
			title = ?, description = ?, info = ?, areas = ?,
			date_from = ?, date_to = ?, time_from = ?, time_to = ?,
			status = ?, organizer = ?, formal_contact = ?, informal_contact = ?,
			expected_turnout = ?, press_coverage = ?, attachments = ?, updated_at = ?
		WHERE id = ?
	`,
		ev.Title,
		ev.Description,
		ev.Info,
		string(areas),
		ev.DateFrom.Format(dateLayout),
		ev.DateTo.Format(dateLayout),
		ev.TimeFrom,
		ev.TimeTo,
		string(ev.Status),
		ev.Organizer,
		ev.FormalContact,
		ev.InformalContact,
		ev.ExpectedTurnout,
		boolToInt(ev.PressCoverage),
		string(attachments),
		ev.UpdatedAt.UTC().Format(time.RFC3339),
		ev.ID,
	)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

// DeleteEvent removes an event permanently.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

// EventFilter narrows ListEvents. Zero values mean "no constraint".
type EventFilter struct {
	Status   event.Status
	Area     string
	DateFrom time.Time // events starting at or after this date
	DateTo   time.Time // events ending at or before this date
}

// ListEvents returns events matching the filter, ordered by start date.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]event.Event, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.DateFrom.IsZero() {
		conds = append(conds, "date_from >= ?")
		args = append(args, event.DateOnly(f.DateFrom).Format(dateLayout))
	}
	if !f.DateTo.IsZero() {
		conds = append(conds, "date_to <= ?")
		args = append(args, event.DateOnly(f.DateTo).Format(dateLayout))
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY date_from ASC, time_from ASC"

	evs, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	// Area membership lives in a JSON column, so filter after scanning.
	if f.Area != "" {
		filtered := evs[:0]
		for _, ev := range evs {
			if ev.OccupiesArea(f.Area) {
				filtered = append(filtered, ev)
			}
		}
		evs = filtered
	}
	return evs, nil
}

// ExpireCandidates returns non-terminal events whose end date is today
// or earlier. The scheduler applies the time-of-day cut on top.
func (s *Store) ExpireCandidates(ctx context.Context, today time.Time) ([]event.Event, error) {
	evs, err := s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE status IN (?, ?) AND date_to <= ?
	`,
		string(event.StatusPending),
		string(event.StatusOngoing),
		event.DateOnly(today).Format(dateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("expire candidates: %w", err)
	}
	return evs, nil
}

// ActivateCandidates returns pending events whose date window contains
// today. The scheduler applies the time-of-day cut on top.
func (s *Store) ActivateCandidates(ctx context.Context, today time.Time) ([]event.Event, error) {
	day := event.DateOnly(today).Format(dateLayout)
	evs, err := s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE status = ? AND date_from <= ? AND date_to >= ?
	`, string(event.StatusPending), day, day)
	if err != nil {
		return nil, fmt.Errorf("activate candidates: %w", err)
	}
	return evs, nil
}

// StartingOn returns events with the given status whose window starts
// exactly on the given date. Used by the next-day reminder pass.
func (s *Store) StartingOn(ctx context.Context, date time.Time, status event.Status) ([]event.Event, error) {
	evs, err := s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE status = ? AND date_from = ?
		ORDER BY time_from ASC
	`, string(status), event.DateOnly(date).Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("starting on: %w", err)
	}
	return evs, nil
}

// ConflictCandidates returns non-terminal events whose date range
// intersects [dateFrom, dateTo], excluding excludeID if non-empty.
// This is the fetch half of the availability check; area and
// time-of-day intersection happen in the checker.
func (s *Store) ConflictCandidates(ctx context.Context, dateFrom, dateTo time.Time, excludeID string) ([]event.Event, error) {
	query := `
		SELECT ` + eventColumns + ` FROM events
		WHERE status NOT IN (?, ?) AND date_from <= ? AND date_to >= ?
	`
	args := []any{
		string(event.StatusCancelled),
		string(event.StatusFinished),
		event.DateOnly(dateTo).Format(dateLayout),
		event.DateOnly(dateFrom).Format(dateLayout),
	}
	if excludeID != "" {
		query += " AND id != ?"
		args = append(args, excludeID)
	}
	query += " ORDER BY date_from ASC, time_from ASC, id ASC"

	evs, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conflict candidates: %w", err)
	}
	return evs, nil
}

// BatchUpdateStatus transitions the given events to newStatus in one
// write and returns how many rows actually changed.
//
// The WHERE clause re-checks that each event is still non-terminal, so
// a concurrent cancel (or the other pass) can never be overwritten:
// FINISHED and CANCELLED are absorbing at the storage layer, not just
// by scheduler convention.
func (s *Store) BatchUpdateStatus(ctx context.Context, ids []string, newStatus event.Status, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+4)
	args = append(args, string(newStatus), now.UTC().Format(time.RFC3339))
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(event.StatusFinished), string(event.StatusCancelled))

	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, updated_at = ?
		WHERE id IN (`+placeholders+`) AND status NOT IN (?, ?)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("batch update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("batch update status: %w", err)
	}
	return n, nil
}

// CalendarMonth returns all events overlapping the given month, ordered
// by start date.
func (s *Store) CalendarMonth(ctx context.Context, year int, month time.Month) ([]event.Event, error) {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)

	evs, err := s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE date_from <= ? AND date_to >= ?
		ORDER BY date_from ASC, time_from ASC
	`, last.Format(dateLayout), first.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("calendar month: %w", err)
	}
	return evs, nil
}

// Upcoming returns events starting within the next `days` days
// (inclusive of today), ordered by start date.
func (s *Store) Upcoming(ctx context.Context, now time.Time, days int) ([]event.Event, error) {
	today := event.DateOnly(now)
	until := today.AddDate(0, 0, days)

	evs, err := s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE date_from >= ? AND date_from <= ?
		ORDER BY date_from ASC, time_from ASC
	`, today.Format(dateLayout), until.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("upcoming: %w", err)
	}
	return evs, nil
}

// CountByStatus returns the number of events per lifecycle status.
func (s *Store) CountByStatus(ctx context.Context) (map[event.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM events GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[event.Status]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count by status: %w", err)
		}
		counts[event.Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	return counts, nil
}

// queryEvents runs a query and scans all rows into events.
func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evs []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanEvent.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		ev                   event.Event
		areas, attachments   string
		dateFrom, dateTo     string
		status               string
		pressCoverage        int
		createdAt, updatedAt string
	)

	err := row.Scan(
		&ev.ID, &ev.Title, &ev.Description, &ev.Info, &areas,
		&dateFrom, &dateTo, &ev.TimeFrom, &ev.TimeTo, &status,
		&ev.Organizer, &ev.FormalContact, &ev.InformalContact,
		&ev.ExpectedTurnout, &pressCoverage, &attachments,
		&ev.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return event.Event{}, err
	}

	if err := json.Unmarshal([]byte(areas), &ev.Areas); err != nil {
		return event.Event{}, fmt.Errorf("scan event %s: areas: %w", ev.ID, err)
	}
	if err := json.Unmarshal([]byte(attachments), &ev.Attachments); err != nil {
		return event.Event{}, fmt.Errorf("scan event %s: attachments: %w", ev.ID, err)
	}
	if ev.DateFrom, err = time.Parse(dateLayout, dateFrom); err != nil {
		return event.Event{}, fmt.Errorf("scan event %s: date_from: %w", ev.ID, err)
	}
	if ev.DateTo, err = time.Parse(dateLayout, dateTo); err != nil {
		return event.Event{}, fmt.Errorf("scan event %s: date_to: %w", ev.ID, err)
	}
	if ev.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return event.Event{}, fmt.Errorf("scan event %s: created_at: %w", ev.ID, err)
	}
	if ev.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return event.Event{}, fmt.Errorf("scan event %s: updated_at: %w", ev.ID, err)
	}
	ev.Status = event.Status(status)
	ev.PressCoverage = pressCoverage != 0

	return ev, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func emptyIfNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// Package event defines the Event entity and its lifecycle statuses.
//
// Events occupy a set of named areas for a date window plus a daily
// time-of-day window. All invariants on the window and the area set are
// enforced at construction so downstream code (the availability checker,
// the status scheduler) never has to re-validate.
package event

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status of an event.
type Status string

const (
	// StatusPending is the initial status of a newly created event.
	StatusPending Status = "PENDING"
	// StatusOngoing marks an event whose start has passed but whose end has not.
	StatusOngoing Status = "ONGOING"
	// StatusFinished marks an event whose end has passed. Absorbing.
	StatusFinished Status = "FINISHED"
	// StatusCancelled marks an explicitly cancelled event. Absorbing.
	StatusCancelled Status = "CANCELLED"
)

// Statuses lists all valid lifecycle statuses.
var Statuses = []Status{StatusPending, StatusOngoing, StatusFinished, StatusCancelled}

// Valid reports whether s is one of the four lifecycle statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusOngoing, StatusFinished, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is absorbing. No automated process may
// transition an event out of a terminal status.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// timeOfDay matches "HH:mm" with minute precision. A single-digit hour
// is accepted ("9:00"), matching what the upstream forms produce.
var timeOfDay = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):([0-5][0-9])$`)

// Validation errors returned by Validate and New.
var (
	ErrNoAreas       = errors.New("event must occupy at least one area")
	ErrEmptyTitle    = errors.New("event title must not be empty")
	ErrDateOrder     = errors.New("dateFrom must not be after dateTo")
	ErrTimeOrder     = errors.New("timeFrom must be before timeTo on a single-day event")
	ErrInvalidStatus = errors.New("invalid event status")
)

// MinuteOfDay parses an "HH:mm" string into minutes since midnight.
func MinuteOfDay(hhmm string) (int, error) {
	m := timeOfDay.FindStringSubmatch(hhmm)
	if m == nil {
		return 0, fmt.Errorf("invalid time of day %q: want HH:mm", hhmm)
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	return h*60 + min, nil
}

// DateOnly truncates t to midnight in t's location, keeping only the
// calendar date component.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Event is a time-bounded booking of one or more areas.
//
// DateFrom and DateTo carry only the calendar date (midnight). TimeFrom
// and TimeTo are "HH:mm" strings applied to every day inside the date
// window. Everything outside the window, the area set and the status is
// opaque payload as far as scheduling and conflict logic is concerned.
type Event struct {
	ID          string
	Title       string
	Description string
	Info        string

	Areas    []string
	DateFrom time.Time
	DateTo   time.Time
	TimeFrom string
	TimeTo   string
	Status   Status

	Organizer       string
	FormalContact   string
	InformalContact string
	ExpectedTurnout int
	PressCoverage   bool
	Attachments     []string

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New normalizes and validates an event for insertion.
//
// Missing fields get defaults: a fresh UUIDv7 ID, StatusPending, and
// CreatedAt/UpdatedAt stamped at now. Dates are truncated to midnight.
// Returns the normalized copy, or a validation error.
func New(ev Event, now time.Time) (Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.Must(uuid.NewV7()).String()
	}
	if ev.Status == "" {
		ev.Status = StatusPending
	}
	ev.DateFrom = DateOnly(ev.DateFrom)
	ev.DateTo = DateOnly(ev.DateTo)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now

	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate checks the invariants an event must satisfy.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return ErrEmptyTitle
	}
	if len(e.Areas) == 0 {
		return ErrNoAreas
	}
	for _, a := range e.Areas {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("%w: blank area tag", ErrNoAreas)
		}
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, e.Status)
	}

	from, err := MinuteOfDay(e.TimeFrom)
	if err != nil {
		return fmt.Errorf("timeFrom: %w", err)
	}
	to, err := MinuteOfDay(e.TimeTo)
	if err != nil {
		return fmt.Errorf("timeTo: %w", err)
	}

	df, dt := DateOnly(e.DateFrom), DateOnly(e.DateTo)
	if df.After(dt) {
		return ErrDateOrder
	}
	if df.Equal(dt) && from >= to {
		return ErrTimeOrder
	}
	return nil
}

// Terminal reports whether the event is in an absorbing status.
func (e *Event) Terminal() bool {
	return e.Status.Terminal()
}

// OccupiesArea reports whether the event occupies the given area tag.
func (e *Event) OccupiesArea(area string) bool {
	for _, a := range e.Areas {
		if a == area {
			return true
		}
	}
	return false
}

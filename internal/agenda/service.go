// Package agenda ties the pieces together: it validates incoming
// events, enforces area availability before any write, and hands
// notification work to the dispatcher without ever blocking a booking
// on mail delivery.
package agenda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/municipio-digital/agenda/internal/avail"
	"github.com/municipio-digital/agenda/internal/event"
	"github.com/municipio-digital/agenda/internal/notify"
	"github.com/municipio-digital/agenda/internal/store"
)

// EventStore is the storage surface the service needs. Implemented by
// *store.Store.
type EventStore interface {
	avail.CandidateSource

	CreateEvent(ctx context.Context, ev event.Event) error
	GetEvent(ctx context.Context, id string) (event.Event, error)
	UpdateEvent(ctx context.Context, ev event.Event) error
	ListEvents(ctx context.Context, f store.EventFilter) ([]event.Event, error)
	BatchUpdateStatus(ctx context.Context, ids []string, newStatus event.Status, now time.Time) (int64, error)
	CalendarMonth(ctx context.Context, year int, month time.Month) ([]event.Event, error)
	Upcoming(ctx context.Context, now time.Time, days int) ([]event.Event, error)
	CountByStatus(ctx context.Context) (map[event.Status]int, error)
}

// Notifier accepts fire-and-forget notification jobs. Implemented by
// *notify.Dispatcher.
type Notifier interface {
	Enqueue(ctx context.Context, job notify.Job) error
}

// Metrics receives booking observations. Implemented by
// *metrics.Collector; a no-op is used when none is configured.
type Metrics interface {
	ConflictRejected()
}

type nopMetrics struct{}

func (nopMetrics) ConflictRejected() {}

// ErrEventTerminal is returned when an operation targets an event that
// already reached FINISHED or CANCELLED.
var ErrEventTerminal = errors.New("event is in a terminal status")

// Service is the booking front door.
type Service struct {
	store    EventStore
	checker  *avail.Checker
	notifier Notifier
	metrics  Metrics
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier enables booking lifecycle notifications.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics wires a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service over the given store.
func New(st EventStore, opts ...Option) *Service {
	s := &Service{
		store:   st,
		checker: avail.New(st),
		metrics: nopMetrics{},
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateEvent validates and books a new event.
//
// The availability check and the insert are two separate store
// round-trips, so two simultaneous requests for the same slot can both
// pass the check and both land. The check is advisory; the scheduler
// and operators deal with the rare double booking. Returns
// *avail.ConflictError when the requested areas are taken.
//
// Notification of the booking is queued after the write and never
// fails the call: the event exists once the insert commits.
func (s *Service) CreateEvent(ctx context.Context, ev event.Event) (event.Event, error) {
	ev, err := event.New(ev, s.now())
	if err != nil {
		return event.Event{}, err
	}

	if err := s.checkAvailability(ctx, ev, ""); err != nil {
		return event.Event{}, err
	}

	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return event.Event{}, fmt.Errorf("create event: %w", err)
	}
	s.log.Info("event booked",
		"event", ev.ID, "title", ev.Title,
		"areas", ev.Areas, "date_from", ev.DateFrom.Format("2006-01-02"))

	s.notifyContact(ctx, ev, "event-created", "Evento registrado: "+ev.Title)
	return ev, nil
}

// UpdateEvent re-validates and re-books an existing event. The
// availability check excludes the event itself so an unchanged slot
// does not conflict with its own booking. Terminal events cannot be
// updated.
func (s *Service) UpdateEvent(ctx context.Context, ev event.Event) (event.Event, error) {
	current, err := s.store.GetEvent(ctx, ev.ID)
	if err != nil {
		return event.Event{}, err
	}
	if current.Status.Terminal() {
		return event.Event{}, fmt.Errorf("update event %s: %w", ev.ID, ErrEventTerminal)
	}

	if ev.Status == "" {
		ev.Status = current.Status
	}
	ev.CreatedAt = current.CreatedAt
	ev.CreatedBy = current.CreatedBy
	ev.UpdatedAt = s.now()
	ev.DateFrom = event.DateOnly(ev.DateFrom)
	ev.DateTo = event.DateOnly(ev.DateTo)
	if err := ev.Validate(); err != nil {
		return event.Event{}, err
	}

	if err := s.checkAvailability(ctx, ev, ev.ID); err != nil {
		return event.Event{}, err
	}

	if err := s.store.UpdateEvent(ctx, ev); err != nil {
		return event.Event{}, fmt.Errorf("update event: %w", err)
	}
	s.log.Info("event updated", "event", ev.ID, "title", ev.Title)
	return ev, nil
}

// CancelEvent moves an event to CANCELLED. FINISHED and CANCELLED
// events are left untouched; cancelling an already-cancelled event
// reports ErrEventTerminal rather than silently succeeding, so the
// caller learns the cancellation did nothing.
func (s *Service) CancelEvent(ctx context.Context, id string) error {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	if ev.Status.Terminal() {
		return fmt.Errorf("cancel event %s: %w", id, ErrEventTerminal)
	}

	n, err := s.store.BatchUpdateStatus(ctx, []string{id}, event.StatusCancelled, s.now())
	if err != nil {
		return fmt.Errorf("cancel event: %w", err)
	}
	if n == 0 {
		// Lost the race against a concurrent terminal transition.
		return fmt.Errorf("cancel event %s: %w", id, ErrEventTerminal)
	}
	s.log.Info("event cancelled", "event", id, "title", ev.Title)

	s.notifyContact(ctx, ev, "event-cancelled", "Evento cancelado: "+ev.Title)
	return nil
}

// GetEvent returns one event by ID.
func (s *Service) GetEvent(ctx context.Context, id string) (event.Event, error) {
	return s.store.GetEvent(ctx, id)
}

// ListEvents returns events matching the filter.
func (s *Service) ListEvents(ctx context.Context, f store.EventFilter) ([]event.Event, error) {
	return s.store.ListEvents(ctx, f)
}

// CheckAvailability runs a standalone availability check without
// booking anything. Returns nil when the slot is free.
func (s *Service) CheckAvailability(ctx context.Context, req avail.Request) error {
	err := s.checker.Check(ctx, req)
	var conflictErr *avail.ConflictError
	if errors.As(err, &conflictErr) {
		s.metrics.ConflictRejected()
	}
	return err
}

// Calendar returns every event touching the given month.
func (s *Service) Calendar(ctx context.Context, year int, month time.Month) ([]event.Event, error) {
	return s.store.CalendarMonth(ctx, year, month)
}

// Upcoming returns non-terminal events starting within the next days.
func (s *Service) Upcoming(ctx context.Context, days int) ([]event.Event, error) {
	return s.store.Upcoming(ctx, s.now(), days)
}

// Stats is a point-in-time census of the agenda.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// Statistics counts events per status.
func (s *Service) Statistics(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("event statistics: %w", err)
	}
	stats := Stats{ByStatus: make(map[string]int, len(counts))}
	for status, n := range counts {
		stats.ByStatus[string(status)] = n
		stats.Total += n
	}
	return stats, nil
}

func (s *Service) checkAvailability(ctx context.Context, ev event.Event, excludeID string) error {
	err := s.checker.Check(ctx, avail.Request{
		Areas:     ev.Areas,
		DateFrom:  ev.DateFrom,
		DateTo:    ev.DateTo,
		TimeFrom:  ev.TimeFrom,
		TimeTo:    ev.TimeTo,
		ExcludeID: excludeID,
	})
	var conflictErr *avail.ConflictError
	if errors.As(err, &conflictErr) {
		s.metrics.ConflictRejected()
	}
	return err
}

// notifyContact queues a lifecycle notification for the event's formal
// contact. Failures are logged and swallowed: notification is a side
// effect of a booking, never a reason to fail one.
func (s *Service) notifyContact(ctx context.Context, ev event.Event, template, subject string) {
	if s.notifier == nil || ev.FormalContact == "" {
		return
	}
	job, err := notify.NewJob(
		[]string{ev.FormalContact},
		subject,
		template,
		map[string]string{
			"eventTitle": ev.Title,
			"eventDate":  ev.DateFrom.Format("2006-01-02"),
			"eventTime":  ev.TimeFrom,
			"eventAreas": strings.Join(ev.Areas, ", "),
		},
	)
	if err != nil {
		s.log.Error("failed to build booking notification", "event", ev.ID, "error", err)
		return
	}
	if err := s.notifier.Enqueue(ctx, job); err != nil {
		s.log.Error("failed to enqueue booking notification", "event", ev.ID, "error", err)
	}
}

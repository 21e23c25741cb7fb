// Package sched advances event lifecycle statuses as a pure function
// of wall-clock time.
//
// Two independent cadences drive it: an expire pass moving overdue
// PENDING/ONGOING events to FINISHED, and an activate pass moving
// started PENDING events to ONGOING. A third, optional daily pass
// enqueues reminders for events starting the next day; it only reads.
//
// Every pass is idempotent: re-running it with no time elapsed finds
// no new candidates and writes nothing. FINISHED and CANCELLED are
// never touched.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/municipio-digital/agenda/internal/event"
	"github.com/municipio-digital/agenda/internal/notify"
)

// Pass names used in logs and metrics.
const (
	PassExpire   = "expire"
	PassActivate = "activate"
	PassReminder = "reminder"
)

// Store is the slice of event storage the scheduler needs.
type Store interface {
	ExpireCandidates(ctx context.Context, today time.Time) ([]event.Event, error)
	ActivateCandidates(ctx context.Context, today time.Time) ([]event.Event, error)
	StartingOn(ctx context.Context, date time.Time, status event.Status) ([]event.Event, error)
	BatchUpdateStatus(ctx context.Context, ids []string, newStatus event.Status, now time.Time) (int64, error)
}

// Notifier accepts reminder jobs. Implemented by *notify.Dispatcher.
type Notifier interface {
	Enqueue(ctx context.Context, job notify.Job) error
}

// Metrics receives scheduler observations. Implemented by
// *metrics.Collector; a no-op is used when none is configured.
type Metrics interface {
	PassRun(pass string)
	PassSkipped(pass string)
	PassError(pass string)
	Transitions(pass string, n int64)
}

type nopMetrics struct{}

func (nopMetrics) PassRun(string)            {}
func (nopMetrics) PassSkipped(string)        {}
func (nopMetrics) PassError(string)          {}
func (nopMetrics) Transitions(string, int64) {}

// Scheduler runs the status passes.
//
// Each pass holds its own in-flight flag: when a tick fires while the
// previous run of the same pass is still executing, the tick is
// skipped entirely (not queued) and logged. The two passes never block
// each other; they touch disjoint transitions and the store applies
// every batch conditionally, so interleaving cannot produce an
// inconsistent status.
type Scheduler struct {
	store    Store
	notifier Notifier
	metrics  Metrics
	log      *slog.Logger
	now      func() time.Time

	expireEvery   time.Duration
	activateEvery time.Duration
	reminderSpec  string // cron expression; "" disables the reminder pass

	expireRunning   atomic.Bool
	activateRunning atomic.Bool
	reminderRunning atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNotifier enables the daily reminder pass, forwarding reminder
// jobs to n.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithMetrics wires a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithNow overrides the wall clock. Tests use this to pin boundary
// instants.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithCadence sets the tick intervals for the expire and activate
// passes.
func WithCadence(expire, activate time.Duration) Option {
	return func(s *Scheduler) {
		s.expireEvery = expire
		s.activateEvery = activate
	}
}

// WithReminderSpec sets the cron expression for the daily reminder
// pass. An empty spec disables it.
func WithReminderSpec(spec string) Option {
	return func(s *Scheduler) { s.reminderSpec = spec }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Defaults mirror the cadences the system has always run with.
const (
	DefaultExpireEvery   = 30 * time.Minute
	DefaultActivateEvery = 15 * time.Minute
	DefaultReminderSpec  = "0 9 * * *"
)

// New creates a Scheduler over the given store.
func New(store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:         store,
		metrics:       nopMetrics{},
		log:           slog.Default(),
		now:           time.Now,
		expireEvery:   DefaultExpireEvery,
		activateEvery: DefaultActivateEvery,
		reminderSpec:  DefaultReminderSpec,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunExpirePass transitions events whose end has passed to FINISHED.
// Returns the number of transitions applied.
//
// The candidate set is events in {PENDING, ONGOING} with dateTo today
// or earlier. An event ending today only expires once the current
// minute of day has reached its timeTo; running every 30 minutes means
// an event ending 17:17 is finished by the 17:30 tick.
func (s *Scheduler) RunExpirePass(ctx context.Context) (int64, error) {
	if !s.expireRunning.CompareAndSwap(false, true) {
		s.log.Warn("expire pass still running, skipping tick")
		s.metrics.PassSkipped(PassExpire)
		return 0, nil
	}
	defer s.expireRunning.Store(false)

	now := s.now()
	today := event.DateOnly(now)
	todayDate := today.Format("2006-01-02")
	nowMinute := now.Hour()*60 + now.Minute()

	candidates, err := s.store.ExpireCandidates(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("expire pass: %w", err)
	}

	var ids []string
	for _, ev := range candidates {
		// Calendar-date comparison: the store keeps dates zone-free, so
		// comparing instants would shift the boundary in non-UTC zones.
		switch endDate := ev.DateTo.Format("2006-01-02"); {
		case endDate < todayDate:
			ids = append(ids, ev.ID)
		case endDate == todayDate:
			endMinute, err := event.MinuteOfDay(ev.TimeTo)
			if err != nil {
				s.log.Warn("skipping event with malformed timeTo",
					"event", ev.ID, "time_to", ev.TimeTo, "error", err)
				continue
			}
			if nowMinute >= endMinute {
				ids = append(ids, ev.ID)
			}
		}
	}

	if len(ids) == 0 {
		return 0, nil
	}

	n, err := s.store.BatchUpdateStatus(ctx, ids, event.StatusFinished, now)
	if err != nil {
		return 0, fmt.Errorf("expire pass: %w", err)
	}
	s.metrics.Transitions(PassExpire, n)
	s.log.Info("expire pass finished events", "count", n)
	return n, nil
}

// RunActivatePass transitions PENDING events whose start has passed to
// ONGOING. Returns the number of transitions applied.
func (s *Scheduler) RunActivatePass(ctx context.Context) (int64, error) {
	if !s.activateRunning.CompareAndSwap(false, true) {
		s.log.Warn("activate pass still running, skipping tick")
		s.metrics.PassSkipped(PassActivate)
		return 0, nil
	}
	defer s.activateRunning.Store(false)

	now := s.now()
	today := event.DateOnly(now)
	todayDate := today.Format("2006-01-02")
	nowMinute := now.Hour()*60 + now.Minute()

	candidates, err := s.store.ActivateCandidates(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("activate pass: %w", err)
	}

	var ids []string
	for _, ev := range candidates {
		switch startDate := ev.DateFrom.Format("2006-01-02"); {
		case startDate < todayDate:
			// Started on an earlier day: already ongoing.
			ids = append(ids, ev.ID)
		case startDate == todayDate:
			startMinute, err := event.MinuteOfDay(ev.TimeFrom)
			if err != nil {
				s.log.Warn("skipping event with malformed timeFrom",
					"event", ev.ID, "time_from", ev.TimeFrom, "error", err)
				continue
			}
			if nowMinute >= startMinute {
				ids = append(ids, ev.ID)
			}
		}
	}

	if len(ids) == 0 {
		return 0, nil
	}

	n, err := s.store.BatchUpdateStatus(ctx, ids, event.StatusOngoing, now)
	if err != nil {
		return 0, fmt.Errorf("activate pass: %w", err)
	}
	s.metrics.Transitions(PassActivate, n)
	s.log.Info("activate pass started events", "count", n)
	return n, nil
}

// RunReminderPass enqueues a reminder notification for every PENDING
// event starting tomorrow. It never mutates event status. Returns the
// number of reminders enqueued.
func (s *Scheduler) RunReminderPass(ctx context.Context) (int, error) {
	if s.notifier == nil {
		return 0, nil
	}
	if !s.reminderRunning.CompareAndSwap(false, true) {
		s.log.Warn("reminder pass still running, skipping tick")
		s.metrics.PassSkipped(PassReminder)
		return 0, nil
	}
	defer s.reminderRunning.Store(false)

	now := s.now()
	tomorrow := event.DateOnly(now).AddDate(0, 0, 1)

	upcoming, err := s.store.StartingOn(ctx, tomorrow, event.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("reminder pass: %w", err)
	}

	enqueued := 0
	for _, ev := range upcoming {
		job, err := reminderJob(ev)
		if err != nil {
			s.log.Warn("skipping reminder without recipient", "event", ev.ID, "error", err)
			continue
		}
		if err := s.notifier.Enqueue(ctx, job); err != nil {
			// Keep going: one failed enqueue must not starve the rest.
			s.log.Error("failed to enqueue reminder", "event", ev.ID, "error", err)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		s.log.Info("reminder pass enqueued notifications", "count", enqueued)
	}
	return enqueued, nil
}

// reminderJob builds the next-day reminder notification for an event.
func reminderJob(ev event.Event) (notify.Job, error) {
	if ev.FormalContact == "" {
		return notify.Job{}, notify.ErrNoRecipients
	}
	job, err := notify.NewJob(
		[]string{ev.FormalContact},
		fmt.Sprintf("Reminder: %s - tomorrow", ev.Title),
		"event-reminder",
		map[string]string{
			"eventTitle":       ev.Title,
			"eventDate":        ev.DateFrom.Format("2006-01-02"),
			"eventTime":        ev.TimeFrom,
			"eventAreas":       strings.Join(ev.Areas, ", "),
			"eventDescription": ev.Description,
		},
	)
	if err != nil {
		return notify.Job{}, err
	}
	// Reminders drain ahead of routine notifications.
	job.Priority = 1
	return job, nil
}

// Run drives the passes until ctx is cancelled. Each cadence runs in
// its own goroutine so a slow expire pass never delays activation;
// the reminder pass fires on its cron schedule.
//
// Pass errors are logged and swallowed: the next tick re-evaluates the
// same (or overlapping) candidate set, so a transient store failure
// cannot leave an event permanently stuck.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler starting",
		"expire_every", s.expireEvery,
		"activate_every", s.activateEvery,
		"reminder_spec", s.reminderSpec,
	)

	go s.tickLoop(ctx, PassExpire, s.expireEvery, func(ctx context.Context) (int64, error) {
		return s.RunExpirePass(ctx)
	})
	go s.tickLoop(ctx, PassActivate, s.activateEvery, func(ctx context.Context) (int64, error) {
		return s.RunActivatePass(ctx)
	})

	var c *cron.Cron
	if s.reminderSpec != "" && s.notifier != nil {
		c = cron.New()
		_, err := c.AddFunc(s.reminderSpec, func() {
			if _, err := s.RunReminderPass(ctx); err != nil {
				s.metrics.PassError(PassReminder)
				s.log.Error("reminder pass failed", "error", err)
			} else {
				s.metrics.PassRun(PassReminder)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid reminder cron spec %q: %w", s.reminderSpec, err)
		}
		c.Start()
	}

	<-ctx.Done()
	if c != nil {
		<-c.Stop().Done()
	}
	s.log.Info("scheduler stopped")
	return ctx.Err()
}

// tickLoop runs one pass on a fixed interval until ctx is cancelled.
func (s *Scheduler) tickLoop(ctx context.Context, pass string, every time.Duration, run func(context.Context) (int64, error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := run(ctx); err != nil {
				s.metrics.PassError(pass)
				s.log.Error("scheduler pass failed", "pass", pass, "error", err)
				continue
			}
			s.metrics.PassRun(pass)
		}
	}
}

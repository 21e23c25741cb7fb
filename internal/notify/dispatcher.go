package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Queue is the durable job storage the dispatcher runs against.
// Implemented by *store.Store.
//
// DequeueDue atomically claims the highest-priority due QUEUED job,
// marking it IN_PROGRESS and incrementing its attempt counter; it
// returns (nil, nil) when nothing is due.
type Queue interface {
	EnqueueJob(ctx context.Context, j Job) error
	DequeueDue(ctx context.Context, now time.Time) (*Job, error)
	MarkDelivered(ctx context.Context, id string, now time.Time) error
	ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time, lastError string, now time.Time) error
	MarkJobDead(ctx context.Context, id string, lastError string, now time.Time) error
}

// Metrics receives dispatcher observations. A no-op is used when none
// is configured.
type Metrics interface {
	JobEnqueued()
	JobDelivered()
	JobRetried()
	JobDeadLettered()
}

type nopMetrics struct{}

func (nopMetrics) JobEnqueued()     {}
func (nopMetrics) JobDelivered()    {}
func (nopMetrics) JobRetried()      {}
func (nopMetrics) JobDeadLettered() {}

// Dispatcher drains the notification queue with a pool of workers.
//
// Delivery is at-least-once: a job is only marked DELIVERED after the
// transport accepts it, so a crash between send and mark leads to a
// duplicate send, never a lost one. A failed attempt is rescheduled
// with exponentially growing delay until the attempt budget is spent,
// at which point the job is dead-lettered with its failure detail.
type Dispatcher struct {
	queue     Queue
	transport Transport
	renderer  Renderer
	metrics   Metrics
	log       *slog.Logger
	now       func() time.Time

	workers      int
	maxAttempts  int
	baseDelay    time.Duration
	sendTimeout  time.Duration
	batchSize    int
	pollInterval time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the number of concurrent delivery workers.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) { d.workers = n }
}

// WithMaxAttempts sets the attempt budget per job.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// WithBaseDelay sets the first retry delay; each further retry doubles
// it.
func WithBaseDelay(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.baseDelay = d }
}

// WithSendTimeout bounds a single transport send.
func WithSendTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.sendTimeout = d }
}

// WithBatchSize sets the recipient chunk size for bulk enqueues.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.batchSize = n }
}

// WithPollInterval sets how long an idle worker sleeps before checking
// the queue again.
func WithPollInterval(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.pollInterval = d }
}

// WithDispatcherMetrics wires a metrics sink.
func WithDispatcherMetrics(m Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatcherLogger overrides the default logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher defaults.
const (
	DefaultWorkers      = 2
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = 2 * time.Second
	DefaultSendTimeout  = 30 * time.Second
	DefaultBatchSize    = 50
	DefaultPollInterval = time.Second
)

// NewDispatcher creates a Dispatcher over the given queue and
// transport. With a nil renderer the StaticRenderer is used.
func NewDispatcher(queue Queue, transport Transport, renderer Renderer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:        queue,
		transport:    transport,
		renderer:     renderer,
		metrics:      nopMetrics{},
		log:          slog.Default(),
		now:          time.Now,
		workers:      DefaultWorkers,
		maxAttempts:  DefaultMaxAttempts,
		baseDelay:    DefaultBaseDelay,
		sendTimeout:  DefaultSendTimeout,
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
	}
	if d.renderer == nil {
		d.renderer = StaticRenderer{}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue persists a job for asynchronous delivery. The job becomes
// due immediately. Once Enqueue returns nil the job survives restarts.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		return errors.New("job has no id")
	}
	now := d.now()
	job.Status = JobQueued
	job.NextAttemptAt = now
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := d.queue.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	d.metrics.JobEnqueued()
	d.log.Debug("notification enqueued",
		"job", job.ID, "template", job.Template, "recipients", len(job.Recipients))
	return nil
}

// EnqueueBulk fans a large recipient list out into one job per chunk
// of at most the configured batch size, all sharing the same subject,
// template and context. Chunks enqueued before a failure stay queued.
func (d *Dispatcher) EnqueueBulk(ctx context.Context, recipients []string, subject, template string, context map[string]string) (int, error) {
	chunks := ChunkRecipients(recipients, d.batchSize)
	for i, chunk := range chunks {
		job, err := NewJob(chunk, subject, template, context)
		if err != nil {
			return i, fmt.Errorf("bulk enqueue chunk %d: %w", i, err)
		}
		if err := d.Enqueue(ctx, job); err != nil {
			return i, fmt.Errorf("bulk enqueue chunk %d: %w", i, err)
		}
	}
	return len(chunks), nil
}

// Run drains the queue until ctx is cancelled. Workers poll
// independently; an idle worker sleeps for the poll interval.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("notification dispatcher starting",
		"workers", d.workers, "max_attempts", d.maxAttempts)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			return d.workLoop(ctx, worker)
		})
	}
	err := g.Wait()
	d.log.Info("notification dispatcher stopped")
	return err
}

func (d *Dispatcher) workLoop(ctx context.Context, worker int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := d.ProcessOne(ctx)
		if err != nil {
			d.log.Error("worker failed to process queue", "worker", worker, "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pollInterval):
		}
	}
}

// ProcessOne claims and delivers a single due job. It reports whether
// a job was claimed; (false, nil) means the queue had nothing due.
// Delivery failures are handled internally (retry or dead-letter) and
// do not surface as an error.
func (d *Dispatcher) ProcessOne(ctx context.Context) (bool, error) {
	job, err := d.queue.DequeueDue(ctx, d.now())
	if err != nil {
		return false, fmt.Errorf("dequeue notification: %w", err)
	}
	if job == nil {
		return false, nil
	}

	sendErr := d.deliver(ctx, *job)
	if sendErr == nil {
		if err := d.queue.MarkDelivered(ctx, job.ID, d.now()); err != nil {
			return true, fmt.Errorf("mark job %s delivered: %w", job.ID, err)
		}
		d.metrics.JobDelivered()
		d.log.Info("notification delivered",
			"job", job.ID, "template", job.Template, "attempt", job.Attempts)
		return true, nil
	}

	if job.Attempts >= d.maxAttempts {
		if err := d.queue.MarkJobDead(ctx, job.ID, sendErr.Error(), d.now()); err != nil {
			return true, fmt.Errorf("dead-letter job %s: %w", job.ID, err)
		}
		d.metrics.JobDeadLettered()
		d.log.Error("notification dead-lettered",
			"job", job.ID, "template", job.Template,
			"attempts", job.Attempts, "error", sendErr)
		return true, nil
	}

	delay := Backoff(d.baseDelay, job.Attempts)
	next := d.now().Add(delay)
	if err := d.queue.ScheduleRetry(ctx, job.ID, next, sendErr.Error(), d.now()); err != nil {
		return true, fmt.Errorf("schedule retry for job %s: %w", job.ID, err)
	}
	d.metrics.JobRetried()
	d.log.Warn("notification attempt failed, retrying",
		"job", job.ID, "attempt", job.Attempts, "retry_in", delay, "error", sendErr)
	return true, nil
}

// deliver renders the job and pushes it through the transport under
// the send timeout.
func (d *Dispatcher) deliver(ctx context.Context, job Job) error {
	body, err := d.renderer.Render(job.Template, job.Context)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	msg := Message{
		To:          job.Recipients,
		Subject:     job.Subject,
		Body:        body,
		Attachments: job.Attachments,
	}
	if err := d.transport.Send(sendCtx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

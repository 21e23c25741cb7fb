package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/municipio-digital/agenda/internal/notify"
)

const jobColumns = `id, recipients, subject, template, context, attachments,
	priority, status, attempts, next_attempt_at, last_error, failed_at,
	created_at, updated_at`

var (
	// ErrJobNotFound is returned when a job lookup matches nothing.
	ErrJobNotFound = errors.New("notification job not found")
	// ErrJobNotCancellable is returned when cancelling a job that has
	// already been picked up or finished. Only QUEUED jobs can be
	// cancelled.
	ErrJobNotCancellable = errors.New("job already picked up, cannot cancel")
)

// EnqueueJob persists a notification job. The write is the whole
// enqueue contract: once this returns nil, the job survives process
// restarts and will eventually be attempted.
func (s *Store) EnqueueJob(ctx context.Context, j notify.Job) error {
	recipientsJSON, err := json.Marshal(j.Recipients)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	contextJSON, err := json.Marshal(j.Context)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	attachmentsJSON, err := json.Marshal(j.Attachments)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_jobs
		(id, recipients, subject, template, context, attachments,
		 priority, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		j.ID,
		string(recipientsJSON),
		j.Subject,
		j.Template,
		string(contextJSON),
		string(attachmentsJSON),
		j.Priority,
		string(notify.JobQueued),
		j.Attempts,
		j.NextAttemptAt.UTC().Format(time.RFC3339),
		j.CreatedAt.UTC().Format(time.RFC3339),
		j.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// DequeueDue claims the next due queued job: highest priority first,
// oldest next_attempt_at among equals. The claim flips the job to
// IN_PROGRESS and increments its attempt count atomically inside one
// transaction, so two workers can never claim the same job.
//
// Returns (nil, nil) when nothing is due.
func (s *Store) DequeueDue(ctx context.Context, now time.Time) (*notify.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dequeue: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM notification_jobs
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY priority DESC, next_attempt_at ASC
		LIMIT 1
	`, string(notify.JobQueued), now.UTC().Format(time.RFC3339))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	job.Status = notify.JobInProgress
	job.Attempts++
	job.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		UPDATE notification_jobs
		SET status = ?, attempts = ?, updated_at = ?
		WHERE id = ?
	`,
		string(notify.JobInProgress),
		job.Attempts,
		now.UTC().Format(time.RFC3339),
		job.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("dequeue: claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeue: commit: %w", err)
	}
	return &job, nil
}

// MarkDelivered records a successful delivery. Terminal.
func (s *Store) MarkDelivered(ctx context.Context, id string, now time.Time) error {
	return s.setJobStatus(ctx, id, notify.JobDelivered, now)
}

// ScheduleRetry returns a failed job to the queue with a delayed
// next_attempt_at, which is how backoff is realized: the job becomes
// invisible to DequeueDue until the delay elapses.
func (s *Store) ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time, lastError string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_jobs
		SET status = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`,
		string(notify.JobQueued),
		nextAttemptAt.UTC().Format(time.RFC3339),
		lastError,
		now.UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return checkAffected(res, "schedule retry")
}

// MarkJobDead dead-letters a job after attempts are exhausted. The row
// is retained with its payload, attempt count, last error and failure
// timestamp for manual inspection - never silently dropped.
func (s *Store) MarkJobDead(ctx context.Context, id string, lastError string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_jobs
		SET status = ?, last_error = ?, failed_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(notify.JobDeadLettered),
		lastError,
		now.UTC().Format(time.RFC3339),
		now.UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark job dead: %w", err)
	}
	return checkAffected(res, "mark job dead")
}

// CancelJob removes a job that has not been picked up yet. Once a
// worker claims the job it runs to completion or failure, so the
// delete is conditional on the QUEUED status.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_jobs WHERE id = ? AND status = ?
	`, id, string(notify.JobQueued))
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if n == 0 {
		// Distinguish missing from non-cancellable for the caller.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM notification_jobs WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		if exists == 0 {
			return ErrJobNotFound
		}
		return ErrJobNotCancellable
	}
	return nil
}

// DeadLetters returns all dead-lettered jobs, newest failure first.
func (s *Store) DeadLetters(ctx context.Context) ([]notify.Job, error) {
	jobs, err := s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM notification_jobs
		WHERE status = ?
		ORDER BY failed_at DESC
	`, string(notify.JobDeadLettered))
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	return jobs, nil
}

// RequeueStale returns IN_PROGRESS jobs last touched before the cutoff
// to the queue. Called on startup: a crash between claim and outcome
// leaves jobs stuck IN_PROGRESS, and requeueing them is what makes
// delivery at-least-once (a crash after transport send but before
// MarkDelivered will cause a duplicate send).
func (s *Store) RequeueStale(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_jobs
		SET status = ?, next_attempt_at = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`,
		string(notify.JobQueued),
		now.UTC().Format(time.RFC3339),
		now.UTC().Format(time.RFC3339),
		string(notify.JobInProgress),
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return n, nil
}

// GetJob fetches one job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (notify.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM notification_jobs WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Job{}, ErrJobNotFound
	}
	if err != nil {
		return notify.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// CountJobs returns the number of jobs per delivery state.
func (s *Store) CountJobs(ctx context.Context) (map[notify.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM notification_jobs GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[notify.JobStatus]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count jobs: %w", err)
		}
		counts[notify.JobStatus(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}

func (s *Store) setJobStatus(ctx context.Context, id string, status notify.JobStatus, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_jobs SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	return checkAffected(res, "set job status")
}

func checkAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]notify.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []notify.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (notify.Job, error) {
	var (
		j                               notify.Job
		recipients, contextRaw, attach  string
		status                          string
		nextAttemptAt, created, updated string
		failedAt                        sql.NullString
	)

	err := row.Scan(
		&j.ID, &recipients, &j.Subject, &j.Template, &contextRaw, &attach,
		&j.Priority, &status, &j.Attempts, &nextAttemptAt, &j.LastError,
		&failedAt, &created, &updated,
	)
	if err != nil {
		return notify.Job{}, err
	}

	if err := json.Unmarshal([]byte(recipients), &j.Recipients); err != nil {
		return notify.Job{}, fmt.Errorf("scan job %s: recipients: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(contextRaw), &j.Context); err != nil {
		return notify.Job{}, fmt.Errorf("scan job %s: context: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(attach), &j.Attachments); err != nil {
		return notify.Job{}, fmt.Errorf("scan job %s: attachments: %w", j.ID, err)
	}
	if j.NextAttemptAt, err = time.Parse(time.RFC3339, nextAttemptAt); err != nil {
		return notify.Job{}, fmt.Errorf("scan job %s: next_attempt_at: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
		return notify.Job{}, fmt.Errorf("scan job %s: created_at: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updated); err != nil {
		return notify.Job{}, fmt.Errorf("scan job %s: updated_at: %w", j.ID, err)
	}
	if failedAt.Valid {
		t, err := time.Parse(time.RFC3339, failedAt.String)
		if err != nil {
			return notify.Job{}, fmt.Errorf("scan job %s: failed_at: %w", j.ID, err)
		}
		j.FailedAt = &t
	}
	j.Status = notify.JobStatus(status)

	return j, nil
}

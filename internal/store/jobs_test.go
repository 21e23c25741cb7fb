package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/municipio-digital/agenda/internal/notify"
)

var jobNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestEnqueueAndDequeue(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, testJob(t, "job-1", jobNow)); err != nil {
		t.Fatalf("EnqueueJob() failed: %v", err)
	}

	job, err := s.DequeueDue(ctx, jobNow)
	if err != nil {
		t.Fatalf("DequeueDue() failed: %v", err)
	}
	if job == nil {
		t.Fatal("DequeueDue() returned nil, expected the queued job")
	}
	if job.ID != "job-1" {
		t.Errorf("claimed job %q, expected job-1", job.ID)
	}
	if job.Status != notify.JobInProgress {
		t.Errorf("claimed status = %q, expected IN_PROGRESS", job.Status)
	}
	if job.Attempts != 1 {
		t.Errorf("Attempts = %d after first claim, expected 1", job.Attempts)
	}
	if len(job.Recipients) != 1 || job.Recipients[0] != "cultura@example.gob" {
		t.Errorf("Recipients = %v", job.Recipients)
	}
	if job.Context["eventTitle"] != "Feria del Libro" {
		t.Errorf("Context = %v", job.Context)
	}

	// The claim is exclusive: a second dequeue finds nothing.
	again, err := s.DequeueDue(ctx, jobNow)
	if err != nil {
		t.Fatalf("second DequeueDue() failed: %v", err)
	}
	if again != nil {
		t.Errorf("second DequeueDue() claimed %q, expected nil", again.ID)
	}
}

func TestEnqueueJob_IdempotentOnID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	j := testJob(t, "job-1", jobNow)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob() failed: %v", err)
	}
	j.Subject = "changed"
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("re-EnqueueJob() failed: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if got.Subject != "Recordatorio" {
		t.Errorf("Subject = %q, duplicate enqueue must not overwrite", got.Subject)
	}
}

func TestDequeueDue_RespectsNextAttemptAt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	future := testJob(t, "job-later", jobNow.Add(time.Hour))
	if err := s.EnqueueJob(ctx, future); err != nil {
		t.Fatalf("EnqueueJob() failed: %v", err)
	}

	job, err := s.DequeueDue(ctx, jobNow)
	if err != nil {
		t.Fatalf("DequeueDue() failed: %v", err)
	}
	if job != nil {
		t.Errorf("claimed %q before its next_attempt_at", job.ID)
	}

	job, err = s.DequeueDue(ctx, jobNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("DequeueDue() failed: %v", err)
	}
	if job == nil || job.ID != "job-later" {
		t.Error("job not claimable once due")
	}
}

func TestDequeueDue_PriorityFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	routine := testJob(t, "routine", jobNow.Add(-time.Hour))
	urgent := testJob(t, "urgent", jobNow)
	urgent.Priority = 1
	for _, j := range []notify.Job{routine, urgent} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob(%s) failed: %v", j.ID, err)
		}
	}

	job, err := s.DequeueDue(ctx, jobNow)
	if err != nil {
		t.Fatalf("DequeueDue() failed: %v", err)
	}
	if job == nil || job.ID != "urgent" {
		t.Errorf("claimed %v, expected urgent despite routine being older", job)
	}
}

func TestRetryCycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, testJob(t, "job-1", jobNow)); err != nil {
		t.Fatalf("EnqueueJob() failed: %v", err)
	}
	job, err := s.DequeueDue(ctx, jobNow)
	if err != nil || job == nil {
		t.Fatalf("DequeueDue() = %v, %v", job, err)
	}

	retryAt := jobNow.Add(2 * time.Second)
	if err := s.ScheduleRetry(ctx, job.ID, retryAt, "smtp: timeout", jobNow); err != nil {
		t.Fatalf("ScheduleRetry() failed: %v", err)
	}

	// Invisible until the delay elapses.
	if j, _ := s.DequeueDue(ctx, jobNow); j != nil {
		t.Error("retried job claimable before its delay elapsed")
	}

	job, err = s.DequeueDue(ctx, retryAt)
	if err != nil || job == nil {
		t.Fatalf("DequeueDue() after delay = %v, %v", job, err)
	}
	if job.Attempts != 2 {
		t.Errorf("Attempts = %d on second claim, expected 2", job.Attempts)
	}
	if job.LastError != "smtp: timeout" {
		t.Errorf("LastError = %q", job.LastError)
	}

	if err := s.MarkDelivered(ctx, job.ID, retryAt); err != nil {
		t.Fatalf("MarkDelivered() failed: %v", err)
	}
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if got.Status != notify.JobDelivered {
		t.Errorf("Status = %q, expected DELIVERED", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d after delivery, expected 2", got.Attempts)
	}
}

func TestMarkJobDeadAndDeadLetters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, testJob(t, "job-1", jobNow)); err != nil {
		t.Fatalf("EnqueueJob() failed: %v", err)
	}
	if _, err := s.DequeueDue(ctx, jobNow); err != nil {
		t.Fatalf("DequeueDue() failed: %v", err)
	}
	if err := s.MarkJobDead(ctx, "job-1", "mailbox does not exist", jobNow); err != nil {
		t.Fatalf("MarkJobDead() failed: %v", err)
	}

	dead, err := s.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters() failed: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("got %d dead letters, expected 1", len(dead))
	}
	j := dead[0]
	if j.LastError != "mailbox does not exist" {
		t.Errorf("LastError = %q", j.LastError)
	}
	if j.FailedAt == nil || !j.FailedAt.Equal(jobNow) {
		t.Errorf("FailedAt = %v, expected %v", j.FailedAt, jobNow)
	}
	if j.Attempts != 1 {
		t.Errorf("Attempts = %d, expected 1", j.Attempts)
	}

	// Dead letters are out of the queue for good.
	if claimed, _ := s.DequeueDue(ctx, jobNow.Add(time.Hour)); claimed != nil {
		t.Errorf("dead-lettered job %q was claimable", claimed.ID)
	}
}

func TestCancelJob(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, testJob(t, "queued", jobNow)); err != nil {
		t.Fatalf("EnqueueJob() failed: %v", err)
	}
	if err := s.CancelJob(ctx, "queued"); err != nil {
		t.Fatalf("CancelJob() failed: %v", err)
	}
	if _, err := s.GetJob(ctx, "queued"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound after cancel, got %v", err)
	}

	if err := s.CancelJob(ctx, "ghost"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}

	// A claimed job is past the point of cancellation.
	if err := s.EnqueueJob(ctx, testJob(t, "claimed", jobNow)); err != nil {
		t.Fatalf("EnqueueJob() failed: %v", err)
	}
	if _, err := s.DequeueDue(ctx, jobNow); err != nil {
		t.Fatalf("DequeueDue() failed: %v", err)
	}
	if err := s.CancelJob(ctx, "claimed"); !errors.Is(err, ErrJobNotCancellable) {
		t.Errorf("expected ErrJobNotCancellable, got %v", err)
	}
}

func TestRequeueStale(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, testJob(t, "stuck", jobNow)); err != nil {
		t.Fatalf("EnqueueJob() failed: %v", err)
	}
	if _, err := s.DequeueDue(ctx, jobNow); err != nil {
		t.Fatalf("DequeueDue() failed: %v", err)
	}

	// Too recent to be considered orphaned.
	n, err := s.RequeueStale(ctx, jobNow.Add(-time.Minute), jobNow)
	if err != nil {
		t.Fatalf("RequeueStale() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("requeued %d jobs, expected 0", n)
	}

	// Past the cutoff: the claim is treated as lost to a crash.
	later := jobNow.Add(10 * time.Minute)
	n, err = s.RequeueStale(ctx, later.Add(-5*time.Minute), later)
	if err != nil {
		t.Fatalf("RequeueStale() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued %d jobs, expected 1", n)
	}

	job, err := s.DequeueDue(ctx, later)
	if err != nil || job == nil {
		t.Fatalf("DequeueDue() after requeue = %v, %v", job, err)
	}
	if job.Attempts != 2 {
		t.Errorf("Attempts = %d after requeue claim, expected 2", job.Attempts)
	}
}

func TestJobsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenda.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.EnqueueJob(ctx, testJob(t, "durable", jobNow)); err != nil {
		t.Fatalf("EnqueueJob() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	job, err := s.DequeueDue(ctx, jobNow)
	if err != nil {
		t.Fatalf("DequeueDue() after reopen failed: %v", err)
	}
	if job == nil || job.ID != "durable" {
		t.Error("enqueued job did not survive restart")
	}
}

func TestCountJobs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.EnqueueJob(ctx, testJob(t, id, jobNow)); err != nil {
			t.Fatalf("EnqueueJob(%s) failed: %v", id, err)
		}
	}
	if _, err := s.DequeueDue(ctx, jobNow); err != nil {
		t.Fatalf("DequeueDue() failed: %v", err)
	}

	counts, err := s.CountJobs(ctx)
	if err != nil {
		t.Fatalf("CountJobs() failed: %v", err)
	}
	if counts[notify.JobQueued] != 2 || counts[notify.JobInProgress] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

// Package notify implements the asynchronous notification pipeline:
// durable jobs, a worker-pool dispatcher with retry and dead-lettering,
// and the transport/renderer interfaces delivery is delegated to.
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the delivery state of a notification job.
type JobStatus string

const (
	// JobQueued means the job is waiting to be picked up by a worker.
	JobQueued JobStatus = "QUEUED"
	// JobInProgress means a worker has claimed the job. From here the
	// attempt runs to completion or failure; cancellation is no longer
	// possible.
	JobInProgress JobStatus = "IN_PROGRESS"
	// JobDelivered means the transport accepted the message. Terminal.
	JobDelivered JobStatus = "DELIVERED"
	// JobDeadLettered means all attempts were exhausted. Terminal; the
	// job is retained with its failure detail for manual inspection.
	JobDeadLettered JobStatus = "DEAD_LETTERED"
)

// Attachment references a file to attach to the rendered message.
type Attachment struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// Job is one durable notification delivery unit.
//
// Attempts counts delivery attempts made so far (it is incremented when
// a worker claims the job, so a job delivered on the first try ends
// with Attempts == 1). NextAttemptAt gates redelivery: a queued job is
// not picked up before that instant, which is how retry backoff is
// realized as a delayed re-enqueue.
type Job struct {
	ID          string
	Recipients  []string
	Subject     string
	Template    string
	Context     map[string]string
	Attachments []Attachment
	Priority    int

	Status        JobStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	FailedAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	ErrNoRecipients = errors.New("notification job needs at least one recipient")
	ErrNoTemplate   = errors.New("notification job needs a template name")
)

// NewJob builds a queued job with a fresh UUIDv7 ID.
func NewJob(recipients []string, subject, template string, context map[string]string) (Job, error) {
	if len(recipients) == 0 {
		return Job{}, ErrNoRecipients
	}
	if template == "" {
		return Job{}, ErrNoTemplate
	}
	if context == nil {
		context = map[string]string{}
	}
	return Job{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Recipients: recipients,
		Subject:    subject,
		Template:   template,
		Context:    context,
		Status:     JobQueued,
	}, nil
}

// Backoff returns the delay before the next attempt after `attempts`
// failed tries: base doubling per attempt (base, 2*base, 4*base, ...).
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// ChunkRecipients splits a recipient list into batches of at most size,
// so a bulk send never produces a single unbounded job payload.
func ChunkRecipients(recipients []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var chunks [][]string
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		chunks = append(chunks, recipients[start:end])
	}
	return chunks
}

// FailureRecord is the persisted snapshot of a dead-lettered job,
// exposed for manual follow-up tooling.
type FailureRecord struct {
	JobID     string    `json:"job_id"`
	Subject   string    `json:"subject"`
	Template  string    `json:"template"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

func (r FailureRecord) String() string {
	return fmt.Sprintf("job %s (%s) dead after %d attempts: %s",
		r.JobID, r.Template, r.Attempts, r.LastError)
}

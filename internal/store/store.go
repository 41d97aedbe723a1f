package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/wadispatch/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrMessageNotFound  = errors.New("scheduled message not found")
	ErrInvalidTaskToken = errors.New("invalid task token")
	ErrQueueMismatch    = errors.New("queue mismatch")
	ErrJobNotFound      = errors.New("job not found")
	ErrBusy             = errors.New("store busy")
)

// DefaultQueue carries delayed message sends.
const DefaultQueue = "whatsapp-messages"

// MessageStore persists scheduled message records.
type MessageStore interface {
	// InsertMessages stores the records in order and returns them with their
	// assigned ID and CreatedAt.
	InsertMessages(ctx context.Context, msgs []models.ScheduledMessage) ([]models.ScheduledMessage, error)

	// GetMessage returns ErrMessageNotFound when the record does not exist.
	GetMessage(ctx context.Context, id int64) (*models.ScheduledMessage, error)

	// MarkSent flips sent from false to true. It reports false when the record
	// was already sent, and returns ErrMessageNotFound when it does not exist.
	MarkSent(ctx context.Context, id int64) (bool, error)

	// ListMessages returns the records owned by a session handle ordered by
	// send time.
	ListMessages(ctx context.Context, sessionID string) ([]models.ScheduledMessage, error)
}

// JobQueue is a delayed work queue with visibility timeouts. A job is
// invisible to DequeueJobs until its RunAt, and again for the visibility
// timeout after each dequeue until it is completed or released.
type JobQueue interface {
	EnqueueJob(ctx context.Context, queue string, payload []byte, runAt time.Time) (*Job, error)
	DequeueJobs(ctx context.Context, queue string, maxJobs int, visibility time.Duration) ([]*JobWithToken, error)
	UpdateJobVisibility(ctx context.Context, queue string, taskToken string, visibility time.Duration) error

	// CompleteJob removes the job from the queue for good.
	CompleteJob(ctx context.Context, taskToken string) error

	// ReleaseJob makes the job immediately visible to other consumers again.
	ReleaseJob(ctx context.Context, taskToken string) error

	// Lifecycle
	Start() error
	Stop() error
}

// Store is a message store and the job queue that drives it.
type Store interface {
	MessageStore
	JobQueue
}

// Job is a delayed unit of work.
type Job struct {
	JobID     string
	Queue     string
	Payload   []byte
	RunAt     time.Time
	Attempts  int
	CreatedAt time.Time
}

// JobWithToken represents a job with its associated task token
type JobWithToken struct {
	Job       *Job
	TaskToken string
}

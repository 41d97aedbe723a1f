// Package worker consumes delayed send jobs and dispatches the scheduled
// messages they point at.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wadispatch/internal/models"
	"github.com/wolfeidau/wadispatch/internal/queue"
	"github.com/wolfeidau/wadispatch/internal/store"
	"github.com/wolfeidau/wadispatch/internal/telemetry"
	"github.com/wolfeidau/wadispatch/internal/whatsapp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Sender dispatches batches through a session. whatsapp.Service implements it.
type Sender interface {
	Resolve(handle string) (string, error)
	SendNow(ctx context.Context, id string, batches []models.Batch) (whatsapp.Report, error)
}

// Config controls polling and concurrency.
type Config struct {
	Queue        string
	Concurrency  int
	Visibility   time.Duration
	PollInterval time.Duration
	MaxBackoff   time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Queue == "" {
		c.Queue = store.DefaultQueue
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Visibility == 0 {
		c.Visibility = 5 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Second
	}
}

// Outcome is what happened to a job.
type Outcome int

const (
	// OutcomeSent: the message was dispatched and marked sent.
	OutcomeSent Outcome = iota
	// OutcomeFailed: dispatch failed; the job is completed and not retried.
	OutcomeFailed
	// OutcomeDropped: nothing to send (bad payload, missing or already sent record).
	OutcomeDropped
	// OutcomeReleased: the job was handed back to the queue for redelivery.
	OutcomeReleased
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeFailed:
		return "failed"
	case OutcomeDropped:
		return "dropped"
	case OutcomeReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Worker polls the job queue and processes jobs on a bounded pool.
type Worker struct {
	cfg      Config
	messages store.MessageStore
	jobs     store.JobQueue
	sender   Sender
}

// New creates a Worker.
func New(cfg Config, messages store.MessageStore, jobs store.JobQueue, sender Sender) *Worker {
	cfg.ApplyDefaults()
	return &Worker{cfg: cfg, messages: messages, jobs: jobs, sender: sender}
}

// Run polls until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().
		Str("queue", w.cfg.Queue).
		Int("concurrency", w.cfg.Concurrency).
		Dur("visibility", w.cfg.Visibility).
		Msg("Worker starting")

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = w.cfg.MaxBackoff

	for {
		if ctx.Err() != nil {
			log.Info().Msg("Worker stopping")
			return nil
		}

		free := cap(sem) - len(sem)
		if free == 0 {
			sleep(ctx, w.cfg.PollInterval)
			continue
		}

		jobs, err := w.jobs.DequeueJobs(ctx, w.cfg.Queue, free, w.cfg.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			delay := bo.NextBackOff()
			log.Error().Err(err).Dur("retry_in", delay).Msg("Failed to dequeue jobs")
			sleep(ctx, delay)
			continue
		}
		bo.Reset()

		if len(jobs) == 0 {
			sleep(ctx, w.cfg.PollInterval)
			continue
		}

		telemetry.GetMetrics().JobsDequeuedTotal.Add(ctx, int64(len(jobs)))

		for _, job := range jobs {
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.Process(ctx, job)
			}()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Process handles one claimed job and always settles it: completed, or
// released for redelivery when the failure is in the store or the worker is
// shutting down.
func (w *Worker) Process(ctx context.Context, job *store.JobWithToken) Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("job.id", job.Job.JobID),
		attribute.String("job.name", queue.JobName),
		attribute.Int("job.attempts", job.Job.Attempts),
	))
	defer span.End()

	// settling must survive shutdown
	settleCtx := context.WithoutCancel(ctx)

	stop := w.keepVisible(ctx, job)
	outcome, err := w.process(ctx, job)
	stop()

	logger := log.With().Str("job_id", job.Job.JobID).Str("outcome", outcome.String()).Logger()

	switch outcome {
	case OutcomeReleased:
		if rerr := w.jobs.ReleaseJob(settleCtx, job.TaskToken); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to release job")
		}
		telemetry.GetMetrics().JobsReleasedTotal.Add(settleCtx, 1)
	default:
		if cerr := w.jobs.CompleteJob(settleCtx, job.TaskToken); cerr != nil {
			logger.Error().Err(cerr).Msg("Failed to complete job")
		}
		if outcome == OutcomeDropped {
			telemetry.GetMetrics().JobsDroppedTotal.Add(settleCtx, 1)
		}
	}

	telemetry.GetMetrics().JobsProcessedTotal.Add(settleCtx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome.String())))
	span.SetAttributes(attribute.String("job.outcome", outcome.String()))

	if err != nil {
		span.RecordError(err)
		if outcome != OutcomeSent {
			span.SetStatus(codes.Error, err.Error())
		}
		logger.Warn().Err(err).Msg("Job finished with error")
	} else {
		logger.Info().Msg("Job finished")
	}

	return outcome
}

func (w *Worker) process(ctx context.Context, job *store.JobWithToken) (Outcome, error) {
	payload, err := queue.DecodePayload(job.Job.Payload)
	if err != nil {
		return OutcomeDropped, err
	}

	msg, err := w.messages.GetMessage(ctx, payload.MessageID)
	if errors.Is(err, store.ErrMessageNotFound) {
		return OutcomeDropped, err
	}
	if err != nil {
		return OutcomeReleased, fmt.Errorf("failed to load message %d: %w", payload.MessageID, err)
	}

	if msg.Sent {
		return OutcomeDropped, nil
	}

	id, err := w.sender.Resolve(msg.SessionID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("message %d has an unusable session handle: %w", msg.ID, err)
	}

	report, err := w.sender.SendNow(ctx, id, []models.Batch{msg.Batch()})
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeReleased, err
		}
		return OutcomeFailed, fmt.Errorf("failed to send message %d: %w", msg.ID, err)
	}
	if !report.OK() {
		return OutcomeFailed, fmt.Errorf("failed to send message %d: %w", msg.ID, report.Err)
	}

	changed, err := w.messages.MarkSent(context.WithoutCancel(ctx), msg.ID)
	if err != nil {
		// the message went out; redelivery would send it twice
		return OutcomeSent, fmt.Errorf("sent message %d but failed to mark it: %w", msg.ID, err)
	}
	if !changed {
		log.Warn().Int64("message_id", msg.ID).Msg("Message was marked sent by another worker")
	}

	if failed := report.Failed(); len(failed) > 0 {
		log.Warn().Int64("message_id", msg.ID).Int("failed_recipients", len(failed)).Msg("Some recipients were not reached")
	}

	return OutcomeSent, nil
}

// keepVisible extends the job's visibility at half the timeout until stop is
// called, so a slow browser send is not redelivered to another worker.
func (w *Worker) keepVisible(ctx context.Context, job *store.JobWithToken) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.Visibility / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := w.jobs.UpdateJobVisibility(ctx, job.Job.Queue, job.TaskToken, w.cfg.Visibility); err != nil {
					log.Warn().Err(err).Str("job_id", job.Job.JobID).Msg("Failed to extend job visibility")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

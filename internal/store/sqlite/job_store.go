package sqlite

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wadispatch/internal/store"
)

// EnqueueJob inserts a job that becomes claimable at runAt.
func (s *Store) EnqueueJob(ctx context.Context, queue string, payload []byte, runAt time.Time) (*store.Job, error) {
	job := &store.Job{
		JobID:     uuid.Must(uuid.NewV7()).String(),
		Queue:     queue,
		Payload:   payload,
		RunAt:     runAt,
		CreatedAt: s.now(),
	}

	_, err := retry(ctx, "enqueue job", func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (job_id, queue, payload, run_at, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			job.JobID, queue, payload, millis(runAt), millis(job.CreatedAt),
		)
		return struct{}{}, err
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	return job, nil
}

// DequeueJobs claims due jobs in one UPDATE so concurrent callers cannot
// claim the same row; SQLite serialises writers.
func (s *Store) DequeueJobs(ctx context.Context, queue string, maxJobs int, visibility time.Duration) ([]*store.JobWithToken, error) {
	now := millis(s.now())

	return retry(ctx, "dequeue jobs", func() ([]*store.JobWithToken, error) {
		rows, err := s.db.QueryContext(ctx, `
			UPDATE jobs
			SET
				visibility_until = ?,
				receipt_handle = lower(hex(randomblob(16))),
				attempts = attempts + 1
			WHERE job_id IN (
				SELECT job_id FROM jobs
				WHERE queue = ?
				  AND run_at <= ?
				  AND (visibility_until IS NULL OR visibility_until <= ?)
				ORDER BY run_at ASC, created_at ASC
				LIMIT ?
			)
			RETURNING job_id, queue, payload, run_at, attempts, created_at, receipt_handle`,
			now+visibility.Milliseconds(), queue, now, now, maxJobs,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var results []*store.JobWithToken
		for rows.Next() {
			var (
				job              store.Job
				runAt, createdAt int64
				receipt          string
			)
			if err := rows.Scan(&job.JobID, &job.Queue, &job.Payload, &runAt, &job.Attempts, &createdAt, &receipt); err != nil {
				return nil, err
			}
			job.RunAt = fromMillis(runAt)
			job.CreatedAt = fromMillis(createdAt)
			results = append(results, &store.JobWithToken{Job: &job, TaskToken: receipt})
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		// RETURNING order is unspecified
		slices.SortStableFunc(results, func(a, b *store.JobWithToken) int {
			return a.Job.RunAt.Compare(b.Job.RunAt)
		})
		return results, nil
	})
}

func (s *Store) UpdateJobVisibility(ctx context.Context, queue string, taskToken string, visibility time.Duration) error {
	now := millis(s.now())

	_, err := retry(ctx, "update visibility", func() (struct{}, error) {
		var jobQueue string
		err := s.db.QueryRowContext(ctx, `
			SELECT queue FROM jobs WHERE receipt_handle = ? AND visibility_until > ?`,
			taskToken, now,
		).Scan(&jobQueue)
		if notFound(err) {
			return struct{}{}, store.ErrInvalidTaskToken
		}
		if err != nil {
			return struct{}{}, err
		}
		if jobQueue != queue {
			return struct{}{}, fmt.Errorf("%w: expected queue %s", store.ErrQueueMismatch, queue)
		}

		_, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET visibility_until = ? WHERE receipt_handle = ?`,
			now+visibility.Milliseconds(), taskToken,
		)
		return struct{}{}, err
	})
	return err
}

func (s *Store) CompleteJob(ctx context.Context, taskToken string) error {
	return s.claimed(ctx, "complete job", `DELETE FROM jobs WHERE receipt_handle = ? AND visibility_until > ?`, taskToken)
}

func (s *Store) ReleaseJob(ctx context.Context, taskToken string) error {
	err := s.claimed(ctx, "release job", `
		UPDATE jobs SET visibility_until = NULL, receipt_handle = NULL
		WHERE receipt_handle = ? AND visibility_until > ?`, taskToken)
	if err == nil {
		log.Info().Str("task_token", taskToken).Msg("Job released back to queue")
	}
	return err
}

// claimed runs a statement against a job still held under taskToken.
func (s *Store) claimed(ctx context.Context, name, query, taskToken string) error {
	if taskToken == "" {
		return store.ErrInvalidTaskToken
	}

	now := millis(s.now())
	n, err := retry(ctx, name, func() (int64, error) {
		res, err := s.db.ExecContext(ctx, query, taskToken, now)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job not found or claim expired", store.ErrInvalidTaskToken)
	}
	return nil
}

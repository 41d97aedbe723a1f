package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wadispatch/internal/store"
)

var _ store.JobQueue = (*JobStore)(nil)

// JobStore implements store.JobQueue on PostgreSQL. Jobs are claimed with
// SELECT ... FOR UPDATE SKIP LOCKED so any number of workers can share a
// queue, and stay invisible until run_at and for the visibility timeout
// after each claim.
type JobStore struct {
	pool   *pgxpool.Pool
	cfg    *JobStoreConfig
	tokens tokenSigner

	// Lifecycle
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewJobStore creates a job store on an existing pool.
func NewJobStore(pool *pgxpool.Pool, cfg *JobStoreConfig) (*JobStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &JobStore{
		pool:   pool,
		cfg:    cfg,
		tokens: tokenSigner{secret: cfg.TokenSigningSecret},
		stopCh: make(chan struct{}),
	}, nil
}

// Start initializes the job store and starts background tasks.
func (s *JobStore) Start() error {
	log.Info().Msg("Starting PostgreSQL job store")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorConnectionPool()
	}()

	return nil
}

// Stop waits for background tasks. The pool belongs to the caller.
func (s *JobStore) Stop() error {
	log.Info().Msg("Stopping PostgreSQL job store")
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

// monitorConnectionPool logs connection pool statistics periodically.
func (s *JobStore) monitorConnectionPool() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.pool.Stat()
			log.Debug().
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Int64("acquire_count", stats.AcquireCount()).
				Dur("acquire_duration", stats.AcquireDuration()).
				Msg("Connection pool stats")
		case <-s.stopCh:
			return
		}
	}
}

func (s *JobStore) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

// EnqueueJob inserts a job that becomes claimable at runAt.
func (s *JobStore) EnqueueJob(ctx context.Context, queue string, payload []byte, runAt time.Time) (*store.Job, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	job := &store.Job{
		JobID:   uuid.Must(uuid.NewV7()).String(),
		Queue:   queue,
		Payload: payload,
		RunAt:   runAt,
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (job_id, queue, payload, run_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, job.JobID, queue, payload, runAt).Scan(&job.CreatedAt)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	log.Debug().
		Str("job_id", job.JobID).
		Str("queue", queue).
		Time("run_at", runAt).
		Msg("Enqueued job")

	return job, nil
}

// DequeueJobs claims up to maxJobs due jobs, earliest run_at first. A claim
// whose visibility has lapsed is claimable again with a new receipt handle.
func (s *JobStore) DequeueJobs(ctx context.Context, queue string, maxJobs int, visibility time.Duration) ([]*store.JobWithToken, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	query := `
		WITH claimable AS (
			SELECT job_id
			FROM jobs
			WHERE queue = $1
			  AND run_at <= NOW()
			  AND (visibility_until IS NULL OR visibility_until <= NOW())
			ORDER BY run_at ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET
			visibility_until = NOW() + $3 * INTERVAL '1 millisecond',
			receipt_handle = gen_random_uuid(),
			attempts = jobs.attempts + 1,
			updated_at = NOW()
		FROM claimable
		WHERE jobs.job_id = claimable.job_id
		RETURNING jobs.job_id, jobs.queue, jobs.payload, jobs.run_at, jobs.attempts,
		          jobs.created_at, jobs.receipt_handle
	`

	rows, err := s.pool.Query(ctx, query, queue, maxJobs, visibility.Milliseconds())
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var results []*store.JobWithToken
	for rows.Next() {
		var (
			job           store.Job
			receiptHandle string
		)

		err := rows.Scan(&job.JobID, &job.Queue, &job.Payload, &job.RunAt, &job.Attempts, &job.CreatedAt, &receiptHandle)
		if err != nil {
			return nil, mapPostgresError(err)
		}

		results = append(results, &store.JobWithToken{
			Job: &job,
			TaskToken: s.tokens.encode(taskToken{
				JobID:         job.JobID,
				Queue:         job.Queue,
				ReceiptHandle: receiptHandle,
			}),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	if len(results) > 0 {
		log.Debug().Str("queue", queue).Int("dequeued", len(results)).Msg("Dequeued jobs")
	}

	return results, nil
}

// UpdateJobVisibility extends the visibility timeout for a job.
// The receipt handle does not change.
func (s *JobStore) UpdateJobVisibility(ctx context.Context, queue string, token string, visibility time.Duration) error {
	tt, err := s.tokens.decode(token)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid task token")
		return err
	}
	if tt.Queue != queue {
		return fmt.Errorf("%w: expected %s, got %s", store.ErrQueueMismatch, queue, tt.Queue)
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	result, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET
			visibility_until = NOW() + $1 * INTERVAL '1 millisecond',
			updated_at = NOW()
		WHERE job_id = $2
		  AND receipt_handle = $3::UUID
		  AND visibility_until > NOW()
	`, visibility.Milliseconds(), tt.JobID, tt.ReceiptHandle)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: job not found or receipt handle mismatch", store.ErrInvalidTaskToken)
	}

	return nil
}

// CompleteJob deletes the claimed job.
func (s *JobStore) CompleteJob(ctx context.Context, token string) error {
	tt, err := s.tokens.decode(token)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid task token")
		return err
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	result, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE job_id = $1
		  AND receipt_handle = $2::UUID
	`, tt.JobID, tt.ReceiptHandle)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: job not found or receipt handle mismatch", store.ErrInvalidTaskToken)
	}

	log.Debug().Str("job_id", tt.JobID).Msg("Completed job")
	return nil
}

// ReleaseJob clears the claim so the job is immediately claimable again.
func (s *JobStore) ReleaseJob(ctx context.Context, token string) error {
	tt, err := s.tokens.decode(token)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid task token")
		return err
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	result, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET
			visibility_until = NULL,
			receipt_handle = NULL,
			updated_at = NOW()
		WHERE job_id = $1
		  AND receipt_handle = $2::UUID
	`, tt.JobID, tt.ReceiptHandle)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: job not found or receipt handle mismatch", store.ErrInvalidTaskToken)
	}

	log.Info().Str("job_id", tt.JobID).Msg("Released job back to queue")
	return nil
}

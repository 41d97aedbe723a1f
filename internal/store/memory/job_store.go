package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wadispatch/internal/store"
)

var _ store.JobQueue = (*JobStore)(nil)

type jobEntry struct {
	job *store.Job

	// visibleAt hides a dequeued job until it expires.
	visibleAt time.Time
	token     string
}

// JobStore implements store.JobQueue using in-memory storage.
// This implementation is for development and tests - jobs are lost on restart.
type JobStore struct {
	mu sync.RWMutex

	jobs       map[string]*jobEntry // job ID -> entry
	taskTokens map[string]string    // task token -> job ID

	now func() time.Time

	// Background cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	wg              sync.WaitGroup
}

// NewJobStore creates a new in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:            make(map[string]*jobEntry),
		taskTokens:      make(map[string]string),
		now:             time.Now,
		cleanupInterval: 30 * time.Second,
		stopCleanup:     make(chan struct{}),
	}
}

// Start begins background cleanup operations
func (s *JobStore) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cleanupLoop()
	}()
	return nil
}

// Stop terminates background operations
func (s *JobStore) Stop() error {
	close(s.stopCleanup)
	s.wg.Wait()
	return nil
}

func (s *JobStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expireTokens()
		case <-s.stopCleanup:
			return
		}
	}
}

// expireTokens drops task tokens whose visibility timeout has passed, so a
// stalled consumer can no longer complete a job that was handed to another.
func (s *JobStore) expireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, e := range s.jobs {
		if e.token != "" && !now.Before(e.visibleAt) {
			delete(s.taskTokens, e.token)
			e.token = ""
			log.Debug().Str("job_id", id).Msg("Job visibility expired")
		}
	}
}

// EnqueueJob adds a job that becomes visible at runAt.
func (s *JobStore) EnqueueJob(ctx context.Context, queue string, payload []byte, runAt time.Time) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &store.Job{
		JobID:     uuid.Must(uuid.NewV7()).String(),
		Queue:     queue,
		Payload:   slices.Clone(payload),
		RunAt:     runAt,
		CreatedAt: s.now(),
	}
	s.jobs[job.JobID] = &jobEntry{job: job}

	clone := *job
	return &clone, nil
}

// DequeueJobs claims up to maxJobs due jobs, earliest RunAt first.
func (s *JobStore) DequeueJobs(ctx context.Context, queue string, maxJobs int, visibility time.Duration) ([]*store.JobWithToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	var due []*jobEntry
	for _, e := range s.jobs {
		if e.job.Queue != queue || now.Before(e.job.RunAt) || now.Before(e.visibleAt) {
			continue
		}
		due = append(due, e)
	}
	if len(due) == 0 {
		return nil, nil
	}

	slices.SortFunc(due, func(a, b *jobEntry) int {
		if c := a.job.RunAt.Compare(b.job.RunAt); c != 0 {
			return c
		}
		return a.job.CreatedAt.Compare(b.job.CreatedAt)
	})

	results := make([]*store.JobWithToken, 0, min(maxJobs, len(due)))
	for _, e := range due[:min(maxJobs, len(due))] {
		if e.token != "" {
			delete(s.taskTokens, e.token)
		}

		e.token = uuid.Must(uuid.NewV7()).String()
		e.visibleAt = now.Add(visibility)
		e.job.Attempts++
		s.taskTokens[e.token] = e.job.JobID

		clone := *e.job
		results = append(results, &store.JobWithToken{Job: &clone, TaskToken: e.token})
	}

	return results, nil
}

// UpdateJobVisibility extends the visibility timeout for a job
func (s *JobStore) UpdateJobVisibility(ctx context.Context, queue string, taskToken string, visibility time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.claimed(taskToken)
	if err != nil {
		return err
	}
	if e.job.Queue != queue {
		return fmt.Errorf("%w: expected queue %s", store.ErrQueueMismatch, queue)
	}

	e.visibleAt = s.now().Add(visibility)

	log.Debug().Str("job_id", e.job.JobID).Str("queue", queue).Dur("visibility", visibility).Msg("Updated job visibility timeout")
	return nil
}

// CompleteJob removes a claimed job.
func (s *JobStore) CompleteJob(ctx context.Context, taskToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.claimed(taskToken)
	if err != nil {
		return err
	}

	delete(s.taskTokens, taskToken)
	delete(s.jobs, e.job.JobID)

	log.Debug().Str("job_id", e.job.JobID).Msg("Job completed")
	return nil
}

// ReleaseJob makes a claimed job visible again straight away.
func (s *JobStore) ReleaseJob(ctx context.Context, taskToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.claimed(taskToken)
	if err != nil {
		return err
	}

	delete(s.taskTokens, taskToken)
	e.token = ""
	e.visibleAt = time.Time{}

	log.Info().Str("job_id", e.job.JobID).Str("queue", e.job.Queue).Msg("Job released back to queue")
	return nil
}

// Len returns the number of jobs not yet completed.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// claimed resolves a task token; callers hold mu.
func (s *JobStore) claimed(taskToken string) (*jobEntry, error) {
	jobID, ok := s.taskTokens[taskToken]
	if !ok {
		return nil, store.ErrInvalidTaskToken
	}
	e, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	if !s.now().Before(e.visibleAt) {
		return nil, fmt.Errorf("%w: visibility timeout expired", store.ErrInvalidTaskToken)
	}
	return e, nil
}

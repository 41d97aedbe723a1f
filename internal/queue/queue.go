// Package queue turns scheduled message records into delayed jobs.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wadispatch/internal/models"
	"github.com/wolfeidau/wadispatch/internal/store"
	"github.com/wolfeidau/wadispatch/internal/telemetry"
)

// JobName identifies send jobs in logs and spans.
const JobName = "sendMessage"

// Payload is the body of a delayed send job. It carries only the record id;
// the worker reloads the record when the job fires.
type Payload struct {
	MessageID int64 `json:"messageId"`
}

// EncodePayload returns the JSON job body for a message id.
func EncodePayload(id int64) ([]byte, error) {
	return json.Marshal(Payload{MessageID: id})
}

// DecodePayload parses a job body.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("invalid job payload: %w", err)
	}
	if p.MessageID == 0 {
		return Payload{}, fmt.Errorf("invalid job payload: missing messageId")
	}
	return p, nil
}

// Producer submits one delayed job per scheduled message.
type Producer struct {
	jobs  store.JobQueue
	queue string

	// Now is the clock used to compute delays.
	Now func() time.Time
}

// NewProducer creates a producer on the named queue.
func NewProducer(jobs store.JobQueue, queue string) *Producer {
	if queue == "" {
		queue = store.DefaultQueue
	}
	return &Producer{jobs: jobs, queue: queue, Now: time.Now}
}

// Result reports what Schedule did with one record.
type Result struct {
	MessageID int64
	JobID     string
	Delay     time.Duration
	Skipped   bool
}

// Schedule enqueues a job for each record due in the future. Records whose
// send time is not after now are skipped and logged, never sent. It stops at
// the first enqueue failure.
func (p *Producer) Schedule(ctx context.Context, msgs []models.ScheduledMessage) ([]Result, error) {
	metrics := telemetry.GetMetrics()
	results := make([]Result, 0, len(msgs))

	for _, m := range msgs {
		now := p.Now()
		delay := m.SendAt.Sub(now)

		if delay <= 0 {
			log.Warn().
				Int64("message_id", m.ID).
				Time("send_at", m.SendAt).
				Str("overdue", humanize.RelTime(m.SendAt, now, "ago", "from now")).
				Msg("Send time has passed, not scheduling")
			metrics.JobsSkippedTotal.Add(ctx, 1)
			results = append(results, Result{MessageID: m.ID, Delay: delay, Skipped: true})
			continue
		}

		payload, err := EncodePayload(m.ID)
		if err != nil {
			return results, err
		}

		job, err := p.jobs.EnqueueJob(ctx, p.queue, payload, now.Add(delay))
		if err != nil {
			return results, fmt.Errorf("failed to enqueue message %d: %w", m.ID, err)
		}

		metrics.JobsEnqueuedTotal.Add(ctx, 1)
		log.Info().
			Str("job", JobName).
			Str("job_id", job.JobID).
			Int64("message_id", m.ID).
			Str("due", humanize.Time(m.SendAt)).
			Dur("delay", delay).
			Msg("Scheduled message")

		results = append(results, Result{MessageID: m.ID, JobID: job.JobID, Delay: delay})
	}

	return results, nil
}

// Unscheduled returns the IDs of msgs that Schedule did not reach, given the
// results it returned alongside an error.
func Unscheduled(msgs []models.ScheduledMessage, results []Result) []int64 {
	handled := make(map[int64]bool, len(results))
	for _, r := range results {
		handled[r.MessageID] = true
	}

	var ids []int64
	for _, m := range msgs {
		if !handled[m.ID] {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

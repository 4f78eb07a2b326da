// Package scheduler executes durable delayed jobs and recurring scans: a
// worker pool drains the job queue, per-job-type attempt budgets route
// poison jobs to a dead-letter queue, and robfig/cron drives the recurring
// entries.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statelinehq/stateline/model"
)

// Queue is the durable delayed-job store.
type Queue interface {
	// Enqueue adds a job. A job with a dedup key already held by a pending
	// or leased job is silently dropped, so the same delayed transition is
	// never double-scheduled.
	Enqueue(ctx context.Context, job model.Job) error

	// Due claims up to limit jobs whose run_at has passed. Claimed jobs are
	// invisible to other pollers until completed, retried, or their lease
	// expires; a job whose lease expired is handed out again with the lost
	// attempt counted, so a crashed worker cannot strand it.
	Due(ctx context.Context, now time.Time, limit int) ([]model.Job, error)

	// Complete removes a claimed job.
	Complete(ctx context.Context, jobID string) error

	// Retry returns a claimed job to the queue with updated attempts and a
	// new run_at.
	Retry(ctx context.Context, job model.Job, runAt time.Time) error

	// DeadLetter moves a claimed job to the dead-letter queue.
	DeadLetter(ctx context.Context, job model.Job, reason string) error

	// Stats reports queue depth and dead-letter count.
	Stats(ctx context.Context) (model.QueueStats, error)

	// DeadLetters lists parked jobs, most recent first.
	DeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error)

	// RequeueDeadLetter moves a dead letter back onto the queue with a
	// reset attempt count. Returns NOT_FOUND for an unknown id.
	RequeueDeadLetter(ctx context.Context, id string) error
}

// Leases longer than this are treated as abandoned. Long enough to outlast
// any attempt timeout, short enough that a crashed worker's jobs come back
// within minutes.
const defaultLeaseTTL = 2 * time.Minute

// MemQueue is an in-memory Queue for testing and single-instance
// deployments.
type MemQueue struct {
	mu      sync.Mutex
	jobs    map[string]model.Job
	leased  map[string]time.Time // job id -> lease expiry
	dedup   map[string]string    // dedup key -> job id
	dead    []model.DeadLetter
}

// NewMemQueue creates a new in-memory job queue.
func NewMemQueue() *MemQueue {
	return &MemQueue{
		jobs:   make(map[string]model.Job),
		leased: make(map[string]time.Time),
		dedup:  make(map[string]string),
	}
}

// Enqueue adds a job, dropping dedup-key duplicates.
func (q *MemQueue) Enqueue(_ context.Context, job model.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.DedupKey != "" {
		if _, held := q.dedup[job.DedupKey]; held {
			return nil
		}
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	q.jobs[job.ID] = job
	if job.DedupKey != "" {
		q.dedup[job.DedupKey] = job.ID
	}
	return nil
}

// Due claims up to limit due jobs, oldest run_at first. A job whose lease
// expired is reclaimed with one extra attempt on its counter, since the
// abandoned attempt was spent without ever being recorded.
func (q *MemQueue) Due(_ context.Context, now time.Time, limit int) ([]model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []model.Job
	for id, job := range q.jobs {
		if exp, held := q.leased[id]; held && now.Before(exp) {
			continue
		}
		if job.RunAt.After(now) {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i, job := range due {
		if _, held := q.leased[job.ID]; held {
			job.Attempts++
			q.jobs[job.ID] = job
			due[i] = job
		}
		q.leased[job.ID] = now.Add(defaultLeaseTTL)
	}
	return due, nil
}

// Complete removes a claimed job.
func (q *MemQueue) Complete(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(jobID)
	return nil
}

// Retry returns a claimed job to the queue.
func (q *MemQueue) Retry(_ context.Context, job model.Job, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.RunAt = runAt
	q.jobs[job.ID] = job
	delete(q.leased, job.ID)
	return nil
}

// DeadLetter moves a claimed job to the dead-letter queue.
func (q *MemQueue) DeadLetter(_ context.Context, job model.Job, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeLocked(job.ID)
	q.dead = append(q.dead, model.DeadLetter{
		ID:       uuid.New().String(),
		JobName:  job.Name,
		Payload:  job.Payload,
		Reason:   reason,
		Attempts: job.Attempts,
		FailedAt: time.Now().UTC(),
	})
	return nil
}

// Stats reports queue depth and dead-letter count.
func (q *MemQueue) Stats(_ context.Context) (model.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := model.QueueStats{
		Pending:     len(q.jobs),
		ByJobName:   make(map[string]int),
		DeadLetters: len(q.dead),
	}
	for _, job := range q.jobs {
		stats.ByJobName[job.Name]++
	}
	return stats, nil
}

// DeadLetters lists parked jobs, most recent first.
func (q *MemQueue) DeadLetters(_ context.Context, limit int) ([]model.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.DeadLetter, len(q.dead))
	copy(out, q.dead)
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RequeueDeadLetter moves a dead letter back onto the queue.
func (q *MemQueue) RequeueDeadLetter(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, d := range q.dead {
		if d.ID != id {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		job := model.Job{
			ID:        uuid.New().String(),
			Name:      d.JobName,
			Payload:   d.Payload,
			RunAt:     time.Now().UTC(),
			CreatedAt: time.Now().UTC(),
		}
		q.jobs[job.ID] = job
		return nil
	}
	return model.NewNotFoundError(fmt.Sprintf("dead letter %s not found", id))
}

func (q *MemQueue) removeLocked(jobID string) {
	if job, ok := q.jobs[jobID]; ok && job.DedupKey != "" {
		delete(q.dedup, job.DedupKey)
	}
	delete(q.jobs, jobID)
	delete(q.leased, jobID)
}

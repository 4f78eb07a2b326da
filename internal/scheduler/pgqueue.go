package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statelinehq/stateline/model"
)

// PgQueue is a PostgreSQL-backed Queue using pgx/v5. Due claims rows with
// FOR UPDATE SKIP LOCKED so a pool of workers across processes never double
// claims a job, and stamps each claim with a lease expiry so a worker that
// dies mid-attempt cannot strand the row. Dedup keys rely on a partial
// unique index over queued rows.
type PgQueue struct {
	pool     *pgxpool.Pool
	leaseTTL time.Duration
}

// NewPgQueue creates a new PostgreSQL job queue. leaseTTL bounds how long a
// claimed job stays invisible before it is handed out again; it must exceed
// the worker attempt timeout. Values <= 0 fall back to a default.
func NewPgQueue(pool *pgxpool.Pool, leaseTTL time.Duration) *PgQueue {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	return &PgQueue{pool: pool, leaseTTL: leaseTTL}
}

// Enqueue adds a job, dropping dedup-key duplicates.
func (q *PgQueue) Enqueue(ctx context.Context, job model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	var dedup *string
	if job.DedupKey != "" {
		dedup = &job.DedupKey
	}
	_, err := q.pool.Exec(ctx, `
		INSERT INTO scheduler_jobs (id, name, payload, dedup_key, run_at, attempts, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
		ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING`,
		job.ID, job.Name, []byte(job.Payload), dedup, job.RunAt, job.Attempts, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Due claims up to limit due jobs, oldest run_at first. Rows whose lease
// expired are reclaimed alongside pending ones, with the abandoned attempt
// added to their counter so the budget still routes them to the DLQ.
func (q *PgQueue) Due(ctx context.Context, now time.Time, limit int) ([]model.Job, error) {
	rows, err := q.pool.Query(ctx, `
		WITH due AS (
			SELECT id, status FROM scheduler_jobs
			WHERE run_at <= $1
			  AND (status = 'pending' OR (status = 'leased' AND leased_until <= $1))
			ORDER BY run_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduler_jobs j
		SET status = 'leased',
		    leased_until = $3,
		    attempts = j.attempts + CASE WHEN due.status = 'leased' THEN 1 ELSE 0 END
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.name, j.payload, COALESCE(j.dedup_key, ''), j.run_at, j.attempts, j.created_at`,
		now, limit, now.Add(q.leaseTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var due []model.Job
	for rows.Next() {
		var job model.Job
		var payload []byte
		if err := rows.Scan(&job.ID, &job.Name, &payload, &job.DedupKey, &job.RunAt, &job.Attempts, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Payload = payload
		due = append(due, job)
	}
	return due, rows.Err()
}

// Complete removes a claimed job.
func (q *PgQueue) Complete(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM scheduler_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Retry returns a claimed job to the queue.
func (q *PgQueue) Retry(ctx context.Context, job model.Job, runAt time.Time) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE scheduler_jobs SET status = 'pending', attempts = $1, run_at = $2, leased_until = NULL
		WHERE id = $3`,
		job.Attempts, runAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// DeadLetter moves a claimed job to the dead-letter queue.
func (q *PgQueue) DeadLetter(ctx context.Context, job model.Job, reason string) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin dead-letter: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO scheduler_dead_letters (id, job_name, payload, reason, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), job.Name, []byte(job.Payload), reason, job.Attempts, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM scheduler_jobs WHERE id = $1`, job.ID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit dead-letter: %w", err)
	}
	return nil
}

// Stats reports queue depth and dead-letter count.
func (q *PgQueue) Stats(ctx context.Context) (model.QueueStats, error) {
	stats := model.QueueStats{ByJobName: make(map[string]int)}

	rows, err := q.pool.Query(ctx, `
		SELECT name, COUNT(*) FROM scheduler_jobs GROUP BY name`)
	if err != nil {
		return model.QueueStats{}, fmt.Errorf("query queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return model.QueueStats{}, fmt.Errorf("scan queue stats: %w", err)
		}
		stats.ByJobName[name] = count
		stats.Pending += count
	}
	if err := rows.Err(); err != nil {
		return model.QueueStats{}, err
	}

	err = q.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scheduler_dead_letters`).Scan(&stats.DeadLetters)
	if err != nil {
		return model.QueueStats{}, fmt.Errorf("count dead letters: %w", err)
	}
	return stats, nil
}

// DeadLetters lists parked jobs, most recent first.
func (q *PgQueue) DeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, job_name, payload, reason, attempts, failed_at
		FROM scheduler_dead_letters
		ORDER BY failed_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var d model.DeadLetter
		var payload []byte
		if err := rows.Scan(&d.ID, &d.JobName, &payload, &d.Reason, &d.Attempts, &d.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.Payload = payload
		out = append(out, d)
	}
	return out, rows.Err()
}

// RequeueDeadLetter moves a dead letter back onto the queue.
func (q *PgQueue) RequeueDeadLetter(ctx context.Context, id string) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback(ctx)

	var d model.DeadLetter
	var payload []byte
	err = tx.QueryRow(ctx, `
		SELECT id, job_name, payload FROM scheduler_dead_letters WHERE id = $1
		FOR UPDATE`,
		id,
	).Scan(&d.ID, &d.JobName, &payload)
	if err == pgx.ErrNoRows {
		return model.NewNotFoundError(fmt.Sprintf("dead letter %s not found", id))
	}
	if err != nil {
		return fmt.Errorf("query dead letter: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO scheduler_jobs (id, name, payload, dedup_key, run_at, attempts, status, created_at)
		VALUES ($1, $2, $3, NULL, $4, 0, 'pending', $5)`,
		uuid.New().String(), d.JobName, payload, now, now,
	)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM scheduler_dead_letters WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit requeue: %w", err)
	}
	return nil
}

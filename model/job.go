package model

import (
	"encoding/json"
	"time"
)

// Job is one unit of durable, possibly delayed work.
type Job struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DedupKey  string          `json:"dedup_key,omitempty"`
	RunAt     time.Time       `json:"run_at"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

// DeadLetter is a job that exhausted its attempt budget, parked for manual
// inspection and requeue.
type DeadLetter struct {
	ID       string          `json:"id"`
	JobName  string          `json:"job_name"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Reason   string          `json:"reason"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}

// QueueStats is the operational queue depth/health snapshot.
type QueueStats struct {
	Pending     int            `json:"pending"`
	ByJobName   map[string]int `json:"by_job_name,omitempty"`
	DeadLetters int            `json:"dead_letters"`
}

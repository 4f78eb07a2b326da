package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/statelinehq/stateline/internal/resilience"
	"github.com/statelinehq/stateline/model"
)

// HandlerFunc executes one job attempt.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Settings tune the worker pool and attempt budgets.
type Settings struct {
	Workers         int
	PollInterval    time.Duration
	AttemptTimeout  time.Duration
	DefaultAttempts int
	AttemptBudgets  map[string]int
	RetryBackoff    resilience.Backoff
}

func (s Settings) withDefaults() Settings {
	if s.Workers <= 0 {
		s.Workers = 4
	}
	if s.PollInterval <= 0 {
		s.PollInterval = time.Second
	}
	if s.AttemptTimeout <= 0 {
		s.AttemptTimeout = 30 * time.Second
	}
	if s.DefaultAttempts <= 0 {
		s.DefaultAttempts = 3
	}
	if s.RetryBackoff.Base <= 0 {
		s.RetryBackoff = resilience.Backoff{
			Type: resilience.BackoffExponential,
			Base: 5 * time.Second,
			Max:  5 * time.Minute,
		}
	}
	return s
}

// Scheduler drains the durable job queue with a bounded worker pool and runs
// recurring entries through cron. Recurring registration is keyed by a
// stable name, so re-registration across restarts is idempotent.
type Scheduler struct {
	queue    Queue
	settings Settings
	log      *zap.Logger

	cron     *cron.Cron
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	entries  map[string]cron.EntryID

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a scheduler over the given queue.
func New(queue Queue, settings Settings, log *zap.Logger) *Scheduler {
	return &Scheduler{
		queue:    queue,
		settings: settings.withDefaults(),
		log:      log,
		cron:     cron.New(),
		handlers: make(map[string]HandlerFunc),
		entries:  make(map[string]cron.EntryID),
	}
}

// Handle registers the handler for a job name. Jobs without a handler are
// dead-lettered immediately.
func (s *Scheduler) Handle(name string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = fn
}

// Every registers a recurring entry under a stable name. Registering the
// same name twice keeps the first entry.
func (s *Scheduler) Every(name, spec string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return nil
	}
	id, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.AttemptTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Error("recurring job failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("register recurring job %q: %w", name, err)
	}
	s.entries[name] = id
	return nil
}

// Enqueue adds a durable job to the queue.
func (s *Scheduler) Enqueue(ctx context.Context, job model.Job) error {
	return s.queue.Enqueue(ctx, job)
}

// Stats reports queue depth and dead-letter count.
func (s *Scheduler) Stats(ctx context.Context) (model.QueueStats, error) {
	return s.queue.Stats(ctx)
}

// DeadLetters lists parked jobs.
func (s *Scheduler) DeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	return s.queue.DeadLetters(ctx, limit)
}

// RequeueDeadLetter moves a dead letter back onto the queue.
func (s *Scheduler) RequeueDeadLetter(ctx context.Context, id string) error {
	return s.queue.RequeueDeadLetter(ctx, id)
}

// Start launches the cron entries and the worker pool. Stop with Stop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.cron.Start()
	for i := 0; i < s.settings.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.log.Info("scheduler started",
		zap.Int("workers", s.settings.Workers),
		zap.Duration("poll_interval", s.settings.PollInterval),
	)
}

// Stop halts cron, waits for in-flight attempts, and returns.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.settings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain claims and runs due jobs until the queue is momentarily empty.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		jobs, err := s.queue.Due(ctx, time.Now().UTC(), 1)
		if err != nil {
			s.log.Error("claim due jobs", zap.Error(err))
			return
		}
		if len(jobs) == 0 {
			return
		}
		for _, job := range jobs {
			s.runJob(ctx, job)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job model.Job) {
	s.mu.Lock()
	handler, ok := s.handlers[job.Name]
	s.mu.Unlock()
	if !ok {
		s.log.Error("no handler for job, dead-lettering", zap.String("job", job.Name))
		if err := s.queue.DeadLetter(ctx, job, "no handler registered"); err != nil {
			s.log.Error("dead-letter job", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.settings.AttemptTimeout)
	err := handler(attemptCtx, job.Payload)
	cancel()

	if err == nil {
		if err := s.queue.Complete(ctx, job.ID); err != nil {
			s.log.Error("complete job", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	job.Attempts++
	budget := s.budget(job.Name)
	if job.Attempts >= budget {
		s.log.Error("job exhausted attempts, dead-lettering",
			zap.String("job", job.Name),
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
		if dlErr := s.queue.DeadLetter(ctx, job, err.Error()); dlErr != nil {
			s.log.Error("dead-letter job", zap.String("job_id", job.ID), zap.Error(dlErr))
		}
		return
	}

	runAt := time.Now().UTC().Add(s.settings.RetryBackoff.Delay(job.Attempts))
	s.log.Warn("job attempt failed, retrying",
		zap.String("job", job.Name),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Time("run_at", runAt),
		zap.Error(err),
	)
	if rErr := s.queue.Retry(ctx, job, runAt); rErr != nil {
		s.log.Error("retry job", zap.String("job_id", job.ID), zap.Error(rErr))
	}
}

func (s *Scheduler) budget(jobName string) int {
	if n, ok := s.settings.AttemptBudgets[jobName]; ok && n > 0 {
		return n
	}
	return s.settings.DefaultAttempts
}

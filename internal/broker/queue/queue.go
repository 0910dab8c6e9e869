// Package queue implements the job-queue primitive run dispatch submits to:
// id-deduplicated adds and a bounded-concurrency consumer. This in-memory
// implementation satisfies the collaborator contract for single-process
// deployments; the contract is what the broker depends on.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is one unit of queued work
type Job struct {
	ID         string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	Attempts   int
}

// Handler processes one job; a returned error consumes one attempt
type Handler func(ctx context.Context, job *Job) error

// Config holds configuration for a queue
type Config struct {
	// Concurrency bounds how many jobs run at once
	Concurrency int
	// MaxAttempts is how many times a failing job is tried before dropping
	MaxAttempts int
}

// DefaultConfig returns default queue configuration
func DefaultConfig() Config {
	return Config{Concurrency: 1, MaxAttempts: 1}
}

// Queue is an in-memory deduplicating job queue
type Queue struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending []*Job
	// ids tracks queued and running job ids for deduplication
	ids  map[string]struct{}
	wake chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a queue
func New(name string, cfg Config, logger *slog.Logger) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:   name,
		cfg:    cfg,
		logger: logger.With("queue", name),
		ids:    make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add submits a job deduplicated by id. Returns false when a job with the
// same id is already queued or running.
func (q *Queue) Add(ctx context.Context, id string, payload any) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("job id is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode job payload: %w", err)
	}

	q.mu.Lock()
	if _, exists := q.ids[id]; exists {
		q.mu.Unlock()
		return false, nil
	}
	q.ids[id] = struct{}{}
	q.pending = append(q.pending, &Job{
		ID:         id,
		Payload:    raw,
		EnqueuedAt: time.Now(),
		Attempts:   0,
	})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true, nil
}

// Process starts the bounded-concurrency consumer. Each worker runs until
// Stop is called.
func (q *Queue) Process(handler Handler) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.logger.Info("Starting queue workers", "concurrency", q.cfg.Concurrency)
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(handler)
	}
}

// Stop cancels the workers and waits for in-flight jobs to finish
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()
}

// Len returns the number of queued jobs
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) worker(handler Handler) {
	defer q.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		job := q.pop()
		if job == nil {
			select {
			case <-q.wake:
			case <-ticker.C:
			case <-q.ctx.Done():
				return
			}
			continue
		}
		q.run(job, handler)
	}
}

func (q *Queue) pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return job
}

func (q *Queue) run(job *Job, handler Handler) {
	job.Attempts++
	err := handler(q.ctx, job)
	if err == nil {
		q.release(job.ID)
		return
	}

	q.logger.Error("Job failed",
		"job_id", job.ID,
		"attempts", job.Attempts,
		"error", err,
	)
	if job.Attempts >= q.cfg.MaxAttempts {
		q.logger.Error("Dropping job after max attempts", "job_id", job.ID)
		q.release(job.ID)
		return
	}

	// Requeue for another attempt, keeping the id reserved.
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	delete(q.ids, id)
	q.mu.Unlock()
}

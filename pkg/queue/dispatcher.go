package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler executes one job. Errors cause a retry unless wrapped with
// Permanent.
type Handler func(ctx context.Context, job *Job) error

// ExhaustedFunc is invoked when a job is parked as failed, so owners can
// reflect the failure on their domain records.
type ExhaustedFunc func(ctx context.Context, job *Job, err error)

// Metrics is an optional sink for job outcomes.
type Metrics interface {
	JobProcessed(ctx context.Context, name, outcome string)
}

// Visibility timeout for claimed jobs. The lease must outlive the
// longest execution ceiling, otherwise a slow job would be handed to a
// second worker while still running.
const (
	leaseFloor = 30 * time.Minute
	leaseGrace = 5 * time.Minute
)

// Dispatcher enqueues jobs and runs the worker pool. Handlers and
// policies are registered per job name at construction time; there is no
// ambient registry.
type Dispatcher struct {
	store    *Store
	logger   *slog.Logger
	clock    func() time.Time
	handlers map[string]Handler
	policies map[string]Policy

	onExhausted ExhaustedFunc
	metrics     Metrics
}

// NewDispatcher creates a dispatcher on the given store.
func NewDispatcher(store *Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		logger:   logger,
		clock:    time.Now,
		handlers: make(map[string]Handler),
		policies: make(map[string]Policy),
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// WithMetrics attaches a metrics sink.
func (d *Dispatcher) WithMetrics(m Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// OnExhausted sets the terminal-failure hook.
func (d *Dispatcher) OnExhausted(fn ExhaustedFunc) {
	d.onExhausted = fn
}

// Register binds a handler and retry policy to a job name.
func (d *Dispatcher) Register(name string, handler Handler, policy Policy) {
	d.handlers[name] = handler
	d.policies[name] = policy
}

// Enqueue schedules a job. id is the natural idempotency key; enqueueing
// an id that already exists is a no-op and returns false.
func (d *Dispatcher) Enqueue(ctx context.Context, name, id string, args any) (bool, error) {
	policy, ok := d.policies[name]
	if !ok {
		return false, fmt.Errorf("no handler registered for job %q", name)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return false, fmt.Errorf("marshal args for %s: %w", name, err)
	}

	now := d.clock()
	job := &Job{
		ID:          id,
		Name:        name,
		Queue:       policy.Queue,
		Args:        payload,
		MaxAttempts: policy.MaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
	}
	inserted, err := d.store.Insert(ctx, job)
	if err != nil {
		return false, err
	}
	if inserted {
		d.logger.Info("job enqueued", "job", name, "id", id, "queue", policy.Queue)
	} else {
		d.logger.Debug("job already enqueued", "job", name, "id", id)
	}
	return inserted, nil
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, workers int, pollInterval time.Duration) {
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d.workerLoop(ctx, n, pollInterval)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int, pollInterval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := d.store.ClaimDue(ctx, d.clock(), d.lease())
		if err != nil {
			d.logger.Error("claim failed", "worker", worker, "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		d.execute(ctx, job)
	}
}

// lease is the stale-running reclaim cutoff, derived from the longest
// registered execution ceiling.
func (d *Dispatcher) lease() time.Duration {
	lease := leaseFloor
	for _, p := range d.policies {
		if p.Timeout > 0 && p.Timeout+leaseGrace > lease {
			lease = p.Timeout + leaseGrace
		}
	}
	return lease
}

// RunOnce claims and executes at most one due job. Used by tests and by
// drain-style invocations.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	job, err := d.store.ClaimDue(ctx, d.clock(), d.lease())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	d.execute(ctx, job)
	return true, nil
}

// execute runs a claimed job to one of done/pending(retry)/failed. A
// handler error never propagates past this point; failures are recorded
// against the job, not raised to a global handler.
func (d *Dispatcher) execute(ctx context.Context, job *Job) {
	handler, ok := d.handlers[job.Name]
	if !ok {
		d.park(ctx, job, fmt.Errorf("no handler registered for job %q", job.Name))
		return
	}
	policy := d.policies[job.Name]

	jobCtx := ctx
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	log := d.logger.With("job", job.Name, "id", job.ID, "attempt", job.Attempt)
	log.Info("job started")

	err := d.runHandler(jobCtx, handler, job)
	now := d.clock()

	switch {
	case err == nil:
		if mErr := d.store.MarkDone(ctx, job.ID, now); mErr != nil {
			log.Error("mark done failed", "error", mErr)
		}
		d.count(ctx, job.Name, "done")
		log.Info("job done")

	case IsPermanent(err):
		log.Error("job failed permanently", "error", err)
		d.park(ctx, job, err)

	case job.Attempt+1 >= job.MaxAttempts:
		log.Error("job retries exhausted", "error", err)
		d.park(ctx, job, err)

	default:
		// Attempt counts completed attempts, so the first retry gets the
		// base delay.
		delay := ComputeBackoff(job.ID, job.Attempt, policy)
		runAt := now.Add(delay)
		if rErr := d.store.Reschedule(ctx, job.ID, job.Attempt+1, runAt, err.Error(), now); rErr != nil {
			log.Error("reschedule failed", "error", rErr)
		}
		d.count(ctx, job.Name, "retry")
		log.Warn("job retry scheduled", "error", err, "delay", delay)
	}
}

// runHandler isolates handler panics so one bad job cannot crash the
// worker process.
func (d *Dispatcher) runHandler(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (d *Dispatcher) park(ctx context.Context, job *Job, err error) {
	now := d.clock()
	if mErr := d.store.MarkFailed(ctx, job.ID, job.Attempt+1, err.Error(), now); mErr != nil {
		d.logger.Error("mark failed failed", "id", job.ID, "error", mErr)
	}
	d.count(ctx, job.Name, "failed")
	if d.onExhausted != nil {
		d.onExhausted(ctx, job, err)
	}
}

func (d *Dispatcher) count(ctx context.Context, name, outcome string) {
	if d.metrics != nil {
		d.metrics.JobProcessed(ctx, name, outcome)
	}
}

package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/conveyor/internal/taskqueue"
	"github.com/petrijr/conveyor/pkg/api"
)

const dequeueErrorPause = 100 * time.Millisecond

// Processor executes one dispatch task. The executor implements it.
type Processor interface {
	Process(ctx context.Context, task *taskqueue.Task) error
}

// Config tunes how a Worker handles failing tasks.
type Config struct {
	// MaxAttempts bounds how often a failing task is tried. Values below 1
	// mean a single attempt.
	MaxAttempts int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
	Logger  api.Logger
}

// Worker pulls tasks from a Queue and hands them to a Processor.
type Worker struct {
	proc   Processor
	queue  taskqueue.Queue
	cfg    Config
	logger api.Logger
}

// New creates a Worker that tries every task once.
func New(proc Processor, queue taskqueue.Queue) *Worker {
	return NewWithConfig(proc, queue, Config{})
}

// NewWithConfig creates a Worker with a retry policy.
func NewWithConfig(proc Processor, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = api.NopLogger{}
	}
	return &Worker{proc: proc, queue: queue, cfg: cfg, logger: logger}
}

// ProcessOne blocks for the next due task and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained, err is the dequeue error
//     (context cancellation included).
//   - processed == true: a task was processed; err is non-nil only when
//     the task failed on its last allowed attempt.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return true, w.handle(ctx, task)
}

// TryProcessOne processes the next due task if there is one, without
// waiting.
func (w *Worker) TryProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.TryDequeue(ctx)
	if err != nil || task == nil {
		return false, err
	}
	return true, w.handle(ctx, task)
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	err := w.proc.Process(ctx, task)
	if err == nil {
		return nil
	}

	attempt := task.Attempts + 1
	if attempt >= w.cfg.MaxAttempts {
		w.logger.WithContext(ctx).Error("task failed",
			"task_kind", task.Kind, "instance_id", task.InstanceID, "attempts", attempt, "error", err)
		return err
	}

	retry := *task
	retry.ID = ""
	retry.Attempts = attempt
	retry.EnqueuedAt = time.Time{}
	retry.NotBefore = time.Now().Add(w.backoff(attempt))
	if qerr := w.queue.Enqueue(ctx, retry); qerr != nil {
		return errors.Join(err, qerr)
	}
	w.logger.WithContext(ctx).Warn("task failed, retry scheduled",
		"task_kind", task.Kind, "instance_id", task.InstanceID, "attempt", attempt, "error", err)
	return nil
}

func (w *Worker) backoff(attempt int) time.Duration {
	if w.cfg.Backoff <= 0 {
		return 0
	}
	return w.cfg.Backoff << (attempt - 1)
}

// Run processes tasks on concurrency goroutines until ctx is cancelled.
// Task and queue failures are logged and do not stop the loop.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil && !processed {
					w.logger.WithContext(ctx).Error("dequeue failed", "error", err)
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(dequeueErrorPause):
					}
				}
			}
		})
	}
	return g.Wait()
}

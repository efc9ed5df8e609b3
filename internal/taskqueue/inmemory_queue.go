package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a Queue kept in process memory, ordered by NotBefore and
// then by enqueue order. It is safe for concurrent use.
type InMemoryQueue struct {
	mu    sync.Mutex
	tasks []queuedTask
	seq   uint64
	wake  chan struct{}
	now   func() time.Time
}

type queuedTask struct {
	seq  uint64
	task Task
}

// NewInMemoryQueue creates an empty in-memory queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	q.seq++
	q.tasks = append(q.tasks, queuedTask{seq: q.seq, task: prepare(t, q.now())})
	sort.SliceStable(q.tasks, func(i, j int) bool {
		a, b := q.tasks[i], q.tasks[j]
		if !a.task.NotBefore.Equal(b.task.NotBefore) {
			return a.task.NotBefore.Before(b.task.NotBefore)
		}
		return a.seq < b.seq
	})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) TryDequeue(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 || q.tasks[0].task.NotBefore.After(q.now()) {
		return nil, nil
	}
	t := q.tasks[0].task
	q.tasks = q.tasks[1:]
	return &t, nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	return pollDequeue(ctx, 10*time.Millisecond, q.wake, q.TryDequeue)
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

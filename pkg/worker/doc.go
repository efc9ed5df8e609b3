// Package worker drives the executor from a dispatch queue.
//
// A Worker dequeues tasks, hands them to a Processor (normally the
// executor) and re-enqueues failing tasks with exponential backoff until
// Config.MaxAttempts is reached. Any number of workers, in one process or
// many, can share a queue: each task is claimed by exactly one of them.
//
//	w := worker.NewWithConfig(exec, queue, worker.Config{MaxAttempts: 3, Backoff: time.Second})
//	go w.Run(ctx, 4)
//
// Most applications get a configured worker pool from conveyor.Open instead
// of constructing one directly.
package worker

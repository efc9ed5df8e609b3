package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"
)

// QueueSuite is the behavioural contract every Queue backend must satisfy.
type QueueSuite struct {
	suite.Suite
	newQueue func() Queue
	q        Queue
	ctx      context.Context
}

func (s *QueueSuite) SetupTest() {
	s.ctx = context.Background()
	s.q = s.newQueue()
}

func (s *QueueSuite) TestEnqueueDequeueFIFO() {
	base := time.Now().Add(-time.Second)
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.q.Enqueue(s.ctx, Task{
			Kind:       TaskStart,
			InstanceID: fmt.Sprintf("inst-%d", i),
			EnqueuedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	s.Equal(3, s.q.Len())

	for i := 0; i < 3; i++ {
		got, err := s.q.Dequeue(s.ctx)
		s.Require().NoError(err)
		s.Equal(fmt.Sprintf("inst-%d", i), got.InstanceID)
		s.Equal(TaskStart, got.Kind)
		s.NotEmpty(got.ID, "enqueue assigns an id")
	}
	s.Equal(0, s.q.Len())
}

func (s *QueueSuite) TestTryDequeueEmpty() {
	got, err := s.q.TryDequeue(s.ctx)
	s.Require().NoError(err)
	s.Nil(got)
}

func (s *QueueSuite) TestRespectsNotBefore() {
	s.Require().NoError(s.q.Enqueue(s.ctx, Task{
		Kind:      TaskNotify,
		WaitID:    "later",
		NotBefore: time.Now().Add(time.Hour),
	}))
	s.Require().NoError(s.q.Enqueue(s.ctx, Task{Kind: TaskNotify, WaitID: "now"}))

	got, err := s.q.TryDequeue(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal("now", got.WaitID)

	got, err = s.q.TryDequeue(s.ctx)
	s.Require().NoError(err)
	s.Nil(got, "a task due in the future must not be handed out")
	s.Equal(1, s.q.Len())
}

func (s *QueueSuite) TestDequeueHonoursContext() {
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()

	_, err := s.q.Dequeue(ctx)
	s.Require().Error(err)
	s.True(errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded))
}

func (s *QueueSuite) TestDequeueWakesOnEnqueue() {
	done := make(chan *Task, 1)
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		t, err := s.q.Dequeue(ctx)
		if err != nil {
			done <- nil
			return
		}
		done <- t
	}()

	time.Sleep(30 * time.Millisecond)
	s.Require().NoError(s.q.Enqueue(s.ctx, Task{Kind: TaskInterrupt, InterruptID: "int-1"}))

	select {
	case got := <-done:
		s.Require().NotNil(got)
		s.Equal("int-1", got.InterruptID)
	case <-time.After(5 * time.Second):
		s.FailNow("Dequeue did not return after Enqueue")
	}
}

// Competing consumers must each see a task exactly once.
func (s *QueueSuite) TestConcurrentConsumersClaimOnce() {
	const n = 20
	for i := 0; i < n; i++ {
		s.Require().NoError(s.q.Enqueue(s.ctx, Task{Kind: TaskStart, InstanceID: fmt.Sprintf("inst-%d", i)}))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				t, err := s.q.TryDequeue(s.ctx)
				if err != nil || t == nil {
					return
				}
				mu.Lock()
				seen[t.InstanceID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Len(seen, n)
	for id, count := range seen {
		s.Equal(1, count, "task %s claimed more than once", id)
	}
}

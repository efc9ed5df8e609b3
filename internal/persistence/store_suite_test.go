package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/conveyor/pkg/api"
)

// StoreSuite is the behavioural contract every Store backend must satisfy.
type StoreSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func (s *StoreSuite) newInstance(execID string, status api.ExecutionStatus) *api.StateExecutionInstance {
	return testInstance(execID, status)
}

func testInstance(execID string, status api.ExecutionStatus) *api.StateExecutionInstance {
	return &api.StateExecutionInstance{
		UUID:           uuid.NewString(),
		ExecutionUUID:  execID,
		StateMachineID: "pipeline",
		StateName:      "build",
		DisplayName:    "build",
		Status:         status,
		CreatedAt:      time.Now(),
	}
}

func (s *StoreSuite) TestSaveAndGetInstance() {
	inst := s.newInstance(uuid.NewString(), api.StatusNew)
	inst.ContextElements = []api.ContextElement{{Type: "ARTIFACT", Name: "image", Value: "app:1"}}
	s.Require().NoError(s.store.SaveInstance(s.ctx, inst))

	got, err := s.store.GetInstance(s.ctx, inst.UUID)
	s.Require().NoError(err)
	s.Equal(inst.UUID, got.UUID)
	s.Equal(api.StatusNew, got.Status)
	s.Require().Len(got.ContextElements, 1)
	s.Equal("app:1", got.ContextElements[0].Value)

	_, err = s.store.GetInstance(s.ctx, "missing")
	s.ErrorIs(err, ErrInstanceNotFound)
}

func (s *StoreSuite) TestSaveInstance_RejectsExistingUUID() {
	inst := s.newInstance(uuid.NewString(), api.StatusNew)
	s.Require().NoError(s.store.SaveInstance(s.ctx, inst))

	dup := inst.Copy()
	dup.StateName = "other"
	s.ErrorIs(s.store.SaveInstance(s.ctx, dup), ErrInstanceExists)

	got, err := s.store.GetInstance(s.ctx, inst.UUID)
	s.Require().NoError(err)
	s.Equal("build", got.StateName, "the original record must be untouched")
}

func (s *StoreSuite) TestListInstances_Filters() {
	execID := uuid.NewString()
	parent := s.newInstance(execID, api.StatusRunning)
	childA := s.newInstance(execID, api.StatusRunning)
	childA.ParentInstanceID = parent.UUID
	childB := s.newInstance(execID, api.StatusSuccess)
	childB.ParentInstanceID = parent.UUID
	other := s.newInstance(uuid.NewString(), api.StatusRunning)

	for _, inst := range []*api.StateExecutionInstance{parent, childA, childB, other} {
		s.Require().NoError(s.store.SaveInstance(s.ctx, inst))
	}

	all, err := s.store.ListInstances(s.ctx, InstanceFilter{ExecutionUUID: execID})
	s.Require().NoError(err)
	s.Len(all, 3)

	running, err := s.store.ListInstances(s.ctx, InstanceFilter{ExecutionUUID: execID, Statuses: []api.ExecutionStatus{api.StatusRunning}})
	s.Require().NoError(err)
	s.Len(running, 2)

	children, err := s.store.ListInstances(s.ctx, InstanceFilter{ExecutionUUID: execID, ParentInstanceID: parent.UUID})
	s.Require().NoError(err)
	s.Len(children, 2)

	byID, err := s.store.ListInstances(s.ctx, InstanceFilter{UUIDs: []string{childB.UUID, other.UUID}})
	s.Require().NoError(err)
	s.Len(byID, 2)
}

func (s *StoreSuite) TestConditionalUpdate_GuardsOnStatus() {
	inst := s.newInstance(uuid.NewString(), api.StatusNew)
	s.Require().NoError(s.store.SaveInstance(s.ctx, inst))

	n, err := s.store.ConditionalUpdate(s.ctx,
		ByID(inst.ExecutionUUID, inst.UUID, api.StatusRunning),
		InstanceUpdate{Status: api.StatusSuccess})
	s.Require().NoError(err)
	s.Equal(0, n, "update guarded on RUNNING must not apply to a NEW instance")

	n, err = s.store.ConditionalUpdate(s.ctx,
		ByID(inst.ExecutionUUID, inst.UUID, api.StatusNew, api.StatusQueued),
		InstanceUpdate{Status: api.StatusStarting})
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err := s.store.GetInstance(s.ctx, inst.UUID)
	s.Require().NoError(err)
	s.Equal(api.StatusStarting, got.Status)
	s.False(got.StartTs.IsZero(), "STARTING stamps the start time")
	s.True(got.EndTs.IsZero())
	s.Equal(inst.Version+1, got.Version)
}

func (s *StoreSuite) TestConditionalUpdate_EndTsTracksTerminalStatus() {
	inst := s.newInstance(uuid.NewString(), api.StatusRunning)
	s.Require().NoError(s.store.SaveInstance(s.ctx, inst))

	n, err := s.store.ConditionalUpdate(s.ctx, ByID(inst.ExecutionUUID, inst.UUID, api.StatusRunning),
		InstanceUpdate{
			Status:             api.StatusFailed,
			StateExecutionData: &api.StateExecutionData{StateName: "build", Status: api.StatusFailed, ErrorMsg: "exit 1"},
		})
	s.Require().NoError(err)
	s.Require().Equal(1, n)

	failed, err := s.store.GetInstance(s.ctx, inst.UUID)
	s.Require().NoError(err)
	s.False(failed.EndTs.IsZero())
	s.Equal("exit 1", failed.StateExecutionMap["build"].ErrorMsg)

	n, err = s.store.ConditionalUpdate(s.ctx, ByID(inst.ExecutionUUID, inst.UUID, api.StatusWaiting, api.StatusFailed, api.StatusError),
		InstanceUpdate{Status: api.StatusNew, MoveDataToHistory: true})
	s.Require().NoError(err)
	s.Require().Equal(1, n)

	retried, err := s.store.GetInstance(s.ctx, inst.UUID)
	s.Require().NoError(err)
	s.Equal(api.StatusNew, retried.Status)
	s.True(retried.EndTs.IsZero(), "leaving a terminal status clears the end time")
	s.Empty(retried.StateExecutionMap)
	s.Require().Len(retried.StateExecutionDataHistory, 1)
	s.Equal("exit 1", retried.StateExecutionDataHistory[0].ErrorMsg)
}

func (s *StoreSuite) TestConditionalUpdate_SettleAndPendingSpawns() {
	inst := s.newInstance(uuid.NewString(), api.StatusRunning)
	s.Require().NoError(s.store.SaveInstance(s.ctx, inst))

	child := testInstance(inst.ExecutionUUID, api.StatusNew)
	child.ChildStateMachineID = "deploy"
	n, err := s.store.ConditionalUpdate(s.ctx, ByID(inst.ExecutionUUID, inst.UUID),
		InstanceUpdate{SetPendingSpawns: true, PendingSpawns: []*api.StateExecutionInstance{child}})
	s.Require().NoError(err)
	s.Require().Equal(1, n)

	got, err := s.store.GetInstance(s.ctx, inst.UUID)
	s.Require().NoError(err)
	s.Require().Len(got.PendingSpawns, 1)
	s.Equal("deploy", got.PendingSpawns[0].ChildStateMachineID)

	_, err = s.store.ConditionalUpdate(s.ctx, ByID(inst.ExecutionUUID, inst.UUID), InstanceUpdate{SetPendingSpawns: true})
	s.Require().NoError(err)
	_, err = s.store.ConditionalUpdate(s.ctx, ByID(inst.ExecutionUUID, inst.UUID), InstanceUpdate{Status: api.StatusSuccess})
	s.Require().NoError(err)
	_, err = s.store.ConditionalUpdate(s.ctx, ByID(inst.ExecutionUUID, inst.UUID, api.StatusSuccess), InstanceUpdate{Settle: true})
	s.Require().NoError(err)

	got, err = s.store.GetInstance(s.ctx, inst.UUID)
	s.Require().NoError(err)
	s.Empty(got.PendingSpawns)
	s.True(got.Settled)

	_, err = s.store.ConditionalUpdate(s.ctx, ByID(inst.ExecutionUUID, inst.UUID), InstanceUpdate{Status: api.StatusNew})
	s.Require().NoError(err)
	got, err = s.store.GetInstance(s.ctx, inst.UUID)
	s.Require().NoError(err)
	s.False(got.Settled, "a status change clears the settlement")
}

func (s *StoreSuite) TestConditionalUpdate_BatchFilter() {
	execID := uuid.NewString()
	var ids []string
	for _, st := range []api.ExecutionStatus{api.StatusRunning, api.StatusNew, api.StatusSuccess} {
		inst := s.newInstance(execID, st)
		ids = append(ids, inst.UUID)
		s.Require().NoError(s.store.SaveInstance(s.ctx, inst))
	}

	n, err := s.store.ConditionalUpdate(s.ctx, InstanceFilter{
		ExecutionUUID: execID,
		UUIDs:         ids,
		Statuses:      []api.ExecutionStatus{api.StatusNew, api.StatusRunning},
	}, InstanceUpdate{Status: api.StatusAborting, AppendInterrupt: &api.InterruptEffect{InterruptID: "int-1", Type: api.InterruptAbortAll}})
	s.Require().NoError(err)
	s.Equal(2, n)

	aborting, err := s.store.ListInstances(s.ctx, InstanceFilter{ExecutionUUID: execID, Statuses: []api.ExecutionStatus{api.StatusAborting}})
	s.Require().NoError(err)
	s.Len(aborting, 2)
	for _, inst := range aborting {
		s.Require().Len(inst.InterruptHistory, 1)
		s.Equal(api.InterruptAbortAll, inst.InterruptHistory[0].Type)
	}
}

// Two writers racing on the same expected status: exactly one wins.
func (s *StoreSuite) TestConditionalUpdate_ExclusiveUnderRace() {
	inst := s.newInstance(uuid.NewString(), api.StatusNew)
	s.Require().NoError(s.store.SaveInstance(s.ctx, inst))

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan int, racers)
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := s.store.ConditionalUpdate(s.ctx,
				ByID(inst.ExecutionUUID, inst.UUID, api.StatusNew),
				InstanceUpdate{Status: api.StatusStarting, DelegateTaskID: fmt.Sprintf("racer-%d", i)})
			if err != nil {
				errs <- err
				return
			}
			results <- n
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		s.Require().NoError(err)
	}
	total := 0
	for n := range results {
		total += n
	}
	s.Equal(1, total, "exactly one racer must flip NEW -> STARTING")

	got, err := s.store.GetInstance(s.ctx, inst.UUID)
	s.Require().NoError(err)
	s.Equal(api.StatusStarting, got.Status)
	s.Equal(inst.Version+1, got.Version)
}

func (s *StoreSuite) TestContextStackOnlyGrows() {
	inst := s.newInstance(uuid.NewString(), api.StatusStarting)
	inst.ContextElements = []api.ContextElement{{Name: "a"}}
	s.Require().NoError(s.store.SaveInstance(s.ctx, inst))

	_, err := s.store.ConditionalUpdate(s.ctx, ByID(inst.ExecutionUUID, inst.UUID, api.StatusStarting),
		InstanceUpdate{Status: api.StatusSuccess, PushContextElements: []api.ContextElement{{Name: "b"}}})
	s.Require().NoError(err)

	got, err := s.store.GetInstance(s.ctx, inst.UUID)
	s.Require().NoError(err)
	s.Require().Len(got.ContextElements, 2)
	s.Equal("a", got.ContextElements[0].Name)
	s.Equal("b", got.ContextElements[1].Name)
}

func (s *StoreSuite) TestInterrupts() {
	execID := uuid.NewString()
	base := time.Now()
	first := &api.Interrupt{UUID: uuid.NewString(), ExecutionUUID: execID, Type: api.InterruptPauseAll, CreatedAt: base}
	second := &api.Interrupt{UUID: uuid.NewString(), ExecutionUUID: execID, Type: api.InterruptResumeAll, CreatedAt: base.Add(time.Second)}
	s.Require().NoError(s.store.SaveInterrupt(s.ctx, second))
	s.Require().NoError(s.store.SaveInterrupt(s.ctx, first))

	list, err := s.store.ListInterrupts(s.ctx, execID)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(api.InterruptPauseAll, list[0].Type, "interrupts are listed oldest first")
	s.False(list[0].Seen)

	s.Require().NoError(s.store.MarkInterruptSeen(s.ctx, first.UUID))
	got, err := s.store.GetInterrupt(s.ctx, first.UUID)
	s.Require().NoError(err)
	s.True(got.Seen)

	_, err = s.store.GetInterrupt(s.ctx, "missing")
	s.ErrorIs(err, ErrInterruptNotFound)
	s.ErrorIs(s.store.MarkInterruptSeen(s.ctx, "missing"), ErrInterruptNotFound)
}

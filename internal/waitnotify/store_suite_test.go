package waitnotify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/conveyor/pkg/api"
)

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

func (s *StoreSuite) newWait(cids ...string) *Wait {
	return &Wait{
		ID:             uuid.NewString(),
		Callback:       api.NotifyCallback{Kind: api.CallbackAsyncResponse, ExecutionUUID: "exec", InstanceID: "inst"},
		CorrelationIDs: cids,
		CreatedAt:      time.Now(),
	}
}

func (s *StoreSuite) TestSaveGetWait() {
	w := s.newWait("a", "b")
	s.Require().NoError(s.store.SaveWait(s.ctx, w))

	got, err := s.store.GetWait(s.ctx, w.ID)
	s.Require().NoError(err)
	s.Equal(w.Callback, got.Callback)
	s.Equal([]string{"a", "b"}, got.CorrelationIDs)
	s.False(got.Fired)

	_, err = s.store.GetWait(s.ctx, "missing")
	s.ErrorIs(err, ErrWaitNotFound)
}

func (s *StoreSuite) TestWaitsForExcludesFired() {
	cid := uuid.NewString()
	w1 := s.newWait(cid)
	w2 := s.newWait(cid, uuid.NewString())
	s.Require().NoError(s.store.SaveWait(s.ctx, w1))
	s.Require().NoError(s.store.SaveWait(s.ctx, w2))

	ids, err := s.store.WaitsFor(s.ctx, cid)
	s.Require().NoError(err)
	s.ElementsMatch([]string{w1.ID, w2.ID}, ids)

	fired, err := s.store.MarkFired(s.ctx, w1.ID)
	s.Require().NoError(err)
	s.True(fired)

	ids, err = s.store.WaitsFor(s.ctx, cid)
	s.Require().NoError(err)
	s.Equal([]string{w2.ID}, ids)
}

func (s *StoreSuite) TestMarkFiredOnce() {
	w := s.newWait("x")
	s.Require().NoError(s.store.SaveWait(s.ctx, w))

	first, err := s.store.MarkFired(s.ctx, w.ID)
	s.Require().NoError(err)
	second, err := s.store.MarkFired(s.ctx, w.ID)
	s.Require().NoError(err)
	s.True(first)
	s.False(second)

	got, err := s.store.GetWait(s.ctx, w.ID)
	s.Require().NoError(err)
	s.True(got.Fired)

	_, err = s.store.MarkFired(s.ctx, "missing")
	s.ErrorIs(err, ErrWaitNotFound)
}

func (s *StoreSuite) TestSaveResponseFirstWins() {
	cid := uuid.NewString()
	ok, err := s.store.SaveResponse(s.ctx, cid, []byte("first"))
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.SaveResponse(s.ctx, cid, []byte("second"))
	s.Require().NoError(err)
	s.False(ok)

	got, err := s.store.Responses(s.ctx, []string{cid, "absent"})
	s.Require().NoError(err)
	s.Len(got, 1)
	s.Equal([]byte("first"), got[cid])
}

func (s *StoreSuite) TestEmptyResponseIsRecorded() {
	cid := uuid.NewString()
	ok, err := s.store.SaveResponse(s.ctx, cid, nil)
	s.Require().NoError(err)
	s.True(ok)

	got, err := s.store.Responses(s.ctx, []string{cid})
	s.Require().NoError(err)
	_, present := got[cid]
	s.True(present, "a nil response still counts as delivered")
}

package persistence

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/conveyor/internal/testutil"
)

type RedisStoreSuite struct {
	StoreSuite
	client *redis.Client
}

func (s *RedisStoreSuite) SetupSuite() {
	addr := testutil.GetRedisAddress(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: addr})
	s.Require().NoError(s.client.Ping(context.Background()).Err())

	s.newStore = func() Store {
		// A fresh prefix per test keeps the indexes isolated.
		return NewRedisStore(s.client, "conveyor-test-"+uuid.NewString()+":")
	}
}

func (s *RedisStoreSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreSuite))
}

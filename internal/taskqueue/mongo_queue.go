package taskqueue

import (
	"context"
	"errors"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:         string, // task ID
//	  not_before:  int64,  // unix nanoseconds
//	  enqueued_at: int64,
//	  payload:     []byte, // gob-encoded Task
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
	now          func() time.Time
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "conveyor", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "conveyor"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 50 * time.Millisecond,
		now:          time.Now,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID         string `bson:"_id"`
	NotBefore  int64  `bson:"not_before"`
	EnqueuedAt int64  `bson:"enqueued_at"`
	Payload    []byte `bson:"payload"`
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, q.now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.coll.InsertOne(ctx, mongoQueueDoc{
		ID:         t.ID,
		NotBefore:  t.NotBefore.UnixNano(),
		EnqueuedAt: t.EnqueuedAt.UnixNano(),
		Payload:    data,
	})
	return err
}

// TryDequeue atomically removes the oldest due document.
func (q *MongoQueue) TryDequeue(ctx context.Context) (*Task, error) {
	var doc mongoQueueDoc
	err := q.coll.FindOneAndDelete(
		ctx,
		bson.M{"not_before": bson.M{"$lte": q.now().UnixNano()}},
		options.FindOneAndDelete().SetSort(bson.D{
			{Key: "not_before", Value: 1},
			{Key: "enqueued_at", Value: 1},
		}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeTask(doc.Payload)
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	return pollDequeue(ctx, q.pollInterval, nil, q.TryDequeue)
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		log.Printf("MongoQueue: Len failed: %v", err)
		return 0
	}
	return int(n)
}

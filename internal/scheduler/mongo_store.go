package scheduler

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoTimerStore keeps timers in a "timers" collection.
type MongoTimerStore struct {
	coll *mongo.Collection
}

var _ TimerStore = (*MongoTimerStore)(nil)

// NewMongoTimerStore creates a Mongo-backed timer store.
// dbName defaults to "conveyor" if empty.
func NewMongoTimerStore(client *mongo.Client, dbName string) *MongoTimerStore {
	if dbName == "" {
		dbName = "conveyor"
	}
	return &MongoTimerStore{coll: client.Database(dbName).Collection("timers")}
}

type mongoTimerDoc struct {
	ID    string `bson:"_id"`
	DueAt int64  `bson:"due_at"`
}

func (s *MongoTimerStore) SaveTimer(ctx context.Context, t Timer) error {
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": t.ID},
		mongoTimerDoc{ID: t.ID, DueAt: t.DueAt.UnixNano()},
		options.Replace().SetUpsert(true))
	return err
}

func (s *MongoTimerStore) Due(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	if limit <= 0 {
		limit = 100
	}
	cur, err := s.coll.Find(ctx,
		bson.M{"due_at": bson.M{"$lte": now.UnixNano()}},
		options.Find().
			SetSort(bson.D{{Key: "due_at", Value: 1}, {Key: "_id", Value: 1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Timer
	for cur.Next(ctx) {
		var doc mongoTimerDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, Timer{ID: doc.ID, DueAt: time.Unix(0, doc.DueAt)})
	}
	return out, cur.Err()
}

func (s *MongoTimerStore) DeleteTimer(ctx context.Context, id string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (s *MongoTimerStore) Pending(ctx context.Context) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{})
	return int(n), err
}

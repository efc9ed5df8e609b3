package waitnotify

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/conveyor/internal/persistence"
)

// MongoStore keeps waits and responses in MongoDB collections "waits" and
// "notify_responses".
type MongoStore struct {
	waits     *mongo.Collection
	responses *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed wait store.
// dbName defaults to "conveyor" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "conveyor"
	}
	db := client.Database(dbName)
	return &MongoStore{
		waits:     db.Collection("waits"),
		responses: db.Collection("notify_responses"),
	}
}

type mongoWaitDoc struct {
	ID             string   `bson:"_id"`
	CorrelationIDs []string `bson:"correlation_ids"`
	Fired          bool     `bson:"fired"`
	Payload        []byte   `bson:"payload"`
}

type mongoResponseDoc struct {
	ID      string `bson:"_id"`
	Payload []byte `bson:"payload"`
}

func (s *MongoStore) SaveWait(ctx context.Context, w *Wait) error {
	data, err := persistence.EncodeRecord(w)
	if err != nil {
		return err
	}
	ids := w.CorrelationIDs
	if ids == nil {
		ids = []string{}
	}
	_, err = s.waits.InsertOne(ctx, mongoWaitDoc{
		ID:             w.ID,
		CorrelationIDs: ids,
		Fired:          w.Fired,
		Payload:        data,
	})
	return err
}

func (s *MongoStore) GetWait(ctx context.Context, id string) (*Wait, error) {
	var doc mongoWaitDoc
	err := s.waits.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrWaitNotFound
	}
	if err != nil {
		return nil, err
	}
	w, err := persistence.DecodeRecord[Wait](doc.Payload)
	if err != nil {
		return nil, err
	}
	w.Fired = doc.Fired
	return w, nil
}

func (s *MongoStore) WaitsFor(ctx context.Context, correlationID string) ([]string, error) {
	cur, err := s.waits.Find(ctx,
		bson.M{"correlation_ids": correlationID, "fired": false},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cur.Err()
}

func (s *MongoStore) MarkFired(ctx context.Context, id string) (bool, error) {
	res, err := s.waits.UpdateOne(ctx,
		bson.M{"_id": id, "fired": false},
		bson.M{"$set": bson.M{"fired": true}})
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	if _, err := s.GetWait(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *MongoStore) SaveResponse(ctx context.Context, correlationID string, payload []byte) (bool, error) {
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.responses.InsertOne(ctx, mongoResponseDoc{ID: correlationID, Payload: payload})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MongoStore) Responses(ctx context.Context, correlationIDs []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(correlationIDs))
	if len(correlationIDs) == 0 {
		return out, nil
	}
	cur, err := s.responses.Find(ctx, bson.M{"_id": bson.M{"$in": correlationIDs}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc mongoResponseDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out[doc.ID] = doc.Payload
	}
	return out, cur.Err()
}

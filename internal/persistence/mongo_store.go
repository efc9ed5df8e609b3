package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/conveyor/pkg/api"
)

// MongoStore is a Store backed by MongoDB. Each instance is one document
// holding the filter columns, the version guard and the gob payload.
type MongoStore struct {
	instances  *mongo.Collection
	interrupts *mongo.Collection
	now        func() time.Time
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "conveyor" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "conveyor"
	}
	db := client.Database(dbName)
	return &MongoStore{
		instances:  db.Collection("state_execution_instances"),
		interrupts: db.Collection("execution_interrupts"),
		now:        time.Now,
	}
}

type mongoInstanceDoc struct {
	ID               string `bson:"_id"`
	ExecutionUUID    string `bson:"execution_uuid"`
	ParentInstanceID string `bson:"parent_instance_id"`
	Status           string `bson:"status"`
	Version          int64  `bson:"version"`
	CreatedAt        int64  `bson:"created_at"`
	Payload          []byte `bson:"payload"`
}

type mongoInterruptDoc struct {
	ID            string `bson:"_id"`
	ExecutionUUID string `bson:"execution_uuid"`
	Seen          bool   `bson:"seen"`
	CreatedAt     int64  `bson:"created_at"`
	Payload       []byte `bson:"payload"`
}

func (s *MongoStore) SaveInstance(ctx context.Context, inst *api.StateExecutionInstance) error {
	payload, err := EncodeInstance(inst)
	if err != nil {
		return err
	}
	_, err = s.instances.InsertOne(ctx, mongoInstanceDoc{
		ID:               inst.UUID,
		ExecutionUUID:    inst.ExecutionUUID,
		ParentInstanceID: inst.ParentInstanceID,
		Status:           string(inst.Status),
		Version:          inst.Version,
		CreatedAt:        inst.CreatedAt.UnixNano(),
		Payload:          payload,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrInstanceExists
	}
	return err
}

func (s *MongoStore) GetInstance(ctx context.Context, uuid string) (*api.StateExecutionInstance, error) {
	var doc mongoInstanceDoc
	if err := s.instances.FindOne(ctx, bson.M{"_id": uuid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return DecodeInstance(doc.Payload)
}

func mongoInstanceFilter(filter InstanceFilter) bson.M {
	q := bson.M{}
	if filter.ExecutionUUID != "" {
		q["execution_uuid"] = filter.ExecutionUUID
	}
	if len(filter.UUIDs) > 0 {
		q["_id"] = bson.M{"$in": filter.UUIDs}
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q["status"] = bson.M{"$in": statuses}
	}
	if filter.ParentInstanceID != "" {
		q["parent_instance_id"] = filter.ParentInstanceID
	}
	return q
}

func (s *MongoStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.StateExecutionInstance, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.instances.Find(ctx, mongoInstanceFilter(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]*api.StateExecutionInstance, 0)
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := DecodeInstance(doc.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, cur.Err()
}

// ConditionalUpdate writes each matching document back guarded by the
// version it read, so a concurrent writer makes UpdateOne match nothing.
func (s *MongoStore) ConditionalUpdate(ctx context.Context, filter InstanceFilter, update InstanceUpdate) (int, error) {
	candidates, err := s.ListInstances(ctx, filter)
	if err != nil {
		return 0, err
	}

	now := s.now()
	n := 0
	for _, inst := range candidates {
		expected := inst.Version
		update.Apply(inst, now)
		payload, err := EncodeInstance(inst)
		if err != nil {
			return n, err
		}
		res, err := s.instances.UpdateOne(ctx,
			bson.M{"_id": inst.UUID, "version": expected},
			bson.M{"$set": bson.M{
				"status":  string(inst.Status),
				"version": inst.Version,
				"payload": payload,
			}},
		)
		if err != nil {
			return n, err
		}
		n += int(res.ModifiedCount)
	}
	return n, nil
}

func (s *MongoStore) SaveInterrupt(ctx context.Context, in *api.Interrupt) error {
	payload, err := encodeInterrupt(in)
	if err != nil {
		return err
	}
	_, err = s.interrupts.InsertOne(ctx, mongoInterruptDoc{
		ID:            in.UUID,
		ExecutionUUID: in.ExecutionUUID,
		Seen:          in.Seen,
		CreatedAt:     in.CreatedAt.UnixNano(),
		Payload:       payload,
	})
	return err
}

func (s *MongoStore) GetInterrupt(ctx context.Context, uuid string) (*api.Interrupt, error) {
	var doc mongoInterruptDoc
	if err := s.interrupts.FindOne(ctx, bson.M{"_id": uuid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInterruptNotFound
		}
		return nil, err
	}
	return decodeInterruptDoc(doc)
}

func decodeInterruptDoc(doc mongoInterruptDoc) (*api.Interrupt, error) {
	in, err := decodeInterrupt(doc.Payload)
	if err != nil {
		return nil, err
	}
	in.Seen = doc.Seen
	return in, nil
}

func (s *MongoStore) ListInterrupts(ctx context.Context, executionUUID string) ([]*api.Interrupt, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.interrupts.Find(ctx, bson.M{"execution_uuid": executionUUID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]*api.Interrupt, 0)
	for cur.Next(ctx) {
		var doc mongoInterruptDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		in, err := decodeInterruptDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, cur.Err()
}

func (s *MongoStore) MarkInterruptSeen(ctx context.Context, uuid string) error {
	res, err := s.interrupts.UpdateByID(ctx, uuid, bson.M{"$set": bson.M{"seen": true}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInterruptNotFound
	}
	return nil
}

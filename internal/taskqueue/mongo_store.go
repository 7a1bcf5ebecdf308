package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the production Store, backed by a single collection
// named "tasks" (spec §3 "Single collection Task").
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore wraps an already-configured collection handle. Index
// creation is a separate step (EnsureIndexes), run once at process
// startup per SPEC_FULL §4.5.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

func (s *MongoStore) Insert(ctx context.Context, t *Task) (*Task, error) {
	doc := *t
	doc.ID = primitive.NewObjectID()

	_, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: execution_id=%s task_type=%s", ErrUniqueConstraint, t.ExecutionID, t.TaskType)
		}
		return nil, err
	}
	return &doc, nil
}

func (s *MongoStore) Get(ctx context.Context, id primitive.ObjectID) (*Task, error) {
	var t Task
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *MongoStore) GetByExecution(ctx context.Context, executionID string, taskType TaskType) (*Task, error) {
	var t Task
	filter := bson.M{"execution_id": executionID, "task_type": taskType}
	err := s.coll.FindOne(ctx, filter).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CASUpdate is the one atomic round-trip the whole state machine flows
// through (spec §4.1): find_one_and_update guarded by _id + update_marker
// + terminal-fields-zero, returning the post-image.
func (s *MongoStore) CASUpdate(ctx context.Context, id primitive.ObjectID, marker string, query casQuery, set casSet) (*Task, error) {
	filter := casFilter(id, marker, query)
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var t Task
	err := s.coll.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *MongoStore) FindNextEligible(ctx context.Context, now int64) (*Task, error) {
	filter := bson.M{
		"time.started":   0,
		"time.completed": 0,
		"time.cancelled": 0,
		"time.failed":    0,
		"time.bounced":   bson.M{"$lte": now},
	}
	sort := bson.D{
		{Key: "bounced", Value: -1},
		{Key: "time.bounced", Value: 1},
		{Key: "time.created", Value: 1},
	}
	opts := options.FindOne().SetSort(sort)

	var t Task
	err := s.coll.FindOne(ctx, filter, opts).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// EnsureIndexes declares the indexes from spec §4.5 (see indexes.go),
// through the same bounded retry used for CAS calls.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	return newRetrier(5, 50*time.Millisecond).do(ctx, func() error {
		_, err := s.coll.Indexes().CreateMany(ctx, taskIndexModels())
		return err
	})
}

func (s *MongoStore) CountTTLBacklog(ctx context.Context, now int64) (int64, error) {
	filter := bson.M{
		"remove_at": bson.M{"$ne": 0, "$gt": now},
	}
	return s.coll.CountDocuments(ctx, filter)
}

// casFilter composes the predicate described in spec §4.1 step 1: the
// universal identity + marker + terminal-zero guard, unioned with the
// transition's extra query. casNotZero values translate to a $ne:0
// comparison; everything else is equality.
func casFilter(id primitive.ObjectID, marker string, query casQuery) bson.M {
	filter := bson.M{
		"_id":            id,
		"update_marker":  marker,
		"time.completed": 0,
		"time.cancelled": 0,
		"time.failed":    0,
	}
	for k, v := range query {
		if _, ok := v.(casNotZero); ok {
			filter[k] = bson.M{"$ne": 0}
			continue
		}
		filter[k] = v
	}
	return filter
}

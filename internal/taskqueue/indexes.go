package taskqueue

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// taskIndexModels declares the three indexes from spec §4.5: the unique
// composite (execution_id, task_type) enforcing invariant 3, the
// scheduler-query composite on the five timestamp fields, and the
// remove_at TTL index that performs the eventual deletion of terminal
// tasks (invariant 4). Index creation is idempotent — CreateMany with an
// already-present, identically-specified index is a no-op.
func taskIndexModels() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "task_type", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_execution_task_type"),
		},
		{
			Keys: bson.D{
				{Key: "time.started", Value: 1},
				{Key: "time.completed", Value: 1},
				{Key: "time.cancelled", Value: 1},
				{Key: "time.failed", Value: 1},
				{Key: "time.bounced", Value: 1},
			},
			Options: options.Index().SetName("scheduler_eligibility"),
		},
		{
			Keys:    bson.D{{Key: "remove_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("remove_at_ttl"),
		},
	}
}

package ledger

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// eventsCollection holds every operational event document, discriminated
// by the "kind" field (supervisor_state, startup_validation,
// refresh_summary).
const eventsCollection = "events"

// EnsureIndexes creates idempotent indexes on the events collection.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "kind", Value: 1}, {Key: "recorded_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "archived", Value: 1}, {Key: "recorded_at", Value: 1}},
		},
	}

	if _, err := db.Collection(eventsCollection).Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create index on %s: %w", eventsCollection, err)
	}
	return nil
}

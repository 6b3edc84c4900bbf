package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// RunRetention periodically deletes ledger events older than the
// retention period. Blocks until ctx is cancelled. Pass retentionDays
// <= 0 to disable.
func RunRetention(ctx context.Context, store *Store, retentionDays int, logger *zap.Logger) {
	if retentionDays <= 0 {
		logger.Info("ledger retention disabled (keep forever)")
		return
	}

	interval := 1 * time.Hour
	logger.Info("ledger retention started", zap.Int("retention_days", retentionDays), zap.Duration("interval", interval))

	prune(ctx, store, retentionDays, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune(ctx, store, retentionDays, logger)
		}
	}
}

func prune(ctx context.Context, store *Store, retentionDays int, logger *zap.Logger) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	result, err := store.db.Collection(eventsCollection).DeleteMany(ctx, bson.M{
		"recorded_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		logger.Warn("ledger retention prune error", zap.Error(err))
		return
	}

	if result.DeletedCount > 0 {
		logger.Info("ledger retention pruned events", zap.Int64("count", result.DeletedCount), zap.Time("cutoff", cutoff))
	}
}

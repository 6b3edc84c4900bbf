// Package ledger persists the relay's own operational history — state
// transitions, startup validation outcomes, and subscription refresh
// summaries — to MongoDB. It is explicitly not a quote store: tick,
// bid-ask, and snapshot payloads never reach this package.
package ledger

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Store wraps the MongoDB client and database used for the operational
// event ledger.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// NewStore connects to MongoDB and returns a Store. The URI should
// include the database name (e.g. mongodb://localhost:27017/atmrelay);
// if absent, "atmrelay" is used.
func NewStore(ctx context.Context, uri string, logger *zap.Logger) (*Store, error) {
	clientOpts := options.Client().ApplyURI(uri)

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	dbName := "atmrelay"
	if u, err := url.Parse(uri); err == nil {
		if name := strings.TrimPrefix(u.Path, "/"); name != "" {
			dbName = name
		}
	}

	logger.Info("connected to operational event ledger", zap.String("db", dbName))
	return &Store{client: client, db: client.Database(dbName), logger: logger}, nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) {
	s.client.Disconnect(ctx)
}

// DB returns the underlying mongo.Database.
func (s *Store) DB() *mongo.Database {
	return s.db
}

// Migrate creates indexes for the ledger collection.
func (s *Store) Migrate(ctx context.Context) error {
	return EnsureIndexes(ctx, s.db)
}

// Package ledgerarchive moves old operational events out of MongoDB and
// into S3 for cold storage. It is what finally wires up the relay's
// S3Bucket/S3Region/S3Prefix configuration: the live credentials, cert,
// and gateway settings have always been required, but nothing ever
// opened an S3 client with them until this package existed.
package ledgerarchive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	eventsCollection = "events"
	cursorCollection = "ledger_archive_state"
	cursorKey        = "archive_cursor"
)

// Archiver periodically moves ledger events older than maxAge from
// MongoDB into gzipped NDJSON objects in S3, one object per day.
type Archiver struct {
	db       *mongo.Database
	s3       *s3.Client
	bucket   string
	prefix   string
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
}

// New creates an Archiver. client is a ready-to-use S3 client (built by
// the caller via config.LoadDefaultConfig, so credential resolution and
// region selection stay outside this package).
func New(db *mongo.Database, client *s3.Client, bucket, prefix string, intervalHours, afterHours int, logger *zap.Logger) *Archiver {
	return &Archiver{
		db:       db,
		s3:       client,
		bucket:   bucket,
		prefix:   prefix,
		interval: time.Duration(intervalHours) * time.Hour,
		maxAge:   time.Duration(afterHours) * time.Hour,
		logger:   logger,
	}
}

// Run starts the periodic archive loop. Blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	a.logger.Info("ledger archiver started",
		zap.String("bucket", a.bucket), zap.String("prefix", a.prefix),
		zap.Duration("interval", a.interval), zap.Duration("age", a.maxAge))

	a.cycle(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *Archiver) cycle(ctx context.Context) {
	cursor, err := a.loadCursor(ctx)
	if err != nil {
		a.logger.Warn("ledger archiver: load cursor", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-a.maxAge)
	if !cursor.Before(cutoff) {
		return
	}

	events, err := a.queryEvents(ctx, cursor, cutoff)
	if err != nil {
		a.logger.Warn("ledger archiver: query", zap.Error(err))
		return
	}
	if len(events) == 0 {
		a.saveCursor(ctx, cutoff)
		return
	}

	batches := groupByDay(events)

	for day, batch := range batches {
		if err := a.uploadBatch(ctx, day, batch); err != nil {
			a.logger.Warn("ledger archiver: upload batch", zap.String("day", day), zap.Error(err))
			return
		}

		if err := a.deleteBatch(ctx, batch); err != nil {
			a.logger.Warn("ledger archiver: delete batch", zap.String("day", day), zap.Error(err))
			return
		}

		a.logger.Info("ledger archiver: archived events", zap.Int("count", len(batch)), zap.String("day", day))
	}

	a.saveCursor(ctx, cutoff)
}

// eventDoc mirrors a ledger event document closely enough to archive it;
// Extra holds whatever kind-specific fields it also carried.
type eventDoc struct {
	ID         bson.ObjectID  `bson:"_id"         json:"id"`
	Kind       string         `bson:"kind"        json:"kind"`
	RecordedAt time.Time      `bson:"recorded_at" json:"recorded_at"`
	Extra      map[string]any `bson:",inline"     json:"-"`
}

// MarshalJSON flattens Extra into the top-level object so the archived
// line carries every field the ledger document had.
func (e eventDoc) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extra)+3)
	for k, v := range e.Extra {
		out[k] = v
	}
	out["id"] = e.ID
	out["kind"] = e.Kind
	out["recorded_at"] = e.RecordedAt
	return json.Marshal(out)
}

func (a *Archiver) loadCursor(ctx context.Context) (time.Time, error) {
	var doc struct {
		ValueTime time.Time `bson:"value_time"`
	}
	err := a.db.Collection(cursorCollection).FindOne(ctx, bson.M{"key": cursorKey}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return doc.ValueTime, nil
}

func (a *Archiver) saveCursor(ctx context.Context, t time.Time) {
	_, err := a.db.Collection(cursorCollection).UpdateOne(ctx,
		bson.M{"key": cursorKey},
		bson.M{"$set": bson.M{
			"key":        cursorKey,
			"value_time": t,
			"updated_at": time.Now(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		a.logger.Warn("ledger archiver: save cursor", zap.Error(err))
	}
}

func (a *Archiver) queryEvents(ctx context.Context, from, to time.Time) ([]eventDoc, error) {
	filter := bson.M{
		"recorded_at": bson.M{"$gte": from, "$lt": to},
	}
	opts := options.Find().SetSort(bson.D{{Key: "recorded_at", Value: 1}})

	cur, err := a.db.Collection(eventsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	defer cur.Close(ctx)

	var events []eventDoc
	if err := cur.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return events, nil
}

func groupByDay(events []eventDoc) map[string][]eventDoc {
	batches := make(map[string][]eventDoc)
	for _, e := range events {
		day := e.RecordedAt.UTC().Format("2006/01/02")
		batches[day] = append(batches[day], e)
	}
	return batches
}

// uploadBatch gzips events as NDJSON and puts them at
// <prefix>/events/YYYY/MM/DD-<first-id>.jsonl.gz.
func (a *Archiver) uploadBatch(ctx context.Context, day string, events []eventDoc) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			gz.Close()
			return fmt.Errorf("encode: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}

	key := fmt.Sprintf("%s/events/%s-%s.jsonl.gz", a.prefix, day, events[0].ID.Hex())

	_, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (a *Archiver) deleteBatch(ctx context.Context, events []eventDoc) error {
	ids := make([]bson.ObjectID, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}

	_, err := a.db.Collection(eventsCollection).DeleteMany(ctx, bson.M{
		"_id": bson.M{"$in": ids},
	})
	if err != nil {
		return fmt.Errorf("delete archived events: %w", err)
	}
	return nil
}

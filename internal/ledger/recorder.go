package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Kind discriminates the operational event document types this ledger
// records. None of them ever carry quote content.
type Kind string

const (
	KindSupervisorState  Kind = "supervisor_state"
	KindStartupValidation Kind = "startup_validation"
	KindRefreshSummary   Kind = "refresh_summary"
)

// Recorder writes operational events to the ledger. Write failures are
// logged and swallowed: the ledger is diagnostic, not authoritative, and
// must never become a reason the relay stops serving quotes.
type Recorder struct {
	store  *Store
	logger *zap.Logger
}

// NewRecorder creates a Recorder bound to store.
func NewRecorder(store *Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// RecordSupervisorState logs a state machine transition (idle → starting
// → running → stopping → stopped).
func (r *Recorder) RecordSupervisorState(ctx context.Context, from, to string) {
	r.insert(ctx, bson.M{
		"kind":        KindSupervisorState,
		"recorded_at": time.Now(),
		"from":        from,
		"to":          to,
	})
}

// RecordStartupValidation logs the outcome of environment validation at
// startup: whether it passed and, on failure, why.
func (r *Recorder) RecordStartupValidation(ctx context.Context, ok bool, detail string) {
	r.insert(ctx, bson.M{
		"kind":        KindStartupValidation,
		"recorded_at": time.Now(),
		"ok":          ok,
		"detail":      detail,
	})
}

// RefreshSummary describes the outcome of one contract.Manager.Refresh
// call. It never carries resolved contract codes or quote content.
type RefreshSummary struct {
	ATM            int
	WindowSize     int
	OptionType     string
	Added          int
	Removed        int
	ResolvedCount  int
	UnresolvedCount int
}

// RecordRefreshSummary logs the outcome of one contract subscription
// refresh.
func (r *Recorder) RecordRefreshSummary(ctx context.Context, s RefreshSummary) {
	r.insert(ctx, bson.M{
		"kind":             KindRefreshSummary,
		"recorded_at":      time.Now(),
		"atm":              s.ATM,
		"window_size":      s.WindowSize,
		"option_type":      s.OptionType,
		"added":            s.Added,
		"removed":          s.Removed,
		"resolved_count":   s.ResolvedCount,
		"unresolved_count": s.UnresolvedCount,
	})
}

func (r *Recorder) insert(ctx context.Context, doc bson.M) {
	if _, err := r.store.db.Collection(eventsCollection).InsertOne(ctx, doc); err != nil {
		r.logger.Warn("ledger write failed", zap.Any("kind", doc["kind"]), zap.Error(err))
	}
}

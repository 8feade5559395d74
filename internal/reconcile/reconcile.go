// Package reconcile merges a scraped batch into the persisted channel roster
// and writes the lifecycle events that describe every transition.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"channelscope/channel-service/internal/events"
	"channelscope/channel-service/internal/lifecycle"
	"channelscope/channel-service/internal/metrics"
	"channelscope/channel-service/internal/model"
	"channelscope/channel-service/internal/store"
)

// Batch is one reconciliation input.
type Batch struct {
	SessionID string
	Records   []model.ChannelRecord
	// Scope bounds the deactivation sweep. The zero Scope disables it.
	Scope store.Scope
}

// RecordError is a failure isolated to one record.
type RecordError struct {
	ExternalID string
	Err        error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %s: %v", e.ExternalID, e.Err)
}

// Result counts what a reconciliation did.
type Result struct {
	New         int
	Updated     int
	Reactivated int
	Unchanged   int
	Deactivated int
	Errors      []RecordError
}

// ReconciliationError is returned when a batch-level step fails. Record
// upserts done before the failure are kept.
type ReconciliationError struct {
	Op  string
	Err error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s: %v", e.Op, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// Reconciler applies batches to a Store.
type Reconciler struct {
	store     store.Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a Reconciler. A nil publisher disables notifications.
func New(st store.Store, publisher events.Publisher, logger *slog.Logger) *Reconciler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Reconciler{
		store:     st,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "reconciler")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Tests use it to pin timestamps.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile upserts every record, then deactivates in-scope channels that
// were not seen. Duplicate external ids keep their first occurrence.
func (r *Reconciler) Reconcile(ctx context.Context, b Batch) (Result, error) {
	var res Result
	now := r.now()
	records := Dedupe(b.Records)

	seen := make([]string, 0, len(records))
	for _, rec := range records {
		seen = append(seen, rec.ExternalID)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, &ReconciliationError{Op: "upsert", Err: err}
		}
		if strings.TrimSpace(rec.ExternalID) == "" {
			res.Errors = append(res.Errors, RecordError{Err: fmt.Errorf("missing external id")})
			continue
		}

		up, err := r.store.UpsertChannel(ctx, b.SessionID, rec, now)
		if err != nil {
			r.logger.Warn("upsert failed", slog.String("externalId", rec.ExternalID), slog.String("err", err.Error()))
			res.Errors = append(res.Errors, RecordError{ExternalID: rec.ExternalID, Err: err})
			continue
		}

		from := lifecycle.StateActive
		switch {
		case up.IsNew:
			from = lifecycle.StateUnknown
			res.New++
		case up.Reactivated:
			from = lifecycle.StateInactive
			res.Reactivated++
		case up.HasChanges:
			res.Updated++
		default:
			res.Unchanged++
		}

		evType := lifecycle.Sighting(from, up.HasChanges)
		if evType == "" {
			continue
		}
		diff := up.Changes
		if evType == model.EventDiscovered {
			diff = model.Snapshot(rec)
		}
		if err := r.emit(ctx, up.Channel, b.SessionID, evType, diff, now); err != nil {
			res.Errors = append(res.Errors, RecordError{ExternalID: rec.ExternalID, Err: err})
		}
	}

	if !b.Scope.Empty() {
		if err := r.sweep(ctx, b, seen, now, &res); err != nil {
			return res, err
		}
	}

	r.logger.Info("reconciled",
		slog.String("sessionId", b.SessionID),
		slog.Int("records", len(records)),
		slog.Int("new", res.New),
		slog.Int("updated", res.Updated),
		slog.Int("reactivated", res.Reactivated),
		slog.Int("unchanged", res.Unchanged),
		slog.Int("deactivated", res.Deactivated),
		slog.Int("errors", len(res.Errors)),
	)
	return res, nil
}

func (r *Reconciler) sweep(ctx context.Context, b Batch, seen []string, now time.Time, res *Result) error {
	if err := ctx.Err(); err != nil {
		return &ReconciliationError{Op: "sweep", Err: err}
	}
	gone, err := r.store.MarkMissingInactive(ctx, b.SessionID, b.Scope, seen, now)
	if err != nil {
		return &ReconciliationError{Op: "sweep", Err: err}
	}
	evType, _ := lifecycle.Absence(lifecycle.StateActive)
	for _, ch := range gone {
		res.Deactivated++
		diff := []model.FieldChange{{Field: "isActive", Old: true, New: false}}
		if err := r.emit(ctx, ch, b.SessionID, evType, diff, now); err != nil {
			res.Errors = append(res.Errors, RecordError{ExternalID: ch.ExternalID, Err: err})
		}
	}
	return nil
}

func (r *Reconciler) emit(ctx context.Context, ch model.Channel, sessionID string, t model.EventType, diff []model.FieldChange, now time.Time) error {
	if diff == nil {
		diff = []model.FieldChange{}
	}
	ev, err := r.store.AppendLifecycleEvent(ctx, model.LifecycleEvent{
		ChannelID:  ch.ID,
		ExternalID: ch.ExternalID,
		SessionID:  sessionID,
		EventType:  t,
		Diff:       diff,
		CreatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("append %s event: %w", t, err)
	}
	metrics.LifecycleEvents.WithLabelValues(string(t)).Inc()
	r.publisher.PublishLifecycle(ctx, ev)
	return nil
}

// Dedupe drops records whose external id already appeared earlier.
func Dedupe(records []model.ChannelRecord) []model.ChannelRecord {
	seen := make(map[string]struct{}, len(records))
	out := make([]model.ChannelRecord, 0, len(records))
	for _, rec := range records {
		if _, dup := seen[rec.ExternalID]; dup && rec.ExternalID != "" {
			continue
		}
		seen[rec.ExternalID] = struct{}{}
		out = append(out, rec)
	}
	return out
}

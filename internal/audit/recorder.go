package audit

import (
	"context"
	"log/slog"
	"time"

	"matricula/pkg/domain"
	"matricula/pkg/requestcontext"
)

// StreamProducer mirrors entries onto a message bus for downstream consumers
// (SIEM, compliance archive). Mirroring is ops-grade: failures are logged and
// never fail the business operation, because the store append is the source
// of truth.
type StreamProducer interface {
	Publish(ctx context.Context, entry Entry) error
}

// Recorder is the single write path for audit entries. Services do not touch
// the store directly; the recorder stamps IDs and timestamps and fans out to
// the optional stream.
type Recorder struct {
	store  Store
	stream StreamProducer
	logger *slog.Logger
}

// Option configures the Recorder.
type Option func(*Recorder)

// WithStream mirrors every entry to the given producer.
func WithStream(stream StreamProducer) Option {
	return func(r *Recorder) {
		r.stream = stream
	}
}

// WithLogger sets a logger for mirror failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one entry. The write is synchronous and fail-closed: if the
// trail cannot be persisted the calling operation must not report success.
func (r *Recorder) Record(ctx context.Context, identityID domain.IdentityID, action Action, result Result, details map[string]string, performedBy string) error {
	entry := Entry{
		ID:          domain.NewAuditEntryID(),
		IdentityID:  identityID,
		Action:      action,
		Result:      result,
		Details:     details,
		PerformedBy: performedBy,
		OccurredAt:  requestcontext.Now(ctx),
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	if err := r.store.Append(ctx, entry); err != nil {
		return err
	}
	if r.stream != nil {
		if err := r.stream.Publish(ctx, entry); err != nil {
			r.logger.ErrorContext(ctx, "audit stream mirror failed",
				"identity_id", entry.IdentityID,
				"action", entry.Action,
				"error", err,
			)
		}
	}
	return nil
}

// Query returns the trail for one identity, newest first.
func (r *Recorder) Query(ctx context.Context, identityID domain.IdentityID) ([]Entry, error) {
	return r.store.ListByIdentity(ctx, identityID)
}

package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"matricula/internal/blob"
	"matricula/internal/identity/service"
	"matricula/internal/match"
	"matricula/internal/ocr"
	"matricula/internal/platform/metrics"
	"matricula/pkg/domain"
	dErrors "matricula/pkg/domain-errors"
)

var tracer = otel.Tracer("review")

// Worker executes one review pass per task: begin processing, OCR the stored
// document, score it, apply the verdict. Identities whose review keeps
// failing stay parked in processing for staff.
type Worker struct {
	identities *service.Service
	blobs      blob.Store
	ocr        ocr.Client
	matcher    *match.Matcher
	ocrTimeout time.Duration

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// WorkerOption configures the Worker.
type WorkerOption func(*Worker)

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// WithOCRTimeout bounds one extraction attempt.
func WithOCRTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.ocrTimeout = d }
}

func NewWorker(identities *service.Service, blobs blob.Store, ocrClient ocr.Client, matcher *match.Matcher, opts ...WorkerOption) (*Worker, error) {
	if identities == nil {
		return nil, fmt.Errorf("identity service is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if ocrClient == nil {
		return nil, fmt.Errorf("ocr client is required")
	}
	if matcher == nil {
		return nil, fmt.Errorf("matcher is required")
	}
	w := &Worker{
		identities: identities,
		blobs:      blobs,
		ocr:        ocrClient,
		matcher:    matcher,
		ocrTimeout: 15 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// NewServeMux returns the task router for an asynq server.
func (w *Worker) NewServeMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeMatchDocument, w.HandleMatchDocument)
	return mux
}

// HandleMatchDocument processes one review task. Returning an error lets the
// queue retry; tasks whose identity has already moved on are dropped instead.
func (w *Worker) HandleMatchDocument(ctx context.Context, task *asynq.Task) error {
	ctx, span := tracer.Start(ctx, "Review.MatchDocument")
	defer span.End()

	var payload matchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		// Malformed payloads never become valid; do not retry.
		w.logger.ErrorContext(ctx, "dropping malformed review task", "error", err)
		return nil
	}
	identityID, err := domain.ParseIdentityID(payload.IdentityID)
	if err != nil {
		w.logger.ErrorContext(ctx, "dropping review task with bad identity id",
			"identity_id", payload.IdentityID, "error", err)
		return nil
	}

	if err := w.identities.BeginAutomatedReview(ctx, identityID); err != nil {
		if dErrors.Is(err, dErrors.CodeInvalidState) || dErrors.Is(err, dErrors.CodeNotFound) {
			// A staff decision or a resubmission got there first.
			w.logger.InfoContext(ctx, "skipping review task, identity moved on",
				"identity_id", identityID, "error", err)
			return nil
		}
		return err
	}

	identity, err := w.identities.Get(ctx, identityID)
	if err != nil {
		return err
	}
	document, contentType, err := w.blobs.Get(ctx, identity.DocumentKey)
	if err != nil {
		return fmt.Errorf("load document %s: %w", identity.DocumentKey, err)
	}

	started := time.Now()
	ocrCtx, cancel := context.WithTimeout(ctx, w.ocrTimeout)
	extracted, err := w.ocr.Extract(ocrCtx, document, contentType)
	cancel()
	if err != nil {
		// The identity stays in processing; retries (and ultimately staff)
		// pick it up from there.
		w.logger.ErrorContext(ctx, "ocr extraction failed",
			"identity_id", identityID, "error", err)
		return err
	}

	result := w.matcher.Score(identity, extracted)
	if w.metrics != nil {
		w.metrics.MatchDuration.Observe(time.Since(started).Seconds())
	}

	var documentExpiry *time.Time
	if expiry, ok := extracted.DocumentExpiry(); ok {
		documentExpiry = &expiry
	}

	if err := w.identities.ApplyMatchResult(ctx, identityID, result, documentExpiry); err != nil {
		if dErrors.Is(err, dErrors.CodeInvalidState) {
			w.logger.InfoContext(ctx, "discarding match result, identity moved on",
				"identity_id", identityID, "error", err)
			return nil
		}
		return err
	}

	w.logger.InfoContext(ctx, "review pass complete",
		"identity_id", identityID,
		"confidence", result.Confidence,
	)
	return nil
}

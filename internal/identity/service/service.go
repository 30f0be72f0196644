// Package service is the authoritative lifecycle controller for identity
// verification. It owns every status transition; handlers, workers, and the
// appeal service all route state changes through here.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"matricula/internal/audit"
	"matricula/internal/blob"
	"matricula/internal/identity/models"
	identitystore "matricula/internal/identity/store"
	"matricula/internal/ingest"
	"matricula/internal/ingest/dedup"
	"matricula/internal/match"
	"matricula/internal/platform/config"
	"matricula/internal/platform/metrics"
	"matricula/pkg/domain"
	dErrors "matricula/pkg/domain-errors"
	"matricula/pkg/platform/sentinel"
	"matricula/pkg/requestcontext"
)

var tracer = otel.Tracer("verification")

// ReviewEnqueuer hands a freshly uploaded identity to the asynchronous review
// pipeline. Implementations must not block on OCR.
type ReviewEnqueuer interface {
	EnqueueMatch(ctx context.Context, identityID domain.IdentityID) error
}

// Transactor runs fn as one unit of work. The default runs fn directly, which
// is what the in-memory stores need; Postgres deployments pass tx.Run so a
// state change and its audit entry commit together.
type Transactor func(ctx context.Context, fn func(ctx context.Context) error) error

// Service is the verification state machine.
type Service struct {
	store    identitystore.Store
	blobs    blob.Store
	ingestor *ingest.Processor
	recorder *audit.Recorder
	cfg      config.Verification

	enqueuer ReviewEnqueuer
	transact Transactor
	dedup    *dedup.Index
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithEnqueuer routes uploads into the async review pipeline. Without one,
// uploads park in `uploaded` until staff act.
func WithEnqueuer(e ReviewEnqueuer) Option {
	return func(s *Service) { s.enqueuer = e }
}

// WithTransactor wraps every state change and its audit entry in the given
// unit of work.
func WithTransactor(t Transactor) Option {
	return func(s *Service) { s.transact = t }
}

// WithDedup surfaces duplicate document hashes in the audit trail.
func WithDedup(d *dedup.Index) Option {
	return func(s *Service) { s.dedup = d }
}

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func New(store identitystore.Store, blobs blob.Store, ingestor *ingest.Processor, recorder *audit.Recorder, cfg config.Verification, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("identity store is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if ingestor == nil {
		return nil, fmt.Errorf("ingest processor is required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("audit recorder is required")
	}
	s := &Service{
		store:    store,
		blobs:    blobs,
		ingestor: ingestor,
		recorder: recorder,
		cfg:      cfg,
		transact: func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register creates the verification subject at account-registration time, in
// `pending` with no document. Explicit factory call — no persistence hooks.
func (s *Service) Register(ctx context.Context, ownerID, fullName, institutionID, externalID string) (*models.Identity, error) {
	if ownerID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "owner id is required")
	}
	if strings.TrimSpace(fullName) == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "claimed full name is required")
	}
	identity := models.New(ownerID, fullName, institutionID, externalID, requestcontext.Now(ctx))
	if err := s.store.Create(ctx, identity); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeInvalidState, "owner already has a verification record")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create identity")
	}
	return identity, nil
}

// Get returns an identity by ID.
func (s *Service) Get(ctx context.Context, id domain.IdentityID) (*models.Identity, error) {
	identity, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err, "identity")
	}
	return identity, nil
}

// GetByOwner returns the identity belonging to an owner.
func (s *Service) GetByOwner(ctx context.Context, ownerID string) (*models.Identity, error) {
	identity, err := s.store.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, translateStoreErr(err, "identity")
	}
	return identity, nil
}

// SubmitDocument ingests a new document for an identity in pending, rejected,
// or expired state. It returns once the normalized document is stored and the
// upload audited; matching runs asynchronously.
func (s *Service) SubmitDocument(ctx context.Context, id domain.IdentityID, raw []byte, declaredContentType string) (*models.Identity, error) {
	ctx, span := tracer.Start(ctx, "Verification.SubmitDocument")
	defer span.End()

	identity, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !identity.CanUpload() {
		err := dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("cannot upload document while %s", identity.Status))
		s.auditFailure(ctx, id, audit.ActionUpload, err, "")
		return nil, err
	}

	result, err := s.ingestor.Ingest(raw, declaredContentType)
	if err != nil {
		if s.metrics != nil {
			s.metrics.UploadsRejected.WithLabelValues(string(dErrors.CodeOf(err))).Inc()
		}
		s.auditFailure(ctx, id, audit.ActionUpload, err, "")
		return nil, err
	}

	key, err := s.blobs.Put(ctx, result.Normalized, result.ContentType)
	if err != nil {
		wrapped := dErrors.Wrap(err, dErrors.CodeExternalService, "store document")
		s.auditFailure(ctx, id, audit.ActionUpload, wrapped, "")
		return nil, wrapped
	}

	details := map[string]string{
		"hash":             result.Hash,
		"format":           result.Metadata.Format,
		"original_bytes":   strconv.Itoa(result.Metadata.OriginalBytes),
		"normalized_bytes": strconv.Itoa(result.Metadata.NormalizedBytes),
	}
	if s.dedup != nil {
		if duplicateOf, _ := s.dedup.Claim(ctx, result.Hash, id.String()); duplicateOf != "" {
			details["duplicate_of"] = duplicateOf
		}
	}

	now := requestcontext.Now(ctx)
	identity.DocumentKey = key
	identity.DocumentContentType = result.ContentType
	identity.DocumentHash = result.Hash
	identity.Status = models.StatusUploaded
	// A resubmission always discards stale review data; the old values
	// survive in the audit trail.
	identity.ConfidenceScore = nil
	identity.StatusReason = ""
	identity.DocumentExpiresAt = nil
	identity.UpdatedAt = now

	if err := s.persist(ctx, identity, audit.ActionUpload, audit.ResultSuccess, details, ""); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.DocumentsUploaded.Inc()
	}
	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueMatch(ctx, id); err != nil {
			// The upload already succeeded; review will reach this identity
			// through manual triage instead.
			s.logger.ErrorContext(ctx, "failed to enqueue review task",
				"identity_id", id,
				"error", err,
			)
		}
	}
	return identity, nil
}

// BeginAutomatedReview moves an uploaded identity into processing. Idempotent
// when already processing so queue redeliveries are harmless.
func (s *Service) BeginAutomatedReview(ctx context.Context, id domain.IdentityID) error {
	ctx, span := tracer.Start(ctx, "Verification.BeginAutomatedReview")
	defer span.End()

	identity, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if identity.Status == models.StatusProcessing {
		return nil
	}
	if identity.Status != models.StatusUploaded {
		err := dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("cannot begin review while %s", identity.Status))
		s.auditFailure(ctx, id, audit.ActionBeginReview, err, "")
		return err
	}
	identity.Status = models.StatusProcessing
	identity.UpdatedAt = requestcontext.Now(ctx)
	return s.persist(ctx, identity, audit.ActionBeginReview, audit.ResultSuccess, nil, "")
}

// ApplyMatchResult records the matcher's verdict for an identity in
// processing. At or above the auto-approve threshold the identity is
// verified system-side; below it, it stays in processing holding the score
// for manual reviewers.
func (s *Service) ApplyMatchResult(ctx context.Context, id domain.IdentityID, result match.Result, documentExpiry *time.Time) error {
	ctx, span := tracer.Start(ctx, "Verification.ApplyMatchResult")
	defer span.End()

	identity, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if identity.Status != models.StatusProcessing {
		err := dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("cannot apply match result while %s", identity.Status))
		s.auditFailure(ctx, id, audit.ActionAutoVerify, err, "")
		return err
	}

	now := requestcontext.Now(ctx)
	confidence := result.Confidence
	identity.ConfidenceScore = &confidence
	identity.DocumentExpiresAt = documentExpiry
	identity.UpdatedAt = now

	details := map[string]string{
		"confidence": strconv.FormatFloat(confidence, 'f', 4, 64),
		"matched":    strings.Join(result.MatchedFields, ","),
		"mismatched": strings.Join(result.MismatchedFields, ","),
	}

	if s.metrics != nil {
		s.metrics.MatchConfidence.Observe(confidence)
	}

	if confidence >= s.cfg.AutoApproveThreshold {
		s.approve(identity, "", now)
		if err := s.persist(ctx, identity, audit.ActionAutoVerify, audit.ResultApproved, details, ""); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.AutoApprovals.Inc()
		}
		return nil
	}

	// Held in processing until a human acts; the recorded score is what
	// distinguishes "awaiting manual review" from "automation in flight".
	return s.persist(ctx, identity, audit.ActionAutoVerify, audit.ResultPending, details, "")
}

// ManualApprove verifies an identity on a staff decision. Reachable from
// uploaded and processing, and from appealing via an approved appeal.
func (s *Service) ManualApprove(ctx context.Context, id domain.IdentityID, staffUser, notes string) error {
	ctx, span := tracer.Start(ctx, "Verification.ManualApprove")
	defer span.End()

	if staffUser == "" {
		return dErrors.New(dErrors.CodeBadRequest, "staff user is required")
	}
	identity, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	switch identity.Status {
	case models.StatusUploaded, models.StatusProcessing, models.StatusAppealing:
	default:
		err := dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("cannot approve while %s", identity.Status))
		s.auditFailure(ctx, id, audit.ActionManualApprove, err, staffUser)
		return err
	}

	now := requestcontext.Now(ctx)
	s.approve(identity, staffUser, now)
	identity.UpdatedAt = now

	details := map[string]string{}
	if notes != "" {
		details["notes"] = notes
	}
	if err := s.persist(ctx, identity, audit.ActionManualApprove, audit.ResultApproved, details, staffUser); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ManualDecisions.WithLabelValues("approve").Inc()
	}
	return nil
}

// ManualReject declines an identity on a staff decision.
func (s *Service) ManualReject(ctx context.Context, id domain.IdentityID, staffUser, reason string) error {
	ctx, span := tracer.Start(ctx, "Verification.ManualReject")
	defer span.End()

	if staffUser == "" {
		return dErrors.New(dErrors.CodeBadRequest, "staff user is required")
	}
	if strings.TrimSpace(reason) == "" {
		return dErrors.New(dErrors.CodeBadRequest, "rejection reason is required")
	}
	identity, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if identity.Status != models.StatusUploaded && identity.Status != models.StatusProcessing {
		err := dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("cannot reject while %s", identity.Status))
		s.auditFailure(ctx, id, audit.ActionManualReject, err, staffUser)
		return err
	}

	identity.Status = models.StatusRejected
	identity.StatusReason = reason
	identity.UpdatedAt = requestcontext.Now(ctx)

	if err := s.persist(ctx, identity, audit.ActionManualReject, audit.ResultSuccess,
		map[string]string{"reason": reason}, staffUser); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ManualDecisions.WithLabelValues("reject").Inc()
	}
	return nil
}

// ForceStatus moves an identity along an explicit edge on behalf of the
// appeal workflow (appealing marker on open, reversion on deny/withdraw).
// The edge must be legal; this is not a backdoor around the transition map.
// A non-empty reason replaces the stored status reason.
func (s *Service) ForceStatus(ctx context.Context, id domain.IdentityID, next models.Status, reason string, action audit.Action, result audit.Result, details map[string]string, performedBy string) error {
	identity, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !identity.Status.CanTransitionTo(next) && identity.Status != next {
		err := dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("no edge from %s to %s", identity.Status, next))
		s.auditFailure(ctx, id, action, err, performedBy)
		return err
	}
	identity.Status = next
	if reason != "" {
		identity.StatusReason = reason
	}
	identity.UpdatedAt = requestcontext.Now(ctx)
	return s.persist(ctx, identity, action, result, details, performedBy)
}

// CheckExpiration lazily expires a verified identity whose validity window
// has passed. Idempotent: an already-expired identity is a no-op with no
// additional audit entry. Returns the fresh identity either way.
func (s *Service) CheckExpiration(ctx context.Context, id domain.IdentityID) (*models.Identity, error) {
	identity, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	if !Expired(identity, now) {
		return identity, nil
	}

	identity.Status = models.StatusExpired
	identity.UpdatedAt = now
	details := map[string]string{"expired_at": now.UTC().Format(time.RFC3339)}
	if err := s.persist(ctx, identity, audit.ActionExpire, audit.ResultSuccess, details, ""); err != nil {
		// A conflict means someone else already transitioned it; re-read and
		// report what won.
		if dErrors.Is(err, dErrors.CodeConcurrentModification) {
			return s.Get(ctx, id)
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.VerificationsExpired.Inc()
	}
	return identity, nil
}

// SweepExpired expires verified identities in bulk; the background sweeper
// calls this on a ticker. Returns how many identities were transitioned.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := requestcontext.Now(ctx)
	candidates, err := s.store.ListVerifiedExpiredBefore(ctx, now, limit)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "list expired identities")
	}
	expired := 0
	for _, identity := range candidates {
		fresh, err := s.CheckExpiration(ctx, identity.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "expiry sweep failed for identity",
				"identity_id", identity.ID,
				"error", err,
			)
			continue
		}
		if fresh.Status == models.StatusExpired {
			expired++
		}
	}
	return expired, nil
}

// approve applies the shared approval mutation. Empty staffUser means
// system-approved.
func (s *Service) approve(identity *models.Identity, staffUser string, now time.Time) {
	verifiedAt := now
	expiresAt := VerificationExpiry(now, s.cfg.ValidityPeriod)
	identity.Status = models.StatusVerified
	identity.VerifiedAt = &verifiedAt
	identity.VerifiedBy = staffUser
	identity.VerificationExpiresAt = &expiresAt
	identity.StatusReason = ""
}

// persist writes the state change and its audit entry in one unit of work so
// the trail preserves causal order.
func (s *Service) persist(ctx context.Context, identity *models.Identity, action audit.Action, result audit.Result, details map[string]string, performedBy string) error {
	err := s.transact(ctx, func(ctx context.Context) error {
		if err := s.store.Update(ctx, identity); err != nil {
			return err
		}
		return s.recorder.Record(ctx, identity.ID, action, result, details, performedBy)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrConflict):
		conflict := dErrors.New(dErrors.CodeConcurrentModification,
			"identity was modified concurrently, re-read and retry")
		// Outside the rolled-back unit of work so the failed attempt survives.
		s.auditFailure(ctx, identity.ID, action, conflict, performedBy)
		return conflict
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist identity change")
	}
}

// auditFailure records a failed attempt so the forensic trail stays complete.
// Failures recording the failure are logged, not propagated — the original
// error is what the caller needs.
func (s *Service) auditFailure(ctx context.Context, id domain.IdentityID, action audit.Action, cause error, performedBy string) {
	details := map[string]string{
		"error": cause.Error(),
		"code":  string(dErrors.CodeOf(cause)),
	}
	if err := s.recorder.Record(ctx, id, action, audit.ResultError, details, performedBy); err != nil {
		s.logger.ErrorContext(ctx, "failed to record audit entry for failed attempt",
			"identity_id", id,
			"action", action,
			"error", err,
		)
	}
}

func translateStoreErr(err error, what string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, what+" not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "load "+what)
}

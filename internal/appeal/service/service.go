// Package service runs the appeal workflow: a student contests a rejected or
// expired verification, staff overturn or uphold the decision, or the student
// withdraws before review starts. Identity status changes always go through
// the verification service so the transition map stays authoritative.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"

	"matricula/internal/appeal/models"
	appealstore "matricula/internal/appeal/store"
	"matricula/internal/audit"
	"matricula/internal/blob"
	identitymodels "matricula/internal/identity/models"
	"matricula/internal/platform/metrics"
	"matricula/pkg/domain"
	dErrors "matricula/pkg/domain-errors"
	"matricula/pkg/platform/sentinel"
	"matricula/pkg/requestcontext"
)

var tracer = otel.Tracer("appeal")

// Outcome is the staff decision on an appeal.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
)

// IdentityLifecycle is the slice of the verification service appeals need.
type IdentityLifecycle interface {
	Get(ctx context.Context, id domain.IdentityID) (*identitymodels.Identity, error)
	GetByOwner(ctx context.Context, ownerID string) (*identitymodels.Identity, error)
	ManualApprove(ctx context.Context, id domain.IdentityID, staffUser, notes string) error
	ForceStatus(ctx context.Context, id domain.IdentityID, next identitymodels.Status, reason string, action audit.Action, result audit.Result, details map[string]string, performedBy string) error
}

// Service coordinates appeals with the identity lifecycle.
type Service struct {
	store      appealstore.Store
	identities IdentityLifecycle
	recorder   *audit.Recorder

	evidence blob.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithEvidenceStore enables supporting-document attachments on appeals.
func WithEvidenceStore(store blob.Store) Option {
	return func(s *Service) { s.evidence = store }
}

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func New(store appealstore.Store, identities IdentityLifecycle, recorder *audit.Recorder, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("appeal store is required")
	}
	if identities == nil {
		return nil, fmt.Errorf("identity lifecycle is required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("audit recorder is required")
	}
	s := &Service{
		store:      store,
		identities: identities,
		recorder:   recorder,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open raises an appeal for the owner's identity. Only rejected or expired
// identities can be appealed, and only one appeal may be open at a time.
// Evidence is an optional supporting document; it is stored content-addressed
// and referenced from the appeal and its audit entry.
func (s *Service) Open(ctx context.Context, ownerID, reason string, evidence []byte) (*models.Appeal, error) {
	ctx, span := tracer.Start(ctx, "Appeal.Open")
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "appeal reason is required")
	}
	identity, err := s.identities.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if identity.Status != identitymodels.StatusRejected && identity.Status != identitymodels.StatusExpired {
		wrongState := dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("cannot appeal while %s", identity.Status))
		s.auditFailure(ctx, identity.ID, audit.ActionAppealOpen, wrongState, "")
		return nil, wrongState
	}

	now := requestcontext.Now(ctx)
	appeal := models.New(identity.ID, ownerID, reason, identity.Status, now)
	if len(evidence) > 0 {
		if s.evidence == nil {
			return nil, dErrors.New(dErrors.CodeBadRequest, "evidence attachments are not supported")
		}
		key, err := s.evidence.Put(ctx, evidence, "application/octet-stream")
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "store appeal evidence")
		}
		appeal.EvidenceKey = key
	}
	if err := s.store.Create(ctx, appeal); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			lost := dErrors.New(dErrors.CodeInvalidState, "an appeal is already open for this identity")
			s.auditFailure(ctx, identity.ID, audit.ActionAppealOpen, lost, "")
			return nil, lost
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create appeal")
	}

	details := map[string]string{
		"appeal_id": appeal.ID.String(),
		"reason":    reason,
	}
	if appeal.EvidenceKey != "" {
		details["evidence_key"] = appeal.EvidenceKey
	}
	if err := s.identities.ForceStatus(ctx, identity.ID, identitymodels.StatusAppealing, "",
		audit.ActionAppealOpen, audit.ResultSuccess, details, ""); err != nil {
		// The appeal row exists but the identity never moved; close the
		// appeal so the invariant of one open appeal does not wedge retries.
		s.abandon(ctx, appeal)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.AppealsOpened.Inc()
	}
	return appeal, nil
}

// Resolve records the staff decision. An approved appeal verifies the
// identity through the manual-approval path; a denied appeal sends it back to
// rejected with the denial notes as the visible reason.
func (s *Service) Resolve(ctx context.Context, id domain.AppealID, staffUser string, outcome Outcome, notes string) (*models.Appeal, error) {
	ctx, span := tracer.Start(ctx, "Appeal.Resolve")
	defer span.End()

	if staffUser == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "staff user is required")
	}
	if outcome != OutcomeApproved && outcome != OutcomeDenied {
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown outcome %q", outcome))
	}
	appeal, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appeal.CanResolve() {
		terminal := dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("appeal is already %s", appeal.Status))
		s.auditFailure(ctx, appeal.IdentityID, audit.ActionAppealResolve, terminal, staffUser)
		return nil, terminal
	}

	details := map[string]string{"appeal_id": appeal.ID.String()}
	if notes != "" {
		details["notes"] = notes
	}

	// Identity first: its optimistic lock is what detects two staff members
	// resolving the same appeal at once.
	switch outcome {
	case OutcomeApproved:
		if err := s.identities.ManualApprove(ctx, appeal.IdentityID, staffUser, notes); err != nil {
			return nil, err
		}
		if err := s.recorder.Record(ctx, appeal.IdentityID, audit.ActionAppealResolve,
			audit.ResultApproved, details, staffUser); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "record audit entry")
		}
	case OutcomeDenied:
		reason := notes
		if reason == "" {
			reason = "appeal denied"
		}
		if err := s.identities.ForceStatus(ctx, appeal.IdentityID, identitymodels.StatusRejected,
			reason, audit.ActionAppealResolve, audit.ResultDenied, details, staffUser); err != nil {
			return nil, err
		}
	}

	now := requestcontext.Now(ctx)
	appeal.Status = models.Status(outcome)
	appeal.ResolvedBy = staffUser
	appeal.ResolutionNotes = notes
	appeal.ResolvedAt = &now
	appeal.UpdatedAt = now
	if err := s.update(ctx, appeal); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.AppealsResolved.WithLabelValues(string(outcome)).Inc()
	}
	return appeal, nil
}

// Withdraw lets the owner pull back a pending appeal. The identity reverts to
// whatever status the appeal interrupted.
func (s *Service) Withdraw(ctx context.Context, id domain.AppealID, ownerID string) (*models.Appeal, error) {
	ctx, span := tracer.Start(ctx, "Appeal.Withdraw")
	defer span.End()

	appeal, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if appeal.OwnerID != ownerID {
		// Indistinguishable from a missing appeal on purpose.
		return nil, dErrors.New(dErrors.CodeNotFound, "appeal not found")
	}
	if !appeal.CanWithdraw() {
		started := dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("cannot withdraw an appeal that is %s", appeal.Status))
		s.auditFailure(ctx, appeal.IdentityID, audit.ActionAppealWithdraw, started, "")
		return nil, started
	}

	details := map[string]string{"appeal_id": appeal.ID.String()}
	if err := s.identities.ForceStatus(ctx, appeal.IdentityID, appeal.PriorIdentityStatus, "",
		audit.ActionAppealWithdraw, audit.ResultSuccess, details, ""); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	appeal.Status = models.StatusWithdrawn
	appeal.UpdatedAt = now
	if err := s.update(ctx, appeal); err != nil {
		return nil, err
	}
	return appeal, nil
}

// Get returns an appeal by ID.
func (s *Service) Get(ctx context.Context, id domain.AppealID) (*models.Appeal, error) {
	return s.get(ctx, id)
}

// ListByIdentity returns all appeals for an identity, newest first.
func (s *Service) ListByIdentity(ctx context.Context, identityID domain.IdentityID) ([]*models.Appeal, error) {
	appeals, err := s.store.ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list appeals")
	}
	return appeals, nil
}

// OpenForIdentity returns the currently open appeal, or nil when none.
func (s *Service) OpenForIdentity(ctx context.Context, identityID domain.IdentityID) (*models.Appeal, error) {
	appeal, err := s.store.FindOpenByIdentity(ctx, identityID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find open appeal")
	}
	return appeal, nil
}

func (s *Service) get(ctx context.Context, id domain.AppealID) (*models.Appeal, error) {
	appeal, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "appeal not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load appeal")
	}
	return appeal, nil
}

func (s *Service) update(ctx context.Context, appeal *models.Appeal) error {
	if err := s.store.Update(ctx, appeal); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.New(dErrors.CodeConcurrentModification,
				"appeal was modified concurrently, re-read and retry")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "update appeal")
	}
	return nil
}

// auditFailure records a failed attempt so the forensic trail stays complete.
// Failures recording the failure are logged, not propagated.
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

// abandon closes an appeal whose identity transition failed. Best effort.
func (s *Service) abandon(ctx context.Context, appeal *models.Appeal) {
	appeal.Status = models.StatusWithdrawn
	appeal.UpdatedAt = requestcontext.Now(ctx)
	if err := s.store.Update(ctx, appeal); err != nil {
		s.logger.ErrorContext(ctx, "failed to close orphaned appeal",
			"appeal_id", appeal.ID,
			"error", err,
		)
	}
}

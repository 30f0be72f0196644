package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	appealservice "matricula/internal/appeal/service"
	"matricula/internal/audit"
	identitymodels "matricula/internal/identity/models"
	identityservice "matricula/internal/identity/service"
	"matricula/internal/platform/middleware"
	"matricula/internal/transport/http/shared"
	"matricula/pkg/domain"
	dErrors "matricula/pkg/domain-errors"
	"matricula/pkg/requestcontext"
)

// AdminHandler serves the staff review surface. Every route requires the
// staff role; the staff subject from the token is what lands in the audit
// trail as PerformedBy.
type AdminHandler struct {
	logger     *slog.Logger
	identities *identityservice.Service
	appeals    *appealservice.Service
	recorder   *audit.Recorder
	validator  middleware.TokenValidator
}

func NewAdminHandler(
	identities *identityservice.Service,
	appeals *appealservice.Service,
	recorder *audit.Recorder,
	validator middleware.TokenValidator,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		logger:     logger,
		identities: identities,
		appeals:    appeals,
		recorder:   recorder,
		validator:  validator,
	}
}

// Register attaches the staff routes.
func (h *AdminHandler) Register(r chi.Router) {
	r.Group(func(ar chi.Router) {
		ar.Use(middleware.Recovery(h.logger))
		ar.Use(middleware.RequestID)
		ar.Use(middleware.Logger(h.logger))
		ar.Use(middleware.Timeout(30 * time.Second))
		ar.Use(middleware.ContentTypeJSON)
		ar.Use(middleware.RequireStaff(h.validator, h.logger))

		ar.Get("/admin/verifications/{identityID}", h.handleGetIdentity)
		ar.Get("/admin/verifications/{identityID}/audit", h.handleAuditTrail)
		ar.Post("/admin/verifications/{identityID}/approve", h.handleApprove)
		ar.Post("/admin/verifications/{identityID}/reject", h.handleReject)
		ar.Post("/admin/appeals/{appealID}/resolve", h.handleResolveAppeal)
	})
}

func (h *AdminHandler) identityID(r *http.Request) (domain.IdentityID, error) {
	id, err := domain.ParseIdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		return domain.IdentityID{}, dErrors.New(dErrors.CodeBadRequest, "invalid identity id")
	}
	return id, nil
}

type reviewIdentityResponse struct {
	ID                    string     `json:"id"`
	OwnerID               string     `json:"owner_id"`
	ClaimedFullName       string     `json:"claimed_full_name"`
	ClaimedInstitutionID  string     `json:"claimed_institution_id"`
	ClaimedExternalID     string     `json:"claimed_external_id,omitempty"`
	Status                string     `json:"status"`
	StatusReason          string     `json:"status_reason,omitempty"`
	ConfidenceScore       *float64   `json:"confidence_score,omitempty"`
	NeedsManualReview     bool       `json:"needs_manual_review"`
	DocumentHash          string     `json:"document_hash,omitempty"`
	VerifiedAt            *time.Time `json:"verified_at,omitempty"`
	VerifiedBy            string     `json:"verified_by,omitempty"`
	DocumentExpiresAt     *time.Time `json:"document_expires_at,omitempty"`
	VerificationExpiresAt *time.Time `json:"verification_expires_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func reviewPayload(identity *identitymodels.Identity) reviewIdentityResponse {
	return reviewIdentityResponse{
		ID:                    identity.ID.String(),
		OwnerID:               identity.OwnerID,
		ClaimedFullName:       identity.ClaimedFullName,
		ClaimedInstitutionID:  identity.ClaimedInstitutionID,
		ClaimedExternalID:     identity.ClaimedExternalID,
		Status:                string(identity.Status),
		StatusReason:          identity.StatusReason,
		ConfidenceScore:       identity.ConfidenceScore,
		NeedsManualReview:     identity.NeedsManualReview(),
		DocumentHash:          identity.DocumentHash,
		VerifiedAt:            identity.VerifiedAt,
		VerifiedBy:            identity.VerifiedBy,
		DocumentExpiresAt:     identity.DocumentExpiresAt,
		VerificationExpiresAt: identity.VerificationExpiresAt,
		CreatedAt:             identity.CreatedAt,
		UpdatedAt:             identity.UpdatedAt,
	}
}

func (h *AdminHandler) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := h.identityID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	identity, err := h.identities.CheckExpiration(ctx, id)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, reviewPayload(identity))
}

type auditEntryResponse struct {
	ID          string            `json:"id"`
	Action      string            `json:"action"`
	Result      string            `json:"result"`
	Details     map[string]string `json:"details,omitempty"`
	PerformedBy string            `json:"performed_by,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

func (h *AdminHandler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := h.identityID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if _, err := h.identities.Get(ctx, id); err != nil {
		shared.WriteError(w, err)
		return
	}
	entries, err := h.recorder.Query(ctx, id)
	if err != nil {
		shared.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "load audit trail"))
		return
	}
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			ID:          e.ID.String(),
			Action:      string(e.Action),
			Result:      string(e.Result),
			Details:     e.Details,
			PerformedBy: e.PerformedBy,
			OccurredAt:  e.OccurredAt,
		})
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"entries": out})
}

type decisionRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

func (h *AdminHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := h.identityID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	staffID := requestcontext.StaffID(ctx)
	if err := h.identities.ManualApprove(ctx, id, staffID, req.Notes); err != nil {
		h.logger.WarnContext(ctx, "manual approval refused",
			"request_id", middleware.GetRequestID(ctx),
			"identity_id", id,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}
	identity, err := h.identities.Get(ctx, id)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, reviewPayload(identity))
}

func (h *AdminHandler) handleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := h.identityID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	staffID := requestcontext.StaffID(ctx)
	if err := h.identities.ManualReject(ctx, id, staffID, req.Reason); err != nil {
		h.logger.WarnContext(ctx, "manual rejection refused",
			"request_id", middleware.GetRequestID(ctx),
			"identity_id", id,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}
	identity, err := h.identities.Get(ctx, id)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, reviewPayload(identity))
}

type resolveAppealRequest struct {
	Outcome string `json:"outcome"`
	Notes   string `json:"notes"`
}

func (h *AdminHandler) handleResolveAppeal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appealID, err := domain.ParseAppealID(chi.URLParam(r, "appealID"))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid appeal id"))
		return
	}
	var req resolveAppealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	staffID := requestcontext.StaffID(ctx)
	appeal, err := h.appeals.Resolve(ctx, appealID, staffID, appealservice.Outcome(req.Outcome), req.Notes)
	if err != nil {
		h.logger.WarnContext(ctx, "appeal resolution refused",
			"request_id", middleware.GetRequestID(ctx),
			"appeal_id", appealID,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, appealPayload(appeal))
}

// Package httptransport exposes the verification workflow over HTTP: a
// student-facing surface for uploads, status, and appeals, and a staff
// surface for decisions and the audit trail.
package httptransport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	appealmodels "matricula/internal/appeal/models"
	appealservice "matricula/internal/appeal/service"
	identitymodels "matricula/internal/identity/models"
	identityservice "matricula/internal/identity/service"
	"matricula/internal/ingest"
	"matricula/internal/platform/middleware"
	"matricula/internal/transport/http/shared"
	"matricula/pkg/domain"
	dErrors "matricula/pkg/domain-errors"
	"matricula/pkg/requestcontext"
)

// VerificationHandler serves the student-facing endpoints.
type VerificationHandler struct {
	logger     *slog.Logger
	identities *identityservice.Service
	appeals    *appealservice.Service
	validator  middleware.TokenValidator
	maxBytes   int64
}

func NewVerificationHandler(
	identities *identityservice.Service,
	appeals *appealservice.Service,
	validator middleware.TokenValidator,
	logger *slog.Logger,
	maxBytes int64,
) *VerificationHandler {
	if maxBytes <= 0 {
		maxBytes = ingest.DefaultMaxBytes
	}
	return &VerificationHandler{
		logger:     logger,
		identities: identities,
		appeals:    appeals,
		validator:  validator,
		maxBytes:   maxBytes,
	}
}

// Register attaches the student routes.
func (h *VerificationHandler) Register(r chi.Router) {
	r.Group(func(vr chi.Router) {
		vr.Use(middleware.Recovery(h.logger))
		vr.Use(middleware.RequestID)
		vr.Use(middleware.Logger(h.logger))
		vr.Use(middleware.Timeout(30 * time.Second))
		vr.Use(middleware.RequireAuth(h.validator, h.logger))

		vr.Post("/verification/profile", h.handleCreateProfile)
		vr.Post("/verification/submit", h.handleSubmitDocument)
		vr.Get("/verification/status", h.handleStatus)
		vr.Post("/verification/appeal", h.handleOpenAppeal)
		vr.Post("/verification/appeal/{appealID}/withdraw", h.handleWithdrawAppeal)
	})
}

type createProfileRequest struct {
	FullName      string `json:"full_name"`
	InstitutionID string `json:"institution_id"`
	ExternalID    string `json:"external_id"`
}

func (h *VerificationHandler) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := requestcontext.OwnerID(ctx)

	var req createProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	identity, err := h.identities.Register(ctx, ownerID, req.FullName, req.InstitutionID, req.ExternalID)
	if err != nil {
		h.logger.WarnContext(ctx, "profile creation refused",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusCreated, h.statusPayload(ctx, identity, nil))
}

// handleSubmitDocument accepts a multipart upload and returns 202: the
// document is stored and queued, not yet reviewed. Claimed fields in the same
// form register the profile when the owner has none yet.
func (h *VerificationHandler) handleSubmitDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := requestcontext.OwnerID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+4096)
	file, header, err := r.FormFile("document")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			shared.WriteError(w, dErrors.New(dErrors.CodePayloadTooLarge, "document exceeds the size limit"))
			return
		}
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "multipart field 'document' is required"))
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			shared.WriteError(w, dErrors.New(dErrors.CodePayloadTooLarge, "document exceeds the size limit"))
			return
		}
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "could not read document"))
		return
	}

	identity, err := h.identities.GetByOwner(ctx, ownerID)
	if err != nil {
		if dErrors.CodeOf(err) != dErrors.CodeNotFound || r.FormValue("full_name") == "" {
			shared.WriteError(w, err)
			return
		}
		identity, err = h.identities.Register(ctx, ownerID,
			r.FormValue("full_name"), r.FormValue("institution_id"), r.FormValue("external_id"))
		if err != nil {
			shared.WriteError(w, err)
			return
		}
	}

	updated, err := h.identities.SubmitDocument(ctx, identity.ID, raw, header.Header.Get("Content-Type"))
	if err != nil {
		h.logger.WarnContext(ctx, "document submission refused",
			"request_id", middleware.GetRequestID(ctx),
			"identity_id", identity.ID,
			"error", err.Error(),
		)
		// The upload contract reports a wrong-state attempt as the caller's
		// error, not a conflict.
		if dErrors.Is(err, dErrors.CodeInvalidState) {
			shared.WriteErrorStatus(w, http.StatusBadRequest, err)
			return
		}
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusAccepted, h.statusPayload(ctx, updated, nil))
}

// handleStatus reports the live verification state. The expiration check runs
// lazily here, so a lapsed verification reads as expired the moment anyone
// asks.
func (h *VerificationHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := requestcontext.OwnerID(ctx)

	identity, err := h.identities.GetByOwner(ctx, ownerID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	identity, err = h.identities.CheckExpiration(ctx, identity.ID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	openAppeal, err := h.appeals.OpenForIdentity(ctx, identity.ID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, h.statusPayload(ctx, identity, openAppeal))
}

type openAppealRequest struct {
	Reason string `json:"reason"`
	// Evidence is an optional base64-encoded supporting document.
	Evidence string `json:"evidence,omitempty"`
}

func (h *VerificationHandler) handleOpenAppeal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := requestcontext.OwnerID(ctx)

	var req openAppealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	var evidence []byte
	if req.Evidence != "" {
		var err error
		evidence, err = base64.StdEncoding.DecodeString(req.Evidence)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "evidence must be base64-encoded"))
			return
		}
	}

	appeal, err := h.appeals.Open(ctx, ownerID, req.Reason, evidence)
	if err != nil {
		h.logger.WarnContext(ctx, "appeal refused",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusAccepted, appealPayload(appeal))
}

func (h *VerificationHandler) handleWithdrawAppeal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := requestcontext.OwnerID(ctx)

	appealID, err := domain.ParseAppealID(chi.URLParam(r, "appealID"))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid appeal id"))
		return
	}

	appeal, err := h.appeals.Withdraw(ctx, appealID, ownerID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, appealPayload(appeal))
}

type statusResponse struct {
	ID                    string         `json:"identity_id"`
	Status                string         `json:"status"`
	StatusDisplay         string         `json:"status_display"`
	ProgressPercent       int            `json:"progress_percent"`
	CanUpload             bool           `json:"can_upload"`
	IsVerified            bool           `json:"is_verified"`
	NeedsManualReview     bool           `json:"needs_manual_review"`
	RejectionReason       string         `json:"rejection_reason,omitempty"`
	VerifiedAt            *time.Time     `json:"verified_at,omitempty"`
	VerificationExpiresAt *time.Time     `json:"verification_expires_at,omitempty"`
	DocumentExpiresAt     *time.Time     `json:"document_expires_at,omitempty"`
	OpenAppeal            *appealDetails `json:"open_appeal,omitempty"`
}

type appealDetails struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (h *VerificationHandler) statusPayload(ctx context.Context, identity *identitymodels.Identity, openAppeal *appealmodels.Appeal) statusResponse {
	now := requestcontext.Now(ctx)
	resp := statusResponse{
		ID:                    identity.ID.String(),
		Status:                string(identity.Status),
		StatusDisplay:         identity.Status.Display(),
		ProgressPercent:       identity.Status.ProgressPercent(),
		CanUpload:             identity.CanUpload(),
		IsVerified:            identity.IsVerified(now),
		NeedsManualReview:     identity.NeedsManualReview(),
		VerifiedAt:            identity.VerifiedAt,
		VerificationExpiresAt: identity.VerificationExpiresAt,
		DocumentExpiresAt:     identity.DocumentExpiresAt,
	}
	if identity.Status == identitymodels.StatusRejected {
		resp.RejectionReason = identity.StatusReason
	}
	if openAppeal != nil {
		details := appealPayload(openAppeal)
		resp.OpenAppeal = &details
	}
	return resp
}

func appealPayload(appeal *appealmodels.Appeal) appealDetails {
	return appealDetails{
		ID:         appeal.ID.String(),
		Status:     string(appeal.Status),
		Reason:     appeal.Reason,
		CreatedAt:  appeal.CreatedAt,
		ResolvedAt: appeal.ResolvedAt,
	}
}

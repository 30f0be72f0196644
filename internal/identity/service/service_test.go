package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"matricula/internal/audit"
	auditstore "matricula/internal/audit/store"
	"matricula/internal/blob"
	"matricula/internal/identity/models"
	identitystore "matricula/internal/identity/store"
	"matricula/internal/ingest"
	"matricula/internal/match"
	"matricula/internal/platform/config"
	"matricula/pkg/domain"
	dErrors "matricula/pkg/domain-errors"
	"matricula/pkg/platform/sentinel"
	"matricula/pkg/requestcontext"
)

type fakeEnqueuer struct {
	enqueued []domain.IdentityID
}

func (f *fakeEnqueuer) EnqueueMatch(_ context.Context, id domain.IdentityID) error {
	f.enqueued = append(f.enqueued, id)
	return nil
}

// conflictStore makes the next Update lose the optimistic concurrency race.
type conflictStore struct {
	identitystore.Store
	conflictNext bool
}

func (c *conflictStore) Update(ctx context.Context, identity *models.Identity) error {
	if c.conflictNext {
		c.conflictNext = false
		return sentinel.ErrConflict
	}
	return c.Store.Update(ctx, identity)
}

type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	store    *conflictStore
	blobs    *blob.InMemory
	audits   *auditstore.InMemory
	enqueuer *fakeEnqueuer
	cfg      config.Verification
	svc      *Service
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.store = &conflictStore{Store: identitystore.NewInMemory()}
	s.blobs = blob.NewInMemory()
	s.audits = auditstore.NewInMemory()
	s.enqueuer = &fakeEnqueuer{}
	s.cfg = config.Verification{
		AutoApproveThreshold: 0.8,
		ValidityPeriod:       365 * 24 * time.Hour,
	}

	var err error
	s.svc, err = New(
		s.store,
		s.blobs,
		ingest.New(ingest.DefaultMaxBytes),
		audit.NewRecorder(s.audits),
		s.cfg,
		WithEnqueuer(s.enqueuer),
	)
	s.Require().NoError(err)
}

func (s *ServiceSuite) at(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func (s *ServiceSuite) register(owner string) *models.Identity {
	identity, err := s.svc.Register(s.ctx, owner, "Ada Lovelace", "inst-42", "S-1815")
	s.Require().NoError(err)
	return identity
}

func (s *ServiceSuite) pngDocument() []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 16), G: uint8(y * 16), A: 255})
		}
	}
	var buf bytes.Buffer
	s.Require().NoError(png.Encode(&buf, img))
	return buf.Bytes()
}

func (s *ServiceSuite) submit(id domain.IdentityID) *models.Identity {
	identity, err := s.svc.SubmitDocument(s.ctx, id, s.pngDocument(), "image/png")
	s.Require().NoError(err)
	return identity
}

func (s *ServiceSuite) entries(id domain.IdentityID) []audit.Entry {
	entries, err := s.audits.ListByIdentity(s.ctx, id)
	s.Require().NoError(err)
	return entries
}

func (s *ServiceSuite) TestRegister() {
	s.Run("creates pending identity with no document", func() {
		identity := s.register("owner-reg-1")
		s.Equal(models.StatusPending, identity.Status)
		s.Empty(identity.DocumentKey)
		s.Nil(identity.ConfidenceScore)
		s.True(identity.CanUpload())
	})

	s.Run("rejects second identity for same owner", func() {
		s.register("owner-reg-2")
		_, err := s.svc.Register(s.ctx, "owner-reg-2", "Ada Lovelace", "inst-42", "")
		s.True(dErrors.Is(err, dErrors.CodeInvalidState))
	})

	s.Run("requires claimed name", func() {
		_, err := s.svc.Register(s.ctx, "owner-reg-3", "   ", "inst-42", "")
		s.True(dErrors.Is(err, dErrors.CodeBadRequest))
	})
}

func (s *ServiceSuite) TestSubmitDocument() {
	s.Run("stores document and moves to uploaded", func() {
		identity := s.register("owner-sub-1")
		updated := s.submit(identity.ID)

		s.Equal(models.StatusUploaded, updated.Status)
		s.NotEmpty(updated.DocumentKey)
		s.NotEmpty(updated.DocumentHash)

		stored, _, err := s.blobs.Get(s.ctx, updated.DocumentKey)
		s.Require().NoError(err)
		s.NotEmpty(stored)

		s.Equal([]domain.IdentityID{identity.ID}, s.enqueuer.enqueued)

		entries := s.entries(identity.ID)
		s.Require().Len(entries, 1)
		s.Equal(audit.ActionUpload, entries[0].Action)
		s.Equal(audit.ResultSuccess, entries[0].Result)
		s.Equal(updated.DocumentHash, entries[0].Details["hash"])
	})

	s.Run("rejects upload while processing and audits the attempt", func() {
		identity := s.register("owner-sub-2")
		s.submit(identity.ID)
		s.Require().NoError(s.svc.BeginAutomatedReview(s.ctx, identity.ID))

		_, err := s.svc.SubmitDocument(s.ctx, identity.ID, s.pngDocument(), "image/png")
		s.True(dErrors.Is(err, dErrors.CodeInvalidState))

		entries := s.entries(identity.ID)
		s.Equal(audit.ActionUpload, entries[0].Action)
		s.Equal(audit.ResultError, entries[0].Result)
	})

	s.Run("rejects unsupported format and audits the attempt", func() {
		identity := s.register("owner-sub-3")
		_, err := s.svc.SubmitDocument(s.ctx, identity.ID, []byte("GIF89a..."), "image/gif")
		s.True(dErrors.Is(err, dErrors.CodeUnsupportedFormat))

		fresh, getErr := s.svc.Get(s.ctx, identity.ID)
		s.Require().NoError(getErr)
		s.Equal(models.StatusPending, fresh.Status)

		entries := s.entries(identity.ID)
		s.Require().Len(entries, 1)
		s.Equal(audit.ResultError, entries[0].Result)
		s.Equal(string(dErrors.CodeUnsupportedFormat), entries[0].Details["code"])
	})

	s.Run("resubmission clears stale score and reason", func() {
		identity := s.register("owner-sub-4")
		s.submit(identity.ID)
		s.Require().NoError(s.svc.BeginAutomatedReview(s.ctx, identity.ID))
		s.Require().NoError(s.svc.ApplyMatchResult(s.ctx, identity.ID,
			match.Result{Confidence: 0.42, MismatchedFields: []string{"name"}}, nil))
		s.Require().NoError(s.svc.ManualReject(s.ctx, identity.ID, "staff-1", "name mismatch"))

		resubmitted := s.submit(identity.ID)
		s.Equal(models.StatusUploaded, resubmitted.Status)
		s.Nil(resubmitted.ConfidenceScore)
		s.Empty(resubmitted.StatusReason)
	})
}

func (s *ServiceSuite) TestBeginAutomatedReview() {
	s.Run("moves uploaded to processing", func() {
		identity := s.register("owner-rev-1")
		s.submit(identity.ID)

		s.Require().NoError(s.svc.BeginAutomatedReview(s.ctx, identity.ID))
		fresh, err := s.svc.Get(s.ctx, identity.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusProcessing, fresh.Status)
		s.False(fresh.NeedsManualReview())
	})

	s.Run("is idempotent on redelivery", func() {
		identity := s.register("owner-rev-2")
		s.submit(identity.ID)
		s.Require().NoError(s.svc.BeginAutomatedReview(s.ctx, identity.ID))
		before := len(s.entries(identity.ID))

		s.Require().NoError(s.svc.BeginAutomatedReview(s.ctx, identity.ID))
		s.Len(s.entries(identity.ID), before)
	})

	s.Run("refuses from pending", func() {
		identity := s.register("owner-rev-3")
		err := s.svc.BeginAutomatedReview(s.ctx, identity.ID)
		s.True(dErrors.Is(err, dErrors.CodeInvalidState))
	})
}

func (s *ServiceSuite) TestApplyMatchResult() {
	prepare := func(owner string) domain.IdentityID {
		identity := s.register(owner)
		s.submit(identity.ID)
		s.Require().NoError(s.svc.BeginAutomatedReview(s.ctx, identity.ID))
		return identity.ID
	}

	s.Run("confidence exactly at threshold auto-approves", func() {
		id := prepare("owner-mat-1")
		s.Require().NoError(s.svc.ApplyMatchResult(s.ctx, id, match.Result{
			Confidence:    0.8,
			MatchedFields: []string{"name", "external_id"},
		}, nil))

		fresh, err := s.svc.Get(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(models.StatusVerified, fresh.Status)
		s.Empty(fresh.VerifiedBy)
		s.Require().NotNil(fresh.VerifiedAt)
		s.Equal(s.now, *fresh.VerifiedAt)
		s.Require().NotNil(fresh.VerificationExpiresAt)
		s.Equal(s.now.Add(s.cfg.ValidityPeriod), *fresh.VerificationExpiresAt)

		entries := s.entries(id)
		s.Equal(audit.ActionAutoVerify, entries[0].Action)
		s.Equal(audit.ResultApproved, entries[0].Result)
		s.Equal("0.8000", entries[0].Details["confidence"])
	})

	s.Run("confidence just below threshold parks for manual review", func() {
		id := prepare("owner-mat-2")
		s.Require().NoError(s.svc.ApplyMatchResult(s.ctx, id, match.Result{
			Confidence:       0.7999,
			MatchedFields:    []string{"name"},
			MismatchedFields: []string{"external_id"},
		}, nil))

		fresh, err := s.svc.Get(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(models.StatusProcessing, fresh.Status)
		s.True(fresh.NeedsManualReview())
		s.Require().NotNil(fresh.ConfidenceScore)
		s.InDelta(0.7999, *fresh.ConfidenceScore, 1e-9)

		entries := s.entries(id)
		s.Equal(audit.ResultPending, entries[0].Result)
	})

	s.Run("records document expiry from the extracted card", func() {
		id := prepare("owner-mat-3")
		docExpiry := s.now.AddDate(0, 6, 0)
		s.Require().NoError(s.svc.ApplyMatchResult(s.ctx, id,
			match.Result{Confidence: 0.95}, &docExpiry))

		fresh, err := s.svc.Get(s.ctx, id)
		s.Require().NoError(err)
		s.Require().NotNil(fresh.DocumentExpiresAt)
		s.Equal(docExpiry, *fresh.DocumentExpiresAt)
	})

	s.Run("refuses outside processing", func() {
		identity := s.register("owner-mat-4")
		err := s.svc.ApplyMatchResult(s.ctx, identity.ID, match.Result{Confidence: 1}, nil)
		s.True(dErrors.Is(err, dErrors.CodeInvalidState))
	})
}

func (s *ServiceSuite) TestManualDecisions() {
	s.Run("approve from uploaded records reviewer", func() {
		identity := s.register("owner-man-1")
		s.submit(identity.ID)

		s.Require().NoError(s.svc.ManualApprove(s.ctx, identity.ID, "staff-7", "card checked by hand"))
		fresh, err := s.svc.Get(s.ctx, identity.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusVerified, fresh.Status)
		s.Equal("staff-7", fresh.VerifiedBy)

		entries := s.entries(identity.ID)
		s.Equal(audit.ActionManualApprove, entries[0].Action)
		s.Equal("staff-7", entries[0].PerformedBy)
		s.Equal("card checked by hand", entries[0].Details["notes"])
	})

	s.Run("reject requires a reason and stores it", func() {
		identity := s.register("owner-man-2")
		s.submit(identity.ID)

		err := s.svc.ManualReject(s.ctx, identity.ID, "staff-7", "  ")
		s.True(dErrors.Is(err, dErrors.CodeBadRequest))

		s.Require().NoError(s.svc.ManualReject(s.ctx, identity.ID, "staff-7", "photo unreadable"))
		fresh, getErr := s.svc.Get(s.ctx, identity.ID)
		s.Require().NoError(getErr)
		s.Equal(models.StatusRejected, fresh.Status)
		s.Equal("photo unreadable", fresh.StatusReason)
	})

	s.Run("decisions refuse terminal states and audit the attempt", func() {
		identity := s.register("owner-man-3")
		s.submit(identity.ID)
		s.Require().NoError(s.svc.ManualApprove(s.ctx, identity.ID, "staff-7", ""))

		err := s.svc.ManualReject(s.ctx, identity.ID, "staff-8", "too late")
		s.True(dErrors.Is(err, dErrors.CodeInvalidState))

		entries := s.entries(identity.ID)
		s.Equal(audit.ActionManualReject, entries[0].Action)
		s.Equal(audit.ResultError, entries[0].Result)
		s.Equal("staff-8", entries[0].PerformedBy)
	})
}

func (s *ServiceSuite) TestCheckExpiration() {
	verify := func(owner string) domain.IdentityID {
		identity := s.register(owner)
		s.submit(identity.ID)
		s.Require().NoError(s.svc.ManualApprove(s.ctx, identity.ID, "staff-7", ""))
		return identity.ID
	}

	s.Run("expires a lapsed verification exactly once", func() {
		id := verify("owner-exp-1")
		later := s.at(s.now.Add(s.cfg.ValidityPeriod).Add(time.Hour))

		fresh, err := s.svc.CheckExpiration(later, id)
		s.Require().NoError(err)
		s.Equal(models.StatusExpired, fresh.Status)

		before := len(s.entries(id))
		again, err := s.svc.CheckExpiration(later, id)
		s.Require().NoError(err)
		s.Equal(models.StatusExpired, again.Status)
		s.Len(s.entries(id), before)
	})

	s.Run("leaves a live verification untouched", func() {
		id := verify("owner-exp-2")
		fresh, err := s.svc.CheckExpiration(s.at(s.now.Add(time.Hour)), id)
		s.Require().NoError(err)
		s.Equal(models.StatusVerified, fresh.Status)
	})

	s.Run("expires when the document itself lapses first", func() {
		identity := s.register("owner-exp-3")
		s.submit(identity.ID)
		s.Require().NoError(s.svc.BeginAutomatedReview(s.ctx, identity.ID))
		docExpiry := s.now.AddDate(0, 1, 0)
		s.Require().NoError(s.svc.ApplyMatchResult(s.ctx, identity.ID,
			match.Result{Confidence: 0.9}, &docExpiry))

		fresh, err := s.svc.CheckExpiration(s.at(docExpiry.Add(time.Hour)), identity.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusExpired, fresh.Status)
	})

	s.Run("ignores non-verified identities", func() {
		identity := s.register("owner-exp-4")
		fresh, err := s.svc.CheckExpiration(s.at(s.now.AddDate(10, 0, 0)), identity.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusPending, fresh.Status)
	})
}

func (s *ServiceSuite) TestSweepExpired() {
	lapsed := s.register("owner-swp-1")
	s.submit(lapsed.ID)
	s.Require().NoError(s.svc.ManualApprove(s.ctx, lapsed.ID, "staff-7", ""))

	live := s.register("owner-swp-2")
	s.submit(live.ID)
	laterCtx := s.at(s.now.Add(time.Hour))
	s.Require().NoError(s.svc.ManualApprove(laterCtx, live.ID, "staff-7", ""))

	sweepCtx := s.at(s.now.Add(s.cfg.ValidityPeriod).Add(30 * time.Minute))
	expired, err := s.svc.SweepExpired(sweepCtx, 100)
	s.Require().NoError(err)
	s.Equal(1, expired)

	freshLapsed, err := s.svc.Get(s.ctx, lapsed.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusExpired, freshLapsed.Status)

	freshLive, err := s.svc.Get(s.ctx, live.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusVerified, freshLive.Status)
}

func (s *ServiceSuite) TestConcurrentModification() {
	identity := s.register("owner-con-1")
	s.submit(identity.ID)

	s.store.conflictNext = true
	err := s.svc.ManualApprove(s.ctx, identity.ID, "staff-7", "")
	s.True(dErrors.Is(err, dErrors.CodeConcurrentModification))

	entries := s.entries(identity.ID)
	s.Equal(audit.ActionManualApprove, entries[0].Action)
	s.Equal(audit.ResultError, entries[0].Result)

	// The loser retries against fresh state and succeeds.
	s.Require().NoError(s.svc.ManualApprove(s.ctx, identity.ID, "staff-7", ""))
	fresh, getErr := s.svc.Get(s.ctx, identity.ID)
	s.Require().NoError(getErr)
	s.Equal(models.StatusVerified, fresh.Status)
}

func (s *ServiceSuite) TestTransactor() {
	s.Run("update and audit entry run inside the unit of work", func() {
		identity := s.register("owner-txn-1")
		var entryCounts []int
		svc, err := New(s.store, s.blobs, ingest.New(ingest.DefaultMaxBytes),
			audit.NewRecorder(s.audits), s.cfg,
			WithTransactor(func(ctx context.Context, fn func(ctx context.Context) error) error {
				entryCounts = append(entryCounts, len(s.entries(identity.ID)))
				err := fn(ctx)
				entryCounts = append(entryCounts, len(s.entries(identity.ID)))
				return err
			}),
		)
		s.Require().NoError(err)

		_, err = svc.SubmitDocument(s.ctx, identity.ID, s.pngDocument(), "image/png")
		s.Require().NoError(err)
		// The audit write lands between entering and leaving the boundary.
		s.Equal([]int{0, 1}, entryCounts)
	})

	s.Run("a failed unit of work surfaces as internal", func() {
		identity := s.register("owner-txn-2")
		svc, err := New(s.store, s.blobs, ingest.New(ingest.DefaultMaxBytes),
			audit.NewRecorder(s.audits), s.cfg,
			WithTransactor(func(context.Context, func(ctx context.Context) error) error {
				return errors.New("connection reset")
			}),
		)
		s.Require().NoError(err)

		_, err = svc.SubmitDocument(s.ctx, identity.ID, s.pngDocument(), "image/png")
		s.True(dErrors.Is(err, dErrors.CodeInternal))
	})
}

func (s *ServiceSuite) TestFullLifecycleScenario() {
	// Upload, low-confidence match, manual rejection, resubmission, manual
	// approval, then expiry: the documented end-to-end path.
	identity := s.register("owner-life-1")
	s.submit(identity.ID)
	s.Require().NoError(s.svc.BeginAutomatedReview(s.ctx, identity.ID))
	s.Require().NoError(s.svc.ApplyMatchResult(s.ctx, identity.ID,
		match.Result{Confidence: 0.3, MismatchedFields: []string{"name", "external_id"}}, nil))
	s.Require().NoError(s.svc.ManualReject(s.ctx, identity.ID, "staff-1", "name does not match card"))

	resubmitCtx := s.at(s.now.Add(24 * time.Hour))
	_, err := s.svc.SubmitDocument(resubmitCtx, identity.ID, s.pngDocument(), "image/png")
	s.Require().NoError(err)
	s.Require().NoError(s.svc.BeginAutomatedReview(resubmitCtx, identity.ID))
	s.Require().NoError(s.svc.ApplyMatchResult(resubmitCtx, identity.ID,
		match.Result{Confidence: 0.75, MatchedFields: []string{"name"}}, nil))
	s.Require().NoError(s.svc.ManualApprove(resubmitCtx, identity.ID, "staff-2", "verified against registry"))

	expiredCtx := s.at(s.now.Add(24 * time.Hour).Add(s.cfg.ValidityPeriod).Add(time.Minute))
	fresh, err := s.svc.CheckExpiration(expiredCtx, identity.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusExpired, fresh.Status)
	s.True(fresh.CanUpload())

	entries := s.entries(identity.ID)
	actions := make([]audit.Action, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	// Newest first.
	s.Equal([]audit.Action{
		audit.ActionExpire,
		audit.ActionManualApprove,
		audit.ActionAutoVerify,
		audit.ActionBeginReview,
		audit.ActionUpload,
		audit.ActionManualReject,
		audit.ActionAutoVerify,
		audit.ActionBeginReview,
		audit.ActionUpload,
	}, actions)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

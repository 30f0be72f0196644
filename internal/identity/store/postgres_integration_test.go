//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"matricula/internal/audit"
	auditstore "matricula/internal/audit/store"
	"matricula/internal/identity/models"
	"matricula/internal/identity/store"
	"matricula/pkg/domain"
	"matricula/pkg/platform/sentinel"
	"matricula/pkg/platform/tx"
	"matricula/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "identities", "audit_entries")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) newIdentity(owner string) *models.Identity {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return models.New(owner, "Ada Lovelace", "inst-1", "S-1815", now)
}

func (s *PostgresStoreSuite) TestRoundTripPreservesNullableFields() {
	ctx := context.Background()

	identity := s.newIdentity("owner-1")
	s.Require().NoError(s.store.Create(ctx, identity))
	s.Equal(int64(1), identity.Version)

	got, err := s.store.Get(ctx, identity.ID)
	s.Require().NoError(err)
	s.Equal(identity.OwnerID, got.OwnerID)
	s.Equal(models.StatusPending, got.Status)
	s.Nil(got.ConfidenceScore)
	s.Nil(got.VerifiedAt)
	s.Nil(got.DocumentExpiresAt)
	s.Nil(got.VerificationExpiresAt)

	score := 0.85
	verifiedAt := time.Now().UTC().Truncate(time.Microsecond)
	expiresAt := verifiedAt.AddDate(1, 0, 0)
	got.Status = models.StatusUploaded
	got.ConfidenceScore = &score
	got.VerifiedAt = &verifiedAt
	got.VerificationExpiresAt = &expiresAt
	got.UpdatedAt = verifiedAt
	s.Require().NoError(s.store.Update(ctx, got))

	reloaded, err := s.store.Get(ctx, identity.ID)
	s.Require().NoError(err)
	s.Require().NotNil(reloaded.ConfidenceScore)
	s.InDelta(score, *reloaded.ConfidenceScore, 1e-9)
	s.Require().NotNil(reloaded.VerifiedAt)
	s.True(verifiedAt.Equal(*reloaded.VerifiedAt))
	s.Require().NotNil(reloaded.VerificationExpiresAt)
	s.True(expiresAt.Equal(*reloaded.VerificationExpiresAt))
	s.Equal(int64(2), reloaded.Version)
}

func (s *PostgresStoreSuite) TestGetByOwner() {
	ctx := context.Background()

	identity := s.newIdentity("owner-lookup")
	s.Require().NoError(s.store.Create(ctx, identity))

	got, err := s.store.GetByOwner(ctx, "owner-lookup")
	s.Require().NoError(err)
	s.Equal(identity.ID, got.ID)

	_, err = s.store.GetByOwner(ctx, "nobody")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestDuplicateOwnerIsConflict() {
	ctx := context.Background()

	s.Require().NoError(s.store.Create(ctx, s.newIdentity("owner-dup")))
	err := s.store.Create(ctx, s.newIdentity("owner-dup"))
	s.ErrorIs(err, sentinel.ErrConflict)
}

// TestConcurrentUpdatesOneWinner verifies the version predicate arbitrates
// racing writers: of N updates loaded at the same version, exactly one lands.
func (s *PostgresStoreSuite) TestConcurrentUpdatesOneWinner() {
	ctx := context.Background()

	identity := s.newIdentity("owner-race")
	s.Require().NoError(s.store.Create(ctx, identity))

	const writers = 10
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			snapshot, err := s.store.Get(ctx, identity.ID)
			if err != nil {
				return
			}
			snapshot.Version = 1 // force all writers onto the same version
			snapshot.Status = models.StatusUploaded
			snapshot.UpdatedAt = time.Now().UTC()

			switch err := s.store.Update(ctx, snapshot); {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load(), "exactly one writer should win")
	s.Equal(int32(writers-1), conflicts.Load())

	got, err := s.store.Get(ctx, identity.ID)
	s.Require().NoError(err)
	s.Equal(int64(2), got.Version)
}

// TestTxRunScopesStateAndAuditTogether verifies an identity update and its
// audit entry share one transaction: a failure after both writes rolls both
// back, and a clean run commits both.
func (s *PostgresStoreSuite) TestTxRunScopesStateAndAuditTogether() {
	ctx := context.Background()
	audits := auditstore.NewPostgres(s.postgres.DB)

	identity := s.newIdentity("owner-uow")
	s.Require().NoError(s.store.Create(ctx, identity))

	entry := func() audit.Entry {
		return audit.Entry{
			ID:         domain.NewAuditEntryID(),
			IdentityID: identity.ID,
			Action:     audit.ActionUpload,
			Result:     audit.ResultSuccess,
			OccurredAt: time.Now().UTC().Truncate(time.Microsecond),
		}
	}

	boom := errors.New("crash after the writes")
	err := tx.Run(ctx, s.postgres.DB, func(ctx context.Context) error {
		identity.Status = models.StatusUploaded
		identity.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, identity); err != nil {
			return err
		}
		if err := audits.Append(ctx, entry()); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	got, err := s.store.Get(ctx, identity.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, got.Status, "update must roll back with the tx")
	entries, err := audits.ListByIdentity(ctx, identity.ID)
	s.Require().NoError(err)
	s.Empty(entries, "audit entry must roll back with the tx")

	err = tx.Run(ctx, s.postgres.DB, func(ctx context.Context) error {
		got.Status = models.StatusUploaded
		got.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, got); err != nil {
			return err
		}
		return audits.Append(ctx, entry())
	})
	s.Require().NoError(err)

	fresh, err := s.store.Get(ctx, identity.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusUploaded, fresh.Status)
	entries, err = audits.ListByIdentity(ctx, identity.ID)
	s.Require().NoError(err)
	s.Len(entries, 1)
}

func (s *PostgresStoreSuite) TestUpdateUnknownIdentity() {
	ctx := context.Background()

	ghost := s.newIdentity("owner-ghost")
	ghost.Version = 1
	err := s.store.Update(ctx, ghost)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestListVerifiedExpiredBefore() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	makeVerified := func(owner string, expiresAt time.Time) *models.Identity {
		identity := s.newIdentity(owner)
		verifiedAt := expiresAt.AddDate(-1, 0, 0)
		identity.Status = models.StatusVerified
		identity.VerifiedAt = &verifiedAt
		identity.VerificationExpiresAt = &expiresAt
		s.Require().NoError(s.store.Create(ctx, identity))
		return identity
	}

	lapsedOld := makeVerified("owner-lapsed-old", now.Add(-48*time.Hour))
	lapsedNew := makeVerified("owner-lapsed-new", now.Add(-1*time.Hour))
	makeVerified("owner-live", now.Add(24*time.Hour))

	// Non-verified rows are never swept, whatever their dates say.
	rejected := s.newIdentity("owner-rejected")
	rejected.Status = models.StatusRejected
	past := now.Add(-72 * time.Hour)
	rejected.VerificationExpiresAt = &past
	s.Require().NoError(s.store.Create(ctx, rejected))

	expired, err := s.store.ListVerifiedExpiredBefore(ctx, now, 10)
	s.Require().NoError(err)
	s.Require().Len(expired, 2)
	s.Equal(lapsedOld.ID, expired[0].ID, "oldest expiry first")
	s.Equal(lapsedNew.ID, expired[1].ID)

	limited, err := s.store.ListVerifiedExpiredBefore(ctx, now, 1)
	s.Require().NoError(err)
	s.Require().Len(limited, 1)
	s.Equal(lapsedOld.ID, limited[0].ID)
}

//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"matricula/internal/audit"
	"matricula/internal/audit/store"
	"matricula/pkg/domain"
	"matricula/pkg/testutil/containers"
)

type PostgresAuditSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
}

func TestPostgresAuditSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresAuditSuite))
}

func (s *PostgresAuditSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresAuditSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "audit_entries")
	s.Require().NoError(err)
}

func newEntry(identityID domain.IdentityID, action audit.Action, result audit.Result, at time.Time) audit.Entry {
	return audit.Entry{
		ID:         domain.NewAuditEntryID(),
		IdentityID: identityID,
		Action:     action,
		Result:     result,
		OccurredAt: at,
	}
}

func (s *PostgresAuditSuite) TestAppendAndListNewestFirst() {
	ctx := context.Background()
	identityID := domain.NewIdentityID()
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)

	actions := []audit.Action{audit.ActionUpload, audit.ActionBeginReview, audit.ActionAutoVerify}
	for i, action := range actions {
		entry := newEntry(identityID, action, audit.ResultSuccess, base.Add(time.Duration(i)*time.Minute))
		s.Require().NoError(s.store.Append(ctx, entry))
	}

	entries, err := s.store.ListByIdentity(ctx, identityID)
	s.Require().NoError(err)
	s.Require().Len(entries, 3)
	s.Equal(audit.ActionAutoVerify, entries[0].Action)
	s.Equal(audit.ActionBeginReview, entries[1].Action)
	s.Equal(audit.ActionUpload, entries[2].Action)
}

func (s *PostgresAuditSuite) TestDetailsRoundTrip() {
	ctx := context.Background()
	identityID := domain.NewIdentityID()

	entry := newEntry(identityID, audit.ActionUpload, audit.ResultError, time.Now().UTC().Truncate(time.Microsecond))
	entry.Details = map[string]string{
		"error": "document ingestion failed",
		"code":  "unsupported_format",
	}
	entry.PerformedBy = "student-7"
	s.Require().NoError(s.store.Append(ctx, entry))

	entries, err := s.store.ListByIdentity(ctx, identityID)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(entry.Details, entries[0].Details)
	s.Equal("student-7", entries[0].PerformedBy)
	s.Equal(audit.ResultError, entries[0].Result)
}

func (s *PostgresAuditSuite) TestNilDetailsStaysNil() {
	ctx := context.Background()
	identityID := domain.NewIdentityID()

	entry := newEntry(identityID, audit.ActionExpire, audit.ResultSuccess, time.Now().UTC().Truncate(time.Microsecond))
	s.Require().NoError(s.store.Append(ctx, entry))

	entries, err := s.store.ListByIdentity(ctx, identityID)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Nil(entries[0].Details)
}

func (s *PostgresAuditSuite) TestListIsolatesIdentities() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	first := domain.NewIdentityID()
	second := domain.NewIdentityID()

	s.Require().NoError(s.store.Append(ctx, newEntry(first, audit.ActionUpload, audit.ResultSuccess, now)))
	s.Require().NoError(s.store.Append(ctx, newEntry(second, audit.ActionUpload, audit.ResultSuccess, now)))

	entries, err := s.store.ListByIdentity(ctx, first)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(first, entries[0].IdentityID)

	entries, err = s.store.ListByIdentity(ctx, domain.NewIdentityID())
	s.Require().NoError(err)
	s.Empty(entries)
}

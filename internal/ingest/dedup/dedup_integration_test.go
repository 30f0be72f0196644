//go:build integration

package dedup_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"matricula/internal/ingest/dedup"
	"matricula/pkg/testutil/containers"
)

type DedupSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	index *dedup.Index
}

func TestDedupSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(DedupSuite))
}

func (s *DedupSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.index = dedup.New(s.redis.Client, time.Hour, logger)
}

func (s *DedupSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *DedupSuite) TestFirstClaimWins() {
	ctx := context.Background()

	duplicateOf, err := s.index.Claim(ctx, "hash-a", "identity-1")
	s.Require().NoError(err)
	s.Empty(duplicateOf, "first claim is not a duplicate")

	duplicateOf, err = s.index.Claim(ctx, "hash-a", "identity-2")
	s.Require().NoError(err)
	s.Equal("identity-1", duplicateOf, "second claimant sees the first holder")
}

func (s *DedupSuite) TestResubmissionBySameIdentityIsNotADuplicate() {
	ctx := context.Background()

	_, err := s.index.Claim(ctx, "hash-b", "identity-1")
	s.Require().NoError(err)

	duplicateOf, err := s.index.Claim(ctx, "hash-b", "identity-1")
	s.Require().NoError(err)
	s.Empty(duplicateOf)
}

func (s *DedupSuite) TestDistinctHashesDoNotCollide() {
	ctx := context.Background()

	_, err := s.index.Claim(ctx, "hash-c", "identity-1")
	s.Require().NoError(err)

	duplicateOf, err := s.index.Claim(ctx, "hash-d", "identity-2")
	s.Require().NoError(err)
	s.Empty(duplicateOf)
}

// TestClaimExpires uses a short TTL so a forgotten claim stops counting as
// the holder.
func (s *DedupSuite) TestClaimExpires() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shortIndex := dedup.New(s.redis.Client, time.Second, logger)

	_, err := shortIndex.Claim(ctx, "hash-e", "identity-1")
	s.Require().NoError(err)

	time.Sleep(1500 * time.Millisecond)

	duplicateOf, err := shortIndex.Claim(ctx, "hash-e", "identity-2")
	s.Require().NoError(err)
	s.Empty(duplicateOf, "expired claim no longer marks duplicates")
}

// Package dedup tracks which identity first claimed a document hash. A
// duplicate upload is not an error — stolen-card fraud is a reviewer call,
// not an ingestion gate — but the claim is surfaced in the audit trail.
package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "doc:hash:"

// Index records hash claims in Redis. Best effort: when Redis is down the
// upload proceeds and the miss is logged.
type Index struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New builds an Index. TTL bounds how long a claim is remembered; zero means
// no expiry.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Index {
	return &Index{client: client, ttl: ttl, logger: logger}
}

// Claim registers hash for identityID and reports the previous holder, if
// any. The first claim wins; re-claims by the same identity are not
// duplicates (resubmission of the same card is normal).
func (i *Index) Claim(ctx context.Context, hash, identityID string) (duplicateOf string, err error) {
	key := keyPrefix + hash
	ok, err := i.client.SetNX(ctx, key, identityID, i.ttl).Result()
	if err != nil {
		i.logger.WarnContext(ctx, "dedup index unavailable, skipping hash claim",
			"error", err,
		)
		return "", nil
	}
	if ok {
		return "", nil
	}
	holder, err := i.client.Get(ctx, key).Result()
	if err != nil {
		i.logger.WarnContext(ctx, "dedup index read failed after claim miss",
			"error", err,
		)
		return "", nil
	}
	if holder == identityID {
		return "", nil
	}
	return holder, nil
}

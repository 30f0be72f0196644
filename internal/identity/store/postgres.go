package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"matricula/internal/identity/models"
	"matricula/pkg/domain"
	"matricula/pkg/platform/sentinel"
	txcontext "matricula/pkg/platform/tx"
)

// Postgres persists identities in PostgreSQL. Optimistic concurrency is a
// plain version predicate on UPDATE; a zero rows-affected result means the
// caller lost the race.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Postgres) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const identityColumns = `
	id, owner_id, claimed_full_name, claimed_institution_id, claimed_external_id,
	document_key, document_content_type, document_hash,
	status, confidence_score, status_reason,
	verified_at, verified_by, document_expires_at, verification_expires_at,
	created_at, updated_at, version`

func (s *Postgres) Create(ctx context.Context, identity *models.Identity) error {
	query := `
		INSERT INTO identities (` + identityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(identity.ID),
		identity.OwnerID,
		identity.ClaimedFullName,
		identity.ClaimedInstitutionID,
		identity.ClaimedExternalID,
		identity.DocumentKey,
		identity.DocumentContentType,
		identity.DocumentHash,
		string(identity.Status),
		nullFloat(identity.ConfidenceScore),
		identity.StatusReason,
		nullTime(identity.VerifiedAt),
		identity.VerifiedBy,
		nullTime(identity.DocumentExpiresAt),
		nullTime(identity.VerificationExpiresAt),
		identity.CreatedAt,
		identity.UpdatedAt,
		int64(1),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	identity.Version = 1
	return nil
}

func (s *Postgres) Get(ctx context.Context, id domain.IdentityID) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`
	return s.scanOne(s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(id)))
}

func (s *Postgres) GetByOwner(ctx context.Context, ownerID string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE owner_id = $1`
	return s.scanOne(s.execer(ctx).QueryRowContext(ctx, query, ownerID))
}

func (s *Postgres) Update(ctx context.Context, identity *models.Identity) error {
	query := `
		UPDATE identities SET
			document_key = $3,
			document_content_type = $4,
			document_hash = $5,
			status = $6,
			confidence_score = $7,
			status_reason = $8,
			verified_at = $9,
			verified_by = $10,
			document_expires_at = $11,
			verification_expires_at = $12,
			updated_at = $13,
			version = version + 1
		WHERE id = $1 AND version = $2
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(identity.ID),
		identity.Version,
		identity.DocumentKey,
		identity.DocumentContentType,
		identity.DocumentHash,
		string(identity.Status),
		nullFloat(identity.ConfidenceScore),
		identity.StatusReason,
		nullTime(identity.VerifiedAt),
		identity.VerifiedBy,
		nullTime(identity.DocumentExpiresAt),
		nullTime(identity.VerificationExpiresAt),
		identity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update identity rows affected: %w", err)
	}
	if affected == 0 {
		// Either the row is gone or someone else advanced the version.
		if _, getErr := s.Get(ctx, identity.ID); getErr != nil {
			return getErr
		}
		return sentinel.ErrConflict
	}
	identity.Version++
	return nil
}

func (s *Postgres) ListVerifiedExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Identity, error) {
	query := `
		SELECT ` + identityColumns + `
		FROM identities
		WHERE status = $1 AND verification_expires_at < $2
		ORDER BY verification_expires_at
		LIMIT $3
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, string(models.StatusVerified), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired identities: %w", err)
	}
	defer rows.Close()

	var out []*models.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, identity)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Postgres) scanOne(row *sql.Row) (*models.Identity, error) {
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	return identity, err
}

func scanIdentity(row rowScanner) (*models.Identity, error) {
	var (
		identity   models.Identity
		id         uuid.UUID
		status     string
		confidence sql.NullFloat64
		verifiedAt sql.NullTime
		docExpires sql.NullTime
		verExpires sql.NullTime
	)
	err := row.Scan(
		&id,
		&identity.OwnerID,
		&identity.ClaimedFullName,
		&identity.ClaimedInstitutionID,
		&identity.ClaimedExternalID,
		&identity.DocumentKey,
		&identity.DocumentContentType,
		&identity.DocumentHash,
		&status,
		&confidence,
		&identity.StatusReason,
		&verifiedAt,
		&identity.VerifiedBy,
		&docExpires,
		&verExpires,
		&identity.CreatedAt,
		&identity.UpdatedAt,
		&identity.Version,
	)
	if err != nil {
		return nil, err
	}
	identity.ID = domain.IdentityID(id)
	identity.Status = models.Status(status)
	if confidence.Valid {
		identity.ConfidenceScore = &confidence.Float64
	}
	if verifiedAt.Valid {
		identity.VerifiedAt = &verifiedAt.Time
	}
	if docExpires.Valid {
		identity.DocumentExpiresAt = &docExpires.Time
	}
	if verExpires.Valid {
		identity.VerificationExpiresAt = &verExpires.Time
	}
	return &identity, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

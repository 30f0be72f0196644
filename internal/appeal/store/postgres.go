package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"matricula/internal/appeal/models"
	identitymodels "matricula/internal/identity/models"
	"matricula/pkg/domain"
	"matricula/pkg/platform/sentinel"
	txcontext "matricula/pkg/platform/tx"
)

// Postgres persists appeals. The one-open-appeal-per-identity invariant is a
// partial unique index on (identity_id) WHERE status IN ('pending',
// 'under_review'), so concurrent opens race at the database, not in Go.
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

const appealColumns = `
	id, identity_id, owner_id, reason, evidence_key, status, prior_identity_status,
	resolved_by, resolution_notes, resolved_at,
	created_at, updated_at, version`

func (s *Postgres) Create(ctx context.Context, appeal *models.Appeal) error {
	query := `
		INSERT INTO appeals (` + appealColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(appeal.ID),
		uuid.UUID(appeal.IdentityID),
		appeal.OwnerID,
		appeal.Reason,
		appeal.EvidenceKey,
		string(appeal.Status),
		string(appeal.PriorIdentityStatus),
		appeal.ResolvedBy,
		appeal.ResolutionNotes,
		nullTime(appeal.ResolvedAt),
		appeal.CreatedAt,
		appeal.UpdatedAt,
		int64(1),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert appeal: %w", err)
	}
	appeal.Version = 1
	return nil
}

func (s *Postgres) Get(ctx context.Context, id domain.AppealID) (*models.Appeal, error) {
	query := `SELECT ` + appealColumns + ` FROM appeals WHERE id = $1`
	return s.scanOne(s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(id)))
}

func (s *Postgres) Update(ctx context.Context, appeal *models.Appeal) error {
	query := `
		UPDATE appeals SET
			status = $3,
			resolved_by = $4,
			resolution_notes = $5,
			resolved_at = $6,
			updated_at = $7,
			version = version + 1
		WHERE id = $1 AND version = $2
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(appeal.ID),
		appeal.Version,
		string(appeal.Status),
		appeal.ResolvedBy,
		appeal.ResolutionNotes,
		nullTime(appeal.ResolvedAt),
		appeal.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update appeal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update appeal rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, appeal.ID); getErr != nil {
			return getErr
		}
		return sentinel.ErrConflict
	}
	appeal.Version++
	return nil
}

func (s *Postgres) FindOpenByIdentity(ctx context.Context, identityID domain.IdentityID) (*models.Appeal, error) {
	query := `
		SELECT ` + appealColumns + `
		FROM appeals
		WHERE identity_id = $1 AND status IN ($2, $3)
	`
	return s.scanOne(s.execer(ctx).QueryRowContext(ctx, query,
		uuid.UUID(identityID), string(models.StatusPending), string(models.StatusUnderReview)))
}

func (s *Postgres) ListByIdentity(ctx context.Context, identityID domain.IdentityID) ([]*models.Appeal, error) {
	query := `
		SELECT ` + appealColumns + `
		FROM appeals
		WHERE identity_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(identityID))
	if err != nil {
		return nil, fmt.Errorf("list appeals: %w", err)
	}
	defer rows.Close()

	var out []*models.Appeal
	for rows.Next() {
		appeal, err := scanAppeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, appeal)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Postgres) scanOne(row *sql.Row) (*models.Appeal, error) {
	appeal, err := scanAppeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	return appeal, err
}

func scanAppeal(row rowScanner) (*models.Appeal, error) {
	var (
		appeal     models.Appeal
		id         uuid.UUID
		identityID uuid.UUID
		status     string
		prior      string
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&id,
		&identityID,
		&appeal.OwnerID,
		&appeal.Reason,
		&appeal.EvidenceKey,
		&status,
		&prior,
		&appeal.ResolvedBy,
		&appeal.ResolutionNotes,
		&resolvedAt,
		&appeal.CreatedAt,
		&appeal.UpdatedAt,
		&appeal.Version,
	)
	if err != nil {
		return nil, err
	}
	appeal.ID = domain.AppealID(id)
	appeal.IdentityID = domain.IdentityID(identityID)
	appeal.Status = models.Status(status)
	appeal.PriorIdentityStatus = identitymodels.Status(prior)
	if resolvedAt.Valid {
		appeal.ResolvedAt = &resolvedAt.Time
	}
	return &appeal, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"matricula/internal/audit"
	"matricula/pkg/domain"
	txcontext "matricula/pkg/platform/tx"
)

// Postgres appends audit entries to the audit_entries table. The table is
// physically append-only: this store exposes no UPDATE or DELETE path, and the
// schema grants none either.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Postgres) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Postgres) Append(ctx context.Context, entry audit.Entry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	query := `
		INSERT INTO audit_entries (id, identity_id, action, result, details, performed_by, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(entry.ID),
		uuid.UUID(entry.IdentityID),
		string(entry.Action),
		string(entry.Result),
		details,
		entry.PerformedBy,
		entry.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Postgres) ListByIdentity(ctx context.Context, identityID domain.IdentityID) ([]audit.Entry, error) {
	query := `
		SELECT id, identity_id, action, result, details, performed_by, occurred_at
		FROM audit_entries
		WHERE identity_id = $1
		ORDER BY occurred_at DESC, id DESC
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(identityID))
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			entry      audit.Entry
			id         uuid.UUID
			identity   uuid.UUID
			action     string
			result     string
			rawDetails []byte
		)
		if err := rows.Scan(&id, &identity, &action, &result, &rawDetails, &entry.PerformedBy, &entry.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.ID = domain.AuditEntryID(id)
		entry.IdentityID = domain.IdentityID(identity)
		entry.Action = audit.Action(action)
		entry.Result = audit.Result(result)
		if len(rawDetails) > 0 {
			if err := json.Unmarshal(rawDetails, &entry.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit details: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"matricula/pkg/platform/sentinel"
	txcontext "matricula/pkg/platform/tx"
)

// Postgres stores blobs as bytea rows. Content addressing makes inserts
// idempotent: a duplicate key is the same content, so ON CONFLICT DO NOTHING
// is safe.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) execer(ctx context.Context) interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
} {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Postgres) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	key := Key(data)
	query := `
		INSERT INTO blobs (key, content_type, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`
	if _, err := s.execer(ctx).ExecContext(ctx, query, key, contentType, data); err != nil {
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return key, nil
}

func (s *Postgres) Get(ctx context.Context, key string) ([]byte, string, error) {
	query := `SELECT data, content_type FROM blobs WHERE key = $1`
	var (
		data        []byte
		contentType string
	)
	err := s.execer(ctx).QueryRowContext(ctx, query, key).Scan(&data, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", sentinel.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get blob: %w", err)
	}
	return data, contentType, nil
}

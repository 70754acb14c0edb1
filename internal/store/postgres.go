package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps documents in PostgreSQL for deployments that already
// run one for the REST side of the app.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and ensures the documents table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		note_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Load(ctx context.Context, noteID string) (string, error) {
	var content string
	err := s.pool.QueryRow(ctx,
		`SELECT content FROM documents WHERE note_id = $1`, noteID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load note %s: %w", noteID, err)
	}
	return content, nil
}

func (s *PostgresStore) Save(ctx context.Context, noteID, content string) error {
	query := `
	INSERT INTO documents (note_id, content, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (note_id) DO UPDATE SET
		content = excluded.content,
		updated_at = excluded.updated_at
	`
	if _, err := s.pool.Exec(ctx, query, noteID, content); err != nil {
		return fmt.Errorf("failed to save note %s: %w", noteID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

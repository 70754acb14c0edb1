// Package store persists note documents. The collaboration layer treats it
// as an eventually consistent mirror of in-memory sessions: it holds the
// latest saved version, never a partially applied operation.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound reports a lookup of a note the store has never seen.
var ErrNotFound = errors.New("note not found")

// DocumentStore loads and saves a note's text.
type DocumentStore interface {
	// Load returns the stored content, or ErrNotFound for an unknown note.
	Load(ctx context.Context, noteID string) (string, error)
	// Save upserts the content for a note.
	Save(ctx context.Context, noteID, content string) error
	Close() error
}

// Open dispatches on the configured driver name.
func Open(ctx context.Context, driver, dsn string) (DocumentStore, error) {
	switch driver {
	case "sqlite", "sqlite3", "":
		return OpenSQLite(dsn)
	case "postgres", "pgx":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

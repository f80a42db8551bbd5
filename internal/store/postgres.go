package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists document content in the documents table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Load(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, content, version FROM documents WHERE id = $1`, documentID,
	).Scan(&doc.ID, &doc.Title, &doc.Content, &doc.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("load %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("load %s: %w", documentID, err)
	}
	return doc, nil
}

func (s *PostgresStore) Save(ctx context.Context, documentID, content string, version int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET content = $2, version = $3, updated_at = now() WHERE id = $1`,
		documentID, content, version,
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", documentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save %s: %w", documentID, ErrNotFound)
	}
	return nil
}

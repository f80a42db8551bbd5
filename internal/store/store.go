// Package store holds the persistence sink and the audit sink the editing
// core writes through. Both are external collaborators: the session layer
// never depends on a concrete backend.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound means no document exists under the requested id.
var ErrNotFound = errors.New("document not found")

// Document is the durable view of a document.
type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Version int64  `json:"version"`
}

// ContentStore durably loads and saves document content. Save overwrites
// the whole document; it is called at most once per reconciliation pass.
type ContentStore interface {
	Load(ctx context.Context, documentID string) (Document, error)
	Save(ctx context.Context, documentID, content string, version int64) error
}

// Entry is one audit record. Action is one of "join", "operation", "leave".
type Entry struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"documentId"`
	PrincipalID string    `json:"principalId"`
	Action      string    `json:"action"`
	At          time.Time `json:"at"`
}

// AuditSink records activity. Implementations are fire-and-forget: a
// failing sink logs and returns, it never blocks or fails the editing path.
type AuditSink interface {
	Record(ctx context.Context, e Entry)
}

// NopAuditSink discards everything. Used when no audit backend is
// configured and in tests.
type NopAuditSink struct{}

func (NopAuditSink) Record(context.Context, Entry) {}

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"docsync/server/internal/access"
	"docsync/server/internal/ot"
	"docsync/server/internal/store"
)

// DefaultDebounce is how long a reconciliation pass waits after the first
// operation lands in an empty queue.
const DefaultDebounce = 500 * time.Millisecond

// Registry maps document ids to their Session handles. Callers address
// documents by id only; the handle never leaves this package, so a torn
// down session cannot be reached through a stale pointer.
type Registry struct {
	store    store.ContentStore
	debounce time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(st store.ContentStore, debounce time.Duration, logger zerolog.Logger) *Registry {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Registry{
		store:    st,
		debounce: debounce,
		logger:   logger.With().Str("component", "session").Logger(),
		sessions: make(map[string]*Session),
	}
}

// open returns the live session for the document, creating and loading it
// on first use. Concurrent opens for the same id get the same handle; a
// failed load sticks to that handle (and closes it), so every caller sees
// the error and the next open starts a fresh session.
func (r *Registry) open(ctx context.Context, documentID string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[documentID]
	if !ok {
		s = newSession(documentID, r.store, r.debounce, r.logger)
		r.sessions[documentID] = s
	}
	r.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		r.evict(documentID, s)
		return nil, fmt.Errorf("open session %s: %w", documentID, err)
	}
	return s, nil
}

func (r *Registry) evict(documentID string, s *Session) {
	r.mu.Lock()
	if r.sessions[documentID] == s {
		delete(r.sessions, documentID)
	}
	r.mu.Unlock()
}

// lookup returns the session only if it already exists.
func (r *Registry) lookup(documentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	return s, ok
}

// Admit joins the principal to the document at the given tier, creating the
// session on first join. It returns the current document plus presence for
// the joining client, and the event channel the caller must drain.
func (r *Registry) Admit(ctx context.Context, documentID string, p Principal, tier access.Tier) (DocumentJoinedPayload, <-chan Event, error) {
	for {
		s, err := r.open(ctx, documentID)
		if err != nil {
			return DocumentJoinedPayload{}, nil, err
		}
		joined, events, err := s.admit(p, tier)
		if err == errSessionClosed {
			// Lost a race with the last member's teardown. Wait for its
			// flush to finish so the fresh session loads post-flush
			// content, then start over.
			select {
			case <-s.done:
			case <-ctx.Done():
				return DocumentJoinedPayload{}, nil, ctx.Err()
			}
			r.evict(documentID, s)
			continue
		}
		return joined, events, err
	}
}

// Dismiss removes the principal from the document. A no-op for unknown
// documents or principals. The last member out closes the session and runs
// teardown: pending operations are drained and content flushed. Eviction
// happens only after the flush, so a racing join resolves the closed handle
// and waits on it rather than spinning up a second owner for the document.
func (r *Registry) Dismiss(ctx context.Context, documentID, principalID string) {
	s, ok := r.lookup(documentID)
	if !ok {
		return
	}
	if s.dismiss(principalID) {
		s.teardown(ctx)
		r.evict(documentID, s)
	}
}

// Enqueue appends an operation to the document's pending queue. The author
// must be a member at editor tier; the gateway re-validates against the
// oracle before calling this, the cached tier here is the backstop.
func (r *Registry) Enqueue(documentID string, op ot.Operation) error {
	s, ok := r.lookup(documentID)
	if !ok {
		return ErrNotJoined
	}
	if err := s.enqueue(op); err != nil {
		if err == errSessionClosed {
			return ErrNotJoined
		}
		return err
	}
	return nil
}

// SetCursor updates the principal's cursor and relays it to the other
// members. Content operations are unaffected.
func (r *Registry) SetCursor(documentID, principalID string, position int) error {
	s, ok := r.lookup(documentID)
	if !ok {
		return ErrNotJoined
	}
	return s.setCursor(principalID, position)
}

// Snapshot lists current collaborators and their cursors. Empty for
// unknown documents.
func (r *Registry) Snapshot(documentID string) []Collaborator {
	s, ok := r.lookup(documentID)
	if !ok {
		return nil
	}
	return s.snapshot()
}

// Flush forces an immediate reconciliation pass, bypassing the debounce.
// Used by tests and shutdown.
func (r *Registry) Flush(documentID string) {
	if s, ok := r.lookup(documentID); ok {
		s.deb.Stop()
		s.reconcile()
	}
}

// Package session owns all per-document mutable state: membership, cursors,
// the pending-operation queue, the content snapshot and its version. Every
// mutation of a document goes through its single Session handle; separate
// documents share nothing but the registry map.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"docsync/server/internal/access"
	"docsync/server/internal/ot"
	"docsync/server/internal/store"
)

var (
	// ErrPermissionDenied means the member's cached tier is below editor.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotJoined means the principal is not a member of the document.
	ErrNotJoined = errors.New("not joined to document")

	errSessionClosed = errors.New("session closed")
)

// Principal is the identity a connection was bound to.
type Principal struct {
	ID   string
	Name string
}

// sendBuffer bounds the per-member outbound queue. A member that cannot
// keep up loses events rather than stalling the document.
const sendBuffer = 64

// defaultSeenLimit bounds the redelivery-detection window. Dedupe only
// needs to cover recent retransmits, not the session's whole history.
const defaultSeenLimit = 4096

type member struct {
	principal Principal
	tier      access.Tier
	cursor    int
	send      chan Event
}

// Session is the single owner of one document's collaborative state. The
// state mutex guards computation-only sections; nothing blocks or awaits
// while it is held. passMu serializes reconciliation passes, which do await
// (persistence) after releasing the state mutex.
type Session struct {
	id     string
	logger zerolog.Logger
	store  store.ContentStore

	loadMu  sync.Mutex
	loaded  bool
	loadErr error

	mu        sync.Mutex
	title     string
	content   string
	version   int64
	members   map[string]*member
	pending   []ot.Operation
	seen      map[string]struct{}
	seenRing  []string
	seenNext  int
	seenLimit int
	dirty     bool
	closed    bool

	passMu sync.Mutex
	deb    *debouncer

	// done is closed when teardown has finished flushing, letting a join
	// that raced the last leave wait for post-flush durable state.
	done chan struct{}
}

func newSession(id string, st store.ContentStore, debounce time.Duration, logger zerolog.Logger) *Session {
	s := &Session{
		id:        id,
		logger:    logger.With().Str("document", id).Logger(),
		store:     st,
		members:   make(map[string]*member),
		seen:      make(map[string]struct{}),
		seenLimit: defaultSeenLimit,
		done:      make(chan struct{}),
	}
	s.deb = newDebouncer(debounce, s.reconcile)
	return s
}

// ensureLoaded pulls the durable document into memory exactly once.
// Concurrent first joins serialize here, not on the state mutex. The load
// is attempted once: a failure closes the session and sticks, so every
// caller queued on the same handle gets the same error and a later join
// starts over with a fresh session.
func (s *Session) ensureLoaded(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.loaded {
		return s.loadErr
	}
	doc, err := s.store.Load(ctx, s.id)
	s.loaded = true
	if err != nil {
		s.loadErr = err
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.title = doc.Title
	s.content = doc.Content
	s.version = doc.Version
	s.mu.Unlock()
	return nil
}

// admit adds the principal as a member with a cursor at 0 and returns the
// current document plus presence for the joining client. Re-admitting an
// existing member refreshes its tier and send channel.
func (s *Session) admit(p Principal, tier access.Tier) (DocumentJoinedPayload, <-chan Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return DocumentJoinedPayload{}, nil, errSessionClosed
	}
	m := &member{principal: p, tier: tier, send: make(chan Event, sendBuffer)}
	s.members[p.ID] = m
	joined := DocumentJoinedPayload{
		Document: DocumentInfo{
			ID:      s.id,
			Title:   s.title,
			Content: s.content,
			Version: s.version,
		},
		ActiveUsers: s.snapshotLocked(),
		Permission:  tier,
	}
	others := s.othersLocked(p.ID)
	s.mu.Unlock()

	s.fanOut(others, Event{Name: EventUserJoined, Payload: UserEventPayload{
		User: UserInfo{ID: p.ID, Name: p.Name, Permission: tier},
	}})
	return joined, m.send, nil
}

// dismiss removes the principal; a no-op when it is not a member. It
// reports whether the session became empty.
func (s *Session) dismiss(principalID string) (empty bool) {
	s.mu.Lock()
	m, ok := s.members[principalID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.members, principalID)
	empty = len(s.members) == 0
	if empty {
		// Closing in the same critical section makes teardown atomic
		// against joins: a racing admit sees either a live member set or
		// errSessionClosed, never a slot in a dying session.
		s.closed = true
	}
	others := s.othersLocked(principalID)
	s.mu.Unlock()

	// The member's channel is deliberately left open: the gateway stops
	// draining it on leave, and a concurrent broadcast must never hit a
	// closed channel.
	s.fanOut(others, Event{Name: EventUserLeft, Payload: UserEventPayload{
		User: UserInfo{ID: m.principal.ID, Name: m.principal.Name, Permission: m.tier},
	}})
	return empty
}

// enqueue appends the operation to the pending queue, relays it to the
// other members immediately, and arms the debounced reconciliation pass.
// Redelivered operation ids are absorbed silently.
func (s *Session) enqueue(op ot.Operation) error {
	op.EnsureID()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	m, ok := s.members[op.AuthorID]
	if !ok {
		s.mu.Unlock()
		return ErrNotJoined
	}
	if !m.tier.AtLeast(access.TierEditor) {
		s.mu.Unlock()
		return ErrPermissionDenied
	}
	if s.rememberOperationLocked(op.ID) {
		s.mu.Unlock()
		s.logger.Debug().Str("operation", op.ID).Msg("duplicate operation ignored")
		return nil
	}
	s.pending = append(s.pending, op)
	author := m.principal
	others := s.othersLocked(op.AuthorID)
	s.mu.Unlock()

	s.fanOut(others, Event{Name: EventDocumentOperation, Payload: OperationRelayPayload{
		Operation: op,
		User:      UserInfo{ID: author.ID, Name: author.Name, Permission: access.TierEditor},
	}})
	s.deb.Schedule()
	return nil
}

// rememberOperationLocked records the id in the bounded redelivery window
// and reports whether it was already there. The window is a FIFO ring: once
// full, each new id evicts the oldest. Caller holds the state mutex.
func (s *Session) rememberOperationLocked(id string) (dup bool) {
	if _, ok := s.seen[id]; ok {
		return true
	}
	if len(s.seenRing) < s.seenLimit {
		s.seenRing = append(s.seenRing, id)
	} else {
		delete(s.seen, s.seenRing[s.seenNext])
		s.seenRing[s.seenNext] = id
		s.seenNext = (s.seenNext + 1) % s.seenLimit
	}
	s.seen[id] = struct{}{}
	return false
}

// setCursor records the principal's cursor and relays it to the others.
func (s *Session) setCursor(principalID string, position int) error {
	s.mu.Lock()
	m, ok := s.members[principalID]
	if !ok {
		s.mu.Unlock()
		return ErrNotJoined
	}
	m.cursor = position
	name := m.principal.Name
	others := s.othersLocked(principalID)
	s.mu.Unlock()

	s.fanOut(others, Event{Name: EventCursorUpdate, Payload: CursorUpdatePayload{
		UserID:   principalID,
		UserName: name,
		Position: position,
	}})
	return nil
}

func (s *Session) snapshot() []Collaborator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() []Collaborator {
	out := make([]Collaborator, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, Collaborator{
			ID:         m.principal.ID,
			Name:       m.principal.Name,
			Permission: m.tier,
			Position:   m.cursor,
		})
	}
	return out
}

// othersLocked collects the send channels of every member except the one
// named. Callers hold the state mutex.
func (s *Session) othersLocked(exceptID string) []chan Event {
	out := make([]chan Event, 0, len(s.members))
	for id, m := range s.members {
		if id != exceptID {
			out = append(out, m.send)
		}
	}
	return out
}

func (s *Session) allLocked() []chan Event {
	return s.othersLocked("")
}

// fanOut delivers without blocking; a full member buffer drops the event.
func (s *Session) fanOut(targets []chan Event, ev Event) {
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			s.logger.Warn().Str("event", ev.Name).Msg("slow consumer, event dropped")
		}
	}
}

// sendTo delivers one event to a single member if still present.
func (s *Session) sendTo(principalID string, ev Event) {
	s.mu.Lock()
	m, ok := s.members[principalID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case m.send <- ev:
	default:
		s.logger.Warn().Str("event", ev.Name).Msg("slow consumer, event dropped")
	}
}

// teardown runs when the last member leaves, after dismiss has already
// closed the session: stop the debouncer, drain whatever is still pending,
// and flush content to the sink. The done channel signals completion so a
// join waiting out the teardown observes post-flush durable state.
func (s *Session) teardown(ctx context.Context) {
	defer close(s.done)

	s.deb.Stop()
	s.reconcile()

	s.mu.Lock()
	dirty := s.dirty
	content, version := s.content, s.version
	s.mu.Unlock()

	if dirty {
		if err := s.store.Save(ctx, s.id, content, version); err != nil {
			s.logger.Error().Err(err).Int64("version", version).Msg("flush on teardown failed")
		} else {
			s.mu.Lock()
			if s.version == version {
				s.dirty = false
			}
			s.mu.Unlock()
		}
	}
	s.logger.Debug().Int64("version", version).Msg("session torn down")
}

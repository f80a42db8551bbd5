package session

import (
	"context"
	"sync"
	"time"

	"docsync/server/internal/ot"
)

// persistTimeout bounds the single persistence call a reconciliation pass
// makes after leaving the critical section.
const persistTimeout = 5 * time.Second

// debouncer coalesces triggers into one deferred run: the first Schedule
// after an idle period arms the timer, later ones are no-ops until it
// fires. Stop disarms without running.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
	armed bool
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) Schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.armed {
		return
	}
	d.armed = true
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		d.armed = false
		d.mu.Unlock()
		d.fn()
	})
}

func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.armed = false
}

type rejected struct {
	authorID string
	opID     string
	err      error
}

// reconcile drains the pending queue in one pass: checkpoint the queue,
// transform each operation against the ones already accepted this pass,
// apply the survivors, persist once, then broadcast the authoritative
// state. passMu keeps two passes for the same document from overlapping;
// the state mutex is never held across the persistence call.
func (s *Session) reconcile() {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.mu.Lock()
	checkpoint := s.pending
	s.pending = nil

	accepted := make([]ot.Operation, 0, len(checkpoint))
	var rejects []rejected
	for _, op := range checkpoint {
		cur, ok := op, true
		for _, prior := range accepted {
			if cur, ok = ot.Transform(prior, cur); !ok {
				break
			}
		}
		if !ok {
			s.logger.Warn().Str("operation", op.ID).Str("author", op.AuthorID).
				Msg("operation dropped: conflicts with concurrently committed edit")
			continue
		}
		next, err := ot.Apply(s.content, cur)
		if err != nil {
			rejects = append(rejects, rejected{authorID: op.AuthorID, opID: op.ID, err: err})
			continue
		}
		s.content = next
		s.version++
		accepted = append(accepted, cur)
	}
	if len(accepted) > 0 {
		s.dirty = true
	}
	dirty := s.dirty
	content, version := s.content, s.version
	targets := s.allLocked()
	s.mu.Unlock()

	for _, r := range rejects {
		s.logger.Warn().Err(r.err).Str("operation", r.opID).Str("author", r.authorID).
			Msg("operation dropped: out of range")
		s.sendTo(r.authorID, Event{Name: EventError, Payload: ErrorPayload{
			Message: "operation out of range, dropped",
		}})
	}

	if !dirty {
		return
	}

	// One persistence attempt per pass. On failure the in-memory state
	// stays authoritative and the dirty flag carries the retry to the next
	// trigger.
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	err := s.store.Save(ctx, s.id, content, version)
	cancel()
	if err != nil {
		s.logger.Error().Err(err).Int64("version", version).
			Msg("persist failed, in-memory state ahead of storage")
	} else {
		s.mu.Lock()
		if s.version == version {
			s.dirty = false
		}
		s.mu.Unlock()
	}

	if len(accepted) > 0 {
		s.fanOut(targets, Event{Name: EventDocumentUpdated, Payload: DocumentUpdatedPayload{
			Content: content,
			Version: version,
		}})
	}
}

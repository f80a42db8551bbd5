// Package ot implements the operation model and the transform engine for
// concurrent text edits. Transform and Apply are pure functions; all session
// bookkeeping lives elsewhere.
package ot

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what an operation does to the document.
type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
)

var (
	// ErrOutOfRange means the operation's position/length does not fit the
	// document it is being applied to. The document is left untouched.
	ErrOutOfRange = errors.New("operation out of range")

	// ErrInvalidOperation means the operation itself is malformed,
	// independent of any document state.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Operation is an immutable description of a single edit, authored against a
// specific document version. Position and Length count runes, not bytes.
type Operation struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	Position int       `json:"position"`
	Content  string    `json:"content,omitempty"`
	Length   int       `json:"length,omitempty"`
	AuthorID string    `json:"authorId,omitempty"`
	IssuedAt time.Time `json:"issuedAt,omitempty"`
}

// Validate checks the operation independent of document state.
func (op Operation) Validate() error {
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	switch op.Kind {
	case KindInsert:
		if op.Content == "" {
			return fmt.Errorf("%w: insert with empty content", ErrInvalidOperation)
		}
	case KindDelete, KindReplace:
		if op.Length <= 0 {
			return fmt.Errorf("%w: %s with length %d", ErrInvalidOperation, op.Kind, op.Length)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

// EnsureID assigns a fresh id when the author did not supply one. The id is
// what makes redelivery detection possible, so it must be set before the
// operation enters a queue.
func (op *Operation) EnsureID() {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
}

// insertLen is the number of runes the operation adds.
func (op Operation) insertLen() int {
	if op.Kind == KindDelete {
		return 0
	}
	return len([]rune(op.Content))
}

// removeLen is the number of runes the operation removes.
func (op Operation) removeLen() int {
	if op.Kind == KindInsert {
		return 0
	}
	return op.Length
}

// Delta is the signed change in document length the operation causes.
func (op Operation) Delta() int {
	return op.insertLen() - op.removeLen()
}

// Transform rewrites pending so that its intent is preserved after committed
// has already been applied, assuming both were authored against the same
// base version. The second return value is false when the two operations
// remove overlapping ranges; the caller must drop pending in that case
// rather than misapply it.
func Transform(committed, pending Operation) (Operation, bool) {
	aRem, bRem := committed.removeLen(), pending.removeLen()

	// Overlapping removals cannot both keep their intent.
	if aRem > 0 && bRem > 0 && rangesOverlap(committed.Position, aRem, pending.Position, bRem) {
		return Operation{}, false
	}

	if aRem == 0 {
		// Committed insert: everything after its position shifts right. Exact
		// ties break on author id so that both arrival orders converge.
		if committed.Position < pending.Position ||
			(committed.Position == pending.Position && committed.AuthorID <= pending.AuthorID) {
			pending.Position += committed.insertLen()
		}
		return pending, true
	}

	// Committed delete or replace: positions at or after the removed range
	// shift by the committed size delta, clamped so the result never lands
	// before the committed position (or below zero).
	if pending.Position >= committed.Position {
		shifted := pending.Position + committed.Delta()
		if shifted < committed.Position {
			shifted = committed.Position
		}
		if shifted < 0 {
			shifted = 0
		}
		pending.Position = shifted
	}
	return pending, true
}

func rangesOverlap(aPos, aLen, bPos, bLen int) bool {
	return aPos < bPos+bLen && bPos < aPos+aLen
}

// Apply performs the textual splice for op on content. It returns
// ErrOutOfRange, leaving content unchanged, when the position/length
// invariant does not hold against the current document.
func Apply(content string, op Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return content, err
	}
	runes := []rune(content)
	n := len(runes)

	switch op.Kind {
	case KindInsert:
		if op.Position > n {
			return content, fmt.Errorf("%w: insert at %d beyond length %d", ErrOutOfRange, op.Position, n)
		}
		return string(runes[:op.Position]) + op.Content + string(runes[op.Position:]), nil
	case KindDelete:
		if op.Position+op.Length > n {
			return content, fmt.Errorf("%w: delete [%d,%d) beyond length %d", ErrOutOfRange, op.Position, op.Position+op.Length, n)
		}
		return string(runes[:op.Position]) + string(runes[op.Position+op.Length:]), nil
	case KindReplace:
		if op.Position+op.Length > n {
			return content, fmt.Errorf("%w: replace [%d,%d) beyond length %d", ErrOutOfRange, op.Position, op.Position+op.Length, n)
		}
		return string(runes[:op.Position]) + op.Content + string(runes[op.Position+op.Length:]), nil
	default:
		return content, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
}

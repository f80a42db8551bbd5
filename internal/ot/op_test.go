package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ins(pos int, content string) Operation {
	return Operation{Kind: KindInsert, Position: pos, Content: content}
}

func del(pos, length int) Operation {
	return Operation{Kind: KindDelete, Position: pos, Length: length}
}

func repl(pos, length int, content string) Operation {
	return Operation{Kind: KindReplace, Position: pos, Length: length, Content: content}
}

func TestApply(t *testing.T) {
	tests := []struct {
		name    string
		content string
		op      Operation
		want    string
		wantErr error
	}{
		{"insert middle", "hello", ins(2, "XY"), "heXYllo", nil},
		{"insert at end", "hello", ins(5, "!"), "hello!", nil},
		{"insert beyond end", "abc", ins(4, "x"), "abc", ErrOutOfRange},
		{"delete middle", "hello", del(1, 3), "ho", nil},
		{"delete whole", "abc", del(0, 3), "", nil},
		{"delete beyond end", "abc", del(0, 5), "abc", ErrOutOfRange},
		{"replace", "hello", repl(0, 5, "bye"), "bye", nil},
		{"replace beyond end", "abc", repl(1, 3, "x"), "abc", ErrOutOfRange},
		{"negative position", "abc", ins(-1, "x"), "abc", ErrInvalidOperation},
		{"zero-length delete", "abc", del(1, 0), "abc", ErrInvalidOperation},
		{"multibyte runes", "héllo", del(1, 2), "hlo", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.content, tt.op)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransform(t *testing.T) {
	tests := []struct {
		name      string
		committed Operation
		pending   Operation
		want      Operation
		conflict  bool
	}{
		{"insert before insert", ins(0, "ab"), ins(3, "x"), ins(5, "x"), false},
		{"insert after insert", ins(5, "ab"), ins(3, "x"), ins(3, "x"), false},
		{"insert at same position", ins(2, "ab"), ins(2, "x"), ins(4, "x"), false},
		{"insert before delete", ins(0, "ab"), del(3, 2), del(5, 2), false},
		{"insert after delete", ins(9, "ab"), del(3, 2), del(3, 2), false},
		{"delete before insert", del(0, 2), ins(5, "x"), ins(3, "x"), false},
		{"delete after insert", del(5, 2), ins(3, "x"), ins(3, "x"), false},
		{"insert inside deleted range clamps", del(2, 4), ins(4, "x"), ins(2, "x"), false},
		{"delete before delete", del(0, 2), del(5, 3), del(3, 3), false},
		{"delete after delete", del(8, 2), del(5, 3), del(5, 3), false},
		{"overlapping deletes conflict", del(2, 4), del(4, 4), Operation{}, true},
		{"identical deletes conflict", del(2, 4), del(2, 4), Operation{}, true},
		{"replace shifts later delete", repl(0, 2, "abcd"), del(5, 3), del(7, 3), false},
		{"replace overlapping delete conflicts", repl(2, 4, "x"), del(3, 1), Operation{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Transform(tt.committed, tt.pending)
			require.Equal(t, !tt.conflict, ok)
			if !tt.conflict {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

// Convergence: applying A then transformed B must match applying B then
// transformed A, for operations authored against the same base.
func TestTransformConvergence(t *testing.T) {
	tests := []struct {
		name string
		base string
		a, b Operation
	}{
		{"inserts at same position", "ab",
			Operation{Kind: KindInsert, Position: 0, Content: "X", AuthorID: "alice"},
			Operation{Kind: KindInsert, Position: 0, Content: "Y", AuthorID: "bob"}},
		{"inserts at different positions", "hello", ins(5, " world"), ins(0, ">> ")},
		{"insert and delete apart", "hello world", ins(0, "A"), del(6, 5)},
		{"disjoint deletes", "abcdefgh", del(0, 2), del(5, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Order 1: a commits first.
			afterA, err := Apply(tt.base, tt.a)
			require.NoError(t, err)
			bPrime, ok := Transform(tt.a, tt.b)
			require.True(t, ok)
			final1, err := Apply(afterA, bPrime)
			require.NoError(t, err)

			// Order 2: b commits first.
			afterB, err := Apply(tt.base, tt.b)
			require.NoError(t, err)
			aPrime, ok := Transform(tt.b, tt.a)
			require.True(t, ok)
			final2, err := Apply(afterB, aPrime)
			require.NoError(t, err)

			assert.Equal(t, final1, final2)
		})
	}
}

func TestDelta(t *testing.T) {
	assert.Equal(t, 3, ins(0, "abc").Delta())
	assert.Equal(t, -2, del(0, 2).Delta())
	assert.Equal(t, 1, repl(0, 2, "abc").Delta())
	assert.Equal(t, 3, ins(0, "héé").Delta(), "delta counts runes, not bytes")
}

func TestEnsureID(t *testing.T) {
	op := ins(0, "x")
	op.EnsureID()
	require.NotEmpty(t, op.ID)

	fixed := ins(0, "x")
	fixed.ID = "op-1"
	fixed.EnsureID()
	assert.Equal(t, "op-1", fixed.ID)
}

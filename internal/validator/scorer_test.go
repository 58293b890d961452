package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenScorerBoundaryCases(t *testing.T) {
	s := TokenScorer{}
	source := "The harbour wall was built in 1843 from local granite."

	t.Run("identical text scores one on both components", func(t *testing.T) {
		assert.InDelta(t, 1.0, s.LexicalOverlap(source, source), 1e-9)
		assert.InDelta(t, 1.0, s.SemanticSimilarity(source, source), 1e-9)
	})

	t.Run("token-disjoint text scores zero on both components", func(t *testing.T) {
		candidate := "Migratory birds navigate using magnetic fields."
		assert.Equal(t, 0.0, s.LexicalOverlap(candidate, source))
		assert.Equal(t, 0.0, s.SemanticSimilarity(candidate, source))
	})

	t.Run("partial overlap lands strictly between", func(t *testing.T) {
		candidate := "The harbour wall was built from imported marble."
		lex := s.LexicalOverlap(candidate, source)
		sem := s.SemanticSimilarity(candidate, source)
		assert.Greater(t, lex, 0.0)
		assert.Less(t, lex, 1.0)
		assert.Greater(t, sem, 0.0)
		assert.Less(t, sem, 1.0)
	})

	t.Run("empty inputs score zero", func(t *testing.T) {
		assert.Equal(t, 0.0, s.LexicalOverlap("", source))
		assert.Equal(t, 0.0, s.SemanticSimilarity(source, ""))
	})

	t.Run("tokenization ignores case and punctuation", func(t *testing.T) {
		assert.InDelta(t, 1.0, s.LexicalOverlap("THE HARBOUR WALL, was built (in 1843) from local granite!", source), 1e-9)
	})
}

func TestTokenScorerIsDeterministic(t *testing.T) {
	s := TokenScorer{}
	candidate := "The harbour wall was built from granite in the 1840s."
	source := "The harbour wall was built in 1843 from local granite."

	first := s.LexicalOverlap(candidate, source) * s.SemanticSimilarity(candidate, source)
	for i := 0; i < 10; i++ {
		again := s.LexicalOverlap(candidate, source) * s.SemanticSimilarity(candidate, source)
		assert.Equal(t, first, again, "re-scoring the same pair must yield the same score")
	}
}

func TestLCSLength(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want int
	}{
		{"identical", []string{"a", "b", "c"}, []string{"a", "b", "c"}, 3},
		{"disjoint", []string{"a", "b"}, []string{"x", "y"}, 0},
		{"subsequence with gaps", []string{"a", "x", "b", "y", "c"}, []string{"a", "b", "c"}, 3},
		{"order matters", []string{"c", "b", "a"}, []string{"a", "b", "c"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lcsLength(tt.a, tt.b))
		})
	}
}

package validator

import (
	"math"
	"strings"
	"unicode"
)

// Scorer computes the two faithfulness components for a candidate text against
// one source excerpt. Both components are in [0, 1] and must be deterministic:
// re-scoring the same pair yields the same result.
//
// The combination rule is fixed by the validator (product, not average), so
// either component at zero drives the verdict to zero regardless of the other.
type Scorer interface {
	LexicalOverlap(candidate, source string) float64
	SemanticSimilarity(candidate, source string) float64
}

// TokenScorer is the built-in scorer. Lexical overlap is a longest common
// subsequence F-measure over word tokens; semantic similarity is cosine
// similarity over term-frequency vectors. Both are crude next to an embedding
// model, but they are deterministic, dependency-free, and satisfy the boundary
// cases: identical texts score 1.0 on both, token-disjoint texts score 0.
type TokenScorer struct{}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// LexicalOverlap returns the LCS F-measure of the candidate against the
// source: 2pr/(p+r) with precision = lcs/|candidate| and recall = lcs/|source|.
func (TokenScorer) LexicalOverlap(candidate, source string) float64 {
	cand := tokenize(candidate)
	src := tokenize(source)
	if len(cand) == 0 || len(src) == 0 {
		return 0
	}

	lcs := float64(lcsLength(cand, src))
	if lcs == 0 {
		return 0
	}

	precision := lcs / float64(len(cand))
	recall := lcs / float64(len(src))
	return 2 * precision * recall / (precision + recall)
}

// SemanticSimilarity returns the cosine similarity of the two texts'
// term-frequency vectors.
func (TokenScorer) SemanticSimilarity(candidate, source string) float64 {
	candFreq := termFrequencies(tokenize(candidate))
	srcFreq := termFrequencies(tokenize(source))
	if len(candFreq) == 0 || len(srcFreq) == 0 {
		return 0
	}

	var dot, candNorm, srcNorm float64
	for term, cf := range candFreq {
		dot += cf * srcFreq[term]
		candNorm += cf * cf
	}
	for _, sf := range srcFreq {
		srcNorm += sf * sf
	}
	if dot == 0 {
		return 0
	}

	return dot / (math.Sqrt(candNorm) * math.Sqrt(srcNorm))
}

func termFrequencies(tokens []string) map[string]float64 {
	freq := make(map[string]float64, len(tokens))
	for _, tok := range tokens {
		freq[tok]++
	}
	return freq
}

// lcsLength is the classic two-row dynamic program over token sequences.
func lcsLength(a, b []string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

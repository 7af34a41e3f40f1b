// Package similarity scores textual closeness between normalized prompts.
// The scores drive the cache's semantic fallback: a stored prompt whose score
// against the query strictly exceeds the configured threshold is served as a
// semantic hit.
package similarity

import (
	"fmt"
	"math"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Algorithm names accepted in configuration.
const (
	AlgorithmCosine      = "cosine"
	AlgorithmJaccard     = "jaccard"
	AlgorithmLevenshtein = "levenshtein"
)

// Func computes a similarity score in [0, 1] between two normalized strings.
// 1 means identical.
type Func func(a, b string) float64

// ByName returns the scoring function for a configured algorithm name.
func ByName(name string) (Func, error) {
	switch name {
	case AlgorithmCosine, "":
		return Cosine, nil
	case AlgorithmJaccard:
		return Jaccard, nil
	case AlgorithmLevenshtein:
		return Levenshtein, nil
	default:
		return nil, fmt.Errorf("unknown similarity algorithm %q", name)
	}
}

// Cosine computes cosine similarity over word-frequency vectors built from
// whitespace tokenization.
func Cosine(a, b string) float64 {
	if a == b {
		return 1
	}
	va := wordFreq(a)
	vb := wordFreq(b)
	if len(va) == 0 || len(vb) == 0 {
		return 0
	}
	var dot, na, nb float64
	for w, ca := range va {
		na += float64(ca * ca)
		if cb, ok := vb[w]; ok {
			dot += float64(ca * cb)
		}
	}
	for _, cb := range vb {
		nb += float64(cb * cb)
	}
	if dot == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Jaccard computes |A ∩ B| / |A ∪ B| over word sets.
func Jaccard(a, b string) float64 {
	if a == b {
		return 1
	}
	sa := wordSet(a)
	sb := wordSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// Levenshtein computes 1 − distance/max(len(a), len(b)), measured in runes.
func Levenshtein(a, b string) float64 {
	if a == b {
		return 1
	}
	la := len([]rune(a))
	lb := len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

func wordFreq(s string) map[string]int {
	freq := make(map[string]int)
	for _, w := range strings.Fields(s) {
		freq[w]++
	}
	return freq
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}

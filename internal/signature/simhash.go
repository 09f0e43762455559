// Package signature computes 64-bit simhash content signatures and Hamming
// distances for near-duplicate detection. The hub depth prober uses it to
// recognize loopback pages ("page 120 is page 1 again") and the pagination
// shape detector uses it to spot section pages that ignore ?page=N.
package signature

import (
	"math/bits"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// NearDuplicateThreshold is the Hamming distance at or below which two
// signatures are considered the same content.
const NearDuplicateThreshold = 3

// Simhash computes a 64-bit simhash over a token stream. Each token is
// hashed with xxhash; per-bit vote counts are collapsed to the sign bit.
func Simhash(tokens []string) uint64 {
	var counts [64]int
	for _, tok := range tokens {
		h := xxhash.Sum64String(tok)
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				counts[i]++
			} else {
				counts[i]--
			}
		}
	}

	var sig uint64
	for i := 0; i < 64; i++ {
		if counts[i] > 0 {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

// SimhashText tokenizes plain text and computes its simhash. Tokens shorter
// than 3 runes carry little signal and are skipped.
func SimhashText(text string) uint64 {
	return Simhash(Tokenize(text))
}

// Distance returns the Hamming distance between two signatures.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// NearDuplicate reports whether two signatures are within the
// near-duplicate threshold. Two empty signatures are not considered
// duplicates: no signal is not the same as the same signal.
func NearDuplicate(a, b uint64) bool {
	if a == 0 && b == 0 {
		return false
	}
	return Distance(a, b) <= NearDuplicateThreshold
}

// Tokenize splits text into lowercase word tokens, dropping anything
// shorter than 3 runes.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 3 {
			continue
		}
		tokens = append(tokens, strings.ToLower(f))
	}
	return tokens
}

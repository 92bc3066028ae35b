// Package phonetic matches spoken words against a dictionary of canonical
// terms using Double Metaphone phonetic encoding combined with Jaro-Winkler
// string similarity for ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the input and for each term. If any code from the input
//     overlaps with any code from a term, the term becomes a phonetic
//     candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the term with the
//     highest Jaro-Winkler similarity (case-insensitive) is selected,
//     provided its score reaches the phonetic threshold. When no phonetic
//     candidate is found, a secondary pass tests pure Jaro-Winkler similarity
//     against all terms using a higher fuzzy threshold.
//
// Multi-word terms (e.g., "Visual Studio Code") are supported: the matcher
// computes codes for each word and considers the best pairwise score across
// all word pairs when ranking candidates.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is a phonetic term matcher. It is read-only after construction and
// safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// term is one dictionary entry with its precomputed encodings.
type term struct {
	original string
	lower    string
	tokens   []string
	codes    map[string]struct{}
}

// Terms is a precomputed dictionary. Build it once with [Prepare] and reuse
// it for every window of a transcript.
type Terms struct {
	terms    []term
	maxWords int
}

// Prepare encodes terms. Blank entries are skipped.
func Prepare(terms []string) *Terms {
	ts := &Terms{}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		ts.terms = append(ts.terms, term{
			original: strings.TrimSpace(t),
			lower:    lower,
			tokens:   tokens,
			codes:    codesForTokens(tokens),
		})
		ts.maxWords = max(ts.maxWords, len(tokens))
	}
	return ts
}

// Len returns the number of prepared terms.
func (ts *Terms) Len() int { return len(ts.terms) }

// MaxWords returns the word count of the longest term.
func (ts *Terms) MaxWords() int { return ts.maxWords }

// Match finds the term most phonetically similar to word. When matched is
// false, corrected equals word and confidence is 0.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, Prepare(terms))
}

// MatchPrepared is [Matcher.Match] over a prepared dictionary.
//
// word may be a single word or a space-separated phrase (n-gram).
func (m *Matcher) MatchPrepared(word string, ts *Terms) (corrected string, confidence float64, matched bool) {
	if ts == nil || len(ts.terms) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, t := range ts.terms {
		phoneticMatch := codesOverlap(inputCodes, t.codes)
		jwScore := bestJWScore(wordTokens, t.tokens, wordLower, t.lower)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold && (!best.phonetic || jwScore > best.score) {
				best = candidate{term: t.original, score: jwScore, phonetic: true}
			}
		} else if !best.phonetic && jwScore >= m.fuzzyThreshold && jwScore > best.score {
			best = candidate{term: t.original, score: jwScore}
		}
	}

	if best.term != "" {
		return best.term, best.score, true
	}
	return word, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the input
// and the term using three strategies: the full strings, the strings with
// spaces removed, and, when both have the same word count, the mean of the
// position-aligned word scores.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	if len(inputTokens) > 1 && len(inputTokens) == len(termTokens) {
		var sum float64
		for i := range inputTokens {
			sum += matchr.JaroWinkler(inputTokens[i], termTokens[i], false)
		}
		if s := sum / float64(len(inputTokens)); s > score {
			score = s
		}
	}

	return score
}

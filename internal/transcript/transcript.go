// Package transcript post-processes final dictation text with a user
// dictionary.
//
// Speech recognisers are rarely perfect for names, product terms and jargon.
// The [Substituter] applies two stages to every final transcript:
//
//  1. Exact replacements: configured phrases are rewritten to their written
//     form, case-insensitively and only on word boundaries
//     ("kay scribe" becomes "keyscribe").
//
//  2. Phonetic matching ([PhoneticMatcher]): n-gram windows of the text are
//     compared with the dictionary's canonical terms by pronunciation
//     similarity, so "cuber netties" becomes "Kubernetes".
//
// Each [Correction] records which stage produced the substitution and its
// confidence, so callers can audit or log the changes.
package transcript

import "github.com/MrWong99/keyscribe/internal/transcript/phonetic"

// Correction captures a single substitution.
type Correction struct {
	// Original is the text as produced by the recogniser.
	Original string

	// Corrected is the replacement.
	Corrected string

	// Confidence is 1 for exact replacements and the similarity score for
	// phonetic matches.
	Confidence float64

	// Method is "replacement" or "phonetic".
	Method string
}

// PhoneticMatcher resolves a word or phrase to a dictionary term based on
// pronunciation similarity. When matched is false, corrected must equal word
// and confidence must be 0.
//
// Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	MatchPrepared(word string, terms *phonetic.Terms) (corrected string, confidence float64, matched bool)
}

// Package protocol holds the emergency-protocol library and the decision
// engine that advances one protocol session per conversation.
package protocol

import (
	"strings"
	"unicode"
)

// Matcher scores an utterance against a keyword set. It is the single
// pluggable strategy for both protocol selection and step intent matching;
// embedding-based retrieval fits behind the same interface.
type Matcher interface {
	Score(text string, keywords []string) float64
}

// KeywordMatcher is the default matching strategy: the fraction of
// keywords present in the utterance on word boundaries, case-insensitive.
// A single-word keyword must appear as a whole token and a multi-word
// keyword as a contiguous token run, so "no" never matches inside "know".
type KeywordMatcher struct{}

// Score reports the matched-keyword fraction in [0, 1].
func (KeywordMatcher) Score(text string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	tokens := tokenize(text)
	hits := 0
	for _, keyword := range keywords {
		want := tokenize(keyword)
		if len(want) == 0 {
			continue
		}
		if containsRun(tokens, want) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// tokenize lowercases and splits on every non-alphanumeric rune.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsRun reports whether want appears as a contiguous subsequence
// of tokens.
func containsRun(tokens, want []string) bool {
	for i := 0; i+len(want) <= len(tokens); i++ {
		matched := true
		for j := range want {
			if tokens[i+j] != want[j] {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// Package search implements the tokenization and substring-expansion rules
// shared by search indexing (block.IndexText) and query evaluation
// (database.Search), so the two stay identical as required by §4.5.
package search

import (
	"strings"
	"unicode"
)

// DefaultStopwords are skipped both when indexing and when querying.
var DefaultStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "in": true,
	"is": true, "it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"will": true, "with": true,
}

// Token is one whitespace-delimited word at position Index within the
// original, lowercased text.
type Token struct {
	Text  string
	Index uint32
}

// Tokenize lowercases s (locale-insensitive) and splits it on whitespace,
// skipping stopwords and empty fields, per §4.2.
func Tokenize(s string) []Token {
	lower := strings.ToLower(s)
	fields := strings.FieldsFunc(lower, unicode.IsSpace)
	tokens := make([]Token, 0, len(fields))
	idx := uint32(0)
	for _, f := range fields {
		if DefaultStopwords[f] {
			idx++
			continue
		}
		tokens = append(tokens, Token{Text: f, Index: idx})
		idx++
	}
	return tokens
}

// Substrings returns every non-empty contiguous substring of token,
// deduplicated, per §4.2's "expand into every non-empty contiguous
// substring (i,j) of the token" rule.
func Substrings(token string) []string {
	seen := make(map[string]bool, len(token)*(len(token)+1)/2)
	var out []string
	runes := []rune(token)
	for i := 0; i < len(runes); i++ {
		for j := i + 1; j <= len(runes); j++ {
			sub := string(runes[i:j])
			if !seen[sub] {
				seen[sub] = true
				out = append(out, sub)
			}
		}
	}
	return out
}

// MatchesQueryToken reports whether term equals queryToken or contains it as
// a substring (§4.5: "either each query token equals a stored term or is a
// substring of one"). Database.Search does not call it; it reaches the same
// result by looking the query token up as a substring locator.
func MatchesQueryToken(term, queryToken string) bool {
	return term == queryToken || strings.Contains(term, queryToken)
}

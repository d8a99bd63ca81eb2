// Package tokenizer counts tokens against a single fixed, BPE-style
// vocabulary so every budget check in the engine (repo map size, chunked
// reads, task snapshots) uses one consistent notion of "token".
package tokenizer

import "unicode"

// Counter counts tokens for a fixed vocabulary. The zero value is ready to
// use. No ecosystem Go package in this module's dependency family ships a
// cl100k-compatible BPE encoder (the original Python implementation uses
// tiktoken, a CPython/Rust extension with no pure-Go equivalent in the
// pack), so Counter approximates it: words, numbers and punctuation runs
// each cost roughly one token, with a length-based split for anything
// unusually long, mirroring cl100k's tendency to merge short runs into a
// single token and fall back to byte-pairs for the rest.
type Counter struct{}

// New creates a Counter for the fixed vocabulary.
func New() *Counter { return &Counter{} }

// Count returns the estimated token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	total := 0
	runes := []rune(text)
	n := len(runes)
	i := 0
	for i < n {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			j := i
			for j < n && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			total += tokensForRun(j - i)
			i = j
		default:
			// Punctuation/symbol runs of the same rune collapse to one token
			// (cl100k commonly merges repeated punctuation, e.g. "===").
			j := i
			for j < n && runes[j] == r {
				j++
			}
			total++
			i = j
		}
	}
	return total
}

// tokensForRun estimates how many BPE tokens an alnum run of length n costs.
// Short runs of up to 7 runes (typical identifiers/words) are one token; long
// runs (encoded numbers, hashes, base64 blobs) split roughly every 4 runes,
// cl100k's approximate merge ceiling for unseen subwords.
func tokensForRun(n int) int {
	if n <= 7 {
		return 1
	}
	return (n + 3) / 4
}

// CountBatch sums Count across multiple texts — used when budgeting a read
// batch spanning several files.
func (c *Counter) CountBatch(texts []string) int {
	total := 0
	for _, t := range texts {
		total += c.Count(t)
	}
	return total
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// suggest.go - "did you mean" hints for mistyped command words.
package cli

import (
	"strings"
	"unicode/utf8"
)

// commandWords pairs each word Parse accepts with the name to suggest for it.
// Order breaks ties.
var commandWords = []struct {
	word, name string
}{
	{"serve", "serve"},
	{"ask", "ask"},
	{"chat", "chat"},
	{"extract", "extract"},
	{"transcripts", "transcripts"},
	{"config", "config"},
	{"version", "version"},
	{"help", "help"},
	{"server", "serve"},
	{"transcript", "transcripts"},
	{"fireflies", "transcripts"},
}

// SuggestCommand returns the command the user most likely meant, or "" when
// input is already a command or nothing is close. A prefix of three or more
// letters counts as an exact hit.
func SuggestCommand(input string) string {
	input = strings.ToLower(strings.TrimSpace(input))
	n := utf8.RuneCountInString(input)
	if n < 2 {
		return ""
	}

	best, bestDist := "", editBudget(n)+1
	for _, c := range commandWords {
		if c.word == input {
			return ""
		}
		d := editDistance(input, c.word)
		if n >= 3 && strings.HasPrefix(c.word, input) {
			d = 0
		}
		if d < bestDist {
			best, bestDist = c.name, d
		}
	}
	return best
}

// editBudget is how many edits a word of n runes may be away from a command.
func editBudget(n int) int {
	switch {
	case n < 4:
		return 1
	case n <= 8:
		return 2
	default:
		return 3
	}
}

// editDistance counts rune insertions, deletions and substitutions between
// a and b using a single rolling row.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	row := make([]int, len(rb)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		diag := row[0]
		row[0] = i
		for j := 1; j <= len(rb); j++ {
			up := row[j]
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			row[j] = min(up+1, row[j-1]+1, diag+cost)
			diag = up
		}
	}
	return row[len(rb)]
}

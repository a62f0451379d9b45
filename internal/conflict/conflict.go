// Package conflict finds and rewrites textual merge-conflict blocks.
//
// A block is the canonical three-part sequence written by the revision
// control backend:
//
//	<<<<<<< HEAD
//	current content
//	=======
//	incoming content
//	>>>>>>> 3f2c1a9
package conflict

import (
	"regexp"
	"strings"
)

// Pair is the trimmed content of both sides of one conflict block.
type Pair struct {
	Current  string `json:"current"`
	Incoming string `json:"incoming"`
}

// Side selects one side of a conflict.
type Side int

const (
	Current Side = iota
	Incoming
)

func (s Side) String() string {
	if s == Current {
		return "current"
	}
	return "incoming"
}

var blockPattern = regexp.MustCompile(`(?ms)^<<<<<<<[^\n]*\n(.*?)^=======\r?\n(.*?)^>>>>>>> [^\r\n]+`)

type block struct {
	start, end int
	pair       Pair
}

func findBlocks(text string) []block {
	matches := blockPattern.FindAllStringSubmatchIndex(text, -1)
	blocks := make([]block, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, block{
			start: m[0],
			end:   m[1],
			pair: Pair{
				Current:  strings.TrimSpace(text[m[2]:m[3]]),
				Incoming: strings.TrimSpace(text[m[4]:m[5]]),
			},
		})
	}
	return blocks
}

// Parse returns the distinct conflict pairs in text in order of first
// appearance.
func Parse(text string) []Pair {
	var pairs []Pair
	seen := make(map[Pair]bool)
	for _, b := range findBlocks(text) {
		if seen[b.pair] {
			continue
		}
		seen[b.pair] = true
		pairs = append(pairs, b.pair)
	}
	return pairs
}

// HasConflicts reports whether text contains at least one conflict block.
func HasConflicts(text string) bool {
	return blockPattern.MatchString(text)
}

// ResolveWithSide replaces every block with the chosen side's trimmed
// content. Text outside the blocks is kept verbatim.
func ResolveWithSide(text string, side Side) string {
	return rewrite(text, func(p Pair) string {
		if side == Current {
			return p.Current
		}
		return p.Incoming
	})
}

// ResolveWithUserSelections replaces each block with whichever side appears
// in chosen. Only the current side is looked up: when it is not in chosen,
// the incoming side is used. Each block is replaced at its own position, so
// an identical-looking block elsewhere is never touched by mistake.
func ResolveWithUserSelections(text string, chosen []string) string {
	selected := make(map[string]bool, len(chosen))
	for _, c := range chosen {
		selected[strings.TrimSpace(c)] = true
	}
	return rewrite(text, func(p Pair) string {
		if selected[p.Current] {
			return p.Current
		}
		return p.Incoming
	})
}

// SideContents returns the content of the given side for every pair.
func SideContents(pairs []Pair, side Side) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		if side == Current {
			out[i] = p.Current
		} else {
			out[i] = p.Incoming
		}
	}
	return out
}

func rewrite(text string, pick func(Pair) string) string {
	blocks := findBlocks(text)
	if len(blocks) == 0 {
		return text
	}

	var sb strings.Builder
	sb.Grow(len(text))
	last := 0
	for _, b := range blocks {
		sb.WriteString(text[last:b.start])
		sb.WriteString(pick(b.pair))
		last = b.end
	}
	sb.WriteString(text[last:])
	return sb.String()
}

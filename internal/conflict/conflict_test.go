package conflict

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conflictBlock(current, incoming string) string {
	return fmt.Sprintf("<<<<<<< HEAD\n%s\n=======\n%s\n>>>>>>> 1a2b3c4d\n", current, incoming)
}

func buildText(n int) string {
	var sb strings.Builder
	sb.WriteString("COMP:geometry\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "keep %d\n", i)
		sb.WriteString(conflictBlock(fmt.Sprintf("tx 0 %d", i), fmt.Sprintf("tx 0 %d", i+100)))
	}
	sb.WriteString("end\n")
	return sb.String()
}

func TestParse_SingleBlock(t *testing.T) {
	text := "tile 0 0 130 90\n" + conflictBlock("  tx 0 5  ", "tx 0 7") + "end\n"
	pairs := Parse(text)
	require.Len(t, pairs, 1)
	assert.Equal(t, Pair{Current: "tx 0 5", Incoming: "tx 0 7"}, pairs[0])
}

func TestParse_MultipleAndDuplicateBlocks(t *testing.T) {
	text := conflictBlock("a", "b") + "middle\n" + conflictBlock("c", "d") + conflictBlock("a", "b")
	pairs := Parse(text)
	assert.Equal(t, []Pair{{"a", "b"}, {"c", "d"}}, pairs)
}

func TestParse_EmptySideAndNoConflicts(t *testing.T) {
	text := "<<<<<<< HEAD\n=======\nadded line\n>>>>>>> origin/main\n"
	assert.Equal(t, []Pair{{Current: "", Incoming: "added line"}}, Parse(text))

	assert.Empty(t, Parse("no conflicts here\n=======\n"))
	assert.False(t, HasConflicts("plain text"))
	assert.True(t, HasConflicts(text))
}

func TestParse_MarkersOnlyAtLineStart(t *testing.T) {
	text := "<<<<<<< HEAD\nlabel 0 a=======\nx 0 1\n=======\nx 0 2 >>>>>>> not a marker\n>>>>>>> 1a2b3c4d\n"
	assert.Equal(t, []Pair{{
		Current:  "label 0 a=======\nx 0 1",
		Incoming: "x 0 2 >>>>>>> not a marker",
	}}, Parse(text))

	assert.Equal(t, "label 0 a=======\nx 0 1\n", ResolveWithSide(text, Current))
	assert.Equal(t, "x 0 2 >>>>>>> not a marker\n", ResolveWithUserSelections(text, []string{"other"}))
}

func TestResolveWithSide_PreservesSurroundingText(t *testing.T) {
	text := "before\n" + conflictBlock("left", "right") + "after\n"

	assert.Equal(t, "before\nleft\nafter\n", ResolveWithSide(text, Current))
	assert.Equal(t, "before\nright\nafter\n", ResolveWithSide(text, Incoming))
}

func TestResolveWithSide_ClearsAllConflicts(t *testing.T) {
	for _, n := range []int{1, 2, 4, 7} {
		text := buildText(n)
		require.Len(t, Parse(text), n)
		assert.Empty(t, Parse(ResolveWithSide(text, Current)), "n=%d", n)
		assert.Empty(t, Parse(ResolveWithSide(text, Incoming)), "n=%d", n)
	}
}

func TestResolveWithUserSelections_MatchesResolveWithSide(t *testing.T) {
	for _, n := range []int{1, 2, 4, 7} {
		t.Run(fmt.Sprintf("%d blocks", n), func(t *testing.T) {
			text := buildText(n)
			pairs := Parse(text)

			for _, side := range []Side{Current, Incoming} {
				got := ResolveWithUserSelections(text, SideContents(pairs, side))
				assert.Equal(t, ResolveWithSide(text, side), got, side.String())
			}
		})
	}
}

func TestResolveWithUserSelections_MixedChoices(t *testing.T) {
	text := conflictBlock("a1", "b1") + "sep\n" + conflictBlock("a2", "b2")
	got := ResolveWithUserSelections(text, []string{"a1", "b2"})
	assert.Equal(t, "a1\nsep\nb2\n", got)
}

func TestResolveWithUserSelections_RegexCharacters(t *testing.T) {
	text := conflictBlock(`expr 0 "a.*b+(c)?"`, `expr 0 "[x]|{y}$"`) +
		"=======\n" +
		conflictBlock(`val 0 "$1\\n"`, `val 0 "^z"`)

	got := ResolveWithUserSelections(text, []string{`expr 0 "a.*b+(c)?"`})
	assert.Equal(t, "expr 0 \"a.*b+(c)?\"\n=======\nval 0 \"^z\"\n", got)
}

func TestResolveWithUserSelections_NoBlocks(t *testing.T) {
	text := "nothing to do\n"
	assert.Equal(t, text, ResolveWithUserSelections(text, []string{"x"}))
}

package rules

import (
	"regexp"
	"strings"
	"unicode"

	"tdvc/internal/state"
)

// FileKind identifies which of a node's files some content came from.
type FileKind string

const (
	KindPrimary   FileKind = "primary"
	KindParameter FileKind = "parameter"
	KindNetwork   FileKind = "network"
)

// InputRule extracts inbound edges from the full content of one file kind.
type InputRule struct {
	Name    string
	Kind    FileKind
	Extract func(content string) []state.Edge
}

// InputEngine holds input rules grouped by file kind.
type InputEngine struct {
	rules map[FileKind][]InputRule
}

// operatorParameters name parameters whose value is a list of operator
// references. Each reference becomes a parameter edge.
var operatorParameters = map[string]bool{
	"material":      true,
	"lights":        true,
	"camera":        true,
	"cameras":       true,
	"geometry":      true,
	"top":           true,
	"chop":          true,
	"dat":           true,
	"sop":           true,
	"mat":           true,
	"comp":          true,
	"instanceop":    true,
	"pixelmat":      true,
	"shadowcasters": true,
}

var parameterLine = regexp.MustCompile(`^([A-Za-z_][\w]*)\s+-?\d+\s+(?:"([^"]*)"|(\S+))\s*$`)

// DefaultInputRules returns the built-in input rules.
func DefaultInputRules() []InputRule {
	return []InputRule{
		{Name: "inputs", Kind: KindPrimary, Extract: blockEdges("inputs")},
		{Name: "compinputs", Kind: KindPrimary, Extract: blockEdges("compinputs")},
		{Name: "operator-parameters", Kind: KindParameter, Extract: parameterEdges},
	}
}

// NewInputEngine creates an engine over the given rules.
func NewInputEngine(rules []InputRule) *InputEngine {
	e := &InputEngine{rules: make(map[FileKind][]InputRule)}
	for _, r := range rules {
		e.rules[r.Kind] = append(e.rules[r.Kind], r)
	}
	return e
}

// DefaultInputEngine creates an engine over DefaultInputRules.
func DefaultInputEngine() *InputEngine {
	return NewInputEngine(DefaultInputRules())
}

// Extract runs every rule registered for kind over content and concatenates
// their edges in rule order.
func (e *InputEngine) Extract(kind FileKind, content string) []state.Edge {
	var edges []state.Edge
	for _, r := range e.rules[kind] {
		edges = append(edges, r.Extract(content)...)
	}
	return edges
}

// blockEdges returns an extractor for "<keyword> { <index> <path> ... }"
// blocks. Rows that do not start with a digit are skipped. The destination is
// the first segment of the connected path.
func blockEdges(keyword string) func(string) []state.Edge {
	block := regexp.MustCompile(`(?s)(?:^|\n)[ \t]*` + regexp.QuoteMeta(keyword) + `\s*\{(.*?)\}`)

	return func(content string) []state.Edge {
		var edges []state.Edge
		for _, m := range block.FindAllStringSubmatch(content, -1) {
			for _, row := range strings.Split(m[1], "\n") {
				fields := strings.Fields(row)
				if len(fields) < 2 || !digitStart.MatchString(fields[0]) {
					continue
				}
				dest := strings.SplitN(strings.TrimPrefix(fields[1], "./"), "/", 2)[0]
				if dest == "" {
					continue
				}
				edges = append(edges, state.Edge{Destination: dest})
			}
		}
		return edges
	}
}

func parameterEdges(content string) []state.Edge {
	var edges []state.Edge
	for _, line := range strings.Split(content, "\n") {
		m := parameterLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil || !operatorParameters[m[1]] {
			continue
		}
		value := m[2]
		if value == "" {
			value = m[3]
		}
		refs := strings.FieldsFunc(value, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})
		for _, ref := range refs {
			ref = strings.TrimRight(ref, "/")
			if i := strings.LastIndex(ref, "/"); i >= 0 {
				ref = ref[i+1:]
			}
			if ref == "" {
				continue
			}
			edges = append(edges, state.Edge{Destination: ref, IsParameterEdge: true})
		}
	}
	return edges
}

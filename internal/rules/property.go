// Package rules turns node definition text into node properties and inbound
// edges through fixed, ordered rule tables.
package rules

import (
	"regexp"
	"strings"

	"tdvc/internal/state"
)

// PropertyRule is one entry of the property table. Match decides whether the
// rule owns the line; Extract writes into the accumulator. An ignore rule has
// a nil Extract.
type PropertyRule struct {
	Name    string
	Match   func(line string, fields []string) bool
	Extract func(line string, fields []string, props state.Properties)
}

// PropertyEngine applies property rules in order; the first matching rule
// consumes the line.
type PropertyEngine struct {
	rules []PropertyRule
}

// ignoredKeywords are fields that change with the editor session (view,
// selection flags, page index) or delimit blocks handled by input rules.
// They must never influence node identity.
var ignoredKeywords = map[string]bool{
	"flags":      true,
	"view":       true,
	"pageindex":  true,
	"?":          true,
	"{":          true,
	"}":          true,
	"end":        true,
	"inputs":     true,
	"compinputs": true,
}

var (
	valueLine  = regexp.MustCompile(`^([A-Za-z_][\w]*)\s+-?\d+\s+([A-Za-z0-9_.\-]+)(\s+".*")?\s*$`)
	quotedLine = regexp.MustCompile(`^([A-Za-z_][\w]*)\s+-?\d+\s+"(.*)"\s*$`)
	digitStart = regexp.MustCompile(`^\d`)
)

// DefaultPropertyRules returns the property table in priority order.
func DefaultPropertyRules() []PropertyRule {
	return []PropertyRule{
		{
			Name: "ignore",
			Match: func(_ string, fields []string) bool {
				if len(fields) == 0 {
					return true
				}
				return ignoredKeywords[fields[0]] || digitStart.MatchString(fields[0])
			},
		},
		{
			// tile X Y W H is the node's position and size in the network.
			// Any other arity is rejected: consumed, nothing written.
			Name: "tile",
			Match: func(_ string, fields []string) bool {
				return fields[0] == "tile"
			},
			Extract: func(_ string, fields []string, props state.Properties) {
				if len(fields) != 5 {
					return
				}
				props["tileX"] = fields[1]
				props["tileY"] = fields[2]
				props["sizeX"] = fields[3]
				props["sizeY"] = fields[4]
			},
		},
		{
			Name: "value",
			Match: func(line string, _ []string) bool {
				return valueLine.MatchString(line)
			},
			Extract: func(line string, _ []string, props state.Properties) {
				m := valueLine.FindStringSubmatch(line)
				props[m[1]] = m[2]
			},
		},
		{
			Name: "quoted",
			Match: func(line string, _ []string) bool {
				return quotedLine.MatchString(line)
			},
			Extract: func(line string, _ []string, props state.Properties) {
				m := quotedLine.FindStringSubmatch(line)
				props[m[1]] = m[2]
			},
		},
		{
			Name: "color",
			Match: func(_ string, fields []string) bool {
				return fields[0] == "color" && len(fields) == 4
			},
			Extract: func(_ string, fields []string, props state.Properties) {
				props["color"] = strings.Join(fields[1:], " ")
			},
		},
	}
}

// NewPropertyEngine creates an engine over the given rules.
func NewPropertyEngine(rules []PropertyRule) *PropertyEngine {
	return &PropertyEngine{rules: rules}
}

// DefaultPropertyEngine creates an engine over DefaultPropertyRules.
func DefaultPropertyEngine() *PropertyEngine {
	return NewPropertyEngine(DefaultPropertyRules())
}

// ExtractLine runs one line through the table and returns the name of the
// rule that consumed it, or "" when no rule matched.
func (e *PropertyEngine) ExtractLine(line string, props state.Properties) string {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)

	for _, r := range e.rules {
		if len(fields) == 0 && r.Name != "ignore" {
			continue
		}
		if !r.Match(line, fields) {
			continue
		}
		if r.Extract != nil {
			r.Extract(line, fields, props)
		}
		return r.Name
	}
	return ""
}

// Extract runs every line of content through the table.
func (e *PropertyEngine) Extract(content string, props state.Properties) {
	for _, line := range strings.Split(content, "\n") {
		e.ExtractLine(line, props)
	}
}

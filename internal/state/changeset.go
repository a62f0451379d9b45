package state

import (
	"fmt"
	"sort"
	"strings"
)

// Action is the kind of change a node went through.
type Action string

const (
	ActionAdded    Action = "added"
	ActionModified Action = "modified"
	ActionDeleted  Action = "deleted"
)

// ChangeSet groups elements by how they changed between two states, keyed by
// each element's identity.
type ChangeSet[T any] struct {
	Added    map[string]T `json:"added"`
	Modified map[string]T `json:"modified"`
	Deleted  map[string]T `json:"deleted"`
}

// NewChangeSet returns an empty change set.
func NewChangeSet[T any]() *ChangeSet[T] {
	return &ChangeSet[T]{
		Added:    map[string]T{},
		Modified: map[string]T{},
		Deleted:  map[string]T{},
	}
}

// Empty reports whether nothing changed.
func (c *ChangeSet[T]) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// Total returns the number of changed elements.
func (c *ChangeSet[T]) Total() int {
	return len(c.Added) + len(c.Modified) + len(c.Deleted)
}

// Compare returns the node changes from base to head. Modified nodes carry
// their head version, deleted nodes their base version. A node counts as
// modified when its properties, type or inbound edges differ.
func Compare(base, head *State) *ChangeSet[Node] {
	cs := NewChangeSet[Node]()

	for _, h := range head.Nodes {
		b, ok := base.Node(h.Name)
		switch {
		case !ok:
			cs.Added[h.Name] = h
		case !b.Equal(h) || !EdgesEqual(base.Inputs[h.Name], head.Inputs[h.Name]):
			cs.Modified[h.Name] = h
		}
	}
	for _, b := range base.Nodes {
		if _, ok := head.Node(b.Name); !ok {
			cs.Deleted[b.Name] = b
		}
	}

	return cs
}

// FormatChangeSet renders a node change set as text, one node per line,
// with property-level detail for modified nodes.
func FormatChangeSet(base, head *State, cs *ChangeSet[Node]) string {
	var sb strings.Builder

	write := func(action Action, names []string) {
		for _, name := range names {
			switch action {
			case ActionAdded:
				fmt.Fprintf(&sb, "+ %s\n", name)
			case ActionDeleted:
				fmt.Fprintf(&sb, "- %s\n", name)
			case ActionModified:
				fmt.Fprintf(&sb, "~ %s\n", name)
				b, _ := base.Node(name)
				h, _ := head.Node(name)
				for _, line := range propertyChanges(b, h) {
					sb.WriteString("    " + line + "\n")
				}
				if !EdgesEqual(base.Inputs[name], head.Inputs[name]) {
					fmt.Fprintf(&sb, "    inputs: %s -> %s\n", formatEdges(base.Inputs[name]), formatEdges(head.Inputs[name]))
				}
			}
		}
	}

	write(ActionAdded, sortedKeys(cs.Added))
	write(ActionModified, sortedKeys(cs.Modified))
	write(ActionDeleted, sortedKeys(cs.Deleted))

	fmt.Fprintf(&sb, "%d added, %d modified, %d deleted\n", len(cs.Added), len(cs.Modified), len(cs.Deleted))
	return sb.String()
}

func propertyChanges(before, after Node) []string {
	var lines []string
	if before.Type != after.Type || before.Subtype != after.Subtype {
		lines = append(lines, fmt.Sprintf("type: %s:%s -> %s:%s", before.Type, before.Subtype, after.Type, after.Subtype))
	}

	keys := map[string]bool{}
	for k := range before.Properties {
		keys[k] = true
	}
	for k := range after.Properties {
		keys[k] = true
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, k := range names {
		bv, bok := before.Properties[k]
		av, aok := after.Properties[k]
		switch {
		case !bok:
			lines = append(lines, fmt.Sprintf("%s: + %s", k, av))
		case !aok:
			lines = append(lines, fmt.Sprintf("%s: - %s", k, bv))
		case bv != av:
			lines = append(lines, fmt.Sprintf("%s: %s -> %s", k, bv, av))
		}
	}
	return lines
}

func formatEdges(edges []Edge) string {
	if len(edges) == 0 {
		return "[]"
	}
	parts := make([]string, len(edges))
	for i, e := range edges {
		parts[i] = e.Destination
		if e.IsParameterEdge {
			parts[i] += "(param)"
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

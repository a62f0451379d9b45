// Package state defines the derived node-graph model of a project revision
// and the comparisons between two such graphs.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"tdvc/internal/util"
)

// Author identifies who created a version.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Version is one recorded revision of a project.
type Version struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Author      Author    `json:"author"`
	Date        time.Time `json:"date"`
	Description string    `json:"description,omitempty"`
	Tag         string    `json:"tag,omitempty"`
}

// Properties maps an extracted property name to its value.
type Properties map[string]string

// Equal reports whether both maps hold exactly the same entries.
func (p Properties) Equal(other Properties) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Keys returns the property names in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Node is one operator of the project graph. Name is its identity.
type Node struct {
	Name       string     `json:"name"`
	Type       string     `json:"type,omitempty"`
	Subtype    string     `json:"subtype,omitempty"`
	Properties Properties `json:"properties"`
}

// Equal compares name, type, subtype and the full property map.
func (n Node) Equal(other Node) bool {
	return n.Name == other.Name &&
		n.Type == other.Type &&
		n.Subtype == other.Subtype &&
		n.Properties.Equal(other.Properties)
}

// Edge declares that the owning node takes input from Destination.
type Edge struct {
	Destination     string `json:"destination"`
	IsParameterEdge bool   `json:"isParameterEdge"`
}

// State is the node graph of one revision or of the working tree.
type State struct {
	Nodes  []Node            `json:"nodes"`
	Inputs map[string][]Edge `json:"inputs"`
}

// New returns an empty state.
func New() *State {
	return &State{Nodes: []Node{}, Inputs: map[string][]Edge{}}
}

// Node returns the node with the given name.
func (s *State) Node(name string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

// Add appends a node and its edges. Nodes without edges get no inputs entry.
func (s *State) Add(n Node, edges []Edge) error {
	if _, exists := s.Node(n.Name); exists {
		return fmt.Errorf("duplicate node %q", n.Name)
	}
	if n.Properties == nil {
		n.Properties = Properties{}
	}
	s.Nodes = append(s.Nodes, n)
	if len(edges) > 0 {
		if s.Inputs == nil {
			s.Inputs = map[string][]Edge{}
		}
		s.Inputs[n.Name] = edges
	}
	return nil
}

// NodeMatches reports whether s contains a node equal to n with the same
// inbound edges as edges.
func (s *State) NodeMatches(n Node, edges []Edge) bool {
	own, ok := s.Node(n.Name)
	if !ok || !own.Equal(n) {
		return false
	}
	return EdgesEqual(s.Inputs[n.Name], edges)
}

// Validate checks that node names are unique and that every inputs key names
// a node.
func (s *State) Validate() error {
	seen := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if seen[n.Name] {
			return fmt.Errorf("duplicate node %q", n.Name)
		}
		seen[n.Name] = true
	}
	for name := range s.Inputs {
		if !seen[name] {
			return fmt.Errorf("inputs reference unknown node %q", name)
		}
	}
	return nil
}

// Digest returns the BLAKE3 digest of the canonical JSON encoding.
func (s *State) Digest() (string, error) {
	return util.DigestOf(s)
}

// EdgesEqual compares two edge lists as multisets.
func EdgesEqual(a, b []Edge) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[Edge]int, len(a))
	for _, e := range a {
		counts[e]++
	}
	for _, e := range b {
		counts[e]--
		if counts[e] < 0 {
			return false
		}
	}
	return true
}

// Marshal encodes the state as indented JSON.
func Marshal(s *State) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Unmarshal decodes a state and validates it.
func Unmarshal(data []byte) (*State, error) {
	s := New()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	if s.Inputs == nil {
		s.Inputs = map[string][]Edge{}
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid state: %w", err)
	}
	return s, nil
}

// WriteFile writes the state to path.
func WriteFile(path string, s *State) error {
	data, err := Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return nil
}

// ReadFile reads a state written by WriteFile.
func ReadFile(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

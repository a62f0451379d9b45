// Package extract rebuilds a project's node graph from its expanded text
// tree.
//
// The tree holds one table of contents (Name.toe.toc) listing every path
// inside the archive directory (Name.toe.dir). Nodes are the direct children
// of one container. Each node owns a primary file (<node>.n, first line
// TYPE:subtype) and optional parameter (<node>.parm) and network
// (<node>.network) files.
package extract

import (
	"context"
	"path"
	"strings"

	"tdvc/internal/errs"
	"tdvc/internal/rules"
	"tdvc/internal/state"
)

const (
	tocExt       = ".toc"
	primaryExt   = ".n"
	parameterExt = ".parm"
	networkExt   = ".network"
)

// skippedContainers are root components that never hold tracked nodes.
var skippedContainers = map[string]bool{
	"local":   true,
	"perform": true,
}

// Layout locates the nodes of a tree.
type Layout struct {
	// TOC is the table of contents file name.
	TOC string
	// Archive is the archive directory name.
	Archive string
	// Container is the component whose children are tracked.
	Container string
	// Nodes are the node names in table of contents order.
	Nodes []string
}

// NodePath returns the archive-relative path of one of a node's files.
func (l *Layout) NodePath(node, ext string) string {
	return l.Archive + "/" + l.Container + "/" + node + ext
}

// Owner returns the node owning a canonical (archive-relative) file name, or
// "" when no node does.
func (l *Layout) Owner(canonical string) string {
	for _, node := range l.Nodes {
		if OwnsFile(l.Container, node, canonical) {
			return node
		}
	}
	return ""
}

// OwnsFile reports whether canonical belongs to node: its own files
// (container/node.*) or anything below it (container/node/...).
func OwnsFile(container, node, canonical string) bool {
	prefix := container + "/" + node
	return strings.HasPrefix(canonical, prefix+".") || strings.HasPrefix(canonical, prefix+"/")
}

// Engine extracts states with a property and an input rule table.
type Engine struct {
	props     *rules.PropertyEngine
	inputs    *rules.InputEngine
	container string
}

// New creates an engine. An empty container is detected from the table of
// contents.
func New(props *rules.PropertyEngine, inputs *rules.InputEngine, container string) *Engine {
	return &Engine{props: props, inputs: inputs, container: container}
}

// Default creates an engine over the built-in rule tables.
func Default(container string) *Engine {
	return New(rules.DefaultPropertyEngine(), rules.DefaultInputEngine(), container)
}

// Layout reads the table of contents of src.
func (e *Engine) Layout(ctx context.Context, src Source) (*Layout, error) {
	const op = "extract"
	files, err := src.RootFiles(ctx)
	if err != nil {
		return nil, err
	}
	var tocs []string
	for _, f := range files {
		if strings.HasSuffix(f, tocExt) {
			tocs = append(tocs, f)
		}
	}
	switch len(tocs) {
	case 0:
		return nil, errs.NotFound(op, "no table of contents (*%s)", tocExt)
	case 1:
	default:
		return nil, errs.Validation(op, "more than one table of contents: %s", strings.Join(tocs, ", "))
	}

	data, err := src.ReadFile(ctx, tocs[0])
	if err != nil {
		return nil, err
	}
	entries := ParseTOC(string(data))

	container := e.container
	if container == "" {
		container = FindContainer(entries)
	}
	if container == "" {
		return nil, errs.NotFound(op, "no container in %s", tocs[0])
	}

	return &Layout{
		TOC:       tocs[0],
		Archive:   strings.TrimSuffix(tocs[0], tocExt) + ".dir",
		Container: container,
		Nodes:     NodeNames(entries, container),
	}, nil
}

// Extract builds the state of src.
func (e *Engine) Extract(ctx context.Context, src Source) (*state.State, error) {
	layout, err := e.Layout(ctx, src)
	if err != nil {
		return nil, err
	}

	s := state.New()
	for _, name := range layout.Nodes {
		node, edges, err := e.extractNode(ctx, src, layout, name)
		if err != nil {
			return nil, err
		}
		if err := s.Add(node, edges); err != nil {
			return nil, errs.Consistency("extract", "%v", err)
		}
	}
	return s, nil
}

func (e *Engine) extractNode(ctx context.Context, src Source, layout *Layout, name string) (state.Node, []state.Edge, error) {
	primary, err := src.ReadFile(ctx, layout.NodePath(name, primaryExt))
	if errs.IsKind(err, errs.KindNotFound) {
		return state.Node{}, nil, errs.NotFound("extract", "node %q has no primary file %s", name, layout.NodePath(name, primaryExt))
	}
	if err != nil {
		return state.Node{}, nil, err
	}
	parameter, err := readOptional(ctx, src, layout.NodePath(name, parameterExt))
	if err != nil {
		return state.Node{}, nil, err
	}
	network, err := readOptional(ctx, src, layout.NodePath(name, networkExt))
	if err != nil {
		return state.Node{}, nil, err
	}

	node := state.Node{Name: name, Properties: state.Properties{}}
	node.Type, node.Subtype = ParseType(primary)

	files := []struct {
		kind    rules.FileKind
		content string
	}{
		{rules.KindPrimary, string(primary)},
		{rules.KindParameter, parameter},
		{rules.KindNetwork, network},
	}
	var edges []state.Edge
	for _, f := range files {
		e.props.Extract(f.content, node.Properties)
		edges = append(edges, e.inputs.Extract(f.kind, f.content)...)
	}
	return node, edges, nil
}

func readOptional(ctx context.Context, src Source, path string) (string, error) {
	data, err := src.ReadFile(ctx, path)
	if errs.IsKind(err, errs.KindNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseType splits the first line of a primary file ("COMP:geometry").
func ParseType(primary []byte) (typ, subtype string) {
	line, _, _ := strings.Cut(string(primary), "\n")
	line = strings.TrimSpace(line)
	typ, subtype, _ = strings.Cut(line, ":")
	return strings.TrimSpace(typ), strings.TrimSpace(subtype)
}

// ParseTOC returns the non-empty entries of a table of contents.
func ParseTOC(content string) []string {
	var entries []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entries = append(entries, strings.TrimPrefix(line, "./"))
	}
	return entries
}

// FindContainer returns the first root-level component (listed as
// <name>.n) that has children, skipping local and perform.
func FindContainer(entries []string) string {
	parents := make(map[string]bool)
	for _, e := range entries {
		if first, _, ok := strings.Cut(e, "/"); ok {
			parents[first] = true
		}
	}
	for _, e := range entries {
		if strings.Contains(e, "/") || !strings.HasSuffix(e, primaryExt) {
			continue
		}
		name := strings.TrimSuffix(e, primaryExt)
		if skippedContainers[name] || !parents[name] {
			continue
		}
		return name
	}
	return ""
}

// NodeNames returns the direct children of container, deduplicated, in
// order of first appearance.
func NodeNames(entries []string, container string) []string {
	prefix := container + "/"
	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		rest, ok := strings.CutPrefix(e, prefix)
		if !ok || rest == "" {
			continue
		}
		if first, _, nested := strings.Cut(rest, "/"); nested {
			rest = first
		} else {
			rest = strings.TrimSuffix(rest, path.Ext(rest))
		}
		if rest == "" || seen[rest] {
			continue
		}
		seen[rest] = true
		names = append(names, rest)
	}
	return names
}

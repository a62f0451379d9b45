package project

import (
	"context"

	"go.uber.org/zap"

	"tdvc/internal/conflict"
	"tdvc/internal/errs"
	"tdvc/internal/extract"
	"tdvc/internal/state"
	"tdvc/internal/tracker"
)

// OutcomeStatus is the caller-facing result of a pull.
type OutcomeStatus string

const (
	OutcomeUpToDate   OutcomeStatus = "UP_TO_DATE"
	OutcomeFinished   OutcomeStatus = "FINISHED"
	OutcomeInProgress OutcomeStatus = "IN_PROGRESS"
)

// MergeOutcome is the result of Pull. Current and Incoming are set only
// while a merge is in progress: they are the whole project as each side
// would have it.
type MergeOutcome struct {
	Status   OutcomeStatus  `json:"status"`
	Version  *state.Version `json:"version,omitempty"`
	Current  *state.State   `json:"current,omitempty"`
	Incoming *state.State   `json:"incoming,omitempty"`
}

// MergeVersionName names versions recording a merge when the caller gives
// no name.
const MergeVersionName = "Merge"

// Pull fetches and merges remote history.
func (m *Manager) Pull(ctx context.Context, dir string) (out *MergeOutcome, err error) {
	p, done, err := m.begin("pull", dir)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	result, err := m.tracker.Pull(ctx, p.tracker, m.opts.MergeExclude)
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case tracker.StatusUpToDate:
		return &MergeOutcome{Status: OutcomeUpToDate}, nil

	case tracker.StatusFinishedWithoutConflicts, tracker.StatusFinishedWithoutActions:
		if err := m.refresh(ctx, p); err != nil {
			return nil, err
		}
		return &MergeOutcome{Status: OutcomeFinished}, nil

	case tracker.StatusFinished:
		v, err := m.completeMerge(ctx, p, MergeVersionName, "")
		if err != nil {
			return nil, err
		}
		return &MergeOutcome{Status: OutcomeFinished, Version: v}, nil

	case tracker.StatusInProgress:
		if result.UnresolvedConflicts == nil {
			return nil, errs.Consistency("pull", "merge in progress without conflict data")
		}
		m.logger.Info("merge needs resolution",
			zap.String("dir", p.root),
			zap.Int("files", len(result.UnresolvedConflicts)))
		current, incoming, err := m.sideStates(ctx, p)
		if err != nil {
			return nil, err
		}
		return &MergeOutcome{Status: OutcomeInProgress, Current: current, Incoming: incoming}, nil

	default:
		return nil, errs.Consistency("pull", "unknown merge status %q", result.Status)
	}
}

// refresh collapses the tracked tree over the artifact and snapshots it.
func (m *Manager) refresh(ctx context.Context, p *project) error {
	if _, err := m.processor.Collapse(ctx, p.tracker, p.root); err != nil {
		return err
	}
	_, err := m.snapshot(ctx, p)
	return err
}

// completeMerge records a fully resolved merge and publishes it.
func (m *Manager) completeMerge(ctx context.Context, p *project, name, description string) (*state.Version, error) {
	if err := m.refresh(ctx, p); err != nil {
		return nil, err
	}
	v, err := m.tracker.CreateVersion(ctx, p.tracker, name, description)
	if err != nil {
		return nil, err
	}
	if err := m.tracker.Push(ctx, p.tracker); err != nil {
		return nil, err
	}
	return v, nil
}

// sideStates extracts the conflicted tree once per side.
func (m *Manager) sideStates(ctx context.Context, p *project) (*state.State, *state.State, error) {
	dir := extract.DirSource{Root: p.tracker}
	current, err := m.extractor.Extract(ctx, extract.SideSource{Source: dir, Side: conflict.Current})
	if err != nil {
		return nil, nil, err
	}
	incoming, err := m.extractor.Extract(ctx, extract.SideSource{Source: dir, Side: conflict.Incoming})
	if err != nil {
		return nil, nil, err
	}
	return current, incoming, nil
}

// MergeSides returns the project as each side of the pending merge has it.
func (m *Manager) MergeSides(ctx context.Context, dir string) (current, incoming *state.State, err error) {
	p, done, err := m.begin("mergeSides", dir)
	if err != nil {
		return nil, nil, err
	}
	defer done(&err)

	merging, err := m.mergeInProgress(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	if !merging {
		return nil, nil, errs.Validation("mergeSides", "no merge in progress in %s", p.root)
	}
	return m.sideStates(ctx, p)
}

// GetMergeStatus reports the merge state of the working tree.
func (m *Manager) GetMergeStatus(ctx context.Context, dir string) (r *tracker.MergeResult, err error) {
	p, done, err := m.begin("getMergeStatus", dir)
	if err != nil {
		return nil, err
	}
	defer done(&err)
	return m.tracker.GetMergeResult(ctx, p.tracker)
}

// AbortMerge cancels the pending merge and restores the artifact.
func (m *Manager) AbortMerge(ctx context.Context, dir string) (err error) {
	p, done, err := m.begin("abortMerge", dir)
	if err != nil {
		return err
	}
	defer done(&err)

	if err := m.tracker.AbortMerge(ctx, p.tracker); err != nil {
		return err
	}
	_, err = m.processor.Collapse(ctx, p.tracker, p.root)
	return err
}

// FinishMerge resolves an in-progress merge to resolved, which must be a
// copy of either side's state. Every conflicted file owned by a node takes
// the side that node matches; other files take the side resolved matches
// overall. The result is committed as a merge version and pushed.
func (m *Manager) FinishMerge(ctx context.Context, dir string, resolved *state.State, name, description string) (v *state.Version, err error) {
	if name == "" {
		name = MergeVersionName
	}
	if err := tracker.ValidateVersion(name, description); err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, errs.Validation("finishMerge", "no resolved state given")
	}
	p, done, err := m.begin("finishMerge", dir)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	result, err := m.tracker.GetMergeResult(ctx, p.tracker)
	if err != nil {
		return nil, err
	}
	if result.Status != tracker.StatusInProgress {
		return nil, errs.Validation("finishMerge", "no merge in progress in %s", p.root)
	}
	if result.UnresolvedConflicts == nil {
		return nil, errs.Consistency("finishMerge", "merge in progress without conflict data")
	}

	current, incoming, err := m.sideStates(ctx, p)
	if err != nil {
		return nil, err
	}
	layout, err := m.extractor.Layout(ctx, extract.SideSource{Source: extract.DirSource{Root: p.tracker}, Side: conflict.Current})
	if err != nil {
		return nil, err
	}

	sides, err := nodeSides(resolved, current, incoming)
	if err != nil {
		return nil, err
	}
	fallback := defaultSide(resolved, current, incoming, sides)

	chosen := make(map[string][]string, len(result.UnresolvedConflicts))
	for file, pairs := range result.UnresolvedConflicts {
		side := fallback
		for node, s := range sides {
			if extract.OwnsFile(layout.Container, node, file) {
				side = s
				break
			}
		}
		chosen[file] = conflict.SideContents(pairs, side)
	}

	if err := m.tracker.SettleConflicts(ctx, p.tracker, chosen); err != nil {
		return nil, err
	}
	return m.completeMerge(ctx, p, name, description)
}

// nodeSides decides, per node of resolved, which side it was taken from.
// A node equal on both sides counts as current.
func nodeSides(resolved, current, incoming *state.State) (map[string]conflict.Side, error) {
	sides := make(map[string]conflict.Side, len(resolved.Nodes))
	for _, n := range resolved.Nodes {
		edges := resolved.Inputs[n.Name]
		switch {
		case current.NodeMatches(n, edges):
			sides[n.Name] = conflict.Current
		case incoming.NodeMatches(n, edges):
			sides[n.Name] = conflict.Incoming
		default:
			return nil, errs.Validation("finishMerge", "node %q matches neither side of the merge", n.Name)
		}
	}
	return sides, nil
}

// defaultSide picks the side for files no resolved node owns: the side
// resolved equals, else the side more nodes came from (ties to current).
func defaultSide(resolved, current, incoming *state.State, sides map[string]conflict.Side) conflict.Side {
	if state.Compare(incoming, resolved).Empty() && !state.Compare(current, resolved).Empty() {
		return conflict.Incoming
	}
	if state.Compare(current, resolved).Empty() {
		return conflict.Current
	}
	var fromCurrent, fromIncoming int
	for name, s := range sides {
		if s == conflict.Current {
			// Nodes identical on both sides say nothing about the choice.
			if c, ok := current.Node(name); ok {
				if i, ok := incoming.Node(name); ok && c.Equal(i) &&
					state.EdgesEqual(current.Inputs[name], incoming.Inputs[name]) {
					continue
				}
			}
			fromCurrent++
		} else {
			fromIncoming++
		}
	}
	if fromIncoming > fromCurrent {
		return conflict.Incoming
	}
	return conflict.Current
}

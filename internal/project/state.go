package project

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"tdvc/internal/errs"
	"tdvc/internal/extract"
	"tdvc/internal/state"
	"tdvc/internal/statecache"
	"tdvc/internal/tracker"
)

var fullHash = regexp.MustCompile(`^[0-9a-f]{40}$`)

// GetVersionState returns the state of versionID, or of the working tree
// when versionID is empty.
func (m *Manager) GetVersionState(ctx context.Context, dir, versionID string) (s *state.State, err error) {
	p, done, err := m.begin("getVersionState", dir)
	if err != nil {
		return nil, err
	}
	defer done(&err)
	return m.versionState(ctx, p, versionID)
}

func (m *Manager) versionState(ctx context.Context, p *project, versionID string) (*state.State, error) {
	if versionID == "" {
		return m.workingState(ctx, p)
	}
	return m.historicalState(ctx, p, versionID)
}

// historicalState extracts a recorded version. Versions are immutable, so
// states of full revision ids are cached.
func (m *Manager) historicalState(ctx context.Context, p *project, versionID string) (*state.State, error) {
	var cache *statecache.Cache
	if m.opts.CacheStates && fullHash.MatchString(versionID) {
		c, err := statecache.Open(p.tracker)
		if err != nil {
			m.logger.Warn("state cache unavailable", zap.String("dir", p.tracker), zap.Error(err))
		} else {
			cache = c
			defer cache.Close()
			if s, ok, err := cache.Get(versionID); err == nil && ok {
				return s, nil
			}
		}
	}

	s, err := m.extractor.Extract(ctx, extract.RevisionSource{
		Reader:    m.tracker,
		Dir:       p.tracker,
		VersionID: versionID,
	})
	if err != nil {
		return nil, err
	}
	if cache != nil {
		if err := cache.Put(versionID, s); err != nil {
			m.logger.Warn("caching state failed", zap.String("version", versionID), zap.Error(err))
		}
	}
	return s, nil
}

// workingState re-materializes the tree and returns the cached working state
// when the working diff is unchanged since it was last extracted.
func (m *Manager) workingState(ctx context.Context, p *project) (*state.State, error) {
	merging, err := m.mergeInProgress(ctx, p)
	if err != nil {
		return nil, err
	}
	// A conflicted tree must not be overwritten by a fresh expansion.
	if !merging {
		if _, err := m.processor.Expand(ctx, p.root, p.tracker); err != nil {
			return nil, err
		}
	}

	fingerprint, err := m.workingFingerprint(ctx, p)
	if err != nil {
		return nil, err
	}
	statePath := filepath.Join(p.tracker, tracker.WorkingStateFile)
	diffPath := filepath.Join(p.tracker, tracker.WorkingDiffFile)

	if last, err := os.ReadFile(diffPath); err == nil && bytes.Equal(last, fingerprint) {
		if s, err := state.ReadFile(statePath); err == nil {
			return s, nil
		}
	}

	s, err := m.extractor.Extract(ctx, extract.DirSource{Root: p.tracker})
	if err != nil {
		return nil, err
	}
	if err := state.WriteFile(statePath, s); err != nil {
		return nil, errs.Backend("getVersionState", err, "writing %s", tracker.WorkingStateFile)
	}
	if err := os.WriteFile(diffPath, fingerprint, 0644); err != nil {
		return nil, errs.Backend("getVersionState", err, "writing %s", tracker.WorkingDiffFile)
	}
	return s, nil
}

// workingFingerprint is the working diff prefixed by the checked-out
// version, so moving between versions never reuses a stale state.
func (m *Manager) workingFingerprint(ctx context.Context, p *project) ([]byte, error) {
	head := "none"
	if v, err := m.tracker.CurrentVersion(ctx, p.tracker); err == nil {
		head = v.ID
	} else if !errs.IsKind(err, errs.KindNotFound) {
		return nil, err
	}
	diff, err := m.tracker.Compare(ctx, p.tracker, tracker.CompareOptions{})
	if err != nil {
		return nil, err
	}
	return []byte("head " + head + "\n" + diff), nil
}

func (m *Manager) mergeInProgress(ctx context.Context, p *project) (bool, error) {
	if _, err := os.Stat(filepath.Join(p.tracker, ".git")); errors.Is(err, fs.ErrNotExist) {
		return false, errs.NotFound("getVersionState", "%s is not a tracked project", p.root)
	}
	result, err := m.tracker.GetMergeResult(ctx, p.tracker)
	if err != nil {
		return false, err
	}
	return result.Status == tracker.StatusInProgress, nil
}

// Diff is the node-level difference between two states.
type Diff struct {
	Base    *state.State
	Head    *state.State
	Changes *state.ChangeSet[state.Node]
}

// String renders the changes for display.
func (d *Diff) String() string {
	return state.FormatChangeSet(d.Base, d.Head, d.Changes)
}

// DiffStates compares the states of two versions. An empty id means the
// working tree.
func (m *Manager) DiffStates(ctx context.Context, dir, base, head string) (d *Diff, err error) {
	p, done, err := m.begin("diffStates", dir)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	baseState, err := m.versionState(ctx, p, base)
	if err != nil {
		return nil, err
	}
	headState, err := m.versionState(ctx, p, head)
	if err != nil {
		return nil, err
	}
	return &Diff{Base: baseState, Head: headState, Changes: state.Compare(baseState, headState)}, nil
}

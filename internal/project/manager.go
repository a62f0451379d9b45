// Package project orchestrates project lifecycle operations: versions,
// history navigation, remote sync and node-level merge resolution.
package project

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tdvc/internal/errs"
	"tdvc/internal/extract"
	"tdvc/internal/processor"
	"tdvc/internal/state"
	"tdvc/internal/tracker"
)

// StateFile is the committed state snapshot inside the tracker directory.
const StateFile = "state.json"

// InitialVersionName names the first version of every project.
const InitialVersionName = "Initial Version"

// Extractor builds states from a text tree.
type Extractor interface {
	Layout(ctx context.Context, src extract.Source) (*extract.Layout, error)
	Extract(ctx context.Context, src extract.Source) (*state.State, error)
}

// Options configures a Manager.
type Options struct {
	// TrackerDir is the hidden repository directory inside a project.
	TrackerDir string
	// MergeExclude lists files whose conflicts are resolved to the local side.
	MergeExclude []string
	// CacheStates keeps historical states in a sqlite cache.
	CacheStates bool
}

// Manager runs project operations. Operations on the same directory are
// serialized; different directories run concurrently.
type Manager struct {
	tracker   tracker.Tracker
	processor processor.Processor
	extractor Extractor
	logger    *zap.Logger
	opts      Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a project manager.
func NewManager(t tracker.Tracker, p processor.Processor, x Extractor, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TrackerDir == "" {
		opts.TrackerDir = ".tdvc"
	}
	return &Manager{
		tracker:   t,
		processor: p,
		extractor: x,
		logger:    logger,
		opts:      opts,
		locks:     make(map[string]*sync.Mutex),
	}
}

// project is one locked operation on a project directory.
type project struct {
	root    string
	tracker string
}

func (m *Manager) lockDir(dir string) func() {
	m.mu.Lock()
	l, ok := m.locks[dir]
	if !ok {
		l = &sync.Mutex{}
		m.locks[dir] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// begin checks dir, takes its lock and logs the operation. The returned
// function must be called with the operation's error.
func (m *Manager) begin(op, dir string) (*project, func(*error), error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, nil, errs.Validation(op, "invalid directory %q: %v", dir, err)
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, errs.NotFound(op, "directory %s does not exist", abs)
	}
	if err != nil {
		return nil, nil, errs.Backend(op, err, "checking %s", abs)
	}
	if !info.IsDir() {
		return nil, nil, errs.Validation(op, "%s is not a directory", abs)
	}

	unlock := m.lockDir(abs)
	logger := m.logger.With(
		zap.String("op", op),
		zap.String("dir", abs),
		zap.String("op_id", uuid.NewString()))
	start := time.Now()
	logger.Debug("operation started")

	finish := func(errp *error) {
		unlock()
		if errp != nil && *errp != nil {
			logger.Debug("operation failed", zap.Duration("took", time.Since(start)), zap.Error(*errp))
			return
		}
		logger.Debug("operation finished", zap.Duration("took", time.Since(start)))
	}
	return &project{root: abs, tracker: filepath.Join(abs, m.opts.TrackerDir)}, finish, nil
}

// Init creates the tracker directory in dir and records the initial
// version. sourceToCopy is either a remote URL to clone or a template
// project whose artifact is copied in. With remoteDst the new history is
// pushed right away.
func (m *Manager) Init(ctx context.Context, dir, remoteDst, sourceToCopy string) (v *state.Version, err error) {
	p, done, err := m.begin("init", dir)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	switch {
	case sourceToCopy != "" && tracker.IsRemoteURL(sourceToCopy):
		if err := m.tracker.Clone(ctx, p.tracker, sourceToCopy); err != nil {
			return nil, err
		}
		if remoteDst != "" {
			if err := m.tracker.Init(ctx, p.tracker, remoteDst); err != nil {
				return nil, err
			}
		}
		if _, err := processor.FindTOC(p.tracker); err == nil {
			if _, err := m.processor.Collapse(ctx, p.tracker, p.root); err != nil {
				return nil, err
			}
		}
	default:
		if sourceToCopy != "" {
			if err := copyArtifact(sourceToCopy, p.root); err != nil {
				return nil, err
			}
		}
		if err := m.tracker.Init(ctx, p.tracker, remoteDst); err != nil {
			return nil, err
		}
	}

	v, err = m.createVersion(ctx, p, InitialVersionName, "")
	if err != nil {
		return nil, err
	}
	if remoteDst != "" {
		if err := m.tracker.Push(ctx, p.tracker); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func copyArtifact(template, dst string) error {
	name, err := processor.FindArtifact(template)
	if err != nil {
		return err
	}
	if err := processor.CopyFile(filepath.Join(template, name), filepath.Join(dst, name)); err != nil {
		return errs.Backend("init", err, "copying %s", name)
	}
	return nil
}

// CurrentVersion returns the checked-out version.
func (m *Manager) CurrentVersion(ctx context.Context, dir string) (v *state.Version, err error) {
	p, done, err := m.begin("currentVersion", dir)
	if err != nil {
		return nil, err
	}
	defer done(&err)
	return m.tracker.CurrentVersion(ctx, p.tracker)
}

// ListVersions returns the project history, most recent first.
func (m *Manager) ListVersions(ctx context.Context, dir string) (vs []state.Version, err error) {
	p, done, err := m.begin("listVersions", dir)
	if err != nil {
		return nil, err
	}
	defer done(&err)
	return m.tracker.ListVersions(ctx, p.tracker)
}

// CreateVersion expands the artifact, snapshots its state and commits.
func (m *Manager) CreateVersion(ctx context.Context, dir, name, description string) (v *state.Version, err error) {
	if err := tracker.ValidateVersion(name, description); err != nil {
		return nil, err
	}
	p, done, err := m.begin("createVersion", dir)
	if err != nil {
		return nil, err
	}
	defer done(&err)
	return m.createVersion(ctx, p, name, description)
}

func (m *Manager) createVersion(ctx context.Context, p *project, name, description string) (*state.Version, error) {
	if _, err := m.processor.Expand(ctx, p.root, p.tracker); err != nil {
		return nil, err
	}
	if _, err := m.snapshot(ctx, p); err != nil {
		return nil, err
	}
	return m.tracker.CreateVersion(ctx, p.tracker, name, description)
}

// snapshot extracts the working tree and writes the committed state file.
func (m *Manager) snapshot(ctx context.Context, p *project) (*state.State, error) {
	s, err := m.extractor.Extract(ctx, extract.DirSource{Root: p.tracker})
	if err != nil {
		return nil, err
	}
	if err := state.WriteFile(filepath.Join(p.tracker, StateFile), s); err != nil {
		return nil, errs.Backend("snapshot", err, "writing %s", StateFile)
	}
	return s, nil
}

// AddTag tags a version.
func (m *Manager) AddTag(ctx context.Context, dir, versionID, tag string) (err error) {
	if err := tracker.ValidateTag(tag); err != nil {
		return err
	}
	p, done, err := m.begin("addTag", dir)
	if err != nil {
		return err
	}
	defer done(&err)
	return m.tracker.AddTag(ctx, p.tracker, versionID, tag)
}

// RemoveTag deletes a tag.
func (m *Manager) RemoveTag(ctx context.Context, dir, tag string) (err error) {
	p, done, err := m.begin("removeTag", dir)
	if err != nil {
		return err
	}
	defer done(&err)
	return m.tracker.RemoveTag(ctx, p.tracker, tag)
}

// GoToVersion checks out versionID and collapses it over the artifact.
func (m *Manager) GoToVersion(ctx context.Context, dir, versionID string) (v *state.Version, err error) {
	p, done, err := m.begin("goToVersion", dir)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	v, err = m.tracker.GoToVersion(ctx, p.tracker, versionID)
	if err != nil {
		return nil, err
	}
	if _, err := m.processor.Collapse(ctx, p.tracker, p.root); err != nil {
		return nil, err
	}
	return v, nil
}

// Push sends local history to the remote.
func (m *Manager) Push(ctx context.Context, dir string) (err error) {
	p, done, err := m.begin("push", dir)
	if err != nil {
		return err
	}
	defer done(&err)
	return m.tracker.Push(ctx, p.tracker)
}

// Compare returns the textual diff of versionID against its parent, or of
// the working tree when versionID is empty.
func (m *Manager) Compare(ctx context.Context, dir, versionID string) (out string, err error) {
	p, done, err := m.begin("compare", dir)
	if err != nil {
		return "", err
	}
	defer done(&err)
	return m.tracker.Compare(ctx, p.tracker, tracker.CompareOptions{VersionID: versionID})
}

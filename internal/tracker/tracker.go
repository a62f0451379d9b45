// Package tracker drives the revision-control backend that stores a project's
// version history.
//
// The Tracker interface is backend agnostic. GitTracker is the production
// implementation: it uses go-git for history, tags, blob reads and remote
// transport, and the git binary for the three-way merge itself.
package tracker

import (
	"context"

	"tdvc/internal/conflict"
	"tdvc/internal/state"
	"tdvc/internal/statecache"
)

// MergeStatus is the outcome of a pull.
type MergeStatus string

const (
	// StatusUpToDate means there was nothing to merge.
	StatusUpToDate MergeStatus = "UP_TO_DATE"
	// StatusFinishedWithoutActions means the merge completed without touching
	// any file.
	StatusFinishedWithoutActions MergeStatus = "FINISHED_WITHOUT_ACTIONS"
	// StatusFinishedWithoutConflicts means files were merged cleanly.
	StatusFinishedWithoutConflicts MergeStatus = "FINISHED_WITHOUT_CONFLICTS"
	// StatusFinished means every conflict was auto-resolved for an excluded
	// file. The merge still has to be committed.
	StatusFinished MergeStatus = "FINISHED"
	// StatusInProgress means conflicts remain and need a caller decision.
	StatusInProgress MergeStatus = "IN_PROGRESS"
)

// MergeResult is the outcome of a pull or a merge inspection.
// UnresolvedConflicts is only set for StatusInProgress and is keyed by
// canonical file name (see CanonicalName).
type MergeResult struct {
	Status              MergeStatus                `json:"status"`
	UnresolvedConflicts map[string][]conflict.Pair `json:"unresolvedConflicts,omitempty"`
}

// CompareOptions selects what Compare diffs.
type CompareOptions struct {
	// VersionID diffs that revision against its first parent. Empty diffs the
	// working tree against the last commit.
	VersionID string
	// File restricts the diff to one path.
	File string
	// ModifiedOnly drops added and deleted files.
	ModifiedOnly bool
}

// Tracker is the revision-control backend of a project's tracker directory.
type Tracker interface {
	Init(ctx context.Context, dir, remoteURL string) error
	Clone(ctx context.Context, dir, url string) error

	CreateVersion(ctx context.Context, dir, name, description string) (*state.Version, error)
	CurrentVersion(ctx context.Context, dir string) (*state.Version, error)
	InitialVersion(ctx context.Context, dir string) (*state.Version, error)
	ListVersions(ctx context.Context, dir string) ([]state.Version, error)
	GoToVersion(ctx context.Context, dir, versionID string) (*state.Version, error)

	AddTag(ctx context.Context, dir, versionID, tag string) error
	RemoveTag(ctx context.Context, dir, tag string) error

	Compare(ctx context.Context, dir string, opts CompareOptions) (string, error)
	ReadFile(ctx context.Context, dir, path, versionID string) ([]byte, error)
	ListFiles(ctx context.Context, dir, versionID string) ([]string, error)

	Pull(ctx context.Context, dir string, excluded []string) (*MergeResult, error)
	Push(ctx context.Context, dir string) error
	SettleConflicts(ctx context.Context, dir string, chosen map[string][]string) error
	AbortMerge(ctx context.Context, dir string) error
	GetMergeResult(ctx context.Context, dir string) (*MergeResult, error)
}

// Generated files that live in the tracker directory but never in history.
const (
	WorkingStateFile = "working_state.json"
	WorkingDiffFile  = "working.diff"
)

// IgnoredFiles is written to the repository's .gitignore on init.
var IgnoredFiles = []string{WorkingStateFile, WorkingDiffFile, statecache.FileName}

package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"go.uber.org/zap"

	"tdvc/internal/conflict"
	"tdvc/internal/errs"
	"tdvc/internal/pathmatch"
)

// archiveMarker separates the expanded node tree from the rest of a path.
const archiveMarker = ".toe.dir/"

// CanonicalName strips everything up to and including the expanded archive
// directory, so "Name.toe.dir/project1/geo1.n" becomes "project1/geo1.n".
// Paths outside the archive are returned unchanged.
func CanonicalName(path string) string {
	path = filepath.ToSlash(path)
	if i := strings.Index(path, archiveMarker); i >= 0 {
		return path[i+len(archiveMarker):]
	}
	return path
}

// Pull fetches the remote and merges the current branch's remote
// counterpart. Conflicts in files matching excluded are resolved in favour of
// the local side; all others are left in the working tree.
func (t *GitTracker) Pull(ctx context.Context, dir string, excluded []string) (*MergeResult, error) {
	const op = "pull"
	repo, err := t.open(op, dir)
	if err != nil {
		return nil, err
	}
	if _, merging, _ := readMergeHead(dir); merging {
		return nil, errs.Validation(op, "a merge is already in progress in %s", dir)
	}
	url, err := t.remoteURL(repo)
	if err != nil {
		return nil, errs.Validation(op, "no remote configured for %s", dir)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, errs.NotFound(op, "no version yet in %s", dir)
	}
	if !head.Name().IsBranch() {
		return nil, errs.Validation(op, "not on a branch; go to the latest version first")
	}

	if err := t.fetch(ctx, repo, dir, url); err != nil {
		return nil, err
	}

	branch := head.Name().Short()
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(t.remote, branch), true)
	if err != nil {
		return &MergeResult{Status: StatusUpToDate}, nil
	}
	if remoteRef.Hash() == head.Hash() {
		return &MergeResult{Status: StatusUpToDate}, nil
	}
	local, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, t.backendErr(op, dir, err, "reading HEAD")
	}
	incoming, err := repo.CommitObject(remoteRef.Hash())
	if err != nil {
		return nil, t.backendErr(op, dir, err, "reading %s", remoteRef.Name())
	}
	if ancestor, err := incoming.IsAncestor(local); err == nil && ancestor {
		return &MergeResult{Status: StatusUpToDate}, nil
	}

	mergeMsg := EncodeMessage("Merge", fmt.Sprintf("Merged %s/%s", t.remote, branch))
	_, mergeErr := t.runGit(ctx, dir,
		"-c", "merge.conflictStyle=merge",
		"-c", "commit.gpgsign=false",
		"merge", "--no-edit", "-m", mergeMsg, remoteRef.Name().String())

	conflicted, err := t.conflictedFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(conflicted) == 0 {
		if mergeErr != nil {
			return nil, t.backendErr(op, dir, mergeErr, "merging %s", remoteRef.Name())
		}
		return t.cleanMergeResult(repo, dir, local)
	}

	t.logger.Info("merge produced conflicts",
		zap.String("dir", dir),
		zap.Int("files", len(conflicted)))

	matcher := pathmatch.New(excluded...)
	var remaining []string
	for _, path := range conflicted {
		if !matcher.Match(path) {
			remaining = append(remaining, path)
			continue
		}
		if err := t.keepOurs(ctx, dir, path); err != nil {
			return nil, err
		}
	}
	if len(remaining) == 0 {
		return &MergeResult{Status: StatusFinished}, nil
	}

	conflicts, err := t.parseConflicted(dir, remaining)
	if err != nil {
		return nil, err
	}
	return &MergeResult{Status: StatusInProgress, UnresolvedConflicts: conflicts}, nil
}

func (t *GitTracker) fetch(ctx context.Context, repo *git.Repository, dir, url string) error {
	user, err := t.users.Load()
	if err != nil {
		return t.backendErr("pull", dir, err, "loading user")
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: t.remote,
		Auth:       authFor(user, url),
		Tags:       git.AllTags,
	})
	switch {
	case err == nil,
		errors.Is(err, git.NoErrAlreadyUpToDate),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		return nil
	default:
		return t.backendErr("pull", dir, err, "fetching from %s", url)
	}
}

// cleanMergeResult classifies a merge without conflicts by the number of
// files it changed.
func (t *GitTracker) cleanMergeResult(repo *git.Repository, dir string, before *object.Commit) (*MergeResult, error) {
	after, err := headCommit(repo)
	if err != nil {
		return nil, t.backendErr("pull", dir, err, "reading merged HEAD")
	}
	beforeTree, err := before.Tree()
	if err != nil {
		return nil, t.backendErr("pull", dir, err, "reading tree")
	}
	afterTree, err := after.Tree()
	if err != nil {
		return nil, t.backendErr("pull", dir, err, "reading tree")
	}
	changes, err := object.DiffTree(beforeTree, afterTree)
	if err != nil {
		return nil, t.backendErr("pull", dir, err, "diffing merge")
	}
	if len(changes) == 0 {
		return &MergeResult{Status: StatusFinishedWithoutActions}, nil
	}
	return &MergeResult{Status: StatusFinishedWithoutConflicts}, nil
}

func (t *GitTracker) keepOurs(ctx context.Context, dir, path string) error {
	if _, err := t.runGit(ctx, dir, "checkout", "--ours", "--", path); err != nil {
		// No local side: the file was deleted here.
		if _, err := t.runGit(ctx, dir, "rm", "--quiet", "--", path); err != nil {
			return t.backendErr("pull", dir, err, "resolving %s", path)
		}
		return nil
	}
	if _, err := t.runGit(ctx, dir, "add", "--", path); err != nil {
		return t.backendErr("pull", dir, err, "staging %s", path)
	}
	return nil
}

func (t *GitTracker) parseConflicted(dir string, paths []string) (map[string][]conflict.Pair, error) {
	conflicts := make(map[string][]conflict.Pair, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(path)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, t.backendErr("pull", dir, err, "reading %s", path)
		}
		pairs := conflict.Parse(string(data))
		if pairs == nil {
			pairs = []conflict.Pair{}
		}
		conflicts[CanonicalName(path)] = pairs
	}
	return conflicts, nil
}

// GetMergeResult inspects the working tree without changing it.
func (t *GitTracker) GetMergeResult(ctx context.Context, dir string) (*MergeResult, error) {
	const op = "getMergeResult"
	if _, err := t.open(op, dir); err != nil {
		return nil, err
	}
	conflicted, err := t.conflictedFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(conflicted) == 0 {
		return &MergeResult{Status: StatusFinished}, nil
	}
	conflicts, err := t.parseConflicted(dir, conflicted)
	if err != nil {
		return nil, err
	}
	return &MergeResult{Status: StatusInProgress, UnresolvedConflicts: conflicts}, nil
}

// SettleConflicts resolves every conflicted file with the contents chosen for
// it and stages the result. chosen must name exactly the conflicted files.
func (t *GitTracker) SettleConflicts(ctx context.Context, dir string, chosen map[string][]string) error {
	const op = "settleConflicts"
	if _, err := t.open(op, dir); err != nil {
		return err
	}
	conflicted, err := t.conflictedFiles(ctx, dir)
	if err != nil {
		return err
	}
	if len(conflicted) != len(chosen) {
		return errs.Consistency(op, "%d files are conflicted but %d resolutions were given", len(conflicted), len(chosen))
	}

	for _, path := range conflicted {
		selection, ok := chosen[CanonicalName(path)]
		if !ok {
			return errs.Consistency(op, "no resolution given for %s", CanonicalName(path))
		}

		full := filepath.Join(dir, filepath.FromSlash(path))
		data, err := os.ReadFile(full)
		if errors.Is(err, fs.ErrNotExist) {
			if _, err := t.runGit(ctx, dir, "rm", "--quiet", "--", path); err != nil {
				return t.backendErr(op, dir, err, "resolving deleted %s", path)
			}
			continue
		}
		if err != nil {
			return t.backendErr(op, dir, err, "reading %s", path)
		}

		resolved := conflict.ResolveWithUserSelections(string(data), selection)
		if err := os.WriteFile(full, []byte(resolved), 0644); err != nil {
			return t.backendErr(op, dir, err, "writing %s", path)
		}
		if _, err := t.runGit(ctx, dir, "add", "--", path); err != nil {
			return t.backendErr(op, dir, err, "staging %s", path)
		}
	}
	return nil
}

// AbortMerge cancels the pending merge and restores the pre-merge tree.
func (t *GitTracker) AbortMerge(ctx context.Context, dir string) error {
	const op = "abortMerge"
	if _, err := t.open(op, dir); err != nil {
		return err
	}
	if _, merging, _ := readMergeHead(dir); !merging {
		return errs.Validation(op, "no merge in progress in %s", dir)
	}
	if _, err := t.runGit(ctx, dir, "merge", "--abort"); err != nil {
		return t.backendErr(op, dir, err, "aborting merge")
	}
	return nil
}

func (t *GitTracker) conflictedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := t.runGit(ctx, dir, "diff", "--name-only", "--diff-filter=U", "-z")
	if err != nil {
		return nil, t.backendErr("conflicts", dir, err, "listing conflicted files")
	}
	var files []string
	for _, name := range strings.Split(out, "\x00") {
		if name = strings.TrimSpace(name); name != "" {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// runGit runs the git binary in dir under the tracker timeout and returns its
// stdout.
func (t *GitTracker) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()+stdout.String()))
	}
	return stdout.String(), nil
}

func mergeHeadPath(dir string) string {
	return filepath.Join(dir, ".git", "MERGE_HEAD")
}

// readMergeHead returns the commit being merged in, if any.
func readMergeHead(dir string) (plumbing.Hash, bool, error) {
	data, err := os.ReadFile(mergeHeadPath(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return plumbing.ZeroHash, false, nil
	}
	if err != nil {
		return plumbing.ZeroHash, false, err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	return plumbing.NewHash(strings.TrimSpace(line)), true, nil
}

func clearMergeState(dir string) {
	for _, name := range []string{"MERGE_HEAD", "MERGE_MSG", "MERGE_MODE", "AUTO_MERGE"} {
		_ = os.Remove(filepath.Join(dir, ".git", name))
	}
}

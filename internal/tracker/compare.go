package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/sergi/go-diff/diffmatchpatch"

	"tdvc/internal/errs"
)

// Compare renders a textual diff. Paths matched by the diff exclusion list
// are never reported.
func (t *GitTracker) Compare(ctx context.Context, dir string, opts CompareOptions) (string, error) {
	const op = "compare"
	repo, err := t.open(op, dir)
	if err != nil {
		return "", err
	}
	if opts.VersionID == "" {
		return t.compareWorking(repo, dir, opts)
	}

	commit, err := resolveCommit(repo, opts.VersionID)
	if err != nil {
		return "", errs.NotFound(op, "unknown version %q", opts.VersionID)
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", t.backendErr(op, dir, err, "reading tree")
	}
	var parentTree *object.Tree
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return "", t.backendErr(op, dir, err, "reading parent")
		}
		if parentTree, err = parent.Tree(); err != nil {
			return "", t.backendErr(op, dir, err, "reading parent tree")
		}
	}

	changes, err := object.DiffTreeWithOptions(ctx, parentTree, tree, object.DefaultDiffTreeOptions)
	if err != nil {
		return "", t.backendErr(op, dir, err, "diffing trees")
	}

	var kept object.Changes
	for _, c := range changes {
		name := c.To.Name
		if name == "" {
			name = c.From.Name
		}
		if !t.includePath(name, opts.File) {
			continue
		}
		if opts.ModifiedOnly {
			action, err := c.Action()
			if err != nil || action != merkletrie.Modify {
				continue
			}
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return "", nil
	}

	patch, err := kept.PatchContext(ctx)
	if err != nil {
		return "", t.backendErr(op, dir, err, "building patch")
	}
	var buf bytes.Buffer
	if err := diff.NewUnifiedEncoder(&buf, diff.DefaultContextLines).Encode(patch); err != nil {
		return "", t.backendErr(op, dir, err, "encoding patch")
	}
	return buf.String(), nil
}

func (t *GitTracker) includePath(path, only string) bool {
	if only != "" && path != filepath.ToSlash(only) {
		return false
	}
	return !t.diffExclude.Match(path)
}

// compareWorking diffs the working tree against the last commit, line by
// line, in path order.
func (t *GitTracker) compareWorking(repo *git.Repository, dir string, opts CompareOptions) (string, error) {
	const op = "compare"
	wt, err := repo.Worktree()
	if err != nil {
		return "", t.backendErr(op, dir, err, "opening worktree")
	}
	status, err := wt.Status()
	if err != nil {
		return "", t.backendErr(op, dir, err, "reading status")
	}

	var headTree *object.Tree
	if commit, err := headCommit(repo); err == nil {
		if headTree, err = commit.Tree(); err != nil {
			return "", t.backendErr(op, dir, err, "reading HEAD tree")
		}
	}

	paths := make([]string, 0, len(status))
	for path, st := range status {
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		if !t.includePath(path, opts.File) {
			continue
		}
		if opts.ModifiedOnly && (st.Worktree == git.Untracked || st.Worktree == git.Deleted ||
			st.Staging == git.Added || st.Staging == git.Deleted) {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	dmp := diffmatchpatch.New()
	var sb strings.Builder
	for _, path := range paths {
		before := ""
		if headTree != nil {
			if f, err := headTree.File(path); err == nil {
				if before, err = f.Contents(); err != nil {
					return "", t.backendErr(op, dir, err, "reading %s at HEAD", path)
				}
			}
		}
		after := ""
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(path)))
		switch {
		case err == nil:
			after = string(data)
		case !errors.Is(err, fs.ErrNotExist):
			return "", t.backendErr(op, dir, err, "reading %s", path)
		}
		if before == after {
			continue
		}
		writeLineDiff(&sb, dmp, path, before, after)
	}
	return sb.String(), nil
}

func writeLineDiff(sb *strings.Builder, dmp *diffmatchpatch.DiffMatchPatch, path, before, after string) {
	fmt.Fprintf(sb, "diff --git a/%s b/%s\n--- a/%s\n+++ b/%s\n", path, path, path, path)

	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	line := 1
	for _, d := range diffs {
		chunk := strings.SplitAfter(d.Text, "\n")
		if chunk[len(chunk)-1] == "" {
			chunk = chunk[:len(chunk)-1]
		}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			line += len(chunk)
		case diffmatchpatch.DiffDelete:
			fmt.Fprintf(sb, "@@ -%d,%d @@\n", line, len(chunk))
			for _, l := range chunk {
				sb.WriteString("-" + strings.TrimSuffix(l, "\n") + "\n")
			}
			line += len(chunk)
		case diffmatchpatch.DiffInsert:
			fmt.Fprintf(sb, "@@ +%d,%d @@\n", line, len(chunk))
			for _, l := range chunk {
				sb.WriteString("+" + strings.TrimSuffix(l, "\n") + "\n")
			}
		}
	}
}

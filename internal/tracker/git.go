package tracker

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"go.uber.org/zap"

	"tdvc/internal/errs"
	"tdvc/internal/pathmatch"
	"tdvc/internal/session"
	"tdvc/internal/state"
)

// Options configures a GitTracker.
type Options struct {
	// Binary is the git executable used for merges.
	Binary string
	// Remote is the name of the single remote.
	Remote string
	// Timeout bounds every git subprocess and network round trip.
	Timeout time.Duration
	// DiffExclude lists paths never reported by Compare.
	DiffExclude []string
}

// GitTracker implements Tracker on a git repository.
type GitTracker struct {
	users       session.Store
	logger      *zap.Logger
	binary      string
	remote      string
	timeout     time.Duration
	diffExclude *pathmatch.Matcher
}

var _ Tracker = (*GitTracker)(nil)

// NewGitTracker creates a tracker that takes identity and credentials from
// users.
func NewGitTracker(users session.Store, logger *zap.Logger, opts Options) *GitTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Binary == "" {
		opts.Binary = "git"
	}
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &GitTracker{
		users:       users,
		logger:      logger,
		binary:      opts.Binary,
		remote:      opts.Remote,
		timeout:     opts.Timeout,
		diffExclude: pathmatch.New(opts.DiffExclude...),
	}
}

// backendErr logs and wraps a backend failure.
func (t *GitTracker) backendErr(op, dir string, err error, format string, args ...interface{}) error {
	e := errs.Backend(op, err, format, args...)
	t.logger.Error("tracker backend failure",
		zap.String("op", op),
		zap.String("dir", dir),
		zap.Error(e))
	return e
}

func (t *GitTracker) open(op, dir string) (*git.Repository, error) {
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, errs.NotFound(op, "no repository at %s", dir)
	}
	if err != nil {
		return nil, t.backendErr(op, dir, err, "opening repository")
	}
	return repo, nil
}

// Init creates (or reopens) the repository at dir, configures identity and
// the remote, and writes the ignore list.
func (t *GitTracker) Init(ctx context.Context, dir, remoteURL string) error {
	const op = "init"
	if err := os.MkdirAll(dir, 0755); err != nil {
		return t.backendErr(op, dir, err, "creating tracker dir")
	}

	repo, err := git.PlainInit(dir, false)
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		repo, err = git.PlainOpen(dir)
	}
	if err != nil {
		return t.backendErr(op, dir, err, "initializing repository")
	}

	if err := t.configure(repo, remoteURL); err != nil {
		return t.backendErr(op, dir, err, "configuring repository")
	}

	ignore := strings.Join(IgnoredFiles, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(ignore), 0644); err != nil {
		return t.backendErr(op, dir, err, "writing .gitignore")
	}
	return nil
}

func (t *GitTracker) configure(repo *git.Repository, remoteURL string) error {
	user, err := t.users.Load()
	if err != nil {
		return err
	}
	cfg, err := repo.Config()
	if err != nil {
		return err
	}
	cfg.User.Name = user.Name
	cfg.User.Email = user.Email
	cfg.Raw.Section("core").SetOption("autocrlf", "false")
	if remoteURL != "" {
		cfg.Remotes[t.remote] = &config.RemoteConfig{
			Name:  t.remote,
			URLs:  []string{NormalizeURL(remoteURL)},
			Fetch: []config.RefSpec{config.RefSpec("+refs/heads/*:refs/remotes/" + t.remote + "/*")},
		}
	}
	return repo.SetConfig(cfg)
}

// Clone clones url into dir using the stored credentials, then sets the
// repository identity. An empty remote yields a fresh repository pointing at
// it.
func (t *GitTracker) Clone(ctx context.Context, dir, url string) error {
	const op = "clone"
	url = NormalizeURL(url)
	user, err := t.users.Load()
	if err != nil {
		return t.backendErr(op, dir, err, "loading user")
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:        url,
		RemoteName: t.remote,
		Auth:       authFor(user, url),
	})
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		_ = os.RemoveAll(filepath.Join(dir, ".git"))
		return t.Init(ctx, dir, url)
	}
	if err != nil {
		return t.backendErr(op, dir, err, "cloning %s", url)
	}
	if err := t.configure(repo, ""); err != nil {
		return t.backendErr(op, dir, err, "configuring repository")
	}
	return nil
}

// CreateVersion stages everything and commits it. Empty commits are allowed.
// A pending merge becomes a two-parent commit.
func (t *GitTracker) CreateVersion(ctx context.Context, dir, name, description string) (*state.Version, error) {
	const op = "createVersion"
	if err := ValidateVersion(name, description); err != nil {
		return nil, err
	}
	repo, err := t.open(op, dir)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, t.backendErr(op, dir, err, "opening worktree")
	}
	patterns, err := gitignore.ReadPatterns(wt.Filesystem, nil)
	if err == nil {
		wt.Excludes = append(wt.Excludes, patterns...)
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return nil, t.backendErr(op, dir, err, "staging changes")
	}

	user, err := t.users.Load()
	if err != nil {
		return nil, t.backendErr(op, dir, err, "loading user")
	}
	sig := &object.Signature{Name: user.Name, Email: user.Email, When: time.Now()}
	opts := &git.CommitOptions{
		Author:            sig,
		Committer:         sig,
		AllowEmptyCommits: true,
	}

	mergeHead, merging, err := readMergeHead(dir)
	if err != nil {
		return nil, t.backendErr(op, dir, err, "reading merge state")
	}
	if merging {
		head, err := repo.Head()
		if err != nil {
			return nil, t.backendErr(op, dir, err, "resolving HEAD")
		}
		opts.Parents = []plumbing.Hash{head.Hash(), mergeHead}
	}

	hash, err := wt.Commit(EncodeMessage(name, description), opts)
	if err != nil {
		return nil, t.backendErr(op, dir, err, "committing")
	}
	if merging {
		clearMergeState(dir)
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, t.backendErr(op, dir, err, "reading new commit")
	}
	return t.toVersion(commit, nil), nil
}

// CurrentVersion returns the checked-out version.
func (t *GitTracker) CurrentVersion(ctx context.Context, dir string) (*state.Version, error) {
	const op = "currentVersion"
	repo, err := t.open(op, dir)
	if err != nil {
		return nil, err
	}
	commit, err := headCommit(repo)
	if err != nil {
		return nil, errs.NotFound(op, "no version yet in %s", dir)
	}
	tags, err := tagIndex(repo)
	if err != nil {
		return nil, t.backendErr(op, dir, err, "reading tags")
	}
	return t.toVersion(commit, tags), nil
}

// InitialVersion returns the root version of the checked-out history.
func (t *GitTracker) InitialVersion(ctx context.Context, dir string) (*state.Version, error) {
	const op = "initialVersion"
	repo, err := t.open(op, dir)
	if err != nil {
		return nil, err
	}
	commit, err := headCommit(repo)
	if err != nil {
		return nil, errs.NotFound(op, "no version yet in %s", dir)
	}
	for commit.NumParents() > 0 {
		commit, err = commit.Parent(0)
		if err != nil {
			return nil, t.backendErr(op, dir, err, "walking history")
		}
	}
	tags, err := tagIndex(repo)
	if err != nil {
		return nil, t.backendErr(op, dir, err, "reading tags")
	}
	return t.toVersion(commit, tags), nil
}

// ListVersions returns every version reachable from HEAD or a local branch,
// most recent first.
func (t *GitTracker) ListVersions(ctx context.Context, dir string) ([]state.Version, error) {
	const op = "listVersions"
	repo, err := t.open(op, dir)
	if err != nil {
		return nil, err
	}

	var tips []plumbing.Hash
	if head, err := repo.Head(); err == nil {
		tips = append(tips, head.Hash())
	}
	branches, err := repo.Branches()
	if err != nil {
		return nil, t.backendErr(op, dir, err, "listing branches")
	}
	_ = branches.ForEach(func(ref *plumbing.Reference) error {
		tips = append(tips, ref.Hash())
		return nil
	})

	seen := make(map[plumbing.Hash]bool)
	var commits []*object.Commit
	for _, tip := range tips {
		if seen[tip] {
			continue
		}
		iter, err := repo.Log(&git.LogOptions{From: tip})
		if err != nil {
			return nil, t.backendErr(op, dir, err, "reading log")
		}
		err = iter.ForEach(func(c *object.Commit) error {
			if seen[c.Hash] {
				return nil
			}
			seen[c.Hash] = true
			commits = append(commits, c)
			return nil
		})
		if err != nil {
			return nil, t.backendErr(op, dir, err, "reading log")
		}
	}

	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].Committer.When.After(commits[j].Committer.When)
	})

	tags, err := tagIndex(repo)
	if err != nil {
		return nil, t.backendErr(op, dir, err, "reading tags")
	}
	versions := make([]state.Version, 0, len(commits))
	for _, c := range commits {
		versions = append(versions, *t.toVersion(c, tags))
	}
	return versions, nil
}

// GoToVersion checks out versionID. The tracker directory is derived from
// the project artifact, so local edits to it are overwritten. A version at
// the tip of a local branch checks out that branch.
func (t *GitTracker) GoToVersion(ctx context.Context, dir, versionID string) (*state.Version, error) {
	const op = "goToVersion"
	repo, err := t.open(op, dir)
	if err != nil {
		return nil, err
	}
	commit, err := resolveCommit(repo, versionID)
	if err != nil {
		return nil, errs.NotFound(op, "unknown version %q", versionID)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, t.backendErr(op, dir, err, "opening worktree")
	}

	checkout := &git.CheckoutOptions{Hash: commit.Hash, Force: true}
	if branch := branchAt(repo, commit.Hash); branch != "" {
		checkout = &git.CheckoutOptions{Branch: branch, Force: true}
	}
	if err := wt.Checkout(checkout); err != nil {
		return nil, t.backendErr(op, dir, err, "checking out %s", versionID)
	}

	tags, err := tagIndex(repo)
	if err != nil {
		return nil, t.backendErr(op, dir, err, "reading tags")
	}
	return t.toVersion(commit, tags), nil
}

// AddTag attaches a lightweight tag to versionID.
func (t *GitTracker) AddTag(ctx context.Context, dir, versionID, tag string) error {
	const op = "addTag"
	if err := ValidateTag(tag); err != nil {
		return err
	}
	repo, err := t.open(op, dir)
	if err != nil {
		return err
	}
	commit, err := resolveCommit(repo, versionID)
	if err != nil {
		return errs.NotFound(op, "unknown version %q", versionID)
	}
	if _, err := repo.CreateTag(tag, commit.Hash, nil); err != nil {
		if errors.Is(err, git.ErrTagExists) {
			return errs.Validation(op, "tag %q already exists", tag)
		}
		return t.backendErr(op, dir, err, "creating tag %s", tag)
	}
	return nil
}

// RemoveTag deletes a tag.
func (t *GitTracker) RemoveTag(ctx context.Context, dir, tag string) error {
	const op = "removeTag"
	repo, err := t.open(op, dir)
	if err != nil {
		return err
	}
	if err := repo.DeleteTag(tag); err != nil {
		if errors.Is(err, git.ErrTagNotFound) {
			return errs.NotFound(op, "no tag %q", tag)
		}
		return t.backendErr(op, dir, err, "deleting tag %s", tag)
	}
	return nil
}

// ReadFile reads path from the working tree, or from versionID when set.
func (t *GitTracker) ReadFile(ctx context.Context, dir, path, versionID string) ([]byte, error) {
	const op = "readFile"
	if versionID == "" {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(path)))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.NotFound(op, "missing file %s", path)
		}
		if err != nil {
			return nil, t.backendErr(op, dir, err, "reading %s", path)
		}
		return data, nil
	}

	repo, err := t.open(op, dir)
	if err != nil {
		return nil, err
	}
	commit, err := resolveCommit(repo, versionID)
	if err != nil {
		return nil, errs.NotFound(op, "unknown version %q", versionID)
	}
	f, err := commit.File(filepath.ToSlash(path))
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, errs.NotFound(op, "missing file %s at %s", path, versionID)
	}
	if err != nil {
		return nil, t.backendErr(op, dir, err, "reading %s at %s", path, versionID)
	}
	content, err := f.Contents()
	if err != nil {
		return nil, t.backendErr(op, dir, err, "reading %s at %s", path, versionID)
	}
	return []byte(content), nil
}

// ListFiles lists slash-separated file paths in the working tree (without
// .git) or in versionID's tree.
func (t *GitTracker) ListFiles(ctx context.Context, dir, versionID string) ([]string, error) {
	const op = "listFiles"
	var files []string

	if versionID == "" {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		})
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.NotFound(op, "missing directory %s", dir)
		}
		if err != nil {
			return nil, t.backendErr(op, dir, err, "walking working tree")
		}
		sort.Strings(files)
		return files, nil
	}

	repo, err := t.open(op, dir)
	if err != nil {
		return nil, err
	}
	commit, err := resolveCommit(repo, versionID)
	if err != nil {
		return nil, errs.NotFound(op, "unknown version %q", versionID)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, t.backendErr(op, dir, err, "reading tree")
	}
	err = tree.Files().ForEach(func(f *object.File) error {
		files = append(files, f.Name)
		return nil
	})
	if err != nil {
		return nil, t.backendErr(op, dir, err, "listing tree")
	}
	sort.Strings(files)
	return files, nil
}

// Push pushes local branches and tags to the remote.
func (t *GitTracker) Push(ctx context.Context, dir string) error {
	const op = "push"
	repo, err := t.open(op, dir)
	if err != nil {
		return err
	}
	url, err := t.remoteURL(repo)
	if err != nil {
		return errs.Validation(op, "no remote configured for %s", dir)
	}
	user, err := t.users.Load()
	if err != nil {
		return t.backendErr(op, dir, err, "loading user")
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: t.remote,
		Auth:       authFor(user, url),
		RefSpecs: []config.RefSpec{
			"refs/heads/*:refs/heads/*",
			"refs/tags/*:refs/tags/*",
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return t.backendErr(op, dir, err, "pushing to %s", url)
	}
	return nil
}

func (t *GitTracker) remoteURL(repo *git.Repository) (string, error) {
	remote, err := repo.Remote(t.remote)
	if err != nil {
		return "", err
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", git.ErrRemoteNotFound
	}
	return urls[0], nil
}

func (t *GitTracker) toVersion(c *object.Commit, tags map[plumbing.Hash]string) *state.Version {
	name, description := DecodeMessage(c.Message)
	return &state.Version{
		ID:          c.Hash.String(),
		Name:        name,
		Author:      state.Author{Name: c.Author.Name, Email: c.Author.Email},
		Date:        c.Author.When,
		Description: description,
		Tag:         tags[c.Hash],
	}
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, err
	}
	return repo.CommitObject(head.Hash())
}

func resolveCommit(repo *git.Repository, id string) (*object.Commit, error) {
	if id == "" {
		return nil, plumbing.ErrReferenceNotFound
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(id))
	if err != nil {
		return nil, err
	}
	return repo.CommitObject(*hash)
}

// tagIndex maps each tagged commit to one of its tags (the first by name).
func tagIndex(repo *git.Repository) (map[plumbing.Hash]string, error) {
	iter, err := repo.Tags()
	if err != nil {
		return nil, err
	}
	index := make(map[plumbing.Hash]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		hash, err := repo.ResolveRevision(plumbing.Revision(ref.Name().String()))
		if err != nil {
			return nil
		}
		name := ref.Name().Short()
		if cur, ok := index[*hash]; !ok || name < cur {
			index[*hash] = name
		}
		return nil
	})
	return index, err
}

func branchAt(repo *git.Repository, hash plumbing.Hash) plumbing.ReferenceName {
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() && head.Hash() == hash {
		return head.Name()
	}
	iter, err := repo.Branches()
	if err != nil {
		return ""
	}
	var found plumbing.ReferenceName
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		if found == "" && ref.Hash() == hash {
			found = ref.Name()
		}
		return nil
	})
	return found
}

package project

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tdvc/internal/conflict"
	"tdvc/internal/errs"
	"tdvc/internal/extract"
	"tdvc/internal/session"
	"tdvc/internal/state"
	"tdvc/internal/tracker"
)

const artifact = "P.toe"

// jsonProcessor stores the text tree inside the artifact as JSON, which
// makes expand and collapse exact inverses.
type jsonProcessor struct{}

func (jsonProcessor) Expand(_ context.Context, dir, outDir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, artifact))
	if err != nil {
		return nil, errs.NotFound("expand", "no project file in %s", dir)
	}
	var files map[string]string
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(filepath.Join(outDir, artifact+".dir")); err != nil {
		return nil, err
	}
	var out []string
	for rel, content := range files {
		path := filepath.Join(outDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

func (jsonProcessor) Collapse(_ context.Context, dir, outDir string) ([]string, error) {
	toc := filepath.Join(dir, artifact+".toc")
	data, err := os.ReadFile(toc)
	if err != nil {
		return nil, errs.NotFound("collapse", "no table of contents in %s", dir)
	}
	files := map[string]string{artifact + ".toc": string(data)}
	root := filepath.Join(dir, artifact+".dir")
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		files[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(files)
	if err != nil {
		return nil, err
	}
	return []string{artifact}, os.WriteFile(filepath.Join(outDir, artifact), encoded, 0644)
}

// countingExtractor counts full extractions.
type countingExtractor struct {
	*extract.Engine
	calls atomic.Int32
}

func (c *countingExtractor) Extract(ctx context.Context, src extract.Source) (*state.State, error) {
	c.calls.Add(1)
	return c.Engine.Extract(ctx, src)
}

const toc = "project1.n\nproject1/geo1.n\nproject1/geo1.parm\nproject1/light1.n\n"

func projectFiles(tx string) map[string]string {
	return map[string]string{
		"P.toe.toc":                    toc,
		"P.toe.dir/project1/geo1.n":    "COMP:geometry\ntile 0 0 130 90\n",
		"P.toe.dir/project1/geo1.parm": "?\ntx 0 " + tx + "\nmaterial 0 \"light1\"\n",
		"P.toe.dir/project1/light1.n":  "COMP:light\ntile 200 0 130 90\n",
	}
}

func writeArtifact(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	data, err := json.Marshal(files)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact), data, 0644))
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func newManager(t *testing.T) (*Manager, *countingExtractor) {
	t.Helper()
	requireGit(t)
	tr := tracker.NewGitTracker(session.NewMemoryStore(nil), zap.NewNop(), tracker.Options{
		Timeout:     time.Minute,
		DiffExclude: []string{"*.dir/local/**"},
	})
	x := &countingExtractor{Engine: extract.Default("")}
	m := NewManager(tr, jsonProcessor{}, x, zap.NewNop(), Options{
		TrackerDir:   ".tdvc",
		MergeExclude: []string{StateFile},
		CacheStates:  true,
	})
	return m, x
}

func newProject(t *testing.T, m *Manager, tx string) string {
	t.Helper()
	dir := t.TempDir()
	writeArtifact(t, dir, projectFiles(tx))
	_, err := m.Init(context.Background(), dir, "", "")
	require.NoError(t, err)
	return dir
}

func TestManager_InitAndVersions(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	dir := newProject(t, m, "1")

	current, err := m.CurrentVersion(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, InitialVersionName, current.Name)

	committed, err := state.ReadFile(filepath.Join(dir, ".tdvc", StateFile))
	require.NoError(t, err)
	require.Len(t, committed.Nodes, 2)
	assert.Equal(t, []state.Edge{{Destination: "light1", IsParameterEdge: true}}, committed.Inputs["geo1"])

	writeArtifact(t, dir, projectFiles("2"))
	v1, err := m.CreateVersion(ctx, dir, "v1", "desc")
	require.NoError(t, err)

	current, err = m.CurrentVersion(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, current.ID)
	assert.Equal(t, "v1", current.Name)
	assert.Equal(t, "desc", current.Description)

	versions, err := m.ListVersions(ctx, dir)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestManager_CreateVersionValidation(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	dir := newProject(t, m, "1")

	tests := []struct {
		name, description string
	}{
		{"", ""},
		{strings.Repeat("n", 257), ""},
		{"ok", strings.Repeat("d", 1025)},
	}
	for _, tt := range tests {
		_, err := m.CreateVersion(ctx, dir, tt.name, tt.description)
		assert.True(t, errs.IsKind(err, errs.KindValidation))
	}

	versions, err := m.ListVersions(ctx, dir)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestManager_MissingDirectory(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.CurrentVersion(context.Background(), filepath.Join(t.TempDir(), "absent"))
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err = m.CurrentVersion(context.Background(), file)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestManager_WorkingStateIsCached(t *testing.T) {
	m, x := newManager(t)
	ctx := context.Background()
	dir := newProject(t, m, "1")

	x.calls.Store(0)
	first, err := m.GetVersionState(ctx, dir, "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), x.calls.Load())

	second, err := m.GetVersionState(ctx, dir, "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), x.calls.Load())
	assert.Equal(t, first, second)

	firstDigest, err := first.Digest()
	require.NoError(t, err)
	secondDigest, err := second.Digest()
	require.NoError(t, err)
	assert.Equal(t, firstDigest, secondDigest)

	writeArtifact(t, dir, projectFiles("9"))
	third, err := m.GetVersionState(ctx, dir, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), x.calls.Load())
	geo, _ := third.Node("geo1")
	assert.Equal(t, "9", geo.Properties["tx"])
}

func TestManager_HistoricalStateAndDiff(t *testing.T) {
	m, x := newManager(t)
	ctx := context.Background()
	dir := newProject(t, m, "1")
	initial, err := m.CurrentVersion(ctx, dir)
	require.NoError(t, err)

	writeArtifact(t, dir, projectFiles("2"))
	v2, err := m.CreateVersion(ctx, dir, "v2", "")
	require.NoError(t, err)

	x.calls.Store(0)
	old, err := m.GetVersionState(ctx, dir, initial.ID)
	require.NoError(t, err)
	geo, _ := old.Node("geo1")
	assert.Equal(t, "1", geo.Properties["tx"])

	_, err = m.GetVersionState(ctx, dir, initial.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), x.calls.Load())

	d, err := m.DiffStates(ctx, dir, initial.ID, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Changes.Total())
	assert.Contains(t, d.String(), "tx: 1 -> 2")

	text, err := m.Compare(ctx, dir, v2.ID)
	require.NoError(t, err)
	assert.Contains(t, text, "+tx 0 2")
}

func TestManager_TagsAndGoToVersion(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	dir := newProject(t, m, "1")
	initial, err := m.CurrentVersion(ctx, dir)
	require.NoError(t, err)

	writeArtifact(t, dir, projectFiles("2"))
	_, err = m.CreateVersion(ctx, dir, "v2", "")
	require.NoError(t, err)

	assert.True(t, errs.IsKind(m.AddTag(ctx, dir, initial.ID, "bad tag"), errs.KindValidation))
	require.NoError(t, m.AddTag(ctx, dir, initial.ID, "release/v1"))

	moved, err := m.GoToVersion(ctx, dir, "release/v1")
	require.NoError(t, err)
	assert.Equal(t, initial.ID, moved.ID)
	assert.Equal(t, "release/v1", moved.Tag)

	// The artifact was collapsed from the checked-out tree.
	data, err := os.ReadFile(filepath.Join(dir, artifact))
	require.NoError(t, err)
	var files map[string]string
	require.NoError(t, json.Unmarshal(data, &files))
	assert.Equal(t, projectFiles("1")["P.toe.dir/project1/geo1.parm"], files["P.toe.dir/project1/geo1.parm"])

	s, err := m.GetVersionState(ctx, dir, "")
	require.NoError(t, err)
	geo, _ := s.Node("geo1")
	assert.Equal(t, "1", geo.Properties["tx"])

	require.NoError(t, m.RemoveTag(ctx, dir, "release/v1"))
	_, err = m.GoToVersion(ctx, dir, "release/v1")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestManager_InitFromTemplate(t *testing.T) {
	m, _ := newManager(t)
	template := t.TempDir()
	writeArtifact(t, template, projectFiles("4"))

	dir := t.TempDir()
	v, err := m.Init(context.Background(), dir, "", template)
	require.NoError(t, err)
	assert.Equal(t, InitialVersionName, v.Name)
	assert.FileExists(t, filepath.Join(dir, artifact))

	_, err = m.Init(context.Background(), t.TempDir(), "", t.TempDir())
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestManager_PullConflictFinishMergePush(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	remote := filepath.Join(t.TempDir(), "remote.git")
	_, err := git.PlainInit(remote, true)
	require.NoError(t, err)

	a := t.TempDir()
	writeArtifact(t, a, projectFiles("1"))
	_, err = m.Init(ctx, a, remote, "")
	require.NoError(t, err)

	// A second project starts from the remote history.
	b := t.TempDir()
	_, err = m.Init(ctx, b, "", remote)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(b, artifact))

	outcome, err := m.Pull(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpToDate, outcome.Status)

	writeArtifact(t, b, projectFiles("2"))
	_, err = m.CreateVersion(ctx, b, "b moves geo1", "")
	require.NoError(t, err)
	require.NoError(t, m.Push(ctx, b))

	writeArtifact(t, a, projectFiles("3"))
	_, err = m.CreateVersion(ctx, a, "a moves geo1", "")
	require.NoError(t, err)

	outcome, err = m.Pull(ctx, a)
	require.NoError(t, err)
	require.Equal(t, OutcomeInProgress, outcome.Status)
	geo, _ := outcome.Current.Node("geo1")
	assert.Equal(t, "3", geo.Properties["tx"])
	geo, _ = outcome.Incoming.Node("geo1")
	assert.Equal(t, "2", geo.Properties["tx"])

	status, err := m.GetMergeStatus(ctx, a)
	require.NoError(t, err)
	require.Equal(t, tracker.StatusInProgress, status.Status)
	require.Len(t, status.UnresolvedConflicts, 1)
	assert.Len(t, status.UnresolvedConflicts["project1/geo1.parm"], 1)

	// Reading the working state mid-merge leaves the conflicted tree alone.
	_, _ = m.GetVersionState(ctx, a, "")
	status, err = m.GetMergeStatus(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusInProgress, status.Status)

	merge, err := m.FinishMerge(ctx, a, outcome.Incoming, "", "")
	require.NoError(t, err)
	assert.Equal(t, MergeVersionName, merge.Name)

	resolved, err := os.ReadFile(filepath.Join(a, ".tdvc", "P.toe.dir", "project1", "geo1.parm"))
	require.NoError(t, err)
	assert.Equal(t, projectFiles("2")["P.toe.dir/project1/geo1.parm"], string(resolved))

	status, err = m.GetMergeStatus(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusFinished, status.Status)

	current, err := m.CurrentVersion(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, merge.ID, current.ID)

	// The merge reached the remote: b fast-forwards to it.
	outcome, err = m.Pull(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome.Status)
	current, err = m.CurrentVersion(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, merge.ID, current.ID)
}

func TestManager_PullWithoutFileChanges(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	remote := filepath.Join(t.TempDir(), "remote.git")
	_, err := git.PlainInit(remote, true)
	require.NoError(t, err)

	a := t.TempDir()
	writeArtifact(t, a, projectFiles("1"))
	_, err = m.Init(ctx, a, remote, "")
	require.NoError(t, err)

	// The clone records its own initial version over identical content.
	b := t.TempDir()
	bInitial, err := m.Init(ctx, b, "", remote)
	require.NoError(t, err)
	require.NoError(t, m.Push(ctx, b))

	outcome, err := m.Pull(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome.Status)
	assert.Nil(t, outcome.Version)
	assert.Nil(t, outcome.Current)

	current, err := m.CurrentVersion(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, bInitial.ID, current.ID)

	s, err := m.GetVersionState(ctx, a, "")
	require.NoError(t, err)
	geo, _ := s.Node("geo1")
	assert.Equal(t, "1", geo.Properties["tx"])
}

func TestManager_AbortMerge(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	remote := filepath.Join(t.TempDir(), "remote.git")
	_, err := git.PlainInit(remote, true)
	require.NoError(t, err)

	a := t.TempDir()
	writeArtifact(t, a, projectFiles("1"))
	_, err = m.Init(ctx, a, remote, "")
	require.NoError(t, err)
	b := t.TempDir()
	_, err = m.Init(ctx, b, "", remote)
	require.NoError(t, err)

	writeArtifact(t, b, projectFiles("2"))
	_, err = m.CreateVersion(ctx, b, "b", "")
	require.NoError(t, err)
	require.NoError(t, m.Push(ctx, b))
	writeArtifact(t, a, projectFiles("3"))
	_, err = m.CreateVersion(ctx, a, "a", "")
	require.NoError(t, err)

	outcome, err := m.Pull(ctx, a)
	require.NoError(t, err)
	require.Equal(t, OutcomeInProgress, outcome.Status)

	current, incoming, err := m.MergeSides(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, outcome.Current, current)
	assert.Equal(t, outcome.Incoming, incoming)

	require.NoError(t, m.AbortMerge(ctx, a))
	_, _, err = m.MergeSides(ctx, a)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
	s, err := m.GetVersionState(ctx, a, "")
	require.NoError(t, err)
	geo, _ := s.Node("geo1")
	assert.Equal(t, "3", geo.Properties["tx"])

	_, err = m.FinishMerge(ctx, a, outcome.Incoming, "", "")
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestNodeSidesAndDefaultSide(t *testing.T) {
	current := state.New()
	incoming := state.New()
	require.NoError(t, current.Add(state.Node{Name: "a", Properties: state.Properties{"x": "1"}}, nil))
	require.NoError(t, incoming.Add(state.Node{Name: "a", Properties: state.Properties{"x": "2"}}, nil))
	require.NoError(t, current.Add(state.Node{Name: "same", Properties: state.Properties{}}, nil))
	require.NoError(t, incoming.Add(state.Node{Name: "same", Properties: state.Properties{}}, nil))

	sides, err := nodeSides(incoming, current, incoming)
	require.NoError(t, err)
	assert.Equal(t, conflict.Incoming, sides["a"])
	assert.Equal(t, conflict.Current, sides["same"])
	assert.Equal(t, conflict.Incoming, defaultSide(incoming, current, incoming, sides))
	assert.Equal(t, conflict.Current, defaultSide(current, current, incoming, map[string]conflict.Side{}))

	other := state.New()
	require.NoError(t, other.Add(state.Node{Name: "a", Properties: state.Properties{"x": "3"}}, nil))
	_, err = nodeSides(other, current, incoming)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

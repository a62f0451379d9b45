package processor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tdvc/internal/errs"
)

const expandScript = `#!/bin/sh
set -e
name="$1"
mkdir -p "$name.dir/project1"
printf 'project1.n\nproject1/geo1.n\n' > "$name.toc"
cat "$name" > "$name.dir/project1/geo1.n"
`

const collapseScript = `#!/bin/sh
set -e
tree="$1"
name="${tree%.dir}"
cat "$tree/project1/geo1.n" > "$name"
rm -rf "$tree" "$name.toc"
`

// fakeConverter writes the two scripts and returns a processor using them.
func fakeConverter(t *testing.T) *ExecProcessor {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	bin := t.TempDir()
	expand := filepath.Join(bin, "expand.sh")
	collapse := filepath.Join(bin, "collapse.sh")
	require.NoError(t, os.WriteFile(expand, []byte(expandScript), 0755))
	require.NoError(t, os.WriteFile(collapse, []byte(collapseScript), 0755))
	return NewExecProcessor("sh "+expand, "sh "+collapse, time.Minute, zap.NewNop())
}

func TestExpandCollapse(t *testing.T) {
	p := fakeConverter(t)
	ctx := context.Background()
	project := t.TempDir()
	tracker := filepath.Join(project, ".tdvc")
	require.NoError(t, os.WriteFile(filepath.Join(project, "P.toe"), []byte("COMP:geometry\n"), 0644))

	files, err := p.Expand(ctx, project, tracker)
	require.NoError(t, err)
	assert.Equal(t, []string{"P.toe.toc", "P.toe.dir/project1/geo1.n"}, files)
	assert.NoFileExists(t, filepath.Join(project, "P.toe.toc"))
	assert.FileExists(t, filepath.Join(tracker, "P.toe.dir", "project1", "geo1.n"))

	// Edit the tree, then collapse it back over the artifact.
	require.NoError(t, os.WriteFile(filepath.Join(tracker, "P.toe.dir", "project1", "geo1.n"), []byte("TOP:null\n"), 0644))
	files, err = p.Collapse(ctx, tracker, project)
	require.NoError(t, err)
	assert.Equal(t, []string{"P.toe"}, files)

	data, err := os.ReadFile(filepath.Join(project, "P.toe"))
	require.NoError(t, err)
	assert.Equal(t, "TOP:null\n", string(data))
	// The tracked tree survives collapsing.
	assert.FileExists(t, filepath.Join(tracker, "P.toe.toc"))
	assert.FileExists(t, filepath.Join(tracker, "P.toe.dir", "project1", "geo1.n"))

	// Expanding again replaces the old tree.
	files, err = p.Expand(ctx, project, tracker)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestExpand_MissingInputs(t *testing.T) {
	p := NewExecProcessor("true", "true", time.Minute, nil)
	ctx := context.Background()

	_, err := p.Expand(ctx, t.TempDir(), "")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	_, err = p.Expand(ctx, filepath.Join(t.TempDir(), "absent"), "")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	_, err = p.Collapse(ctx, t.TempDir(), "")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "P.toe.toc"), nil, 0644))
	_, err = p.Collapse(ctx, dir, "")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestFindArtifact_Ambiguous(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.toe"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.toe"), nil, 0644))
	_, err := FindArtifact(dir)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestExpand_ConverterFailure(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	p := NewExecProcessor("false", "false", time.Minute, nil)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "P.toe"), nil, 0644))
	_, err := p.Expand(context.Background(), dir, "")
	assert.True(t, errs.IsKind(err, errs.KindBackend))
}

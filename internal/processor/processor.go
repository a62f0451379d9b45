// Package processor wraps the external converter that expands a binary
// project file into a text tree and collapses it back.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tdvc/internal/errs"
)

// ProjectExt is the extension of the binary project artifact.
const ProjectExt = ".toe"

// Processor converts between the binary project artifact and its text tree.
type Processor interface {
	// Expand converts the artifact in dir into Name.toe.toc and Name.toe.dir,
	// moved into outDir when it is set. It returns the produced files
	// relative to the output directory.
	Expand(ctx context.Context, dir, outDir string) ([]string, error)
	// Collapse converts the text tree in dir back into Name.toe, written to
	// outDir when it is set. The text tree is left in place.
	Collapse(ctx context.Context, dir, outDir string) ([]string, error)
}

// ExecProcessor runs the converter binaries.
type ExecProcessor struct {
	expandCmd   string
	collapseCmd string
	timeout     time.Duration
	logger      *zap.Logger
}

var _ Processor = (*ExecProcessor)(nil)

// NewExecProcessor creates a processor around the expand and collapse
// commands.
func NewExecProcessor(expandCmd, collapseCmd string, timeout time.Duration, logger *zap.Logger) *ExecProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ExecProcessor{
		expandCmd:   expandCmd,
		collapseCmd: collapseCmd,
		timeout:     timeout,
		logger:      logger,
	}
}

// FindArtifact returns the name of the single project file in dir.
func FindArtifact(dir string) (string, error) {
	return findOne("expand", dir, func(e fs.DirEntry) bool {
		return !e.IsDir() && strings.HasSuffix(e.Name(), ProjectExt)
	}, "project file (*"+ProjectExt+")")
}

// FindTOC returns the name of the single table of contents in dir.
func FindTOC(dir string) (string, error) {
	return findOne("collapse", dir, func(e fs.DirEntry) bool {
		return !e.IsDir() && strings.HasSuffix(e.Name(), ProjectExt+".toc")
	}, "table of contents (*"+ProjectExt+".toc)")
}

func findOne(op, dir string, match func(fs.DirEntry) bool, what string) (string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", errs.NotFound(op, "missing directory %s", dir)
	}
	if err != nil {
		return "", errs.Backend(op, err, "reading %s", dir)
	}
	var found []string
	for _, e := range entries {
		if match(e) {
			found = append(found, e.Name())
		}
	}
	switch len(found) {
	case 0:
		return "", errs.NotFound(op, "no %s in %s", what, dir)
	case 1:
		return found[0], nil
	default:
		sort.Strings(found)
		return "", errs.Validation(op, "more than one %s in %s: %s", what, dir, strings.Join(found, ", "))
	}
}

// Expand runs the expand command next to the artifact and relocates its
// output.
func (p *ExecProcessor) Expand(ctx context.Context, dir, outDir string) ([]string, error) {
	const op = "expand"
	name, err := FindArtifact(dir)
	if err != nil {
		return nil, err
	}
	if outDir == "" {
		outDir = dir
	}

	toc, tree := name+".toc", name+".dir"
	// Stale output would be merged into by the converter.
	_ = os.Remove(filepath.Join(dir, toc))
	_ = os.RemoveAll(filepath.Join(dir, tree))

	if err := p.run(ctx, op, dir, p.expandCmd, name); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, toc)); err != nil {
		return nil, errs.NotFound(op, "converter produced no %s", toc)
	}

	if outDir != dir {
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return nil, p.backendErr(op, dir, err, "creating %s", outDir)
		}
		if err := os.RemoveAll(filepath.Join(outDir, tree)); err != nil {
			return nil, p.backendErr(op, dir, err, "clearing old tree")
		}
		for _, item := range []string{toc, tree} {
			if err := move(filepath.Join(dir, item), filepath.Join(outDir, item)); err != nil {
				return nil, p.backendErr(op, dir, err, "moving %s", item)
			}
		}
	}

	return listTree(outDir, toc, tree)
}

// Collapse copies the text tree to a staging directory, runs the collapse
// command there and moves the resulting artifact out.
func (p *ExecProcessor) Collapse(ctx context.Context, dir, outDir string) ([]string, error) {
	const op = "collapse"
	toc, err := FindTOC(dir)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(toc, ".toc")
	tree := name + ".dir"
	if info, err := os.Stat(filepath.Join(dir, tree)); err != nil || !info.IsDir() {
		return nil, errs.NotFound(op, "missing archive directory %s", tree)
	}
	if outDir == "" {
		outDir = dir
	}

	staging := filepath.Join(os.TempDir(), "tdvc-collapse-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, p.backendErr(op, dir, err, "creating staging dir")
	}
	defer os.RemoveAll(staging)

	if err := copyFile(filepath.Join(dir, toc), filepath.Join(staging, toc)); err != nil {
		return nil, p.backendErr(op, dir, err, "staging %s", toc)
	}
	if err := copyTree(filepath.Join(dir, tree), filepath.Join(staging, tree)); err != nil {
		return nil, p.backendErr(op, dir, err, "staging %s", tree)
	}

	if err := p.run(ctx, op, staging, p.collapseCmd, tree); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(staging, name)); err != nil {
		return nil, errs.NotFound(op, "converter produced no %s", name)
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, p.backendErr(op, dir, err, "creating %s", outDir)
	}
	if err := move(filepath.Join(staging, name), filepath.Join(outDir, name)); err != nil {
		return nil, p.backendErr(op, dir, err, "moving %s", name)
	}
	return []string{name}, nil
}

func (p *ExecProcessor) run(ctx context.Context, op, dir, command string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return errs.Validation(op, "no converter command configured")
	}
	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], args...)...)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	p.logger.Debug("running converter",
		zap.String("op", op),
		zap.String("dir", dir),
		zap.Strings("args", cmd.Args))

	if err := cmd.Run(); err != nil {
		return p.backendErr(op, dir, fmt.Errorf("%w: %s", err, strings.TrimSpace(out.String())), "running %s", fields[0])
	}
	return nil
}

func (p *ExecProcessor) backendErr(op, dir string, err error, format string, args ...interface{}) error {
	e := errs.Backend(op, err, format, args...)
	p.logger.Error("converter failure",
		zap.String("op", op),
		zap.String("dir", dir),
		zap.Error(e))
	return e
}

func listTree(root, toc, tree string) ([]string, error) {
	files := []string{toc}
	base := filepath.Join(root, tree)
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("listing %s: %w", tree, err)
	}
	sort.Strings(files[1:])
	return files, nil
}

// move renames src to dst, copying when they are on different filesystems.
func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		err = copyTree(src, dst)
	} else {
		err = copyFile(src, dst)
	}
	if err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CopyFile copies one file, creating parent directories.
func CopyFile(src, dst string) error {
	return copyFile(src, dst)
}

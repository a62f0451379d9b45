package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tdvc/internal/config"
	"tdvc/internal/errs"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(errs.Validation("op", "bad")))
	assert.Equal(t, 3, exitCode(errs.NotFound("op", "gone")))
	assert.Equal(t, 1, exitCode(errs.Consistency("op", "broken")))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		logger, err := newLogger(config.LogConfig{Level: "warn", Format: format})
		require.NoError(t, err)
		assert.False(t, logger.Core().Enabled(-1))
	}
	_, err := newLogger(config.LogConfig{Level: "loud", Format: "console"})
	assert.Error(t, err)
}

func TestResolvedStateFlags(t *testing.T) {
	t.Cleanup(func() { mergeSide, mergeStateFile = "", "" })

	mergeSide, mergeStateFile = "current", "resolved.json"
	_, err := resolvedState(context.Background(), nil)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	mergeSide, mergeStateFile = "", filepath.Join(t.TempDir(), "missing.json")
	_, err = resolvedState(context.Background(), nil)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"init"}, {"login"}, {"version", "create"}, {"version", "list"}, {"version", "current"},
		{"checkout"}, {"tag", "add"}, {"tag", "rm"}, {"state"}, {"diff"},
		{"pull"}, {"push"}, {"merge", "status"}, {"merge", "finish"}, {"merge", "abort"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

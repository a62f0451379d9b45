package pathmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher_Match(t *testing.T) {
	m := New(
		"# generated",
		"state.json",
		"*.dir/local/**",
		"/root_only.txt",
		"cache/",
		"*.log",
		"!keep.log",
	)

	tests := []struct {
		path string
		want bool
	}{
		{"state.json", true},
		{"nested/state.json", true},
		{"project.toe.dir/local/cache.n", true},
		{"project.toe.dir/project1/geo1.n", false},
		{"root_only.txt", true},
		{"sub/root_only.txt", false},
		{"cache/a/b", true},
		{"debug.log", true},
		{"keep.log", false},
		{"./state.json", true},
		{"project.toe.toc", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.path))
		})
	}
}

func TestMatcher_Empty(t *testing.T) {
	assert.True(t, New().Empty())
	assert.True(t, New("", "# only a comment").Empty())
	assert.False(t, New("x").Empty())
	assert.False(t, New().Match("anything"))
}

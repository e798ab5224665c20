package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"root", "/", ""},
		{"double_root", "//", ""},
		{"dot", ".", ""},

		{"simple", "foo", "foo"},
		{"leading_slash", "/foo", "foo"},
		{"trailing_slash", "foo/", "foo"},
		{"both_slashes", "/foo/", "foo"},

		{"two_parts", "foo/bar", "foo/bar"},
		{"two_parts_leading_slash", "/foo/bar", "foo/bar"},
		{"two_parts_trailing_slash", "/foo/bar/", "foo/bar"},
		{"three_parts", "foo/bar/baz", "foo/bar/baz"},

		{"dot_prefix", "./foo", "foo"},
		{"dot_suffix", "foo/.", "foo"},
		{"dot_middle", "foo/./bar", "foo/bar"},
		{"dotdot_middle", "foo/../bar", "bar"},

		{"double_slash", "foo//bar", "foo/bar"},
		{"many_slashes", "///foo///bar///", "foo/bar"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NormalizePath(tt.input)
			assert.Equal(t, tt.want, got, "NormalizePath(%q)", tt.input)
		})
	}
}

func TestSplitPath(t *testing.T) {
	t.Parallel()

	assert.Nil(t, SplitPath("/"))
	assert.Equal(t, []string{"a"}, SplitPath("/a"))
	assert.Equal(t, []string{"a", "b", "c"}, SplitPath("/a/b/c/"))
}

func TestParentAndBase(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", ParentPath("/foo"))
	assert.Equal(t, "foo", ParentPath("/foo/bar"))
	assert.Equal(t, "foo/bar", ParentPath("/foo/bar/baz"))
	assert.Equal(t, "", BaseName("/"))
	assert.Equal(t, "bar", BaseName("/foo/bar"))
}

func TestJoinPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", JoinPath())
	assert.Equal(t, "foo", JoinPath("/foo/"))
	assert.Equal(t, "foo/bar/baz", JoinPath("foo", "/bar", "baz/"))
}

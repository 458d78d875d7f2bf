package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSkipsHidden(t *testing.T) {
	f, err := New(DefaultExpression)
	require.NoError(t, err)

	tests := []struct {
		path string
		want bool
	}{
		{"/evidence/a.pdf", true},
		{"/evidence/sub/b.eml", true},
		{"/evidence/.DS_Store", false},
		{"/evidence/.git/config", false},
		{"/evidence/sub/.cache/x.pdf", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			ok, err := f.Match(File{Path: tt.path, Root: "/evidence", Size: 10})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestHiddenRootDoesNotHideChildren(t *testing.T) {
	f, err := New(DefaultExpression)
	require.NoError(t, err)

	ok, err := f.Match(File{Path: "/home/u/.evidence/a.pdf", Root: "/home/u/.evidence"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExtensionAndSize(t *testing.T) {
	f, err := New(`file.ext in [".pdf", ".eml"] && file.size < 1000`)
	require.NoError(t, err)

	ok, err := f.Match(File{Path: "/e/A.PDF", Root: "/e", Size: 999})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Match(File{Path: "/e/a.pdf", Root: "/e", Size: 1000})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.Match(File{Path: "/e/a.txt", Root: "/e", Size: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmptyMatchesAll(t *testing.T) {
	f, err := New("  ")
	require.NoError(t, err)
	ok, err := f.Match(File{Path: "/e/.hidden"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompileAndTypeErrors(t *testing.T) {
	_, err := New("file.size >")
	assert.Error(t, err)

	f, err := New("file.name")
	require.NoError(t, err)
	_, err = f.Match(File{Path: "/e/a"})
	assert.Error(t, err)
}

func TestAttributes(t *testing.T) {
	attrs := Attributes(File{Path: "/e/sub/Report.PDF", Root: "/e", Size: 5})
	assert.Equal(t, "Report.PDF", attrs["name"])
	assert.Equal(t, "sub/Report.PDF", attrs["rel"])
	assert.Equal(t, "/e/sub", attrs["dir"])
	assert.Equal(t, ".pdf", attrs["ext"])
	assert.Equal(t, int64(5), attrs["size"])
	assert.Equal(t, false, attrs["hidden"])
}

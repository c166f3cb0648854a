package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	root := t.TempDir()
	ws := New(filepath.Join(root, "proj-1"))
	require.NoError(t, ws.Ensure())
	return ws
}

func TestWorkspace_EnsureCreatesStandardSubdirs(t *testing.T) {
	ws := newTestWorkspace(t)

	for _, dir := range subdirs {
		info, err := os.Stat(filepath.Join(ws.root, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestWorkspace_ResolveAcceptsPathsInsideRoot(t *testing.T) {
	ws := newTestWorkspace(t)

	abs, err := ws.Resolve("src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.root, "src", "main.go"), abs)
}

func TestWorkspace_ResolveRejectsDotDotEscape(t *testing.T) {
	ws := newTestWorkspace(t)

	_, err := ws.Resolve("../../etc/passwd")
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
}

func TestWorkspace_ResolveRejectsEscapeViaNestedTraversal(t *testing.T) {
	ws := newTestWorkspace(t)

	_, err := ws.Resolve("src/../../sibling/secret")
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
}

func TestWorkspace_ResolveAllowsRootItself(t *testing.T) {
	ws := newTestWorkspace(t)

	abs, err := ws.Resolve(".")
	require.NoError(t, err)
	assert.Equal(t, ws.root, abs)
}

func TestWorkspace_WriteThenReadFileRoundTrips(t *testing.T) {
	ws := newTestWorkspace(t)

	require.NoError(t, ws.WriteFile("src/hello.txt", []byte("hello")))

	data, err := ws.ReadFile("src/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWorkspace_WriteFileRejectsTraversal(t *testing.T) {
	ws := newTestWorkspace(t)

	err := ws.WriteFile("../escape.txt", []byte("nope"))
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
}

func TestWorkspace_ListFilesReturnsImmediateEntries(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, ws.WriteFile("src/a.go", []byte("a")))
	require.NoError(t, ws.WriteFile("src/b.go", []byte("b")))

	entries, err := ws.ListFiles("src")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
		assert.False(t, e.IsDir)
	}
	assert.True(t, names["a.go"])
	assert.True(t, names["b.go"])
}

func TestWorkspace_ListFilesRejectsTraversal(t *testing.T) {
	ws := newTestWorkspace(t)

	_, err := ws.ListFiles("../")
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
}

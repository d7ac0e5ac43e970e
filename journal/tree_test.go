package journal

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/fsjournal/framing"
)

func TestTreeInsertionValidation(t *testing.T) {
	var tr, _ = newTestTree(t, map[string]interface{}{
		"file": "content",
		"dir":  map[string]interface{}{"nested": "content"},
	})

	// Case: ancestors must exist.
	require.True(t, errors.Is(tr.mk("missing/child", dirNode(), false), ErrPathDoesNotExist))
	// Case: ancestors must be directories.
	require.True(t, errors.Is(tr.mk("file/child", dirNode(), false), ErrNotADirectory))
	// Case: targets must not exist, whether on disk or staged.
	require.True(t, errors.Is(tr.mk("dir/nested", dirNode(), false), ErrAlreadyExists))
	require.NoError(t, tr.mk("x", dirNode(), false))
	require.True(t, errors.Is(tr.mk("x", dirNode(), false), ErrAlreadyExists))

	// Case: children of a staged directory are known not to exist.
	require.NoError(t, tr.mk("x/y", dirNode(), false))
	require.NoError(t, tr.mk("x/y/z", fileNode(0), false))

	// Case: a file may be overwritten, but a directory may not.
	require.NoError(t, tr.mk("file", fileNode(0), true))
	require.True(t, errors.Is(tr.mk("dir", fileNode(0), true), ErrIsADirectory))
}

func TestTreeRemovalValidation(t *testing.T) {
	var tr, _ = newTestTree(t, map[string]interface{}{
		"file": "content",
		"dir":  map[string]interface{}{"nested": "content"},
	})

	// Case: removed paths must exist.
	var _, err = tr.rm("missing", anyKind)
	require.True(t, errors.Is(err, ErrFileDoesNotExist))
	_, err = tr.rm("missing/child", anyKind)
	require.True(t, errors.Is(err, ErrFileDoesNotExist))

	// Case: the kind of the removed path must match.
	_, err = tr.rm("file", dirKind)
	require.True(t, errors.Is(err, ErrNotADirectory))
	_, err = tr.rm("dir", fileKind)
	require.True(t, errors.Is(err, ErrIsADirectory))

	// Case: removed directories must be empty.
	_, err = tr.rm("dir", dirKind)
	require.True(t, errors.Is(err, ErrNotEmpty))
	_, err = tr.rm("dir/nested", fileKind)
	require.NoError(t, err)
	_, err = tr.rm("dir", dirKind)
	require.NoError(t, err)

	// Case: removed paths leave a tombstone, and may be re-created.
	_, err = tr.rm("file", fileKind)
	require.NoError(t, err)
	_, err = tr.rm("file", fileKind)
	require.True(t, errors.Is(err, ErrFileDoesNotExist))
	require.NoError(t, tr.mk("file", dirNode(), false))
	require.True(t, errors.Is(tr.mk("dir/nested", fileNode(0), false), ErrPathDoesNotExist))

	// Case: a staged file is not a directory.
	require.NoError(t, tr.mk("written", fileNode(0), false))
	_, err = tr.rm("written", dirKind)
	require.True(t, errors.Is(err, ErrNotADirectory))
}

func TestTreeRenames(t *testing.T) {
	var tr, _ = newTestTree(t, map[string]interface{}{
		"a":   "content of a",
		"dir": map[string]interface{}{"nested": "content"},
	})

	// Case: renamed files capture the checksum of their content.
	var n, err = tr.rename("a", "b")
	require.NoError(t, err)
	require.False(t, n.dir)
	require.Equal(t, tr.hash([]byte("content of a")), *n.sum)

	_, err = tr.rename("a", "c")
	require.True(t, errors.Is(err, ErrFileDoesNotExist))

	// Case: a renamed directory carries its unmodeled children with it.
	n, err = tr.rename("dir", "moved")
	require.NoError(t, err)
	require.True(t, n.dir)

	_, err = tr.rm("dir/nested", fileKind)
	require.True(t, errors.Is(err, ErrFileDoesNotExist))
	n, err = tr.rename("moved/nested", "nested")
	require.NoError(t, err)
	require.Equal(t, tr.hash([]byte("content")), *n.sum)

	// Case: a rename which fails validation leaves the tree unmodified.
	_, err = tr.rename("b", "nested")
	require.True(t, errors.Is(err, ErrAlreadyExists))
	_, err = tr.rm("b", fileKind)
	require.NoError(t, err)

	// Case: directories cannot move into themselves.
	_, err = tr.rename("moved", "moved/inner")
	require.True(t, errors.Is(err, ErrRenameIntoSelf))
	_, err = tr.rename("moved", "moved")
	require.True(t, errors.Is(err, ErrRenameIntoSelf))
}

func TestTreeStatsEachPathOnce(t *testing.T) {
	var tr, dir = newTestTree(t, map[string]interface{}{"a": "content"})
	var fs = afero.NewOsFs()

	var _, err = tr.rm("b", anyKind)
	require.True(t, errors.Is(err, ErrFileDoesNotExist))
	require.NoError(t, tr.checkInsert("a", true))

	// Changes to the directory after a path is modeled are not observed.
	require.NoError(t, fs.Remove(filepath.Join(dir, "a")))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "b"), nil, 0666))

	require.NoError(t, tr.mk("b", fileNode(0), false))
	require.True(t, errors.Is(tr.mk("a", fileNode(0), false), ErrAlreadyExists))
}

func newTestTree(t *testing.T, fixture map[string]interface{}) (*tree, string) {
	var dir = t.TempDir()
	writeFixture(t, dir, fixture)

	var hash, err = framing.LookupHash(framing.DefaultHash)
	require.NoError(t, err)

	return newTree(afero.NewOsFs(), pathGuard{directory: dir, tmp: DefaultTmp}, hash), dir
}

func dirNode() *node { return &node{exists: true, dir: true} }

func fileNode(sum uint64) *node { return &node{exists: true, sum: &sum} }

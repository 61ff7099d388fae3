package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Real_WriteFileAtomic_Replaces_Content_And_Applies_Perm(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	path := filepath.Join(t.TempDir(), "table.json")

	require.NoError(t, fsys.WriteFileAtomic(path, []byte("old"), 0o600))
	require.NoError(t, fsys.WriteFileAtomic(path, []byte("new"), 0o640))

	data, err := fsys.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "new", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func Test_Real_Exists_Reports_Missing_Files_Without_Error(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	dir := t.TempDir()

	ok, err := fsys.Exists(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = fsys.Exists(dir)
	require.NoError(t, err)
	require.True(t, ok)
}

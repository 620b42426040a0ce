package packager

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipMembers(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestZipWorkingDirContainsAllFiles(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.py"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("b"), 0o600))

	out := filepath.Join(t.TempDir(), "context.zip")
	require.NoError(t, ZipWorkingDir(src, out))

	assert.ElementsMatch(t, []string{"a.py", "b.txt"}, zipMembers(t, out))
}

func TestZipWorkingDirExcludesGit(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".git", "config"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.py"), []byte("code"), 0o600))

	out := filepath.Join(t.TempDir(), "context.zip")
	require.NoError(t, ZipWorkingDir(src, out))

	names := zipMembers(t, out)
	assert.Contains(t, names, "main.py")
	for _, n := range names {
		assert.NotContains(t, n, ".git")
	}
}

func TestZipWorkingDirExcludesPycache(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "__pycache__"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "__pycache__", "mod.pyc"), []byte{0}, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "mod.py"), []byte("code"), 0o600))

	out := filepath.Join(t.TempDir(), "context.zip")
	require.NoError(t, ZipWorkingDir(src, out))

	names := zipMembers(t, out)
	assert.Contains(t, names, "mod.py")
	for _, n := range names {
		assert.NotContains(t, n, "__pycache__")
	}
}

func TestZipWorkingDirPreservesNestedStructure(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "pkg", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "pkg", "sub", "deep.py"), []byte("deep"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.py"), []byte("top"), 0o600))

	out := filepath.Join(t.TempDir(), "context.zip")
	require.NoError(t, ZipWorkingDir(src, out))

	names := zipMembers(t, out)
	assert.Contains(t, names, "top.py")
	assert.Contains(t, names, "pkg/sub/deep.py")
}

func TestFindRequirements(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "requirements.txt"), []byte(""), 0o600))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	assert.Equal(t, filepath.Join(root, "requirements.txt"), FindRequirements(nested))
}

func TestFindRequirementsNone(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	assert.Equal(t, "", FindRequirements(nested))
}

package secretsenvelope

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBundleRoundTrip(t *testing.T) {
	b := NewBundle()
	require.NoError(t, b.Set("FOO", "bar"))
	require.NoError(t, b.Set("MULTI_LINE", "line1\nline2"))
	require.NoError(t, b.Set("WITH_BACKSLASH", `path\to\file`))

	parsed, err := Parse(b.Serialize())
	require.NoError(t, err)
	require.Equal(t, b.Serialize(), parsed.Serialize())

	v, ok := parsed.Get("MULTI_LINE")
	require.True(t, ok)
	require.Equal(t, "line1\nline2", v)
}

func TestDataHashIsOrderIndependent(t *testing.T) {
	a := NewBundle()
	require.NoError(t, a.Set("B", "2"))
	require.NoError(t, a.Set("A", "1"))

	b := NewBundle()
	require.NoError(t, b.Set("A", "1"))
	require.NoError(t, b.Set("B", "2"))

	require.Equal(t, a.DataHash(), b.DataHash())
}

func TestSetRejectsInvalidKeys(t *testing.T) {
	b := NewBundle()
	require.Error(t, b.Set("", "x"))
	require.Error(t, b.Set("123foo", "x"))
	require.Error(t, b.Set("foo-bar", "x"))
	require.NoError(t, b.Set("_private", "x"))
}

func TestWriteFileIsReadOnlyAndAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "platform.env")

	b := NewBundle()
	require.NoError(t, b.Set("FOO", "bar"))
	require.NoError(t, b.WriteFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0400), info.Mode().Perm())
}

package tempfiles

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpoolAndDeleteOnClose(t *testing.T) {
	dir := t.TempDir()

	f, err := Create(dir, "restore-*.tar.gz")
	require.NoError(t, err)

	_, err = f.WriteString("archive bytes")
	require.NoError(t, err)
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)

	path := f.Name()
	rel, err := filepath.Rel(dir, path)
	require.NoError(t, err)
	require.NotContains(t, rel, "..")

	rc := NewDeleteOnClose(f)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "archive bytes", string(data))
	require.NoError(t, rc.Close())

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// A second Close is a no-op, not a double remove.
	require.NoError(t, rc.Close())
}

func TestCreateMakesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")

	f, err := Create(dir, "upload-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

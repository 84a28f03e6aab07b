package walk_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/CZERTAINLY/jobrelay/internal/walk"

	"github.com/stretchr/testify/require"
)

func TestRoot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job.json"), []byte(`{"type":"noop"}`), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out", "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out", "logs", "run.log"), []byte("log"), 0o600))
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(dir, "link")))

	root, err := os.OpenRoot(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Close() })

	var names []string
	for entry, err := range walk.Root(t.Context(), root) {
		require.NoError(t, err)
		names = append(names, entry.Name)
		require.Equal(t, filepath.Join(dir, filepath.FromSlash(entry.Name)), entry.Path)
		require.True(t, entry.Info.Mode().IsRegular())
	}
	slices.Sort(names)
	require.Equal(t, []string{"job.json", "out/logs/run.log"}, names)

	for entry, err := range walk.Root(t.Context(), root) {
		require.NoError(t, err)
		if entry.Name != "out/logs/run.log" {
			continue
		}
		f, err := entry.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		require.Equal(t, "log", string(b))
	}
}

func TestRootCancelled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	root, err := os.OpenRoot(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Close() })

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	n := 0
	for range walk.Root(ctx, root) {
		n++
	}
	require.Zero(t, n)

	n = 0
	for range walk.Root(t.Context(), root) {
		n++
		break
	}
	require.Equal(t, 1, n)
}

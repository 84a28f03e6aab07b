package jobdir_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/jobrelay/internal/jobdir"

	"github.com/stretchr/testify/require"
)

func newLayout(t *testing.T) jobdir.Layout {
	t.Helper()
	layout, err := jobdir.NewLayout(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, layout.Init())
	return layout
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	layout := newLayout(t)

	job, err := jobdir.Create(layout)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID())
	require.Equal(t, layout.IncomingDir(job.ID()), job.Dir())
	require.DirExists(t, job.Dir())

	t.Run("activate without descriptor", func(t *testing.T) {
		require.ErrorIs(t, job.Activate(), jobdir.ErrNoDescriptor)
	})

	desc, err := jobdir.NewDescriptor("noop", map[string]any{"versionCode": 42, "type": "ignored"})
	require.NoError(t, err)
	require.NoError(t, job.WriteDescriptor(desc))
	require.ErrorIs(t, job.WriteDescriptor(desc), jobdir.ErrDescriptorExists)

	require.NoError(t, job.AddPayloadBytes("lib/main.apk", []byte("apk")))
	require.ErrorIs(t, job.AddPayloadBytes("../escape", nil), jobdir.ErrInvalidName)
	require.ErrorIs(t, job.AddPayloadBytes(jobdir.DescriptorName, nil), jobdir.ErrInvalidName)

	require.NoError(t, job.Activate())
	require.ErrorIs(t, job.Activate(), jobdir.ErrAlreadyActivated)
	require.ErrorIs(t, job.AddPayloadBytes("late", nil), jobdir.ErrAlreadyActivated)
	require.Equal(t, layout.DataDir(job.ID()), job.Dir())
	require.NoDirExists(t, layout.IncomingDir(job.ID()))
	require.FileExists(t, filepath.Join(job.Dir(), "lib", "main.apk"))

	target, err := os.Readlink(layout.PendingPointer(job.ID()))
	require.NoError(t, err)
	require.Equal(t, job.Dir(), target)
	require.True(t, filepath.IsAbs(target))

	loaded, err := jobdir.LoadDescriptor(job.Dir())
	require.NoError(t, err)
	require.Equal(t, "noop", loaded.Type())
	raw, ok := loaded.Field("versionCode")
	require.True(t, ok)
	require.JSONEq(t, "42", string(raw))
}

func TestActivateVanished(t *testing.T) {
	t.Parallel()
	layout := newLayout(t)

	job, err := jobdir.Create(layout)
	require.NoError(t, err)
	desc, err := jobdir.NewDescriptor("noop", nil)
	require.NoError(t, err)
	require.NoError(t, job.WriteDescriptor(desc))
	require.NoError(t, os.RemoveAll(job.Dir()))

	err = job.Activate()
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Lstat(layout.PendingPointer(job.ID()))
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NoDirExists(t, layout.DataDir(job.ID()))
}

func TestAddPayloadFile(t *testing.T) {
	t.Parallel()
	layout := newLayout(t)
	src := filepath.Join(t.TempDir(), "in.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	job, err := jobdir.Create(layout)
	require.NoError(t, err)
	require.NoError(t, job.AddPayload("in.bin", src))
	got, err := os.ReadFile(filepath.Join(job.Dir(), "in.bin"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))

	require.NoError(t, job.Discard())
	require.NoDirExists(t, job.Dir())
}

func TestOpen(t *testing.T) {
	t.Parallel()
	layout := newLayout(t)

	_, err := jobdir.Open(layout, "not-a-uuid")
	require.Error(t, err)

	job, err := jobdir.Create(layout)
	require.NoError(t, err)
	_, err = jobdir.Open(layout, job.ID())
	require.ErrorIs(t, err, jobdir.ErrNoDescriptor)

	desc, err := jobdir.NewDescriptor("noop", nil)
	require.NoError(t, err)
	require.NoError(t, job.WriteDescriptor(desc))

	opened, err := jobdir.Open(layout, job.ID())
	require.NoError(t, err)
	require.NoError(t, opened.Activate())
}

func TestDescriptor(t *testing.T) {
	t.Parallel()

	type apk struct {
		Type        string `json:"type"`
		VersionCode int    `json:"versionCode"`
	}

	desc, err := jobdir.DescriptorFrom("addApk", apk{Type: "overwritten", VersionCode: 7})
	require.NoError(t, err)
	require.Equal(t, "addApk", desc.Type())

	var got apk
	require.NoError(t, desc.Decode(&got))
	require.Equal(t, apk{Type: "addApk", VersionCode: 7}, got)

	_, err = jobdir.NewDescriptor("", nil)
	require.ErrorIs(t, err, jobdir.ErrNoType)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, jobdir.DescriptorName), []byte(`{"apks":[]}`), 0o600))
	_, err = jobdir.LoadDescriptor(dir)
	require.ErrorIs(t, err, jobdir.ErrNoType)

	require.NoError(t, os.WriteFile(filepath.Join(dir, jobdir.DescriptorName), []byte(`{`), 0o600))
	_, err = jobdir.LoadDescriptor(dir)
	require.Error(t, err)

	_, err = jobdir.LoadDescriptor(t.TempDir())
	require.Error(t, err)
}

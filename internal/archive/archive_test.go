package archive_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/CZERTAINLY/jobrelay/internal/archive"
	"github.com/CZERTAINLY/jobrelay/internal/jobdir"
	"github.com/CZERTAINLY/jobrelay/internal/log"
	"github.com/CZERTAINLY/jobrelay/internal/model"
	"github.com/CZERTAINLY/jobrelay/internal/worker"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestFilesystem(t *testing.T) {
	t.Parallel()
	src := writeFile(t, t.TempDir(), "report.txt", "hello")
	dir := filepath.Join(t.TempDir(), "archive")

	sink, err := archive.NewFilesystem(dir, []string{"log"})
	require.NoError(t, err)

	require.NoError(t, sink.Archive(t.Context(), "job1/out/report.txt", src, "payload"))
	b, err := os.ReadFile(filepath.Join(dir, "job1", "out", "report.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	// excluded category
	require.NoError(t, sink.Archive(t.Context(), "job1/stderr.txt", src, "log"))
	require.NoFileExists(t, filepath.Join(dir, "job1", "stderr.txt"))

	// names are kept inside the archive directory
	require.NoError(t, sink.Archive(t.Context(), "../../escape.txt", src, "payload"))
	require.FileExists(t, filepath.Join(dir, "escape.txt"))

	require.NoError(t, sink.Close())
	require.ErrorIs(t, sink.Archive(t.Context(), "x", src, "payload"), archive.ErrClosed)
	require.ErrorIs(t, sink.Close(), archive.ErrClosed)
}

type upload struct {
	path     string
	category string
	body     string
}

func newArchiveServer(t *testing.T) (*httptest.Server, func() []upload) {
	t.Helper()
	var mx sync.Mutex
	var uploads []upload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		b, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if string(b) == "conflict" {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"detail":"already archived"}`))
			return
		}
		if string(b) == "boom" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("internal error"))
			return
		}
		mx.Lock()
		uploads = append(uploads, upload{
			path:     r.URL.Path,
			category: r.Header.Get("X-Archive-Category"),
			body:     string(b),
		})
		mx.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []upload {
		mx.Lock()
		defer mx.Unlock()
		ret := append([]upload(nil), uploads...)
		sort.Slice(ret, func(i, j int) bool { return ret[i].path < ret[j].path })
		return ret
	}
}

func TestHTTP(t *testing.T) {
	t.Parallel()
	srv, uploads := newArchiveServer(t)
	dir := t.TempDir()

	sink, err := archive.NewHTTP(srv.URL+"/api/v1/archive/", []string{"log"})
	require.NoError(t, err)

	require.NoError(t, sink.Archive(t.Context(), "job1/a.txt", writeFile(t, dir, "a.txt", "aaa"), "payload"))
	require.NoError(t, sink.Archive(t.Context(), "job1/b.txt", writeFile(t, dir, "b.txt", "bbb"), "log"))
	require.Equal(t, []upload{
		{path: "/api/v1/archive/job1/a.txt", category: "payload", body: "aaa"},
	}, uploads())

	err = sink.Archive(t.Context(), "job1/c.txt", writeFile(t, dir, "c.txt", "conflict"), "payload")
	require.EqualError(t, err, "archiving job1/c.txt: status code: 409, detail: already archived")

	err = sink.Archive(t.Context(), "job1/d.txt", writeFile(t, dir, "d.txt", "boom"), "payload")
	require.EqualError(t, err, "archiving job1/d.txt: unexpected status: 500, body: internal error")

	_, err = archive.NewHTTP("archive.example.com", nil)
	require.Error(t, err)
}

type failingSink struct{}

func (failingSink) Archive(context.Context, string, string, string) error {
	return errors.New("sink is down")
}

func TestMulti(t *testing.T) {
	t.Parallel()
	src := writeFile(t, t.TempDir(), "a.txt", "a")
	dir := t.TempDir()
	fs, err := archive.NewFilesystem(dir, nil)
	require.NoError(t, err)

	multi := archive.Multi{fs, failingSink{}}
	err = multi.Archive(t.Context(), "a.txt", src, "payload")
	require.EqualError(t, err, "sink is down")
	require.FileExists(t, filepath.Join(dir, "a.txt"))
	require.NoError(t, multi.Close())
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	srv, _ := newArchiveServer(t)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	sinks, err := archive.FromConfig([]model.Archive{
		{Type: model.ArchiveFilesystem, Path: t.TempDir()},
		{Type: model.ArchiveHTTP, URL: model.URL{URL: u}},
	})
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	require.NoError(t, sinks.Close())

	_, err = archive.FromConfig([]model.Archive{{Type: "s3"}})
	require.EqualError(t, err, `unsupported archive type: "s3"`)

	_, err = archive.FromConfig([]model.Archive{{Type: model.ArchiveHTTP}})
	require.Error(t, err)
}

func TestHandler(t *testing.T) {
	t.Parallel()
	srv, uploads := newArchiveServer(t)
	sink, err := archive.NewHTTP(srv.URL, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	writeFile(t, dir, jobdir.DescriptorName, `{"type":"archive","category":"scan"}`)
	writeFile(t, dir, "a.txt", "aaa")
	writeFile(t, dir, "nested/b.txt", "bbb")

	desc, err := jobdir.LoadDescriptor(dir)
	require.NoError(t, err)
	job := worker.Job{
		ID:         "job-1",
		Descriptor: desc,
		Dir:        dir,
		Log:        log.ForJob(slog.New(slog.DiscardHandler), "job-1"),
	}

	require.NoError(t, archive.Handler(sink, 2).Handle(t.Context(), job))
	require.Equal(t, []upload{
		{path: "/job-1/a.txt", category: "scan", body: "aaa"},
		{path: "/job-1/nested/b.txt", category: "scan", body: "bbb"},
	}, uploads())
}

func TestHandlerPrefixAndErrors(t *testing.T) {
	t.Parallel()
	archiveDir := t.TempDir()
	fs, err := archive.NewFilesystem(archiveDir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })

	dir := t.TempDir()
	writeFile(t, dir, jobdir.DescriptorName, `{"type":"archive","prefix":"daily/2026"}`)
	writeFile(t, dir, "a.txt", "aaa")
	desc, err := jobdir.LoadDescriptor(dir)
	require.NoError(t, err)
	job := worker.Job{
		ID:         "job-2",
		Descriptor: desc,
		Dir:        dir,
		Log:        log.ForJob(slog.New(slog.DiscardHandler), "job-2"),
	}

	require.NoError(t, archive.Handler(fs, 1).Handle(t.Context(), job))
	require.FileExists(t, filepath.Join(archiveDir, "daily", "2026", "a.txt"))
	require.NoFileExists(t, filepath.Join(archiveDir, "daily", "2026", jobdir.DescriptorName))

	err = archive.Handler(failingSink{}, 1).Handle(t.Context(), job)
	require.EqualError(t, err, "sink is down")
}

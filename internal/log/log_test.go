package log_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/CZERTAINLY/jobrelay/internal/log"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, false)

	ctx := log.ContextAttrs(t.Context(), slog.String("cmd", "work"))
	logger.InfoContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "hello", rec["msg"])
	require.Equal(t, "work", rec["cmd"])
}

func TestContextAttrsSurviveWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, false).With("component", "pool")

	ctx := log.ContextAttrs(t.Context(), slog.Int("pid", 42))
	logger.InfoContext(ctx, "with")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "pool", rec["component"])
	require.EqualValues(t, 42, rec["pid"])
}

func TestJob(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	job := log.ForJob(log.NewWriter(&buf, true), "1234")
	require.Equal(t, "1234", job.ID())

	job.Info("info")
	job.Warning("warning")
	job.Exception("boom", errors.New("kaput"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	levels := make([]string, 0, 3)
	for _, line := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		require.Equal(t, "1234", rec["job_id"])
		levels = append(levels, rec["level"].(string))
	}
	require.Equal(t, []string{"INFO", "WARN", "ERROR"}, levels)

	var last map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &last))
	require.Equal(t, "kaput", last["error"])
	require.Contains(t, last["stack"], "goroutine")
}

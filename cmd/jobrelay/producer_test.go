package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFields(t *testing.T) {
	t.Parallel()
	fields, err := parseFields([]string{
		"category=reports",
		"retries=3",
		"tags=[\"a\",\"b\"]",
		"query=a=b",
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"category": "reports",
		"retries":  float64(3),
		"tags":     []any{"a", "b"},
		"query":    "a=b",
	}, fields)

	_, err = parseFields([]string{"novalue"})
	require.EqualError(t, err, `field "novalue": expected key=value`)
	_, err = parsePairs("payload", []string{"=path"})
	require.EqualError(t, err, `payload "=path": expected key=value`)
}

func TestLogWriter(t *testing.T) {
	t.Parallel()
	for _, dest := range []string{"", "stderr", "stdout", "discard"} {
		w, err := logWriter(dest)
		require.NoError(t, err)
		require.NotNil(t, w)
	}
}

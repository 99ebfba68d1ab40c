package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"
)

func TestFielders(t *testing.T) {
	t.Parallel()

	fs := fielders("hello", []any{"a", 1, 2, "skipped", "b"})
	require.Equal(t, log.KV{K: "msg", V: "hello"}, fs[0])
	require.Equal(t, log.KV{K: "a", V: 1}, fs[1])
	// Non-string key dropped, trailing key paired with nil.
	require.Equal(t, log.KV{K: "b", V: nil}, fs[2])
	require.Len(t, fs, 3)
}

func TestTagAttrs(t *testing.T) {
	t.Parallel()

	attrs := tagAttrs([]string{"status", "completed", "dangling"})
	require.Len(t, attrs, 2)
	require.Equal(t, "completed", attrs[0].Value.AsString())
	require.Equal(t, "", attrs[1].Value.AsString())
}

func TestKVAttrs(t *testing.T) {
	t.Parallel()

	attrs := kvAttrs([]any{"n", 3, "ok", true, "ratio", 0.5, "name", "x"})
	require.Len(t, attrs, 4)
	require.Equal(t, int64(3), attrs[0].Value.AsInt64())
	require.True(t, attrs[1].Value.AsBool())
}

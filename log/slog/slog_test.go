package slog

import (
	"bytes"
	"encoding/json"
	stdslog "log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/isrcache"
)

func TestSlogLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(stdslog.New(stdslog.NewJSONHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelDebug})))

	l.Error("backend read failed", isrcache.Fields{"op": "get", "key": "/a"})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "ERROR", rec["level"])
	require.Equal(t, "backend read failed", rec["msg"])
	require.Equal(t, "get", rec["op"])
	require.Equal(t, "/a", rec["key"])
	require.Equal(t, "isrcache", rec["component"])
}

func TestSlogLoggerSortsFieldsAndFilters(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{L: stdslog.New(stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelInfo}))}

	l.Debug("hidden", isrcache.Fields{"k": 1})
	require.Zero(t, buf.Len())

	l.Info("sorted", isrcache.Fields{"z": 1, "a": 2, "m": 3})
	line := buf.String()
	require.Less(t, strings.Index(line, "a=2"), strings.Index(line, "m=3"))
	require.Less(t, strings.Index(line, "m=3"), strings.Index(line, "z=1"))
}

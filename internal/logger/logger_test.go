package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewJSONFormat(t *testing.T) {
	l := New(true, "debug")
	require.Equal(t, logrus.DebugLevel, l.Level)

	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.WithField("version", "001").Info("applied")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload))
	require.Equal(t, "applied", payload["msg"])
	require.Equal(t, "001", payload["version"])
}

func TestNewBadLevelFallsBack(t *testing.T) {
	l := New(false, "nope")
	require.Equal(t, logrus.InfoLevel, l.Level)
}

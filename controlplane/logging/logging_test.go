package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopLoggerDiscardsEverything(t *testing.T) {
	l := NewNoop()
	assert.NotPanics(t, func() {
		l.Debug("x")
		l.Info("y", "k", "v")
		l.Warn("z")
		l.Error("w")
	})
}

func TestRecordingLoggerCapturesEntries(t *testing.T) {
	l := NewRecording()
	l.Info("registered", "client_id", "alice_1")
	l.Warn("required client missing", "client_id", "bob_2")
	l.Warn("still missing", "client_id", "bob_2")

	assert.Equal(t, 3, l.Count(""))
	assert.Equal(t, 1, l.Count("info"))
	assert.Equal(t, 2, l.Count("warn"))
	assert.Equal(t, []string{"registered"}, l.Messages("info"))
}

func TestNewProductionLoggerBuilds(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.NotPanics(t, func() { l.Info("controller starting", "addr", ":9090") })
}

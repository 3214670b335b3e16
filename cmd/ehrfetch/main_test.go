package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStderrLogger(t *testing.T) {
	dir := t.TempDir()
	stdoutFile, err := os.Create(filepath.Join(dir, "stdout"))
	require.NoError(t, err)
	stderrFile, err := os.Create(filepath.Join(dir, "stderr"))
	require.NoError(t, err)

	origStdout, origStderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = stdoutFile, stderrFile
	defer func() { os.Stdout, os.Stderr = origStdout, origStderr }()

	logger := newStderrLogger()
	assert.Equal(t, stdoutFile, os.Stdout)

	logger.Infof("Polling session %s", "session-1")
	require.NoError(t, stdoutFile.Close())
	require.NoError(t, stderrFile.Close())

	stdout, err := os.ReadFile(stdoutFile.Name())
	require.NoError(t, err)
	stderr, err := os.ReadFile(stderrFile.Name())
	require.NoError(t, err)
	assert.Empty(t, stdout)
	assert.Contains(t, string(stderr), "Polling session session-1")
}

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "shellbox-sandbox", s.ContainerName)
	assert.Equal(t, "testuser", s.Account)
	assert.Equal(t, 2222, s.SSHHostPort)
	assert.Equal(t, 30, s.ReadyPollLimit)
	assert.Contains(t, s.KeyDir, "shellbox-keys")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SHELLBOX_CONTAINER_NAME", "alt-sandbox")
	t.Setenv("SHELLBOX_SSH_HOST_PORT", "2322")
	t.Setenv("SHELLBOX_SCRIPT_DIRS", "scripts,examples")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "alt-sandbox", s.ContainerName)
	assert.Equal(t, 2322, s.SSHHostPort)
	assert.Equal(t, []string{"scripts", "examples"}, s.ScriptDirs)
}

func TestLoadIgnoresUnprefixedVariables(t *testing.T) {
	// Ambient variables matching the bare tag names must not leak in;
	// an inherited CONTAINER_NAME would point teardown at a foreign
	// container.
	t.Setenv("CONTAINER_NAME", "someone-elses-container")
	t.Setenv("ACCOUNT", "root")
	t.Setenv("PASSWORD", "hunter2")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "shellbox-sandbox", s.ContainerName)
	assert.Equal(t, "testuser", s.Account)
	assert.Equal(t, "testpassword", s.Password)

	// The ambient environment is restored for the rest of the process.
	assert.Equal(t, "someone-elses-container", os.Getenv("CONTAINER_NAME"))
}

func TestLoadPrefixedWinsOverUnprefixed(t *testing.T) {
	t.Setenv("CONTAINER_NAME", "someone-elses-container")
	t.Setenv("SHELLBOX_CONTAINER_NAME", "my-sandbox")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "my-sandbox", s.ContainerName)
}

func TestLoadRejectsZeroPollLimit(t *testing.T) {
	t.Setenv("SHELLBOX_READY_POLL_LIMIT", "0")
	_, err := Load()
	require.Error(t, err)
}

func TestMemoryBytes(t *testing.T) {
	s := Settings{MemoryLimit: "512MiB", ShmSize: "64MiB"}

	mem, err := s.MemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), mem)

	shm, err := s.ShmBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024*1024), shm)
}

func TestMemoryBytesEmptyMeansUnlimited(t *testing.T) {
	s := Settings{}
	mem, err := s.MemoryBytes()
	require.NoError(t, err)
	assert.Zero(t, mem)
}

func TestMemoryBytesBadValue(t *testing.T) {
	s := Settings{MemoryLimit: "lots"}
	_, err := s.MemoryBytes()
	require.Error(t, err)
}

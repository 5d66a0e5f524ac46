// Package config holds the runtime settings for the sandbox provisioner.
//
// Settings come from the environment with the SHELLBOX_ prefix. Every value
// has a default that mirrors a working single-host setup, so the zero
// configuration case is a usable sandbox. The loaded value is passed
// explicitly to each component; there is no package-level state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

// Settings is the full configuration for one sandbox environment.
type Settings struct {
	// Container identity. The name is fixed per host: only one sandbox
	// exists at a time, and reuse decisions key off this name.
	ContainerName string `envconfig:"CONTAINER_NAME" default:"shellbox-sandbox"`
	ImageTag      string `envconfig:"IMAGE_TAG" default:"shellbox-sandbox:latest"`
	DockerHost    string `envconfig:"DOCKER_HOST" default:""`

	// The in-container test account. A stable constant, deliberately not
	// derived from the invoking host user, so the sandbox home directory
	// layout is reproducible across hosts.
	Account  string `envconfig:"ACCOUNT" default:"testuser"`
	Group    string `envconfig:"GROUP" default:"testers"`
	Password string `envconfig:"PASSWORD" default:"testpassword"`

	// SSH reachability. Port 22 inside the container is published on
	// SSHHostPort when the sandbox is dialed via localhost.
	SSHHostPort    int           `envconfig:"SSH_HOST_PORT" default:"2222"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`

	// Readiness gate: poll ceiling and spacing for the bootstrap sentinel.
	ReadyPollLimit    int           `envconfig:"READY_POLL_LIMIT" default:"30"`
	ReadyPollInterval time.Duration `envconfig:"READY_POLL_INTERVAL" default:"1s"`

	// Host-side scratch locations. KeyDir receives SSH key material and the
	// generated client config; both are removed at teardown.
	KeyDir    string `envconfig:"KEY_DIR" default:""`
	PublicKey string `envconfig:"PUBLIC_KEY" default:""`

	// Image build inputs.
	ImageSpecFile string `envconfig:"IMAGE_SPEC_FILE" default:""`
	EntryBinary   string `envconfig:"ENTRY_BINARY" default:""`

	// Container resource limits, human-readable (e.g. "512MiB", "2GiB").
	MemoryLimit string `envconfig:"MEMORY_LIMIT" default:""`
	ShmSize     string `envconfig:"SHM_SIZE" default:"256MiB"`

	// Coverage pipeline.
	ReportDir  string   `envconfig:"REPORT_DIR" default:"coverage-reports"`
	ScriptDirs []string `envconfig:"SCRIPT_DIRS" default:"scripts"`

	// Test runner invoked by `shellbox run` once the sandbox is ready.
	TestCommand string `envconfig:"TEST_COMMAND" default:"go test ./..."`
}

// Load reads settings from the environment and fills in the scratch defaults
// that depend on the host (temp directory). Only SHELLBOX_-prefixed
// variables are consulted: envconfig would otherwise fall back to the bare
// tag names (CONTAINER_NAME, ACCOUNT, ...), and an ambient CONTAINER_NAME
// could point teardown at someone else's container.
func Load() (Settings, error) {
	restore := shadowUnprefixed(Settings{})
	defer restore()

	var s Settings
	if err := envconfig.Process("SHELLBOX", &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if s.KeyDir == "" {
		s.KeyDir = filepath.Join(os.TempDir(), "shellbox-keys")
	}
	if s.ReadyPollLimit <= 0 {
		return Settings{}, fmt.Errorf("load config: ready poll limit must be positive, got %d", s.ReadyPollLimit)
	}
	return s, nil
}

// shadowUnprefixed temporarily unsets the unprefixed alternates of every
// envconfig tag in s, returning a func that restores them. Load is called
// once at startup on a single goroutine, so the brief mutation is safe.
func shadowUnprefixed(s any) (restore func()) {
	saved := make(map[string]string)

	t := reflect.TypeOf(s)
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("envconfig")
		if name == "" {
			continue
		}
		if value, ok := os.LookupEnv(name); ok {
			saved[name] = value
			os.Unsetenv(name)
		}
	}

	return func() {
		for name, value := range saved {
			os.Setenv(name, value)
		}
	}
}

// MemoryBytes parses MemoryLimit. An empty limit means unconstrained.
func (s Settings) MemoryBytes() (int64, error) {
	if s.MemoryLimit == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("memory limit %q: %w", s.MemoryLimit, err)
	}
	return n, nil
}

// ShmBytes parses ShmSize.
func (s Settings) ShmBytes() (int64, error) {
	n, err := units.RAMInBytes(s.ShmSize)
	if err != nil {
		return 0, fmt.Errorf("shm size %q: %w", s.ShmSize, err)
	}
	return n, nil
}

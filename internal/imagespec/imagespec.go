// Package imagespec describes the sandbox container image declaratively and
// turns that description into a Docker build context.
//
// The spec covers base OS, installed packages, the exposed SSH port, the
// health check, and the entrypoint. Bootstrap parameters (account, group,
// password, test directories) are baked into the image as SHELLBOX_*
// environment variables, which the entry binary reads with the same
// envconfig conventions the host side uses.
package imagespec

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EntrypointPath is where the entry binary lands inside the image.
const EntrypointPath = "/usr/local/bin/shellbox-entry"

// ReadySentinel is the log line the bootstrap prints once the sandbox is
// fully provisioned. The host-side readiness gate polls container logs for
// it; no remote command is issued before it has been observed.
const ReadySentinel = "SHELLBOX READY"

// StagedKeyPath is where a caller-supplied public key is baked in.
const StagedKeyPath = "/opt/shellbox/authorized_key.pub"

// TestDir declares a directory the bootstrap creates for scripts under test.
type TestDir struct {
	Path string `yaml:"path"`
	Mode string `yaml:"mode"`
}

// Spec is the declarative build description of the sandbox image.
type Spec struct {
	BaseImage string   `yaml:"base_image"`
	Packages  []string `yaml:"packages"`
	SSHPort   int      `yaml:"ssh_port"`

	TestDirs []TestDir `yaml:"test_dirs"`

	HealthInterval time.Duration `yaml:"health_interval"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	HealthRetries  int           `yaml:"health_retries"`
}

// Default returns the spec for the stock sandbox image. procps and iproute2
// are installed for the health probe's process and port checks.
func Default() Spec {
	return Spec{
		BaseImage: "ubuntu:24.04",
		Packages: []string{
			"openssh-server",
			"sudo",
			"bash",
			"procps",
			"iproute2",
			"ca-certificates",
		},
		SSHPort: 22,
		TestDirs: []TestDir{
			{Path: "/opt/testdata", Mode: "0755"},
		},
		HealthInterval: 30 * time.Second,
		HealthTimeout:  10 * time.Second,
		HealthRetries:  3,
	}
}

// Load reads a YAML override file on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Spec, error) {
	spec := Default()
	if path == "" {
		return spec, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read image spec: %w", err)
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return Spec{}, fmt.Errorf("parse image spec %s: %w", path, err)
	}
	if spec.BaseImage == "" {
		return Spec{}, fmt.Errorf("image spec %s: base_image must not be empty", path)
	}
	return spec, nil
}

// BootstrapEnv is the environment baked into the image for the entry binary.
type BootstrapEnv struct {
	Account  string
	Group    string
	Password string
}

// Dockerfile renders the build spec. hasStagedKey controls whether the
// caller-supplied public key is copied into the image.
func (s Spec) Dockerfile(env BootstrapEnv, hasStagedKey bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "FROM %s\n\n", s.BaseImage)

	if len(s.Packages) > 0 {
		fmt.Fprintf(&b, "RUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*\n\n",
			strings.Join(s.Packages, " "))
	}

	// sshd refuses to start without its privilege separation directory.
	b.WriteString("RUN mkdir -p /run/sshd\n\n")

	fmt.Fprintf(&b, "COPY shellbox-entry %s\n", EntrypointPath)
	if hasStagedKey {
		fmt.Fprintf(&b, "COPY authorized_key.pub %s\n", StagedKeyPath)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "ENV SHELLBOX_ACCOUNT=%s\n", env.Account)
	fmt.Fprintf(&b, "ENV SHELLBOX_GROUP=%s\n", env.Group)
	fmt.Fprintf(&b, "ENV SHELLBOX_PASSWORD=%s\n", env.Password)
	if len(s.TestDirs) > 0 {
		specs := make([]string, 0, len(s.TestDirs))
		for _, d := range s.TestDirs {
			specs = append(specs, fmt.Sprintf("%s=%s", d.Path, d.Mode))
		}
		fmt.Fprintf(&b, "ENV SHELLBOX_TEST_DIRS=%s\n", strings.Join(specs, ","))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "EXPOSE %d\n\n", s.SSHPort)

	fmt.Fprintf(&b, "HEALTHCHECK --interval=%s --timeout=%s --retries=%d CMD [%q, %q]\n\n",
		s.HealthInterval, s.HealthTimeout, s.HealthRetries, EntrypointPath, "healthcheck")

	fmt.Fprintf(&b, "ENTRYPOINT [%q, %q]\n", EntrypointPath, "setup")

	return b.String()
}

package imagespec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultSpec(t *testing.T) {
	spec := Default()
	if spec.BaseImage == "" {
		t.Fatal("default base image is empty")
	}
	if spec.SSHPort != 22 {
		t.Errorf("ssh port: got %d, want 22", spec.SSHPort)
	}

	found := false
	for _, p := range spec.Packages {
		if p == "openssh-server" {
			found = true
		}
	}
	if !found {
		t.Error("default packages must include openssh-server")
	}
}

func TestLoadOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.yaml")
	override := `
base_image: debian:12-slim
packages: [openssh-server, sudo]
test_dirs:
  - path: /srv/fixtures
    mode: "0750"
`
	if err := os.WriteFile(path, []byte(override), 0644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	spec, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if spec.BaseImage != "debian:12-slim" {
		t.Errorf("base image: got %q", spec.BaseImage)
	}
	if len(spec.Packages) != 2 {
		t.Errorf("packages: got %v", spec.Packages)
	}
	if len(spec.TestDirs) != 1 || spec.TestDirs[0].Path != "/srv/fixtures" {
		t.Errorf("test dirs: got %v", spec.TestDirs)
	}
	// Fields absent from the override keep their defaults.
	if spec.SSHPort != 22 {
		t.Errorf("ssh port should keep default, got %d", spec.SSHPort)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	spec, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if spec.BaseImage != Default().BaseImage {
		t.Error("empty path should return defaults")
	}
}

func TestLoadRejectsEmptyBaseImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.yaml")
	os.WriteFile(path, []byte(`base_image: ""`), 0644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty base_image")
	}
}

func TestDockerfileRendering(t *testing.T) {
	spec := Default()
	env := BootstrapEnv{Account: "testuser", Group: "testers", Password: "pw"}

	df := spec.Dockerfile(env, true)

	for _, want := range []string{
		"FROM ubuntu:24.04",
		"openssh-server",
		"COPY shellbox-entry " + EntrypointPath,
		"COPY authorized_key.pub " + StagedKeyPath,
		"ENV SHELLBOX_ACCOUNT=testuser",
		"ENV SHELLBOX_GROUP=testers",
		"ENV SHELLBOX_TEST_DIRS=/opt/testdata=0755",
		"EXPOSE 22",
		`HEALTHCHECK --interval=30s --timeout=10s --retries=3 CMD ["/usr/local/bin/shellbox-entry", "healthcheck"]`,
		`ENTRYPOINT ["/usr/local/bin/shellbox-entry", "setup"]`,
	} {
		if !strings.Contains(df, want) {
			t.Errorf("Dockerfile missing %q\n%s", want, df)
		}
	}
}

func TestDockerfileWithoutStagedKey(t *testing.T) {
	df := Default().Dockerfile(BootstrapEnv{Account: "testuser"}, false)
	if strings.Contains(df, "authorized_key.pub") {
		t.Error("Dockerfile must not COPY a key that was never staged")
	}
}

// context.go assembles the Docker build context: the rendered Dockerfile plus
// the entry binary, cross-compiled for linux so the same repository provides
// both the host CLI and the container entrypoint.

package imagespec

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const entryPackage = "github.com/shellbox/shellbox/cmd/shellbox-entry"

// ContextBuilder assembles build contexts under a scratch directory.
type ContextBuilder struct {
	logger zerolog.Logger

	// entryBinary optionally points at a prebuilt linux entry binary. When
	// empty the builder compiles one with the local Go toolchain.
	entryBinary string
}

// NewContextBuilder returns a builder. entryBinary may be empty.
func NewContextBuilder(logger zerolog.Logger, entryBinary string) *ContextBuilder {
	return &ContextBuilder{logger: logger, entryBinary: entryBinary}
}

// Populate writes the Dockerfile and entry binary into dir. The caller stages
// any supplied public key into dir before calling Tar. hasStagedKey must
// reflect whether that staging happened, so the Dockerfile COPY matches the
// context contents.
func (cb *ContextBuilder) Populate(dir string, spec Spec, env BootstrapEnv, hasStagedKey bool) error {
	dockerfile := spec.Dockerfile(env, hasStagedKey)
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0644); err != nil {
		return fmt.Errorf("write Dockerfile: %w", err)
	}

	dst := filepath.Join(dir, "shellbox-entry")
	if cb.entryBinary != "" {
		if err := copyFile(cb.entryBinary, dst); err != nil {
			return fmt.Errorf("copy entry binary: %w", err)
		}
		return nil
	}
	return cb.compileEntry(dst)
}

// compileEntry builds the entry binary for linux. CGO is disabled so the
// binary runs on any glibc or musl base image.
func (cb *ContextBuilder) compileEntry(dst string) error {
	cmd := exec.Command("go", "build", "-o", dst, entryPackage)
	cmd.Env = append(os.Environ(), "GOOS=linux", "CGO_ENABLED=0")

	var stderr strings.Builder
	cmd.Stderr = &stderr

	cb.logger.Debug().Str("output", dst).Msg("compiling entry binary for linux")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("compile entry binary: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

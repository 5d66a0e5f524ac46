package coverage

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// commandRunner abstracts host command execution for tests.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// StructuredPipeline produces Go test coverage for the host-side test suite:
// a coverprofile plus the rendered HTML view.
type StructuredPipeline struct {
	logger    zerolog.Logger
	reportDir string
	packages  string
	lookPath  func(string) (string, error)
	run       commandRunner
}

func NewStructuredPipeline(logger zerolog.Logger, reportDir, packages string) *StructuredPipeline {
	return &StructuredPipeline{
		logger:    logger,
		reportDir: reportDir,
		packages:  packages,
		lookPath:  exec.LookPath,
		run:       execRunner,
	}
}

// Run fails fast, before any test executes, when the Go toolchain is absent
// so the operator gets one actionable message instead of a late partial run.
func (p *StructuredPipeline) Run(ctx context.Context) error {
	if _, err := p.lookPath("go"); err != nil {
		return fmt.Errorf("go toolchain not found in PATH; install Go or remove --coverage: %w", err)
	}

	profile := filepath.Join(p.reportDir, "coverage.out")
	html := filepath.Join(p.reportDir, "coverage.html")

	out, err := p.run(ctx, "go", "test", "-cover", "-coverprofile="+profile, p.packages)
	if err != nil {
		return fmt.Errorf("go test -cover: %w\n%s", err, strings.TrimSpace(string(out)))
	}
	p.logger.Info().Str("profile", profile).Msg("coverage profile written")

	if out, err := p.run(ctx, "go", "tool", "cover", "-html="+profile, "-o", html); err != nil {
		return fmt.Errorf("go tool cover: %w\n%s", err, strings.TrimSpace(string(out)))
	}
	p.logger.Info().Str("html", html).Msg("coverage report rendered")
	return nil
}

// Package coverage produces test coverage from two angles: xtrace-based
// line coverage of shell scripts executed in the sandbox, and the standard
// Go coverprofile of the host-side test suite.
package coverage

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Driver runs both pipelines into a single report directory.
type Driver struct {
	logger     zerolog.Logger
	reportDir  string
	scripts    *ScriptPipeline
	structured *StructuredPipeline
}

func NewDriver(logger zerolog.Logger, sandbox Sandbox, scriptDirs []string, reportDir, packages string) *Driver {
	return &Driver{
		logger:     logger,
		reportDir:  reportDir,
		scripts:    NewScriptPipeline(logger, sandbox, scriptDirs, reportDir),
		structured: NewStructuredPipeline(logger, reportDir, packages),
	}
}

// Run purges the report directory, so each invocation leaves only the
// current run's artifacts, then executes both pipelines.
func (d *Driver) Run(ctx context.Context) ([]ScriptReport, error) {
	if err := os.RemoveAll(d.reportDir); err != nil {
		return nil, fmt.Errorf("purge report dir: %w", err)
	}
	if err := os.MkdirAll(d.reportDir, 0755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	reports, err := d.scripts.Run(ctx)
	if err != nil {
		return reports, err
	}
	if err := d.structured.Run(ctx); err != nil {
		return reports, err
	}
	return reports, nil
}

package coverage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"

	"github.com/shellbox/shellbox/internal/logutil"
	"github.com/shellbox/shellbox/internal/remote"
)

// tracePS4 stamps every executed line with the epoch second and line number
// so the trace parser can recover which lines ran and roughly when.
const tracePS4 = `+SHELLBOX $(date +%s) $LINENO `

const sandboxScriptDir = "/tmp/shellbox-coverage"

// Sandbox is the slice of the execution facade the script pipeline needs.
type Sandbox interface {
	Run(ctx context.Context, command string) (remote.Result, error)
	Copy(ctx context.Context, src, dst string) error
}

// ScriptPipeline runs every shell script under the configured directories
// inside the sandbox with xtrace instrumentation and reports line coverage.
type ScriptPipeline struct {
	logger     zerolog.Logger
	sandbox    Sandbox
	scriptDirs []string
	reportDir  string
}

func NewScriptPipeline(logger zerolog.Logger, sandbox Sandbox, scriptDirs []string, reportDir string) *ScriptPipeline {
	return &ScriptPipeline{logger: logger, sandbox: sandbox, scriptDirs: scriptDirs, reportDir: reportDir}
}

// Run instruments and executes each discovered script, writes per-script
// trace logs and coverage reports under the report directory, and returns
// the reports. A script that exits non-zero still gets a report; its exit
// code is the script's business, coverage only cares which lines ran.
func (p *ScriptPipeline) Run(ctx context.Context) ([]ScriptReport, error) {
	scripts, err := p.discover()
	if err != nil {
		return nil, err
	}
	if len(scripts) == 0 {
		p.logger.Warn().Strs("dirs", p.scriptDirs).Msg("no shell scripts found")
		return nil, nil
	}

	if _, err := p.sandbox.Run(ctx, fmt.Sprintf("mkdir -p %s", shellescape.Quote(sandboxScriptDir))); err != nil {
		return nil, fmt.Errorf("prepare sandbox script dir: %w", err)
	}

	var reports []ScriptReport
	for _, script := range scripts {
		report, err := p.runOne(ctx, script)
		if err != nil {
			return reports, fmt.Errorf("script %s: %w", script, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (p *ScriptPipeline) discover() ([]string, error) {
	var scripts []string
	for _, dir := range p.scriptDirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(path, ".sh") {
				scripts = append(scripts, path)
			}
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				p.logger.Debug().Str("dir", dir).Msg("script dir missing, skipping")
				continue
			}
			return nil, fmt.Errorf("walk %s: %w", dir, err)
		}
	}
	return scripts, nil
}

func (p *ScriptPipeline) runOne(ctx context.Context, script string) (ScriptReport, error) {
	name := filepath.Base(script)
	remoteScript := filepath.Join(sandboxScriptDir, name)
	remoteTrace := remoteScript + ".trace"

	if err := p.sandbox.Copy(ctx, script, remote.SandboxPrefix+remoteScript); err != nil {
		return ScriptReport{}, fmt.Errorf("upload: %w", err)
	}

	cmd := fmt.Sprintf("PS4=%s bash -x %s 2> %s",
		shellescape.Quote(tracePS4),
		shellescape.Quote(remoteScript),
		shellescape.Quote(remoteTrace))
	result, err := p.sandbox.Run(ctx, cmd)
	if err != nil {
		return ScriptReport{}, fmt.Errorf("execute: %w", err)
	}
	logEvent := p.logger.Info().Str("script", name).Int("exit_code", result.ExitCode)
	if result.ExitCode != 0 {
		logEvent = logEvent.Str("stderr", logutil.Truncate(logutil.Sanitize(result.Stderr), 512))
	}
	logEvent.Msg("script executed")

	traceLocal := filepath.Join(p.reportDir, name+".trace.log")
	if err := p.sandbox.Copy(ctx, remote.SandboxPrefix+remoteTrace, traceLocal); err != nil {
		return ScriptReport{}, fmt.Errorf("fetch trace: %w", err)
	}

	source, err := os.ReadFile(script)
	if err != nil {
		return ScriptReport{}, fmt.Errorf("read source: %w", err)
	}
	trace, err := os.ReadFile(traceLocal)
	if err != nil {
		return ScriptReport{}, fmt.Errorf("read trace: %w", err)
	}

	report := buildReport(name, string(source), string(trace))
	reportPath := filepath.Join(p.reportDir, name+".coverage.txt")
	if err := os.WriteFile(reportPath, []byte(report.Render()), 0644); err != nil {
		return ScriptReport{}, fmt.Errorf("write report: %w", err)
	}
	p.logger.Info().Str("script", name).Int("percent", report.Percent).Msg("coverage computed")
	return report, nil
}

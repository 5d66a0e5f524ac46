// Package cli wires the host-side command surface: provision, run tests,
// collect coverage, tear down.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/shellbox/shellbox/internal/config"
	"github.com/shellbox/shellbox/internal/coverage"
	"github.com/shellbox/shellbox/internal/credentials"
	"github.com/shellbox/shellbox/internal/imagespec"
	"github.com/shellbox/shellbox/internal/lifecycle"
	"github.com/shellbox/shellbox/internal/monitor"
	"github.com/shellbox/shellbox/internal/orchestrator"
	"github.com/shellbox/shellbox/internal/remote"
)

const AppName = "shellbox"

type App struct {
	logger zerolog.Logger
	cli    *cli.App
}

func New() *App {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger := log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	app := &App{
		logger: logger,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Ephemeral SSH sandbox for testing shell scripts",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}

	rebuildFlag := &cli.BoolFlag{
		Name:  "rebuild",
		Usage: "Discard the existing sandbox and rebuild the image from scratch",
	}

	app.cli.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "Provision the sandbox, run the test command, tear down",
			Action: app.run,
			Flags: []cli.Flag{
				rebuildFlag,
				&cli.BoolFlag{
					Name:  "no-cleanup",
					Usage: "Leave the sandbox running after the tests finish",
				},
				&cli.BoolFlag{
					Name:  "coverage",
					Usage: "Collect script and Go coverage after the tests",
				},
			},
		},
		{
			Name:   "setup",
			Usage:  "Provision the sandbox and leave it running for interactive use",
			Action: app.setup,
			Flags:  []cli.Flag{rebuildFlag},
		},
		{
			Name:   "teardown",
			Usage:  "Remove the sandbox container and all session credentials",
			Action: app.teardown,
		},
		{
			Name:   "coverage",
			Usage:  "Provision the sandbox and run only the coverage pipelines",
			Action: app.coverage,
			Flags: []cli.Flag{
				rebuildFlag,
				&cli.BoolFlag{
					Name:  "no-cleanup",
					Usage: "Leave the sandbox running after coverage collection",
				},
			},
		},
		{
			Name:   "monitor",
			Usage:  "Watch for sandboxes left running and report them",
			Action: app.monitor,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "schedule",
					Usage: "Cron schedule for the checks",
					Value: "@every 1h",
				},
				&cli.DurationFlag{
					Name:  "max-age",
					Usage: "Running time after which a sandbox is reported as forgotten",
					Value: time.Hour,
				},
				&cli.BoolFlag{
					Name:  "once",
					Usage: "Run a single check and exit",
				},
			},
		},
	}

	return app
}

func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// stack is everything a provisioning command needs, assembled once.
type stack struct {
	cfg   config.Settings
	creds *credentials.Provisioner
	mgr   *lifecycle.Manager
	orch  *orchestrator.Orchestrator
}

func (a *App) buildStack(ctx context.Context) (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	spec, err := imagespec.Load(cfg.ImageSpecFile)
	if err != nil {
		return nil, err
	}

	creds := credentials.New(a.logger, cfg.KeyDir, cfg.PublicKey)
	builder := imagespec.NewContextBuilder(a.logger, cfg.EntryBinary)
	env := imagespec.BootstrapEnv{
		Account:  cfg.Account,
		Group:    cfg.Group,
		Password: cfg.Password,
	}

	prepare := func(dir string) error {
		if err := creds.Stage(dir); err != nil {
			return err
		}
		return builder.Populate(dir, spec, env, creds.Supplied())
	}

	mgr, err := lifecycle.New(ctx, a.logger, cfg, prepare)
	if err != nil {
		return nil, err
	}

	return &stack{
		cfg:   cfg,
		creds: creds,
		mgr:   mgr,
		orch:  orchestrator.New(a.logger, cfg, mgr, creds),
	}, nil
}

func (a *App) run(c *cli.Context) error {
	s, err := a.buildStack(c.Context)
	if err != nil {
		return err
	}

	work := a.testWork(s.cfg)
	if c.Bool("coverage") {
		tests := work
		cov := a.coverageWork(s.cfg)
		work = func(ctx context.Context, env *orchestrator.Environment) error {
			if err := tests(ctx, env); err != nil {
				return err
			}
			return cov(ctx, env)
		}
	}

	return s.orch.Execute(c.Context, orchestrator.Options{
		Mode:      orchestrator.ModeRun,
		Rebuild:   c.Bool("rebuild"),
		NoCleanup: c.Bool("no-cleanup"),
	}, work)
}

func (a *App) setup(c *cli.Context) error {
	s, err := a.buildStack(c.Context)
	if err != nil {
		return err
	}
	return s.orch.Execute(c.Context, orchestrator.Options{
		Mode:    orchestrator.ModeSetupOnly,
		Rebuild: c.Bool("rebuild"),
	}, nil)
}

func (a *App) teardown(c *cli.Context) error {
	s, err := a.buildStack(c.Context)
	if err != nil {
		return err
	}
	return s.orch.Execute(c.Context, orchestrator.Options{
		Mode: orchestrator.ModeCleanupOnly,
	}, nil)
}

func (a *App) coverage(c *cli.Context) error {
	s, err := a.buildStack(c.Context)
	if err != nil {
		return err
	}
	return s.orch.Execute(c.Context, orchestrator.Options{
		Mode:      orchestrator.ModeRun,
		Rebuild:   c.Bool("rebuild"),
		NoCleanup: c.Bool("no-cleanup"),
	}, a.coverageWork(s.cfg))
}

func (a *App) monitor(c *cli.Context) error {
	s, err := a.buildStack(c.Context)
	if err != nil {
		return err
	}

	watchdog := monitor.New(a.logger, s.mgr.RunningSince, c.String("schedule"), c.Duration("max-age"))
	if c.Bool("once") {
		watchdog.CheckOnce(c.Context)
		return nil
	}

	stop, err := watchdog.Start(c.Context)
	if err != nil {
		return err
	}
	defer stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

// testWork runs the configured test command on the host. The sandbox
// coordinates are already exported into the environment, so the command's
// own tests can reach it over SSH.
func (a *App) testWork(cfg config.Settings) orchestrator.Work {
	return func(ctx context.Context, env *orchestrator.Environment) error {
		a.logger.Info().Str("command", cfg.TestCommand).Msg("running test command")
		cmd := exec.CommandContext(ctx, "sh", "-c", cfg.TestCommand)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}
}

func (a *App) coverageWork(cfg config.Settings) orchestrator.Work {
	return func(ctx context.Context, env *orchestrator.Environment) error {
		facade, err := remote.Connect(ctx, a.logger, env.Host, env.Port, env.Account, env.KeyPath, cfg.ConnectTimeout)
		if err != nil {
			return err
		}
		defer facade.Close()

		driver := coverage.NewDriver(a.logger, facade, cfg.ScriptDirs, cfg.ReportDir, "./...")
		reports, err := driver.Run(ctx)
		for _, r := range reports {
			a.logger.Info().
				Str("script", r.Script).
				Int("percent", r.Percent).
				Int("uncovered", len(r.Uncovered)).
				Msg("script coverage")
		}
		return err
	}
}

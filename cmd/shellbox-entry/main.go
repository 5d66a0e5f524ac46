// shellbox-entry is the in-container binary. It runs as the container
// entrypoint in setup mode, where it provisions the account, keys, and sshd
// and then keeps the container alive, and as the image healthcheck in
// healthcheck mode.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/shellbox/shellbox/internal/bootstrap"
	"github.com/shellbox/shellbox/internal/health"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// Logs go to stderr; stdout is reserved for the readiness sentinel.
	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s setup|healthcheck\n", filepath.Base(os.Args[0]))
		return exitUsage
	}

	params, err := bootstrap.LoadParams()
	if err != nil {
		logger.Error().Err(err).Msg("invalid bootstrap parameters")
		return exitError
	}
	caps := health.DetectCapabilities(exec.LookPath)

	switch os.Args[1] {
	case "setup":
		return setup(logger, params, caps)
	case "healthcheck":
		return healthcheck(logger, params, caps)
	default:
		fmt.Fprintf(os.Stderr, "usage: %s setup|healthcheck\n", filepath.Base(os.Args[0]))
		return exitUsage
	}
}

func setup(logger zerolog.Logger, params bootstrap.Params, caps health.Capabilities) int {
	b := bootstrap.New(logger, params, caps, health.ExecRunner, os.Stdout)
	if err := b.Run(context.Background()); err != nil {
		logger.Error().Err(err).Msg("bootstrap failed")
		return exitError
	}

	// PID 1 stays alive; sshd serves in the background.
	select {}
}

func healthcheck(logger zerolog.Logger, params bootstrap.Params, caps health.Capabilities) int {
	keyPath := filepath.Join("/home", params.Account, ".ssh", "id_ed25519")
	probe := health.New(logger, caps, health.ExecRunner, params.Account, keyPath)

	report := probe.Run(context.Background())
	for _, w := range report.Warnings {
		logger.Warn().Msg(w)
	}
	if report.Status != health.Healthy {
		logger.Error().Str("reason", report.Reason).Msg("sandbox unhealthy")
		return exitError
	}
	return exitOK
}

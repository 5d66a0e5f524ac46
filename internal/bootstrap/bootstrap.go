// Package bootstrap provisions the sandbox from the inside at container
// start.
//
// The sequence is strictly sequential with no internal retries: start sshd,
// wait until it is observably running, create the test group and account,
// create the declared test directories, generate a fresh SSH key pair for
// the account, install authorized_keys, lock down permissions, run the
// health probe once, and emit the readiness sentinel. Any failure before the
// sentinel propagates up and aborts startup with a non-zero exit.
//
// The key pair is regenerated on every boot, including a start-in-place of a
// stopped container. Fresh trust per boot avoids stale-key confusion; the
// host re-fetches the private key after observing any boot.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/shellbox/shellbox/internal/credentials"
	"github.com/shellbox/shellbox/internal/health"
	"github.com/shellbox/shellbox/internal/imagespec"
)

// Params are the bootstrap inputs, baked into the image as SHELLBOX_*
// environment variables by the Dockerfile.
type Params struct {
	Account  string   `envconfig:"ACCOUNT" default:"testuser"`
	Group    string   `envconfig:"GROUP" default:"testers"`
	Password string   `envconfig:"PASSWORD" default:"testpassword"`
	TestDirs []string `envconfig:"TEST_DIRS" default:""`
}

// LoadParams reads the baked-in environment.
func LoadParams() (Params, error) {
	var p Params
	if err := envconfig.Process("SHELLBOX", &p); err != nil {
		return Params{}, fmt.Errorf("load bootstrap params: %w", err)
	}
	if p.Account == "" {
		return Params{}, errors.New("load bootstrap params: account must not be empty")
	}
	return p, nil
}

// Bootstrap executes the in-container startup sequence.
type Bootstrap struct {
	logger zerolog.Logger
	params Params
	run    health.Runner
	caps   health.Capabilities
	out    io.Writer

	// Filesystem roots, fixed in the image and overridable in tests.
	homeRoot      string
	sudoersDir    string
	stagedKeyPath string
	sshdPath      string
}

// New returns a Bootstrap writing the sentinel to out.
func New(logger zerolog.Logger, params Params, caps health.Capabilities, run health.Runner, out io.Writer) *Bootstrap {
	return &Bootstrap{
		logger:        logger,
		params:        params,
		run:           run,
		caps:          caps,
		out:           out,
		homeRoot:      "/home",
		sudoersDir:    "/etc/sudoers.d",
		stagedKeyPath: imagespec.StagedKeyPath,
		sshdPath:      "/usr/sbin/sshd",
	}
}

func (b *Bootstrap) home() string {
	return filepath.Join(b.homeRoot, b.params.Account)
}

// Run executes the full sequence and emits the readiness sentinel.
func (b *Bootstrap) Run(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"start sshd", b.startSSHD},
		{"wait for sshd", b.waitSSHD},
		{"create group", b.createGroup},
		{"create account", b.createAccount},
		{"create test dirs", b.createTestDirs},
		{"generate key pair", b.generateKeyPair},
		{"install authorized keys", b.installAuthorizedKeys},
		{"lock down ssh dir", b.lockDownSSHDir},
	}
	for _, step := range steps {
		b.logger.Info().Str("step", step.name).Msg("bootstrap")
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	// Best-effort: an unhealthy first probe is logged, not fatal, since the
	// container runtime will keep probing.
	probe := health.New(b.logger, b.caps, b.run, b.params.Account,
		filepath.Join(b.home(), ".ssh", credentials.PrivateKeyFile))
	report := probe.Run(ctx)
	if report.Status != health.Healthy {
		b.logger.Warn().Str("reason", report.Reason).Msg("initial health probe unhealthy")
	}
	for _, w := range report.Warnings {
		b.logger.Warn().Msg(w)
	}

	fmt.Fprintln(b.out, imagespec.ReadySentinel)
	return nil
}

// startSSHD ensures host keys exist and launches the daemon, which forks
// into the background on its own.
func (b *Bootstrap) startSSHD(ctx context.Context) error {
	if out, code, err := b.run(ctx, "ssh-keygen", "-A"); err != nil || code != 0 {
		return fmt.Errorf("generate host keys (exit %d): %s %v", code, strings.TrimSpace(out), err)
	}
	if out, code, err := b.run(ctx, b.sshdPath); err != nil || code != 0 {
		return fmt.Errorf("start daemon (exit %d): %s %v", code, strings.TrimSpace(out), err)
	}
	return nil
}

// waitSSHD polls the process table until the daemon is observably running.
func (b *Bootstrap) waitSSHD(ctx context.Context) error {
	notRunning := errors.New("sshd not yet in process table")

	backoff := retry.WithMaxRetries(9, retry.NewConstant(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if b.sshdObserved(ctx) {
			return nil
		}
		return retry.RetryableError(notRunning)
	})
	if err != nil {
		return fmt.Errorf("daemon never became observable: %w", err)
	}
	return nil
}

// sshdObserved checks the process table with the best available tool; the
// ps scan is the lower-fidelity fallback when pgrep is missing.
func (b *Bootstrap) sshdObserved(ctx context.Context) bool {
	switch b.caps.ProcessTool {
	case "pgrep":
		_, code, err := b.run(ctx, "pgrep", "-x", "sshd")
		return err == nil && code == 0
	case "ps":
		out, code, err := b.run(ctx, "ps", "-e")
		return err == nil && code == 0 && strings.Contains(out, "sshd")
	default:
		return true
	}
}

func (b *Bootstrap) createGroup(ctx context.Context) error {
	// -f: succeed if the group already exists (start-in-place of a
	// stopped container re-runs the whole sequence).
	if out, code, err := b.run(ctx, "groupadd", "-f", b.params.Group); err != nil || code != 0 {
		return fmt.Errorf("groupadd (exit %d): %s %v", code, strings.TrimSpace(out), err)
	}
	return nil
}

func (b *Bootstrap) createAccount(ctx context.Context) error {
	if _, code, err := b.run(ctx, "id", "-u", b.params.Account); err == nil && code == 0 {
		b.logger.Debug().Str("account", b.params.Account).Msg("account already exists")
	} else {
		out, code, err := b.run(ctx, "useradd",
			"-m",
			"-s", "/bin/bash",
			"-g", b.params.Group,
			b.params.Account)
		if err != nil || code != 0 {
			return fmt.Errorf("useradd (exit %d): %s %v", code, strings.TrimSpace(out), err)
		}
	}

	chpasswd := fmt.Sprintf("echo %s:%s | chpasswd", b.params.Account, b.params.Password)
	if out, code, err := b.run(ctx, "sh", "-c", chpasswd); err != nil || code != 0 {
		return fmt.Errorf("chpasswd (exit %d): %s %v", code, strings.TrimSpace(out), err)
	}

	// Password-less elevated execution for the scripts under test.
	sudoers := fmt.Sprintf("%s ALL=(ALL) NOPASSWD:ALL\n", b.params.Account)
	sudoersFile := filepath.Join(b.sudoersDir, b.params.Account)
	if err := os.WriteFile(sudoersFile, []byte(sudoers), 0440); err != nil {
		return fmt.Errorf("write sudoers: %w", err)
	}
	return nil
}

// createTestDirs creates each declared directory ("path=mode") owned by the
// test account.
func (b *Bootstrap) createTestDirs(ctx context.Context) error {
	for _, spec := range b.params.TestDirs {
		if spec == "" {
			continue
		}
		path, mode, err := parseDirSpec(spec)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(path, mode); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		if err := os.Chmod(path, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
		owner := b.params.Account + ":" + b.params.Group
		if out, code, err := b.run(ctx, "chown", owner, path); err != nil || code != 0 {
			return fmt.Errorf("chown %s (exit %d): %s %v", path, code, strings.TrimSpace(out), err)
		}
	}
	return nil
}

// parseDirSpec splits "path=mode" with mode in octal.
func parseDirSpec(spec string) (string, os.FileMode, error) {
	path, modeStr, found := strings.Cut(spec, "=")
	if !found || path == "" {
		return "", 0, fmt.Errorf("bad test dir spec %q, want path=mode", spec)
	}
	mode, err := strconv.ParseUint(modeStr, 8, 32)
	if err != nil {
		return "", 0, fmt.Errorf("bad mode in test dir spec %q: %w", spec, err)
	}
	return path, os.FileMode(mode), nil
}

// generateKeyPair creates a fresh key pair for the account, replacing any
// pair from a previous boot.
func (b *Bootstrap) generateKeyPair(ctx context.Context) error {
	pub, priv, err := credentials.GenerateKeyPair()
	if err != nil {
		return err
	}

	sshDir := filepath.Join(b.home(), ".ssh")
	if err := os.MkdirAll(sshDir, 0700); err != nil {
		return fmt.Errorf("create .ssh: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sshDir, credentials.PrivateKeyFile), priv, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sshDir, credentials.PublicKeyFile), pub, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// installAuthorizedKeys prefers the public key staged into the image at
// build time and falls back to the freshly generated pair's public half.
func (b *Bootstrap) installAuthorizedKeys(ctx context.Context) error {
	var key []byte
	if data, err := os.ReadFile(b.stagedKeyPath); err == nil {
		b.logger.Info().Msg("installing staged public key")
		key = data
	} else {
		b.logger.Info().Msg("no staged key, authorizing generated key pair")
		data, err := os.ReadFile(filepath.Join(b.home(), ".ssh", credentials.PublicKeyFile))
		if err != nil {
			return fmt.Errorf("read generated public key: %w", err)
		}
		key = data
	}

	dst := filepath.Join(b.home(), ".ssh", "authorized_keys")
	if err := os.WriteFile(dst, key, 0600); err != nil {
		return fmt.Errorf("write authorized_keys: %w", err)
	}
	return nil
}

// lockDownSSHDir fixes ownership and modes: 700 on .ssh, 600 on key files.
func (b *Bootstrap) lockDownSSHDir(ctx context.Context) error {
	sshDir := filepath.Join(b.home(), ".ssh")
	if err := os.Chmod(sshDir, 0700); err != nil {
		return fmt.Errorf("chmod .ssh: %w", err)
	}
	for _, name := range []string{credentials.PrivateKeyFile, "authorized_keys"} {
		if err := os.Chmod(filepath.Join(sshDir, name), 0600); err != nil {
			return fmt.Errorf("chmod %s: %w", name, err)
		}
	}

	owner := b.params.Account + ":" + b.params.Group
	if out, code, err := b.run(ctx, "chown", "-R", owner, sshDir); err != nil || code != 0 {
		return fmt.Errorf("chown .ssh (exit %d): %s %v", code, strings.TrimSpace(out), err)
	}
	return nil
}

// Package orchestrator ties the sandbox lifecycle, credential provisioning,
// and the SSH client surface into one session: acquire an environment, hand
// it to the caller's work, release it no matter how the work ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shellbox/shellbox/internal/config"
	"github.com/shellbox/shellbox/internal/lifecycle"
	"github.com/shellbox/shellbox/internal/remote"
)

// Mode selects which half of the session runs. The set is closed: anything
// else is rejected before any resource is touched.
type Mode string

const (
	// ModeRun provisions, executes the caller's work, and cleans up.
	ModeRun Mode = "run"
	// ModeSetupOnly provisions and leaves the sandbox running for
	// interactive use. Implies no cleanup.
	ModeSetupOnly Mode = "setup-only"
	// ModeCleanupOnly tears down whatever a previous session left behind.
	ModeCleanupOnly Mode = "cleanup-only"
)

var (
	ErrUnknownMode  = errors.New("unknown mode")
	ErrSetup        = errors.New("environment setup failed")
	ErrProvisioning = errors.New("credential provisioning failed")
)

// Options control one session.
type Options struct {
	Mode      Mode
	Rebuild   bool
	NoCleanup bool
}

// Environment is a ready-to-use sandbox session.
type Environment struct {
	SessionID     string
	ContainerName string
	Host          string
	Port          int
	Account       string
	KeyPath       string
	SSHConfigPath string
	// FreshBoot records whether the container was (re)started this
	// session, meaning its in-container key pair was regenerated.
	FreshBoot bool

	noCleanup bool
}

// Work is what the caller runs inside an acquired environment.
type Work func(ctx context.Context, env *Environment) error

// Names of the variables exported into the process environment so child
// processes (test runners, manual ssh) can find the sandbox.
const (
	EnvSSHConfig = "SHELLBOX_SSH_CONFIG"
	EnvSSHKey    = "SHELLBOX_SSH_KEY"
	EnvHost      = "SHELLBOX_HOST"
	EnvAccount   = "SHELLBOX_ACCOUNT"
)

// sandbox is the slice of the lifecycle manager the orchestrator drives.
type sandbox interface {
	EnsureReady(ctx context.Context, rebuild bool) (lifecycle.ConnectionInfo, error)
	Teardown(ctx context.Context) error
	FetchContainerKey(ctx context.Context, account string) ([]byte, error)
	InstallAuthorizedKey(ctx context.Context, account, group string, publicKey []byte) error
	RemoveAccount(ctx context.Context, account string) error
}

// keyStore is the slice of the credential provisioner the orchestrator uses.
type keyStore interface {
	Supplied() bool
	PrivateKeyPath() string
	AdoptContainerKey(privateKeyPEM []byte) (string, error)
	FallbackLocal() (authorizedKey []byte, privateKeyPath string, err error)
	Cleanup() error
}

type Orchestrator struct {
	logger  zerolog.Logger
	cfg     config.Settings
	sandbox sandbox
	creds   keyStore

	setenv   func(key, value string) error
	unsetenv func(key string) error
}

func New(logger zerolog.Logger, cfg config.Settings, sb sandbox, creds keyStore) *Orchestrator {
	return &Orchestrator{
		logger:   logger,
		cfg:      cfg,
		sandbox:  sb,
		creds:    creds,
		setenv:   os.Setenv,
		unsetenv: os.Unsetenv,
	}
}

// Execute dispatches opts.Mode through a closed handler table and runs the
// session end to end.
func (o *Orchestrator) Execute(ctx context.Context, opts Options, work Work) error {
	handlers := map[Mode]func(context.Context, Options, Work) error{
		ModeRun:         o.runSession,
		ModeSetupOnly:   o.setupOnly,
		ModeCleanupOnly: o.cleanupOnly,
	}
	handler, ok := handlers[opts.Mode]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMode, opts.Mode)
	}
	return handler(ctx, opts, work)
}

func (o *Orchestrator) runSession(ctx context.Context, opts Options, work Work) error {
	var fin *Finalizer
	if !opts.NoCleanup {
		// Registered before the first mutating call so an interrupt
		// at any later point still tears the sandbox down.
		fin = NewFinalizer(o.logger, func() { o.releaseResources(context.Background()) })
		defer fin.Release()
	}

	env, err := o.Acquire(ctx, opts)
	if err != nil {
		return err
	}

	var workErr error
	if work != nil {
		workErr = work(ctx, env)
	}

	if fin != nil {
		fin.Release()
	}
	return workErr
}

func (o *Orchestrator) setupOnly(ctx context.Context, opts Options, _ Work) error {
	opts.NoCleanup = true
	env, err := o.Acquire(ctx, opts)
	if err != nil {
		return err
	}
	o.logger.Info().
		Str("container", env.ContainerName).
		Str("ssh_config", env.SSHConfigPath).
		Msgf("sandbox ready: ssh -F %s %s", env.SSHConfigPath, env.ContainerName)
	return nil
}

func (o *Orchestrator) cleanupOnly(ctx context.Context, _ Options, _ Work) error {
	o.releaseResources(ctx)
	return nil
}

// Acquire provisions the sandbox and returns a connected environment
// descriptor. Setup-only callers get noCleanup stamped so a later Release
// is a no-op.
func (o *Orchestrator) Acquire(ctx context.Context, opts Options) (*Environment, error) {
	if opts.Mode == ModeSetupOnly {
		opts.NoCleanup = true
	}

	env := &Environment{
		SessionID:     uuid.NewString(),
		ContainerName: o.cfg.ContainerName,
		Account:       o.cfg.Account,
		noCleanup:     opts.NoCleanup,
	}
	o.logger.Info().Str("session", env.SessionID).Bool("rebuild", opts.Rebuild).Msg("acquiring sandbox")

	info, err := o.sandbox.EnsureReady(ctx, opts.Rebuild)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	env.Host = info.Host
	env.Port = info.Port
	env.FreshBoot = info.FreshBoot

	keyPath, err := o.establishTrust(ctx, info)
	if err != nil {
		return nil, err
	}
	env.KeyPath = keyPath

	// The supplied-key path never touches the key dir, so nothing has
	// created it yet.
	if err := os.MkdirAll(o.cfg.KeyDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	env.SSHConfigPath = filepath.Join(o.cfg.KeyDir, "ssh_config")
	err = remote.WriteClientConfig(env.SSHConfigPath, remote.ConfigParams{
		Alias:          env.ContainerName,
		Host:           env.Host,
		Port:           env.Port,
		User:           env.Account,
		IdentityFile:   env.KeyPath,
		ConnectTimeout: o.cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	if err := o.exportEnv(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	o.logger.Info().
		Str("session", env.SessionID).
		Str("host", env.Host).
		Int("port", env.Port).
		Bool("fresh_boot", env.FreshBoot).
		Msg("sandbox acquired")
	return env, nil
}

// establishTrust decides which private key the host uses. A caller-supplied
// public key is baked into the image as the only authorized key, so its
// private half is the one that works; the container-generated pair is not
// authorized on that path. Otherwise a fresh boot means the container
// regenerated its pair, so the previous key is dead and must be re-fetched,
// while a reused running container keeps the key already on disk from the
// boot that started it.
func (o *Orchestrator) establishTrust(ctx context.Context, info lifecycle.ConnectionInfo) (string, error) {
	if o.creds.Supplied() {
		path := o.creds.PrivateKeyPath()
		o.logger.Debug().Str("path", path).Msg("using the supplied key pair")
		return path, nil
	}

	if !info.FreshBoot {
		path := o.creds.PrivateKeyPath()
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		o.logger.Warn().Str("path", o.creds.PrivateKeyPath()).Msg("key for running sandbox missing, re-provisioning")
	}

	pem, err := o.sandbox.FetchContainerKey(ctx, o.cfg.Account)
	if err == nil {
		path, adoptErr := o.creds.AdoptContainerKey(pem)
		if adoptErr == nil {
			o.logger.Debug().Str("path", path).Msg("adopted container-generated key")
			return path, nil
		}
		err = adoptErr
	}
	o.logger.Warn().Err(err).Msg("container key unavailable, falling back to local pair")

	authorized, path, err := o.creds.FallbackLocal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	if err := o.sandbox.InstallAuthorizedKey(ctx, o.cfg.Account, o.cfg.Group, authorized); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	return path, nil
}

// Release tears the session down. With noCleanup set it does nothing, so
// the sandbox and its credentials stay usable after the process exits.
func (o *Orchestrator) Release(ctx context.Context, env *Environment) {
	if env != nil && env.noCleanup {
		o.logger.Info().Str("session", env.SessionID).Msg("cleanup disabled, leaving sandbox running")
		return
	}
	o.releaseResources(ctx)
}

// releaseResources is the unconditional teardown: container, key material,
// exported variables. Errors are logged and swallowed, cleanup must never
// mask the outcome of the work that preceded it.
func (o *Orchestrator) releaseResources(ctx context.Context) {
	if err := o.sandbox.RemoveAccount(ctx, o.cfg.Account); err != nil {
		o.logger.Debug().Err(err).Msg("account removal failed")
	}
	if err := o.sandbox.Teardown(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("sandbox teardown failed")
	}
	if err := o.creds.Cleanup(); err != nil {
		o.logger.Warn().Err(err).Msg("credential cleanup failed")
	}
	for _, key := range []string{EnvSSHConfig, EnvSSHKey, EnvHost, EnvAccount} {
		if err := o.unsetenv(key); err != nil {
			o.logger.Warn().Err(err).Str("var", key).Msg("unset failed")
		}
	}
	o.logger.Info().Msg("sandbox released")
}

func (o *Orchestrator) exportEnv(env *Environment) error {
	for key, value := range map[string]string{
		EnvSSHConfig: env.SSHConfigPath,
		EnvSSHKey:    env.KeyPath,
		EnvHost:      env.Host,
		EnvAccount:   env.Account,
	} {
		if err := o.setenv(key, value); err != nil {
			return fmt.Errorf("export %s: %w", key, err)
		}
	}
	return nil
}

// Package remote is the single chokepoint the test layer uses to reach the
// sandbox: run a command, copy a file in or out.
//
// Host-key checking is disabled on this client only. The sandbox is a
// throwaway container whose host keys are regenerated at build time, so
// there is nothing durable to pin; the bypass is scoped to this connection
// and never touches the user's known_hosts.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/shellbox/shellbox/internal/logutil"
)

// SandboxPrefix marks the in-container side of a copy operation.
const SandboxPrefix = "sandbox:"

// ErrBadCopySpec reports a copy call where not exactly one side is inside
// the sandbox. Rejected before any filesystem or network interaction.
var ErrBadCopySpec = errors.New("copy requires exactly one sandbox:-prefixed path")

// Exit codes of the remote command surface. The facade passes these through
// untouched; the surrounding test assertions interpret them.
const (
	ExitOK         = 0
	ExitError      = 1
	ExitUsage      = 2
	ExitNotFound   = 3
	ExitPermission = 4
)

// Result is the outcome of a remote command. A non-zero exit code is data,
// not an error: tests routinely assert on failures.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Facade executes commands and copies files over one SSH connection.
type Facade struct {
	logger zerolog.Logger
	client *ssh.Client
	addr   string
}

// Connect dials the sandbox with key-based auth and a bounded timeout so a
// dead container cannot hang the pipeline.
func Connect(ctx context.Context, logger zerolog.Logger, host string, port int, user, keyPath string, timeout time.Duration) (*Facade, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	dialDone := make(chan dialResult, 1)
	go func() {
		c, err := ssh.Dial("tcp", addr, cfg)
		dialDone <- dialResult{client: c, err: err}
	}()

	var client *ssh.Client
	select {
	case <-ctx.Done():
		// The dial keeps running; close a late success so the
		// connection does not leak.
		go func() {
			if r := <-dialDone; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, fmt.Errorf("connect to sandbox: %w", ctx.Err())
	case r := <-dialDone:
		if r.err != nil {
			return nil, fmt.Errorf("connect to %s: %w", addr, r.err)
		}
		client = r.client
	}

	logger.Debug().Str("addr", addr).Str("user", user).Msg("sandbox connection established")
	return &Facade{logger: logger, client: client, addr: addr}, nil
}

// Close tears down the SSH connection.
func (f *Facade) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}

// Run executes command on the sandbox and returns stdout, stderr, and the
// exit code. Only transport-level problems surface as errors.
func (f *Facade) Run(ctx context.Context, command string) (Result, error) {
	session, err := f.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	f.logger.Debug().Str("command", logutil.Sanitize(command)).Msg("running remote command")

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		return Result{}, fmt.Errorf("remote command: %w", ctx.Err())
	case err := <-done:
		result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return Result{}, fmt.Errorf("remote command transport: %w", err)
	}
}

// Copy moves a file between host and sandbox. Exactly one of src, dst must
// carry the sandbox: prefix; anything else is a usage error caught before
// any I/O happens.
func (f *Facade) Copy(ctx context.Context, src, dst string) error {
	srcRemote := strings.HasPrefix(src, SandboxPrefix)
	dstRemote := strings.HasPrefix(dst, SandboxPrefix)
	if srcRemote == dstRemote {
		return fmt.Errorf("%w: src=%q dst=%q", ErrBadCopySpec, src, dst)
	}

	if dstRemote {
		return f.upload(ctx, src, strings.TrimPrefix(dst, SandboxPrefix))
	}
	return f.download(ctx, strings.TrimPrefix(src, SandboxPrefix), dst)
}

// upload pipes the local file to `cat > path` on the sandbox, avoiding
// shell argument length limits for the file content.
func (f *Facade) upload(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}

	session, err := f.client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}

	var stderr bytes.Buffer
	session.Stderr = &stderr

	cmd := fmt.Sprintf("cat > %s", shellescape.Quote(remotePath))
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("start upload: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		if _, err := io.Copy(stdin, bytes.NewReader(data)); err != nil {
			done <- fmt.Errorf("write upload stream: %w", err)
			return
		}
		stdin.Close()
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return fmt.Errorf("upload to %s: %w", remotePath, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("upload to %s: %w (stderr: %s)", remotePath, err, strings.TrimSpace(stderr.String()))
		}
	}

	f.logger.Debug().Str("local", localPath).Str("remote", remotePath).Int("bytes", len(data)).Msg("uploaded file")
	return nil
}

// download captures `cat path` into the local destination.
func (f *Facade) download(ctx context.Context, remotePath, localPath string) error {
	result, err := f.Run(ctx, fmt.Sprintf("cat %s", shellescape.Quote(remotePath)))
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("download %s: exit %d: %s", remotePath, result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	if err := os.WriteFile(localPath, []byte(result.Stdout), 0644); err != nil {
		return fmt.Errorf("write %s: %w", localPath, err)
	}

	f.logger.Debug().Str("remote", remotePath).Str("local", localPath).Int("bytes", len(result.Stdout)).Msg("downloaded file")
	return nil
}

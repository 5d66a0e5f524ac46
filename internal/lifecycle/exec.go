// exec.go runs commands inside the sandbox over the Docker exec API. This
// path works before SSH trust exists, so it carries the host-side readiness
// probe, private-key retrieval, and the authorized_keys fallback install.

package lifecycle

import (
	"archive/tar"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/docker/docker/api/types/container"

	"github.com/shellbox/shellbox/internal/imagespec"
)

// Exec runs cmd in the sandbox as root and returns combined output and the
// exit code.
func (m *Manager) Exec(ctx context.Context, cmd []string) (string, int, error) {
	execID, err := m.client.ContainerExecCreate(ctx, m.cfg.ContainerName, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", -1, fmt.Errorf("exec create: %w", err)
	}

	resp, err := m.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", -1, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	output, err := io.ReadAll(resp.Reader)
	if err != nil {
		return "", -1, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := m.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return stripLogHeaders(output), -1, fmt.Errorf("exec inspect: %w", err)
	}
	return stripLogHeaders(output), inspect.ExitCode, nil
}

// ProbeExec runs the entry binary's healthcheck mode inside the sandbox.
// This is the host-side use of the same probe the container runtime invokes
// periodically; exit code zero means healthy.
func (m *Manager) ProbeExec(ctx context.Context) error {
	out, code, err := m.Exec(ctx, []string{imagespec.EntrypointPath, "healthcheck"})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("health probe exited %d: %s", code, strings.TrimSpace(out))
	}
	return nil
}

// FetchContainerKey retrieves the test account's generated private key. The
// private key crosses the container boundary exactly once, here; the caller
// is responsible for restricting its permissions immediately.
func (m *Manager) FetchContainerKey(ctx context.Context, account string) ([]byte, error) {
	keyPath := path.Join("/home", account, ".ssh", "id_ed25519")
	rc, _, err := m.client.CopyFromContainer(ctx, m.cfg.ContainerName, keyPath)
	if err != nil {
		return nil, fmt.Errorf("copy key from container: %w", err)
	}
	defer rc.Close()

	// CopyFromContainer wraps the file in a tar stream.
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read key archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read key from archive: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("no key file in archive from %s", keyPath)
}

// InstallAuthorizedKey appends a public key to the test account's
// authorized_keys via docker exec. This is the fallback trust path, used
// when the container-generated key could not be retrieved. The key travels
// base64-encoded to survive shell quoting.
func (m *Manager) InstallAuthorizedKey(ctx context.Context, account, group string, publicKey []byte) error {
	home := path.Join("/home", account)
	b64 := base64.StdEncoding.EncodeToString(publicKey)
	script := fmt.Sprintf(
		"mkdir -p %[1]s/.ssh && echo %[2]s | base64 -d >> %[1]s/.ssh/authorized_keys && chmod 700 %[1]s/.ssh && chmod 600 %[1]s/.ssh/authorized_keys && chown -R %[3]s:%[4]s %[1]s/.ssh",
		home, b64, account, group,
	)

	out, code, err := m.Exec(ctx, []string{"sh", "-c", script})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("install authorized key exited %d: %s", code, strings.TrimSpace(out))
	}
	m.logger.Info().Str("account", account).Msg("installed fallback authorized key")
	return nil
}

// RemoveAccount deletes the test account and its home directory. Used when
// releasing a reused container that stays running; errors are reported but
// the caller treats them as best-effort.
func (m *Manager) RemoveAccount(ctx context.Context, account string) error {
	out, code, err := m.Exec(ctx, []string{"userdel", "-r", account})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("userdel exited %d: %s", code, strings.TrimSpace(out))
	}
	return nil
}

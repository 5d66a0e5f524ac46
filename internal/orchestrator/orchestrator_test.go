package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shellbox/shellbox/internal/config"
	"github.com/shellbox/shellbox/internal/lifecycle"
)

type fakeSandbox struct {
	info            lifecycle.ConnectionInfo
	ensureErr       error
	fetchKey        []byte
	fetchErr        error
	installed       [][]byte
	removedAccounts []string
	tornDown        int
	ensureCalls     int
}

func (f *fakeSandbox) EnsureReady(ctx context.Context, rebuild bool) (lifecycle.ConnectionInfo, error) {
	f.ensureCalls++
	return f.info, f.ensureErr
}

func (f *fakeSandbox) Teardown(ctx context.Context) error {
	f.tornDown++
	return nil
}

func (f *fakeSandbox) FetchContainerKey(ctx context.Context, account string) ([]byte, error) {
	return f.fetchKey, f.fetchErr
}

func (f *fakeSandbox) RemoveAccount(ctx context.Context, account string) error {
	f.removedAccounts = append(f.removedAccounts, account)
	return nil
}

func (f *fakeSandbox) InstallAuthorizedKey(ctx context.Context, account, group string, publicKey []byte) error {
	f.installed = append(f.installed, publicKey)
	return nil
}

type fakeKeyStore struct {
	keyDir          string
	supplied        bool
	suppliedKeyPath string
	adopted         []byte
	adoptErr        error
	fallbackPub     []byte
	cleanups        int
}

func (f *fakeKeyStore) Supplied() bool { return f.supplied }

func (f *fakeKeyStore) PrivateKeyPath() string {
	if f.suppliedKeyPath != "" {
		return f.suppliedKeyPath
	}
	return filepath.Join(f.keyDir, "id_ed25519")
}

func (f *fakeKeyStore) AdoptContainerKey(pem []byte) (string, error) {
	if f.adoptErr != nil {
		return "", f.adoptErr
	}
	f.adopted = pem
	path := f.PrivateKeyPath()
	if err := os.WriteFile(path, pem, 0600); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeKeyStore) FallbackLocal() ([]byte, string, error) {
	path := f.PrivateKeyPath()
	if err := os.WriteFile(path, []byte("local-key"), 0600); err != nil {
		return nil, "", err
	}
	return f.fallbackPub, path, nil
}

func (f *fakeKeyStore) Cleanup() error {
	f.cleanups++
	return nil
}

func newTestOrchestrator(t *testing.T, sb *fakeSandbox, ks *fakeKeyStore) (*Orchestrator, map[string]string) {
	t.Helper()
	keyDir := t.TempDir()
	ks.keyDir = keyDir

	cfg := config.Settings{
		ContainerName:  "shellbox-sandbox",
		Account:        "testuser",
		Group:          "testers",
		KeyDir:         keyDir,
		ConnectTimeout: 5 * time.Second,
	}

	env := make(map[string]string)
	o := New(zerolog.Nop(), cfg, sb, ks)
	o.setenv = func(k, v string) error { env[k] = v; return nil }
	o.unsetenv = func(k string) error { delete(env, k); return nil }
	return o, env
}

func TestAcquireFreshBootAdoptsContainerKey(t *testing.T) {
	sb := &fakeSandbox{
		info:     lifecycle.ConnectionInfo{Host: "172.17.0.2", Port: 22, FreshBoot: true},
		fetchKey: []byte("container-pem"),
	}
	ks := &fakeKeyStore{}
	o, env := newTestOrchestrator(t, sb, ks)

	got, err := o.Acquire(context.Background(), Options{Mode: ModeRun})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if string(ks.adopted) != "container-pem" {
		t.Errorf("adopted key = %q, want container-pem", ks.adopted)
	}
	if len(sb.installed) != 0 {
		t.Errorf("fallback install ran despite adopted key")
	}
	if got.SessionID == "" {
		t.Error("empty session ID")
	}
	if env[EnvHost] != "172.17.0.2" || env[EnvAccount] != "testuser" {
		t.Errorf("exported env = %v", env)
	}
	if env[EnvSSHKey] != got.KeyPath || env[EnvSSHConfig] != got.SSHConfigPath {
		t.Errorf("exported paths = %v, env = %+v", env, got)
	}

	data, err := os.ReadFile(got.SSHConfigPath)
	if err != nil {
		t.Fatalf("read ssh config: %v", err)
	}
	if !strings.Contains(string(data), "Host shellbox-sandbox") {
		t.Errorf("ssh config missing host block:\n%s", data)
	}
}

func TestAcquireSuppliedKeyBypassesAdoption(t *testing.T) {
	// A caller-supplied public key is the only authorized key in the
	// image, so the container-generated pair must not be adopted.
	sb := &fakeSandbox{
		info:     lifecycle.ConnectionInfo{Host: "172.17.0.2", Port: 22, FreshBoot: true},
		fetchKey: []byte("container-generated-pem"),
	}
	ks := &fakeKeyStore{supplied: true, suppliedKeyPath: "/home/u/.ssh/sandbox_ed25519"}
	o, env := newTestOrchestrator(t, sb, ks)
	// Nothing provisions the key dir on this path; Acquire must create it.
	o.cfg.KeyDir = filepath.Join(t.TempDir(), "nested", "keys")

	got, err := o.Acquire(context.Background(), Options{Mode: ModeRun})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.KeyPath != "/home/u/.ssh/sandbox_ed25519" {
		t.Errorf("KeyPath = %s, want the supplied key's private half", got.KeyPath)
	}
	if ks.adopted != nil {
		t.Error("adopted the container-generated key despite a supplied public key")
	}
	if len(sb.installed) != 0 {
		t.Error("fallback install ran despite a supplied public key")
	}
	if env[EnvSSHKey] != "/home/u/.ssh/sandbox_ed25519" {
		t.Errorf("exported key = %q", env[EnvSSHKey])
	}
	if _, err := os.Stat(got.SSHConfigPath); err != nil {
		t.Errorf("ssh config not written: %v", err)
	}
}

func TestAcquireFallsBackToLocalKey(t *testing.T) {
	sb := &fakeSandbox{
		info:     lifecycle.ConnectionInfo{Host: "localhost", Port: 2222, FreshBoot: true},
		fetchErr: errors.New("no key in container"),
	}
	ks := &fakeKeyStore{fallbackPub: []byte("ssh-ed25519 AAAA local")}
	o, _ := newTestOrchestrator(t, sb, ks)

	got, err := o.Acquire(context.Background(), Options{Mode: ModeRun})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(sb.installed) != 1 || string(sb.installed[0]) != "ssh-ed25519 AAAA local" {
		t.Errorf("installed keys = %q", sb.installed)
	}
	if got.KeyPath == "" {
		t.Error("no key path after fallback")
	}
}

func TestAcquireReusedBootKeepsExistingKey(t *testing.T) {
	sb := &fakeSandbox{
		info: lifecycle.ConnectionInfo{Host: "172.17.0.2", Port: 22, FreshBoot: false},
	}
	ks := &fakeKeyStore{}
	o, _ := newTestOrchestrator(t, sb, ks)

	// The key from the boot that started the container is still on disk.
	if err := os.WriteFile(ks.PrivateKeyPath(), []byte("existing"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := o.Acquire(context.Background(), Options{Mode: ModeRun})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.KeyPath != ks.PrivateKeyPath() {
		t.Errorf("KeyPath = %s, want existing %s", got.KeyPath, ks.PrivateKeyPath())
	}
	if ks.adopted != nil || len(sb.installed) != 0 {
		t.Error("re-provisioned trust for a reused container")
	}
}

func TestAcquireReusedBootMissingKeyReprovisions(t *testing.T) {
	sb := &fakeSandbox{
		info:     lifecycle.ConnectionInfo{Host: "172.17.0.2", Port: 22, FreshBoot: false},
		fetchKey: []byte("container-pem"),
	}
	ks := &fakeKeyStore{}
	o, _ := newTestOrchestrator(t, sb, ks)

	if _, err := o.Acquire(context.Background(), Options{Mode: ModeRun}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if string(ks.adopted) != "container-pem" {
		t.Error("missing key for running container was not re-fetched")
	}
}

func TestAcquireWrapsSetupError(t *testing.T) {
	sb := &fakeSandbox{ensureErr: errors.New("docker down")}
	o, _ := newTestOrchestrator(t, sb, &fakeKeyStore{})

	_, err := o.Acquire(context.Background(), Options{Mode: ModeRun})
	if !errors.Is(err, ErrSetup) {
		t.Fatalf("expected ErrSetup, got %v", err)
	}
}

func TestReleaseNoCleanupIsNoOp(t *testing.T) {
	sb := &fakeSandbox{info: lifecycle.ConnectionInfo{Host: "h", Port: 22, FreshBoot: true}, fetchKey: []byte("k")}
	ks := &fakeKeyStore{}
	o, env := newTestOrchestrator(t, sb, ks)

	got, err := o.Acquire(context.Background(), Options{Mode: ModeRun, NoCleanup: true})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	o.Release(context.Background(), got)

	if sb.tornDown != 0 || ks.cleanups != 0 {
		t.Error("no-cleanup release still tore resources down")
	}
	if env[EnvHost] == "" {
		t.Error("no-cleanup release unset environment variables")
	}
}

func TestReleaseTearsDownAndUnsets(t *testing.T) {
	sb := &fakeSandbox{info: lifecycle.ConnectionInfo{Host: "h", Port: 22, FreshBoot: true}, fetchKey: []byte("k")}
	ks := &fakeKeyStore{}
	o, env := newTestOrchestrator(t, sb, ks)

	got, err := o.Acquire(context.Background(), Options{Mode: ModeRun})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	o.Release(context.Background(), got)

	if sb.tornDown != 1 {
		t.Errorf("teardown calls = %d, want 1", sb.tornDown)
	}
	if ks.cleanups != 1 {
		t.Errorf("credential cleanups = %d, want 1", ks.cleanups)
	}
	if len(sb.removedAccounts) != 1 || sb.removedAccounts[0] != "testuser" {
		t.Errorf("removed accounts = %v, want [testuser]", sb.removedAccounts)
	}
	if len(env) != 0 {
		t.Errorf("environment not unset: %v", env)
	}
}

func TestExecuteUnknownModeRejectedBeforeProvisioning(t *testing.T) {
	sb := &fakeSandbox{}
	o, _ := newTestOrchestrator(t, sb, &fakeKeyStore{})

	err := o.Execute(context.Background(), Options{Mode: "drain"}, nil)
	if !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
	if sb.ensureCalls != 0 {
		t.Error("unknown mode still touched the sandbox")
	}
}

func TestExecuteRunCleansUpAfterWorkError(t *testing.T) {
	sb := &fakeSandbox{info: lifecycle.ConnectionInfo{Host: "h", Port: 22, FreshBoot: true}, fetchKey: []byte("k")}
	ks := &fakeKeyStore{}
	o, _ := newTestOrchestrator(t, sb, ks)

	workErr := errors.New("tests failed")
	err := o.Execute(context.Background(), Options{Mode: ModeRun}, func(context.Context, *Environment) error {
		return workErr
	})
	if !errors.Is(err, workErr) {
		t.Fatalf("work error lost: %v", err)
	}
	if sb.tornDown != 1 {
		t.Errorf("teardown calls = %d, want 1", sb.tornDown)
	}
}

func TestExecuteSetupOnlyLeavesSandboxRunning(t *testing.T) {
	sb := &fakeSandbox{info: lifecycle.ConnectionInfo{Host: "h", Port: 22, FreshBoot: true}, fetchKey: []byte("k")}
	ks := &fakeKeyStore{}
	o, _ := newTestOrchestrator(t, sb, ks)

	if err := o.Execute(context.Background(), Options{Mode: ModeSetupOnly}, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sb.tornDown != 0 {
		t.Error("setup-only tore the sandbox down")
	}
}

func TestExecuteCleanupOnlySkipsProvisioning(t *testing.T) {
	sb := &fakeSandbox{}
	ks := &fakeKeyStore{}
	o, _ := newTestOrchestrator(t, sb, ks)
	ks.keyDir = t.TempDir()

	if err := o.Execute(context.Background(), Options{Mode: ModeCleanupOnly}, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sb.ensureCalls != 0 {
		t.Error("cleanup-only provisioned a sandbox")
	}
	if sb.tornDown != 1 {
		t.Errorf("teardown calls = %d, want 1", sb.tornDown)
	}
}

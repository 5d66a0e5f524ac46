package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		t.Fatalf("public key is not authorized_keys format: %v", err)
	}
	if parsed.Type() != "ssh-ed25519" {
		t.Errorf("key type: got %s, want ssh-ed25519", parsed.Type())
	}

	signer, err := ssh.ParsePrivateKey(priv)
	if err != nil {
		t.Fatalf("private key cannot be parsed: %v", err)
	}
	if signer.PublicKey().Type() != "ssh-ed25519" {
		t.Errorf("parsed private key type: got %s", signer.PublicKey().Type())
	}
}

func TestGenerateKeyPairUniqueness(t *testing.T) {
	pub1, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("first GenerateKeyPair() error: %v", err)
	}
	pub2, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("second GenerateKeyPair() error: %v", err)
	}
	if string(pub1) == string(pub2) {
		t.Error("two generated key pairs have identical public keys")
	}
}

func TestAdoptContainerKey(t *testing.T) {
	dir := t.TempDir()
	p := New(zerolog.Nop(), filepath.Join(dir, "keys"), "")

	_, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	path, err := p.AdoptContainerKey(priv)
	if err != nil {
		t.Fatalf("AdoptContainerKey() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat adopted key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("private key mode: got %o, want 0600", perm)
	}
}

func TestAdoptContainerKeyRejectsGarbage(t *testing.T) {
	p := New(zerolog.Nop(), t.TempDir(), "")
	if _, err := p.AdoptContainerKey([]byte("not a key")); err == nil {
		t.Fatal("expected error for unparseable key material")
	}
}

func TestFallbackLocal(t *testing.T) {
	keyDir := filepath.Join(t.TempDir(), "keys")
	p := New(zerolog.Nop(), keyDir, "")

	authorized, privPath, err := p.FallbackLocal()
	if err != nil {
		t.Fatalf("FallbackLocal() error: %v", err)
	}

	if _, _, _, _, err := ssh.ParseAuthorizedKey(authorized); err != nil {
		t.Fatalf("fallback authorized key invalid: %v", err)
	}

	info, err := os.Stat(privPath)
	if err != nil {
		t.Fatalf("stat fallback key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("fallback private key mode: got %o, want 0600", perm)
	}

	// The fallback key must sign for the authorized half.
	keyData, err := os.ReadFile(privPath)
	if err != nil {
		t.Fatalf("read fallback key: %v", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		t.Fatalf("parse fallback key: %v", err)
	}
	pub, _, _, _, _ := ssh.ParseAuthorizedKey(authorized)
	if string(signer.PublicKey().Marshal()) != string(pub.Marshal()) {
		t.Error("fallback private key does not match authorized public key")
	}
}

func TestStageSuppliedKey(t *testing.T) {
	dir := t.TempDir()
	pub, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	pubPath := filepath.Join(dir, "id_ed25519.pub")
	if err := os.WriteFile(pubPath, pub, 0644); err != nil {
		t.Fatalf("write supplied key: %v", err)
	}

	p := New(zerolog.Nop(), filepath.Join(dir, "keys"), pubPath)
	buildCtx := filepath.Join(dir, "ctx")
	if err := os.MkdirAll(buildCtx, 0755); err != nil {
		t.Fatalf("mkdir build context: %v", err)
	}

	if err := p.Stage(buildCtx); err != nil {
		t.Fatalf("Stage() error: %v", err)
	}

	staged, err := os.ReadFile(filepath.Join(buildCtx, StagedKeyName))
	if err != nil {
		t.Fatalf("staged key missing: %v", err)
	}
	if string(staged) != string(pub) {
		t.Error("staged key differs from supplied key")
	}

	if got, want := p.PrivateKeyPath(), filepath.Join(dir, "id_ed25519"); got != want {
		t.Errorf("PrivateKeyPath: got %q, want %q", got, want)
	}
}

func TestStageRejectsInvalidKey(t *testing.T) {
	dir := t.TempDir()
	pubPath := filepath.Join(dir, "bad.pub")
	os.WriteFile(pubPath, []byte("junk"), 0644)

	p := New(zerolog.Nop(), dir, pubPath)
	if err := p.Stage(dir); err == nil {
		t.Fatal("expected error staging invalid public key")
	}
}

func TestStageNoopWithoutSuppliedKey(t *testing.T) {
	dir := t.TempDir()
	p := New(zerolog.Nop(), dir, "")
	if err := p.Stage(dir); err != nil {
		t.Fatalf("Stage() without supplied key: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, StagedKeyName)); !os.IsNotExist(err) {
		t.Error("nothing should be staged without a supplied key")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	keyDir := filepath.Join(t.TempDir(), "keys")
	p := New(zerolog.Nop(), keyDir, "")
	if _, _, err := p.FallbackLocal(); err != nil {
		t.Fatalf("FallbackLocal() error: %v", err)
	}
	if err := p.Cleanup(); err != nil {
		t.Fatalf("first Cleanup() error: %v", err)
	}
	if err := p.Cleanup(); err != nil {
		t.Fatalf("second Cleanup() error: %v", err)
	}
}

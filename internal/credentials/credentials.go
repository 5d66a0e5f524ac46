// Package credentials manages the SSH key material that grants access into
// the sandbox.
//
// Two sources of trust are supported. When the caller supplies a public key,
// it is staged into the image build context and the caller's own private key
// is used to connect. Otherwise the sandbox generates a fresh key pair at
// every boot and the private half is retrieved to the host exactly once,
// immediately after the readiness gate. If retrieval fails, a host-local
// fallback pair is generated so the environment is never left half
// provisioned.
package credentials

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const (
	// PrivateKeyFile is the name of the private key written under the
	// host-side scratch key directory.
	PrivateKeyFile = "id_ed25519"
	// PublicKeyFile is its public half in authorized_keys format.
	PublicKeyFile = "id_ed25519.pub"
	// StagedKeyName is the file name a caller-supplied public key takes
	// inside the image build context.
	StagedKeyName = "authorized_key.pub"
)

// Provisioner stages and retrieves SSH key material for one environment.
type Provisioner struct {
	logger zerolog.Logger

	// keyDir is the host scratch directory; created 0700 on first use and
	// removed wholesale at teardown.
	keyDir string

	// suppliedPub is an optional caller-provided public key path. When set,
	// trust is established with the caller's key and no private material
	// ever leaves the container.
	suppliedPub string
}

// New returns a Provisioner writing under keyDir. suppliedPub may be empty.
func New(logger zerolog.Logger, keyDir, suppliedPub string) *Provisioner {
	return &Provisioner{logger: logger, keyDir: keyDir, suppliedPub: suppliedPub}
}

// GenerateKeyPair generates an ED25519 key pair, returning the OpenSSH
// authorized_keys form of the public key and the PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// Supplied reports whether the caller provided their own public key.
func (p *Provisioner) Supplied() bool {
	return p.suppliedPub != ""
}

// PrivateKeyPath is the identity file the SSH client config points at. For a
// supplied key this is the key next to the supplied public half (path minus
// the .pub suffix); otherwise it is the scratch-dir key.
func (p *Provisioner) PrivateKeyPath() string {
	if p.suppliedPub != "" {
		if ext := filepath.Ext(p.suppliedPub); ext == ".pub" {
			return p.suppliedPub[:len(p.suppliedPub)-len(ext)]
		}
		return p.suppliedPub
	}
	return filepath.Join(p.keyDir, PrivateKeyFile)
}

// Stage copies the caller-supplied public key into the image build context so
// the bootstrap can install it as authorized_keys. It validates the key is
// parseable before copying. With no supplied key, Stage is a no-op: the
// bootstrap falls back to the key pair it generates itself.
func (p *Provisioner) Stage(buildContextDir string) error {
	if p.suppliedPub == "" {
		p.logger.Debug().Msg("no public key supplied, sandbox will self-generate trust")
		return nil
	}

	data, err := os.ReadFile(p.suppliedPub)
	if err != nil {
		return fmt.Errorf("read supplied public key: %w", err)
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey(data); err != nil {
		return fmt.Errorf("supplied public key %s is not authorized_keys format: %w", p.suppliedPub, err)
	}

	dst := filepath.Join(buildContextDir, StagedKeyName)
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("stage public key: %w", err)
	}
	p.logger.Info().Str("key", p.suppliedPub).Msg("staged supplied public key into build context")
	return nil
}

// AdoptContainerKey writes a private key retrieved from the container into
// the scratch key directory. The file is created 0600 from the start; the
// key material is validated before the function reports success.
func (p *Provisioner) AdoptContainerKey(privateKeyPEM []byte) (string, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("retrieved key does not parse: %w", err)
	}

	if err := os.MkdirAll(p.keyDir, 0700); err != nil {
		return "", fmt.Errorf("create key dir: %w", err)
	}
	path := filepath.Join(p.keyDir, PrivateKeyFile)
	if err := os.WriteFile(path, privateKeyPEM, 0600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}

	pub := ssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := os.WriteFile(filepath.Join(p.keyDir, PublicKeyFile), pub, 0644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}

	p.logger.Info().Str("path", path).Msg("adopted container-generated private key")
	return path, nil
}

// FallbackLocal generates a host-local key pair when no usable key could be
// retrieved from the container. It returns the authorized_keys line that must
// be installed for the test account, and the private key path to dial with.
func (p *Provisioner) FallbackLocal() (authorizedKey []byte, privateKeyPath string, err error) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		return nil, "", err
	}

	if err := os.MkdirAll(p.keyDir, 0700); err != nil {
		return nil, "", fmt.Errorf("create key dir: %w", err)
	}
	privateKeyPath = filepath.Join(p.keyDir, PrivateKeyFile)
	if err := os.WriteFile(privateKeyPath, priv, 0600); err != nil {
		return nil, "", fmt.Errorf("write fallback private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(p.keyDir, PublicKeyFile), pub, 0644); err != nil {
		return nil, "", fmt.Errorf("write fallback public key: %w", err)
	}

	p.logger.Warn().Str("path", privateKeyPath).Msg("container key unavailable, generated local fallback pair")
	return pub, privateKeyPath, nil
}

// Cleanup removes the scratch key directory. Missing directories are not an
// error: cleanup runs on every exit path and must be repeatable.
func (p *Provisioner) Cleanup() error {
	if err := os.RemoveAll(p.keyDir); err != nil {
		return fmt.Errorf("remove key dir: %w", err)
	}
	return nil
}

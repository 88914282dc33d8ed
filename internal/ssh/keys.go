// Package ssh loads and generates the key pair used to log into build slaves.
package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cislave/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const rsaKeyBits = 2048

// KeyPair is an SSH key pair read from or written to disk
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
	PrivateKey     []byte // PEM
	PublicKey      string // authorized_keys format, no trailing newline
}

// Signer parses the private key for SSH authentication
func (kp *KeyPair) Signer() (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", kp.PrivateKeyPath, err)
	}
	return signer, nil
}

// LoadKeyPair reads an existing key pair. A missing public key is derived
// from the private key and written next to it.
func LoadKeyPair(privateKeyPath, publicKeyPath string) (*KeyPair, error) {
	privateKey, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	kp := &KeyPair{
		PrivateKeyPath: privateKeyPath,
		PublicKeyPath:  publicKeyPath,
		PrivateKey:     privateKey,
	}

	signer, err := kp.Signer()
	if err != nil {
		return nil, err
	}
	derived := authorizedKey(signer.PublicKey())

	publicKey, err := os.ReadFile(publicKeyPath)
	switch {
	case err == nil:
		kp.PublicKey = strings.TrimSpace(string(publicKey))
	case errors.Is(err, os.ErrNotExist):
		logging.Logger().Info("public key missing, deriving it from the private key",
			zap.String("path", publicKeyPath))
		if err := writeFile(publicKeyPath, []byte(derived+"\n"), 0644); err != nil {
			return nil, err
		}
		kp.PublicKey = derived
	default:
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return kp, nil
}

// GenerateKeyPair creates a new RSA key pair. It refuses to overwrite an
// existing private key.
func GenerateKeyPair(privateKeyPath, publicKeyPath string) (*KeyPair, error) {
	if _, err := os.Stat(privateKeyPath); err == nil {
		return nil, fmt.Errorf("private key %s already exists", privateKeyPath)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	publicKey, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %w", err)
	}
	authorized := authorizedKey(publicKey)

	if err := writeFile(privateKeyPath, privatePEM, 0600); err != nil {
		return nil, err
	}
	if err := writeFile(publicKeyPath, []byte(authorized+"\n"), 0644); err != nil {
		return nil, err
	}

	logging.Logger().Info("generated SSH key pair",
		zap.String("private_key", privateKeyPath),
		zap.String("public_key", publicKeyPath))

	return &KeyPair{
		PrivateKeyPath: privateKeyPath,
		PublicKeyPath:  publicKeyPath,
		PrivateKey:     privatePEM,
		PublicKey:      authorized,
	}, nil
}

// LoadOrGenerateKeyPair loads the pair at the given paths, generating it
// when the private key does not exist yet
func LoadOrGenerateKeyPair(privateKeyPath, publicKeyPath string) (*KeyPair, error) {
	if _, err := os.Stat(privateKeyPath); errors.Is(err, os.ErrNotExist) {
		return GenerateKeyPair(privateKeyPath, publicKeyPath)
	}
	return LoadKeyPair(privateKeyPath, publicKeyPath)
}

func authorizedKey(key ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
}

func writeFile(path string, data []byte, mode os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	return nil
}

package sshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"
)

// DefaultHostKeyName is the file generated when the host key directory holds
// no key.
const DefaultHostKeyName = "ssh_host_ed25519_key"

// ErrNoHostKeys is returned when no usable host key was found.
var ErrNoHostKeys = errors.New("no host keys")

// LoadHostKeys loads every private key in dir that has a matching .pub file.
func LoadHostKeys(dir string) ([]ssh.Signer, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".pub"))
	}
	sort.Strings(names)

	signers := make([]ssh.Signer, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read host key %s: %w", name, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s: %w", name, err)
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoHostKeys, dir)
	}
	return signers, nil
}

// GenerateHostKey writes a new ed25519 key pair to dir/name (OpenSSH format,
// mode 0600) and dir/name.pub. Existing files are not overwritten.
func GenerateHostKey(dir, name, comment string) (ssh.PublicKey, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, err
	}

	keyPath := filepath.Join(dir, name)
	if err := writeNewFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	if err := writeNewFile(keyPath+".pub", ssh.MarshalAuthorizedKey(sshPub), 0o644); err != nil {
		return nil, err
	}
	return sshPub, nil
}

// EnsureHostKeys loads the host keys in dir, generating the default key
// first when there is none.
func EnsureHostKeys(dir, comment string, log *slog.Logger) ([]ssh.Signer, error) {
	signers, err := LoadHostKeys(dir)
	if err == nil {
		return signers, nil
	}
	if !errors.Is(err, ErrNoHostKeys) && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	pub, err := GenerateHostKey(dir, DefaultHostKeyName, comment)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	if log != nil {
		log.Info("generated host key", "path", filepath.Join(dir, DefaultHostKeyName),
			"fingerprint", ssh.FingerprintSHA256(pub))
	}
	return LoadHostKeys(dir)
}

func writeNewFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/google/uuid"
)

var (
	// ErrBadPassphrase is returned when a keystore does not decrypt.
	ErrBadPassphrase  = errors.New("crypto: keystore passphrase does not match")
	errNoKeystorePath = errors.New("crypto: empty keystore path")
)

type scryptCost struct {
	n, p int
}

// KeystoreOption tunes SaveToKeystore.
type KeystoreOption func(*scryptCost)

// WithLightScrypt lowers the scrypt cost. Only for tests and throwaway keys.
func WithLightScrypt() KeystoreOption {
	return func(c *scryptCost) { c.n, c.p = keystore.LightScryptN, keystore.LightScryptP }
}

// SaveToKeystore encrypts key with passphrase into a v3 keystore JSON file at
// path, creating missing parent directories with mode 0700. The file is
// written next to its final name and renamed over it, so an existing keystore
// is either kept or fully replaced.
func SaveToKeystore(path string, key *PrivateKey, passphrase string, opts ...KeystoreOption) error {
	if key == nil || key.PrivateKey == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errNoKeystorePath
	}
	cost := scryptCost{n: keystore.StandardScryptN, p: keystore.StandardScryptP}
	for _, opt := range opts {
		opt(&cost)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("crypto: keystore id: %w", err)
	}
	blob, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    key.PubKey().Address().Common(),
		PrivateKey: key.PrivateKey,
	}, passphrase, cost.n, cost.p)
	if err != nil {
		return fmt.Errorf("crypto: encrypt keystore: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("crypto: keystore dir: %w", err)
	}
	return writeFileAtomic(dir, path, blob)
}

func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("crypto: write keystore: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("crypto: write keystore: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("crypto: write keystore: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("crypto: write keystore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("crypto: write keystore: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("crypto: write keystore: %w", err)
	}
	return nil
}

// LoadFromKeystore decrypts the keystore at path. A wrong passphrase yields
// ErrBadPassphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errNoKeystorePath
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(blob, passphrase)
	switch {
	case errors.Is(err, keystore.ErrDecrypt):
		return nil, ErrBadPassphrase
	case err != nil:
		return nil, fmt.Errorf("crypto: decrypt keystore %s: %w", filepath.Base(path), err)
	}
	return &PrivateKey{PrivateKey: key.PrivateKey}, nil
}

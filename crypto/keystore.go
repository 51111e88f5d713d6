package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Scrypt cost parameters for keystore encryption. Tests dial these down.
var (
	keystoreScryptN = keystore.StandardScryptN
	keystoreScryptP = keystore.StandardScryptP
)

// SaveToKeystore encrypts a mining identity into an Ethereum v3 keystore
// file, so identities stay portable across wallet tooling. The file is
// written atomically and readable only by the owner.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("crypto: keystore id: %w", err)
	}
	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    ethcrypto.PubkeyToAddress(key.PrivateKey.PublicKey),
		PrivateKey: key.PrivateKey,
	}, passphrase, keystoreScryptN, keystoreScryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt keystore: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(encrypted); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFromKeystore decrypts a v3 keystore file back into a mining identity.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore: %w", err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

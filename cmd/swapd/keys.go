package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/Klingon-tech/swapd/internal/secret"
	"github.com/Klingon-tech/swapd/internal/wallet"
)

var errKeystoreExists = errors.New("keystore already exists")

// initDigestKey writes a new encrypted digest key and returns its EVM
// address. An existing keystore is never overwritten.
func initDigestKey(path, password string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %s", errKeystoreExists, path)
	}
	if err := wallet.ValidatePassword(password); err != nil {
		return "", err
	}

	key, err := wallet.GenerateDigestKey()
	if err != nil {
		return "", err
	}
	defer wallet.SecureClear(key)

	encrypted, err := wallet.EncryptKey(key, password)
	if err != nil {
		return "", err
	}
	if err := wallet.SaveKeystore(encrypted, path); err != nil {
		return "", err
	}

	m, err := secret.NewFromKey(key)
	if err != nil {
		return "", err
	}
	return m.Address()
}

// unlockDigestKey decrypts the keystore into a secret manager.
func unlockDigestKey(path, password string) (*secret.Manager, error) {
	key, err := wallet.Unlock(path, password)
	if err != nil {
		return nil, err
	}
	defer wallet.SecureClear(key)
	return secret.NewFromKey(key)
}

// Package wallet holds the daemon's key custody: the encrypted digest key
// keystore, the BIP39/BIP84 Bitcoin wallet derived from it, and the EVM
// signing helpers. Only Argon2id + AES-256-GCM is used for encryption.
package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"
	"unicode/utf8"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/argon2"

	"github.com/Klingon-tech/swapd/pkg/helpers"
)

// Argon2 parameters (OWASP recommended for password hashing)
const (
	argon2Time        = 3         // Number of iterations
	argon2Memory      = 64 * 1024 // 64 MB memory
	argon2Parallelism = 4         // Parallel threads
	argon2KeyLen      = 32        // Output key length for AES-256
	argon2SaltLen     = 32        // Salt length
)

// DigestKeySize is the length of a digest key.
const DigestKeySize = 32

// Keystore errors
var (
	ErrKeystoreNotFound = errors.New("keystore not found")
	ErrWrongPassword    = errors.New("failed to decrypt (wrong password?)")
	ErrInvalidKey       = errors.New("invalid digest key")
)

// EncryptedKey represents an encrypted digest key for storage.
type EncryptedKey struct {
	Version     int    `json:"version"`
	Address     string `json:"address,omitempty"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// GenerateDigestKey returns a fresh random digest key that is a valid
// secp256k1 scalar.
func GenerateDigestKey() ([]byte, error) {
	for {
		key, err := helpers.GenerateSecureRandom(DigestKeySize)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		if ValidDigestKey(key) {
			return key, nil
		}
	}
}

// ValidDigestKey reports whether key is 32 bytes and a non-zero scalar
// below the curve order.
func ValidDigestKey(key []byte) bool {
	if len(key) != DigestKeySize {
		return false
	}
	var s secp256k1.ModNScalar
	overflow := s.SetByteSlice(key)
	return !overflow && !s.IsZero()
}

// EncryptKey encrypts a digest key using Argon2id + AES-256-GCM.
func EncryptKey(key []byte, password string) (*EncryptedKey, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !ValidDigestKey(key) {
		return nil, ErrInvalidKey
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt, argon2Time, argon2Memory, argon2Parallelism)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedKey{
		Version:     1,
		Address:     PrivateKeyToEVMAddress(secp256k1.PrivKeyFromBytes(key)),
		Ciphertext:  gcm.Seal(nil, nonce, key, nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}, nil
}

// DecryptKey decrypts an encrypted digest key. The caller owns the
// returned slice and should SecureClear it when done.
func DecryptKey(encrypted *EncryptedKey, password string) ([]byte, error) {
	// Use stored parameters or defaults
	time := encrypted.Time
	if time == 0 {
		time = argon2Time
	}
	memory := encrypted.Memory
	if memory == 0 {
		memory = argon2Memory
	}
	parallelism := encrypted.Parallelism
	if parallelism == 0 {
		parallelism = argon2Parallelism
	}

	gcm, err := newGCM(password, encrypted.Salt, time, memory, parallelism)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, encrypted.Nonce, encrypted.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassword, err)
	}
	if !ValidDigestKey(plaintext) {
		SecureClear(plaintext)
		return nil, ErrInvalidKey
	}
	return plaintext, nil
}

func newGCM(password string, salt []byte, time, memory uint32, parallelism uint8) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, time, memory, parallelism, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SaveKeystore saves an encrypted key to a file.
func SaveKeystore(encrypted *EncryptedKey, path string) error {
	if err := ValidateFilePath(path); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(encrypted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadKeystore loads an encrypted key from a file.
func LoadKeystore(path string) (*EncryptedKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeystoreNotFound, path)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var encrypted EncryptedKey
	if err := json.Unmarshal(data, &encrypted); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return &encrypted, nil
}

// Unlock loads the keystore at path and decrypts it.
func Unlock(path, password string) ([]byte, error) {
	encrypted, err := LoadKeystore(path)
	if err != nil {
		return nil, err
	}
	return DecryptKey(encrypted, password)
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	helpers.SecureClear(data)
}

// Password validation constants
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ValidatePassword validates password strength.
// Requires at least 8 characters and 3 of 4 character types.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	complexity := 0
	for _, ok := range []bool{hasUpper, hasLower, hasNumber, hasSpecial} {
		if ok {
			complexity++
		}
	}
	if complexity < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}
	return nil
}

// ValidateFilePath validates a file path for safety.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	// Check for path traversal
	clean := filepath.Clean(path)
	if clean != path && !filepath.IsAbs(path) {
		return fmt.Errorf("suspicious path (potential traversal): %s", path)
	}

	if !utf8.ValidString(path) {
		return fmt.Errorf("path contains invalid UTF-8")
	}
	return nil
}

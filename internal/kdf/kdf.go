// Package kdf derives fixed-length symmetric keys from a master secret
// and salt. Argon2id is the primary path; an iterated PBKDF2-SHA256 is
// available where the memory-hard parameters cannot be afforded.
//
// Both functions are deterministic for identical inputs, which the key
// rotation manager relies on to re-derive the wrapping key that protects
// the stored storage passphrase.
package kdf

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/warden/internal/mem"
)

const (
	// KeyLen is the derived key length: one AEAD key.
	KeyLen = 32

	// MinSaltLen is the minimum accepted salt length.
	MinSaltLen = 16

	// DefaultFallbackIterations is the PBKDF2 iteration count used when
	// the caller does not override it.
	DefaultFallbackIterations = 600_000
)

// Params are the Argon2id cost parameters.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultParams returns the Argon2id costs used throughout the module.
func DefaultParams() Params {
	return Params{
		Time:    4,
		Memory:  128 * 1024,
		Threads: 4,
	}
}

// Derive derives a 32-byte key from secret and salt using Argon2id.
// It operates on internal copies of its inputs and wipes them before
// returning; the caller keeps ownership of secret and salt.
func Derive(secret, salt []byte, p Params) ([]byte, error) {
	if err := validateInputs(secret, salt); err != nil {
		return nil, err
	}
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return nil, errors.New("invalid derivation cost parameters")
	}

	secretCopy := append([]byte(nil), secret...)
	saltCopy := append([]byte(nil), salt...)
	defer mem.Wipe(secretCopy)
	defer mem.Wipe(saltCopy)

	key := argon2.IDKey(secretCopy, saltCopy, p.Time, p.Memory, p.Threads, KeyLen)
	return key, nil
}

// DeriveFallback derives a 32-byte key from secret and salt using
// PBKDF2-SHA256. Used only when the Argon2id path is unavailable.
func DeriveFallback(secret, salt []byte, iterations int) ([]byte, error) {
	if err := validateInputs(secret, salt); err != nil {
		return nil, err
	}
	if iterations <= 0 {
		iterations = DefaultFallbackIterations
	}

	secretCopy := append([]byte(nil), secret...)
	saltCopy := append([]byte(nil), salt...)
	defer mem.Wipe(secretCopy)
	defer mem.Wipe(saltCopy)

	key := pbkdf2.Key(secretCopy, saltCopy, iterations, KeyLen, sha256.New)
	return key, nil
}

func validateInputs(secret, salt []byte) error {
	if len(secret) == 0 {
		return errors.New("secret cannot be empty")
	}
	if len(salt) < MinSaltLen {
		return fmt.Errorf("salt must be at least %d bytes, got %d", MinSaltLen, len(salt))
	}
	return nil
}

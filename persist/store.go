// Package persist is the non-relational key-value area that holds the
// storage key record and the key derivation salt. It is deliberately
// separate from the encrypted data store those values protect: the key
// record cannot live inside the store it unlocks.
package persist

import (
	"errors"
	"fmt"
	"time"
)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // content hash used for optimistic concurrency
	Timestamp time.Time
}

// Store defines the interface for persisting the key record and the
// derivation salt. All data passed to this interface is assumed to be
// encrypted (or non-secret, in the case of the salt) by the caller.
//
// Save operations take an expected version for optimistic concurrency
// control: if the stored version differs, the write is rejected with a
// ConcurrencyError and nothing is modified. An empty expected version
// skips the check.
type Store interface {
	// SaveKeyRecord persists the serialized key record and returns the
	// new version.
	SaveKeyRecord(data []byte, expectedVersion string) (newVersion string, err error)

	// LoadKeyRecord retrieves the key record. Returns an error satisfying
	// os.IsNotExist semantics (see IsNotFound) when no record exists.
	LoadKeyRecord() (*VersionedData, error)

	// KeyRecordExists checks whether a key record is present.
	KeyRecordExists() (bool, error)

	// SaveSalt persists the key derivation salt and returns the new version.
	SaveSalt(saltData []byte, expectedVersion string) (newVersion string, err error)

	// LoadSalt retrieves the key derivation salt.
	LoadSalt() (*VersionedData, error)

	// SaltExists checks whether a derivation salt is present.
	SaltExists() (bool, error)

	// GetType returns the backend type identifier (file, badger).
	GetType() string

	// Ping verifies the backend is reachable and writable.
	Ping() error

	// Close releases backend resources.
	Close() error
}

// StoreType identifies a storage backend implementation
type StoreType string

const (
	StoreTypeFileSystem StoreType = "file"
	StoreTypeBadger     StoreType = "badger"
)

// StoreConfig carries backend selection and backend-specific settings
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("%s: version conflict: expected %q, found %q",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

// IsConcurrencyError reports whether err is a version conflict.
func IsConcurrencyError(err error) bool {
	var ce ConcurrencyError
	return errors.As(err, &ce)
}

package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerKeyRecord = "vault:keyrecord"
	badgerSalt      = "vault:salt"
)

// badgerEnvelope wraps a stored value with its write timestamp; badger
// itself does not track modification times.
type badgerEnvelope struct {
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// BadgerStore implements Store on an embedded badger database. The
// database holds only the key record and the salt; the encrypted data
// store is a separate database owned by the storage gate.
type BadgerStore struct {
	db      *badger.DB
	ownedDB bool
}

// NewBadgerStore opens (or creates) a badger database at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("badger directory is required")
	}

	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	return &BadgerStore{db: db, ownedDB: true}, nil
}

// NewBadgerStoreWithDB wraps an already open database. Close does not
// close a database the store does not own.
func NewBadgerStoreWithDB(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (bs *BadgerStore) SaveKeyRecord(data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("key record cannot be nil")
	}
	return bs.save(badgerKeyRecord, data, expectedVersion, "SaveKeyRecord")
}

func (bs *BadgerStore) LoadKeyRecord() (*VersionedData, error) {
	return bs.load(badgerKeyRecord)
}

func (bs *BadgerStore) KeyRecordExists() (bool, error) {
	return bs.exists(badgerKeyRecord)
}

func (bs *BadgerStore) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	return bs.save(badgerSalt, saltData, expectedVersion, "SaveSalt")
}

func (bs *BadgerStore) LoadSalt() (*VersionedData, error) {
	return bs.load(badgerSalt)
}

func (bs *BadgerStore) SaltExists() (bool, error) {
	return bs.exists(badgerSalt)
}

func (bs *BadgerStore) GetType() string {
	return string(StoreTypeBadger)
}

func (bs *BadgerStore) Ping() error {
	if bs.db == nil || bs.db.IsClosed() {
		return fmt.Errorf("badger store is closed")
	}
	return nil
}

func (bs *BadgerStore) Close() error {
	if bs.ownedDB && bs.db != nil && !bs.db.IsClosed() {
		return bs.db.Close()
	}
	return nil
}

func (bs *BadgerStore) save(key string, data []byte, expectedVersion, operation string) (string, error) {
	envelope, err := json.Marshal(badgerEnvelope{
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = bs.db.Update(func(txn *badger.Txn) error {
		// Version check and write happen inside one transaction
		if expectedVersion != "" {
			currentVersion := ""
			item, err := txn.Get([]byte(key))
			if err == nil {
				if err = item.Value(func(val []byte) error {
					var existing badgerEnvelope
					if err := json.Unmarshal(val, &existing); err != nil {
						return err
					}
					currentVersion = calculateVersion(existing.Data)
					return nil
				}); err != nil {
					return err
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			if currentVersion != expectedVersion {
				return ConcurrencyError{
					ExpectedVersion: expectedVersion,
					ActualVersion:   currentVersion,
					Operation:       operation,
				}
			}
		}
		return txn.Set([]byte(key), envelope)
	})
	if err != nil {
		if IsConcurrencyError(err) {
			return "", err
		}
		return "", fmt.Errorf("failed to persist %s: %w", key, err)
	}

	return calculateVersion(data), nil
}

func (bs *BadgerStore) load(key string) (*VersionedData, error) {
	var envelope badgerEnvelope

	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &envelope)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}

	return &VersionedData{
		Data:      envelope.Data,
		Version:   calculateVersion(envelope.Data),
		Timestamp: envelope.Timestamp,
	}, nil
}

func (bs *BadgerStore) exists(key string) (bool, error) {
	found := false
	err := bs.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			found = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return found, err
}

// IsNotFound reports whether err signals a missing record or salt,
// regardless of backend.
func IsNotFound(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) || errors.Is(err, badger.ErrKeyNotFound)
}

package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "audit:"

// BadgerStore persists entries in a Badger database. Keys embed the
// entry timestamp and id in big-endian form so a plain prefix iteration
// yields entries in timestamp order without a sort pass.
type BadgerStore struct {
	db      *badger.DB
	ownedDB bool
}

// NewBadgerStore opens a dedicated Badger database at dir for audit
// entries.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database at %s: %w", dir, err)
	}
	return &BadgerStore{db: db, ownedDB: true}, nil
}

// NewBadgerStoreWithDB wraps an already-open database. The caller keeps
// ownership; Close becomes a no-op.
func NewBadgerStoreWithDB(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// badgerKey encodes prefix + timestamp nanos + id, both big-endian, so
// lexicographic key order equals (timestamp, id) order.
func badgerKey(e Entry) []byte {
	key := make([]byte, len(badgerKeyPrefix)+16)
	copy(key, badgerKeyPrefix)
	binary.BigEndian.PutUint64(key[len(badgerKeyPrefix):], uint64(e.Timestamp.UnixNano()))
	binary.BigEndian.PutUint64(key[len(badgerKeyPrefix)+8:], uint64(e.ID))
	return key
}

// Append stores one entry.
func (s *BadgerStore) Append(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(e), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store audit entry: %w", err)
	}
	return nil
}

// Scan visits all entries ascending by timestamp, ties broken by id.
// Key order already guarantees that, so entries stream straight from
// the iterator.
func (s *BadgerStore) Scan(fn func(Entry) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("failed to decode audit entry: %w", err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("audit scan failed: %w", err)
	}
	return nil
}

// PurgeBefore deletes entries strictly older than cutoff. The timestamp
// lives in the key, so candidates are found without decoding values.
func (s *BadgerStore) PurgeBefore(cutoff time.Time) (int, error) {
	// Keys strictly below this bound are older than the cutoff.
	bound := make([]byte, len(badgerKeyPrefix)+8)
	copy(bound, badgerKeyPrefix)
	binary.BigEndian.PutUint64(bound[len(badgerKeyPrefix):], uint64(cutoff.UnixNano()))

	var victims [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(bound) {
				break
			}
			victims = append(victims, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan audit entries for purge: %w", err)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range victims {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	return len(victims), nil
}

// Close closes the database if this store owns it.
func (s *BadgerStore) Close() error {
	if !s.ownedDB {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close audit database: %w", err)
	}
	return nil
}

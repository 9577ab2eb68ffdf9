package warden

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"southwinds.dev/warden/audit"
	"southwinds.dev/warden/internal/crypto"
	"southwinds.dev/warden/internal/mem"
)

// StoreHandle is the minimal surface of the encrypted data store the
// gate hands out. Callers never see the passphrase that opened it.
type StoreHandle interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Close() error
}

// Opener opens the encrypted data store with the given passphrase. The
// gate wipes the passphrase as soon as the call returns; implementations
// must not retain it.
type Opener func(passphrase []byte) (StoreHandle, error)

// Retry pacing for GetStoreWithRetry.
const (
	retryBaseDelay = 50 * time.Millisecond
	retryMaxDelay  = 1 * time.Second
)

// Gate mediates access to the encrypted data store. It caches at most
// one open handle, tagged with the session id that opened it; a new
// session never sees a handle opened under a previous one.
type Gate struct {
	mu        sync.Mutex
	session   *Session
	keys      *KeyManager
	trail     *audit.Trail
	opener    Opener
	handle    StoreHandle
	handleSID string
	log       *logrus.Entry
}

// NewGate creates a gate using the given opener. Pass NewBadgerOpener
// for the default encrypted store.
func NewGate(session *Session, keys *KeyManager, trail *audit.Trail, opener Opener) (*Gate, error) {
	if session == nil || keys == nil || trail == nil {
		return nil, fmt.Errorf("session, key manager and audit trail are required")
	}
	if opener == nil {
		return nil, fmt.Errorf("store opener is required")
	}
	return &Gate{
		session: session,
		keys:    keys,
		trail:   trail,
		opener:  opener,
		log:     logrus.WithField("component", "gate"),
	}, nil
}

// GetStore returns an open handle to the encrypted data store, opening
// it on first use. The cached handle is reused only while the session
// that opened it is still the active one.
func (g *Gate) GetStore() (StoreHandle, error) {
	if !g.session.StartOperation() {
		return nil, ErrSessionLocked
	}
	defer g.session.EndOperation()

	g.mu.Lock()
	defer g.mu.Unlock()

	sid := g.session.CurrentSessionID()
	if sid == "" {
		return nil, ErrSessionLocked
	}

	if g.handle != nil {
		if g.handleSID == sid {
			return g.handle, nil
		}
		// Stale handle from an earlier session. Close it before opening
		// under the current one.
		g.closeHandleLocked("stale session handle")
	}

	requestID := newRequestID()
	passphrase, err := g.keys.GetOrCreatePassphrase()
	if err != nil {
		g.audit(audit.EventStoreOpen, "get_store", audit.OutcomeFailure,
			audit.LevelElevated, err.Error(), requestID)
		return nil, fmt.Errorf("failed to obtain storage passphrase: %w", err)
	}

	handle, err := g.opener(passphrase)
	mem.Wipe(passphrase)
	if err != nil {
		g.audit(audit.EventStoreOpen, "get_store", audit.OutcomeFailure,
			audit.LevelCritical, err.Error(), requestID)
		return nil, fmt.Errorf("%w: %v", ErrStoreOpenFailed, err)
	}

	g.handle = handle
	g.handleSID = sid
	g.audit(audit.EventStoreOpen, "get_store", audit.OutcomeSuccess,
		audit.LevelNormal, "", requestID)
	return handle, nil
}

// GetStoreWithRetry is GetStore with exponential backoff for transient
// open failures, such as a store still closing after a rotation. Locked
// session and authentication failures are returned immediately; they do
// not heal with time.
func (g *Gate) GetStoreWithRetry(maxAttempts int) (StoreHandle, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	delay := retryBaseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		handle, err := g.GetStore()
		if err == nil {
			return handle, nil
		}
		if errors.Is(err, ErrSessionLocked) || errors.Is(err, ErrSessionExpired) ||
			errors.Is(err, ErrAuthenticationFailed) {
			return nil, err
		}
		lastErr = err

		if attempt < maxAttempts {
			g.log.WithError(err).Warnf("store open attempt %d/%d failed, retrying in %s",
				attempt, maxAttempts, delay)
			time.Sleep(delay)
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}
	}
	return nil, fmt.Errorf("store open failed after %d attempts: %w", maxAttempts, lastErr)
}

// CloseStore closes and forgets the cached handle. Safe to call when
// nothing is open.
func (g *Gate) CloseStore() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.handle == nil {
		return nil
	}

	err := g.handle.Close()
	g.handle = nil
	g.handleSID = ""
	if err != nil {
		g.audit(audit.EventStoreClose, "close_store", audit.OutcomeWarning,
			audit.LevelNormal, err.Error(), newRequestID())
		return fmt.Errorf("failed to close encrypted store: %w", err)
	}
	g.audit(audit.EventStoreClose, "close_store", audit.OutcomeSuccess,
		audit.LevelNormal, "", newRequestID())
	return nil
}

// closeHandleLocked closes the cached handle best-effort; caller holds
// g.mu.
func (g *Gate) closeHandleLocked(reason string) {
	if err := g.handle.Close(); err != nil {
		g.log.WithError(err).Warn("failed to close previous store handle")
	}
	g.handle = nil
	g.handleSID = ""
	g.audit(audit.EventStoreClose, "close_store", audit.OutcomeSuccess,
		audit.LevelNormal, reason, newRequestID())
}

func (g *Gate) audit(event audit.EventType, action string, outcome audit.Outcome,
	level audit.SecurityLevel, detail, requestID string) {
	g.trail.Append(audit.Entry{
		EventType:     event,
		Action:        action,
		ResourceType:  "encrypted_store",
		ResourceID:    requestID,
		Outcome:       outcome,
		SecurityLevel: level,
		Detail:        detail,
	})
}

// badgerHandle adapts a passphrase-encrypted badger database to
// StoreHandle.
type badgerHandle struct {
	db *badger.DB
}

// storeKeyFile is the sidecar holding the database's internal encryption
// key, sealed under the storage passphrase. The database key itself
// never changes; rotating the passphrase only reseals this file, so a
// rotation does not re-encrypt the data.
const storeKeyFile = "store.key"

// NewBadgerOpener returns the default Opener: a badger database at dir
// whose internal encryption key is unwrapped with the storage
// passphrase. A wrong passphrase fails the unwrap before the database
// is touched. Badger requires an index cache when encryption is on;
// 64 MiB is allocated for it.
func NewBadgerOpener(dir string) Opener {
	return func(passphrase []byte) (StoreHandle, error) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}

		dbKey, err := loadOrCreateStoreKey(dir, passphrase)
		if err != nil {
			return nil, err
		}

		opts := badger.DefaultOptions(dir).
			WithLoggingLevel(badger.ERROR).
			WithEncryptionKey(dbKey).
			WithIndexCacheSize(64 << 20)

		db, err := badger.Open(opts)
		if err != nil {
			mem.Wipe(dbKey)
			return nil, fmt.Errorf("failed to open encrypted database at %s: %w", dir, err)
		}
		return &badgerHandle{db: db}, nil
	}
}

// RekeyBadgerStore reseals the store's internal key under a new
// passphrase. Called from the rotation verify step, after the new
// passphrase is committed and before the store is reopened. The data
// itself is not re-encrypted.
func RekeyBadgerStore(dir string, oldPassphrase, newPassphrase []byte) error {
	keyPath := filepath.Join(dir, storeKeyFile)
	sealed, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Store was never opened; nothing to reseal.
			return nil
		}
		return fmt.Errorf("failed to read store key file: %w", err)
	}

	dbKey, err := crypto.DecryptValue(sealed, oldPassphrase)
	if err != nil {
		return fmt.Errorf("failed to unwrap store key with the previous passphrase: %w", err)
	}
	defer mem.Wipe(dbKey)

	resealed, err := crypto.EncryptValue(dbKey, newPassphrase)
	if err != nil {
		return fmt.Errorf("failed to reseal store key: %w", err)
	}
	return writeKeyFile(keyPath, resealed)
}

func loadOrCreateStoreKey(dir string, passphrase []byte) ([]byte, error) {
	keyPath := filepath.Join(dir, storeKeyFile)
	sealed, err := os.ReadFile(keyPath)
	if err == nil {
		dbKey, err := crypto.DecryptValue(sealed, passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to unwrap store key: %w", err)
		}
		return dbKey, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read store key file: %w", err)
	}

	dbKey, err := mem.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate store key: %w", err)
	}
	sealed, err = crypto.EncryptValue(dbKey, passphrase)
	if err != nil {
		mem.Wipe(dbKey)
		return nil, fmt.Errorf("failed to seal store key: %w", err)
	}
	if err := writeKeyFile(keyPath, sealed); err != nil {
		mem.Wipe(dbKey)
		return nil, err
	}
	return dbKey, nil
}

// writeKeyFile writes the sealed key atomically so a crash mid-rekey
// leaves either the old or the new wrapping, never a torn file.
func writeKeyFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write store key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace store key file: %w", err)
	}
	return nil
}

func (h *badgerHandle) Get(key []byte) ([]byte, error) {
	var value []byte
	err := h.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (h *badgerHandle) Set(key, value []byte) error {
	return h.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (h *badgerHandle) Delete(key []byte) error {
	return h.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (h *badgerHandle) Close() error {
	return h.db.Close()
}

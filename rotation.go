package warden

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"southwinds.dev/warden/audit"
	"southwinds.dev/warden/internal/crypto"
	"southwinds.dev/warden/internal/mem"
	"southwinds.dev/warden/persist"
)

// passphraseLen is the length of a generated storage passphrase.
const passphraseLen = 32

// KeyRecord is the persisted state of the storage passphrase. Both the
// current and the backup passphrase are stored encrypted under the
// session key, with their AEAD nonces kept alongside.
//
// The backup slot is only populated mid-rotation. A record loaded with a
// non-empty backup means a rotation did not complete; the backup is the
// recovery path, never routine state.
type KeyRecord struct {
	CurrentCiphertext []byte    `json:"current_ciphertext"`
	CurrentNonce      []byte    `json:"current_nonce"`
	BackupCiphertext  []byte    `json:"backup_ciphertext,omitempty"`
	BackupNonce       []byte    `json:"backup_nonce,omitempty"`
	Initialized       bool      `json:"initialized"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// HasBackup reports whether a backup passphrase is present.
func (r *KeyRecord) HasBackup() bool {
	return len(r.BackupCiphertext) > 0
}

// KeyManager manages the storage passphrase and its rotation. Rotation
// is three-phase: backup the current passphrase, commit the new one,
// verify the store opens with it, then clear the backup. A failed verify
// rolls back to the backup. Every step is persisted with optimistic
// versioning so concurrent managers cannot silently clobber each other.
//
// All methods require an unlocked session; the passphrase plaintext only
// exists transiently, encrypted at rest under the session key.
type KeyManager struct {
	mu      sync.Mutex
	session *Session
	store   persist.Store
	trail   *audit.Trail
	version string
}

// NewKeyManager creates a key manager bound to the session and the
// key-value area.
func NewKeyManager(session *Session, store persist.Store, trail *audit.Trail) (*KeyManager, error) {
	if session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if store == nil {
		return nil, fmt.Errorf("persistent store is required")
	}
	if trail == nil {
		return nil, fmt.Errorf("audit trail is required")
	}
	return &KeyManager{session: session, store: store, trail: trail}, nil
}

// GetOrCreatePassphrase returns the current storage passphrase,
// generating and persisting one on first use. The caller owns the
// returned slice and must wipe it with mem.Wipe when done.
func (m *KeyManager) GetOrCreatePassphrase() ([]byte, error) {
	if !m.session.StartOperation() {
		return nil, ErrSessionLocked
	}
	defer m.session.EndOperation()

	m.mu.Lock()
	defer m.mu.Unlock()

	requestID := newRequestID()
	record, err := m.loadRecordLocked()
	if err != nil && !persist.IsNotFound(err) {
		m.audit(audit.EventKeyAccess, "get_or_create_passphrase", audit.OutcomeFailure,
			audit.LevelElevated, err.Error(), requestID)
		return nil, err
	}

	if record != nil && record.Initialized {
		passphrase, err := m.decrypt(record.CurrentCiphertext, record.CurrentNonce)
		if err != nil {
			m.audit(audit.EventKeyAccess, "get_or_create_passphrase", audit.OutcomeFailure,
				audit.LevelCritical, "failed to decrypt stored passphrase", requestID)
			return nil, fmt.Errorf("failed to decrypt storage passphrase: %w", err)
		}
		m.audit(audit.EventKeyAccess, "get_or_create_passphrase", audit.OutcomeSuccess,
			audit.LevelNormal, "", requestID)
		return passphrase, nil
	}

	passphrase, err := generatePassphrase()
	if err != nil {
		m.audit(audit.EventKeyAccess, "get_or_create_passphrase", audit.OutcomeFailure,
			audit.LevelCritical, err.Error(), requestID)
		return nil, err
	}

	ciphertext, nonce, err := m.encrypt(passphrase)
	if err != nil {
		mem.Wipe(passphrase)
		m.audit(audit.EventKeyAccess, "get_or_create_passphrase", audit.OutcomeFailure,
			audit.LevelCritical, err.Error(), requestID)
		return nil, err
	}

	newRecord := &KeyRecord{
		CurrentCiphertext: ciphertext,
		CurrentNonce:      nonce,
		Initialized:       true,
		UpdatedAt:         time.Now().UTC(),
	}
	if err := m.saveRecordLocked(newRecord); err != nil {
		mem.Wipe(passphrase)
		m.audit(audit.EventKeyAccess, "get_or_create_passphrase", audit.OutcomeFailure,
			audit.LevelCritical, err.Error(), requestID)
		return nil, err
	}

	m.audit(audit.EventKeyAccess, "initial_passphrase_created", audit.OutcomeSuccess,
		audit.LevelElevated, "", requestID)
	return passphrase, nil
}

// GenerateNewPassphrase produces a fresh candidate passphrase. Nothing
// is persisted; the candidate becomes current only via
// CommitNewPassphrase. The caller owns the slice and must wipe it.
func (m *KeyManager) GenerateNewPassphrase() ([]byte, error) {
	if !m.session.StartOperation() {
		return nil, ErrSessionLocked
	}
	defer m.session.EndOperation()
	return generatePassphrase()
}

// BackupCurrentKey copies the current passphrase ciphertext into the
// backup slot. It reports false without error when no passphrase exists
// yet. Calling it again before the rotation completes simply refreshes
// the backup; it is idempotent.
func (m *KeyManager) BackupCurrentKey() (bool, error) {
	if !m.session.StartOperation() {
		return false, ErrSessionLocked
	}
	defer m.session.EndOperation()

	m.mu.Lock()
	defer m.mu.Unlock()

	requestID := newRequestID()
	record, err := m.loadRecordLocked()
	if err != nil {
		if persist.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if !record.Initialized {
		return false, nil
	}

	record.BackupCiphertext = append([]byte(nil), record.CurrentCiphertext...)
	record.BackupNonce = append([]byte(nil), record.CurrentNonce...)
	record.UpdatedAt = time.Now().UTC()

	if err := m.saveRecordLocked(record); err != nil {
		m.audit(audit.EventKeyRotation, "backup_current_key", audit.OutcomeFailure,
			audit.LevelCritical, err.Error(), requestID)
		return false, err
	}

	m.audit(audit.EventKeyRotation, "backup_current_key", audit.OutcomeSuccess,
		audit.LevelElevated, "", requestID)
	return true, nil
}

// CommitNewPassphrase encrypts the candidate under the session key and
// makes it the current passphrase. The backup slot is left untouched so
// a failed verify can still roll back.
func (m *KeyManager) CommitNewPassphrase(passphrase []byte) error {
	if !m.session.StartOperation() {
		return ErrSessionLocked
	}
	defer m.session.EndOperation()

	if crypto.IsWeakKey(passphrase) {
		return fmt.Errorf("candidate passphrase fails the entropy check")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	requestID := newRequestID()
	record, err := m.loadRecordLocked()
	if err != nil {
		if !persist.IsNotFound(err) {
			return err
		}
		record = &KeyRecord{}
		m.version = ""
	}

	ciphertext, nonce, err := m.encrypt(passphrase)
	if err != nil {
		m.audit(audit.EventKeyRotation, "commit_new_passphrase", audit.OutcomeFailure,
			audit.LevelCritical, err.Error(), requestID)
		return err
	}

	record.CurrentCiphertext = ciphertext
	record.CurrentNonce = nonce
	record.Initialized = true
	record.UpdatedAt = time.Now().UTC()

	if err := m.saveRecordLocked(record); err != nil {
		m.audit(audit.EventKeyRotation, "commit_new_passphrase", audit.OutcomeFailure,
			audit.LevelCritical, err.Error(), requestID)
		return err
	}

	m.audit(audit.EventKeyRotation, "commit_new_passphrase", audit.OutcomeSuccess,
		audit.LevelElevated, "", requestID)
	return nil
}

// RollbackToBackup restores the backup passphrase as current and clears
// the backup slot. It reports false without error when no backup exists;
// rolling back twice is therefore safe.
func (m *KeyManager) RollbackToBackup() (bool, error) {
	if !m.session.StartOperation() {
		return false, ErrSessionLocked
	}
	defer m.session.EndOperation()

	m.mu.Lock()
	defer m.mu.Unlock()

	requestID := newRequestID()
	record, err := m.loadRecordLocked()
	if err != nil {
		if persist.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if !record.HasBackup() {
		return false, nil
	}

	record.CurrentCiphertext = record.BackupCiphertext
	record.CurrentNonce = record.BackupNonce
	record.BackupCiphertext = nil
	record.BackupNonce = nil
	record.UpdatedAt = time.Now().UTC()

	if err := m.saveRecordLocked(record); err != nil {
		m.audit(audit.EventKeyRotation, "rollback_to_backup", audit.OutcomeFailure,
			audit.LevelCritical, err.Error(), requestID)
		return false, err
	}

	m.audit(audit.EventKeyRotation, "rollback_to_backup", audit.OutcomeWarning,
		audit.LevelCritical, "storage passphrase restored from backup", requestID)
	return true, nil
}

// ClearBackup removes the backup slot after a verified rotation.
// Clearing an absent backup is a no-op.
func (m *KeyManager) ClearBackup() error {
	if !m.session.StartOperation() {
		return ErrSessionLocked
	}
	defer m.session.EndOperation()

	m.mu.Lock()
	defer m.mu.Unlock()

	requestID := newRequestID()
	record, err := m.loadRecordLocked()
	if err != nil {
		if persist.IsNotFound(err) {
			return nil
		}
		return err
	}
	if !record.HasBackup() {
		return nil
	}

	record.BackupCiphertext = nil
	record.BackupNonce = nil
	record.UpdatedAt = time.Now().UTC()

	if err := m.saveRecordLocked(record); err != nil {
		m.audit(audit.EventKeyRotation, "clear_backup", audit.OutcomeFailure,
			audit.LevelElevated, err.Error(), requestID)
		return err
	}

	m.audit(audit.EventKeyRotation, "clear_backup", audit.OutcomeSuccess,
		audit.LevelNormal, "", requestID)
	return nil
}

// Rotate runs the full rotation: backup, generate, commit, verify with
// the caller-supplied check, then clear the backup. A failed verify
// rolls back to the backup; if the rollback itself fails the error wraps
// ErrRotationRollbackFailed and the backup ciphertext is left in place
// for manual recovery.
//
// verify receives the new passphrase and must confirm the encrypted
// store actually opens with it, typically Gate.GetStore after
// CloseStore. Rotate wipes the passphrase after verify returns.
func (m *KeyManager) Rotate(verify func(passphrase []byte) error) error {
	if verify == nil {
		return fmt.Errorf("verify function is required")
	}
	if !m.session.StartOperation() {
		return ErrSessionLocked
	}
	defer m.session.EndOperation()

	requestID := newRequestID()
	m.audit(audit.EventKeyRotation, "rotate_initiated", audit.OutcomeSuccess,
		audit.LevelElevated, "", requestID)
	started := time.Now()

	if _, err := m.BackupCurrentKey(); err != nil {
		return fmt.Errorf("rotation backup phase failed: %w", err)
	}

	newPassphrase, err := m.GenerateNewPassphrase()
	if err != nil {
		return fmt.Errorf("rotation generate phase failed: %w", err)
	}
	defer mem.Wipe(newPassphrase)

	if err := m.CommitNewPassphrase(newPassphrase); err != nil {
		return fmt.Errorf("rotation commit phase failed: %w", err)
	}

	if verifyErr := verify(newPassphrase); verifyErr != nil {
		restored, rbErr := m.RollbackToBackup()
		if rbErr != nil || !restored {
			m.audit(audit.EventKeyRotation, "rotate_failed", audit.OutcomeFailure,
				audit.LevelCritical, "verify and rollback both failed", requestID)
			return fmt.Errorf("%w: verify failed (%v), rollback: restored=%t err=%v",
				ErrRotationRollbackFailed, verifyErr, restored, rbErr)
		}
		m.audit(audit.EventKeyRotation, "rotate_rolled_back", audit.OutcomeFailure,
			audit.LevelCritical, verifyErr.Error(), requestID)
		return fmt.Errorf("rotation verify failed, previous passphrase restored: %w", verifyErr)
	}

	if err := m.ClearBackup(); err != nil {
		// The new passphrase is verified and live; a lingering backup is
		// a cleanup problem, not a rotation failure.
		m.audit(audit.EventKeyRotation, "rotate_completed", audit.OutcomeWarning,
			audit.LevelElevated, fmt.Sprintf("backup not cleared: %v", err), requestID)
		return nil
	}

	m.audit(audit.EventKeyRotation, "rotate_completed", audit.OutcomeSuccess,
		audit.LevelElevated, fmt.Sprintf("duration_ms=%d", time.Since(started).Milliseconds()), requestID)
	return nil
}

// HasPendingBackup reports whether an interrupted rotation left a backup
// passphrase behind.
func (m *KeyManager) HasPendingBackup() (bool, error) {
	if !m.session.StartOperation() {
		return false, ErrSessionLocked
	}
	defer m.session.EndOperation()

	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.loadRecordLocked()
	if err != nil {
		if persist.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return record.HasBackup(), nil
}

func (m *KeyManager) loadRecordLocked() (*KeyRecord, error) {
	versioned, err := m.store.LoadKeyRecord()
	if err != nil {
		return nil, err
	}

	var record KeyRecord
	if err := json.Unmarshal(versioned.Data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode key record: %w", err)
	}
	m.version = versioned.Version
	return &record, nil
}

func (m *KeyManager) saveRecordLocked(record *KeyRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode key record: %w", err)
	}

	newVersion, err := m.store.SaveKeyRecord(data, m.version)
	if err != nil {
		if persist.IsConcurrencyError(err) {
			return fmt.Errorf("key record changed concurrently: %w", err)
		}
		return fmt.Errorf("failed to persist key record: %w", err)
	}
	m.version = newVersion
	return nil
}

func (m *KeyManager) encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	err = m.session.UseSessionKey(func(key []byte) error {
		var sealErr error
		ciphertext, nonce, sealErr = crypto.Seal(plaintext, key)
		return sealErr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt passphrase: %w", err)
	}
	return ciphertext, nonce, nil
}

func (m *KeyManager) decrypt(ciphertext, nonce []byte) ([]byte, error) {
	var plaintext []byte
	err := m.session.UseSessionKey(func(key []byte) error {
		var openErr error
		plaintext, openErr = crypto.Open(ciphertext, nonce, key)
		return openErr
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (m *KeyManager) audit(event audit.EventType, action string, outcome audit.Outcome,
	level audit.SecurityLevel, detail, requestID string) {
	m.trail.Append(audit.Entry{
		EventType:     event,
		Action:        action,
		ResourceType:  "key_record",
		ResourceID:    requestID,
		Outcome:       outcome,
		SecurityLevel: level,
		Detail:        detail,
	})
}

// generatePassphrase returns strong random bytes, retrying the weak-key
// check a few times before giving up. A CSPRNG output failing the check
// is effectively impossible; the retry exists so a broken entropy source
// is reported instead of used.
func generatePassphrase() ([]byte, error) {
	for attempt := 0; attempt < 3; attempt++ {
		passphrase, err := mem.RandomBytes(passphraseLen)
		if err != nil {
			return nil, fmt.Errorf("failed to generate passphrase: %w", err)
		}
		if !crypto.IsWeakKey(passphrase) {
			return passphrase, nil
		}
		mem.Wipe(passphrase)
	}
	return nil, errors.New("entropy source produced weak passphrases")
}

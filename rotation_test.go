package warden

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"southwinds.dev/warden/audit"
	"southwinds.dev/warden/internal/crypto"
	"southwinds.dev/warden/persist"
)

func newTestKeyManager(t *testing.T) (*Session, *KeyManager) {
	t.Helper()
	store := newTestStore(t)
	s := newTestSessionWithStore(t, store)
	if _, err := s.StartSession([]byte("master secret")); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	m, err := NewKeyManager(s, store, s.trail)
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}
	return s, m
}

func newTestSessionWithStore(t *testing.T, store persist.Store) *Session {
	t.Helper()
	s, err := NewSession(Options{
		DerivationParams: testKDFParams,
		Persist:          store,
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestGetOrCreatePassphrase(t *testing.T) {
	_, m := newTestKeyManager(t)

	first, err := m.GetOrCreatePassphrase()
	if err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}
	if len(first) != passphraseLen {
		t.Errorf("expected %d-byte passphrase, got %d", passphraseLen, len(first))
	}
	if crypto.IsWeakKey(first) {
		t.Error("generated passphrase fails the entropy check")
	}

	// Subsequent calls return the stored passphrase, not a new one.
	second, err := m.GetOrCreatePassphrase()
	if err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("repeated calls returned different passphrases")
	}
}

func TestPassphraseSurvivesSessionRestart(t *testing.T) {
	store := newTestStore(t)
	secret := []byte("master secret")

	s1 := newTestSessionWithStore(t, store)
	if _, err := s1.StartSession(secret); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	m1, err := NewKeyManager(s1, store, s1.trail)
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}
	original, err := m1.GetOrCreatePassphrase()
	if err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}
	s1.Close()

	s2 := newTestSessionWithStore(t, store)
	if _, err := s2.StartSession(secret); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	m2, err := NewKeyManager(s2, store, s2.trail)
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}
	restored, err := m2.GetOrCreatePassphrase()
	if err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}

	if !bytes.Equal(original, restored) {
		t.Error("stored passphrase not recoverable in a later session")
	}
}

func TestLockedSessionRejectsKeyOperations(t *testing.T) {
	s, m := newTestKeyManager(t)
	s.EndSession(EndReasonLogout)

	if _, err := m.GetOrCreatePassphrase(); !errors.Is(err, ErrSessionLocked) {
		t.Errorf("expected ErrSessionLocked, got %v", err)
	}
	if _, err := m.GenerateNewPassphrase(); !errors.Is(err, ErrSessionLocked) {
		t.Errorf("expected ErrSessionLocked, got %v", err)
	}
	if _, err := m.BackupCurrentKey(); !errors.Is(err, ErrSessionLocked) {
		t.Errorf("expected ErrSessionLocked, got %v", err)
	}
	if err := m.CommitNewPassphrase(make([]byte, passphraseLen)); !errors.Is(err, ErrSessionLocked) {
		t.Errorf("expected ErrSessionLocked, got %v", err)
	}
}

func TestBackupWithoutKeyRecord(t *testing.T) {
	_, m := newTestKeyManager(t)

	backed, err := m.BackupCurrentKey()
	if err != nil {
		t.Fatalf("BackupCurrentKey failed: %v", err)
	}
	if backed {
		t.Error("backup reported success with no key record present")
	}
}

func TestBackupCommitRollbackCycle(t *testing.T) {
	_, m := newTestKeyManager(t)

	original, err := m.GetOrCreatePassphrase()
	if err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}

	backed, err := m.BackupCurrentKey()
	if err != nil {
		t.Fatalf("BackupCurrentKey failed: %v", err)
	}
	if !backed {
		t.Fatal("backup reported nothing to back up")
	}

	candidate, err := m.GenerateNewPassphrase()
	if err != nil {
		t.Fatalf("GenerateNewPassphrase failed: %v", err)
	}
	if bytes.Equal(candidate, original) {
		t.Fatal("generated candidate equals the current passphrase")
	}
	if err := m.CommitNewPassphrase(candidate); err != nil {
		t.Fatalf("CommitNewPassphrase failed: %v", err)
	}

	current, err := m.GetOrCreatePassphrase()
	if err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}
	if !bytes.Equal(current, candidate) {
		t.Error("committed passphrase is not the current one")
	}

	restored, err := m.RollbackToBackup()
	if err != nil {
		t.Fatalf("RollbackToBackup failed: %v", err)
	}
	if !restored {
		t.Fatal("rollback reported no backup to restore")
	}

	current, err = m.GetOrCreatePassphrase()
	if err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}
	if !bytes.Equal(current, original) {
		t.Error("rollback did not restore the original passphrase")
	}

	// The rollback consumed the backup; a second rollback is a no-op.
	restored, err = m.RollbackToBackup()
	if err != nil {
		t.Fatalf("second RollbackToBackup failed: %v", err)
	}
	if restored {
		t.Error("second rollback reported a restore")
	}
}

func TestClearBackupIdempotent(t *testing.T) {
	_, m := newTestKeyManager(t)

	if err := m.ClearBackup(); err != nil {
		t.Fatalf("ClearBackup with no record failed: %v", err)
	}

	if _, err := m.GetOrCreatePassphrase(); err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}
	if _, err := m.BackupCurrentKey(); err != nil {
		t.Fatalf("BackupCurrentKey failed: %v", err)
	}

	if err := m.ClearBackup(); err != nil {
		t.Fatalf("ClearBackup failed: %v", err)
	}
	if err := m.ClearBackup(); err != nil {
		t.Fatalf("repeated ClearBackup failed: %v", err)
	}

	pending, err := m.HasPendingBackup()
	if err != nil {
		t.Fatalf("HasPendingBackup failed: %v", err)
	}
	if pending {
		t.Error("backup still present after ClearBackup")
	}
}

func TestCommitRejectsWeakPassphrase(t *testing.T) {
	_, m := newTestKeyManager(t)

	if err := m.CommitNewPassphrase(make([]byte, passphraseLen)); err == nil {
		t.Error("expected an all-zero passphrase to be rejected")
	}
}

func TestRotateSuccess(t *testing.T) {
	_, m := newTestKeyManager(t)

	original, err := m.GetOrCreatePassphrase()
	if err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}

	var verified []byte
	err = m.Rotate(func(passphrase []byte) error {
		verified = append([]byte(nil), passphrase...)
		return nil
	})
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	current, err := m.GetOrCreatePassphrase()
	if err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}
	if bytes.Equal(current, original) {
		t.Error("rotation left the passphrase unchanged")
	}
	if !bytes.Equal(current, verified) {
		t.Error("current passphrase is not the one that was verified")
	}

	pending, err := m.HasPendingBackup()
	if err != nil {
		t.Fatalf("HasPendingBackup failed: %v", err)
	}
	if pending {
		t.Error("completed rotation left a backup behind")
	}
}

func TestRotateVerifyFailureRollsBack(t *testing.T) {
	_, m := newTestKeyManager(t)

	original, err := m.GetOrCreatePassphrase()
	if err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}

	err = m.Rotate(func([]byte) error {
		return fmt.Errorf("store did not open")
	})
	if err == nil {
		t.Fatal("expected Rotate to report the verify failure")
	}
	if errors.Is(err, ErrRotationRollbackFailed) {
		t.Fatalf("rollback reported as failed: %v", err)
	}

	current, err := m.GetOrCreatePassphrase()
	if err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}
	if !bytes.Equal(current, original) {
		t.Error("failed rotation did not restore the original passphrase")
	}

	pending, err := m.HasPendingBackup()
	if err != nil {
		t.Fatalf("HasPendingBackup failed: %v", err)
	}
	if pending {
		t.Error("rolled-back rotation left a backup behind")
	}
}

func TestRotationIsAudited(t *testing.T) {
	_, m := newTestKeyManager(t)

	if _, err := m.GetOrCreatePassphrase(); err != nil {
		t.Fatalf("GetOrCreatePassphrase failed: %v", err)
	}
	if err := m.Rotate(func([]byte) error { return nil }); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	entries, err := m.trail.ByEventType(audit.EventKeyRotation)
	if err != nil {
		t.Fatalf("ByEventType failed: %v", err)
	}
	if len(entries) == 0 {
		t.Error("rotation produced no audit entries")
	}
}

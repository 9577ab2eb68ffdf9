package warden

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"southwinds.dev/warden/internal/kdf"
	"southwinds.dev/warden/persist"
)

// Cheap derivation costs keep the tests fast.
var testKDFParams = kdf.Params{Time: 1, Memory: 8 * 1024, Threads: 1}

func newTestStore(t *testing.T) persist.Store {
	t.Helper()
	store, err := persist.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestSession(t *testing.T, mutate func(*Options)) *Session {
	t.Helper()
	opts := Options{
		DerivationParams: testKDFParams,
		Persist:          newTestStore(t),
		UserID:           "user-1",
		Username:         "alice",
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStartAndEndSession(t *testing.T) {
	s := newTestSession(t, nil)

	if s.IsActive() {
		t.Error("session active before StartSession")
	}
	if s.State() != StateLocked {
		t.Errorf("expected locked state, got %s", s.State())
	}

	id, err := s.StartSession([]byte("master secret"))
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if id == "" {
		t.Error("expected a non-empty session id")
	}
	if !s.IsActive() || s.State() != StateUnlocked {
		t.Error("session not unlocked after StartSession")
	}
	if s.CurrentSessionID() != id {
		t.Error("CurrentSessionID does not match the id returned by StartSession")
	}

	key, err := s.SessionKeyCopy()
	if err != nil {
		t.Fatalf("SessionKeyCopy failed: %v", err)
	}
	if len(key) != kdf.KeyLen {
		t.Errorf("expected %d-byte session key, got %d", kdf.KeyLen, len(key))
	}

	s.EndSession(EndReasonLogout)
	if s.IsActive() {
		t.Error("session still active after EndSession")
	}
	if s.CurrentSessionID() != "" {
		t.Error("session id survives after EndSession")
	}
	if _, err := s.SessionKeyCopy(); !errors.Is(err, ErrSessionLocked) {
		t.Errorf("expected ErrSessionLocked after logout, got %v", err)
	}
}

func TestStartSessionRejectsSecondStart(t *testing.T) {
	s := newTestSession(t, nil)

	if _, err := s.StartSession([]byte("master secret")); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := s.StartSession([]byte("master secret")); !errors.Is(err, ErrSessionAlreadyActive) {
		t.Errorf("expected ErrSessionAlreadyActive, got %v", err)
	}
}

func TestStartSessionRejectsEmptySecret(t *testing.T) {
	s := newTestSession(t, nil)

	if _, err := s.StartSession(nil); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}
	if s.State() != StateLocked {
		t.Error("failed start left the session out of the locked state")
	}
}

func TestStartSessionDoesNotMutateSecret(t *testing.T) {
	s := newTestSession(t, nil)

	secret := []byte("master secret")
	before := append([]byte(nil), secret...)
	if _, err := s.StartSession(secret); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if !bytes.Equal(secret, before) {
		t.Error("StartSession mutated the caller's secret")
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	s := newTestSession(t, nil)

	if _, err := s.StartSession([]byte("master secret")); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	s.EndSession(EndReasonLogout)
	s.EndSession(EndReasonLogout)
	s.EndSession(EndReasonTimeout)

	if s.IsActive() {
		t.Error("session active after repeated EndSession")
	}
}

func TestLogoutCallbackFiresOnlyOnExplicitLogout(t *testing.T) {
	fired := 0
	s := newTestSession(t, func(o *Options) {
		o.OnLogout = func() { fired++ }
	})

	// Timeout must not trigger the callback.
	if _, err := s.StartSession([]byte("master secret")); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	s.EndSession(EndReasonTimeout)
	if fired != 0 {
		t.Errorf("callback fired %d times on timeout", fired)
	}

	// Neither must a compromise reaction.
	if _, err := s.StartSession([]byte("master secret")); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	s.EndSession(EndReasonCompromise)
	if fired != 0 {
		t.Errorf("callback fired %d times on compromise", fired)
	}

	if _, err := s.StartSession([]byte("master secret")); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	s.EndSession(EndReasonLogout)
	if fired != 1 {
		t.Errorf("expected exactly one callback on logout, got %d", fired)
	}
}

func TestInactivityExpiryHidesKey(t *testing.T) {
	s := newTestSession(t, nil)
	if _, err := s.StartSession([]byte("master secret")); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	// Age the session past its window without waiting for the timer.
	s.mu.Lock()
	s.lastActivityAt = time.Now().UTC().Add(-2 * s.opts.SessionTimeout)
	s.mu.Unlock()

	if s.IsActive() {
		t.Error("expired session reported active")
	}
	_, err := s.SessionKeyCopy()
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired for an expired session, got %v", err)
	}
	// An expired session is still a locked one to callers that only
	// branch on the coarser sentinel.
	if !errors.Is(err, ErrSessionLocked) {
		t.Errorf("expected ErrSessionExpired to match ErrSessionLocked, got %v", err)
	}
	if s.StartOperation() {
		t.Error("expired session accepted a new operation")
	}
}

func TestActiveOperationDefersExpiry(t *testing.T) {
	s := newTestSession(t, nil)
	if _, err := s.StartSession([]byte("master secret")); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if !s.StartOperation() {
		t.Fatal("StartOperation rejected on an unlocked session")
	}

	s.mu.Lock()
	s.lastActivityAt = time.Now().UTC().Add(-2 * s.opts.SessionTimeout)
	s.mu.Unlock()

	// A running operation counts as activity.
	if !s.IsActive() {
		t.Error("session with a running operation reported inactive")
	}

	s.EndOperation()
	if s.IsActive() {
		t.Error("session still active after the last operation ended past the window")
	}
}

func TestOperationCounterNeverGoesNegative(t *testing.T) {
	s := newTestSession(t, nil)
	if _, err := s.StartSession([]byte("master secret")); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	// Unbalanced EndOperation calls must not poison the counter.
	s.EndOperation()
	s.EndOperation()

	if !s.StartOperation() {
		t.Error("StartOperation rejected after unbalanced EndOperation calls")
	}
	s.EndOperation()
}

func TestTouchActivityExtendsSession(t *testing.T) {
	s := newTestSession(t, nil)
	if _, err := s.StartSession([]byte("master secret")); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	s.mu.Lock()
	s.lastActivityAt = time.Now().UTC().Add(-s.opts.SessionTimeout / 2)
	s.mu.Unlock()

	s.TouchActivity()

	s.mu.Lock()
	sinceTouch := time.Since(s.lastActivityAt)
	s.mu.Unlock()
	if sinceTouch > time.Second {
		t.Error("TouchActivity did not refresh the activity timestamp")
	}
}

func TestThreatSignalEndsSession(t *testing.T) {
	s := newTestSession(t, nil)
	if _, err := s.StartSession([]byte("master secret")); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	s.Signal(ThreatDebuggerAttached)

	if s.IsActive() {
		t.Error("session still active after a threat signal")
	}
}

func TestSessionKeyStableAcrossSessions(t *testing.T) {
	store := newTestStore(t)
	secret := []byte("master secret")

	s1, err := NewSession(Options{DerivationParams: testKDFParams, Persist: store})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if _, err := s1.StartSession(secret); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	key1, err := s1.SessionKeyCopy()
	if err != nil {
		t.Fatalf("SessionKeyCopy failed: %v", err)
	}
	s1.Close()

	// The derivation salt is persisted, so the same secret must derive
	// the same key in a later session; otherwise previously stored
	// ciphertext would become unreadable.
	s2, err := NewSession(Options{DerivationParams: testKDFParams, Persist: store})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s2.Close()
	if _, err := s2.StartSession(secret); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	key2, err := s2.SessionKeyCopy()
	if err != nil {
		t.Fatalf("SessionKeyCopy failed: %v", err)
	}

	if !bytes.Equal(key1, key2) {
		t.Error("same secret derived different session keys across sessions")
	}
}

func TestUseSessionKeyScopesAccess(t *testing.T) {
	s := newTestSession(t, nil)
	if _, err := s.StartSession([]byte("master secret")); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	var seen int
	err := s.UseSessionKey(func(key []byte) error {
		seen = len(key)
		return nil
	})
	if err != nil {
		t.Fatalf("UseSessionKey failed: %v", err)
	}
	if seen != kdf.KeyLen {
		t.Errorf("expected %d-byte key inside the callback, got %d", kdf.KeyLen, seen)
	}

	s.EndSession(EndReasonLogout)
	err = s.UseSessionKey(func([]byte) error { return nil })
	if !errors.Is(err, ErrSessionLocked) {
		t.Errorf("expected ErrSessionLocked after logout, got %v", err)
	}
}

func TestSingleInstancePerProcess(t *testing.T) {
	s := newTestSession(t, nil)

	if _, err := NewSession(Options{DerivationParams: testKDFParams, Persist: newTestStore(t)}); err == nil {
		t.Error("expected a second NewSession to be rejected while the first is live")
	}

	s.Close()
	s2, err := NewSession(Options{DerivationParams: testKDFParams, Persist: newTestStore(t)})
	if err != nil {
		t.Fatalf("NewSession after Close failed: %v", err)
	}
	s2.Close()
}

// Package warden manages the unlock session for an encrypted local
// vault: deriving the session key from a master secret, rotating the
// storage passphrase that encrypts the data store, gating access to the
// store itself, and recording every security-relevant action in a
// tamper-evident audit trail.
package warden

import (
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"southwinds.dev/warden/audit"
	"southwinds.dev/warden/internal/kdf"
	"southwinds.dev/warden/internal/mem"
)

// SessionState is the lifecycle state of a session.
type SessionState int

const (
	// StateLocked means no session key exists in memory.
	StateLocked SessionState = iota

	// StateUnlocking means key derivation is in progress. Key-dependent
	// operations are rejected while in this state.
	StateUnlocking

	// StateUnlocked means the session key is available to operations.
	StateUnlocked
)

func (s SessionState) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocking:
		return "unlocking"
	case StateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// EndReason classifies why a session ended.
type EndReason int

const (
	// EndReasonLogout is an explicit end requested by the user. This is
	// the only reason that triggers the configured logout callback.
	EndReasonLogout EndReason = iota

	// EndReasonTimeout is an inactivity expiry.
	EndReasonTimeout

	// EndReasonCompromise is a reaction to a threat signal.
	EndReasonCompromise

	// EndReasonError is an internal failure that made continuing unsafe.
	EndReasonError
)

func (r EndReason) String() string {
	switch r {
	case EndReasonLogout:
		return "logout"
	case EndReasonTimeout:
		return "timeout"
	case EndReasonCompromise:
		return "compromise"
	case EndReasonError:
		return "error"
	default:
		return "unknown"
	}
}

// saltLen is the length of the generated derivation salt.
const saltLen = 32

// One live Session per process. Key material concentrated in a single
// owner keeps the wipe-on-lock guarantee checkable.
var (
	instanceMu   sync.Mutex
	instanceLive bool
)

// Session owns the session key lifecycle. The key is derived on unlock,
// held only in a memguard enclave while unlocked, and discarded when the
// session ends for any reason. All state transitions are audited.
type Session struct {
	mu             sync.Mutex
	state          SessionState
	id             string
	startedAt      time.Time
	lastActivityAt time.Time
	activeOps      int
	keyEnclave     *memguard.Enclave
	timer          *time.Timer
	closed         bool

	opts     Options
	trail    *audit.Trail
	memLevel mem.ProtectionLevel
	log      *logrus.Entry
}

// NewSession creates the session manager. At most one live Session may
// exist per process; Close releases the slot. The session starts locked
// and nothing is armed until StartSession.
func NewSession(opts Options) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instanceLive {
		return nil, fmt.Errorf("a session manager already exists in this process")
	}

	s := &Session{
		state:    StateLocked,
		opts:     opts,
		trail:    opts.Audit,
		memLevel: mem.ProtectionNone,
		log:      logrus.WithField("component", "session"),
	}

	if opts.EnableMemoryLock {
		level, err := mem.Lock()
		s.memLevel = level
		if err != nil {
			s.log.WithError(err).Warnf("memory locking degraded to %s", level)
		}
	}

	instanceLive = true
	return s, nil
}

// MemoryProtection reports the memory locking level achieved at
// construction.
func (s *Session) MemoryProtection() mem.ProtectionLevel {
	return s.memLevel
}

// StartSession authenticates with the master secret, derives the session
// key and transitions LOCKED -> UNLOCKING -> UNLOCKED. It returns the
// new session id. The caller keeps ownership of masterSecret; this
// method works on a copy and wipes it before returning.
//
// If a session is already active the call fails with
// ErrSessionAlreadyActive and the active session is untouched. Any
// internal failure lands back in LOCKED with no residual key material.
func (s *Session) StartSession(masterSecret []byte) (string, error) {
	requestID := newRequestID()

	if len(masterSecret) == 0 {
		s.audit(audit.EventLogin, "start_session", audit.OutcomeFailure,
			audit.LevelElevated, "empty master secret", requestID)
		return "", ErrAuthenticationFailed
	}

	s.mu.Lock()
	if s.state != StateLocked {
		s.mu.Unlock()
		s.audit(audit.EventLogin, "start_session", audit.OutcomeBlocked,
			audit.LevelElevated, "session already active", requestID)
		return "", ErrSessionAlreadyActive
	}

	sessionID := uuid.New().String()
	s.state = StateUnlocking
	s.id = sessionID
	s.mu.Unlock()

	s.audit(audit.EventLogin, "start_session_initiated", audit.OutcomeSuccess,
		audit.LevelNormal, "", requestID)

	// The lock is released during derivation. Argon2id at the default
	// costs takes long enough that holding the mutex would stall every
	// other method; the UNLOCKING state keeps concurrent starts out.
	secretCopy := append([]byte(nil), masterSecret...)
	key, err := s.deriveSessionKey(secretCopy)
	mem.Wipe(secretCopy)

	if err != nil {
		s.mu.Lock()
		s.state = StateLocked
		s.id = ""
		s.mu.Unlock()
		s.audit(audit.EventSessionError, "start_session", audit.OutcomeFailure,
			audit.LevelCritical, err.Error(), requestID)
		return "", fmt.Errorf("%w: %v", ErrKeyDerivationFailed, err)
	}

	s.mu.Lock()
	if s.state != StateUnlocking || s.id != sessionID {
		// Ended while unlocking. Discard the derived key.
		s.mu.Unlock()
		mem.Wipe(key)
		s.audit(audit.EventSessionError, "start_session", audit.OutcomeFailure,
			audit.LevelElevated, "session ended during key derivation", requestID)
		return "", ErrSessionLocked
	}

	// NewEnclave wipes the source buffer.
	s.keyEnclave = memguard.NewEnclave(key)
	now := time.Now().UTC()
	s.state = StateUnlocked
	s.startedAt = now
	s.lastActivityAt = now
	s.activeOps = 0
	s.armTimerLocked()
	s.mu.Unlock()

	s.audit(audit.EventLogin, "start_session_completed", audit.OutcomeSuccess,
		audit.LevelNormal, "", requestID)
	return sessionID, nil
}

// deriveSessionKey loads (or creates, on first use) the persisted
// derivation salt and derives the 32-byte session key from it. The salt
// must be stable across sessions or previously stored ciphertext would
// become undecryptable.
func (s *Session) deriveSessionKey(secret []byte) ([]byte, error) {
	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return nil, err
	}
	defer mem.Wipe(salt)

	if s.opts.UseFallbackKDF {
		return kdf.DeriveFallback(secret, salt, s.opts.FallbackIterations)
	}
	return kdf.Derive(secret, salt, s.opts.DerivationParams)
}

func (s *Session) loadOrCreateSalt() ([]byte, error) {
	exists, err := s.opts.Persist.SaltExists()
	if err != nil {
		return nil, fmt.Errorf("failed to check for derivation salt: %w", err)
	}
	if exists {
		versioned, err := s.opts.Persist.LoadSalt()
		if err != nil {
			return nil, fmt.Errorf("failed to load derivation salt: %w", err)
		}
		if len(versioned.Data) < kdf.MinSaltLen {
			return nil, fmt.Errorf("stored derivation salt is too short (%d bytes)", len(versioned.Data))
		}
		return versioned.Data, nil
	}

	salt, err := mem.RandomBytes(saltLen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate derivation salt: %w", err)
	}
	if _, err := s.opts.Persist.SaveSalt(salt, ""); err != nil {
		mem.Wipe(salt)
		return nil, fmt.Errorf("failed to persist derivation salt: %w", err)
	}
	return salt, nil
}

// TouchActivity records user activity, pushing the inactivity expiry
// forward. No-op unless unlocked.
func (s *Session) TouchActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnlocked {
		return
	}
	s.lastActivityAt = time.Now().UTC()
	s.armTimerLocked()
}

// StartOperation registers the beginning of a key-dependent operation
// and reports whether it may proceed. A running operation counts as
// activity and defers the inactivity expiry. Every successful
// StartOperation must be paired with EndOperation.
func (s *Session) StartOperation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked() || s.keyEnclave == nil {
		return false
	}
	s.activeOps++
	s.lastActivityAt = time.Now().UTC()
	s.armTimerLocked()
	return true
}

// EndOperation registers the completion of a key-dependent operation.
// An unbalanced call is logged and ignored; the counter never goes
// negative.
func (s *Session) EndOperation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeOps > 0 {
		s.activeOps--
	} else {
		s.log.Warn("EndOperation called with no outstanding operations")
	}
	if s.state == StateUnlocked {
		s.lastActivityAt = time.Now().UTC()
		s.armTimerLocked()
	}
}

// EndSession discards the session key and returns to LOCKED. Ending an
// already locked session is a no-op. The configured logout callback
// fires only for EndReasonLogout, after the state transition completes.
func (s *Session) EndSession(reason EndReason) {
	s.mu.Lock()
	if s.state == StateLocked {
		s.mu.Unlock()
		return
	}

	interrupted := s.activeOps
	s.state = StateLocked
	s.id = ""
	s.keyEnclave = nil
	s.activeOps = 0
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	var callback func()
	if reason == EndReasonLogout {
		callback = s.opts.OnLogout
	}
	s.mu.Unlock()

	if interrupted > 0 {
		// The key is wiped regardless; safety wins over the in-flight
		// operations, and the violation is made visible.
		s.audit(audit.EventSessionError, "end_session_with_active_operations",
			audit.OutcomeWarning, audit.LevelElevated,
			fmt.Sprintf("active_operations=%d", interrupted), newRequestID())
	}

	switch reason {
	case EndReasonLogout:
		s.audit(audit.EventLogout, "end_session", audit.OutcomeSuccess,
			audit.LevelNormal, "", newRequestID())
	case EndReasonTimeout:
		s.audit(audit.EventSessionTimeout, "end_session", audit.OutcomeSuccess,
			audit.LevelNormal, "inactivity timeout reached", newRequestID())
	case EndReasonCompromise:
		s.audit(audit.EventSessionError, "end_session", audit.OutcomeWarning,
			audit.LevelCritical, "session ended due to threat signal", newRequestID())
	default:
		s.audit(audit.EventSessionError, "end_session", audit.OutcomeWarning,
			audit.LevelElevated, "session ended due to internal error", newRequestID())
	}

	if callback != nil {
		callback()
	}
}

// Signal feeds an environment threat finding from an external detector.
// The signal is audited at CRITICAL level; if a session is active it is
// ended immediately and its key discarded.
func (s *Session) Signal(t ThreatSignal) {
	s.audit(audit.EventThreatSignal, t.String(), audit.OutcomeBlocked,
		audit.LevelCritical, "", newRequestID())
	s.EndSession(EndReasonCompromise)
}

// IsActive reports whether the session is unlocked and within its
// inactivity window.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

// CurrentSessionID returns the active session id, or empty when locked.
func (s *Session) CurrentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked() {
		return ""
	}
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UseSessionKey runs fn with the session key. The key slice is only
// valid for the duration of the call; fn must not retain it. This is the
// preferred access path because no copy outlives the call.
func (s *Session) UseSessionKey(fn func(key []byte) error) error {
	s.mu.Lock()
	if !s.activeLocked() {
		err := ErrSessionLocked
		if s.state == StateUnlocked {
			// Unlocked but past the inactivity window; the timer has
			// not fired yet.
			err = ErrSessionExpired
		}
		s.mu.Unlock()
		return err
	}
	enclave := s.keyEnclave
	s.lastActivityAt = time.Now().UTC()
	s.armTimerLocked()
	s.mu.Unlock()

	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open session key enclave: %w", err)
	}
	defer buf.Destroy()

	return fn(buf.Bytes())
}

// SessionKeyCopy returns a deep copy of the session key. The caller owns
// the copy and must wipe it with mem.Wipe when done. Prefer
// UseSessionKey where the key does not need to escape.
func (s *Session) SessionKeyCopy() ([]byte, error) {
	var out []byte
	err := s.UseSessionKey(func(key []byte) error {
		out = append([]byte(nil), key...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close ends any active session and releases the per-process instance
// slot. The Session must not be used afterwards.
func (s *Session) Close() {
	s.EndSession(EndReasonLogout)

	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if alreadyClosed {
		return
	}

	if s.opts.EnableMemoryLock {
		if err := mem.Unlock(); err != nil {
			s.log.WithError(err).Warn("failed to unlock process memory")
		}
	}

	instanceMu.Lock()
	instanceLive = false
	instanceMu.Unlock()
}

// activeLocked reports active state; caller holds s.mu. An unlocked
// session whose inactivity window elapsed while the timer has not fired
// yet is already treated as inactive.
func (s *Session) activeLocked() bool {
	if s.state != StateUnlocked {
		return false
	}
	if s.activeOps > 0 {
		return true
	}
	return time.Since(s.lastActivityAt) < s.opts.SessionTimeout
}

// armTimerLocked schedules the inactivity expiry a full window out;
// caller holds s.mu.
func (s *Session) armTimerLocked() {
	s.armTimerForLocked(s.opts.SessionTimeout)
}

func (s *Session) armTimerForLocked(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, s.onTimerExpiry)
}

func (s *Session) onTimerExpiry() {
	s.mu.Lock()
	if s.state != StateUnlocked {
		s.mu.Unlock()
		return
	}
	if s.activeOps > 0 {
		// Running operations hold the session open; check again a full
		// window later.
		s.armTimerLocked()
		s.mu.Unlock()
		return
	}
	if remaining := s.opts.SessionTimeout - time.Since(s.lastActivityAt); remaining > 0 {
		// Activity arrived after this timer was scheduled. Fire again
		// when the current window actually ends.
		s.armTimerForLocked(remaining)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.EndSession(EndReasonTimeout)
}

// audit records a session event. Write failures are handled inside the
// trail; session operations never fail because of audit storage.
func (s *Session) audit(event audit.EventType, action string, outcome audit.Outcome,
	level audit.SecurityLevel, detail, requestID string) {
	s.trail.Append(audit.Entry{
		EventType:     event,
		Action:        action,
		ResourceType:  "session",
		ResourceID:    requestID,
		Outcome:       outcome,
		SecurityLevel: level,
		Detail:        detail,
	})
}

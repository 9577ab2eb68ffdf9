package warden

import (
	"errors"
	"fmt"

	"southwinds.dev/warden/audit"
)

// Sentinel errors for the conditions callers are expected to branch on.
// Wrapped causes are attached with fmt.Errorf("%w"); test with errors.Is.
var (
	// ErrAuthenticationFailed indicates the supplied master secret was
	// rejected before any session state changed.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrSessionAlreadyActive indicates StartSession was called while a
	// session was already unlocked or unlocking.
	ErrSessionAlreadyActive = errors.New("a session is already active")

	// ErrSessionLocked indicates an operation that requires an unlocked
	// session was attempted while locked.
	ErrSessionLocked = errors.New("session is locked")

	// ErrSessionExpired indicates the inactivity window elapsed before
	// the operation could run. An expired session is a locked one, so
	// errors.Is(err, ErrSessionLocked) also holds.
	ErrSessionExpired = fmt.Errorf("session expired due to inactivity: %w", ErrSessionLocked)

	// ErrKeyDerivationFailed indicates the key derivation engine could
	// not produce a session key.
	ErrKeyDerivationFailed = errors.New("key derivation failed")

	// ErrStoreOpenFailed indicates the encrypted data store could not be
	// opened with the current storage passphrase.
	ErrStoreOpenFailed = errors.New("failed to open encrypted store")

	// ErrRotationRollbackFailed indicates a rotation failed AND the
	// rollback to the backup key also failed. The key record may need
	// manual recovery; the backup ciphertext is left in place.
	ErrRotationRollbackFailed = errors.New("rotation rollback failed")

	// ErrAuditWriteFailed indicates an audit entry could not be stored.
	// Primary operations never return it; the trail swallows append
	// failures after escalating once. Only the audit maintenance surface
	// surfaces it, specifically a retention purge whose marker entry
	// could not be recorded.
	ErrAuditWriteFailed = audit.ErrAppendFailed
)

// IsRollbackFailure reports whether err indicates a rotation whose
// rollback also failed, leaving the key record in need of manual
// recovery.
func IsRollbackFailure(err error) bool {
	return errors.Is(err, ErrRotationRollbackFailed)
}

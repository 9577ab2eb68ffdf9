package warden

import (
	"fmt"
	"time"

	"southwinds.dev/warden/audit"
	"southwinds.dev/warden/internal/kdf"
	"southwinds.dev/warden/persist"
)

const (
	// DefaultSessionTimeout is the inactivity window after which an
	// unlocked session locks itself.
	DefaultSessionTimeout = 5 * time.Minute

	// MinSessionTimeout is the floor the timeout is clamped to. Anything
	// shorter makes interactive use impossible and hides timer bugs.
	MinSessionTimeout = 30 * time.Second
)

// Options configures a Session and the components built around it.
// Secret material never lives here; secrets enter through StartSession
// and are held in enclaves.
type Options struct {
	// SessionTimeout is the inactivity window. Zero selects
	// DefaultSessionTimeout; values below MinSessionTimeout are clamped.
	SessionTimeout time.Duration `json:"session_timeout"`

	// DerivationParams are the Argon2id costs for session key derivation.
	// Zero value selects kdf.DefaultParams.
	DerivationParams kdf.Params `json:"derivation_params"`

	// UseFallbackKDF selects PBKDF2-SHA256 instead of Argon2id, for
	// hosts that cannot afford the memory-hard parameters.
	UseFallbackKDF bool `json:"use_fallback_kdf"`

	// FallbackIterations is the PBKDF2 iteration count when the fallback
	// is selected. Zero selects kdf.DefaultFallbackIterations.
	FallbackIterations int `json:"fallback_iterations"`

	// EnableMemoryLock attempts to lock process memory at construction.
	// Failure to lock degrades protection but is never fatal.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// Persist is the key-value area holding the key record and the
	// derivation salt. Required.
	Persist persist.Store `json:"-"`

	// Audit is the trail receiving security events. If nil, a
	// memory-backed trail is created; entries then do not survive the
	// process.
	Audit *audit.Trail `json:"-"`

	// UserID and Username identify the acting principal in audit entries.
	UserID   string `json:"user_id"`
	Username string `json:"username"`

	// OnLogout is invoked after an explicit logout completes. It is not
	// invoked for timeouts, threat signals or internal errors; those end
	// the session silently apart from their audit entries.
	OnLogout func() `json:"-"`
}

// Validate checks the options and applies defaults in place.
func (o *Options) Validate() error {
	if o.Persist == nil {
		return fmt.Errorf("persistent store is required")
	}
	if o.SessionTimeout == 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.SessionTimeout < MinSessionTimeout {
		o.SessionTimeout = MinSessionTimeout
	}
	if o.DerivationParams == (kdf.Params{}) {
		o.DerivationParams = kdf.DefaultParams()
	}
	if o.FallbackIterations <= 0 {
		o.FallbackIterations = kdf.DefaultFallbackIterations
	}
	if o.Audit == nil {
		trail, err := audit.New(audit.NewMemoryStore(), audit.Config{
			ChainEnabled: true,
			UserID:       o.UserID,
			Username:     o.Username,
		})
		if err != nil {
			return fmt.Errorf("failed to create audit trail: %w", err)
		}
		o.Audit = trail
	}
	return nil
}

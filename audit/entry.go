// Package audit implements the append-only, tamper-evident audit trail.
// Every entry carries an integrity checksum computed at write time; in
// chain mode each entry is additionally linked to its predecessor by a
// hash chain, so deleting or rewriting history breaks verifiable
// continuity.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// EventType classifies the security-relevant action an entry records.
type EventType string

const (
	EventLogin          EventType = "LOGIN"
	EventLogout         EventType = "LOGOUT"
	EventSessionTimeout EventType = "SESSION_TIMEOUT"
	EventSessionError   EventType = "SESSION_ERROR"
	EventThreatSignal   EventType = "THREAT_SIGNAL"
	EventKeyAccess      EventType = "KEY_ACCESS"
	EventKeyRotation    EventType = "KEY_ROTATION"
	EventStoreOpen      EventType = "STORE_OPEN"
	EventStoreClose     EventType = "STORE_CLOSE"
	EventAuditFailure   EventType = "AUDIT_FAILURE"
	EventRetention      EventType = "RETENTION"
)

// Outcome is the result of the recorded action.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeWarning Outcome = "WARNING"
	OutcomeBlocked Outcome = "BLOCKED"
)

// SecurityLevel is the severity classification of the recorded action.
type SecurityLevel string

const (
	LevelNormal   SecurityLevel = "NORMAL"
	LevelElevated SecurityLevel = "ELEVATED"
	LevelCritical SecurityLevel = "CRITICAL"
)

// Entry is one record in the audit trail. Entries are immutable once
// written; Checksum and the chain fields are computed exactly once, at
// append time, over the canonical field concatenation.
//
// All fields are plain values (no maps) so the canonical form is
// deterministic and reproducible for verification.
type Entry struct {
	ID            int64         `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	UserID        string        `json:"user_id,omitempty"`
	Username      string        `json:"username,omitempty"`
	EventType     EventType     `json:"event_type"`
	Action        string        `json:"action"`
	ResourceType  string        `json:"resource_type,omitempty"`
	ResourceID    string        `json:"resource_id,omitempty"`
	Outcome       Outcome       `json:"outcome"`
	SecurityLevel SecurityLevel `json:"security_level"`
	Detail        string        `json:"detail,omitempty"`
	Checksum      string        `json:"checksum"`
	ChainPrevHash string        `json:"chain_prev_hash,omitempty"`
	ChainHash     string        `json:"chain_hash,omitempty"`
}

// genesisSeed is hashed to produce the fixed chain-prev value of the
// first entry. Changing it invalidates every existing chained log.
const genesisSeed = "warden-audit-genesis-v1"

// GenesisHash returns the fixed chain-prev value used for entry zero.
func GenesisHash() string {
	sum := sha256.Sum256([]byte(genesisSeed))
	return hex.EncodeToString(sum[:])
}

// canonical returns the deterministic field concatenation the checksum
// is computed over. Field order is fixed; a separator that cannot occur
// in numeric fields keeps the encoding unambiguous.
func (e *Entry) canonical() []byte {
	fields := []string{
		strconv.FormatInt(e.ID, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.UserID,
		e.Username,
		string(e.EventType),
		e.Action,
		e.ResourceType,
		e.ResourceID,
		string(e.Outcome),
		string(e.SecurityLevel),
		e.Detail,
	}
	return []byte(strings.Join(fields, "\x1f"))
}

// ComputeChecksum returns the integrity digest of the entry's canonical
// fields. It does not mutate the entry.
func (e *Entry) ComputeChecksum() string {
	sum := sha256.Sum256(e.canonical())
	return hex.EncodeToString(sum[:])
}

// ComputeChainHash links prevHash and checksum into the entry's chain
// digest.
func ComputeChainHash(prevHash, checksum string) string {
	sum := sha256.Sum256([]byte(prevHash + checksum))
	return hex.EncodeToString(sum[:])
}

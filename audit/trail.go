package audit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrAppendFailed indicates an entry could not be stored. Append swallows
// it for primary operations; only maintenance paths that must prove their
// own marker landed, such as the retention purge, surface it.
var ErrAppendFailed = errors.New("failed to write audit entry")

// Config controls trail behavior.
type Config struct {
	// ChainEnabled links every entry to its predecessor with a hash
	// chain. Without it entries still carry individual checksums.
	ChainEnabled bool

	// UserID and Username are stamped onto entries that do not carry
	// their own actor.
	UserID   string
	Username string
}

// Trail is the append-only audit engine. A Trail owns the id counter and
// the chain head; all writes go through Append so the chain can never
// fork.
//
// Append never propagates a failure to the caller's primary action: a
// failed write is escalated once as a CRITICAL entry on a best-effort
// basis and then swallowed.
type Trail struct {
	mu       sync.Mutex
	store    Store
	chain    bool
	userID   string
	username string

	nextID   int64
	lastHash string

	log *logrus.Entry
}

// IntegrityReport is the result of a full verification walk.
type IntegrityReport struct {
	Entries                int     `json:"entries"`
	EntriesWithoutChecksum []int64 `json:"entries_without_checksum,omitempty"`
	EntriesWithBadChecksum []int64 `json:"entries_with_bad_checksum,omitempty"`
	BrokenChainLinks       []int64 `json:"broken_chain_links,omitempty"`
}

// OK reports whether the walk found no integrity violations.
func (r *IntegrityReport) OK() bool {
	return len(r.EntriesWithoutChecksum) == 0 &&
		len(r.EntriesWithBadChecksum) == 0 &&
		len(r.BrokenChainLinks) == 0
}

// New creates a Trail over store. The store is scanned once to recover
// the id counter and the chain head, so appends continue an existing log
// instead of forking it.
func New(store Store, cfg Config) (*Trail, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is required")
	}

	t := &Trail{
		store:    store,
		chain:    cfg.ChainEnabled,
		userID:   cfg.UserID,
		username: cfg.Username,
		nextID:   1,
		lastHash: GenesisHash(),
		log:      logrus.WithField("component", "audit"),
	}

	err := store.Scan(func(e Entry) error {
		if e.ID >= t.nextID {
			t.nextID = e.ID + 1
		}
		if e.ChainHash != "" {
			t.lastHash = e.ChainHash
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to recover audit trail state: %w", err)
	}

	return t, nil
}

// Append finalizes and writes e, returning the assigned id. The caller
// fills the descriptive fields; id, timestamp, checksum and chain fields
// are assigned here. Storage failures never surface to the caller.
func (t *Trail) Append(e Entry) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendLocked(e, true)
}

func (t *Trail) appendLocked(e Entry, escalate bool) int64 {
	e.ID = t.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.UserID == "" {
		e.UserID = t.userID
	}
	if e.Username == "" {
		e.Username = t.username
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if e.SecurityLevel == "" {
		e.SecurityLevel = LevelNormal
	}

	e.Checksum = e.ComputeChecksum()
	if t.chain {
		e.ChainPrevHash = t.lastHash
		e.ChainHash = ComputeChainHash(e.ChainPrevHash, e.Checksum)
	}

	if err := t.store.Append(e); err != nil {
		t.log.WithError(err).Error("audit write failed")
		if escalate {
			// One best-effort CRITICAL escalation, then swallow. The
			// caller's primary action must not be aborted by the audit
			// subsystem.
			t.appendLocked(Entry{
				EventType:     EventAuditFailure,
				Action:        "audit_write_failed",
				Outcome:       OutcomeFailure,
				SecurityLevel: LevelCritical,
				Detail:        err.Error(),
			}, false)
		}
		return 0
	}

	t.nextID = e.ID + 1
	if t.chain {
		t.lastHash = e.ChainHash
	}
	return e.ID
}

// VerifyIntegrity re-walks all entries in timestamp order, recomputing
// checksums and chain links. It reports every discontinuity it finds
// rather than failing fast, so one tampered or deleted entry cannot mask
// later tampering.
func (t *Trail) VerifyIntegrity() (*IntegrityReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := &IntegrityReport{}
	expectedPrev := GenesisHash()

	err := t.store.Scan(func(e Entry) error {
		report.Entries++

		switch {
		case e.Checksum == "":
			report.EntriesWithoutChecksum = append(report.EntriesWithoutChecksum, e.ID)
		case e.ComputeChecksum() != e.Checksum:
			report.EntriesWithBadChecksum = append(report.EntriesWithBadChecksum, e.ID)
		}

		// With chaining on, every entry must carry a valid link. Blank
		// chain fields are tampering, not an exemption: the per-entry
		// checksum does not cover them.
		if t.chain || e.ChainHash != "" || e.ChainPrevHash != "" {
			broken := false
			if e.ChainPrevHash != expectedPrev {
				broken = true
			}
			if ComputeChainHash(e.ChainPrevHash, e.Checksum) != e.ChainHash {
				broken = true
			}
			if broken {
				report.BrokenChainLinks = append(report.BrokenChainLinks, e.ID)
			}
			expectedPrev = e.ChainHash
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("integrity walk failed: %w", err)
	}

	return report, nil
}

// PurgeOlderThan bulk-deletes entries strictly older than cutoff. This
// is the only deletion path the trail exposes; it operates on timestamps
// only, never on ids. A purge that cuts into a chained log leaves a
// chain discontinuity behind, which VerifyIntegrity will report - that
// is the intended signal, not a defect.
func (t *Trail) PurgeOlderThan(cutoff time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed, err := t.store.PurgeBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention purge failed: %w", err)
	}

	// The retention marker is the one write whose failure is surfaced:
	// a purge without its marker would be indistinguishable from
	// tampering. The deletions themselves already happened, so the
	// removed count is returned either way.
	id := t.appendLocked(Entry{
		EventType:     EventRetention,
		Action:        "purge_older_than",
		Outcome:       OutcomeSuccess,
		SecurityLevel: LevelElevated,
		Detail:        fmt.Sprintf("cutoff=%s removed=%d", cutoff.UTC().Format(time.RFC3339), removed),
	}, true)
	if id == 0 {
		return removed, fmt.Errorf("retention marker not recorded: %w", ErrAppendFailed)
	}

	return removed, nil
}

// Close releases the underlying store.
func (t *Trail) Close() error {
	return t.store.Close()
}

// Filter is the combined query option set. Zero values mean "no
// constraint". All queries are read-only and independent of the write
// path.
type Filter struct {
	UserID        string
	EventType     EventType
	Outcome       Outcome
	SecurityLevel SecurityLevel
	Since         *time.Time
	Until         *time.Time
	Limit         int
}

// Query returns entries matching the filter, ascending by timestamp.
func (t *Trail) Query(f Filter) ([]Entry, error) {
	var results []Entry
	err := t.store.Scan(func(e Entry) error {
		if f.UserID != "" && e.UserID != f.UserID {
			return nil
		}
		if f.EventType != "" && e.EventType != f.EventType {
			return nil
		}
		if f.Outcome != "" && e.Outcome != f.Outcome {
			return nil
		}
		if f.SecurityLevel != "" && e.SecurityLevel != f.SecurityLevel {
			return nil
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			return nil
		}
		if f.Until != nil && !e.Timestamp.Before(*f.Until) {
			return nil
		}
		results = append(results, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}

	if f.Limit > 0 && len(results) > f.Limit {
		results = results[:f.Limit]
	}
	return results, nil
}

// ByActor returns all entries recorded for the given user id.
func (t *Trail) ByActor(userID string) ([]Entry, error) {
	return t.Query(Filter{UserID: userID})
}

// ByEventType returns all entries of one event type.
func (t *Trail) ByEventType(eventType EventType) ([]Entry, error) {
	return t.Query(Filter{EventType: eventType})
}

// ByOutcome returns all entries with the given outcome.
func (t *Trail) ByOutcome(outcome Outcome) ([]Entry, error) {
	return t.Query(Filter{Outcome: outcome})
}

// BySecurityLevel returns all entries at the given security level.
func (t *Trail) BySecurityLevel(level SecurityLevel) ([]Entry, error) {
	return t.Query(Filter{SecurityLevel: level})
}

// ByTimeRange returns all entries with since <= timestamp < until.
func (t *Trail) ByTimeRange(since, until time.Time) ([]Entry, error) {
	return t.Query(Filter{Since: &since, Until: &until})
}

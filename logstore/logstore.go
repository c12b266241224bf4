// Package logstore provides the durable, append-only replicated log
// and snapshot storage the agent relies on for commit safety and
// compaction. The agent only ever talks to the LogStore interface;
// BoltStore is the default, bbolt-backed implementation.
package logstore

import (
	"github.com/sumimakito/agency/store"
)

// Entry is one position in the replicated log as the log store sees
// it: the bookkeeping plus the opaque query payload.
type Entry struct {
	Index    uint64
	Term     uint64
	ClientID string
	Query    store.Query
}

// Snapshot is a frozen readDB image at a committed (index, term).
type Snapshot struct {
	Index      uint64
	Term       uint64
	StoreImage []byte
}

// LogStore is the durable replicated log contract described in the
// design's external interfaces: append-only, durable, with range
// reads, snapshot load/store and compaction. All indices are absolute
// (not relative to any compaction boundary).
type LogStore interface {
	// Append assigns contiguous indices starting at LastIndex()+1 to
	// entries, tags them with term, and durably appends them. Leader
	// side only; returns the assigned indices in entries' order.
	Append(entries []Entry, term uint64) ([]uint64, error)

	// LogFollower applies log-matching overwrite semantics: for each
	// entry, if the local log already has a conflicting entry at that
	// index (different term), the local log is truncated from that
	// point before the new entries are appended. Returns the resulting
	// last log index, which may be less than the highest index in
	// entries if a gap prevented some of them from being appended.
	LogFollower(entries []Entry) (uint64, error)

	// Get returns the full entries (inclusive) in [from, to].
	Get(from, to uint64) ([]Entry, error)

	// Entry returns the single entry at index, if present.
	Entry(index uint64) (Entry, bool, error)

	// FirstIndex is the lowest index retained (after compaction).
	FirstIndex() uint64

	// LastIndex is the highest index appended.
	LastIndex() uint64

	// LastLog returns (index, term) of the last appended entry, or
	// (0, 0) if the log (since the last snapshot) is empty.
	LastLog() (uint64, uint64)

	// NextCompactionAfter is the commit index threshold at which the
	// compactor should be woken.
	NextCompactionAfter() uint64

	// LoadLastCompactedSnapshot loads the most recently stored
	// snapshot, if any.
	LoadLastCompactedSnapshot() (Snapshot, bool, error)

	// Compact persists a snapshot of storeImage at (upto, term) and
	// truncates log entries strictly before upto. compactionKeepSize
	// is enforced by the caller (the compactor), not here: Compact
	// always compacts exactly to the index it is given.
	Compact(upto uint64, term uint64, storeImage []byte) error

	// PersistActiveAgents durably records the current pool/active
	// configuration, independent of the replicated log (so a node can
	// recover its last-known membership before log replay completes).
	PersistActiveAgents(active []string, pool map[string]string) error

	// LoadActiveAgents returns the last persisted pool/active
	// configuration, if any.
	LoadActiveAgents() (active []string, pool map[string]string, ok bool, err error)

	// Inquire looks up, for each clientID, the log entry (if any) that
	// carried it, returning its index.
	Inquire(clientIDs []string) (map[string]uint64, error)

	// PersistTermVote durably records currentTerm/votedFor before any
	// outgoing vote or accepted append in that term, per the
	// Constituent's persistence requirement.
	PersistTermVote(term uint64, votedFor string) error

	// LoadTermVote returns the last persisted (currentTerm, votedFor).
	LoadTermVote() (term uint64, votedFor string, err error)

	// Close releases underlying resources.
	Close() error
}

// Package transport abstracts the RPC surface a Constituent/Agent uses
// to talk to peers, per the design note "Polymorphism over
// RPC/transport": production traffic runs over HTTP+JSON (HTTPTransport),
// tests substitute MemoryTransport, which can drop, delay or reorder
// messages deterministically.
package transport

import (
	"context"
	"time"

	"github.com/sumimakito/agency/store"
)

// Peer identifies an RPC destination.
type Peer struct {
	ID       string
	Endpoint string
}

// LogEntryPayload is the wire form of one replicated log entry.
type LogEntryPayload struct {
	Index    uint64      `json:"index"`
	Term     uint64      `json:"term"`
	Query    store.Query `json:"query"`
	ClientID string      `json:"clientId,omitempty"`
}

// SnapshotPayload is the optional first element of an AppendEntries
// payload array, carrying a compacted readDB image for a lagging
// follower.
type SnapshotPayload struct {
	ReadDB []byte `json:"readDB"`
	Term   uint64 `json:"term"`
	Index  uint64 `json:"index"`
}

// AppendEntriesRequest is the body+query of
// POST /_api/agency_priv/appendEntries.
type AppendEntriesRequest struct {
	Term            uint64            `json:"term"`
	LeaderID        string            `json:"leaderId"`
	PrevLogIndex    uint64            `json:"prevLogIndex"`
	PrevLogTerm     uint64            `json:"prevLogTerm"`
	LeaderCommit    uint64            `json:"leaderCommit"`
	SenderTimestamp int64             `json:"senderTimeStamp"`
	Snapshot        *SnapshotPayload  `json:"snapshot,omitempty"`
	Entries         []LogEntryPayload `json:"entries,omitempty"`
}

// AppendEntriesResponse is the JSON response to appendEntries.
type AppendEntriesResponse struct {
	Term uint64 `json:"term"`
	OK   bool   `json:"ok"`
}

// RequestVoteRequest is the body+query of
// POST /_api/agency_priv/requestVote.
type RequestVoteRequest struct {
	Term         uint64  `json:"term"`
	CandidateID  string  `json:"candidateId"`
	LastLogIndex uint64  `json:"lastLogIndex"`
	LastLogTerm  uint64  `json:"lastLogTerm"`
	TimeoutMult  float64 `json:"timeoutMult,omitempty"`
}

// RequestVoteResponse is the JSON response to requestVote.
type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"voteGranted"`
}

// InformRequest carries a new authoritative configuration to
// POST /_api/agency_priv/inform.
type InformRequest struct {
	ID                 string            `json:"id"`
	Pool               map[string]string `json:"pool"`
	Active             []string          `json:"active"`
	MinPing            float64           `json:"minPing"`
	MaxPing            float64           `json:"maxPing"`
	TimeoutMult        float64           `json:"timeoutMult"`
	WaitForSync        bool              `json:"waitForSync"`
	MaxAppendSize      int               `json:"maxAppendSize"`
	CompactionKeepSize uint64            `json:"compactionKeepSize"`
}

// PeerTransport is the capability set the agent needs for every peer:
// dispatch AppendEntries/RequestVote/Inform and get a response or an
// error. Implementations MUST respect ctx's deadline and return
// promptly after it elapses; expired responses are the caller's to
// discard.
type PeerTransport interface {
	SendAppendEntries(ctx context.Context, peer Peer, req AppendEntriesRequest) (AppendEntriesResponse, error)
	SendRequestVote(ctx context.Context, peer Peer, req RequestVoteRequest) (RequestVoteResponse, error)
	SendInform(ctx context.Context, peer Peer, req InformRequest) error
}

// Deadline computes the per-request deadline from §4.3:
// max(1ms * toLog * dt, minPing * timeoutMult).
func Deadline(toLog int, dt time.Duration, minPing time.Duration, timeoutMult float64) time.Duration {
	batch := time.Duration(toLog) * dt
	floor := time.Duration(float64(minPing) * timeoutMult)
	if batch > floor {
		return batch
	}
	return floor
}

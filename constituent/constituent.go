// Package constituent implements the per-node Raft role state machine:
// follower/candidate/leader transitions, the randomized election
// timer, and the RequestVote RPC, exactly the piece §4.1 describes.
// It owns currentTerm/votedFor (persisted through a logstore.LogStore)
// and runs its own background goroutine, the "dedicated long-lived
// task" §5 lists for election timing.
package constituent

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sumimakito/agency/config"
	"github.com/sumimakito/agency/logstore"
	"github.com/sumimakito/agency/transport"
)

// Role is one of the three Raft states, with an explicit Leader
// sub-state (RoleLeaderPreparing) for the window between winning an
// election and finishing the spearhead rebuild — modeled as a state,
// not a boolean, per the design notes.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeaderPreparing
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "FOLLOWER"
	case RoleCandidate:
		return "CANDIDATE"
	case RoleLeaderPreparing:
		return "LEADER(preparing)"
	case RoleLeader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// IsLeader reports whether r is either leader sub-state.
func (r Role) IsLeader() bool { return r == RoleLeader || r == RoleLeaderPreparing }

// Callbacks lets the Agent react to role transitions without
// Constituent needing to know anything about stores or logs.
type Callbacks interface {
	// OnBecomeLeaderPreparing is invoked once, synchronously, right
	// after winning an election, before any heartbeat is sent. The
	// Agent should kick off its "preparing" rebuild here.
	OnBecomeLeaderPreparing(term uint64)
	// OnStepDown is invoked when a leader or candidate reverts to
	// follower on observing a higher term or another node's leadership.
	OnStepDown(term uint64, newLeader string)
	// OnTimeoutMultAdjustment is invoked when an incoming RequestVote
	// carries a different timeoutMult than ours.
	OnTimeoutMultAdjustment(timeoutMult float64)
}

// Constituent is one node's Raft role machine.
type Constituent struct {
	id     string
	ls     logstore.LogStore
	cfg    func() config.Config
	trans  transport.PeerTransport
	cb     Callbacks
	logger *zap.SugaredLogger

	mu              sync.Mutex
	role            Role
	currentTerm     uint64
	votedFor        string
	votedTerm       uint64
	leader          string
	lastMessageAt   time.Time
	lastQuorumAckAt time.Time

	resetCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Constituent starting in FOLLOWER, restoring any
// persisted (currentTerm, votedFor) from ls.
func New(id string, ls logstore.LogStore, cfg func() config.Config, trans transport.PeerTransport, cb Callbacks, logger *zap.SugaredLogger) (*Constituent, error) {
	term, votedFor, err := ls.LoadTermVote()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Constituent{
		id:              id,
		ls:              ls,
		cfg:             cfg,
		trans:           trans,
		cb:              cb,
		logger:          logger,
		role:            RoleFollower,
		currentTerm:     term,
		votedFor:        votedFor,
		lastMessageAt:   now,
		lastQuorumAckAt: now,
		resetCh:         make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}, nil
}

// Start launches the election-timer goroutine. Only meaningful when
// the agency has more than one member; a single-node agency never
// needs to run an election (Agent handles that case by starting
// already-leader).
func (c *Constituent) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Shutdown stops the background goroutine and waits for it to exit.
func (c *Constituent) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Constituent) randomElectionTimeout() time.Duration {
	cfg := c.cfg()
	min, max := cfg.ElectionTimeoutBounds()
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func (c *Constituent) runLoop() {
	defer c.wg.Done()
	for {
		role := c.Role()
		switch role {
		case RoleFollower, RoleCandidate:
			if !c.runElectionRound() {
				return
			}
		default:
			// Leader/LeaderPreparing: the background loop has nothing
			// to do here; replication is driven by the Agent. Wake on
			// step-down or shutdown.
			select {
			case <-c.stopCh:
				return
			case <-c.resetCh:
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

// runElectionRound waits out one election timeout as a follower, then
// (if it fires) becomes a candidate and runs one election. Returns
// false if the loop should exit (shutdown).
func (c *Constituent) runElectionRound() bool {
	timeout := c.randomElectionTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.stopCh:
		return false
	case <-c.resetCh:
		return true
	case <-timer.C:
	}

	if c.Role().IsLeader() {
		return true
	}

	c.startElection()
	return true
}

// NoteMessageReceived resets the election timer; called whenever a
// valid AppendEntries or a granted/observed RequestVote arrives from
// the current or a higher term's leader/candidate.
func (c *Constituent) NoteMessageReceived() {
	c.mu.Lock()
	c.lastMessageAt = time.Now()
	c.mu.Unlock()
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

// NoteQuorumAck records that a majority of the active set has
// acknowledged recently; called by the Agent's reportIn/replication
// loop while leader.
func (c *Constituent) NoteQuorumAck() {
	c.mu.Lock()
	c.lastQuorumAckAt = time.Now()
	c.mu.Unlock()
}

// ChallengeLeadership reports whether fewer than a majority of peers
// have acked within 0.9*minPing*timeoutMult, i.e. whether the leader
// should voluntarily step down on a silent partition.
func (c *Constituent) ChallengeLeadership() bool {
	cfg := c.cfg()
	if cfg.Quorum() <= 1 {
		// A single-member agency is its own majority.
		return false
	}
	c.mu.Lock()
	last := c.lastQuorumAckAt
	c.mu.Unlock()
	return time.Since(last) > cfg.ChallengeWindow()
}

// Role returns the current role.
func (c *Constituent) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// CurrentTerm returns the current term.
func (c *Constituent) CurrentTerm() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTerm
}

// Leader returns the currently known leader id, or "" if unknown.
func (c *Constituent) Leader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

func (c *Constituent) setLeaderLocked(id string) { c.leader = id }

// stepDownLocked reverts to FOLLOWER, optionally adopting a higher
// term, and notifies the callback. Must hold c.mu.
func (c *Constituent) stepDownLocked(term uint64, leader string, persist bool) {
	wasFollower := c.role == RoleFollower
	c.role = RoleFollower
	if term > c.currentTerm {
		c.currentTerm = term
	}
	c.setLeaderLocked(leader)
	if persist {
		if err := c.ls.PersistTermVote(c.currentTerm, c.votedFor); err != nil {
			c.logger.Errorw("failed to persist term on step down", "error", err)
		}
	}
	if !wasFollower {
		go c.cb.OnStepDown(c.currentTerm, leader)
	}
}

// startElection transitions FOLLOWER/CANDIDATE -> CANDIDATE, increments
// the term, votes for self, and runs one round of RequestVote RPCs
// against the active set.
func (c *Constituent) startElection() {
	cfg := c.cfg()

	c.mu.Lock()
	c.role = RoleCandidate
	c.currentTerm++
	c.votedFor = c.id
	c.votedTerm = c.currentTerm
	term := c.currentTerm
	if err := c.ls.PersistTermVote(term, c.id); err != nil {
		c.logger.Errorw("failed to persist term/vote before election", "error", err)
	}
	c.mu.Unlock()

	lastIndex, lastTerm := c.ls.LastLog()
	req := transport.RequestVoteRequest{
		Term:         term,
		CandidateID:  c.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
		TimeoutMult:  cfg.TimeoutMult,
	}

	granted := 1 // vote for self
	quorum := cfg.Quorum()
	var resultsMu sync.Mutex
	done := make(chan struct{})
	var wg sync.WaitGroup

	for _, peerID := range cfg.Active {
		if peerID == c.id {
			continue
		}
		endpoint, ok := cfg.Endpoint(peerID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(peerID, endpoint string) {
			defer wg.Done()
			ctx, cancel := transport.WithTimeout(context.Background(), time.Duration(float64(cfg.MinPing)*cfg.TimeoutMult))
			defer cancel()
			resp, err := c.trans.SendRequestVote(ctx, transport.Peer{ID: peerID, Endpoint: endpoint}, req)
			if err != nil {
				return
			}
			resultsMu.Lock()
			defer resultsMu.Unlock()
			select {
			case <-done:
				return
			default:
			}
			if resp.Term > term {
				c.mu.Lock()
				c.stepDownLocked(resp.Term, "", true)
				c.mu.Unlock()
				close(done)
				return
			}
			if resp.VoteGranted {
				granted++
				if granted >= quorum {
					close(done)
				}
			}
		}(peerID, endpoint)
	}

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()

	select {
	case <-done:
	case <-waitCh:
	case <-time.After(time.Duration(float64(cfg.MaxPing) * cfg.TimeoutMult)):
	}

	c.mu.Lock()
	stillCandidate := c.role == RoleCandidate && c.currentTerm == term
	won := stillCandidate && granted >= quorum
	if won {
		c.role = RoleLeaderPreparing
		c.setLeaderLocked(c.id)
		c.lastQuorumAckAt = time.Now()
	}
	c.mu.Unlock()

	if won {
		c.logger.Infow("won election", "term", term, "votes", granted)
		c.cb.OnBecomeLeaderPreparing(term)
	}
}

// TriggerElection runs one election round immediately, bypassing the
// randomized timer. Used to bootstrap a single-node agency (which has
// nobody to lose an election to) and by tests that want a deterministic
// leader without waiting out a timeout.
func (c *Constituent) TriggerElection() {
	c.startElection()
}

// FinishPreparing transitions LEADER(preparing) -> LEADER once the
// Agent has rebuilt its spearhead. No-op if the role or term already
// moved on.
func (c *Constituent) FinishPreparing(term uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == RoleLeaderPreparing && c.currentTerm == term {
		c.role = RoleLeader
	}
}

// HandleRequestVote implements the RequestVote RPC per §4.1.
func (c *Constituent) HandleRequestVote(req transport.RequestVoteRequest) transport.RequestVoteResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Term < c.currentTerm {
		return transport.RequestVoteResponse{Term: c.currentTerm, VoteGranted: false}
	}
	if req.Term > c.currentTerm {
		c.stepDownLocked(req.Term, c.leader, false)
		c.votedFor = ""
		c.votedTerm = 0
	}

	if req.TimeoutMult > 0 && req.TimeoutMult != c.cfg().TimeoutMult {
		go c.cb.OnTimeoutMultAdjustment(req.TimeoutMult)
	}

	if c.votedTerm == c.currentTerm && c.votedFor != "" && c.votedFor != req.CandidateID {
		return transport.RequestVoteResponse{Term: c.currentTerm, VoteGranted: false}
	}

	lastIndex, lastTerm := c.ls.LastLog()
	upToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	if !upToDate {
		return transport.RequestVoteResponse{Term: c.currentTerm, VoteGranted: false}
	}

	c.votedFor = req.CandidateID
	c.votedTerm = c.currentTerm
	if err := c.ls.PersistTermVote(c.currentTerm, c.votedFor); err != nil {
		c.logger.Errorw("failed to persist vote", "error", err)
	}
	c.NoteMessageReceived()
	return transport.RequestVoteResponse{Term: c.currentTerm, VoteGranted: true}
}

// CheckLeader implements the follower-side leader/term acceptance
// check §4.3 delegates to Constituent: accepts iff term >= currentTerm
// and (per the caller) the log at prevIndex matches prevTerm. The log
// match itself is checked by the caller (it owns the LogStore access
// pattern for AppendEntries); CheckLeader only gates on
// term/leader-identity and performs the associated state transition.
func (c *Constituent) CheckLeader(term uint64, leaderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if term < c.currentTerm {
		return false
	}
	if term > c.currentTerm {
		c.stepDownLocked(term, leaderID, true)
	} else if c.role != RoleFollower {
		c.stepDownLocked(term, leaderID, false)
	} else {
		c.setLeaderLocked(leaderID)
	}
	return true
}

// NoteHeartbeat resets the election timer on a valid AppendEntries;
// split from CheckLeader so the caller can first validate the log
// match before deciding the message is "valid".
func (c *Constituent) NoteHeartbeat() {
	c.NoteMessageReceived()
}

package agency

import (
	"context"
	"time"

	"github.com/sumimakito/agency/logstore"
	"github.com/sumimakito/agency/transport"
)

const (
	replicationWindow      = 100
	heartbeatSuppressRatio = 0.25
	failureDetectInterval  = 10 * time.Second
)

// runReplicationLoop is the dedicated long-running task §4.3
// describes: while leader, each iteration calls sendAppendEntriesRPC
// for every active follower, then sleeps on appendCV for up to
// 4ms*minPing. Every ~10s it also runs detectActiveAgentFailures.
func (a *Agent) runReplicationLoop() {
	defer a.wg.Done()
	lastFailureCheck := time.Now()
	for {
		if a.isShuttingDown() {
			return
		}
		cfg := a.snapshotConfig()
		if a.cst.Role().IsLeader() && cfg.Size() > 1 {
			for _, p := range cfg.Active {
				if p == a.id {
					continue
				}
				go a.sendAppendEntriesRPC(p)
			}
			if time.Since(lastFailureCheck) > failureDetectInterval {
				lastFailureCheck = time.Now()
				a.detectActiveAgentFailures()
			}
		}

		wait := time.Duration(4 * float64(time.Millisecond) * cfg.MinPing.Seconds())
		if wait <= 0 {
			wait = 4 * time.Millisecond
		}
		a.sleepOnAppendCV(wait)
	}
}

func (a *Agent) sleepOnAppendCV(d time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		a.ioLock.Lock()
		a.appendCV.Broadcast()
		a.ioLock.Unlock()
	})
	go func() {
		select {
		case <-a.stopCh:
			a.ioLock.Lock()
			a.appendCV.Broadcast()
			a.ioLock.Unlock()
		case <-done:
		}
	}()
	a.ioLock.Lock()
	a.appendCV.Wait()
	a.ioLock.Unlock()
	timer.Stop()
	close(done)
}

// sendAppendEntriesRPC replicates to one follower, per §4.3.
func (a *Agent) sendAppendEntriesRPC(peerID string) {
	cfg := a.snapshotConfig()
	endpoint, ok := cfg.Endpoint(peerID)
	if !ok {
		return
	}

	a.ioLock.Lock()
	if a.cst.ChallengeLeadership() {
		a.ioLock.Unlock()
		return
	}
	term := a.cst.CurrentTerm()
	tr, ok := a.trackers[peerID]
	if !ok {
		tr = &followerTracker{}
		a.trackers[peerID] = tr
	}
	lastConfirmed := tr.confirmed
	earliest := tr.earliestPackage
	lastSent := tr.lastSent
	lastHighest := tr.lastHighest
	a.ioLock.Unlock()

	req := transport.AppendEntriesRequest{
		Term:            term,
		LeaderID:        a.id,
		LeaderCommit:    a.CommitIndex(),
		SenderTimestamp: time.Now().UnixMilli(),
	}

	var entries []logstore.Entry
	var toSend []logstore.Entry
	behindCompaction := lastConfirmed < a.ls.FirstIndex()
	if behindCompaction {
		// The follower's tracker (possibly just reset by
		// OnBecomeLeaderPreparing to the zero value) points at an index
		// the log no longer retains: a.ls.Get would come back empty even
		// though there's a whole log's worth of entries to catch this
		// follower up on. Send the last compacted snapshot instead of
		// trying to read a window that has already been compacted away.
		snap, ok, err := a.ls.LoadLastCompactedSnapshot()
		if err != nil {
			a.logger.Warnw("snapshot load failed", "peer", peerID, "error", err)
			return
		}
		if !ok {
			a.logger.Warnw("follower behind compaction but no snapshot available", "peer", peerID)
			return
		}
		req.Snapshot = &transport.SnapshotPayload{ReadDB: snap.StoreImage, Term: snap.Term, Index: snap.Index}
		req.PrevLogIndex = snap.Index
		req.PrevLogTerm = snap.Term

		var err2 error
		entries, err2 = a.ls.Get(snap.Index, snap.Index+replicationWindow)
		if err2 != nil {
			a.logger.Debugw("replication window read failed after snapshot", "peer", peerID, "error", err2)
			entries = nil
		}
	} else {
		var err error
		entries, err = a.ls.Get(lastConfirmed, lastConfirmed+replicationWindow)
		if err != nil || len(entries) == 0 {
			a.logger.Debugw("empty replication window", "peer", peerID, "error", err)
			return
		}
		if prev, ok, err := a.ls.Entry(lastConfirmed); err == nil && ok {
			req.PrevLogIndex = prev.Index
			req.PrevLogTerm = prev.Term
		}
	}

	var highest uint64
	if len(entries) > 0 {
		highest = entries[len(entries)-1].Index
	} else {
		highest = req.PrevLogIndex
	}
	if !behindCompaction && highest == lastHighest && time.Since(lastSent) < time.Duration(heartbeatSuppressRatio*float64(cfg.MinPing)) {
		return
	}

	now := time.Now()
	if earliest.IsZero() || !now.Before(earliest) {
		for _, e := range entries {
			if e.Index <= req.PrevLogIndex {
				continue
			}
			toSend = append(toSend, e)
			req.Entries = append(req.Entries, transport.LogEntryPayload{
				Index: e.Index, Term: e.Term, Query: e.Query, ClientID: e.ClientID,
			})
		}
	}

	a.ioLock.Lock()
	if a.cst.ChallengeLeadership() {
		a.ioLock.Unlock()
		return
	}
	a.ioLock.Unlock()

	dt := 2 * time.Millisecond
	if cfg.WaitForSync {
		dt = 40 * time.Millisecond
	}
	deadline := transport.Deadline(len(req.Entries), dt, cfg.MinPing, cfg.TimeoutMult)
	ctx, cancel := transport.WithTimeout(context.Background(), deadline)
	defer cancel()

	resp, err := a.trans.SendAppendEntries(ctx, transport.Peer{ID: peerID, Endpoint: endpoint}, req)

	a.ioLock.Lock()
	tr.lastSent = now
	tr.lastHighest = highest
	if len(toSend) > 0 {
		tr.earliestPackage = now.Add(time.Duration(len(toSend)) * dt)
	}
	a.ioLock.Unlock()

	if err != nil {
		a.logger.Debugw("appendEntries dispatch failed", "peer", peerID, "error", err)
		return
	}
	if resp.Term > term {
		a.cst.CheckLeader(resp.Term, "")
		return
	}
	if !resp.OK {
		a.ioLock.Lock()
		if tr.confirmed > 0 {
			tr.confirmed--
		}
		a.ioLock.Unlock()
		return
	}
	if len(toSend) > 0 {
		a.reportIn(peerID, toSend[len(toSend)-1].Index)
	} else if behindCompaction {
		a.reportIn(peerID, req.PrevLogIndex)
	} else {
		a.reportIn(peerID, lastConfirmed)
	}
}

// reportIn is §4.4's commit advancement step, invoked whenever the
// leader itself or a follower acknowledges index.
func (a *Agent) reportIn(peerID string, index uint64) {
	cfg := a.snapshotConfig()

	a.ioLock.Lock()
	tr, ok := a.trackers[peerID]
	if !ok {
		tr = &followerTracker{}
		a.trackers[peerID] = tr
	}
	if !tr.lastAcked.IsZero() && time.Since(tr.lastAcked) > time.Duration(float64(cfg.MinPing)*cfg.TimeoutMult) {
		a.logger.Warnw("stale ack gap", "peer", peerID, "since", tr.lastAcked)
	}
	tr.lastAcked = time.Now()
	if index > tr.confirmed {
		tr.confirmed = index
		tr.earliestPackage = time.Time{}
	}

	recent := 0
	for _, q := range cfg.Active {
		if t, ok := a.trackers[q]; q == a.id || (ok && time.Since(t.lastAcked) <= cfg.ChallengeWindow()) {
			recent++
		}
	}
	if recent >= cfg.Quorum() {
		a.cst.NoteQuorumAck()
	}

	n := 0
	for _, q := range cfg.Active {
		if t, ok := a.trackers[q]; ok && t.confirmed >= index {
			n++
		} else if q == a.id && a.commitIndex >= index {
			n++
		}
	}
	quorum := cfg.Quorum()

	if n >= quorum && index > a.commitIndex {
		// ioLock stays held across the apply, so the range read here
		// starts from the current commitIndex and no concurrent reporter
		// can apply the same entries twice.
		from := a.commitIndex + 1
		a.compactionLock.Lock()
		entries, err := a.ls.Get(from, index)
		if err == nil {
			a.readDB.ApplyLogEntries(toStoreEntries(entries), true)
		} else {
			a.logger.Errorw("failed reading committed range for apply", "error", err)
		}
		a.compactionLock.Unlock()

		a.commitIndex = index
		nextCompaction := a.ls.NextCompactionAfter()
		a.waitForCV.Broadcast()
		a.ioLock.Unlock()

		if index >= nextCompaction {
			a.compactor.wake()
		}
		return
	}
	a.ioLock.Unlock()
}

// HandleAppendEntries is the follower-side recvAppendEntriesRPC.
func (a *Agent) HandleAppendEntries(req transport.AppendEntriesRequest) transport.AppendEntriesResponse {
	if !a.cst.CheckLeader(req.Term, req.LeaderID) {
		return transport.AppendEntriesResponse{Term: a.cst.CurrentTerm(), OK: false}
	}
	a.cst.NoteHeartbeat()

	if req.Snapshot != nil {
		if err := a.readDB.RestoreFromBuilder(req.Snapshot.ReadDB); err != nil {
			a.logger.Errorw("failed to restore snapshot", "error", err)
			return transport.AppendEntriesResponse{Term: a.cst.CurrentTerm(), OK: false}
		}
		if err := a.ls.Compact(req.Snapshot.Index, req.Snapshot.Term, req.Snapshot.ReadDB); err != nil {
			a.logger.Warnw("failed to persist received snapshot", "error", err)
		}
	} else if req.PrevLogIndex > 0 {
		// Log matching property: reject unless the local log already
		// holds an entry at prevLogIndex carrying prevLogTerm, or
		// prevLogIndex exactly matches our own last compacted snapshot
		// boundary (whose entry is no longer in the log to look up).
		prev, ok, err := a.ls.Entry(req.PrevLogIndex)
		if err != nil {
			a.logger.Errorw("failed to read prevLogIndex entry", "error", err)
			return transport.AppendEntriesResponse{Term: a.cst.CurrentTerm(), OK: false}
		}
		if ok {
			if prev.Term != req.PrevLogTerm {
				return transport.AppendEntriesResponse{Term: a.cst.CurrentTerm(), OK: false}
			}
		} else if snap, snapOK, err := a.ls.LoadLastCompactedSnapshot(); err != nil || !snapOK ||
			snap.Index != req.PrevLogIndex || snap.Term != req.PrevLogTerm {
			return transport.AppendEntriesResponse{Term: a.cst.CurrentTerm(), OK: false}
		}
	}

	lastIndex := a.ls.LastIndex()
	if len(req.Entries) > 0 {
		entries := make([]logstore.Entry, len(req.Entries))
		for i, e := range req.Entries {
			entries[i] = logstore.Entry{Index: e.Index, Term: e.Term, ClientID: e.ClientID, Query: e.Query}
		}
		newLast, err := a.ls.LogFollower(entries)
		if err != nil {
			a.logger.Errorw("logFollower failed", "error", err)
			return transport.AppendEntriesResponse{Term: a.cst.CurrentTerm(), OK: false}
		}
		if newLast < entries[len(entries)-1].Index {
			// A gap prevented some entries from being appended; ask the
			// leader to retry with a lower lastConfirmed.
			return transport.AppendEntriesResponse{Term: a.cst.CurrentTerm(), OK: false}
		}
		lastIndex = newLast
	}
	// Zero-entries heartbeat: seed lastIndex from the local log rather
	// than an uninitialized value before computing the commit min.
	commitIndex := req.LeaderCommit
	if commitIndex > lastIndex {
		commitIndex = lastIndex
	}

	a.ioLock.Lock()
	entriesToApply := commitIndex > a.commitIndex
	from := a.commitIndex + 1
	a.ioLock.Unlock()

	if entriesToApply {
		a.compactionLock.Lock()
		entries, err := a.ls.Get(from, commitIndex)
		if err == nil {
			a.readDB.ApplyLogEntries(toStoreEntries(entries), true)
		}
		a.compactionLock.Unlock()

		a.ioLock.Lock()
		if commitIndex > a.commitIndex {
			a.commitIndex = commitIndex
		}
		next := a.ls.NextCompactionAfter()
		a.ioLock.Unlock()
		if commitIndex >= next {
			a.compactor.wake()
		}
		a.ioLock.Lock()
		a.waitForCV.Broadcast()
		a.ioLock.Unlock()
	}

	return transport.AppendEntriesResponse{Term: a.cst.CurrentTerm(), OK: true}
}

// HandleRequestVote delegates directly to the Constituent.
func (a *Agent) HandleRequestVote(req transport.RequestVoteRequest) transport.RequestVoteResponse {
	return a.cst.HandleRequestVote(req)
}

// HandleInform merges an incoming authoritative configuration, the
// follower side of the Activator's membership-change write landing
// via direct peer push (used during catch-up before the change is
// itself replicated as a normal log entry).
func (a *Agent) HandleInform(req transport.InformRequest) error {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	a.cfg.ID = req.ID
	a.cfg.Pool = req.Pool
	a.cfg.Active = req.Active
	a.cfg.MinPing = time.Duration(req.MinPing * float64(time.Second))
	a.cfg.MaxPing = time.Duration(req.MaxPing * float64(time.Second))
	a.cfg.TimeoutMult = req.TimeoutMult
	a.cfg.WaitForSync = req.WaitForSync
	a.cfg.MaxAppendSize = req.MaxAppendSize
	a.cfg.CompactionKeepSize = req.CompactionKeepSize
	return a.ls.PersistActiveAgents(a.cfg.Active, a.cfg.Pool)
}

// detectActiveAgentFailures polls trackers for active peers silent
// for more than 180s and, if the pool has hot spares, kicks off the
// Activator.
func (a *Agent) detectActiveAgentFailures() {
	cfg := a.snapshotConfig()
	if len(cfg.Pool) <= cfg.Size() {
		return
	}
	a.ioLock.Lock()
	var stale string
	for _, p := range cfg.Active {
		if p == a.id {
			continue
		}
		tr, ok := a.trackers[p]
		if !ok || time.Since(tr.lastAcked) > activatorStaleAfter {
			stale = p
			break
		}
	}
	a.ioLock.Unlock()
	if stale == "" {
		return
	}
	a.activator.promote(stale)
}

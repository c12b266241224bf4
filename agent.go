package agency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sumimakito/agency/config"
	"github.com/sumimakito/agency/constituent"
	"github.com/sumimakito/agency/logstore"
	"github.com/sumimakito/agency/store"
	"github.com/sumimakito/agency/transport"
)

// followerTracker is the leader-only per-follower bookkeeping §3
// describes: confirmed/lastAcked/lastSent/lastHighest/earliestPackage.
// Only the replication loop and reportIn mutate these, and only while
// holding ioLock.
type followerTracker struct {
	confirmed       uint64
	lastAcked       time.Time
	lastSent        time.Time
	lastHighest     uint64
	earliestPackage time.Time
}

// Agent is the orchestrator: it owns the spearhead/readDB stores, the
// LogStore, the per-node Constituent, the replication loop, and the
// Compactor/Activator it drives. Back-references from those
// subcomponents to Agent are non-owning per the design note in §9.
type Agent struct {
	noCopy

	id     string
	ls     logstore.LogStore
	trans  transport.PeerTransport
	cst    *constituent.Constituent
	logger *zap.SugaredLogger

	cfgMu sync.RWMutex
	cfg   config.Config

	// ioLock covers spearhead, readDB application gating, commitIndex,
	// preparing, leaderSince and the per-follower trackers.
	ioLock      sync.Mutex
	spearhead   *store.Store
	readDB      *store.Store
	commitIndex uint64
	preparing   bool
	leaderSince time.Time
	trackers    map[string]*followerTracker

	// waitForCV/appendCV share ioLock, matching the design note that
	// both are about commit/replication state already serialized there.
	waitForCV *sync.Cond
	appendCV  *sync.Cond

	// compactionLock is held while applying committed entries to
	// readDB, serializing application against compaction.
	compactionLock sync.Mutex

	// activatorLock guards the singleton replacement task handle.
	activatorLock sync.Mutex
	activatorTask *activatorTask

	// trxsLock guards ongoingTrxs.
	trxsLock    sync.Mutex
	ongoingTrxs map[string]struct{}

	compactor *Compactor
	activator *Activator

	shuttingDown int32
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewAgent boots an Agent: restores the last snapshot (if any) into
// readDB, replays the log tail on top of it, clones readDB into
// spearhead, and wires a Constituent bound to this Agent via the
// Callbacks interface.
func NewAgent(id string, ls logstore.LogStore, trans transport.PeerTransport, cfg config.Config, logger *zap.SugaredLogger) (*Agent, error) {
	a := &Agent{
		id:          id,
		ls:          ls,
		trans:       trans,
		logger:      logger,
		cfg:         cfg,
		spearhead:   store.New(),
		readDB:      store.New(),
		trackers:    map[string]*followerTracker{},
		ongoingTrxs: map[string]struct{}{},
		stopCh:      make(chan struct{}),
	}
	a.waitForCV = sync.NewCond(&a.ioLock)
	a.appendCV = sync.NewCond(&a.ioLock)

	if err := a.rebuildFromSnapshotAndLog(); err != nil {
		return nil, err
	}

	cst, err := constituent.New(id, ls, a.snapshotConfig, trans, a, logger)
	if err != nil {
		return nil, err
	}
	a.cst = cst

	a.compactor = newCompactor(a)
	a.activator = newActivator(a)

	return a, nil
}

func (a *Agent) snapshotConfig() config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg.Copy()
}

// Config returns a defensive copy of the current configuration.
func (a *Agent) Config() config.Config { return a.snapshotConfig() }

// rebuildFromSnapshotAndLog loads the last compacted snapshot (if any)
// into readDB, then replays every log entry after it, and finally
// clones readDB into spearhead. Used at boot by NewAgent.
func (a *Agent) rebuildFromSnapshotAndLog() error {
	a.readDB.Clear()
	var from uint64 = 1
	if snap, ok, err := a.ls.LoadLastCompactedSnapshot(); err != nil {
		return err
	} else if ok {
		if err := a.readDB.RestoreFromBuilder(snap.StoreImage); err != nil {
			return err
		}
		from = snap.Index + 1
		a.ioLock.Lock()
		a.commitIndex = snap.Index
		a.ioLock.Unlock()
	}
	last := a.ls.LastIndex()
	if last >= from {
		entries, err := a.ls.Get(from, last)
		if err != nil {
			return err
		}
		a.readDB.ApplyLogEntries(toStoreEntries(entries), false)
		a.ioLock.Lock()
		if last > a.commitIndex {
			a.commitIndex = last
		}
		a.ioLock.Unlock()
	}
	a.ioLock.Lock()
	a.spearhead = a.readDB.Clone()
	a.ioLock.Unlock()
	return nil
}

func toStoreEntries(entries []logstore.Entry) []store.Entry {
	out := make([]store.Entry, len(entries))
	for i, e := range entries {
		out[i] = store.Entry{Index: e.Index, Term: e.Term, ClientID: e.ClientID, Query: e.Query}
	}
	return out
}

// Start launches the Constituent's election timer (when the agency
// has more than one member), the replication loop, and the compactor.
func (a *Agent) Start() {
	if a.snapshotConfig().Size() > 1 {
		a.cst.Start()
	} else {
		// Single-node agencies never need an election: become leader
		// immediately (TriggerElection wins trivially with no peers)
		// so the term marker is written and waitFor has something to
		// commit through right away.
		a.cst.TriggerElection()
	}
	a.wg.Add(1)
	go a.runReplicationLoop()
	a.compactor.start()
}

// Shutdown is cooperative: it sets the shutdown flag, wakes both
// condition variables, stops subordinate tasks and waits for the
// Constituent to stop.
func (a *Agent) Shutdown() {
	if !atomic.CompareAndSwapInt32(&a.shuttingDown, 0, 1) {
		return
	}
	close(a.stopCh)
	a.ioLock.Lock()
	a.waitForCV.Broadcast()
	a.appendCV.Broadcast()
	a.ioLock.Unlock()

	// Best-effort final compaction so a restart doesn't have to replay
	// an oversized log; a timeout keeps shutdown bounded if it's stuck.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	if _, err := a.compactor.wakeAndWait(ctx); err != nil {
		a.logger.Debugw("final compaction on shutdown skipped", "error", err)
	}
	cancel()

	a.compactor.stop()
	a.cst.Shutdown()
	a.wg.Wait()
}

func (a *Agent) isShuttingDown() bool { return atomic.LoadInt32(&a.shuttingDown) != 0 }

// --- constituent.Callbacks ---

// OnBecomeLeaderPreparing rebuilds the spearhead from readDB, writes
// the leader's term-marker no-op entry (the "lead()" hook), then
// clears preparing so client requests may proceed.
func (a *Agent) OnBecomeLeaderPreparing(term uint64) {
	a.ioLock.Lock()
	a.preparing = true
	a.spearhead = a.readDB.Clone()
	a.leaderSince = time.Now()
	a.trackers = map[string]*followerTracker{}
	now := time.Now()
	for _, p := range a.snapshotConfig().Active {
		a.trackers[p] = &followerTracker{lastAcked: now}
	}
	a.ioLock.Unlock()

	indices, err := a.ls.Append([]logstore.Entry{{Query: store.Query{}}}, term)
	if err != nil {
		a.logger.Errorw("failed to write term marker", "error", err)
	}

	a.ioLock.Lock()
	a.preparing = false
	a.ioLock.Unlock()

	a.cst.FinishPreparing(term)

	if len(indices) > 0 {
		a.reportIn(a.id, indices[0])
	}
	a.appendCV.Broadcast()
	a.logger.Infow("leader prepared", logFields(a.id, a.cst.Role(), term)...)
}

// OnStepDown reverts replication state; in-flight waitFor callers are
// woken with UNKNOWN.
func (a *Agent) OnStepDown(term uint64, newLeader string) {
	a.ioLock.Lock()
	a.preparing = false
	a.waitForCV.Broadcast()
	a.ioLock.Unlock()
}

// OnTimeoutMultAdjustment adopts a timeoutMult observed on an incoming
// vote RPC into this node's local config; nothing is replicated.
func (a *Agent) OnTimeoutMultAdjustment(timeoutMult float64) {
	a.cfgMu.Lock()
	a.cfg.TimeoutMult = timeoutMult
	a.cfgMu.Unlock()
}

// --- client-facing operations ---

// waitForPreparing blocks (respecting ctx) until preparing is false,
// unless discardStartup is set.
func (a *Agent) waitForPreparing(ctx context.Context, discardStartup bool) error {
	if discardStartup {
		return nil
	}
	a.ioLock.Lock()
	defer a.ioLock.Unlock()
	for a.preparing && !a.isShuttingDown() {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				a.ioLock.Lock()
				a.waitForCV.Broadcast()
				a.ioLock.Unlock()
			case <-done:
			}
		}()
		a.waitForCV.Wait()
		close(done)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if a.isShuttingDown() {
		return ErrShuttingDown
	}
	return nil
}

func (a *Agent) leaderGate() error {
	if !a.cst.Role().IsLeader() {
		leader := a.cst.Leader()
		return &NotLeaderError{LeaderID: leader}
	}
	return nil
}

// Write is §4.2's write(commands, discardStartup): applies each
// transaction to the spearhead and appends it to the log, chunked by
// maxAppendSize, serialized by ioLock so index assignment matches
// spearhead application order.
func (a *Agent) Write(ctx context.Context, txs []store.Transaction, clientIDs []string, discardStartup bool) ([]bool, []uint64, error) {
	if err := a.leaderGate(); err != nil {
		return nil, nil, err
	}
	if err := a.waitForPreparing(ctx, discardStartup); err != nil {
		return nil, nil, err
	}
	if len(txs) != len(clientIDs) {
		return nil, nil, ErrMalformedRequest
	}

	a.trxsLock.Lock()
	for _, id := range clientIDs {
		if id != "" {
			a.ongoingTrxs[id] = struct{}{}
		}
	}
	a.trxsLock.Unlock()
	defer func() {
		a.trxsLock.Lock()
		for _, id := range clientIDs {
			delete(a.ongoingTrxs, id)
		}
		a.trxsLock.Unlock()
	}()

	applied := make([]bool, len(txs))
	indices := make([]uint64, len(txs))

	maxAppend := a.snapshotConfig().MaxAppendSize
	if maxAppend <= 0 {
		maxAppend = len(txs)
		if maxAppend == 0 {
			maxAppend = 1
		}
	}

	var maxIndex uint64
	for start := 0; start < len(txs); start += maxAppend {
		end := start + maxAppend
		if end > len(txs) {
			end = len(txs)
		}

		a.ioLock.Lock()
		if a.cst.ChallengeLeadership() {
			a.ioLock.Unlock()
			return nil, nil, &NotLeaderError{LeaderID: a.cst.Leader()}
		}
		term := a.cst.CurrentTerm()
		entries := make([]logstore.Entry, end-start)
		for i := start; i < end; i++ {
			result := a.spearhead.ApplyTransaction(txs[i])
			applied[i] = result.Successful
			entries[i-start] = logstore.Entry{ClientID: clientIDs[i], Query: store.Query{Write: &txs[i]}}
		}
		assigned, err := a.ls.Append(entries, term)
		if err != nil {
			a.ioLock.Unlock()
			return applied, indices, ErrLogAppendFailure
		}
		for i, idx := range assigned {
			indices[start+i] = idx
			if idx > maxIndex {
				maxIndex = idx
			}
		}
		a.ioLock.Unlock()
		a.appendCV.Broadcast()
	}

	if maxIndex > 0 {
		a.reportIn(a.id, maxIndex)
	}
	return applied, indices, nil
}

// Transact is §4.2's transact(queries): a batch that may mix reads
// (evaluated against spearhead) and writes (applied + logged as one
// entry each), serialized by the same ioLock ordering as Write.
func (a *Agent) Transact(ctx context.Context, queries []store.Query, clientIDs []string, discardStartup bool) ([]store.TransactionResult, []uint64, error) {
	if err := a.leaderGate(); err != nil {
		return nil, nil, err
	}
	if err := a.waitForPreparing(ctx, discardStartup); err != nil {
		return nil, nil, err
	}
	if len(queries) != len(clientIDs) {
		return nil, nil, ErrMalformedRequest
	}

	results := make([]store.TransactionResult, len(queries))
	indices := make([]uint64, len(queries))
	var maxIndex uint64

	a.ioLock.Lock()
	if a.cst.ChallengeLeadership() {
		a.ioLock.Unlock()
		return nil, nil, &NotLeaderError{LeaderID: a.cst.Leader()}
	}
	term := a.cst.CurrentTerm()
	var entries []logstore.Entry
	var entryPositions []int
	for i, q := range queries {
		if !q.IsWrite() {
			values, found := a.spearhead.Read(q.Paths)
			results[i] = projectionResult(values, found)
			continue
		}
		r := a.spearhead.ApplyTransaction(*q.Write)
		results[i] = r
		entries = append(entries, logstore.Entry{ClientID: clientIDs[i], Query: q})
		entryPositions = append(entryPositions, i)
	}
	var assigned []uint64
	var err error
	if len(entries) > 0 {
		assigned, err = a.ls.Append(entries, term)
	}
	a.ioLock.Unlock()
	if err != nil {
		return results, indices, ErrLogAppendFailure
	}
	for i, idx := range assigned {
		indices[entryPositions[i]] = idx
		if idx > maxIndex {
			maxIndex = idx
		}
	}
	if len(entries) > 0 {
		a.appendCV.Broadcast()
	}
	if maxIndex > 0 {
		a.reportIn(a.id, maxIndex)
	}
	return results, indices, nil
}

func projectionResult(values map[string]interface{}, found map[string]bool) store.TransactionResult {
	var failed []string
	for p, ok := range found {
		if !ok {
			failed = append(failed, p)
		}
	}
	return store.TransactionResult{Successful: len(failed) == 0, FailedKeys: failed, Values: values}
}

// Read is §4.2's read(query): reject-if-not-leader, wait-if-preparing,
// verify leadership under lock, then evaluate against readDB.
func (a *Agent) Read(ctx context.Context, paths []string) (map[string]interface{}, map[string]bool, error) {
	if err := a.leaderGate(); err != nil {
		return nil, nil, err
	}
	if err := a.waitForPreparing(ctx, false); err != nil {
		return nil, nil, err
	}
	a.ioLock.Lock()
	if a.cst.ChallengeLeadership() {
		a.ioLock.Unlock()
		return nil, nil, &NotLeaderError{LeaderID: a.cst.Leader()}
	}
	a.ioLock.Unlock()
	values, found := a.readDB.Read(paths)
	return values, found, nil
}

// Inquire is §4.2's inquire(clientIds): look up each idempotency key
// in the log; keys still in ongoingTrxs are reported "ongoing" rather
// than a definitive index, per (R2).
func (a *Agent) Inquire(clientIDs []string) ([]InquiryStatus, error) {
	hits, err := a.ls.Inquire(clientIDs)
	if err != nil {
		return nil, err
	}
	a.trxsLock.Lock()
	defer a.trxsLock.Unlock()
	out := make([]InquiryStatus, len(clientIDs))
	for i, id := range clientIDs {
		_, ongoing := a.ongoingTrxs[id]
		idx, found := hits[id]
		if ongoing {
			idx, found = 0, false
		}
		out[i] = InquiryStatus{ClientID: id, Index: Index(idx), Ongoing: ongoing, Found: found}
	}
	return out, nil
}

// WaitFor blocks until index is known committed, the deadline elapses,
// or leadership/shutdown makes the outcome unknown. Exposed directly
// per the "waitFor as a client-visible blocking primitive" decision.
func (a *Agent) WaitFor(ctx context.Context, index uint64, timeout time.Duration) CommitResult {
	deadline := time.Now().Add(timeout)
	a.ioLock.Lock()
	defer a.ioLock.Unlock()
	for a.commitIndex < index {
		if a.isShuttingDown() || !a.cst.Role().IsLeader() {
			return CommitUnknown
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return CommitTimeout
		}
		waitDone := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			a.ioLock.Lock()
			a.waitForCV.Broadcast()
			a.ioLock.Unlock()
		})
		go func() {
			select {
			case <-ctx.Done():
				a.ioLock.Lock()
				a.waitForCV.Broadcast()
				a.ioLock.Unlock()
			case <-waitDone:
			}
		}()
		a.waitForCV.Wait()
		close(waitDone)
		timer.Stop()
		if ctx.Err() != nil {
			return CommitUnknown
		}
	}
	return CommitOK
}

// CommitIndex returns the current commit index.
func (a *Agent) CommitIndex() uint64 {
	a.ioLock.Lock()
	defer a.ioLock.Unlock()
	return a.commitIndex
}

// DumpReadDB serializes readDB, paired with the committed (index, term)
// it reflects.
func (a *Agent) DumpReadDB() (image []byte, index uint64, term uint64, err error) {
	a.ioLock.Lock()
	idx := a.commitIndex
	a.ioLock.Unlock()
	entry, ok, err := a.ls.Entry(idx)
	if err != nil {
		return nil, 0, 0, err
	}
	t := entry.Term
	if !ok {
		t = a.cst.CurrentTerm()
	}
	image, err = a.readDB.DumpToBuilder()
	return image, idx, t, err
}

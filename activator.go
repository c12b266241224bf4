package agency

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sumimakito/agency/config"
	"github.com/sumimakito/agency/store"
	"github.com/sumimakito/agency/transport"
)

// activatorStaleAfter is the 180s silence threshold §4.6 names.
const activatorStaleAfter = 180 * time.Second

// activatorTask is the singleton replacement task handle, guarded by
// Agent.activatorLock.
type activatorTask struct {
	replaced    string
	replacement string
}

// Activator is the background task §4.6 describes: it promotes a pool
// member to replace a failed active peer. It holds a non-owning
// back-reference to the Agent per the §9 design note.
type Activator struct {
	a      *Agent
	cursor int
}

func newActivator(a *Agent) *Activator {
	return &Activator{a: a}
}

// nextAgentInLine selects the next pool member not currently active,
// round-robin over the pool's sorted ids. Caller must hold
// a.activatorLock.
func (act *Activator) nextAgentInLine(cfg config.Config) (string, bool) {
	ids := make([]string, 0, len(cfg.Pool))
	for id := range cfg.Pool {
		if !cfg.Contains(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)
	id := ids[act.cursor%len(ids)]
	act.cursor++
	return id, true
}

// promote starts a catch-up task for the replacement of a stale active
// peer, unless one is already in flight.
func (act *Activator) promote(stale string) {
	a := act.a
	a.activatorLock.Lock()
	if a.activatorTask != nil {
		a.activatorLock.Unlock()
		return
	}
	cfg := a.snapshotConfig()
	replacement, ok := act.nextAgentInLine(cfg)
	if !ok {
		a.activatorLock.Unlock()
		return
	}
	task := &activatorTask{replaced: stale, replacement: replacement}
	a.activatorTask = task
	a.activatorLock.Unlock()

	go act.run(task)
}

func (act *Activator) run(task *activatorTask) {
	a := act.a
	defer func() {
		a.activatorLock.Lock()
		a.activatorTask = nil
		a.activatorLock.Unlock()
	}()

	cfg := a.snapshotConfig()
	endpoint, ok := cfg.Endpoint(task.replacement)
	if !ok {
		return
	}

	if err := act.catchUp(task.replacement, endpoint); err != nil {
		a.logger.Warnw("activator: catch-up failed, will retry on next detection pass",
			"replaced", task.replaced, "replacement", task.replacement, "error", err)
		return
	}

	newActive := make([]string, 0, len(cfg.Active))
	for _, p := range cfg.Active {
		if p == task.replaced {
			newActive = append(newActive, task.replacement)
		} else {
			newActive = append(newActive, p)
		}
	}

	a.ioLock.Lock()
	delete(a.trackers, task.replaced)
	a.trackers[task.replacement] = &followerTracker{lastAcked: time.Now()}
	a.ioLock.Unlock()

	configValue := map[string]interface{}{
		"id":                 cfg.ID,
		"pool":               poolToValue(cfg.Pool),
		"active":             activeToValue(newActive),
		"minPing":            cfg.MinPing.Seconds(),
		"maxPing":            cfg.MaxPing.Seconds(),
		"timeoutMult":        cfg.TimeoutMult,
		"waitForSync":        cfg.WaitForSync,
		"maxAppendSize":      cfg.MaxAppendSize,
		"compactionKeepSize": cfg.CompactionKeepSize,
	}
	if _, _, err := a.Write(context.Background(),
		[]store.Transaction{{Mutations: []store.Mutation{{Path: "/.agency/config", Op: store.OpSet, Value: configValue}}}},
		[]string{""}, true); err != nil {
		a.logger.Errorw("activator: failed to replicate new active set", "error", err)
		return
	}

	a.cfgMu.Lock()
	a.cfg.Active = newActive
	a.cfgMu.Unlock()
	if err := a.ls.PersistActiveAgents(newActive, cfg.Pool); err != nil {
		a.logger.Errorw("activator: failed persisting new active set", "error", err)
	}
	a.logger.Infow("activated hot spare", "replaced", task.replaced, "replacement", task.replacement)
}

func poolToValue(pool map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(pool))
	for k, v := range pool {
		out[k] = v
	}
	return out
}

func activeToValue(active []string) []interface{} {
	out := make([]interface{}, len(active))
	for i, v := range active {
		out[i] = v
	}
	return out
}

// catchUp sends the replacement everything it needs to join: the
// current configuration (via Inform) and the last snapshot plus log
// tail (via a direct AppendEntries), per §4.6 step (i).
func (act *Activator) catchUp(id, endpoint string) error {
	a := act.a
	cfg := a.snapshotConfig()

	ctx, cancel := transport.WithTimeout(context.Background(), cfg.MaxPing*10)
	defer cancel()

	inform := transport.InformRequest{
		ID: cfg.ID, Pool: cfg.Pool, Active: cfg.Active,
		MinPing: cfg.MinPing.Seconds(), MaxPing: cfg.MaxPing.Seconds(),
		TimeoutMult: cfg.TimeoutMult, WaitForSync: cfg.WaitForSync,
		MaxAppendSize: cfg.MaxAppendSize, CompactionKeepSize: cfg.CompactionKeepSize,
	}
	if err := a.trans.SendInform(ctx, transport.Peer{ID: id, Endpoint: endpoint}, inform); err != nil {
		return err
	}

	req := transport.AppendEntriesRequest{
		Term: a.cst.CurrentTerm(), LeaderID: a.id,
		LeaderCommit: a.CommitIndex(), SenderTimestamp: time.Now().UnixMilli(),
	}

	from := a.ls.FirstIndex()
	if snap, ok, err := a.ls.LoadLastCompactedSnapshot(); err == nil && ok {
		req.Snapshot = &transport.SnapshotPayload{ReadDB: snap.StoreImage, Term: snap.Term, Index: snap.Index}
		req.PrevLogIndex = snap.Index
		req.PrevLogTerm = snap.Term
		from = snap.Index + 1
	}
	if last := a.ls.LastIndex(); last >= from {
		entries, err := a.ls.Get(from, last)
		if err != nil {
			return err
		}
		for _, e := range entries {
			req.Entries = append(req.Entries, transport.LogEntryPayload{
				Index: e.Index, Term: e.Term, Query: e.Query, ClientID: e.ClientID,
			})
		}
	}

	resp, err := a.trans.SendAppendEntries(ctx, transport.Peer{ID: id, Endpoint: endpoint}, req)
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New("activator: catch-up append was rejected")
	}
	return nil
}

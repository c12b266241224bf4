package agency

import (
	"context"
	"sync"
	"time"

	"github.com/sumimakito/agency/store"
)

// compactorIdlePoll is the low-priority periodic wake interval: even
// without an explicit wake() from reportIn, the compactor checks
// whether it has fallen behind.
const compactorIdlePoll = 5 * time.Second

// Compactor is the background task §4.5 describes: it snapshots
// readDB and truncates the log once commitIndex has advanced enough
// past compactionKeepSize. It holds a non-owning back-reference to
// the Agent per the §9 design note.
type Compactor struct {
	a      *Agent
	wakeCh chan *FutureTask[bool]
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newCompactor(a *Agent) *Compactor {
	return &Compactor{a: a, wakeCh: make(chan *FutureTask[bool], 4), stopCh: make(chan struct{})}
}

func (c *Compactor) start() {
	c.wg.Add(1)
	go c.run()
}

func (c *Compactor) stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.wg.Wait()
}

// wake requests a compaction pass; non-blocking, coalesces bursts.
func (c *Compactor) wake() {
	select {
	case c.wakeCh <- nil:
	default:
	}
}

// wakeAndWait requests an immediate compaction pass and blocks until
// that pass finishes, reporting whether it actually compacted the log.
// Used by Agent.Shutdown for a final compaction and by tests, which
// need to observe the outcome rather than just nudge the background
// loop.
func (c *Compactor) wakeAndWait(ctx context.Context) (bool, error) {
	ft := NewFutureTask[bool](c)
	select {
	case c.wakeCh <- ft:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.stopCh:
		return false, context.Canceled
	}
	resCh := make(chan struct{})
	var compacted bool
	var err error
	go func() {
		compacted, err = ft.Result()
		close(resCh)
	}()
	select {
	case <-resCh:
		return compacted, err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Compactor) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(compactorIdlePoll)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case ft := <-c.wakeCh:
			compacted, err := c.maybeCompact()
			if ft != nil {
				ft.SetResult(compacted, err)
			}
		case <-ticker.C:
			c.maybeCompact()
		}
	}
}

// maybeCompact reads commitIndex once through CommitIndex (it may be
// slightly stale by the time it is used, per §4.5) and, if it exceeds
// compactionKeepSize, holds compactionLock while it compacts
// up to commitIndex-compactionKeepSize: a scratch store is replayed
// from the last snapshot plus the log up to that index so the
// resulting image is exact at that index, not at the (possibly later)
// current commitIndex.
func (c *Compactor) maybeCompact() (bool, error) {
	a := c.a
	commitIndex := a.CommitIndex()
	cfg := a.snapshotConfig()
	if cfg.CompactionKeepSize == 0 || commitIndex <= cfg.CompactionKeepSize {
		return false, nil
	}
	upto := commitIndex - cfg.CompactionKeepSize
	if upto <= a.ls.FirstIndex() {
		return false, nil
	}
	a.compactionLock.Lock()
	defer a.compactionLock.Unlock()

	scratch := store.New()
	from := uint64(1)
	if snap, ok, err := a.ls.LoadLastCompactedSnapshot(); err == nil && ok {
		if err := scratch.RestoreFromBuilder(snap.StoreImage); err != nil {
			a.logger.Errorw("compactor: failed to restore prior snapshot", "error", err)
			return false, err
		}
		from = snap.Index + 1
		if from > upto {
			return false, nil
		}
	}

	entry, ok, err := a.ls.Entry(upto)
	if err != nil || !ok {
		a.logger.Debugw("compactor: target entry not available", "upto", upto, "error", err)
		return false, err
	}

	entries, err := a.ls.Get(from, upto)
	if err != nil {
		a.logger.Errorw("compactor: failed reading range", "error", err)
		return false, err
	}
	scratch.ApplyLogEntries(toStoreEntries(entries), false)

	image, err := scratch.DumpToBuilder()
	if err != nil {
		a.logger.Errorw("compactor: failed to serialize snapshot", "error", err)
		return false, err
	}
	if err := a.ls.Compact(upto, entry.Term, image); err != nil {
		a.logger.Errorw("compactor: compact failed", "error", err)
		return false, err
	}
	a.logger.Infow("compacted log", "upto", upto)
	return true, nil
}

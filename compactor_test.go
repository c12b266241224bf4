package agency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sumimakito/agency/store"
	"github.com/sumimakito/agency/transport"
)

func TestCompactorSnapshotIsExactAtTargetIndex(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	a := newTestAgent(t, "a", []string{"a"}, net)
	a.cfgMu.Lock()
	a.cfg.CompactionKeepSize = 3
	a.cfgMu.Unlock()
	a.Start()

	// Write a non-idempotent increment several times so a naive
	// "dump the live readDB and label it with an old index" compaction
	// would double-count once a follower replays the log on top of it.
	var lastIndex uint64
	for i := 0; i < 10; i++ {
		_, indices, err := a.Write(context.Background(),
			[]store.Transaction{{Mutations: []store.Mutation{{Path: "/counter", Op: store.OpIncrement, Value: float64(1)}}}},
			[]string{""}, false)
		require.NoError(t, err)
		lastIndex = indices[0]
		require.Equal(t, CommitOK, a.WaitFor(context.Background(), lastIndex, time.Second))
	}

	a.compactor.maybeCompact()

	snap, ok, err := a.ls.LoadLastCompactedSnapshot()
	require.NoError(t, err)
	require.True(t, ok)

	// Replay the snapshot plus whatever log remains after it and
	// confirm the counter still lands on the value it actually had at
	// snap.Index, not double-applied.
	replay := store.New()
	require.NoError(t, replay.RestoreFromBuilder(snap.StoreImage))
	entries, err := a.ls.Get(snap.Index+1, lastIndex)
	require.NoError(t, err)
	replay.ApplyLogEntries(toStoreEntries(entries), false)

	values, found, err := a.Read(context.Background(), []string{"/counter"})
	require.NoError(t, err)
	require.True(t, found["/counter"])

	replayValues, replayFound := replay.Read([]string{"/counter"})
	require.True(t, replayFound["/counter"])
	require.Equal(t, values["/counter"], replayValues["/counter"])
}

func TestCompactorWakeAndWaitReportsOutcome(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	a := newTestAgent(t, "a", []string{"a"}, net)
	a.cfgMu.Lock()
	a.cfg.CompactionKeepSize = 1
	a.cfgMu.Unlock()
	a.Start()

	for i := 0; i < 5; i++ {
		_, indices, err := a.Write(context.Background(), []store.Transaction{setTx("/x", float64(i))}, []string{""}, false)
		require.NoError(t, err)
		require.Equal(t, CommitOK, a.WaitFor(context.Background(), indices[0], time.Second))
	}

	compacted, err := a.compactor.wakeAndWait(context.Background())
	require.NoError(t, err)
	require.True(t, compacted)

	compacted, err = a.compactor.wakeAndWait(context.Background())
	require.NoError(t, err)
	require.False(t, compacted)
}

func TestCompactorSkipsBelowKeepSize(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	a := newTestAgent(t, "a", []string{"a"}, net)
	a.cfgMu.Lock()
	a.cfg.CompactionKeepSize = 1000
	a.cfgMu.Unlock()
	a.Start()

	_, indices, err := a.Write(context.Background(), []store.Transaction{setTx("/x", float64(1))}, []string{""}, false)
	require.NoError(t, err)
	require.Equal(t, CommitOK, a.WaitFor(context.Background(), indices[0], time.Second))

	a.compactor.maybeCompact()

	_, ok, err := a.ls.LoadLastCompactedSnapshot()
	require.NoError(t, err)
	require.False(t, ok)
}

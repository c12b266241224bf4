package agency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sumimakito/agency/store"
	"github.com/sumimakito/agency/transport"
)

// TestHandleAppendEntriesRejectsLogMismatch exercises §4.3's log
// matching check: a follower must refuse entries whose prevLogIndex
// exists locally under a different term, even though the leader/term
// check alone would have accepted the request.
func TestHandleAppendEntriesRejectsLogMismatch(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	a := newTestAgent(t, "a", []string{"a"}, net)
	a.Start()

	_, indices, err := a.Write(context.Background(), []store.Transaction{setTx("/x", float64(1))}, []string{""}, false)
	require.NoError(t, err)
	require.Equal(t, CommitOK, a.WaitFor(context.Background(), indices[0], time.Second))
	localEntry, ok, err := a.ls.Entry(indices[0])
	require.NoError(t, err)
	require.True(t, ok)

	resp := a.HandleAppendEntries(transport.AppendEntriesRequest{
		Term:         a.cst.CurrentTerm(),
		LeaderID:     "a",
		PrevLogIndex: indices[0],
		PrevLogTerm:  localEntry.Term + 1, // claims a term our local entry disagrees with
		LeaderCommit: 0,
		Entries: []transport.LogEntryPayload{
			{Index: indices[0] + 1, Term: a.cst.CurrentTerm(), Query: store.Query{}},
		},
	})
	require.False(t, resp.OK)
}

// TestHandleAppendEntriesRejectsUnknownPrevIndex covers the case where
// prevLogIndex is past the local log and there is no snapshot boundary
// to match it against either.
func TestHandleAppendEntriesRejectsUnknownPrevIndex(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	a := newTestAgent(t, "a", []string{"a", "b"}, net)

	resp := a.HandleAppendEntries(transport.AppendEntriesRequest{
		Term:         1,
		LeaderID:     "a",
		PrevLogIndex: 50,
		PrevLogTerm:  1,
		LeaderCommit: 0,
		Entries: []transport.LogEntryPayload{
			{Index: 51, Term: 1, Query: store.Query{}},
		},
	})
	require.False(t, resp.OK)
}

// TestHandleAppendEntriesAcceptsSnapshotBoundary covers the case where
// prevLogIndex matches a locally compacted snapshot's (index, term):
// whether or not the log store still retains that exact entry, the
// follower must accept rather than reject the append.
func TestHandleAppendEntriesAcceptsSnapshotBoundary(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	a := newTestAgent(t, "a", []string{"a"}, net)
	a.Start()

	_, indices, err := a.Write(context.Background(), []store.Transaction{setTx("/x", float64(1))}, []string{""}, false)
	require.NoError(t, err)
	require.Equal(t, CommitOK, a.WaitFor(context.Background(), indices[0], time.Second))
	snapTerm := a.cst.CurrentTerm()

	image, err := a.readDB.DumpToBuilder()
	require.NoError(t, err)
	require.NoError(t, a.ls.Compact(indices[0], snapTerm, image))

	snap, ok, err := a.ls.LoadLastCompactedSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, indices[0], snap.Index)

	resp := a.HandleAppendEntries(transport.AppendEntriesRequest{
		Term:         a.cst.CurrentTerm(),
		LeaderID:     "a",
		PrevLogIndex: snap.Index,
		PrevLogTerm:  snap.Term,
		LeaderCommit: snap.Index,
		Entries: []transport.LogEntryPayload{
			{Index: snap.Index + 1, Term: a.cst.CurrentTerm(), Query: store.Query{Write: &store.Transaction{
				Mutations: []store.Mutation{{Path: "/y", Op: store.OpSet, Value: float64(2)}},
			}}},
		},
	})
	require.True(t, resp.OK)
}

// TestSendAppendEntriesCatchesUpFreshlyResetTrackerPastCompaction
// reproduces the bug where a follower tracker reset to its zero value
// (confirmed=0, as OnBecomeLeaderPreparing does on every leadership
// change) could never be caught up once the log had been compacted
// past index 0: the behind-compaction branch was gated on a non-empty
// a.ls.Get(0, 100) window, which a compacted log never has.
func TestSendAppendEntriesCatchesUpFreshlyResetTrackerPastCompaction(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	ids := []string{"a", "b"}
	a := newTestAgent(t, "a", ids, net)
	b := newTestAgent(t, "b", ids, net)

	a.cst.TriggerElection()
	a.Start()
	b.Start()

	var lastIndex uint64
	for i := 0; i < 5; i++ {
		_, indices, err := a.Write(context.Background(), []store.Transaction{setTx("/z", float64(i))}, []string{""}, false)
		require.NoError(t, err)
		lastIndex = indices[0]
	}
	require.Eventually(t, func() bool {
		return a.WaitFor(context.Background(), lastIndex, 50*time.Millisecond) == CommitOK
	}, 2*time.Second, 10*time.Millisecond)

	snapTerm := a.cst.CurrentTerm()
	image, err := a.readDB.DumpToBuilder()
	require.NoError(t, err)
	require.NoError(t, a.ls.Compact(lastIndex, snapTerm, image))

	// Simulate the tracker reset OnBecomeLeaderPreparing performs on
	// every leadership change, without actually forcing a re-election.
	a.ioLock.Lock()
	a.trackers["b"] = &followerTracker{}
	a.ioLock.Unlock()

	require.Eventually(t, func() bool {
		values, found := b.readDB.Read([]string{"/z"})
		return found["/z"] && values["/z"] == float64(4)
	}, 2*time.Second, 10*time.Millisecond, "follower never caught up via snapshot after its tracker was reset past a compacted log")
}

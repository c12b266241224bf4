package constituent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sumimakito/agency/config"
	"github.com/sumimakito/agency/logstore"
	"github.com/sumimakito/agency/transport"
)

type noopCallbacks struct {
	becameLeader chan uint64
	steppedDown  chan uint64
}

func newNoopCallbacks() *noopCallbacks {
	return &noopCallbacks{becameLeader: make(chan uint64, 8), steppedDown: make(chan uint64, 8)}
}

func (c *noopCallbacks) OnBecomeLeaderPreparing(term uint64)   { c.becameLeader <- term }
func (c *noopCallbacks) OnStepDown(term uint64, leader string) { c.steppedDown <- term }
func (c *noopCallbacks) OnTimeoutMultAdjustment(float64)       {}

func testConfig(ids []string) config.Config {
	pool := map[string]string{}
	for _, id := range ids {
		pool[id] = id
	}
	return config.Config{
		Pool:        pool,
		Active:      ids,
		MinPing:     20 * time.Millisecond,
		MaxPing:     40 * time.Millisecond,
		TimeoutMult: 1,
	}
}

// newWiredConstituent builds a Constituent for id and registers it on
// net so peers can reach its RequestVote handler.
func newWiredConstituent(t *testing.T, id string, ids []string, net *transport.MemoryNetwork, cb Callbacks) *Constituent {
	t.Helper()
	ls, err := logstore.NewBoltStore(filepath.Join(t.TempDir(), id+".db"), 1000)
	require.NoError(t, err)
	t.Cleanup(func() { ls.Close() })

	trans := transport.NewMemoryTransport(id, net)
	cfg := testConfig(ids)
	c, err := New(id, ls, func() config.Config { return cfg }, trans, cb, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	net.Register(id, transport.Handlers{
		RequestVote: func(ctx context.Context, from string, req transport.RequestVoteRequest) (transport.RequestVoteResponse, error) {
			return c.HandleRequestVote(req), nil
		},
	})
	return c
}

func TestStartElectionWinsWithMajority(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	ids := []string{"a", "b", "c"}

	cbA := newNoopCallbacks()
	a := newWiredConstituent(t, "a", ids, net, cbA)
	newWiredConstituent(t, "b", ids, net, newNoopCallbacks())
	newWiredConstituent(t, "c", ids, net, newNoopCallbacks())

	a.startElection()

	select {
	case term := <-cbA.becameLeader:
		require.EqualValues(t, 1, term)
	case <-time.After(time.Second):
		t.Fatal("expected a to become leader")
	}
	require.Equal(t, RoleLeaderPreparing, a.Role())
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	a := newWiredConstituent(t, "a", []string{"a", "b"}, net, newNoopCallbacks())
	a.mu.Lock()
	a.currentTerm = 5
	a.mu.Unlock()

	resp := a.HandleRequestVote(transport.RequestVoteRequest{Term: 1, CandidateID: "b"})
	require.False(t, resp.VoteGranted)
	require.EqualValues(t, 5, resp.Term)
}

func TestChallengeLeadershipTriggersAfterSilence(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	a := newWiredConstituent(t, "a", []string{"a", "b"}, net, newNoopCallbacks())
	a.mu.Lock()
	a.lastQuorumAckAt = time.Now().Add(-time.Hour)
	a.mu.Unlock()
	require.True(t, a.ChallengeLeadership())
}

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryTransportDeliversToRegisteredPeer(t *testing.T) {
	net := NewMemoryNetwork(1)
	net.Register("b", Handlers{
		RequestVote: func(ctx context.Context, from string, req RequestVoteRequest) (RequestVoteResponse, error) {
			return RequestVoteResponse{Term: req.Term, VoteGranted: true}, nil
		},
	})
	a := NewMemoryTransport("a", net)
	resp, err := a.SendRequestVote(context.Background(), Peer{ID: "b"}, RequestVoteRequest{Term: 3})
	require.NoError(t, err)
	require.True(t, resp.VoteGranted)
	require.EqualValues(t, 3, resp.Term)
}

func TestMemoryTransportPartitionDropsTraffic(t *testing.T) {
	net := NewMemoryNetwork(1)
	called := false
	net.Register("b", Handlers{
		RequestVote: func(ctx context.Context, from string, req RequestVoteRequest) (RequestVoteResponse, error) {
			called = true
			return RequestVoteResponse{}, nil
		},
	})
	net.Partition("a", "b")
	a := NewMemoryTransport("a", net)
	_, err := a.SendRequestVote(context.Background(), Peer{ID: "b"}, RequestVoteRequest{})
	require.Error(t, err)
	require.False(t, called)
}

func TestMemoryTransportHealRestoresTraffic(t *testing.T) {
	net := NewMemoryNetwork(1)
	net.Register("b", Handlers{
		AppendEntries: func(ctx context.Context, from string, req AppendEntriesRequest) (AppendEntriesResponse, error) {
			return AppendEntriesResponse{OK: true}, nil
		},
	})
	net.Partition("a", "b")
	net.Heal("a", "b")
	a := NewMemoryTransport("a", net)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := a.SendAppendEntries(ctx, Peer{ID: "b"}, AppendEntriesRequest{})
	require.NoError(t, err)
	require.True(t, resp.OK)
}

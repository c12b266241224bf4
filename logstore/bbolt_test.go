package logstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sumimakito/agency/store"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "log.db")
	s, err := NewBoltStore(path, 50)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAssignsContiguousIndices(t *testing.T) {
	s := openTestStore(t)
	indices, err := s.Append([]Entry{
		{ClientID: "a", Query: store.Query{Paths: []string{"/x"}}},
		{ClientID: "b", Query: store.Query{Paths: []string{"/y"}}},
	}, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, indices)
	require.EqualValues(t, 2, s.LastIndex())
}

func TestLogFollowerOverwritesConflicts(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Append([]Entry{{}, {}, {}}, 1)
	require.NoError(t, err)
	require.EqualValues(t, 3, s.LastIndex())

	last, err := s.LogFollower([]Entry{{Index: 2, Term: 2}, {Index: 3, Term: 2}})
	require.NoError(t, err)
	require.EqualValues(t, 3, last)

	e, ok, err := s.Entry(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, e.Term)
}

func TestLogFollowerStopsAtGap(t *testing.T) {
	s := openTestStore(t)
	last, err := s.LogFollower([]Entry{{Index: 5, Term: 1}})
	require.NoError(t, err)
	require.EqualValues(t, 0, last)
}

func TestInquireFindsClientID(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Append([]Entry{{ClientID: "abc"}}, 1)
	require.NoError(t, err)

	found, err := s.Inquire([]string{"abc", "missing"})
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"abc": 1}, found)
}

func TestCompactTruncatesAndStoresSnapshot(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Append([]Entry{{}, {}, {}, {}, {}}, 1)
	require.NoError(t, err)

	require.NoError(t, s.Compact(3, 1, []byte("image")))
	require.EqualValues(t, 3, s.FirstIndex())

	snap, ok, err := s.LoadLastCompactedSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, snap.Index)
	require.Equal(t, []byte("image"), snap.StoreImage)
}

func TestPersistAndLoadTermVote(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PersistTermVote(7, "node-b"))
	term, votedFor, err := s.LoadTermVote()
	require.NoError(t, err)
	require.EqualValues(t, 7, term)
	require.Equal(t, "node-b", votedFor)
}

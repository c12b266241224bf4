package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyTransactionSetAndRead(t *testing.T) {
	s := New()
	res := s.ApplyTransaction(Transaction{Mutations: []Mutation{{Path: "/x", Op: OpSet, Value: float64(1)}}})
	require.True(t, res.Successful)

	values, found := s.Read([]string{"/x"})
	require.True(t, found["/x"])
	require.Equal(t, float64(1), values["/x"])
}

func TestPreconditionBlocksMutation(t *testing.T) {
	s := New()
	s.ApplyTransaction(Transaction{Mutations: []Mutation{{Path: "/x", Op: OpSet, Value: float64(1)}}})

	res := s.ApplyTransaction(Transaction{
		Preconditions: []Precondition{{Path: "/x", Kind: PreEquals, Value: float64(2)}},
		Mutations:     []Mutation{{Path: "/x", Op: OpSet, Value: float64(3)}},
	})
	require.False(t, res.Successful)
	require.Equal(t, []string{"/x"}, res.FailedKeys)

	values, _ := s.Read([]string{"/x"})
	require.Equal(t, float64(1), values["/x"])
}

func TestApplyLogEntriesSkipsReads(t *testing.T) {
	s := New()
	s.ApplyLogEntries([]Entry{
		{Index: 1, Query: Query{Paths: []string{"/x"}}},
		{Index: 2, Query: Query{Write: &Transaction{Mutations: []Mutation{{Path: "/y", Op: OpSet, Value: "hi"}}}}},
	}, false)

	values, found := s.Read([]string{"/y"})
	require.True(t, found["/y"])
	require.Equal(t, "hi", values["/y"])
}

func TestDumpAndRestoreRoundTrip(t *testing.T) {
	s := New()
	s.ApplyTransaction(Transaction{Mutations: []Mutation{
		{Path: "/a/b", Op: OpSet, Value: float64(42)},
		{Path: "/a/c", Op: OpSet, Value: "hello"},
	}})

	blob, err := s.DumpToBuilder()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.RestoreFromBuilder(blob))

	values, found := restored.Read([]string{"/a/b", "/a/c"})
	require.True(t, found["/a/b"])
	require.True(t, found["/a/c"])
	require.Equal(t, float64(42), values["/a/b"])
	require.Equal(t, "hello", values["/a/c"])
}

func TestIncrementAndDelete(t *testing.T) {
	s := New()
	s.ApplyTransaction(Transaction{Mutations: []Mutation{{Path: "/counter", Op: OpIncrement}}})
	s.ApplyTransaction(Transaction{Mutations: []Mutation{{Path: "/counter", Op: OpIncrement}}})
	values, _ := s.Read([]string{"/counter"})
	require.Equal(t, float64(2), values["/counter"])

	s.ApplyTransaction(Transaction{Mutations: []Mutation{{Path: "/counter", Op: OpDelete}}})
	_, found := s.Read([]string{"/counter"})
	require.False(t, found["/counter"])
}

func TestCloneIsIndependent(t *testing.T) {
	s := New()
	s.ApplyTransaction(Transaction{Mutations: []Mutation{{Path: "/x", Op: OpSet, Value: float64(1)}}})
	clone := s.Clone()
	s.ApplyTransaction(Transaction{Mutations: []Mutation{{Path: "/x", Op: OpSet, Value: float64(2)}}})

	values, _ := clone.Read([]string{"/x"})
	require.Equal(t, float64(1), values["/x"])
}

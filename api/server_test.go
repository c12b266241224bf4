package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sumimakito/agency"
	"github.com/sumimakito/agency/config"
	"github.com/sumimakito/agency/logstore"
	"github.com/sumimakito/agency/store"
	"github.com/sumimakito/agency/transport"
)

func setTx(path string, value interface{}) store.Transaction {
	return store.Transaction{Mutations: []store.Mutation{{Path: path, Op: store.OpSet, Value: value}}}
}

func newTestServer(t *testing.T) (*Server, *agency.Agent) {
	t.Helper()
	ls, err := logstore.NewBoltStore(filepath.Join(t.TempDir(), "a.db"), 1000)
	require.NoError(t, err)
	t.Cleanup(func() { ls.Close() })

	trans := transport.NewHTTPTransport()
	cfg := config.Config{
		ID: "a", Pool: map[string]string{"a": "a"}, Active: []string{"a"},
		MinPing: 15 * time.Millisecond, MaxPing: 40 * time.Millisecond,
		TimeoutMult: 1, MaxAppendSize: 250, CompactionKeepSize: 1000,
	}
	a, err := agency.NewAgent("a", ls, trans, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)
	a.Start()

	return NewServer(a, zaptest.NewLogger(t).Sugar()), a
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleWriteThenRead(t *testing.T) {
	s, a := newTestServer(t)

	rec := postJSON(t, s, "/_api/agency/write", writeRequest{
		Transactions: []store.Transaction{setTx("/x", float64(1))},
		ClientIDs:    []string{"c1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var wr writeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wr))
	require.True(t, wr.Applied[0])

	require.Equal(t, agency.CommitOK, a.WaitFor(context.Background(), wr.Indices[0], time.Second))

	rec = postJSON(t, s, "/_api/agency/read", readRequest{Paths: []string{"/x"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var rr readResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rr))
	require.True(t, rr.Found["/x"])
	require.EqualValues(t, 1, rr.Values["/x"])
}

func TestHandleWriteOnNonLeaderWithUnknownLeaderReturns503(t *testing.T) {
	ls, err := logstore.NewBoltStore(filepath.Join(t.TempDir(), "b.db"), 1000)
	require.NoError(t, err)
	t.Cleanup(func() { ls.Close() })
	trans := transport.NewHTTPTransport()
	cfg := config.Config{
		ID: "b", Pool: map[string]string{"b": "http://b", "c": "http://c"}, Active: []string{"b", "c"},
		MinPing: 15 * time.Millisecond, MaxPing: 40 * time.Millisecond,
		TimeoutMult: 1, MaxAppendSize: 250, CompactionKeepSize: 1000,
	}
	a, err := agency.NewAgent("b", ls, trans, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)
	// Never started: b never becomes leader and knows of no leader to
	// redirect to, so write must answer 503.
	s := NewServer(a, zaptest.NewLogger(t).Sugar())

	rec := postJSON(t, s, "/_api/agency/write", writeRequest{
		Transactions: []store.Transaction{setTx("/x", "v")},
		ClientIDs:    []string{"c1"},
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleInquire(t *testing.T) {
	s, a := newTestServer(t)
	rec := postJSON(t, s, "/_api/agency/write", writeRequest{
		Transactions: []store.Transaction{setTx("/k", float64(1))},
		ClientIDs:    []string{"X"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var wr writeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wr))
	require.Equal(t, agency.CommitOK, a.WaitFor(context.Background(), wr.Indices[0], time.Second))

	rec = postJSON(t, s, "/_api/agency/inquire", inquireRequest{ClientIDs: []string{"X"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var ir inquireResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ir))
	require.True(t, ir.Statuses[0].Found)
	require.EqualValues(t, wr.Indices[0], ir.Statuses[0].Index)
}

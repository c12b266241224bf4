// Package api exposes an Agent over HTTP: the peer-private RPC surface
// PeerTransport dials (/_api/agency_priv/*) and the client-facing
// surface (/_api/agency/{read|write|transact|transient|inquire}). It is
// built on stdlib net/http rather than a router framework: the wire
// protocol here is a handful of fixed JSON POST endpoints with no need
// for path parameters or middleware chains (see DESIGN.md).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sumimakito/agency"
	"github.com/sumimakito/agency/store"
	"github.com/sumimakito/agency/transport"
)

// Server wraps an *agency.Agent with its HTTP surface.
type Server struct {
	a      *agency.Agent
	logger *zap.SugaredLogger
	mux    *http.ServeMux
}

// NewServer builds the handler tree. Callers pass the result to
// http.Server.Handler (or ListenAndServe directly via Serve).
func NewServer(a *agency.Agent, logger *zap.SugaredLogger) *Server {
	s := &Server{a: a, logger: logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("/_api/agency_priv/appendEntries", s.handleAppendEntries)
	s.mux.HandleFunc("/_api/agency_priv/requestVote", s.handleRequestVote)
	s.mux.HandleFunc("/_api/agency_priv/inform", s.handleInform)

	s.mux.HandleFunc("/_api/agency/write", s.handleWrite)
	s.mux.HandleFunc("/_api/agency/read", s.handleRead)
	s.mux.HandleFunc("/_api/agency/transact", s.handleTransact)
	s.mux.HandleFunc("/_api/agency/transient", s.handleTransient)
	s.mux.HandleFunc("/_api/agency/inquire", s.handleInquire)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Serve is a thin convenience wrapper around http.ListenAndServe.
func (s *Server) Serve(addr string) error {
	return http.ListenAndServe(addr, s)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// --- peer-private handlers: decode the wire protocol HTTPTransport's
// client side produces (query-string scalars + a positional JSON
// array body), and delegate straight to the Agent. ---

func (s *Server) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	req := transport.AppendEntriesRequest{
		Term:            parseUint(q.Get("term")),
		LeaderID:        q.Get("leaderId"),
		PrevLogIndex:    parseUint(q.Get("prevLogIndex")),
		PrevLogTerm:     parseUint(q.Get("prevLogTerm")),
		LeaderCommit:    parseUint(q.Get("leaderCommit")),
		SenderTimestamp: parseInt(q.Get("senderTimeStamp")),
	}

	var raw []json.RawMessage
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	for i, elem := range raw {
		if i == 0 {
			var probe struct {
				ReadDB json.RawMessage `json:"readDB"`
			}
			if err := json.Unmarshal(elem, &probe); err == nil && probe.ReadDB != nil {
				var snap transport.SnapshotPayload
				if err := json.Unmarshal(elem, &snap); err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				req.Snapshot = &snap
				continue
			}
		}
		var entry transport.LogEntryPayload
		if err := json.Unmarshal(elem, &entry); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.Entries = append(req.Entries, entry)
	}

	writeJSON(w, http.StatusOK, s.a.HandleAppendEntries(req))
}

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	req := transport.RequestVoteRequest{
		Term:         parseUint(q.Get("term")),
		CandidateID:  q.Get("candidateId"),
		LastLogIndex: parseUint(q.Get("lastLogIndex")),
		LastLogTerm:  parseUint(q.Get("lastLogTerm")),
	}
	if v := q.Get("timeoutMult"); v != "" {
		req.TimeoutMult, _ = strconv.ParseFloat(v, 64)
	}
	writeJSON(w, http.StatusOK, s.a.HandleRequestVote(req))
}

func (s *Server) handleInform(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req transport.InformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.a.HandleInform(req); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

var errMethodNotAllowed = errors.New("method not allowed")

// --- client-facing handlers ---

// redirectToLeader writes a 307 to the leader's client endpoint. If
// the leader is unknown (no current leader), the NotLeaderError is
// reported as 503 instead of a redirect with an empty Location.
func (s *Server) redirectToLeader(w http.ResponseWriter, r *http.Request, nle *agency.NotLeaderError) {
	if nle.LeaderID == "" {
		writeError(w, http.StatusServiceUnavailable, nle)
		return
	}
	endpoint, ok := s.a.Config().Endpoint(nle.LeaderID)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, nle)
		return
	}
	http.Redirect(w, r, endpoint+r.URL.Path, http.StatusTemporaryRedirect)
}

type writeRequest struct {
	Transactions   []store.Transaction `json:"transactions"`
	ClientIDs      []string            `json:"clientIds"`
	DiscardStartup bool                `json:"discardStartup,omitempty"`
}

type writeResponse struct {
	Applied []bool   `json:"applied"`
	Indices []uint64 `json:"indices"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	applied, indices, err := s.a.Write(r.Context(), req.Transactions, req.ClientIDs, req.DiscardStartup)
	if err != nil {
		var nle *agency.NotLeaderError
		if ok := asNotLeader(err, &nle); ok {
			s.redirectToLeader(w, r, nle)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResponse{Applied: applied, Indices: indices})
}

type transactRequest struct {
	Queries        []store.Query `json:"queries"`
	ClientIDs      []string      `json:"clientIds"`
	DiscardStartup bool          `json:"discardStartup,omitempty"`
}

type transactResponse struct {
	Results []store.TransactionResult `json:"results"`
	Indices []uint64                  `json:"indices"`
}

func (s *Server) handleTransact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req transactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results, indices, err := s.a.Transact(r.Context(), req.Queries, req.ClientIDs, req.DiscardStartup)
	if err != nil {
		var nle *agency.NotLeaderError
		if ok := asNotLeader(err, &nle); ok {
			s.redirectToLeader(w, r, nle)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, transactResponse{Results: results, Indices: indices})
}

type readRequest struct {
	Paths []string `json:"paths"`
}

type readResponse struct {
	Values map[string]interface{} `json:"values"`
	Found  map[string]bool        `json:"found"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	values, found, err := s.a.Read(r.Context(), req.Paths)
	if err != nil {
		var nle *agency.NotLeaderError
		if ok := asNotLeader(err, &nle); ok {
			s.redirectToLeader(w, r, nle)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, readResponse{Values: values, Found: found})
}

type inquireRequest struct {
	ClientIDs []string `json:"clientIds"`
}

type inquireResponse struct {
	Statuses []agency.InquiryStatus `json:"statuses"`
}

func (s *Server) handleInquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req inquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	statuses, err := s.a.Inquire(req.ClientIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, inquireResponse{Statuses: statuses})
}

type transientRequest struct {
	Index     uint64 `json:"index"`
	TimeoutMs int64  `json:"timeoutMs"`
}

type transientResponse struct {
	Result string `json:"result"`
}

// handleTransient is the long-poll endpoint backing waitFor: clients
// that already know an index (from a prior write's response) poll
// here to learn when it commits, instead of re-submitting.
func (s *Server) handleTransient(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req transientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	result := s.a.WaitFor(ctx, req.Index, timeout)
	writeJSON(w, http.StatusOK, transientResponse{Result: result.String()})
}

func asNotLeader(err error, target **agency.NotLeaderError) bool {
	return errors.As(err, target)
}

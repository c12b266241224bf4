package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPTransport is the production PeerTransport: it POSTs JSON bodies
// to the peer-private endpoints named in the wire protocol, reusing
// one *http.Client (and its connection pool) across all peers.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds an HTTPTransport. A per-request deadline is
// still supplied via ctx by the caller (Agent); this client has no
// default timeout of its own so it never races ctx.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{client: &http.Client{}}
}

func (t *HTTPTransport) postJSON(ctx context.Context, endpoint, path string, query url.Values, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}
	u := endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: dispatch to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: %s responded with status %d", endpoint, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SendAppendEntries implements PeerTransport.
func (t *HTTPTransport) SendAppendEntries(ctx context.Context, peer Peer, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	q := url.Values{
		"term":            {strconv.FormatUint(req.Term, 10)},
		"leaderId":        {req.LeaderID},
		"prevLogIndex":    {strconv.FormatUint(req.PrevLogIndex, 10)},
		"prevLogTerm":     {strconv.FormatUint(req.PrevLogTerm, 10)},
		"leaderCommit":    {strconv.FormatUint(req.LeaderCommit, 10)},
		"senderTimeStamp": {strconv.FormatInt(req.SenderTimestamp, 10)},
	}
	var payload []interface{}
	if req.Snapshot != nil {
		payload = append(payload, req.Snapshot)
	}
	for _, e := range req.Entries {
		payload = append(payload, e)
	}
	var resp AppendEntriesResponse
	err := t.postJSON(ctx, peer.Endpoint, "/_api/agency_priv/appendEntries", q, payload, &resp)
	return resp, err
}

// SendRequestVote implements PeerTransport.
func (t *HTTPTransport) SendRequestVote(ctx context.Context, peer Peer, req RequestVoteRequest) (RequestVoteResponse, error) {
	q := url.Values{
		"term":         {strconv.FormatUint(req.Term, 10)},
		"candidateId":  {req.CandidateID},
		"lastLogIndex": {strconv.FormatUint(req.LastLogIndex, 10)},
		"lastLogTerm":  {strconv.FormatUint(req.LastLogTerm, 10)},
	}
	if req.TimeoutMult > 0 {
		q.Set("timeoutMult", strconv.FormatFloat(req.TimeoutMult, 'f', -1, 64))
	}
	var resp RequestVoteResponse
	err := t.postJSON(ctx, peer.Endpoint, "/_api/agency_priv/requestVote", q, nil, &resp)
	return resp, err
}

// SendInform implements PeerTransport.
func (t *HTTPTransport) SendInform(ctx context.Context, peer Peer, req InformRequest) error {
	return t.postJSON(ctx, peer.Endpoint, "/_api/agency_priv/inform", nil, req, nil)
}

var _ PeerTransport = (*HTTPTransport)(nil)

// WithTimeout is a small helper callers use to build the deadline
// context for one RPC dispatch.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

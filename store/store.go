// Package store implements the hierarchical key/value tree that backs
// both the agent's spearhead (pre-commit) and readDB (post-commit)
// views. It has no knowledge of Raft, logs or terms: it only knows how
// to apply transactions and project reads against a tree keyed by
// "/"-separated paths.
package store

import (
	"bytes"
	"reflect"
	"strings"
	"sync"

	"github.com/ugorji/go/codec"
)

// node is one position in the tree. A node is a leaf iff children is
// nil; an internal node's value is always nil (values only live on
// leaves, matching the original hierarchical agency tree).
type node struct {
	value    interface{}
	children map[string]*node
}

func newInternalNode() *node {
	return &node{children: map[string]*node{}}
}

func (n *node) isLeaf() bool { return n.children == nil }

func (n *node) clone() *node {
	if n.isLeaf() {
		return &node{value: n.value}
	}
	cp := newInternalNode()
	for k, c := range n.children {
		cp.children[k] = c.clone()
	}
	return cp
}

// WatchFunc is invoked for every leaf path that changed as part of an
// applied transaction, when notify is requested.
type WatchFunc func(path string, value interface{})

// Store is a hierarchical key/value tree. A node's children are kept in
// a map, so the order of siblings is not defined and is not preserved
// by reads or snapshots. Two instances coexist per agent
// (spearhead and readDB); both share this implementation.
type Store struct {
	mu   sync.RWMutex
	root *node

	watchMu  sync.Mutex
	watchers map[string][]WatchFunc
}

// New creates an empty store.
func New() *Store {
	return &Store{root: newInternalNode(), watchers: map[string][]WatchFunc{}}
}

// Clear resets the store to an empty tree. Used before a snapshot
// restore and at boot before replaying the log tail.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = newInternalNode()
}

// splitPath normalizes a "/"-separated path into its segments, dropping
// any leading/trailing empty components so "/a/b", "a/b/" and "a/b"
// are equivalent.
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func lookup(root *node, segments []string) (*node, bool) {
	cur := root
	for _, seg := range segments {
		if cur.isLeaf() {
			return nil, false
		}
		next, ok := cur.children[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Read evaluates a projection over the given paths against this store.
// For each path it reports whether the path resolved (found) and, if
// so, a Go-native projection of the subtree rooted there.
func (s *Store) Read(paths []string) (values map[string]interface{}, found map[string]bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values = make(map[string]interface{}, len(paths))
	found = make(map[string]bool, len(paths))
	for _, p := range paths {
		n, ok := lookup(s.root, splitPath(p))
		found[p] = ok
		if ok {
			values[p] = project(n)
		}
	}
	return values, found
}

func project(n *node) interface{} {
	if n.isLeaf() {
		return n.value
	}
	out := make(map[string]interface{}, len(n.children))
	for k, c := range n.children {
		out[k] = project(c)
	}
	return out
}

// checkPrecondition evaluates one Precondition against the current
// (uncommitted-to-this-call) tree state.
func checkPrecondition(root *node, pre Precondition) bool {
	n, ok := lookup(root, splitPath(pre.Path))
	switch pre.Kind {
	case PreExists:
		return ok
	case PreNotExists:
		return !ok
	case PreEquals:
		return ok && n.isLeaf() && equalValues(n.value, pre.Value)
	case PreNotEquals:
		return !ok || !n.isLeaf() || !equalValues(n.value, pre.Value)
	default:
		return false
	}
}

func equalValues(a, b interface{}) bool {
	return deepEqualJSON(a, b)
}

func ensurePath(root *node, segments []string) *node {
	cur := root
	for _, seg := range segments {
		if cur.isLeaf() {
			cur.children = map[string]*node{}
			cur.value = nil
		}
		next, ok := cur.children[seg]
		if !ok {
			next = newInternalNode()
			cur.children[seg] = next
		}
		cur = next
	}
	return cur
}

func applyMutation(root *node, m Mutation) (path string, ok bool) {
	segments := splitPath(m.Path)
	switch m.Op {
	case OpSet:
		target := ensurePath(root, segments)
		target.children = nil
		target.value = m.Value
		return m.Path, true
	case OpDelete, OpErase:
		if len(segments) == 0 {
			root.children = map[string]*node{}
			return m.Path, true
		}
		parent, ok := lookup(root, segments[:len(segments)-1])
		if !ok || parent.isLeaf() {
			return m.Path, true // deleting something absent is a no-op success
		}
		delete(parent.children, segments[len(segments)-1])
		return m.Path, true
	case OpIncrement:
		target := ensurePath(root, segments)
		var delta float64 = 1
		if f, ok := toFloat(m.Value); ok {
			delta = f
		}
		cur, _ := toFloat(target.value)
		target.children = nil
		target.value = cur + delta
		return m.Path, true
	case OpPush:
		target := ensurePath(root, segments)
		arr, _ := target.value.([]interface{})
		target.children = nil
		target.value = append(append([]interface{}{}, arr...), m.Value)
		return m.Path, true
	default:
		return m.Path, false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ApplyTransaction atomically evaluates tx's preconditions and, if all
// hold, applies its mutations. Returns which precondition paths (if
// any) failed.
func (s *Store) ApplyTransaction(tx Transaction) TransactionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyTransactionLocked(tx, nil)
}

func (s *Store) applyTransactionLocked(tx Transaction, changed *[]string) TransactionResult {
	var failed []string
	for _, pre := range tx.Preconditions {
		if !checkPrecondition(s.root, pre) {
			failed = append(failed, pre.Path)
		}
	}
	if len(failed) > 0 {
		return TransactionResult{Successful: false, FailedKeys: failed}
	}
	for _, m := range tx.Mutations {
		path, _ := applyMutation(s.root, m)
		if changed != nil {
			*changed = append(*changed, path)
		}
	}
	return TransactionResult{Successful: true}
}

// ApplyTransactions is the batch form used by write(): each
// transaction is evaluated and applied in order against the same
// tree, so later transactions see earlier ones' effects.
func (s *Store) ApplyTransactions(txs []Transaction) []TransactionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]TransactionResult, len(txs))
	for i, tx := range txs {
		results[i] = s.applyTransactionLocked(tx, nil)
	}
	return results
}

// ApplyLogEntries applies committed write entries in index order to
// this store (normally the readDB). Read-only entries are skipped:
// they never mutate state. When notify is true, registered watchers
// are invoked for every path touched.
func (s *Store) ApplyLogEntries(entries []Entry, notify bool) {
	s.mu.Lock()
	var allChanged []string
	for _, e := range entries {
		if e.Query.Write == nil {
			continue
		}
		var changed []string
		s.applyTransactionLocked(*e.Query.Write, &changed)
		allChanged = append(allChanged, changed...)
	}
	s.mu.Unlock()

	if notify && len(allChanged) > 0 {
		s.notify(allChanged)
	}
}

func (s *Store) notify(paths []string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, p := range paths {
		for watchPath, fns := range s.watchers {
			if !strings.HasPrefix(p, watchPath) && !strings.HasPrefix(watchPath, p) {
				continue
			}
			for _, fn := range fns {
				s.mu.RLock()
				n, ok := lookup(s.root, splitPath(p))
				var v interface{}
				if ok {
					v = project(n)
				}
				s.mu.RUnlock()
				fn(p, v)
			}
		}
	}
}

// Watch registers fn to be called whenever a committed write touches a
// path that starts with prefix or that prefix starts with, compared as
// plain strings: ancestors of prefix fire too, and so does "/ab" for
// prefix "/a".
func (s *Store) Watch(prefix string, fn WatchFunc) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.watchers[prefix] = append(s.watchers[prefix], fn)
}

// DumpToBuilder serializes the whole tree to msgpack, for use as a
// Snapshot's storeImage.
func (s *Store) DumpToBuilder() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	projected := project(s.root)
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(projected); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RestoreFromBuilder clears the store and decodes a msgpack image
// produced by DumpToBuilder into it, as happens when a follower
// catches up via a leader-sent snapshot.
func (s *Store) RestoreFromBuilder(data []byte) error {
	var projected interface{}
	if len(data) > 0 {
		h := &codec.MsgpackHandle{}
		h.MapType = reflect.TypeOf(map[string]interface{}(nil))
		h.RawToString = true
		if err := codec.NewDecoderBytes(data, h).Decode(&projected); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = fromProjection(projected)
	return nil
}

func fromProjection(v interface{}) *node {
	m, ok := v.(map[string]interface{})
	if !ok {
		return &node{value: v}
	}
	n := newInternalNode()
	for k, cv := range m {
		n.children[k] = fromProjection(cv)
	}
	return n
}

// Clone returns a deep copy of this store's current tree, used when
// the leader rebuilds the spearhead from readDB at the start of a term.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Store{root: s.root.clone(), watchers: map[string][]WatchFunc{}}
}

// deepEqualJSON compares two values the way two round-tripped JSON/
// msgpack values should compare: by structural equality over the
// decoded representation (numbers as float64, maps, slices, scalars).
func deepEqualJSON(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !deepEqualJSON(v, bv[k]) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		if aok && bok {
			return af == bf
		}
		return a == b
	}
}

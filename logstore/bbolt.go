package logstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ugorji/go/codec"
	bolt "go.etcd.io/bbolt"
)

var (
	logBucket         = []byte("log")
	clientIndexBucket = []byte("client_index")
	metaBucket        = []byte("meta")
	snapshotBucket    = []byte("snapshot")
	stableBucket      = []byte("stable")
	configBucket      = []byte("config")

	metaKeyNextCompactionAfter = []byte("nextCompactionAfter")
	snapshotKeyLatest          = []byte("latest")
	stableKeyTerm              = []byte("currentTerm")
	stableKeyVotedFor          = []byte("votedFor")
	configKeyActive            = []byte("active")
	configKeyPool              = []byte("pool")
)

func indexKey(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return b
}

func keyIndex(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// BoltStore is the default LogStore, backed by a single bbolt file.
// It durably persists the log, the latest compacted snapshot, Raft's
// persistent term/vote state and the current pool/active membership.
type BoltStore struct {
	db             *bolt.DB
	compactionStep uint64
}

// NewBoltStore opens (creating if needed) a bbolt-backed LogStore at
// path. compactionStep sizes the window between compactions reported
// via NextCompactionAfter.
func NewBoltStore(path string, compactionStep uint64) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("logstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{logBucket, clientIndexBucket, metaBucket, snapshotBucket, stableBucket, configBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("logstore: init buckets: %w", err)
	}
	bs := &BoltStore{db: db, compactionStep: compactionStep}
	if err := bs.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta.Get(metaKeyNextCompactionAfter) == nil {
			return meta.Put(metaKeyNextCompactionAfter, indexKey(compactionStep))
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return bs, nil
}

func encodeEntry(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	err := codec.NewDecoderBytes(data, &codec.MsgpackHandle{}).Decode(&e)
	return e, err
}

func lastIndexTx(b *bolt.Bucket) uint64 {
	k, _ := b.Cursor().Last()
	if k == nil {
		return 0
	}
	return keyIndex(k)
}

func firstIndexTx(b *bolt.Bucket) uint64 {
	k, _ := b.Cursor().First()
	if k == nil {
		return 0
	}
	return keyIndex(k)
}

func (s *BoltStore) putEntryTx(b, ci *bolt.Bucket, e Entry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if err := b.Put(indexKey(e.Index), data); err != nil {
		return err
	}
	if e.ClientID != "" {
		if err := ci.Put([]byte(e.ClientID), indexKey(e.Index)); err != nil {
			return err
		}
	}
	return nil
}

// Append assigns contiguous indices starting at lastIndex+1 and
// persists entries tagged with term. Leader side only.
func (s *BoltStore) Append(entries []Entry, term uint64) ([]uint64, error) {
	indices := make([]uint64, len(entries))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		ci := tx.Bucket(clientIndexBucket)
		next := lastIndexTx(b) + 1
		for i, e := range entries {
			e.Index = next + uint64(i)
			e.Term = term
			if err := s.putEntryTx(b, ci, e); err != nil {
				return err
			}
			indices[i] = e.Index
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return indices, nil
}

// LogFollower applies log-matching overwrite semantics and returns the
// resulting last log index.
func (s *BoltStore) LogFollower(entries []Entry) (uint64, error) {
	var lastIndex uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		ci := tx.Bucket(clientIndexBucket)
		lastIndex = lastIndexTx(b)
		for _, e := range entries {
			if e.Index > lastIndex+1 {
				// Gap: the leader sent entries we cannot contiguously
				// append yet. Stop here; the leader will retry with a
				// lower starting point.
				break
			}
			if existing := b.Get(indexKey(e.Index)); existing != nil {
				decoded, err := decodeEntry(existing)
				if err != nil {
					return err
				}
				if decoded.Term == e.Term {
					// Already have this exact entry; nothing to do.
					continue
				}
				// Conflict: truncate this entry and everything after it
				// per the log matching property, then fall through to
				// append the incoming entry.
				if err := deleteFromTx(b, e.Index); err != nil {
					return err
				}
				lastIndex = e.Index - 1
			}
			if err := s.putEntryTx(b, ci, e); err != nil {
				return err
			}
			lastIndex = e.Index
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return lastIndex, nil
}

func deleteFromTx(b *bolt.Bucket, from uint64) error {
	cur := b.Cursor()
	for k, _ := cur.Seek(indexKey(from)); k != nil; k, _ = cur.Next() {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the full entries in [from, to].
func (s *BoltStore) Get(from, to uint64) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		cur := b.Cursor()
		for k, v := cur.Seek(indexKey(from)); k != nil && keyIndex(k) <= to; k, v = cur.Next() {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Entry returns the single entry at index, if present.
func (s *BoltStore) Entry(index uint64) (Entry, bool, error) {
	var e Entry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(logBucket).Get(indexKey(index))
		if v == nil {
			return nil
		}
		found = true
		var err error
		e, err = decodeEntry(v)
		return err
	})
	return e, found, err
}

// FirstIndex is the lowest retained index.
func (s *BoltStore) FirstIndex() uint64 {
	var idx uint64
	s.db.View(func(tx *bolt.Tx) error {
		idx = firstIndexTx(tx.Bucket(logBucket))
		return nil
	})
	return idx
}

// LastIndex is the highest appended index.
func (s *BoltStore) LastIndex() uint64 {
	var idx uint64
	s.db.View(func(tx *bolt.Tx) error {
		idx = lastIndexTx(tx.Bucket(logBucket))
		return nil
	})
	return idx
}

// LastLog returns (index, term) of the last appended entry.
func (s *BoltStore) LastLog() (uint64, uint64) {
	var index, term uint64
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		k, v := b.Cursor().Last()
		if k == nil {
			return nil
		}
		e, err := decodeEntry(v)
		if err != nil {
			return err
		}
		index, term = e.Index, e.Term
		return nil
	})
	return index, term
}

// NextCompactionAfter is the commit index threshold at which the
// compactor should be woken.
func (s *BoltStore) NextCompactionAfter() uint64 {
	var v uint64
	s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(metaKeyNextCompactionAfter)
		if raw != nil {
			v = keyIndex(raw)
		}
		return nil
	})
	return v
}

// LoadLastCompactedSnapshot loads the most recently stored snapshot.
func (s *BoltStore) LoadLastCompactedSnapshot() (Snapshot, bool, error) {
	var snap Snapshot
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(snapshotBucket).Get(snapshotKeyLatest)
		if raw == nil {
			return nil
		}
		ok = true
		return codec.NewDecoderBytes(raw, &codec.MsgpackHandle{}).Decode(&snap)
	})
	return snap, ok, err
}

// Compact persists a snapshot of storeImage at (upto, term) and
// truncates log entries strictly before upto.
func (s *BoltStore) Compact(upto uint64, term uint64, storeImage []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		cur := b.Cursor()
		for k, _ := cur.First(); k != nil && keyIndex(k) < upto; k, _ = cur.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		snap := Snapshot{Index: upto, Term: term, StoreImage: storeImage}
		var buf bytes.Buffer
		if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(snap); err != nil {
			return err
		}
		if err := tx.Bucket(snapshotBucket).Put(snapshotKeyLatest, buf.Bytes()); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(metaKeyNextCompactionAfter, indexKey(upto+s.compactionStep))
	})
}

// PersistActiveAgents durably records the current pool/active
// configuration.
func (s *BoltStore) PersistActiveAgents(active []string, pool map[string]string) error {
	activeJSON, err := json.Marshal(active)
	if err != nil {
		return err
	}
	poolJSON, err := json.Marshal(pool)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(configBucket)
		if err := b.Put(configKeyActive, activeJSON); err != nil {
			return err
		}
		return b.Put(configKeyPool, poolJSON)
	})
}

// LoadActiveAgents returns the last persisted pool/active configuration.
func (s *BoltStore) LoadActiveAgents() (active []string, pool map[string]string, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(configBucket)
		activeJSON := b.Get(configKeyActive)
		poolJSON := b.Get(configKeyPool)
		if activeJSON == nil || poolJSON == nil {
			return nil
		}
		ok = true
		if err := json.Unmarshal(activeJSON, &active); err != nil {
			return err
		}
		return json.Unmarshal(poolJSON, &pool)
	})
	return active, pool, ok, err
}

// Inquire looks up, for each clientID, the log entry that carried it.
func (s *BoltStore) Inquire(clientIDs []string) (map[string]uint64, error) {
	result := make(map[string]uint64, len(clientIDs))
	err := s.db.View(func(tx *bolt.Tx) error {
		ci := tx.Bucket(clientIndexBucket)
		for _, id := range clientIDs {
			if raw := ci.Get([]byte(id)); raw != nil {
				result[id] = keyIndex(raw)
			}
		}
		return nil
	})
	return result, err
}

// PersistTermVote durably records currentTerm/votedFor.
func (s *BoltStore) PersistTermVote(term uint64, votedFor string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(stableBucket)
		if err := b.Put(stableKeyTerm, indexKey(term)); err != nil {
			return err
		}
		return b.Put(stableKeyVotedFor, []byte(votedFor))
	})
}

// LoadTermVote returns the last persisted (currentTerm, votedFor).
func (s *BoltStore) LoadTermVote() (uint64, string, error) {
	var term uint64
	var votedFor string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(stableBucket)
		if raw := b.Get(stableKeyTerm); raw != nil {
			term = keyIndex(raw)
		}
		if raw := b.Get(stableKeyVotedFor); raw != nil {
			votedFor = string(raw)
		}
		return nil
	})
	return term, votedFor, err
}

// Close releases the underlying bbolt file handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

var _ LogStore = (*BoltStore)(nil)

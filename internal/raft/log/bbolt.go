// Package log provides fsm.LogStorage implementations: a bbolt-backed store
// for durable single-node persistence, and an in-memory store for tests.
package log

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"go.etcd.io/bbolt"

	"raftcore/internal/raft/raftpb"
)

var (
	entriesBucket  = []byte("entries")
	metadataBucket = []byte("metadata")

	currentTermKey = []byte("currentTerm")
	votedForKey    = []byte("votedFor")
)

// BboltLog persists the replicated log and the term/votedFor pair required
// by §5.2's "updated on stable storage before responding to RPCs" rule.
type BboltLog struct {
	db *bbolt.DB
}

// Open opens (creating if absent) a bbolt-backed log at path.
func Open(path string) (*BboltLog, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("log: open bbolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("log: init buckets: %w", err)
	}
	return &BboltLog{db: db}, nil
}

func (l *BboltLog) Close() error {
	return l.db.Close()
}

func uint64Key(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func encodeEntry(e raftpb.LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (raftpb.LogEntry, error) {
	var e raftpb.LogEntry
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e)
	return e, err
}

// Append implements fsm.LogStorage: entries are assigned sequential indices
// immediately following the current last index, regardless of any Index
// they arrived carrying (the wire copy's Index reflects where the sender
// itself stored it, not a slot to honor here). If entries is empty, the
// current last index is returned unchanged.
func (l *BboltLog) Append(entries []raftpb.LogEntry) (uint64, error) {
	var last uint64
	err := l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		k, _ := bucket.Cursor().Last()
		if k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		for _, e := range entries {
			last++
			e.Index = last
			data, err := encodeEntry(e)
			if err != nil {
				return fmt.Errorf("log: encode entry: %w", err)
			}
			if err := bucket.Put(uint64Key(last), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return last, nil
}

// Truncate implements fsm.LogStorage: discard every entry with index strictly
// greater than prevIndex.
func (l *BboltLog) Truncate(prevIndex uint64) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		cursor := bucket.Cursor()
		var toDelete [][]byte
		for k, _ := cursor.Seek(uint64Key(prevIndex + 1)); k != nil; k, _ = cursor.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *BboltLog) GetEntry(index uint64) (raftpb.LogEntry, bool, error) {
	var entry raftpb.LogEntry
	var found bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(entriesBucket).Get(uint64Key(index))
		if data == nil {
			return nil
		}
		found = true
		e, err := decodeEntry(data)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	return entry, found, err
}

func (l *BboltLog) GetTerm(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	entry, ok, err := l.GetEntry(index)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return entry.Term, nil
}

func (l *BboltLog) GetLastIndex() (uint64, error) {
	var last uint64
	err := l.db.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket(entriesBucket).Cursor().Last()
		if k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return last, err
}

func (l *BboltLog) GetLastTerm() (uint64, error) {
	var term uint64
	err := l.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(entriesBucket).Cursor().Last()
		if v == nil {
			return nil
		}
		e, err := decodeEntry(v)
		if err != nil {
			return err
		}
		term = e.Term
		return nil
	})
	return term, err
}

func (l *BboltLog) GetCurrentTerm() (uint64, error) {
	var term uint64
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(currentTermKey)
		if data != nil {
			term = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return term, err
}

func (l *BboltLog) SetCurrentTerm(term uint64) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(currentTermKey, uint64Key(term))
	})
}

func (l *BboltLog) GetVotedFor() (string, bool, error) {
	var candidate string
	var ok bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(votedForKey)
		if data != nil {
			candidate = string(data)
			ok = true
		}
		return nil
	})
	return candidate, ok, err
}

func (l *BboltLog) SetVotedFor(candidate string, ok bool) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if !ok {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(candidate))
	})
}

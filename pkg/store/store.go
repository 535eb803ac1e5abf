package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/galdor/go-raftstore/pkg/raft"
	"github.com/golang/snappy"
	"github.com/hashicorp/go-multierror"
	bolt "go.etcd.io/bbolt"
)

var (
	entriesBucket   = []byte("entries")
	snapshotsBucket = []byte("snapshots")
)

// Store is the durable storage of a server. Log entries and snapshots are
// stored in a bbolt database; the term state is stored in a separate file so
// that votes never wait for large log writes.
type Store struct {
	dirPath string

	db        *bolt.DB
	termState *TermStateFile
}

var _ raft.Storage = (*Store)(nil)

func NewStore(dirPath string) *Store {
	return &Store{
		dirPath: dirPath,
	}
}

func (s *Store) Open() error {
	if err := os.MkdirAll(s.dirPath, 0700); err != nil {
		return fmt.Errorf("cannot create directory %q: %w", s.dirPath, err)
	}

	dbPath := filepath.Join(s.dirPath, "log.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, snapshotsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("cannot create bucket %q: %w", name, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return err
	}

	termState := NewTermStateFile(filepath.Join(s.dirPath, "term-state.json"))
	if err := termState.Open(); err != nil {
		db.Close()
		return err
	}

	s.db = db
	s.termState = termState

	return nil
}

func (s *Store) Close() error {
	var result error

	if s.termState != nil {
		if err := s.termState.Close(); err != nil {
			result = multierror.Append(result,
				fmt.Errorf("cannot close term state file: %w", err))
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			result = multierror.Append(result,
				fmt.Errorf("cannot close database: %w", err))
		}
	}

	return result
}

func (s *Store) AppendEntries(entries []raft.LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)

		for i := range entries {
			data, err := raft.EncodeLogEntry(&entries[i])
			if err != nil {
				return fmt.Errorf("cannot encode entry %d: %w",
					entries[i].Index, err)
			}

			if err := bucket.Put(indexKey(entries[i].Index), data); err != nil {
				return fmt.Errorf("cannot store entry %d: %w",
					entries[i].Index, err)
			}
		}

		return nil
	})
}

func (s *Store) ReadEntries(from, to raft.LogIndex) ([]raft.LogEntry, error) {
	var entries []raft.LogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()

		expectedIndex := from

		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			index := keyIndex(k)
			if index > to || index != expectedIndex {
				break
			}

			var entry raft.LogEntry
			if err := raft.DecodeLogEntry(v, &entry); err != nil {
				return fmt.Errorf("cannot decode entry %d: %w", index, err)
			}

			entries = append(entries, entry)

			expectedIndex++
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *Store) TruncateEntries(from raft.LogIndex) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return truncateEntries(tx, from)
	})
}

func (s *Store) CompactEntries(upTo raft.LogIndex) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return compactEntries(tx, upTo)
	})
}

// SaveSnapshot stores a snapshot and deletes the previous ones.
func (s *Store) SaveSnapshot(snapshot *raft.Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return putSnapshot(tx, snapshot.LastIncludedIndex, data)
	})
}

// InstallSnapshot stores a snapshot and deletes the log entries it replaces
// in a single transaction.
func (s *Store) InstallSnapshot(snapshot *raft.Snapshot, keepSuffix bool) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putSnapshot(tx, snapshot.LastIncludedIndex, data); err != nil {
			return err
		}

		if keepSuffix {
			return compactEntries(tx, snapshot.LastIncludedIndex)
		}

		return truncateEntries(tx, 0)
	})
}

func truncateEntries(tx *bolt.Tx, from raft.LogIndex) error {
	c := tx.Bucket(entriesBucket).Cursor()

	for k, _ := c.Seek(indexKey(from)); k != nil; k, _ = c.Seek(indexKey(from)) {
		if err := c.Delete(); err != nil {
			return fmt.Errorf("cannot delete entry %d: %w", keyIndex(k), err)
		}
	}

	return nil
}

func compactEntries(tx *bolt.Tx, upTo raft.LogIndex) error {
	c := tx.Bucket(entriesBucket).Cursor()

	for k, _ := c.First(); k != nil && keyIndex(k) <= upTo; k, _ = c.First() {
		if err := c.Delete(); err != nil {
			return fmt.Errorf("cannot delete entry %d: %w", keyIndex(k), err)
		}
	}

	return nil
}

func putSnapshot(tx *bolt.Tx, index raft.LogIndex, data []byte) error {
	bucket := tx.Bucket(snapshotsBucket)

	if err := bucket.Put(indexKey(index), data); err != nil {
		return fmt.Errorf("cannot store snapshot: %w", err)
	}

	c := bucket.Cursor()
	for k, _ := c.First(); k != nil && keyIndex(k) < index; k, _ = c.First() {
		if err := c.Delete(); err != nil {
			return fmt.Errorf("cannot delete snapshot %d: %w", keyIndex(k), err)
		}
	}

	return nil
}

func (s *Store) LoadLatestSnapshot() (*raft.Snapshot, error) {
	var snapshot *raft.Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(snapshotsBucket).Cursor().Last()
		if k == nil {
			return nil
		}

		var err error
		snapshot, err = decodeSnapshot(v)
		if err != nil {
			return fmt.Errorf("cannot decode snapshot %d: %w", keyIndex(k), err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

func (s *Store) SaveTermState(state raft.PersistentState) error {
	return s.termState.Write(state)
}

func (s *Store) LoadTermState() (raft.PersistentState, error) {
	return s.termState.Read()
}

type snapshotHeader struct {
	LastIncludedIndex raft.LogIndex      `json:"lastIncludedIndex"`
	LastIncludedTerm  raft.Term          `json:"lastIncludedTerm"`
	Config            raft.ClusterConfig `json:"config"`
}

// Snapshots are stored as a snappy-compressed block containing the size of
// the JSON header (4 bytes), the header and the state machine data.
func encodeSnapshot(snapshot *raft.Snapshot) ([]byte, error) {
	header := snapshotHeader{
		LastIncludedIndex: snapshot.LastIncludedIndex,
		LastIncludedTerm:  snapshot.LastIncludedTerm,
		Config:            snapshot.Config,
	}

	headerData, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("cannot encode snapshot header: %w", err)
	}

	data := make([]byte, 4+len(headerData)+len(snapshot.Data))
	binary.BigEndian.PutUint32(data, uint32(len(headerData)))
	copy(data[4:], headerData)
	copy(data[4+len(headerData):], snapshot.Data)

	return snappy.Encode(nil, data), nil
}

func decodeSnapshot(block []byte) (*raft.Snapshot, error) {
	data, err := snappy.Decode(nil, block)
	if err != nil {
		return nil, fmt.Errorf("cannot decompress data: %w", err)
	}

	if len(data) < 4 {
		return nil, fmt.Errorf("truncated header size")
	}

	headerSize := int(binary.BigEndian.Uint32(data))
	if len(data) < 4+headerSize {
		return nil, fmt.Errorf("truncated header")
	}

	var header snapshotHeader
	if err := json.Unmarshal(data[4:4+headerSize], &header); err != nil {
		return nil, fmt.Errorf("cannot decode header: %w", err)
	}

	snapshot := raft.Snapshot{
		LastIncludedIndex: header.LastIncludedIndex,
		LastIncludedTerm:  header.LastIncludedTerm,
		Config:            header.Config,
		Data:              data[4+headerSize:],
	}

	return &snapshot, nil
}

func indexKey(index raft.LogIndex) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}

func keyIndex(key []byte) raft.LogIndex {
	return raft.LogIndex(binary.BigEndian.Uint64(key))
}

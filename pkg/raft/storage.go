package raft

import (
	"fmt"
	"sync"
)

// Storage is the durable storage of a server. Every method must only return
// once its effects survive a process restart.
type Storage interface {
	// AppendEntries stores entries, replacing any stored entry with the
	// same index.
	AppendEntries(entries []LogEntry) error

	// ReadEntries returns the stored entries in the [from, to] interval in
	// index order.
	ReadEntries(from, to LogIndex) ([]LogEntry, error)

	// TruncateEntries deletes all entries starting at a given index.
	TruncateEntries(from LogIndex) error

	// CompactEntries deletes all entries up to and including a given index.
	CompactEntries(upTo LogIndex) error

	SaveSnapshot(snapshot *Snapshot) error

	// InstallSnapshot atomically stores a snapshot received from the leader
	// and deletes the entries it replaces: the ones up to the snapshot index
	// if keepSuffix is true, all of them otherwise.
	InstallSnapshot(snapshot *Snapshot, keepSuffix bool) error

	// LoadLatestSnapshot returns nil if no snapshot was ever saved.
	LoadLatestSnapshot() (*Snapshot, error)

	SaveTermState(state PersistentState) error
	LoadTermState() (PersistentState, error)

	Close() error
}

// MemoryStorage is a Storage which keeps everything in memory. It survives
// server restarts, but not process restarts. Write failures can be injected
// with SetFailing.
type MemoryStorage struct {
	mu sync.Mutex

	entries   map[LogIndex]LogEntry
	snapshot  *Snapshot
	termState PersistentState

	failing bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries: make(map[LogIndex]LogEntry),
	}
}

func (s *MemoryStorage) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

func (s *MemoryStorage) checkWritable() error {
	if s.failing {
		return fmt.Errorf("%w: simulated write failure", ErrPersistence)
	}

	return nil
}

func (s *MemoryStorage) AppendEntries(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}

	for _, entry := range entries {
		entry.Data = cloneBytes(entry.Data)
		s.entries[entry.Index] = entry
	}

	return nil
}

func (s *MemoryStorage) ReadEntries(from, to LogIndex) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []LogEntry

	for index := from; index <= to; index++ {
		entry, found := s.entries[index]
		if !found {
			break
		}

		entry.Data = cloneBytes(entry.Data)
		entries = append(entries, entry)

		if index == MaxLogIndex {
			break
		}
	}

	return entries, nil
}

func (s *MemoryStorage) TruncateEntries(from LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}

	for index := range s.entries {
		if index >= from {
			delete(s.entries, index)
		}
	}

	return nil
}

func (s *MemoryStorage) CompactEntries(upTo LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}

	for index := range s.entries {
		if index <= upTo {
			delete(s.entries, index)
		}
	}

	return nil
}

func (s *MemoryStorage) SaveSnapshot(snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}

	s.saveSnapshot(snapshot)

	return nil
}

func (s *MemoryStorage) saveSnapshot(snapshot *Snapshot) {
	snapshotCopy := *snapshot
	snapshotCopy.Config = snapshot.Config.Clone()
	snapshotCopy.Data = cloneBytes(snapshot.Data)

	s.snapshot = &snapshotCopy
}

func (s *MemoryStorage) InstallSnapshot(snapshot *Snapshot, keepSuffix bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}

	s.saveSnapshot(snapshot)

	for index := range s.entries {
		if !keepSuffix || index <= snapshot.LastIncludedIndex {
			delete(s.entries, index)
		}
	}

	return nil
}

func (s *MemoryStorage) LoadLatestSnapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot == nil {
		return nil, nil
	}

	snapshot := *s.snapshot
	snapshot.Config = s.snapshot.Config.Clone()
	snapshot.Data = cloneBytes(s.snapshot.Data)

	return &snapshot, nil
}

func (s *MemoryStorage) SaveTermState(state PersistentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}

	s.termState = state

	return nil
}

func (s *MemoryStorage) LoadTermState() (PersistentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.termState, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

func cloneBytes(data []byte) []byte {
	if data == nil {
		return nil
	}

	data2 := make([]byte, len(data))
	copy(data2, data)

	return data2
}

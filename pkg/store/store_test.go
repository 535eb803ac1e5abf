package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/galdor/go-raftstore/pkg/raft"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, dirPath string) *Store {
	t.Helper()

	s := NewStore(dirPath)
	require.NoError(t, s.Open())

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func testEntries(from, to raft.LogIndex, term raft.Term) []raft.LogEntry {
	var entries []raft.LogEntry

	for i := from; i <= to; i++ {
		entries = append(entries, raft.LogEntry{
			Index:    i,
			Term:     term,
			Type:     raft.EntryCommand,
			ClientId: "client",
			Data:     []byte{byte(i)},
		})
	}

	return entries
}

func TestStoreEntries(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	require.NoError(t, s.AppendEntries(testEntries(1, 10, 1)))

	entries, err := s.ReadEntries(1, raft.MaxLogIndex)
	require.NoError(t, err)
	if diff := cmp.Diff(testEntries(1, 10, 1), entries); diff != "" {
		t.Errorf("unexpected entries (-want +got):\n%s", diff)
	}

	entries, err = s.ReadEntries(4, 6)
	require.NoError(t, err)
	assert.Equal(t, testEntries(4, 6, 1), entries)

	// Conflicting suffix replaced by entries of a newer term
	require.NoError(t, s.TruncateEntries(8))
	require.NoError(t, s.AppendEntries(testEntries(8, 9, 2)))

	entries, err = s.ReadEntries(7, raft.MaxLogIndex)
	require.NoError(t, err)
	assert.Equal(t, append(testEntries(7, 7, 1), testEntries(8, 9, 2)...),
		entries)

	require.NoError(t, s.CompactEntries(5))

	entries, err = s.ReadEntries(1, raft.MaxLogIndex)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = s.ReadEntries(6, raft.MaxLogIndex)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	require.NoError(t, s.TruncateEntries(0))

	entries, err = s.ReadEntries(6, raft.MaxLogIndex)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStoreSnapshots(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	snapshot, err := s.LoadLatestSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	cfg := raft.ClusterConfig{
		Servers: []raft.ServerInfo{
			{Id: "a", Address: "localhost:9001", Voting: true},
			{Id: "b", Address: "localhost:9002", Voting: false},
		},
	}

	snapshot1 := raft.Snapshot{
		LastIncludedIndex: 10,
		LastIncludedTerm:  2,
		Config:            cfg,
		Data:              []byte("state at index 10"),
	}

	snapshot2 := raft.Snapshot{
		LastIncludedIndex: 20,
		LastIncludedTerm:  3,
		Config:            cfg,
		Data:              []byte("state at index 20"),
	}

	require.NoError(t, s.SaveSnapshot(&snapshot1))
	require.NoError(t, s.SaveSnapshot(&snapshot2))

	snapshot, err = s.LoadLatestSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, snapshot2, *snapshot)
}

func TestStoreInstallSnapshot(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	require.NoError(t, s.AppendEntries(testEntries(1, 6, 1)))

	snapshot := raft.Snapshot{
		LastIncludedIndex: 4,
		LastIncludedTerm:  1,
		Config: raft.ClusterConfig{
			Servers: []raft.ServerInfo{{Id: "a", Voting: true}},
		},
		Data: []byte("state at index 4"),
	}

	// Entries following a matching snapshot are kept
	require.NoError(t, s.InstallSnapshot(&snapshot, true))

	entries, err := s.ReadEntries(1, raft.MaxLogIndex)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = s.ReadEntries(5, raft.MaxLogIndex)
	require.NoError(t, err)
	assert.Equal(t, testEntries(5, 6, 1), entries)

	// A conflicting snapshot replaces the whole log
	snapshot.LastIncludedIndex = 10
	snapshot.LastIncludedTerm = 2
	require.NoError(t, s.InstallSnapshot(&snapshot, false))

	entries, err = s.ReadEntries(5, raft.MaxLogIndex)
	require.NoError(t, err)
	assert.Empty(t, entries)

	snapshot2, err := s.LoadLatestSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snapshot2)
	assert.Equal(t, snapshot, *snapshot2)
}

func TestStoreReopen(t *testing.T) {
	dirPath := t.TempDir()

	s := NewStore(dirPath)
	require.NoError(t, s.Open())

	state, err := s.LoadTermState()
	require.NoError(t, err)
	assert.Equal(t, raft.PersistentState{}, state)

	require.NoError(t, s.SaveTermState(raft.PersistentState{
		CurrentTerm: 4,
		VotedFor:    "b",
	}))

	require.NoError(t, s.AppendEntries(testEntries(1, 3, 4)))
	require.NoError(t, s.Close())

	s = openTestStore(t, dirPath)

	state, err = s.LoadTermState()
	require.NoError(t, err)
	assert.Equal(t, raft.PersistentState{CurrentTerm: 4, VotedFor: "b"}, state)

	entries, err := s.ReadEntries(1, raft.MaxLogIndex)
	require.NoError(t, err)
	assert.Equal(t, testEntries(1, 3, 4), entries)
}

func TestTermStateFile(t *testing.T) {
	dirPath := t.TempDir()
	filePath := filepath.Join(dirPath, "term-state.json")

	f := NewTermStateFile(filePath)
	require.NoError(t, f.Open())

	state := raft.PersistentState{CurrentTerm: 7, VotedFor: "b"}
	require.NoError(t, f.Write(state))
	require.NoError(t, f.Close())

	_, err := os.Stat(filePath + ".tmp")
	assert.ErrorIs(t, err, os.ErrNotExist)

	// A temporary file left by an interrupted update is ignored
	require.NoError(t, os.WriteFile(filePath+".tmp", []byte(`{"currentT`), 0600))

	f = NewTermStateFile(filePath)
	require.NoError(t, f.Open())

	state2, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, state, state2)

	require.NoError(t, f.Write(raft.PersistentState{CurrentTerm: 8}))

	state2, err = f.Read()
	require.NoError(t, err)
	assert.Equal(t, raft.PersistentState{CurrentTerm: 8}, state2)
}

func TestStoreReopenEmptyTermState(t *testing.T) {
	dirPath := t.TempDir()

	s := NewStore(dirPath)
	require.NoError(t, s.Open())
	require.NoError(t, s.SaveTermState(raft.PersistentState{
		CurrentTerm: 7,
		VotedFor:    "b",
	}))
	require.NoError(t, s.Close())

	filePath := filepath.Join(dirPath, "term-state.json")
	require.NoError(t, os.Truncate(filePath, 0))

	s = NewStore(dirPath)
	err := s.Open()
	require.ErrorIs(t, err, ErrEmptyTermState)

	// The damaged file is left as is
	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestSnapshotEncoding(t *testing.T) {
	_, err := decodeSnapshot([]byte("not snappy data"))
	assert.Error(t, err)

	snapshot := raft.Snapshot{
		LastIncludedIndex: 1,
		LastIncludedTerm:  1,
		Config: raft.ClusterConfig{
			Servers: []raft.ServerInfo{{Id: "a", Voting: true}},
		},
	}

	data, err := encodeSnapshot(&snapshot)
	require.NoError(t, err)

	snapshot2, err := decodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snapshot.LastIncludedIndex, snapshot2.LastIncludedIndex)
	assert.Equal(t, snapshot.Config, snapshot2.Config)
	assert.Empty(t, snapshot2.Data)
}

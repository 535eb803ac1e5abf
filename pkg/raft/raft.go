package raft

import (
	"fmt"
	"math"
)

type ServerId string

type ServerAddress string

type ServerSet map[ServerId]ServerData

type ServerData struct {
	LocalAddress  ServerAddress `json:"localAddress"`
	PublicAddress ServerAddress `json:"publicAddress"`
	NonVoting     bool          `json:"nonVoting,omitempty"`
}

// ClusterConfig returns the initial cluster configuration described by the
// server set, using public addresses.
func (ss ServerSet) ClusterConfig() ClusterConfig {
	var cfg ClusterConfig

	for id, data := range ss {
		cfg.Servers = append(cfg.Servers, ServerInfo{
			Id:      id,
			Address: data.PublicAddress,
			Voting:  !data.NonVoting,
		})
	}

	cfg.sort()

	return cfg
}

type ServerState string

const (
	ServerStateFollower       ServerState = "follower"
	ServerStateCandidate      ServerState = "candidate"
	ServerStatePreLeader      ServerState = "preLeader"
	ServerStateLeader         ServerState = "leader"
	ServerStateIsolatedLeader ServerState = "isolatedLeader"
)

// IsLeader reports whether the state is one of the leader states, i.e. a
// state in which the server replicates its log to followers.
func (s ServerState) IsLeader() bool {
	switch s {
	case ServerStatePreLeader, ServerStateLeader, ServerStateIsolatedLeader:
		return true
	default:
		return false
	}
}

type Term uint64

type LogIndex uint64

const MaxLogIndex LogIndex = math.MaxUint64

type EntryType uint8

const (
	EntryCommand EntryType = iota
	EntryNoop
	EntryConfig
)

func (t EntryType) String() string {
	switch t {
	case EntryCommand:
		return "command"
	case EntryNoop:
		return "noop"
	case EntryConfig:
		return "config"
	default:
		return fmt.Sprintf("entryType(%d)", uint8(t))
	}
}

type LogEntry struct {
	Index    LogIndex  `json:"index"`
	Term     Term      `json:"term"`
	Type     EntryType `json:"type,omitempty"`
	ClientId string    `json:"clientId,omitempty"`
	Data     []byte    `json:"data,omitempty"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("LogEntry{index: %d, term: %d, type: %v, %d bytes}",
		e.Index, e.Term, e.Type, len(e.Data))
}

type PersistentState struct {
	CurrentTerm Term     `json:"currentTerm"`
	VotedFor    ServerId `json:"votedFor,omitempty"`
}

type Snapshot struct {
	LastIncludedIndex LogIndex      `json:"lastIncludedIndex"`
	LastIncludedTerm  Term          `json:"lastIncludedTerm"`
	Config            ClusterConfig `json:"config"`
	Data              []byte        `json:"data"`
}

// StateMachine is the application state that committed entries are applied
// to. Apply is only called for command entries, in log order, and the error
// it returns is a result for the proposer, not a failure of the replica.
type StateMachine interface {
	Apply(entry *LogEntry) (interface{}, error)
	TakeSnapshot() ([]byte, error)
	RestoreFromSnapshot(data []byte) error
}

type Status struct {
	Id            ServerId      `json:"id"`
	State         ServerState   `json:"state"`
	Term          Term          `json:"term"`
	Leader        ServerId      `json:"leader,omitempty"`
	CommitIndex   LogIndex      `json:"commitIndex"`
	LastApplied   LogIndex      `json:"lastApplied"`
	FirstIndex    LogIndex      `json:"firstIndex"`
	LastIndex     LogIndex      `json:"lastIndex"`
	SnapshotIndex LogIndex      `json:"snapshotIndex"`
	Config        ClusterConfig `json:"config"`
	StorageFailed bool          `json:"storageFailed,omitempty"`
}

package raft

import (
	"encoding/json"
	"fmt"
)

type RPCMsg interface {
	GetType() string
	GetTerm() Term

	fmt.Stringer
}

type IncomingRPCMsg struct {
	SourceId ServerId
	Msg      RPCMsg
}

type RPCRequestVoteRequest struct {
	Term         Term     `json:"term"`
	CandidateId  ServerId `json:"candidateId"`
	LastLogIndex LogIndex `json:"lastLogIndex"`
	LastLogTerm  Term     `json:"lastLogTerm"`

	// Set when the election was triggered by a leadership transfer
	Transfer bool `json:"transfer,omitempty"`
}

func (msg *RPCRequestVoteRequest) GetType() string {
	return "requestVoteRequest"
}

func (msg *RPCRequestVoteRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCRequestVoteRequest) String() string {
	return fmt.Sprintf("RequestVoteRequest{term: %d, candidateId: %q, "+
		"lastLogIndex: %d, lastLogTerm: %d}",
		msg.Term, msg.CandidateId, msg.LastLogIndex, msg.LastLogTerm)
}

type RPCRequestVoteResponse struct {
	Term        Term `json:"term"`
	VoteGranted bool `json:"voteGranted"`
}

func (msg *RPCRequestVoteResponse) GetType() string {
	return "requestVoteResponse"
}

func (msg *RPCRequestVoteResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCRequestVoteResponse) String() string {
	return fmt.Sprintf("RequestVoteResponse{term: %d, voteGranted: %v}",
		msg.Term, msg.VoteGranted)
}

type RPCAppendEntriesRequest struct {
	Term         Term       `json:"term"`
	LeaderId     ServerId   `json:"leaderId"`
	PrevLogIndex LogIndex   `json:"prevLogIndex"`
	PrevLogTerm  Term       `json:"prevLogTerm"`
	Entries      []LogEntry `json:"entries,omitempty"`
	LeaderCommit LogIndex   `json:"leaderCommit"`
}

func (msg *RPCAppendEntriesRequest) GetType() string {
	return "appendEntriesRequest"
}

func (msg *RPCAppendEntriesRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCAppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntriesRequest{term: %d, leaderId: %q, "+
		"prevLogIndex: %d, prevLogTerm: %d, %d entries, leaderCommit: %d}",
		msg.Term, msg.LeaderId, msg.PrevLogIndex, msg.PrevLogTerm,
		len(msg.Entries), msg.LeaderCommit)
}

// On success, MatchIndex is the index of the last entry known to match the
// leader's log. On failure, ConflictIndex is the index the leader should
// retry from; ConflictTerm is the term of the conflicting entry, or 0 if the
// follower log is too short.
type RPCAppendEntriesResponse struct {
	Term          Term     `json:"term"`
	Success       bool     `json:"success"`
	MatchIndex    LogIndex `json:"matchIndex,omitempty"`
	ConflictIndex LogIndex `json:"conflictIndex,omitempty"`
	ConflictTerm  Term     `json:"conflictTerm,omitempty"`
}

func (msg *RPCAppendEntriesResponse) GetType() string {
	return "appendEntriesResponse"
}

func (msg *RPCAppendEntriesResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCAppendEntriesResponse) String() string {
	if msg.Success {
		return fmt.Sprintf("AppendEntriesResponse{term: %d, success: true, "+
			"matchIndex: %d}", msg.Term, msg.MatchIndex)
	}

	return fmt.Sprintf("AppendEntriesResponse{term: %d, success: false, "+
		"conflictIndex: %d, conflictTerm: %d}",
		msg.Term, msg.ConflictIndex, msg.ConflictTerm)
}

// Snapshots are sent in chunks numbered from 1 to TotalChunks. Checksum is
// the xxhash64 digest of the complete snapshot data.
type RPCInstallSnapshotRequest struct {
	Term              Term          `json:"term"`
	LeaderId          ServerId      `json:"leaderId"`
	LastIncludedIndex LogIndex      `json:"lastIncludedIndex"`
	LastIncludedTerm  Term          `json:"lastIncludedTerm"`
	Config            ClusterConfig `json:"config"`
	ChunkIndex        int           `json:"chunkIndex"`
	TotalChunks       int           `json:"totalChunks"`
	Checksum          uint64        `json:"checksum"`
	Data              []byte        `json:"data"`
}

func (msg *RPCInstallSnapshotRequest) GetType() string {
	return "installSnapshotRequest"
}

func (msg *RPCInstallSnapshotRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCInstallSnapshotRequest) String() string {
	return fmt.Sprintf("InstallSnapshotRequest{term: %d, leaderId: %q, "+
		"lastIncludedIndex: %d, lastIncludedTerm: %d, chunk: %d/%d, "+
		"%d bytes}", msg.Term, msg.LeaderId, msg.LastIncludedIndex,
		msg.LastIncludedTerm, msg.ChunkIndex, msg.TotalChunks, len(msg.Data))
}

// A ChunkIndex of 0 in a failed response asks the leader to restart the
// transfer from the first chunk.
type RPCInstallSnapshotResponse struct {
	Term              Term     `json:"term"`
	LastIncludedIndex LogIndex `json:"lastIncludedIndex"`
	ChunkIndex        int      `json:"chunkIndex"`
	Success           bool     `json:"success"`
}

func (msg *RPCInstallSnapshotResponse) GetType() string {
	return "installSnapshotResponse"
}

func (msg *RPCInstallSnapshotResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCInstallSnapshotResponse) String() string {
	return fmt.Sprintf("InstallSnapshotResponse{term: %d, "+
		"lastIncludedIndex: %d, chunk: %d, success: %v}",
		msg.Term, msg.LastIncludedIndex, msg.ChunkIndex, msg.Success)
}

type RPCTimeoutNowRequest struct {
	Term     Term     `json:"term"`
	LeaderId ServerId `json:"leaderId"`
}

func (msg *RPCTimeoutNowRequest) GetType() string {
	return "timeoutNowRequest"
}

func (msg *RPCTimeoutNowRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCTimeoutNowRequest) String() string {
	return fmt.Sprintf("TimeoutNowRequest{term: %d, leaderId: %q}",
		msg.Term, msg.LeaderId)
}

func EncodeRPCMsg(msg RPCMsg) ([]byte, error) {
	value := struct {
		Type  string `json:"type"`
		Value RPCMsg `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

func DecodeRPCMsg(data []byte) (RPCMsg, error) {
	var value struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	var msg RPCMsg

	switch value.Type {
	case "requestVoteRequest":
		msg = &RPCRequestVoteRequest{}

	case "requestVoteResponse":
		msg = &RPCRequestVoteResponse{}

	case "appendEntriesRequest":
		msg = &RPCAppendEntriesRequest{}

	case "appendEntriesResponse":
		msg = &RPCAppendEntriesResponse{}

	case "installSnapshotRequest":
		msg = &RPCInstallSnapshotRequest{}

	case "installSnapshotResponse":
		msg = &RPCInstallSnapshotResponse{}

	case "timeoutNowRequest":
		msg = &RPCTimeoutNowRequest{}

	default:
		return nil, fmt.Errorf("unknown message type %q", value.Type)
	}

	if err := json.Unmarshal(value.Value, msg); err != nil {
		return nil, err
	}

	return msg, nil
}

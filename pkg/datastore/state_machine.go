package datastore

import (
	"encoding/json"
	"fmt"

	"github.com/galdor/go-raftstore/pkg/raft"
)

// Number of request ids remembered for idempotent retries
const DefaultRequestTableSize = 10_000

// StateMachine applies datastore operations to a tree.
type StateMachine struct {
	Tree *Tree

	commands *raft.CommandRegistry

	requests     map[string]OpResult
	requestOrder []string
	maxRequests  int
}

var _ raft.StateMachine = (*StateMachine)(nil)

func NewStateMachine(commands *raft.CommandRegistry) *StateMachine {
	return &StateMachine{
		Tree: NewTree(),

		commands: commands,

		requests:    make(map[string]OpResult),
		maxRequests: DefaultRequestTableSize,
	}
}

func (sm *StateMachine) Apply(entry *raft.LogEntry) (interface{}, error) {
	cmd, err := sm.commands.Decode(entry.Data)
	if err != nil {
		return nil, err
	}

	op, ok := cmd.(Op)
	if !ok {
		return nil, fmt.Errorf("%w %q", raft.ErrUnknownCommand, cmd.CommandType())
	}

	requestId := op.ClientId()

	if result, found := sm.requests[requestId]; found && requestId != "" {
		return result, nil
	}

	var result OpResult

	switch op := op.(type) {
	case *OpWrite:
		path, err := CleanPath(op.Path)
		if err != nil {
			return nil, err
		}

		if path == RootPath {
			return nil, fmt.Errorf("%w: cannot write the root node",
				ErrInvalidPath)
		}

		result.Created = sm.Tree.Write(path, op.Value)

	case *OpDelete:
		path, err := CleanPath(op.Path)
		if err != nil {
			return nil, err
		}

		result.NbDeleted = sm.Tree.Delete(path)

	default:
		return nil, fmt.Errorf("%w %q", raft.ErrUnknownCommand, cmd.CommandType())
	}

	if requestId != "" {
		sm.recordRequest(requestId, result)
	}

	return result, nil
}

func (sm *StateMachine) recordRequest(id string, result OpResult) {
	sm.requests[id] = result
	sm.requestOrder = append(sm.requestOrder, id)

	if len(sm.requestOrder) > sm.maxRequests {
		oldest := sm.requestOrder[0]
		sm.requestOrder = sm.requestOrder[1:]
		delete(sm.requests, oldest)
	}
}

type snapshotRequest struct {
	Id     string   `json:"id"`
	Result OpResult `json:"result"`
}

type snapshotData struct {
	Nodes    []Node            `json:"nodes"`
	Requests []snapshotRequest `json:"requests"`
}

func (sm *StateMachine) TakeSnapshot() ([]byte, error) {
	snapshot := snapshotData{
		Nodes:    sm.Tree.Nodes(),
		Requests: make([]snapshotRequest, len(sm.requestOrder)),
	}

	for i, id := range sm.requestOrder {
		snapshot.Requests[i] = snapshotRequest{
			Id:     id,
			Result: sm.requests[id],
		}
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("cannot encode snapshot: %w", err)
	}

	return data, nil
}

func (sm *StateMachine) RestoreFromSnapshot(data []byte) error {
	var snapshot snapshotData

	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("cannot decode snapshot: %w", err)
	}

	sm.Tree.Reset(snapshot.Nodes)

	sm.requests = make(map[string]OpResult, len(snapshot.Requests))
	sm.requestOrder = nil

	for _, req := range snapshot.Requests {
		sm.recordRequest(req.Id, req.Result)
	}

	return nil
}

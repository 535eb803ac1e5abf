package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/galdor/go-raftstore/pkg/raft"
)

var ErrNodeNotFound = errors.New("node not found")

// Replica is one member of a replicated datastore. Writes go through the
// Raft log; reads are served from the local tree and can therefore be stale
// on followers.
type Replica struct {
	Server *raft.Server

	stateMachine *StateMachine
}

// NewReplica creates a replica; the state machine and command registry of
// the server configuration are set by the replica.
func NewReplica(cfg raft.ServerCfg) (*Replica, error) {
	commands := NewCommandRegistry()
	stateMachine := NewStateMachine(commands)

	cfg.StateMachine = stateMachine
	cfg.Commands = commands

	server, err := raft.NewServer(cfg)
	if err != nil {
		return nil, err
	}

	r := Replica{
		Server: server,

		stateMachine: stateMachine,
	}

	return &r, nil
}

func (r *Replica) Start(errorChan chan<- error) error {
	return r.Server.Start(errorChan)
}

func (r *Replica) Stop() {
	r.Server.Stop()
}

func (r *Replica) Tree() *Tree {
	return r.stateMachine.Tree
}

func (r *Replica) Write(ctx context.Context, path, value string) (OpResult, error) {
	return r.Apply(ctx, NewOpWrite(path, value))
}

func (r *Replica) Delete(ctx context.Context, path string) (OpResult, error) {
	return r.Apply(ctx, NewOpDelete(path))
}

// Apply submits an operation and waits for its result. If it fails with
// raft.ErrLeadershipLost, the same operation can be submitted again: it will
// not be applied twice.
func (r *Replica) Apply(ctx context.Context, op Op) (OpResult, error) {
	res, err := r.Server.ProposeCommand(op).Wait(ctx)
	if err != nil {
		return OpResult{}, err
	}

	result, ok := res.Value.(OpResult)
	if !ok {
		return OpResult{}, fmt.Errorf("unexpected operation result %#v",
			res.Value)
	}

	return result, nil
}

func (r *Replica) Read(path string) (Node, error) {
	path, err := CleanPath(path)
	if err != nil {
		return Node{}, err
	}

	if path == RootPath {
		return Node{Path: RootPath}, nil
	}

	node, found := r.stateMachine.Tree.Read(path)
	if !found {
		return Node{}, fmt.Errorf("%w: %q", ErrNodeNotFound, path)
	}

	return node, nil
}

func (r *Replica) Children(path string) ([]Node, error) {
	path, err := CleanPath(path)
	if err != nil {
		return nil, err
	}

	if path != RootPath {
		if _, found := r.stateMachine.Tree.Read(path); !found {
			return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, path)
		}
	}

	return r.stateMachine.Tree.Children(path), nil
}

package datastore

import (
	"testing"

	"github.com/galdor/go-raftstore/pkg/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyOp(t *testing.T, sm *StateMachine, op Op) (interface{}, error) {
	t.Helper()

	data, err := sm.commands.Encode(op)
	require.NoError(t, err)

	entry := raft.LogEntry{
		Index:    1,
		Term:     1,
		Type:     raft.EntryCommand,
		ClientId: op.ClientId(),
		Data:     data,
	}

	return sm.Apply(&entry)
}

func TestStateMachineApply(t *testing.T) {
	sm := NewStateMachine(NewCommandRegistry())

	value, err := applyOp(t, sm, NewOpWrite("/a/b", "1"))
	require.NoError(t, err)
	assert.Equal(t, OpResult{Created: true}, value)

	value, err = applyOp(t, sm, NewOpWrite("/a/b", "2"))
	require.NoError(t, err)
	assert.Equal(t, OpResult{Created: false}, value)

	value, err = applyOp(t, sm, NewOpDelete("/a"))
	require.NoError(t, err)
	assert.Equal(t, OpResult{NbDeleted: 2}, value)

	_, err = applyOp(t, sm, NewOpWrite("a//b", "1"))
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = applyOp(t, sm, NewOpWrite("/", "1"))
	assert.ErrorIs(t, err, ErrInvalidPath)

	entry := raft.LogEntry{Index: 2, Term: 1, Data: []byte(`{"type":"rename","version":1,"data":{}}`)}
	_, err = sm.Apply(&entry)
	assert.ErrorIs(t, err, raft.ErrUnknownCommand)
}

func TestStateMachineIdempotentRetry(t *testing.T) {
	sm := NewStateMachine(NewCommandRegistry())

	op := NewOpWrite("/a", "1")

	value, err := applyOp(t, sm, op)
	require.NoError(t, err)
	assert.Equal(t, OpResult{Created: true}, value)

	sm.Tree.Write("/a", "changed")

	// The retry returns the recorded result and leaves the tree untouched
	value, err = applyOp(t, sm, op)
	require.NoError(t, err)
	assert.Equal(t, OpResult{Created: true}, value)

	node, found := sm.Tree.Read("/a")
	require.True(t, found)
	assert.Equal(t, "changed", node.Value)
}

func TestStateMachineRequestTableSize(t *testing.T) {
	sm := NewStateMachine(NewCommandRegistry())
	sm.maxRequests = 2

	op1 := NewOpWrite("/a", "1")

	_, err := applyOp(t, sm, op1)
	require.NoError(t, err)
	_, err = applyOp(t, sm, NewOpWrite("/b", "1"))
	require.NoError(t, err)
	_, err = applyOp(t, sm, NewOpWrite("/c", "1"))
	require.NoError(t, err)

	assert.Len(t, sm.requests, 2)
	assert.NotContains(t, sm.requests, op1.RequestId)
}

func TestStateMachineSnapshot(t *testing.T) {
	sm := NewStateMachine(NewCommandRegistry())

	op := NewOpWrite("/a/b", "1")

	_, err := applyOp(t, sm, op)
	require.NoError(t, err)
	_, err = applyOp(t, sm, NewOpWrite("/c", "2"))
	require.NoError(t, err)

	data, err := sm.TakeSnapshot()
	require.NoError(t, err)

	sm2 := NewStateMachine(NewCommandRegistry())
	sm2.Tree.Write("/stale", "x")

	require.NoError(t, sm2.RestoreFromSnapshot(data))

	assert.Equal(t, sm.Tree.Nodes(), sm2.Tree.Nodes())
	assert.Equal(t, sm.requests, sm2.requests)
	assert.Equal(t, sm.requestOrder, sm2.requestOrder)

	// Request ids survive snapshots
	sm2.Tree.Write("/a/b", "changed")

	value, err := applyOp(t, sm2, op)
	require.NoError(t, err)
	assert.Equal(t, OpResult{Created: true}, value)

	node, _ := sm2.Tree.Read("/a/b")
	assert.Equal(t, "changed", node.Value)
}

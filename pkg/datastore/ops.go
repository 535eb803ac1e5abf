package datastore

import (
	"github.com/galdor/go-raftstore/pkg/raft"
	"github.com/google/uuid"
)

// Op is a datastore operation carried by log entries. Each operation has a
// request id so that a client can retry it after an ambiguous failure
// without applying it twice.
type Op interface {
	raft.Command
	ClientId() string
}

type OpWrite struct {
	RequestId string `json:"requestId"`
	Path      string `json:"path"`
	Value     string `json:"value"`
}

func (op *OpWrite) CommandType() string {
	return "write"
}

func (op *OpWrite) ClientId() string {
	return op.RequestId
}

type OpDelete struct {
	RequestId string `json:"requestId"`
	Path      string `json:"path"`
}

func (op *OpDelete) CommandType() string {
	return "delete"
}

func (op *OpDelete) ClientId() string {
	return op.RequestId
}

// OpResult is the result of an operation. It is recorded with the request id
// of the operation and returned again if the operation is retried.
type OpResult struct {
	Created      bool   `json:"created,omitempty"`
	NbDeleted    int    `json:"nbDeleted,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
}

func NewRequestId() string {
	return uuid.NewString()
}

func NewOpWrite(path, value string) *OpWrite {
	return &OpWrite{
		RequestId: NewRequestId(),
		Path:      path,
		Value:     value,
	}
}

func NewOpDelete(path string) *OpDelete {
	return &OpDelete{
		RequestId: NewRequestId(),
		Path:      path,
	}
}

func NewCommandRegistry() *raft.CommandRegistry {
	r := raft.NewCommandRegistry()

	r.Register(raft.CommandCodec{
		Type:    "write",
		Version: 1,
		New:     func() raft.Command { return &OpWrite{} },
	})

	r.Register(raft.CommandCodec{
		Type:    "delete",
		Version: 1,
		New:     func() raft.Command { return &OpDelete{} },
	})

	return r
}

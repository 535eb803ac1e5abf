package raft

import (
	"errors"
	"fmt"
)

var (
	ErrNotLeader              = errors.New("server is not the leader")
	ErrLeadershipLost         = errors.New("leadership lost before the entry was applied")
	ErrConfigChangeInProgress = errors.New("configuration change in progress")
	ErrTransferInProgress     = errors.New("leadership transfer in progress")
	ErrStopped                = errors.New("server stopped")
	ErrPersistence            = errors.New("persistence failure")
	ErrNonContiguousEntry     = errors.New("non-contiguous log entry")
	ErrCompacted              = errors.New("log entry compacted")
	ErrUnknownCommand         = errors.New("unknown command")
	ErrInvalidConfig          = errors.New("invalid cluster configuration")
)

// NotLeaderError is returned for requests which can only be handled by the
// leader. LeaderId is empty when the current leader is unknown.
type NotLeaderError struct {
	LeaderId ServerId
}

func (err *NotLeaderError) Error() string {
	if err.LeaderId == "" {
		return "server is not the leader, leader unknown"
	}

	return fmt.Sprintf("server is not the leader, redirect to %q", err.LeaderId)
}

func (err *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

// InvariantViolationError is the panic value used when the server detects
// a state which would compromise safety if the server kept running.
type InvariantViolationError struct {
	Message string
}

func (err *InvariantViolationError) Error() string {
	return "invariant violation: " + err.Message
}

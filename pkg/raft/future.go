package raft

import (
	"context"
	"sync"
)

type CommitResult struct {
	Index LogIndex
	Term  Term

	// The value returned by the state machine for command entries
	Value interface{}
}

// Future is the eventual result of a request handled by the server.
type Future struct {
	done chan struct{}
	once sync.Once

	result CommitResult
	err    error
}

func newFuture() *Future {
	return &Future{
		done: make(chan struct{}),
	}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.fail(err)
	return f
}

func (f *Future) resolve(result CommitResult, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

func (f *Future) fail(err error) {
	f.resolve(CommitResult{}, err)
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is resolved or the context is done. A context
// error does not cancel the request.
func (f *Future) Wait(ctx context.Context) (CommitResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return CommitResult{}, ctx.Err()
	}
}

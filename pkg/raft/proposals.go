package raft

import (
	"errors"
	"fmt"
	"time"
)

var errTransferTimeout = errors.New("leadership transfer timed out")

type leadershipTransfer struct {
	target   ServerId
	future   *Future
	deadline time.Time

	timeoutNowSent bool
}

// acceptRequest checks whether the server can handle a client request in
// its current state. Requests received while waiting for the leadership noop
// entry to commit are queued.
func (s *Server) acceptRequest(req interface{}, future *Future) bool {
	switch s.state {
	case ServerStateLeader:
		return true

	case ServerStatePreLeader:
		s.queuedRequests = append(s.queuedRequests, req)
		return false

	case ServerStateIsolatedLeader:
		s.rejectRequest(future, &NotLeaderError{})
		return false

	default:
		s.rejectRequest(future, &NotLeaderError{LeaderId: s.currentLeader})
		return false
	}
}

func (s *Server) rejectRequest(future *Future, err error) {
	s.metrics.proposals.WithLabelValues("rejected").Inc()
	future.fail(err)
}

func (s *Server) onProposeRequest(req *proposeRequest) {
	if !s.acceptRequest(req, req.future) {
		return
	}

	if s.transfer != nil {
		s.rejectRequest(req.future, ErrTransferInProgress)
		return
	}

	s.propose(LogEntry{
		Type:     req.entryType,
		ClientId: req.clientId,
		Data:     req.data,
	}, req.future)
}

func (s *Server) propose(entry LogEntry, future *Future) {
	entry.Index = s.log.LastIndex() + 1
	entry.Term = s.persistentState.CurrentTerm

	if err := s.appendEntries([]LogEntry{entry}); err != nil {
		future.fail(fmt.Errorf("%w: %v", ErrPersistence, err))
		return
	}

	s.Log.Debug(2, "proposing %v", entry)

	s.proposals[entry.Index] = &pendingProposal{
		term:   entry.Term,
		future: future,
	}

	s.replicate(false)
	s.advanceCommitIndex()
}

func (s *Server) onConfigChangeRequest(req *configChangeRequest) {
	if !s.acceptRequest(req, req.future) {
		return
	}

	if s.transfer != nil {
		s.rejectRequest(req.future, ErrTransferInProgress)
		return
	}

	if s.pendingConfig != nil {
		s.rejectRequest(req.future, ErrConfigChangeInProgress)
		return
	}

	cfg, err := req.change(s.config.Clone())
	if err != nil {
		s.rejectRequest(req.future, err)
		return
	}

	if err := cfg.Validate(); err != nil {
		s.rejectRequest(req.future, err)
		return
	}

	if cfg.Equal(s.config) {
		req.future.resolve(CommitResult{
			Index: s.commitIndex,
			Term:  s.persistentState.CurrentTerm,
		}, nil)
		return
	}

	data, err := encodeClusterConfig(cfg)
	if err != nil {
		s.rejectRequest(req.future, fmt.Errorf("cannot encode "+
			"configuration: %w", err))
		return
	}

	s.Log.Info("changing configuration to %v", cfg)

	entry := LogEntry{
		Type: EntryConfig,
		Data: data,
	}

	// appendEntries sets the pending configuration; followers must be known
	// before replicating the entry.
	s.propose(entry, req.future)

	s.syncFollowers()
	s.updateTransportPeers()
	s.replicate(false)
}

func (s *Server) onTransferRequest(req *transferRequest) {
	if !s.acceptRequest(req, req.future) {
		return
	}

	if s.transfer != nil {
		s.rejectRequest(req.future, ErrTransferInProgress)
		return
	}

	if req.target == s.Id {
		req.future.resolve(CommitResult{
			Index: s.commitIndex,
			Term:  s.persistentState.CurrentTerm,
		}, nil)
		return
	}

	if !s.config.IsVoter(req.target) {
		s.rejectRequest(req.future, fmt.Errorf("%w: %q is not a voting member",
			ErrInvalidConfig, req.target))
		return
	}

	s.Log.Info("transferring leadership to %s", req.target)

	s.transfer = &leadershipTransfer{
		target:   req.target,
		future:   req.future,
		deadline: s.clock.Now().Add(2 * s.Cfg.MaxElectionTimeout),
	}

	if f := s.followers[req.target]; f != nil {
		s.checkTransferProgress(f)

		if !s.transfer.timeoutNowSent {
			s.sendUpdate(f, false)
		}
	}
}

// checkTransferProgress tells the target of a leadership transfer to start
// an election as soon as its log is up-to-date.
func (s *Server) checkTransferProgress(f *followerState) {
	t := s.transfer
	if t == nil || t.target != f.id || t.timeoutNowSent {
		return
	}

	if f.matchIndex < s.log.LastIndex() {
		return
	}

	s.Log.Debug(1, "%s is up-to-date, sending TimeoutNow", f.id)

	t.timeoutNowSent = true

	s.sendMsg(f.id, &RPCTimeoutNowRequest{
		Term:     s.persistentState.CurrentTerm,
		LeaderId: s.Id,
	})
}

func (s *Server) checkTransferDeadline() {
	t := s.transfer
	if t == nil {
		return
	}

	if s.clock.Now().Before(t.deadline) {
		return
	}

	s.Log.Info("leadership transfer to %s timed out", t.target)

	t.future.fail(errTransferTimeout)
	s.transfer = nil
}

// observeLeader completes a leadership transfer once a leader is known.
func (s *Server) observeLeader(leaderId ServerId) {
	t := s.transfer
	if t == nil {
		return
	}

	s.transfer = nil

	if leaderId == t.target {
		t.future.resolve(CommitResult{
			Index: s.commitIndex,
			Term:  s.persistentState.CurrentTerm,
		}, nil)
	} else {
		t.future.fail(&NotLeaderError{LeaderId: leaderId})
	}
}

func (s *Server) onRPCTimeoutNowRequest(sourceId ServerId, req *RPCTimeoutNowRequest) {
	if s.state != ServerStateFollower {
		return
	}

	if !s.config.IsVoter(s.Id) {
		s.Log.Error("ignoring TimeoutNow request from %s: server is not "+
			"a voter", sourceId)
		return
	}

	s.Log.Info("starting election on request of %s", req.LeaderId)

	s.startElection(true)
}

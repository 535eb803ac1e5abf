package raft

func (s *Server) onElectionTimer() {
	s.electionTimer = nil

	s.checkTransferDeadline()

	if s.storageFailed {
		s.checkStorageRecovery()
		s.setupElectionTimer()
		return
	}

	switch s.state {
	case ServerStateFollower, ServerStateCandidate:
		if !s.config.IsVoter(s.Id) {
			// Non-voting or removed servers never start elections
			s.Log.Debug(2, "election timer expired but server is not a voter")
			s.setupElectionTimer()
			return
		}

		s.Log.Debug(1, "election timer expired, starting election")
		s.startElection(false)

	default:
		Panicf("election timer expired in state %v", s.state)
	}
}

func (s *Server) startElection(transfer bool) {
	pstate := PersistentState{
		CurrentTerm: s.persistentState.CurrentTerm + 1,
		VotedFor:    s.Id,
	}

	if err := s.updatePersistentState(pstate); err != nil {
		s.setupElectionTimer()
		return
	}

	s.setState(ServerStateCandidate)
	s.currentLeader = ""
	s.metrics.elections.Inc()

	s.Log.Debug(1, "starting election for term %d", pstate.CurrentTerm)

	s.votes = map[ServerId]bool{s.Id: true}

	if s.checkVotes() {
		return
	}

	req := RPCRequestVoteRequest{
		Term:         pstate.CurrentTerm,
		CandidateId:  s.Id,
		LastLogIndex: s.log.LastIndex(),
		LastLogTerm:  s.log.LastTerm(),
		Transfer:     transfer,
	}

	for _, id := range s.config.Voters() {
		if id == s.Id {
			continue
		}

		s.sendMsg(id, &req)
	}

	// If the election fails without a leader being elected, the timer will
	// go off again and a new election will start with a higher term.
	s.setupElectionTimer()
}

func (s *Server) onRPCRequestVoteRequest(sourceId ServerId, req *RPCRequestVoteRequest) {
	term := s.persistentState.CurrentTerm

	res := RPCRequestVoteResponse{
		Term: term,
	}

	votedFor := s.persistentState.VotedFor
	canVote := votedFor == "" || votedFor == req.CandidateId

	upToDate := s.log.IsUpToDate(req.LastLogIndex, req.LastLogTerm)

	switch {
	case !s.config.IsVoter(s.Id):
		s.Log.Debug(1, "rejecting vote request from %s: server is not a voter",
			req.CandidateId)

	case !canVote:
		s.Log.Debug(1, "rejecting vote request from %s: already voted for %s",
			req.CandidateId, votedFor)

	case !upToDate:
		s.Log.Debug(1, "rejecting vote request from %s: candidate log is "+
			"not up-to-date", req.CandidateId)

	default:
		pstate := PersistentState{CurrentTerm: term, VotedFor: req.CandidateId}
		if err := s.updatePersistentState(pstate); err != nil {
			// No reply: an unpersisted vote must not be granted
			return
		}

		s.Log.Debug(1, "granting vote to %s for term %d", req.CandidateId, term)

		res.VoteGranted = true

		if s.state == ServerStateFollower {
			s.resetElectionTimer()
		}
	}

	s.sendMsg(sourceId, &res)
}

func (s *Server) onRPCRequestVoteResponse(sourceId ServerId, res *RPCRequestVoteResponse) {
	if s.state != ServerStateCandidate {
		return
	}

	if res.Term != s.persistentState.CurrentTerm {
		return
	}

	if !res.VoteGranted {
		s.Log.Debug(2, "vote rejected by %s", sourceId)
		return
	}

	s.votes[sourceId] = true

	s.checkVotes()
}

// checkVotes counts votes against the voters of the committed configuration
// and makes the server leader if it has a majority.
func (s *Server) checkVotes() bool {
	nbVotes := 0
	for _, id := range s.config.Voters() {
		if s.votes[id] {
			nbVotes++
		}
	}

	quorum := s.config.QuorumSize()

	s.Log.Debug(2, "%d/%d votes (quorum: %d)",
		nbVotes, len(s.config.Voters()), quorum)

	if nbVotes < quorum {
		return false
	}

	s.becomeLeader()
	return true
}

// becomeLeader makes the server enter the PreLeader state: it appends a noop
// entry for the current term and only starts accepting proposals once this
// entry is committed.
func (s *Server) becomeLeader() {
	term := s.persistentState.CurrentTerm

	s.Log.Info("elected leader for term %d", term)

	s.stopElectionTimer()
	s.votes = nil
	s.snapshotReceiver = nil

	s.setState(ServerStatePreLeader)
	s.currentLeader = s.Id

	s.followers = make(map[ServerId]*followerState)
	s.proposals = make(map[LogIndex]*pendingProposal)
	s.syncFollowers()

	noop := LogEntry{
		Index: s.log.LastIndex() + 1,
		Term:  term,
		Type:  EntryNoop,
	}

	if err := s.appendEntries([]LogEntry{noop}); err != nil {
		return
	}

	s.noopIndex = noop.Index

	s.setupHeartbeatTicker()
	s.setupIsolationTicker()

	s.replicate(true)
	s.advanceCommitIndex()
}

func (s *Server) onLeadershipConfirmed() {
	s.Log.Info("leadership confirmed at index %d", s.noopIndex)

	s.setState(ServerStateLeader)

	requests := s.queuedRequests
	s.queuedRequests = nil

	for _, req := range requests {
		s.onRequest(req)
	}
}

// onIsolationTicker checks that the leader is still in contact with a
// majority of voters. An isolated leader stops accepting proposals until it
// hears from a majority again.
func (s *Server) onIsolationTicker() {
	if !s.state.IsLeader() {
		return
	}

	now := s.clock.Now()
	limit := now.Add(-s.Cfg.IsolationCheckInterval)

	nbContacts := 0
	for _, id := range s.config.Voters() {
		if id == s.Id {
			nbContacts++
			continue
		}

		if f := s.followers[id]; f != nil && f.lastContact.After(limit) {
			nbContacts++
		}
	}

	isolated := nbContacts < s.config.QuorumSize()

	switch {
	case isolated && s.state != ServerStateIsolatedLeader:
		s.Log.Info("lost contact with a majority of voters (%d/%d)",
			nbContacts, len(s.config.Voters()))
		s.setState(ServerStateIsolatedLeader)

	case !isolated && s.state == ServerStateIsolatedLeader:
		s.Log.Info("contact with a majority of voters restored")

		if s.commitIndex >= s.noopIndex {
			s.onLeadershipConfirmed()
		} else {
			s.setState(ServerStatePreLeader)
		}
	}
}

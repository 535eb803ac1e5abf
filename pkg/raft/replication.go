package raft

import "time"

type followerState struct {
	id ServerId

	nextIndex  LogIndex
	matchIndex LogIndex

	// Set when an AppendEntries request was sent and no response was
	// received yet. Heartbeats are sent regardless.
	inFlight bool

	lastContact time.Time

	snapshot *snapshotTransfer
}

// replicationTargets returns the servers the leader replicates its log to:
// members of the committed configuration and of the pending one if any.
func (s *Server) replicationTargets() map[ServerId]struct{} {
	targets := make(map[ServerId]struct{})

	for _, server := range s.config.Servers {
		targets[server.Id] = struct{}{}
	}

	if s.pendingConfig != nil {
		for _, server := range s.pendingConfig.Servers {
			targets[server.Id] = struct{}{}
		}
	}

	delete(targets, s.Id)

	return targets
}

func (s *Server) syncFollowers() {
	if !s.state.IsLeader() {
		return
	}

	targets := s.replicationTargets()

	for id := range targets {
		if _, found := s.followers[id]; found {
			continue
		}

		s.Log.Debug(1, "replicating to %s", id)

		s.followers[id] = &followerState{
			id:          id,
			nextIndex:   s.log.LastIndex() + 1,
			lastContact: s.clock.Now(),
		}
	}

	for id := range s.followers {
		if _, found := targets[id]; !found {
			s.Log.Debug(1, "no longer replicating to %s", id)
			delete(s.followers, id)
		}
	}
}

func (s *Server) updateTransportPeers() {
	updater, ok := s.transport.(PeerUpdater)
	if !ok {
		return
	}

	updater.UpdatePeers(s.config)

	if s.pendingConfig != nil {
		updater.UpdatePeers(*s.pendingConfig)
	}
}

func (s *Server) onHeartbeatTicker() {
	if !s.state.IsLeader() {
		return
	}

	s.checkTransferDeadline()

	if !s.state.IsLeader() {
		return
	}

	s.replicate(true)
}

func (s *Server) replicate(heartbeat bool) {
	for _, f := range s.followers {
		s.sendUpdate(f, heartbeat)
	}
}

// sendUpdate sends to a follower the entries it is missing, or a snapshot
// if these entries were compacted.
func (s *Server) sendUpdate(f *followerState, heartbeat bool) {
	if f.snapshot != nil {
		if heartbeat {
			s.sendSnapshotChunk(f)
		}

		return
	}

	if f.inFlight && !heartbeat {
		return
	}

	if f.nextIndex <= s.log.SnapshotIndex() {
		s.startSnapshotTransfer(f)
		return
	}

	prevIndex := f.nextIndex - 1

	prevTerm, found := s.log.Term(prevIndex)
	if !found {
		Panicf("missing term of entry %d (next index of %s: %d)",
			prevIndex, f.id, f.nextIndex)
	}

	entries := s.log.Slice(f.nextIndex, s.log.LastIndex(),
		s.Cfg.MaxAppendEntries)

	req := RPCAppendEntriesRequest{
		Term:         s.persistentState.CurrentTerm,
		LeaderId:     s.Id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: s.commitIndex,
	}

	f.inFlight = true

	s.sendMsg(f.id, &req)
}

func (s *Server) onRPCAppendEntriesRequest(sourceId ServerId, req *RPCAppendEntriesRequest) {
	term := s.persistentState.CurrentTerm

	if s.state.IsLeader() {
		Panicf("received AppendEntries request from %s in term %d while "+
			"being leader", req.LeaderId, term)
	}

	if s.state == ServerStateCandidate {
		// Someone else won the election for the current term
		s.revertToFollower()
	}

	if s.currentLeader != req.LeaderId {
		s.Log.Info("following leader %s for term %d", req.LeaderId, term)
		s.currentLeader = req.LeaderId
	}

	s.observeLeader(req.LeaderId)

	s.resetElectionTimer()

	res := RPCAppendEntriesResponse{
		Term: term,
	}

	prevIndex := req.PrevLogIndex
	entries := req.Entries

	if prevIndex < s.log.SnapshotIndex() {
		// Entries up to the snapshot index are committed and already
		// included in our snapshot.
		skip := s.log.SnapshotIndex() - prevIndex

		if LogIndex(len(entries)) <= skip {
			res.Success = true
			res.MatchIndex = prevIndex + LogIndex(len(entries))
			s.sendMsg(sourceId, &res)
			return
		}

		entries = entries[skip:]
		prevIndex = s.log.SnapshotIndex()
	} else {
		prevTerm, found := s.log.Term(prevIndex)
		if !found {
			res.ConflictIndex = s.log.LastIndex() + 1
			s.sendMsg(sourceId, &res)
			return
		}

		if prevTerm != req.PrevLogTerm {
			res.ConflictTerm = prevTerm

			if index, found := s.log.FirstIndexOfTerm(prevTerm); found {
				res.ConflictIndex = index
			} else {
				res.ConflictIndex = prevIndex
			}

			s.sendMsg(sourceId, &res)
			return
		}
	}

	// Skip entries we already have and remove conflicting ones
	newEntries := entries[:0:0]

	for i, entry := range entries {
		localTerm, found := s.log.Term(entry.Index)
		if found && localTerm == entry.Term {
			continue
		}

		if found {
			if err := s.truncateEntries(entry.Index); err != nil {
				return
			}
		}

		newEntries = entries[i:]
		break
	}

	if err := s.appendEntries(newEntries); err != nil {
		return
	}

	if len(newEntries) > 0 {
		s.updateTransportPeers()
	}

	res.Success = true
	res.MatchIndex = prevIndex + LogIndex(len(entries))

	if req.LeaderCommit > s.commitIndex {
		commitIndex := minIndex(req.LeaderCommit, res.MatchIndex)
		if commitIndex > s.commitIndex {
			s.setCommitIndex(commitIndex)
			s.applyCommittedEntries()
		}
	}

	s.sendMsg(sourceId, &res)
}

func (s *Server) onRPCAppendEntriesResponse(sourceId ServerId, res *RPCAppendEntriesResponse) {
	if !s.state.IsLeader() || res.Term != s.persistentState.CurrentTerm {
		return
	}

	f, found := s.followers[sourceId]
	if !found {
		return
	}

	f.inFlight = false
	f.lastContact = s.clock.Now()

	if f.snapshot != nil {
		// Stale response to a request sent before the snapshot transfer
		return
	}

	if !res.Success {
		f.nextIndex = s.nextIndexAfterConflict(f, res)

		s.Log.Debug(2, "log mismatch on %s, next index: %d",
			sourceId, f.nextIndex)

		s.sendUpdate(f, false)
		return
	}

	if res.MatchIndex > s.log.LastIndex() {
		Panicf("%s acknowledged entry %d beyond last index %d",
			sourceId, res.MatchIndex, s.log.LastIndex())
	}

	if res.MatchIndex > f.matchIndex {
		f.matchIndex = res.MatchIndex
	}

	if f.nextIndex < f.matchIndex+1 {
		f.nextIndex = f.matchIndex + 1
	}

	s.advanceCommitIndex()

	if !s.state.IsLeader() {
		return
	}

	s.checkTransferProgress(f)

	if f.nextIndex <= s.log.LastIndex() {
		s.sendUpdate(f, false)
	}
}

// nextIndexAfterConflict uses the conflict hints of a follower to skip over
// a whole term of mismatching entries at once.
func (s *Server) nextIndexAfterConflict(f *followerState, res *RPCAppendEntriesResponse) LogIndex {
	var nextIndex LogIndex

	if res.ConflictTerm == 0 {
		nextIndex = res.ConflictIndex
	} else if index, found := s.log.LastIndexOfTerm(res.ConflictTerm); found {
		nextIndex = index + 1
	} else {
		nextIndex = res.ConflictIndex
	}

	if nextIndex == 0 {
		// Response without hints
		nextIndex = f.nextIndex - 1
	}

	nextIndex = minIndex(nextIndex, s.log.LastIndex()+1)
	nextIndex = maxIndex(nextIndex, f.matchIndex+1)

	return nextIndex
}

// advanceCommitIndex commits the highest entry of the current term stored on
// a majority of voters. Entries of previous terms are only committed
// transitively.
func (s *Server) advanceCommitIndex() {
	if !s.state.IsLeader() {
		return
	}

	term := s.persistentState.CurrentTerm
	voters := s.config.Voters()
	quorum := s.config.QuorumSize()

	for index := s.log.LastIndex(); index > s.commitIndex; index-- {
		entryTerm, _ := s.log.Term(index)
		if entryTerm != term {
			break
		}

		nbReplicas := 0
		for _, id := range voters {
			if id == s.Id {
				nbReplicas++
			} else if f := s.followers[id]; f != nil && f.matchIndex >= index {
				nbReplicas++
			}
		}

		if nbReplicas >= quorum {
			s.Log.Debug(2, "committing up to index %d", index)
			s.setCommitIndex(index)
			s.applyCommittedEntries()
			break
		}
	}
}

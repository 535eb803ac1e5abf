package raft

// applyCommittedEntries applies committed entries to the state machine in
// log order and resolves the proposals waiting for them.
func (s *Server) applyCommittedEntries() {
	removed := false

	for s.lastApplied < s.commitIndex {
		index := s.lastApplied + 1

		entry, found := s.log.Entry(index)
		if !found {
			Panicf("missing committed entry %d", index)
		}

		if entry.Index != index {
			Panicf("entry %d found at index %d", entry.Index, index)
		}

		var value interface{}
		var err error

		switch entry.Type {
		case EntryCommand:
			value, err = s.stateMachine.Apply(entry)

		case EntryNoop:

		case EntryConfig:
			s.applyConfigEntry(entry)

			if !s.config.Contains(s.Id) {
				removed = true
			}

		default:
			Panicf("unknown type of entry %v", entry)
		}

		s.lastApplied = index

		if proposal, found := s.proposals[index]; found {
			delete(s.proposals, index)

			if proposal.term == entry.Term {
				result := CommitResult{
					Index: index,
					Term:  entry.Term,
					Value: value,
				}

				proposal.future.resolve(result, err)
				s.metrics.proposals.WithLabelValues("applied").Inc()
			} else {
				proposal.future.fail(ErrLeadershipLost)
				s.metrics.proposals.WithLabelValues("lost").Inc()
			}
		}
	}

	s.metrics.lastApplied.Set(float64(s.lastApplied))

	if s.state == ServerStatePreLeader && s.commitIndex >= s.noopIndex {
		s.onLeadershipConfirmed()
	}

	if removed && s.state.IsLeader() {
		s.Log.Info("removed from the cluster, stepping down")
		s.revertToFollower()
		s.currentLeader = ""
	}

	s.maybeTakeSnapshot()
}

func (s *Server) applyConfigEntry(entry *LogEntry) {
	cfg, err := decodeClusterConfig(entry.Data)
	if err != nil {
		Panicf("invalid configuration entry %d: %v", entry.Index, err)
	}

	s.Log.Info("configuration committed at index %d: %v", entry.Index, cfg)

	s.config = cfg

	if s.pendingConfigIndex <= entry.Index {
		s.pendingConfig = nil
		s.pendingConfigIndex = 0
	}

	s.updateTransportPeers()
	s.syncFollowers()
}

// refreshPendingConfig looks for the last configuration entry which is not
// applied yet.
func (s *Server) refreshPendingConfig() {
	s.pendingConfig = nil
	s.pendingConfigIndex = 0

	for index := s.log.LastIndex(); index > s.lastApplied; index-- {
		entry, found := s.log.Entry(index)
		if !found {
			break
		}

		if entry.Type != EntryConfig {
			continue
		}

		cfg, err := decodeClusterConfig(entry.Data)
		if err != nil {
			Panicf("invalid configuration entry %d: %v", entry.Index, err)
		}

		s.pendingConfig = &cfg
		s.pendingConfigIndex = index

		break
	}
}

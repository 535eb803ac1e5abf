package raft

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

type cachedSnapshot struct {
	snapshot *Snapshot
	checksum uint64
}

type snapshotTransfer struct {
	snapshot    *Snapshot
	checksum    uint64
	chunkIndex  int // chunk currently being sent, starting at 1
	totalChunks int
}

func (t *snapshotTransfer) chunk(chunkSize int) []byte {
	data := t.snapshot.Data

	start := (t.chunkIndex - 1) * chunkSize
	end := start + chunkSize
	if end > len(data) {
		end = len(data)
	}

	return data[start:end]
}

type snapshotReceiver struct {
	lastIncludedIndex LogIndex
	lastIncludedTerm  Term
	checksum          uint64
	totalChunks       int

	nextChunk int
	buf       bytes.Buffer
}

// maybeTakeSnapshot compacts the log once enough entries were applied since
// the last snapshot.
func (s *Server) maybeTakeSnapshot() {
	if s.Cfg.SnapshotThreshold < 0 {
		return
	}

	threshold := LogIndex(s.Cfg.SnapshotThreshold)

	if s.lastApplied-s.log.SnapshotIndex() <= threshold {
		return
	}

	if err := s.takeSnapshot(); err != nil {
		s.Log.Error("cannot take snapshot: %v", err)
	}
}

func (s *Server) takeSnapshot() error {
	index := s.lastApplied

	term, found := s.log.Term(index)
	if !found {
		Panicf("missing term of applied entry %d", index)
	}

	data, err := s.stateMachine.TakeSnapshot()
	if err != nil {
		return fmt.Errorf("cannot snapshot state machine: %w", err)
	}

	snapshot := Snapshot{
		LastIncludedIndex: index,
		LastIncludedTerm:  term,
		Config:            s.config.Clone(),
		Data:              data,
	}

	if err := s.storage.SaveSnapshot(&snapshot); err != nil {
		err = fmt.Errorf("cannot save snapshot: %w", err)
		s.onStorageFailure(err)
		return err
	}

	s.log.CompactTo(index, term)

	if err := s.storage.CompactEntries(index); err != nil {
		err = fmt.Errorf("cannot compact entries: %w", err)
		s.onStorageFailure(err)
		return err
	}

	s.snapshotCache = &cachedSnapshot{
		snapshot: &snapshot,
		checksum: xxhash.Sum64(data),
	}

	s.metrics.snapshotsTaken.Inc()

	s.Log.Debug(1, "took snapshot at index %d (term %d, %d bytes)",
		index, term, len(data))

	return nil
}

func (s *Server) latestSnapshot() (*cachedSnapshot, error) {
	if c := s.snapshotCache; c != nil &&
		c.snapshot.LastIncludedIndex == s.log.SnapshotIndex() {
		return c, nil
	}

	snapshot, err := s.storage.LoadLatestSnapshot()
	if err != nil {
		return nil, fmt.Errorf("cannot load snapshot: %w", err)
	} else if snapshot == nil {
		Panicf("missing snapshot for compacted index %d", s.log.SnapshotIndex())
	}

	s.snapshotCache = &cachedSnapshot{
		snapshot: snapshot,
		checksum: xxhash.Sum64(snapshot.Data),
	}

	return s.snapshotCache, nil
}

func (s *Server) startSnapshotTransfer(f *followerState) {
	cache, err := s.latestSnapshot()
	if err != nil {
		s.Log.Error("cannot send snapshot to %s: %v", f.id, err)
		return
	}

	chunkSize := s.Cfg.SnapshotChunkSize

	totalChunks := (len(cache.snapshot.Data) + chunkSize - 1) / chunkSize
	if totalChunks == 0 {
		totalChunks = 1
	}

	s.Log.Debug(1, "sending snapshot at index %d to %s (%d chunks)",
		cache.snapshot.LastIncludedIndex, f.id, totalChunks)

	f.snapshot = &snapshotTransfer{
		snapshot:    cache.snapshot,
		checksum:    cache.checksum,
		chunkIndex:  1,
		totalChunks: totalChunks,
	}

	s.sendSnapshotChunk(f)
}

func (s *Server) sendSnapshotChunk(f *followerState) {
	t := f.snapshot
	snapshot := t.snapshot

	req := RPCInstallSnapshotRequest{
		Term:              s.persistentState.CurrentTerm,
		LeaderId:          s.Id,
		LastIncludedIndex: snapshot.LastIncludedIndex,
		LastIncludedTerm:  snapshot.LastIncludedTerm,
		Config:            snapshot.Config,
		ChunkIndex:        t.chunkIndex,
		TotalChunks:       t.totalChunks,
		Checksum:          t.checksum,
		Data:              t.chunk(s.Cfg.SnapshotChunkSize),
	}

	f.inFlight = true

	s.sendMsg(f.id, &req)
}

func (s *Server) onRPCInstallSnapshotResponse(sourceId ServerId, res *RPCInstallSnapshotResponse) {
	if !s.state.IsLeader() || res.Term != s.persistentState.CurrentTerm {
		return
	}

	f, found := s.followers[sourceId]
	if !found {
		return
	}

	f.lastContact = s.clock.Now()

	t := f.snapshot
	if t == nil || res.LastIncludedIndex != t.snapshot.LastIncludedIndex {
		return
	}

	f.inFlight = false

	if !res.Success {
		if res.ChunkIndex == 0 {
			s.Log.Debug(1, "%s requested a snapshot transfer restart", sourceId)
			t.chunkIndex = 1
		}

		s.sendSnapshotChunk(f)
		return
	}

	if res.ChunkIndex != t.chunkIndex {
		// Duplicate acknowledgement of a previous chunk
		return
	}

	if t.chunkIndex < t.totalChunks {
		t.chunkIndex++
		s.sendSnapshotChunk(f)
		return
	}

	index := t.snapshot.LastIncludedIndex

	s.Log.Debug(1, "snapshot at index %d installed on %s", index, sourceId)

	f.snapshot = nil
	f.matchIndex = maxIndex(f.matchIndex, index)
	f.nextIndex = f.matchIndex + 1

	s.advanceCommitIndex()

	if s.state.IsLeader() {
		s.checkTransferProgress(f)
		s.sendUpdate(f, false)
	}
}

func (s *Server) onRPCInstallSnapshotRequest(sourceId ServerId, req *RPCInstallSnapshotRequest) {
	term := s.persistentState.CurrentTerm

	if s.state.IsLeader() {
		Panicf("received InstallSnapshot request from %s in term %d while "+
			"being leader", req.LeaderId, term)
	}

	if s.state == ServerStateCandidate {
		s.revertToFollower()
	}

	if s.currentLeader != req.LeaderId {
		s.Log.Info("following leader %s for term %d", req.LeaderId, term)
		s.currentLeader = req.LeaderId
	}

	s.observeLeader(req.LeaderId)

	s.resetElectionTimer()

	res := RPCInstallSnapshotResponse{
		Term:              term,
		LastIncludedIndex: req.LastIncludedIndex,
		ChunkIndex:        req.ChunkIndex,
	}

	if req.LastIncludedIndex <= s.lastApplied {
		// We already have everything the snapshot contains
		s.snapshotReceiver = nil
		res.Success = true
		s.sendMsg(sourceId, &res)
		return
	}

	r := s.snapshotReceiver

	if r == nil || r.lastIncludedIndex != req.LastIncludedIndex ||
		r.lastIncludedTerm != req.LastIncludedTerm ||
		r.checksum != req.Checksum {
		if req.ChunkIndex != 1 {
			s.snapshotReceiver = nil
			res.ChunkIndex = 0
			s.sendMsg(sourceId, &res)
			return
		}

		r = &snapshotReceiver{
			lastIncludedIndex: req.LastIncludedIndex,
			lastIncludedTerm:  req.LastIncludedTerm,
			checksum:          req.Checksum,
			totalChunks:       req.TotalChunks,
			nextChunk:         1,
		}

		s.snapshotReceiver = r
	}

	switch {
	case req.ChunkIndex < r.nextChunk:
		res.Success = true

	case req.ChunkIndex > r.nextChunk:
		s.snapshotReceiver = nil
		res.ChunkIndex = 0

	default:
		r.buf.Write(req.Data)
		r.nextChunk++

		if req.ChunkIndex < r.totalChunks {
			res.Success = true
			break
		}

		s.snapshotReceiver = nil

		data := r.buf.Bytes()
		if checksum := xxhash.Sum64(data); checksum != r.checksum {
			s.Log.Error("invalid snapshot checksum %x (expected %x)",
				checksum, r.checksum)
			res.ChunkIndex = 0
			break
		}

		snapshot := Snapshot{
			LastIncludedIndex: req.LastIncludedIndex,
			LastIncludedTerm:  req.LastIncludedTerm,
			Config:            req.Config.Clone(),
			Data:              data,
		}

		if err := s.installSnapshot(&snapshot); err != nil {
			return
		}

		res.Success = true
	}

	s.sendMsg(sourceId, &res)
}

// installSnapshot replaces the state of the server with a snapshot received
// from the leader. Log entries following the snapshot are kept if the log
// contains the last entry of the snapshot.
func (s *Server) installSnapshot(snapshot *Snapshot) error {
	index := snapshot.LastIncludedIndex
	term := snapshot.LastIncludedTerm

	localTerm, found := s.log.Term(index)
	keepSuffix := found && localTerm == term

	if err := s.storage.InstallSnapshot(snapshot, keepSuffix); err != nil {
		err = fmt.Errorf("cannot install snapshot: %w", err)
		s.onStorageFailure(err)
		return err
	}

	if keepSuffix {
		s.log.CompactTo(index, term)
	} else {
		s.log.Reset(index, term)
	}

	if err := s.stateMachine.RestoreFromSnapshot(snapshot.Data); err != nil {
		Panicf("cannot restore snapshot at index %d: %v", index, err)
	}

	s.config = snapshot.Config.Clone()
	s.refreshPendingConfig()
	s.updateTransportPeers()

	s.lastApplied = index
	if s.commitIndex < index {
		s.setCommitIndex(index)
	}

	s.snapshotCache = nil

	s.metrics.snapshotsInstalled.Inc()
	s.updateIndexMetrics()

	s.Log.Info("installed snapshot at index %d (term %d, %d bytes)",
		index, term, len(snapshot.Data))

	return nil
}

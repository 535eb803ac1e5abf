package raft

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
)

type ServerCfg struct {
	Id ServerId

	// Servers is the initial membership of the cluster. It is only used
	// when the storage does not contain any snapshot.
	Servers ServerSet

	Storage      Storage
	Transport    Transport
	StateMachine StateMachine

	// Optional, required for ProposeCommand
	Commands *CommandRegistry

	Logger Logger

	Clock clock.Clock

	// Optional, metrics are not exposed if nil
	Registerer prometheus.Registerer

	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	HeartbeatInterval time.Duration

	IsolationCheckInterval time.Duration

	MaxAppendEntries int

	// Number of applied entries after which a snapshot is taken; a negative
	// value disables snapshots.
	SnapshotThreshold int64

	SnapshotChunkSize int
}

type Server struct {
	Cfg ServerCfg
	Log Logger

	Id ServerId

	state         ServerState
	currentLeader ServerId

	commitIndex LogIndex
	lastApplied LogIndex

	persistentState PersistentState
	storageFailed   bool

	log *ReplicatedLog

	// Last committed configuration, and configuration of the last
	// uncommitted configuration entry if there is one.
	config             ClusterConfig
	pendingConfig      *ClusterConfig
	pendingConfigIndex LogIndex

	// Leader only
	followers      map[ServerId]*followerState
	proposals      map[LogIndex]*pendingProposal
	noopIndex      LogIndex
	queuedRequests []interface{}
	transfer       *leadershipTransfer
	snapshotCache  *cachedSnapshot

	// Candidate only
	votes map[ServerId]bool

	// Follower only
	snapshotReceiver *snapshotReceiver

	// Internal
	storage      Storage
	transport    Transport
	stateMachine StateMachine

	clock         clock.Clock
	randGenerator *rand.Rand
	metrics       *serverMetrics

	heartbeatTicker *clock.Ticker // leader only
	isolationTicker *clock.Ticker // leader only
	electionTimer   *clock.Timer  // follower or candidate only

	rpcChan     chan IncomingRPCMsg
	requestChan chan interface{}

	errorChan chan<- error
	stopChan  chan struct{}
	doneChan  chan struct{}
	wg        sync.WaitGroup
}

type pendingProposal struct {
	term   Term
	future *Future
}

type proposeRequest struct {
	entryType EntryType
	clientId  string
	data      []byte
	future    *Future
}

type configChangeRequest struct {
	change func(ClusterConfig) (ClusterConfig, error)
	future *Future
}

type transferRequest struct {
	target ServerId
	future *Future
}

type statusRequest struct {
	replyChan chan Status
}

func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty server id")
	}

	if cfg.Storage == nil {
		return nil, fmt.Errorf("missing storage")
	}

	if cfg.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}

	if cfg.StateMachine == nil {
		return nil, fmt.Errorf("missing state machine")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 500 * time.Millisecond
	}

	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 1000 * time.Millisecond
	}

	if cfg.MaxElectionTimeout < cfg.MinElectionTimeout {
		return nil, fmt.Errorf("maximum election timeout is lower than " +
			"minimum election timeout")
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}

	if cfg.HeartbeatInterval >= cfg.MinElectionTimeout {
		return nil, fmt.Errorf("heartbeat interval must be lower than the " +
			"minimum election timeout")
	}

	if cfg.IsolationCheckInterval == 0 {
		cfg.IsolationCheckInterval = 4 * cfg.MaxElectionTimeout
	}

	if cfg.MaxAppendEntries == 0 {
		cfg.MaxAppendEntries = 64
	}

	if cfg.SnapshotThreshold == 0 {
		cfg.SnapshotThreshold = 1024
	}

	if cfg.SnapshotChunkSize == 0 {
		cfg.SnapshotChunkSize = 64 * 1024
	}

	idHash := xxhash.Sum64String(string(cfg.Id))
	randSource := rand.NewSource(time.Now().UnixNano() ^ int64(idHash))

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,

		Id: cfg.Id,

		log: NewReplicatedLog(),

		storage:      cfg.Storage,
		transport:    cfg.Transport,
		stateMachine: cfg.StateMachine,

		clock:         cfg.Clock,
		randGenerator: rand.New(randSource),
		metrics:       newServerMetrics(cfg.Id),

		rpcChan:     make(chan IncomingRPCMsg, 256),
		requestChan: make(chan interface{}, 64),

		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	return s, nil
}

func (s *Server) Start(errorChan chan<- error) error {
	s.Log.Debug(1, "starting")

	s.errorChan = errorChan

	if err := s.init(); err != nil {
		return err
	}

	if s.Cfg.Registerer != nil {
		if err := s.metrics.register(s.Cfg.Registerer); err != nil {
			return fmt.Errorf("cannot register metrics: %w", err)
		}
	}

	if err := s.transport.Start(s.deliver); err != nil {
		return fmt.Errorf("cannot start transport: %w", err)
	}

	s.setupElectionTimer()

	s.wg.Add(1)
	go s.main()

	s.Log.Debug(1, "started")

	return nil
}

// init restores the state of the server from its storage.
func (s *Server) init() error {
	pstate, err := s.storage.LoadTermState()
	if err != nil {
		return fmt.Errorf("cannot load term state: %w", err)
	}

	s.persistentState = pstate

	s.Log.Debug(1, "initial persistent state: currentTerm %d, votedFor %q",
		pstate.CurrentTerm, pstate.VotedFor)

	snapshot, err := s.storage.LoadLatestSnapshot()
	if err != nil {
		return fmt.Errorf("cannot load snapshot: %w", err)
	}

	if snapshot != nil {
		s.Log.Debug(1, "restoring snapshot at index %d (term %d)",
			snapshot.LastIncludedIndex, snapshot.LastIncludedTerm)

		if err := s.stateMachine.RestoreFromSnapshot(snapshot.Data); err != nil {
			return fmt.Errorf("cannot restore snapshot: %w", err)
		}

		s.log.Reset(snapshot.LastIncludedIndex, snapshot.LastIncludedTerm)
		s.config = snapshot.Config.Clone()
		s.commitIndex = snapshot.LastIncludedIndex
		s.lastApplied = snapshot.LastIncludedIndex
	} else {
		s.config = s.Cfg.Servers.ClusterConfig()
	}

	if len(s.config.Servers) == 0 {
		return fmt.Errorf("empty cluster configuration")
	}

	entries, err := s.storage.ReadEntries(s.log.FirstIndex(), MaxLogIndex)
	if err != nil {
		return fmt.Errorf("cannot read log entries: %w", err)
	}

	if err := s.log.Append(entries...); err != nil {
		return fmt.Errorf("cannot replay log entries: %w", err)
	}

	s.Log.Debug(1, "replayed %d log entries (last index %d)",
		len(entries), s.log.LastIndex())

	s.refreshPendingConfig()
	s.updateTransportPeers()

	s.setState(ServerStateFollower)
	s.updateIndexMetrics()

	return nil
}

func (s *Server) Stop() {
	s.Log.Debug(1, "stopping")

	close(s.stopChan)
	s.wg.Wait()

	if s.Cfg.Registerer != nil {
		s.metrics.unregister(s.Cfg.Registerer)
	}

	s.Log.Debug(1, "stopped")
}

func (s *Server) main() {
	defer s.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			s.Log.Error("panic: %s\n%s", msg, trace)

			s.reportError(fmt.Errorf("panic: %s", msg))
			s.shutdown()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			s.shutdown()
			return

		case <-tickerChan(s.heartbeatTicker):
			s.onHeartbeatTicker()

		case <-tickerChan(s.isolationTicker):
			s.onIsolationTicker()

		case <-timerChan(s.electionTimer):
			s.onElectionTimer()

		case incomingMsg := <-s.rpcChan:
			s.onRPCMsg(incomingMsg.SourceId, incomingMsg.Msg)

		case req := <-s.requestChan:
			s.onRequest(req)
		}
	}
}

func (s *Server) shutdown() {
	s.Log.Debug(1, "shutting down")

	close(s.doneChan)

	s.transport.Stop()

	s.stopHeartbeatTicker()
	s.stopIsolationTicker()
	s.stopElectionTimer()

	s.failProposals(ErrStopped)

	if s.transfer != nil {
		s.transfer.future.fail(ErrStopped)
		s.transfer = nil
	}

	for {
		select {
		case req := <-s.requestChan:
			failRequest(req, ErrStopped)
		default:
			return
		}
	}
}

func (s *Server) reportError(err error) {
	if s.errorChan == nil {
		return
	}

	select {
	case s.errorChan <- err:
	default:
		s.Log.Error("cannot report error: %v", err)
	}
}

func (s *Server) deliver(sourceId ServerId, msg RPCMsg) {
	select {
	case <-s.stopChan:
	case <-s.doneChan:
	case s.rpcChan <- IncomingRPCMsg{SourceId: sourceId, Msg: msg}:
	}
}

func (s *Server) submit(req interface{}, future *Future) *Future {
	select {
	case <-s.stopChan:
		future.fail(ErrStopped)
	case <-s.doneChan:
		future.fail(ErrStopped)
	case s.requestChan <- req:
	}

	return future
}

// Propose submits a command to the cluster. The future resolves once the
// entry is committed and applied. ErrLeadershipLost means that the outcome is
// unknown: the entry may still be committed by a later leader.
func (s *Server) Propose(data []byte) *Future {
	return s.ProposeWithClientId("", data)
}

func (s *Server) ProposeWithClientId(clientId string, data []byte) *Future {
	future := newFuture()

	req := proposeRequest{
		entryType: EntryCommand,
		clientId:  clientId,
		data:      data,
		future:    future,
	}

	return s.submit(&req, future)
}

// ClientCommand is a command carrying a client-assigned request id.
type ClientCommand interface {
	Command
	ClientId() string
}

func (s *Server) ProposeCommand(cmd Command) *Future {
	if s.Cfg.Commands == nil {
		return failedFuture(fmt.Errorf("no command registry configured"))
	}

	data, err := s.Cfg.Commands.Encode(cmd)
	if err != nil {
		return failedFuture(err)
	}

	var clientId string
	if ccmd, ok := cmd.(ClientCommand); ok {
		clientId = ccmd.ClientId()
	}

	return s.ProposeWithClientId(clientId, data)
}

// ChangeConfig replaces the cluster configuration. Only one configuration
// change can be in progress at any time.
func (s *Server) ChangeConfig(cfg ClusterConfig) *Future {
	cfg = cfg.Clone()
	cfg.sort()

	return s.changeConfig(func(ClusterConfig) (ClusterConfig, error) {
		return cfg, nil
	})
}

func (s *Server) AddServer(server ServerInfo) *Future {
	return s.changeConfig(func(cfg ClusterConfig) (ClusterConfig, error) {
		return cfg.Add(server), nil
	})
}

func (s *Server) RemoveServer(id ServerId) *Future {
	return s.changeConfig(func(cfg ClusterConfig) (ClusterConfig, error) {
		if !cfg.Contains(id) {
			return cfg, fmt.Errorf("%w: unknown server %q", ErrInvalidConfig, id)
		}

		return cfg.Remove(id), nil
	})
}

func (s *Server) changeConfig(change func(ClusterConfig) (ClusterConfig, error)) *Future {
	future := newFuture()

	req := configChangeRequest{
		change: change,
		future: future,
	}

	return s.submit(&req, future)
}

// TransferLeadership hands leadership over to another voting member. The
// future resolves once the target is observed as the new leader.
func (s *Server) TransferLeadership(target ServerId) *Future {
	future := newFuture()

	req := transferRequest{
		target: target,
		future: future,
	}

	return s.submit(&req, future)
}

func (s *Server) Status() (Status, error) {
	req := statusRequest{
		replyChan: make(chan Status, 1),
	}

	select {
	case <-s.stopChan:
		return Status{}, ErrStopped
	case <-s.doneChan:
		return Status{}, ErrStopped
	case s.requestChan <- &req:
	}

	return s.waitStatus(&req)
}

func (s *Server) waitStatus(req *statusRequest) (Status, error) {
	select {
	case status, ok := <-req.replyChan:
		if !ok {
			// Closed by shutdown
			return Status{}, ErrStopped
		}

		return status, nil
	case <-s.doneChan:
		return Status{}, ErrStopped
	}
}

func (s *Server) onRequest(req interface{}) {
	switch r := req.(type) {
	case *statusRequest:
		r.replyChan <- s.status()

	case *proposeRequest:
		s.onProposeRequest(r)

	case *configChangeRequest:
		s.onConfigChangeRequest(r)

	case *transferRequest:
		s.onTransferRequest(r)

	default:
		Panicf("unexpected request %#v", req)
	}
}

func failRequest(req interface{}, err error) {
	switch r := req.(type) {
	case *proposeRequest:
		r.future.fail(err)
	case *configChangeRequest:
		r.future.fail(err)
	case *transferRequest:
		r.future.fail(err)
	case *statusRequest:
		close(r.replyChan)
	}
}

func (s *Server) status() Status {
	return Status{
		Id:            s.Id,
		State:         s.state,
		Term:          s.persistentState.CurrentTerm,
		Leader:        s.currentLeader,
		CommitIndex:   s.commitIndex,
		LastApplied:   s.lastApplied,
		FirstIndex:    s.log.FirstIndex(),
		LastIndex:     s.log.LastIndex(),
		SnapshotIndex: s.log.SnapshotIndex(),
		Config:        s.config.Clone(),
		StorageFailed: s.storageFailed,
	}
}

func (s *Server) onRPCMsg(sourceId ServerId, msg RPCMsg) {
	s.Log.Debug(2, "received %v from %s", msg, sourceId)

	if s.storageFailed {
		// We cannot persist anything, so we cannot acknowledge anything
		s.Log.Debug(2, "ignoring message %v: storage failure", msg)
		return
	}

	term := msg.GetTerm()

	if term < s.persistentState.CurrentTerm {
		// If a message contains a term lower that the current one, it is
		// stale. We answer requests so that the sender learns about the
		// current term, and drop responses.
		s.Log.Debug(2, "stale message %v (current term: %d)",
			msg, s.persistentState.CurrentTerm)

		s.rejectStaleRequest(sourceId, msg)
		return
	}

	if term > s.persistentState.CurrentTerm {
		// If a message contains a term higher than the current one, we are
		// out-of-date and must revert to follower.

		s.Log.Debug(1, "received message with term %d (current term: %d), "+
			"reverting to follower", term, s.persistentState.CurrentTerm)

		pstate := PersistentState{CurrentTerm: term, VotedFor: ""}
		if err := s.updatePersistentState(pstate); err != nil {
			return
		}

		s.currentLeader = ""

		if s.state != ServerStateFollower {
			s.revertToFollower()
		}
	}

	switch msgv := msg.(type) {
	case *RPCRequestVoteRequest:
		s.onRPCRequestVoteRequest(sourceId, msgv)
	case *RPCRequestVoteResponse:
		s.onRPCRequestVoteResponse(sourceId, msgv)
	case *RPCAppendEntriesRequest:
		s.onRPCAppendEntriesRequest(sourceId, msgv)
	case *RPCAppendEntriesResponse:
		s.onRPCAppendEntriesResponse(sourceId, msgv)
	case *RPCInstallSnapshotRequest:
		s.onRPCInstallSnapshotRequest(sourceId, msgv)
	case *RPCInstallSnapshotResponse:
		s.onRPCInstallSnapshotResponse(sourceId, msgv)
	case *RPCTimeoutNowRequest:
		s.onRPCTimeoutNowRequest(sourceId, msgv)
	default:
		s.Log.Error("unexpected message %v from %s", msg, sourceId)
	}
}

func (s *Server) rejectStaleRequest(sourceId ServerId, msg RPCMsg) {
	term := s.persistentState.CurrentTerm

	switch msgv := msg.(type) {
	case *RPCRequestVoteRequest:
		s.sendMsg(sourceId, &RPCRequestVoteResponse{Term: term})

	case *RPCAppendEntriesRequest:
		s.sendMsg(sourceId, &RPCAppendEntriesResponse{Term: term})

	case *RPCInstallSnapshotRequest:
		s.sendMsg(sourceId, &RPCInstallSnapshotResponse{
			Term:              term,
			LastIncludedIndex: msgv.LastIncludedIndex,
			ChunkIndex:        msgv.ChunkIndex,
		})
	}
}

func (s *Server) sendMsg(recipientId ServerId, msg RPCMsg) {
	if err := s.transport.Send(recipientId, msg); err != nil {
		s.Log.Error("cannot send %v to %s: %v", msg, recipientId, err)
	}
}

// revertToFollower leaves the candidate or leader state. Leader-only and
// candidate-only data are cleared; pending proposals fail since their
// outcome can no longer be observed by this server.
func (s *Server) revertToFollower() {
	wasLeader := s.state.IsLeader()

	s.setState(ServerStateFollower)

	s.stopHeartbeatTicker()
	s.stopIsolationTicker()

	// Clear leader data
	s.followers = nil
	s.noopIndex = 0
	s.snapshotCache = nil

	if wasLeader {
		s.failProposals(ErrLeadershipLost)
	}

	// Clear candidate data
	s.votes = nil

	// Rearm the election timer; if we do not receive any AppendEntries
	// request before the timer goes off, we will become candidate and start
	// an election.
	s.setupElectionTimer()
}

func (s *Server) failProposals(err error) {
	for index, proposal := range s.proposals {
		proposal.future.fail(err)
		delete(s.proposals, index)
		s.metrics.proposals.WithLabelValues("lost").Inc()
	}

	for _, req := range s.queuedRequests {
		failRequest(req, err)
	}

	s.queuedRequests = nil
}

// onStorageFailure makes the server stop participating in the cluster until
// its storage works again.
func (s *Server) onStorageFailure(err error) {
	s.Log.Error("persistence failure: %v", err)

	if s.storageFailed {
		return
	}

	s.storageFailed = true
	s.reportError(fmt.Errorf("%w: %v", ErrPersistence, err))

	if s.state != ServerStateFollower {
		s.revertToFollower()
	}

	s.currentLeader = ""
}

func (s *Server) checkStorageRecovery() {
	if err := s.storage.SaveTermState(s.persistentState); err != nil {
		s.Log.Debug(1, "storage still failing: %v", err)
		return
	}

	s.Log.Info("storage recovered")
	s.storageFailed = false
}

func (s *Server) setState(state ServerState) {
	if s.state != state {
		s.Log.Debug(1, "state: %s -> %s", s.state, state)
	}

	s.state = state
	s.metrics.setState(state)
}

func (s *Server) setCommitIndex(index LogIndex) {
	if index < s.commitIndex {
		Panicf("commit index regression from %d to %d", s.commitIndex, index)
	}

	if index > s.log.LastIndex() {
		Panicf("commit index %d beyond last log index %d",
			index, s.log.LastIndex())
	}

	s.commitIndex = index
	s.metrics.commitIndex.Set(float64(index))
}

func (s *Server) updateIndexMetrics() {
	s.metrics.term.Set(float64(s.persistentState.CurrentTerm))
	s.metrics.commitIndex.Set(float64(s.commitIndex))
	s.metrics.lastApplied.Set(float64(s.lastApplied))
	s.metrics.lastIndex.Set(float64(s.log.LastIndex()))
}

func (s *Server) updatePersistentState(state PersistentState) error {
	if err := s.storage.SaveTermState(state); err != nil {
		s.onStorageFailure(fmt.Errorf("cannot write persistent state: %w", err))
		return err
	}

	s.persistentState = state
	s.metrics.term.Set(float64(state.CurrentTerm))

	return nil
}

// appendEntries persists entries then adds them to the log.
func (s *Server) appendEntries(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	if err := s.storage.AppendEntries(entries); err != nil {
		err = fmt.Errorf("cannot append entries: %w", err)
		s.onStorageFailure(err)
		return err
	}

	if err := s.log.Append(entries...); err != nil {
		Panicf("cannot append persisted entries: %v", err)
	}

	for _, entry := range entries {
		if entry.Type == EntryConfig {
			cfg, err := decodeClusterConfig(entry.Data)
			if err != nil {
				Panicf("invalid configuration entry %d: %v", entry.Index, err)
			}

			s.pendingConfig = &cfg
			s.pendingConfigIndex = entry.Index
		}
	}

	s.metrics.lastIndex.Set(float64(s.log.LastIndex()))

	return nil
}

// truncateEntries removes uncommitted entries starting at a given index from
// both the storage and the log.
func (s *Server) truncateEntries(from LogIndex) error {
	if from <= s.commitIndex {
		Panicf("cannot truncate committed entry %d (commit index: %d)",
			from, s.commitIndex)
	}

	if s.state.IsLeader() {
		Panicf("leader cannot truncate its own log")
	}

	if err := s.storage.TruncateEntries(from); err != nil {
		err = fmt.Errorf("cannot truncate entries: %w", err)
		s.onStorageFailure(err)
		return err
	}

	if err := s.log.TruncateFrom(from); err != nil {
		Panicf("cannot truncate log: %v", err)
	}

	if s.pendingConfig != nil && s.pendingConfigIndex >= from {
		s.refreshPendingConfig()
	}

	s.metrics.lastIndex.Set(float64(s.log.LastIndex()))

	return nil
}

func (s *Server) setupHeartbeatTicker() {
	s.stopHeartbeatTicker()
	s.heartbeatTicker = s.clock.Ticker(s.Cfg.HeartbeatInterval)
}

func (s *Server) stopHeartbeatTicker() {
	if s.heartbeatTicker != nil {
		s.heartbeatTicker.Stop()
		s.heartbeatTicker = nil
	}
}

func (s *Server) setupIsolationTicker() {
	s.stopIsolationTicker()
	s.isolationTicker = s.clock.Ticker(s.Cfg.IsolationCheckInterval)
}

func (s *Server) stopIsolationTicker() {
	if s.isolationTicker != nil {
		s.isolationTicker.Stop()
		s.isolationTicker = nil
	}
}

func (s *Server) setupElectionTimer() {
	if s.state.IsLeader() {
		Panicf("cannot setup election timer in state %v", s.state)
	}

	timeout := s.electionTimeout()
	s.Log.Debug(2, "election timer will expire in %v", timeout)

	s.stopElectionTimer()
	s.electionTimer = s.clock.Timer(timeout)
}

func (s *Server) stopElectionTimer() {
	if s.electionTimer != nil {
		s.electionTimer.Stop()
		s.electionTimer = nil
	}
}

func (s *Server) resetElectionTimer() {
	if s.state != ServerStateFollower {
		Panicf("cannot reset election timer in state %v", s.state)
	}

	s.setupElectionTimer()
}

func (s *Server) electionTimeout() time.Duration {
	minTimeoutMs := s.Cfg.MinElectionTimeout.Milliseconds()
	maxTimeoutMs := s.Cfg.MaxElectionTimeout.Milliseconds()

	jitter := s.randGenerator.Int63n(maxTimeoutMs - minTimeoutMs + 1)
	timeoutMs := minTimeoutMs + jitter

	return time.Duration(timeoutMs) * time.Millisecond
}

func tickerChan(t *clock.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}

	return t.C
}

func timerChan(t *clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}

	return t.C
}

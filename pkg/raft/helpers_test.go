package raft

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type testLogger struct {
	t      *testing.T
	prefix string
}

func (l *testLogger) Debug(level int, format string, args ...interface{}) {
	if level <= 1 {
		l.t.Logf(l.prefix+"debug: "+format, args...)
	}
}

func (l *testLogger) Info(format string, args ...interface{}) {
	l.t.Logf(l.prefix+"info: "+format, args...)
}

func (l *testLogger) Error(format string, args ...interface{}) {
	l.t.Logf(l.prefix+"error: "+format, args...)
}

// testStateMachine records the data of applied command entries.
type testStateMachine struct {
	mu sync.Mutex

	applied  []string
	indexes  []LogIndex
	restores int
}

func newTestStateMachine() *testStateMachine {
	return &testStateMachine{}
}

func (sm *testStateMachine) Apply(entry *LogEntry) (interface{}, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.applied = append(sm.applied, string(entry.Data))
	sm.indexes = append(sm.indexes, entry.Index)

	return len(sm.applied), nil
}

type testSnapshot struct {
	Applied []string   `json:"applied"`
	Indexes []LogIndex `json:"indexes"`
}

func (sm *testStateMachine) TakeSnapshot() ([]byte, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return json.Marshal(testSnapshot{Applied: sm.applied, Indexes: sm.indexes})
}

func (sm *testStateMachine) RestoreFromSnapshot(data []byte) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var snapshot testSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}

	sm.applied = snapshot.Applied
	sm.indexes = snapshot.Indexes
	sm.restores++

	return nil
}

func (sm *testStateMachine) Applied() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return append([]string(nil), sm.applied...)
}

func (sm *testStateMachine) AppliedIndex(data string) (LogIndex, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for i, d := range sm.applied {
		if d == data {
			return sm.indexes[i], true
		}
	}

	return 0, false
}

func (sm *testStateMachine) Restores() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.restores
}

type sentMsg struct {
	To  ServerId
	Msg RPCMsg
}

// recordingTransport keeps sent messages instead of delivering them, so that
// tests can drive servers one message at a time.
type recordingTransport struct {
	mu   sync.Mutex
	msgs []sentMsg
}

func (t *recordingTransport) Start(RPCHandler) error {
	return nil
}

func (t *recordingTransport) Stop() {
}

func (t *recordingTransport) Send(recipientId ServerId, msg RPCMsg) error {
	t.mu.Lock()
	t.msgs = append(t.msgs, sentMsg{To: recipientId, Msg: msg})
	t.mu.Unlock()

	return nil
}

func (t *recordingTransport) take() []sentMsg {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := t.msgs
	t.msgs = nil

	return msgs
}

type testServer struct {
	*Server

	t            *testing.T
	transport    *recordingTransport
	storage      *MemoryStorage
	stateMachine *testStateMachine
	clock        *clock.Mock
}

// newTestServer creates a server which is initialized but not started:
// tests call handlers directly from the test goroutine.
func newTestServer(t *testing.T, id ServerId, ids ...ServerId) *testServer {
	return newTestServerWithStorage(t, NewMemoryStorage(), id, ids...)
}

func newTestServerWithStorage(t *testing.T, storage *MemoryStorage, id ServerId, ids ...ServerId) *testServer {
	servers := make(ServerSet)
	for _, id := range ids {
		servers[id] = ServerData{}
	}

	ts := testServer{
		t:            t,
		transport:    &recordingTransport{},
		storage:      storage,
		stateMachine: newTestStateMachine(),
		clock:        clock.NewMock(),
	}

	cfg := ServerCfg{
		Id:      id,
		Servers: servers,

		Storage:      ts.storage,
		Transport:    ts.transport,
		StateMachine: ts.stateMachine,

		Logger: &testLogger{t: t, prefix: string(id) + ": "},

		Clock: ts.clock,

		SnapshotThreshold: -1,
		SnapshotChunkSize: 4,
	}

	s, err := NewServer(cfg)
	require.NoError(t, err)

	require.NoError(t, s.init())
	s.setupElectionTimer()

	ts.Server = s

	return &ts
}

func (ts *testServer) appendTestEntries(term Term, data ...string) {
	var entries []LogEntry

	index := ts.log.LastIndex()

	for _, d := range data {
		index++

		entries = append(entries, LogEntry{
			Index: index,
			Term:  term,
			Type:  EntryCommand,
			Data:  []byte(d),
		})
	}

	require.NoError(ts.t, ts.appendEntries(entries))
}

// processRequests handles the requests submitted through the public API.
func (ts *testServer) processRequests() {
	for {
		select {
		case req := <-ts.requestChan:
			ts.onRequest(req)
		default:
			return
		}
	}
}

// elect makes the server win an election and commit its noop entry with
// the votes and acknowledgements of all other voters.
func (ts *testServer) elect() {
	ts.onElectionTimer()

	term := ts.persistentState.CurrentTerm

	for _, id := range ts.config.Voters() {
		if id != ts.Id && ts.state == ServerStateCandidate {
			ts.onRPCMsg(id, &RPCRequestVoteResponse{Term: term, VoteGranted: true})
		}
	}

	require.True(ts.t, ts.state.IsLeader())

	ts.ackAll()

	require.Equal(ts.t, ServerStateLeader, ts.state)

	ts.transport.take()
}

// ackAll acknowledges the whole log of the leader on behalf of all followers.
func (ts *testServer) ackAll() {
	term := ts.persistentState.CurrentTerm

	for id := range ts.followers {
		ts.onRPCMsg(id, &RPCAppendEntriesResponse{
			Term:       term,
			Success:    true,
			MatchIndex: ts.log.LastIndex(),
		})
	}
}

func findMsgs[T RPCMsg](msgs []sentMsg) map[ServerId]T {
	found := make(map[ServerId]T)

	for _, msg := range msgs {
		if m, ok := msg.Msg.(T); ok {
			found[msg.To] = m
		}
	}

	return found
}

package raft

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const clusterTestTimeout = 10 * time.Second

type clusterNode struct {
	server       *Server
	storage      *MemoryStorage
	stateMachine *testStateMachine
	registry     *prometheus.Registry
}

// testCluster runs servers connected by a memory network with the real
// clock.
type testCluster struct {
	t       *testing.T
	network *MemoryNetwork
	servers ServerSet

	snapshotThreshold int64

	nodes     map[ServerId]*clusterNode
	errorChan chan error
}

func newTestCluster(t *testing.T, snapshotThreshold int64, ids ...ServerId) *testCluster {
	servers := make(ServerSet)
	for _, id := range ids {
		servers[id] = ServerData{}
	}

	c := testCluster{
		t:       t,
		network: NewMemoryNetwork(),
		servers: servers,

		snapshotThreshold: snapshotThreshold,

		nodes:     make(map[ServerId]*clusterNode),
		errorChan: make(chan error, 16),
	}

	for _, id := range ids {
		c.startNode(id, NewMemoryStorage())
	}

	t.Cleanup(c.stop)

	return &c
}

func (c *testCluster) startNode(id ServerId, storage *MemoryStorage) *clusterNode {
	node := clusterNode{
		storage:      storage,
		stateMachine: newTestStateMachine(),
		registry:     prometheus.NewRegistry(),
	}

	cfg := ServerCfg{
		Id:      id,
		Servers: c.servers,

		Storage:      storage,
		Transport:    c.network.Transport(id),
		StateMachine: node.stateMachine,

		Logger: &testLogger{t: c.t, prefix: string(id) + ": "},

		Registerer: node.registry,

		MinElectionTimeout: 100 * time.Millisecond,
		MaxElectionTimeout: 200 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,

		SnapshotThreshold: c.snapshotThreshold,
		SnapshotChunkSize: 16,
	}

	server, err := NewServer(cfg)
	require.NoError(c.t, err)

	require.NoError(c.t, server.Start(c.errorChan))

	node.server = server
	c.nodes[id] = &node

	return &node
}

func (c *testCluster) stopNode(id ServerId) *clusterNode {
	node := c.nodes[id]
	node.server.Stop()

	delete(c.nodes, id)

	return node
}

func (c *testCluster) stop() {
	for id := range c.nodes {
		c.stopNode(id)
	}

	select {
	case err := <-c.errorChan:
		c.t.Errorf("server error: %v", err)
	default:
	}
}

func (c *testCluster) ids() []ServerId {
	ids := make([]ServerId, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}

	return ids
}

// leader waits for a confirmed leader among a set of servers, or among all
// servers if no id is provided. If there are several leaders, the one with
// the highest term is returned.
func (c *testCluster) leader(ids ...ServerId) (ServerId, *clusterNode) {
	if len(ids) == 0 {
		ids = c.ids()
	}

	var leaderId ServerId

	require.Eventually(c.t, func() bool {
		var term Term
		leaderId = ""

		for _, id := range ids {
			status, err := c.nodes[id].server.Status()
			if err != nil {
				continue
			}

			if status.State == ServerStateLeader && status.Term >= term {
				leaderId = id
				term = status.Term
			}
		}

		return leaderId != ""
	}, clusterTestTimeout, 10*time.Millisecond, "no leader elected")

	return leaderId, c.nodes[leaderId]
}

func (c *testCluster) follower() (ServerId, *clusterNode) {
	leaderId, _ := c.leader()

	for id, node := range c.nodes {
		if id != leaderId {
			return id, node
		}
	}

	c.t.Fatalf("no follower")
	return "", nil
}

// propose submits data to the current leader until it is committed.
func (c *testCluster) propose(data string) CommitResult {
	deadline := time.Now().Add(clusterTestTimeout)

	for time.Now().Before(deadline) {
		_, leader := c.leader()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		res, err := leader.server.Propose([]byte(data)).Wait(ctx)
		cancel()

		if err == nil {
			return res
		}

		c.t.Logf("cannot commit %q: %v", data, err)
	}

	c.t.Fatalf("cannot commit %q", data)
	return CommitResult{}
}

// waitApplied waits for data to be applied on all servers and returns the
// index it was applied at on each one.
func (c *testCluster) waitApplied(data string) map[ServerId]LogIndex {
	indexes := make(map[ServerId]LogIndex)

	for id, node := range c.nodes {
		node := node

		require.Eventually(c.t, func() bool {
			index, found := node.stateMachine.AppliedIndex(data)
			indexes[id] = index
			return found
		}, clusterTestTimeout, 10*time.Millisecond,
			"%q not applied on %s", data, id)
	}

	return indexes
}

func (c *testCluster) partition(group1, group2 []ServerId) {
	for _, id1 := range group1 {
		for _, id2 := range group2 {
			c.network.Disconnect(id1, id2)
		}
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), clusterTestTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestClusterReplication(t *testing.T) {
	c := newTestCluster(t, -1, "a", "b", "c", "d", "e")

	res := c.propose("x")

	for id, index := range c.waitApplied("x") {
		assert.Equal(t, res.Index, index, "index of x on %s", id)
	}

	_, leader := c.leader()

	status, err := leader.server.Status()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, status.CommitIndex, res.Index)
	assert.Len(t, status.Config.Voters(), 5)

	count, err := testutil.GatherAndCount(leader.registry, "raft_commit_index")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestClusterPartition(t *testing.T) {
	c := newTestCluster(t, -1, "a", "b", "c", "d", "e")
	ctx := testContext(t)

	oldLeaderId, oldLeader := c.leader()

	oldStatus, err := oldLeader.server.Status()
	require.NoError(t, err)

	minority := []ServerId{oldLeaderId}
	var majority []ServerId

	for _, id := range c.ids() {
		switch {
		case id == oldLeaderId:
		case len(minority) < 2:
			minority = append(minority, id)
		default:
			majority = append(majority, id)
		}
	}

	c.partition(minority, majority)

	// The old leader cannot commit anything without a majority
	future := oldLeader.server.Propose([]byte("x"))

	_, newLeader := c.leader(majority...)

	newStatus, err := newLeader.server.Status()
	require.NoError(t, err)
	assert.Greater(t, newStatus.Term, oldStatus.Term)

	c.propose("y")

	c.network.Heal()

	_, err = future.Wait(ctx)
	assert.ErrorIs(t, err, ErrLeadershipLost)

	c.propose("z")
	c.waitApplied("y")
	c.waitApplied("z")

	for id, node := range c.nodes {
		_, found := node.stateMachine.AppliedIndex("x")
		assert.False(t, found, "x applied on %s", id)
	}
}

func TestClusterSnapshotCatchUp(t *testing.T) {
	c := newTestCluster(t, 4, "a", "b", "c")

	laggingId, lagging := c.follower()

	c.network.Isolate(laggingId)

	for i := 0; i < 20; i++ {
		c.propose(fmt.Sprintf("x%02d", i))
	}

	_, leader := c.leader()

	status, err := leader.server.Status()
	require.NoError(t, err)
	require.Greater(t, status.SnapshotIndex, LogIndex(0))

	c.network.Heal()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(lagging.server.metrics.snapshotsInstalled) > 0
	}, clusterTestTimeout, 10*time.Millisecond)

	status, err = lagging.server.Status()
	require.NoError(t, err)
	assert.Greater(t, status.SnapshotIndex, LogIndex(0))

	// Replication resumes after the snapshot
	c.propose("y")
	c.waitApplied("y")

	_, leader = c.leader()
	assert.Equal(t, leader.stateMachine.Applied(), lagging.stateMachine.Applied())
}

func TestClusterConcurrentProposals(t *testing.T) {
	c := newTestCluster(t, -1, "a", "b", "c")
	ctx := testContext(t)

	_, leader := c.leader()
	laggingId, _ := c.follower()

	c.network.Isolate(laggingId)

	var g errgroup.Group

	for _, data := range []string{"x1", "x2"} {
		data := data

		g.Go(func() error {
			_, err := leader.server.Propose([]byte(data)).Wait(ctx)
			return err
		})
	}

	require.NoError(t, g.Wait())

	c.network.Heal()

	indexes1 := c.waitApplied("x1")
	indexes2 := c.waitApplied("x2")

	for _, id := range c.ids() {
		assert.Equal(t, indexes1[leader.server.Id], indexes1[id])
		assert.Equal(t, indexes2[leader.server.Id], indexes2[id])
	}

	// Wait for all logs to converge before comparing them
	require.Eventually(t, func() bool {
		var lastIndex LogIndex

		for _, node := range c.nodes {
			status, err := node.server.Status()
			if err != nil {
				return false
			}

			if status.CommitIndex != status.LastIndex ||
				status.LastApplied != status.LastIndex {
				return false
			}

			if lastIndex != 0 && status.LastIndex != lastIndex {
				return false
			}

			lastIndex = status.LastIndex
		}

		return true
	}, clusterTestTimeout, 10*time.Millisecond)

	logs := make(map[ServerId][]LogEntry)

	for _, id := range c.ids() {
		node := c.stopNode(id)

		entries, err := node.storage.ReadEntries(1, MaxLogIndex)
		require.NoError(t, err)

		logs[id] = entries
	}

	for id, entries := range logs {
		if diff := cmp.Diff(logs[leader.server.Id], entries); diff != "" {
			t.Errorf("log of %s differs from the log of the leader:\n%s",
				id, diff)
		}
	}
}

func TestClusterLeadershipTransfer(t *testing.T) {
	c := newTestCluster(t, -1, "a", "b", "c")
	ctx := testContext(t)

	c.propose("x")

	_, leader := c.leader()
	targetId, target := c.follower()

	_, err := leader.server.TransferLeadership(targetId).Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := target.server.Status()
		return err == nil && status.State == ServerStateLeader
	}, clusterTestTimeout, 10*time.Millisecond)

	c.propose("y")
	c.waitApplied("y")
}

func TestClusterMembershipChange(t *testing.T) {
	c := newTestCluster(t, -1, "a", "b", "c")
	ctx := testContext(t)

	_, leader := c.leader()

	// The new server does not belong to its bootstrap configuration, so it
	// waits for the leader instead of starting elections.
	d := c.startNode("d", NewMemoryStorage())

	_, err := leader.server.AddServer(ServerInfo{Id: "d", Voting: true}).Wait(ctx)
	require.NoError(t, err)

	c.propose("x")
	c.waitApplied("x")

	status, err := d.server.Status()
	require.NoError(t, err)
	assert.True(t, status.Config.IsVoter("d"))

	leaderId, leader := c.leader()

	var removedId ServerId
	for _, id := range c.ids() {
		if id != leaderId && id != "d" {
			removedId = id
			break
		}
	}

	_, err = leader.server.RemoveServer(removedId).Wait(ctx)
	require.NoError(t, err)

	c.stopNode(removedId)

	c.propose("y")
	c.waitApplied("y")

	_, leader = c.leader()

	status, err = leader.server.Status()
	require.NoError(t, err)
	assert.False(t, status.Config.Contains(removedId))
	assert.Len(t, status.Config.Voters(), 3)
}

func TestClusterRestart(t *testing.T) {
	c := newTestCluster(t, 4, "a", "b", "c")

	for i := 0; i < 10; i++ {
		c.propose(fmt.Sprintf("x%02d", i))
	}

	followerId, _ := c.follower()
	follower := c.stopNode(followerId)

	c.propose("y")

	restarted := c.startNode(followerId, follower.storage)

	c.waitApplied("y")

	_, leader := c.leader()
	assert.Equal(t, leader.stateMachine.Applied(), restarted.stateMachine.Applied())
}

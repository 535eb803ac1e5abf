package raft

import (
	"fmt"
	"math/rand"
	"sync"
)

const memoryTransportQueueSize = 1024

// MemoryNetwork connects servers running in the same process. It supports
// partitions and random message loss, which makes it suitable for tests and
// simulations.
type MemoryNetwork struct {
	mu sync.RWMutex

	transports   map[ServerId]*MemoryTransport
	isolated     map[ServerId]bool
	disconnected map[[2]ServerId]bool

	dropRate float64
	rand     *rand.Rand
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		transports:   make(map[ServerId]*MemoryTransport),
		isolated:     make(map[ServerId]bool),
		disconnected: make(map[[2]ServerId]bool),

		rand: rand.New(rand.NewSource(1)),
	}
}

// Transport returns the transport of a server, creating it if necessary.
func (n *MemoryNetwork) Transport(id ServerId) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, found := n.transports[id]
	if !found {
		t = &MemoryTransport{
			Id:      id,
			network: n,
		}

		n.transports[id] = t
	}

	return t
}

// SetDropRate sets the probability for each message to be lost.
func (n *MemoryNetwork) SetDropRate(rate float64) {
	n.mu.Lock()
	n.dropRate = rate
	n.mu.Unlock()
}

// Isolate cuts a server from all other servers.
func (n *MemoryNetwork) Isolate(ids ...ServerId) {
	n.mu.Lock()
	for _, id := range ids {
		n.isolated[id] = true
	}
	n.mu.Unlock()
}

// Disconnect cuts the link between two servers in both directions.
func (n *MemoryNetwork) Disconnect(a, b ServerId) {
	n.mu.Lock()
	n.disconnected[linkKey(a, b)] = true
	n.mu.Unlock()
}

// Heal removes all partitions.
func (n *MemoryNetwork) Heal() {
	n.mu.Lock()
	n.isolated = make(map[ServerId]bool)
	n.disconnected = make(map[[2]ServerId]bool)
	n.mu.Unlock()
}

func (n *MemoryNetwork) Connected(a, b ServerId) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.connected(a, b)
}

func (n *MemoryNetwork) connected(a, b ServerId) bool {
	if n.isolated[a] || n.isolated[b] {
		return false
	}

	return !n.disconnected[linkKey(a, b)]
}

func (n *MemoryNetwork) route(sourceId, recipientId ServerId) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, found := n.transports[recipientId]
	if !found {
		return nil, fmt.Errorf("unknown recipient id %q", recipientId)
	}

	if !n.connected(sourceId, recipientId) {
		return nil, nil
	}

	if n.dropRate > 0 && n.rand.Float64() < n.dropRate {
		return nil, nil
	}

	return t, nil
}

func linkKey(a, b ServerId) [2]ServerId {
	if a > b {
		a, b = b, a
	}

	return [2]ServerId{a, b}
}

// MemoryTransport is the endpoint of a server on a MemoryNetwork. Messages
// are delivered in order through a bounded queue; messages sent to a full
// queue are dropped.
type MemoryTransport struct {
	Id ServerId

	network *MemoryNetwork

	mu      sync.Mutex
	inbox   chan IncomingRPCMsg
	handler RPCHandler

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func (t *MemoryTransport) Start(handler RPCHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inbox != nil {
		return fmt.Errorf("transport already started")
	}

	t.handler = handler
	t.inbox = make(chan IncomingRPCMsg, memoryTransportQueueSize)
	t.stopChan = make(chan struct{})

	t.wg.Add(1)
	go t.main(t.inbox, t.stopChan)

	return nil
}

func (t *MemoryTransport) Stop() {
	t.mu.Lock()
	if t.inbox == nil {
		t.mu.Unlock()
		return
	}

	close(t.stopChan)
	t.inbox = nil
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *MemoryTransport) main(inbox <-chan IncomingRPCMsg, stopChan <-chan struct{}) {
	defer t.wg.Done()

	for {
		select {
		case <-stopChan:
			return

		case msg := <-inbox:
			// The network may have been partitioned while the message was
			// queued.
			if !t.network.Connected(msg.SourceId, t.Id) {
				continue
			}

			t.handler(msg.SourceId, msg.Msg)
		}
	}
}

func (t *MemoryTransport) Send(recipientId ServerId, msg RPCMsg) error {
	recipient, err := t.network.route(t.Id, recipientId)
	if err != nil {
		return err
	} else if recipient == nil {
		return nil
	}

	recipient.enqueue(IncomingRPCMsg{SourceId: t.Id, Msg: msg})

	return nil
}

func (t *MemoryTransport) enqueue(msg IncomingRPCMsg) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inbox == nil {
		return
	}

	select {
	case t.inbox <- msg:
	default:
	}
}

package fsm

import (
	"context"
	"sync"
	"time"

	"raftcore/internal/raft/log"
	"raftcore/internal/raft/raftpb"
)

// fakeNetwork wires a set of in-process Nodes together, delivering RPCs by
// calling the target Node's Handle* methods directly instead of over a real
// socket. It supports dropping traffic to/from specific peers to simulate a
// partition.
type fakeNetwork struct {
	mu      sync.Mutex
	nodes   map[NodeID]*Node
	dropped map[NodeID]bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		nodes:   make(map[NodeID]*Node),
		dropped: make(map[NodeID]bool),
	}
}

func (net *fakeNetwork) register(id NodeID, n *Node) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.nodes[id] = n
}

func (net *fakeNetwork) isReachable(id NodeID) bool {
	net.mu.Lock()
	defer net.mu.Unlock()
	return !net.dropped[id]
}

// partition makes id unreachable from every peer (and, symmetrically, makes
// every peer unreachable from id since fakeTransport checks both ends).
func (net *fakeNetwork) partition(id NodeID) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.dropped[id] = true
}

func (net *fakeNetwork) heal(id NodeID) {
	net.mu.Lock()
	defer net.mu.Unlock()
	delete(net.dropped, id)
}

func (net *fakeNetwork) nodeFor(id NodeID) (*Node, bool) {
	net.mu.Lock()
	defer net.mu.Unlock()
	n, ok := net.nodes[id]
	return n, ok
}

// fakeTransport is a Transport bound to a single node's outgoing side.
type fakeTransport struct {
	from NodeID
	net  *fakeNetwork
}

func (t *fakeTransport) SendRequestVote(ctx context.Context, peer NodeID, req raftpb.RequestVote, onReply func(raftpb.VoteReply, error)) {
	go func() {
		if !t.net.isReachable(t.from) || !t.net.isReachable(peer) {
			return
		}
		target, ok := t.net.nodeFor(peer)
		if !ok {
			return
		}
		reply, err := target.HandleRequestVote(ctx, req)
		if err != nil {
			return
		}
		onReply(reply, nil)
	}()
}

func (t *fakeTransport) SendAppendEntries(ctx context.Context, peer NodeID, req raftpb.AppendEntries, onReply func(raftpb.AppendEntriesReply, error)) {
	go func() {
		if !t.net.isReachable(t.from) || !t.net.isReachable(peer) {
			return
		}
		target, ok := t.net.nodeFor(peer)
		if !ok {
			return
		}
		reply, err := target.HandleAppendEntries(ctx, req)
		if err != nil {
			return
		}
		onReply(reply, nil)
	}()
}

// testCluster is a set of Nodes sharing a fakeNetwork, all started and torn
// down together.
type testCluster struct {
	net   *fakeNetwork
	nodes map[NodeID]*Node
	sms   map[NodeID]*fakeSM
	ids   []NodeID
	stop  context.CancelFunc
}

// fakeSM is a minimal deterministic StateMachine recording applied commands.
type fakeSM struct {
	mu      sync.Mutex
	applied []string
}

func (sm *fakeSM) Apply(cmd []byte) ([]byte, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.applied = append(sm.applied, string(cmd))
	return cmd, nil
}

func (sm *fakeSM) appliedCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.applied)
}

func newTestCluster(ids []NodeID) *testCluster {
	net := newFakeNetwork()
	ctx, cancel := context.WithCancel(context.Background())

	initial := Configuration{Kind: ConfigStable, OldServers: ids}

	tc := &testCluster{net: net, nodes: make(map[NodeID]*Node), sms: make(map[NodeID]*fakeSM), ids: ids, stop: cancel}

	for _, id := range ids {
		var peers []NodeID
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		sm := &fakeSM{}
		n := NewNode(id, peers, Options{
			Log:           log.NewMemory(),
			Transport:     &fakeTransport{from: id, net: net},
			StateMachine:  sm,
			InitialConfig: initial,
		})
		net.register(id, n)
		tc.nodes[id] = n
		tc.sms[id] = sm
	}

	for _, n := range tc.nodes {
		go n.Run(ctx)
	}
	return tc
}

func (tc *testCluster) close() {
	tc.stop()
}

// stopNode simulates a crash: it partitions id first, so no other node's
// fakeTransport goroutine blocks trying to reach a Run loop that's about
// to exit, then stops its event loop.
func (tc *testCluster) stopNode(id NodeID) {
	tc.net.partition(id)
	if n, ok := tc.nodes[id]; ok {
		n.Stop()
	}
}

// awaitLeader polls until some node reports itself Leader, returning the
// ID of the first one found, or the zero value if timeout elapses.
func (tc *testCluster) awaitLeader(timeout time.Duration) NodeID {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for id, n := range tc.nodes {
			if n.roleSnapshot() == Leader {
				return id
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return ""
}

// roleSnapshot reads the role via the single event loop, by round-tripping
// through GetLeader's channel mechanism isn't available for role directly,
// so tests use Leader(ctx) as the externally observable proxy instead.
func (n *Node) roleSnapshot() Role {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	id, ok := n.Leader(ctx)
	if ok && id == n.me {
		return Leader
	}
	return Follower
}

// termSnapshot safely reads n.term through the event loop: a RequestVote
// probe at term 0 never triggers a term catch-up or a vote grant (term 0
// is always < n.term once a node has ever started an election), and the
// reply always carries the replica's current term regardless of whether
// the vote is granted.
func termSnapshot(n *Node) uint64 {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	reply, err := n.HandleRequestVote(ctx, raftpb.RequestVote{Term: 0, From: "__probe__"})
	if err != nil {
		return 0
	}
	return reply.Term
}

package fsm

import (
	"context"
	"log"
	"math/rand"
	"time"

	"raftcore/internal/raft/raftpb"
)

// Node is a single replica's Raft consensus core. Exactly one goroutine
// (Run) ever touches its fields after construction; everything else talks
// to it through the inbox channel, so no locking is required.
type Node struct {
	me    NodeID
	peers []NodeID

	log       LogStorage
	transport Transport
	sm        StateMachine
	metrics   MetricsCollector
	logger    *log.Logger

	// Replica state (data model §3).
	term        uint64
	votedFor    *NodeID
	leader      *NodeID
	role        Role
	commitIndex uint64
	config      Configuration

	candidate *candidateResponses
	leaderSt  *leaderResponses

	clientReqs []*clientReq

	// Single timer, as specified in §5.
	timer         *time.Timer
	timerStart    time.Time
	timerDuration time.Duration
	electionStart time.Time

	inbox   chan event
	stopped chan struct{}
}

// Options configures a new Node.
type Options struct {
	Log         LogStorage
	Transport   Transport
	StateMachine StateMachine
	Metrics     MetricsCollector
	// InitialConfig seeds the cluster configuration when the log carries
	// none yet (fresh cluster bootstrap). Ignored on restart when the log
	// already holds a Config entry: the last one is adopted instead.
	InitialConfig Configuration
}

// NewNode constructs a replica. It does not start the event loop; call Run.
func NewNode(me NodeID, peers []NodeID, opts Options) *Node {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	n := &Node{
		me:        me,
		peers:     append([]NodeID(nil), peers...),
		log:       opts.Log,
		transport: opts.Transport,
		sm:        opts.StateMachine,
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[FSM-"+string(me)+"] ", log.LstdFlags|log.Lmicroseconds),
		role:      Follower,
		config:    opts.InitialConfig,
		inbox:     make(chan event, 256),
		stopped:   make(chan struct{}),
	}
	return n
}

func randomElectionTimeout() time.Duration {
	span := int64(ElectionTimeoutMax - ElectionTimeoutMin)
	return ElectionTimeoutMin + time.Duration(rand.Int63n(span))
}

// resetTimer safely re-arms the single timer with a new duration and
// records its start time and planned duration.
func (n *Node) resetTimer(d time.Duration) {
	if n.timer == nil {
		n.timer = time.NewTimer(d)
	} else {
		if !n.timer.Stop() {
			select {
			case <-n.timer.C:
			default:
			}
		}
		n.timer.Reset(d)
	}
	n.timerStart = time.Now()
	n.timerDuration = d
}

func (n *Node) armElectionTimer() {
	n.resetTimer(randomElectionTimeout())
}

func (n *Node) armHeartbeatTimer() {
	n.resetTimer(HeartbeatTimeout)
}

// Run drives the event loop until Stop is called or ctx is cancelled. It
// recovers from panics raised by protocol violations, treating them as
// fatal to this replica per the core's error-handling design: the node
// halts and logs, and the caller (a process supervisor) is expected to
// restart it.
func (n *Node) Run(ctx context.Context) {
	defer close(n.stopped)
	defer func() {
		if r := recover(); r != nil {
			n.logger.Printf("FATAL: protocol violation, halting: %v", r)
		}
	}()

	n.restoreFromLog()
	n.armElectionTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.inbox:
			if done, ok := ev.(evStop); ok {
				close(done.done)
				return
			}
			n.dispatch(ev)
		case <-n.timer.C:
			n.dispatch(evTimeout{})
		}
	}
}

// restoreFromLog reloads persisted term/votedFor on (re)start, as per the
// recovery design: a restarted replica always begins as Follower.
func (n *Node) restoreFromLog() {
	term, err := n.log.GetCurrentTerm()
	if err != nil {
		panic("fsm: failed to load current term: " + err.Error())
	}
	n.term = term

	candidate, ok, err := n.log.GetVotedFor()
	if err != nil {
		panic("fsm: failed to load voted-for: " + err.Error())
	}
	if ok {
		id := NodeID(candidate)
		n.votedFor = &id
	}

	lastIndex, err := n.log.GetLastIndex()
	if err != nil {
		panic("fsm: failed to read last log index: " + err.Error())
	}
	for idx := lastIndex; idx > 0; idx-- {
		entry, ok, err := n.log.GetEntry(idx)
		if err != nil {
			panic("fsm: failed to read log entry: " + err.Error())
		}
		if ok && entry.Type == raftpb.EntryConfig && entry.Config != nil {
			n.config = configFromWire(entry.Config)
			break
		}
	}
	n.role = Follower
}

// postEvent enqueues an event generated internally (timer callbacks,
// transport replies). It must never block the caller for long: the inbox
// is generously buffered, and a full inbox (which should not happen in
// practice — it implies the FSM loop is stuck) drops the event rather than
// stalling the sender, matching the best-effort transport contract.
func (n *Node) postEvent(ev event) {
	select {
	case n.inbox <- ev:
	default:
		n.logger.Printf("inbox full, dropping event %T", ev)
	}
}

// Stop halts the event loop and waits for it to exit.
func (n *Node) Stop() {
	done := make(chan struct{})
	select {
	case n.inbox <- evStop{done: done}:
		<-done
	case <-n.stopped:
	}
}

// Leader returns the last known leader for the current term, if any.
func (n *Node) Leader(ctx context.Context) (NodeID, bool) {
	reply := make(chan NodeID, 1)
	select {
	case n.inbox <- evGetLeader{reply: reply}:
	case <-ctx.Done():
		return "", false
	}
	select {
	case id := <-reply:
		return id, id != ""
	case <-ctx.Done():
		return "", false
	}
}

// HandleRequestVote is invoked by the transport's inbound RPC handler.
func (n *Node) HandleRequestVote(ctx context.Context, req raftpb.RequestVote) (raftpb.VoteReply, error) {
	reply := make(chan raftpb.VoteReply, 1)
	select {
	case n.inbox <- evRequestVote{req: req, reply: reply}:
	case <-ctx.Done():
		return raftpb.VoteReply{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return raftpb.VoteReply{}, ctx.Err()
	}
}

// HandleAppendEntries is invoked by the transport's inbound RPC handler.
func (n *Node) HandleAppendEntries(ctx context.Context, req raftpb.AppendEntries) (raftpb.AppendEntriesReply, error) {
	reply := make(chan raftpb.AppendEntriesReply, 1)
	select {
	case n.inbox <- evAppendEntries{req: req, reply: reply}:
	case <-ctx.Done():
		return raftpb.AppendEntriesReply{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return raftpb.AppendEntriesReply{}, ctx.Err()
	}
}

// Op submits an opaque client command for replication. It blocks until the
// entry commits, the client times out (ClientTimeout), or ctx is done.
func (n *Node) Op(ctx context.Context, id string, cmd []byte) ([]byte, error) {
	replyC := make(chan clientReply, 1)
	select {
	case n.inbox <- evClientOp{id: id, cmd: cmd, replyC: replyC}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-replyC:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetConfig submits a membership change. It blocks until both phases of
// joint consensus commit, the client times out, or ctx is done.
func (n *Node) SetConfig(ctx context.Context, id string, newServers []NodeID) (Configuration, error) {
	replyC := make(chan clientReply, 1)
	select {
	case n.inbox <- evClientSetConfig{id: id, newServers: newServers, replyC: replyC}:
	case <-ctx.Done():
		return Configuration{}, ctx.Err()
	}
	select {
	case r := <-replyC:
		return r.config, r.err
	case <-ctx.Done():
		return Configuration{}, ctx.Err()
	}
}

// dispatch applies the term-catch-up rule and then routes to the
// role-specific handler, per §4.1.
func (n *Node) dispatch(ev event) {
	if term, ok := termOf(ev); ok && term > n.term {
		n.stepDown(term)
	}

	switch n.role {
	case Follower:
		n.handleFollower(ev)
	case Candidate:
		n.handleCandidate(ev)
	case Leader:
		n.handleLeader(ev)
	default:
		panic("fsm: unknown role")
	}
}

// termOf extracts the term carried by an inbound message event, if any.
func termOf(ev event) (uint64, bool) {
	switch e := ev.(type) {
	case evRequestVote:
		return e.req.Term, true
	case evAppendEntries:
		return e.req.Term, true
	case evVoteReply:
		return e.msg.Term, true
	case evAppendEntriesReply:
		return e.msg.Term, true
	default:
		return 0, false
	}
}

// stepDown implements the core's step_down(new_term): persist the new
// term, clear the vote, revert to Follower, clear per-role responses, and
// arm a fresh election timer.
func (n *Node) stepDown(newTerm uint64) {
	if err := n.log.SetCurrentTerm(newTerm); err != nil {
		panic("fsm: failed to persist term: " + err.Error())
	}
	if err := n.log.SetVotedFor("", false); err != nil {
		panic("fsm: failed to clear voted-for: " + err.Error())
	}
	n.term = newTerm
	n.votedFor = nil
	n.leader = nil
	n.role = Follower
	n.candidate = nil
	n.leaderSt = nil
	n.armElectionTimer()
}

func (n *Node) setTerm(term uint64) {
	if err := n.log.SetCurrentTerm(term); err != nil {
		panic("fsm: failed to persist term: " + err.Error())
	}
	n.term = term
}

func (n *Node) setVotedFor(candidate NodeID) {
	if err := n.log.SetVotedFor(string(candidate), true); err != nil {
		panic("fsm: failed to persist vote: " + err.Error())
	}
	id := candidate
	n.votedFor = &id
}

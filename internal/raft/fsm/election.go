package fsm

import (
	"context"
	"time"

	"raftcore/internal/raft/raftpb"
)

// handleFollower implements the Follower role's event table (§4.1).
func (n *Node) handleFollower(ev event) {
	switch e := ev.(type) {
	case evTimeout:
		n.becomeCandidate()

	case evVoteReply, evAppendEntriesReply:
		// Stale replies addressed to a role we no longer hold: ignore,
		// preserve the remaining timer.

	case evRequestVote:
		e.reply <- n.processRequestVote(e.req)

	case evAppendEntries:
		e.reply <- n.processAppendEntries(e.req)

	case evClientOp:
		n.rejectClient(e.replyC)
	case evClientSetConfig:
		n.rejectClientConfig(e.replyC)

	case evClientTimeout:
		n.resolveClientTimeout(e.id)
	case evGetLeader:
		n.replyLeader(e.reply)
	}
}

func (n *Node) rejectClient(replyC chan clientReply) {
	if n.leader != nil {
		replyC <- clientReply{err: &RedirectError{Leader: *n.leader}}
		return
	}
	replyC <- clientReply{err: ErrElectionInProgress}
}

func (n *Node) rejectClientConfig(replyC chan clientReply) {
	n.rejectClient(replyC)
}

func (n *Node) replyLeader(reply chan NodeID) {
	if n.leader != nil {
		reply <- *n.leader
	} else {
		reply <- ""
	}
}

// candidateLogIsUpToDate implements §4.2: a candidate's log is at least as
// up to date as ours iff its last term is greater, or terms are equal and
// its last index is >= ours.
func (n *Node) candidateLogIsUpToDate(candidateTerm, candidateIndex uint64) bool {
	lastTerm, err := n.log.GetLastTerm()
	if err != nil {
		panic("fsm: failed to read last log term: " + err.Error())
	}
	lastIndex, err := n.log.GetLastIndex()
	if err != nil {
		panic("fsm: failed to read last log index: " + err.Error())
	}
	if candidateTerm != lastTerm {
		return candidateTerm > lastTerm
	}
	return candidateIndex >= lastIndex
}

// processRequestVote implements §4.2 RequestVote handling. The term
// catch-up rule has already run in dispatch by the time this is called.
func (n *Node) processRequestVote(req raftpb.RequestVote) raftpb.VoteReply {
	n.metrics.RecordRequestVote()

	if req.Term < n.term {
		return raftpb.VoteReply{Term: n.term, From: string(n.me), Success: false}
	}

	candidate := NodeID(req.From)
	alreadyVotedElsewhere := n.votedFor != nil && *n.votedFor != candidate
	if !alreadyVotedElsewhere && n.candidateLogIsUpToDate(req.LastLogTerm, req.LastLogIndex) {
		n.setVotedFor(candidate)
		n.armElectionTimer()
		return raftpb.VoteReply{Term: n.term, From: string(n.me), Success: true}
	}
	return raftpb.VoteReply{Term: n.term, From: string(n.me), Success: false}
}

// becomeCandidate starts a new election, per §4.1 "Candidate" entry logic.
func (n *Node) becomeCandidate() {
	n.role = Candidate
	n.setTerm(n.term + 1)
	n.setVotedFor(n.me)
	n.candidate = &candidateResponses{votes: map[NodeID]bool{n.me: true}}
	n.leader = nil
	n.electionStart = time.Now()
	n.armElectionTimer()

	lastIndex, err := n.log.GetLastIndex()
	if err != nil {
		panic("fsm: failed to read last log index: " + err.Error())
	}
	lastTerm, err := n.log.GetLastTerm()
	if err != nil {
		panic("fsm: failed to read last log term: " + err.Error())
	}

	req := raftpb.RequestVote{
		Term:         n.term,
		From:         string(n.me),
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	for _, peer := range n.votingPeers() {
		n.transport.SendRequestVote(context.Background(), peer, req, func(reply raftpb.VoteReply, err error) {
			if err != nil {
				return
			}
			n.postEvent(evVoteReply{msg: reply})
		})
	}
	n.maybeBecomeLeaderAlone()
}

// votingPeers returns every voter in the current configuration other than
// ourselves.
func (n *Node) votingPeers() []NodeID {
	var out []NodeID
	for _, id := range n.config.allVoters() {
		if id != n.me {
			out = append(out, id)
		}
	}
	return out
}

// maybeBecomeLeaderAlone handles the single-peer cluster case: a quorum of
// one is met by the self-vote alone, with no RequestVote round-trip
// needed.
func (n *Node) maybeBecomeLeaderAlone() {
	if n.hasQuorum(n.config, n.candidate.votes) {
		n.becomeLeader()
	}
}

// handleCandidate implements the Candidate role's event table (§4.1).
func (n *Node) handleCandidate(ev event) {
	switch e := ev.(type) {
	case evTimeout:
		n.becomeCandidate()

	case evVoteReply:
		if e.msg.Term > n.term {
			n.stepDown(e.msg.Term)
			return
		}
		if e.msg.Term < n.term {
			return
		}
		n.candidate.votes[NodeID(e.msg.From)] = e.msg.Success
		if e.msg.Success && n.hasQuorum(n.config, n.candidate.votes) {
			n.becomeLeader()
		}

	case evAppendEntriesReply:
		// stale, ignore

	case evRequestVote:
		// dispatch already steps down (rerouting to handleFollower) for any
		// req.Term > n.term, so by the time we get here req.Term <= n.term.
		e.reply <- raftpb.VoteReply{Term: n.term, From: string(n.me), Success: false}

	case evAppendEntries:
		if e.req.Term >= n.term {
			n.stepDown(e.req.Term)
			// The message itself is dropped per the source's behavior
			// (Open Question #1): on the false reply the leader resends
			// from a decremented nextIndex, and we process that as a
			// Follower. We
			// must still answer this RPC so the caller's handler doesn't
			// hang; reply false under the now-current (possibly equal)
			// term so the leader retries.
			e.reply <- raftpb.AppendEntriesReply{Term: n.term, From: string(n.me), Success: false}
			return
		}
		e.reply <- raftpb.AppendEntriesReply{Term: n.term, From: string(n.me), Success: false}

	case evClientOp:
		n.replyC(e.replyC, ErrElectionInProgress)
	case evClientSetConfig:
		n.replyConfigErr(e.replyC, ErrElectionInProgress)

	case evClientTimeout:
		n.resolveClientTimeout(e.id)
	case evGetLeader:
		n.replyLeader(e.reply)
	}
}

func (n *Node) replyC(replyC chan clientReply, err error) {
	replyC <- clientReply{err: err}
}

func (n *Node) replyConfigErr(replyC chan clientReply, err error) {
	replyC <- clientReply{err: err}
}

// becomeLeader implements §4.1 "Becoming Leader".
func (n *Node) becomeLeader() {
	n.role = Leader
	self := n.me
	n.leader = &self
	n.candidate = nil
	n.metrics.RecordElection(true)
	n.metrics.RecordElectionDuration(time.Since(n.electionStart))

	lastIndex, err := n.log.GetLastIndex()
	if err != nil {
		panic("fsm: failed to read last log index: " + err.Error())
	}

	next := make(map[NodeID]uint64)
	match := make(map[NodeID]uint64)
	for _, id := range n.config.allVoters() {
		next[id] = lastIndex + 1
		match[id] = 0
	}
	match[n.me] = lastIndex
	n.leaderSt = &leaderResponses{matchIndex: match, nextIndex: next}

	n.armHeartbeatTimer()
	n.sendHeartbeats()
}

package fsm

import (
	"context"
	"time"

	"raftcore/internal/raft/raftpb"
)

// consistencyCheck implements the follower-side check from §4.3: passes
// trivially for prevLogIndex == 0, otherwise requires the local entry at
// prevLogIndex to exist and match prevLogTerm.
func (n *Node) consistencyCheck(prevLogIndex, prevLogTerm uint64) bool {
	if prevLogIndex == 0 {
		return true
	}
	entry, ok, err := n.log.GetEntry(prevLogIndex)
	if err != nil {
		panic("fsm: failed to read log entry: " + err.Error())
	}
	if !ok {
		return false
	}
	return entry.Term == prevLogTerm
}

// adoptConfigFromEntries implements §4.3 step 3: pre-commit visibility of
// configuration changes. The last Config entry among the appended entries
// becomes the current configuration immediately, before commit.
func (n *Node) adoptConfigFromEntries(entries []raftpb.LogEntry) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == raftpb.EntryConfig && entries[i].Config != nil {
			n.config = configFromWire(entries[i].Config)
			return
		}
	}
}

// processAppendEntries implements the follower consistency-check path of
// §4.3. By the time this runs, dispatch has already adopted any higher
// term, so req.Term <= n.term here.
func (n *Node) processAppendEntries(req raftpb.AppendEntries) raftpb.AppendEntriesReply {
	n.metrics.RecordAppendEntries(len(req.Entries) == 0)

	if req.Term < n.term {
		return raftpb.AppendEntriesReply{Term: n.term, From: string(n.me), Success: false}
	}

	n.armElectionTimer()

	if !n.consistencyCheck(req.PrevLogIndex, req.PrevLogTerm) {
		return raftpb.AppendEntriesReply{Term: n.term, From: string(n.me), Success: false}
	}

	// Truncate the divergent suffix even when Entries is empty (§4.3
	// note): a heartbeat can still disagree with a stale local suffix.
	if err := n.log.Truncate(req.PrevLogIndex); err != nil {
		panic("fsm: failed to truncate log: " + err.Error())
	}

	lastIndex := req.PrevLogIndex
	if len(req.Entries) > 0 {
		li, err := n.log.Append(req.Entries)
		if err != nil {
			panic("fsm: failed to append log entries: " + err.Error())
		}
		lastIndex = li
	}

	n.adoptConfigFromEntries(req.Entries)

	newCommit := req.CommitIndex
	if lastIndex < newCommit {
		newCommit = lastIndex
	}
	if newCommit > n.commitIndex {
		n.commitEntries(newCommit)
	}

	from := NodeID(req.From)
	n.leader = &from

	return raftpb.AppendEntriesReply{
		Term: n.term, From: string(n.me), Success: true, Index: lastIndex, HasIndex: true,
	}
}

// commitEntries implements §4.4: advance commitIndex one index at a time
// so nested effects (config stabilization, client replies) observe the
// current value.
func (n *Node) commitEntries(newCommit uint64) {
	for idx := n.commitIndex + 1; idx <= newCommit; idx++ {
		entry, ok, err := n.log.GetEntry(idx)
		if err != nil {
			panic("fsm: failed to read committed entry: " + err.Error())
		}
		if !ok {
			panic("fsm: missing log entry at committed index")
		}

		var result []byte
		switch entry.Type {
		case raftpb.EntryOp:
			start := time.Now()
			res, err := n.sm.Apply(entry.Cmd)
			if err != nil {
				panic("fsm: state machine apply failed: " + err.Error())
			}
			result = res
			n.metrics.RecordCommandCommitted()
			n.metrics.RecordCommandLatency(time.Since(start))

		case raftpb.EntryConfig:
			cfg := configFromWire(entry.Config)
			if n.role == Leader {
				switch cfg.Kind {
				case ConfigTransitional:
					n.stabilizeConfig(cfg, idx)
				case ConfigStable:
					n.pruneLeaderStateFor(cfg.OldServers)
				}
			}
		}

		n.commitIndex = idx

		if n.role == Leader {
			n.resolvePendingAt(idx, result)
		}
	}
}

// stabilizeConfig implements the second phase of joint consensus: once a
// Transitional entry commits, the leader appends a Stable entry for the
// new server set and re-targets any client_req still waiting on the
// original set_config (registered at transitionalIndex) to the new
// Stable entry's index, since its reply is the stable config value.
func (n *Node) stabilizeConfig(transitional Configuration, transitionalIndex uint64) {
	stable := Configuration{Kind: ConfigStable, OldServers: transitional.NewServers}
	entry := raftpb.LogEntry{Term: n.term, Type: raftpb.EntryConfig, Config: stable.toWire()}
	newIndex := n.appendLocal([]raftpb.LogEntry{entry})

	for _, req := range n.clientReqs {
		if req.opts == reqSetConfig && req.index == transitionalIndex {
			req.index = newIndex
			req.term = n.term
		}
	}

	n.triggerReplication()
}

// resolvePendingAt delivers the reply for any client_req registered at
// idx and removes it from the outstanding list, per §4.4's final step.
func (n *Node) resolvePendingAt(idx uint64, opResult []byte) {
	kept := n.clientReqs[:0]
	for _, req := range n.clientReqs {
		if req.index != idx {
			kept = append(kept, req)
			continue
		}
		req.cancel()
		switch req.opts {
		case reqOp:
			req.replyC <- clientReply{value: opResult}
		case reqSetConfig:
			req.replyC <- clientReply{config: n.config}
		}
	}
	n.clientReqs = kept
}

// appendLocal appends entries directly to this replica's own log (used by
// the leader for client-submitted entries, which need no consistency
// check since the leader's log is append-only in its own term) and adopts
// any trailing Config entry immediately, mirroring the follower path.
func (n *Node) appendLocal(entries []raftpb.LogEntry) uint64 {
	lastIndex, err := n.log.Append(entries)
	if err != nil {
		panic("fsm: failed to append log entries: " + err.Error())
	}
	if n.leaderSt != nil {
		n.leaderSt.matchIndex[n.me] = lastIndex
	}
	n.adoptConfigFromEntries(entries)
	return lastIndex
}

// sendEntry implements the leader-side replication attempt from §4.3: send
// the single entry at index (or an empty heartbeat if none exists) to
// peer, using prevLogIndex/prevLogTerm derived from index-1.
func (n *Node) sendEntry(peer NodeID, index uint64) {
	prevIndex := index - 1
	var prevTerm uint64
	if prevIndex > 0 {
		t, err := n.log.GetTerm(prevIndex)
		if err != nil {
			panic("fsm: failed to read log term: " + err.Error())
		}
		prevTerm = t
	}

	var entries []raftpb.LogEntry
	if entry, ok, err := n.log.GetEntry(index); err != nil {
		panic("fsm: failed to read log entry: " + err.Error())
	} else if ok {
		entries = []raftpb.LogEntry{entry}
	}

	req := raftpb.AppendEntries{
		Term:         n.term,
		From:         string(n.me),
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		CommitIndex:  n.commitIndex,
	}

	n.transport.SendAppendEntries(context.Background(), peer, req, func(reply raftpb.AppendEntriesReply, err error) {
		if err != nil {
			return
		}
		n.postEvent(evAppendEntriesReply{msg: reply})
	})
}

// sendHeartbeats sends every follower an AppendEntries at its current
// nextIndex (empty if it is caught up), used both for the heartbeat timer
// and for triggering an immediate replication round.
func (n *Node) sendHeartbeats() {
	for peer, next := range n.leaderSt.nextIndex {
		if peer == n.me {
			continue
		}
		n.sendEntry(peer, next)
	}
}

// triggerReplication is the client-facing latency optimization from §4.6:
// replicate immediately rather than waiting for the next heartbeat.
func (n *Node) triggerReplication() {
	n.sendHeartbeats()
}

// tryAdvanceCommit implements §4.4's leader-side commit rule: advance to
// the greatest quorum-replicated index M, but only if the entry at M was
// created in the current term (Raft's commit-rule restriction).
func (n *Node) tryAdvanceCommit() {
	m := n.quorumMin(n.config, n.leaderSt.matchIndex)
	if m <= n.commitIndex {
		return
	}
	term, err := n.log.GetTerm(m)
	if err != nil {
		panic("fsm: failed to read log term: " + err.Error())
	}
	if term != n.term {
		return
	}
	n.commitEntries(m)
}

// handleLeader implements the Leader role's event table (§4.1).
func (n *Node) handleLeader(ev event) {
	switch e := ev.(type) {
	case evTimeout:
		n.armHeartbeatTimer()
		n.sendHeartbeats()

	case evAppendEntriesReply:
		n.handleAppendEntriesReply(e.msg)

	case evVoteReply:
		// stale, ignore

	case evRequestVote:
		// dispatch already steps down (rerouting to handleFollower) for any
		// req.Term > n.term, so by the time we get here req.Term <= n.term.
		e.reply <- raftpb.VoteReply{Term: n.term, From: string(n.me), Success: false}

	case evAppendEntries:
		// Likewise: a leader only ever sees req.Term <= n.term here.
		e.reply <- raftpb.AppendEntriesReply{Term: n.term, From: string(n.me), Success: false}

	case evClientSetConfig:
		n.handleClientSetConfig(e)
	case evClientOp:
		n.handleClientOp(e)

	case evClientTimeout:
		n.resolveClientTimeout(e.id)
	case evGetLeader:
		n.replyLeader(e.reply)
	}
}

func (n *Node) handleAppendEntriesReply(msg raftpb.AppendEntriesReply) {
	if msg.Term > n.term {
		n.stepDown(msg.Term)
		return
	}

	from := NodeID(msg.From)
	next, tracked := n.leaderSt.nextIndex[from]
	if !tracked {
		return
	}

	if !msg.Success {
		if next > 1 {
			next--
		}
		n.leaderSt.nextIndex[from] = next
		n.sendEntry(from, next)
		return
	}

	if msg.Term < n.term {
		return
	}

	if msg.HasIndex && msg.Index > n.leaderSt.matchIndex[from] {
		n.leaderSt.matchIndex[from] = msg.Index
		n.tryAdvanceCommit()
	}
	n.leaderSt.nextIndex[from] = next + 1
	n.sendEntry(from, next+1)
}

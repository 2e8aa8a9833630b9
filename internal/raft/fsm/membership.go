package fsm

import (
	"sort"

	"raftcore/internal/raft/raftpb"
)

// allowConfig implements §4.5: a reconfiguration is accepted from Blank
// (bootstrap) or from Stable when the requested servers differ from the
// current set. It is rejected while a Transitional configuration is in
// flight, or when the target equals the current stable set.
func allowConfig(current Configuration, newServers []NodeID) bool {
	switch current.Kind {
	case ConfigBlank:
		return true
	case ConfigStable:
		return !sameServerSet(current.OldServers, newServers)
	default:
		return false
	}
}

func sameServerSet(a, b []NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]NodeID(nil), a...)
	sb := append([]NodeID(nil), b...)
	sort.Slice(sa, func(i, j int) bool { return sa[i] < sa[j] })
	sort.Slice(sb, func(i, j int) bool { return sb[i] < sb[j] })
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// reconfig implements §4.5: produce the joint-consensus configuration
// that requires quorum in both the old and the new server sets.
func reconfig(current Configuration, newServers []NodeID) Configuration {
	old := current.OldServers
	return Configuration{Kind: ConfigTransitional, OldServers: old, NewServers: newServers}
}

func quorumSize(groupLen int) int {
	return groupLen/2 + 1
}

// hasQuorum reports whether granted contains enough true votes/acks from
// every voting group in config (both old and new, under joint consensus).
func (n *Node) hasQuorum(config Configuration, granted map[NodeID]bool) bool {
	groups := config.votingGroups()
	if len(groups) == 0 {
		return false
	}
	for _, group := range groups {
		count := 0
		for _, id := range group {
			if granted[id] {
				count++
			}
		}
		if count < quorumSize(len(group)) {
			return false
		}
	}
	return true
}

// quorumMinIndexOf returns the greatest index replicated to a quorum of
// group, given the per-peer highest acknowledged match index.
func quorumMinIndexOf(group []NodeID, matchIndex map[NodeID]uint64) uint64 {
	if len(group) == 0 {
		return 0
	}
	idx := make([]uint64, len(group))
	for i, id := range group {
		idx[i] = matchIndex[id]
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] > idx[j] })
	return idx[quorumSize(len(group))-1]
}

// quorumMin implements §4.4's quorum_min: the greatest index replicated on
// a quorum of every voting group, i.e. the minimum across groups so that
// joint consensus requires both the old and the new configuration to
// agree.
func (n *Node) quorumMin(config Configuration, matchIndex map[NodeID]uint64) uint64 {
	groups := config.votingGroups()
	if len(groups) == 0 {
		return 0
	}
	min := quorumMinIndexOf(groups[0], matchIndex)
	for _, group := range groups[1:] {
		if m := quorumMinIndexOf(group, matchIndex); m < min {
			min = m
		}
	}
	return min
}

// handleClientSetConfig implements the Leader's ClientSetConfig case from
// §4.1 and §4.6: append a Transitional entry, register the client_req, and
// trigger immediate replication.
func (n *Node) handleClientSetConfig(e evClientSetConfig) {
	if !allowConfig(n.config, e.newServers) {
		e.replyC <- clientReply{err: ErrConfigInProgress}
		return
	}

	transitional := reconfig(n.config, e.newServers)
	entry := raftpb.LogEntry{Term: n.term, Type: raftpb.EntryConfig, Config: transitional.toWire()}
	index := n.appendLocal([]raftpb.LogEntry{entry})

	n.growLeaderStateFor(transitional.allVoters())
	n.registerClientReq(e.id, index, reqSetConfig, e.replyC)
	n.triggerReplication()
}

// growLeaderStateFor ensures nextIndex/matchIndex have an entry for every
// voter of a (possibly newly widened) configuration, per invariant 7: the
// leader's followers map always matches the current configuration's
// voting peers.
func (n *Node) growLeaderStateFor(voters []NodeID) {
	lastIndex, err := n.log.GetLastIndex()
	if err != nil {
		panic("fsm: failed to read last log index: " + err.Error())
	}
	for _, id := range voters {
		if _, ok := n.leaderSt.nextIndex[id]; !ok {
			n.leaderSt.nextIndex[id] = lastIndex + 1
		}
		if _, ok := n.leaderSt.matchIndex[id]; !ok {
			if id == n.me {
				n.leaderSt.matchIndex[id] = lastIndex
			} else {
				n.leaderSt.matchIndex[id] = 0
			}
		}
	}
}

// pruneLeaderStateFor removes any nextIndex/matchIndex entry whose peer is
// not in voters, the mirror image of growLeaderStateFor: once a Stable
// configuration commits, the leader must stop tracking (and heartbeating)
// peers that dropped out of the new voting set, per invariant 7.
func (n *Node) pruneLeaderStateFor(voters []NodeID) {
	keep := make(map[NodeID]bool, len(voters))
	for _, id := range voters {
		keep[id] = true
	}
	for id := range n.leaderSt.nextIndex {
		if !keep[id] {
			delete(n.leaderSt.nextIndex, id)
		}
	}
	for id := range n.leaderSt.matchIndex {
		if !keep[id] {
			delete(n.leaderSt.matchIndex, id)
		}
	}
}

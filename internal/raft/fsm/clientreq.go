package fsm

import (
	"time"

	"raftcore/internal/raft/raftpb"
)

// registerClientReq implements §4.6 steps 2-3: start a per-request timer
// and store the outstanding request record.
func (n *Node) registerClientReq(id string, index uint64, kind clientReqKind, replyC chan clientReply) {
	timer := time.AfterFunc(ClientTimeout, func() {
		n.postEvent(evClientTimeout{id: id})
	})
	n.clientReqs = append(n.clientReqs, &clientReq{
		id:     id,
		index:  index,
		term:   n.term,
		opts:   kind,
		replyC: replyC,
		cancel: timer.Stop,
	})
}

// handleClientOp implements the Leader's ClientOp case from §4.1 and
// §4.6: append the command, register the request, replicate immediately.
func (n *Node) handleClientOp(e evClientOp) {
	entry := raftpb.LogEntry{Term: n.term, Type: raftpb.EntryOp, Cmd: e.cmd}
	index := n.appendLocal([]raftpb.LogEntry{entry})
	n.registerClientReq(e.id, index, reqOp, e.replyC)
	n.triggerReplication()
}

// resolveClientTimeout delivers a timeout error to the named request if
// it is still outstanding. A request already resolved by commit (and thus
// already removed) makes this a no-op, per the cancellation-race rule in
// §5.
func (n *Node) resolveClientTimeout(id string) {
	kept := n.clientReqs[:0]
	for _, req := range n.clientReqs {
		if req.id != id {
			kept = append(kept, req)
			continue
		}
		req.replyC <- clientReply{err: ErrTimeout}
	}
	n.clientReqs = kept
}

package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"raftcore/internal/raft/fsm"
	"raftcore/internal/raft/raftpb"
)

const (
	// RPCTimeout bounds a single RPC attempt. Broadcast time should be an
	// order of magnitude below the election timeout (150-300ms); typical
	// round-trips are well under 15ms, so this leaves a comfortable margin.
	RPCTimeout = 50 * time.Millisecond

	// MaxRequestVoteRetries bounds RequestVote retries: an election that
	// doesn't complete within its timeout starts a fresh one anyway, so
	// retrying past that point wastes effort. 5 attempts of at most 50ms,
	// plus at most 110ms of backoff between them, bound one vote request to
	// about 360ms, a little above the top of the election timeout range.
	MaxRequestVoteRetries = 5

	// MaxAppendEntriesRetries is small and finite. The FSM's own heartbeat
	// and replication-retrigger timers redrive AppendEntries anyway, so
	// giving up on one attempt only costs a bounded delay, not correctness.
	MaxAppendEntriesRetries = 5

	RetryBackoffBase = 10 * time.Millisecond
	MaxRetryBackoff  = 40 * time.Millisecond
)

// Client implements fsm.Transport over gRPC, addressing peers by ID through
// the "raft" scheme resolver so callers never need to track addresses
// directly.
type Client struct {
	conns   sync.Map // fsm.NodeID -> *grpc.ClientConn
	metrics fsm.MetricsCollector
}

// NewClient dials every peer in peers, registering addrs[id] with the name
// resolver first so the initial dial has somewhere to resolve to.
func NewClient(peers []fsm.NodeID, addrs map[fsm.NodeID]string, metrics fsm.MetricsCollector) *Client {
	c := &Client{metrics: metrics}
	for _, id := range peers {
		if addr, ok := addrs[id]; ok {
			RegisterPeer(id, addr)
		}
		if err := c.dial(id); err != nil {
			log.Printf("[transport] failed dialing peer %s: %v", id, err)
		}
	}
	return c
}

func (c *Client) dial(id fsm.NodeID) error {
	target := fmt.Sprintf("%s:///%s", Scheme, id)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	c.conns.Store(id, conn)
	return nil
}

func (c *Client) clientFor(id fsm.NodeID) (RaftClient, error) {
	v, ok := c.conns.Load(id)
	if !ok {
		if err := c.dial(id); err != nil {
			return nil, fmt.Errorf("transport: peer %s not connected: %w", id, err)
		}
		v, _ = c.conns.Load(id)
	}
	conn := v.(*grpc.ClientConn)
	return NewRaftClient(conn), nil
}

// AddPeer wires up a connection for a replica that just joined the cluster,
// per the membership module's reconfiguration flow.
func (c *Client) AddPeer(id fsm.NodeID, addr string) error {
	RegisterPeer(id, addr)
	if _, ok := c.conns.Load(id); ok {
		return nil
	}
	return c.dial(id)
}

// RemovePeer closes and forgets the connection for a replica leaving the
// cluster.
func (c *Client) RemovePeer(id fsm.NodeID) {
	if v, ok := c.conns.LoadAndDelete(id); ok {
		_ = v.(*grpc.ClientConn).Close()
	}
}

// Close shuts down every outbound connection.
func (c *Client) Close() {
	c.conns.Range(func(key, value any) bool {
		_ = value.(*grpc.ClientConn).Close()
		return true
	})
}

// SendRequestVote implements fsm.Transport: it runs the RPC (with retry and
// backoff) on its own goroutine and delivers the result via onReply, so the
// FSM's event loop is never blocked on network I/O.
func (c *Client) SendRequestVote(ctx context.Context, peer fsm.NodeID, req raftpb.RequestVote, onReply func(raftpb.VoteReply, error)) {
	if c.metrics != nil {
		c.metrics.RecordRequestVote()
	}
	go func() {
		client, err := c.clientFor(peer)
		if err != nil {
			onReply(raftpb.VoteReply{}, err)
			return
		}

		var lastErr error
		for attempt := 0; attempt < MaxRequestVoteRetries; attempt++ {
			rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
			resp, err := client.RequestVote(rpcCtx, &req)
			cancel()
			if err == nil {
				onReply(*resp, nil)
				return
			}
			lastErr = err

			select {
			case <-ctx.Done():
				onReply(raftpb.VoteReply{}, ctx.Err())
				return
			default:
			}
			if attempt < MaxRequestVoteRetries-1 {
				time.Sleep(backoff(attempt))
			}
		}
		onReply(raftpb.VoteReply{}, fmt.Errorf("transport: RequestVote to %s failed after %d attempts: %w", peer, MaxRequestVoteRetries, lastErr))
	}()
}

// SendAppendEntries implements fsm.Transport, mirroring SendRequestVote.
func (c *Client) SendAppendEntries(ctx context.Context, peer fsm.NodeID, req raftpb.AppendEntries, onReply func(raftpb.AppendEntriesReply, error)) {
	if c.metrics != nil {
		c.metrics.RecordAppendEntries(len(req.Entries) == 0)
	}
	go func() {
		client, err := c.clientFor(peer)
		if err != nil {
			onReply(raftpb.AppendEntriesReply{}, err)
			return
		}

		var lastErr error
		for attempt := 0; attempt < MaxAppendEntriesRetries; attempt++ {
			rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
			resp, err := client.AppendEntries(rpcCtx, &req)
			cancel()
			if err == nil {
				onReply(*resp, nil)
				return
			}
			lastErr = err

			select {
			case <-ctx.Done():
				onReply(raftpb.AppendEntriesReply{}, ctx.Err())
				return
			default:
			}
			if attempt < MaxAppendEntriesRetries-1 {
				time.Sleep(backoff(attempt))
			}
		}
		onReply(raftpb.AppendEntriesReply{}, fmt.Errorf("transport: AppendEntries to %s failed after %d attempts: %w", peer, MaxAppendEntriesRetries, lastErr))
	}()
}

func backoff(attempt int) time.Duration {
	d := RetryBackoffBase << uint(attempt)
	if d > MaxRetryBackoff {
		return MaxRetryBackoff
	}
	return d
}

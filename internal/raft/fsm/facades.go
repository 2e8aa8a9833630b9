package fsm

import (
	"context"
	"errors"
	"time"

	"raftcore/internal/raft/raftpb"
)

// Client-facing error kinds from the core's error-handling design.
var (
	ErrElectionInProgress = errors.New("raft: no known leader, election in progress")
	ErrConfigInProgress   = errors.New("raft: a reconfiguration is already in progress or target equals current config")
	ErrTimeout            = errors.New("raft: client request timed out before committing")
)

// RedirectError reports that this replica is not leader and a client
// should retry against Leader instead.
type RedirectError struct {
	Leader NodeID
}

func (e *RedirectError) Error() string {
	return "raft: not leader, redirect to " + string(e.Leader)
}

// LogStorage is the durable log facade the FSM depends on. Implementations
// must make SetCurrentTerm/SetVotedFor durable before returning, and
// Append/Truncate must be atomic with respect to a single caller (the FSM
// never calls these concurrently with itself).
type LogStorage interface {
	// GetLastIndex returns the index of the last log entry, 0 if empty.
	GetLastIndex() (uint64, error)
	// GetLastTerm returns the term of the last log entry, 0 if empty.
	GetLastTerm() (uint64, error)
	// GetEntry retrieves the entry at index. ok is false if not found.
	GetEntry(index uint64) (entry raftpb.LogEntry, ok bool, err error)
	// GetTerm returns the term of the entry at index (0 if not found).
	GetTerm(index uint64) (uint64, error)
	// Append appends entries atomically, returning the new last index.
	Append(entries []raftpb.LogEntry) (lastIndex uint64, err error)
	// Truncate deletes every entry with index > prevIndex.
	Truncate(prevIndex uint64) error
	// GetCurrentTerm / SetCurrentTerm persist the current term.
	GetCurrentTerm() (uint64, error)
	SetCurrentTerm(term uint64) error
	// GetVotedFor / SetVotedFor persist the vote cast in the current term.
	// ok is false when no vote has been cast.
	GetVotedFor() (candidate string, ok bool, err error)
	SetVotedFor(candidate string, ok bool) error
}

// StateMachine is the opaque applied state machine. Apply must be
// deterministic; a failing Apply is treated as fatal by the FSM, since it
// threatens the determinism invariant across replicas.
type StateMachine interface {
	Apply(cmd []byte) (result []byte, err error)
}

// Transport is the asynchronous, best-effort RPC facade. Send* must not
// block the caller (the FSM goroutine): implementations hand off to a
// background goroutine and invoke onReply at most once, from any
// goroutine. A dropped or failed RPC either never calls onReply or calls
// it with a non-nil error; the FSM posts nothing to its inbox in either
// case.
type Transport interface {
	SendRequestVote(ctx context.Context, peer NodeID, req raftpb.RequestVote, onReply func(raftpb.VoteReply, error))
	SendAppendEntries(ctx context.Context, peer NodeID, req raftpb.AppendEntries, onReply func(raftpb.AppendEntriesReply, error))
}

// MetricsCollector is an optional observability hook. A nil collector
// (via NopMetrics) disables all recording; it never affects consensus
// behavior.
type MetricsCollector interface {
	RecordRequestVote()
	RecordAppendEntries(heartbeat bool)
	RecordElection(won bool)
	RecordElectionDuration(d time.Duration)
	RecordCommandLatency(d time.Duration)
	RecordCommandCommitted()
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordRequestVote()                     {}
func (NopMetrics) RecordAppendEntries(bool)                {}
func (NopMetrics) RecordElection(bool)                     {}
func (NopMetrics) RecordElectionDuration(time.Duration)    {}
func (NopMetrics) RecordCommandLatency(time.Duration)      {}
func (NopMetrics) RecordCommandCommitted()                 {}

package log

import (
	"sync"

	"raftcore/internal/raft/raftpb"
)

// MemoryLog is a non-durable fsm.LogStorage, used by tests and by
// throwaway demo nodes that don't need to survive a restart.
type MemoryLog struct {
	mu       sync.Mutex
	entries  []raftpb.LogEntry // entries[i] has Index i+1
	term     uint64
	votedFor string
	hasVote  bool
}

func NewMemory() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(entries []raftpb.LogEntry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		e.Index = uint64(len(l.entries)) + 1
		l.entries = append(l.entries, e)
	}
	return uint64(len(l.entries)), nil
}

func (l *MemoryLog) Truncate(prevIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prevIndex >= uint64(len(l.entries)) {
		return nil
	}
	l.entries = l.entries[:prevIndex]
	return nil
}

func (l *MemoryLog) GetEntry(index uint64) (raftpb.LogEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index == 0 || index > uint64(len(l.entries)) {
		return raftpb.LogEntry{}, false, nil
	}
	return l.entries[index-1], true, nil
}

func (l *MemoryLog) GetTerm(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	entry, ok, _ := l.GetEntry(index)
	if !ok {
		return 0, nil
	}
	return entry.Term, nil
}

func (l *MemoryLog) GetLastIndex() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.entries)), nil
}

func (l *MemoryLog) GetLastTerm() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0, nil
	}
	return l.entries[len(l.entries)-1].Term, nil
}

func (l *MemoryLog) GetCurrentTerm() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.term, nil
}

func (l *MemoryLog) SetCurrentTerm(term uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.term = term
	return nil
}

func (l *MemoryLog) GetVotedFor() (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.votedFor, l.hasVote, nil
}

func (l *MemoryLog) SetVotedFor(candidate string, ok bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.votedFor = candidate
	l.hasVote = ok
	return nil
}

package fsm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLeaderReplicatesAndCommitsClientOp(t *testing.T) {
	ids := []NodeID{"n1", "n2", "n3"}
	tc := newTestCluster(ids)
	defer tc.close()

	leaderID := tc.awaitLeader(2 * time.Second)
	if leaderID == "" {
		t.Fatal("no leader elected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := tc.nodes[leaderID].Op(ctx, "req-1", []byte("SET x 1"))
	if err != nil {
		t.Fatalf("Op failed: %v", err)
	}
	if string(result) != "SET x 1" {
		t.Fatalf("expected echoed command as result, got %q", result)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		allApplied := true
		for _, sm := range tc.sms {
			if sm.appliedCount() != 1 {
				allApplied = false
			}
		}
		if allApplied {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("not every replica applied the committed command in time")
}

func TestFollowerRejectsClientOpWithRedirect(t *testing.T) {
	ids := []NodeID{"n1", "n2", "n3"}
	tc := newTestCluster(ids)
	defer tc.close()

	leaderID := tc.awaitLeader(2 * time.Second)
	if leaderID == "" {
		t.Fatal("no leader elected")
	}

	var followerID NodeID
	for _, id := range ids {
		if id != leaderID {
			followerID = id
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := tc.nodes[followerID].Op(ctx, "req-2", []byte("SET y 2"))
	if err == nil {
		t.Fatal("expected follower to reject client op")
	}
	redirect, ok := err.(*RedirectError)
	if !ok {
		t.Fatalf("expected *RedirectError, got %T (%v)", err, err)
	}
	if redirect.Leader != leaderID {
		t.Fatalf("expected redirect to %q, got %q", leaderID, redirect.Leader)
	}
}

// TestNewLeaderElectedAfterLeaderCrashKeepsCommittedEntry covers spec.md
// §8 scenario 3: after a committed op, the leader crashes; one of the
// remaining peers must become leader at a strictly higher term within
// 2*ELECTION_TIMEOUT_MAX, and the previously committed entry must survive
// on whichever peer becomes leader (it can only win election by having a
// log at least as up to date as a quorum, so the committed entry can
// never be lost).
func TestNewLeaderElectedAfterLeaderCrashKeepsCommittedEntry(t *testing.T) {
	ids := []NodeID{"n1", "n2", "n3"}
	tc := newTestCluster(ids)
	defer tc.close()

	firstLeaderID := tc.awaitLeader(2 * time.Second)
	if firstLeaderID == "" {
		t.Fatal("no leader elected")
	}
	firstTerm := termSnapshot(tc.nodes[firstLeaderID])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_, err := tc.nodes[firstLeaderID].Op(ctx, "req-crash", []byte("SET before-crash 1"))
	cancel()
	require.NoError(t, err, "Op failed before crash")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		allApplied := true
		for id, sm := range tc.sms {
			if id != firstLeaderID && sm.appliedCount() != 1 {
				allApplied = false
			}
		}
		if allApplied {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	tc.stopNode(firstLeaderID)

	var newLeaderID NodeID
	deadline = time.Now().Add(2 * ElectionTimeoutMax)
	for time.Now().Before(deadline) {
		for id, n := range tc.nodes {
			if id == firstLeaderID {
				continue
			}
			if n.roleSnapshot() == Leader {
				newLeaderID = id
				break
			}
		}
		if newLeaderID != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, newLeaderID, "no surviving peer became leader after the old leader crashed")
	newTerm := termSnapshot(tc.nodes[newLeaderID])
	require.Greaterf(t, newTerm, firstTerm, "expected new leader's term to exceed old leader's term %d", firstTerm)
	require.GreaterOrEqualf(t, tc.sms[newLeaderID].appliedCount(), 1, "expected new leader %q to retain the pre-crash committed entry", newLeaderID)
}

func TestFollowerLogRepairAfterPartitionHeals(t *testing.T) {
	ids := []NodeID{"n1", "n2", "n3"}
	tc := newTestCluster(ids)
	defer tc.close()

	leaderID := tc.awaitLeader(2 * time.Second)
	if leaderID == "" {
		t.Fatal("no leader elected")
	}
	var laggingID NodeID
	for _, id := range ids {
		if id != leaderID {
			laggingID = id
			break
		}
	}

	tc.net.partition(laggingID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	if _, err := tc.nodes[leaderID].Op(ctx, "req-3", []byte("SET z 3")); err != nil {
		cancel()
		t.Fatalf("Op failed while peer partitioned: %v", err)
	}
	cancel()

	tc.net.heal(laggingID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tc.sms[laggingID].appliedCount() >= 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("previously partitioned follower never caught up")
}

package tree

import (
	"context"
	"testing"
	"time"
)

type restoreHarness struct {
	store   *Store
	engine  *Engine
	policy  *RestorePolicy
	stamper *SyncStamper
}

func newRestoreHarness(t *testing.T) *restoreHarness {
	t.Helper()
	store := mustOpenStore(t)
	engine := mustEngine(t, store)
	policy, err := NewRestorePolicy(RestorePolicyConfig{
		Engine:      engine,
		ServerClock: NewClock(ServerClientID, func() time.Time { return time.UnixMilli(5000).UTC() }),
	})
	if err != nil {
		t.Fatalf("failed to create restore policy: %v", err)
	}
	instant := time.Unix(1700000000, 0).UTC()
	stamper := NewSyncStamper(func() time.Time { return instant })
	return &restoreHarness{store: store, engine: engine, policy: policy, stamper: stamper}
}

// push mimics the relay's push transaction: stamp the batch, apply it, run
// the restore policy.
func (h *restoreHarness) push(t *testing.T, ops ...MoveOp) (SyncTimestamp, []MoveOp) {
	t.Helper()
	stamp := h.stamper.Next()
	stampValue := stamp.String()
	for i := range ops {
		ops[i].SyncTimestamp = &stampValue
	}
	var corrections []MoveOp
	err := h.store.Transaction(context.Background(), func(tx *Store) error {
		if err := h.engine.ApplyBatchTx(context.Background(), tx, ops); err != nil {
			return err
		}
		applied, err := h.policy.Corrections(context.Background(), tx, ops, stamp)
		if err != nil {
			return err
		}
		corrections = applied
		return nil
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	return stamp, corrections
}

func withLastSync(op MoveOp, cursor SyncTimestamp) MoveOp {
	op.LastSyncTimestamp = cursor.String()
	return op
}

// Deletion pushed before the concurrent addition: the addition triggers the
// restore when it lands in the tombstoned subtree.
func TestRestoreDeleteThenConcurrentAdd(t *testing.T) {
	h := newRestoreHarness(t)

	s0, _ := h.push(t,
		moveOp(1, "seed", "A", nil, RootID),
		moveOp(2, "seed", "B", nil, "A"),
	)

	_, corrections := h.push(t, withLastSync(moveOp(10, "alice", "B", pointerTo("A"), TombstoneID), s0))
	if len(corrections) != 0 {
		t.Fatalf("expected no correction for an unopposed delete, got %d", len(corrections))
	}

	_, corrections = h.push(t, withLastSync(moveOp(20, "bob", "D", nil, "B"), s0))
	if len(corrections) != 1 {
		t.Fatalf("expected one corrective move, got %d", len(corrections))
	}
	correction := corrections[0]
	if correction.NodeID != "B" || correction.NewParentID != "A" {
		t.Fatalf("expected move(B, A), got move(%s, %s)", correction.NodeID, correction.NewParentID)
	}
	if correction.ClientID != ServerClientID {
		t.Fatalf("expected server attribution, got %s", correction.ClientID)
	}
	if correction.Timestamp <= testTimestamp(20, "bob") {
		t.Fatalf("expected corrective timestamp beyond the triggering op")
	}
	if correction.SyncTimestamp == nil {
		t.Fatalf("expected corrective op to be stamped")
	}

	assertParent(t, h.store, "B", "A")
	assertParent(t, h.store, "D", "B")
}

// Addition pushed before the deletion: the deletion discovers the
// uninformed descendant and restores the subtree root.
func TestRestoreConcurrentAddThenDelete(t *testing.T) {
	h := newRestoreHarness(t)

	s0, _ := h.push(t,
		moveOp(1, "seed", "A", nil, RootID),
		moveOp(2, "seed", "B", nil, "A"),
	)

	_, corrections := h.push(t, withLastSync(moveOp(20, "bob", "D", nil, "B"), s0))
	if len(corrections) != 0 {
		t.Fatalf("expected no correction for a plain add, got %d", len(corrections))
	}

	_, corrections = h.push(t, withLastSync(moveOp(10, "alice", "B", pointerTo("A"), TombstoneID), s0))
	if len(corrections) != 1 {
		t.Fatalf("expected one corrective move, got %d", len(corrections))
	}
	if corrections[0].NodeID != "B" || corrections[0].NewParentID != "A" {
		t.Fatalf("expected move(B, A), got move(%s, %s)", corrections[0].NodeID, corrections[0].NewParentID)
	}

	assertParent(t, h.store, "B", "A")
	assertParent(t, h.store, "D", "B")
}

// A client that had already seen the deletion gets no correction: moving
// into a deleted subtree knowingly keeps the subtree deleted.
func TestRestoreSkipsInformedAddition(t *testing.T) {
	h := newRestoreHarness(t)

	s0, _ := h.push(t,
		moveOp(1, "seed", "A", nil, RootID),
		moveOp(2, "seed", "B", nil, "A"),
	)
	deleteStamp, _ := h.push(t, withLastSync(moveOp(10, "alice", "B", pointerTo("A"), TombstoneID), s0))

	_, corrections := h.push(t, withLastSync(moveOp(20, "bob", "D", nil, "B"), deleteStamp))
	if len(corrections) != 0 {
		t.Fatalf("expected no correction for an informed addition, got %d", len(corrections))
	}

	assertParent(t, h.store, "B", TombstoneID)
	assertParent(t, h.store, "D", "B")
}

// Overlapping uninformed deletions up the ancestor chain are all unwound.
func TestRestoreRecursesUpAncestorChain(t *testing.T) {
	h := newRestoreHarness(t)

	s0, _ := h.push(t,
		moveOp(1, "seed", "A", nil, RootID),
		moveOp(2, "seed", "B", nil, "A"),
	)
	h.push(t,
		withLastSync(moveOp(10, "alice", "B", pointerTo("A"), TombstoneID), s0),
		withLastSync(moveOp(11, "alice", "A", pointerTo(RootID), TombstoneID), s0),
	)

	_, corrections := h.push(t, withLastSync(moveOp(20, "bob", "D", nil, "B"), s0))
	if len(corrections) != 2 {
		t.Fatalf("expected restores for B and A, got %d", len(corrections))
	}

	assertParent(t, h.store, "A", RootID)
	assertParent(t, h.store, "B", "A")
	assertParent(t, h.store, "D", "B")
}

// Replay of the corrected log on a fresh replica reproduces the same tree.
func TestRestoreCorrectionsReplayDeterministically(t *testing.T) {
	h := newRestoreHarness(t)

	s0, _ := h.push(t,
		moveOp(1, "seed", "A", nil, RootID),
		moveOp(2, "seed", "B", nil, "A"),
	)
	h.push(t, withLastSync(moveOp(10, "alice", "B", pointerTo("A"), TombstoneID), s0))
	h.push(t, withLastSync(moveOp(20, "bob", "D", nil, "B"), s0))

	ops, err := h.store.AllOps(context.Background())
	if err != nil {
		t.Fatalf("log read failed: %v", err)
	}

	replica := mustOpenStore(t)
	replicaEngine := mustEngine(t, replica)
	mustApply(t, replicaEngine, ops...)

	assertSameParents(t, parentMapOf(t, replica), parentMapOf(t, h.store))
}

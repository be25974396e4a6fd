package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cybersemics/partykit-em/internal/tree"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustRelay(t *testing.T) *Relay {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "relay.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&tree.Node{}, &tree.MoveOp{}, &tree.Payload{}, &tree.ClientRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := tree.NewStore(tree.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	engine, err := tree.NewEngine(tree.EngineConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	restore, err := tree.NewRestorePolicy(tree.RestorePolicyConfig{
		Engine:      engine,
		ServerClock: tree.NewClock(tree.ServerClientID, func() time.Time { return time.UnixMilli(9000000).UTC() }),
	})
	if err != nil {
		t.Fatalf("failed to create restore policy: %v", err)
	}
	node, err := New(Config{
		Engine:        engine,
		Restore:       restore,
		PullChunkSize: 2,
	})
	if err != nil {
		t.Fatalf("failed to create relay: %v", err)
	}
	if err := node.Open(context.Background()); err != nil {
		t.Fatalf("failed to open relay: %v", err)
	}
	return node
}

func testMoveOp(millis int64, client, nodeID string, oldParent *string, newParent string) tree.MoveOp {
	return tree.MoveOp{
		Timestamp:   fmt.Sprintf("%013d:%06d:%s", millis, 0, client),
		NodeID:      nodeID,
		OldParentID: oldParent,
		NewParentID: newParent,
		ClientID:    client,
	}
}

func stringPointer(value string) *string {
	return &value
}

func TestPushRejectedBeforeOpen(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "booting.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&tree.Node{}, &tree.MoveOp{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := tree.NewStore(tree.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	engine, err := tree.NewEngine(tree.EngineConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	restore, err := tree.NewRestorePolicy(tree.RestorePolicyConfig{Engine: engine})
	if err != nil {
		t.Fatalf("failed to create restore policy: %v", err)
	}
	booting, err := New(Config{Engine: engine, Restore: restore})
	if err != nil {
		t.Fatalf("failed to create relay: %v", err)
	}

	_, _, pushErr := booting.Push(context.Background(), "alice", []tree.MoveOp{testMoveOp(1, "alice", "A", nil, tree.RootID)})
	if !errors.Is(pushErr, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", pushErr)
	}
}

func TestPushAssignsStampAndBroadcasts(t *testing.T) {
	node := mustRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer, cleanup := node.Hub().Subscribe(ctx, "bob")
	defer cleanup()
	drain(peer)

	stamp, corrections, err := node.Push(ctx, "alice", []tree.MoveOp{testMoveOp(1, "alice", "A", nil, tree.RootID)})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if stamp == "" {
		t.Fatalf("expected a sync timestamp")
	}
	if len(corrections) != 0 {
		t.Fatalf("expected no corrections, got %d", len(corrections))
	}

	select {
	case event := <-peer:
		if event.Type != EventPush {
			t.Fatalf("expected push broadcast, got %s", event.Type)
		}
		if len(event.Operations) != 1 || event.Operations[0].NodeID != "A" {
			t.Fatalf("unexpected broadcast payload")
		}
		if event.Operations[0].SyncTimestamp == nil || *event.Operations[0].SyncTimestamp != stamp.String() {
			t.Fatalf("expected broadcast operation to carry the assigned stamp")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected broadcast within deadline")
	}
}

func TestPushRetryWithSameBatchIsIdempotent(t *testing.T) {
	node := mustRelay(t)
	ctx := context.Background()

	batch := []tree.MoveOp{testMoveOp(1, "alice", "A", nil, tree.RootID)}
	if _, _, err := node.Push(ctx, "alice", batch); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	retry := []tree.MoveOp{testMoveOp(1, "alice", "A", nil, tree.RootID)}
	if _, _, err := node.Push(ctx, "alice", retry); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	count, err := node.engine.Store().OpCount(ctx)
	if err != nil {
		t.Fatalf("op count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one log entry after retry, got %d", count)
	}
}

func TestPushSynthesizesRestoreCorrection(t *testing.T) {
	node := mustRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s0, _, err := node.Push(ctx, "seed", []tree.MoveOp{
		testMoveOp(1, "seed", "A", nil, tree.RootID),
		testMoveOp(2, "seed", "B", nil, "A"),
	})
	if err != nil {
		t.Fatalf("seed push failed: %v", err)
	}

	deletion := testMoveOp(10, "alice", "B", stringPointer("A"), tree.TombstoneID)
	deletion.LastSyncTimestamp = s0.String()
	if _, _, err := node.Push(ctx, "alice", []tree.MoveOp{deletion}); err != nil {
		t.Fatalf("deletion push failed: %v", err)
	}

	peer, cleanup := node.Hub().Subscribe(ctx, "carol")
	defer cleanup()
	drain(peer)

	addition := testMoveOp(20, "bob", "D", nil, "B")
	addition.LastSyncTimestamp = s0.String()
	_, corrections, err := node.Push(ctx, "bob", []tree.MoveOp{addition})
	if err != nil {
		t.Fatalf("addition push failed: %v", err)
	}
	if len(corrections) != 1 {
		t.Fatalf("expected one correction, got %d", len(corrections))
	}
	if corrections[0].NodeID != "B" || corrections[0].NewParentID != "A" {
		t.Fatalf("expected move(B, A), got move(%s, %s)", corrections[0].NodeID, corrections[0].NewParentID)
	}

	select {
	case event := <-peer:
		if len(event.Operations) != 2 {
			t.Fatalf("expected broadcast of original plus correction, got %d ops", len(event.Operations))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected broadcast within deadline")
	}
}

func TestStreamSinceWritesHeaderAndOrderedOps(t *testing.T) {
	node := mustRelay(t)
	ctx := context.Background()

	first, _, err := node.Push(ctx, "alice", []tree.MoveOp{testMoveOp(1, "alice", "A", nil, tree.RootID)})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, _, err := node.Push(ctx, "bob", []tree.MoveOp{
		testMoveOp(2, "bob", "B", nil, tree.RootID),
		testMoveOp(3, "bob", "C", nil, "B"),
	}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	var buffer bytes.Buffer
	if err := node.StreamSince(ctx, "", &buffer); err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	scanner := bufio.NewScanner(&buffer)
	if !scanner.Scan() {
		t.Fatal("expected header line")
	}
	var header StreamHeader
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		t.Fatalf("header decode failed: %v", err)
	}
	if header.Operations != 3 {
		t.Fatalf("expected three operations in header, got %d", header.Operations)
	}
	if header.UpperLimit == "" {
		t.Fatalf("expected a frozen upper limit")
	}

	var ops []tree.MoveOp
	for scanner.Scan() {
		var op tree.MoveOp
		if err := json.Unmarshal(scanner.Bytes(), &op); err != nil {
			t.Fatalf("row decode failed: %v", err)
		}
		ops = append(ops, op)
	}
	if len(ops) != 3 {
		t.Fatalf("expected three streamed ops, got %d", len(ops))
	}
	for i := 1; i < len(ops); i++ {
		if *ops[i-1].SyncTimestamp > *ops[i].SyncTimestamp {
			t.Fatalf("stream not ascending by sync timestamp at %d", i)
		}
	}

	var sinceBuffer bytes.Buffer
	if err := node.StreamSince(ctx, first, &sinceBuffer); err != nil {
		t.Fatalf("cursor stream failed: %v", err)
	}
	sinceScanner := bufio.NewScanner(&sinceBuffer)
	if !sinceScanner.Scan() {
		t.Fatal("expected header line")
	}
	remaining := 0
	for sinceScanner.Scan() {
		remaining++
	}
	if remaining != 2 {
		t.Fatalf("expected two ops past the cursor, got %d", remaining)
	}
}

func TestHydrateStreamsNodesAndLog(t *testing.T) {
	node := mustRelay(t)
	ctx := context.Background()

	if _, _, err := node.Push(ctx, "alice", []tree.MoveOp{
		testMoveOp(1, "alice", "A", nil, tree.RootID),
		testMoveOp(2, "alice", "B", nil, "A"),
	}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	var buffer bytes.Buffer
	if err := node.Hydrate(ctx, &buffer); err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}

	nodeRows := 0
	opRows := 0
	err := tree.ReadSnapshot(&buffer, func(row tree.SnapshotRow) error {
		switch {
		case row.Node != nil:
			nodeRows++
		case row.Op != nil:
			opRows++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("snapshot decode failed: %v", err)
	}
	if nodeRows != 4 {
		t.Fatalf("expected reserved rows plus A and B, got %d node rows", nodeRows)
	}
	if opRows != 2 {
		t.Fatalf("expected two op rows, got %d", opRows)
	}
}

func TestSubtreeQueryHonorsDepth(t *testing.T) {
	node := mustRelay(t)
	ctx := context.Background()

	if _, _, err := node.Push(ctx, "alice", []tree.MoveOp{
		testMoveOp(1, "alice", "A", nil, tree.RootID),
		testMoveOp(2, "alice", "B", nil, "A"),
		testMoveOp(3, "alice", "C", nil, "B"),
	}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	rows, err := node.SubtreeQuery(ctx, "A", 1)
	if err != nil {
		t.Fatalf("subtree failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected root plus one level, got %d", len(rows))
	}
}

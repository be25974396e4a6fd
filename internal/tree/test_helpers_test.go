package tree

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustOpenStore(t *testing.T) *Store {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "replica.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&Node{}, &MoveOp{}, &Payload{}, &ClientRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database: database,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.SeedReservedNodes(context.Background()); err != nil {
		t.Fatalf("failed to seed reserved nodes: %v", err)
	}
	return store
}

func mustEngine(t *testing.T, store *Store) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func mustNodeID(t *testing.T, value string) NodeID {
	t.Helper()
	id, err := NewNodeID(value)
	if err != nil {
		t.Fatalf("unexpected node id error: %v", err)
	}
	return id
}

func testTimestamp(millis int64, client string) string {
	return fmt.Sprintf("%013d:%06d:%s", millis, 0, client)
}

func moveOp(timestampMillis int64, client, nodeID string, oldParent *string, newParent string) MoveOp {
	return MoveOp{
		Timestamp:   testTimestamp(timestampMillis, client),
		NodeID:      nodeID,
		OldParentID: oldParent,
		NewParentID: newParent,
		ClientID:    client,
	}
}

func mustApply(t *testing.T, engine *Engine, ops ...MoveOp) {
	t.Helper()
	if err := engine.ApplyBatch(context.Background(), ops); err != nil {
		t.Fatalf("apply batch failed: %v", err)
	}
}

func mustParent(t *testing.T, store *Store, nodeID string) *string {
	t.Helper()
	parent, found, err := store.Parent(context.Background(), NodeID(nodeID))
	if err != nil {
		t.Fatalf("parent lookup failed: %v", err)
	}
	if !found {
		t.Fatalf("expected node %s to exist", nodeID)
	}
	return parent
}

func assertParent(t *testing.T, store *Store, nodeID, wantParent string) {
	t.Helper()
	parent := mustParent(t, store, nodeID)
	if parent == nil {
		t.Fatalf("expected parent of %s to be %s, got null", nodeID, wantParent)
	}
	if *parent != wantParent {
		t.Fatalf("expected parent of %s to be %s, got %s", nodeID, wantParent, *parent)
	}
}

func parentMapOf(t *testing.T, store *Store) map[string]*string {
	t.Helper()
	rows, err := store.Nodes(context.Background())
	if err != nil {
		t.Fatalf("nodes read failed: %v", err)
	}
	parents := make(map[string]*string, len(rows))
	for _, row := range rows {
		parents[row.ID] = row.ParentID
	}
	return parents
}

func assertSameParents(t *testing.T, got, want map[string]*string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("parent maps differ in size: got %d, want %d", len(got), len(want))
	}
	for id, wantParent := range want {
		gotParent, ok := got[id]
		if !ok {
			t.Fatalf("missing node %s", id)
		}
		if !parentEqual(gotParent, wantParent) {
			t.Fatalf("parent mismatch for %s", id)
		}
	}
}

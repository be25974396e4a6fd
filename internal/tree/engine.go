package tree

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// DefaultMaxAncestorWalkDepth bounds the cycle-check walk against
// pathological parent chains.
const DefaultMaxAncestorWalkDepth = 100

var (
	errMissingStore = errors.New("tree: store is required")
	noOpLogger      = zap.NewNop()
)

const (
	opEngineNew        = "tree.engine.new"
	opApplyBatch       = "tree.apply_batch"
	opRebuild          = "tree.rebuild"
	opEnsureConsistent = "tree.ensure_consistent"
)

// EngineConfig describes the dependencies required to build an Engine.
type EngineConfig struct {
	Store                *Store
	Logger               *zap.Logger
	MaxAncestorWalkDepth int
}

// Engine folds move operations into the materialized tree. Batches are
// transactional: the log is appended, state is undone back to the earliest
// incoming timestamp, and every entry at or after that point is re-applied
// in timestamp order, skipping moves that would create a cycle. The result
// depends only on the set of operations, never on arrival order.
type Engine struct {
	store     *Store
	logger    *zap.Logger
	walkDepth int
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newStoreError(opEngineNew, "missing_store", errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	depth := cfg.MaxAncestorWalkDepth
	if depth <= 0 {
		depth = DefaultMaxAncestorWalkDepth
	}
	return &Engine{store: cfg.Store, logger: logger, walkDepth: depth}, nil
}

// Store returns the engine's backing store.
func (e *Engine) Store() *Store {
	return e.store
}

// ApplyBatch appends the batch to the log and replays materialized state in
// a single transaction. Duplicate timestamps are ignored; a batch of only
// duplicates leaves state untouched. Cycle-creating entries are skipped
// silently, never surfaced as errors.
func (e *Engine) ApplyBatch(ctx context.Context, ops []MoveOp) error {
	if len(ops) == 0 {
		return nil
	}
	return e.store.Transaction(ctx, func(tx *Store) error {
		return e.ApplyBatchTx(ctx, tx, ops)
	})
}

// ApplyBatchTx is ApplyBatch inside an existing transactional scope. The
// relay uses it to combine a push with the restore policy in one commit.
func (e *Engine) ApplyBatchTx(ctx context.Context, tx *Store, ops []MoveOp) error {
	if len(ops) == 0 {
		return nil
	}
	tMin := ops[0].Timestamp
	for _, op := range ops[1:] {
		if op.Timestamp < tMin {
			tMin = op.Timestamp
		}
	}

	inserted, err := tx.AppendOps(ctx, ops)
	if err != nil {
		e.logError(opApplyBatch, "append_failed", err)
		return err
	}
	if err := tx.AdoptSyncTimestamps(ctx, ops); err != nil {
		e.logError(opApplyBatch, "adopt_sync_failed", err)
		return err
	}
	if inserted == 0 {
		// Every row was already in the log; materialized state is current.
		return nil
	}
	if err := e.replayFrom(ctx, tx, OpTimestamp(tMin)); err != nil {
		e.logError(opApplyBatch, "replay_failed", err, zap.String("t_min", tMin))
		return err
	}
	return nil
}

func (e *Engine) replayFrom(ctx context.Context, tx *Store, tMin OpTimestamp) error {
	entries, err := tx.OpsSince(ctx, tMin, "")
	if err != nil {
		return err
	}
	view := newStoreView(ctx, tx)
	if err := replayEntries(view, entries, e.walkDepth); err != nil {
		return err
	}
	return view.flush()
}

// Rebuild refolds the entire log from the two reserved roots and replaces
// the materialized nodes table with the result.
func (e *Engine) Rebuild(ctx context.Context) error {
	return e.store.Transaction(ctx, func(tx *Store) error {
		ops, err := tx.AllOps(ctx)
		if err != nil {
			e.logError(opRebuild, "log_read_failed", err)
			return err
		}
		folded, err := FoldLog(ops, e.walkDepth)
		if err != nil {
			e.logError(opRebuild, "fold_failed", err)
			return err
		}
		if err := tx.ResetNodes(ctx); err != nil {
			e.logError(opRebuild, "reset_failed", err)
			return err
		}
		for id, parent := range folded {
			if err := tx.SetParent(ctx, NodeID(id), parent); err != nil {
				e.logError(opRebuild, "write_failed", err, zap.String("node_id", id))
				return err
			}
		}
		return nil
	})
}

// EnsureConsistent verifies that the nodes table equals the fold of the log
// and rebuilds it when they disagree, reporting whether a rebuild ran.
// A torn write detected at startup goes through here.
func (e *Engine) EnsureConsistent(ctx context.Context) (bool, error) {
	diverged, err := e.Diverged(ctx)
	if err != nil {
		e.logError(opEnsureConsistent, "check_failed", err)
		return false, err
	}
	if !diverged {
		return false, nil
	}
	e.logger.Warn("materialized nodes diverged from op log, rebuilding")
	if err := e.Rebuild(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Diverged reports whether the materialized table disagrees with the log.
func (e *Engine) Diverged(ctx context.Context) (bool, error) {
	ops, err := e.store.AllOps(ctx)
	if err != nil {
		return false, err
	}
	folded, err := FoldLog(ops, e.walkDepth)
	if err != nil {
		return false, err
	}
	rows, err := e.store.Nodes(ctx)
	if err != nil {
		return false, err
	}
	if len(rows) != len(folded) {
		return true, nil
	}
	for _, row := range rows {
		want, ok := folded[row.ID]
		if !ok {
			return true, nil
		}
		if !parentEqual(row.ParentID, want) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("tree engine error", attrs...)
}

// FoldLog replays a full log from the reserved roots only and returns the
// resulting parent map. Invariant: folding the persisted log reproduces the
// nodes table row-for-row.
func FoldLog(ops []MoveOp, walkDepth int) (map[string]*string, error) {
	if walkDepth <= 0 {
		walkDepth = DefaultMaxAncestorWalkDepth
	}
	view := newMapView()
	if err := replayEntries(view, ops, walkDepth); err != nil {
		return nil, err
	}
	return view.parents, nil
}

// parentView is the state replay observes: the materialized parent map,
// either database-backed inside a transaction or an in-memory fold.
type parentView interface {
	parent(id string) (*string, error)
	setParent(id string, parentID *string) error
}

// replayEntries is the undo/redo core shared by incremental replay and the
// full fold. Entries must be in ascending timestamp order.
func replayEntries(view parentView, entries []MoveOp, walkDepth int) error {
	undone := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsMove() || isReserved(entry.NodeID) {
			continue
		}
		if undone[entry.NodeID] {
			continue
		}
		undone[entry.NodeID] = true
		if err := view.setParent(entry.NodeID, entry.OldParentID); err != nil {
			return err
		}
	}
	for _, entry := range entries {
		if !entry.IsMove() || isReserved(entry.NodeID) {
			continue
		}
		cycle, err := wouldCycle(view, entry.NodeID, entry.NewParentID, walkDepth)
		if err != nil {
			return err
		}
		if cycle {
			continue
		}
		if err := view.setParent(entry.NodeID, pointerTo(entry.NewParentID)); err != nil {
			return err
		}
	}
	return nil
}

// wouldCycle walks the ancestor chain of newParent looking for node. An
// exhausted walk counts as a cycle so pathological chains are skipped the
// same way on every replica.
func wouldCycle(view parentView, nodeID, newParent string, walkDepth int) (bool, error) {
	current := newParent
	for step := 0; step < walkDepth; step++ {
		if current == nodeID {
			return true, nil
		}
		parent, err := view.parent(current)
		if err != nil {
			return false, err
		}
		if parent == nil {
			return false, nil
		}
		current = *parent
	}
	return true, nil
}

func isReserved(nodeID string) bool {
	return nodeID == RootID || nodeID == TombstoneID
}

func parentEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// mapView folds in memory, starting from the reserved roots.
type mapView struct {
	parents map[string]*string
}

func newMapView() *mapView {
	parents := make(map[string]*string)
	for _, node := range ReservedNodes() {
		parents[node.ID] = nil
	}
	return &mapView{parents: parents}
}

func (v *mapView) parent(id string) (*string, error) {
	if existing, ok := v.parents[id]; ok {
		return existing, nil
	}
	// First reference creates a placeholder with a null parent.
	v.parents[id] = nil
	return nil, nil
}

func (v *mapView) setParent(id string, parentID *string) error {
	v.parents[id] = parentID
	if parentID != nil {
		if _, ok := v.parents[*parentID]; !ok {
			v.parents[*parentID] = nil
		}
	}
	return nil
}

// storeView lazily caches parent pointers from the transaction and writes
// back only the rows replay changed.
type storeView struct {
	ctx     context.Context
	tx      *Store
	cache   map[string]*string
	dirty   map[string]bool
	ensures map[string]bool
}

func newStoreView(ctx context.Context, tx *Store) *storeView {
	return &storeView{
		ctx:     ctx,
		tx:      tx,
		cache:   make(map[string]*string),
		dirty:   make(map[string]bool),
		ensures: make(map[string]bool),
	}
}

func (v *storeView) parent(id string) (*string, error) {
	if cached, ok := v.cache[id]; ok {
		return cached, nil
	}
	parent, found, err := v.tx.Parent(v.ctx, NodeID(id))
	if err != nil {
		return nil, err
	}
	if !found {
		v.ensures[id] = true
		parent = nil
	}
	v.cache[id] = parent
	return parent, nil
}

func (v *storeView) setParent(id string, parentID *string) error {
	if _, ok := v.cache[id]; !ok {
		if _, err := v.parent(id); err != nil {
			return err
		}
	}
	v.cache[id] = parentID
	v.dirty[id] = true
	if parentID != nil {
		if _, err := v.parent(*parentID); err != nil {
			return err
		}
	}
	return nil
}

func (v *storeView) flush() error {
	for id := range v.ensures {
		if v.dirty[id] {
			continue
		}
		if err := v.tx.EnsureNode(v.ctx, NodeID(id)); err != nil {
			return err
		}
	}
	for id := range v.dirty {
		if err := v.tx.SetParent(v.ctx, NodeID(id), v.cache[id]); err != nil {
			return err
		}
	}
	return nil
}

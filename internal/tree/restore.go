package tree

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
)

var errMissingEngine = errors.New("tree: engine is required")

const opCorrections = "tree.restore_corrections"

// RestorePolicy is the relay-side deletion/restore extension. When a
// deletion and an insertion into the deleted subtree race without knowledge
// of each other, the policy synthesizes a corrective move that lifts the
// deleted ancestor back to its prior parent. Replicas observe corrections
// as ordinary operations; the client-side engine needs no change.
type RestorePolicy struct {
	engine      *Engine
	serverClock *Clock
	logger      *zap.Logger
}

// RestorePolicyConfig describes the dependencies required to build a
// RestorePolicy.
type RestorePolicyConfig struct {
	Engine      *Engine
	ServerClock *Clock
	Logger      *zap.Logger
}

// NewRestorePolicy validates the configuration and returns a RestorePolicy.
func NewRestorePolicy(cfg RestorePolicyConfig) (*RestorePolicy, error) {
	if cfg.Engine == nil {
		return nil, newStoreError(opCorrections, "missing_engine", errMissingEngine)
	}
	serverClock := cfg.ServerClock
	if serverClock == nil {
		serverClock = NewClock(ServerClientID, nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &RestorePolicy{engine: cfg.Engine, serverClock: serverClock, logger: logger}, nil
}

// Corrections examines a just-applied push batch and synthesizes, applies,
// and returns any corrective operations. It must run inside the same
// transactional scope as the push apply, after the engine has replayed the
// batch, with every batch row already stamped.
func (p *RestorePolicy) Corrections(ctx context.Context, tx *Store, pushed []MoveOp, stamp SyncTimestamp) ([]MoveOp, error) {
	ordered := make([]MoveOp, len(pushed))
	copy(ordered, pushed)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Timestamp < ordered[j].Timestamp })

	var corrections []MoveOp
	for _, op := range ordered {
		if !op.IsMove() || isReserved(op.NodeID) {
			continue
		}
		view := newStoreView(ctx, tx)
		_, under, err := p.deletedRootFor(view, op.NodeID)
		if err != nil {
			return nil, err
		}
		if !under {
			continue
		}

		// The witness is the pair the restore decision is judged against:
		// an operation the deleter could not have seen, from a client that
		// could not have seen the deletion.
		witnessSync := stamp
		witnessLastSync := op.LastSyncTimestamp
		witnessTimestamp := op.Timestamp
		if op.NewParentID == TombstoneID {
			// Explicit deletion: only an uninformed concurrent descendant
			// justifies undoing the user's delete.
			child, err := p.uninformedDescendant(ctx, tx, view, op)
			if err != nil {
				return nil, err
			}
			if child == nil {
				continue
			}
			witnessSync = SyncTimestamp(*child.SyncTimestamp)
			witnessLastSync = child.LastSyncTimestamp
			if child.Timestamp > witnessTimestamp {
				witnessTimestamp = child.Timestamp
			}
		}

		restored, err := p.restoreChain(ctx, tx, op.NodeID, witnessSync, witnessLastSync, witnessTimestamp, stamp)
		if err != nil {
			return nil, err
		}
		corrections = append(corrections, restored...)
	}
	return corrections, nil
}

// restoreChain lifts tombstoned ancestors of startNode back to their prior
// parents while each deletion on the chain was mutually concurrent with the
// witness. Each correction is applied before the chain is re-examined, so
// the recursion observes restored state.
func (p *RestorePolicy) restoreChain(ctx context.Context, tx *Store, startNode string, witnessSync SyncTimestamp, witnessLastSync string, floor string, stamp SyncTimestamp) ([]MoveOp, error) {
	var corrections []MoveOp
	for step := 0; step < p.engine.walkDepth; step++ {
		view := newStoreView(ctx, tx)
		deletedRoot, under, err := p.deletedRootFor(view, startNode)
		if err != nil {
			return nil, err
		}
		if !under {
			return corrections, nil
		}

		deletion, err := tx.LatestMoveFor(ctx, NodeID(deletedRoot))
		if err != nil {
			return nil, err
		}
		if deletion == nil || deletion.SyncTimestamp == nil {
			return corrections, nil
		}
		deleterUnaware := deletion.LastSyncTimestamp < witnessSync.String()
		witnessUnaware := witnessLastSync < *deletion.SyncTimestamp
		if !deleterUnaware || !witnessUnaware {
			return corrections, nil
		}

		target := RootID
		if deletion.OldParentID != nil {
			target = *deletion.OldParentID
		}
		if floor < deletion.Timestamp {
			floor = deletion.Timestamp
		}
		correction := MoveOp{
			Timestamp:         p.serverClock.After(OpTimestamp(floor)).String(),
			NodeID:            deletedRoot,
			OldParentID:       pointerTo(TombstoneID),
			NewParentID:       target,
			ClientID:          ServerClientID,
			SyncTimestamp:     pointerTo(stamp.String()),
			LastSyncTimestamp: stamp.String(),
		}
		if err := p.engine.ApplyBatchTx(ctx, tx, []MoveOp{correction}); err != nil {
			return nil, err
		}
		p.logger.Info("synthesized restore correction",
			zap.String("node_id", deletedRoot),
			zap.String("restored_parent", target),
			zap.String("timestamp", correction.Timestamp))
		corrections = append(corrections, correction)
		floor = correction.Timestamp
	}
	return corrections, nil
}

// deletedRootFor walks upward from node and returns the ancestor whose
// parent is TOMBSTONE, when the chain reaches the tombstone at all.
func (p *RestorePolicy) deletedRootFor(view parentView, node string) (string, bool, error) {
	current := node
	for step := 0; step < p.engine.walkDepth; step++ {
		parent, err := view.parent(current)
		if err != nil {
			return "", false, err
		}
		if parent == nil {
			return "", false, nil
		}
		if *parent == TombstoneID {
			return current, true, nil
		}
		current = *parent
	}
	return "", false, nil
}

// uninformedDescendant returns the persisted operation with the largest
// sync stamp past the deleter's knowledge cutoff whose node currently sits
// in the deleted subtree, or nil when the deletion raced nothing.
func (p *RestorePolicy) uninformedDescendant(ctx context.Context, tx *Store, view parentView, deletion MoveOp) (*MoveOp, error) {
	candidates, err := tx.OpsSyncedAfterDesc(ctx, SyncTimestamp(deletion.LastSyncTimestamp), ClientID(deletion.ClientID))
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		if !candidate.IsMove() || candidate.NodeID == deletion.NodeID {
			continue
		}
		inside, err := p.isDescendant(view, candidate.NodeID, deletion.NodeID)
		if err != nil {
			return nil, err
		}
		if inside {
			found := candidate
			return &found, nil
		}
	}
	return nil, nil
}

func (p *RestorePolicy) isDescendant(view parentView, node, ancestor string) (bool, error) {
	current := node
	for step := 0; step < p.engine.walkDepth; step++ {
		parent, err := view.parent(current)
		if err != nil {
			return false, err
		}
		if parent == nil {
			return false, nil
		}
		if *parent == ancestor {
			return true, nil
		}
		current = *parent
	}
	return false, nil
}

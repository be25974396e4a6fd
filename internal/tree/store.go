package tree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("tree: database handle is required")

// StoreError wraps a store-level failure with a stable operation.reason code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const (
	opAppendOps  = "tree.append_ops"
	opMarkSynced = "tree.mark_synced"
	opSubtree    = "tree.subtree"
)

// Store exposes the operation log and the materialized nodes table over a
// single replica's database. All methods are linearizable within the replica;
// Transaction yields a Store bound to an all-or-nothing scope.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// StoreConfig describes the dependencies required to build a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// DB exposes the underlying handle for schema management.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn against a Store bound to a database transaction.
// Returning an error rolls back every log and nodes mutation made inside.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, clock: s.clock})
	})
}

// AppendOps inserts operations into the log, ignoring duplicates by
// timestamp. It returns the number of rows that were actually new.
func (s *Store) AppendOps(ctx context.Context, ops []MoveOp) (int, error) {
	inserted := 0
	for _, op := range ops {
		result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&op)
		if result.Error != nil {
			return inserted, newStoreError(opAppendOps, "insert_failed", result.Error)
		}
		inserted += int(result.RowsAffected)
	}
	return inserted, nil
}

// OpsSince returns log entries with timestamp >= since in strict ascending
// timestamp order. An empty upper bound means no upper bound.
func (s *Store) OpsSince(ctx context.Context, since OpTimestamp, upper OpTimestamp) ([]MoveOp, error) {
	query := s.db.WithContext(ctx).Where("timestamp >= ?", since.String())
	if upper != "" {
		query = query.Where("timestamp <= ?", upper.String())
	}
	var ops []MoveOp
	if err := query.Order("timestamp ASC").Find(&ops).Error; err != nil {
		return nil, err
	}
	return ops, nil
}

// OpsSinceSync returns synced entries with cursor < sync_timestamp <= upper,
// ascending by sync timestamp then operation timestamp.
func (s *Store) OpsSinceSync(ctx context.Context, cursor SyncTimestamp, upper SyncTimestamp, limit int, offset int) ([]MoveOp, error) {
	query := s.db.WithContext(ctx).
		Where("sync_timestamp IS NOT NULL AND sync_timestamp > ?", cursor.String())
	if upper != "" {
		query = query.Where("sync_timestamp <= ?", upper.String())
	}
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	var ops []MoveOp
	if err := query.Order("sync_timestamp ASC, timestamp ASC").Find(&ops).Error; err != nil {
		return nil, err
	}
	return ops, nil
}

// CountOpsSinceSync counts the entries OpsSinceSync would return.
func (s *Store) CountOpsSinceSync(ctx context.Context, cursor SyncTimestamp, upper SyncTimestamp) (int64, error) {
	query := s.db.WithContext(ctx).Model(&MoveOp{}).
		Where("sync_timestamp IS NOT NULL AND sync_timestamp > ?", cursor.String())
	if upper != "" {
		query = query.Where("sync_timestamp <= ?", upper.String())
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// LatestMoveFor returns the most recent move entry for a node, or nil when
// the log holds none.
func (s *Store) LatestMoveFor(ctx context.Context, nodeID NodeID) (*MoveOp, error) {
	var op MoveOp
	err := s.db.WithContext(ctx).
		Where("node_id = ? AND new_parent_id <> ''", nodeID.String()).
		Order("timestamp DESC").
		Take(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// OpsSyncedAfterDesc returns synced entries with sync_timestamp > cursor
// from clients other than exclude, newest sync stamp first.
func (s *Store) OpsSyncedAfterDesc(ctx context.Context, cursor SyncTimestamp, exclude ClientID) ([]MoveOp, error) {
	query := s.db.WithContext(ctx).
		Where("sync_timestamp IS NOT NULL AND sync_timestamp > ?", cursor.String())
	if exclude != "" {
		query = query.Where("client_id <> ?", exclude.String())
	}
	var ops []MoveOp
	if err := query.Order("sync_timestamp DESC, timestamp DESC").Find(&ops).Error; err != nil {
		return nil, err
	}
	return ops, nil
}

// MarkSynced stamps the given operations with a sync timestamp. The column
// transitions null -> non-null exactly once; already-stamped rows are left
// untouched.
func (s *Store) MarkSynced(ctx context.Context, timestamps []OpTimestamp, syncTS SyncTimestamp) error {
	if len(timestamps) == 0 {
		return nil
	}
	values := make([]string, 0, len(timestamps))
	for _, ts := range timestamps {
		values = append(values, ts.String())
	}
	err := s.db.WithContext(ctx).Model(&MoveOp{}).
		Where("timestamp IN ? AND sync_timestamp IS NULL", values).
		Update("sync_timestamp", syncTS.String()).Error
	if err != nil {
		return newStoreError(opMarkSynced, "update_failed", err)
	}
	return nil
}

// AdoptSyncTimestamps stamps rows that already exist in the log but have
// not been acknowledged, using the stamps the incoming copies carry. Rows
// that are already stamped keep their original value.
func (s *Store) AdoptSyncTimestamps(ctx context.Context, ops []MoveOp) error {
	for _, op := range ops {
		if op.SyncTimestamp == nil {
			continue
		}
		err := s.db.WithContext(ctx).Model(&MoveOp{}).
			Where("timestamp = ? AND sync_timestamp IS NULL", op.Timestamp).
			Update("sync_timestamp", *op.SyncTimestamp).Error
		if err != nil {
			return newStoreError(opMarkSynced, "adopt_failed", err)
		}
	}
	return nil
}

// UnsyncedOps returns locally-originated operations that the relay has not
// acknowledged, ascending by timestamp.
func (s *Store) UnsyncedOps(ctx context.Context, clientID ClientID) ([]MoveOp, error) {
	var ops []MoveOp
	err := s.db.WithContext(ctx).
		Where("sync_timestamp IS NULL AND client_id = ?", clientID.String()).
		Order("timestamp ASC").
		Find(&ops).Error
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// MaxSyncTimestamp returns the largest sync timestamp observed from any
// client other than exclude. An empty exclude considers every row. The
// zero value means no cursor has been recorded.
func (s *Store) MaxSyncTimestamp(ctx context.Context, exclude ClientID) (SyncTimestamp, error) {
	query := s.db.WithContext(ctx).Model(&MoveOp{}).Where("sync_timestamp IS NOT NULL")
	if exclude != "" {
		query = query.Where("client_id <> ?", exclude.String())
	}
	var max *string
	if err := query.Select("MAX(sync_timestamp)").Scan(&max).Error; err != nil {
		return "", err
	}
	if max == nil {
		return "", nil
	}
	return SyncTimestamp(*max), nil
}

// Parent returns the materialized parent of a node. The second return is
// false when no row exists for the node yet.
func (s *Store) Parent(ctx context.Context, nodeID NodeID) (*string, bool, error) {
	var node Node
	err := s.db.WithContext(ctx).Where("id = ?", nodeID.String()).Take(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return node.ParentID, true, nil
}

// EnsureNode creates a placeholder row with a null parent when the node is
// not present. Referencing an unknown node is never fatal; the row becomes
// consistent once the creating operation is replayed.
func (s *Store) EnsureNode(ctx context.Context, nodeID NodeID) error {
	node := Node{ID: nodeID.String()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&node).Error
}

// SetParent writes the materialized parent pointer, creating the row when
// absent.
func (s *Store) SetParent(ctx context.Context, nodeID NodeID, parentID *string) error {
	node := Node{ID: nodeID.String(), ParentID: parentID}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"parent_id"}),
	}).Create(&node).Error
}

// Nodes returns every materialized row, ascending by id.
func (s *Store) Nodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

// NodeCount returns the number of materialized rows.
func (s *Store) NodeCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Node{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// OpCount returns the number of log entries.
func (s *Store) OpCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&MoveOp{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// AllOps returns the full log ascending by timestamp.
func (s *Store) AllOps(ctx context.Context) ([]MoveOp, error) {
	var ops []MoveOp
	if err := s.db.WithContext(ctx).Order("timestamp ASC").Find(&ops).Error; err != nil {
		return nil, err
	}
	return ops, nil
}

// NodesPage returns up to limit materialized rows with id > afterID,
// ascending by id. Keyset pagination for the hydration dump.
func (s *Store) NodesPage(ctx context.Context, afterID string, limit int) ([]Node, error) {
	var nodes []Node
	err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// OpsPage returns up to limit log entries with timestamp > after, ascending.
func (s *Store) OpsPage(ctx context.Context, after string, limit int) ([]MoveOp, error) {
	var ops []MoveOp
	err := s.db.WithContext(ctx).
		Where("timestamp > ?", after).
		Order("timestamp ASC").
		Limit(limit).
		Find(&ops).Error
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// OpsPageSync returns up to limit synced entries ordered by
// (sync_timestamp, timestamp), resuming after the given pair. With strict
// set, rows at afterSync are excluded entirely (the first page of a
// pull-since-cursor stream).
func (s *Store) OpsPageSync(ctx context.Context, afterSync string, afterTimestamp string, strict bool, upper string, limit int) ([]MoveOp, error) {
	query := s.db.WithContext(ctx).Where("sync_timestamp IS NOT NULL")
	if strict {
		query = query.Where("sync_timestamp > ?", afterSync)
	} else {
		query = query.Where("sync_timestamp > ? OR (sync_timestamp = ? AND timestamp > ?)", afterSync, afterSync, afterTimestamp)
	}
	if upper != "" {
		query = query.Where("sync_timestamp <= ?", upper)
	}
	var ops []MoveOp
	err := query.Order("sync_timestamp ASC, timestamp ASC").Limit(limit).Find(&ops).Error
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// Subtree returns root and every node reachable downward from it up to
// depth levels. A depth of zero returns only the root row.
func (s *Store) Subtree(ctx context.Context, root NodeID, depth int) ([]Node, error) {
	var rootRow Node
	err := s.db.WithContext(ctx).Where("id = ?", root.String()).Take(&rootRow).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(opSubtree, "root_lookup_failed", err)
	}

	result := []Node{rootRow}
	frontier := []string{rootRow.ID}
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var children []Node
		err := s.db.WithContext(ctx).
			Where("parent_id IN ?", frontier).
			Order("id ASC").
			Find(&children).Error
		if err != nil {
			return nil, newStoreError(opSubtree, "level_query_failed", err)
		}
		frontier = frontier[:0]
		for _, child := range children {
			result = append(result, child)
			frontier = append(frontier, child.ID)
		}
	}
	return result, nil
}

// ResetNodes clears the materialized table and reinstates the reserved rows.
func (s *Store) ResetNodes(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&Node{}).Error; err != nil {
		return err
	}
	return s.SeedReservedNodes(ctx)
}

// ResetReplica discards the local log, materialized table, and payload
// register, then reinstates the reserved rows. The divergence-recovery path
// re-hydrates from the relay afterwards.
func (s *Store) ResetReplica(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&MoveOp{}).Error; err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&Payload{}).Error; err != nil {
		return err
	}
	return s.ResetNodes(ctx)
}

// SeedReservedNodes inserts ROOT and TOMBSTONE when missing.
func (s *Store) SeedReservedNodes(ctx context.Context) error {
	for _, node := range ReservedNodes() {
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&node).Error; err != nil {
			return err
		}
	}
	return nil
}

// UpsertPayload writes the node-content register entry for a node. Newest
// updated_at_s wins; an older write is ignored.
func (s *Store) UpsertPayload(ctx context.Context, payload Payload) error {
	var existing Payload
	err := s.db.WithContext(ctx).Where("node_id = ?", payload.NodeID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&payload).Error
	}
	if err != nil {
		return err
	}
	if payload.UpdatedAtSeconds < existing.UpdatedAtSeconds {
		return nil
	}
	existing.Content = payload.Content
	existing.UpdatedAtSeconds = payload.UpdatedAtSeconds
	return s.db.WithContext(ctx).Save(&existing).Error
}

// PayloadFor returns the register entry for a node, when present.
func (s *Store) PayloadFor(ctx context.Context, nodeID NodeID) (*Payload, error) {
	var payload Payload
	err := s.db.WithContext(ctx).Where("node_id = ?", nodeID.String()).Take(&payload).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

// TouchClient records that a client was seen now.
func (s *Store) TouchClient(ctx context.Context, clientID ClientID) error {
	record := ClientRecord{ID: clientID.String(), LastSeenSeconds: s.clock().UTC().Unix()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen_s"}),
	}).Create(&record).Error
}

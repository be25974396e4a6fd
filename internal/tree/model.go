package tree

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// RootID is the reserved identifier of the tree root. Its parent is null.
	RootID = "ROOT"
	// TombstoneID is the reserved sink for deleted subtrees. Its parent is null.
	TombstoneID = "TOMBSTONE"
	// ServerClientID attributes relay-synthesized corrective operations.
	ServerClientID = "server"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNodeID indicates that a node identifier is empty or exceeds storage bounds.
	ErrInvalidNodeID = errors.New("tree: invalid node id")
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("tree: invalid client id")
	// ErrInvalidTimestamp indicates that an operation timestamp is malformed.
	ErrInvalidTimestamp = errors.New("tree: invalid operation timestamp")
)

// NodeID represents a validated node identifier.
type NodeID string

// NewNodeID validates raw input and returns a NodeID.
func NewNodeID(rawInput string) (NodeID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNodeID, maxIdentifierLength)
	}
	return NodeID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NodeID) String() string {
	return string(id)
}

// ClientID represents a validated client identifier.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// Node is the materialized parent pointer for a single node. The op_log is
// ground truth; this table is a cache rebuilt from it on divergence.
type Node struct {
	ID       string  `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	ParentID *string `gorm:"column:parent_id;size:190;index:idx_nodes_parent" json:"parent_id"`
}

// TableName provides the explicit table binding for GORM.
func (Node) TableName() string {
	return "nodes"
}

// MoveOp is one immutable entry of the operation log. The only column that
// ever changes is sync_timestamp, set exactly once when the relay persists
// the operation.
type MoveOp struct {
	Timestamp         string  `gorm:"column:timestamp;primaryKey;size:190;not null" json:"timestamp"`
	NodeID            string  `gorm:"column:node_id;size:190;not null;index:idx_op_log_node" json:"node_id"`
	OldParentID       *string `gorm:"column:old_parent_id;size:190" json:"old_parent_id"`
	NewParentID       string  `gorm:"column:new_parent_id;size:190;not null" json:"new_parent_id"`
	ClientID          string  `gorm:"column:client_id;size:190;not null" json:"client_id"`
	SyncTimestamp     *string `gorm:"column:sync_timestamp;size:64;index:idx_op_log_sync" json:"sync_timestamp"`
	LastSyncTimestamp string  `gorm:"column:last_sync_timestamp;size:64;not null;default:''" json:"last_sync_timestamp"`
}

// TableName provides the explicit table binding for GORM.
func (MoveOp) TableName() string {
	return "op_log"
}

// IsMove reports whether replay should interpret this log row. Content
// register rows co-persisted in the log carry no new parent and are skipped.
func (op MoveOp) IsMove() bool {
	return op.NewParentID != ""
}

// Payload is the node-content last-write-wins register co-located with the
// tree tables. It is outside the move algorithm; newest updated_at_s wins.
type Payload struct {
	NodeID           string `gorm:"column:node_id;primaryKey;size:190;not null" json:"node_id"`
	Content          string `gorm:"column:content;type:text;not null" json:"content"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Payload) TableName() string {
	return "payloads"
}

// ClientRecord tracks the clients that have pushed to this replica.
type ClientRecord struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	LastSeenSeconds int64  `gorm:"column:last_seen_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClientRecord) TableName() string {
	return "clients"
}

// ReservedNodes returns the two rows present in every replica.
func ReservedNodes() []Node {
	return []Node{
		{ID: RootID, ParentID: nil},
		{ID: TombstoneID, ParentID: nil},
	}
}

func pointerTo(value string) *string {
	v := value
	return &v
}

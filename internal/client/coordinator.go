package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cybersemics/partykit-em/internal/tree"
	"go.uber.org/zap"
)

// State is the coordinator lifecycle.
type State string

const (
	// StateDisconnected is the resting state with no transport.
	StateDisconnected State = "disconnected"
	// StateHydrating streams the initial snapshot into an empty replica.
	StateHydrating State = "hydrating"
	// StateCatchingUp replays operations missed since the local cursor.
	StateCatchingUp State = "catching_up"
	// StateLive applies real-time broadcasts as they arrive.
	StateLive State = "live"
	// StateError marks irrecoverable local divergence; Reset recovers.
	StateError State = "error"
)

var (
	errMissingCoordEngine    = errors.New("client: engine is required")
	errMissingTransport      = errors.New("client: transport is required")
	errMissingCoordClientID  = errors.New("client: client id is required")
	errCoordinatorErrored = errors.New("client: coordinator in error state")
)

const defaultCoordinatorChunk = 1000

// Config describes the dependencies required to build a Coordinator.
type Config struct {
	Engine        *tree.Engine
	Transport     Transport
	ClientID      tree.ClientID
	Clock         *tree.Clock
	IDProvider    tree.IDProvider
	Logger        *zap.Logger
	PullChunkSize int
	OnStateChange func(State)
}

// Coordinator is the per-replica sync state machine. It owns the local
// store exclusively, pushes locally-originated operations, pulls remote
// ones since the cursor, and hydrates an empty replica from a snapshot.
// Engine invocations are serialized; final state depends only on the set of
// operations applied.
type Coordinator struct {
	engine        *tree.Engine
	store         *tree.Store
	transport     Transport
	clientID      tree.ClientID
	clock         *tree.Clock
	ids           tree.IDProvider
	logger        *zap.Logger
	pullChunkSize int
	onStateChange func(State)

	applyMu sync.Mutex

	stateMu sync.RWMutex
	state   State
}

// NewCoordinator validates the configuration and returns a Coordinator in
// the Disconnected state.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Engine == nil {
		return nil, errMissingCoordEngine
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.ClientID == "" {
		return nil, errMissingCoordClientID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = tree.NewClock(cfg.ClientID, nil)
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = tree.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	chunk := cfg.PullChunkSize
	if chunk <= 0 {
		chunk = defaultCoordinatorChunk
	}
	return &Coordinator{
		engine:        cfg.Engine,
		store:         cfg.Engine.Store(),
		transport:     cfg.Transport,
		clientID:      cfg.ClientID,
		clock:         clock,
		ids:           ids,
		logger:        logger,
		pullChunkSize: chunk,
		onStateChange: cfg.OnStateChange,
		state:         StateDisconnected,
	}, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(state State) {
	c.stateMu.Lock()
	changed := c.state != state
	c.state = state
	c.stateMu.Unlock()
	if changed && c.onStateChange != nil {
		c.onStateChange(state)
	}
}

// Connect establishes the transport, hydrates or catches up depending on
// whether a cursor exists, pushes pending local operations, and goes Live.
func (c *Coordinator) Connect(ctx context.Context) error {
	if c.State() == StateError {
		return errCoordinatorErrored
	}
	if err := c.transport.Connect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	// Hydration is only for a replica with no recorded stamp at all; the
	// pull cursor itself excludes self-originated stamps so acknowledged
	// local pushes are never mistaken for pulled knowledge.
	recorded, err := c.store.MaxSyncTimestamp(ctx, "")
	if err != nil {
		c.setState(StateError)
		return err
	}
	cursor, err := c.store.MaxSyncTimestamp(ctx, c.clientID)
	if err != nil {
		c.setState(StateError)
		return err
	}

	if recorded == "" {
		if err := c.hydrate(ctx); err != nil {
			c.disconnect()
			return err
		}
	} else {
		if err := c.catchUp(ctx, cursor); err != nil {
			c.disconnect()
			return err
		}
	}

	if err := c.pushPending(ctx); err != nil {
		c.disconnect()
		return err
	}

	c.setState(StateLive)
	go c.liveLoop(ctx)
	return nil
}

// Disconnect tears down the transport and returns to the resting state.
func (c *Coordinator) Disconnect() {
	c.disconnect()
}

func (c *Coordinator) disconnect() {
	if err := c.transport.Close(); err != nil {
		c.logger.Debug("transport close failed", zap.Error(err))
	}
	if c.State() != StateError {
		c.setState(StateDisconnected)
	}
}

// hydrate streams the relay snapshot and writes rows verbatim, with no
// replay, inside one transaction.
func (c *Coordinator) hydrate(ctx context.Context) error {
	c.setState(StateHydrating)
	reader, err := c.transport.Hydrate(ctx)
	if err != nil {
		return err
	}
	defer reader.Close()

	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	return c.store.Transaction(ctx, func(tx *tree.Store) error {
		return tree.ReadSnapshot(reader, func(row tree.SnapshotRow) error {
			switch {
			case row.Node != nil:
				return tx.SetParent(ctx, tree.NodeID(row.Node.ID), row.Node.ParentID)
			case row.Op != nil:
				_, err := tx.AppendOps(ctx, []tree.MoveOp{*row.Op})
				return err
			default:
				return nil
			}
		})
	})
}

type streamHeader struct {
	LowerLimit string `json:"lowerLimit"`
	UpperLimit string `json:"upperLimit"`
	Nodes      int64  `json:"nodes"`
	Operations int64  `json:"operations"`
}

// catchUp pulls the operation stream since cursor and feeds it through the
// engine in chunks. The cursor only advances once end-of-stream commits the
// final batch.
func (c *Coordinator) catchUp(ctx context.Context, cursor tree.SyncTimestamp) error {
	c.setState(StateCatchingUp)
	reader, err := c.transport.StreamSince(ctx, cursor)
	if err != nil {
		return err
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return err
		}
		return fmt.Errorf("client: catch-up stream ended before header")
	}
	var header streamHeader
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return fmt.Errorf("client: malformed catch-up header: %w", err)
	}
	c.logger.Info("catching up",
		zap.String("lower_limit", header.LowerLimit),
		zap.String("upper_limit", header.UpperLimit),
		zap.Int64("operations", header.Operations))

	batch := make([]tree.MoveOp, 0, c.pullChunkSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var op tree.MoveOp
		if err := json.Unmarshal(line, &op); err != nil {
			// Protocol error: log and drop the row, never abort the stream.
			c.logger.Warn("dropping malformed stream row", zap.Error(err))
			continue
		}
		batch = append(batch, op)
		if len(batch) >= c.pullChunkSize {
			if err := c.applyBatch(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		if err := c.applyBatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// pushPending sends every unacknowledged local operation and stamps them
// with the relay's acknowledgement. It makes one attempt with no timeout of
// its own; on failure it returns the error and the batch stays
// unacknowledged, to be resent unchanged by the next Connect. Duplicate
// timestamps make that resend safe.
func (c *Coordinator) pushPending(ctx context.Context) error {
	pending, err := c.store.UnsyncedOps(ctx, c.clientID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	stamp, err := c.transport.Push(ctx, pending)
	if err != nil {
		return err
	}
	timestamps := make([]tree.OpTimestamp, 0, len(pending))
	for _, op := range pending {
		timestamps = append(timestamps, tree.OpTimestamp(op.Timestamp))
	}
	return c.store.MarkSynced(ctx, timestamps, stamp)
}

func (c *Coordinator) liveLoop(ctx context.Context) {
	live := c.transport.Live()
	if live == nil {
		c.setState(StateDisconnected)
		return
	}
	for {
		select {
		case batch, ok := <-live:
			if !ok {
				// Transport loss: pending local ops stay unacknowledged and
				// are retried after reconnect.
				if c.State() == StateLive {
					c.setState(StateDisconnected)
				}
				return
			}
			if err := c.applyBatch(ctx, batch); err != nil {
				c.logger.Error("live batch apply failed", zap.Error(err))
				c.setState(StateError)
				return
			}
		case <-ctx.Done():
			c.disconnect()
			return
		}
	}
}

func (c *Coordinator) applyBatch(ctx context.Context, ops []tree.MoveOp) error {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	return c.engine.ApplyBatch(ctx, ops)
}

// Move reparents a node locally and, when Live, pushes the operation
// immediately. The recorded old parent is whatever this replica observed
// just before the move.
func (c *Coordinator) Move(ctx context.Context, nodeID tree.NodeID, newParentID tree.NodeID) (tree.MoveOp, error) {
	oldParent, _, err := c.store.Parent(ctx, nodeID)
	if err != nil {
		return tree.MoveOp{}, err
	}
	cursor, err := c.store.MaxSyncTimestamp(ctx, c.clientID)
	if err != nil {
		return tree.MoveOp{}, err
	}

	op := tree.MoveOp{
		Timestamp:         c.clock.Next().String(),
		NodeID:            nodeID.String(),
		OldParentID:       oldParent,
		NewParentID:       newParentID.String(),
		ClientID:          c.clientID.String(),
		LastSyncTimestamp: cursor.String(),
	}
	if err := c.applyBatch(ctx, []tree.MoveOp{op}); err != nil {
		return tree.MoveOp{}, err
	}

	if c.State() == StateLive {
		if err := c.pushPending(ctx); err != nil {
			c.logger.Warn("deferred push after local move", zap.Error(err))
		}
	}
	return op, nil
}

// CreateNode mints a node id and places it under the given parent.
func (c *Coordinator) CreateNode(ctx context.Context, parentID tree.NodeID) (tree.NodeID, error) {
	raw, err := c.ids.NewID()
	if err != nil {
		return "", err
	}
	nodeID, err := tree.NewNodeID(raw)
	if err != nil {
		return "", err
	}
	if _, err := c.Move(ctx, nodeID, parentID); err != nil {
		return "", err
	}
	return nodeID, nil
}

// Delete parks a subtree under the tombstone.
func (c *Coordinator) Delete(ctx context.Context, nodeID tree.NodeID) (tree.MoveOp, error) {
	return c.Move(ctx, nodeID, tree.TombstoneID)
}

// SetContent writes the node's payload register entry. Content merging is
// last-write-wins and outside the move algorithm.
func (c *Coordinator) SetContent(ctx context.Context, nodeID tree.NodeID, content string, updatedAtSeconds int64) error {
	return c.store.UpsertPayload(ctx, tree.Payload{
		NodeID:           nodeID.String(),
		Content:          content,
		UpdatedAtSeconds: updatedAtSeconds,
	})
}

// VerifyIntegrity refolds the log and rebuilds the materialized table on
// divergence; a failed rebuild moves the coordinator to the Error state.
func (c *Coordinator) VerifyIntegrity(ctx context.Context) error {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	if _, err := c.engine.EnsureConsistent(ctx); err != nil {
		c.setState(StateError)
		return err
	}
	return nil
}

// Reset discards the local replica so the next Connect re-enters Hydrating.
// This is the recovery path out of the Error state.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	if err := c.store.ResetReplica(ctx); err != nil {
		return err
	}
	c.setState(StateDisconnected)
	return nil
}

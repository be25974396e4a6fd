package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cybersemics/partykit-em/internal/tree"
	"go.uber.org/zap"
)

// Status reflects the relay lifecycle.
type Status string

const (
	// StatusBooting is the state before tables are ensured.
	StatusBooting Status = "booting"
	// StatusReady accepts pushes and serves streams.
	StatusReady Status = "ready"
	// StatusError marks an unrecoverable store failure.
	StatusError Status = "error"
)

// Upper-limit policies for pull streams.
const (
	UpperLimitFrozenAtStart = "frozen_at_start"
	UpperLimitNow           = "now"
)

const (
	defaultPullChunkSize     = 1000
	defaultHydrationRowBatch = 5000
)

var (
	errMissingEngine  = errors.New("relay: engine is required")
	errMissingRestore = errors.New("relay: restore policy is required")
	// ErrNotReady rejects requests while the relay is booting or failed.
	ErrNotReady = errors.New("relay: not ready")
	// ErrEmptyPush rejects a push that carries no valid operations.
	ErrEmptyPush = errors.New("relay: push carries no operations")
)

const (
	opRelayOpen    = "relay.open"
	opRelayPush    = "relay.push"
	opRelayStream  = "relay.stream_since"
	opRelayHydrate = "relay.hydrate"
)

// Config describes the dependencies required to build a Relay.
type Config struct {
	Engine            *tree.Engine
	Restore           *tree.RestorePolicy
	Logger            *zap.Logger
	Stamper           *tree.SyncStamper
	Clock             func() time.Time
	UpperLimitPolicy  string
	PullChunkSize     int
	HydrationRowBatch int
}

// Relay is the authoritative node for one thoughtspace. It owns the
// canonical log, assigns sync timestamps, evaluates the restore policy, and
// fans accepted operations out to connected peers. Mutations are serialized
// through a single-writer region; reads run concurrently against bounded
// snapshots.
type Relay struct {
	engine            *tree.Engine
	store             *tree.Store
	restore           *tree.RestorePolicy
	logger            *zap.Logger
	stamper           *tree.SyncStamper
	hub               *Hub
	upperLimitPolicy  string
	pullChunkSize     int
	hydrationRowBatch int

	writerMu sync.Mutex

	statusMu sync.RWMutex
	status   Status
}

// New validates the configuration and returns a Relay in the Booting state.
func New(cfg Config) (*Relay, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	if cfg.Restore == nil {
		return nil, errMissingRestore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stamper := cfg.Stamper
	if stamper == nil {
		stamper = tree.NewSyncStamper(cfg.Clock)
	}
	policy := cfg.UpperLimitPolicy
	if policy == "" {
		policy = UpperLimitFrozenAtStart
	}
	if policy != UpperLimitFrozenAtStart && policy != UpperLimitNow {
		return nil, fmt.Errorf("relay: unknown upper limit policy %q", policy)
	}
	pullChunk := cfg.PullChunkSize
	if pullChunk <= 0 {
		pullChunk = defaultPullChunkSize
	}
	hydrationBatch := cfg.HydrationRowBatch
	if hydrationBatch <= 0 {
		hydrationBatch = defaultHydrationRowBatch
	}
	return &Relay{
		engine:            cfg.Engine,
		store:             cfg.Engine.Store(),
		restore:           cfg.Restore,
		logger:            logger,
		stamper:           stamper,
		hub:               NewHub(),
		upperLimitPolicy:  policy,
		pullChunkSize:     pullChunk,
		hydrationRowBatch: hydrationBatch,
		status:            StatusBooting,
	}, nil
}

// Open seeds the reserved rows, verifies the materialized table against the
// log, and transitions to Ready. A divergent table is rebuilt from the log.
func (r *Relay) Open(ctx context.Context) error {
	if err := r.store.SeedReservedNodes(ctx); err != nil {
		r.setStatus(StatusError)
		r.logError(opRelayOpen, "seed_failed", err)
		return err
	}
	if _, err := r.engine.EnsureConsistent(ctx); err != nil {
		r.setStatus(StatusError)
		r.logError(opRelayOpen, "integrity_failed", err)
		return err
	}
	r.setStatus(StatusReady)
	return nil
}

// Close marks the relay unavailable and notifies connected peers.
func (r *Relay) Close() {
	r.setStatus(StatusBooting)
}

// Status returns the current lifecycle state.
func (r *Relay) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// Hub exposes the live broadcast channel.
func (r *Relay) Hub() *Hub {
	return r.hub
}

func (r *Relay) setStatus(status Status) {
	r.statusMu.Lock()
	changed := r.status != status
	r.status = status
	r.statusMu.Unlock()
	if changed {
		r.hub.BroadcastStatus(string(status))
	}
}

// Push persists a client batch: one sync timestamp is assigned to the whole
// batch, the engine applies it, the restore policy runs, and the union of
// original and corrective operations is broadcast to every other peer.
// Retrying an identical batch is safe; duplicate timestamps are no-ops.
func (r *Relay) Push(ctx context.Context, clientID tree.ClientID, ops []tree.MoveOp) (tree.SyncTimestamp, []tree.MoveOp, error) {
	if r.Status() != StatusReady {
		return "", nil, ErrNotReady
	}
	accepted := make([]tree.MoveOp, 0, len(ops))
	for _, op := range ops {
		if op.Timestamp == "" || op.NodeID == "" {
			// Protocol error: log and drop, never abort the batch.
			r.logger.Warn("dropping malformed operation",
				zap.String("client_id", clientID.String()),
				zap.String("timestamp", op.Timestamp))
			continue
		}
		accepted = append(accepted, op)
	}
	if len(accepted) == 0 {
		return "", nil, ErrEmptyPush
	}

	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	stamp := r.stamper.Next()
	stampValue := stamp.String()
	for i := range accepted {
		accepted[i].SyncTimestamp = &stampValue
	}

	var corrections []tree.MoveOp
	err := r.store.Transaction(ctx, func(tx *tree.Store) error {
		if err := r.engine.ApplyBatchTx(ctx, tx, accepted); err != nil {
			return err
		}
		applied, err := r.restore.Corrections(ctx, tx, accepted, stamp)
		if err != nil {
			return err
		}
		corrections = applied
		return tx.TouchClient(ctx, clientID)
	})
	if err != nil {
		r.logError(opRelayPush, "apply_failed", err, zap.String("client_id", clientID.String()))
		return "", nil, err
	}

	broadcast := append(append([]tree.MoveOp{}, accepted...), corrections...)
	r.hub.BroadcastPush(clientID.String(), broadcast)
	return stamp, corrections, nil
}

// StreamHeader is the first line of a pull-since-cursor response.
type StreamHeader struct {
	LowerLimit string `json:"lowerLimit"`
	UpperLimit string `json:"upperLimit"`
	Nodes      int64  `json:"nodes"`
	Operations int64  `json:"operations"`
}

// StreamSince writes the newline-delimited catch-up stream: a JSON header,
// then one operation per line ascending by sync timestamp, bounded above by
// the limit captured per the configured policy. Cancelling ctx stops the
// stream between chunks.
func (r *Relay) StreamSince(ctx context.Context, cursor tree.SyncTimestamp, w io.Writer) error {
	if r.Status() != StatusReady {
		return ErrNotReady
	}
	upper, err := r.store.MaxSyncTimestamp(ctx, "")
	if err != nil {
		r.logError(opRelayStream, "upper_limit_failed", err)
		return err
	}
	operations, err := r.store.CountOpsSinceSync(ctx, cursor, upper)
	if err != nil {
		r.logError(opRelayStream, "count_failed", err)
		return err
	}
	nodes, err := r.store.NodeCount(ctx)
	if err != nil {
		r.logError(opRelayStream, "node_count_failed", err)
		return err
	}

	encoder := json.NewEncoder(w)
	header := StreamHeader{
		LowerLimit: cursor.String(),
		UpperLimit: upper.String(),
		Nodes:      nodes,
		Operations: operations,
	}
	if err := encoder.Encode(header); err != nil {
		return err
	}

	afterSync := cursor.String()
	afterTimestamp := ""
	strict := true
	chunkUpper := upper.String()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.upperLimitPolicy == UpperLimitNow {
			now, err := r.store.MaxSyncTimestamp(ctx, "")
			if err != nil {
				return err
			}
			chunkUpper = now.String()
		}
		page, err := r.store.OpsPageSync(ctx, afterSync, afterTimestamp, strict, chunkUpper, r.pullChunkSize)
		if err != nil {
			r.logError(opRelayStream, "page_failed", err)
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, op := range page {
			if err := encoder.Encode(op); err != nil {
				return err
			}
		}
		flush(w)
		last := page[len(page)-1]
		afterSync = *last.SyncTimestamp
		afterTimestamp = last.Timestamp
		strict = false
	}
}

// Hydrate streams a binary snapshot of the nodes table and the whole log.
// Rows are read in batches and flushed between batches so a slow consumer
// stalls the database cursor instead of growing a buffer.
func (r *Relay) Hydrate(ctx context.Context, w io.Writer) error {
	if r.Status() != StatusReady {
		return ErrNotReady
	}
	writer, err := tree.NewSnapshotWriter(w)
	if err != nil {
		return err
	}

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		nodes, err := r.store.NodesPage(ctx, afterID, r.hydrationRowBatch)
		if err != nil {
			r.logError(opRelayHydrate, "nodes_page_failed", err)
			return err
		}
		if len(nodes) == 0 {
			break
		}
		for _, node := range nodes {
			if err := writer.WriteNode(node); err != nil {
				return err
			}
		}
		flush(w)
		afterID = nodes[len(nodes)-1].ID
	}

	afterTimestamp := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ops, err := r.store.OpsPage(ctx, afterTimestamp, r.hydrationRowBatch)
		if err != nil {
			r.logError(opRelayHydrate, "ops_page_failed", err)
			return err
		}
		if len(ops) == 0 {
			break
		}
		for _, op := range ops {
			if err := writer.WriteOp(op); err != nil {
				return err
			}
		}
		flush(w)
		afterTimestamp = ops[len(ops)-1].Timestamp
	}

	return writer.Close()
}

// SubtreeQuery returns the nodes reachable downward from root up to depth
// levels.
func (r *Relay) SubtreeQuery(ctx context.Context, root tree.NodeID, depth int) ([]tree.Node, error) {
	if r.Status() != StatusReady {
		return nil, ErrNotReady
	}
	return r.store.Subtree(ctx, root, depth)
}

func (r *Relay) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("relay error", attrs...)
}

type flusher interface {
	Flush()
}

func flush(w io.Writer) {
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
}

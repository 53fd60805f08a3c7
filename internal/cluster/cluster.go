// Package cluster implements the cluster-membership manager (spec C4):
// node registration, periodic heartbeats, and bootstrap-time expiry
// detection and cleanup, following the algorithm in spec.md 4.3.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lqdb/lqdb/internal/keys"
	"github.com/lqdb/lqdb/internal/kv"
	"github.com/lqdb/lqdb/internal/queue"
	"github.com/lqdb/lqdb/internal/registry"
	"github.com/lqdb/lqdb/pkg/logger"
)

// Config holds the tunables named in spec.md's configuration table that
// bear on cluster membership.
type Config struct {
	HeartbeatInterval time.Duration
	NodeExpiry        time.Duration
}

// DefaultConfig mirrors the "ExpiryWindow >= 3 x HeartbeatInterval"
// constraint from spec.md 4.3 with the minimum compliant ratio.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		NodeExpiry:        30 * time.Second,
	}
}

// ErrBootstrapConflict is returned (wrapped) by Bootstrap only when every
// one of its maxBootstrapRetries attempts lost the reclaim tie-break.
var ErrBootstrapConflict = errors.New("cluster: concurrent bootstrap conflict")

const maxBootstrapRetries = 16

// Manager owns this process's node identity and drives registration,
// heartbeats and bootstrap-time garbage collection.
type Manager struct {
	store  kv.Store
	reg    *registry.Registry
	queue  *queue.Queue
	cfg    Config
	log    logger.Logger
	nodeID uuid.UUID
}

// New constructs a Manager for nodeID. A fresh random nodeID should be
// generated by the caller and persisted across restarts if re-bootstrap
// under the same identity is desired; a zero-value argument generates one.
func New(store kv.Store, reg *registry.Registry, q *queue.Queue, cfg Config, log logger.Logger, nodeID uuid.UUID) *Manager {
	if nodeID == uuid.Nil {
		nodeID = uuid.New()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{store: store, reg: reg, queue: q, cfg: cfg, log: log, nodeID: nodeID}
}

func (m *Manager) NodeID() uuid.UUID { return m.nodeID }

// Bootstrap runs the three-phase start-up procedure from spec.md 4.3. It is
// idempotent and safe to call repeatedly; concurrent bootstraps that lose a
// putc/delc race are retried internally up to maxBootstrapRetries.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if err := m.registerSelf(ctx); err != nil {
		return fmt.Errorf("cluster: register self: %w", err)
	}

	for attempt := 0; attempt < maxBootstrapRetries; attempt++ {
		archived, err := m.reclaimExpired(ctx)
		if errors.Is(err, kv.ErrTxConditionNotMet) {
			m.log.Warn(ctx, "bootstrap: lost tie-break reclaiming expired node, retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			return fmt.Errorf("cluster: reclaim expired nodes: %w", err)
		}
		if err := m.finalizeArchived(ctx, archived); err != nil {
			return fmt.Errorf("cluster: finalize archived live queries: %w", err)
		}
		return nil
	}
	return fmt.Errorf("cluster: bootstrap: %w after %d attempts", ErrBootstrapConflict, maxBootstrapRetries)
}

// registerSelf is bootstrap step 1: register this node's id and write an
// initial heartbeat, in a single write transaction.
func (m *Manager) registerSelf(ctx context.Context) error {
	tx, err := m.store.Begin(ctx, kv.WriteOptimistic)
	if err != nil {
		return err
	}
	now := tx.Clock().Now()
	if err := tx.Set(ctx, keys.EncodeNode(m.nodeID), encodeHeartbeatValue(now)); err != nil {
		tx.Cancel(ctx)
		return err
	}
	if err := tx.Set(ctx, keys.EncodeHeartbeat(now, m.nodeID), nil); err != nil {
		tx.Cancel(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// archivedLQ identifies one live query archived during reclaimExpired, to
// be finalized (both index rows deleted) in a later transaction.
type archivedLQ struct {
	NS, DB, TB string
	LQID       uuid.UUID
	Node       uuid.UUID
}

// reclaimExpired is bootstrap step 2: find nodes whose newest heartbeat is
// older than the expiry window and archive/delete their registrations.
// Mutual exclusion against a concurrent reclaimer is provided by Delc on
// the node-registry row: only one bootstrap can win the delete.
func (m *Manager) reclaimExpired(ctx context.Context) ([]archivedLQ, error) {
	tx, err := m.store.Begin(ctx, kv.WriteOptimistic)
	if err != nil {
		return nil, err
	}
	now := tx.Clock().Now()
	cutoff := now.Add(-m.cfg.NodeExpiry)

	lo, hi := keys.HeartbeatBefore(cutoff)
	rows, err := tx.Scan(ctx, lo, hi, 0)
	if err != nil {
		tx.Cancel(ctx)
		return nil, err
	}

	expired := map[uuid.UUID]struct{}{}
	for _, row := range rows {
		_, node, derr := keys.DecodeHeartbeat(row.Key)
		if derr != nil {
			continue
		}
		if node == m.nodeID {
			continue // never reclaim our own registration
		}
		expired[node] = struct{}{}
	}

	// A node with any heartbeat at or after cutoff is still alive.
	fresh, err := tx.Scan(ctx, hi, keys.HeartbeatSuffix(), 0)
	if err != nil {
		tx.Cancel(ctx)
		return nil, err
	}
	for _, row := range fresh {
		if _, node, derr := keys.DecodeHeartbeat(row.Key); derr == nil {
			delete(expired, node)
		}
	}

	var archived []archivedLQ
	for node := range expired {
		lqs, err := m.reg.ScanByNode(ctx, tx, node, 0)
		if err != nil {
			tx.Cancel(ctx)
			return nil, err
		}
		var nodeArchived []archivedLQ
		for _, ref := range lqs {
			lq, err := m.reg.GetTableLQ(ctx, tx, ref.NS, ref.DB, ref.TB, ref.LiveID)
			if err != nil {
				tx.Cancel(ctx)
				return nil, err
			}
			if lq == nil {
				// Invariant 1 note: partner row already missing from a
				// prior partial crash. Repair by deleting the orphan and
				// move on without archiving anything.
				m.log.Warn(ctx, "bootstrap: node-lq row without table-lq partner", "node", node, "lq", ref.LiveID)
				if err := m.reg.DeleteNodeLQ(ctx, tx, node, ref.NS, ref.DB, ref.LiveID); err != nil {
					tx.Cancel(ctx)
					return nil, err
				}
				continue
			}
			if err := m.reg.ArchiveTableLQ(ctx, tx, ref.NS, ref.DB, ref.TB, ref.LiveID, m.nodeID); err != nil {
				tx.Cancel(ctx)
				return nil, err
			}
			if err := m.reg.DeleteNodeLQ(ctx, tx, node, ref.NS, ref.DB, ref.LiveID); err != nil {
				tx.Cancel(ctx)
				return nil, err
			}
			nodeArchived = append(nodeArchived, archivedLQ{NS: ref.NS, DB: ref.DB, TB: ref.TB, LQID: ref.LiveID, Node: node})
		}
		archived = append(archived, nodeArchived...)

		if err := m.deleteNodeAndHeartbeats(ctx, tx, node); err != nil {
			tx.Cancel(ctx)
			return nil, err
		}
		if err := m.queue.PurgeForNode(ctx, tx, node, toQueueRefs(nodeArchived)); err != nil {
			tx.Cancel(ctx)
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return archived, nil
}

func (m *Manager) deleteNodeAndHeartbeats(ctx context.Context, tx kv.Tx, node uuid.UUID) error {
	cur, err := tx.Get(ctx, keys.EncodeNode(node))
	if err != nil {
		return err
	}
	if err := tx.Delc(ctx, keys.EncodeNode(node), cur); err != nil {
		return err
	}
	hbLo, hbHi := keys.HeartbeatPrefix(), keys.HeartbeatSuffix()
	rows, err := tx.Scan(ctx, hbLo, hbHi, 0)
	if err != nil {
		return err
	}
	for _, row := range rows {
		_, rnode, derr := keys.DecodeHeartbeat(row.Key)
		if derr != nil {
			continue
		}
		if rnode != node {
			continue
		}
		if err := tx.Del(ctx, row.Key); err != nil {
			return err
		}
	}
	return nil
}

// finalizeArchived is bootstrap step 3: delete both index entries for
// every live query archived in step 2, split into its own transaction to
// bound the size of the reclaim transaction.
func (m *Manager) finalizeArchived(ctx context.Context, archived []archivedLQ) error {
	if len(archived) == 0 {
		return nil
	}
	tx, err := m.store.Begin(ctx, kv.WriteOptimistic)
	if err != nil {
		return err
	}
	for _, a := range archived {
		if err := m.reg.DeleteTableLQ(ctx, tx, a.NS, a.DB, a.TB, a.LQID); err != nil {
			tx.Cancel(ctx)
			return err
		}
	}
	return tx.Commit(ctx)
}

// HeartbeatTick writes a fresh heartbeat row for this node and prunes its
// own heartbeats older than the expiry window, per spec.md 4.3.
func (m *Manager) HeartbeatTick(ctx context.Context) error {
	tx, err := m.store.Begin(ctx, kv.WriteOptimistic)
	if err != nil {
		return err
	}
	now := tx.Clock().Now()
	if err := tx.Set(ctx, keys.EncodeHeartbeat(now, m.nodeID), nil); err != nil {
		tx.Cancel(ctx)
		return err
	}
	if err := tx.Set(ctx, keys.EncodeNode(m.nodeID), encodeHeartbeatValue(now)); err != nil {
		tx.Cancel(ctx)
		return err
	}

	cutoff := now.Add(-m.cfg.NodeExpiry)
	lo, hi := keys.HeartbeatBefore(cutoff)
	rows, err := tx.Scan(ctx, lo, hi, 0)
	if err != nil {
		tx.Cancel(ctx)
		return err
	}
	for _, row := range rows {
		_, node, derr := keys.DecodeHeartbeat(row.Key)
		if derr != nil || node != m.nodeID {
			continue
		}
		if err := tx.Del(ctx, row.Key); err != nil {
			tx.Cancel(ctx)
			return err
		}
	}
	return tx.Commit(ctx)
}

// Run drives the heartbeat loop until ctx is canceled, per the
// coroutine-control-flow design note: an independent task communicating
// only through the KV store, exiting on cancellation.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.HeartbeatTick(ctx); err != nil {
				m.log.Error(ctx, "heartbeat tick failed", "error", err)
			}
		}
	}
}

func encodeHeartbeatValue(t time.Time) []byte {
	b, _ := t.MarshalBinary()
	return b
}

func toQueueRefs(archived []archivedLQ) []queue.Ref {
	refs := make([]queue.Ref, len(archived))
	for i, a := range archived {
		refs[i] = queue.Ref{NS: a.NS, DB: a.DB, TB: a.TB, LQID: a.LQID}
	}
	return refs
}

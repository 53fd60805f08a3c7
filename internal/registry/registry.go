// Package registry implements the live-query registry (spec C5): creation
// and cancellation of live queries under the dual-index scheme described
// in spec.md 4.4, plus the node/table/namespace scans used by the
// dispatcher and by cluster-membership cleanup.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lqdb/lqdb/internal/keys"
	"github.com/lqdb/lqdb/internal/kv"
	"github.com/lqdb/lqdb/internal/model"
)

// wireLiveQuery is the JSON encoding stored at the Table->LiveQuery key.
// It excludes nothing from model.LiveQuery: the full definition, including
// the creator's Session/Auth snapshot, travels in this single row so a
// dispatch on any node can evaluate the query without a second lookup.
type wireLiveQuery struct {
	ID       uuid.UUID      `json:"id"`
	Node     uuid.UUID      `json:"node"`
	NS       string         `json:"ns"`
	DB       string         `json:"db"`
	TB       string         `json:"tb"`
	Expr     string         `json:"expr"`
	Cond     string         `json:"cond,omitempty"`
	Fetch    []string       `json:"fetch,omitempty"`
	Archived *uuid.UUID     `json:"archived,omitempty"`
	Session  *model.Session `json:"session,omitempty"`
	Auth     *model.Auth    `json:"auth,omitempty"`
}

func toWire(lq model.LiveQuery) wireLiveQuery {
	return wireLiveQuery{
		ID:       lq.ID,
		Node:     lq.Node,
		NS:       lq.NS,
		DB:       lq.DB,
		TB:       lq.TB,
		Expr:     lq.Expr,
		Cond:     lq.Cond,
		Fetch:    lq.Fetch,
		Archived: lq.Archived,
		Session:  lq.Session,
		Auth:     lq.Auth,
	}
}

func (w wireLiveQuery) toModel() model.LiveQuery {
	return model.LiveQuery{
		ID:       w.ID,
		Node:     w.Node,
		NS:       w.NS,
		DB:       w.DB,
		TB:       w.TB,
		Expr:     w.Expr,
		Cond:     w.Cond,
		Fetch:    w.Fetch,
		Archived: w.Archived,
		Session:  w.Session,
		Auth:     w.Auth,
	}
}

func encodeLQ(lq model.LiveQuery) ([]byte, error) {
	return json.Marshal(toWire(lq))
}

func decodeLQ(b []byte) (model.LiveQuery, error) {
	var w wireLiveQuery
	if err := json.Unmarshal(b, &w); err != nil {
		return model.LiveQuery{}, err
	}
	return w.toModel(), nil
}

// NodeLiveQueryRef is one row of a scan_by_node result: the (ns, db, tb)
// a live query targets, and its id — the table name is all the
// Node->LiveQuery row's value carries, per spec.md's key table.
type NodeLiveQueryRef struct {
	NS, DB, TB string
	LiveID     uuid.UUID
}

// Registry has no state of its own; every operation takes the caller's
// transaction so creation/cancellation participate in the caller's
// surrounding mutation atomically, per Invariant 1.
type Registry struct{}

func New() *Registry { return &Registry{} }

// Create allocates a new live query id and writes both index entries with
// insert-only Put, so a collision on either key aborts the whole create.
func (r *Registry) Create(ctx context.Context, tx kv.Tx, node uuid.UUID, ns, db, tb, expr, cond string, fetch []string, session *model.Session, auth *model.Auth) (uuid.UUID, error) {
	lqID := uuid.New()
	lq := model.LiveQuery{
		ID:      lqID,
		Node:    node,
		NS:      ns,
		DB:      db,
		TB:      tb,
		Expr:    expr,
		Cond:    cond,
		Fetch:   fetch,
		Session: session,
		Auth:    auth,
	}

	ndKey := keys.EncodeNodeLQ(node, ns, db, lqID)
	if err := tx.Put(ctx, ndKey, []byte(tb)); err != nil {
		return uuid.Nil, fmt.Errorf("registry: create node index: %w", err)
	}

	val, err := encodeLQ(lq)
	if err != nil {
		return uuid.Nil, fmt.Errorf("registry: encode live query: %w", err)
	}
	tbKey := keys.EncodeTableLQ(ns, db, tb, lqID)
	if err := tx.Put(ctx, tbKey, val); err != nil {
		return uuid.Nil, fmt.Errorf("registry: create table index: %w", err)
	}

	return lqID, nil
}

// Cancel removes both index entries for lqID. If tb is empty, the
// Table->LiveQuery row is located by scanning the (ns, db) keyspace, per
// spec.md 4.4. Missing rows are not an error: cancellation is idempotent.
func (r *Registry) Cancel(ctx context.Context, tx kv.Tx, lqID uuid.UUID, ns, db, tb string) error {
	var found *model.LiveQuery
	var tbKey []byte

	if tb != "" {
		key := keys.EncodeTableLQ(ns, db, tb, lqID)
		v, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		if v != nil {
			lq, err := decodeLQ(v)
			if err != nil {
				return fmt.Errorf("registry: decode live query at %x: %w", key, err)
			}
			found = &lq
			tbKey = key
		}
	} else {
		rows, err := tx.Scan(ctx, keys.NSDBPrefix(ns, db), keys.NSDBSuffix(ns, db), 0)
		if err != nil {
			return err
		}
		for _, row := range rows {
			_, _, rtb, rlq, derr := keys.DecodeTableLQ(row.Key)
			if derr != nil {
				continue // not a Table->LiveQuery row (e.g. a notification row)
			}
			if rlq != lqID {
				continue
			}
			lq, err := decodeLQ(row.Value)
			if err != nil {
				return fmt.Errorf("registry: decode live query at %x: %w", row.Key, err)
			}
			lq.TB = rtb
			found = &lq
			tbKey = row.Key
			break
		}
	}

	if found == nil {
		return nil
	}

	if err := tx.Del(ctx, tbKey); err != nil {
		return err
	}
	ndKey := keys.EncodeNodeLQ(found.Node, ns, db, lqID)
	return tx.Del(ctx, ndKey)
}

// ScanByNode enumerates every live query owned by node.
func (r *Registry) ScanByNode(ctx context.Context, tx kv.Tx, node uuid.UUID, limit int) ([]NodeLiveQueryRef, error) {
	rows, err := tx.Scan(ctx, keys.NodeLQPrefix(node), keys.NodeLQSuffix(node), limit)
	if err != nil {
		return nil, err
	}
	out := make([]NodeLiveQueryRef, 0, len(rows))
	for _, row := range rows {
		_, ns, db, lq, derr := keys.DecodeNodeLQ(row.Key)
		if derr != nil {
			return nil, derr
		}
		out = append(out, NodeLiveQueryRef{NS: ns, DB: db, TB: string(row.Value), LiveID: lq})
	}
	return out, nil
}

// ScanByTable enumerates every live query registered against (ns, db, tb).
func (r *Registry) ScanByTable(ctx context.Context, tx kv.Tx, ns, db, tb string, limit int) ([]model.LiveQuery, error) {
	rows, err := tx.Scan(ctx, keys.TableLQPrefix(ns, db, tb), keys.TableLQSuffix(ns, db, tb), limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.LiveQuery, 0, len(rows))
	for _, row := range rows {
		lq, derr := decodeLQ(row.Value)
		if derr != nil {
			return nil, derr
		}
		out = append(out, lq)
	}
	return out, nil
}

// ScanByNamespace enumerates live queries the same way ScanByTable does;
// it exists as a distinct entry point because the caller (a table-drop
// permission check) reasons about namespace scope rather than per-node
// ownership, even though today it reads the identical index. See
// DESIGN.md for the Open Question this resolves.
func (r *Registry) ScanByNamespace(ctx context.Context, tx kv.Tx, ns, db, tb string, limit int) ([]model.LiveQuery, error) {
	return r.ScanByTable(ctx, tx, ns, db, tb, limit)
}

// GetTableLQ fetches a single live query by its full coordinates, used by
// bootstrap's archive step and by ArchiveTableLQ.
func (r *Registry) GetTableLQ(ctx context.Context, tx kv.Tx, ns, db, tb string, lqID uuid.UUID) (*model.LiveQuery, error) {
	key := keys.EncodeTableLQ(ns, db, tb, lqID)
	v, err := tx.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	lq, err := decodeLQ(v)
	if err != nil {
		return nil, err
	}
	return &lq, nil
}

// ArchiveTableLQ rewrites the Table->LiveQuery row's Archived field to
// observer, tombstoning it without deleting it. Missing rows are not an
// error, per spec.md 4.3's tolerance of a partial-crash state.
func (r *Registry) ArchiveTableLQ(ctx context.Context, tx kv.Tx, ns, db, tb string, lqID, observer uuid.UUID) error {
	lq, err := r.GetTableLQ(ctx, tx, ns, db, tb, lqID)
	if err != nil {
		return err
	}
	if lq == nil {
		return nil
	}
	lq.Archived = &observer
	val, err := encodeLQ(*lq)
	if err != nil {
		return err
	}
	return tx.Set(ctx, keys.EncodeTableLQ(ns, db, tb, lqID), val)
}

// DeleteNodeLQ removes a single Node->LiveQuery row. Used by bootstrap once
// the corresponding table row has been archived (or found already absent).
func (r *Registry) DeleteNodeLQ(ctx context.Context, tx kv.Tx, node uuid.UUID, ns, db string, lqID uuid.UUID) error {
	return tx.Del(ctx, keys.EncodeNodeLQ(node, ns, db, lqID))
}

// DeleteTableLQ removes a single Table->LiveQuery row.
func (r *Registry) DeleteTableLQ(ctx context.Context, tx kv.Tx, ns, db, tb string, lqID uuid.UUID) error {
	return tx.Del(ctx, keys.EncodeTableLQ(ns, db, tb, lqID))
}

// Package dispatch implements the per-write notification dispatcher
// (spec C6): on every mutated document, it enumerates matching live
// queries, evaluates WHERE and SELECT permissions under the creator's
// captured identity, and routes the resulting notification to local
// delivery or the persisted queue depending on ownership.
package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lqdb/lqdb/internal/delivery"
	"github.com/lqdb/lqdb/internal/kv"
	"github.com/lqdb/lqdb/internal/model"
	"github.com/lqdb/lqdb/internal/queue"
	"github.com/lqdb/lqdb/internal/registry"
	"github.com/lqdb/lqdb/pkg/logger"
)

// DefaultDrainBatch bounds how many persisted notifications are forwarded
// to local delivery per dispatch call, per spec.md 4.5g, when Config does
// not override it via Dispatcher.DrainBatch.
const DefaultDrainBatch = 1000

// DocumentChange is one mutated document passed to the dispatcher by the
// write path. Before/After are opaque attribute maps: parsing and
// executing the statement that produced them is out of this module's
// scope, mirroring how the teacher's pkg/models treats RecordID/Table as
// opaque wire values it never interprets.
type DocumentChange struct {
	NS, DB, TB string
	Action     model.Action
	Before     map[string]any
	After      map[string]any
}

// evalDoc is the document WHERE/permissions are evaluated over: After for
// CREATE/UPDATE, Before for DELETE, per spec.md 4.5c.
func (c DocumentChange) evalDoc() map[string]any {
	if c.Action == model.Delete {
		return c.Before
	}
	return c.After
}

// Dispatcher wires together the registry, an Evaluator/TablePermissions
// pair, local delivery and the persisted queue.
type Dispatcher struct {
	NodeID uuid.UUID

	reg   *registry.Registry
	queue *queue.Queue
	hub   *delivery.Hub
	eval  Evaluator
	perms TablePermissions
	log   logger.Logger

	// DrainBatch bounds how many persisted notifications drainAndSend
	// forwards per call; defaults to DefaultDrainBatch, overridable from
	// Config.
	DrainBatch int

	// OnDrain is an optional metrics hook called with the number of
	// persisted notifications forwarded to local delivery per drain.
	OnDrain func(n int)
}

// New constructs a Dispatcher. eval/perms default to SimpleEvaluator /
// AllowAllPermissions if nil, which is enough to exercise every routing
// and filtering path without a real SQL engine wired in.
func New(nodeID uuid.UUID, reg *registry.Registry, q *queue.Queue, hub *delivery.Hub, eval Evaluator, perms TablePermissions, log logger.Logger) *Dispatcher {
	if eval == nil {
		eval = SimpleEvaluator{}
	}
	if perms == nil {
		perms = AllowAllPermissions{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{NodeID: nodeID, reg: reg, queue: q, hub: hub, eval: eval, perms: perms, log: log, DrainBatch: DefaultDrainBatch}
}

// AllowAllPermissions is the zero-configuration TablePermissions: every
// table is Full-permission, i.e. every live query with a matching
// creator session passes the permission check. Useful for tests and for
// deployments that enforce permissions entirely at the SQL layer.
type AllowAllPermissions struct{}

func (AllowAllPermissions) SelectPermission(context.Context, string, string, string) (PermissionKind, string, error) {
	return PermissionFull, "", nil
}

// OnDocumentChange runs the per-document algorithm of spec.md 4.5 against
// every live query registered on change.TB. It participates in the
// caller's transaction tx: a failure persisting to C8 is returned (and so
// aborts the caller's transaction along with the rest of its write set);
// a failure sending to C7 is only logged, per spec.md's failure-semantics
// note, since the subscriber merely missed a notification.
//
// Spec.md 4.5 step 1's early-exit ("no sender attached, and we are not
// the document-owner node") is a pure performance optimization: skipping
// it never changes which notifications are produced, only how many
// pointless scans happen when nothing is registered on this table at all,
// a difference the Go port doesn't need to special-case. See DESIGN.md.
func (d *Dispatcher) OnDocumentChange(ctx context.Context, tx kv.Tx, change DocumentChange) error {
	lqs, err := d.reg.ScanByTable(ctx, tx, change.NS, change.DB, change.TB, 0)
	if err != nil {
		return fmt.Errorf("dispatch: scan_by_table: %w", err)
	}

	for _, lq := range lqs {
		if err := d.dispatchOne(ctx, tx, change, lq); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, tx kv.Tx, change DocumentChange, lq model.LiveQuery) error {
	if lq.Session == nil || lq.Auth == nil {
		d.log.Debug(ctx, "dispatch: live query missing creator identity, skipping", "live_id", lq.ID)
		return nil
	}
	identity := Identity{Session: *lq.Session, Auth: *lq.Auth}
	doc := change.evalDoc()

	if lq.Cond != "" {
		ok, err := d.eval.Eval(ctx, identity, lq.Cond, doc, true)
		if err != nil {
			d.log.Warn(ctx, "dispatch: WHERE evaluation failed, skipping live query", "live_id", lq.ID, "error", err)
			return nil
		}
		if !ok {
			return nil
		}
	}

	kind, permExpr, err := d.perms.SelectPermission(ctx, change.NS, change.DB, change.TB)
	if err != nil {
		d.log.Warn(ctx, "dispatch: permission lookup failed, skipping live query", "live_id", lq.ID, "error", err)
		return nil
	}
	switch kind {
	case PermissionNone:
		return nil
	case PermissionFull:
		// pass
	case PermissionSpecific:
		ok, err := d.eval.Eval(ctx, identity, permExpr, doc, false)
		if err != nil {
			d.log.Warn(ctx, "dispatch: permission evaluation failed, skipping live query", "live_id", lq.ID, "error", err)
			return nil
		}
		if !ok {
			return nil
		}
	}

	// For DELETE, result is the record's Thing identifier, not a
	// projection of the deleted document, per spec.md 4.5f — the
	// document no longer exists for lq.Expr to select fields out of.
	var result any
	if change.Action == model.Delete {
		result = doc["id"]
	} else {
		result, err = d.eval.Pluck(ctx, identity, lq.Expr, doc)
		if err != nil {
			d.log.Warn(ctx, "dispatch: result projection failed, skipping live query", "live_id", lq.ID, "error", err)
			return nil
		}
	}

	rec := model.NotificationRecord{
		LiveID:         lq.ID,
		NodeID:         lq.Node,
		NotificationID: uuid.New(),
		Action:         change.Action,
		Result:         result,
		Timestamp:      tx.Clock().Now(),
	}

	if lq.Node == d.NodeID {
		if err := d.drainAndSend(ctx, tx, change.NS, change.DB, change.TB, lq.ID); err != nil {
			d.log.Warn(ctx, "dispatch: persisted-queue drain failed", "live_id", lq.ID, "error", err)
		}
		if d.hub != nil {
			d.hub.Send(ctx, lq.ID, rec)
		}
		return nil
	}

	if err := d.queue.Enqueue(ctx, tx, change.NS, change.DB, change.TB, lq.ID, rec); err != nil {
		return fmt.Errorf("dispatch: persist notification for live query %s: %w", lq.ID, err)
	}
	return nil
}

// drainAndSend forwards up to DrainBatch previously persisted
// notifications to local delivery before the just-built one, preserving
// commit order per spec.md 4.5's ordering guarantee.
func (d *Dispatcher) drainAndSend(ctx context.Context, tx kv.Tx, ns, db, tb string, lqID uuid.UUID) error {
	queued, err := d.queue.Scan(ctx, tx, ns, db, tb, lqID, d.DrainBatch)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}
	if d.OnDrain != nil {
		d.OnDrain(len(queued))
	}
	if d.hub != nil {
		for _, n := range queued {
			d.hub.Send(ctx, lqID, n.Record)
		}
	}
	return d.queue.Drain(ctx, tx, queued)
}

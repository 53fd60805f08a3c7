// Package engine composes C1-C8 behind the downstream surface named in
// spec.md 6: LiveRegister, LiveKill, OnDocumentChange, Bootstrap,
// HeartbeatTick, Notifications. It is the package a SQL engine or
// transport layer imports, the direct analogue of the teacher SDK's
// top-level DB type in db.go.
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lqdb/lqdb/internal/clock"
	"github.com/lqdb/lqdb/internal/cluster"
	"github.com/lqdb/lqdb/internal/delivery"
	"github.com/lqdb/lqdb/internal/dispatch"
	"github.com/lqdb/lqdb/internal/kv"
	"github.com/lqdb/lqdb/internal/kv/badgerkv"
	"github.com/lqdb/lqdb/internal/kv/memkv"
	"github.com/lqdb/lqdb/internal/model"
	"github.com/lqdb/lqdb/internal/queue"
	"github.com/lqdb/lqdb/internal/registry"
	"github.com/lqdb/lqdb/pkg/logger"
)

// Engine is a single cluster node's live-query engine instance.
type Engine struct {
	store      kv.Store
	reg        *registry.Registry
	q          *queue.Queue
	hub        *delivery.Hub
	cluster    *cluster.Manager
	dispatcher *dispatch.Dispatcher
	metrics    *metrics
	log        logger.Logger
	cfg        Config
}

// Options lets a caller override the Evaluator/TablePermissions the
// dispatcher uses (normally supplied by the SQL engine collaborator,
// out of scope here per spec.md 1) and the node identity to bootstrap
// under.
type Options struct {
	NodeID    uuid.UUID
	Evaluator dispatch.Evaluator
	Perms     dispatch.TablePermissions
	Logger    logger.Logger
}

// New constructs an Engine from cfg. cfg.DataDir selects the badger
// backend; an empty DataDir uses the in-memory backend.
func New(cfg Config, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	var store kv.Store
	if cfg.DataDir != "" {
		s, err := badgerkv.Open(cfg.DataDir, clock.System{})
		if err != nil {
			return nil, fmt.Errorf("engine: open badger store at %s: %w", cfg.DataDir, err)
		}
		store = s
	} else {
		store = memkv.New(clock.System{})
	}

	reg := registry.New()
	q := queue.New(cfg.NotificationQueueBound)
	hub := delivery.New(cfg.ChannelCapacity, opts.Logger)

	clusterCfg := cluster.Config{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		NodeExpiry:        cfg.NodeExpiry(),
	}
	mgr := cluster.New(store, reg, q, clusterCfg, opts.Logger, opts.NodeID)

	d := dispatch.New(mgr.NodeID(), reg, q, hub, opts.Evaluator, opts.Perms, opts.Logger)
	if cfg.DrainBatch > 0 {
		d.DrainBatch = cfg.DrainBatch
	}
	m := newMetrics()
	q.OnEnqueue = func() { m.notificationsQueued.Inc() }
	d.OnDrain = func(n int) { m.notificationsDrained.Add(float64(n)) }
	hub.OnSend = func() { m.notificationsSent.Inc() }
	hub.OnDrop = func() { m.notificationsDropped.Inc() }

	return &Engine{
		store:      store,
		reg:        reg,
		q:          q,
		hub:        hub,
		cluster:    mgr,
		dispatcher: d,
		metrics:    m,
		log:        opts.Logger,
		cfg:        cfg,
	}, nil
}

func (e *Engine) NodeID() uuid.UUID { return e.cluster.NodeID() }

// Store exposes the underlying KV store so a collaborating SQL engine can
// open its own write transaction and pass it to OnDocumentChange as part of
// the same atomic write that produced the document mutation.
func (e *Engine) Store() kv.Store { return e.store }

func (e *Engine) Close() error { return e.store.Close() }

// Bootstrap runs this node's one-shot start-up procedure (spec.md 4.3).
func (e *Engine) Bootstrap(ctx context.Context) error {
	return e.cluster.Bootstrap(ctx)
}

// HeartbeatTick refreshes this node's liveness row; normally driven by
// Run, exposed directly for callers that manage their own scheduler.
func (e *Engine) HeartbeatTick(ctx context.Context) error {
	return e.cluster.HeartbeatTick(ctx)
}

// Run drives the heartbeat loop until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	return e.cluster.Run(ctx)
}

// LiveRegister creates a new live query, returning its id. session and
// auth are the creator's identity, captured verbatim for replay on every
// future dispatch (spec.md 9's "deep identity replay").
func (e *Engine) LiveRegister(ctx context.Context, ns, db, tb, expr, cond string, fetch []string, session model.Session, auth model.Auth) (uuid.UUID, error) {
	if tb == "" {
		return uuid.Nil, ErrLiveStatement
	}
	tx, err := e.store.Begin(ctx, kv.WriteOptimistic)
	if err != nil {
		return uuid.Nil, err
	}
	lqID, err := e.reg.Create(ctx, tx, e.NodeID(), ns, db, tb, expr, cond, fetch, &session, &auth)
	if err != nil {
		tx.Cancel(ctx)
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}
	return lqID, nil
}

// LiveKill cancels a live query. tb may be empty, in which case the
// (ns, db) keyspace is scanned to locate it (spec.md 4.4).
func (e *Engine) LiveKill(ctx context.Context, lqID uuid.UUID, ns, db, tb string) error {
	tx, err := e.store.Begin(ctx, kv.WriteOptimistic)
	if err != nil {
		return err
	}
	e.hub.Unsubscribe(lqID)
	if err := e.reg.Cancel(ctx, tx, lqID, ns, db, tb); err != nil {
		tx.Cancel(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// OnDocumentChange dispatches notifications for one mutated document
// within tx, the caller's surrounding write transaction (spec.md 4.5).
func (e *Engine) OnDocumentChange(ctx context.Context, tx kv.Tx, change dispatch.DocumentChange) error {
	return e.dispatcher.OnDocumentChange(ctx, tx, change)
}

// Notifications returns the channel a transport subscribes to for lqID. It
// registers a new channel with the local-delivery hub on every call,
// replacing any channel previously registered for lqID.
func (e *Engine) Notifications(lqID uuid.UUID) <-chan model.NotificationRecord {
	return e.hub.Subscribe(lqID)
}

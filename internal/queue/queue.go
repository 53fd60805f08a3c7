// Package queue implements the persisted notification queue (spec C8): a
// durable, per-(ns,db,tb,lq) bounded ordered queue of notifications a node
// could not deliver locally because it does not own the live query.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lqdb/lqdb/internal/codec"
	"github.com/lqdb/lqdb/internal/keys"
	"github.com/lqdb/lqdb/internal/kv"
	"github.com/lqdb/lqdb/internal/model"
)

// Ref identifies the queue of a single live query.
type Ref struct {
	NS, DB, TB string
	LQID       uuid.UUID
}

// Queue has no state of its own; every operation runs against the
// caller's transaction, the same pattern as registry.Registry.
type Queue struct {
	// bound caps how many rows enforceBound keeps per live query;
	// zero means unbounded. It is advisory: Enqueue never blocks or drops
	// a write, it only trims the oldest overflow after writing, so a
	// notification is never silently lost on the write path itself.
	bound int

	// OnEnqueue and OnOverflow are optional metrics hooks; either may be
	// left nil.
	OnEnqueue  func()
	OnOverflow func()
}

// New constructs a Queue. bound is the notification_queue_bound config
// value from spec.md's configuration table; 0 disables trimming.
func New(bound int) *Queue {
	return &Queue{bound: bound}
}

// Enqueue persists one notification record. The key embeds (lq, ts, notID)
// so rows sort in delivery order; a collision (two notifications landing on
// the exact same millisecond with colliding ids) is astronomically
// unlikely but would surface as ErrTxKeyAlreadyExists rather than silently
// overwriting a prior notification.
func (q *Queue) Enqueue(ctx context.Context, tx kv.Tx, ns, db, tb string, lqID uuid.UUID, rec model.NotificationRecord) error {
	val, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("queue: encode notification: %w", err)
	}
	key := keys.EncodeNotification(ns, db, tb, lqID, rec.Timestamp, rec.NotificationID)
	if err := tx.Put(ctx, key, val); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	if q.OnEnqueue != nil {
		q.OnEnqueue()
	}
	return q.enforceBound(ctx, tx, ns, db, tb, lqID)
}

// enforceBound deletes the oldest rows beyond q.bound, oldest-first, so the
// queue never grows unbounded for a live query whose owner is long gone.
func (q *Queue) enforceBound(ctx context.Context, tx kv.Tx, ns, db, tb string, lqID uuid.UUID) error {
	if q.bound <= 0 {
		return nil
	}
	rows, err := tx.Scan(ctx, keys.NotificationPrefix(ns, db, tb, lqID), keys.NotificationSuffix(ns, db, tb, lqID), 0)
	if err != nil {
		return err
	}
	overflow := len(rows) - q.bound
	if overflow > 0 && q.OnOverflow != nil {
		q.OnOverflow()
	}
	for i := 0; i < overflow; i++ {
		if err := tx.Del(ctx, rows[i].Key); err != nil {
			return err
		}
	}
	return nil
}

// Scan returns up to limit queued notifications for (ns,db,tb,lqID) in
// timestamp order, oldest first.
func (q *Queue) Scan(ctx context.Context, tx kv.Tx, ns, db, tb string, lqID uuid.UUID, limit int) ([]model.QueuedNotification, error) {
	rows, err := tx.Scan(ctx, keys.NotificationPrefix(ns, db, tb, lqID), keys.NotificationSuffix(ns, db, tb, lqID), limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.QueuedNotification, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRecord(row.Value)
		if err != nil {
			return nil, fmt.Errorf("queue: decode notification at %x: %w", row.Key, err)
		}
		out = append(out, model.QueuedNotification{NS: ns, DB: db, TB: tb, Record: rec, Key: row.Key})
	}
	return out, nil
}

// Drain deletes every row previously returned by Scan, inside tx. The
// dispatcher calls it after forwarding those rows to local delivery; if tx
// does not commit, the rows stay queued and a later drain forwards them
// again.
func (q *Queue) Drain(ctx context.Context, tx kv.Tx, drained []model.QueuedNotification) error {
	for _, n := range drained {
		if err := tx.Del(ctx, n.Key); err != nil {
			return err
		}
	}
	return nil
}

// PurgeForNode removes every queued notification belonging to the live
// queries named in refs, called by bootstrap once those live queries have
// been archived because their owning node expired.
func (q *Queue) PurgeForNode(ctx context.Context, tx kv.Tx, node uuid.UUID, refs []Ref) error {
	for _, ref := range refs {
		rows, err := tx.Scan(ctx, keys.NotificationPrefix(ref.NS, ref.DB, ref.TB, ref.LQID), keys.NotificationSuffix(ref.NS, ref.DB, ref.TB, ref.LQID), 0)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := tx.Del(ctx, row.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodeRecord(rec model.NotificationRecord) ([]byte, error) {
	return codec.CBOR.Marshal(wireRecord{
		LiveID:         rec.LiveID,
		NodeID:         rec.NodeID,
		NotificationID: rec.NotificationID,
		Action:         string(rec.Action),
		Result:         rec.Result,
		Timestamp:      rec.Timestamp,
	})
}

func decodeRecord(b []byte) (model.NotificationRecord, error) {
	var w wireRecord
	if err := codec.Unmarshal(b, &w); err != nil {
		return model.NotificationRecord{}, err
	}
	return model.NotificationRecord{
		LiveID:         w.LiveID,
		NodeID:         w.NodeID,
		NotificationID: w.NotificationID,
		Action:         model.Action(w.Action),
		Result:         w.Result,
		Timestamp:      w.Timestamp,
	}, nil
}

// wireRecord is the CBOR encoding of a persisted notification, using
// fxamacker/cbor (the teacher's own wire codec) rather than JSON: queued
// rows sit in the same embedded store as every other key and benefit from
// CBOR's more compact, self-describing binary encoding of Result, which is
// arbitrary query-projection output.
type wireRecord struct {
	LiveID         uuid.UUID `cbor:"1,keyasint"`
	NodeID         uuid.UUID `cbor:"2,keyasint"`
	NotificationID uuid.UUID `cbor:"3,keyasint"`
	Action         string    `cbor:"4,keyasint"`
	Result         any       `cbor:"5,keyasint"`
	Timestamp      time.Time `cbor:"6,keyasint"`
}

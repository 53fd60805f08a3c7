// Package model defines the entities shared across the cluster-membership,
// live-query registry and notification-dispatch packages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Node is a single cluster member, identified by a UUID that survives
// re-bootstrap of the same process.
type Node struct {
	ID        uuid.UUID
	Heartbeat time.Time
}

// Heartbeat is a liveness row keyed by (Timestamp, Node) so that a range
// scan in timestamp order yields expired nodes first.
type Heartbeat struct {
	TS   time.Time
	Node uuid.UUID
}

// Auth is the resolved identity of whoever created a live query. It is
// captured once at LIVE-creation time and replayed verbatim on every
// dispatch, never re-derived from the mutating transaction's identity.
type Auth struct {
	Role  string
	Level string
	NS    string
	DB    string
}

// Session carries the connection-scoped context a LIVE SELECT was issued
// under. RT mirrors the original engine's Session::with_rt flag: whether
// this session opted into realtime (live-query) notifications at all.
type Session struct {
	NS string
	DB string
	RT bool
}

// Action is the kind of document mutation that produced a notification.
type Action string

const (
	Create Action = "CREATE"
	Update Action = "UPDATE"
	Delete Action = "DELETE"
)

// LiveQuery is a long-lived subscription to a table.
type LiveQuery struct {
	ID   uuid.UUID
	Node uuid.UUID
	NS   string
	DB   string
	TB   string

	// Expr is the projection expression (SurrealQL "fields" clause),
	// e.g. "*" or "name, age". Parsing/evaluating it is delegated to an
	// Evaluator; this module only stores and replays it.
	Expr string
	// Cond is the optional WHERE clause source text, empty meaning
	// "no filter".
	Cond string
	// Fetch names related fields to eagerly resolve; carried for fidelity
	// with the source format but not interpreted by this module.
	Fetch []string

	// Archived holds the id of the observer node that tombstoned this
	// query during bootstrap cleanup. Nil while the query is live.
	Archived *uuid.UUID

	// Session and Auth are the creator's identity, set when the query is
	// created; a live query lacking either is never dispatched
	// (see UnknownAuth in spec).
	Session *Session
	Auth    *Auth
}

// NotificationRecord is produced by the dispatcher for exactly one
// (LiveQuery, mutation) pair.
type NotificationRecord struct {
	LiveID         uuid.UUID
	NodeID         uuid.UUID
	NotificationID uuid.UUID
	Action         Action
	Result         any
	Timestamp      time.Time
}

// QueuedNotification is a NotificationRecord plus the key it was
// persisted under, returned by queue scans so callers can delete drained
// rows.
type QueuedNotification struct {
	NS, DB, TB string
	Record     NotificationRecord
	Key        []byte
}

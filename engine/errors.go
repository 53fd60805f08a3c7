package engine

import (
	"errors"

	"github.com/lqdb/lqdb/internal/cluster"
)

// Error kinds named in spec.md 7 that are specific to the engine layer
// rather than the KV layer (those live as sentinels in internal/kv).
var (
	// ErrUnknownAuth means a live query lacks a captured Session/Auth and
	// so can never be dispatched; registry.Create never produces this
	// state, but a caller constructing a LiveQuery by hand can.
	ErrUnknownAuth = errors.New("engine: live query has no captured identity")

	// ErrLiveStatement means LIVE SELECT targeted something that isn't a
	// table; LiveRegister returns it when tb is empty.
	ErrLiveStatement = errors.New("engine: live statement does not target a table")

	// ErrBootstrapConflict is re-exported from internal/cluster so
	// callers of Engine.Bootstrap can check it with errors.Is without
	// importing that package themselves.
	ErrBootstrapConflict = cluster.ErrBootstrapConflict
)

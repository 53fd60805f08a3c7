// Package kv defines the abstract transactional key-value contract that
// every other engine component is built on (spec C1), modelled after the
// teacher SDK's Connection interface: a small set of verbs, a concrete
// backend-agnostic interface, and sentinel errors rather than backend-leaky
// error types.
package kv

import (
	"context"
	"errors"

	"github.com/lqdb/lqdb/internal/clock"
)

var (
	ErrTxFinished         = errors.New("kv: transaction already finished")
	ErrTxReadonly         = errors.New("kv: transaction is read-only")
	ErrTxConditionNotMet  = errors.New("kv: compare-and-swap condition not met")
	ErrTxKeyAlreadyExists = errors.New("kv: key already exists")
)

// Mode is the cross product of {Read,Write} x {Optimistic,Pessimistic}
// transaction modes named in spec.md 4.1.
type Mode int

const (
	ReadOptimistic Mode = iota
	ReadPessimistic
	WriteOptimistic
	WritePessimistic
)

func (m Mode) IsWrite() bool {
	return m == WriteOptimistic || m == WritePessimistic
}

// KV is a pair produced by Scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Store opens transactions against a single ordered byte-keyed keyspace.
type Store interface {
	Begin(ctx context.Context, mode Mode) (Tx, error)
	Clock() clock.Clock
	Close() error
}

// Tx is a single transaction. Every mutating method fails with
// ErrTxFinished once Commit or Cancel has been called, and with
// ErrTxReadonly if the transaction was opened in a Read mode.
type Tx interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Exists(ctx context.Context, key []byte) (bool, error)

	// Put inserts key=val, failing with ErrTxKeyAlreadyExists if key is
	// already present.
	Put(ctx context.Context, key, val []byte) error
	// Set unconditionally upserts key=val.
	Set(ctx context.Context, key, val []byte) error
	// Putc writes iff the current value equals check (nil check means
	// "key must be absent"), failing with ErrTxConditionNotMet otherwise.
	Putc(ctx context.Context, key, val, check []byte) error
	// Del unconditionally deletes key. Deleting an absent key is not an
	// error.
	Del(ctx context.Context, key []byte) error
	// Delc deletes key iff its current value equals check, failing with
	// ErrTxConditionNotMet otherwise.
	Delc(ctx context.Context, key, check []byte) error

	// Scan returns up to limit key-value pairs in [lo, hi), in key order.
	// limit <= 0 means unbounded.
	Scan(ctx context.Context, lo, hi []byte, limit int) ([]KV, error)

	Commit(ctx context.Context) error
	Cancel(ctx context.Context) error

	Clock() clock.Clock
}

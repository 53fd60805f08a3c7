package memkv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lqdb/lqdb/internal/kv"
	"github.com/lqdb/lqdb/internal/kv/memkv"
)

func TestPutThenGet(t *testing.T) {
	ctx := context.Background()
	s := memkv.New(nil)

	tx, err := s.Begin(ctx, kv.WriteOptimistic)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tx.Commit(ctx))

	tx, err = s.Begin(ctx, kv.ReadOptimistic)
	require.NoError(t, err)
	v, err := tx.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	require.NoError(t, tx.Cancel(ctx))
}

func TestPutFailsOnExistingKey(t *testing.T) {
	ctx := context.Background()
	s := memkv.New(nil)

	tx, _ := s.Begin(ctx, kv.WriteOptimistic)
	require.NoError(t, tx.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tx.Commit(ctx))

	tx, _ = s.Begin(ctx, kv.WriteOptimistic)
	err := tx.Put(ctx, []byte("a"), []byte("2"))
	assert.ErrorIs(t, err, kv.ErrTxKeyAlreadyExists)
	require.NoError(t, tx.Cancel(ctx))
}

func TestPutcConditionalWrite(t *testing.T) {
	ctx := context.Background()
	s := memkv.New(nil)

	tx, _ := s.Begin(ctx, kv.WriteOptimistic)
	require.NoError(t, tx.Putc(ctx, []byte("a"), []byte("1"), nil))
	require.NoError(t, tx.Commit(ctx))

	tx, _ = s.Begin(ctx, kv.WriteOptimistic)
	err := tx.Putc(ctx, []byte("a"), []byte("2"), nil)
	assert.ErrorIs(t, err, kv.ErrTxConditionNotMet)
	require.NoError(t, tx.Putc(ctx, []byte("a"), []byte("2"), []byte("1")))
	require.NoError(t, tx.Commit(ctx))

	tx, _ = s.Begin(ctx, kv.ReadOptimistic)
	v, _ := tx.Get(ctx, []byte("a"))
	assert.Equal(t, []byte("2"), v)
	require.NoError(t, tx.Cancel(ctx))
}

func TestDelcConditionalDelete(t *testing.T) {
	ctx := context.Background()
	s := memkv.New(nil)

	tx, _ := s.Begin(ctx, kv.WriteOptimistic)
	require.NoError(t, tx.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tx.Commit(ctx))

	tx, _ = s.Begin(ctx, kv.WriteOptimistic)
	assert.ErrorIs(t, tx.Delc(ctx, []byte("a"), []byte("wrong")), kv.ErrTxConditionNotMet)
	require.NoError(t, tx.Delc(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tx.Commit(ctx))

	tx, _ = s.Begin(ctx, kv.ReadOptimistic)
	v, _ := tx.Get(ctx, []byte("a"))
	assert.Nil(t, v)
	require.NoError(t, tx.Cancel(ctx))
}

func TestScanHalfOpenRange(t *testing.T) {
	ctx := context.Background()
	s := memkv.New(nil)

	tx, _ := s.Begin(ctx, kv.WriteOptimistic)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, tx.Put(ctx, []byte(k), []byte(k)))
	}
	require.NoError(t, tx.Commit(ctx))

	tx, _ = s.Begin(ctx, kv.ReadOptimistic)
	got, err := tx.Scan(ctx, []byte("b"), []byte("d"), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", string(got[0].Key))
	assert.Equal(t, "c", string(got[1].Key))
	require.NoError(t, tx.Cancel(ctx))
}

func TestOperationsFailAfterFinish(t *testing.T) {
	ctx := context.Background()
	s := memkv.New(nil)

	tx, _ := s.Begin(ctx, kv.WriteOptimistic)
	require.NoError(t, tx.Commit(ctx))

	_, err := tx.Get(ctx, []byte("a"))
	assert.ErrorIs(t, err, kv.ErrTxFinished)
	err = tx.Set(ctx, []byte("a"), []byte("1"))
	assert.ErrorIs(t, err, kv.ErrTxFinished)
}

func TestReadonlyTxRejectsMutation(t *testing.T) {
	ctx := context.Background()
	s := memkv.New(nil)

	tx, _ := s.Begin(ctx, kv.ReadOptimistic)
	err := tx.Set(ctx, []byte("a"), []byte("1"))
	assert.ErrorIs(t, err, kv.ErrTxReadonly)
	require.NoError(t, tx.Cancel(ctx))
}

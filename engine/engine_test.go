package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lqdb/lqdb/engine"
	"github.com/lqdb/lqdb/internal/dispatch"
	"github.com/lqdb/lqdb/internal/kv"
	"github.com/lqdb/lqdb/internal/model"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.DefaultConfig(), engine.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func beginWrite(t *testing.T, e *engine.Engine) kv.Tx {
	t.Helper()
	tx, err := e.Store().Begin(context.Background(), kv.WriteOptimistic)
	require.NoError(t, err)
	return tx
}

func TestLiveRegisterThenDocumentChangeDeliversLocally(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.Bootstrap(ctx))

	lqID, err := e.LiveRegister(ctx, "ns", "db", "person", "*", "", nil, model.Session{}, model.Auth{})
	require.NoError(t, err)

	ch := e.Notifications(lqID)

	tx := beginWrite(t, e)
	change := dispatch.DocumentChange{
		NS: "ns", DB: "db", TB: "person",
		Action: model.Create,
		After:  map[string]any{"id": "person:1", "name": "ada"},
	}
	require.NoError(t, e.OnDocumentChange(ctx, tx, change))
	require.NoError(t, tx.Commit(ctx))

	select {
	case rec := <-ch:
		require.Equal(t, model.Create, rec.Action)
		require.Equal(t, "ada", rec.Result.(map[string]any)["name"])
	default:
		t.Fatal("expected a notification on the local channel")
	}
}

func TestLiveKillStopsFurtherDispatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.Bootstrap(ctx))

	lqID, err := e.LiveRegister(ctx, "ns", "db", "person", "*", "", nil, model.Session{}, model.Auth{})
	require.NoError(t, err)
	ch := e.Notifications(lqID)

	require.NoError(t, e.LiveKill(ctx, lqID, "ns", "db", "person"))

	tx := beginWrite(t, e)
	change := dispatch.DocumentChange{
		NS: "ns", DB: "db", TB: "person",
		Action: model.Create,
		After:  map[string]any{"id": "person:2"},
	}
	require.NoError(t, e.OnDocumentChange(ctx, tx, change))
	require.NoError(t, tx.Commit(ctx))

	_, open := <-ch
	require.False(t, open, "channel should be closed after LiveKill")
}

func TestMetricsRegistryCountsSentNotification(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.Bootstrap(ctx))

	lqID, err := e.LiveRegister(ctx, "ns", "db", "person", "*", "", nil, model.Session{}, model.Auth{})
	require.NoError(t, err)
	ch := e.Notifications(lqID)

	tx := beginWrite(t, e)
	change := dispatch.DocumentChange{
		NS: "ns", DB: "db", TB: "person",
		Action: model.Create,
		After:  map[string]any{"id": "person:3"},
	}
	require.NoError(t, e.OnDocumentChange(ctx, tx, change))
	require.NoError(t, tx.Commit(ctx))
	<-ch

	families, err := e.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, fam := range families {
		if fam.GetName() == "lqdb_notifications_sent_total" {
			found = true
			require.Equal(t, float64(1), fam.GetMetric()[0].GetCounter().GetValue())
		}
	}
	require.True(t, found, "expected lqdb_notifications_sent_total to be registered")
}

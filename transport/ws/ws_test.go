package ws_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lqdb/lqdb/engine"
	"github.com/lqdb/lqdb/internal/dispatch"
	"github.com/lqdb/lqdb/internal/kv"
	"github.com/lqdb/lqdb/internal/model"
	"github.com/lqdb/lqdb/transport/ws"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	eng, err := engine.New(engine.DefaultConfig(), engine.Options{})
	require.NoError(t, err)
	require.NoError(t, eng.Bootstrap(context.Background()))
	t.Cleanup(func() { require.NoError(t, eng.Close()) })

	srv := ws.NewServer(eng, zerolog.Nop())
	return httptest.NewServer(srv), eng
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestLiveThenDocumentChangeDeliversNotificationOverWebSocket(t *testing.T) {
	srv, eng := newTestServer(t)
	defer srv.Close()
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(ws.Request{Op: ws.OpLive, NS: "ns", DB: "db", TB: "person", Expr: "*"}))

	var ack ws.Response
	require.NoError(t, conn.ReadJSON(&ack))
	require.Empty(t, ack.Error)
	require.NotEmpty(t, ack.LiveID)

	tx, err := eng.Store().Begin(context.Background(), kv.WriteOptimistic)
	require.NoError(t, err)
	change := dispatch.DocumentChange{
		NS: "ns", DB: "db", TB: "person",
		Action: model.Create,
		After:  map[string]any{"id": "person:1", "name": "ada"},
	}
	require.NoError(t, eng.OnDocumentChange(context.Background(), tx, change))
	require.NoError(t, tx.Commit(context.Background()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var note ws.Response
	require.NoError(t, conn.ReadJSON(&note))
	require.Equal(t, ack.LiveID, note.LiveID)
	require.Equal(t, model.Create, note.Action)
}

func TestKillStopsDelivery(t *testing.T) {
	srv, eng := newTestServer(t)
	defer srv.Close()
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(ws.Request{Op: ws.OpLive, NS: "ns", DB: "db", TB: "person", Expr: "*"}))
	var ack ws.Response
	require.NoError(t, conn.ReadJSON(&ack))

	require.NoError(t, conn.WriteJSON(ws.Request{Op: ws.OpKill, NS: "ns", DB: "db", TB: "person", LQID: ack.LiveID}))
	var killAck ws.Response
	require.NoError(t, conn.ReadJSON(&killAck))
	require.Empty(t, killAck.Error)

	tx, err := eng.Store().Begin(context.Background(), kv.WriteOptimistic)
	require.NoError(t, err)
	change := dispatch.DocumentChange{
		NS: "ns", DB: "db", TB: "person",
		Action: model.Create,
		After:  map[string]any{"id": "person:2"},
	}
	require.NoError(t, eng.OnDocumentChange(context.Background(), tx, change))
	require.NoError(t, tx.Commit(context.Background()))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	err = conn.ReadJSON(&ws.Response{})
	require.Error(t, err, "expected no further notification after KILL")
}

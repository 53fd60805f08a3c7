// Package ws is a demo WebSocket transport for engine.Engine (spec.md 4.9):
// a tiny JSON control protocol in place of a real SurrealQL parser, grounded
// on the teacher's pkg/gorilla client (request/response over a single
// gorilla/websocket.Conn, one reader goroutine, a map of per-request
// channels) turned inside-out into a server.
package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lqdb/lqdb/engine"
	"github.com/lqdb/lqdb/internal/model"
)

// Op is a control-frame operation name.
type Op string

const (
	OpLive Op = "LIVE"
	OpKill Op = "KILL"
)

// Request is one control frame sent by a client.
type Request struct {
	Op    Op       `json:"op"`
	NS    string   `json:"ns"`
	DB    string   `json:"db"`
	TB    string   `json:"tb"`
	Expr  string   `json:"expr,omitempty"`
	Cond  string   `json:"cond,omitempty"`
	Fetch []string `json:"fetch,omitempty"`
	LQID  string   `json:"id,omitempty"`
}

// Response acknowledges a Request, or carries a notification when Action is
// set alongside LiveID — the same "untagged push" shape the teacher's
// pkg/gorilla distinguishes a live notification from an RPC response by.
type Response struct {
	LiveID string       `json:"id,omitempty"`
	Error  string       `json:"error,omitempty"`
	Action model.Action `json:"action,omitempty"`
	Result any          `json:"result,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server accepts WebSocket connections and bridges their control frames to
// an engine.Engine.
type Server struct {
	eng *engine.Engine
	log zerolog.Logger
}

// NewServer constructs a Server. An empty log discards access-log output.
func NewServer(eng *engine.Engine, log zerolog.Logger) *Server {
	return &Server{eng: eng, log: log}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws: upgrade failed")
		return
	}
	c := &session{conn: conn, eng: s.eng, log: s.log}
	c.log.Info().Str("remote", r.RemoteAddr).Msg("ws: connection opened")
	c.run(r.Context())
}

// session is one connected client: a single reader loop and any number of
// forwarder goroutines, one per subscribed live query, writing back through
// writeMu the same way the teacher's WebSocket.write serializes all writes
// behind connLock.
type session struct {
	conn *websocket.Conn
	eng  *engine.Engine
	log  zerolog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[uuid.UUID]context.CancelFunc
}

func (c *session) run(ctx context.Context) {
	c.subs = make(map[uuid.UUID]context.CancelFunc)
	defer c.closeAll()
	defer c.conn.Close()

	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read failed")
			}
			return
		}
		c.handle(ctx, req)
	}
}

func (c *session) handle(ctx context.Context, req Request) {
	switch req.Op {
	case OpLive:
		c.handleLive(ctx, req)
	case OpKill:
		c.handleKill(ctx, req)
	default:
		c.writeErr(uuid.Nil, "ws: unknown op "+string(req.Op))
	}
}

func (c *session) handleLive(ctx context.Context, req Request) {
	lqID, err := c.eng.LiveRegister(ctx, req.NS, req.DB, req.TB, req.Expr, req.Cond, req.Fetch, model.Session{NS: req.NS, DB: req.DB}, model.Auth{NS: req.NS, DB: req.DB})
	if err != nil {
		c.writeErr(uuid.Nil, err.Error())
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.subs[lqID] = cancel
	c.mu.Unlock()

	ch := c.eng.Notifications(lqID)
	go c.pump(subCtx, lqID, ch)

	c.write(Response{LiveID: lqID.String()})
}

func (c *session) handleKill(ctx context.Context, req Request) {
	lqID, err := uuid.Parse(req.LQID)
	if err != nil {
		c.writeErr(uuid.Nil, "ws: invalid live query id: "+err.Error())
		return
	}
	if err := c.eng.LiveKill(ctx, lqID, req.NS, req.DB, req.TB); err != nil {
		c.writeErr(lqID, err.Error())
		return
	}

	c.mu.Lock()
	if cancel, ok := c.subs[lqID]; ok {
		cancel()
		delete(c.subs, lqID)
	}
	c.mu.Unlock()

	c.write(Response{LiveID: lqID.String()})
}

// pump forwards notifications for one live query until killed or the
// connection closes, the server-side mirror of the teacher's
// createNotificationChannel consumer loop.
func (c *session) pump(ctx context.Context, lqID uuid.UUID, ch <-chan model.NotificationRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			c.write(Response{LiveID: lqID.String(), Action: rec.Action, Result: rec.Result})
		}
	}
}

func (c *session) write(resp Response) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(resp); err != nil {
		c.log.Warn().Err(err).Msg("ws: write failed")
	}
}

func (c *session) writeErr(lqID uuid.UUID, msg string) {
	id := ""
	if lqID != uuid.Nil {
		id = lqID.String()
	}
	c.write(Response{LiveID: id, Error: msg})
}

func (c *session) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.subs {
		cancel()
		delete(c.subs, id)
	}
}

// apps/go-server/internal/httpserver/ws.go
//
// Push channel: GET /rooms/{roomId}/ws?playerId=&token=
// Responsibilities:
//   - Streaming one SNAPSHOT frame per committed revision (initial state first).
//   - Accepting ACTION frames (answered with RESULT or ERROR) and PING (PONG).
//   - Treating a normal-closure close frame from a bound socket as a leave.
//
// Notes:
//   - One reader goroutine and one writer goroutine per socket; only the
//     writer touches the connection for writes.
//   - A socket is bound to a player by the playerId query parameter or by its
//     first successful join. A bound socket only acts for that player.
//   - A socket may open on a room that does not exist yet; it starts
//     receiving snapshots once a join over the socket creates the room.

package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/robalobadob/race24/apps/go-server/internal/game"
	"github.com/robalobadob/race24/apps/go-server/internal/protocol"
	"github.com/robalobadob/race24/apps/go-server/internal/room"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
	maxFrame   = 2 * protocol.MaxBodyBytes
)

type wsConn struct {
	s      *Server
	ws     *websocket.Conn
	roomID string
	token  string
	ip     string
	log    zerolog.Logger

	// owned by readPump
	playerID string

	send       chan []byte
	subs       chan *room.Subscription
	subscribed atomic.Bool
	done       chan struct{} // reader finished
	writerDone chan struct{}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	playerID := r.URL.Query().Get("playerId")

	pid := playerID
	if pid == "" {
		pid = "-"
	}
	if err := (game.Leave{RoomID: roomID, PlayerID: pid}).Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	tok := seatToken(r)
	if playerID != "" {
		if err := s.seats.check(tok, roomID, playerID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	sub, err := s.rooms.Subscribe(r.Context(), roomID)
	if err != nil && !game.IsKind(err, game.KindNotFound) {
		writeError(w, r, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		hlog.FromRequest(r).Debug().Err(err).Msg("websocket upgrade failed")
		if sub != nil {
			sub.Close()
		}
		return
	}

	connID := uuid.NewString()
	c := &wsConn{
		s:          s,
		ws:         ws,
		roomID:     roomID,
		token:      tok,
		ip:         clientIP(r),
		playerID:   playerID,
		log:        hlog.FromRequest(r).With().Str("conn", connID).Str("room", roomID).Logger(),
		send:       make(chan []byte, sendBuffer),
		subs:       make(chan *room.Subscription, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	if sub != nil {
		c.subscribed.Store(true)
		c.subs <- sub
	}
	c.log.Debug().Str("player", playerID).Msg("websocket open")

	go c.writePump()
	c.readPump()
}

func (c *wsConn) readPump() {
	defer func() {
		close(c.done)
		<-c.writerDone
		select {
		case sub := <-c.subs:
			sub.Close()
		default:
		}
		c.log.Debug().Str("player", c.playerID).Msg("websocket closed")
	}()

	c.ws.SetReadLimit(maxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.leave()
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("websocket read")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var in protocol.Message
		if err := json.Unmarshal(data, &in); err != nil {
			c.sendError("", game.Errorf(game.KindValidation, "invalid json"))
			continue
		}
		switch in.T {
		case protocol.MsgPing:
			c.reply(protocol.MsgPong, in.ReqID, nil)
		case protocol.MsgAction:
			c.handleAction(in)
		default:
			c.sendError(in.ReqID, game.Errorf(game.KindValidation, "unknown frame type %q", in.T))
		}
	}
}

func (c *wsConn) handleAction(in protocol.Message) {
	if !c.s.limiter.allow(c.ip) {
		c.enqueueErrorBody(in.ReqID, errorBody{Error: "rate_limited", Message: "too many actions"})
		return
	}
	act, err := protocol.DecodeBytes(c.roomID, in.P)
	if err != nil {
		c.sendError(in.ReqID, err)
		return
	}
	switch {
	case c.playerID != "" && act.Player() != c.playerID:
		c.sendError(in.ReqID, errSeatWrong)
		return
	case c.playerID == "" && act.Kind() != game.ActionJoin:
		if err := c.s.seats.check(c.token, act.Room(), act.Player()); err != nil {
			c.sendError(in.ReqID, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.s.cfg.RequestTimeout)
	snap, err := c.s.rooms.Apply(ctx, act)
	cancel()
	if err != nil {
		c.sendError(in.ReqID, err)
		return
	}

	switch act.Kind() {
	case game.ActionJoin:
		c.playerID = act.Player()
	case game.ActionLeave:
		c.playerID = ""
	}
	c.reply(protocol.MsgResult, in.ReqID, snap)

	// Revision 1 is a fresh room: any previous subscription belonged to a
	// destroyed room with the same id.
	if len(snap.Players) > 0 && (!c.subscribed.Load() || snap.Revision == 1) {
		c.subscribe()
	}
}

// subscribe attaches the socket to a room created after it opened.
func (c *wsConn) subscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), c.s.cfg.RequestTimeout)
	defer cancel()
	sub, err := c.s.rooms.Subscribe(ctx, c.roomID)
	if err != nil {
		c.log.Debug().Err(err).Msg("late subscribe")
		return
	}
	c.subscribed.Store(true)
	select {
	case c.subs <- sub:
	case <-c.writerDone:
		sub.Close()
	}
}

// leave removes the bound player after a deliberate close.
func (c *wsConn) leave() {
	if c.playerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.s.cfg.RequestTimeout)
	defer cancel()
	_, err := c.s.rooms.Apply(ctx, game.Leave{RoomID: c.roomID, PlayerID: c.playerID})
	if err != nil && !game.IsKind(err, game.KindNotFound) {
		c.log.Warn().Err(err).Str("player", c.playerID).Msg("leave on close")
		return
	}
	c.log.Debug().Str("player", c.playerID).Msg("left on close")
}

func (c *wsConn) reply(t, reqID string, p any) {
	b, err := protocol.NewMessage(t, reqID, p)
	if err != nil {
		c.log.Error().Err(err).Str("type", t).Msg("encode frame")
		return
	}
	c.enqueue(b)
}

func (c *wsConn) sendError(reqID string, err error) {
	_, body := errorFor(err)
	c.enqueueErrorBody(reqID, body)
}

func (c *wsConn) enqueueErrorBody(reqID string, body errorBody) {
	c.reply(protocol.MsgError, reqID, body)
}

func (c *wsConn) enqueue(b []byte) {
	select {
	case c.send <- b:
	case <-c.writerDone:
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	var sub *room.Subscription
	var feed <-chan game.Snapshot
	defer func() {
		ticker.Stop()
		if sub != nil {
			sub.Close()
		}
		_ = c.ws.Close()
		close(c.writerDone)
	}()

	write := func(b []byte) bool {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		return c.ws.WriteMessage(websocket.TextMessage, b) == nil
	}

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case s := <-c.subs:
			if sub != nil {
				sub.Close()
			}
			sub, feed = s, s.C
		case snap, ok := <-feed:
			if !ok {
				// Room destroyed; a later join over this socket resubscribes.
				sub, feed = nil, nil
				c.subscribed.Store(false)
				continue
			}
			b, err := protocol.NewMessage(protocol.MsgSnapshot, "", snap)
			if err != nil {
				c.log.Error().Err(err).Msg("encode snapshot")
				continue
			}
			if !write(b) {
				return
			}
		case b := <-c.send:
			if !write(b) {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

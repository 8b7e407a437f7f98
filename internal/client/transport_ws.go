package client

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/race24/apps/go-server/internal/game"
	"github.com/robalobadob/race24/apps/go-server/internal/protocol"
)

// Push is the HTTP transport plus a websocket snapshot stream. The stream
// socket is not bound to a player, so closing it never leaves the room.
type Push struct {
	*HTTP
	Dialer *websocket.Dialer
}

// NewPush adds a snapshot stream to h.
func NewPush(h *HTTP) *Push {
	return &Push{HTTP: h, Dialer: websocket.DefaultDialer}
}

func (p *Push) wsURL(roomID string) string {
	u := p.roomURL(roomID) + "/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Stream delivers SNAPSHOT frames until ctx ends or the socket fails.
func (p *Push) Stream(ctx context.Context, roomID string, deliver func(game.Snapshot)) error {
	conn, _, err := p.Dialer.DialContext(ctx, p.wsURL(roomID), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var m protocol.Message
		if err := json.Unmarshal(data, &m); err != nil {
			log.Debug().Err(err).Msg("discarding malformed frame")
			continue
		}
		if m.T != protocol.MsgSnapshot {
			continue
		}
		var snap game.Snapshot
		if err := json.Unmarshal(m.P, &snap); err != nil {
			log.Debug().Err(err).Msg("discarding malformed snapshot")
			continue
		}
		deliver(snap)
	}
}

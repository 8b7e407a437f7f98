// apps/go-server/internal/httpserver/routes_rooms.go
//
// HTTP routes for rooms.
//   - GET  /rooms/{roomId}          → latest snapshot (ETag "r<revision>-<created>", 304 on match)
//   - POST /rooms/{roomId}/actions  → apply join / ready / submit / leave
//
// Every action goes through the room's actor via the registry; these handlers
// only decode, authorize and render.

package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/robalobadob/race24/apps/go-server/internal/game"
	"github.com/robalobadob/race24/apps/go-server/internal/protocol"
)

// mountRooms registers the room routes.
func (s *Server) mountRooms(r chi.Router) {
	r.Get("/rooms/{roomId}", s.handlePoll)
	r.With(s.limiter.middleware).Post("/rooms/{roomId}/actions", s.handleAction)
}

// handlePoll serves the latest snapshot. Polls never go through the actor.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	snap, err := s.rooms.Snapshot(r.Context(), roomID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tag := etag(snap)
	w.Header().Set("ETag", tag)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), tag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleAction decodes one action and runs it. A join also returns a seat
// token for the joining player.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	act, err := protocol.Decode(roomID, r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if act.Kind() != game.ActionJoin {
		if err := s.seats.check(seatToken(r), act.Room(), act.Player()); err != nil {
			writeError(w, r, err)
			return
		}
	}

	snap, err := s.rooms.Apply(r.Context(), act)
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).
			Str("room", roomID).Str("player", act.Player()).Str("action", string(act.Kind())).
			Msg("action failed")
		writeError(w, r, err)
		return
	}

	if act.Kind() == game.ActionJoin {
		tok, err := s.seats.issue(act.Room(), act.Player())
		if err != nil {
			// The join committed; the client can still play without a token
			// unless tokens are required.
			hlog.FromRequest(r).Error().Err(err).Str("room", roomID).Msg("sign seat token")
		} else {
			w.Header().Set(SeatHeader, tok)
		}
	}
	w.Header().Set("ETag", etag(snap))
	writeJSON(w, http.StatusOK, snap)
}

// etag names one revision of one incarnation of a room: a room destroyed and
// recreated under the same id starts over at revision 1.
func etag(s game.Snapshot) string {
	return `"r` + strconv.FormatUint(s.Revision, 10) + "-" + strconv.FormatInt(s.CreatedAt.UnixNano(), 10) + `"`
}

// etagMatches handles a single tag, a comma-separated list and "*".
func etagMatches(header, tag string) bool {
	if header == "" {
		return false
	}
	for _, part := range strings.Split(header, ",") {
		p := strings.TrimSpace(part)
		p = strings.TrimPrefix(p, "W/")
		if p == "*" || p == tag {
			return true
		}
	}
	return false
}

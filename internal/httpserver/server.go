// apps/go-server/internal/httpserver/server.go
//
// HTTP server wiring for the race24 backend.
// Responsibilities:
//   - Router + middleware (JSON, CORS, timeouts, panic recovery, request IDs,
//     access logs).
//   - Public endpoints: "/", "/health".
//   - Room endpoints: mounted under /rooms (see routes_rooms.go, ws.go).
//   - Debug endpoint: /debug/rooms.
//
// Notes:
//   - CORS is origin-aware and credentials-enabled.
//   - The websocket route sits outside the timeout and access-log group: a
//     socket outlives any single request deadline.

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/race24/apps/go-server/internal/config"
	"github.com/robalobadob/race24/apps/go-server/internal/game"
	"github.com/robalobadob/race24/apps/go-server/internal/protocol"
	"github.com/robalobadob/race24/apps/go-server/internal/room"
)

type errorBody = protocol.ErrorBody

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server bundles router, room registry and the per-request policies.
type Server struct {
	r        *chi.Mux
	rooms    *room.Registry
	cfg      config.Config
	seats    *seats
	limiter  *ipLimiter
	upgrader websocket.Upgrader
	pinger   Pinger
	http     *http.Server
}

// New constructs a Server, installs middleware, and registers routes.
// pinger may be nil (in-memory store).
func New(rooms *room.Registry, cfg config.Config, pinger Pinger) *Server {
	s := &Server{
		r:       chi.NewRouter(),
		rooms:   rooms,
		cfg:     cfg,
		seats:   newSeats(cfg.SeatSecret, cfg.RequireSeatToken),
		limiter: newIPLimiter(cfg.ActionRate, cfg.ActionBurst),
		pinger:  pinger,
	}
	s.http = &http.Server{Handler: s.r, ReadHeaderTimeout: 5 * time.Second}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// --- middleware ---
	s.r.Use(chimw.RequestID)             // add X-Request-ID
	s.r.Use(chimw.RealIP)                // set RemoteAddr from X-Forwarded-For etc.
	s.r.Use(hlog.NewHandler(log.Logger)) // request-scoped logger
	s.r.Use(requestIDField)              // req_id on every request log line
	s.r.Use(chimw.Recoverer)             // recover from panics
	s.r.Use(s.cors)                      // credentials-friendly CORS

	// Websocket: no timeout, no response wrapping.
	s.r.Get("/rooms/{roomId}/ws", s.handleWS)

	s.r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(cfg.RequestTimeout)) // bound handler time
		r.Use(jsonContentType)                   // default JSON responses
		r.Use(accessLog)

		// --- diagnostics ---
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"service":"race24-go","endpoints":["/health","GET /rooms/{roomId}","POST /rooms/{roomId}/actions","GET /rooms/{roomId}/ws"]}`))
		})
		r.Get("/health", s.handleHealth)
		r.Get("/debug/rooms", s.handleDebugRooms)

		s.mountRooms(r)
	})

	// JSON 404 for easier debugging
	s.r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "path": r.URL.Path})
	})

	return s
}

// Start begins serving HTTP on addr. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.http.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router exposes the internal router (useful for tests).
func (s *Server) Router() chi.Router { return s.r }

// ----------------------------- middleware ----------------------------------

// jsonContentType sets a default JSON Content-Type header on all responses.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
	})
}

// cors enables credentialed CORS for the configured CLIENT_ORIGIN.
func (s *Server) cors(next http.Handler) http.Handler {
	origin := s.cfg.ClientOrigin
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-None-Match, "+SeatHeader)
		w.Header().Set("Access-Control-Expose-Headers", "ETag, "+SeatHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin admits non-browser clients (no Origin) and the configured origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	o := r.Header.Get("Origin")
	return o == "" || s.cfg.ClientOrigin == "*" || o == s.cfg.ClientOrigin
}

func requestIDField(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			l := zerolog.Ctx(r.Context())
			l.UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("req_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

var accessLog = hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
	ev := hlog.FromRequest(r).Debug()
	if status >= 500 {
		ev = hlog.FromRequest(r).Warn()
	}
	ev.Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", d).
		Msg("request")
})

// ------------------------------ diagnostics --------------------------------

type healthRes struct {
	OK    bool       `json:"ok"`
	Rooms int        `json:"rooms"`
	Store storeState `json:"store"`
}

type storeState struct {
	Kind      string `json:"kind"`
	Healthy   bool   `json:"healthy"`
	Failures  int64  `json:"failures"`
	LastError string `json:"lastError,omitempty"`
}

// handleHealth always answers 200 while the process serves; a broken store
// degrades durability, not the live rooms.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.rooms.Stats()
	res := healthRes{
		OK:    true,
		Rooms: st.Rooms,
		Store: storeState{
			Kind:      "memory",
			Healthy:   st.StoreHealthy,
			Failures:  st.StoreFailures,
			LastError: st.LastStoreErr,
		},
	}
	if s.pinger != nil {
		res.Store.Kind = "sqlite"
		if err := s.pinger.Ping(r.Context()); err != nil {
			res.Store.Healthy = false
			res.Store.LastError = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// phaseCounter is implemented by stores that can summarize persisted rooms.
type phaseCounter interface {
	CountByPhase(ctx context.Context) (map[game.Phase]int, error)
}

// handleDebugRooms lists every live room's public snapshot, plus persisted
// room counts when the store can report them.
func (s *Server) handleDebugRooms(w http.ResponseWriter, r *http.Request) {
	res := map[string]any{
		"stats": s.rooms.Stats(),
		"rooms": s.rooms.Rooms(),
	}
	if pc, ok := s.pinger.(phaseCounter); ok {
		counts, err := pc.CountByPhase(r.Context())
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("count persisted rooms")
		} else {
			res["persisted"] = counts
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// ------------------------------- small util --------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status and JSON body. Unclassified errors are
// logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorFor(err)
	if status >= 500 && body.Error == "internal" {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, body)
}

// errorFor is shared by HTTP responses and websocket ERROR frames.
func errorFor(err error) (int, errorBody) {
	if se, ok := asSeatError(err); ok {
		return se.status, errorBody{Error: se.code, Message: se.msg}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable, errorBody{Error: "timeout", Message: "request timed out"}
	}
	if errors.Is(err, room.ErrClosed) {
		return http.StatusServiceUnavailable, errorBody{Error: "shutting_down", Message: "server is shutting down"}
	}
	return protocol.StatusFor(err), protocol.BodyFor(err)
}

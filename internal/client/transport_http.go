package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/robalobadob/race24/apps/go-server/internal/game"
	"github.com/robalobadob/race24/apps/go-server/internal/protocol"
)

// seatHeader mirrors the server's join response header.
const seatHeader = "X-Seat-Token"

// StatusError is a non-2xx answer that carries no domain error kind.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// Transient reports whether err is worth retrying: anything but a domain
// error or a definitive 4xx (408 and 429 are retried).
func Transient(err error) bool {
	if err == nil {
		return false
	}
	switch game.KindOf(err) {
	case game.KindValidation, game.KindNotFound, game.KindConflict, game.KindState:
		return false
	}
	var se *StatusError
	if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
		return se.Status == http.StatusRequestTimeout || se.Status == http.StatusTooManyRequests
	}
	return true
}

// NewPlayerID returns a fresh opaque player id.
func NewPlayerID() string { return uuid.NewString() }

// HTTP is a Transport over the REST endpoints. It remembers the seat token
// from the last join and each room's ETag.
type HTTP struct {
	base   string
	client *http.Client

	mu    sync.Mutex
	token string
	cache map[string]cached
}

type cached struct {
	etag string
	snap game.Snapshot
}

// NewHTTP returns a transport for base (e.g. "http://localhost:5175").
// A nil client means http.DefaultClient; per-request deadlines come from ctx.
func NewHTTP(base string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{base: strings.TrimRight(base, "/"), client: client, cache: make(map[string]cached)}
}

// Token returns the seat token from the last successful join.
func (h *HTTP) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

func (h *HTTP) roomURL(roomID string) string {
	return h.base + "/rooms/" + url.PathEscape(roomID)
}

// Fetch polls the room, answering from cache on 304.
func (h *HTTP) Fetch(ctx context.Context, roomID string) (game.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.roomURL(roomID), nil)
	if err != nil {
		return game.Snapshot{}, err
	}
	h.mu.Lock()
	prev, ok := h.cache[roomID]
	h.mu.Unlock()
	if ok {
		req.Header.Set("If-None-Match", prev.etag)
	}

	res, err := h.client.Do(req)
	if err != nil {
		return game.Snapshot{}, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotModified && ok {
		return prev.snap, nil
	}
	snap, err := decodeSnapshot(res)
	if err != nil {
		return game.Snapshot{}, err
	}
	if tag := res.Header.Get("ETag"); tag != "" {
		h.mu.Lock()
		h.cache[roomID] = cached{etag: tag, snap: snap}
		h.mu.Unlock()
	}
	return snap, nil
}

// Send posts one action.
func (h *HTTP) Send(ctx context.Context, act game.Action) (game.Snapshot, error) {
	body, err := json.Marshal(protocol.FromAction(act))
	if err != nil {
		return game.Snapshot{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.roomURL(act.Room())+"/actions", bytes.NewReader(body))
	if err != nil {
		return game.Snapshot{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := h.Token(); tok != "" && act.Kind() != game.ActionJoin {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	res, err := h.client.Do(req)
	if err != nil {
		return game.Snapshot{}, err
	}
	defer res.Body.Close()

	snap, err := decodeSnapshot(res)
	if err != nil {
		return game.Snapshot{}, err
	}
	if act.Kind() == game.ActionJoin {
		if tok := res.Header.Get(seatHeader); tok != "" {
			h.mu.Lock()
			h.token = tok
			h.mu.Unlock()
		}
	}
	return snap, nil
}

func decodeSnapshot(res *http.Response) (game.Snapshot, error) {
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return game.Snapshot{}, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		perr := protocol.ParseError(res.StatusCode, data)
		if game.KindOf(perr) != "" {
			return game.Snapshot{}, perr
		}
		return game.Snapshot{}, &StatusError{Status: res.StatusCode, Err: perr}
	}
	var snap game.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return game.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

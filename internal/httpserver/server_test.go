package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robalobadob/race24/apps/go-server/internal/config"
	"github.com/robalobadob/race24/apps/go-server/internal/game"
	"github.com/robalobadob/race24/apps/go-server/internal/protocol"
	"github.com/robalobadob/race24/apps/go-server/internal/room"
	"github.com/robalobadob/race24/apps/go-server/internal/store"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.ActionRate = 0
	if mutate != nil {
		mutate(&cfg)
	}
	reg := room.New(room.Config{Engine: cfg.Engine(nil), Store: store.NewMemoryStore()})
	ts := httptest.NewServer(New(reg, cfg, nil).Router())
	t.Cleanup(func() {
		ts.Close()
		reg.Close()
	})
	return ts
}

func post(t *testing.T, ts *httptest.Server, roomID, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rooms/"+roomID+"/actions", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeBody[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func TestIndexAndHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "application/json")

	post(t, ts, "r1", `{"action":"join","playerId":"alice","playerName":"Alice"}`, "")

	res, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	h := decodeBody[healthRes](t, res)
	assert.True(t, h.OK)
	assert.Equal(t, 1, h.Rooms)
	assert.Equal(t, "memory", h.Store.Kind)
	assert.True(t, h.Store.Healthy)

	res, err = http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestJoinThenPollWithETag(t *testing.T) {
	ts := newTestServer(t, nil)

	res := post(t, ts, "r1", `{"action":"join","playerId":"alice","playerName":"Alice","targetScore":3}`, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get(SeatHeader))
	snap := decodeBody[game.Snapshot](t, res)
	tag := res.Header.Get("ETag")
	assert.Equal(t, etag(snap), tag)
	assert.True(t, strings.HasPrefix(tag, `"r1-`))
	assert.Equal(t, uint64(1), snap.Revision)
	assert.Equal(t, 3, snap.TargetScore)
	assert.Nil(t, snap.PuzzleQueue)

	res, err := http.Get(ts.URL + "/rooms/r1")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, tag, res.Header.Get("ETag"))
	polled := decodeBody[game.Snapshot](t, res)
	assert.Equal(t, snap, polled)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/rooms/r1", nil)
	req.Header.Set("If-None-Match", tag)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotModified, res.StatusCode)

	post(t, ts, "r1", `{"action":"join","playerId":"bob","playerName":"Bob"}`, "")
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/rooms/r1", nil)
	req.Header.Set("If-None-Match", tag)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.HasPrefix(res.Header.Get("ETag"), `"r2-`))
}

func TestRecreatedRoomGetsFreshETag(t *testing.T) {
	ts := newTestServer(t, nil)

	res := post(t, ts, "r1", `{"action":"join","playerId":"alice","playerName":"Alice"}`, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	old := res.Header.Get("ETag")
	res = post(t, ts, "r1", `{"action":"leave","playerId":"alice"}`, res.Header.Get(SeatHeader))
	require.Equal(t, http.StatusOK, res.StatusCode)

	time.Sleep(time.Millisecond)
	res = post(t, ts, "r1", `{"action":"join","playerId":"bob","playerName":"Bob"}`, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	snap := decodeBody[game.Snapshot](t, res)
	require.Equal(t, uint64(1), snap.Revision)
	assert.NotEqual(t, old, res.Header.Get("ETag"))

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/rooms/r1", nil)
	req.Header.Set("If-None-Match", old)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	polled := decodeBody[game.Snapshot](t, res)
	assert.Equal(t, "bob", polled.CreatorID)
}

func TestActionErrorStatuses(t *testing.T) {
	ts := newTestServer(t, nil)
	post(t, ts, "r1", `{"action":"join","playerId":"alice","playerName":"Alice"}`, "")

	tests := []struct {
		name   string
		room   string
		body   string
		status int
		kind   string
	}{
		{"malformed json", "r1", `{"action":`, http.StatusBadRequest, "validation"},
		{"unknown field", "r1", `{"action":"ready","playerId":"alice","extra":1}`, http.StatusBadRequest, "validation"},
		{"unknown action", "r1", `{"action":"dance","playerId":"alice"}`, http.StatusBadRequest, "validation"},
		{"unknown room", "r9", `{"action":"ready","playerId":"alice"}`, http.StatusNotFound, "not_found"},
		{"unknown player", "r1", `{"action":"ready","playerId":"zed"}`, http.StatusNotFound, "not_found"},
		{"duplicate name", "r1", `{"action":"join","playerId":"p2","playerName":"ALICE"}`, http.StatusConflict, "conflict"},
		{"submit in lobby", "r1", `{"action":"submit","playerId":"alice","solutionText":"4*3*2*1"}`, http.StatusUnprocessableEntity, "state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := post(t, ts, tt.room, tt.body, "")
			assert.Equal(t, tt.status, res.StatusCode)
			body := decodeBody[protocol.ErrorBody](t, res)
			assert.Equal(t, tt.kind, body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}

	// None of the failures above moved the room.
	res, err := http.Get(ts.URL + "/rooms/r1")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, uint64(1), decodeBody[game.Snapshot](t, res).Revision)
}

func TestSeatTokens(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.RequireSeatToken = true })

	aliceTok := post(t, ts, "r1", `{"action":"join","playerId":"alice","playerName":"Alice"}`, "").Header.Get(SeatHeader)
	bobTok := post(t, ts, "r1", `{"action":"join","playerId":"bob","playerName":"Bob"}`, "").Header.Get(SeatHeader)
	require.NotEmpty(t, aliceTok)
	require.NotEmpty(t, bobTok)

	res := post(t, ts, "r1", `{"action":"ready","playerId":"bob"}`, "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = post(t, ts, "r1", `{"action":"ready","playerId":"bob"}`, "garbage")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = post(t, ts, "r1", `{"action":"ready","playerId":"bob"}`, aliceTok)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", decodeBody[protocol.ErrorBody](t, res).Error)

	res = post(t, ts, "r2", `{"action":"ready","playerId":"bob"}`, bobTok)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res = post(t, ts, "r1", `{"action":"ready","playerId":"bob"}`, bobTok)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestSeatTokenOptionalButCheckedWhenPresent(t *testing.T) {
	ts := newTestServer(t, nil)
	post(t, ts, "r1", `{"action":"join","playerId":"alice","playerName":"Alice"}`, "")
	post(t, ts, "r1", `{"action":"join","playerId":"bob","playerName":"Bob"}`, "")

	assert.Equal(t, http.StatusOK, post(t, ts, "r1", `{"action":"ready","playerId":"bob"}`, "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, post(t, ts, "r1", `{"action":"ready","playerId":"bob"}`, "garbage").StatusCode)
}

func TestActionRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.ActionRate = 0.001
		c.ActionBurst = 2
	})
	assert.Equal(t, http.StatusOK, post(t, ts, "r1", `{"action":"join","playerId":"alice","playerName":"Alice"}`, "").StatusCode)
	assert.Equal(t, http.StatusOK, post(t, ts, "r1", `{"action":"join","playerId":"bob","playerName":"Bob"}`, "").StatusCode)

	res := post(t, ts, "r1", `{"action":"ready","playerId":"bob"}`, "")
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "rate_limited", decodeBody[protocol.ErrorBody](t, res).Error)

	// Polls are not limited.
	res2, err := http.Get(ts.URL + "/rooms/r1")
	require.NoError(t, err)
	defer res2.Body.Close()
	assert.Equal(t, http.StatusOK, res2.StatusCode)
}

// ------------------------------ websocket ----------------------------------

func dial(t *testing.T, ts *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

func writeFrame(t *testing.T, c *websocket.Conn, typ, reqID string, p any) {
	t.Helper()
	b, err := protocol.NewMessage(typ, reqID, p)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, b))
}

// waitFrame reads frames until match returns true.
func waitFrame(t *testing.T, c *websocket.Conn, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		var m protocol.Message
		require.NoError(t, json.Unmarshal(data, &m))
		if match(m) {
			return m
		}
	}
}

func snapshotOf(t *testing.T, m protocol.Message) game.Snapshot {
	t.Helper()
	var s game.Snapshot
	require.NoError(t, json.Unmarshal(m.P, &s))
	return s
}

func TestWebsocket_JoinPushAndLeaveOnClose(t *testing.T) {
	ts := newTestServer(t, nil)

	conn, _, err := dial(t, ts, "/rooms/r1/ws")
	require.NoError(t, err)
	defer conn.Close()

	writeFrame(t, conn, protocol.MsgPing, "p1", nil)
	pong := waitFrame(t, conn, func(m protocol.Message) bool { return m.T == protocol.MsgPong })
	assert.Equal(t, "p1", pong.ReqID)

	writeFrame(t, conn, protocol.MsgAction, "a1", protocol.Envelope{Action: "join", PlayerID: "alice", PlayerName: "Alice"})
	result := waitFrame(t, conn, func(m protocol.Message) bool { return m.ReqID == "a1" })
	require.Equal(t, protocol.MsgResult, result.T)
	assert.Equal(t, uint64(1), snapshotOf(t, result).Revision)

	// A socket bound to alice cannot act for anyone else.
	writeFrame(t, conn, protocol.MsgAction, "a2", protocol.Envelope{Action: "ready", PlayerID: "bob"})
	rejected := waitFrame(t, conn, func(m protocol.Message) bool { return m.ReqID == "a2" })
	require.Equal(t, protocol.MsgError, rejected.T)

	post(t, ts, "r1", `{"action":"join","playerId":"bob","playerName":"Bob"}`, "")
	pushed := waitFrame(t, conn, func(m protocol.Message) bool {
		return m.T == protocol.MsgSnapshot && snapshotOf(t, m).Revision == 2
	})
	assert.Len(t, snapshotOf(t, pushed).Players, 2)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	require.Eventually(t, func() bool {
		res, err := http.Get(ts.URL + "/rooms/r1")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		var s game.Snapshot
		if json.NewDecoder(res.Body).Decode(&s) != nil {
			return false
		}
		return len(s.Players) == 1 && s.Players[0].ID == "bob" && s.CreatorID == "bob"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWebsocket_InitialSnapshotAndErrorFrames(t *testing.T) {
	ts := newTestServer(t, nil)
	post(t, ts, "r1", `{"action":"join","playerId":"alice","playerName":"Alice"}`, "")

	conn, _, err := dial(t, ts, "/rooms/r1/ws?playerId=alice")
	require.NoError(t, err)
	defer conn.Close()

	first := waitFrame(t, conn, func(m protocol.Message) bool { return m.T == protocol.MsgSnapshot })
	assert.Equal(t, uint64(1), snapshotOf(t, first).Revision)

	writeFrame(t, conn, protocol.MsgAction, "s1", protocol.Envelope{Action: "submit", PlayerID: "alice", SolutionText: "x"})
	m := waitFrame(t, conn, func(m protocol.Message) bool { return m.ReqID == "s1" })
	require.Equal(t, protocol.MsgError, m.T)
	var body protocol.ErrorBody
	require.NoError(t, json.Unmarshal(m.P, &body))
	assert.Equal(t, "state", body.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"t":"DANCE","reqId":"d1"}`)))
	m = waitFrame(t, conn, func(m protocol.Message) bool { return m.ReqID == "d1" })
	assert.Equal(t, protocol.MsgError, m.T)
}

func TestWebsocket_SeatRequired(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.RequireSeatToken = true })
	tok := post(t, ts, "r1", `{"action":"join","playerId":"alice","playerName":"Alice"}`, "").Header.Get(SeatHeader)

	_, res, err := dial(t, ts, "/rooms/r1/ws?playerId=alice")
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	body, _ := io.ReadAll(res.Body)
	assert.True(t, bytes.Contains(body, []byte("unauthorized")))

	conn, _, err := dial(t, ts, "/rooms/r1/ws?playerId=alice&token="+tok)
	require.NoError(t, err)
	conn.Close()
}

func TestDebugRoomsAndHealth_SQLite(t *testing.T) {
	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	cfg := config.Default()
	cfg.ActionRate = 0
	reg := room.New(room.Config{Engine: cfg.Engine(nil), Store: db})
	ts := httptest.NewServer(New(reg, cfg, db).Router())
	t.Cleanup(func() {
		ts.Close()
		reg.Close()
		db.Close()
	})

	post(t, ts, "r1", `{"action":"join","playerId":"alice","playerName":"Alice"}`, "")

	res, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	h := decodeBody[healthRes](t, res)
	assert.Equal(t, "sqlite", h.Store.Kind)
	assert.True(t, h.Store.Healthy)

	res, err = http.Get(ts.URL + "/debug/rooms")
	require.NoError(t, err)
	defer res.Body.Close()
	var dbg struct {
		Rooms     []game.Snapshot    `json:"rooms"`
		Persisted map[game.Phase]int `json:"persisted"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&dbg))
	require.Len(t, dbg.Rooms, 1)
	assert.Equal(t, "r1", dbg.Rooms[0].RoomID)
	assert.Equal(t, 1, dbg.Persisted[game.PhaseLobby])
}

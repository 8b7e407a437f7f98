// apps/go-server/internal/protocol/protocol.go
//
// Wire format shared by the HTTP server, the websocket channel and the client.
// Defines:
//   - Envelope: the loosely-typed action payload as it arrives on the wire,
//     decoded strictly into one of the four game actions.
//   - ErrorBody: `{"error": kind, "message": text}` with a fixed status mapping.
//   - Message: the websocket frame `{t, reqId, p}`.
//
// Validation happens here, at the boundary; nothing invalid reaches an actor.

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/robalobadob/race24/apps/go-server/internal/game"
)

// MaxBodyBytes caps an action payload.
const MaxBodyBytes = 4 << 10

// Envelope is the JSON body of an action request.
type Envelope struct {
	Action       string `json:"action"`
	RoomID       string `json:"roomId,omitempty"`
	PlayerID     string `json:"playerId"`
	PlayerName   string `json:"playerName,omitempty"`
	TargetScore  *int   `json:"targetScore,omitempty"`
	SolutionText string `json:"solutionText,omitempty"`
}

// Decode reads one envelope from r and converts it to an action for roomID.
func Decode(roomID string, r io.Reader) (game.Action, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxBodyBytes+1))
	if err != nil {
		return nil, game.Errorf(game.KindValidation, "read body: %v", err)
	}
	if len(data) > MaxBodyBytes {
		return nil, game.Errorf(game.KindValidation, "body larger than %d bytes", MaxBodyBytes)
	}
	return DecodeBytes(roomID, data)
}

// DecodeBytes converts a raw JSON envelope to an action for roomID.
func DecodeBytes(roomID string, data []byte) (game.Action, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, game.Errorf(game.KindValidation, "invalid json: %v", err)
	}
	return env.ToAction(roomID)
}

// ToAction checks the field set required by the action kind and builds the
// action. roomID comes from the URL; a body roomId must agree with it.
func (e Envelope) ToAction(roomID string) (game.Action, error) {
	if roomID == "" {
		roomID = e.RoomID
	}
	if e.RoomID != "" && e.RoomID != roomID {
		return nil, game.Errorf(game.KindValidation, "roomId %q does not match %q", e.RoomID, roomID)
	}

	var a game.Action
	switch game.ActionKind(e.Action) {
	case game.ActionJoin:
		j := game.Join{RoomID: roomID, PlayerID: e.PlayerID, PlayerName: e.PlayerName}
		if e.TargetScore != nil {
			if *e.TargetScore < 1 {
				return nil, game.Errorf(game.KindValidation, "targetScore must be between 1 and %d", game.MaxTargetScore)
			}
			j.TargetScore = *e.TargetScore
		}
		a = j
	case game.ActionReady:
		a = game.Ready{RoomID: roomID, PlayerID: e.PlayerID}
	case game.ActionSubmit:
		a = game.Submit{RoomID: roomID, PlayerID: e.PlayerID, SolutionText: e.SolutionText}
	case game.ActionLeave:
		a = game.Leave{RoomID: roomID, PlayerID: e.PlayerID}
	case "":
		return nil, game.Errorf(game.KindValidation, "action is required")
	default:
		return nil, game.Errorf(game.KindValidation, "unknown action %q", e.Action)
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// FromAction is the inverse of ToAction, used by clients.
func FromAction(a game.Action) Envelope {
	env := Envelope{Action: string(a.Kind()), RoomID: a.Room(), PlayerID: a.Player()}
	switch act := a.(type) {
	case game.Join:
		env.PlayerName = act.PlayerName
		if act.TargetScore > 0 {
			ts := act.TargetScore
			env.TargetScore = &ts
		}
	case game.Submit:
		env.SolutionText = act.SolutionText
	}
	return env
}

// ------------------------------- errors -------------------------------------

// ErrorBody is the JSON error payload.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch game.KindOf(err) {
	case game.KindValidation:
		return http.StatusBadRequest
	case game.KindNotFound:
		return http.StatusNotFound
	case game.KindConflict:
		return http.StatusConflict
	case game.KindState:
		return http.StatusUnprocessableEntity
	case game.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// BodyFor builds the wire error for err.
func BodyFor(err error) ErrorBody {
	var ge *game.Error
	if errors.As(err, &ge) {
		return ErrorBody{Error: string(ge.Kind), Message: ge.Message}
	}
	return ErrorBody{Error: "internal", Message: "internal error"}
}

// ParseError turns a non-2xx response back into an error. Domain kinds become
// *game.Error; anything else is returned as a plain error.
func ParseError(status int, body []byte) error {
	var eb ErrorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		switch k := game.ErrorKind(eb.Error); k {
		case game.KindValidation, game.KindNotFound, game.KindConflict, game.KindState:
			return &game.Error{Kind: k, Message: eb.Message}
		}
		return fmt.Errorf("http %d: %s: %s", status, eb.Error, eb.Message)
	}
	return fmt.Errorf("http %d", status)
}

// ------------------------------ websocket -----------------------------------

// Websocket frame types.
const (
	MsgAction   = "ACTION"
	MsgPing     = "PING"
	MsgSnapshot = "SNAPSHOT"
	MsgResult   = "RESULT"
	MsgError    = "ERROR"
	MsgPong     = "PONG"
)

// Message is one websocket frame. P holds an Envelope for ACTION, a snapshot
// for SNAPSHOT/RESULT and an ErrorBody for ERROR.
type Message struct {
	T     string          `json:"t"`
	ReqID string          `json:"reqId,omitempty"`
	P     json.RawMessage `json:"p,omitempty"`
}

// NewMessage marshals p into a frame of type t.
func NewMessage(t, reqID string, p any) ([]byte, error) {
	var raw json.RawMessage
	if p != nil {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Message{T: t, ReqID: reqID, P: raw})
}

// EncodeSnapshot renders the public form of s.
func EncodeSnapshot(s game.Snapshot) ([]byte, error) {
	return json.Marshal(s.Public())
}

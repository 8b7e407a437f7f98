// apps/go-server/internal/httpserver/seat.go
//
// Seat tokens: HS256 JWTs binding a (room, player) pair.
// Responsibilities:
//   - Issuing a token on every successful join (X-Seat-Token header).
//   - Checking a presented token against the action's room and player.
//
// Notes:
//   - Tokens are optional unless REQUIRE_SEAT_TOKEN is set. Join never needs
//     one; it is how a client obtains its seat.
//   - A token that is present is always checked, required or not.

package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SeatHeader carries the seat token on requests and join responses.
const SeatHeader = "X-Seat-Token"

const seatTTL = 24 * time.Hour

// seatClaims is the JWT payload. Subject is the player id.
type seatClaims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

// seatError carries its own HTTP status (401 or 403).
type seatError struct {
	status int
	code   string
	msg    string
}

func (e *seatError) Error() string { return e.code + ": " + e.msg }

var (
	errSeatMissing = &seatError{http.StatusUnauthorized, "unauthorized", "seat token required"}
	errSeatInvalid = &seatError{http.StatusUnauthorized, "unauthorized", "invalid seat token"}
	errSeatWrong   = &seatError{http.StatusForbidden, "forbidden", "seat token does not match room or player"}
)

type seats struct {
	secret   []byte
	required bool
	now      func() time.Time
}

func newSeats(secret string, required bool) *seats {
	return &seats{secret: []byte(secret), required: required, now: time.Now}
}

// issue signs a token for playerID in roomID.
func (s *seats) issue(roomID, playerID string) (string, error) {
	now := s.now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, seatClaims{
		Room: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(seatTTL)),
		},
	})
	return t.SignedString(s.secret)
}

// check validates tok for (roomID, playerID). An empty tok passes unless
// tokens are required.
func (s *seats) check(tok, roomID, playerID string) error {
	if tok == "" {
		if s.required {
			return errSeatMissing
		}
		return nil
	}
	var claims seatClaims
	token, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return errSeatInvalid
	}
	if claims.Room != roomID || claims.Subject != playerID {
		return errSeatWrong
	}
	return nil
}

// seatToken extracts a token from the Authorization bearer, the X-Seat-Token
// header or the "token" query parameter (browsers cannot set websocket headers).
func seatToken(r *http.Request) string {
	if a := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(a), "bearer ") {
		return strings.TrimSpace(a[7:])
	}
	if v := r.Header.Get(SeatHeader); v != "" {
		return v
	}
	return r.URL.Query().Get("token")
}

func asSeatError(err error) (*seatError, bool) {
	var se *seatError
	ok := errors.As(err, &se)
	return se, ok
}

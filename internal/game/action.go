// apps/go-server/internal/game/action.go
//
// The four room actions as a closed set.
// Each action kind has a fixed required-field set and validates itself;
// the protocol layer rejects invalid actions before they reach an actor,
// and the engine re-validates as a backstop.

package game

import (
	"unicode"
	"unicode/utf8"
)

// ActionKind names one of the four actions.
type ActionKind string

const (
	ActionJoin   ActionKind = "join"
	ActionReady  ActionKind = "ready"
	ActionSubmit ActionKind = "submit"
	ActionLeave  ActionKind = "leave"
)

// Field limits.
const (
	MaxIDLen       = 64
	MaxNameRunes   = 24
	MaxSolutionLen = 200
	MaxTargetScore = 100
)

// Action is one of Join, Ready, Submit or Leave.
type Action interface {
	Kind() ActionKind
	Room() string
	Player() string
	Validate() error
	sealed()
}

// Join adds a player to a room, creating the room when unknown.
// TargetScore is only used at creation; zero means the engine default.
type Join struct {
	RoomID      string
	PlayerID    string
	PlayerName  string
	TargetScore int
}

// Ready marks a player ready.
type Ready struct {
	RoomID   string
	PlayerID string
}

// Submit records a solved puzzle for a player. The solution text is trusted.
type Submit struct {
	RoomID       string
	PlayerID     string
	SolutionText string
}

// Leave removes a player from a room.
type Leave struct {
	RoomID   string
	PlayerID string
}

func (Join) Kind() ActionKind   { return ActionJoin }
func (Ready) Kind() ActionKind  { return ActionReady }
func (Submit) Kind() ActionKind { return ActionSubmit }
func (Leave) Kind() ActionKind  { return ActionLeave }

func (a Join) Room() string   { return a.RoomID }
func (a Ready) Room() string  { return a.RoomID }
func (a Submit) Room() string { return a.RoomID }
func (a Leave) Room() string  { return a.RoomID }

func (a Join) Player() string   { return a.PlayerID }
func (a Ready) Player() string  { return a.PlayerID }
func (a Submit) Player() string { return a.PlayerID }
func (a Leave) Player() string  { return a.PlayerID }

func (Join) sealed()   {}
func (Ready) sealed()  {}
func (Submit) sealed() {}
func (Leave) sealed()  {}

func (a Join) Validate() error {
	if err := validateIDs(a.RoomID, a.PlayerID); err != nil {
		return err
	}
	if err := validateName(a.PlayerName); err != nil {
		return err
	}
	if a.TargetScore < 0 || a.TargetScore > MaxTargetScore {
		return Errorf(KindValidation, "targetScore must be between 1 and %d", MaxTargetScore)
	}
	return nil
}

func (a Ready) Validate() error { return validateIDs(a.RoomID, a.PlayerID) }

func (a Submit) Validate() error {
	if err := validateIDs(a.RoomID, a.PlayerID); err != nil {
		return err
	}
	if a.SolutionText == "" {
		return Errorf(KindValidation, "solutionText is required")
	}
	if len(a.SolutionText) > MaxSolutionLen {
		return Errorf(KindValidation, "solutionText longer than %d bytes", MaxSolutionLen)
	}
	return nil
}

func (a Leave) Validate() error { return validateIDs(a.RoomID, a.PlayerID) }

func validateIDs(roomID, playerID string) error {
	if err := validateID("roomId", roomID); err != nil {
		return err
	}
	return validateID("playerId", playerID)
}

func validateID(field, v string) error {
	if v == "" {
		return Errorf(KindValidation, "%s is required", field)
	}
	if len(v) > MaxIDLen {
		return Errorf(KindValidation, "%s longer than %d bytes", field, MaxIDLen)
	}
	for _, r := range v {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return Errorf(KindValidation, "%s contains whitespace or control characters", field)
		}
	}
	return nil
}

func validateName(name string) error {
	n := CleanName(name)
	if n == "" {
		return Errorf(KindValidation, "playerName is required")
	}
	if utf8.RuneCountInString(n) > MaxNameRunes {
		return Errorf(KindValidation, "playerName longer than %d characters", MaxNameRunes)
	}
	for _, r := range n {
		if unicode.IsControl(r) {
			return Errorf(KindValidation, "playerName contains control characters")
		}
	}
	return nil
}

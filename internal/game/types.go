// apps/go-server/internal/game/types.go
//
// Core type definitions for the room state machine.
// Defines:
//   - Phase: coarse room state (Lobby → Active → Complete).
//   - Player: one participant and their score.
//   - Room: the aggregate owned by a single room actor.
//   - Snapshot: immutable copy of a Room at one revision (wire + persistence form).

package game

import (
	"fmt"
	"time"

	"github.com/robalobadob/race24/apps/go-server/internal/puzzle"
)

// Phase is the coarse state of a room. It only advances forward.
type Phase string

const (
	PhaseLobby    Phase = "Lobby"
	PhaseActive   Phase = "Active"
	PhaseComplete Phase = "Complete"
)

// rank orders phases so regressions can be detected.
func (p Phase) rank() int {
	switch p {
	case PhaseLobby:
		return 0
	case PhaseActive:
		return 1
	case PhaseComplete:
		return 2
	}
	return -1
}

// Player is one participant in a room.
type Player struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
	Score int    `json:"score"`
}

// Solution records the last accepted submit. Informational only; the text is
// never checked against the puzzle.
type Solution struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Text       string `json:"text"`
	ElapsedMs  int64  `json:"elapsedMs"`
}

// Room holds the full state of one match. It is mutated only by Engine.Apply,
// and only on a private clone.
type Room struct {
	ID            string
	CreatorID     string
	Players       []Player // join order
	Phase         Phase
	CurrentPuzzle []int
	PuzzleQueue   []puzzle.Puzzle
	TargetScore   int
	WinnerID      string
	LastSolution  *Solution
	Revision      uint64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PuzzleDealtAt time.Time
}

// Snapshot is an immutable copy of a Room at a given revision.
// PuzzleQueue is only populated in the persisted form; see Public.
type Snapshot struct {
	RoomID        string          `json:"roomId"`
	CreatorID     string          `json:"creatorId"`
	Players       []Player        `json:"players"`
	Phase         Phase           `json:"phase"`
	CurrentPuzzle []int           `json:"currentPuzzle"`
	QueueLength   int             `json:"queueLength"`
	PuzzleQueue   []puzzle.Puzzle `json:"puzzleQueue,omitempty"`
	TargetScore   int             `json:"targetScore"`
	WinnerID      string          `json:"winnerId,omitempty"`
	LastSolution  *Solution       `json:"lastSolution,omitempty"`
	Revision      uint64          `json:"revision"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	PuzzleDealtAt time.Time       `json:"puzzleDealtAt"`
}

// Clone returns a deep copy of r.
func (r *Room) Clone() *Room {
	c := *r
	c.Players = append([]Player(nil), r.Players...)
	c.CurrentPuzzle = append([]int(nil), r.CurrentPuzzle...)
	c.PuzzleQueue = append([]puzzle.Puzzle(nil), r.PuzzleQueue...)
	if r.LastSolution != nil {
		s := *r.LastSolution
		c.LastSolution = &s
	}
	return &c
}

// Empty reports whether the room has no players left.
func (r *Room) Empty() bool { return len(r.Players) == 0 }

// playerIndex returns the index of the player with id, or -1.
func (r *Room) playerIndex(id string) int {
	for i := range r.Players {
		if r.Players[i].ID == id {
			return i
		}
	}
	return -1
}

// FindPlayer returns a copy of the player with id.
func (r *Room) FindPlayer(id string) (Player, bool) {
	if i := r.playerIndex(id); i >= 0 {
		return r.Players[i], true
	}
	return Player{}, false
}

// Snapshot returns the full (persistence) snapshot of r.
func (r *Room) Snapshot() Snapshot {
	c := r.Clone()
	players := c.Players
	if players == nil {
		players = []Player{}
	}
	cur := c.CurrentPuzzle
	if cur == nil {
		cur = []int{}
	}
	return Snapshot{
		RoomID:        c.ID,
		CreatorID:     c.CreatorID,
		Players:       players,
		Phase:         c.Phase,
		CurrentPuzzle: cur,
		QueueLength:   len(c.PuzzleQueue),
		PuzzleQueue:   c.PuzzleQueue,
		TargetScore:   c.TargetScore,
		WinnerID:      c.WinnerID,
		LastSolution:  c.LastSolution,
		Revision:      c.Revision,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		PuzzleDealtAt: c.PuzzleDealtAt,
	}
}

// Public returns s without the puzzle queue, which would reveal upcoming
// puzzles to clients.
func (s Snapshot) Public() Snapshot {
	s.PuzzleQueue = nil
	return s
}

// FindPlayer returns the player with id from the snapshot.
func (s Snapshot) FindPlayer(id string) (Player, bool) {
	for _, p := range s.Players {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}

// RoomFromSnapshot rebuilds a Room from a persisted snapshot.
func RoomFromSnapshot(s Snapshot) *Room {
	r := &Room{
		ID:            s.RoomID,
		CreatorID:     s.CreatorID,
		Players:       append([]Player(nil), s.Players...),
		Phase:         s.Phase,
		CurrentPuzzle: append([]int(nil), s.CurrentPuzzle...),
		PuzzleQueue:   append([]puzzle.Puzzle(nil), s.PuzzleQueue...),
		TargetScore:   s.TargetScore,
		WinnerID:      s.WinnerID,
		Revision:      s.Revision,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		PuzzleDealtAt: s.PuzzleDealtAt,
	}
	if len(r.CurrentPuzzle) == 0 {
		r.CurrentPuzzle = nil
	}
	if s.LastSolution != nil {
		ls := *s.LastSolution
		r.LastSolution = &ls
	}
	return r
}

// Check verifies the room invariants. bufferMin is the minimum queue length
// required while Active.
func (r *Room) Check(bufferMin int) error {
	seen := make(map[string]struct{}, len(r.Players))
	for _, p := range r.Players {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate player id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Score < 0 {
			return fmt.Errorf("player %q has negative score", p.ID)
		}
	}
	if r.TargetScore < 1 {
		return fmt.Errorf("target score %d < 1", r.TargetScore)
	}
	switch r.Phase {
	case PhaseLobby:
		if r.WinnerID != "" {
			return fmt.Errorf("winner set in lobby")
		}
	case PhaseActive:
		if len(r.CurrentPuzzle) != 4 {
			return fmt.Errorf("active room without puzzle")
		}
		if len(r.PuzzleQueue) < bufferMin {
			return fmt.Errorf("puzzle queue %d below minimum %d", len(r.PuzzleQueue), bufferMin)
		}
	case PhaseComplete:
		w, ok := r.FindPlayer(r.WinnerID)
		if r.WinnerID == "" || (ok && w.Score < r.TargetScore) {
			return fmt.Errorf("complete room without a qualifying winner")
		}
	default:
		return fmt.Errorf("unknown phase %q", r.Phase)
	}
	return nil
}

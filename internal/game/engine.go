// apps/go-server/internal/game/engine.go
//
// Rules engine for a single room.
// Responsibilities:
//   - Create rooms on the first join, with a pre-filled puzzle queue.
//   - Validate and apply join / ready / submit / leave.
//   - Track phase transitions: Lobby → Active → Complete.
//
// Notes:
//   - Apply never mutates its input. It works on a clone and returns the next
//     room, so a rejected action leaves nothing half-written.
//   - Every successful Apply is one commit: Revision is bumped by exactly 1.
//   - The same engine drives the server actors and the client's offline
//     simulation.
package game

import (
	"time"

	"github.com/robalobadob/race24/apps/go-server/internal/puzzle"
)

const (
	DefaultTargetScore = 5
	DefaultBufferSize  = 3
	minPlayersToStart  = 2
)

// PuzzleSource deals puzzles. Implemented by *puzzle.Generator.
type PuzzleSource interface {
	Generate(min, max int) puzzle.Puzzle
}

// Engine applies actions to rooms. The zero value is not usable; see NewEngine.
type Engine struct {
	Puzzles            PuzzleSource
	BufferSize         int // queue length kept after every pop (bufferMin)
	DefaultTargetScore int
	PuzzleMin          int
	PuzzleMax          int
	Now                func() time.Time
}

// NewEngine returns an engine with default settings dealing from src.
// A nil src deals from a randomly seeded puzzle.Generator.
func NewEngine(src PuzzleSource) *Engine {
	if src == nil {
		src = puzzle.NewGenerator(nil)
	}
	return &Engine{
		Puzzles:            src,
		BufferSize:         DefaultBufferSize,
		DefaultTargetScore: DefaultTargetScore,
		PuzzleMin:          puzzle.DefaultMin,
		PuzzleMax:          puzzle.DefaultMax,
		Now:                time.Now,
	}
}

// BufferMin is the queue length guaranteed after every pop.
func (e *Engine) BufferMin() int {
	if e.BufferSize < 1 {
		return 1
	}
	return e.BufferSize
}

// Restore rebuilds a room from a snapshot and tops its puzzle queue up to
// BufferMin. Public snapshots carry no queue.
func (e *Engine) Restore(s Snapshot) *Room {
	r := RoomFromSnapshot(s)
	e.refill(r)
	return r
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

// Apply validates a against r and returns the next room.
// r may be nil when the room does not exist yet; only Join is accepted then.
// On error r is untouched and the returned room is nil.
func (e *Engine) Apply(r *Room, a Action) (*Room, error) {
	if a == nil {
		return nil, Errorf(KindValidation, "missing action")
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	if r == nil {
		j, ok := a.(Join)
		if !ok {
			return nil, Errorf(KindNotFound, "room %q not found", a.Room())
		}
		return e.create(j), nil
	}
	if a.Room() != r.ID {
		return nil, Errorf(KindValidation, "action for room %q applied to room %q", a.Room(), r.ID)
	}

	next := r.Clone()
	var err error
	switch act := a.(type) {
	case Join:
		err = e.join(next, act)
	case Ready:
		err = e.ready(next, act)
	case Submit:
		err = e.submit(next, act)
	case Leave:
		err = e.leave(next, act)
	default:
		err = Errorf(KindValidation, "unknown action %q", a.Kind())
	}
	if err != nil {
		return nil, err
	}
	if next.Phase.rank() < r.Phase.rank() {
		return nil, Errorf(KindState, "phase cannot regress from %s to %s", r.Phase, next.Phase)
	}

	next.Revision = r.Revision + 1
	next.UpdatedAt = e.now()
	return next, nil
}

func (e *Engine) create(j Join) *Room {
	now := e.now()
	target := j.TargetScore
	if target == 0 {
		target = e.DefaultTargetScore
	}
	if target < 1 {
		target = DefaultTargetScore
	}
	r := &Room{
		ID:          j.RoomID,
		CreatorID:   j.PlayerID,
		Players:     []Player{{ID: j.PlayerID, Name: CleanName(j.PlayerName)}},
		Phase:       PhaseLobby,
		TargetScore: target,
		Revision:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.refill(r)
	return r
}

func (e *Engine) join(r *Room, j Join) error {
	name := CleanName(j.PlayerName)
	if r.Phase == PhaseLobby {
		for _, p := range r.Players {
			if p.ID != j.PlayerID && SameName(p.Name, name) {
				return Errorf(KindConflict, "name %q is already taken in room %q", name, r.ID)
			}
		}
	}

	// Rejoin: same id, refreshed name, back to not ready.
	if i := r.playerIndex(j.PlayerID); i >= 0 {
		r.Players[i].Name = name
		r.Players[i].Ready = false
		return nil
	}

	if r.Phase != PhaseLobby {
		return Errorf(KindConflict, "cannot join an active or finished room")
	}
	r.Players = append(r.Players, Player{ID: j.PlayerID, Name: name})
	return nil
}

func (e *Engine) ready(r *Room, a Ready) error {
	i := r.playerIndex(a.PlayerID)
	if i < 0 {
		return Errorf(KindNotFound, "player %q is not in room %q", a.PlayerID, r.ID)
	}
	r.Players[i].Ready = true

	if r.Phase == PhaseLobby && allReady(r.Players) {
		r.Phase = PhaseActive
		e.deal(r)
	}
	return nil
}

func allReady(ps []Player) bool {
	if len(ps) < minPlayersToStart {
		return false
	}
	for _, p := range ps {
		if !p.Ready {
			return false
		}
	}
	return true
}

func (e *Engine) submit(r *Room, a Submit) error {
	if r.Phase != PhaseActive {
		return Errorf(KindState, "cannot submit while room is %s", r.Phase)
	}
	i := r.playerIndex(a.PlayerID)
	if i < 0 {
		return Errorf(KindNotFound, "player %q is not in room %q", a.PlayerID, r.ID)
	}

	now := e.now()
	p := &r.Players[i]
	p.Score++
	var elapsed int64
	if !r.PuzzleDealtAt.IsZero() {
		elapsed = now.Sub(r.PuzzleDealtAt).Milliseconds()
	}
	r.LastSolution = &Solution{
		PlayerID:   p.ID,
		PlayerName: p.Name,
		Text:       a.SolutionText,
		ElapsedMs:  elapsed,
	}

	if p.Score >= r.TargetScore {
		r.Phase = PhaseComplete
		r.WinnerID = p.ID
		return nil
	}
	e.deal(r)
	return nil
}

func (e *Engine) leave(r *Room, a Leave) error {
	i := r.playerIndex(a.PlayerID)
	if i < 0 {
		return Errorf(KindNotFound, "player %q is not in room %q", a.PlayerID, r.ID)
	}
	r.Players = append(r.Players[:i], r.Players[i+1:]...)
	if r.CreatorID == a.PlayerID && len(r.Players) > 0 {
		r.CreatorID = r.Players[0].ID
	}
	return nil
}

// deal pops the next puzzle into CurrentPuzzle and refills the queue.
func (e *Engine) deal(r *Room) {
	e.refill(r)
	next := r.PuzzleQueue[0]
	r.PuzzleQueue = r.PuzzleQueue[1:]
	r.CurrentPuzzle = next[:]
	r.PuzzleDealtAt = e.now()
	e.refill(r)
}

// refill tops the queue up to BufferMin.
func (e *Engine) refill(r *Room) {
	for len(r.PuzzleQueue) < e.BufferMin() {
		r.PuzzleQueue = append(r.PuzzleQueue, e.Puzzles.Generate(e.PuzzleMin, e.PuzzleMax))
	}
}

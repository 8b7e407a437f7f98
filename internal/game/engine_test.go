package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robalobadob/race24/apps/go-server/internal/puzzle"
)

// seqPuzzles deals {n, n, n, n} with n counting up, so tests can tell puzzles apart.
type seqPuzzles struct{ n int }

func (s *seqPuzzles) Generate(min, max int) puzzle.Puzzle {
	s.n++
	return puzzle.Puzzle{s.n, s.n, s.n, s.n}
}

func newTestEngine() *Engine {
	e := NewEngine(&seqPuzzles{})
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	e.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return e
}

// apply runs a on r, requires success and re-checks the invariants.
func apply(t *testing.T, e *Engine, r *Room, a Action) *Room {
	t.Helper()
	next, err := e.Apply(r, a)
	require.NoError(t, err)
	require.NoError(t, next.Check(e.BufferMin()))
	if r != nil {
		require.Equal(t, r.Revision+1, next.Revision, "revision must advance by exactly one")
	}
	return next
}

func lobbyWith(t *testing.T, e *Engine, room string, target int, names ...string) *Room {
	t.Helper()
	var r *Room
	for i, n := range names {
		j := Join{RoomID: room, PlayerID: n, PlayerName: n}
		if i == 0 {
			j.TargetScore = target
		}
		r = apply(t, e, r, j)
	}
	return r
}

func startRoom(t *testing.T, e *Engine, room string, target int, names ...string) *Room {
	t.Helper()
	r := lobbyWith(t, e, room, target, names...)
	for _, n := range names {
		r = apply(t, e, r, Ready{RoomID: room, PlayerID: n})
	}
	require.Equal(t, PhaseActive, r.Phase)
	return r
}

func TestApply_JoinCreatesRoom(t *testing.T) {
	e := newTestEngine()
	r := apply(t, e, nil, Join{RoomID: "r1", PlayerID: "alice", PlayerName: " alice "})

	assert.Equal(t, "r1", r.ID)
	assert.Equal(t, "alice", r.CreatorID)
	assert.Equal(t, PhaseLobby, r.Phase)
	assert.Equal(t, DefaultTargetScore, r.TargetScore)
	assert.Equal(t, uint64(1), r.Revision)
	assert.Len(t, r.PuzzleQueue, e.BufferMin())
	assert.Empty(t, r.CurrentPuzzle)
	require.Len(t, r.Players, 1)
	assert.Equal(t, Player{ID: "alice", Name: "alice"}, r.Players[0])
}

func TestApply_NonJoinOnMissingRoom(t *testing.T) {
	e := newTestEngine()
	for _, a := range []Action{
		Ready{RoomID: "r1", PlayerID: "a"},
		Submit{RoomID: "r1", PlayerID: "a", SolutionText: "1*2*3*4"},
		Leave{RoomID: "r1", PlayerID: "a"},
	} {
		_, err := e.Apply(nil, a)
		assert.True(t, IsKind(err, KindNotFound), "%s: %v", a.Kind(), err)
	}
}

func TestApply_JoinIsIdempotent(t *testing.T) {
	e := newTestEngine()
	r := lobbyWith(t, e, "r1", 0, "alice", "bob")
	r = apply(t, e, r, Ready{RoomID: "r1", PlayerID: "alice"})

	again := apply(t, e, r, Join{RoomID: "r1", PlayerID: "alice", PlayerName: "Alicia"})
	assert.Len(t, again.Players, 2)
	p, ok := again.FindPlayer("alice")
	require.True(t, ok)
	assert.Equal(t, "Alicia", p.Name)
	assert.False(t, p.Ready, "rejoin resets ready")
	assert.Equal(t, "alice", again.Players[0].ID, "rejoin keeps join order")
}

func TestApply_ScenarioA_AllReadyStartsRoom(t *testing.T) {
	e := newTestEngine()
	r := lobbyWith(t, e, "r1", 3, "alice", "bob")
	r = apply(t, e, r, Ready{RoomID: "r1", PlayerID: "alice"})
	assert.Equal(t, PhaseLobby, r.Phase)

	r = apply(t, e, r, Ready{RoomID: "r1", PlayerID: "bob"})
	assert.Equal(t, PhaseActive, r.Phase)
	assert.Len(t, r.CurrentPuzzle, 4)
	assert.GreaterOrEqual(t, len(r.PuzzleQueue), e.BufferMin())
	assert.Equal(t, 3, r.TargetScore)
}

func TestApply_SinglePlayerNeverStarts(t *testing.T) {
	e := newTestEngine()
	r := lobbyWith(t, e, "solo", 0, "alice")
	r = apply(t, e, r, Ready{RoomID: "solo", PlayerID: "alice"})
	assert.Equal(t, PhaseLobby, r.Phase)
}

func TestApply_StartFiresOnce(t *testing.T) {
	e := newTestEngine()
	r := startRoom(t, e, "r1", 3, "alice", "bob")
	puzzleBefore := append([]int(nil), r.CurrentPuzzle...)

	r = apply(t, e, r, Ready{RoomID: "r1", PlayerID: "alice"})
	assert.Equal(t, PhaseActive, r.Phase)
	assert.Equal(t, puzzleBefore, r.CurrentPuzzle, "a repeated ready must not deal again")

	r = apply(t, e, r, Join{RoomID: "r1", PlayerID: "bob", PlayerName: "bob"})
	assert.Equal(t, PhaseActive, r.Phase, "rejoin must not flap back to lobby")
}

func TestApply_ScenarioB_SubmitToWin(t *testing.T) {
	e := newTestEngine()
	r := startRoom(t, e, "r1", 2, "alice", "bob")

	first := append([]int(nil), r.CurrentPuzzle...)
	r = apply(t, e, r, Submit{RoomID: "r1", PlayerID: "alice", SolutionText: "a"})
	assert.NotEqual(t, first, r.CurrentPuzzle, "a non-winning submit deals the next puzzle")
	r = apply(t, e, r, Submit{RoomID: "r1", PlayerID: "bob", SolutionText: "b"})
	r = apply(t, e, r, Submit{RoomID: "r1", PlayerID: "alice", SolutionText: "c"})

	alice, _ := r.FindPlayer("alice")
	bob, _ := r.FindPlayer("bob")
	assert.Equal(t, 2, alice.Score)
	assert.Equal(t, 1, bob.Score)
	assert.Equal(t, PhaseComplete, r.Phase)
	assert.Equal(t, "alice", r.WinnerID)
	require.NotNil(t, r.LastSolution)
	assert.Equal(t, "c", r.LastSolution.Text)
	assert.Equal(t, "alice", r.LastSolution.PlayerName)
}

func TestApply_CompleteIsFrozen(t *testing.T) {
	e := newTestEngine()
	r := startRoom(t, e, "r1", 1, "alice", "bob")
	r = apply(t, e, r, Submit{RoomID: "r1", PlayerID: "bob", SolutionText: "x"})
	require.Equal(t, PhaseComplete, r.Phase)

	_, err := e.Apply(r, Submit{RoomID: "r1", PlayerID: "alice", SolutionText: "y"})
	assert.True(t, IsKind(err, KindState))

	r2 := apply(t, e, r, Ready{RoomID: "r1", PlayerID: "alice"})
	assert.Equal(t, PhaseComplete, r2.Phase)
	assert.Equal(t, "bob", r2.WinnerID)
	for i := range r.Players {
		assert.Equal(t, r.Players[i].Score, r2.Players[i].Score)
	}
}

func TestApply_ScenarioC_DuplicateNameInLobby(t *testing.T) {
	e := newTestEngine()
	r := apply(t, e, nil, Join{RoomID: "r2", PlayerID: "p1", PlayerName: "x"})

	_, err := e.Apply(r, Join{RoomID: "r2", PlayerID: "p2", PlayerName: "x"})
	assert.True(t, IsKind(err, KindConflict), "got %v", err)

	_, err = e.Apply(r, Join{RoomID: "r2", PlayerID: "p2", PlayerName: " X "})
	assert.True(t, IsKind(err, KindConflict), "names compare case-insensitively")
}

func TestApply_NameNormalization(t *testing.T) {
	e := newTestEngine()
	// "é" precomposed vs "e" + combining acute.
	r := apply(t, e, nil, Join{RoomID: "r", PlayerID: "p1", PlayerName: "Jos\u00e9"})
	_, err := e.Apply(r, Join{RoomID: "r", PlayerID: "p2", PlayerName: "Jose\u0301"})
	assert.True(t, IsKind(err, KindConflict))
}

func TestApply_ScenarioD_SubmitInLobby(t *testing.T) {
	e := newTestEngine()
	r := lobbyWith(t, e, "r1", 0, "alice", "bob")
	before := r.Clone()

	next, err := e.Apply(r, Submit{RoomID: "r1", PlayerID: "alice", SolutionText: "1+2+3+4"})
	assert.Nil(t, next)
	assert.True(t, IsKind(err, KindState))
	assert.Equal(t, before, r, "rejected action must not mutate the room")
	assert.Equal(t, before.Revision, r.Revision)
}

func TestApply_JoinActiveRoomConflicts(t *testing.T) {
	e := newTestEngine()
	r := startRoom(t, e, "r1", 3, "alice", "bob")
	_, err := e.Apply(r, Join{RoomID: "r1", PlayerID: "carol", PlayerName: "carol"})
	assert.True(t, IsKind(err, KindConflict))
}

func TestApply_LeaveReassignsCreator(t *testing.T) {
	e := newTestEngine()
	r := lobbyWith(t, e, "r1", 0, "alice", "bob", "carol")
	r = apply(t, e, r, Leave{RoomID: "r1", PlayerID: "alice"})
	assert.Equal(t, "bob", r.CreatorID)
	assert.Equal(t, PhaseLobby, r.Phase)

	r = apply(t, e, r, Leave{RoomID: "r1", PlayerID: "carol"})
	assert.Equal(t, "bob", r.CreatorID)

	r = apply(t, e, r, Leave{RoomID: "r1", PlayerID: "bob"})
	assert.True(t, r.Empty())

	_, err := e.Apply(r, Leave{RoomID: "r1", PlayerID: "bob"})
	assert.True(t, IsKind(err, KindNotFound))
}

func TestApply_LeaveCanCompleteLobbyStart(t *testing.T) {
	e := newTestEngine()
	r := lobbyWith(t, e, "r1", 0, "alice", "bob", "carol")
	r = apply(t, e, r, Ready{RoomID: "r1", PlayerID: "alice"})
	r = apply(t, e, r, Ready{RoomID: "r1", PlayerID: "bob"})
	r = apply(t, e, r, Leave{RoomID: "r1", PlayerID: "carol"})
	// Start is only evaluated on ready.
	assert.Equal(t, PhaseLobby, r.Phase)
	r = apply(t, e, r, Ready{RoomID: "r1", PlayerID: "bob"})
	assert.Equal(t, PhaseActive, r.Phase)
}

func TestApply_SubmitPropertiesHoldOverLongGame(t *testing.T) {
	e := newTestEngine()
	r := startRoom(t, e, "r1", 50, "alice", "bob", "carol")
	ids := []string{"alice", "bob", "carol", "bob", "bob", "alice"}

	for i := 0; i < 60 && r.Phase == PhaseActive; i++ {
		id := ids[i%len(ids)]
		prev := r
		r = apply(t, e, prev, Submit{RoomID: "r1", PlayerID: id, SolutionText: "s"})

		for j := range r.Players {
			delta := r.Players[j].Score - prev.Players[j].Score
			if r.Players[j].ID == id {
				assert.Equal(t, 1, delta)
			} else {
				assert.Equal(t, 0, delta)
			}
		}
		assert.GreaterOrEqual(t, len(r.PuzzleQueue), e.BufferMin())
	}
}

func TestApply_ValidationRejectsBadActions(t *testing.T) {
	e := newTestEngine()
	r := lobbyWith(t, e, "r1", 0, "alice")
	long := make([]byte, MaxSolutionLen+1)
	for i := range long {
		long[i] = 'x'
	}

	for _, a := range []Action{
		Join{RoomID: "", PlayerID: "p", PlayerName: "n"},
		Join{RoomID: "r1", PlayerID: "", PlayerName: "n"},
		Join{RoomID: "r1", PlayerID: "p", PlayerName: "   "},
		Join{RoomID: "r1", PlayerID: "p", PlayerName: "n", TargetScore: -1},
		Join{RoomID: "r1", PlayerID: "p", PlayerName: "n", TargetScore: MaxTargetScore + 1},
		Join{RoomID: "r1", PlayerID: "has space", PlayerName: "n"},
		Join{RoomID: "r1", PlayerID: "p", PlayerName: "abcdefghijklmnopqrstuvwxyz"},
		Submit{RoomID: "r1", PlayerID: "alice"},
		Submit{RoomID: "r1", PlayerID: "alice", SolutionText: string(long)},
		Ready{RoomID: "other", PlayerID: "alice"},
	} {
		next, err := e.Apply(r, a)
		assert.Nil(t, next)
		assert.True(t, IsKind(err, KindValidation), "%#v: %v", a, err)
	}
}

func TestApply_ElapsedTimeRecorded(t *testing.T) {
	e := newTestEngine()
	r := startRoom(t, e, "r1", 3, "alice", "bob")
	dealt := r.PuzzleDealtAt
	r = apply(t, e, r, Submit{RoomID: "r1", PlayerID: "bob", SolutionText: "x"})
	require.NotNil(t, r.LastSolution)
	assert.Positive(t, r.LastSolution.ElapsedMs)
	assert.True(t, r.PuzzleDealtAt.After(dealt))
}

func TestSnapshot_RoundTripAndPublic(t *testing.T) {
	e := newTestEngine()
	r := startRoom(t, e, "r1", 3, "alice", "bob")
	r = apply(t, e, r, Submit{RoomID: "r1", PlayerID: "bob", SolutionText: "x"})

	s := r.Snapshot()
	assert.Equal(t, len(r.PuzzleQueue), s.QueueLength)
	assert.Equal(t, r, RoomFromSnapshot(s))

	pub := s.Public()
	assert.Nil(t, pub.PuzzleQueue)
	assert.Equal(t, s.QueueLength, pub.QueueLength)
	assert.NotNil(t, s.PuzzleQueue, "Public must not modify the original")
}

func TestCheck_DetectsViolations(t *testing.T) {
	r := &Room{ID: "r", TargetScore: 1, Phase: PhaseActive}
	assert.Error(t, r.Check(1))

	r = &Room{ID: "r", TargetScore: 1, Phase: PhaseLobby, Players: []Player{{ID: "a"}, {ID: "a"}}}
	assert.Error(t, r.Check(1))

	r = &Room{ID: "r", TargetScore: 3, Phase: PhaseComplete, WinnerID: "a", Players: []Player{{ID: "a", Score: 1}}}
	assert.Error(t, r.Check(1))
}

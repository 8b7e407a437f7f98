// apps/go-server/internal/puzzle/puzzle.go
//
// Puzzle provider for the race24 rooms.
//
// Responsibilities:
//   - Generate random four-number puzzles that admit at least one solution.
//   - Solve a puzzle: list every distinct expression over {+,-,*,/} that uses
//     each number exactly once and evaluates to 24.
//
// Generation behavior (Generate):
//   1. Draw four numbers uniformly from [min, max].
//   2. Keep them if Solve finds a solution.
//   3. After MaxAttempts misses, return Fallback (always solvable).
//
// The generator is safe for concurrent use; rooms call it from their own actors.

package puzzle

import (
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
)

const (
	// Target is the value every puzzle must reach.
	Target = 24
	// Epsilon is the floating tolerance used when comparing against Target.
	Epsilon = 1e-10
	// MaxAttempts bounds the generate-and-check loop.
	MaxAttempts = 100

	DefaultMin = 1
	DefaultMax = 13
)

// Puzzle is four numbers dealt to the players.
type Puzzle [4]int

// Fallback is returned when generation exhausts its attempt budget.
var Fallback = Puzzle{1, 2, 3, 4}

// Generator produces solvable puzzles from a seeded random source.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewGenerator returns a generator using src, or a randomly seeded PCG source
// when src is nil.
func NewGenerator(src rand.Source) *Generator {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Generator{rnd: rand.New(src)}
}

// Generate returns a solvable puzzle with values in [min, max].
// Out-of-range bounds are replaced by DefaultMin/DefaultMax.
func (g *Generator) Generate(min, max int) Puzzle {
	if min < 1 {
		min = DefaultMin
	}
	if max < min {
		max = DefaultMax
		if max < min {
			max = min
		}
	}

	for i := 0; i < MaxAttempts; i++ {
		var p Puzzle
		g.mu.Lock()
		for j := range p {
			p[j] = min + g.rnd.IntN(max-min+1)
		}
		g.mu.Unlock()
		if Solvable(p[:]) {
			return p
		}
	}
	return Fallback
}

// Solvable reports whether numbers can reach Target.
func Solvable(numbers []int) bool {
	found := false
	search(leaves(numbers), func(string) bool {
		found = true
		return false
	})
	return found
}

// Solve returns every distinct expression over numbers that evaluates to
// Target, sorted for stable output. An empty result means no solution.
func Solve(numbers []int) []string {
	seen := map[string]struct{}{}
	search(leaves(numbers), func(expr string) bool {
		seen[expr] = struct{}{}
		return true
	})
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// term is a partial expression and its value.
type term struct {
	val  float64
	expr string
}

func leaves(numbers []int) []term {
	ts := make([]term, len(numbers))
	for i, n := range numbers {
		ts[i] = term{val: float64(n), expr: strconv.Itoa(n)}
	}
	return ts
}

// search combines pairs of terms until one remains. emit returns false to stop.
func search(ts []term, emit func(string) bool) bool {
	if len(ts) == 0 {
		return true
	}
	if len(ts) == 1 {
		if math.Abs(ts[0].val-Target) < Epsilon {
			return emit(trimParens(ts[0].expr))
		}
		return true
	}

	for i := 0; i < len(ts); i++ {
		for j := i + 1; j < len(ts); j++ {
			rest := make([]term, 0, len(ts)-1)
			for k := range ts {
				if k != i && k != j {
					rest = append(rest, ts[k])
				}
			}
			for _, c := range combine(ts[i], ts[j]) {
				if !search(append(rest, c), emit) {
					return false
				}
			}
		}
	}
	return true
}

// combine returns every result of applying an operator to a and b.
func combine(a, b term) []term {
	out := []term{
		{a.val + b.val, "(" + a.expr + "+" + b.expr + ")"},
		{a.val * b.val, "(" + a.expr + "*" + b.expr + ")"},
		{a.val - b.val, "(" + a.expr + "-" + b.expr + ")"},
		{b.val - a.val, "(" + b.expr + "-" + a.expr + ")"},
	}
	if math.Abs(b.val) > Epsilon {
		out = append(out, term{a.val / b.val, "(" + a.expr + "/" + b.expr + ")"})
	}
	if math.Abs(a.val) > Epsilon {
		out = append(out, term{b.val / a.val, "(" + b.expr + "/" + a.expr + ")"})
	}
	return out
}

// trimParens drops one pair of enclosing parentheses when they wrap the
// whole expression.
func trimParens(s string) string {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return s
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return s
			}
		}
	}
	return s[1 : len(s)-1]
}

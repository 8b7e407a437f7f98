// apps/go-server/play.go
//
// "race24 play": a terminal client for one room.
// Responsibilities:
//   - Joining, then reading commands from stdin (ready, submit, hint, leave).
//   - Rendering every view change from the client synchronizer.
//
// Notes:
//   - While the server is unreachable the synchronizer falls back to a local
//     simulation; the status column shows which mode is on screen.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/robalobadob/race24/apps/go-server/internal/client"
	"github.com/robalobadob/race24/apps/go-server/internal/game"
	"github.com/robalobadob/race24/apps/go-server/internal/puzzle"
)

type playOptions struct {
	Server   string
	Room     string
	Name     string
	PlayerID string
	Target   int
	Push     bool
	Verbose  bool
}

func newPlayCommand() *cobra.Command {
	opts := &playOptions{}

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join a room and play from the terminal",
		Long: `Join a room and play from the terminal.

Commands (one per line):
  ready            mark yourself ready
  submit <expr>    claim the current puzzle, e.g. "submit (8-4)*6"
  hint             print a solution for the current puzzle
  show             redraw the room
  leave | quit     leave the room and exit

Example:
  race24 play --room friday --name Alice
  race24 play --server http://localhost:5175 --room friday --name Bob --push`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Verbose {
				zerolog.SetGlobalLevel(zerolog.WarnLevel)
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
			return play(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", envOr("RACE24_SERVER", "http://localhost:5175"), "server base URL")
	cmd.Flags().StringVar(&opts.Room, "room", "", "room id (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&opts.PlayerID, "id", "", "player id (default: random)")
	cmd.Flags().IntVar(&opts.Target, "target", 0, "target score when creating the room")
	cmd.Flags().BoolVar(&opts.Push, "push", false, "receive updates over a websocket")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log synchronizer activity")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func play(ctx context.Context, opts *playOptions, in io.Reader, out io.Writer) error {
	if opts.PlayerID == "" {
		opts.PlayerID = client.NewPlayerID()
	}
	h := client.NewHTTP(opts.Server, &http.Client{})
	var t client.Transport = h
	if opts.Push {
		t = client.NewPush(h)
	}

	scr := &screen{out: out, me: opts.PlayerID}
	s := client.New(t, opts.Room, client.Options{OnChange: scr.render})

	join := game.Join{RoomID: opts.Room, PlayerID: opts.PlayerID, PlayerName: opts.Name, TargetScore: opts.Target}
	if _, err := s.Do(ctx, join); err != nil {
		return fmt.Errorf("join %s: %w", opts.Room, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = s.Run(runCtx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return leaveRoom(s, opts)
		case line, ok = <-lines:
		}
		if !ok {
			return leaveRoom(s, opts)
		}

		c, err := parseCommand(line)
		if err != nil {
			scr.printf("? %v\n", err)
			continue
		}
		switch c.verb {
		case "":
		case "show":
			scr.render(s.View())
		case "hint":
			scr.printf("%s\n", hint(s.View().Snapshot))
		case "leave", "quit":
			return leaveRoom(s, opts)
		default:
			if _, err := s.Do(ctx, c.action(opts.Room, opts.PlayerID)); err != nil {
				scr.printf("! %v\n", err)
			}
		}
	}
}

func leaveRoom(s *client.Synchronizer, opts *playOptions) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := s.Do(ctx, game.Leave{RoomID: opts.Room, PlayerID: opts.PlayerID})
	if game.IsKind(err, game.KindNotFound) {
		return nil
	}
	return err
}

// ------------------------------- commands ----------------------------------

type command struct {
	verb string
	arg  string
}

func (c command) action(roomID, playerID string) game.Action {
	switch c.verb {
	case "ready":
		return game.Ready{RoomID: roomID, PlayerID: playerID}
	case "submit":
		return game.Submit{RoomID: roomID, PlayerID: playerID, SolutionText: c.arg}
	}
	return nil
}

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, nil
	}
	verb, arg, _ := strings.Cut(line, " ")
	verb = strings.ToLower(verb)
	arg = strings.TrimSpace(arg)
	switch verb {
	case "ready", "show", "hint", "leave", "quit":
		return command{verb: verb}, nil
	case "submit", "s":
		if arg == "" {
			return command{}, fmt.Errorf("submit needs an expression")
		}
		return command{verb: "submit", arg: arg}, nil
	}
	return command{}, fmt.Errorf("unknown command %q", verb)
}

func hint(snap game.Snapshot) string {
	if snap.Phase != game.PhaseActive || len(snap.CurrentPuzzle) == 0 {
		return "no puzzle in play"
	}
	if sols := puzzle.Solve(snap.CurrentPuzzle); len(sols) > 0 {
		return sols[0]
	}
	return "no solution"
}

// -------------------------------- render -----------------------------------

type screen struct {
	mu  sync.Mutex
	out io.Writer
	me  string
}

func (s *screen) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *screen) render(v client.View) {
	if !v.Have {
		return
	}
	s.printf("%s\n", formatView(v, s.me))
}

func formatView(v client.View, me string) string {
	snap := v.Snapshot
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s r%d %s", v.Mode, snap.RoomID, snap.Revision, snap.Phase)
	if v.Local {
		b.WriteString(" (offline)")
	}
	if snap.Phase == game.PhaseActive {
		fmt.Fprintf(&b, " | %s", strings.Trim(fmt.Sprint(snap.CurrentPuzzle), "[]"))
	}
	b.WriteString(" |")
	for _, p := range snap.Players {
		mark := ""
		if p.ID == me {
			mark = "*"
		}
		if snap.Phase == game.PhaseLobby && p.Ready {
			mark += "+"
		}
		fmt.Fprintf(&b, " %s%s %d", p.Name, mark, p.Score)
	}
	fmt.Fprintf(&b, " (to %d)", snap.TargetScore)
	if snap.WinnerID != "" {
		if w, ok := snap.FindPlayer(snap.WinnerID); ok {
			fmt.Fprintf(&b, " | winner: %s", w.Name)
		}
	}
	return b.String()
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// apps/go-server/internal/client/synchronizer.go
//
// Client-side view of one room over an unreliable transport.
// Responsibilities:
//   - Polling (and optionally consuming pushes) and keeping the newest
//     authoritative snapshot.
//   - Retrying with per-request timeouts; counting transport failures.
//   - Walking Connected → Degraded → LocalFallback and back.
//   - Simulating the room locally with the server's own rules engine while
//     offline, and discarding that simulation on reconnect.
//
// Degraded and LocalFallback both apply actions that could not reach the
// server to the local simulation. They differ in how hard they try: Degraded
// still sends every action first, LocalFallback skips the server while the
// backoff window is open.
//
// Notes:
//   - Domain errors (validation, not found, conflict, state) are answers, not
//     outages: they reset the failure count and are returned as-is.
//   - Actions taken offline are not replayed on reconnect. They are counted
//     and logged, then dropped with the rest of the local state.
//   - Submit is not idempotent, so it is only retried when the request
//     provably never left the client (dial failures, 429).

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/robalobadob/race24/apps/go-server/internal/game"
	"github.com/robalobadob/race24/apps/go-server/internal/puzzle"
)

// Mode is the synchronizer's connectivity state.
type Mode int

const (
	Connected Mode = iota
	Degraded
	LocalFallback
)

func (m Mode) String() string {
	switch m {
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case LocalFallback:
		return "local"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ErrUnavailable is returned for actions that could not reach the server
// while still Connected, i.e. before DegradedAfter failures.
var ErrUnavailable = errors.New("server unavailable")

// Transport talks to the server. Errors that are not domain errors (see
// game.KindOf) or final StatusErrors are treated as transient.
type Transport interface {
	Fetch(ctx context.Context, roomID string) (game.Snapshot, error)
	Send(ctx context.Context, act game.Action) (game.Snapshot, error)
}

// Pusher is implemented by transports that can stream snapshots. Stream
// blocks until ctx ends or the stream breaks.
type Pusher interface {
	Stream(ctx context.Context, roomID string, deliver func(game.Snapshot)) error
}

// Options tune the synchronizer. Zero fields take the defaults below.
type Options struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
	Retries        int // extra attempts per request; negative means none
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	DegradedAfter  int
	FallbackAfter  int

	// Engine runs the local simulation. Default: game.NewEngine with a
	// randomly seeded puzzle generator.
	Engine *game.Engine
	// OnChange is called after every change of View, outside internal locks.
	OnChange func(View)
	Now      func() time.Time
}

const (
	DefaultPollInterval   = time.Second
	DefaultRequestTimeout = 3 * time.Second
	DefaultRetries        = 2
	DefaultBackoffBase    = 500 * time.Millisecond
	DefaultBackoffMax     = 15 * time.Second
	DefaultDegradedAfter  = 1
	DefaultFallbackAfter  = 5
)

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	} else if o.Retries == 0 {
		o.Retries = DefaultRetries
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = DefaultDegradedAfter
	}
	if o.FallbackAfter < o.DegradedAfter {
		o.FallbackAfter = DefaultFallbackAfter
		if o.FallbackAfter < o.DegradedAfter {
			o.FallbackAfter = o.DegradedAfter
		}
	}
	if o.Engine == nil {
		o.Engine = game.NewEngine(puzzle.NewGenerator(nil))
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// View is what a UI renders.
type View struct {
	Snapshot game.Snapshot
	Mode     Mode
	// Local is true when Snapshot comes from the offline simulation.
	Local bool
	// Have is false until the first snapshot arrives.
	Have bool
}

// Stats are counters for diagnostics.
type Stats struct {
	Failures         int
	OfflineActions   int
	DiscardedActions int
}

// Synchronizer keeps one client's view of one room.
type Synchronizer struct {
	t      Transport
	roomID string
	opts   Options

	mu          sync.Mutex
	mode        Mode
	failures    int
	nextAttempt time.Time
	auth        game.Snapshot
	haveAuth    bool
	local       *game.Room
	offline     int
	discarded   int
}

// New builds a synchronizer for roomID.
func New(t Transport, roomID string, opts Options) *Synchronizer {
	opts.setDefaults()
	return &Synchronizer{t: t, roomID: roomID, opts: opts}
}

// View returns the current view.
func (s *Synchronizer) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Synchronizer) viewLocked() View {
	if s.mode != Connected && s.local != nil {
		return View{Snapshot: s.local.Snapshot().Public(), Mode: s.mode, Local: true, Have: true}
	}
	return View{Snapshot: s.auth, Mode: s.mode, Have: s.haveAuth}
}

// Mode returns the current mode.
func (s *Synchronizer) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Stats returns the failure and offline counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Failures: s.failures, OfflineActions: s.offline, DiscardedActions: s.discarded}
}

// Poll fetches the room once, unless a backoff window is open.
func (s *Synchronizer) Poll(ctx context.Context) error {
	if s.backingOff() {
		return nil
	}
	snap, err := s.attempt(ctx, func(ctx context.Context) (game.Snapshot, error) {
		return s.t.Fetch(ctx, s.roomID)
	}, nil)
	if err != nil {
		return err
	}
	s.Offer(snap)
	return nil
}

// Do sends act. It returns the snapshot the caller should show: the server's
// on success, the local simulation's when the server could not be reached in
// Degraded or LocalFallback.
func (s *Synchronizer) Do(ctx context.Context, act game.Action) (game.Snapshot, error) {
	if err := act.Validate(); err != nil {
		return game.Snapshot{}, err
	}
	if s.Mode() == LocalFallback && s.backingOff() {
		return s.applyLocal(act)
	}

	var retry func(error) bool
	if act.Kind() == game.ActionSubmit {
		retry = undelivered
	}
	snap, err := s.attempt(ctx, func(ctx context.Context) (game.Snapshot, error) {
		return s.t.Send(ctx, act)
	}, retry)
	if err == nil {
		s.Offer(snap)
		return snap, nil
	}
	if !errors.Is(err, ErrUnavailable) {
		return game.Snapshot{}, err
	}
	if s.Mode() != Connected {
		return s.applyLocal(act)
	}
	return game.Snapshot{}, err
}

// undelivered reports whether err proves the request never reached the
// server, so resending it cannot apply it twice.
func undelivered(err error) bool {
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusTooManyRequests
}

// Offer reconciles a snapshot from any source (response, poll, push).
// It reports whether the snapshot was newer and applied.
func (s *Synchronizer) Offer(snap game.Snapshot) bool {
	s.mu.Lock()
	if snap.RoomID != s.roomID || !s.newerLocked(snap) {
		s.mu.Unlock()
		return false
	}
	s.auth = snap.Public()
	s.haveAuth = true
	v := s.viewLocked()
	s.mu.Unlock()
	s.notify(v)
	return true
}

func (s *Synchronizer) newerLocked(snap game.Snapshot) bool {
	if !s.haveAuth {
		return true
	}
	if snap.CreatedAt.After(s.auth.CreatedAt) {
		return true
	}
	return snap.CreatedAt.Equal(s.auth.CreatedAt) && snap.Revision > s.auth.Revision
}

// Run polls until ctx ends. When the transport can push, a stream feeds the
// same reconciliation and polling continues as a liveness check.
func (s *Synchronizer) Run(ctx context.Context) error {
	if p, ok := s.t.(Pusher); ok {
		go s.stream(ctx, p)
	}
	for {
		if err := s.Poll(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrUnavailable) {
			log.Debug().Err(err).Str("room", s.roomID).Msg("poll")
		}
		t := time.NewTimer(s.nextWait())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Synchronizer) stream(ctx context.Context, p Pusher) {
	fails := 0
	for ctx.Err() == nil {
		err := p.Stream(ctx, s.roomID, func(snap game.Snapshot) {
			fails = 0
			s.contact()
			s.Offer(snap)
		})
		if ctx.Err() != nil {
			return
		}
		fails++
		wait := backoff(s.opts.BackoffBase, s.opts.BackoffMax, fails)
		log.Debug().Err(err).Str("room", s.roomID).Dur("retry_in", wait).Msg("push stream ended")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// attempt runs call with retries. Transport failures come back as
// ErrUnavailable after being counted once. A non-nil retry vetoes resending
// after a given transient error.
func (s *Synchronizer) attempt(ctx context.Context, call func(context.Context) (game.Snapshot, error), retry func(error) bool) (game.Snapshot, error) {
	var last error
	for i := 0; i <= s.opts.Retries; i++ {
		rctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		snap, err := call(rctx)
		cancel()
		if err == nil {
			s.contact()
			return snap, nil
		}
		if ctx.Err() != nil {
			return game.Snapshot{}, ctx.Err()
		}
		if !Transient(err) {
			s.contact()
			return game.Snapshot{}, err
		}
		last = err
		if retry != nil && !retry(err) {
			break
		}
	}
	s.failure(last)
	return game.Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, last)
}

func (s *Synchronizer) backingOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode != Connected && s.opts.Now().Before(s.nextAttempt)
}

func (s *Synchronizer) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == Connected {
		return s.opts.PollInterval
	}
	d := s.nextAttempt.Sub(s.opts.Now())
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// contact records a successful round trip.
func (s *Synchronizer) contact() {
	s.mu.Lock()
	if s.mode == Connected && s.failures == 0 {
		s.mu.Unlock()
		return
	}
	prev := s.mode
	s.failures = 0
	s.mode = Connected
	s.nextAttempt = time.Time{}
	dropped := s.offline
	if s.local != nil || dropped > 0 {
		s.discarded += dropped
		s.local = nil
		s.offline = 0
	}
	v := s.viewLocked()
	s.mu.Unlock()

	if prev != Connected {
		ev := log.Info().Str("room", s.roomID).Str("from", prev.String())
		if dropped > 0 {
			ev = log.Warn().Str("room", s.roomID).Str("from", prev.String()).Int("discarded_actions", dropped)
		}
		ev.Msg("reconnected")
		s.notify(v)
	}
}

// failure records one failed attempt (after retries) and moves the mode.
func (s *Synchronizer) failure(err error) {
	s.mu.Lock()
	prev := s.mode
	s.failures++
	switch {
	case s.failures >= s.opts.FallbackAfter:
		s.mode = LocalFallback
	case s.failures >= s.opts.DegradedAfter:
		s.mode = Degraded
	}
	wait := backoff(s.opts.BackoffBase, s.opts.BackoffMax, s.failures)
	s.nextAttempt = s.opts.Now().Add(wait)
	failures := s.failures
	v := s.viewLocked()
	s.mu.Unlock()

	log.Debug().Err(err).Str("room", s.roomID).Int("failures", failures).Dur("backoff", wait).Msg("request failed")
	if v.Mode != prev {
		log.Warn().Str("room", s.roomID).Str("from", prev.String()).Str("to", v.Mode.String()).Msg("mode change")
		s.notify(v)
	}
}

// seedLocked builds the local room from the last authoritative snapshot, the
// first time an action has to be simulated.
func (s *Synchronizer) seedLocked() {
	if s.local == nil && s.offline == 0 && s.haveAuth && len(s.auth.Players) > 0 {
		s.local = s.opts.Engine.Restore(s.auth)
	}
}

func (s *Synchronizer) applyLocal(act game.Action) (game.Snapshot, error) {
	s.mu.Lock()
	s.seedLocked()
	next, err := s.opts.Engine.Apply(s.local, act)
	if err != nil {
		s.mu.Unlock()
		return game.Snapshot{}, err
	}
	if next.Empty() {
		s.local = nil
	} else {
		s.local = next
	}
	s.offline++
	snap := next.Snapshot().Public()
	v := s.viewLocked()
	s.mu.Unlock()

	log.Debug().Str("room", s.roomID).Str("action", string(act.Kind())).Uint64("revision", snap.Revision).Msg("applied offline")
	s.notify(v)
	return snap, nil
}

func (s *Synchronizer) notify(v View) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(v)
	}
}

// backoff is base·2^(n-1), capped at max.
func backoff(base, max time.Duration, n int) time.Duration {
	if n < 1 {
		return base
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

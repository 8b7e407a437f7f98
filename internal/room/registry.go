// apps/go-server/internal/room/registry.go
//
// Registry: routes actions to per-room actors.
// Responsibilities:
//   - Lazily spawning one actor per live room id.
//   - Re-routing requests that raced with an actor's retirement.
//   - Serving poll reads from the publisher (or the store for cold rooms).
//   - Tracking persistence health for /health.
//
// Notes:
//   - The registry lock guards only the id -> actor index. It is never held
//     while an actor runs a turn, so rooms never block each other.

package room

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/robalobadob/race24/apps/go-server/internal/game"
	"github.com/robalobadob/race24/apps/go-server/internal/store"
)

// DefaultStoreTimeout bounds each persistence call made by an actor.
const DefaultStoreTimeout = 2 * time.Second

// maxRoutes bounds re-routing after an actor retires under a request.
const maxRoutes = 4

// ErrClosed is returned after Close.
var ErrClosed = errors.New("room registry closed")

// Config wires a Registry.
type Config struct {
	Engine *game.Engine
	// Store is optional; nil runs purely in memory.
	Store            store.Store
	StoreTimeout     time.Duration
	SubscriberBuffer int
}

// Stats is a point-in-time view used by /health and /debug/rooms.
type Stats struct {
	Rooms         int       `json:"rooms"`
	StoreHealthy  bool      `json:"storeHealthy"`
	StoreFailures int64     `json:"storeFailures"`
	LastStoreErr  string    `json:"lastStoreError,omitempty"`
	LastFailureAt time.Time `json:"lastFailureAt"`
}

// Registry owns the set of live room actors.
type Registry struct {
	engine       *game.Engine
	store        store.Store
	storeTimeout time.Duration
	subBuffer    int

	mu     sync.RWMutex
	actors map[string]*Actor
	graves map[string]struct{} // destroyed rooms whose store row survived
	closed bool
	wg     sync.WaitGroup

	storeFailures atomic.Int64
	storeDown     atomic.Bool
	lastErrMu     sync.Mutex
	lastErr       string
	lastErrAt     time.Time
}

// New builds a registry. A nil Engine gets game.NewEngine(nil).
func New(cfg Config) *Registry {
	if cfg.Engine == nil {
		cfg.Engine = game.NewEngine(nil)
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return &Registry{
		engine:       cfg.Engine,
		store:        cfg.Store,
		storeTimeout: cfg.StoreTimeout,
		subBuffer:    cfg.SubscriberBuffer,
		actors:       make(map[string]*Actor),
		graves:       make(map[string]struct{}),
	}
}

// Apply validates act and runs it on the room's actor. The returned snapshot
// is the public form of the state right after act committed.
func (r *Registry) Apply(ctx context.Context, act game.Action) (game.Snapshot, error) {
	if act == nil {
		return game.Snapshot{}, game.Errorf(game.KindValidation, "action is required")
	}
	if err := act.Validate(); err != nil {
		return game.Snapshot{}, err
	}
	return r.route(ctx, act.Room(), act)
}

func (r *Registry) route(ctx context.Context, roomID string, act game.Action) (game.Snapshot, error) {
	for i := 0; i < maxRoutes; i++ {
		a, err := r.actorFor(roomID)
		if err != nil {
			return game.Snapshot{}, err
		}
		snap, err := a.do(ctx, act)
		if errors.Is(err, errRetired) {
			continue
		}
		return snap, err
	}
	log.Error().Str("room", roomID).Msg("actor kept retiring under request")
	return game.Snapshot{}, game.Errorf(game.KindNotFound, "room %q not found", roomID)
}

// Snapshot returns the latest public snapshot of roomID. Rooms without a live
// actor are read from the store without spawning one.
func (r *Registry) Snapshot(ctx context.Context, roomID string) (game.Snapshot, error) {
	r.mu.RLock()
	a := r.actors[roomID]
	r.mu.RUnlock()
	if a != nil {
		if s, ok := a.pub.Latest(); ok && len(s.Players) > 0 {
			return s, nil
		}
	}
	if r.store != nil && !r.buried(roomID) {
		sctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		defer cancel()
		s, ok, err := r.store.LoadSnapshot(sctx, roomID)
		if err != nil {
			e := game.Unavailable("load snapshot", err)
			r.storeFailed(e)
			return game.Snapshot{}, e
		}
		r.storeOK()
		if ok && len(s.Players) > 0 {
			return s.Public(), nil
		}
	}
	return game.Snapshot{}, game.Errorf(game.KindNotFound, "room %q not found", roomID)
}

// Subscribe attaches to roomID's snapshot stream, rehydrating the room if it
// is only in the store. The current snapshot arrives first.
func (r *Registry) Subscribe(ctx context.Context, roomID string) (*Subscription, error) {
	if err := (game.Ready{RoomID: roomID, PlayerID: "-"}).Validate(); err != nil {
		return nil, err
	}
	for i := 0; i < maxRoutes; i++ {
		a, err := r.actorFor(roomID)
		if err != nil {
			return nil, err
		}
		if _, err := a.do(ctx, nil); err != nil {
			if errors.Is(err, errRetired) {
				continue
			}
			return nil, err
		}
		if sub, ok := a.pub.Subscribe(r.subBuffer); ok {
			return sub, nil
		}
	}
	return nil, game.Errorf(game.KindNotFound, "room %q not found", roomID)
}

// Len returns the number of live actors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

// Rooms returns the latest snapshot of every live room.
func (r *Registry) Rooms() []game.Snapshot {
	r.mu.RLock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.RUnlock()

	out := make([]game.Snapshot, 0, len(actors))
	for _, a := range actors {
		if s, ok := a.pub.Latest(); ok {
			out = append(out, s)
		}
	}
	return out
}

// Stats reports registry and persistence health.
func (r *Registry) Stats() Stats {
	st := Stats{
		Rooms:         r.Len(),
		StoreHealthy:  !r.storeDown.Load(),
		StoreFailures: r.storeFailures.Load(),
	}
	r.lastErrMu.Lock()
	st.LastStoreErr = r.lastErr
	st.LastFailureAt = r.lastErrAt
	r.lastErrMu.Unlock()
	return st
}

// Close retires every actor and waits for them to exit. Subscribers see their
// channels closed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	for _, a := range actors {
		close(a.stop)
	}
	r.wg.Wait()
}

func (r *Registry) actorFor(roomID string) (*Actor, error) {
	r.mu.RLock()
	a, ok := r.actors[roomID]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return a, nil
	}
	if closed {
		return nil, ErrClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if a, ok := r.actors[roomID]; ok {
		return a, nil
	}
	a = newActor(roomID, r)
	r.actors[roomID] = a
	r.wg.Add(1)
	go a.run()
	return a, nil
}

// remove drops a from the index if it is still the current actor for its id.
func (r *Registry) remove(a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actors[a.id] == a {
		delete(r.actors, a.id)
	}
}

func (r *Registry) bury(roomID string) {
	r.mu.Lock()
	r.graves[roomID] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) unbury(roomID string) {
	r.mu.Lock()
	delete(r.graves, roomID)
	r.mu.Unlock()
}

func (r *Registry) buried(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.graves[roomID]
	return ok
}

func (r *Registry) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.storeTimeout)
}

func (r *Registry) storeFailed(err error) {
	r.storeFailures.Add(1)
	r.storeDown.Store(true)
	r.lastErrMu.Lock()
	r.lastErr = err.Error()
	r.lastErrAt = time.Now().UTC()
	r.lastErrMu.Unlock()
}

func (r *Registry) storeOK() {
	if r.storeDown.Swap(false) {
		log.Info().Msg("store recovered")
	}
}

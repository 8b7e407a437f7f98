// apps/go-server/internal/room/actor.go
//
// Room actor: the single writer of one room.
//
// Every action for a room id goes through the actor's unbuffered inbox and is
// handled on the actor's goroutine, one at a time, in receipt order. Within a
// turn the actor loads (first turn only), applies the rules, mirrors the result
// to the store and publishes the snapshot; nothing else for the same room is
// observable until the turn ends.
//
// An actor whose room does not exist or has become empty retires: it leaves
// the registry index, stops receiving and closes its publisher. Requests that
// were racing toward it see errRetired and are re-routed by the registry.
//
// A room whose store row could not be deleted leaves a tombstone in the
// registry. Until a later turn for the same id deletes the row, the stale row
// is never read back.

package room

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/robalobadob/race24/apps/go-server/internal/game"
)

var errRetired = errors.New("room actor retired")

type request struct {
	ctx    context.Context
	action game.Action // nil: load and report current state only
	reply  chan result
}

type result struct {
	snap game.Snapshot
	err  error
}

// Actor owns one room's state. Its fields below the line are touched only by
// the run goroutine.
type Actor struct {
	id    string
	reg   *Registry
	inbox chan request
	stop  chan struct{}
	done  chan struct{}
	pub   *Publisher

	// ---- owned by run ----
	room   *game.Room
	loaded bool
}

func newActor(id string, reg *Registry) *Actor {
	return &Actor{
		id:    id,
		reg:   reg,
		inbox: make(chan request),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		pub:   NewPublisher(),
	}
}

// do hands act to the actor and waits for the outcome. If ctx ends after the
// actor accepted the request, the action may still commit; the next snapshot
// shows it.
func (a *Actor) do(ctx context.Context, act game.Action) (game.Snapshot, error) {
	req := request{ctx: ctx, action: act, reply: make(chan result, 1)}
	select {
	case a.inbox <- req:
	case <-a.done:
		return game.Snapshot{}, errRetired
	case <-ctx.Done():
		return game.Snapshot{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.snap, res.err
	case <-ctx.Done():
		return game.Snapshot{}, ctx.Err()
	}
}

func (a *Actor) run() {
	defer a.reg.wg.Done()
	for {
		select {
		case req := <-a.inbox:
			req.reply <- a.handle(req)
			if a.room == nil {
				a.retire()
				return
			}
		case <-a.stop:
			a.retire()
			return
		}
	}
}

func (a *Actor) retire() {
	a.reg.remove(a)
	close(a.done)
	a.pub.Close()
}

func (a *Actor) handle(req request) result {
	// The caller gave up before the action was looked at: drop it unapplied.
	if err := req.ctx.Err(); err != nil {
		return result{err: err}
	}
	if !a.loaded {
		a.load()
	}

	if req.action == nil {
		if a.room == nil {
			return result{err: game.Errorf(game.KindNotFound, "room %q not found", a.id)}
		}
		return result{snap: a.room.Snapshot().Public()}
	}

	next, err := a.reg.engine.Apply(a.room, req.action)
	if err != nil {
		log.Debug().Err(err).Str("room", a.id).Str("player", req.action.Player()).
			Str("action", string(req.action.Kind())).Msg("action rejected")
		return result{err: err}
	}

	full := next.Snapshot()
	if next.Empty() {
		a.room = nil
		a.mirrorDelete()
	} else {
		a.room = next
		a.mirrorSave(full)
	}

	pub := full.Public()
	a.pub.Publish(pub)
	log.Debug().Str("room", a.id).Str("player", req.action.Player()).
		Str("action", string(req.action.Kind())).Uint64("revision", pub.Revision).
		Str("phase", string(pub.Phase)).Msg("commit")
	return result{snap: pub}
}

// load rehydrates the room from the store. A store failure degrades to
// in-memory operation: the room is treated as absent.
func (a *Actor) load() {
	a.loaded = true
	st := a.reg.store
	if st == nil {
		return
	}
	if a.reg.buried(a.id) {
		a.unbury()
		return
	}
	ctx, cancel := a.reg.storeContext()
	defer cancel()
	snap, ok, err := st.LoadSnapshot(ctx, a.id)
	if err != nil {
		a.reg.storeFailed(game.Unavailable("load snapshot", err))
		log.Warn().Err(err).Str("room", a.id).Msg("load snapshot failed; continuing in memory")
		return
	}
	a.reg.storeOK()
	if ok && len(snap.Players) > 0 {
		a.room = game.RoomFromSnapshot(snap)
		a.pub.Publish(snap.Public())
		log.Info().Str("room", a.id).Uint64("revision", snap.Revision).Msg("room rehydrated")
	}
}

func (a *Actor) mirrorSave(s game.Snapshot) {
	st := a.reg.store
	if st == nil {
		return
	}
	// The stale row would shadow a recreated room's lower revisions.
	if a.reg.buried(a.id) && !a.unbury() {
		return
	}
	ctx, cancel := a.reg.storeContext()
	defer cancel()
	if err := st.SaveSnapshot(ctx, s); err != nil {
		a.reg.storeFailed(game.Unavailable("save snapshot", err))
		log.Warn().Err(err).Str("room", a.id).Uint64("revision", s.Revision).Msg("save snapshot failed; live state unaffected")
		return
	}
	a.reg.storeOK()
}

func (a *Actor) mirrorDelete() {
	if a.reg.store == nil {
		return
	}
	if !a.deleteRow() {
		a.reg.bury(a.id)
	}
}

// unbury retries the delete behind a tombstone and reports whether the row
// is gone.
func (a *Actor) unbury() bool {
	if !a.deleteRow() {
		return false
	}
	a.reg.unbury(a.id)
	log.Info().Str("room", a.id).Msg("stale snapshot deleted")
	return true
}

func (a *Actor) deleteRow() bool {
	ctx, cancel := a.reg.storeContext()
	defer cancel()
	if err := a.reg.store.DeleteSnapshot(ctx, a.id); err != nil {
		a.reg.storeFailed(game.Unavailable("delete snapshot", err))
		log.Warn().Err(err).Str("room", a.id).Msg("delete snapshot failed")
		return false
	}
	a.reg.storeOK()
	return true
}

// apps/go-server/internal/store/store.go
//
// Persistence for room snapshots.
// The store is a durable mirror of the last committed snapshot of each room,
// written by the room's actor after it commits in memory. It is never a second
// writer: nothing reads a snapshot back except actor rehydration.
//
// Implementations:
//   - Memory: map-based, for development/testing or when durability is not required.
//   - SQLite: see sqlite.go.

package store

import (
	"context"
	"sync"

	"github.com/robalobadob/race24/apps/go-server/internal/game"
)

// Store defines the persistence interface for room snapshots.
type Store interface {
	// LoadSnapshot returns the last saved snapshot of roomID.
	// ok is false when the room was never saved (or was deleted).
	LoadSnapshot(ctx context.Context, roomID string) (s game.Snapshot, ok bool, err error)

	// SaveSnapshot persists s, keeping whichever of s and the stored copy has
	// the higher revision.
	SaveSnapshot(ctx context.Context, s game.Snapshot) error

	// DeleteSnapshot forgets roomID. Deleting an unknown room is not an error.
	DeleteSnapshot(ctx context.Context, roomID string) error
}

// Memory is an in-memory Store. Concurrency-safe via RWMutex.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]game.Snapshot
}

// NewMemoryStore constructs a new in-memory Store.
func NewMemoryStore() *Memory {
	return &Memory{rooms: make(map[string]game.Snapshot)}
}

func (m *Memory) LoadSnapshot(ctx context.Context, roomID string) (game.Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rooms[roomID]
	return s, ok, nil
}

func (m *Memory) SaveSnapshot(ctx context.Context, s game.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rooms[s.RoomID]; ok && cur.Revision >= s.Revision {
		return nil
	}
	m.rooms[s.RoomID] = s
	return nil
}

func (m *Memory) DeleteSnapshot(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	return nil
}

// Len returns the number of stored rooms.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

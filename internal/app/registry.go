package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

const admitAttempts = 3

type roomEntry struct {
	ready chan struct{}
	room  *Room
	err   error
}

// Registry maps room ids to live rooms and creates rooms on demand.
type Registry struct {
	pool core.WorkerPool
	opts RoomOptions

	mu    sync.Mutex
	rooms map[domain.RoomID]*roomEntry
}

func NewRegistry(pool core.WorkerPool, opts RoomOptions) *Registry {
	return &Registry{
		pool:  pool,
		opts:  opts,
		rooms: make(map[domain.RoomID]*roomEntry),
	}
}

// GetOrCreate returns the room with the given id, creating it on a worker
// picked round-robin. Concurrent callers for a new id share one creation.
func (g *Registry) GetOrCreate(ctx context.Context, id domain.RoomID) (*Room, error) {
	g.mu.Lock()
	if e, ok := g.rooms[id]; ok {
		g.mu.Unlock()
		select {
		case <-e.ready:
			return e.room, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &roomEntry{ready: make(chan struct{})}
	g.rooms[id] = e
	g.mu.Unlock()

	room, err := CreateRoom(ctx, id, g.pool.NextWorker(), g.opts)
	if err != nil {
		g.mu.Lock()
		if g.rooms[id] == e {
			delete(g.rooms, id)
		}
		e.err = err
		g.mu.Unlock()
		close(e.ready)
		log.Error().Str("module", "app.registry").Err(err).Str("room", string(id)).Msg("failed to create room")
		return nil, err
	}
	g.mu.Lock()
	e.room = room
	g.mu.Unlock()
	close(e.ready)
	room.OnClose(func() { g.remove(id, room) })

	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("created room")
	return room, nil
}

// Admit attaches a peer channel to the room, recreating the room if it closed
// between lookup and attach.
func (g *Registry) Admit(ctx context.Context, id domain.RoomID, ch core.PeerChannel) (*Room, error) {
	for range admitAttempts {
		room, err := g.GetOrCreate(ctx, id)
		if err != nil {
			return nil, err
		}
		err = room.HandleConnection(ch)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, domain.ErrRoomClosed) {
			return nil, err
		}
		g.remove(id, room)
	}
	return nil, fmt.Errorf("admit to room %q: %w", id, domain.ErrRoomClosed)
}

func (g *Registry) Get(id domain.RoomID) (*Room, bool) {
	g.mu.Lock()
	e, ok := g.rooms[id]
	g.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.room, e.room != nil
	default:
		return nil, false
	}
}

func (g *Registry) List() []core.RoomInfo {
	rooms := g.snapshot()
	out := make([]core.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}

func (g *Registry) CloseAll() {
	for _, r := range g.snapshot() {
		r.Close()
	}
}

func (g *Registry) snapshot() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Room, 0, len(g.rooms))
	for _, e := range g.rooms {
		select {
		case <-e.ready:
			if e.room != nil {
				out = append(out, e.room)
			}
		default:
		}
	}
	return out
}

func (g *Registry) remove(id domain.RoomID, room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.rooms[id]; ok && e.room == room {
		delete(g.rooms, id)
		log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("removed room")
	}
}

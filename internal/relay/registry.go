package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Registry owns the live rooms: created on first join, hydrated from the
// loader, and evicted or retained on last leave per the configured policy.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	opts  Options
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		rooms: map[string]*Room{},
		opts:  opts,
	}
}

// GetOrCreate returns the room with the given name, creating and hydrating
// it on first join.
func (g *Registry) GetOrCreate(ctx context.Context, name string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[name]; ok {
		return r, nil
	}
	r := newRoom(name, g.opts, g.roomEmpty)
	if err := r.hydrate(ctx); err != nil {
		return nil, fmt.Errorf("hydrating room %q: %w", name, err)
	}
	g.rooms[name] = r
	go r.run()
	log.Printf("[Relay] room=%s created, rooms=%d", name, len(g.rooms))
	return r, nil
}

// Lookup returns the room if it is resident.
func (g *Registry) Lookup(name string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[name]
	return r, ok
}

// Len returns the number of resident rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// roomEmpty applies the eviction policy when a room's last session leaves.
func (g *Registry) roomEmpty(r *Room) {
	if g.opts.Retain {
		return
	}
	g.mu.Lock()
	if g.rooms[r.name] == r {
		delete(g.rooms, r.name)
	}
	g.mu.Unlock()
	r.stop()
	log.Printf("[Relay] room=%s evicted", r.name)
}

// Shutdown stops every room, persisting per policy first.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.rooms = map[string]*Room{}
	g.mu.Unlock()
	for _, r := range rooms {
		if r.opts.Policy != PolicyManual {
			r.saveSnapshot()
		}
		r.stop()
	}
}

package signaling

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var (
	ErrUnauthenticated = errors.New("connection has no authenticated identity")
	ErrInvalidRoom     = errors.New("room id is required")
)

// Member is one live connection as seen by the registry.
// Deliver must not block; it reports whether the data was queued.
type Member interface {
	ID() string
	UserID() string
	Deliver(data []byte) bool
}

type room struct {
	id      string
	mu      sync.Mutex
	members map[string]Member
	// retired is set when the last member leaves; a retired room is never reused.
	retired bool
}

// Registry maps room ids to their connected members. Rooms exist only while at
// least one member references them. The registry lock guards the room map and
// the membership index; each room serializes its own join/leave/broadcast.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*room
	memberOf map[string]string
	log      *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		rooms:    make(map[string]*room),
		memberOf: make(map[string]string),
		log:      log,
	}
}

// Join adds m to roomID, creating the room when absent. A member already in a
// different room leaves it first.
func (r *Registry) Join(m Member, roomID string) error {
	if m == nil || m.UserID() == "" {
		return ErrUnauthenticated
	}
	if roomID == "" {
		return ErrInvalidRoom
	}

	if current, ok := r.RoomOf(m); ok {
		if current == roomID {
			return nil
		}
		r.Leave(m)
	}

	for {
		rm := r.getOrCreate(roomID)

		rm.mu.Lock()
		if rm.retired {
			// Emptied between lookup and lock; getOrCreate will replace it.
			rm.mu.Unlock()
			continue
		}
		rm.members[m.ID()] = m
		rm.mu.Unlock()
		break
	}

	r.mu.Lock()
	r.memberOf[m.ID()] = roomID
	r.mu.Unlock()

	return nil
}

// Leave removes m from whatever room it belongs to and reports which room that
// was. Leaving when not joined is a no-op.
func (r *Registry) Leave(m Member) (string, bool) {
	if m == nil {
		return "", false
	}

	r.mu.Lock()
	roomID, ok := r.memberOf[m.ID()]
	if ok {
		delete(r.memberOf, m.ID())
	}
	rm := r.rooms[roomID]
	r.mu.Unlock()

	if !ok || rm == nil {
		return "", false
	}

	rm.mu.Lock()
	_, present := rm.members[m.ID()]
	delete(rm.members, m.ID())
	empty := len(rm.members) == 0
	if empty {
		rm.retired = true
	}
	rm.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.rooms[roomID] == rm {
			delete(r.rooms, roomID)
		}
		r.mu.Unlock()
		r.log.Debug("removed empty room", slog.String("room_id", roomID))
	}

	return roomID, present
}

// Broadcast delivers data to every member of roomID except sender and returns
// the number of members it was queued for.
func (r *Registry) Broadcast(roomID string, sender Member, data []byte) int {
	r.mu.Lock()
	rm := r.rooms[roomID]
	r.mu.Unlock()
	if rm == nil {
		return 0
	}

	var senderID string
	if sender != nil {
		senderID = sender.ID()
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	delivered := 0
	for id, m := range rm.members {
		if id == senderID {
			continue
		}
		if m.Deliver(data) {
			delivered++
			continue
		}
		r.log.Warn("dropped message for unreachable peer",
			slog.String("room_id", roomID),
			slog.String("peer_id", id),
		)
	}
	return delivered
}

// RoomOf returns the room m currently belongs to.
func (r *Registry) RoomOf(m Member) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.memberOf[m.ID()]
	return roomID, ok
}

// Members returns the sorted member ids of roomID.
func (r *Registry) Members(roomID string) []string {
	r.mu.Lock()
	rm := r.rooms[roomID]
	r.mu.Unlock()
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	rm.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) getOrCreate(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[roomID]; ok {
		rm.mu.Lock()
		retired := rm.retired
		rm.mu.Unlock()
		if !retired {
			return rm
		}
	}

	rm := &room{id: roomID, members: make(map[string]Member)}
	r.rooms[roomID] = rm
	r.log.Debug("created room", slog.String("room_id", roomID))
	return rm
}

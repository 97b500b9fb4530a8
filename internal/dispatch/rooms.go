// Package dispatch delivers realtime frames to named rooms of connections.
package dispatch

import (
	"sync"

	"github.com/example/ride-dispatch/internal/observability"
)

const AllDrivers = "drivers"

func ClientRoom(id string) string { return "client_" + id }
func DriverRoom(id string) string { return "driver_" + id }

// Event is an outbound frame.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Session is one live connection able to receive frames.
type Session interface {
	ID() string
	Send(ev Event) error
}

// Publisher is the narrow side of Rooms the engine depends on.
type Publisher interface {
	Publish(room string, ev Event) int
}

// Rooms maps room names to member sessions. Publishing is fire-and-forget
// fan-out to every member; a failed send only affects that member.
type Rooms struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]Session
	memberOf map[string]map[string]struct{}
	onError  func(room string, s Session, err error)
}

func NewRooms() *Rooms {
	return &Rooms{
		rooms:    make(map[string]map[string]Session),
		memberOf: make(map[string]map[string]struct{}),
	}
}

// OnSendError installs a hook called for every failed delivery.
func (r *Rooms) OnSendError(fn func(room string, s Session, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

func (r *Rooms) Subscribe(room string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Session)
		r.rooms[room] = members
	}
	members[s.ID()] = s
	joined, ok := r.memberOf[s.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.memberOf[s.ID()] = joined
	}
	joined[room] = struct{}{}
}

func (r *Rooms) Unsubscribe(room, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(room, sessionID)
}

// UnsubscribeAll detaches the session from every room it joined.
func (r *Rooms) UnsubscribeAll(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var left []string
	for room := range r.memberOf[sessionID] {
		left = append(left, room)
		r.remove(room, sessionID)
	}
	delete(r.memberOf, sessionID)
	return left
}

func (r *Rooms) remove(room, sessionID string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined, ok := r.memberOf[sessionID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.memberOf, sessionID)
		}
	}
}

// Publish sends ev to every member of room and returns how many accepted it.
func (r *Rooms) Publish(room string, ev Event) int {
	r.mu.RLock()
	members := make([]Session, 0, len(r.rooms[room]))
	for _, s := range r.rooms[room] {
		members = append(members, s)
	}
	onError := r.onError
	r.mu.RUnlock()

	delivered := 0
	for _, s := range members {
		if err := s.Send(ev); err != nil {
			if onError != nil {
				onError(room, s, err)
			}
			continue
		}
		delivered++
	}
	if delivered > 0 {
		observability.RoomDeliveries.WithLabelValues(ev.Name).Add(float64(delivered))
	}
	return delivered
}

func (r *Rooms) Members(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

package dispatch

import (
	"errors"
	"sync"
	"testing"
)

type recordingSession struct {
	id   string
	mu   sync.Mutex
	got  []Event
	fail error
}

func (r *recordingSession) ID() string { return r.id }

func (r *recordingSession) Send(ev Event) error {
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return nil
}

func TestPublishReachesOnlyRoomMembers(t *testing.T) {
	rooms := NewRooms()
	a := &recordingSession{id: "a"}
	b := &recordingSession{id: "b"}
	rooms.Subscribe(AllDrivers, a)
	rooms.Subscribe(ClientRoom("u1"), b)

	if n := rooms.Publish(AllDrivers, Event{Name: "new_trip_available"}); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if len(a.got) != 1 || len(b.got) != 0 {
		t.Fatalf("unexpected fan-out a=%d b=%d", len(a.got), len(b.got))
	}
}

func TestUnsubscribeAllLeavesEveryRoom(t *testing.T) {
	rooms := NewRooms()
	s := &recordingSession{id: "s"}
	rooms.Subscribe(AllDrivers, s)
	rooms.Subscribe(DriverRoom("d1"), s)

	left := rooms.UnsubscribeAll("s")
	if len(left) != 2 {
		t.Fatalf("expected to leave 2 rooms, left %v", left)
	}
	if rooms.Members(AllDrivers) != 0 || rooms.Members(DriverRoom("d1")) != 0 {
		t.Fatalf("rooms should be empty")
	}
	if n := rooms.Publish(AllDrivers, Event{Name: "x"}); n != 0 {
		t.Fatalf("expected no delivery, got %d", n)
	}
}

func TestFailedSendDoesNotStopFanOut(t *testing.T) {
	rooms := NewRooms()
	bad := &recordingSession{id: "bad", fail: errors.New("broken pipe")}
	good := &recordingSession{id: "good"}
	rooms.Subscribe(AllDrivers, bad)
	rooms.Subscribe(AllDrivers, good)

	var failed []string
	rooms.OnSendError(func(room string, s Session, err error) { failed = append(failed, s.ID()) })

	if n := rooms.Publish(AllDrivers, Event{Name: "trip_taken"}); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if len(failed) != 1 || failed[0] != "bad" {
		t.Fatalf("expected bad to be reported, got %v", failed)
	}
	if len(good.got) != 1 {
		t.Fatalf("good session missed the frame")
	}
}

func TestRoomNames(t *testing.T) {
	if ClientRoom("42") != "client_42" || DriverRoom("7") != "driver_7" {
		t.Fatalf("unexpected room names")
	}
}

package events

import (
	"testing"
	"time"
)

func TestNewBus(t *testing.T) {
	bus := NewBus(0)
	if bus == nil {
		t.Fatal("NewBus() returned nil")
	}
	if cap(bus.CallEnded) != 10 {
		t.Errorf("default capacity = %d, want 10", cap(bus.CallEnded))
	}
}

func TestBus_EmitReceive(t *testing.T) {
	bus := NewBus(4)

	if !bus.Emit(CallEnded{RoomID: "r1", DurationMs: 1500}) {
		t.Fatal("Emit() dropped an event on an empty bus")
	}

	select {
	case ev := <-bus.CallEnded:
		if ev.RoomID != "r1" || ev.DurationMs != 1500 {
			t.Errorf("received %+v", ev)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_EmitDropsWhenFull(t *testing.T) {
	bus := NewBus(2)
	bus.Emit(CallEnded{RoomID: "a"})
	bus.Emit(CallEnded{RoomID: "b"})

	if bus.Emit(CallEnded{RoomID: "c"}) {
		t.Error("Emit() should report a drop when the bus is full")
	}
	if len(bus.CallEnded) != 2 {
		t.Errorf("queued = %d, want 2", len(bus.CallEnded))
	}
}

package pipeline

import (
	"fmt"
	"time"
)

// SlotState is the ownership phase of a slot
type SlotState int32

const (
	// SlotIdle nobody owns the buffer, it may be refilled
	SlotIdle SlotState = iota
	// SlotFilling the digitizer owns the buffer
	SlotFilling
	// SlotReady the buffer holds a frame waiting for the callback
	SlotReady
	// SlotProcessing the callback owns the buffer
	SlotProcessing
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotFilling:
		return "filling"
	case SlotReady:
		return "ready"
	case SlotProcessing:
		return "processing"
	}
	return fmt.Sprintf("SlotState(%d)", int32(s))
}

// Slot is one buffer of the rotating pool. All fields after buffer are
// guarded by the owning pipeline's mutex.
type Slot struct {
	index  int
	buffer Buffer

	state     SlotState
	sequence  uint64
	grabbedAt time.Time
}

// SlotSnapshot is a copy of a slot's state at one point in time
type SlotSnapshot struct {
	Index    int
	State    SlotState
	Sequence uint64
}

func newSlot(index int, buffer Buffer) *Slot {
	return &Slot{
		index:  index,
		buffer: buffer,
		state:  SlotIdle,
	}
}

// transition moves the slot from one state to the next and panics on an
// out of order move, which can only be a bug in the pipeline itself.
func (s *Slot) transition(from, to SlotState) {
	if s.state != from {
		panic(fmt.Sprintf("slot %d: transition %s -> %s from state %s", s.index, from, to, s.state))
	}
	s.state = to
}

func (s *Slot) snapshot() SlotSnapshot {
	return SlotSnapshot{
		Index:    s.index,
		State:    s.state,
		Sequence: s.sequence,
	}
}

func (s *Slot) frame() Frame {
	return Frame{
		Number:    s.sequence,
		Slot:      s.index,
		Buffer:    s.buffer,
		GrabbedAt: s.grabbedAt,
	}
}

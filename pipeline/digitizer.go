package pipeline

import (
	"context"
	"time"
)

// Buffer is an opaque payload handle. It is allocated and interpreted
// by the Digitizer, the pipeline only moves it between owners.
type Buffer interface{}

// Digitizer is the acquisition device filling buffers
type Digitizer interface {
	// Allocate is called once per slot when the pipeline is built
	Allocate(index int) (Buffer, error)
	// Free releases a buffer returned by Allocate
	Free(buf Buffer) error
	// Open is called on every Start before the first Grab
	Open(ctx context.Context) error
	// Grab blocks until the next frame has been written into buf.
	// It must return promptly once ctx is canceled.
	Grab(ctx context.Context, buf Buffer) error
	// Halt is called once the grab loop has exited
	Halt() error
}

// Frame is handed to the process callback. Buffer is only valid for the
// duration of the call.
type Frame struct {
	// Number is the 1-based acquisition sequence within the current run
	Number uint64
	// Slot is the index of the slot holding Buffer
	Slot      int
	Buffer    Buffer
	GrabbedAt time.Time
}

// ProcessFunc consumes one ready frame
type ProcessFunc func(frame Frame) error

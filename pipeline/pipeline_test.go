package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
}

const (
	ownerNone int32 = iota
	ownerDigitizer
	ownerCallback
)

// fakeBuffer records who currently touches it so tests can catch a slot
// being filled and processed at the same time.
type fakeBuffer struct {
	index      int
	generation uint64
	owner      atomic.Int32
}

// fakeDigitizer produces numbered frames, optionally a finite amount
type fakeDigitizer struct {
	mutex sync.Mutex

	// frames before ErrEndOfStream, negative is unlimited
	frames int
	// delay returns how long a single grab takes
	delay func() time.Duration
	// failAt returns grabErr on that grab number
	failAt  int
	grabErr error
	openErr error
	// openHook runs at the start of every Open, outside the mutex
	openHook func()
	// haltDelay makes Halt slow
	haltDelay time.Duration
	// allocLimit fails Allocate once that many buffers exist, 0 is unlimited
	allocLimit int

	grabbed   int
	allocated int
	freed     int
	opened    int
	halted    int

	violations     atomic.Int64
	halt           atomic.Bool
	grabsAfterHalt atomic.Int64
}

func newFakeDigitizer(frames int) *fakeDigitizer {
	return &fakeDigitizer{frames: frames}
}

func (f *fakeDigitizer) Allocate(index int) (Buffer, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.allocLimit > 0 && f.allocated >= f.allocLimit {
		return nil, fmt.Errorf("out of buffers after %d", f.allocated)
	}
	f.allocated++
	return &fakeBuffer{index: index}, nil
}

func (f *fakeDigitizer) Free(buf Buffer) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.freed++
	return nil
}

func (f *fakeDigitizer) Open(ctx context.Context) error {
	if f.openHook != nil {
		f.openHook()
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened++
	f.halt.Store(false)
	return nil
}

func (f *fakeDigitizer) Grab(ctx context.Context, buf Buffer) error {
	if f.halt.Load() {
		f.grabsAfterHalt.Add(1)
	}
	b := buf.(*fakeBuffer)
	if !b.owner.CompareAndSwap(ownerNone, ownerDigitizer) {
		f.violations.Add(1)
	}
	defer b.owner.Store(ownerNone)

	f.mutex.Lock()
	if f.frames >= 0 && f.grabbed >= f.frames {
		f.mutex.Unlock()
		return ErrEndOfStream
	}
	f.grabbed++
	generation := uint64(f.grabbed)
	fail := f.failAt > 0 && f.grabbed == f.failAt
	var delay time.Duration
	if f.delay != nil {
		delay = f.delay()
	}
	f.mutex.Unlock()

	if fail {
		return f.grabErr
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	} else if ctx.Err() != nil {
		return ctx.Err()
	}
	b.generation = generation
	return nil
}

func (f *fakeDigitizer) Halt() error {
	time.Sleep(f.haltDelay)
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.halted++
	f.halt.Store(true)
	return nil
}

func (f *fakeDigitizer) counts() (allocated, freed, opened, halted int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.allocated, f.freed, f.opened, f.halted
}

// claim marks the frame's buffer as owned by the callback for the duration
// of fn, counting a violation if the digitizer holds it.
func (f *fakeDigitizer) claim(frame Frame, fn func() error) error {
	b := frame.Buffer.(*fakeBuffer)
	if !b.owner.CompareAndSwap(ownerNone, ownerCallback) {
		f.violations.Add(1)
	}
	defer b.owner.Store(ownerNone)
	return fn()
}

var errTestProcessing = errors.New("processing failed")

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// State of the pipeline lifecycle
type State int32

const (
	StateUnconfigured State = iota
	StateConfigured
	StateRunning
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop-requested"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// OverflowPolicy decides what the grab loop does when the next slot in
// the cycle has not been released by the callback yet.
type OverflowPolicy int

const (
	// OverflowBlock waits for the slot to become idle, no frame is lost
	OverflowBlock OverflowPolicy = iota
	// OverflowDrop grabs the frame into a scratch buffer and discards it
	OverflowDrop
)

func (o OverflowPolicy) String() string {
	switch o {
	case OverflowBlock:
		return "block"
	case OverflowDrop:
		return "drop"
	}
	return fmt.Sprintf("OverflowPolicy(%d)", int(o))
}

// ParseOverflowPolicy parses the names returned by OverflowPolicy.String
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return OverflowBlock, nil
	case "drop":
		return OverflowDrop, nil
	}
	return OverflowBlock, fmt.Errorf("unknown overflow policy %q", s)
}

type Params struct {
	// Name identifies the pipeline in logs and metrics
	Name string
	// BufferCount number of slots in the rotating pool, at least 2
	BufferCount int
	// AllowPartialAllocation keeps the slots allocated so far when the
	// digitizer runs out of buffers, as long as there are at least 2
	AllowPartialAllocation bool
	// Digitizer fills the buffers
	Digitizer Digitizer
	// Process is called once per grabbed frame
	Process ProcessFunc
	// MaxFrames ends a run by itself after that many frames, 0 runs until Stop
	MaxFrames uint64
	// Overflow policy when the callback falls behind
	Overflow OverflowPolicy
	// Logger defaults to the global zerolog logger
	Logger *zerolog.Logger
}

// Pipeline cycles a fixed pool of buffers between a Digitizer and a
// ProcessFunc.
type Pipeline struct {
	name      string
	params    Params
	digitizer Digitizer
	process   ProcessFunc
	logger    zerolog.Logger

	slots   []*Slot
	scratch Buffer

	mutex  sync.Mutex
	cond   *sync.Cond
	state  State
	closed bool
	// starting is set while Start waits on Digitizer.Open
	starting bool
	run      *run
}

// New allocates the buffer pool and returns a configured pipeline
func New(params Params) (_ *Pipeline, err error) {
	if params.BufferCount < 2 {
		return nil, invalidConfiguration("buffer count must be at least 2, got %d", params.BufferCount)
	}
	if params.Process == nil {
		return nil, invalidConfiguration("process callback is required")
	}
	if params.Digitizer == nil {
		return nil, invalidConfiguration("digitizer is required")
	}
	if params.Overflow != OverflowBlock && params.Overflow != OverflowDrop {
		return nil, invalidConfiguration("unknown overflow policy %s", params.Overflow)
	}
	if params.Name == "" {
		params.Name = "pipeline"
	}

	p := &Pipeline{
		name:      params.Name,
		params:    params,
		digitizer: params.Digitizer,
		process:   params.Process,
	}
	if params.Logger != nil {
		p.logger = params.Logger.With().Str("pipeline", params.Name).Logger()
	} else {
		p.logger = log.With().Str("pipeline", params.Name).Logger()
	}
	p.cond = sync.NewCond(&p.mutex)

	defer func() {
		if err != nil {
			err = multierr.Append(err, p.free())
		}
	}()

	for index := 0; index < params.BufferCount; index++ {
		buf, allocErr := p.digitizer.Allocate(index)
		if allocErr != nil {
			if params.AllowPartialAllocation && index >= 2 {
				p.logger.Warn().Err(allocErr).
					Int("requested", params.BufferCount).
					Int("allocated", index).
					Msg("Buffer allocation stopped early")
				break
			}
			return nil, fmt.Errorf("allocating buffer %d: %w", index, allocErr)
		}
		p.slots = append(p.slots, newSlot(index, buf))
	}
	if params.Overflow == OverflowDrop {
		p.scratch, err = p.digitizer.Allocate(len(p.slots))
		if err != nil {
			return nil, fmt.Errorf("allocating scratch buffer: %w", err)
		}
	}

	p.state = StateConfigured
	p.logger.Debug().Int("buffers", len(p.slots)).Str("overflow", params.Overflow.String()).Msg("Pipeline configured")
	return p, nil
}

// Start opens the digitizer and begins the grab/process cycle. The run
// ends by itself when ctx is done, MaxFrames is reached or the digitizer
// reports ErrEndOfStream; Stop must still be called to collect errors.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mutex.Lock()
	switch {
	case p.closed:
		p.mutex.Unlock()
		return ErrClosed
	case p.state == StateUnconfigured:
		p.mutex.Unlock()
		return invalidConfiguration("pipeline was not built with New")
	case p.starting, p.state == StateRunning, p.state == StateStopRequested:
		p.mutex.Unlock()
		return ErrAlreadyRunning
	}
	p.starting = true
	p.mutex.Unlock()

	if err := p.digitizer.Open(ctx); err != nil {
		p.mutex.Lock()
		p.starting = false
		p.cond.Broadcast()
		p.mutex.Unlock()
		p.logger.Err(err).Msg("Unable to open digitizer")
		return deviceUnavailable(err)
	}

	p.mutex.Lock()
	if p.closed {
		p.starting = false
		p.cond.Broadcast()
		p.mutex.Unlock()
		return multierr.Append(ErrClosed, p.digitizer.Halt())
	}
	r := newRun(ctx, p)
	for _, slot := range p.slots {
		slot.state = SlotIdle
		slot.sequence = 0
	}
	p.starting = false
	p.state = StateRunning
	p.run = r
	buffers := len(p.slots)
	p.cond.Broadcast()
	p.mutex.Unlock()

	// wake the grab loop if it waits on a slot when the run is canceled
	stopWake := context.AfterFunc(r.ctx, func() {
		p.mutex.Lock()
		p.cond.Broadcast()
		p.mutex.Unlock()
	})

	r.wg.Add(2)
	go p.grabLoop(r)
	go p.dispatch(r)
	go func() {
		r.wg.Wait()
		stopWake()
		p.mutex.Lock()
		r.finishedAt = time.Now()
		p.mutex.Unlock()
		r.logger.Debug().Msg("Run finished")
		close(r.done)
	}()

	r.logger.Info().Int("buffers", buffers).Uint64("max-frames", p.params.MaxFrames).Msg("Pipeline started")
	return nil
}

// Stop requests the end of the current run and blocks until the callback
// in flight and the grab loop have returned. A timeout <= 0 waits forever.
// On ErrStopTimeout the pipeline stays in StateStopRequested and Stop has
// to be called again. The first processing error of the run is returned,
// combined with any device error.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.mutex.Lock()
	r := p.run
	switch p.state {
	case StateRunning:
		p.state = StateStopRequested
		r.cancel()
		p.cond.Broadcast()
	case StateStopRequested:
	default:
		p.mutex.Unlock()
		return nil
	}
	p.mutex.Unlock()

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-timer.C:
			r.logger.Warn().Dur("timeout", timeout).Msg("Timed out draining pipeline")
			return fmt.Errorf("%w after %s", ErrStopTimeout, timeout)
		}
	} else {
		<-r.done
	}
	return p.finish(r)
}

// finish halts the digitizer and settles the slots once the run goroutines
// have exited. Only the first caller for a run does the work, later callers
// return once it is done.
func (p *Pipeline) finish(r *run) error {
	p.mutex.Lock()
	if r.finalizing {
		p.mutex.Unlock()
		<-r.finalized
		return nil
	}
	r.finalizing = true
	r.cancel()
	for _, slot := range p.slots {
		if slot.state == SlotReady {
			r.dropped++
		}
		slot.state = SlotIdle
	}
	p.mutex.Unlock()

	var errors []error
	if r.firstErr != nil {
		errors = append(errors, r.firstErr)
	}
	if r.deviceErr != nil {
		errors = append(errors, fmt.Errorf("grabbing frames: %w", r.deviceErr))
	}
	if err := p.digitizer.Halt(); err != nil {
		errors = append(errors, fmt.Errorf("halting digitizer: %w", err))
	}

	p.mutex.Lock()
	p.state = StateStopped
	stats := p.statisticsLocked()
	p.mutex.Unlock()
	close(r.finalized)

	r.logger.Info().
		Uint64("processed", stats.Processed).
		Uint64("errors", stats.Errors).
		Uint64("dropped", stats.Dropped).
		Uint64("missed", stats.Missed).
		Float64("rate", stats.Rate).
		Msg("Pipeline stopped")
	return multierr.Combine(errors...)
}

// Wait blocks until the current run ends by itself or ctx is done
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-p.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the goroutines of the current run have exited.
// Without a run the returned channel is already closed.
func (p *Pipeline) Done() <-chan struct{} {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.run == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return p.run.done
}

// State returns the lifecycle state
func (p *Pipeline) State() State {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.state
}

// Slots returns a snapshot of every slot
func (p *Pipeline) Slots() []SlotSnapshot {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	snapshots := make([]SlotSnapshot, len(p.slots))
	for i, slot := range p.slots {
		snapshots[i] = slot.snapshot()
	}
	return snapshots
}

// Name of the pipeline
func (p *Pipeline) Name() string {
	return p.name
}

// Close stops any run and releases the buffers to the digitizer. A Start
// still opening the digitizer is allowed to finish first.
func (p *Pipeline) Close() error {
	p.mutex.Lock()
	for p.starting {
		p.cond.Wait()
	}
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	p.mutex.Unlock()

	err := p.Stop(0)
	return multierr.Append(err, p.free())
}

func (p *Pipeline) free() error {
	p.mutex.Lock()
	slots, scratch := p.slots, p.scratch
	p.slots = nil
	p.scratch = nil
	p.mutex.Unlock()

	var errors []error
	for _, slot := range slots {
		if err := p.digitizer.Free(slot.buffer); err != nil {
			errors = append(errors, fmt.Errorf("freeing buffer %d: %w", slot.index, err))
		}
	}
	if scratch != nil {
		if err := p.digitizer.Free(scratch); err != nil {
			errors = append(errors, fmt.Errorf("freeing scratch buffer: %w", err))
		}
	}
	return multierr.Combine(errors...)
}

// run holds the state of one Start/Stop cycle. Counters are guarded by
// the pipeline mutex.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	ready chan *Slot
	wg    sync.WaitGroup
	done  chan struct{}

	startedAt  time.Time
	finishedAt time.Time
	// finalizing is set by the first finish, finalized closed when it returns
	finalizing bool
	finalized  chan struct{}

	grabbed   uint64
	processed uint64
	errors    uint64
	dropped   uint64
	missed    uint64

	firstErr  *ProcessingError
	deviceErr error
}

func newRun(ctx context.Context, p *Pipeline) *run {
	r := &run{
		id:        uuid.New().String(),
		ready:     make(chan *Slot, len(p.slots)),
		done:      make(chan struct{}),
		finalized: make(chan struct{}),
		startedAt: time.Now(),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.logger = p.logger.With().Str("run", r.id).Logger()
	return r
}

package pipeline

import (
	"errors"
	"time"
)

// grabLoop fills the slots in strict cyclic order. It closes the ready
// queue on exit so the dispatcher can drain what is left.
func (p *Pipeline) grabLoop(r *run) {
	defer r.wg.Done()
	defer close(r.ready)

	var sequence uint64
	next := 0
	for {
		if p.params.MaxFrames > 0 && sequence >= p.params.MaxFrames {
			r.logger.Debug().Uint64("frames", sequence).Msg("Frame count reached")
			return
		}
		slot := p.slots[next]

		p.mutex.Lock()
		if p.params.Overflow == OverflowBlock {
			for slot.state != SlotIdle && r.ctx.Err() == nil {
				p.cond.Wait()
			}
		}
		if r.ctx.Err() != nil {
			p.mutex.Unlock()
			return
		}
		if slot.state != SlotIdle {
			// OverflowDrop: the slot is still owned by the dispatcher
			p.mutex.Unlock()
			if !p.grabMissed(r) {
				return
			}
			continue
		}
		slot.transition(SlotIdle, SlotFilling)
		p.mutex.Unlock()

		err := p.digitizer.Grab(r.ctx, slot.buffer)

		p.mutex.Lock()
		if err != nil {
			slot.transition(SlotFilling, SlotIdle)
			p.recordGrabError(r, err)
			p.mutex.Unlock()
			return
		}
		sequence++
		slot.sequence = sequence
		slot.grabbedAt = time.Now()
		slot.transition(SlotFilling, SlotReady)
		r.grabbed++
		p.mutex.Unlock()

		r.traceGrabbed(slot.index, sequence)
		// at most len(p.slots) slots are ready at once, this never blocks
		r.ready <- slot
		next = (next + 1) % len(p.slots)
	}
}

// grabMissed grabs one frame into the scratch buffer and throws it away.
// It returns false when the grab loop has to exit.
func (p *Pipeline) grabMissed(r *run) bool {
	err := p.digitizer.Grab(r.ctx, p.scratch)
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err != nil {
		p.recordGrabError(r, err)
		return false
	}
	r.missed++
	r.logger.Trace().Uint64("missed", r.missed).Msg("frame missed")
	return true
}

// recordGrabError must be called with the mutex held
func (p *Pipeline) recordGrabError(r *run, err error) {
	switch {
	case r.ctx.Err() != nil:
		// canceled grab, the frame was never completed
	case errors.Is(err, ErrEndOfStream):
		r.logger.Info().Uint64("grabbed", r.grabbed).Msg("End of stream")
	default:
		r.logger.Err(err).Msg("Digitizer grab failed")
		r.deviceErr = err
	}
}

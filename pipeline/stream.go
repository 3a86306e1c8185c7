package pipeline

import (
	"fmt"
)

// dispatch hands ready slots to the process callback one at a time in the
// order they were grabbed. Once the run is canceled the remaining ready
// slots are left alone and counted as dropped by Stop.
func (p *Pipeline) dispatch(r *run) {
	defer r.wg.Done()

	for slot := range r.ready {
		if r.ctx.Err() != nil {
			return
		}

		p.mutex.Lock()
		slot.transition(SlotReady, SlotProcessing)
		frame := slot.frame()
		p.mutex.Unlock()

		r.traceProcessingStart(frame)
		err := p.invoke(frame)
		r.traceProcessingEnd(frame, err)

		p.mutex.Lock()
		slot.transition(SlotProcessing, SlotIdle)
		r.processed++
		if err != nil {
			r.errors++
			if r.firstErr == nil {
				r.firstErr = &ProcessingError{Frame: frame.Number, Slot: frame.Slot, Err: err}
			}
		}
		p.cond.Broadcast()
		p.mutex.Unlock()
	}
}

// invoke runs the callback, turning a panic into an error
func (p *Pipeline) invoke(frame Frame) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in process callback: %v", rec)
		}
	}()
	return p.process(frame)
}

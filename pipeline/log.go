package pipeline

// Per frame markers, logged at trace level so they cost nothing unless
// zerolog.TraceLevel is enabled.

func (r *run) traceGrabbed(slot int, frame uint64) {
	r.logger.Trace().
		Int("slot", slot).
		Uint64("frame", frame).
		Msg("frame grabbed")
}

func (r *run) traceProcessingStart(frame Frame) {
	r.logger.Trace().
		Int("slot", frame.Slot).
		Uint64("frame", frame.Number).
		Dur("latency", sinceGrab(frame)).
		Msg("processing start")
}

func (r *run) traceProcessingEnd(frame Frame, err error) {
	event := r.logger.Trace()
	if err != nil {
		// failures are always worth a line
		event = r.logger.Warn().Err(err)
	}
	event.
		Int("slot", frame.Slot).
		Uint64("frame", frame.Number).
		Msg("processing end")
}

package pipeline

import (
	"time"
)

// Statistics is a snapshot of the current or last run
type Statistics struct {
	Name    string
	RunID   string
	State   State
	Buffers int

	// Grabbed frames written into a slot
	Grabbed uint64
	// Processed callback invocations completed, failed ones included
	Processed uint64
	// Errors callback invocations that returned an error
	Errors uint64
	// Dropped frames grabbed but abandoned by Stop before processing
	Dropped uint64
	// Missed frames discarded by OverflowDrop
	Missed uint64

	// Elapsed time of the run, frozen once the run is over
	Elapsed time.Duration
	// Rate processed frames per second over Elapsed
	Rate float64
}

// FrameTime is the average time between processed frames
func (s Statistics) FrameTime() time.Duration {
	if s.Rate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / s.Rate)
}

// Statistics can be called at any time, including during a run
func (p *Pipeline) Statistics() Statistics {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.statisticsLocked()
}

func (p *Pipeline) statisticsLocked() Statistics {
	stats := Statistics{
		Name:    p.name,
		State:   p.state,
		Buffers: len(p.slots),
	}
	r := p.run
	if r == nil {
		return stats
	}
	stats.RunID = r.id
	stats.Grabbed = r.grabbed
	stats.Processed = r.processed
	stats.Errors = r.errors
	stats.Dropped = r.dropped
	stats.Missed = r.missed

	// time.Time carries a monotonic reading, Sub is immune to clock changes
	end := r.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	stats.Elapsed = end.Sub(r.startedAt)
	if stats.Elapsed > 0 {
		stats.Rate = float64(stats.Processed) / stats.Elapsed.Seconds()
	}
	return stats
}

func sinceGrab(frame Frame) time.Duration {
	if frame.GrabbedAt.IsZero() {
		return 0
	}
	return time.Since(frame.GrabbedAt)
}

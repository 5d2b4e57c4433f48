package controller

import "time"

// pauseRegulator implements spec.md §4.3.1: a counter incremented per
// processed message, recomputed at most once per 1,000 iterations so the
// controller isn't doing wall-clock math on every cycle.
type pauseRegulator struct {
	processedSinceSample int
	cyclesSinceSample    int
	windowStart          time.Time
	current              time.Duration
}

const (
	recomputeEveryCycles = 1000
	pauseBusy            = 0
	pauseLight           = time.Millisecond
	pauseIdle            = 100 * time.Millisecond
	rpsBusyThreshold     = 1000
)

func newPauseRegulator(now time.Time) *pauseRegulator {
	return &pauseRegulator{windowStart: now, current: pauseIdle}
}

// observe records that processed messages were handled in the cycle
// ending at now, recomputing the sleep duration at most once every
// recomputeEveryCycles calls.
func (p *pauseRegulator) observe(now time.Time, processed int) time.Duration {
	p.processedSinceSample += processed
	p.cyclesSinceSample++
	if p.cyclesSinceSample < recomputeEveryCycles {
		return p.current
	}

	elapsed := now.Sub(p.windowStart).Seconds()
	var rps float64
	if elapsed > 0 {
		rps = float64(p.processedSinceSample) / elapsed
	}

	switch {
	case p.processedSinceSample == 0:
		p.current = pauseIdle
	case rps >= rpsBusyThreshold:
		p.current = pauseBusy
	default:
		p.current = pauseLight
	}

	p.processedSinceSample = 0
	p.cyclesSinceSample = 0
	p.windowStart = now
	return p.current
}

// idle reports whether the regulator's most recent sample found no work,
// the branch the belt-and-suspenders sentinel sweep (spec.md §9) piggy
// backs on so it costs nothing under load.
func (p *pauseRegulator) idle() bool { return p.current == pauseIdle }

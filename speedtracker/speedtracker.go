// Package speedtracker aggregates bytes transferred per rolling time window
// into throughput samples for an external scheduler. It is an input signal
// only, it never makes scheduling decisions itself.
package speedtracker

import (
	"sync"
	"time"

	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorInvalidWindowPeriod is returned when the window period is not strictly positive
	ErrorInvalidWindowPeriod = utils.NewArxError("SPEEDTRACKER_INVALID_WINDOW_PERIOD", "window period must be strictly positive")
	// ErrorInvalidAccumulationCap is returned when the accumulation cap is not strictly positive
	ErrorInvalidAccumulationCap = utils.NewArxError("SPEEDTRACKER_INVALID_ACCUMULATION_CAP", "accumulation cap must be strictly positive")
)

// Sample is one emitted throughput aggregate: bytes transferred over the wall
// time actually spent transferring during one window.
type Sample struct {
	Bytes   int64
	Elapsed time.Duration
}

// Options configures a Tracker. Clock is overridable for tests and defaults
// to time.Now.
type Options struct {
	WindowPeriod    time.Duration
	AccumulationCap time.Duration
	Emit            func(Sample)
	Clock           func() time.Time
}

// Tracker accumulates transfer time and byte counts from concurrent block
// transfers. Two clocks run side by side: the windowing clock (fixed period)
// decides when to emit, the accumulation clock counts wall time between
// Resume and Pause, capped per window so a long pause/resume cannot skew rate
// estimates. One mutex guards all state.
type Tracker struct {
	mutex sync.Mutex

	windowPeriod    time.Duration
	accumulationCap time.Duration
	emit            func(Sample)
	now             func() time.Time

	windowStart time.Time
	accumulated time.Duration
	activeSince time.Time
	active      int // transfers currently between Resume and Pause
	bytes       int64
}

// New creates a tracker. The first window starts immediately.
func New(options Options) (*Tracker, error) {
	if options.WindowPeriod <= 0 {
		return nil, tracerr.Wrap(ErrorInvalidWindowPeriod)
	}
	if options.AccumulationCap <= 0 {
		return nil, tracerr.Wrap(ErrorInvalidAccumulationCap)
	}
	now := options.Clock
	if now == nil {
		now = time.Now
	}
	emit := options.Emit
	if emit == nil {
		emit = func(Sample) {}
	}
	return &Tracker{
		windowPeriod:    options.WindowPeriod,
		accumulationCap: options.AccumulationCap,
		emit:            emit,
		now:             now,
		windowStart:     now(),
	}, nil
}

// Resume marks the start of actual transfer I/O. Calls nest: with several
// concurrent transfers the accumulation clock runs while at least one is
// active.
func (tracker *Tracker) Resume() {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	if tracker.active == 0 {
		tracker.activeSince = tracker.now()
	}
	tracker.active++
}

// Pause marks the end of actual transfer I/O.
func (tracker *Tracker) Pause() {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	if tracker.active == 0 {
		return
	}
	tracker.active--
	if tracker.active == 0 {
		tracker.accumulated += tracker.now().Sub(tracker.activeSince)
	}
}

// Add reports transferred bytes and runs the window-boundary check. The
// sample callback runs outside the tracker's lock.
func (tracker *Tracker) Add(bytes int64) {
	tracker.mutex.Lock()
	tracker.bytes += bytes
	sample := tracker.checkWindowBoundary()
	tracker.mutex.Unlock()
	if sample != nil {
		tracker.emit(*sample)
	}
}

func (tracker *Tracker) checkWindowBoundary() *Sample {
	now := tracker.now()
	if now.Sub(tracker.windowStart) < tracker.windowPeriod {
		return nil
	}

	elapsed := tracker.accumulated
	if tracker.active > 0 {
		elapsed += now.Sub(tracker.activeSince)
	}
	var sample *Sample
	// readings past the cap are outliers, discarded rather than reported
	if elapsed > 0 && elapsed <= tracker.accumulationCap {
		sample = &Sample{Bytes: tracker.bytes, Elapsed: elapsed}
	}

	tracker.bytes = 0
	tracker.accumulated = 0
	tracker.windowStart = now
	if tracker.active > 0 {
		tracker.activeSince = now
	}

	return sample
}

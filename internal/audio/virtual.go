package audio

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Virtual is a clock-driven primitive. It keeps the same observable state
// machine as a real audio element (paused flag, position, end of track,
// interrupted plays) without producing sound, so it backs headless contexts
// and tests.
type Virtual struct {
	clk   clock.Clock
	probe func(src string) float64

	mu        sync.Mutex
	src       string
	paused    bool
	muted     bool
	volume    float64
	position  float64
	startedAt time.Time
	duration  float64
	endTimer  *clock.Timer
	playGen   uint64
	abort     chan struct{}
	pending   bool
	loadDelay time.Duration
	failPlays []error
	closed    bool

	events *dispatcher
}

// NewVirtual returns a paused primitive. probe, if non-nil, reports the
// duration in seconds for a source; 0 means unknown.
func NewVirtual(clk clock.Clock, probe func(src string) float64) *Virtual {
	if clk == nil {
		clk = clock.New()
	}
	return &Virtual{
		clk:    clk,
		probe:  probe,
		paused: true,
		volume: 1,
		abort:  make(chan struct{}),
		events: newDispatcher(),
	}
}

func (v *Virtual) Play(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if v.src == "" {
		v.mu.Unlock()
		return ErrNoSource
	}
	if len(v.failPlays) > 0 {
		err := v.failPlays[0]
		v.failPlays = v.failPlays[1:]
		v.mu.Unlock()
		return err
	}
	if !v.paused {
		v.mu.Unlock()
		return nil
	}

	gen := v.playGen
	if delay := v.loadDelay; delay > 0 {
		abort := v.abort
		v.pending = true
		v.mu.Unlock()

		var err error
		select {
		case <-v.clk.After(delay):
		case <-abort:
			err = ErrAborted
		case <-ctx.Done():
			err = ctx.Err()
		}

		v.mu.Lock()
		v.pending = false
		if err != nil {
			v.mu.Unlock()
			return err
		}
		if gen != v.playGen || v.closed {
			v.mu.Unlock()
			return ErrAborted
		}
		if !v.paused {
			v.mu.Unlock()
			return nil
		}
	}

	if v.duration > 0 && v.position >= v.duration {
		v.position = 0
	}
	v.paused = false
	v.startedAt = v.clk.Now()
	v.scheduleEndLocked()
	ev := v.eventLocked(EventPlaying)
	v.mu.Unlock()

	v.emit(ev)
	return nil
}

func (v *Virtual) Pause() {
	v.mu.Lock()
	v.interruptLocked()
	if v.paused {
		v.mu.Unlock()
		return
	}
	v.position = v.currentTimeLocked()
	v.paused = true
	v.stopEndLocked()
	ev := v.eventLocked(EventPause)
	v.mu.Unlock()

	v.emit(ev)
}

func (v *Virtual) Paused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

func (v *Virtual) Muted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.muted
}

func (v *Virtual) SetMuted(muted bool) {
	v.mu.Lock()
	v.muted = muted
	v.mu.Unlock()
}

func (v *Virtual) Src() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.src
}

// SetSrc loads a new source. A playing element pauses first and any pending
// Play is aborted.
func (v *Virtual) SetSrc(src string) {
	v.mu.Lock()
	var evs []Event
	v.interruptLocked()
	if !v.paused {
		v.position = v.currentTimeLocked()
		v.paused = true
		evs = append(evs, v.eventLocked(EventPause))
	}
	v.stopEndLocked()
	v.src = src
	v.position = 0
	v.duration = 0
	if v.probe != nil && src != "" {
		v.duration = v.probe(src)
	}
	if src != "" {
		evs = append(evs, v.eventLocked(EventMetadata))
	}
	v.mu.Unlock()

	v.emit(evs...)
}

func (v *Virtual) CurrentTime() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTimeLocked()
}

func (v *Virtual) SetCurrentTime(seconds float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if seconds < 0 {
		seconds = 0
	}
	if v.duration > 0 && seconds > v.duration {
		seconds = v.duration
	}
	v.position = seconds
	if !v.paused {
		v.startedAt = v.clk.Now()
		v.scheduleEndLocked()
	}
}

func (v *Virtual) Duration() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.duration
}

func (v *Virtual) Volume() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.volume
}

func (v *Virtual) SetVolume(vol float64) {
	if vol < 0 {
		vol = 0
	}
	if vol > 1 {
		vol = 1
	}
	v.mu.Lock()
	v.volume = vol
	v.mu.Unlock()
}

func (v *Virtual) Listen(fn func(Event)) (cancel func()) {
	return v.events.listen(fn)
}

func (v *Virtual) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.interruptLocked()
	v.stopEndLocked()
	v.mu.Unlock()

	v.events.stop()
	return nil
}

// SetLoadDelay makes every following Play wait d before it takes effect,
// leaving a window in which a Pause or SetSrc aborts it.
func (v *Virtual) SetLoadDelay(d time.Duration) {
	v.mu.Lock()
	v.loadDelay = d
	v.mu.Unlock()
}

// FailNextPlay queues errors returned by the next Play calls, one per call.
func (v *Virtual) FailNextPlay(errs ...error) {
	v.mu.Lock()
	v.failPlays = append(v.failPlays, errs...)
	v.mu.Unlock()
}

// Pending reports whether a Play is waiting out its load delay.
func (v *Virtual) Pending() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pending
}

// Finish jumps a playing element to the end of its track.
func (v *Virtual) Finish() {
	v.mu.Lock()
	gen := v.playGen
	v.mu.Unlock()
	v.finish(gen)
}

// Flush blocks until every event emitted before the call has been handed to
// the listeners. It must not be called from a listener.
func (v *Virtual) Flush() {
	v.events.flush()
}

func (v *Virtual) finish(gen uint64) {
	v.mu.Lock()
	if gen != v.playGen || v.paused || v.closed {
		v.mu.Unlock()
		return
	}
	if v.duration > 0 {
		v.position = v.duration
	} else {
		v.position = v.currentTimeLocked()
	}
	v.paused = true
	v.stopEndLocked()
	pause := v.eventLocked(EventPause)
	ended := v.eventLocked(EventEnded)
	v.mu.Unlock()

	v.emit(pause, ended)
}

func (v *Virtual) currentTimeLocked() float64 {
	pos := v.position
	if !v.paused {
		pos += v.clk.Since(v.startedAt).Seconds()
	}
	if v.duration > 0 && pos > v.duration {
		pos = v.duration
	}
	return pos
}

// interruptLocked invalidates pending plays and the end timer generation.
func (v *Virtual) interruptLocked() {
	v.playGen++
	close(v.abort)
	v.abort = make(chan struct{})
}

func (v *Virtual) scheduleEndLocked() {
	v.stopEndLocked()
	if v.duration <= 0 {
		return
	}
	remaining := time.Duration((v.duration - v.position) * float64(time.Second))
	if remaining < 0 {
		remaining = 0
	}
	gen := v.playGen
	v.endTimer = v.clk.AfterFunc(remaining, func() { v.finish(gen) })
}

func (v *Virtual) stopEndLocked() {
	if v.endTimer != nil {
		v.endTimer.Stop()
		v.endTimer = nil
	}
}

func (v *Virtual) eventLocked(t EventType) Event {
	return Event{Type: t, Time: v.currentTimeLocked(), Duration: v.duration}
}

func (v *Virtual) emit(evs ...Event) {
	v.events.emit(evs...)
}

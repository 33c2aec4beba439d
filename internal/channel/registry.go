// Package channel arbitrates audibility between the playback primitives
// registered by a context. At most one registered channel is unmuted and
// playing at any time; the master channel wins any conflict.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/playsync/internal/audio"
	"github.com/petervdpas/playsync/internal/music"
	"github.com/petervdpas/playsync/internal/retry"
)

var ErrUnknownChannel = errors.New("channel: unknown channel")

const (
	DefaultSettleDelay  = 50 * time.Millisecond
	DefaultNoiseWindow  = 100 * time.Millisecond
	DefaultPauseTimeout = time.Second
)

type Options struct {
	Clock clock.Clock
	// SettleDelay separates stopping the other channels from starting the
	// new one.
	SettleDelay time.Duration
	// NoiseWindow is how long after a deliberate PlayTrack a foreign start
	// is treated as synchronisation noise rather than a violation.
	NoiseWindow  time.Duration
	PauseTimeout time.Duration
	// PlayAttempts bounds primitive Play calls per PlayTrack.
	PlayAttempts int
}

func DefaultOptions() Options {
	return Options{
		SettleDelay:  DefaultSettleDelay,
		NoiseWindow:  DefaultNoiseWindow,
		PauseTimeout: DefaultPauseTimeout,
		PlayAttempts: 2,
	}
}

// Event is a primitive event tagged with the channel that emitted it.
type Event struct {
	Channel string `json:"channel"`
	audio.Event
}

// Status describes one channel for the read side.
type Status struct {
	ID       string  `json:"id"`
	Master   bool    `json:"master"`
	Active   bool    `json:"active"`
	Muted    bool    `json:"muted"`
	Paused   bool    `json:"paused"`
	TrackID  string  `json:"trackId,omitempty"`
	Src      string  `json:"src,omitempty"`
	Position float64 `json:"position"`
	Duration float64 `json:"duration"`
}

type entry struct {
	id       string
	prim     audio.Primitive
	master   bool
	trackID  string
	unlisten func()
}

type Registry struct {
	clk    clock.Clock
	opts   Options
	policy retry.Policy

	playMu sync.Mutex // serialises PlayTrack

	mu       sync.Mutex
	channels map[string]*entry
	active   string
	lastPlay time.Time
	waiters  map[string][]chan struct{}
	subs     map[chan Event]struct{}
	closed   bool
}

func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PauseTimeout <= 0 {
		opts.PauseTimeout = DefaultPauseTimeout
	}
	if opts.PlayAttempts < 1 {
		opts.PlayAttempts = 2
	}
	return &Registry{
		clk:  opts.Clock,
		opts: opts,
		policy: retry.Policy{
			MaxAttempts: opts.PlayAttempts,
			Classify:    classifyPlayError,
			Clock:       opts.Clock,
		},
		channels: make(map[string]*entry),
		waiters:  make(map[string][]chan struct{}),
		subs:     make(map[chan Event]struct{}),
	}
}

// classifyPlayError: an abort means a newer pause preempted the play, which
// is expected; missing sources and closed primitives cannot succeed later.
func classifyPlayError(err error) retry.Action {
	switch {
	case errors.Is(err, audio.ErrAborted):
		return retry.Drop
	case errors.Is(err, audio.ErrNoSource),
		errors.Is(err, audio.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return retry.Fail
	default:
		return retry.Retry
	}
}

// Register inserts or replaces the channel id. A replaced primitive is paused
// and detached first.
func (r *Registry) Register(id string, p audio.Primitive, isMaster bool) {
	e := &entry{id: id, prim: p}
	e.unlisten = p.Listen(func(ev audio.Event) { r.onEvent(id, p, ev) })

	r.mu.Lock()
	if old, ok := r.channels[id]; ok {
		old.unlisten()
		if old.prim != p {
			old.prim.Pause()
		}
		e.trackID = old.trackID
		if !isMaster {
			isMaster = old.master
		}
		r.releaseWaitersLocked(id)
	}
	r.channels[id] = e
	if isMaster {
		r.setMasterLocked(id)
	}
	r.mu.Unlock()

	log.Printf("REGISTRY: registered %s (master=%v)", id, isMaster)
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.channels[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.channels, id)
	if r.active == id {
		r.active = ""
	}
	r.releaseWaitersLocked(id)
	r.mu.Unlock()

	e.unlisten()
	e.prim.Pause()
	log.Printf("REGISTRY: unregistered %s", id)
}

// SetMaster makes id the only master channel.
func (r *Registry) SetMaster(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[id]; !ok {
		return fmt.Errorf("set master %s: %w", id, ErrUnknownChannel)
	}
	r.setMasterLocked(id)
	return nil
}

func (r *Registry) setMasterLocked(id string) {
	for cid, e := range r.channels {
		e.master = cid == id
	}
}

// Demote clears the master flag of id and silences it.
func (r *Registry) Demote(id string) {
	r.mu.Lock()
	e, ok := r.channels[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.master = false
	if r.active == id {
		r.active = ""
	}
	e.prim.SetMuted(true)
	e.prim.Pause()
	r.mu.Unlock()
}

// Mute silences id without pausing it.
func (r *Registry) Mute(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.channels[id]; ok {
		e.prim.SetMuted(true)
	}
}

// Unmute makes a master channel audible again. Non-master channels stay
// muted.
func (r *Registry) Unmute(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[id]
	if !ok || !e.master {
		return false
	}
	e.prim.SetMuted(false)
	return true
}

// PlayTrack makes id the active channel and plays track from position. On
// the already active channel with the same track and no force it toggles
// between pause and resume instead.
func (r *Registry) PlayTrack(ctx context.Context, id string, track music.Track, position float64, force bool) error {
	r.playMu.Lock()
	defer r.playMu.Unlock()

	r.mu.Lock()
	e, ok := r.channels[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("play %s: %w", id, ErrUnknownChannel)
	}
	r.lastPlay = r.clk.Now()
	prim := e.prim

	if r.active == id && e.trackID == track.ID && !force {
		r.mu.Unlock()
		if !prim.Paused() {
			prim.Pause()
			return nil
		}
		prim.SetMuted(false)
		return r.play(ctx, id, prim)
	}

	if track.AudioURL == "" {
		r.mu.Unlock()
		prim.Pause()
		r.forget(id, e)
		return fmt.Errorf("play %s on %s: %w", track.ID, id, audio.ErrNoSource)
	}

	stopped := r.stopAllExceptLocked(id)
	r.active = id
	e.trackID = track.ID
	r.mu.Unlock()

	if stopped > 0 && r.opts.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			prim.Pause()
			r.forget(id, e)
			return ctx.Err()
		case <-r.clk.After(r.opts.SettleDelay):
		}
	}

	if prim.Src() != track.AudioURL {
		prim.SetSrc(track.AudioURL)
	}
	if dur := prim.Duration(); position > 0 && (dur <= 0 || position <= dur) {
		prim.SetCurrentTime(position)
	} else {
		prim.SetCurrentTime(0)
	}
	prim.SetMuted(false)
	if err := r.play(ctx, id, prim); err != nil {
		r.forget(id, e)
		return err
	}
	return nil
}

// forget drops what the registry knows about the track loaded on e after a
// failed play, so the next PlayTrack loads it again instead of toggling.
func (r *Registry) forget(id string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[id] != e {
		return
	}
	e.trackID = ""
	if r.active == id {
		r.active = ""
	}
}

func (r *Registry) play(ctx context.Context, id string, prim audio.Primitive) error {
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		return prim.Play(ctx)
	})
	if err != nil {
		log.Printf("REGISTRY: play on %s failed: %v", id, err)
		prim.Pause()
		return fmt.Errorf("play on %s: %w", id, err)
	}
	return nil
}

// PauseActive pauses the active channel and waits for its pause event, at
// most PauseTimeout.
func (r *Registry) PauseActive(ctx context.Context) error {
	r.mu.Lock()
	e, ok := r.channels[r.active]
	if !ok || e.prim.Paused() {
		r.mu.Unlock()
		return nil
	}
	id := e.id
	ack := make(chan struct{})
	r.waiters[id] = append(r.waiters[id], ack)
	prim := e.prim
	r.mu.Unlock()

	prim.Pause()

	select {
	case <-ack:
		return nil
	case <-r.clk.After(r.opts.PauseTimeout):
		log.Printf("REGISTRY: no pause acknowledgement from %s after %s", id, r.opts.PauseTimeout)
	case <-ctx.Done():
	}

	r.mu.Lock()
	ws := r.waiters[id]
	for i, w := range ws {
		if w == ack {
			r.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return ctx.Err()
}

// StopAllExcept mutes and pauses every channel but id. An empty id stops all.
func (r *Registry) StopAllExcept(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.stopAllExceptLocked(id)
	if r.active != id {
		r.active = ""
	}
	return n
}

// stopAllExceptLocked returns how many channels were audible before.
func (r *Registry) stopAllExceptLocked(id string) int {
	n := 0
	for cid, e := range r.channels {
		if cid == id {
			continue
		}
		if audio.Audible(e.prim) {
			n++
		}
		e.prim.SetMuted(true)
		e.prim.Pause()
	}
	return n
}

func (r *Registry) onEvent(id string, p audio.Primitive, ev audio.Event) {
	switch ev.Type {
	case audio.EventPlaying:
		r.arbitrate(id, p)
	case audio.EventPause, audio.EventEnded:
		r.mu.Lock()
		r.releaseWaitersLocked(id)
		r.mu.Unlock()
	}
	r.broadcast(Event{Channel: id, Event: ev})
}

// arbitrate enforces exclusivity when a channel starts playing on its own.
func (r *Registry) arbitrate(id string, p audio.Primitive) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.channels[id]
	if !ok || e.prim != p || id == r.active {
		return
	}
	if r.clk.Since(r.lastPlay) < r.opts.NoiseWindow {
		return
	}

	cur := r.channels[r.active]
	switch {
	case e.master:
		if cur != nil {
			cur.prim.SetMuted(true)
			cur.prim.Pause()
		}
		e.prim.SetMuted(false)
		log.Printf("REGISTRY: master %s took over from %q", id, r.active)
		r.active = id
	case cur == nil && !r.hasMasterLocked():
		r.active = id
	default:
		log.Printf("REGISTRY: stopping unauthorised playback on %s", id)
		e.prim.SetMuted(true)
		e.prim.Pause()
	}
}

func (r *Registry) hasMasterLocked() bool {
	for _, e := range r.channels {
		if e.master {
			return true
		}
	}
	return false
}

func (r *Registry) releaseWaitersLocked(id string) {
	for _, w := range r.waiters[id] {
		close(w)
	}
	delete(r.waiters, id)
}

// Active returns the active channel id, or "".
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registry) IsMaster(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[id]
	return ok && e.master
}

// Position returns the playback position of id in seconds.
func (r *Registry) Position(id string) float64 {
	r.mu.Lock()
	e, ok := r.channels[id]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return e.prim.CurrentTime()
}

// Seek moves the playback position of id without changing play state.
func (r *Registry) Seek(id string, seconds float64) error {
	r.mu.Lock()
	e, ok := r.channels[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("seek %s: %w", id, ErrUnknownChannel)
	}
	e.prim.SetCurrentTime(seconds)
	return nil
}

// SetVolume applies v to every registered primitive.
func (r *Registry) SetVolume(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.channels {
		e.prim.SetVolume(v)
	}
}

// Playing reports whether id is audible.
func (r *Registry) Playing(id string) bool {
	r.mu.Lock()
	e, ok := r.channels[id]
	r.mu.Unlock()
	return ok && !e.prim.Paused()
}

func (r *Registry) Channels() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.channels))
	for id, e := range r.channels {
		out = append(out, Status{
			ID:       id,
			Master:   e.master,
			Active:   id == r.active,
			Muted:    e.prim.Muted(),
			Paused:   e.prim.Paused(),
			TrackID:  e.trackID,
			Src:      e.prim.Src(),
			Position: e.prim.CurrentTime(),
			Duration: e.prim.Duration(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe returns a channel of tagged primitive events.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) broadcast(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("REGISTRY: subscriber slow, dropped %s from %s", ev.Type, ev.Channel)
		}
	}
}

// Close pauses and detaches every channel.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.channels))
	for _, e := range r.channels {
		entries = append(entries, e)
	}
	r.channels = make(map[string]*entry)
	r.active = ""
	for id := range r.waiters {
		r.releaseWaitersLocked(id)
	}
	for ch := range r.subs {
		delete(r.subs, ch)
		close(ch)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.unlisten()
		e.prim.Pause()
	}
}

// Package player is the transport state machine of one playback context. It
// owns the playback session, drives the channel registry from the queue and
// mirrors what sibling contexts do through sync messages on the bus.
package player

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/playsync/internal/bus"
	"github.com/petervdpas/playsync/internal/channel"
	"github.com/petervdpas/playsync/internal/music"
	"github.com/petervdpas/playsync/internal/queue"
	"github.com/petervdpas/playsync/internal/storage"
)

var (
	ErrEmptyQueue        = errors.New("player: queue is empty")
	ErrIndexOutOfRange   = errors.New("player: index out of range")
	ErrInvalidRepeatMode = errors.New("player: unknown repeat mode")
)

const (
	// PrevRestartAfter is how far into a track "previous" restarts it instead
	// of moving back.
	PrevRestartAfter = 3 * time.Second

	DefaultSaveInterval = 2 * time.Second

	// A restored session only counts as playing when it was saved this
	// recently; older ones belong to contexts that are gone.
	sessionFreshness = 5 * time.Second
)

type RepeatMode string

const (
	RepeatNone RepeatMode = "none"
	RepeatAll  RepeatMode = "all"
	RepeatOne  RepeatMode = "one"
)

// next cycles none, all, one.
func (m RepeatMode) next() RepeatMode {
	switch m {
	case RepeatNone:
		return RepeatAll
	case RepeatAll:
		return RepeatOne
	default:
		return RepeatNone
	}
}

func (m RepeatMode) valid() bool {
	return m == RepeatNone || m == RepeatAll || m == RepeatOne
}

type Status string

const (
	StatusIdle    Status = "idle"
	StatusReady   Status = "ready"
	StatusPlaying Status = "playing"
)

// Session is the logical playback state shared by every context.
type Session struct {
	TrackID           string     `json:"trackId,omitempty"`
	CurrentTrackIndex int        `json:"currentTrackIndex"`
	IsPlaying         bool       `json:"isPlaying"`
	RepeatMode        RepeatMode `json:"repeatMode"`
	ShuffleMode       bool       `json:"shuffleMode"`
	Volume            float64    `json:"volume"`
	Position          float64    `json:"position"`
	LastUpdate        int64      `json:"lastUpdate"` // unix millis
}

// State is the read model handed to the viewer.
type State struct {
	Status           Status           `json:"status"`
	Session          Session          `json:"session"`
	CurrentTrack     *music.Track     `json:"currentTrack,omitempty"`
	Queue            []music.Track    `json:"queue"`
	History          []music.Track    `json:"history"`
	IsMaster         bool             `json:"isMaster"`
	PlayerWindowOpen bool             `json:"isPlayerWindowOpen"`
	Channels         []channel.Status `json:"channels"`
}

// Bus is the part of the cross-context bus the player uses.
type Bus interface {
	Publish(ctx context.Context, typ string, payload any)
	Subscribe(h bus.Handler) (cancel func())
}

// Elector is the part of the master election the player uses.
type Elector interface {
	IsMaster() bool
	BecomeMaster()
	Subscribe() (<-chan bool, func())
	WindowOpen() bool
}

type Options struct {
	// ContextID is this context's channel id in the registry.
	ContextID string
	Registry  *channel.Registry
	Queue     *queue.Queue
	// Bus, Store and Elector are optional. Without an elector the context
	// behaves as the only one and is always master.
	Bus     Bus
	Store   storage.KV
	Elector Elector
	Clock   clock.Clock
	// SaveInterval paces position saves while playing.
	SaveInterval time.Duration
}

type Player struct {
	id    string
	reg   *channel.Registry
	q     *queue.Queue
	bus   Bus
	store storage.KV
	el    Elector
	clk   clock.Clock
	opts  Options

	opMu sync.Mutex // serialises transport operations

	mu      sync.Mutex
	session Session
	subs    map[chan State]struct{}

	cancel context.CancelFunc
	unsub  []func()
	wg     sync.WaitGroup
}

func New(opts Options) *Player {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = DefaultSaveInterval
	}
	return &Player{
		id:    opts.ContextID,
		reg:   opts.Registry,
		q:     opts.Queue,
		bus:   opts.Bus,
		store: opts.Store,
		el:    opts.Elector,
		clk:   opts.Clock,
		opts:  opts,
		session: Session{
			CurrentTrackIndex: -1,
			RepeatMode:        RepeatNone,
			Volume:            1,
		},
		subs: make(map[chan State]struct{}),
	}
}

// Start restores persisted state and begins consuming registry events,
// queue changes, master transitions and sync messages.
func (p *Player) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.restore()

	events, unsubEvents := p.reg.Subscribe()
	changes, unsubChanges := p.q.Subscribe()
	p.unsub = append(p.unsub, unsubEvents, unsubChanges)
	if p.bus != nil {
		p.unsub = append(p.unsub, p.bus.Subscribe(func(m bus.Message) { p.onMessage(ctx, m) }))
	}
	var transitions <-chan bool
	if p.el != nil {
		var unsubEl func()
		transitions, unsubEl = p.el.Subscribe()
		p.unsub = append(p.unsub, unsubEl)
	}

	p.wg.Add(2)
	go p.eventLoop(ctx, events, transitions)
	go p.changeLoop(ctx, changes)

	log.Printf("PLAYER: %s started", p.id)
}

func (p *Player) eventLoop(ctx context.Context, events <-chan channel.Event, transitions <-chan bool) {
	defer p.wg.Done()
	t := p.clk.Ticker(p.opts.SaveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Channel == p.id {
				p.onChannelEvent(ctx, ev)
			}
		case master, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if master {
				p.handover(ctx)
			}
			p.notify()
		case <-t.C:
			p.saveProgress()
		}
	}
}

func (p *Player) changeLoop(ctx context.Context, changes <-chan queue.Change) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			p.saveQueue()
			if c.Kind == queue.ChangeSelect || c.Kind == queue.ChangeHistory {
				p.saveHistory()
			}
			p.notify()
		}
	}
}

// Close stops the loops and clears the per-track positions.
func (p *Player) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	for _, u := range p.unsub {
		u()
	}
	p.wg.Wait()
	p.clearPositions()

	p.mu.Lock()
	for ch := range p.subs {
		delete(p.subs, ch)
		close(ch)
	}
	p.mu.Unlock()
}

func (p *Player) isMaster() bool {
	return p.el == nil || p.el.IsMaster()
}

// BecomeMaster asks the election to make this context audible.
func (p *Player) BecomeMaster() {
	if p.el != nil {
		p.el.BecomeMaster()
	}
}

func (p *Player) Session() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// State returns the read model.
func (p *Player) State() State {
	p.mu.Lock()
	s := p.session
	p.mu.Unlock()

	st := State{
		Session:  s,
		Queue:    p.q.Tracks(),
		History:  p.q.History(),
		IsMaster: p.isMaster(),
		Channels: p.reg.Channels(),
	}
	if p.el != nil {
		st.PlayerWindowOpen = p.el.WindowOpen()
	}
	if t, ok := p.q.Current(); ok {
		st.CurrentTrack = &t
	}
	switch {
	case st.CurrentTrack == nil:
		st.Status = StatusIdle
	case s.IsPlaying:
		st.Status = StatusPlaying
	default:
		st.Status = StatusReady
	}
	return st
}

// Subscribe streams read model snapshots after every change.
func (p *Player) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		if _, ok := p.subs[ch]; ok {
			delete(p.subs, ch)
			close(ch)
		}
		p.mu.Unlock()
	}
}

func (p *Player) notify() {
	st := p.State()
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// update mutates the session under the lock and stamps it.
func (p *Player) update(fn func(s *Session)) Session {
	p.mu.Lock()
	fn(&p.session)
	p.session.LastUpdate = p.clk.Now().UnixMilli()
	s := p.session
	p.mu.Unlock()
	return s
}

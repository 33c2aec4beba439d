// Package election decides which context of an installation owns the
// audible stream. The owner keeps a claim fresh in shared storage; every
// other context stays muted until the claim goes stale.
package election

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/playsync/internal/bus"
	"github.com/petervdpas/playsync/internal/channel"
	"github.com/petervdpas/playsync/internal/proto"
	"github.com/petervdpas/playsync/internal/storage"
)

const (
	DefaultInterval   = 3 * time.Second
	DefaultStaleAfter = 5 * time.Second
)

type Options struct {
	Clock clock.Clock
	// Interval between heartbeat checks.
	Interval time.Duration
	// StaleAfter is the age at which a claim or an opened window marker is
	// considered abandoned.
	StaleAfter time.Duration
	// PlayerWindow marks the dedicated player context. While its window is
	// open it takes mastership from anyone.
	PlayerWindow bool
}

// Elector runs the election for one context. The context id doubles as its
// channel id in the registry.
type Elector struct {
	id   string
	reg  *channel.Registry
	kv   storage.KV
	bus  *bus.Bus
	clk  clock.Clock
	opts Options

	checkMu sync.Mutex // serialises Check and claims

	mu         sync.Mutex
	master     bool
	claimTS    int64
	windowOpen bool
	subs       map[chan bool]struct{}

	trigger chan struct{}
	become  chan struct{}

	unsubBus  func()
	unwatch   func()
	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New wires the elector to the bus and the store. Checks only run on their
// own after Start; Check may also be called directly.
func New(id string, reg *channel.Registry, kv storage.KV, b *bus.Bus, opts Options) *Elector {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	e := &Elector{
		id:      id,
		reg:     reg,
		kv:      kv,
		bus:     b,
		clk:     opts.Clock,
		opts:    opts,
		subs:    make(map[chan bool]struct{}),
		trigger: make(chan struct{}, 1),
		become:  make(chan struct{}, 1),
	}
	if b != nil {
		e.unsubBus = b.Subscribe(e.onMessage)
	}
	e.unwatch = kv.Watch(func(en storage.Entry) {
		switch en.Key {
		case proto.KeyMasterClaim, proto.KeyWindowOpened, proto.KeyWindowClosed:
			if en.Writer != e.id {
				e.poke()
			}
		}
	})
	return e
}

func (e *Elector) ID() string { return e.id }

// Start runs an immediate check followed by one every Interval, plus one
// whenever another context touches the claim or the window markers.
func (e *Elector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.stop = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
}

func (e *Elector) loop(ctx context.Context) {
	defer e.wg.Done()
	t := e.clk.Ticker(e.opts.Interval)
	defer t.Stop()

	e.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Check(ctx)
		case <-e.trigger:
			e.Check(ctx)
		case <-e.become:
			e.checkMu.Lock()
			e.claim(ctx, "requested")
			e.checkMu.Unlock()
		}
	}
}

func (e *Elector) poke() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// BecomeMaster asks for mastership. The claim is made by the check loop, not
// by the caller.
func (e *Elector) BecomeMaster() {
	select {
	case e.become <- struct{}{}:
	default:
	}
}

func (e *Elector) IsMaster() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.master
}

// Check evaluates the current claim once.
func (e *Elector) Check(ctx context.Context) {
	e.checkMu.Lock()
	defer e.checkMu.Unlock()

	now := e.clk.Now().UnixMilli()
	stale := e.opts.StaleAfter.Milliseconds()

	e.mu.Lock()
	ownWindow := e.opts.PlayerWindow && e.windowOpen
	e.mu.Unlock()
	if ownWindow {
		e.writeWindow(ctx, proto.KeyWindowOpened, true, false)
	}

	claim, ok := e.readClaim()
	switch {
	case ok && claim.OwnerID == e.id:
		e.heartbeat(now)

	case !ok || now-claim.Timestamp > stale:
		if !ownWindow && e.windowOpenAt(now) {
			log.Printf("MASTER: %s defers to the open player window", e.id)
			e.step(false)
			return
		}
		e.claim(ctx, "claim stale")

	case ownWindow:
		e.claim(ctx, "player window")

	default:
		e.step(false)
	}
}

func (e *Elector) readClaim() (proto.MasterClaim, bool) {
	en, ok, err := e.kv.Get(proto.KeyMasterClaim)
	if err != nil {
		log.Printf("MASTER: read claim: %v", err)
		return proto.MasterClaim{}, false
	}
	if !ok {
		return proto.MasterClaim{}, false
	}
	var c proto.MasterClaim
	if err := json.Unmarshal(en.Value, &c); err != nil {
		log.Printf("MASTER: bad claim: %v", err)
		return proto.MasterClaim{}, false
	}
	return c, true
}

func (e *Elector) writeClaim(ts int64) bool {
	raw, _ := json.Marshal(proto.MasterClaim{OwnerID: e.id, Timestamp: ts})
	ok, err := e.kv.Set(proto.KeyMasterClaim, raw, ts, e.id)
	if err != nil {
		log.Printf("MASTER: write claim: %v", err)
		return false
	}
	return ok
}

func (e *Elector) heartbeat(now int64) {
	if !e.writeClaim(now) {
		// a newer claim landed in between; the next check sees it
		return
	}
	e.mu.Lock()
	e.claimTS = now
	e.mu.Unlock()
	e.step(true)
}

// claim takes mastership: storage first, then the registry, then the bus.
func (e *Elector) claim(ctx context.Context, reason string) {
	now := e.clk.Now().UnixMilli()
	if !e.writeClaim(now) {
		log.Printf("MASTER: %s lost the claim race", e.id)
		return
	}
	e.mu.Lock()
	e.claimTS = now
	e.mu.Unlock()

	e.step(true)
	log.Printf("MASTER: %s is master (%s)", e.id, reason)
	if e.bus != nil {
		e.bus.Publish(ctx, proto.TypeBecomeMaster, proto.MasterClaim{OwnerID: e.id, Timestamp: now})
	}
}

// step applies the local side of a master decision and notifies subscribers
// on change.
func (e *Elector) step(master bool) {
	e.mu.Lock()
	changed := e.master != master
	e.master = master
	e.mu.Unlock()

	if master {
		if err := e.reg.SetMaster(e.id); err != nil {
			log.Printf("MASTER: %v", err)
		} else {
			e.reg.Unmute(e.id)
		}
	} else if changed {
		e.reg.Demote(e.id)
		log.Printf("MASTER: %s demoted", e.id)
	} else {
		e.reg.Mute(e.id)
	}
	if changed {
		e.notify(master)
	}
}

func (e *Elector) onMessage(m bus.Message) {
	switch m.Type {
	case proto.TypeBecomeMaster:
		var c proto.MasterClaim
		if err := m.Decode(&c); err != nil {
			log.Printf("MASTER: bad %s from %s: %v", m.Type, m.Source, err)
			return
		}
		e.checkMu.Lock()
		defer e.checkMu.Unlock()
		e.mu.Lock()
		demote := e.master && c.OwnerID != e.id && c.Timestamp >= e.claimTS
		e.mu.Unlock()
		if demote {
			e.step(false)
		}
	case proto.TypeWindow:
		e.poke()
	}
}

// OpenPlayerWindow marks this context's player window as open.
func (e *Elector) OpenPlayerWindow(ctx context.Context) {
	e.mu.Lock()
	e.windowOpen = true
	e.mu.Unlock()
	e.writeWindow(ctx, proto.KeyWindowOpened, true, true)
	e.poke()
}

// ClosePlayerWindow marks the window closed. Mastership is kept until the
// claim goes stale or Resign is called.
func (e *Elector) ClosePlayerWindow(ctx context.Context) {
	e.mu.Lock()
	e.windowOpen = false
	e.mu.Unlock()
	e.writeWindow(ctx, proto.KeyWindowClosed, false, true)
}

func (e *Elector) writeWindow(ctx context.Context, key string, open, announce bool) {
	now := e.clk.Now().UnixMilli()
	raw, _ := json.Marshal(proto.WindowUpdate{Open: open, Timestamp: now})
	if _, err := e.kv.Set(key, raw, now, e.id); err != nil {
		log.Printf("MASTER: write %s: %v", key, err)
		return
	}
	if announce && e.bus != nil {
		e.bus.Publish(ctx, proto.TypeWindow, proto.WindowUpdate{Open: open, Timestamp: now})
	}
}

// WindowOpen reports whether any context's player window is open.
func (e *Elector) WindowOpen() bool {
	return e.windowOpenAt(e.clk.Now().UnixMilli())
}

// windowOpenAt reports an opened marker newer than the closed marker and
// younger than the staleness timeout.
func (e *Elector) windowOpenAt(now int64) bool {
	opened, ok, err := e.kv.Get(proto.KeyWindowOpened)
	if err != nil || !ok {
		return false
	}
	if now-opened.Timestamp > e.opts.StaleAfter.Milliseconds() {
		return false
	}
	closed, ok, err := e.kv.Get(proto.KeyWindowClosed)
	if err != nil || !ok {
		return true
	}
	return opened.Timestamp > closed.Timestamp
}

// Subscribe reports master transitions of this context.
func (e *Elector) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 4)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
	return ch, func() {
		e.mu.Lock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
		e.mu.Unlock()
	}
}

func (e *Elector) notify(master bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- master:
		default:
			log.Printf("MASTER: subscriber slow, dropped transition")
		}
	}
}

// Resign gives up mastership and expires this context's claim so a sibling
// takes over on its next check.
func (e *Elector) Resign() {
	e.checkMu.Lock()
	defer e.checkMu.Unlock()

	if c, ok := e.readClaim(); ok && c.OwnerID == e.id {
		if err := e.kv.Delete(proto.KeyMasterClaim); err != nil {
			log.Printf("MASTER: expire claim: %v", err)
		}
	}
	e.mu.Lock()
	e.claimTS = 0
	e.mu.Unlock()
	if e.IsMaster() {
		e.step(false)
	}
}

// Close stops the loop and detaches from the bus and the store.
func (e *Elector) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		stop := e.stop
		e.mu.Unlock()
		if stop != nil {
			stop()
		}
		e.wg.Wait()
		if e.unsubBus != nil {
			e.unsubBus()
		}
		e.unwatch()
	})
}

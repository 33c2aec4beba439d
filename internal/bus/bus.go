// Package bus is the named broadcast channel every playback context of one
// installation joins. Messages reach every other context on the channel and
// never echo back to the sender.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrClosed is returned by transports that have been closed or reclaimed.
var ErrClosed = errors.New("bus: transport closed")

const DefaultLivenessInterval = 3 * time.Second

// Message is the wire envelope. Payload is decoded by the subscriber that
// understands Type; unknown types are ignored.
type Message struct {
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("bus: %s message has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// Transport is one live attachment to a channel. The bus owns it and replaces
// it whenever it fails.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	// Next blocks for the next frame sent by another attachment.
	Next(ctx context.Context) ([]byte, error)
	// Err reports a transport that died without a pending Next noticing.
	Err() error
	Close() error
}

// Opener attaches to the named channel.
type Opener func(ctx context.Context, channel string) (Transport, error)

type Handler func(Message)

type Options struct {
	LivenessInterval time.Duration
	Clock            clock.Clock
}

type Bus struct {
	channel string
	source  string
	open    Opener
	clk     clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tr       Transport
	gen      uint64
	handlers map[int]Handler
	nextID   int
	closed   bool
	opening  bool // a dial is in flight

	wg sync.WaitGroup
}

// New attaches to channel as source and starts the reader and the liveness
// check. Handlers survive transport recreation.
func New(ctx context.Context, channel, source string, open Opener, opts Options) (*Bus, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = DefaultLivenessInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &Bus{
		channel:  channel,
		source:   source,
		open:     open,
		clk:      opts.Clock,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[int]Handler),
	}

	tr, err := open(ctx, channel)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bus: open %s: %w", channel, err)
	}
	b.mu.Lock()
	b.attachLocked(tr)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.liveness(opts.LivenessInterval)

	log.Printf("BUS: joined %s as %s", channel, source)
	return b, nil
}

func (b *Bus) Channel() string { return b.channel }
func (b *Bus) Source() string  { return b.source }

// Subscribe registers h for every message from other contexts.
func (b *Bus) Subscribe(h Handler) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish broadcasts a message. A failed send recreates the transport and is
// retried once; after that the message is logged and dropped.
func (b *Bus) Publish(ctx context.Context, typ string, payload any) {
	msg := Message{Type: typ, Source: b.source, Timestamp: b.clk.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			log.Printf("BUS: marshal %s: %v", typ, err)
			return
		}
		msg.Payload = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("BUS: marshal %s: %v", typ, err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		tr, gen := b.tr, b.gen
		b.mu.Unlock()

		if tr != nil {
			if err = tr.Send(ctx, data); err == nil {
				return
			}
		} else {
			err = ErrClosed
		}
		if ctx.Err() != nil {
			break
		}
		b.recreate(gen, err)
	}
	log.Printf("BUS: dropped %s: %v", typ, err)
}

// Close detaches from the channel. Pending handlers finish first.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	tr := b.tr
	b.tr = nil
	b.mu.Unlock()

	b.cancel()
	var err error
	if tr != nil {
		err = tr.Close()
	}
	b.wg.Wait()
	return err
}

func (b *Bus) attachLocked(tr Transport) {
	b.tr = tr
	b.gen++
	gen := b.gen
	b.wg.Add(1)
	go b.read(tr, gen)
}

// recreate replaces the transport of generation gen. Callers racing on the
// same dead transport recreate it once.
func (b *Bus) recreate(gen uint64, cause error) {
	b.mu.Lock()
	if b.closed || gen != b.gen || b.opening {
		b.mu.Unlock()
		return
	}
	old := b.tr
	b.tr = nil
	b.opening = true
	b.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	log.Printf("BUS: %s transport lost (%v), reattaching", b.channel, cause)
	// on failure tr stays nil and the next liveness tick retries
	b.dial()
}

// dial opens a transport without holding mu, so publishers and handlers are
// not stalled behind a slow handshake. The caller has set b.opening.
func (b *Bus) dial() bool {
	tr, err := b.open(b.ctx, b.channel)

	b.mu.Lock()
	b.opening = false
	if err != nil {
		b.mu.Unlock()
		log.Printf("BUS: reattach %s: %v", b.channel, err)
		return false
	}
	if b.closed || b.tr != nil {
		b.mu.Unlock()
		_ = tr.Close()
		return false
	}
	b.attachLocked(tr)
	b.mu.Unlock()
	return true
}

func (b *Bus) read(tr Transport, gen uint64) {
	defer b.wg.Done()
	for {
		data, err := tr.Next(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.recreate(gen, err)
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("BUS: bad frame on %s: %v", b.channel, err)
			continue
		}
		if msg.Source == b.source {
			continue
		}
		b.dispatch(msg)
	}
}

func (b *Bus) dispatch(msg Message) {
	b.mu.Lock()
	hs := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

func (b *Bus) liveness(every time.Duration) {
	defer b.wg.Done()
	t := b.clk.Ticker(every)
	defer t.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-t.C:
		}

		b.mu.Lock()
		tr, gen := b.tr, b.gen
		b.mu.Unlock()

		switch {
		case tr == nil:
			b.reopen()
		case tr.Err() != nil:
			b.recreate(gen, tr.Err())
		}
	}
}

// reopen attaches after a failed recreate left the bus without a transport.
func (b *Bus) reopen() {
	b.mu.Lock()
	if b.closed || b.tr != nil || b.opening {
		b.mu.Unlock()
		return
	}
	b.opening = true
	b.mu.Unlock()

	if b.dial() {
		log.Printf("BUS: reattached %s", b.channel)
	}
}

package bus

import (
	"context"
	"log"
	"sync"
)

const hubInbox = 256

// Hub is an in-process channel registry. Contexts sharing one Hub behave like
// separate processes sharing a broadcast channel.
type Hub struct {
	mu    sync.Mutex
	conns map[string]map[*hubConn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*hubConn]struct{})}
}

// Opener returns an Opener that attaches to this hub.
func (h *Hub) Opener() Opener {
	return func(_ context.Context, channel string) (Transport, error) {
		return h.attach(channel), nil
	}
}

// Invalidate kills every attachment to channel, as when the host reclaims
// the channel object.
func (h *Hub) Invalidate(channel string) {
	h.mu.Lock()
	set := h.conns[channel]
	delete(h.conns, channel)
	h.mu.Unlock()

	for c := range set {
		c.kill()
	}
}

// Attached reports how many live attachments channel has.
func (h *Hub) Attached(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[channel])
}

func (h *Hub) attach(channel string) *hubConn {
	c := &hubConn{
		hub:     h,
		channel: channel,
		inbox:   make(chan []byte, hubInbox),
		dead:    make(chan struct{}),
	}
	h.mu.Lock()
	set, ok := h.conns[channel]
	if !ok {
		set = make(map[*hubConn]struct{})
		h.conns[channel] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) detach(c *hubConn) {
	h.mu.Lock()
	if set, ok := h.conns[c.channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.channel)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(from *hubConn, data []byte) {
	h.mu.Lock()
	peers := make([]*hubConn, 0, len(h.conns[from.channel]))
	for c := range h.conns[from.channel] {
		if c != from {
			peers = append(peers, c)
		}
	}
	h.mu.Unlock()

	for _, c := range peers {
		select {
		case c.inbox <- data:
		case <-c.dead:
		default:
			log.Printf("BUS: hub inbox full on %s, dropping frame", c.channel)
		}
	}
}

type hubConn struct {
	hub     *Hub
	channel string
	inbox   chan []byte
	dead    chan struct{}
	once    sync.Once
}

func (c *hubConn) Send(ctx context.Context, data []byte) error {
	if err := c.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.hub.broadcast(c, append([]byte(nil), data...))
	return nil
}

func (c *hubConn) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.dead:
		return nil, ErrClosed
	case data := <-c.inbox:
		return data, nil
	}
}

func (c *hubConn) Err() error {
	select {
	case <-c.dead:
		return ErrClosed
	default:
		return nil
	}
}

func (c *hubConn) Close() error {
	c.hub.detach(c)
	c.kill()
	return nil
}

func (c *hubConn) kill() {
	c.once.Do(func() { close(c.dead) })
}

package bus

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 5 * time.Second

	DefaultPingInterval = 10 * time.Second
	DefaultPongWait     = 25 * time.Second
)

// WebSocketOptions tunes the client keepalive. A relay that answers no ping
// within PongWait is treated as dead.
type WebSocketOptions struct {
	PingInterval time.Duration
	PongWait     time.Duration
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Relay fans frames out between websocket clients joined to the same
// channel. Contexts in separate processes without a shared pubsub mesh use it
// as their broadcast medium.
type Relay struct {
	mu    sync.Mutex
	peers map[string]map[*wsPeer]struct{}
}

func NewRelay() *Relay {
	return &Relay{peers: make(map[string]map[*wsPeer]struct{})}
}

type wsPeer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *wsPeer) ping() error {
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (p *wsPeer) write(data []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// ServeHTTP upgrades GET ?channel=<name> and relays until the client leaves.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("BUS: relay upgrade: %v", err)
		return
	}
	p := &wsPeer{conn: conn}

	rl.mu.Lock()
	set, ok := rl.peers[channel]
	if !ok {
		set = make(map[*wsPeer]struct{})
		rl.peers[channel] = set
	}
	set[p] = struct{}{}
	rl.mu.Unlock()

	defer func() {
		rl.mu.Lock()
		delete(rl.peers[channel], p)
		if len(rl.peers[channel]) == 0 {
			delete(rl.peers, channel)
		}
		rl.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		rl.mu.Lock()
		others := make([]*wsPeer, 0, len(rl.peers[channel]))
		for o := range rl.peers[channel] {
			if o != p {
				others = append(others, o)
			}
		}
		rl.mu.Unlock()

		for _, o := range others {
			if err := o.write(data); err != nil {
				log.Printf("BUS: relay write: %v", err)
				o.conn.Close()
			}
		}
	}
}

// Peers reports how many clients are joined to channel.
func (rl *Relay) Peers(channel string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.peers[channel])
}

// WebSocketOpener dials a Relay. relayURL may use http(s) or ws(s).
func WebSocketOpener(relayURL string) Opener {
	return WebSocketOpenerWithOptions(relayURL, WebSocketOptions{})
}

func WebSocketOpenerWithOptions(relayURL string, opts WebSocketOptions) Opener {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongWait <= opts.PingInterval {
		opts.PongWait = opts.PingInterval * 5 / 2
	}
	return func(ctx context.Context, channel string) (Transport, error) {
		u, err := url.Parse(relayURL)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(u.Scheme) {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		q := u.Query()
		q.Set("channel", channel)
		u.RawQuery = q.Encode()

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial relay: %w", err)
		}
		return newWSTransport(conn, opts), nil
	}
}

type wsTransport struct {
	peer     *wsPeer
	frames   chan []byte
	dead     chan struct{}
	pongWait time.Duration

	mu   sync.Mutex
	err  error
	once sync.Once
}

func newWSTransport(conn *websocket.Conn, opts WebSocketOptions) *wsTransport {
	t := &wsTransport{
		peer:     &wsPeer{conn: conn},
		frames:   make(chan []byte, 64),
		dead:     make(chan struct{}),
		pongWait: opts.PongWait,
	}
	t.extendDeadline()
	conn.SetPongHandler(func(string) error {
		t.extendDeadline()
		return nil
	})
	go t.readLoop()
	go t.pingLoop(opts.PingInterval)
	return t
}

func (t *wsTransport) extendDeadline() {
	_ = t.peer.conn.SetReadDeadline(time.Now().Add(t.pongWait))
}

// pingLoop keeps the relay answering. A relay that stops reading never
// pongs, the read deadline expires and readLoop fails the transport.
func (t *wsTransport) pingLoop(every time.Duration) {
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-t.dead:
			return
		case <-tk.C:
		}
		if err := t.peer.ping(); err != nil {
			t.fail(err)
			return
		}
	}
}

func (t *wsTransport) readLoop() {
	for {
		_, data, err := t.peer.conn.ReadMessage()
		if err != nil {
			t.fail(err)
			return
		}
		t.extendDeadline()
		select {
		case t.frames <- data:
		case <-t.dead:
			return
		}
	}
}

func (t *wsTransport) fail(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.dead)
		t.peer.conn.Close()
	})
}

func (t *wsTransport) Send(_ context.Context, data []byte) error {
	if err := t.Err(); err != nil {
		return err
	}
	if err := t.peer.write(data); err != nil {
		t.fail(err)
		return err
	}
	return nil
}

func (t *wsTransport) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-t.frames:
		return data, nil
	case <-t.dead:
		return nil, t.Err()
	}
}

func (t *wsTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *wsTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

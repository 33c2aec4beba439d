// internal/viewer/logbuf.go
package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/playsync/internal/util"
)

type LogEntry struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// Subsystem is the upper-case prefix before the first colon ("PLAYER",
// "MASTER", ...), or "" for unprefixed lines.
func (e LogEntry) Subsystem() string {
	i := strings.IndexByte(e.Msg, ':')
	if i <= 0 {
		return ""
	}
	s := e.Msg[:i]
	if strings.ToUpper(s) != s || strings.ContainsAny(s, " \t") {
		return ""
	}
	return s
}

// LogBuffer is an io.Writer for log.SetOutput that keeps the last lines in a
// ring and fans new ones out to subscribers.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
	now     func() time.Time
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
		now:     time.Now,
	}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := LogEntry{TS: b.now(), Msg: line}
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default: // slow subscriber
			}
		}
	}
	return len(p), nil
}

// Snapshot returns buffered lines, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Snapshot()
}

// Filter returns the newest limit lines of subsystem (all when ""), oldest
// first. limit <= 0 means no limit.
func (b *LogBuffer) Filter(subsystem string, limit int) []LogEntry {
	all := b.Snapshot()
	out := make([]LogEntry, 0, len(all))
	for _, e := range all {
		if subsystem == "" || e.Subsystem() == subsystem {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs?subsystem=PLAYER&limit=100
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Filter(strings.ToUpper(q.Get("subsystem")), limit))
}

// GET /api/logs/stream?subsystem=PLAYER (Server-Sent Events), tail only
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub := strings.ToUpper(r.URL.Query().Get("subsystem"))

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if sub != "" && e.Subsystem() != sub {
				continue
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

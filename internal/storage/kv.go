// Package storage is the persistent key-value store shared by every context
// of one installation. Writes are last-writer-wins by timestamp and every
// change, local or from another process, is announced to watchers.
package storage

import (
	"log"
	"strings"
	"sync"
)

// Entry is one stored value with the timestamp (unix millis) and writer that
// produced it. Deleted entries are only ever seen by watchers.
type Entry struct {
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Writer    string `json:"writer"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// KV is the shared store.
type KV interface {
	Get(key string) (Entry, bool, error)
	// Set stores value unless the key holds a newer timestamp. Equal
	// timestamps overwrite. It reports whether the write was applied.
	Set(key string, value []byte, ts int64, writer string) (bool, error)
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	// Watch calls fn for every change. Calls are serialized on a dedicated
	// goroutine.
	Watch(fn func(Entry)) (cancel func())
	Close() error
}

const watchQueue = 256

type watchers struct {
	mu     sync.Mutex
	fns    map[int]func(Entry)
	nextID int
	ch     chan Entry
	done   chan struct{}
	once   sync.Once
}

func newWatchers() *watchers {
	w := &watchers{
		fns:  make(map[int]func(Entry)),
		ch:   make(chan Entry, watchQueue),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *watchers) add(fn func(Entry)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.fns[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.fns, id)
		w.mu.Unlock()
	}
}

func (w *watchers) notify(e Entry) {
	select {
	case w.ch <- e:
	case <-w.done:
	default:
		log.Printf("STORE: watch queue full, dropping change to %s", e.Key)
	}
}

func (w *watchers) loop() {
	for {
		select {
		case <-w.done:
			return
		case e := <-w.ch:
			w.mu.Lock()
			fns := make([]func(Entry), 0, len(w.fns))
			for _, fn := range w.fns {
				fns = append(fns, fn)
			}
			w.mu.Unlock()
			for _, fn := range fns {
				fn(e)
			}
		}
	}
}

func (w *watchers) stop() {
	w.once.Do(func() { close(w.done) })
}

// Memory is an in-process KV. Contexts sharing one Memory see each other's
// writes.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	watch   *watchers
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry), watch: newWatchers()}
}

func (m *Memory) Get(key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *Memory) Set(key string, value []byte, ts int64, writer string) (bool, error) {
	m.mu.Lock()
	if cur, ok := m.entries[key]; ok && ts < cur.Timestamp {
		m.mu.Unlock()
		return false, nil
	}
	e := Entry{Key: key, Value: append([]byte(nil), value...), Timestamp: ts, Writer: writer}
	m.entries[key] = e
	m.mu.Unlock()

	m.watch.notify(e)
	return true, nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	delete(m.entries, key)
	m.mu.Unlock()

	if ok {
		m.watch.notify(Entry{Key: key, Timestamp: e.Timestamp, Writer: e.Writer, Deleted: true})
	}
	return nil
}

func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) Watch(fn func(Entry)) func() {
	return m.watch.add(fn)
}

func (m *Memory) Close() error {
	m.watch.stop()
	return nil
}

// Package queue owns a context's play order: the canonical and working
// (possibly shuffled) track lists, the current index and the play history.
// It never calls into the transport; observers learn about mutations through
// Subscribe.
package queue

import (
	"context"
	"log"
	"sync"

	"github.com/samber/lo"

	"github.com/petervdpas/playsync/internal/music"
	"github.com/petervdpas/playsync/internal/util"
)

const DefaultHistoryCap = 50

// Resolver turns a stored filename into a playable URL.
type Resolver func(ctx context.Context, filename string) string

type ChangeKind string

const (
	ChangeAdd     ChangeKind = "add"
	ChangeRemove  ChangeKind = "remove"
	ChangeMove    ChangeKind = "move"
	ChangeReplace ChangeKind = "replace"
	ChangeShuffle ChangeKind = "shuffle"
	ChangeSelect  ChangeKind = "select"
	ChangeRestore ChangeKind = "restore"
	ChangeHistory ChangeKind = "history"
)

// Change is a read-only notification of a mutation.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	Current int        `json:"current"`
	Length  int        `json:"length"`
}

type Options struct {
	HistoryCap int
	Resolver   Resolver
	// Intn returns a uniform int in [0, n). Defaults to a crypto/rand
	// source with a math/rand fallback.
	Intn func(n int) int
}

type Queue struct {
	resolve Resolver
	intn    func(n int) int

	mu       sync.Mutex
	original []music.Track
	queue    []music.Track
	current  int
	shuffled bool
	history  *util.RingBuffer[music.Track]

	subs map[chan Change]struct{}
}

func New(opts Options) *Queue {
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if opts.Intn == nil {
		opts.Intn = secureIntn
	}
	return &Queue{
		resolve: opts.Resolver,
		intn:    opts.Intn,
		current: -1,
		history: util.NewRingBuffer[music.Track](opts.HistoryCap),
		subs:    make(map[chan Change]struct{}),
	}
}

// Add appends t unless a track with the same id is queued. A missing
// AudioURL is resolved from the filename first.
func (q *Queue) Add(ctx context.Context, t music.Track) bool {
	if q.Contains(t.ID) {
		return false
	}
	if t.AudioURL == "" && t.Filename != "" && q.resolve != nil {
		t.AudioURL = q.resolve(ctx, t.Filename)
	}

	q.mu.Lock()
	if indexOf(q.queue, t.ID) >= 0 {
		q.mu.Unlock()
		return false
	}
	q.queue = append(q.queue, t)
	q.original = append(q.original, t)
	c := q.changeLocked(ChangeAdd)
	q.mu.Unlock()

	q.notify(c)
	return true
}

// Remove drops the track with id and repairs the current index.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	pos := indexOf(q.queue, id)
	if pos < 0 {
		q.mu.Unlock()
		return false
	}
	q.queue = append(q.queue[:pos:pos], q.queue[pos+1:]...)
	if op := indexOf(q.original, id); op >= 0 {
		q.original = append(q.original[:op:op], q.original[op+1:]...)
	}

	switch {
	case q.current < 0:
	case pos < q.current:
		q.current--
	case pos == q.current:
		q.current = min(q.current, len(q.queue)-1)
	}
	c := q.changeLocked(ChangeRemove)
	q.mu.Unlock()

	q.notify(c)
	return true
}

// Move reinserts the track at from at position to. Only the working order
// changes while shuffle is on.
func (q *Queue) Move(from, to int) bool {
	q.mu.Lock()
	n := len(q.queue)
	if from < 0 || from >= n || to < 0 || to >= n {
		q.mu.Unlock()
		return false
	}
	if from == to {
		q.mu.Unlock()
		return true
	}

	q.queue = move(q.queue, from, to)
	switch cur := q.current; {
	case cur < 0:
	case from == cur:
		q.current = to
	case from < cur && to >= cur:
		q.current--
	case from > cur && to <= cur:
		q.current++
	}
	if !q.shuffled {
		q.original = clone(q.queue)
	}
	c := q.changeLocked(ChangeMove)
	q.mu.Unlock()

	q.notify(c)
	return true
}

// Replace swaps in a new track list; the first track becomes current.
func (q *Queue) Replace(tracks []music.Track) {
	q.mu.Lock()
	tracks = lo.UniqBy(tracks, func(t music.Track) string { return t.ID })
	q.original = clone(tracks)
	q.queue = clone(tracks)
	q.current = -1
	if len(q.queue) > 0 {
		q.current = 0
	}
	if q.shuffled {
		q.shuffleLocked()
	}
	c := q.changeLocked(ChangeReplace)
	q.mu.Unlock()

	q.notify(c)
}

// PatchDuration records a duration learned from the primitive.
func (q *Queue) PatchDuration(id, duration string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, list := range [][]music.Track{q.queue, q.original} {
		if i := indexOf(list, id); i >= 0 {
			list[i].Duration = duration
		}
	}
}

// Select makes t current, appending it first if it is not queued, and
// records it in the history. It returns the new index.
func (q *Queue) Select(ctx context.Context, t music.Track) int {
	if !q.Contains(t.ID) {
		q.Add(ctx, t)
	}
	q.mu.Lock()
	i := indexOf(q.queue, t.ID)
	if i < 0 {
		// removed concurrently
		q.mu.Unlock()
		return -1
	}
	q.current = i
	q.pushHistoryLocked(q.queue[i])
	c := q.changeLocked(ChangeSelect)
	q.mu.Unlock()

	q.notify(c)
	return i
}

// SetIndex makes queue[i] current and records it in the history.
func (q *Queue) SetIndex(i int) bool {
	q.mu.Lock()
	if i < 0 || i >= len(q.queue) {
		q.mu.Unlock()
		return false
	}
	q.current = i
	q.pushHistoryLocked(q.queue[i])
	c := q.changeLocked(ChangeSelect)
	q.mu.Unlock()

	q.notify(c)
	return true
}

// Follow points the current index at id without touching the history. It
// mirrors a selection made by another context.
func (q *Queue) Follow(id string) int {
	q.mu.Lock()
	i := indexOf(q.queue, id)
	if i >= 0 && i != q.current {
		q.current = i
		c := q.changeLocked(ChangeSelect)
		q.mu.Unlock()
		q.notify(c)
		return i
	}
	q.mu.Unlock()
	return i
}

func (q *Queue) pushHistoryLocked(t music.Track) {
	q.history.PushIf(t, func(last music.Track) bool { return last.ID != t.ID })
}

// Next returns the track after the current one in the working order.
func (q *Queue) Next() (music.Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.current + 1
	if q.current < 0 || i >= len(q.queue) {
		return music.Track{}, false
	}
	return q.queue[i], true
}

// Previous returns the second-to-last history entry when it is still
// queued, else the track before the current one.
func (q *Queue) Previous() (music.Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.history.FromEnd(1); ok && indexOf(q.queue, t.ID) >= 0 {
		return t, true
	}
	if q.current > 0 && q.current < len(q.queue) {
		return q.queue[q.current-1], true
	}
	return music.Track{}, false
}

// Back drops the newest history entry so stepping backwards walks the
// history instead of bouncing between two tracks.
func (q *Queue) Back() {
	if _, ok := q.history.Pop(); ok {
		q.notify(q.change(ChangeHistory))
	}
}

func (q *Queue) ToggleShuffle() bool {
	q.mu.Lock()
	enable := !q.shuffled
	q.mu.Unlock()
	q.ApplyShuffle(enable)
	return enable
}

// ApplyShuffle enables or disables shuffle. Enabling keeps the current track
// current by moving it to the front of the shuffled order; disabling
// restores the canonical order and finds the current track by id.
func (q *Queue) ApplyShuffle(enable bool) {
	q.mu.Lock()
	if enable {
		if q.original == nil || len(q.original) != len(q.queue) {
			q.original = clone(q.queue)
		}
		q.shuffled = true
		q.shuffleLocked()
	} else {
		if q.shuffled {
			q.restoreOriginalLocked()
		}
		q.shuffled = false
	}
	c := q.changeLocked(ChangeShuffle)
	q.mu.Unlock()

	q.notify(c)
}

// AdoptOrder applies a shuffle state decided by another context: the
// working order follows ids and the current track keeps its identity.
func (q *Queue) AdoptOrder(enable bool, ids []string) {
	q.mu.Lock()
	if !enable {
		if q.shuffled {
			q.restoreOriginalLocked()
		}
		q.shuffled = false
	} else {
		if !q.shuffled && (q.original == nil || len(q.original) != len(q.queue)) {
			q.original = clone(q.queue)
		}
		curID := q.currentIDLocked()
		q.queue = reorder(q.original, ids)
		q.current = indexOf(q.queue, curID)
		q.shuffled = true
	}
	c := q.changeLocked(ChangeShuffle)
	q.mu.Unlock()

	q.notify(c)
}

func (q *Queue) shuffleLocked() {
	if len(q.queue) == 0 {
		q.current = -1
		return
	}
	var head []music.Track
	rest := clone(q.queue)
	if q.current >= 0 && q.current < len(q.queue) {
		head = []music.Track{q.queue[q.current]}
		rest = append(rest[:q.current:q.current], rest[q.current+1:]...)
	}

	before := clone(rest)
	q.fisherYates(rest)
	if len(rest) > 1 && changedPositions(before, rest)*2 < len(rest) {
		q.fisherYates(rest)
	}

	q.queue = append(head, rest...)
	if head != nil {
		q.current = 0
	}
	log.Printf("QUEUE: shuffled %d tracks", len(q.queue))
}

func (q *Queue) restoreOriginalLocked() {
	curID := q.currentIDLocked()
	q.queue = clone(q.original)
	q.current = indexOf(q.queue, curID)
}

func (q *Queue) currentIDLocked() string {
	if q.current >= 0 && q.current < len(q.queue) {
		return q.queue[q.current].ID
	}
	return ""
}

func (q *Queue) fisherYates(ts []music.Track) {
	for i := len(ts) - 1; i > 0; i-- {
		j := q.intn(i + 1)
		ts[i], ts[j] = ts[j], ts[i]
	}
}

func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return indexOf(q.queue, id) >= 0
}

func (q *Queue) IndexOf(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return indexOf(q.queue, id)
}

func (q *Queue) Current() (music.Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current < 0 || q.current >= len(q.queue) {
		return music.Track{}, false
	}
	return q.queue[q.current], true
}

func (q *Queue) Index() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// At returns queue[i] in the working order.
func (q *Queue) At(i int) (music.Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.queue) {
		return music.Track{}, false
	}
	return q.queue[i], true
}

func (q *Queue) Shuffled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shuffled
}

// Tracks returns the working order.
func (q *Queue) Tracks() []music.Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	return clone(q.queue)
}

// Original returns the canonical order.
func (q *Queue) Original() []music.Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	return clone(q.original)
}

// History returns played tracks, oldest first.
func (q *Queue) History() []music.Track {
	return q.history.Snapshot()
}

// Subscribe returns a channel of change notifications.
func (q *Queue) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 16)
	q.mu.Lock()
	q.subs[ch] = struct{}{}
	q.mu.Unlock()

	return ch, func() {
		q.mu.Lock()
		if _, ok := q.subs[ch]; ok {
			delete(q.subs, ch)
			close(ch)
		}
		q.mu.Unlock()
	}
}

func (q *Queue) change(kind ChangeKind) Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changeLocked(kind)
}

func (q *Queue) changeLocked(kind ChangeKind) Change {
	return Change{Kind: kind, Current: q.current, Length: len(q.queue)}
}

func (q *Queue) notify(c Change) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for ch := range q.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func indexOf(ts []music.Track, id string) int {
	_, i, ok := lo.FindIndexOf(ts, func(t music.Track) bool { return t.ID == id })
	if !ok {
		return -1
	}
	return i
}

func clone(ts []music.Track) []music.Track {
	if ts == nil {
		return nil
	}
	return append([]music.Track(nil), ts...)
}

func move(ts []music.Track, from, to int) []music.Track {
	t := ts[from]
	out := append(ts[:from:from], ts[from+1:]...)
	out = append(out[:to:to], append([]music.Track{t}, out[to:]...)...)
	return out
}

// reorder returns base arranged by ids; tracks not named keep their relative
// order at the end, unknown ids are skipped.
func reorder(base []music.Track, ids []string) []music.Track {
	out := make([]music.Track, 0, len(base))
	used := make(map[string]bool, len(ids))
	for _, id := range ids {
		if i := indexOf(base, id); i >= 0 && !used[id] {
			out = append(out, base[i])
			used[id] = true
		}
	}
	for _, t := range base {
		if !used[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

func changedPositions(a, b []music.Track) int {
	n := 0
	for i := range a {
		if a[i].ID != b[i].ID {
			n++
		}
	}
	return n
}

// Snapshot is the persisted and synchronised form of a queue.
type Snapshot struct {
	Original []music.Track `json:"original"`
	Queue    []music.Track `json:"queue"`
	Current  int           `json:"current"`
	Shuffled bool          `json:"shuffled"`
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{
		Original: clone(q.original),
		Queue:    clone(q.queue),
		Current:  q.current,
		Shuffled: q.shuffled,
	}
}

// Restore replaces the queue with s, repairing an inconsistent snapshot
// instead of rejecting it.
func (q *Queue) Restore(s Snapshot) {
	q.mu.Lock()
	q.queue = lo.UniqBy(clone(s.Queue), func(t music.Track) string { return t.ID })
	q.shuffled = s.Shuffled && len(s.Original) == len(q.queue)
	if q.shuffled {
		q.original = clone(s.Original)
	} else {
		q.original = clone(q.queue)
	}
	q.current = s.Current
	if q.current >= len(q.queue) {
		q.current = len(q.queue) - 1
	}
	if q.current < -1 {
		q.current = -1
	}
	c := q.changeLocked(ChangeRestore)
	q.mu.Unlock()

	q.notify(c)
}

// RestoreHistory replaces the history, oldest first.
func (q *Queue) RestoreHistory(ts []music.Track) {
	q.history.Reset(ts)
	q.notify(q.change(ChangeHistory))
}

package player

import (
	"encoding/json"
	"log"
	"strconv"

	"github.com/petervdpas/playsync/internal/music"
	"github.com/petervdpas/playsync/internal/proto"
	"github.com/petervdpas/playsync/internal/queue"
)

func (p *Player) put(key string, v any) {
	if p.store == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("PLAYER: encode %s: %v", key, err)
		return
	}
	if _, err := p.store.Set(key, raw, p.clk.Now().UnixMilli(), p.id); err != nil {
		log.Printf("PLAYER: save %s: %v", key, err)
	}
}

func (p *Player) get(key string, v any) bool {
	if p.store == nil {
		return false
	}
	e, ok, err := p.store.Get(key)
	if err != nil {
		log.Printf("PLAYER: load %s: %v", key, err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(e.Value, v); err != nil {
		log.Printf("PLAYER: decode %s: %v", key, err)
		return false
	}
	return true
}

func (p *Player) saveQueue()            { p.put(proto.KeyQueue, p.q.Snapshot()) }
func (p *Player) saveHistory()          { p.put(proto.KeyHistory, p.q.History()) }
func (p *Player) saveSession(s Session) { p.put(proto.KeySession, s) }

func (p *Player) savePosition(trackID string, pos float64) {
	if trackID == "" {
		return
	}
	p.put(proto.KeyPositionPrefix+trackID, strconv.FormatFloat(pos, 'f', 3, 64))
}

func (p *Player) clearPosition(trackID string) {
	if p.store == nil || trackID == "" {
		return
	}
	if err := p.store.Delete(proto.KeyPositionPrefix + trackID); err != nil {
		log.Printf("PLAYER: clear position %s: %v", trackID, err)
	}
}

func (p *Player) clearPositions() {
	if p.store == nil {
		return
	}
	keys, err := p.store.Keys(proto.KeyPositionPrefix)
	if err != nil {
		log.Printf("PLAYER: list positions: %v", err)
		return
	}
	for _, k := range keys {
		_ = p.store.Delete(k)
	}
}

// saveProgress runs on the save ticker. Only the audible context writes.
func (p *Player) saveProgress() {
	if !p.isMaster() || !p.reg.Playing(p.id) {
		return
	}
	pos := p.reg.Position(p.id)
	s := p.update(func(s *Session) { s.Position = pos })
	p.savePosition(s.TrackID, pos)
	p.saveSession(s)
}

// restore loads the persisted queue, history and session. A session counts
// as playing only when it was saved recently, and its position comes from
// the per-track key, which a normal shutdown clears.
func (p *Player) restore() {
	var snap queue.Snapshot
	if p.get(proto.KeyQueue, &snap) {
		p.q.Restore(snap)
	}
	var hist []music.Track
	if p.get(proto.KeyHistory, &hist) {
		p.q.RestoreHistory(hist)
	}

	var s Session
	if !p.get(proto.KeySession, &s) {
		return
	}
	if !s.RepeatMode.valid() {
		s.RepeatMode = RepeatNone
	}
	now := p.clk.Now().UnixMilli()
	s.IsPlaying = s.IsPlaying && now-s.LastUpdate <= sessionFreshness.Milliseconds()
	s.Position = 0
	var pos string
	if s.TrackID != "" && p.get(proto.KeyPositionPrefix+s.TrackID, &pos) {
		if f, err := strconv.ParseFloat(pos, 64); err == nil {
			s.Position = f
		}
	}
	if s.TrackID != "" {
		p.q.Follow(s.TrackID)
	}
	s.ShuffleMode = p.q.Shuffled()
	s.CurrentTrackIndex = p.q.Index()

	p.mu.Lock()
	p.session = s
	p.mu.Unlock()
	p.reg.SetVolume(s.Volume)
	log.Printf("PLAYER: restored session (%s, %d queued)", s.TrackID, p.q.Len())
}

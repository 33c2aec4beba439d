package player

import (
	"context"
	"log"

	"github.com/petervdpas/playsync/internal/bus"
	"github.com/petervdpas/playsync/internal/proto"
	"github.com/petervdpas/playsync/internal/queue"
	"github.com/petervdpas/playsync/internal/util"
)

func (p *Player) publish(ctx context.Context, typ string, payload any) {
	if p.bus != nil {
		p.bus.Publish(ctx, typ, payload)
	}
}

func (p *Player) publishState(ctx context.Context, s Session) {
	p.publish(ctx, proto.TypeUpdateState, proto.StateUpdate{
		TrackID:   s.TrackID,
		Index:     s.CurrentTrackIndex,
		IsPlaying: s.IsPlaying,
		Position:  s.Position,
	})
}

func (p *Player) publishQueue(ctx context.Context) {
	p.publish(ctx, proto.TypeQueue, p.q.Snapshot())
}

// onMessage mirrors a peer's change into the session. It never starts
// playback or loads a source; a master only follows a peer's pause, seek and
// volume so the audible stream matches the shared session.
func (p *Player) onMessage(ctx context.Context, m bus.Message) {
	var err error
	switch m.Type {
	case proto.TypeUpdateState:
		var u proto.StateUpdate
		if err = m.Decode(&u); err == nil {
			p.mirrorState(ctx, u, m.Timestamp)
		}
	case proto.TypeSeek:
		var u proto.SeekUpdate
		if err = m.Decode(&u); err == nil {
			if p.isMaster() && p.reg.Active() == p.id {
				_ = p.reg.Seek(p.id, u.Position)
			}
			p.update(func(s *Session) { s.Position = u.Position })
		}
	case proto.TypeVolume:
		var u proto.VolumeUpdate
		if err = m.Decode(&u); err == nil {
			v := util.Clamp01(u.Volume)
			p.reg.SetVolume(v)
			p.update(func(s *Session) { s.Volume = v })
		}
	case proto.TypeRepeat:
		var u proto.RepeatUpdate
		if err = m.Decode(&u); err == nil {
			if mode := RepeatMode(u.Mode); mode.valid() {
				p.update(func(s *Session) { s.RepeatMode = mode })
			}
		}
	case proto.TypeShuffle:
		var u proto.ShuffleUpdate
		if err = m.Decode(&u); err == nil {
			p.q.AdoptOrder(u.Enabled, u.Order)
			p.update(func(s *Session) {
				s.ShuffleMode = u.Enabled
				s.CurrentTrackIndex = p.q.Index()
			})
		}
	case proto.TypeQueue:
		var snap queue.Snapshot
		if err = m.Decode(&snap); err == nil {
			p.q.Restore(snap)
			p.update(func(s *Session) {
				if s.TrackID != "" {
					p.q.Follow(s.TrackID)
				}
				s.ShuffleMode = snap.Shuffled
				s.CurrentTrackIndex = p.q.Index()
			})
		}
	default:
		return
	}
	if err != nil {
		log.Printf("PLAYER: bad %s from %s: %v", m.Type, m.Source, err)
		return
	}
	p.notify()
}

// mirrorState re-derives the index from the track id; a raw index from a
// peer whose queue diverged is only trusted when the id is unknown here.
func (p *Player) mirrorState(ctx context.Context, u proto.StateUpdate, ts int64) {
	idx := -1
	if u.TrackID != "" {
		idx = p.q.Follow(u.TrackID)
	}
	if idx < 0 && u.Index >= 0 && u.Index < p.q.Len() && u.TrackID == "" {
		idx = u.Index
	}

	if !u.IsPlaying && p.isMaster() && p.reg.Playing(p.id) {
		if err := p.reg.PauseActive(ctx); err != nil {
			log.Printf("PLAYER: follow pause: %v", err)
		}
	}

	p.mu.Lock()
	p.session.TrackID = u.TrackID
	p.session.CurrentTrackIndex = idx
	p.session.IsPlaying = u.IsPlaying
	p.session.Position = u.Position
	p.session.LastUpdate = ts
	p.mu.Unlock()
}

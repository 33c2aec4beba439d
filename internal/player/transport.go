package player

import (
	"context"
	"fmt"
	"log"

	"github.com/petervdpas/playsync/internal/audio"
	"github.com/petervdpas/playsync/internal/channel"
	"github.com/petervdpas/playsync/internal/music"
	"github.com/petervdpas/playsync/internal/proto"
	"github.com/petervdpas/playsync/internal/util"
)

// PlayTrack makes t current, queueing it first if needed, and plays it. On
// the track that is already playing it toggles pause instead.
func (p *Player) PlayTrack(ctx context.Context, t music.Track) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	before := p.q.Len()
	if p.q.Select(ctx, t) < 0 {
		return fmt.Errorf("play %s: %w", t.ID, ErrIndexOutOfRange)
	}
	if p.q.Len() != before {
		p.publishQueue(ctx)
	}
	cur, _ := p.q.Current()
	return p.start(ctx, cur, 0, false)
}

// PlayTrackByIndex plays queue[i] of the working order.
func (p *Player) PlayTrackByIndex(ctx context.Context, i int) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.playIndex(ctx, i, false)
}

func (p *Player) playIndex(ctx context.Context, i int, force bool) error {
	if p.q.Len() == 0 {
		return ErrEmptyQueue
	}
	t, ok := p.q.At(i)
	if !ok || !p.q.SetIndex(i) {
		return fmt.Errorf("play index %d of %d: %w", i, p.q.Len(), ErrIndexOutOfRange)
	}
	return p.start(ctx, t, 0, force)
}

// start drives the registry and publishes the resulting state. A context
// that is not master asks for mastership and plays anyway; the election
// settles who stays audible.
func (p *Player) start(ctx context.Context, t music.Track, position float64, force bool) error {
	if !p.isMaster() {
		p.el.BecomeMaster()
	}
	err := p.reg.PlayTrack(ctx, p.id, t, position, force)
	if err != nil {
		log.Printf("PLAYER: play %s: %v", t.ID, err)
	}
	playing := err == nil && p.reg.Playing(p.id)
	pos := p.reg.Position(p.id)

	s := p.update(func(s *Session) {
		s.TrackID = t.ID
		s.CurrentTrackIndex = p.q.Index()
		s.IsPlaying = playing
		s.Position = pos
	})
	p.publishState(ctx, s)
	p.saveSession(s)
	p.notify()
	return err
}

// Pause pauses the audible channel.
func (p *Player) Pause(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.pause(ctx)
}

func (p *Player) pause(ctx context.Context) error {
	err := p.reg.PauseActive(ctx)
	pos := p.reg.Position(p.id)
	s := p.update(func(s *Session) {
		s.IsPlaying = false
		if p.reg.Active() == p.id {
			s.Position = pos
		}
	})
	p.publishState(ctx, s)
	p.savePosition(s.TrackID, s.Position)
	p.saveSession(s)
	p.notify()
	return err
}

// TogglePlay pauses when playing and otherwise resumes the current track at
// its position. With no current track it starts the queue.
func (p *Player) TogglePlay(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s := p.Session()
	if s.IsPlaying {
		return p.pause(ctx)
	}
	cur, ok := p.q.Current()
	if !ok {
		return p.playIndex(ctx, 0, false)
	}
	return p.start(ctx, cur, p.resumePosition(cur), false)
}

// resumePosition is where a paused track continues: the local primitive when
// it holds the track, else the mirrored session.
func (p *Player) resumePosition(t music.Track) float64 {
	if p.reg.Active() == p.id {
		return p.reg.Position(p.id)
	}
	s := p.Session()
	if s.TrackID == t.ID {
		return s.Position
	}
	return 0
}

// Next is the user's "next": repeat-one restarts, the last track wraps to
// the first.
func (p *Player) Next(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.next(ctx, true)
}

func (p *Player) next(ctx context.Context, wrap bool) error {
	if p.Session().RepeatMode == RepeatOne {
		return p.restart(ctx)
	}
	if p.q.Len() == 0 {
		return ErrEmptyQueue
	}
	if t, ok := p.q.Next(); ok {
		return p.playIndex(ctx, p.q.IndexOf(t.ID), true)
	}
	if !wrap {
		return p.stop(ctx)
	}
	return p.playIndex(ctx, 0, true)
}

func (p *Player) restart(ctx context.Context) error {
	cur, ok := p.q.Current()
	if !ok {
		return p.playIndex(ctx, 0, true)
	}
	return p.start(ctx, cur, 0, true)
}

// stop ends playback at the last track and leaves the index alone.
func (p *Player) stop(ctx context.Context) error {
	s := p.update(func(s *Session) {
		s.IsPlaying = false
		s.Position = 0
	})
	log.Printf("PLAYER: end of queue")
	p.publishState(ctx, s)
	p.saveSession(s)
	p.notify()
	return nil
}

// Prev restarts a track that has played for longer than PrevRestartAfter;
// otherwise it steps back through the history or the queue. Before the first
// track it wraps only with repeat-all.
func (p *Player) Prev(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if p.q.Len() == 0 {
		return ErrEmptyQueue
	}
	if p.reg.Active() == p.id && p.reg.Position(p.id) > PrevRestartAfter.Seconds() {
		return p.restart(ctx)
	}
	if t, ok := p.q.Previous(); ok {
		p.q.Back()
		p.q.Select(ctx, t)
		return p.start(ctx, t, 0, true)
	}
	if p.Session().RepeatMode == RepeatAll {
		return p.playIndex(ctx, p.q.Len()-1, true)
	}
	return p.restart(ctx)
}

// onEnded handles the natural end of a track.
func (p *Player) onEnded(ctx context.Context) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s := p.Session()
	if !s.IsPlaying {
		return
	}
	p.clearPosition(s.TrackID)

	var err error
	switch s.RepeatMode {
	case RepeatOne:
		err = p.restart(ctx)
	case RepeatAll:
		err = p.next(ctx, true)
	default:
		err = p.next(ctx, false)
	}
	if err != nil {
		log.Printf("PLAYER: advance after end: %v", err)
	}
}

func (p *Player) onChannelEvent(ctx context.Context, ev channel.Event) {
	switch ev.Type {
	case audio.EventEnded:
		p.onEnded(ctx)
	case audio.EventMetadata:
		if ev.Duration <= 0 {
			return
		}
		if id := p.Session().TrackID; id != "" {
			p.q.PatchDuration(id, music.FormatDuration(ev.Duration))
		}
	case audio.EventError:
		log.Printf("PLAYER: primitive error on %s: %s", ev.Channel, ev.Err)
		s := p.update(func(s *Session) { s.IsPlaying = false })
		p.publishState(ctx, s)
		p.notify()
	}
}

// ToggleRepeat cycles none, all, one.
func (p *Player) ToggleRepeat(ctx context.Context) RepeatMode {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s := p.update(func(s *Session) { s.RepeatMode = s.RepeatMode.next() })
	p.publish(ctx, proto.TypeRepeat, proto.RepeatUpdate{Mode: string(s.RepeatMode)})
	p.saveSession(s)
	p.notify()
	return s.RepeatMode
}

// SetRepeat sets the repeat mode directly.
func (p *Player) SetRepeat(ctx context.Context, m RepeatMode) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if !m.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRepeatMode, m)
	}
	s := p.update(func(s *Session) { s.RepeatMode = m })
	p.publish(ctx, proto.TypeRepeat, proto.RepeatUpdate{Mode: string(m)})
	p.saveSession(s)
	p.notify()
	return nil
}

// ToggleShuffle flips shuffle and publishes the resulting order so peers
// adopt the same permutation.
func (p *Player) ToggleShuffle(ctx context.Context) bool {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	on := p.q.ToggleShuffle()
	s := p.update(func(s *Session) {
		s.ShuffleMode = on
		s.CurrentTrackIndex = p.q.Index()
	})
	p.publish(ctx, proto.TypeShuffle, proto.ShuffleUpdate{
		Enabled: on,
		Order:   music.IDs(p.q.Tracks()),
		TrackID: s.TrackID,
	})
	p.saveSession(s)
	p.notify()
	return on
}

// SetVolume applies v, clamped to [0,1], to every local channel.
func (p *Player) SetVolume(ctx context.Context, v float64) float64 {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	v = util.Clamp01(v)
	p.reg.SetVolume(v)
	s := p.update(func(s *Session) { s.Volume = v })
	p.publish(ctx, proto.TypeVolume, proto.VolumeUpdate{Volume: v})
	p.saveSession(s)
	p.notify()
	return v
}

// SeekTo moves the current track to seconds.
func (p *Player) SeekTo(ctx context.Context, seconds float64) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if seconds < 0 {
		seconds = 0
	}
	if p.reg.Active() == p.id {
		if err := p.reg.Seek(p.id, seconds); err != nil {
			return err
		}
		seconds = p.reg.Position(p.id)
	}
	s := p.update(func(s *Session) { s.Position = seconds })
	p.publish(ctx, proto.TypeSeek, proto.SeekUpdate{Position: seconds})
	p.savePosition(s.TrackID, seconds)
	p.notify()
	return nil
}

// AddToQueue appends t unless it is queued already.
func (p *Player) AddToQueue(ctx context.Context, t music.Track) bool {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if !p.q.Add(ctx, t) {
		return false
	}
	p.publishQueue(ctx)
	return true
}

// RemoveFromQueue drops a track. Removing the track that is playing stops
// playback; the session follows the repaired index.
func (p *Player) RemoveFromQueue(ctx context.Context, id string) bool {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s := p.Session()
	if !p.q.Remove(id) {
		return false
	}
	if s.TrackID == id && s.IsPlaying {
		_ = p.reg.PauseActive(ctx)
	}
	s = p.update(func(s *Session) {
		if s.TrackID == id {
			s.IsPlaying = false
			s.Position = 0
			s.TrackID = ""
			if t, ok := p.q.Current(); ok {
				s.TrackID = t.ID
			}
		}
		s.CurrentTrackIndex = p.q.Index()
	})
	p.publishQueue(ctx)
	p.publishState(ctx, s)
	p.saveSession(s)
	return true
}

// MoveTrack reorders the working queue.
func (p *Player) MoveTrack(ctx context.Context, from, to int) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if !p.q.Move(from, to) {
		return fmt.Errorf("move %d to %d of %d: %w", from, to, p.q.Len(), ErrIndexOutOfRange)
	}
	p.update(func(s *Session) { s.CurrentTrackIndex = p.q.Index() })
	p.publishQueue(ctx)
	return nil
}

// ReplaceQueue swaps in tracks; the first becomes current without playing.
func (p *Player) ReplaceQueue(ctx context.Context, tracks []music.Track) {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.q.Replace(tracks)
	p.update(func(s *Session) {
		s.CurrentTrackIndex = p.q.Index()
		s.TrackID = ""
		s.Position = 0
		if t, ok := p.q.Current(); ok {
			s.TrackID = t.ID
		}
	})
	p.publishQueue(ctx)
}

// handover resumes the mirrored session after this context became master
// while the session says something is playing.
func (p *Player) handover(ctx context.Context) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s := p.Session()
	if !s.IsPlaying || s.TrackID == "" || p.reg.Playing(p.id) {
		return
	}
	i := p.q.IndexOf(s.TrackID)
	t, ok := p.q.At(i)
	if !ok {
		return
	}
	pos := s.Position + float64(p.clk.Now().UnixMilli()-s.LastUpdate)/1000
	p.q.Follow(t.ID)
	log.Printf("PLAYER: %s takes over %s at %.1fs", p.id, t.ID, pos)
	if err := p.reg.PlayTrack(ctx, p.id, t, pos, true); err != nil {
		log.Printf("PLAYER: handover: %v", err)
		return
	}
	p.update(func(s *Session) { s.Position = p.reg.Position(p.id) })
}

//go:build (linux && cgo) || windows || darwin

package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
)

// SpeakerAvailable indicates whether the speaker output is supported in this build.
const SpeakerAvailable = true

var (
	speakerOnce sync.Once
	speakerErr  error
	speakerRate = beep.SampleRate(44100)
)

func initSpeaker() error {
	speakerOnce.Do(func() {
		speakerErr = speaker.Init(speakerRate, speakerRate.N(time.Second/10))
	})
	return speakerErr
}

// Speaker plays MP3 sources through the system audio device.
type Speaker struct {
	client *http.Client

	mu       sync.Mutex
	src      string
	loaded   string
	streamer beep.StreamSeekCloser
	format   beep.Format
	ctrl     *beep.Ctrl
	vol      *effects.Volume
	seekTo   float64
	volume   float64
	muted    bool
	paused   bool
	playGen  uint64
	loadSeq  uint64
	closed   bool

	events *dispatcher
}

// NewSpeaker returns a paused speaker primitive. client fetches http(s)
// sources; other sources are read from disk.
func NewSpeaker(client *http.Client) (*Speaker, error) {
	if err := initSpeaker(); err != nil {
		return nil, fmt.Errorf("speaker init: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Speaker{
		client: client,
		volume: 1,
		paused: true,
		events: newDispatcher(),
	}, nil
}

func (s *Speaker) Play(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.src == "" {
		s.mu.Unlock()
		return ErrNoSource
	}
	if !s.paused {
		s.mu.Unlock()
		return nil
	}
	gen := s.playGen
	src := s.src
	needLoad := s.loaded != src
	s.mu.Unlock()

	var data []byte
	if needLoad {
		var err error
		data, err = s.fetch(ctx, src)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	if gen != s.playGen || s.closed {
		s.mu.Unlock()
		return ErrAborted
	}
	var evs []Event
	if needLoad {
		if err := s.loadLocked(src, data); err != nil {
			s.mu.Unlock()
			s.emit(Event{Type: EventError, Err: err.Error()})
			return err
		}
		evs = append(evs, s.eventLocked(EventMetadata))
	}
	speaker.Lock()
	if s.streamer.Position() >= s.streamer.Len() {
		_ = s.streamer.Seek(0)
	}
	s.ctrl.Paused = false
	speaker.Unlock()
	s.paused = false
	evs = append(evs, s.eventLocked(EventPlaying))
	s.mu.Unlock()

	s.emit(evs...)
	return nil
}

func (s *Speaker) fetch(ctx context.Context, src string) ([]byte, error) {
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		return os.ReadFile(src)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", src, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// loadLocked decodes data and queues it on the speaker, paused.
func (s *Speaker) loadLocked(src string, data []byte) error {
	streamer, format, err := mp3.Decode(nopCloser{bytes.NewReader(data)})
	if err != nil {
		return err
	}
	s.unloadLocked()

	s.streamer = streamer
	s.format = format
	s.loaded = src
	if s.seekTo > 0 {
		_ = streamer.Seek(format.SampleRate.N(time.Duration(s.seekTo * float64(time.Second))))
		s.seekTo = 0
	}

	resampled := beep.Resample(4, format.SampleRate, speakerRate, streamer)
	s.ctrl = &beep.Ctrl{Streamer: resampled, Paused: true}
	s.vol = &effects.Volume{Streamer: s.ctrl, Base: 2}
	s.applyVolumeLocked()

	s.loadSeq++
	seq := s.loadSeq
	speaker.Play(beep.Seq(s.vol, beep.Callback(func() {
		go s.onEnded(seq)
	})))
	return nil
}

func (s *Speaker) unloadLocked() {
	if s.ctrl != nil {
		speaker.Lock()
		s.ctrl.Paused = true
		s.ctrl.Streamer = nil
		speaker.Unlock()
	}
	if s.streamer != nil {
		s.streamer.Close()
	}
	s.streamer = nil
	s.ctrl = nil
	s.vol = nil
	s.loaded = ""
}

func (s *Speaker) onEnded(seq uint64) {
	s.mu.Lock()
	if s.closed || seq != s.loadSeq || s.loaded == "" || s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	pause := s.eventLocked(EventPause)
	ended := s.eventLocked(EventEnded)
	// the Seq is spent; reload on the next Play
	s.loaded = ""
	s.mu.Unlock()

	s.emit(pause, ended)
}

func (s *Speaker) Pause() {
	s.mu.Lock()
	s.playGen++
	if s.paused {
		s.mu.Unlock()
		return
	}
	if s.ctrl != nil {
		speaker.Lock()
		s.ctrl.Paused = true
		speaker.Unlock()
	}
	s.paused = true
	ev := s.eventLocked(EventPause)
	s.mu.Unlock()

	s.emit(ev)
}

func (s *Speaker) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Speaker) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Speaker) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.applyVolumeLocked()
	s.mu.Unlock()
}

func (s *Speaker) Src() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

func (s *Speaker) SetSrc(src string) {
	s.mu.Lock()
	var evs []Event
	s.playGen++
	if !s.paused {
		s.paused = true
		evs = append(evs, s.eventLocked(EventPause))
	}
	s.unloadLocked()
	s.src = src
	s.seekTo = 0
	s.mu.Unlock()

	s.emit(evs...)
}

func (s *Speaker) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTimeLocked()
}

func (s *Speaker) SetCurrentTime(seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamer == nil {
		s.seekTo = seconds
		return
	}
	n := s.format.SampleRate.N(time.Duration(seconds * float64(time.Second)))
	if n > s.streamer.Len() {
		n = s.streamer.Len()
	}
	speaker.Lock()
	_ = s.streamer.Seek(n)
	speaker.Unlock()
}

func (s *Speaker) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamer == nil {
		return 0
	}
	return s.format.SampleRate.D(s.streamer.Len()).Seconds()
}

func (s *Speaker) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *Speaker) SetVolume(v float64) {
	s.mu.Lock()
	s.volume = math.Max(0, math.Min(1, v))
	s.applyVolumeLocked()
	s.mu.Unlock()
}

func (s *Speaker) applyVolumeLocked() {
	if s.vol == nil {
		return
	}
	speaker.Lock()
	s.vol.Silent = s.muted || s.volume == 0
	if s.volume > 0 {
		s.vol.Volume = math.Log2(s.volume)
	}
	speaker.Unlock()
}

func (s *Speaker) Listen(fn func(Event)) (cancel func()) {
	return s.events.listen(fn)
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.playGen++
	s.unloadLocked()
	s.events.stop()
	return nil
}

func (s *Speaker) currentTimeLocked() float64 {
	if s.streamer == nil {
		return s.seekTo
	}
	speaker.Lock()
	pos := s.streamer.Position()
	speaker.Unlock()
	return s.format.SampleRate.D(pos).Seconds()
}

func (s *Speaker) eventLocked(t EventType) Event {
	ev := Event{Type: t, Time: s.currentTimeLocked()}
	if s.streamer != nil {
		ev.Duration = s.format.SampleRate.D(s.streamer.Len()).Seconds()
	}
	return ev
}

func (s *Speaker) emit(evs ...Event) {
	s.events.emit(evs...)
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }

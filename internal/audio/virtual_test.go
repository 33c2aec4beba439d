package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type recorder struct {
	mu  sync.Mutex
	evs []EventType
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	r.evs = append(r.evs, e.Type)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventType(nil), r.evs...)
}

func newTestVirtual(t *testing.T, dur float64) (*Virtual, *clock.Mock, *recorder) {
	t.Helper()
	clk := clock.NewMock()
	v := NewVirtual(clk, func(string) float64 { return dur })
	rec := &recorder{}
	v.Listen(rec.add)
	t.Cleanup(func() { v.Close() })
	return v, clk, rec
}

func equalTypes(a, b []EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestVirtualPlayPauseEvents(t *testing.T) {
	v, clk, rec := newTestVirtual(t, 200)
	ctx := context.Background()

	if err := v.Play(ctx); !errors.Is(err, ErrNoSource) {
		t.Fatalf("play without source = %v", err)
	}

	v.SetSrc("a.mp3")
	if err := v.Play(ctx); err != nil {
		t.Fatal(err)
	}
	clk.Add(10 * time.Second)
	v.Pause()
	v.Flush()

	want := []EventType{EventMetadata, EventPlaying, EventPause}
	if got := rec.types(); !equalTypes(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if pos := v.CurrentTime(); pos != 10 {
		t.Fatalf("position = %v, want 10", pos)
	}
	if !v.Paused() {
		t.Fatal("expected paused")
	}
}

func TestVirtualSetSrcPausesAndResets(t *testing.T) {
	v, clk, rec := newTestVirtual(t, 100)
	v.SetSrc("a.mp3")
	_ = v.Play(context.Background())
	clk.Add(5 * time.Second)

	v.SetSrc("b.mp3")
	v.Flush()

	if !v.Paused() || v.CurrentTime() != 0 || v.Src() != "b.mp3" {
		t.Fatalf("paused=%v pos=%v src=%q", v.Paused(), v.CurrentTime(), v.Src())
	}
	want := []EventType{EventMetadata, EventPlaying, EventPause, EventMetadata}
	if got := rec.types(); !equalTypes(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestVirtualFinishEmitsPauseThenEnded(t *testing.T) {
	v, _, rec := newTestVirtual(t, 30)
	v.SetSrc("a.mp3")
	_ = v.Play(context.Background())
	v.Finish()
	v.Flush()

	want := []EventType{EventMetadata, EventPlaying, EventPause, EventEnded}
	if got := rec.types(); !equalTypes(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if v.CurrentTime() != 30 {
		t.Fatalf("position = %v", v.CurrentTime())
	}

	// playing again from the end restarts the track
	_ = v.Play(context.Background())
	if v.CurrentTime() != 0 {
		t.Fatalf("restart position = %v", v.CurrentTime())
	}
}

func TestVirtualPauseAbortsPendingPlay(t *testing.T) {
	clk := clock.NewMock()
	v := NewVirtual(clk, nil)
	defer v.Close()
	v.SetSrc("a.mp3")
	v.SetLoadDelay(time.Hour)

	errc := make(chan error, 1)
	go func() { errc <- v.Play(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for !v.Pending() {
		if time.Now().After(deadline) {
			t.Fatal("play never became pending")
		}
		time.Sleep(time.Millisecond)
	}
	v.Pause()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("err = %v, want ErrAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("play did not return")
	}
	if !v.Paused() {
		t.Fatal("aborted play must leave element paused")
	}
}

func TestVirtualFailNextPlay(t *testing.T) {
	boom := errors.New("decode failed")
	v, _, _ := newTestVirtual(t, 0)
	v.SetSrc("a.mp3")
	v.FailNextPlay(boom)

	if err := v.Play(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if err := v.Play(context.Background()); err != nil {
		t.Fatalf("second play = %v", err)
	}
}

func TestVirtualSeekClampsToDuration(t *testing.T) {
	v, _, _ := newTestVirtual(t, 60)
	v.SetSrc("a.mp3")
	v.SetCurrentTime(90)
	if got := v.CurrentTime(); got != 60 {
		t.Fatalf("position = %v", got)
	}
	v.SetCurrentTime(-3)
	if got := v.CurrentTime(); got != 0 {
		t.Fatalf("position = %v", got)
	}
}

func TestAudible(t *testing.T) {
	v, _, _ := newTestVirtual(t, 0)
	v.SetSrc("a.mp3")
	if Audible(v) {
		t.Fatal("paused element is not audible")
	}
	_ = v.Play(context.Background())
	if !Audible(v) {
		t.Fatal("playing unmuted element is audible")
	}
	v.SetMuted(true)
	if Audible(v) {
		t.Fatal("muted element is not audible")
	}
}

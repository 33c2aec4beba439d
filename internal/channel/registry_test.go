package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/playsync/internal/audio"
	"github.com/petervdpas/playsync/internal/music"
)

var ctx = context.Background()

func track(id string) music.Track {
	return music.Track{ID: id, Title: id, AudioURL: "http://media/" + id + ".mp3"}
}

type fixture struct {
	clk  *clock.Mock
	reg  *Registry
	prim map[string]*audio.Virtual
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	clk := clock.NewMock()
	opts := DefaultOptions()
	opts.Clock = clk
	opts.SettleDelay = 0
	f := &fixture{clk: clk, reg: New(opts), prim: make(map[string]*audio.Virtual)}
	for _, id := range ids {
		v := audio.NewVirtual(clk, func(string) float64 { return 180 })
		f.prim[id] = v
		f.reg.Register(id, v, false)
	}
	t.Cleanup(func() {
		f.reg.Close()
		for _, v := range f.prim {
			v.Close()
		}
	})
	return f
}

// settle drains every primitive's event queue twice so reactions to
// reactions are delivered too.
func (f *fixture) settle() {
	for i := 0; i < 2; i++ {
		for _, v := range f.prim {
			v.Flush()
		}
	}
}

func (f *fixture) audible() []string {
	var out []string
	for id, v := range f.prim {
		if audio.Audible(v) {
			out = append(out, id)
		}
	}
	return out
}

func TestPlayTrackStopsOthers(t *testing.T) {
	f := newFixture(t, "a", "b")

	if err := f.reg.PlayTrack(ctx, "a", track("t1"), 0, false); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.PlayTrack(ctx, "b", track("t2"), 0, false); err != nil {
		t.Fatal(err)
	}
	f.settle()

	if got := f.audible(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("audible = %v, want [b]", got)
	}
	if !f.prim["a"].Muted() || !f.prim["a"].Paused() {
		t.Fatal("previous channel must be muted and paused")
	}
	if f.reg.Active() != "b" {
		t.Fatalf("active = %q", f.reg.Active())
	}
}

func TestPlayTrackSameTrackToggles(t *testing.T) {
	f := newFixture(t, "a")
	v := f.prim["a"]
	var loads int
	var mu sync.Mutex
	v.Listen(func(e audio.Event) {
		if e.Type == audio.EventMetadata {
			mu.Lock()
			loads++
			mu.Unlock()
		}
	})

	_ = f.reg.PlayTrack(ctx, "a", track("t1"), 0, false)
	if v.Paused() {
		t.Fatal("first call must play")
	}
	_ = f.reg.PlayTrack(ctx, "a", track("t1"), 0, false)
	if !v.Paused() {
		t.Fatal("second call must pause")
	}
	_ = f.reg.PlayTrack(ctx, "a", track("t1"), 0, false)
	if v.Paused() {
		t.Fatal("third call must resume")
	}
	v.Flush()

	mu.Lock()
	defer mu.Unlock()
	if loads != 1 {
		t.Fatalf("source assigned %d times, want 1", loads)
	}
}

func TestForcePlayRestartsWithoutReload(t *testing.T) {
	f := newFixture(t, "a")
	v := f.prim["a"]

	_ = f.reg.PlayTrack(ctx, "a", track("t1"), 0, false)
	f.clk.Add(20 * time.Second)
	if err := f.reg.PlayTrack(ctx, "a", track("t1"), 0, true); err != nil {
		t.Fatal(err)
	}
	if v.Paused() || v.CurrentTime() != 0 {
		t.Fatalf("paused=%v pos=%v, want playing from 0", v.Paused(), v.CurrentTime())
	}
}

func TestPlayTrackPosition(t *testing.T) {
	tests := []struct {
		name     string
		position float64
		want     float64
	}{
		{"within duration", 30, 30},
		{"zero", 0, 0},
		{"negative", -5, 0},
		{"beyond duration", 500, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "a")
			if err := f.reg.PlayTrack(ctx, "a", track("t1"), tt.position, true); err != nil {
				t.Fatal(err)
			}
			if got := f.reg.Position("a"); got != tt.want {
				t.Fatalf("position = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlayRetriesOnceOnTransientRejection(t *testing.T) {
	f := newFixture(t, "a")
	v := f.prim["a"]

	v.FailNextPlay(errors.New("autoplay blocked"))
	if err := f.reg.PlayTrack(ctx, "a", track("t1"), 0, false); err != nil {
		t.Fatalf("retry should have succeeded: %v", err)
	}
	if v.Paused() {
		t.Fatal("expected playing after retry")
	}

	boom := errors.New("decode error")
	v.FailNextPlay(boom, boom)
	err := f.reg.PlayTrack(ctx, "a", track("t2"), 0, false)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want decode error", err)
	}
	if !v.Paused() {
		t.Fatal("failed play must leave the channel paused")
	}
}

func TestFailedPlayPausesAndReloadsNextTime(t *testing.T) {
	f := newFixture(t, "a")
	v := f.prim["a"]

	if err := f.reg.PlayTrack(ctx, "a", track("t1"), 0, false); err != nil {
		t.Fatal(err)
	}

	noURL := music.Track{ID: "t2", Title: "t2"}
	if err := f.reg.PlayTrack(ctx, "a", noURL, 0, false); !errors.Is(err, audio.ErrNoSource) {
		t.Fatalf("err = %v, want no source", err)
	}
	if !v.Paused() || audio.Audible(v) {
		t.Fatal("previous track still audible after failed play")
	}
	if got := f.reg.Active(); got != "" {
		t.Errorf("active = %q after failed play", got)
	}

	if err := f.reg.PlayTrack(ctx, "a", track("t2"), 0, false); err != nil {
		t.Fatal(err)
	}
	if v.Paused() || v.Src() != "http://media/t2.mp3" {
		t.Fatalf("paused=%v src=%q, want t2 playing", v.Paused(), v.Src())
	}
}

func TestRejectedPlayReloadsNextTime(t *testing.T) {
	f := newFixture(t, "a")
	v := f.prim["a"]

	boom := errors.New("decode error")
	v.FailNextPlay(boom, boom)
	if err := f.reg.PlayTrack(ctx, "a", track("t1"), 0, false); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	// same track again must play, not toggle
	if err := f.reg.PlayTrack(ctx, "a", track("t1"), 0, false); err != nil {
		t.Fatal(err)
	}
	if v.Paused() {
		t.Fatal("second play of the same track left it paused")
	}
}

func TestPlayAbortIsNotRetried(t *testing.T) {
	f := newFixture(t, "a")
	v := f.prim["a"]

	v.FailNextPlay(audio.ErrAborted)
	if err := f.reg.PlayTrack(ctx, "a", track("t1"), 0, false); err != nil {
		t.Fatalf("abort must be swallowed: %v", err)
	}
	// a retry would have started playback
	if !v.Paused() {
		t.Fatal("aborted play was retried")
	}
}

func TestUnknownChannel(t *testing.T) {
	f := newFixture(t)
	if err := f.reg.PlayTrack(ctx, "nope", track("t1"), 0, false); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("err = %v", err)
	}
	if err := f.reg.SetMaster("nope"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("err = %v", err)
	}
}

func TestArbitrationStopsNonMasterIntruder(t *testing.T) {
	f := newFixture(t, "a", "b")
	_ = f.reg.SetMaster("a")
	_ = f.reg.PlayTrack(ctx, "a", track("t1"), 0, false)
	f.clk.Add(200 * time.Millisecond)

	b := f.prim["b"]
	b.SetSrc("http://media/x.mp3")
	_ = b.Play(ctx)
	f.settle()

	if !b.Paused() || !b.Muted() {
		t.Fatal("intruding non-master must be stopped")
	}
	if f.reg.Active() != "a" || f.prim["a"].Paused() {
		t.Fatal("master must keep playing")
	}
}

func TestArbitrationMasterTakesOver(t *testing.T) {
	f := newFixture(t, "a", "b")
	_ = f.reg.PlayTrack(ctx, "a", track("t1"), 0, false)
	_ = f.reg.SetMaster("b")
	f.clk.Add(200 * time.Millisecond)

	b := f.prim["b"]
	b.SetSrc("http://media/x.mp3")
	_ = b.Play(ctx)
	f.settle()

	if f.reg.Active() != "b" {
		t.Fatalf("active = %q, want b", f.reg.Active())
	}
	if !f.prim["a"].Paused() {
		t.Fatal("previous active must be stopped")
	}
	if got := f.audible(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("audible = %v", got)
	}
}

func TestArbitrationIgnoresNoiseWindow(t *testing.T) {
	f := newFixture(t, "a", "b")
	_ = f.reg.SetMaster("a")
	_ = f.reg.PlayTrack(ctx, "a", track("t1"), 0, false)
	f.clk.Add(50 * time.Millisecond)

	b := f.prim["b"]
	b.SetSrc("http://media/x.mp3")
	_ = b.Play(ctx)
	f.settle()

	if b.Paused() {
		t.Fatal("start inside the noise window must be tolerated")
	}
}

func TestPauseActiveWaitsForAcknowledgement(t *testing.T) {
	f := newFixture(t, "a")
	_ = f.reg.PlayTrack(ctx, "a", track("t1"), 0, false)

	done := make(chan error, 1)
	go func() { done <- f.reg.PauseActive(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PauseActive did not return")
	}
	if !f.prim["a"].Paused() {
		t.Fatal("active channel not paused")
	}
}

// silent never acknowledges a pause.
type silent struct {
	*audio.Virtual
}

func (s silent) Listen(func(audio.Event)) func() { return func() {} }

func TestPauseActiveTimesOut(t *testing.T) {
	f := newFixture(t)
	v := audio.NewVirtual(f.clk, nil)
	defer v.Close()
	f.reg.Register("mute", silent{v}, true)
	_ = f.reg.PlayTrack(ctx, "mute", track("t1"), 0, false)

	done := make(chan error, 1)
	go func() { done <- f.reg.PauseActive(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		f.clk.Add(DefaultPauseTimeout)
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("PauseActive hung without acknowledgement")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestUnregisterClearsActive(t *testing.T) {
	f := newFixture(t, "a")
	_ = f.reg.PlayTrack(ctx, "a", track("t1"), 0, false)
	f.reg.Unregister("a")
	if f.reg.Active() != "" {
		t.Fatal("active not cleared")
	}
	if !f.prim["a"].Paused() {
		t.Fatal("unregistered primitive must be paused")
	}
}

func TestRegisterReplacePausesOld(t *testing.T) {
	f := newFixture(t, "a")
	old := f.prim["a"]
	_ = f.reg.PlayTrack(ctx, "a", track("t1"), 0, false)

	repl := audio.NewVirtual(f.clk, nil)
	f.prim["a"] = repl
	defer old.Close()
	f.reg.Register("a", repl, false)

	if !old.Paused() {
		t.Fatal("replaced primitive must be paused")
	}
}

func TestExclusivityUnderRandomOperations(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	f := newFixture(t, ids...)
	rng := rand.New(rand.NewSource(7))

	for step := 0; step < 200; step++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(5) {
		case 0, 1:
			_ = f.reg.PlayTrack(ctx, id, track(fmt.Sprintf("t%d", rng.Intn(3))), 0, rng.Intn(2) == 0)
		case 2:
			_ = f.reg.SetMaster(id)
		case 3:
			// a primitive starting on its own, outside the registry and
			// outside the noise window
			f.clk.Add(200 * time.Millisecond)
			v := f.prim[id]
			if v.Src() == "" {
				v.SetSrc("http://media/rogue.mp3")
			}
			_ = v.Play(ctx)
		case 4:
			_ = f.reg.PauseActive(ctx)
		}
		f.clk.Add(time.Duration(rng.Intn(300)) * time.Millisecond)
		f.settle()

		if got := f.audible(); len(got) > 1 {
			t.Fatalf("step %d: %d channels audible: %v", step, len(got), got)
		}
	}
}

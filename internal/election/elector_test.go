package election

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/playsync/internal/audio"
	"github.com/petervdpas/playsync/internal/bus"
	"github.com/petervdpas/playsync/internal/channel"
	"github.com/petervdpas/playsync/internal/proto"
	"github.com/petervdpas/playsync/internal/storage"
)

var ctx = context.Background()

type cluster struct {
	t   *testing.T
	clk *clock.Mock
	kv  *storage.Memory
	hub *bus.Hub
}

type node struct {
	id   string
	reg  *channel.Registry
	prim *audio.Virtual
	bus  *bus.Bus
	el   *Elector
}

func newCluster(t *testing.T) *cluster {
	c := &cluster{t: t, clk: clock.NewMock(), kv: storage.NewMemory(), hub: bus.NewHub()}
	t.Cleanup(func() { c.kv.Close() })
	return c
}

func (c *cluster) node(id string, window bool) *node {
	c.t.Helper()
	opts := channel.DefaultOptions()
	opts.Clock = c.clk
	opts.SettleDelay = 0
	n := &node{id: id, reg: channel.New(opts), prim: audio.NewVirtual(c.clk, nil)}
	n.reg.Register(id, n.prim, false)

	b, err := bus.New(ctx, "test", id, c.hub.Opener(), bus.Options{Clock: c.clk})
	if err != nil {
		c.t.Fatal(err)
	}
	n.bus = b
	n.el = New(id, n.reg, c.kv, b, Options{Clock: c.clk, PlayerWindow: window})
	c.t.Cleanup(func() {
		n.el.Close()
		n.bus.Close()
		n.reg.Close()
		n.prim.Close()
	})
	return n
}

func (c *cluster) claim() proto.MasterClaim {
	c.t.Helper()
	e, ok, _ := c.kv.Get(proto.KeyMasterClaim)
	if !ok {
		return proto.MasterClaim{}
	}
	var mc proto.MasterClaim
	if err := json.Unmarshal(e.Value, &mc); err != nil {
		c.t.Fatal(err)
	}
	return mc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFirstCheckClaims(t *testing.T) {
	c := newCluster(t)
	a := c.node("a", false)

	a.el.Check(ctx)
	if !a.el.IsMaster() || !a.reg.IsMaster("a") {
		t.Fatal("lone context must claim")
	}
	if got := c.claim().OwnerID; got != "a" {
		t.Fatalf("claim owner = %q", got)
	}
	if a.prim.Muted() {
		t.Fatal("master must be unmuted")
	}
}

func TestHeartbeatRefreshesClaim(t *testing.T) {
	c := newCluster(t)
	a := c.node("a", false)

	a.el.Check(ctx)
	c.clk.Add(DefaultInterval)
	a.el.Check(ctx)
	if got := c.claim().Timestamp; got != DefaultInterval.Milliseconds() {
		t.Fatalf("claim timestamp = %d", got)
	}
}

func TestFreshForeignClaimKeepsContextMuted(t *testing.T) {
	c := newCluster(t)
	a := c.node("a", false)
	b := c.node("b", false)

	a.el.Check(ctx)
	c.clk.Add(4 * time.Second)
	b.el.Check(ctx)

	if b.el.IsMaster() {
		t.Fatal("b must not claim over a fresh claim")
	}
	if !b.prim.Muted() {
		t.Fatal("non-master must stay muted")
	}
	if c.claim().OwnerID != "a" {
		t.Fatal("claim changed hands")
	}
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	c := newCluster(t)
	a := c.node("a", false)
	b := c.node("b", false)

	a.el.Check(ctx)
	c.clk.Add(DefaultStaleAfter + time.Second)
	b.el.Check(ctx)

	if !b.el.IsMaster() || c.claim().OwnerID != "b" {
		t.Fatal("stale claim not taken over")
	}
	waitFor(t, "a to be demoted", func() bool { return !a.el.IsMaster() })
	if !a.prim.Muted() || a.reg.IsMaster("a") {
		t.Fatal("demoted context must be muted and lose the master channel")
	}
}

func TestOrdinaryContextDefersToOpenPlayerWindow(t *testing.T) {
	c := newCluster(t)
	w := c.node("w", true)
	a := c.node("a", false)

	w.el.OpenPlayerWindow(ctx)
	a.el.Check(ctx)
	if a.el.IsMaster() {
		t.Fatal("ordinary context claimed while the player window is open")
	}

	w.el.Check(ctx)
	if !w.el.IsMaster() {
		t.Fatal("player window must claim")
	}
}

func TestPlayerWindowOverridesFreshClaim(t *testing.T) {
	c := newCluster(t)
	a := c.node("a", false)
	w := c.node("w", true)

	a.el.Check(ctx)
	c.clk.Add(time.Second)
	w.el.OpenPlayerWindow(ctx)
	w.el.Check(ctx)

	if !w.el.IsMaster() || c.claim().OwnerID != "w" {
		t.Fatal("player window must win against a fresh claim")
	}
	waitFor(t, "a to be demoted", func() bool { return !a.el.IsMaster() })
}

func TestWindowMarkers(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *cluster, w *node)
	}{
		{"closed window", func(c *cluster, w *node) {
			w.el.OpenPlayerWindow(ctx)
			c.clk.Add(time.Second)
			w.el.ClosePlayerWindow(ctx)
		}},
		{"crashed window", func(c *cluster, w *node) {
			w.el.OpenPlayerWindow(ctx)
			c.clk.Add(DefaultStaleAfter + time.Second)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCluster(t)
			w := c.node("w", true)
			a := c.node("a", false)
			tt.setup(c, w)

			a.el.Check(ctx)
			if !a.el.IsMaster() {
				t.Fatal("ordinary context must claim once the window is gone")
			}
		})
	}
}

func TestBecomeMasterIsAsync(t *testing.T) {
	c := newCluster(t)
	a := c.node("a", false)
	b := c.node("b", false)

	a.el.Check(ctx)
	b.el.Start(ctx)
	b.el.BecomeMaster()

	waitFor(t, "b to become master", b.el.IsMaster)
	waitFor(t, "a to be demoted", func() bool { return !a.el.IsMaster() })
	if c.claim().OwnerID != "b" {
		t.Fatalf("claim owner = %q", c.claim().OwnerID)
	}
}

func TestOlderBecomeMasterIsIgnored(t *testing.T) {
	c := newCluster(t)
	a := c.node("a", false)
	b := c.node("b", false)

	c.clk.Add(10 * time.Second)
	a.el.Check(ctx)

	barrier := make(chan struct{})
	a.bus.Subscribe(func(m bus.Message) {
		if m.Type == "BARRIER" {
			close(barrier)
		}
	})
	b.bus.Publish(ctx, proto.TypeBecomeMaster, proto.MasterClaim{OwnerID: "b", Timestamp: 1000})
	b.bus.Publish(ctx, "BARRIER", nil)

	select {
	case <-barrier:
	case <-time.After(2 * time.Second):
		t.Fatal("barrier not delivered")
	}
	if !a.el.IsMaster() {
		t.Fatal("an older claim must not demote the master")
	}
}

func TestResignLetsSiblingTakeOver(t *testing.T) {
	c := newCluster(t)
	a := c.node("a", false)
	b := c.node("b", false)

	a.el.Check(ctx)
	a.el.Resign()
	if a.el.IsMaster() {
		t.Fatal("still master after resign")
	}
	if c.claim().OwnerID != "" {
		t.Fatal("claim not expired")
	}

	b.el.Check(ctx)
	if !b.el.IsMaster() {
		t.Fatal("sibling did not take over")
	}
}

func TestSubscribeReportsTransitions(t *testing.T) {
	c := newCluster(t)
	a := c.node("a", false)
	b := c.node("b", false)
	ch, cancel := a.el.Subscribe()
	defer cancel()

	next := func() bool {
		select {
		case v := <-ch:
			return v
		case <-time.After(2 * time.Second):
			t.Fatal("no transition")
			return false
		}
	}

	a.el.Check(ctx)
	if !next() {
		t.Fatal("want promotion")
	}
	c.clk.Add(DefaultStaleAfter + time.Second)
	b.el.Check(ctx)
	if next() {
		t.Fatal("want demotion")
	}
}

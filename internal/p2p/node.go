// Package p2p runs the libp2p host that carries the bus between playback
// contexts on the local network. Contexts find each other through mDNS and
// exchange bus frames over GossipSub.
package p2p

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/playsync/internal/proto"
	"github.com/petervdpas/playsync/internal/util"
)

// Noisy libp2p subsystems; dial failures and backoff errors pollute the log.
var quietSubsystems = []string{"swarm2", "mdns", "pubsub", "basichost", "net/identify"}

type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string
	// LogLevel applies to quietSubsystems. Empty means "error".
	LogLevel string
}

type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	startTime time.Time
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Printf("P2P: connect %s: %v", pi.ID.ShortString(), err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("P2P: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func setLogLevels(level string) {
	if level == "" {
		level = "error"
	}
	if _, err := logging.LevelFromString(level); err != nil {
		log.Printf("P2P: log level %q: %v", level, err)
		return
	}
	for _, s := range quietSubsystems {
		// Subsystems that are not registered in this build are skipped.
		_ = logging.SetLogLevel(s, level)
	}
}

func New(ctx context.Context, opts Options) (*Node, error) {
	setLogLevels(opts.LogLevel)
	if opts.MdnsTag == "" {
		opts.MdnsTag = proto.MdnsTag
	}

	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("P2P: generated new identity key: %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			log.Printf("P2P: connected %s", c.RemotePeer().ShortString())
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			log.Printf("P2P: disconnected %s", c.RemotePeer().ShortString())
		},
	})

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{Host: h, ps: ps, mdns: md, startTime: time.Now()}
	log.Printf("P2P: %s listening on %v", n.ID(), n.Addrs())
	return n, nil
}

// PubSub is the GossipSub router the bus transport joins topics on.
func (n *Node) PubSub() *pubsub.PubSub { return n.ps }

func (n *Node) PeerID() peer.ID { return n.Host.ID() }

func (n *Node) ID() string { return n.Host.ID().String() }

// Addrs returns the listen addresses reachable from the LAN.
func (n *Node) Addrs() []string { return lanAddrs(n.Host.Addrs()) }

// Peers lists connected peer ids, sorted.
func (n *Node) Peers() []string {
	ids := n.Host.Network().Peers()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out
}

type Status struct {
	ID        string   `json:"id"`
	Addrs     []string `json:"addrs"`
	Peers     []string `json:"peers"`
	UptimeSec int64    `json:"uptime_seconds"`
}

func (n *Node) Status() Status {
	return Status{
		ID:        n.ID(),
		Addrs:     n.Addrs(),
		Peers:     n.Peers(),
		UptimeSec: int64(time.Since(n.startTime).Seconds()),
	}
}

func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}

// lanAddrs drops loopback, link-local and unspecified addresses.
func lanAddrs(addrs []ma.Multiaddr) []string {
	var out []string
	for _, a := range addrs {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

package proto

import "time"

const (
	// Default bus channel name. Every context of one installation joins the
	// same channel; the name plays the role of the application origin.
	DefaultBusChannel = "playsync.v1"

	MdnsTag = "playsync-mdns"

	// GossipSub topic prefix; the bus channel name is appended.
	TopicPrefix = "/playsync/bus/"
)

// Bus message types.
const (
	TypeBecomeMaster = "BECOME_MASTER"
	TypeUpdateState  = "UPDATE_STATE"
	TypeSeek         = "SEEK"
	TypeVolume       = "VOLUME"
	TypeRepeat       = "REPEAT"
	TypeShuffle      = "SHUFFLE"
	TypeQueue        = "QUEUE"
	TypeWindow       = "PLAYER_WINDOW"
)

// Shared storage keys.
const (
	KeyMasterClaim    = "player:master"
	KeyWindowOpened   = "player:window:opened"
	KeyWindowClosed   = "player:window:closed"
	KeyQueue          = "player:queue"
	KeyHistory        = "player:history"
	KeySession        = "player:session"
	KeyPositionPrefix = "player:position:" // + track id
)

// MasterClaim is persisted under KeyMasterClaim and broadcast with
// TypeBecomeMaster.
type MasterClaim struct {
	OwnerID   string `json:"ownerId"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// StateUpdate carries a track change or a play/pause transition.
type StateUpdate struct {
	TrackID   string  `json:"trackId,omitempty"`
	Index     int     `json:"index"`
	IsPlaying bool    `json:"isPlaying"`
	Position  float64 `json:"position"`
}

type SeekUpdate struct {
	Position float64 `json:"position"`
}

type VolumeUpdate struct {
	Volume float64 `json:"volume"`
}

type RepeatUpdate struct {
	Mode string `json:"mode"`
}

// ShuffleUpdate carries the resulting working order so peers adopt the same
// permutation instead of drawing their own.
type ShuffleUpdate struct {
	Enabled bool     `json:"enabled"`
	Order   []string `json:"order"`
	TrackID string   `json:"trackId,omitempty"`
}

// WindowUpdate announces a player window opening or closing.
type WindowUpdate struct {
	Open      bool  `json:"open"`
	Timestamp int64 `json:"timestamp"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }

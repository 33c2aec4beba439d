// Package audio defines the per-context playback primitive the channel
// registry arbitrates over, plus two implementations: a clock-driven virtual
// element and a speaker-backed element for cgo builds.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrAborted is returned by Play when a pause or source change overtook
	// the pending play. It is expected during handovers and is not retried.
	ErrAborted = errors.New("audio: play interrupted by a pause")

	// ErrNoSource is returned by Play when no source has been assigned.
	ErrNoSource = errors.New("audio: no source")

	// ErrClosed is returned by Play after Close.
	ErrClosed = errors.New("audio: primitive closed")
)

// EventType names the signals a primitive emits.
type EventType string

const (
	EventPlaying  EventType = "playing"
	EventPause    EventType = "pause"
	EventEnded    EventType = "ended"
	EventMetadata EventType = "loadedmetadata"
	EventError    EventType = "error"
)

// Event is delivered to listeners on the primitive's own dispatch goroutine,
// never synchronously from inside a method call.
type Event struct {
	Type     EventType `json:"type"`
	Time     float64   `json:"time"`               // position when emitted, seconds
	Duration float64   `json:"duration,omitempty"` // known duration, seconds
	Err      string    `json:"error,omitempty"`
}

// Primitive is one audio element. Only the channel registry may call the
// mutating methods.
type Primitive interface {
	// Play starts or resumes playback. A nil return means the primitive
	// accepted the request; its own Paused state stays authoritative.
	Play(ctx context.Context) error
	Pause()
	Paused() bool

	Muted() bool
	SetMuted(muted bool)

	Src() string
	SetSrc(src string)

	CurrentTime() float64
	SetCurrentTime(seconds float64)
	// Duration is 0 until metadata is known.
	Duration() float64

	Volume() float64
	SetVolume(v float64)

	// Listen registers fn for every event and returns an unsubscribe func.
	Listen(fn func(Event)) (cancel func())

	Close() error
}

// Audible reports whether p is unmuted and not paused.
func Audible(p Primitive) bool {
	return p != nil && !p.Muted() && !p.Paused()
}

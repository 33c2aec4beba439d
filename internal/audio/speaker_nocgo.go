//go:build !((linux && cgo) || windows || darwin)

package audio

import (
	"errors"
	"net/http"
)

// SpeakerAvailable indicates whether the speaker output is supported in this build.
const SpeakerAvailable = false

// Speaker is unavailable without cgo; use the virtual output instead.
type Speaker struct {
	*Virtual
}

func NewSpeaker(*http.Client) (*Speaker, error) {
	return nil, errors.New("audio: speaker output requires a cgo build")
}

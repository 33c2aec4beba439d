// Package music holds the track model shared by the queue, the channel
// registry and the transport.
package music

import (
	"fmt"
	"strconv"
	"strings"
)

// Track is one playable item. Tracks are immutable once fetched except for
// Duration, which is patched after the primitive reports metadata, and the
// derived AudioURL.
type Track struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	Duration  string `json:"duration,omitempty"` // display string, e.g. "3:41"
	CoverURL  string `json:"cover_url,omitempty"`
	AudioURL  string `json:"audio_url,omitempty"`
	Filename  string `json:"filename,omitempty"` // source the AudioURL is resolved from
	PlayCount int    `json:"play_count,omitempty"`
}

// IDs returns the ids of tracks in order.
func IDs(tracks []Track) []string {
	out := make([]string, len(tracks))
	for i, t := range tracks {
		out[i] = t.ID
	}
	return out
}

// FormatDuration renders seconds as m:ss (or h:mm:ss).
func FormatDuration(seconds float64) string {
	if seconds <= 0 {
		return "0:00"
	}
	total := int(seconds + 0.5)
	h, m, sec := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}

// ParseDuration is the inverse of FormatDuration. It accepts m:ss, h:mm:ss or
// a plain number of seconds and reports false for anything else.
func ParseDuration(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, false
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}

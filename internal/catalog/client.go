// Package catalog talks to the external track catalog and library services.
// Failures never reach playback: reads come back empty and writes report
// false, with the cause logged.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/petervdpas/playsync/internal/music"
	"github.com/petervdpas/playsync/internal/util"
)

const (
	DefaultMediaPrefix  = "media"
	DefaultCover        = "/static/default-cover.png"
	DefaultCacheSize    = 512
	DefaultTimeout      = util.DefaultFetchTimeout
	maxResponseBodySize = 4 << 20
)

type Options struct {
	BaseURL string
	// MediaPrefix is the first path segment of cover and audio URLs.
	MediaPrefix  string
	DefaultCover string
	Token        string
	CacheSize    int
	Timeout      time.Duration
	HTTP         *http.Client
}

type Album struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Artist   string   `json:"artist,omitempty"`
	CoverURL string   `json:"cover_url,omitempty"`
	TrackIDs []string `json:"track_ids,omitempty"`
}

// Kind is what a library entry refers to.
type Kind string

const (
	KindTrack Kind = "tracks"
	KindAlbum Kind = "albums"
)

type Client struct {
	baseURL string
	prefix  string
	cover   string
	token   string
	http    *http.Client
	urls    *lru.Cache[string, string]
}

func New(opts Options) (*Client, error) {
	if opts.MediaPrefix == "" {
		opts.MediaPrefix = DefaultMediaPrefix
	}
	if opts.DefaultCover == "" {
		opts.DefaultCover = DefaultCover
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: opts.Timeout}
	}
	cache, err := lru.New[string, string](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("catalog: url cache: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		prefix:  strings.Trim(opts.MediaPrefix, "/"),
		cover:   opts.DefaultCover,
		token:   opts.Token,
		http:    opts.HTTP,
		urls:    cache,
	}, nil
}

// CoverURL maps a stored cover name to a URL. Bare filenames live under
// /{prefix}/cover/; absolute and already prefixed URLs pass through; empty or
// unusable names get the default cover.
func (c *Client) CoverURL(name string) string {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return c.cover
	case strings.HasPrefix(name, "http://"), strings.HasPrefix(name, "https://"),
		strings.HasPrefix(name, "data:"), strings.HasPrefix(name, "//"):
		return name
	case strings.HasPrefix(name, "/"):
		return name
	case strings.Contains(name, "..") || strings.ContainsAny(name, "\\?#") || strings.ContainsFunc(name, isControl):
		return c.cover
	case strings.HasPrefix(name, c.prefix+"/"):
		return "/" + name
	}
	return "/" + c.prefix + "/cover/" + url.PathEscape(name)
}

func isControl(r rune) bool { return r < 0x20 || r == 0x7f }

// audioFallback is used when the resolver is unreachable.
func (c *Client) audioFallback(filename string) string {
	return "/" + c.prefix + "/audio/" + url.PathEscape(filename)
}

// ResolveAudioURL returns a playable URL for filename. Resolved URLs are
// cached; fallbacks are not.
func (c *Client) ResolveAudioURL(ctx context.Context, filename string) string {
	if filename == "" {
		return ""
	}
	if u, ok := c.urls.Get(filename); ok {
		return u
	}
	var out struct {
		URL string `json:"url"`
	}
	q := url.Values{"filename": {filename}}
	if err := c.do(ctx, http.MethodGet, "/api/audio/resolve?"+q.Encode(), nil, &out); err != nil || out.URL == "" {
		if err != nil {
			log.Printf("CATALOG: resolve %s: %v", filename, err)
		}
		return c.audioFallback(filename)
	}
	c.urls.Add(filename, out.URL)
	return out.URL
}

// FetchUserTracks returns one page of a user's tracks.
func (c *Client) FetchUserTracks(ctx context.Context, userID string, page int) []music.Track {
	if page < 1 {
		page = 1
	}
	var out struct {
		Tracks []music.Track `json:"tracks"`
	}
	path := fmt.Sprintf("/api/users/%s/tracks?page=%d", url.PathEscape(userID), page)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		log.Printf("CATALOG: tracks of %s: %v", userID, err)
		return []music.Track{}
	}
	for i := range out.Tracks {
		out.Tracks[i].CoverURL = c.CoverURL(out.Tracks[i].CoverURL)
	}
	if out.Tracks == nil {
		return []music.Track{}
	}
	return out.Tracks
}

func (c *Client) FetchTrack(ctx context.Context, id string) (music.Track, bool) {
	var t music.Track
	if err := c.do(ctx, http.MethodGet, "/api/tracks/"+url.PathEscape(id), nil, &t); err != nil {
		log.Printf("CATALOG: track %s: %v", id, err)
		return music.Track{}, false
	}
	t.CoverURL = c.CoverURL(t.CoverURL)
	return t, t.ID != ""
}

func (c *Client) FetchAlbums(ctx context.Context, userID string) []Album {
	var out struct {
		Albums []Album `json:"albums"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/albums", nil, &out); err != nil {
		log.Printf("CATALOG: albums of %s: %v", userID, err)
		return []Album{}
	}
	for i := range out.Albums {
		out.Albums[i].CoverURL = c.CoverURL(out.Albums[i].CoverURL)
	}
	if out.Albums == nil {
		return []Album{}
	}
	return out.Albums
}

func (c *Client) CreateAlbum(ctx context.Context, a Album) (Album, bool) {
	var out Album
	if err := c.do(ctx, http.MethodPost, "/api/albums", a, &out); err != nil {
		log.Printf("CATALOG: create album %q: %v", a.Title, err)
		return Album{}, false
	}
	return out, out.ID != ""
}

func (c *Client) UpdateAlbum(ctx context.Context, a Album) bool {
	if err := c.do(ctx, http.MethodPut, "/api/albums/"+url.PathEscape(a.ID), a, nil); err != nil {
		log.Printf("CATALOG: update album %s: %v", a.ID, err)
		return false
	}
	return true
}

func (c *Client) DeleteAlbum(ctx context.Context, id string) bool {
	if err := c.do(ctx, http.MethodDelete, "/api/albums/"+url.PathEscape(id), nil, nil); err != nil {
		log.Printf("CATALOG: delete album %s: %v", id, err)
		return false
	}
	return true
}

func libraryPath(kind Kind, id string) string {
	return "/api/library/" + string(kind) + "/" + url.PathEscape(id)
}

// InLibrary reports membership; an unreachable service reads as false.
func (c *Client) InLibrary(ctx context.Context, kind Kind, id string) bool {
	var out struct {
		InLibrary bool `json:"in_library"`
	}
	if err := c.do(ctx, http.MethodGet, libraryPath(kind, id), nil, &out); err != nil {
		log.Printf("CATALOG: library %s/%s: %v", kind, id, err)
		return false
	}
	return out.InLibrary
}

func (c *Client) AddToLibrary(ctx context.Context, kind Kind, id string) bool {
	if err := c.do(ctx, http.MethodPost, libraryPath(kind, id), nil, nil); err != nil {
		log.Printf("CATALOG: add %s/%s: %v", kind, id, err)
		return false
	}
	return true
}

func (c *Client) RemoveFromLibrary(ctx context.Context, kind Kind, id string) bool {
	if err := c.do(ctx, http.MethodDelete, libraryPath(kind, id), nil, nil); err != nil {
		log.Printf("CATALOG: remove %s/%s: %v", kind, id, err)
		return false
	}
	return true
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("no catalog configured")
	}
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

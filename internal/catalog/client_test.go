package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL + "/", Token: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestCoverURL(t *testing.T) {
	c, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		in, want string
	}{
		{"", DefaultCover},
		{"   ", DefaultCover},
		{"cover.jpg", "/media/cover/cover.jpg"},
		{"my cover.jpg", "/media/cover/my%20cover.jpg"},
		{"media/cover/a.jpg", "/media/cover/a.jpg"},
		{"/media/cover/a.jpg", "/media/cover/a.jpg"},
		{"https://cdn.example.com/a.jpg", "https://cdn.example.com/a.jpg"},
		{"data:image/png;base64,AAAA", "data:image/png;base64,AAAA"},
		{"../etc/passwd", DefaultCover},
		{"a?b.jpg", DefaultCover},
		{"a\x00.jpg", DefaultCover},
	}
	for _, tc := range cases {
		if got := c.CoverURL(tc.in); got != tc.want {
			t.Errorf("CoverURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveAudioURLIsCached(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/audio/resolve", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, map[string]string{"url": "https://cdn.example.com/" + r.URL.Query().Get("filename")})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if got := c.ResolveAudioURL(ctx, "a.mp3"); got != "https://cdn.example.com/a.mp3" {
			t.Fatalf("ResolveAudioURL = %q", got)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("resolver hit %d times, want 1", n)
	}
	if got := c.ResolveAudioURL(ctx, ""); got != "" {
		t.Errorf("empty filename resolved to %q", got)
	}
}

func TestResolveAudioURLFallsBack(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if got := c.ResolveAudioURL(ctx, "a b.mp3"); got != "/media/audio/a%20b.mp3" {
			t.Fatalf("fallback = %q", got)
		}
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("fallback was cached: %d hits", n)
	}
}

func TestFetchUserTracks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/u1/tracks", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("page") != "2" {
			http.Error(w, "bad page", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"tracks": []map[string]string{
			{"id": "t1", "title": "One", "cover_url": "one.jpg"},
			{"id": "t2", "title": "Two"},
		}})
	})
	c := newTestClient(t, mux)

	got := c.FetchUserTracks(context.Background(), "u1", 2)
	if len(got) != 2 {
		t.Fatalf("got %d tracks", len(got))
	}
	if got[0].CoverURL != "/media/cover/one.jpg" || got[1].CoverURL != DefaultCover {
		t.Errorf("covers = %q, %q", got[0].CoverURL, got[1].CoverURL)
	}
}

func TestFailuresReadAsEmpty(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	ctx := context.Background()

	if got := c.FetchUserTracks(ctx, "u1", 1); got == nil || len(got) != 0 {
		t.Errorf("FetchUserTracks = %#v, want empty", got)
	}
	if got := c.FetchAlbums(ctx, "u1"); got == nil || len(got) != 0 {
		t.Errorf("FetchAlbums = %#v, want empty", got)
	}
	if _, ok := c.FetchTrack(ctx, "t1"); ok {
		t.Error("FetchTrack succeeded")
	}
	if c.InLibrary(ctx, KindTrack, "t1") {
		t.Error("InLibrary = true")
	}
	if c.AddToLibrary(ctx, KindTrack, "t1") || c.RemoveFromLibrary(ctx, KindTrack, "t1") {
		t.Error("library write succeeded")
	}
	if _, ok := c.CreateAlbum(ctx, Album{Title: "x"}); ok {
		t.Error("CreateAlbum succeeded")
	}
	if c.UpdateAlbum(ctx, Album{ID: "a"}) || c.DeleteAlbum(ctx, "a") {
		t.Error("album write succeeded")
	}
}

func TestUnconfiguredClient(t *testing.T) {
	c, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.FetchUserTracks(context.Background(), "u1", 1); len(got) != 0 {
		t.Errorf("got %d tracks", len(got))
	}
	if got := c.ResolveAudioURL(context.Background(), "a.mp3"); got != "/media/audio/a.mp3" {
		t.Errorf("ResolveAudioURL = %q", got)
	}
}

func TestLibrary(t *testing.T) {
	inLib := map[string]bool{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/library/tracks/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, map[string]bool{"in_library": inLib[id]})
		case http.MethodPost:
			inLib[id] = true
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			delete(inLib, id)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	if c.InLibrary(ctx, KindTrack, "t1") {
		t.Fatal("t1 in library before add")
	}
	if !c.AddToLibrary(ctx, KindTrack, "t1") {
		t.Fatal("add failed")
	}
	if !c.InLibrary(ctx, KindTrack, "t1") {
		t.Fatal("t1 missing after add")
	}
	if !c.RemoveFromLibrary(ctx, KindTrack, "t1") || c.InLibrary(ctx, KindTrack, "t1") {
		t.Fatal("remove failed")
	}
}

func TestAlbums(t *testing.T) {
	albums := map[string]Album{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/albums", func(w http.ResponseWriter, r *http.Request) {
		var a Album
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.ID = "a1"
		albums[a.ID] = a
		writeJSON(w, a)
	})
	mux.HandleFunc("PUT /api/albums/{id}", func(w http.ResponseWriter, r *http.Request) {
		var a Album
		_ = json.NewDecoder(r.Body).Decode(&a)
		albums[r.PathValue("id")] = a
	})
	mux.HandleFunc("DELETE /api/albums/{id}", func(w http.ResponseWriter, r *http.Request) {
		delete(albums, r.PathValue("id"))
	})
	mux.HandleFunc("GET /api/users/u1/albums", func(w http.ResponseWriter, r *http.Request) {
		list := []Album{}
		for _, a := range albums {
			list = append(list, a)
		}
		writeJSON(w, map[string]any{"albums": list})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	a, ok := c.CreateAlbum(ctx, Album{Title: "Mix", TrackIDs: []string{"t1"}})
	if !ok || a.ID != "a1" {
		t.Fatalf("CreateAlbum = %+v, %v", a, ok)
	}
	a.Title = "Mix 2"
	if !c.UpdateAlbum(ctx, a) {
		t.Fatal("update failed")
	}
	list := c.FetchAlbums(ctx, "u1")
	if len(list) != 1 || list[0].Title != "Mix 2" || list[0].CoverURL != DefaultCover {
		t.Fatalf("albums = %+v", list)
	}
	if !c.DeleteAlbum(ctx, "a1") || len(c.FetchAlbums(ctx, "u1")) != 0 {
		t.Fatal("delete failed")
	}
}

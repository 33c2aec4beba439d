package viewer

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(3)
	fmt.Fprint(b, "PLAYER: one\nMASTER: tw")
	fmt.Fprint(b, "o\n\n  \nthree\r\nQUEUE: four\n")

	got := b.Snapshot()
	var msgs []string
	for _, e := range got {
		msgs = append(msgs, e.Msg)
	}
	if want := "MASTER: two|three|QUEUE: four"; strings.Join(msgs, "|") != want {
		t.Fatalf("snapshot = %q, want %q", strings.Join(msgs, "|"), want)
	}
}

func TestLogEntrySubsystem(t *testing.T) {
	cases := map[string]string{
		"PLAYER: started":         "PLAYER",
		"P2P: connected":          "P2P",
		"plain line":              "",
		"Lower: not a subsystem":  "",
		"TWO WORDS: not one":      "",
		": empty prefix":          "",
		"http://example.com path": "",
	}
	for msg, want := range cases {
		if got := (LogEntry{Msg: msg}).Subsystem(); got != want {
			t.Errorf("Subsystem(%q) = %q, want %q", msg, got, want)
		}
	}
}

func TestLogBufferFilter(t *testing.T) {
	b := NewLogBuffer(10)
	l := log.New(b, "", 0)
	for i := 0; i < 4; i++ {
		l.Printf("PLAYER: p%d", i)
		l.Printf("MASTER: m%d", i)
	}

	got := b.Filter("PLAYER", 2)
	if len(got) != 2 || got[0].Msg != "PLAYER: p2" || got[1].Msg != "PLAYER: p3" {
		t.Fatalf("Filter = %+v", got)
	}
	if n := len(b.Filter("", 0)); n != 8 {
		t.Errorf("unfiltered = %d entries", n)
	}
}

func TestLogsRoute(t *testing.T) {
	b := NewLogBuffer(10)
	fmt.Fprint(b, "PLAYER: a\nMASTER: b\n")
	h := Viewer{Logs: b}.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs?subsystem=master", nil))
	var got []LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Msg != "MASTER: b" {
		t.Fatalf("logs = %+v", got)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Cache-Control = %q", cc)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/logs", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/logs = %d", rec.Code)
	}
}

func TestMediaRoute(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "audio"), 0o755); err != nil {
		t.Fatal(err)
	}
	data := []byte("ID3 not really an mp3 but long enough for a range")
	if err := os.WriteFile(filepath.Join(dir, "audio", "a b.mp3"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	h := Viewer{MediaDir: dir, MediaPrefix: "media"}.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/audio/a%20b.mp3", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "audio/mpeg" {
		t.Fatalf("GET = %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}

	req := httptest.NewRequest(http.MethodGet, "/media/audio/a%20b.mp3", nil)
	req.Header.Set("Range", "bytes=0-2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "ID3" {
		t.Fatalf("range = %d %q", rec.Code, rec.Body.String())
	}

	for _, p := range []string{"/media/audio/missing.mp3", "/media/audio", "/media/"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d", p, rec.Code)
		}
	}
}

func TestContentTypeForPath(t *testing.T) {
	cases := map[string]string{
		"a.mp3":  "audio/mpeg",
		"A.FLAC": "audio/flac",
		"c.svg":  "image/svg+xml",
	}
	for name, want := range cases {
		if got := contentTypeForPath(name, nil); got != want {
			t.Errorf("contentTypeForPath(%q) = %q, want %q", name, got, want)
		}
	}
	png := []byte("\x89PNG\r\n\x1a\n")
	if got := contentTypeForPath("cover", png); got != "image/png" {
		t.Errorf("sniffed = %q", got)
	}
}

func TestLocalTracksRoute(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "audio"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "audio", "song.mp3"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := Viewer{MediaDir: dir, MediaPrefix: "media"}.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/catalog/local", nil))
	var body struct {
		Tracks []struct {
			ID       string `json:"id"`
			Filename string `json:"filename"`
		} `json:"tracks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Tracks) != 1 || body.Tracks[0].Filename != "song.mp3" {
		t.Fatalf("tracks = %+v", body.Tracks)
	}

	rec = httptest.NewRecorder()
	Viewer{}.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/catalog/local", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("without media dir = %d", rec.Code)
	}
}

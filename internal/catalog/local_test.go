package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScanLocal(t *testing.T) {
	dir := t.TempDir()
	write := func(rel string) {
		p := filepath.Join(dir, "audio", filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("not really audio"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("b side.mp3")
	write("albums/x/01 Intro.FLAC")
	write("notes.txt")

	got, err := ScanLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("tracks = %+v", got)
	}
	if got[0].Filename != "albums/x/01 Intro.FLAC" || got[0].Title != "01 Intro" || got[0].ID != "local:albums/x/01 Intro.FLAC" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Filename != "b side.mp3" || got[1].Title != "b side" || got[1].Artist != "" {
		t.Errorf("second = %+v", got[1])
	}
}

func TestScanLocalMissingDir(t *testing.T) {
	got, err := ScanLocal(t.TempDir())
	if err != nil || len(got) != 0 {
		t.Fatalf("ScanLocal = %v, %v", got, err)
	}
}

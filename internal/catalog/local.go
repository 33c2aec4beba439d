package catalog

import (
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhowden/tag"

	"github.com/petervdpas/playsync/internal/music"
)

// LocalIDPrefix marks tracks found by ScanLocal.
const LocalIDPrefix = "local:"

var audioExts = map[string]bool{
	".mp3":  true,
	".flac": true,
	".ogg":  true,
	".m4a":  true,
	".wav":  true,
}

// ScanLocal lists the audio files under dir/audio as tracks. Filename is the
// slash-separated path below dir/audio, which is what the resolver fallback
// and the viewer's media handler expect. Files without readable tags are
// titled after their base name.
func ScanLocal(dir string) ([]music.Track, error) {
	root := filepath.Join(dir, "audio")
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}
	var out []music.Track
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !audioExts[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		t := music.Track{
			ID:       LocalIDPrefix + rel,
			Title:    strings.TrimSuffix(path.Base(rel), path.Ext(rel)),
			Filename: rel,
		}
		readTags(p, &t)
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func readTags(p string, t *music.Track) {
	f, err := os.Open(p)
	if err != nil {
		log.Printf("CATALOG: open %s: %v", p, err)
		return
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return
	}
	if s := strings.TrimSpace(m.Title()); s != "" {
		t.Title = s
	}
	if s := strings.TrimSpace(m.Artist()); s != "" {
		t.Artist = s
	}
}

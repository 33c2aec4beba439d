package viewer

import (
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// mediaHandler serves cover and audio files from dir. It backs the fallback
// URLs the catalog hands out when its resolver is unreachable. Range requests
// are honoured so players can seek.
func mediaHandler(dir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rel := path.Clean("/" + r.URL.Path)
		if rel == "/" || strings.Contains(rel, "..") {
			http.NotFound(w, r)
			return
		}

		f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil || fi.IsDir() {
			http.NotFound(w, r)
			return
		}

		head := make([]byte, 512)
		n, _ := io.ReadFull(f, head)
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			http.Error(w, "read failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentTypeForPath(rel, head[:n]))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
	}
}

package viewer

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// contentTypeForPath returns the Content-Type for a media file. Audio types
// are fixed because platform mime tables disagree on them.
func contentTypeForPath(rel string, head []byte) string {
	ext := strings.ToLower(path.Ext(rel))

	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/mp4"
	case ".svg":
		return "image/svg+xml"
	}

	if ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			return mt
		}
	}
	return http.DetectContentType(head)
}

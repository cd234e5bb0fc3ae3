package media

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const defaultExtension = ".bin"

// knownExtensions pins the extensions of the content types phones emit so
// they do not depend on the sniffing library's preferences.
var knownExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/3gpp":      ".3gp",
	"audio/amr":       ".amr",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

// ExtensionFor maps a content type to a file extension including the dot.
// Parameters such as "; name=x" are ignored. Unknown types map to ".bin".
func ExtensionFor(mime string) string {
	base := baseMime(mime)
	if base == "" {
		return defaultExtension
	}
	if ext, ok := knownExtensions[base]; ok {
		return ext
	}
	if m := mimetype.Lookup(base); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return defaultExtension
}

func baseMime(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

package repository

import (
	"mime"
	"path"
	"slices"
	"strings"

	"github.com/alecthomas/chroma/v2/lexers"
)

const (
	textPlain   = "text/plain"
	octetStream = "application/octet-stream"
)

var encodings = map[string]string{
	".gz":  "gzip",
	".bz2": "bzip2",
	".xz":  "xz",
}

func defaultViewable() []string {
	return []string{".ini", ".gitignore", ".svnignore", "README"}
}

// GuessType guesses the content type of filename and the compression wrapping
// it, if any. Names without a registered type that are known to hold text,
// from the configured extensions or a syntax highlighter, are text/plain.
func (r *Repository) GuessType(filename string) (contentType, encoding string) {
	name := path.Base(filename)
	ext := path.Ext(name)
	if enc, ok := encodings[strings.ToLower(ext)]; ok {
		encoding = enc
		name = strings.TrimSuffix(name, ext)
		ext = path.Ext(name)
	}
	contentType, _, _ = strings.Cut(mime.TypeByExtension(ext), ";")
	contentType = strings.TrimSpace(contentType)
	if strings.HasPrefix(contentType, "text/") {
		return contentType, encoding
	}

	key := ext
	if key == "" {
		key = name
	}
	if slices.Contains(r.viewable, key) {
		return textPlain, encoding
	}
	if contentType == "" && lexers.Match(name) != nil {
		return textPlain, encoding
	}
	if contentType == "" {
		contentType = octetStream
	}
	return contentType, encoding
}

package assetcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Kind identifies the transform family of a derived artifact.
type Kind string

const (
	KindCSS        Kind = "css"
	KindJS         Kind = "js"
	KindHTMLInline Kind = "html-inline"
	KindWebP       Kind = "webp"
	KindFontCSS    Kind = "font-css"
	KindFontFile   Kind = "font-file"
)

// Kinds lists every known artifact kind.
var Kinds = []Kind{KindCSS, KindJS, KindHTMLInline, KindWebP, KindFontCSS, KindFontFile}

// keyHashLen is the number of hex characters kept from the SHA-256 of a source key (128 bits).
const keyHashLen = 32

// Validate validates the artifact kind.
func (k Kind) Validate() error {
	for _, known := range Kinds {
		if k == known {
			return nil
		}
	}

	return fmt.Errorf("unknown kind: %q", string(k))
}

// Dir returns the directory under the cache root holding artifacts of this kind.
func (k Kind) Dir() string {
	switch k {
	case KindFontCSS, KindFontFile:
		return "fonts"
	default:
		return string(k)
	}
}

// Text reports whether artifacts of this kind are text and eligible for precompression.
func (k Kind) Text() bool {
	switch k {
	case KindCSS, KindJS, KindHTMLInline, KindFontCSS:
		return true
	default:
		return false
	}
}

// ContentType returns the media type served for artifacts of this kind.
func (k Kind) ContentType() string {
	switch k {
	case KindCSS, KindFontCSS:
		return "text/css; charset=utf-8"
	case KindJS:
		return "application/javascript; charset=utf-8"
	case KindHTMLInline:
		return "text/html; charset=utf-8"
	case KindWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// Source is an original asset as returned by a SourceProvider.
type Source struct {
	Key        string
	Content    []byte
	ModifiedAt time.Time
}

// TransformFunc derives artifact bytes from source bytes.
type TransformFunc func(src []byte) ([]byte, error)

// CacheEntry describes one derived artifact on disk. It is rebuilt from file
// attributes on every scan and never persisted.
type CacheEntry struct {
	Path     string
	Kind     Kind
	Size     int64
	StoredAt time.Time
}

// entryFromInfo builds a CacheEntry for a file found under dir/kindDir.
func entryFromInfo(p string, kindDir string, info fs.FileInfo) CacheEntry {
	return CacheEntry{
		Path:     p,
		Kind:     kindForFile(kindDir, info.Name()),
		Size:     info.Size(),
		StoredAt: info.ModTime(),
	}
}

// kindForFile classifies a file by the first directory under the cache root.
func kindForFile(kindDir, name string) Kind {
	switch kindDir {
	case "fonts":
		if strings.EqualFold(filepath.Ext(name), ".css") {
			return KindFontCSS
		}
		return KindFontFile
	case string(KindCSS), string(KindJS), string(KindHTMLInline), string(KindWebP):
		return Kind(kindDir)
	default:
		return ""
	}
}

// Stats summarizes the contents of the cache root.
type Stats struct {
	TotalFiles int          `json:"total_files"`
	TotalBytes int64        `json:"total_bytes"`
	ByKind     map[Kind]int `json:"by_kind"`
}

// HashKey returns the content-addressed prefix for a source key.
func HashKey(sourceKey string) string {
	sum := sha256.Sum256([]byte(sourceKey))
	return hex.EncodeToString(sum[:])[:keyHashLen]
}

// CacheKey returns the derived file name for a source key: "<hash>-<basename>".
func CacheKey(sourceKey string) string {
	return HashKey(sourceKey) + "-" + baseName(sourceKey)
}

// baseName extracts a filesystem-safe base name from a URL or path.
func baseName(sourceKey string) string {
	p := sourceKey
	if u, err := url.Parse(sourceKey); err == nil && u.Path != "" {
		p = u.Path
	}

	name := path.Base(filepath.ToSlash(p))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)

	name = strings.TrimLeft(name, ".")
	if name == "" || name == "_" {
		return "index"
	}

	return name
}

// webpName replaces a .jpg, .jpeg or .png extension with .webp.
// The second return value is false for any other extension.
func webpName(name string) (string, bool) {
	ext := filepath.Ext(name)
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png":
		return strings.TrimSuffix(name, ext) + ".webp", true
	default:
		return name, false
	}
}

// minifiedName reports whether a file name already carries a .min. marker.
func minifiedName(name string) bool {
	base := strings.ToLower(baseName(name))
	return strings.HasSuffix(base, ".min.css") || strings.HasSuffix(base, ".min.js")
}

package assetcache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileSource resolves URLs and root-relative paths to files under a document root.
type FileSource struct {
	root       string
	siteURL    string
	contentDir string
	contentURL string
}

// NewFileSource creates a FileSource from the source configuration.
func NewFileSource(cfg SourceConfig) *FileSource {
	src := &FileSource{
		root:       filepath.Clean(cfg.Root),
		siteURL:    strings.TrimRight(cfg.SiteURL, "/"),
		contentURL: strings.TrimRight(cfg.ContentURL, "/"),
	}

	if cfg.ContentDir != "" {
		src.contentDir = filepath.Clean(cfg.ContentDir)
	}

	return src
}

// Resolve maps a source key to a filesystem path. The content URL is tried
// first, then the site URL, then a root-relative path.
func (s *FileSource) Resolve(key string) (string, error) {
	raw := stripQuery(key)
	if raw == "" {
		return "", fmt.Errorf("empty source key")
	}

	switch {
	case s.contentURL != "" && s.contentDir != "" && strings.HasPrefix(raw, s.contentURL+"/"):
		return s.within(s.contentDir, strings.TrimPrefix(raw, s.contentURL))
	case s.siteURL != "" && strings.HasPrefix(raw, s.siteURL+"/"):
		return s.within(s.root, strings.TrimPrefix(raw, s.siteURL))
	case strings.HasPrefix(raw, "//"), strings.Contains(raw, "://"):
		return "", fmt.Errorf("external url: %s", key)
	default:
		return s.within(s.root, raw)
	}
}

// within joins rel onto base and rejects results that escape base.
func (s *FileSource) within(base, rel string) (string, error) {
	if unescaped, err := url.PathUnescape(rel); err == nil {
		rel = unescaped
	}

	joined := filepath.Join(base, filepath.FromSlash(strings.TrimLeft(rel, "/")))

	r, err := filepath.Rel(base, joined)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}

	return joined, nil
}

// Stat returns the modification time of the source file.
func (s *FileSource) Stat(_ context.Context, key string) (time.Time, error) {
	p, err := s.Resolve(key)
	if err != nil {
		return time.Time{}, sourceUnavailable(key, err)
	}

	info, err := os.Stat(p)
	if err != nil {
		return time.Time{}, sourceUnavailable(key, err)
	}

	if info.IsDir() {
		return time.Time{}, sourceUnavailable(key, errors.New("is a directory"))
	}

	return info.ModTime(), nil
}

// Fetch reads the source file.
func (s *FileSource) Fetch(ctx context.Context, key string) (Source, error) {
	if err := ctx.Err(); err != nil {
		return Source{}, sourceUnavailable(key, err)
	}

	p, err := s.Resolve(key)
	if err != nil {
		return Source{}, sourceUnavailable(key, err)
	}

	info, err := os.Stat(p)
	if err != nil {
		return Source{}, sourceUnavailable(key, err)
	}

	content, err := os.ReadFile(p)
	if err != nil {
		return Source{}, sourceUnavailable(key, err)
	}

	if len(content) == 0 {
		return Source{}, sourceUnavailable(key, errors.New("empty source"))
	}

	return Source{
		Key:        key,
		Content:    content,
		ModifiedAt: info.ModTime(),
	}, nil
}

// stripQuery drops the query string and fragment of a URL or path.
func stripQuery(key string) string {
	if i := strings.IndexAny(key, "?#"); i >= 0 {
		return key[:i]
	}
	return key
}

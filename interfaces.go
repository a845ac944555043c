package assetcache

import (
	"context"
	"io/fs"
	"time"

	"go.uber.org/zap"
)

// Configurer is the interface for accessing plugin configuration.
type Configurer interface {
	// Has checks if configuration section exists
	Has(name string) bool

	// UnmarshalKey unmarshals configuration section into target
	UnmarshalKey(name string, target any) error
}

// Logger is the interface for the host logger.
type Logger interface {
	NamedLogger(name string) *zap.Logger
}

// SourceProvider resolves logical source keys to original assets.
type SourceProvider interface {
	// Stat returns the modification time of the source without reading its content
	Stat(ctx context.Context, key string) (time.Time, error)

	// Fetch returns the source content and modification time
	Fetch(ctx context.Context, key string) (Source, error)
}

// PathResolver is implemented by providers whose sources live on the local filesystem.
type PathResolver interface {
	Resolve(key string) (string, error)
}

// Storage is the filesystem port used for derived artifacts.
type Storage interface {
	Exists(path string) bool
	Stat(path string) (fs.FileInfo, error)
	ReadAll(path string) ([]byte, error)

	// WriteAtomic writes data via a temporary file and rename, then stamps modTime on the result
	WriteAtomic(path string, data []byte, modTime time.Time) error

	// Touch sets the mtime of an existing file
	Touch(path string, modTime time.Time) error

	// Delete removes a file or an empty directory
	Delete(path string) error
	ListDir(path string) ([]fs.DirEntry, error)
	MkdirAll(path string) error
}

// Clock is the time source used for freshness stamps and retention cutoffs.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// zapLogger adapts a plain *zap.Logger to the Logger interface.
type zapLogger struct {
	base *zap.Logger
}

// NewLogger wraps a zap logger so it can be handed to Plugin.Init.
func NewLogger(base *zap.Logger) Logger {
	return &zapLogger{base: base}
}

func (l *zapLogger) NamedLogger(name string) *zap.Logger {
	return l.base.Named(name)
}

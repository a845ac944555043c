package assetcache

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/getsentry/sentry-go"
	rrerrors "github.com/roadrunner-server/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	tracerName = "github.com/roadrunner-plugins/assetcache"

	// precompressedSuffix is appended to text artifacts stored brotli-compressed
	precompressedSuffix = ".br"
)

// Cache derives artifacts from source assets and keeps them on disk until the
// source changes. The derived file's mtime is the only freshness record.
type Cache struct {
	cfg     *CacheConfig
	log     *zap.Logger
	root    string
	storage Storage
	source  SourceProvider
	clock   Clock
	tracer  trace.Tracer

	webpQuality int
	memory      *memoryTier
	group       *singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithStorage replaces the filesystem storage.
func WithStorage(s Storage) Option {
	return func(c *Cache) {
		c.storage = s
	}
}

// WithClock replaces the system clock.
func WithClock(clock Clock) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

// WithWebPQuality sets the lossy quality used by Derive for images.
func WithWebPQuality(q int) Option {
	return func(c *Cache) {
		c.webpQuality = q
	}
}

// buildResult carries both return values of build through singleflight.
type buildResult struct {
	data []byte
	err  error
}

// NewCache creates a cache rooted at cfg.Dir.
func NewCache(cfg *CacheConfig, source SourceProvider, log *zap.Logger, opts ...Option) (*Cache, error) {
	const op = rrerrors.Op("cache_new")

	if source == nil {
		return nil, rrerrors.E(op, rrerrors.Str("source provider is required"))
	}

	root, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, rrerrors.E(op, fmt.Errorf("failed to resolve cache directory: %w", err))
	}

	c := &Cache{
		cfg:         cfg,
		log:         log,
		root:        root,
		storage:     NewDiskStorage(),
		source:      source,
		clock:       systemClock{},
		tracer:      otel.Tracer(tracerName),
		webpQuality: defaultWebPQuality,
	}

	for _, opt := range opts {
		opt(c)
	}

	// Ensure cache directory exists
	if err := c.storage.MkdirAll(root); err != nil {
		return nil, rrerrors.E(op, fmt.Errorf("failed to create cache directory: %w", err))
	}

	if cfg.MemorySizeMB > 0 {
		c.memory, err = newMemoryTier(cfg.MemorySizeMB)
		if err != nil {
			return nil, rrerrors.E(op, fmt.Errorf("failed to create memory tier: %w", err))
		}
	}

	if cfg.Coalesce {
		c.group = &singleflight.Group{}
	}

	log.Info("asset cache initialized",
		zap.String("directory", root),
		zap.Int64("memory_size_mb", cfg.MemorySizeMB),
		zap.Bool("coalesce", cfg.Coalesce),
		zap.Bool("precompress", cfg.Precompress),
	)

	return c, nil
}

// Stop releases the memory tier.
func (c *Cache) Stop() error {
	if c == nil {
		return nil
	}

	c.memory.close()
	c.log.Debug("asset cache stopped")

	return nil
}

// Root returns the absolute cache root.
func (c *Cache) Root() string {
	return c.root
}

// Path returns where the artifact of kind for sourceKey lives.
// WebP artifacts sit next to a filesystem source when one can be resolved.
func (c *Cache) Path(sourceKey string, kind Kind) string {
	switch kind {
	case KindWebP:
		if resolver, ok := c.source.(PathResolver); ok {
			if p, err := resolver.Resolve(sourceKey); err == nil {
				if sibling, ok := webpName(p); ok {
					return sibling
				}
			}
		}
		name, _ := webpName(CacheKey(sourceKey))
		if !strings.HasSuffix(name, ".webp") {
			name += ".webp"
		}
		return filepath.Join(c.root, kind.Dir(), name)
	case KindFontCSS:
		return filepath.Join(c.root, kind.Dir(), HashKey(sourceKey)+".css")
	case KindFontFile:
		return filepath.Join(c.root, kind.Dir(), baseName(sourceKey))
	default:
		return filepath.Join(c.root, kind.Dir(), CacheKey(sourceKey))
	}
}

// URL maps a path under the cache root to its public URL. It returns an empty
// string for paths outside the root or when no public URL is configured.
func (c *Cache) URL(p string) string {
	if c.cfg.PublicURL == "" {
		return ""
	}

	rel, err := filepath.Rel(c.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}

	return c.cfg.PublicURL + "/" + filepath.ToSlash(rel)
}

// GetOrCreate returns the derived artifact for sourceKey, running transform
// only when the artifact is missing or older than the source.
//
// Returned bytes are servable whenever they are non-nil:
//   - ErrSourceUnavailable: nil bytes, serve the original reference
//   - ErrUnsupportedFormat, ErrTransformPanic: the source bytes, nothing stored
//   - ErrPersistFailed: the freshly derived bytes, nothing stored
func (c *Cache) GetOrCreate(ctx context.Context, sourceKey string, kind Kind, transform TransformFunc) ([]byte, error) {
	const op = rrerrors.Op("cache_get_or_create")

	ctx, span := c.tracer.Start(ctx, "assetcache.GetOrCreate", trace.WithAttributes(
		attribute.String("asset.kind", string(kind)),
		attribute.String("asset.key", sourceKey),
	))
	defer span.End()

	if err := kind.Validate(); err != nil {
		return nil, rrerrors.E(op, err)
	}

	if transform == nil {
		return nil, rrerrors.E(op, rrerrors.Str("transform is required"))
	}

	derived := c.Path(sourceKey, kind)

	sourceModAt, err := c.source.Stat(ctx, sourceKey)
	if err != nil {
		if !stderrors.Is(err, ErrSourceUnavailable) {
			err = sourceUnavailable(sourceKey, err)
		}
		metricsIncErrors("source_unavailable")
		span.RecordError(err)
		span.SetStatus(codes.Error, "source unavailable")
		c.log.Debug("source unavailable", zap.String("key", sourceKey), zap.Error(err))
		return nil, err
	}

	if data, ok := c.lookup(derived, kind, sourceModAt); ok {
		span.SetAttributes(attribute.String("cache.status", "hit"))
		return data, nil
	}

	span.SetAttributes(attribute.String("cache.status", "miss"))
	metricsIncCacheMisses(kind)

	c.log.Debug("cache miss",
		zap.String("kind", string(kind)),
		zap.String("key", sourceKey),
		zap.String("path", derived),
	)

	var res buildResult
	if c.group == nil {
		res = c.build(ctx, sourceKey, kind, derived, transform)
	} else {
		v, _, shared := c.group.Do(derived, func() (any, error) {
			return c.build(ctx, sourceKey, kind, derived, transform), nil
		})
		res = v.(buildResult)
		span.SetAttributes(attribute.Bool("cache.shared", shared))
	}

	if res.err != nil {
		span.RecordError(res.err)
		if !stderrors.Is(res.err, ErrPersistFailed) {
			span.SetStatus(codes.Error, res.err.Error())
		}
	}

	return res.data, res.err
}

// lookup returns the stored artifact when it is at least as new as the source.
// The source content is never read here.
func (c *Cache) lookup(derived string, kind Kind, sourceModAt time.Time) ([]byte, bool) {
	info, err := c.storage.Stat(derived)
	if err != nil || info.IsDir() {
		return nil, false
	}

	storedAt := info.ModTime()
	if storedAt.Before(sourceModAt) {
		c.log.Debug("derived artifact is stale",
			zap.String("path", derived),
			zap.Time("stored_at", storedAt),
			zap.Time("source_modified_at", sourceModAt),
		)
		return nil, false
	}

	if data, ok := c.memory.get(derived, storedAt); ok {
		metricsIncCacheHits(kind, "memory")
		return data, true
	}

	data, err := c.storage.ReadAll(derived)
	if err != nil {
		// a concurrent prune may have removed it; rebuild
		metricsIncErrors("read")
		c.log.Warn("failed to read derived artifact, rebuilding",
			zap.String("path", derived),
			zap.Error(err),
		)
		return nil, false
	}

	c.memory.set(derived, data, storedAt)
	metricsIncCacheHits(kind, "disk")

	c.log.Debug("cache hit",
		zap.String("kind", string(kind)),
		zap.String("path", derived),
		zap.Int("size", len(data)),
	)

	return data, true
}

// build fetches the source, transforms it and stores the result.
func (c *Cache) build(ctx context.Context, sourceKey string, kind Kind, derived string, transform TransformFunc) buildResult {
	src, err := c.source.Fetch(ctx, sourceKey)
	if err != nil {
		if !stderrors.Is(err, ErrSourceUnavailable) {
			err = sourceUnavailable(sourceKey, err)
		}
		metricsIncErrors("source_unavailable")
		return buildResult{err: err}
	}

	start := time.Now()
	out, err := c.runTransform(kind, sourceKey, transform, src.Content)
	metricsObserveTransformDuration(kind, time.Since(start))

	if err != nil {
		c.log.Debug("transform declined, serving source bytes",
			zap.String("kind", string(kind)),
			zap.String("key", sourceKey),
			zap.Error(err),
		)
		return buildResult{data: src.Content, err: err}
	}

	metricsAddBytesSaved(kind, len(src.Content), len(out))

	storedAt := c.clock.Now()
	if storedAt.Before(src.ModifiedAt) {
		storedAt = src.ModifiedAt
	}

	if err := c.persist(derived, kind, out, storedAt); err != nil {
		return buildResult{data: out, err: err}
	}

	// a source edit during the transform leaves the artifact stale
	if modAt, err := c.source.Stat(ctx, sourceKey); err == nil && modAt.After(src.ModifiedAt) {
		if err := c.storage.Touch(derived, src.ModifiedAt); err != nil {
			c.log.Warn("failed to mark artifact stale", zap.String("path", derived), zap.Error(err))
		}
	}

	c.log.Debug("derived artifact stored",
		zap.String("kind", string(kind)),
		zap.String("path", derived),
		zap.Int("source_size", len(src.Content)),
		zap.Int("derived_size", len(out)),
		zap.Duration("transform_duration", time.Since(start)),
	)

	return buildResult{data: out}
}

// runTransform calls fn and converts both errors and panics into ErrUnsupportedFormat.
func (c *Cache) runTransform(kind Kind, sourceKey string, fn TransformFunc, src []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			metricsIncTransforms(kind, "panic")
			c.log.Error("transform panicked",
				zap.String("kind", string(kind)),
				zap.String("key", sourceKey),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			sentry.CurrentHub().Recover(r)

			out = nil
			err = fmt.Errorf("%w: %v", ErrTransformPanic, r)
		}
	}()

	out, err = fn(src)
	if err != nil {
		metricsIncTransforms(kind, "unsupported")
		if !stderrors.Is(err, ErrUnsupportedFormat) {
			err = fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
		}
		return nil, err
	}

	metricsIncTransforms(kind, "success")
	return out, nil
}

// persist writes the artifact atomically with storedAt as its mtime.
func (c *Cache) persist(derived string, kind Kind, data []byte, storedAt time.Time) error {
	start := time.Now()

	if err := c.storage.MkdirAll(filepath.Dir(derived)); err != nil {
		metricsIncErrors("persist")
		c.log.Warn("failed to create artifact directory", zap.String("path", derived), zap.Error(err))
		return persistFailed(derived, err)
	}

	if err := c.storage.WriteAtomic(derived, data, storedAt); err != nil {
		metricsIncErrors("persist")
		c.log.Warn("failed to store derived artifact, serving uncached",
			zap.String("path", derived),
			zap.Error(err),
		)
		return persistFailed(derived, err)
	}

	metricsObserveWriteDuration(time.Since(start))

	// filesystems may round the stamped time
	if info, err := c.storage.Stat(derived); err == nil {
		c.memory.set(derived, data, info.ModTime())
	}

	if c.cfg.Precompress && kind.Text() {
		c.precompress(derived, data, storedAt)
	}

	return nil
}

// precompress stores a brotli copy of a text artifact. Failures only cost the
// compressed variant.
func (c *Cache) precompress(derived string, data []byte, storedAt time.Time) {
	buf := getBuffer()
	defer putBuffer(buf)

	w := brotli.NewWriterLevel(buf, brotli.BestCompression)
	if _, err := w.Write(data); err != nil {
		c.log.Warn("failed to compress artifact", zap.String("path", derived), zap.Error(err))
		return
	}
	if err := w.Close(); err != nil {
		c.log.Warn("failed to compress artifact", zap.String("path", derived), zap.Error(err))
		return
	}

	if err := c.storage.WriteAtomic(derived+precompressedSuffix, buf.Bytes(), storedAt); err != nil {
		metricsIncErrors("persist")
		c.log.Warn("failed to store compressed artifact", zap.String("path", derived), zap.Error(err))
	}
}

// Precompressed returns the brotli variant of a fresh text artifact, if stored.
func (c *Cache) Precompressed(sourceKey string, kind Kind) ([]byte, bool) {
	if !c.cfg.Precompress || !kind.Text() {
		return nil, false
	}

	derived := c.Path(sourceKey, kind)

	plain, err := c.storage.Stat(derived)
	if err != nil {
		return nil, false
	}

	compressed, err := c.storage.Stat(derived + precompressedSuffix)
	if err != nil || compressed.ModTime().Before(plain.ModTime()) {
		return nil, false
	}

	data, err := c.storage.ReadAll(derived + precompressedSuffix)
	if err != nil {
		return nil, false
	}

	return data, true
}

// Derive runs GetOrCreate with the built-in transform for kind. Stylesheets and
// scripts whose name already carries a .min. marker are returned as-is with
// ErrUnsupportedFormat.
func (c *Cache) Derive(ctx context.Context, sourceKey string, kind Kind) ([]byte, error) {
	const op = rrerrors.Op("cache_derive")

	var transform TransformFunc

	switch kind {
	case KindCSS, KindJS:
		if minifiedName(sourceKey) {
			src, err := c.source.Fetch(ctx, sourceKey)
			if err != nil {
				return nil, err
			}
			return src.Content, unsupportedFormat("already minified: " + sourceKey)
		}
		transform = CSSTransform
		if kind == KindJS {
			transform = JSTransform
		}
	case KindHTMLInline:
		transform = HTMLTransform
	case KindWebP:
		transform = WebPTransform(c.webpQuality)
	default:
		return nil, rrerrors.E(op, fmt.Errorf("kind %q has no local transform", string(kind)))
	}

	return c.GetOrCreate(ctx, sourceKey, kind, transform)
}

// WebPFor converts a JPEG or PNG source and returns the artifact path.
// Other extensions return ErrUnsupportedFormat without touching the source.
func (c *Cache) WebPFor(ctx context.Context, sourceKey string) (string, error) {
	if _, ok := webpName(stripQuery(sourceKey)); !ok {
		return "", unsupportedFormat("not a jpeg or png: " + sourceKey)
	}

	if _, err := c.GetOrCreate(ctx, sourceKey, KindWebP, WebPTransform(c.webpQuality)); err != nil {
		return "", err
	}

	return c.Path(sourceKey, KindWebP), nil
}

// purgeMemory drops every in-memory artifact.
func (c *Cache) purgeMemory() {
	c.memory.clear()
}

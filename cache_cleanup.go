package assetcache

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

// Janitor removes derived artifacts from the cache root. It works through the
// Storage port only and never removes the root itself. A missing root is
// treated as empty.
type Janitor struct {
	root    string
	storage Storage
	clock   Clock
	log     *zap.Logger
	tracer  trace.Tracer

	// purge is called after every sweep that removed something
	purge func()
}

// NewJanitor creates a janitor for the tree under root.
func NewJanitor(root string, storage Storage, clock Clock, log *zap.Logger) *Janitor {
	if clock == nil {
		clock = systemClock{}
	}

	return &Janitor{
		root:    root,
		storage: storage,
		clock:   clock,
		log:     log,
		tracer:  otel.Tracer(tracerName),
		purge:   func() {},
	}
}

// Janitor returns a janitor over this cache's root that also empties the memory tier.
func (c *Cache) Janitor() *Janitor {
	j := NewJanitor(c.root, c.storage, c.clock, c.log.Named("janitor"))
	j.purge = c.purgeMemory
	return j
}

// ClearAll deletes every file and subdirectory under the root.
func (j *Janitor) ClearAll() error {
	_, span := j.tracer.Start(context.Background(), "assetcache.ClearAll")
	defer span.End()

	startTime := time.Now()

	deleted, err := j.clearDir(j.root)
	if deleted > 0 {
		metricsAddCacheEvictions("clear", deleted)
		j.purge()
	}

	span.SetAttributes(attribute.Int("cache.deleted", deleted))

	if err != nil {
		span.RecordError(err)
		j.log.Error("cache clear finished with errors",
			zap.Int("deleted_files", deleted),
			zap.Error(err),
		)
		return err
	}

	j.log.Info("cache cleared",
		zap.Int("deleted_files", deleted),
		zap.Duration("duration", time.Since(startTime)),
	)

	return nil
}

func (j *Janitor) clearDir(dir string) (int, error) {
	entries, err := j.storage.ListDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	var (
		deleted int
		errs    error
	)

	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			n, err := j.clearDir(p)
			deleted += n
			errs = multierr.Append(errs, err)
			errs = multierr.Append(errs, j.storage.Delete(p))
			continue
		}

		if err := j.storage.Delete(p); err != nil {
			metricsIncErrors("delete")
			errs = multierr.Append(errs, err)
			continue
		}
		deleted++
	}

	return deleted, errs
}

// PruneOlderThan deletes files whose mtime is older than now minus days and
// then every directory left empty, bottom-up. days <= 0 disables pruning.
// It returns the number of files deleted.
func (j *Janitor) PruneOlderThan(days int) (int, error) {
	if days <= 0 {
		return 0, nil
	}

	_, span := j.tracer.Start(context.Background(), "assetcache.PruneOlderThan", trace.WithAttributes(
		attribute.Int("cache.days", days),
	))
	defer span.End()

	startTime := time.Now()
	cutoff := j.clock.Now().Add(-time.Duration(days) * day)

	deleted, err := j.pruneDir(j.root, cutoff)
	if deleted > 0 {
		metricsAddCacheEvictions("expired", deleted)
		j.purge()
	}

	span.SetAttributes(attribute.Int("cache.deleted", deleted))

	if err != nil {
		span.RecordError(err)
		j.log.Error("cache prune finished with errors",
			zap.Int("deleted_files", deleted),
			zap.Error(err),
		)
		return deleted, err
	}

	j.log.Info("cache prune completed",
		zap.Int("days", days),
		zap.Time("cutoff", cutoff),
		zap.Int("deleted_files", deleted),
		zap.Duration("duration", time.Since(startTime)),
	)

	return deleted, nil
}

func (j *Janitor) pruneDir(dir string, cutoff time.Time) (int, error) {
	entries, err := j.storage.ListDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	var (
		deleted int
		errs    error
	)

	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			n, err := j.pruneDir(p, cutoff)
			deleted += n
			errs = multierr.Append(errs, err)
			errs = multierr.Append(errs, j.removeIfEmpty(p))
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = multierr.Append(errs, err)
			continue
		}

		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := j.storage.Delete(p); err != nil {
			metricsIncErrors("delete")
			errs = multierr.Append(errs, err)
			continue
		}

		j.log.Debug("expired artifact removed",
			zap.String("path", p),
			zap.Time("stored_at", info.ModTime()),
		)
		deleted++
	}

	return deleted, errs
}

// removeIfEmpty deletes dir when it holds nothing. A writer that repopulated
// it in the meantime wins.
func (j *Janitor) removeIfEmpty(dir string) error {
	entries, err := j.storage.ListDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	if len(entries) > 0 {
		return nil
	}

	if err := j.storage.Delete(dir); err != nil {
		if errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST) {
			return nil
		}
		return err
	}

	return nil
}

// Run prunes artifacts older than days every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration, days int) {
	if interval <= 0 || days <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := j.PruneOlderThan(days); err != nil {
				j.log.Error("scheduled cache prune failed", zap.Error(err))
			}
			if _, err := j.Stats(); err != nil {
				j.log.Warn("failed to refresh cache stats", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

package assetcache

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fontDownloadLimit bounds parallel font file downloads within one stylesheet.
const fontDownloadLimit = 4

var fontURLRe = regexp.MustCompile(`url\(([^)]+)\)`)

// FontRehoster copies remote font stylesheets and the font files they
// reference into the cache root and rewrites them to local URLs. Work runs in
// the background; callers keep the remote reference until it completes.
type FontRehoster struct {
	cfg    FontsConfig
	cache  *Cache
	client *RemoteClient
	log    *zap.Logger
	sem    *semaphore

	inFlight sync.Map // map[string]struct{} of remote URLs being re-hosted
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewFontRehoster creates a re-hoster storing into cache's root.
func NewFontRehoster(cfg FontsConfig, cache *Cache, client *RemoteClient, log *zap.Logger) *FontRehoster {
	ctx, cancel := context.WithCancel(context.Background())

	return &FontRehoster{
		cfg:    cfg,
		cache:  cache,
		client: client,
		log:    log,
		sem:    newSemaphore(cfg.MaxConcurrent),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Local returns the public URL of the re-hosted stylesheet when a fresh copy
// exists. Otherwise it schedules a background re-hosting run and reports false.
func (f *FontRehoster) Local(remoteURL string) (string, bool) {
	cssPath := f.cache.Path(remoteURL, KindFontCSS)

	if info, err := f.cache.storage.Stat(cssPath); err == nil {
		if f.cache.clock.Now().Sub(info.ModTime()) < f.cfg.Lifespan {
			if u := f.cache.URL(cssPath); u != "" {
				metricsIncCacheHits(KindFontCSS, "disk")
				return u, true
			}
		}
	}

	metricsIncCacheMisses(KindFontCSS)
	f.schedule(remoteURL)

	return "", false
}

// schedule starts a background run for remoteURL unless one is already
// running or every slot is busy.
func (f *FontRehoster) schedule(remoteURL string) {
	if f.ctx.Err() != nil {
		return
	}

	if _, loaded := f.inFlight.LoadOrStore(remoteURL, struct{}{}); loaded {
		return
	}

	if !f.sem.tryAcquire() {
		f.inFlight.Delete(remoteURL)
		f.log.Debug("font re-hosting slots busy, keeping remote reference", zap.String("url", remoteURL))
		return
	}

	f.wg.Add(1)
	metricsSetFontRehostsActive(f.sem.active())

	go func() {
		defer func() {
			f.sem.release()
			f.inFlight.Delete(remoteURL)
			metricsSetFontRehostsActive(f.sem.active())
			f.wg.Done()
		}()

		if _, err := f.Rehost(f.ctx, remoteURL); err != nil {
			f.log.Warn("font re-hosting failed, keeping remote reference",
				zap.String("url", remoteURL),
				zap.Error(err),
			)
		}
	}()
}

// Rehost downloads the stylesheet at remoteURL and every absolute font URL in
// it, then stores the rewritten stylesheet. It returns the stylesheet's public
// URL. The whole run is bounded by the configured timeout; on expiry nothing
// is stored for the stylesheet and ErrSourceUnavailable is returned.
func (f *FontRehoster) Rehost(ctx context.Context, remoteURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	ctx, span := f.cache.tracer.Start(ctx, "assetcache.Rehost", trace.WithAttributes(
		attribute.String("font.url", remoteURL),
	))
	defer span.End()

	css, err := f.client.Fetch(ctx, remoteURL, f.cfg.UserAgent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stylesheet fetch failed")
		return "", err
	}

	if len(bytes.TrimSpace(css)) == 0 {
		return "", sourceUnavailable(remoteURL, errors.New("empty stylesheet"))
	}

	rewritten, err := f.localizeFonts(ctx, string(css))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "font download aborted")
		return "", err
	}

	cssPath := f.cache.Path(remoteURL, KindFontCSS)
	if err := f.store(cssPath, []byte(rewritten)); err != nil {
		span.RecordError(err)
		return "", err
	}

	f.log.Info("font stylesheet re-hosted",
		zap.String("url", remoteURL),
		zap.String("path", cssPath),
	)

	return f.cache.URL(cssPath), nil
}

// localizeFonts downloads referenced fonts that are not stored yet and points
// the stylesheet at the local copies. A font that cannot be fetched keeps its
// remote URL. Context expiry aborts the whole run.
func (f *FontRehoster) localizeFonts(ctx context.Context, css string) (string, error) {
	refs := fontRefs(css)
	if len(refs) == 0 {
		return css, nil
	}

	var (
		mu    sync.Mutex
		local = make(map[string]string, len(refs))
		g     errgroup.Group
	)

	g.SetLimit(fontDownloadLimit)

	for _, ref := range refs {
		g.Go(func() error {
			fontPath := f.cache.Path(ref, KindFontFile)

			if !f.cache.storage.Exists(fontPath) {
				data, err := f.client.Fetch(ctx, ref, f.cfg.UserAgent)
				if err != nil {
					f.log.Warn("font download failed", zap.String("url", ref), zap.Error(err))
					return nil
				}

				if err := f.store(fontPath, data); err != nil {
					f.log.Warn("failed to store font", zap.String("url", ref), zap.Error(err))
					return nil
				}
			}

			if u := f.cache.URL(fontPath); u != "" {
				mu.Lock()
				local[ref] = u
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return "", sourceUnavailable("font files", err)
	}

	// longest first so a URL that prefixes another is not rewritten inside it
	pairs := make([]string, 0, len(local)*2)
	ordered := make([]string, 0, len(local))
	for ref := range local {
		ordered = append(ordered, ref)
	}
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })
	for _, ref := range ordered {
		pairs = append(pairs, ref, local[ref])
	}

	return strings.NewReplacer(pairs...).Replace(css), nil
}

func (f *FontRehoster) store(p string, data []byte) error {
	if err := f.cache.storage.MkdirAll(filepath.Dir(p)); err != nil {
		return persistFailed(p, err)
	}

	if err := f.cache.storage.WriteAtomic(p, data, f.cache.clock.Now()); err != nil {
		metricsIncErrors("persist")
		return persistFailed(p, err)
	}

	return nil
}

// fontRefs returns the distinct absolute http(s) URLs inside url(...) in css.
func fontRefs(css string) []string {
	var refs []string
	seen := make(map[string]struct{})

	for _, m := range fontURLRe.FindAllStringSubmatch(css, -1) {
		ref := strings.Trim(m[1], `'" `)
		if !strings.HasPrefix(ref, "http") {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}

	return refs
}

// Wait blocks until every background run has finished.
func (f *FontRehoster) Wait() {
	f.wg.Wait()
}

// Stop cancels background runs and waits for them or for ctx.
func (f *FontRehoster) Stop(ctx context.Context) error {
	f.cancel()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		f.log.Warn("shutdown timeout reached, font re-hosting interrupted",
			zap.Int("active", f.sem.active()),
		)
		return ctx.Err()
	}
}

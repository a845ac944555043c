package assetcache

import (
	"context"
	"sync"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// PluginName is the unique identifier and configuration key of the plugin.
const PluginName = "assetcache"

// Plugin wires the derived-asset cache, its janitor, font re-hosting and the
// page pipeline from configuration, and runs scheduled pruning while serving.
type Plugin struct {
	cfg     *Config
	log     *zap.Logger
	source  SourceProvider
	cache   *Cache
	janitor *Janitor
	client  *RemoteClient
	fonts   *FontRehoster
	pages   *PageProcessor

	// Lifecycle management
	mu      sync.RWMutex
	serving bool
	pruning bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Init initializes the plugin with configuration and dependencies.
func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("assetcache_plugin_init")

	if !cfg.Has(PluginName) {
		return errors.E(op, errors.Disabled)
	}

	// Parse configuration on top of the defaults
	p.cfg = DefaultConfig()
	if err := cfg.UnmarshalKey(PluginName, p.cfg); err != nil {
		return errors.E(op, err)
	}

	// Validate configuration
	if err := p.cfg.Validate(); err != nil {
		return errors.E(op, err)
	}

	p.log = log.NamedLogger(PluginName)

	// Initialize metrics early
	initMetrics()

	p.source = NewFileSource(p.cfg.Source)

	cache, err := NewCache(&p.cfg.Cache, p.source, p.log.Named("cache"), WithWebPQuality(p.cfg.Images.Quality))
	if err != nil {
		return errors.E(op, errors.Str("failed to initialize cache"), err)
	}
	p.cache = cache
	p.janitor = cache.Janitor()

	p.client = NewRemoteClient(p.cfg.Retry, p.cfg.Fonts, p.log)

	if p.cfg.Fonts.Enabled {
		p.fonts = NewFontRehoster(p.cfg.Fonts, cache, p.client, p.log.Named("fonts"))
	} else {
		p.log.Info("font re-hosting disabled, remote font references are kept")
	}

	p.pages = NewPageProcessor(p.cfg, cache, p.fonts, p.log.Named("page"))

	p.log.Info("plugin initialized",
		zap.String("cache_dir", cache.Root()),
		zap.String("source_root", p.cfg.Source.Root),
		zap.Bool("minify_html", p.cfg.Minify.HTML),
		zap.Bool("minify_css", p.cfg.Minify.CSS),
		zap.Bool("minify_js", p.cfg.Minify.JS),
		zap.Bool("webp", p.cfg.Images.WebP),
		zap.Bool("fonts", p.cfg.Fonts.Enabled),
		zap.Duration("auto_clear_age", p.cfg.Cache.AutoClearAge()),
	)

	return nil
}

// Serve starts scheduled pruning when cache.auto_clear_enabled is set.
func (p *Plugin) Serve() chan error {
	errCh := make(chan error, 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.serving {
		return errCh
	}
	p.serving = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if p.cfg.Cache.AutoClearAge() > 0 {
		p.pruning = true
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.janitor.Run(ctx, p.cfg.Cache.CleanupInterval, p.cfg.Cache.AutoClearDays)
		}()
	}

	p.log.Info("plugin serving",
		zap.Bool("scheduled_prune", p.pruning),
		zap.Duration("cleanup_interval", p.cfg.Cache.CleanupInterval),
	)

	return errCh
}

// Stop stops scheduled pruning and waits for background font runs or ctx.
func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.serving {
		p.mu.Unlock()
		return nil
	}
	p.serving = false
	p.pruning = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	if p.fonts != nil {
		if err := p.fonts.Stop(ctx); err != nil {
			p.log.Warn("font re-hosting did not finish before shutdown", zap.Error(err))
		}
	}

	if err := p.cache.Stop(); err != nil {
		p.log.Error("failed to stop cache", zap.Error(err))
		return err
	}

	if err := p.client.Close(); err != nil {
		p.log.Error("failed to close remote client", zap.Error(err))
		return err
	}

	p.log.Info("plugin stopped")
	return nil
}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return PluginName
}

// Config returns the validated configuration.
func (p *Plugin) Config() *Config {
	return p.cfg
}

// Cache returns the derived-asset cache.
func (p *Plugin) Cache() *Cache {
	return p.cache
}

// Janitor returns the janitor over the cache root.
func (p *Plugin) Janitor() *Janitor {
	return p.janitor
}

// Fonts returns the font re-hoster, nil when disabled.
func (p *Plugin) Fonts() *FontRehoster {
	return p.fonts
}

// ProcessPage runs the page pipeline over a buffered HTML document.
func (p *Plugin) ProcessPage(ctx context.Context, req PageRequest, doc []byte) []byte {
	return p.pages.Process(ctx, req, doc)
}

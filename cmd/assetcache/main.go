package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/roadrunner-plugins/assetcache"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

const defaultConfigFile = "assetcache.yaml"

func main() {
	os.Exit(realMain())
}

func realMain() int {
	// .env is optional
	_ = godotenv.Load()

	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	return 0
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "assetcache",
		Usage:   "derived asset cache: minified text, WebP images and re-hosted fonts",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				Value:   defaultConfigFile,
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("ASSETCACHE_CONFIG"),
				),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("ASSETCACHE_DEBUG"),
				),
			},
			&cli.StringFlag{
				Name:  "sentry-dsn",
				Usage: "report transform panics to Sentry",
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("SENTRY_DSN"),
				),
			},
			&cli.StringFlag{
				Name:  "environment",
				Usage: "deployment environment reported to Sentry",
				Value: "production",
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("ENVIRONMENT"),
				),
			},
			&cli.StringFlag{
				Name:  "otel-endpoint",
				Usage: "OTLP HTTP endpoint (host:port); tracing is off when empty",
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("OTEL_EXPORTER_OTLP_ENDPOINT"),
				),
			},
			&cli.FloatFlag{
				Name:  "otel-sample-rate",
				Usage: "fraction of operations traced",
				Value: 0.1,
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("OTEL_TRACE_SAMPLE_RATE"),
				),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			statsCommand(),
			clearCommand(),
			pruneCommand(),
			rehostCommand(),
			minifyCommand(),
			webpCommand(),
		},
	}
}

// runtime holds what every cache-backed command needs.
type runtime struct {
	log    *zap.Logger
	plugin *assetcache.Plugin
	flush  []func(context.Context) error
}

func (rt *runtime) close(ctx context.Context) {
	for i := len(rt.flush) - 1; i >= 0; i-- {
		if err := rt.flush[i](ctx); err != nil {
			rt.log.Warn("shutdown step failed", zap.Error(err))
		}
	}
	_ = rt.log.Sync()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// setup builds the logger, error reporting, tracing and an initialized plugin.
func setup(ctx context.Context, cmd *cli.Command) (*runtime, error) {
	log, err := newLogger(cmd.Bool("debug"))
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	rt := &runtime{log: log}

	flushSentry, err := initSentry(cmd.String("sentry-dsn"), cmd.String("environment"))
	if err != nil {
		return nil, err
	}
	rt.flush = append(rt.flush, func(context.Context) error {
		flushSentry()
		return nil
	})

	shutdownTracing, err := initTracing(ctx, cmd.String("otel-endpoint"), cmd.Float("otel-sample-rate"))
	if err != nil {
		return nil, err
	}
	rt.flush = append(rt.flush, shutdownTracing)

	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	rt.plugin = &assetcache.Plugin{}
	if err := rt.plugin.Init(cfg, assetcache.NewLogger(log)); err != nil {
		return nil, fmt.Errorf("failed to initialize %s: %w", assetcache.PluginName, err)
	}

	return rt, nil
}

// loadConfig reads the configuration file. A missing default file yields the
// built-in defaults.
func loadConfig(path string) (assetcache.Configurer, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && path == defaultConfigFile {
		return assetcache.ParseConfig([]byte(assetcache.PluginName + ": {}\n"))
	}

	cfg, err := assetcache.LoadConfigFile(path)
	if err != nil {
		return nil, err
	}

	if !cfg.Has(assetcache.PluginName) {
		return nil, fmt.Errorf("%s: missing %q section", path, assetcache.PluginName)
	}

	return cfg, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve derived assets and the admin API, pruning on schedule",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := rt.plugin
			srv := &http.Server{
				Addr:              p.Config().HTTP.Address,
				Handler:           p.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := p.Serve()

			go func() {
				rt.log.Info("listening", zap.String("address", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			var serveErr error
			select {
			case <-ctx.Done():
				rt.log.Info("shutting down")
			case serveErr = <-errCh:
				rt.log.Error("server failed", zap.Error(serveErr))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				rt.log.Warn("http shutdown incomplete", zap.Error(err))
			}

			if err := p.Stop(shutdownCtx); err != nil {
				return err
			}

			return serveErr
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print file counts and total size of the cache",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "list",
				Aliases: []string{"l"},
				Usage:   "list every artifact, oldest first",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			stats, err := rt.plugin.Janitor().Stats()
			if err != nil {
				return err
			}

			fmt.Printf("root:  %s\n", rt.plugin.Cache().Root())
			fmt.Printf("files: %s\n", humanize.Comma(int64(stats.TotalFiles)))
			fmt.Printf("size:  %s\n", assetcache.FormatBytes(stats.TotalBytes))

			kinds := make([]string, 0, len(stats.ByKind))
			for k := range stats.ByKind {
				kinds = append(kinds, string(k))
			}
			sort.Strings(kinds)

			for _, k := range kinds {
				fmt.Printf("  %-12s %s\n", k, humanize.Comma(int64(stats.ByKind[assetcache.Kind(k)])))
			}

			if !cmd.Bool("list") {
				return nil
			}

			entries, err := rt.plugin.Janitor().Entries()
			if err != nil {
				return err
			}

			sort.Slice(entries, func(i, j int) bool { return entries[i].StoredAt.Before(entries[j].StoredAt) })

			for _, e := range entries {
				fmt.Printf("%-12s %10s  %-14s %s\n", e.Kind, assetcache.FormatBytes(e.Size), humanize.Time(e.StoredAt), e.Path)
			}

			return nil
		},
	}
}

func clearCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "remove every cached artifact",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			if err := rt.plugin.Janitor().ClearAll(); err != nil {
				return err
			}

			fmt.Println("cache cleared")
			return nil
		},
	}
}

func pruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "remove artifacts older than the given number of days",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "days",
				Usage: "retention in days (defaults to cache.lifespan_days)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			days := int(cmd.Int("days"))
			if days == 0 {
				days = rt.plugin.Config().Cache.LifespanDays
			}

			deleted, err := rt.plugin.Janitor().PruneOlderThan(days)
			if err != nil {
				return err
			}

			fmt.Printf("removed %s files older than %d days\n", humanize.Comma(int64(deleted)), days)
			return nil
		},
	}
}

func rehostCommand() *cli.Command {
	return &cli.Command{
		Name:      "rehost",
		Usage:     "copy a remote font stylesheet and its fonts into the cache",
		ArgsUsage: "<stylesheet url>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one stylesheet url")
			}

			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			fonts := rt.plugin.Fonts()
			if fonts == nil {
				return fmt.Errorf("font re-hosting is disabled in configuration")
			}

			u, err := fonts.Rehost(ctx, cmd.Args().First())
			if err != nil {
				return err
			}

			fmt.Println(u)
			return nil
		},
	}
}

func minifyCommand() *cli.Command {
	sub := func(name, usage string, fn func([]byte) []byte) *cli.Command {
		return &cli.Command{
			Name:      name,
			Usage:     usage,
			ArgsUsage: "[file]",
			Action: func(_ context.Context, cmd *cli.Command) error {
				src, err := readInput(cmd.Args().First())
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(fn(src))
				return err
			},
		}
	}

	return &cli.Command{
		Name:  "minify",
		Usage: "minify a file to stdout (stdin when no file or -)",
		Commands: []*cli.Command{
			sub("css", "minify a stylesheet", assetcache.MinifyCSS),
			sub("js", "minify a script", assetcache.MinifyJS),
			sub("html", "minify an HTML document", assetcache.MinifyHTML),
		},
	}
}

func webpCommand() *cli.Command {
	return &cli.Command{
		Name:      "webp",
		Usage:     "convert a JPEG or PNG to WebP",
		ArgsUsage: "<input> <output>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "quality",
				Aliases: []string{"q"},
				Usage:   "lossy quality 1-100",
				Value:   85,
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return fmt.Errorf("expected <input> <output>")
			}

			src, err := os.ReadFile(cmd.Args().Get(0))
			if err != nil {
				return err
			}

			out, err := assetcache.WebPTransform(int(cmd.Int("quality")))(src)
			if err != nil {
				return err
			}

			if err := os.WriteFile(cmd.Args().Get(1), out, 0o644); err != nil {
				return err
			}

			fmt.Printf("%s -> %s (%s -> %s)\n",
				cmd.Args().Get(0), cmd.Args().Get(1),
				humanize.Bytes(uint64(len(src))), humanize.Bytes(uint64(len(out))),
			)
			return nil
		},
	}
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// Command page-cache operates a full-page cache: clearing, purging and
// inspecting stored renders of every configured site.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/page-cache/cache"
	"github.com/wolfeidau/page-cache/config"
	"github.com/wolfeidau/page-cache/telemetry"
)

var version = "dev"

// Globals are shared by every command.
type Globals struct {
	Config    string `short:"c" help:"Path to the YAML configuration file." env:"PAGECACHE_CONFIG" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides the configuration." enum:",debug,info,warn,error" default:""`
	LogFormat string `help:"Log format (text, json). Overrides the configuration." enum:",text,json" default:""`

	stdout io.Writer
}

// CLI is the command tree.
type CLI struct {
	Globals

	Clear         ClearCmd         `cmd:"" help:"Remove every stored page of a site."`
	Wipe          WipeCmd          `cmd:"" help:"Remove every stored page of every site."`
	Purge         PurgeCmd         `cmd:"" help:"Remove expired pages."`
	ClearMatching ClearMatchingCmd `cmd:"" name:"clear-matching" help:"Remove the pages of a site selected by patterns."`
	Stats         StatsCmd         `cmd:"" help:"Show what a site stores."`
	History       HistoryCmd       `cmd:"" help:"Show the hourly size history of a site."`
	Address       AddressCmd       `cmd:"" help:"Show the cache key and file of a URL."`
	Invalidate    InvalidateCmd    `cmd:"" help:"Clear what a content event invalidates."`
	DropIn        DropInCmd        `cmd:"" name:"dropin" help:"Install, remove or show the drop-in marker."`
	Maintain      MaintainCmd      `cmd:"" help:"Purge expired pages and refresh statistics on an interval."`
	Version       VersionCmd       `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	cli.stdout = os.Stdout
	kctx := kong.Parse(&cli,
		kong.Name("page-cache"),
		kong.Description("Full-page cache maintenance."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// env holds what a command needs once the configuration is loaded.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	svc    *cache.Service
	out    io.Writer

	shutdownMetrics func(context.Context) error
}

func (g *Globals) open(ctx context.Context) (*env, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "page-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.EnablePrometheus,
		FlushInterval:    cfg.Metrics.FlushInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	svc, err := cache.New(ctx, cfg, cache.WithLogger(logger))
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	out := g.stdout
	if out == nil {
		out = os.Stdout
	}
	return &env{cfg: cfg, logger: logger, svc: svc, out: out, shutdownMetrics: shutdown}, nil
}

func (e *env) close() {
	if err := e.svc.Close(); err != nil {
		e.logger.Warn("failed to close cache", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.shutdownMetrics(ctx); err != nil {
		e.logger.Warn("failed to flush metrics", "error", err)
	}
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// withEnv loads the configuration, runs fn and releases everything.
func (g *Globals) withEnv(fn func(ctx context.Context, e *env) error) error {
	ctx, cancel := signalContext(slog.Default())
	defer cancel()

	e, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()
	return fn(ctx, e)
}

// Command isrproxy serves an HTTP origin through an incremental regeneration
// cache.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/isrcache/config"
	asynchook "github.com/unkn0wn-root/isrcache/hooks/async"
	isrzap "github.com/unkn0wn-root/isrcache/log/zap"
	"github.com/unkn0wn-root/isrcache/sloghooks"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("ISR_CONFIG", "/isrproxy.yaml"), "path to isrproxy.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("load config", err)
	}
	if cfg.Server.Origin == "" {
		fatal("load config", errors.New("server.origin is required"))
	}

	zl, err := newZap(cfg.Logging.Level)
	if err != nil {
		fatal("init logger", err)
	}
	defer func() { _ = zl.Sync() }()

	originURL, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		zl.Fatal("parse origin", zap.Error(err))
	}

	hooks := asynchook.New(sloghooks.New(slog.New(slog.NewJSONHandler(os.Stderr, nil)), sloghooks.Options{
		TagIndexMissEvery: 10,
		LogRevalidations:  cfg.Logging.Revalidations,
		Redact:            sloghooks.Plain,
	}), 1, 1024)
	defer hooks.Close()

	o := newOrigin(&cfg, &http.Client{Timeout: cfg.Server.OriginTimeout.Std()})
	engine, err := config.Build(cfg, config.BuildOptions{
		Render: o.render,
		Logger: isrzap.New(zl),
		Hooks:  hooks,
		Bypass: httputil.NewSingleHostReverseProxy(originURL),
	})
	if err != nil {
		zl.Fatal("init engine", zap.Error(err))
	}

	if n, err := engine.Manager.RebuildTagIndex(context.Background()); err != nil {
		zl.Warn("tag index rebuild failed", zap.Error(err))
	} else if n > 0 {
		zl.Info("tag index rebuilt", zap.Int("entries", n))
	}
	engine.Start()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		zl.Fatal("listen", zap.String("addr", cfg.Server.Listen), zap.Error(err))
	}

	srv := &http.Server{
		Handler:           engine.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		zl.Info("isrproxy listening",
			zap.String("addr", cfg.Server.Listen),
			zap.String("origin", cfg.Server.Origin),
			zap.String("backend", cfg.Cache.Backend),
			zap.String("fallback", string(cfg.FallbackMode())),
		)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := engine.Close(shutdownCtx); err != nil {
		zl.Warn("engine close", zap.Error(err))
	}
}

func newZap(level string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

func fatal(what string, err error) {
	slog.Error(what, "err", err)
	os.Exit(1)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/normanking/cortexlipsync/internal/audio"
	"github.com/normanking/cortexlipsync/internal/config"
	"github.com/normanking/cortexlipsync/internal/lipsync"
	"github.com/normanking/cortexlipsync/internal/logging"
	"github.com/normanking/cortexlipsync/internal/metrics"
	"github.com/normanking/cortexlipsync/internal/playback"
	"github.com/normanking/cortexlipsync/internal/session"
	"github.com/normanking/cortexlipsync/internal/stream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// app bundles what every command needs.
type app struct {
	store   *config.Store
	log     *logging.Logger
	logger  zerolog.Logger
	metrics *metrics.Metrics
	session *session.Session
	hub     *stream.Hub
}

// newApp loads configuration and builds the session. withStream adds the
// WebSocket frame hub as a sink.
func newApp(withStream bool) (*app, error) {
	store, err := config.Load(cfgFile, bootLogger())
	if err != nil {
		return nil, err
	}
	cfg := store.Config()

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	lg, err := logging.New(&logging.Config{
		LogDir:  cfg.Logging.Dir,
		Level:   level,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return nil, err
	}
	logger := lg.Zerolog()

	a := &app{store: store, log: lg, logger: logger, metrics: metrics.New()}
	var sinks []lipsync.FrameSink
	if withStream {
		a.hub = stream.NewHub(a.metrics, logger)
		sinks = append(sinks, a.hub)
	}

	a.session, err = session.New(session.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: a.metrics,
		Sinks:   sinks,
	})
	if err != nil {
		lg.Close()
		return nil, err
	}
	if a.hub != nil {
		a.hub.Attach(a.session.Bus())
	}
	return a, nil
}

// bootLogger reports problems before the configured logger exists.
func bootLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func (a *app) Close() {
	if a.hub != nil {
		a.hub.Close()
	}
	a.log.Close()
}

// run executes fn next to the HTTP endpoints and the config watcher. It
// returns when fn does or on SIGINT/SIGTERM.
func (a *app) run(fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.store.Watch(a.session.ApplyConfig)
	cfg := a.store.Config()

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()

	if a.hub != nil {
		routes := map[string]http.Handler{
			cfg.Stream.Path: a.hub,
			"/health":       http.HandlerFunc(a.health),
		}
		if cfg.Stream.MetricsAddr == "" {
			routes["/metrics"] = a.metrics.Handler()
		}
		g.Go(func() error { return stream.Serve(serveCtx, cfg.Stream.Addr, routes, a.logger) })
	}
	if addr := cfg.Stream.MetricsAddr; addr != "" {
		routes := map[string]http.Handler{"/metrics": a.metrics.Handler()}
		g.Go(func() error { return stream.Serve(serveCtx, addr, routes, a.logger) })
	}

	g.Go(func() error {
		defer stopServing()
		return fn(gctx)
	})
	return g.Wait()
}

func (a *app) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"clients": a.hub.Clients(),
		"library": a.session.Library().Active().Name,
	}
	if state, ok := a.session.SyncState(); ok {
		status["sync"] = state
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// openOutput opens the playback device with the configured volume.
func (a *app) openOutput() (*playback.Player, error) {
	cfg := playback.DefaultConfig()
	cfg.Volume = float64(a.store.Config().Audio.OutputVolume) / 100
	return playback.New(cfg, a.logger)
}

func loadTiming(path string) (*lipsync.ProviderTiming, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return lipsync.DecodeProviderTiming(f)
}

func loadAudio(path string) (*audio.Buffer, error) {
	buf, err := audio.OpenWAV(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return buf, nil
}

func writeJSON(path string, v any) error {
	w := os.Stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/emailpad/emailpad/internal/auth"
	"github.com/emailpad/emailpad/internal/bus"
	"github.com/emailpad/emailpad/internal/config"
	"github.com/emailpad/emailpad/internal/etherpad"
	"github.com/emailpad/emailpad/internal/feed"
	"github.com/emailpad/emailpad/internal/frontend"
	"github.com/emailpad/emailpad/internal/logging"
	"github.com/emailpad/emailpad/internal/metrics"
	"github.com/emailpad/emailpad/internal/mock"
	"github.com/emailpad/emailpad/internal/pad"
	"github.com/emailpad/emailpad/internal/padsync"
	"github.com/emailpad/emailpad/internal/render"
	"github.com/emailpad/emailpad/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	mockMode := flag.Bool("mock", false, "Poll a built-in fake Etherpad instead of etherpad.base_url")
	devMode := flag.Bool("dev", false, "Development mode (debug console logging)")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	genToken := flag.Bool("gen-token", false, "Print a random auth token and exit")
	flag.Parse()

	if *genToken {
		token, err := config.GenerateToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		logging.Setup(logging.Options{})
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *devMode {
		cfg.Log.Level = "debug"
		cfg.Log.Format = "console"
	}

	logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *mockMode {
		baseURL, err := startMock(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start mock etherpad")
		}
		cfg.Etherpad.BaseURL = baseURL
		log.Info().Str("url", baseURL).Msg("starting in mock mode")
	}

	var (
		rec         metrics.Recorder = metrics.Nop{}
		metricsHTTP http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		prom, err := metrics.NewPrometheus(reg, cfg.Metrics.Namespace)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to register metrics")
		}
		rec = prom
		metricsHTTP = prom.Handler()
	}

	registry := pad.NewRegistry(
		pad.WithEvictIdle(cfg.Pads.EvictIdle),
		pad.WithTransitions(
			func(string) { rec.PadActivated() },
			func(string) { rec.PadIdled() },
		),
	)
	events := bus.New(logging.Component("bus"))

	fetcher, err := etherpad.NewClient(cfg.Etherpad.BaseURL, etherpad.Options{
		Timeout:      cfg.Etherpad.Timeout,
		UserAgent:    cfg.Etherpad.UserAgent,
		MaxBodyBytes: cfg.Etherpad.MaxBodyBytes,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid etherpad configuration")
	}

	schedOpts := []padsync.Option{
		padsync.WithLogger(logging.Component("padsync")),
		padsync.WithMetrics(rec),
	}

	var publisher *feed.Publisher
	if cfg.Feed.Enabled {
		publisher, err = feed.Connect(cfg.Feed.URL, cfg.Feed.SubjectPrefix,
			feed.WithLogger(logging.Component("feed")),
			feed.WithMetrics(rec),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect change feed")
		}
		schedOpts = append(schedOpts, padsync.WithChangeHook(publisher.Hook()))
		log.Info().Str("url", cfg.Feed.URL).Str("prefix", cfg.Feed.SubjectPrefix).Msg("change feed enabled")
	}

	scheduler, err := padsync.New(padsync.Config{
		Interval:           cfg.Poll.Interval,
		FailureThreshold:   cfg.Poll.FailureThreshold,
		NotifyOnFirstFetch: cfg.Poll.NotifyOnFirstFetch,
	}, registry, fetcher, events, schedOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}

	manager := ws.NewManager(ws.ManagerConfig{
		MaxConnections: cfg.Server.MaxConnections,
		SendBuffer:     cfg.Server.SendBuffer,
		WriteTimeout:   cfg.Server.WriteTimeout,
		PingInterval:   cfg.Server.PingInterval,
		PongTimeout:    cfg.Server.PongTimeout,
	}, registry, events, scheduler,
		ws.WithLogger(logging.Component("ws")),
		ws.WithMetrics(rec),
	)

	pages, err := frontend.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load page templates")
	}

	authn := auth.New(cfg.Server.AuthToken, cfg.Server.JWTSecret)
	if !authn.Enabled() && cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" {
		log.Warn().Str("host", cfg.Server.Host).Msg("listening on a non-loopback address without auth")
	}

	server := ws.NewServer(ws.ServerDeps{
		Manager:  manager,
		Registry: registry,
		Health:   scheduler,
		Renderer: render.New(),
		Pages:    pages,
		Auth:     authn,
		Metrics:  metricsHTTP,
		Logger:   logging.Component("http"),
	}, cfg.Etherpad.BaseURL, cfg.Server.AllowedOrigins)

	httpServer := server.HTTPServer(cfg.Addr())
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("etherpad", cfg.Etherpad.BaseURL).Msg("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	manager.CloseAll()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("scheduler shutdown")
	}
	if publisher != nil {
		publisher.Close()
	}
}

// startMock serves a fake Etherpad on a loopback port until ctx is done.
func startMock(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}

	gen := mock.NewGenerator(mock.WithLogger(logging.Component("mock")))
	gen.Start(ctx)

	srv := &http.Server{Handler: gen.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("mock etherpad stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	return "http://" + ln.Addr().String(), nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/crabwalk/internal/adapter/gateway"
	cwhttp "github.com/Strob0t/crabwalk/internal/adapter/http"
	cwnats "github.com/Strob0t/crabwalk/internal/adapter/nats"
	"github.com/Strob0t/crabwalk/internal/adapter/natskv"
	cwotel "github.com/Strob0t/crabwalk/internal/adapter/otel"
	"github.com/Strob0t/crabwalk/internal/adapter/ristretto"
	"github.com/Strob0t/crabwalk/internal/adapter/tiered"
	"github.com/Strob0t/crabwalk/internal/adapter/ws"
	"github.com/Strob0t/crabwalk/internal/config"
	"github.com/Strob0t/crabwalk/internal/domain/layout"
	"github.com/Strob0t/crabwalk/internal/domain/protocol"
	"github.com/Strob0t/crabwalk/internal/logger"
	"github.com/Strob0t/crabwalk/internal/middleware"
	"github.com/Strob0t/crabwalk/internal/port/cache"
	"github.com/Strob0t/crabwalk/internal/port/messagequeue"
	"github.com/Strob0t/crabwalk/internal/resilience"
	"github.com/Strob0t/crabwalk/internal/secrets"
	"github.com/Strob0t/crabwalk/internal/service"
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "tail" {
		err = runTail(os.Args[2:])
	} else {
		err = run()
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"gateway", cfg.Gateway.URL,
		"log_level", cfg.Logging.Level,
		"relay", cfg.NATS.URL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownOtel, err := cwotel.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(flushCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := cwotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}
	if r, ok := closeLog.(logger.DropReporter); ok {
		r.OnDrop(metrics.LogDropped)
	}

	// --- Infrastructure ---

	pins, err := ristretto.New(cfg.Cache.PinMaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("pin cache: %w", err)
	}
	defer pins.Close()

	hub := ws.NewHub(originPatterns(cfg.Server.CORSOrigin))
	defer hub.Close()

	var vault *secrets.Vault
	if cfg.Gateway.TokenFile != "" {
		vault, err = secrets.NewVault(secrets.FileLoader(map[string]string{
			secrets.GatewayToken: cfg.Gateway.TokenFile,
		}))
		if err != nil {
			return fmt.Errorf("gateway token: %w", err)
		}
	}

	client := gateway.New(gateway.Options{
		URL:         cfg.Gateway.URL,
		Token:       cfg.Gateway.Token,
		TokenSource: tokenSource(vault, cfg.Gateway.Token),
		Client: protocol.ClientInfo{
			ID:          cfg.Gateway.ClientID,
			DisplayName: cfg.Gateway.DisplayName,
		},
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		RequestTimeout:   cfg.Gateway.RequestTimeout,
		ReconnectDelay:   cfg.Gateway.ReconnectDelay,
		Logger:           log,
		Metrics:          metrics,
	})

	mode, err := layout.ParseMode(cfg.Layout.Mode)
	if err != nil {
		return fmt.Errorf("layout: %w", err)
	}
	layoutOpts := layout.DefaultOptions()
	layoutOpts.Mode = mode
	layoutOpts.ColumnWidth = cfg.Layout.ColumnWidth
	layoutOpts.ColumnGap = cfg.Layout.ColumnGap
	layoutOpts.ItemHeight = cfg.Layout.ItemHeight
	layoutOpts.RowGap = cfg.Layout.RowGap
	layoutOpts.SpawnOffset = cfg.Layout.SpawnOffset

	var (
		queue    *cwnats.Queue
		breaker  *resilience.Breaker
		pinStore cache.Cache = pins
	)
	if cfg.NATS.URL != "" {
		queue, err = cwnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := queue.Drain(); err != nil {
				slog.Warn("nats drain", "error", err)
			}
		}()

		breaker = resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout).
			Ignore(messagequeue.ErrInvalidMessage).
			OnStateChange(func(from, to resilience.State) {
				slog.Warn("relay circuit breaker", "from", from.String(), "to", to.String())
			})

		if cfg.Cache.PinBucket != "" {
			shared, err := natskv.Open(ctx, queue.JetStream(), cfg.Cache.PinBucket, cfg.Cache.PinTTL)
			if err != nil {
				return fmt.Errorf("pin bucket: %w", err)
			}
			pinStore = tiered.New(pins, shared, cfg.Cache.PinL1TTL)
		}
	}

	// --- Services ---

	monitorSvc := service.NewMonitorService(client, hub, pinStore, service.MonitorOptions{
		ActiveMinutes:        cfg.Monitor.ActiveMinutes,
		SessionLimit:         cfg.Monitor.SessionLimit,
		OutputCapBytes:       cfg.Monitor.OutputCapBytes,
		MaxActionsPerSession: cfg.Monitor.MaxActionsPerSession,
		Layout:               layoutOpts,
		PinTTL:               cfg.Cache.PinTTL,
		RelayBuffer:          cfg.NATS.RelayBuffer,
		RelayTimeout:         cfg.NATS.PublishTimeout,
		Logger:               log,
	})
	monitorSvc.SetMetrics(metrics)
	if queue != nil {
		monitorSvc.SetRelay(queue, breaker)
	}
	if n, err := monitorSvc.RestorePins(ctx); err != nil {
		slog.Warn("pins not restored", "error", err)
	} else if n > 0 {
		slog.Info("pins restored", "count", n)
	}
	hub.SetSnapshot(monitorSvc.SnapshotMessage)

	// --- HTTP ---

	handlers := &cwhttp.Handlers{
		Monitor: monitorSvc,
		Health: func() cwhttp.Health {
			h := cwhttp.Health{
				Status:    "ok",
				Gateway:   string(client.State()),
				Relay:     "disabled",
				WSClients: hub.ConnectionCount(),
			}
			if client.State() != gateway.StateConnected {
				h.Status = "degraded"
			}
			switch {
			case queue == nil:
			case !queue.IsConnected():
				h.Relay = "disconnected"
			case breaker.State() != resilience.StateClosed:
				h.Relay = "circuit " + breaker.State().String()
			default:
				h.Relay = "connected"
			}
			return h
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(cwhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cwhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cwotel.HTTPMiddleware(cfg.Telemetry.ServiceName))

	r.Get("/ws", hub.HandleWS)
	cwhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	// No read/write timeouts: /ws connections are long-lived.
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer monitorSvc.Stop()
		if err := startMonitor(gctx, monitorSvc, cfg.Gateway.ReconnectDelay); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})

	if vault != nil {
		g.Go(func() error {
			reloadOnHangup(gctx, vault)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// startMonitor retries the initial gateway connection every delay until it
// succeeds or ctx ends. Authentication failures are not retried. Once
// connected, the gateway client handles reconnects itself.
func startMonitor(ctx context.Context, svc *service.MonitorService, delay time.Duration) error {
	for {
		err := svc.Start(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gateway.ErrAuthFailure):
			return err
		case ctx.Err() != nil:
			return nil
		}

		slog.Warn("gateway unavailable, retrying", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// tokenSource reads the gateway token from vault, falling back to static.
// It returns nil when there is no vault so the static token is used as is.
func tokenSource(vault *secrets.Vault, static string) func() string {
	if vault == nil {
		return nil
	}
	return func() string {
		if t := vault.Get(secrets.GatewayToken); t != "" {
			return t
		}
		return static
	}
}

// reloadOnHangup re-reads the vault on every SIGHUP until ctx ends. The new
// token is sent on the next (re)connect.
func reloadOnHangup(ctx context.Context, vault *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
				continue
			}
			slog.Info("secrets reloaded")
		}
	}
}

// originPatterns converts the CORS origin list to the host patterns the
// WebSocket accept check expects. "*" allows any origin.
func originPatterns(corsOrigins string) []string {
	var out []string
	for _, o := range strings.Split(corsOrigins, ",") {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
		case o == "*":
			return nil
		default:
			if u, err := url.Parse(o); err == nil && u.Host != "" {
				out = append(out, u.Host)
			} else {
				out = append(out, o)
			}
		}
	}
	return out
}

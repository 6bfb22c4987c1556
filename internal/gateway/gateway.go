// ABOUTME: Gateway assembly: registries, coordinator, HTTP server, and
// ABOUTME: optional tsnet listener; Run supervises everything via errgroup.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/lnvend/vend-gateway/internal/auth"
	"github.com/lnvend/vend-gateway/internal/config"
	"github.com/lnvend/vend-gateway/internal/metrics"
	"github.com/lnvend/vend-gateway/internal/payments"
	"github.com/lnvend/vend-gateway/internal/registry"
	"github.com/lnvend/vend-gateway/internal/store"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// Gateway is the fully wired server: both connection registries, the
// coordinator, the websocket endpoints, and the listeners.
type Gateway struct {
	config      *config.Config
	logger      *slog.Logger
	store       store.Store
	resolver    *Resolver
	devices     *registry.Registry
	admins      *registry.Registry
	coordinator *Coordinator
	verifier    *auth.JWTVerifier
	metrics     *metrics.Metrics

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// New assembles a gateway from configuration. The store and payment node
// are injected so tests can substitute fakes.
func New(cfg *config.Config, s store.Store, node payments.Node, logger *slog.Logger) *Gateway {
	m := metrics.New()
	devices := registry.New("devices", logger)
	admins := registry.New("admins", logger)

	g := &Gateway{
		config:            cfg,
		logger:            logger.With("component", "gateway"),
		store:             s,
		resolver:          NewResolver(s, logger),
		devices:           devices,
		admins:            admins,
		verifier:          auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		metrics:           m,
		heartbeatInterval: cfg.Devices.HeartbeatInterval,
		heartbeatTimeout:  cfg.Devices.HeartbeatTimeout,
	}
	g.coordinator = NewCoordinator(s, devices, admins, node, m, cfg.Payments.InvoiceExpiry, logger)

	g.httpServer = &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Coordinator returns the gateway's coordinator, primarily for tests.
func (g *Gateway) Coordinator() *Coordinator { return g.coordinator }

// routes builds the HTTP mux: websocket endpoints, health, and metrics.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/device", g.handleDeviceWS)
	mux.HandleFunc("/ws/admin", g.handleAdminWS)
	mux.HandleFunc("/healthz", g.handleHealth)
	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// Run serves until ctx is canceled or a component fails, then shuts down
// gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	listeners, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.logger.Info("gateway starting",
		"listeners", len(listeners),
		"heartbeat_interval", g.heartbeatInterval.String(),
	)

	g.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	group, ctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		ln := ln
		group.Go(func() error {
			if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return g.coordinator.Run(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		return g.gracefulShutdown()
	})

	return group.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and closes background resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.coordinator.Close()

	err := g.httpServer.Shutdown(ctx)
	if g.tsnetServer != nil {
		if tsErr := g.tsnetServer.Close(); err == nil {
			err = tsErr
		}
	}
	return err
}

// setupListeners opens the configured TCP listener and, when enabled, the
// tailnet listener. At least one is guaranteed by config validation.
func (g *Gateway) setupListeners(ctx context.Context) ([]net.Listener, error) {
	var listeners []net.Listener

	if addr := g.config.Server.HTTPAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", addr, err)
		}
		g.logger.Info("listening", "addr", ln.Addr().String())
		listeners = append(listeners, ln)
	}

	if g.config.Tailscale.Enabled {
		ln, err := g.setupTailscaleListener(ctx)
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return nil, err
		}
		listeners = append(listeners, ln)
	}

	return listeners, nil
}

// setupTailscaleListener creates a tsnet server and returns its listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname,
		"state_dir", stateDir,
		"ephemeral", tsCfg.Ephemeral,
	)
	if _, err := g.tsnetServer.Up(ctx); err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "vend-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wspush/wspush/internal/config"
	"github.com/wspush/wspush/internal/crypto"
	"github.com/wspush/wspush/internal/dispatch"
	"github.com/wspush/wspush/internal/handshake"
	"github.com/wspush/wspush/internal/hub"
	"github.com/wspush/wspush/internal/timer"
	"github.com/wspush/wspush/internal/wsconn"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	if err := d.serve(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// daemon is a bound server with its optional admin endpoint.
type daemon struct {
	cfg    config.Config
	srv    *hub.Server
	admin  *http.Server
	adminL net.Listener
	logger *slog.Logger
}

func newDaemon(cfg config.Config, logger *slog.Logger) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var key *crypto.Key
	if cfg.Secret != "" {
		k, err := crypto.DeriveKey(cfg.Secret)
		if err != nil {
			return nil, err
		}
		key = &k
	} else {
		logger.Warn("no secret configured, clients cannot identify")
	}

	router := dispatch.NewRouter(logger)
	if err := registerHandlers(router); err != nil {
		return nil, err
	}

	scheduler := timer.NewScheduler(logger)
	env := timer.Env{Logger: logger, ReaperGrace: cfg.ReaperGrace}
	if err := timer.NewRegistry().Install(scheduler, cfg.Timers, env); err != nil {
		return nil, err
	}

	srv, err := hub.Listen(hub.Options{
		Host:                cfg.Host,
		Port:                cfg.Port,
		MaxClients:          cfg.MaxClients,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		Tick:                cfg.Tick,
		IPCSocketPath:       cfg.IPCSocketPath,
		Scheduler:           scheduler,
		Logger:              logger,
		Conn: &wsconn.Options{
			Origins:      handshake.NewOriginPolicy(cfg.CheckOrigin, cfg.AllowedOrigins),
			Key:          key,
			MaxFrameSize: cfg.MaxFrameSize,
			RateLimit:    cfg.RateLimit,
			RateBurst:    cfg.RateBurst,
			App:          router,
			Logger:       logger,
		},
	})
	if err != nil {
		return nil, err
	}

	d := &daemon{cfg: cfg, srv: srv, logger: logger}
	if cfg.AdminAddr != "" {
		l, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			srv.Close()
			return nil, fmt.Errorf("admin listener: %w", err)
		}
		r := chi.NewRouter()
		r.Get("/health", healthHandler(srv))
		d.adminL = l
		d.admin = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	}

	logger.Info("wspush server starting",
		"host", cfg.Host,
		"port", srv.Port(),
		"ipc", cfg.IPCSocketPath,
		"max_clients", cfg.MaxClients,
		"max_per_ip", cfg.MaxConnectionsPerIP,
		"check_origin", cfg.CheckOrigin,
		"client_url", cfg.ClientURL(),
	)
	if scheduler.Len() == 0 {
		logger.Info("no timers registered")
	}
	for _, t := range scheduler.List() {
		logger.Info("timer registered", "name", t.Name, "interval", t.Interval)
	}
	return d, nil
}

// serve runs the loop until ctx is cancelled.
func (d *daemon) serve(ctx context.Context) error {
	if d.admin != nil {
		go func() {
			d.logger.Info("admin endpoint listening", "addr", d.adminL.Addr().String())
			if err := d.admin.Serve(d.adminL); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("admin server error", "error", err)
			}
		}()
	}

	err := d.srv.Run(ctx)

	if d.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := d.admin.Shutdown(shutdownCtx); serr != nil {
			d.logger.Error("admin shutdown error", "error", serr)
		}
	}
	d.logger.Info("wspush server stopped")
	return err
}

// registerHandlers installs the handlers every server answers.
func registerHandlers(r *dispatch.Router) error {
	return errors.Join(
		r.Handle("Server", "ping", func(*wsconn.Connection, json.RawMessage) (any, error) {
			return map[string]any{"pong": true, "time": time.Now().UTC().Format(time.RFC3339)}, nil
		}),
		r.Handle("Server", "whoami", func(c *wsconn.Connection, _ json.RawMessage) (any, error) {
			claims, _ := c.Claims()
			return map[string]any{"id": c.ID(), "sessionId": claims.SessionID, "userId": claims.UserID}, nil
		}),
	)
}

// healthHandler returns the current health status of the server,
// including goroutine count and the hub counters.
func healthHandler(srv *hub.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Goroutines int `json:"goroutines"`
			hub.Snapshot
		}{
			Goroutines: runtime.NumGoroutine(),
			Snapshot:   srv.Stats(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}

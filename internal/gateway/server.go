package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/apigateway/internal/config"
)

// Server runs the gateway's frontend listener and, when enabled, the admin
// listener. It owns process lifecycle: config watching, SIGHUP reload, and
// graceful shutdown on SIGINT/SIGTERM.
type Server struct {
	gateway    *Gateway
	cfg        *config.Config
	configPath string
	frontend   *http.Server
	admin      *http.Server
	watcher    *config.Watcher
	logger     *zap.Logger
	ready      atomic.Bool
	startTime  time.Time
}

// NewServer creates a server around a gateway. configPath is used for
// reloads; empty disables file watching.
func NewServer(gw *Gateway, cfg *config.Config, configPath string, logger *zap.Logger) *Server {
	s := &Server{
		gateway:    gw,
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		startTime:  time.Now(),
	}

	s.frontend = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           gw,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}
	if cfg.Server.TLS.Enabled {
		s.frontend.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	if cfg.Admin.Enabled {
		s.admin = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Admin.Port),
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s
}

// Run starts the listeners and blocks until the context is cancelled or a
// termination signal arrives.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if s.configPath != "" {
		if err := s.startWatcher(); err != nil {
			return fmt.Errorf("starting config watcher: %w", err)
		}
		defer s.watcher.Stop()
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("gateway listening",
			zap.String("address", s.frontend.Addr),
			zap.Bool("tls", s.cfg.Server.TLS.Enabled))
		var err error
		if s.cfg.Server.TLS.Enabled {
			err = s.frontend.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		} else {
			err = s.frontend.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if s.admin != nil {
		g.Go(func() error {
			s.logger.Info("admin listening", zap.String("address", s.admin.Addr))
			if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sighup:
				s.reloadFromFile()
			}
		}
	})

	s.ready.Store(true)

	g.Go(func() error {
		<-gctx.Done()
		s.ready.Store(false)
		s.logger.Info("shutting down")

		timeout := s.cfg.Server.ShutdownTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if s.admin != nil {
			s.admin.Shutdown(shutdownCtx)
		}
		return s.frontend.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.gateway.Close()
	return err
}

// startWatcher wires file-change reloads through the gateway.
func (s *Server) startWatcher() error {
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		return err
	}
	w.OnReload(func(cfg *config.Config, err error) {
		if err != nil {
			s.gateway.Metrics().RecordReload(false)
			s.logger.Error("reload failed, keeping previous snapshot", zap.Error(err))
			return
		}
		if err := s.gateway.Reload(cfg); err != nil {
			s.logger.Error("reload rejected, keeping previous snapshot", zap.Error(err))
		}
	})
	s.watcher = w
	return w.Start()
}

// reloadFromFile handles SIGHUP-triggered reloads.
func (s *Server) reloadFromFile() {
	cfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		s.logger.Error("reload failed, keeping previous snapshot", zap.Error(err))
		return
	}
	if err := s.gateway.Reload(cfg); err != nil {
		s.logger.Error("reload rejected, keeping previous snapshot", zap.Error(err))
	}
}

// adminHandler serves the diagnostics surface.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"uptime": time.Since(s.startTime).String(),
		})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("draining\n"))
			return
		}
		w.Write([]byte("ready\n"))
	})

	mux.HandleFunc("/apis", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.gateway.Runtime().APIs())
	})

	mux.Handle("/metrics", s.gateway.Metrics().Handler())

	return mux
}

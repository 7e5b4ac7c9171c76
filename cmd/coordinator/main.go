package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/dreamware/meshtree/internal/config"
	"github.com/dreamware/meshtree/internal/coordinator"
	"github.com/dreamware/meshtree/internal/mesh"
)

var (
	configPath string
	listenAddr string
	modeFlag   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "coordinator",
		Short:        "Run the mesh tree coordinator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, flagOverrides(cmd))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", getenv("MESH_CONFIG", ""), "path to the YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&modeFlag, "mode", "", "build mode: symmetric, depth_first or width_first")
	return cmd
}

// loadConfig reads the file and environment, then applies explicit flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	flagOverrides(cmd)(&cfg)
	return cfg, cfg.Validate()
}

// flagOverrides captures the flags set on the command line so they can be
// laid over any config, including one reloaded from disk later.
func flagOverrides(cmd *cobra.Command) func(*config.Config) {
	listen, listenSet := listenAddr, cmd.Flags().Changed("listen")
	mode, modeSet := modeFlag, cmd.Flags().Changed("mode")
	return func(cfg *config.Config) {
		if listenSet {
			cfg.Listen = listen
		}
		if modeSet {
			cfg.Mesh.Mode = mode
		}
	}
}

type server struct {
	cfg     config.Config
	logger  *slog.Logger
	svc     *coordinator.Service
	monitor *coordinator.HealthMonitor
	handler http.Handler

	// overrides re-applies command line flags to reloaded configs.
	overrides func(*config.Config)
}

func newServer(cfg config.Config, logger *slog.Logger) *server {
	org := mesh.NewOrganizer(cfg.BuildMode(), cfg.OrganizerOptions(logger)...)
	svc := coordinator.NewService(org, logger)

	var limiter *rate.Limiter
	if cfg.Join.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Join.RatePerSecond), cfg.Join.Burst)
	}

	return &server{
		cfg:     cfg,
		logger:  logger,
		svc:     svc,
		monitor: coordinator.NewHealthMonitor(cfg.Health, logger),
		handler: coordinator.NewRouter(svc, coordinator.RouterOptions{JoinLimiter: limiter}),
	}
}

// applyConfig takes the settings that may change at runtime from a reloaded
// file. Only the build mode is live; shape bounds need a restart. Flags given
// on the command line keep precedence over the file.
func (s *server) applyConfig(cfg config.Config) {
	if s.overrides != nil {
		s.overrides(&cfg)
	}
	if err := s.svc.SetBuildMode(cfg.BuildMode()); err != nil {
		s.logger.Warn("build mode not applied", slog.Any("error", err))
	}
	if cfg.Mesh.MaxDownstreams != s.cfg.Mesh.MaxDownstreams || cfg.Mesh.MaxDepth != s.cfg.Mesh.MaxDepth {
		s.logger.Warn("mesh bounds changed on disk; restart to apply",
			slog.Int("max_downstreams", cfg.Mesh.MaxDownstreams),
			slog.Int("max_depth", cfg.Mesh.MaxDepth))
	}
}

func run(ctx context.Context, cfg config.Config, overrides func(*config.Config)) error {
	gin.SetMode(gin.ReleaseMode)
	logger := cfg.Logger()
	slog.SetDefault(logger)

	srv := newServer(cfg, logger)
	srv.overrides = overrides

	if cfg.Health.Enabled {
		if cfg.Health.Evict {
			srv.monitor.SetOnUnhealthy(func(id string) {
				if err := srv.svc.Evict(context.Background(), id); err != nil {
					logger.Warn("eviction failed", slog.String("node", id), slog.Any("error", err))
				}
			})
		}
		go srv.monitor.Start(ctx, srv.svc.Members)
		defer srv.monitor.Stop()
	}

	if configPath != "" {
		go func() {
			if err := config.Watch(ctx, configPath, logger, srv.applyConfig); err != nil {
				logger.Warn("config watch stopped", slog.Any("error", err))
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening",
			slog.String("addr", cfg.Listen),
			slog.String("mode", cfg.BuildMode().String()),
			slog.Int("max_downstreams", cfg.Mesh.MaxDownstreams),
			slog.Int("max_depth", cfg.Mesh.MaxDepth))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("coordinator stopped")
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

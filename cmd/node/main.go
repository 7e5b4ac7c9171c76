// Package main implements the mesh worker. A worker joins the coordinator,
// learns its upstream and downstreams, keeps that view fresh, and leaves the
// mesh on shutdown. The data it relays travels over the worker's own
// transport; this binary only manages its place in the tree.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Worker                   │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Health check         │
//	│    /info         - Current route        │
//	├─────────────────────────────────────────┤
//	│  Loops:                                 │
//	│    join          - Paced retries        │
//	│    refresh       - Route polling        │
//	│    leave         - On SIGTERM           │
//	└─────────────────────────────────────────┘
//
// Configuration (flags override environment):
//   - NODE_ID: Worker id (default: random UUID)
//   - NODE_IP: Address peers dial (default: "127.0.0.1")
//   - NODE_PORT: Port peers dial (default: 40123)
//   - NODE_LISTEN: Local listen address (default: ":" + NODE_PORT)
//   - NODE_REFRESH: Route refresh interval (default: "10s")
//   - COORDINATOR_ADDR: Coordinator URL (required)
//
// Example usage:
//
//	COORDINATOR_ADDR=http://localhost:8080 NODE_IP=10.0.0.7 ./node
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/dreamware/meshtree/internal/cluster"
	"github.com/dreamware/meshtree/internal/mesh"
)

// options holds the worker settings gathered from flags and environment.
type options struct {
	id          string
	ip          string
	listen      string
	coordinator string
	refresh     time.Duration
	port        int
}

// Worker is the runtime state of one mesh member: its identity and the
// route most recently reported by the coordinator.
//
// Concurrency model:
//   - The refresh loop writes route under mu
//   - HTTP handlers read it under the read lock
type Worker struct {
	client *cluster.Client
	logger *slog.Logger

	// route is the last view received from the coordinator. Zero until the
	// first successful join.
	route cluster.RouteResponse

	self   cluster.NodeInfo
	mu     sync.RWMutex
	joined bool
}

// NewWorker creates a worker that talks to the coordinator through client.
func NewWorker(self cluster.NodeInfo, client *cluster.Client, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{self: self, client: client, logger: logger}
}

// Route returns the last known route.
func (w *Worker) Route() (cluster.RouteResponse, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.route, w.joined
}

func (w *Worker) setRoute(r cluster.RouteResponse) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.route = r
	w.joined = true
}

func (w *Worker) clearRoute() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.route = cluster.RouteResponse{}
	w.joined = false
}

// Join asks the coordinator for a place in the mesh, pacing attempts with
// limiter until one succeeds, attempts are exhausted, or ctx ends. A
// conflict reply is final.
func (w *Worker) Join(ctx context.Context, limiter *rate.Limiter, attempts int) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := w.client.Join(ctx, w.self)
		if err == nil {
			w.setRoute(cluster.RouteResponse{Upstream: resp.Upstream, Node: resp.Node, Depth: resp.Depth})
			w.logger.Info("joined mesh",
				slog.String("node", w.self.ID),
				slog.Int("depth", resp.Depth),
				slog.String("upstream", upstreamID(resp.Upstream)))
			return nil
		}
		lastErr = err
		var se *cluster.StatusError
		if errors.As(err, &se) && se.Code == http.StatusConflict {
			return err
		}
		w.logger.Warn("join retry", slog.Int("attempt", i+1), slog.Any("error", err))
	}
	return fmt.Errorf("join failed after %d attempts: %w", attempts, lastErr)
}

// Refresh fetches the current route. A 404 means the coordinator no longer
// knows this worker, so it joins again.
func (w *Worker) Refresh(ctx context.Context, limiter *rate.Limiter) error {
	route, err := w.client.Route(ctx, w.self.ID)
	if cluster.IsNotFound(err) {
		w.logger.Warn("dropped from mesh, rejoining", slog.String("node", w.self.ID))
		w.clearRoute()
		return w.Join(ctx, limiter, 3)
	}
	if err != nil {
		return err
	}

	prev, _ := w.Route()
	if upstreamID(prev.Upstream) != upstreamID(route.Upstream) || len(prev.Downstream) != len(route.Downstream) {
		w.logger.Info("route changed",
			slog.String("upstream", upstreamID(route.Upstream)),
			slog.Int("downstreams", len(route.Downstream)),
			slog.Int("depth", route.Depth))
	}
	w.setRoute(route)
	return nil
}

// Leave removes the worker from the mesh. Not being a member is not an error.
func (w *Worker) Leave(ctx context.Context) error {
	err := w.client.Leave(ctx, w.self.ID)
	if err != nil && !cluster.IsNotFound(err) {
		return err
	}
	w.clearRoute()
	return nil
}

// refreshLoop calls Refresh every interval until ctx ends.
func (w *Worker) refreshLoop(ctx context.Context, interval time.Duration, limiter *rate.Limiter) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Refresh(ctx, limiter); err != nil && ctx.Err() == nil {
				w.logger.Warn("route refresh failed", slog.Any("error", err))
			}
		}
	}
}

// newRouter serves the worker's own HTTP endpoints.
func newRouter(w *Worker) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/info", func(c *gin.Context) {
		route, joined := w.Route()
		c.JSON(http.StatusOK, gin.H{
			"node":   w.self,
			"joined": joined,
			"route":  route,
		})
	})
	return router
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	port, _ := strconv.Atoi(getenv("NODE_PORT", strconv.Itoa(mesh.DefaultPort)))
	refresh, _ := time.ParseDuration(getenv("NODE_REFRESH", "10s"))

	cmd := &cobra.Command{
		Use:          "node",
		Short:        "Run a mesh worker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.coordinator == "" {
				return errors.New("coordinator address is required (--coordinator or COORDINATOR_ADDR)")
			}
			if opts.id == "" {
				opts.id = uuid.NewString()
			}
			if opts.listen == "" {
				opts.listen = ":" + strconv.Itoa(opts.port)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, slog.New(slog.NewTextHandler(os.Stderr, nil)))
		},
	}
	cmd.Flags().StringVar(&opts.id, "id", os.Getenv("NODE_ID"), "worker id (default: random UUID)")
	cmd.Flags().StringVar(&opts.ip, "ip", getenv("NODE_IP", "127.0.0.1"), "address peers dial")
	cmd.Flags().IntVar(&opts.port, "port", port, "port peers dial")
	cmd.Flags().StringVar(&opts.listen, "listen", os.Getenv("NODE_LISTEN"), "local listen address")
	cmd.Flags().StringVar(&opts.coordinator, "coordinator", os.Getenv("COORDINATOR_ADDR"), "coordinator base URL")
	cmd.Flags().DurationVar(&opts.refresh, "refresh", refresh, "route refresh interval")
	return cmd
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	gin.SetMode(gin.ReleaseMode)

	self := cluster.NodeInfo{ID: opts.id, IP: opts.ip, Port: opts.port}
	worker := NewWorker(self, cluster.NewClient(opts.coordinator), logger)

	s := &http.Server{
		Addr:              opts.listen,
		Handler:           newRouter(worker),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("worker listening",
			slog.String("node", self.ID),
			slog.String("listen", opts.listen),
			slog.String("public", self.Addr()))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 400ms between attempts, ten attempts
	limiter := rate.NewLimiter(rate.Every(400*time.Millisecond), 1)
	if err := worker.Join(ctx, limiter, 10); err != nil {
		_ = s.Close()
		return err
	}

	if opts.refresh > 0 {
		go worker.refreshLoop(ctx, opts.refresh, limiter)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := worker.Leave(shutdownCtx); err != nil {
		logger.Warn("leave failed", slog.Any("error", err))
	}
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", slog.Any("error", err))
	}
	logger.Info("worker stopped", slog.String("node", self.ID))
	return nil
}

func upstreamID(n *cluster.NodeInfo) string {
	if n == nil {
		return ""
	}
	return n.ID
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

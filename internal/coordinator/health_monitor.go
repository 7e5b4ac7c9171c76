package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/meshtree/internal/cluster"
	"github.com/dreamware/meshtree/internal/config"
)

// Health states reported by NodeHealth.Status.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health status of a single mesh member.
// It maintains the current status, last successful check time, and failure count.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time // Timestamp of the last health check attempt
	LastHealthy      time.Time // Timestamp of the last successful health check
	NodeID           string    // Unique identifier of the node
	Status           string    // Current status: "healthy", "unhealthy", "unknown"
	ConsecutiveFails int       // Number of consecutive failed health checks
}

// HealthMonitor performs periodic health checks on every mesh member.
// It tracks member health and reports members that stop answering so they
// can be evicted from the tree.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth                       // Current health status per node
	httpClient  *http.Client                                 // HTTP client for health checks
	checkFunc   func(ctx context.Context, url string) error // Function to perform health check
	onUnhealthy func(nodeID string)                          // Callback when node becomes unhealthy
	logger      *slog.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to check node health
	timeout     time.Duration      // Per-probe timeout
	mu          sync.RWMutex       // Protects nodes map
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking unhealthy
	concurrency int                // Probes in flight at once
}

// NewHealthMonitor creates a health monitor from the health settings.
// Each member's /health endpoint is probed every cfg.Interval, at most
// cfg.Concurrency at a time, and a member is marked unhealthy after
// cfg.MaxFailures consecutive failures.
//
// Parameters:
//   - cfg: Probe interval, timeout, failure threshold and concurrency
//   - logger: Destination for state changes (nil uses slog.Default())
//
// Returns:
//   - *HealthMonitor: Configured health monitor ready to start
//
// Example:
//
//	monitor := NewHealthMonitor(cfg.Health, logger)
//	monitor.SetOnUnhealthy(func(id string) { _ = svc.Evict(ctx, id) })
//	go monitor.Start(ctx, svc.Members)
func NewHealthMonitor(cfg config.HealthConfig, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h := &HealthMonitor{
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: max(cfg.MaxFailures, 1),
		concurrency: max(cfg.Concurrency, 1),
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback invoked once when a member crosses the
// failure threshold. The coordinator uses it to evict the member.
//
// Example:
//
//	monitor.SetOnUnhealthy(func(nodeID string) {
//	    _ = svc.Evict(context.Background(), nodeID)
//	})
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the HTTP probe. The function receives the
// member's base URL.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, url string) error) {
	h.checkFunc = checkFunc
}

// Start runs the monitoring loop in the current goroutine until ctx or Stop
// cancels it. nodeProvider is called once per round.
//
// Example:
//
//	go monitor.Start(ctx, svc.Members)
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started",
		slog.Duration("interval", h.interval),
		slog.Int("max_failures", h.maxFailures))

	h.checkAllNodes(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			h.logger.Info("health monitor stopping", slog.String("reason", "context canceled"))
			return
		case <-h.ctx.Done():
			h.logger.Info("health monitor stopping", slog.String("reason", "stopped"))
			return
		}
	}
}

// Stop cancels the monitoring loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAllNodes probes every member in parallel, bounded by concurrency,
// then forgets members that are no longer in the mesh.
func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for _, node := range nodes {
		current[node.ID] = true
		node := node
		g.Go(func() error {
			h.checkNode(gCtx, node)
			return nil
		})
	}
	_ = g.Wait()

	h.mu.Lock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.logger.Debug("health record dropped", slog.String("node", nodeID))
		}
	}
	h.mu.Unlock()
}

// checkNode probes one member and updates its record. Crossing the failure
// threshold fires onUnhealthy once per transition.
func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      StatusUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checkFunc(probeCtx, node.URL())
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()

	if err != nil {
		healthChecksTotal.WithLabelValues("fail").Inc()
		health.ConsecutiveFails++
		h.logger.Warn("health check failed",
			slog.String("node", node.ID),
			slog.Int("attempt", health.ConsecutiveFails),
			slog.Int("max_failures", h.maxFailures),
			slog.Any("error", err))

		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.logger.Warn("node marked unhealthy",
				slog.String("node", node.ID),
				slog.Int("failures", health.ConsecutiveFails))
			if h.onUnhealthy != nil {
				go h.onUnhealthy(node.ID)
			}
		}
		return
	}

	healthChecksTotal.WithLabelValues("ok").Inc()
	if health.Status == StatusUnhealthy {
		h.logger.Info("node recovered", slog.String("node", node.ID))
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
}

// defaultHealthCheck issues GET {base}/health and expects 200.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, base string) error {
	url := base
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the record for nodeID, or nil when the
// member is not being monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns copies of every record keyed by node id.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		result[id] = &cp
	}
	return result
}

// IsHealthy reports whether nodeID passed its last probe round.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}

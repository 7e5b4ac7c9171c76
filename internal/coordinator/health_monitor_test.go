package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meshtree/internal/cluster"
	"github.com/dreamware/meshtree/internal/config"
	"github.com/dreamware/meshtree/internal/mesh"
)

func testHealthConfig(interval time.Duration) config.HealthConfig {
	return config.HealthConfig{
		Enabled:     true,
		Interval:    interval,
		Timeout:     time.Second,
		MaxFailures: 3,
		Concurrency: 4,
		Evict:       true,
	}
}

// staticNodes returns a provider for a fixed member list.
func staticNodes(ids ...string) func() []cluster.NodeInfo {
	return func() []cluster.NodeInfo {
		out := make([]cluster.NodeInfo, 0, len(ids))
		for i, id := range ids {
			out = append(out, cluster.NodeInfo{ID: id, IP: "127.0.0.1", Port: 8081 + i})
		}
		return out
	}
}

// TestNewHealthMonitor verifies settings are taken from the health config.
func TestNewHealthMonitor(t *testing.T) {
	cfg := testHealthConfig(5 * time.Second)
	cfg.MaxFailures = 0
	monitor := NewHealthMonitor(cfg, quietLogger())
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, time.Second, monitor.timeout)
	assert.Equal(t, 1, monitor.maxFailures, "threshold is clamped to one")
	assert.Equal(t, 4, monitor.concurrency)
	assert.NotNil(t, monitor.checkFunc)
	assert.Empty(t, monitor.nodes)
}

// TestHealthMonitorStart verifies that rounds run and members are tracked.
func TestHealthMonitorStart(t *testing.T) {
	monitor := NewHealthMonitor(testHealthConfig(100*time.Millisecond), quietLogger())
	defer monitor.Stop()

	var calls atomic.Int64
	monitor.SetCheckFunction(func(ctx context.Context, url string) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, staticNodes("node-1", "node-2"))

	time.Sleep(350 * time.Millisecond)

	// initial round plus at least two ticks, two members each
	assert.GreaterOrEqual(t, calls.Load(), int64(6))

	allHealth := monitor.GetAllNodeHealth()
	assert.Len(t, allHealth, 2)
	assert.True(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))
}

// TestHealthMonitorNodeFailure verifies the unhealthy transition and callback.
func TestHealthMonitorNodeFailure(t *testing.T) {
	monitor := NewHealthMonitor(testHealthConfig(50*time.Millisecond), quietLogger())
	defer monitor.Stop()

	var mu sync.Mutex
	failing := false
	monitor.SetCheckFunction(func(ctx context.Context, url string) error {
		mu.Lock()
		defer mu.Unlock()
		if url == "http://127.0.0.1:8081" && failing {
			return fmt.Errorf("node is down")
		}
		return nil
	})

	var unhealthy []string
	monitor.SetOnUnhealthy(func(nodeID string) {
		mu.Lock()
		unhealthy = append(unhealthy, nodeID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, staticNodes("node-1", "node-2"))

	time.Sleep(100 * time.Millisecond)
	assert.True(t, monitor.IsHealthy("node-1"))

	mu.Lock()
	failing = true
	mu.Unlock()

	time.Sleep(300 * time.Millisecond)

	assert.False(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))

	mu.Lock()
	assert.Equal(t, []string{"node-1"}, unhealthy)
	mu.Unlock()

	health := monitor.GetNodeHealth("node-1")
	require.NotNil(t, health)
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.GreaterOrEqual(t, health.ConsecutiveFails, 3)
}

// TestHealthMonitorNodeRecovery verifies an unhealthy member can recover.
func TestHealthMonitorNodeRecovery(t *testing.T) {
	monitor := NewHealthMonitor(testHealthConfig(50*time.Millisecond), quietLogger())
	defer monitor.Stop()

	var healthy atomic.Bool
	healthy.Store(true)
	monitor.SetCheckFunction(func(ctx context.Context, url string) error {
		if !healthy.Load() {
			return fmt.Errorf("node is down")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, staticNodes("node-1"))

	time.Sleep(100 * time.Millisecond)
	assert.True(t, monitor.IsHealthy("node-1"))

	healthy.Store(false)
	time.Sleep(300 * time.Millisecond)
	assert.False(t, monitor.IsHealthy("node-1"))

	healthy.Store(true)
	time.Sleep(150 * time.Millisecond)
	assert.True(t, monitor.IsHealthy("node-1"))

	health := monitor.GetNodeHealth("node-1")
	require.NotNil(t, health)
	assert.Equal(t, 0, health.ConsecutiveFails)
}

// TestHealthMonitorNodeRemoval verifies records of departed members are dropped.
func TestHealthMonitorNodeRemoval(t *testing.T) {
	monitor := NewHealthMonitor(testHealthConfig(50*time.Millisecond), quietLogger())
	defer monitor.Stop()
	monitor.SetCheckFunction(func(ctx context.Context, url string) error { return nil })

	var mu sync.Mutex
	ids := []string{"node-1", "node-2"}
	provider := func() []cluster.NodeInfo {
		mu.Lock()
		defer mu.Unlock()
		return staticNodes(ids...)()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, provider)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, monitor.GetAllNodeHealth(), 2)

	mu.Lock()
	ids = []string{"node-1"}
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)

	allHealth := monitor.GetAllNodeHealth()
	assert.Len(t, allHealth, 1)
	assert.Contains(t, allHealth, "node-1")
}

// TestHealthMonitorStop verifies no probes run after Stop returns.
func TestHealthMonitorStop(t *testing.T) {
	monitor := NewHealthMonitor(testHealthConfig(50*time.Millisecond), quietLogger())

	var calls atomic.Int64
	monitor.SetCheckFunction(func(ctx context.Context, url string) error {
		calls.Add(1)
		return nil
	})

	go monitor.Start(nil, staticNodes("node-1")) // falls back to the internal context

	time.Sleep(150 * time.Millisecond)
	monitor.Stop()
	before := calls.Load()

	time.Sleep(150 * time.Millisecond)
	assert.Greater(t, before, int64(0))
	assert.Equal(t, before, calls.Load())
}

// TestHealthMonitorConcurrencyLimit verifies probes never exceed the limit.
func TestHealthMonitorConcurrencyLimit(t *testing.T) {
	cfg := testHealthConfig(time.Hour)
	cfg.Concurrency = 2
	monitor := NewHealthMonitor(cfg, quietLogger())
	defer monitor.Stop()

	var inFlight, peak atomic.Int64
	monitor.SetCheckFunction(func(ctx context.Context, url string) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	monitor.checkAllNodes(context.Background(), staticNodes("a", "b", "c", "d", "e", "f")())

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Len(t, monitor.GetAllNodeHealth(), 6)
}

// TestHealthMonitorConcurrentReads exercises readers against running rounds.
func TestHealthMonitorConcurrentReads(t *testing.T) {
	monitor := NewHealthMonitor(testHealthConfig(10*time.Millisecond), quietLogger())
	defer monitor.Stop()
	monitor.SetCheckFunction(func(ctx context.Context, url string) error { return nil })

	ids := []string{"node-0", "node-1", "node-2", "node-3", "node-4"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, staticNodes(ids...))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				monitor.IsHealthy(ids[id%len(ids)])
				monitor.GetNodeHealth(ids[id%len(ids)])
				monitor.GetAllNodeHealth()
				time.Sleep(time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, monitor.GetAllNodeHealth(), len(ids))
}

// TestHealthMonitorUnhealthyCallbackOnce verifies one callback per transition.
func TestHealthMonitorUnhealthyCallbackOnce(t *testing.T) {
	monitor := NewHealthMonitor(testHealthConfig(50*time.Millisecond), quietLogger())
	defer monitor.Stop()

	monitor.SetCheckFunction(func(ctx context.Context, url string) error {
		return fmt.Errorf("failing")
	})

	var callbacks atomic.Int64
	monitor.SetOnUnhealthy(func(nodeID string) { callbacks.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, staticNodes("node-1"))

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int64(1), callbacks.Load())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(1), callbacks.Load())
}

// TestDefaultHealthCheck probes a real HTTP endpoint.
func TestDefaultHealthCheck(t *testing.T) {
	var status atomic.Int64
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	monitor := NewHealthMonitor(testHealthConfig(time.Hour), quietLogger())
	defer monitor.Stop()

	ctx := context.Background()
	assert.NoError(t, monitor.defaultHealthCheck(ctx, server.URL))
	assert.NoError(t, monitor.defaultHealthCheck(ctx, server.URL+"/health"))

	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, monitor.defaultHealthCheck(ctx, server.URL))

	server.Close()
	assert.Error(t, monitor.defaultHealthCheck(ctx, server.URL))
}

// TestHealthMonitorEvictsFromMesh wires the callback to Service.Evict and
// checks the dead member's children are promoted.
func TestHealthMonitorEvictsFromMesh(t *testing.T) {
	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer alive.Close()
	u, err := url.Parse(alive.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	org := mesh.NewOrganizer(mesh.Symmetric, mesh.WithMaxDownstreams(1), mesh.WithLogger(quietLogger()))
	svc := NewService(org, quietLogger())
	ctx := context.Background()

	// dead sits above alive: root -> dead -> alive
	_, err = svc.Join(ctx, cluster.NodeInfo{ID: "dead", IP: "127.0.0.1", Port: 1})
	require.NoError(t, err)
	_, err = svc.Join(ctx, cluster.NodeInfo{ID: "alive", IP: "127.0.0.1", Port: port})
	require.NoError(t, err)
	up, err := org.UpstreamOf("alive")
	require.NoError(t, err)
	require.NotNil(t, up)
	require.Equal(t, "dead", up.ID)

	cfg := testHealthConfig(30 * time.Millisecond)
	cfg.MaxFailures = 2
	cfg.Timeout = 200 * time.Millisecond
	monitor := NewHealthMonitor(cfg, quietLogger())
	defer monitor.Stop()
	monitor.SetOnUnhealthy(func(id string) { _ = svc.Evict(ctx, id) })

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go monitor.Start(runCtx, svc.Members)

	require.Eventually(t, func() bool { return !org.Contains("dead") }, 3*time.Second, 20*time.Millisecond)

	dist, err := org.DistanceOf("alive")
	require.NoError(t, err)
	assert.Equal(t, 1, dist, "orphan takes the evicted node's slot")
	assert.True(t, monitor.IsHealthy("alive"))
}

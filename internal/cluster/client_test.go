package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNodeInfoAddr verifies address formatting for IPv4 and IPv6.
func TestNodeInfoAddr(t *testing.T) {
	v4 := NodeInfo{ID: "w1", IP: "10.0.0.1", Port: 40123}
	assert.Equal(t, "10.0.0.1:40123", v4.Addr())
	assert.Equal(t, "http://10.0.0.1:40123", v4.URL())

	v6 := NodeInfo{ID: "w2", IP: "::1", Port: 8080}
	assert.Equal(t, "[::1]:8080", v6.Addr())
}

// TestJoinResponseJSON checks the field names the workers depend on.
func TestJoinResponseJSON(t *testing.T) {
	resp := JoinResponse{
		Node:     NodeInfo{ID: "w4", IP: "10.0.0.4", Port: 1},
		Upstream: &NodeInfo{ID: "w1", IP: "10.0.0.1", Port: 1},
		Depth:    2,
	}
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m, "node")
	assert.Contains(t, m, "upstream")
	assert.EqualValues(t, 2, m["depth"])

	// root children omit the upstream
	data, err = json.Marshal(JoinResponse{Node: resp.Node, Depth: 1})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "upstream")
}

// TestPostJSON covers success, error replies, timeouts and bad bodies.
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name           string
		requestBody    any
		responseBody   any
		serverBody     string
		serverResponse int
		expectError    bool
		contextTimeout bool
	}{
		{
			name:           "successful POST with response",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   &map[string]string{},
		},
		{
			name:           "no content",
			serverResponse: http.StatusNoContent,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   &map[string]string{},
		},
		{
			name:           "server error",
			serverResponse: http.StatusInternalServerError,
			serverBody:     `{"error":"internal error"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
		},
		{
			name:           "context timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			contextTimeout: true,
		},
		{
			name:           "unmarshalable request body",
			serverResponse: http.StatusOK,
			requestBody:    make(chan int),
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				if tt.contextTimeout {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					_, _ = w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.contextTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Millisecond)
				defer cancel()
			}

			err := PostJSON(ctx, server.URL, tt.requestBody, tt.responseBody)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

// TestStatusError verifies error bodies are surfaced and 404s are detectable.
func TestStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"mesh: node not found"}`))
	}))
	defer server.Close()

	var out RouteResponse
	err := GetJSON(context.Background(), server.URL, &out)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "mesh: node not found")
	assert.Contains(t, err.Error(), "404")

	assert.False(t, IsNotFound(nil))
	assert.False(t, IsNotFound(&StatusError{Code: http.StatusConflict}))
}

// TestClient exercises each client call against a fake coordinator.
func TestClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/join", func(w http.ResponseWriter, r *http.Request) {
		var req JoinRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(JoinResponse{Node: req.Node, Depth: 1})
	})
	mux.HandleFunc("/v1/nodes/w1/route", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(RouteResponse{
			Node:       NodeInfo{ID: "w1"},
			Downstream: []NodeInfo{{ID: "w4"}},
			Depth:      1,
		})
	})
	mux.HandleFunc("/v1/nodes/w4/remap", func(w http.ResponseWriter, r *http.Request) {
		var req RemapRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "w2", req.Upstream)
		_ = json.NewEncoder(w).Encode(RouteResponse{
			Node:     NodeInfo{ID: "w4"},
			Upstream: &NodeInfo{ID: "w2"},
			Depth:    2,
		})
	})
	mux.HandleFunc("/v1/nodes/w9", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/nodes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(NodesResponse{Nodes: []MemberInfo{{NodeInfo: NodeInfo{ID: "w1"}}}})
	})
	mux.HandleFunc("/v1/topology", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(TopologyResponse{Mode: "symmetric", TotalNodes: 2})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	c := NewClient(server.URL + "/")
	assert.Equal(t, server.URL+"/v1/nodes/w%2F1", c.nodeURL("w/1"))

	joined, err := c.Join(ctx, NodeInfo{ID: "w1", IP: "10.0.0.1", Port: 40123})
	require.NoError(t, err)
	assert.Equal(t, "w1", joined.Node.ID)
	assert.Nil(t, joined.Upstream)

	route, err := c.Route(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, route.Downstream, 1)
	assert.Equal(t, "w4", route.Downstream[0].ID)

	moved, err := c.Remap(ctx, "w4", "w2")
	require.NoError(t, err)
	require.NotNil(t, moved.Upstream)
	assert.Equal(t, "w2", moved.Upstream.ID)

	require.NoError(t, c.Leave(ctx, "w9"))

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes.Nodes, 1)

	topo, err := c.Topology(ctx)
	require.NoError(t, err)
	assert.Equal(t, "symmetric", topo.Mode)
}

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is returned for non-2xx replies.
type StatusError struct {
	URL     string
	Message string
	Code    int
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Message)
	}
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

// IsNotFound reports whether err is a 404 reply.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// PostJSON sends body as JSON and decodes the reply into out when out is
// not nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodPost, url, body, out)
}

// GetJSON fetches url and decodes the JSON reply into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, http.MethodGet, url, nil, out)
}

// DeleteJSON issues a DELETE and decodes the reply into out when out is
// not nil.
func DeleteJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, http.MethodDelete, url, nil, out)
}

func doJSON(ctx context.Context, method, url string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return &StatusError{URL: url, Code: resp.StatusCode, Message: er.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Client talks to the coordinator's mesh API.
//
// Example:
//
//	c := cluster.NewClient("http://coordinator:8080")
//	placed, err := c.Join(ctx, cluster.NodeInfo{ID: "w1", IP: "10.0.0.1", Port: 40123})
type Client struct {
	base string
}

// NewClient returns a client for the coordinator at base.
func NewClient(base string) *Client {
	return &Client{base: strings.TrimRight(base, "/")}
}

// Join asks the coordinator to place node in the mesh.
func (c *Client) Join(ctx context.Context, node NodeInfo) (JoinResponse, error) {
	var out JoinResponse
	err := PostJSON(ctx, c.base+"/v1/join", JoinRequest{Node: node}, &out)
	return out, err
}

// Leave removes the node with the given id from the mesh.
func (c *Client) Leave(ctx context.Context, id string) error {
	return DeleteJSON(ctx, c.nodeURL(id), nil)
}

// Route fetches the current upstream and downstreams of id.
func (c *Client) Route(ctx context.Context, id string) (RouteResponse, error) {
	var out RouteResponse
	err := GetJSON(ctx, c.nodeURL(id)+"/route", &out)
	return out, err
}

// Remap moves id below upstream; an empty upstream means the root.
func (c *Client) Remap(ctx context.Context, id, upstream string) (RouteResponse, error) {
	var out RouteResponse
	err := PostJSON(ctx, c.nodeURL(id)+"/remap", RemapRequest{Upstream: upstream}, &out)
	return out, err
}

// Nodes lists every registered member.
func (c *Client) Nodes(ctx context.Context) (NodesResponse, error) {
	var out NodesResponse
	err := GetJSON(ctx, c.base+"/v1/nodes", &out)
	return out, err
}

// Topology fetches the tree snapshot.
func (c *Client) Topology(ctx context.Context) (TopologyResponse, error) {
	var out TopologyResponse
	err := GetJSON(ctx, c.base+"/v1/topology", &out)
	return out, err
}

func (c *Client) nodeURL(id string) string {
	return c.base + "/v1/nodes/" + url.PathEscape(id)
}

package agentrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPClient dispatches tasks over HTTP to a per-agent endpoint map,
// generalizing graph/tool/http.go's request/response plumbing (JSON
// marshal, context-bound request, body read, error wrapping) from a single
// ad hoc tool call to the full Task/Result envelope.
//
// Each agent endpoint is guarded by its own gobreaker.CircuitBreaker so a
// single failing agent backend cannot exhaust the caller's HTTP client
// pool or hold up unrelated workflow steps dispatching to healthy agents.
type HTTPClient struct {
	endpoints map[string]string
	client    *http.Client
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewHTTPClient builds an HTTPClient. endpoints maps agent name to its base
// URL (the path "/a2a" is appended, matching engine.py's
// `agent.endpoint + "/a2a"`).
func NewHTTPClient(endpoints map[string]string) *HTTPClient {
	c := &HTTPClient{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 30 * time.Second},
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(endpoints)),
	}
	for name := range endpoints {
		c.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "agentrpc:" + name,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return c
}

// Dispatch implements Client.
func (c *HTTPClient) Dispatch(ctx context.Context, agentName string, task Task) (Result, error) {
	endpoint, ok := c.endpoints[agentName]
	if !ok {
		return Result{}, fmt.Errorf("agentrpc: agent %q not found in registry", agentName)
	}

	breaker, ok := c.breakers[agentName]
	if !ok {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "agentrpc:" + agentName})
		c.breakers[agentName] = breaker
	}

	out, err := breaker.Execute(func() (interface{}, error) {
		return c.doDispatch(ctx, endpoint, task)
	})
	if err != nil {
		return Result{}, err
	}
	return out.(Result), nil
}

func (c *HTTPClient) doDispatch(ctx context.Context, endpoint string, task Task) (Result, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return Result{}, fmt.Errorf("agentrpc: failed to marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/a2a", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("agentrpc: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("agentrpc: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("agentrpc: failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("agentrpc: agent returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Result{}, fmt.Errorf("agentrpc: failed to unmarshal response: %w", err)
	}
	return result, nil
}

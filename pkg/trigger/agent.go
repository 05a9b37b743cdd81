package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/rotor/pkg/types"
)

// AgentClient polls a traffic-measurement agent for accumulated totals
type AgentClient interface {
	Totals(ctx context.Context, agent *types.Agent) (*types.AgentTotals, error)
}

// HTTPAgentClient reads totals from the agent's HTTP endpoint
type HTTPAgentClient struct {
	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client
}

// NewHTTPAgentClient creates an agent client with a default timeout
func NewHTTPAgentClient() *HTTPAgentClient {
	return &HTTPAgentClient{
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithTimeout sets the HTTP client timeout
func (c *HTTPAgentClient) WithTimeout(timeout time.Duration) *HTTPAgentClient {
	c.Client.Timeout = timeout
	return c
}

// Totals fetches the agent's accumulated traffic counters
func (c *HTTPAgentClient) Totals(ctx context.Context, agent *types.Agent) (*types.AgentTotals, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agent.BaseURL+"/v1/totals", nil)
	if err != nil {
		return nil, fmt.Errorf("build totals request: %w", err)
	}
	if agent.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+agent.APIKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll agent %s: %w", agent.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll agent %s: HTTP %d", agent.ID, resp.StatusCode)
	}

	var totals types.AgentTotals
	if err := json.NewDecoder(resp.Body).Decode(&totals); err != nil {
		return nil, fmt.Errorf("decode agent %s totals: %w", agent.ID, err)
	}
	return &totals, nil
}

// Package gateway is the admin client for the external LLM gateway: key
// provisioning and per-user budget enforcement.
package gateway

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

type Client struct {
	baseURL   string
	masterKey string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
}

func NewClient(baseURL, masterKey string) *Client {
	settings := gobreaker.Settings{
		Name:        "gateway-admin",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Client{
		baseURL:   baseURL,
		masterKey: masterKey,
		client:    &http.Client{Timeout: 10 * time.Second},
		breaker:   gobreaker.NewCircuitBreaker(settings),
	}
}

// KeyRequest provisions a scoped credential for a tenant.
type KeyRequest struct {
	UserID    string   `json:"user_id"`
	Models    []string `json:"models,omitempty"`
	MaxBudget float64  `json:"max_budget"`
	Duration  string   `json:"duration,omitempty"`
}

type keyResponse struct {
	Key string `json:"key"`
}

type budgetUpdate struct {
	UserID    string  `json:"user_id"`
	MaxBudget float64 `json:"max_budget"`
}

// GenerateKey issues POST /key/generate and returns the new key.
func (c *Client) GenerateKey(ctx context.Context, req *KeyRequest) (string, error) {
	var resp keyResponse
	if err := c.post(ctx, "/key/generate", req, &resp); err != nil {
		return "", err
	}
	if resp.Key == "" {
		return "", fmt.Errorf("gateway returned no key")
	}
	return resp.Key, nil
}

// UpdateUserBudget issues POST /user/update setting the tenant's spend
// ceiling. Any non-2xx response is an error so the caller can retry.
func (c *Client) UpdateUserBudget(ctx context.Context, userID string, maxBudget float64) error {
	return c.post(ctx, "/user/update", budgetUpdate{UserID: userID, MaxBudget: maxBudget}, nil)
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		url := c.baseURL + path
		httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.masterKey)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			respBody, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("gateway error (status %d): %s", resp.StatusCode, string(respBody))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

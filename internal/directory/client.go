// Package directory talks to the directory service that publishes exits, bridges and tokens.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dev.c0redev.kalive/internal/proto"
)

// Client: directory HTTP API with bearer token.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient normalizes baseURL (https:// by default). proxyURL opt (Tor/I2P).
func NewClient(baseURL, token, proxyURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("directory url is empty")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}
	hc, err := HTTPClient(proxyURL)
	if err != nil {
		return nil, err
	}
	return &Client{BaseURL: baseURL, Token: token, HTTP: hc}, nil
}

// HTTPClient returns http.Client going through proxyURL if set.
func HTTPClient(proxyURL string) (*http.Client, error) {
	transport := &http.Transport{}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport,
	}, nil
}

// Exits: GET /api/exits.
func (c *Client) Exits(ctx context.Context) ([]proto.ExitDescriptor, error) {
	var out []proto.ExitDescriptor
	if err := c.get(ctx, "/api/exits", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Bridges: GET /api/bridges?exit=host.
func (c *Client) Bridges(ctx context.Context, exitHost string) ([]proto.BridgeDescriptor, error) {
	var out []proto.BridgeDescriptor
	if err := c.get(ctx, "/api/bridges?exit="+url.QueryEscape(exitHost), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AuthToken: GET /api/token.
func (c *Client) AuthToken(ctx context.Context) (*proto.AuthToken, error) {
	var out proto.AuthToken
	if err := c.get(ctx, "/api/token", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Metrics reported by the client.
type Metrics struct {
	Exit    string `json:"exit,omitempty"`
	TotalTx uint64 `json:"total_tx"`
	TotalRx uint64 `json:"total_rx"`
	PingMs  int64  `json:"ping_ms,omitempty"`
}

// ReportMetrics: POST /api/client/metrics.
func (c *Client) ReportMetrics(ctx context.Context, m Metrics) error {
	raw, _ := json.Marshal(m)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/client/metrics", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	c.auth(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return errStatus(resp.StatusCode)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	c.auth(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return errStatus(resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) auth(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

type errStatus int

func (e errStatus) Error() string {
	return fmt.Sprintf("directory returned %d", e)
}

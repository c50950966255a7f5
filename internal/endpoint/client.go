// Package endpoint allocates fresh browser endpoints from the cloud API: one
// synchronous HTTP call per worker connect attempt, bounded by a shared
// start-concurrency limiter.
package endpoint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mkoval-dev/cloudbrowser/internal/config"
	"github.com/mkoval-dev/cloudbrowser/internal/network"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// tokenHeader authenticates allocation calls.
const tokenHeader = "x-cloud-api-token"

// allocatePath is the one-time profile endpoint; each call yields a browser
// that lives for exactly one session.
const allocatePath = "/profiles/one_time"

type allocateRequest struct {
	Proxy           string         `json:"proxy"`
	BrowserSettings map[string]any `json:"browser_settings,omitempty"`
	Fingerprint     map[string]any `json:"fingerprint,omitempty"`
}

type allocateResponse struct {
	WsURL string `json:"ws_url"`
}

// Client performs allocation calls against the cloud API. It is shared by all
// workers; the embedded semaphore caps concurrent allocations.
type Client struct {
	host            string
	token           string
	browserSettings map[string]any
	fingerprint     map[string]any

	httpClient *network.Client
	startSem   *semaphore.Weighted
	logger     *zap.Logger
}

// NewClient builds an allocation client from the pool configuration.
func NewClient(cfg config.PoolConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := network.NewDefaultClientConfig()
	clientCfg.RequestTimeout = cfg.AllocateTimeout
	clientCfg.ResponseHeaderTimeout = cfg.AllocateTimeout
	clientCfg.Logger = logger

	return &Client{
		host:            strings.TrimRight(cfg.APIHost, "/"),
		token:           cfg.APIToken,
		browserSettings: cfg.BrowserSettings,
		fingerprint:     cfg.Fingerprint,
		httpClient:      network.NewClient(clientCfg),
		startSem:        semaphore.NewWeighted(cfg.StartConcurrency),
		logger:          logger.Named("endpoint"),
	}
}

// Allocate requests one fresh browser for the given proxy and returns its
// websocket URL. A non-2xx response is fatal for this connect attempt.
func (c *Client) Allocate(ctx context.Context, proxy string) (string, error) {
	if err := c.startSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.startSem.Release(1)

	payload, err := codec.Marshal(allocateRequest{
		Proxy:           proxy,
		BrowserSettings: c.browserSettings,
		Fingerprint:     c.fingerprint,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+allocatePath, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("allocation call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read allocation response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("allocation returned status %d", resp.StatusCode)
	}

	var out allocateResponse
	if err := codec.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode allocation response: %w", err)
	}
	if out.WsURL == "" {
		return "", fmt.Errorf("allocation response missing ws_url")
	}

	c.logger.Debug("allocated browser endpoint", zap.String("proxy", proxy))
	return out.WsURL, nil
}

package blockchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	unhealthyDuration  = 5 * time.Minute // Cooldown before retry
	healthCheckTimeout = 5 * time.Second
)

var ErrNoHealthyEndpoint = errors.New("no healthy RPC endpoints available")

// dialFunc opens an endpoint connection
type dialFunc func(url string) (*ethclient.Client, error)

type endpointStatus struct {
	url           string
	client        *ethclient.Client
	healthy       bool
	lastError     error
	lastErrorTime time.Time
	mu            sync.RWMutex
}

// FailoverClient manages multiple RPC endpoints with automatic failover
type FailoverClient struct {
	endpoints    []*endpointStatus
	currentIndex int
	dial         dialFunc
	mu           sync.RWMutex
}

// NewFailoverClient creates a new failover client with multiple endpoints
func NewFailoverClient(urls []string) (*FailoverClient, error) {
	return newFailoverClient(urls, ethclient.Dial)
}

func newFailoverClient(urls []string, dial dialFunc) (*FailoverClient, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one RPC URL is required")
	}

	fc := &FailoverClient{
		endpoints: make([]*endpointStatus, 0, len(urls)),
		dial:      dial,
	}

	healthyCount := 0
	for _, url := range urls {
		client, err := fc.connect(url)

		fc.endpoints = append(fc.endpoints, &endpointStatus{
			url:           url,
			client:        client,
			healthy:       err == nil,
			lastError:     err,
			lastErrorTime: time.Now(),
		})

		if err == nil {
			healthyCount++
			slog.Info("Connected to RPC endpoint", "url", url)
		} else {
			slog.Warn("Failed to connect to RPC endpoint, will retry later", "url", url, "error", err)
		}
	}

	if healthyCount == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	return fc, nil
}

// connect dials url and verifies it answers eth_chainId
func (fc *FailoverClient) connect(url string) (*ethclient.Client, error) {
	client, err := fc.dial(url)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	if _, err := client.ChainID(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// GetClient returns a healthy client, automatically failing over if needed
func (fc *FailoverClient) GetClient() (*ethclient.Client, string, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	startIndex := fc.currentIndex

	for i := 0; i < len(fc.endpoints); i++ {
		idx := (startIndex + i) % len(fc.endpoints)
		ep := fc.endpoints[idx]

		ep.mu.RLock()
		healthy := ep.healthy
		client := ep.client
		canRetry := time.Since(ep.lastErrorTime) > unhealthyDuration
		ep.mu.RUnlock()

		if healthy && client != nil {
			fc.currentIndex = idx
			return client, ep.url, nil
		}

		if !healthy && canRetry {
			newClient, err := fc.connect(ep.url)
			if err != nil {
				ep.mu.Lock()
				ep.lastError = err
				ep.lastErrorTime = time.Now()
				ep.mu.Unlock()
				continue
			}

			ep.mu.Lock()
			ep.client = newClient
			ep.healthy = true
			ep.lastError = nil
			ep.mu.Unlock()

			fc.currentIndex = idx
			slog.Info("Reconnected to RPC endpoint", "url", ep.url)
			return newClient, ep.url, nil
		}
	}

	return nil, "", ErrNoHealthyEndpoint
}

// MarkUnhealthy marks an endpoint as unhealthy and closes its connection
func (fc *FailoverClient) MarkUnhealthy(url string, err error) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	for _, ep := range fc.endpoints {
		if ep.url != url {
			continue
		}
		ep.mu.Lock()
		ep.healthy = false
		ep.lastError = err
		ep.lastErrorTime = time.Now()
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
		ep.mu.Unlock()

		slog.Warn("Marked RPC endpoint as unhealthy, will retry after cooldown",
			"url", url,
			"error", err,
			"retry_after", unhealthyDuration)
		return
	}
}

// EndpointsHealth returns the health flag per endpoint URL
func (fc *FailoverClient) EndpointsHealth() map[string]bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	out := make(map[string]bool, len(fc.endpoints))
	for _, ep := range fc.endpoints {
		ep.mu.RLock()
		out[ep.url] = ep.healthy
		ep.mu.RUnlock()
	}
	return out
}

// Close closes all endpoint connections
func (fc *FailoverClient) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	for _, ep := range fc.endpoints {
		ep.mu.Lock()
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
		ep.mu.Unlock()
	}
}

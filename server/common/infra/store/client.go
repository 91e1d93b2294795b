package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultHTTPTimeout      = 5 * time.Second
	defaultFailThreshold    = 3
	defaultEndpointCooldown = 10 * time.Second
)

// StatusError is returned for 4xx answers; those are not retried on other
// endpoints.
type StatusError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store status %d endpoint=%s: %s", e.StatusCode, e.Endpoint, e.Body)
}

func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

func IsConflict(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict
}

type Options struct {
	Timeout          time.Duration
	FailThreshold    int
	EndpointCooldown time.Duration
}

// Client talks JSON to the configuration/persistence API. Requests rotate
// across endpoints; an endpoint that fails FailThreshold times in a row is
// skipped for EndpointCooldown.
type Client struct {
	endpoints []string
	http      *http.Client
	next      uint32

	failThreshold    int
	endpointCooldown time.Duration

	mu         sync.Mutex
	failureCnt map[string]int
	cooldownTo map[string]time.Time
}

func NewClient(opts Options, endpoints ...string) *Client {
	normalized := normalizeEndpoints(endpoints)
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = defaultFailThreshold
	}
	if opts.EndpointCooldown <= 0 {
		opts.EndpointCooldown = defaultEndpointCooldown
	}
	return &Client{
		endpoints:        normalized,
		http:             &http.Client{Timeout: opts.Timeout},
		failThreshold:    opts.FailThreshold,
		endpointCooldown: opts.EndpointCooldown,
		failureCnt:       make(map[string]int, len(normalized)),
		cooldownTo:       make(map[string]time.Time, len(normalized)),
	}
}

func (c *Client) Get(ctx context.Context, path string, query url.Values, header http.Header, out any) error {
	return c.Do(ctx, http.MethodGet, path, query, header, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, header http.Header, payload any, out any) error {
	return c.Do(ctx, http.MethodPost, path, nil, header, payload, out)
}

func (c *Client) Do(ctx context.Context, method, path string, query url.Values, header http.Header, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("store endpoint is not configured")
	}
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = encoded
	}
	normalizedPath := path
	if !strings.HasPrefix(normalizedPath, "/") {
		normalizedPath = "/" + normalizedPath
	}
	if len(query) > 0 {
		normalizedPath += "?" + query.Encode()
	}

	start := int(atomic.AddUint32(&c.next, 1)-1) % len(c.endpoints)
	var lastErr error
	for offset := 0; offset < len(c.endpoints); offset++ {
		endpoint := c.endpoints[(start+offset)%len(c.endpoints)]
		if c.isCoolingDown(endpoint, time.Now()) {
			continue
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, endpoint+normalizedPath, bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		for key, values := range header {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			lastErr = fmt.Errorf("store request failed endpoint=%s: %w", endpoint, doErr)
			c.onFailure(endpoint, time.Now())
			continue
		}

		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("store status %d endpoint=%s", resp.StatusCode, endpoint)
			c.onFailure(endpoint, time.Now())
			continue
		}
		if resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			c.onSuccess(endpoint)
			return &StatusError{StatusCode: resp.StatusCode, Endpoint: endpoint, Body: strings.TrimSpace(string(raw))}
		}

		var decodeErr error
		if out != nil {
			decodeErr = json.NewDecoder(resp.Body).Decode(out)
		}
		_ = resp.Body.Close()
		if decodeErr != nil {
			c.onFailure(endpoint, time.Now())
			return decodeErr
		}
		c.onSuccess(endpoint)
		return nil
	}

	if lastErr == nil {
		return fmt.Errorf("store request failed: all endpoints cooling down")
	}
	return lastErr
}

func normalizeEndpoints(endpoints []string) []string {
	result := make([]string, 0, len(endpoints))
	seen := map[string]struct{}{}
	for _, endpoint := range endpoints {
		normalized := strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func (c *Client) isCoolingDown(endpoint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldownTo[endpoint]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.cooldownTo, endpoint)
		return false
	}
	return true
}

func (c *Client) onFailure(endpoint string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := c.failureCnt[endpoint] + 1
	c.failureCnt[endpoint] = count
	if count >= c.failThreshold {
		c.cooldownTo[endpoint] = now.Add(c.endpointCooldown)
		c.failureCnt[endpoint] = 0
	}
}

func (c *Client) onSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCnt[endpoint] = 0
	delete(c.cooldownTo, endpoint)
}

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"assistant-orchestrator/shared/config"
	"assistant-orchestrator/shared/metricsx"
)

var ErrCircuitOpen = errors.New("agent circuit open")

// Error carries the retry classification of a failed invocation.
type Error struct {
	Status    int
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("agent invoke failed: status %d: %s", e.Status, e.Message)
	}
	return "agent invoke failed: " + e.Message
}

// IsRetryable reports whether err is worth another attempt. Unclassified errors are retryable.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return err != nil
}

type InvokeRequest struct {
	TaskID     string         `json:"task_id"`
	UserID     string         `json:"user_id,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Input      map[string]any `json:"input"`
}

type InvokeResponse struct {
	Result map[string]any `json:"result"`
}

type Client struct {
	baseURL  string
	retryMax int
	http     *http.Client
	breaker  *circuitBreaker
}

func New(cfg config.Config) (*Client, error) {
	if cfg.AgentServiceURL == "" {
		return nil, errors.New("AGENT_SERVICE_URL is required")
	}
	if _, err := url.Parse(cfg.AgentServiceURL); err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.AgentTimeoutMS) * time.Millisecond
	return &Client{
		baseURL:  cfg.AgentServiceURL,
		retryMax: cfg.AgentRetryMax,
		http:     &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}, nil
}

// Invoke POSTs to {base}/api/v1/agents/{slug}/invoke. 5xx and transport errors are retried
// up to retryMax times; 4xx fails immediately and is reported as not retryable.
func (c *Client) Invoke(ctx context.Context, slug string, req InvokeRequest) (InvokeResponse, error) {
	if c == nil || c.http == nil {
		return InvokeResponse{}, errors.New("agent client not initialized")
	}
	if c.breaker.Open() {
		metricsx.IncAgentInvocation("circuit_open")
		return InvokeResponse{}, &Error{Message: ErrCircuitOpen.Error(), Retryable: true}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return InvokeResponse{}, &Error{Message: err.Error()}
	}
	endpoint := c.baseURL + "/api/v1/agents/" + url.PathEscape(slug) + "/invoke"

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		out, err := c.do(ctx, endpoint, body)
		if err == nil {
			c.breaker.Success()
			metricsx.IncAgentInvocation("success")
			metricsx.ObserveAgentLatency(time.Since(start))
			return out, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
		c.breaker.Fail()
	}
	metricsx.IncAgentInvocation("failure")
	return InvokeResponse{}, lastErr
}

func (c *Client) do(ctx context.Context, endpoint string, body []byte) (InvokeResponse, error) {
	reqHTTP, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return InvokeResponse{}, &Error{Message: err.Error()}
	}
	reqHTTP.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(reqHTTP)
	if err != nil {
		return InvokeResponse{}, &Error{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return InvokeResponse{}, &Error{Status: resp.StatusCode, Message: string(msg), Retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return InvokeResponse{}, &Error{Status: resp.StatusCode, Message: string(msg)}
	}
	var out InvokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return InvokeResponse{}, &Error{Status: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	if out.Result == nil {
		out.Result = map[string]any{}
	}
	return out, nil
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

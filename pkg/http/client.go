// Package http provides a JSON webhook client with resilience features
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"exit_tracker/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError represents a non-2xx response
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// response is one fully read attempt; bodies are never left open between retries
type response struct {
	status int
	body   []byte
}

// Options tunes the resilience pipeline
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	BackoffMin time.Duration
	BackoffMax time.Duration
	// The breaker opens after BreakerFailures of the last BreakerWindow executions failed
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration
}

// DefaultOptions returns the policy used by the alert channels
func DefaultOptions() Options {
	return Options{
		Timeout:         5 * time.Second,
		MaxRetries:      3,
		BackoffMin:      100 * time.Millisecond,
		BackoffMax:      2 * time.Second,
		BreakerFailures: 5,
		BreakerWindow:   10,
		BreakerDelay:    10 * time.Second,
	}
}

// Client posts JSON with retry and circuit breaking. Network errors, 429 and
// 5xx are retried; 5xx and network errors count against the breaker.
type Client struct {
	client   *http.Client
	name     string
	pipeline failsafe.Executor[*response]

	// OTel
	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a client; name labels its spans and metrics
func NewClient(name string, opts Options) *Client {
	retryPolicy := retrypolicy.NewBuilder[*response]().
		HandleIf(func(resp *response, err error) bool {
			if err != nil {
				return true
			}
			return resp.status >= 500 || resp.status == http.StatusTooManyRequests
		}).
		WithBackoff(opts.BackoffMin, opts.BackoffMax).
		WithMaxRetries(opts.MaxRetries).
		ReturnLastFailure().
		Build()

	breaker := circuitbreaker.NewBuilder[*response]().
		HandleIf(func(resp *response, err error) bool {
			if err != nil {
				return true
			}
			return resp.status >= 500
		}).
		WithFailureThresholdRatio(opts.BreakerFailures, opts.BreakerWindow).
		WithDelay(opts.BreakerDelay).
		Build()

	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("exit_tracker_http_requests_total",
		metric.WithDescription("Total number of outbound HTTP requests"))
	errCounter, _ := meter.Int64Counter("exit_tracker_http_errors_total",
		metric.WithDescription("Total number of failed outbound HTTP requests"))
	latencyHist, _ := meter.Float64Histogram("exit_tracker_http_request_duration_seconds",
		metric.WithDescription("Outbound HTTP request latency in seconds"))

	return &Client{
		client:      &http.Client{Timeout: opts.Timeout},
		name:        name,
		pipeline:    failsafe.With[*response](retryPolicy, breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// PostJSON marshals body and posts it to url, returning the response body
func (c *Client) PostJSON(ctx context.Context, url string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "POST "+c.name,
		trace.WithAttributes(attribute.String("http.method", http.MethodPost)),
	)
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("client", c.name))

	// The request is rebuilt per attempt since a sent body cannot be replayed.
	resp, err := c.pipeline.WithContext(ctx).Get(func() (*response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		r, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer r.Body.Close()
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		return &response{status: r.StatusCode, body: data}, nil
	})

	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("request failed: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.status))
	if resp.status >= 300 {
		c.errCounter.Add(ctx, 1, attrs)
		return nil, &APIError{StatusCode: resp.status, Body: resp.body}
	}
	return resp.body, nil
}

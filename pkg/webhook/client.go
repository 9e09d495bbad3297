// Package webhook provides a resilient JSON POST client for outbound notifications
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"mm_backtest/pkg/telemetry"
)

// APIError represents an error response from the webhook endpoint
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("webhook error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Client is a wrapper around http.Client with resilience
type Client struct {
	client   *http.Client
	pipeline failsafe.Executor[*http.Response]

	// OTel
	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new webhook client with default resilience policies
func NewClient(timeout time.Duration) *Client {
	// Define retry policy
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			// Retry on network errors or 5xx server errors
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	// Define circuit breaker
	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			// Open circuit on consecutive 5xx errors
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10). // 5 failures out of 10
		WithDelay(10 * time.Second).
		Build()

	tracer := telemetry.GetTracer("webhook-client")
	meter := telemetry.GetMeter("webhook-client")

	reqCounter, _ := meter.Int64Counter("webhook_requests_total",
		metric.WithDescription("Total number of webhook requests"))
	errCounter, _ := meter.Int64Counter("webhook_errors_total",
		metric.WithDescription("Total number of webhook errors"))
	latencyHist, _ := meter.Float64Histogram("webhook_request_duration_seconds",
		metric.WithDescription("Webhook request latency in seconds"))

	return &Client{
		client: &http.Client{
			Timeout: timeout,
		},
		pipeline:    failsafe.With[*http.Response](retryPolicy, breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// PostJSON sends a JSON POST request to the given endpoint
func (c *Client) PostJSON(ctx context.Context, endpoint string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	ctx := req.Context()

	// Webhook URLs and bot endpoints embed credentials in the path, so
	// telemetry only ever records the host.
	host := hostOnly(req.URL)

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", req.Method, host),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.host", host),
		),
	)
	defer span.End()

	// Update request with new context
	req = req.WithContext(ctx)

	// Execute request with resilience pipeline. Do drains the body, so
	// every attempt needs a fresh copy for the payload to be resent.
	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}
		return c.client.Do(req)
	})

	duration := time.Since(start).Seconds()
	c.reqCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("host", host),
	))
	c.latencyHist.Record(ctx, duration, metric.WithAttributes(
		attribute.String("host", host),
	))

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("host", host),
			attribute.String("error", "pipeline_failed"),
		))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("host", host),
			attribute.Int("status", resp.StatusCode),
		))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       respBody,
		}
	}

	return respBody, nil
}

func hostOnly(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Host
}

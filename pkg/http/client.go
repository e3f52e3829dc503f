// Package http provides a reusable HTTP client with resilience features
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"jet_trader/pkg/telemetry"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError represents an API error response
type APIError struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer is an interface for signing requests
type Signer interface {
	SignRequest(req *http.Request) error
}

// Client is a wrapper around http.Client with resilience
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	pipeline failsafe.Executor[*http.Response]

	// OTel
	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new HTTP client with default resilience policies
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client:      &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		signer:      signer,
		pipeline:    newResiliencePipeline(),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// newResiliencePipeline stacks a bounded-backoff retry inside a circuit
// breaker. Retries cover network errors, 5xx and 429; the breaker only
// counts network errors and 5xx, since 429 means the venue is up and
// throttling us, not down.
func newResiliencePipeline() failsafe.Executor[*http.Response] {
	retryable := func(resp *http.Response, err error) bool {
		if err != nil {
			return true
		}
		return resp.StatusCode >= 500 || resp.StatusCode == 429
	}
	breakerWorthy := func(resp *http.Response, err error) bool {
		if err != nil {
			return true
		}
		return resp.StatusCode >= 500
	}

	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(retryable).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(breakerWorthy).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return failsafe.With[*http.Response](retryPolicy, breaker)
}

// bodiless builds a request without a payload, carrying params as the
// query string.
func (c *Client) bodiless(ctx context.Context, method, path string, params map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if len(params) > 0 {
		q := req.URL.Query()
		for k, v := range params {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	return req, nil
}

// Get sends a GET request
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := c.bodiless(ctx, http.MethodGet, path, params)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// jsonPost builds a POST request with a JSON payload.
func (c *Client) jsonPost(ctx context.Context, path string, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Post sends a POST request
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	req, err := c.jsonPost(ctx, path, body)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// PostOnce sends a POST request exactly once, bypassing the retry pipeline.
// Callers use it for non-idempotent writes where a blind retry could double
// an order; recovery is their responsibility (status probe by tag).
func (c *Client) PostOnce(ctx context.Context, path string, body interface{}) ([]byte, error) {
	req, err := c.jsonPost(ctx, path, body)
	if err != nil {
		return nil, err
	}
	return c.doOnce(req)
}

// Put sends a PUT request
func (c *Client) Put(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := c.bodiless(ctx, http.MethodPut, path, params)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// Delete sends a DELETE request
func (c *Client) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := c.bodiless(ctx, http.MethodDelete, path, params)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) doOnce(req *http.Request) ([]byte, error) {
	return c.execute(req, func(r *http.Request) (*http.Response, error) {
		return c.client.Do(r)
	})
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	return c.execute(req, func(r *http.Request) (*http.Response, error) {
		return c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
			// Rewind the body so retried attempts resend it intact.
			if r.GetBody != nil {
				body, err := r.GetBody()
				if err != nil {
					return nil, err
				}
				r.Body = body
			}
			return c.client.Do(r)
		})
	})
}

// execute signs and sends one request through send, recording the span
// and counters either way, and maps 4xx/5xx into *APIError with the
// body and headers preserved for the caller's error translation.
func (c *Client) execute(req *http.Request, send func(*http.Request) (*http.Response, error)) ([]byte, error) {
	start := time.Now()

	ctx, span := c.tracer.Start(req.Context(), fmt.Sprintf("%s %s", req.Method, req.URL.Path),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)

	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	routeAttrs := metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("path", req.URL.Path),
	)

	resp, err := send(req)

	c.reqCounter.Add(ctx, 1, routeAttrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), routeAttrs)

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, routeAttrs,
			metric.WithAttributes(attribute.String("error", "pipeline_failed")))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, routeAttrs,
			metric.WithAttributes(attribute.Int("status", resp.StatusCode)))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       body,
			Header:     resp.Header,
		}
	}

	return body, nil
}

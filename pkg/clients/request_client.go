// Package clients provides the resilient HTTP request client and the
// cursor paginator shared by every upstream connector.
package clients

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/revops-tools/kpisync/pkg/kpierrors"
	"github.com/revops-tools/kpisync/pkg/metrics"
)

// BasicAuth carries username/password credentials for a request.
type BasicAuth struct {
	Username string
	Password string
}

// Request describes a single upstream call. Body, when non-nil, is
// JSON-encoded; Query is appended to the URL.
type Request struct {
	Method    string
	URL       string
	Query     url.Values
	Header    http.Header
	Body      interface{}
	BasicAuth *BasicAuth
}

// Response is the outcome of a completed request. Non-success statuses are
// returned here rather than as errors so callers can inspect the status.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess reports whether the response carries a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return kpierrors.Wrap(err, kpierrors.ErrorTypeData, "failed to decode response body")
	}
	return nil
}

// ClientConfig configures a RequestClient.
type ClientConfig struct {
	RequestTimeout time.Duration
	StreamTimeout  time.Duration
	EnableHTTP2    bool
	Retry          *RetryPolicy
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout: 30 * time.Second,
		StreamTimeout:  2 * time.Minute,
		EnableHTTP2:    true,
		Retry:          DefaultRetryPolicy(),
	}
}

// RequestClient issues HTTP requests with bounded retry, exponential
// backoff and rate-limit honoring. HTTP 429 responses are retried using the
// Retry-After header verbatim when present; transient transport failures
// are retried on the exponential curve. Any other status is returned to the
// caller as a Response for inspection.
type RequestClient struct {
	name   string
	config *ClientConfig
	logger *zap.Logger

	// httpClient enforces the per-request timeout; streamClient shares the
	// transport but leaves the overall deadline open for long exports.
	httpClient   *http.Client
	streamClient *http.Client

	// sleep is replaceable in tests to observe backoff without waiting
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRequestClient creates a request client for a named connector. The name
// labels log entries and metrics.
func NewRequestClient(name string, config *ClientConfig, logger *zap.Logger) *RequestClient {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Retry == nil {
		config.Retry = DefaultRetryPolicy()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: config.RequestTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	return &RequestClient{
		name:   name,
		config: config,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   config.RequestTimeout,
		},
		streamClient: &http.Client{
			Transport: transport,
			Timeout:   config.StreamTimeout,
		},
		logger: logger.With(zap.String("connector", name)),
		sleep:  sleepContext,
	}
}

// Do issues the request, retrying per the policy. It returns an error only
// for terminal transport failures or an invalid request; every completed
// HTTP exchange, including non-success statuses past the retry budget, is
// returned as a Response.
func (c *RequestClient) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.execute(ctx, req, c.httpClient)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection, "failed to read response body")
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Stream issues the request and hands the raw body to the caller, for
// line-delimited exports too large to buffer. A non-success status is
// converted to an error since there is no stream to consume. The caller
// owns closing the returned reader.
func (c *RequestClient) Stream(ctx context.Context, req *Request) (io.ReadCloser, error) {
	resp, err := c.execute(ctx, req, c.streamClient)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close() //nolint:errcheck
		return nil, kpierrors.Newf(kpierrors.ErrorTypeConnection,
			"stream request returned status %d: %s", resp.StatusCode, string(body)).
			WithDetail("status_code", resp.StatusCode)
	}

	return resp.Body, nil
}

// execute runs the retry loop and returns the final *http.Response.
func (c *RequestClient) execute(ctx context.Context, req *Request, client *http.Client) (*http.Response, error) {
	policy := c.config.Retry
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		httpReq, err := c.buildRequest(ctx, req)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(httpReq) //nolint:bodyclose // closed by callers or below
		if err != nil {
			lastErr = err
			metrics.HTTPRequests.WithLabelValues(c.name, req.Method, "error").Inc()

			if attempt == policy.MaxRetries {
				break
			}

			delay := policy.Delay(attempt)
			c.logger.Warn("request failed, retrying",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			metrics.HTTPRetries.WithLabelValues(c.name, "transport").Inc()

			if err := c.sleep(ctx, delay); err != nil {
				return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeTimeout, "retry wait interrupted")
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < policy.MaxRetries {
			delay, ok := RetryAfterDelay(resp.Header)
			if !ok {
				delay = policy.Delay(attempt)
			}
			drainAndClose(resp.Body)

			c.logger.Warn("rate limited, retrying",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			metrics.HTTPRetries.WithLabelValues(c.name, "rate_limit").Inc()

			if err := c.sleep(ctx, delay); err != nil {
				return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeTimeout, "retry wait interrupted")
			}
			continue
		}

		metrics.HTTPRequests.WithLabelValues(c.name, req.Method, statusOutcome(resp.StatusCode)).Inc()
		return resp, nil
	}

	errType := kpierrors.ErrorTypeConnection
	if isTimeout(lastErr) {
		errType = kpierrors.ErrorTypeTimeout
	}
	return nil, kpierrors.Wrap(lastErr, errType,
		"request failed after retries exhausted").
		WithDetail("url", req.URL).
		WithDetail("attempts", policy.MaxRetries+1)
}

// buildRequest constructs the underlying http.Request. The body is
// re-encoded per attempt so retries never reuse a consumed reader.
func (c *RequestClient) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	target := req.URL
	if len(req.Query) > 0 {
		target = target + "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeData, "failed to encode request body")
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, kpierrors.Wrap(err, kpierrors.ErrorTypeValidation, "failed to create request")
	}

	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", "kpisync/"+c.name)
	}
	if req.BasicAuth != nil {
		httpReq.SetBasicAuth(req.BasicAuth.Username, req.BasicAuth.Password)
	}

	return httpReq, nil
}

func statusOutcome(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "success"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

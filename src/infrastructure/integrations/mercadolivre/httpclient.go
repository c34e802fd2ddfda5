package mercadolivre

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"wholesync/src/log"
	"wholesync/src/telemetry"
)

const (
	DefaultTimeout             = 15 * time.Second
	DefaultRateLimitWait       = 5 * time.Second
	DefaultMaxRateLimitRetries = 60
	DefaultMaxTransportRetries = 2
	DefaultTransportStep       = time.Second
)

// ErrRateLimited is returned once a request has been answered with 429 more
// times than the client is configured to tolerate.
var ErrRateLimited = errors.New("rate limit retries exhausted")

// Request is a fully buffered outbound call. Body is resent as-is on every attempt.
type Request struct {
	Method string
	URL    string
	Token  string
	Header http.Header
	Body   []byte
}

// Response is a fully read reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type HTTPClientConfig struct {
	// Timeout bounds a single attempt including reading the body.
	Timeout time.Duration
	// RateLimitWait is the pause after a 429 before resending.
	RateLimitWait time.Duration
	// MaxRateLimitRetries caps consecutive 429 resends for one request.
	MaxRateLimitRetries int
	// MaxTransportRetries is the number of extra attempts after a transport
	// failure. Zero means the default; negative disables retries.
	MaxTransportRetries int
	// TransportStep is multiplied by the retry number to get the transport backoff.
	TransportStep time.Duration
}

func (c HTTPClientConfig) withDefaults() HTTPClientConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RateLimitWait <= 0 {
		c.RateLimitWait = DefaultRateLimitWait
	}
	if c.MaxRateLimitRetries <= 0 {
		c.MaxRateLimitRetries = DefaultMaxRateLimitRetries
	}
	switch {
	case c.MaxTransportRetries == 0:
		c.MaxTransportRetries = DefaultMaxTransportRetries
	case c.MaxTransportRetries < 0:
		c.MaxTransportRetries = 0
	}
	if c.TransportStep <= 0 {
		c.TransportStep = DefaultTransportStep
	}
	return c
}

// HTTPClient sends requests to the marketplace with a per-attempt timeout,
// fixed waits on 429 and linear backoff on transport failures. Any status
// other than 429 is handed back to the caller untouched.
type HTTPClient struct {
	client  *http.Client
	cfg     HTTPClientConfig
	metrics *telemetry.Metrics
	logger  logr.Logger
}

func NewHTTPClient(client *http.Client, cfg HTTPClientConfig, metrics *telemetry.Metrics) *HTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &HTTPClient{
		client:  client,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		logger:  log.WithName("mercadolivre"),
	}
}

// Do sends req until it gets a non-429 response, the transport retries are
// used up, or the rate-limit ceiling is hit.
func (c *HTTPClient) Do(ctx context.Context, req Request) (*Response, error) {
	rateLimit := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RateLimitWait), uint64(c.cfg.MaxRateLimitRetries))
	transport := backoff.WithMaxRetries(&linearBackOff{step: c.cfg.TransportStep}, uint64(c.cfg.MaxTransportRetries))

	for {
		resp, err := c.attempt(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			wait := transport.NextBackOff()
			if wait == backoff.Stop {
				return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
			}
			c.logger.Info("transport failure, retrying", "method", req.Method, "url", req.URL, "wait", wait, "error", err.Error())
			c.metrics.Retry(ctx, "transport")
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := rateLimit.NextBackOff()
			if wait == backoff.Stop {
				return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, ErrRateLimited)
			}
			c.logger.Info("rate limited, waiting", "method", req.Method, "url", req.URL, "wait", wait)
			c.metrics.Retry(ctx, "rate_limit")
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		return resp, nil
	}
}

func (c *HTTPClient) attempt(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       data,
	}, nil
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() {
	b.n = 0
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBodySize = 1 << 20 // 1MB

// connection pooling limits; long-poll requests hold a connection open, so
// per-host limits stay above the number of concurrent tasks on one host
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 16
	defaultIdleConnTimeout     = 90 * time.Second
)

// operationParam is the query parameter naming a read-only remote operation.
const operationParam = "ws.op"

// Doer issues HTTP requests. *http.Client satisfies it; tests substitute fakes.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one HTTP request issued through [Client.Fetch].
type Request struct {
	// Method is the HTTP method. Empty defaults to GET.
	Method string

	// URL is the absolute target URL.
	URL string

	// Headers are sent with the request.
	Headers map[string]string

	// Timeout bounds the whole request. Zero means no per-request timeout.
	Timeout time.Duration
}

// Response holds the result of an HTTP request made by [Client].
//
// Fetch always returns a Response; errors are captured in the Error field
// rather than returned separately.
type Response struct {
	// Body contains the HTTP response body, limited to 1MB.
	Body []byte

	// StatusCode is the HTTP status code.
	// Zero if the request failed before receiving a response.
	StatusCode int

	// Latency is the total time taken for the request.
	Latency time.Duration

	// Error contains any error that occurred during the request.
	Error error
}

// OK reports whether the request completed with a 2xx status.
func (r Response) OK() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusError is returned by [Client.Call] when the server answers with a
// non-2xx status.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Client is the HTTP shim used by the long-poll manager and refresh tasks.
//
// Timeouts are applied per request via context rather than globally, since
// long-poll requests are held open far longer than refresh calls.
type Client struct {
	doer Doer
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithDoer replaces the underlying HTTP implementation.
func WithDoer(d Doer) ClientOption {
	return func(c *Client) {
		if d != nil {
			c.doer = d
		}
	}
}

// NewClient creates a [Client] backed by a pooled *http.Client unless
// [WithDoer] overrides it.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		doer: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch performs an HTTP request and returns a structured [Response].
func (c *Client) Fetch(ctx context.Context, r Request) Response {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	start := time.Now()

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, nil)
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("failed to create request: %w", err),
		}
	}

	req.Header.Set("Accept", "application/json")
	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("request failed: %w", err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return Response{
			StatusCode: resp.StatusCode,
			Latency:    time.Since(start),
			Error:      fmt.Errorf("failed to read response body: %w", err),
		}
	}

	return Response{
		Body:       body,
		StatusCode: resp.StatusCode,
		Latency:    time.Since(start),
	}
}

// Call invokes the named read-only operation on uri and returns the body.
//
// The request is GET <uri>?ws.op=<operation>&<params>. String values are sent
// verbatim; everything else is JSON-encoded, so a slice of IDs is sent as a
// JSON array. Transport failures and non-2xx answers are returned as errors.
func (c *Client) Call(ctx context.Context, uri, operation string, params map[string]any, headers map[string]string, timeout time.Duration) ([]byte, error) {
	target, err := OperationURL(uri, operation, params)
	if err != nil {
		return nil, err
	}

	resp := c.Fetch(ctx, Request{URL: target, Headers: headers, Timeout: timeout})
	if resp.Error != nil {
		return nil, resp.Error
	}
	if !resp.OK() {
		return nil, &StatusError{Code: resp.StatusCode, Body: resp.Body}
	}
	return resp.Body, nil
}

// OperationURL builds the URL for a named operation call.
func OperationURL(uri, operation string, params map[string]any) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid uri %q: %w", uri, err)
	}

	q := u.Query()
	if operation != "" {
		q.Set(operationParam, operation)
	}
	for k, v := range params {
		encoded, err := encodeParam(v)
		if err != nil {
			return "", fmt.Errorf("param %q: %w", k, err)
		}
		q.Set(k, encoded)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func encodeParam(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case fmt.Stringer:
		return val.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Close closes idle connections when the default HTTP client is in use.
// Safe to call multiple times and on a nil receiver.
func (c *Client) Close() {
	if c == nil || c.doer == nil {
		return
	}
	if hc, ok := c.doer.(*http.Client); ok {
		hc.CloseIdleConnections()
	}
}

package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/hashicorp/go-retryablehttp"
)

// Request represents an HTTP request
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
}

// Client interface for making HTTP requests
type Client interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// DefaultClient implements the Client interface on top of retryablehttp.
// Transport-level retries are applied only to idempotent methods; a POST is
// never replayed because the voucher creation call is not safe to repeat.
type DefaultClient struct {
	client *retryablehttp.Client
}

// NewDefaultClient creates a new DefaultClient
func NewDefaultClient() Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil
	rc.CheckRetry = idempotentRetryPolicy

	return &DefaultClient{client: rc}
}

// idempotentRetryPolicy defers to the default policy but never retries
// non-idempotent methods.
func idempotentRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.Request != nil {
		switch resp.Request.Method {
		case http.MethodGet, http.MethodHead:
		default:
			return false, nil
		}
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Send makes an HTTP request and returns the response
func (c *DefaultClient) Send(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Please check the request payload").
			Mark(ierr.ErrHTTPClient)
	}

	if req.Body != nil {
		httpReq.ContentLength = int64(len(req.Body))
		httpReq.Header.Set("Content-Type", "application/json")
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("The remote service could not be reached").
			Mark(ierr.ErrHTTPClient)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("The remote service response could not be read").
			Mark(ierr.ErrHTTPClient)
	}

	headers := make(map[string]string)
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	// Return HTTP error for non-2xx responses
	if resp.StatusCode >= 400 {
		return nil, NewError(resp.StatusCode, respBody)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Headers:    headers,
	}, nil
}

package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/drblury/relayflow/internal/runtime/endpoints"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
)

// maxResponseBody caps how much of a downstream response is kept for traces.
const maxResponseBody = 64 << 10

// Request is one outbound attempt.
type Request struct {
	Endpoint    *endpoints.Endpoint
	Method      string
	URL         string
	Headers     map[string]string
	ContentType string
	Body        []byte
}

// Response is what a sender observed.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Sender performs exactly one delivery attempt. A non-nil error means the
// attempt failed; wrap it with Permanent when retrying cannot help. The
// response may be non-nil alongside an error.
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req *Request) (*Response, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// StatusError reports a non-2xx downstream answer.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream answered %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) Unwrap() error { return errspkg.ErrDeliveryFailed }

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}

// HTTPSender delivers over net/http.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender returns a sender using client, or a fresh client when nil.
// Attempt timeouts come from the request context.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSender{client: client}
}

// Send issues the request. 2xx is success, 5xx/408/429 and network failures
// are transient, any other status is permanent.
func (s *HTTPSender) Send(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("%w: build request: %w", errspkg.ErrDeliveryFailed, err))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrDeliveryFailed, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		_ = httpResp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", errspkg.ErrDeliveryFailed, err)
	}
	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    flattenHeader(httpResp.Header),
		Body:       body,
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		return resp, nil
	}
	statusErr := &StatusError{StatusCode: httpResp.StatusCode}
	if statusErr.Retryable() {
		return resp, statusErr
	}
	return resp, Permanent(statusErr)
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

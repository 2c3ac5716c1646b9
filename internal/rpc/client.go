// Package rpc provides the JSON-RPC 2.0 client cache and retry engine.
// Clients are cached per (namespace, chain, endpoint fingerprint) and
// every attempt outcome is reported back to the endpoint router.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/keelwallet/keel/internal/network"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// DefaultRequestTimeout bounds a single transport attempt when the
// request does not carry its own timeout.
const DefaultRequestTimeout = 20 * time.Second

// Request is the wire shape of a transport call.
type Request struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`

	// TimeoutMs overrides the client's default timeout for this call.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// envelope is a JSON-RPC 2.0 request.
type envelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

// response is a JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// transport performs one raw call against a single endpoint.
type transport interface {
	call(ctx context.Context, body []byte) ([]byte, error)
	close()
}

// Client is a JSON-RPC client bound to a single chain endpoint. It is
// built and cached by the Engine; the endpoint index it was built
// against is carried so outcomes can be attributed precisely even
// after routing moves on.
type Client struct {
	namespace     network.Namespace
	ref           network.Ref
	endpointIndex int
	endpointURL   string
	fingerprint   string

	transport transport
	timeout   time.Duration
	idCounter atomic.Uint64
}

// newClient builds a client for the endpoint, choosing the transport
// from the endpoint type.
func newClient(ns network.Namespace, ref network.Ref, ep network.ActiveEndpoint, timeout time.Duration) *Client {
	var tr transport
	switch ep.Type {
	case network.EndpointWS:
		tr = newWSTransport(ep.URL, ep.Headers)
	default:
		tr = newHTTPTransport(ep.URL, ep.Headers)
	}

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &Client{
		namespace:     ns,
		ref:           ref,
		endpointIndex: ep.Index,
		endpointURL:   ep.URL,
		fingerprint:   network.Endpoint{URL: ep.URL, Type: ep.Type, Headers: ep.Headers}.Fingerprint(),
		transport:     tr,
		timeout:       timeout,
	}
}

// EndpointIndex returns the endpoint index this client was built for.
func (c *Client) EndpointIndex() int {
	return c.endpointIndex
}

// EndpointURL returns the endpoint URL this client was built for.
func (c *Client) EndpointURL() string {
	return c.endpointURL
}

// Request performs one JSON-RPC call against the client's endpoint.
// It does not retry; retries and outcome reporting are the Engine's
// responsibility.
func (c *Client) Request(ctx context.Context, req Request) (json.RawMessage, error) {
	timeout := c.timeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := req.Params
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(envelope{
		JSONRPC: "2.0",
		Method:  req.Method,
		Params:  params,
		ID:      c.idCounter.Add(1),
	})
	if err != nil {
		return nil, keelerr.Wrap(err, "marshaling request")
	}

	raw, err := c.transport.call(ctx, body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, keelerr.WithDetails(keelerr.ErrTimeout, map[string]string{
				"method": req.Method,
				"url":    c.endpointURL,
			})
		}
		return nil, err
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, keelerr.WithDetails(keelerr.ErrInvalidResponse, map[string]string{
			"method": req.Method,
			"reason": err.Error(),
		})
	}

	if resp.Error != nil {
		return nil, keelerr.WithRPCCode(keelerr.WithDetails(keelerr.ErrRPC, map[string]string{
			"method":  req.Method,
			"code":    fmt.Sprintf("%d", resp.Error.Code),
			"message": resp.Error.Message,
		}), resp.Error.Code)
	}

	return resp.Result, nil
}

// close releases transport resources.
func (c *Client) close() {
	c.transport.close()
}

// httpTransport posts JSON-RPC bodies over HTTP with the endpoint's
// headers merged in.
type httpTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func newHTTPTransport(url string, headers map[string]string) *httpTransport {
	return &httpTransport{
		url:     url,
		headers: headers,
		client:  &http.Client{},
	}
}

func (t *httpTransport) call(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, keelerr.Wrap(err, "creating HTTP request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		// Refused/reset connections and broken pipes are transient from
		// the engine's perspective: the failure outcome rotates routing,
		// so the next attempt runs against a different endpoint.
		return nil, retryableTransportErr(err, "sending HTTP request")
	}
	// Body.Close error is intentionally ignored as it only fails if the
	// connection is already broken, and there's no recovery action.
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, keelerr.WithDetails(keelerr.ErrHTTPStatus, map[string]string{
			"status": fmt.Sprintf("HTTP %d", httpResp.StatusCode),
			"url":    t.url,
		})
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, retryableTransportErr(err, "reading response body")
	}
	return respBody, nil
}

// retryableTransportErr classifies a connection-level transport failure
// as retryable, keeping the underlying error as the cause.
func retryableTransportErr(err error, msg string) error {
	return &keelerr.KeelError{
		Code:     keelerr.ErrRetryable.Code,
		Message:  msg,
		Cause:    err,
		ExitCode: keelerr.ExitGeneral,
	}
}

func (t *httpTransport) close() {
	t.client.CloseIdleConnections()
}

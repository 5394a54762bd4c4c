// Package rpc provides the JSON-RPC adapter used to reach the nodes under test.
//
// Each call is exactly one HTTP round trip. The adapter never retries: a call
// either yields the node's result or a Failure classified as timeout,
// transport, decode or remote_error. Retry policy belongs to callers.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/chainstress/internal/node"
)

// DefaultTimeout bounds a single call when ClientConfig.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

// FailureKind classifies why a call did not produce a result.
type FailureKind string

const (
	FailureTimeout   FailureKind = "timeout"
	FailureTransport FailureKind = "transport"
	FailureDecode    FailureKind = "decode"
	FailureRemote    FailureKind = "remote_error"
)

// Failure is the typed failure half of an Outcome.
type Failure struct {
	Kind   FailureKind
	Detail string
	Err    error // underlying cause, may be nil
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Outcome is the result of one call: a raw JSON value or a Failure, never both.
type Outcome struct {
	Value   json.RawMessage
	Failure *Failure
	Latency time.Duration
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// Err returns the failure as an error, or nil on success.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return o.Failure
}

// Kind returns "success" or the failure kind.
func (o Outcome) Kind() string {
	if o.Failure == nil {
		return "success"
	}
	return string(o.Failure.Kind)
}

// Success builds a successful outcome.
func Success(value json.RawMessage) Outcome {
	return Outcome{Value: value}
}

// Fail builds a failed outcome.
func Fail(kind FailureKind, detail string) Outcome {
	return Outcome{Failure: &Failure{Kind: kind, Detail: detail}}
}

// Caller issues one RPC to one node.
type Caller interface {
	Call(ctx context.Context, nodeID int, method string, params ...any) Outcome
}

// Observer receives one notification per completed call.
type Observer interface {
	ObserveRPC(method, outcome string, latency time.Duration)
}

// Request is a JSON-RPC request envelope. Version "1.0" is accepted by
// wallet-style daemons and ignored by 2.0 servers that only read method/params/id.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// RPCError is the structured error payload returned by a node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// HTTPStatusError represents an HTTP-level error without a JSON-RPC body.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ClientConfig holds configuration for the HTTP adapter.
type ClientConfig struct {
	Registry *node.Registry
	Timeout  time.Duration
	Logger   *slog.Logger
	Observer Observer
	// MaxConnsPerHost bounds concurrent connections to one node (0 = 64).
	MaxConnsPerHost int
}

// HTTPAdapter implements Caller over HTTP POST.
type HTTPAdapter struct {
	registry   *node.Registry
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	observer   Observer
	nextID     atomic.Uint64
}

// NewHTTPAdapter creates an adapter for the nodes in cfg.Registry.
func NewHTTPAdapter(cfg ClientConfig) (*HTTPAdapter, error) {
	if cfg.Registry == nil {
		return nil, errors.New("node registry is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxConns := cfg.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		MaxIdleConns:        maxConns * cfg.Registry.Len(),
		MaxIdleConnsPerHost: maxConns,
		MaxConnsPerHost:     maxConns,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
		ForceAttemptHTTP2:   false,
	}

	return &HTTPAdapter{
		registry:   cfg.Registry,
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
		logger:     logger,
		observer:   cfg.Observer,
	}, nil
}

// Timeout returns the per-call deadline.
func (a *HTTPAdapter) Timeout() time.Duration {
	return a.timeout
}

// Call sends method with positional params to nodeID.
func (a *HTTPAdapter) Call(ctx context.Context, nodeID int, method string, params ...any) Outcome {
	start := time.Now()
	out := a.call(ctx, nodeID, method, params)
	out.Latency = time.Since(start)

	if out.Failure != nil {
		a.logger.Debug("rpc call failed",
			slog.Int("node", nodeID),
			slog.String("method", method),
			slog.String("kind", string(out.Failure.Kind)),
			slog.String("detail", out.Failure.Detail),
		)
	}
	if a.observer != nil {
		a.observer.ObserveRPC(method, out.Kind(), out.Latency)
	}
	return out
}

func (a *HTTPAdapter) call(ctx context.Context, nodeID int, method string, params []any) Outcome {
	ep, err := a.registry.Lookup(nodeID)
	if err != nil {
		return Outcome{Failure: &Failure{Kind: FailureTransport, Detail: err.Error(), Err: err}}
	}
	if method == "" {
		return Fail(FailureTransport, "empty method name")
	}
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(Request{
		JSONRPC: "1.0",
		ID:      a.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return Outcome{Failure: &Failure{Kind: FailureTransport, Detail: "failed to encode request", Err: err}}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL(), bytes.NewReader(body))
	if err != nil {
		return Outcome{Failure: &Failure{Kind: FailureTransport, Detail: "failed to create request", Err: err}}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ep.HasAuth() {
		httpReq.SetBasicAuth(ep.User, ep.Password)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyTransportError(ctx, err)
	}

	return decodeResponse(resp.StatusCode, respBody)
}

// decodeResponse turns an HTTP status and body into an Outcome.
// Wallet daemons answer RPC errors with HTTP 500 and a JSON-RPC body, so the
// envelope is inspected before the status code.
func decodeResponse(status int, body []byte) Outcome {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil || !hasEnvelopeKeys(envelope) {
		if status != http.StatusOK {
			httpErr := &HTTPStatusError{StatusCode: status, Body: truncate(string(body), 256)}
			return Outcome{Failure: &Failure{Kind: FailureTransport, Detail: httpErr.Error(), Err: httpErr}}
		}
		detail := "response is not a JSON-RPC envelope"
		if err != nil {
			detail = "malformed response: " + err.Error()
		}
		return Outcome{Failure: &Failure{Kind: FailureDecode, Detail: detail, Err: err}}
	}

	if raw, ok := envelope["error"]; ok && !isNull(raw) {
		rpcErr := &RPCError{}
		if err := json.Unmarshal(raw, rpcErr); err != nil {
			rpcErr = &RPCError{Message: string(raw)}
		}
		return Outcome{Failure: &Failure{Kind: FailureRemote, Detail: rpcErr.Message, Err: rpcErr}}
	}

	if status < 200 || status > 299 {
		httpErr := &HTTPStatusError{StatusCode: status}
		return Outcome{Failure: &Failure{Kind: FailureTransport, Detail: httpErr.Error(), Err: httpErr}}
	}

	result, ok := envelope["result"]
	if !ok {
		result = json.RawMessage("null")
	}
	return Success(result)
}

func classifyTransportError(ctx context.Context, err error) Outcome {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return Outcome{Failure: &Failure{Kind: FailureTimeout, Detail: "no response before deadline", Err: err}}
	}
	return Outcome{Failure: &Failure{Kind: FailureTransport, Detail: err.Error(), Err: err}}
}

func hasEnvelopeKeys(m map[string]json.RawMessage) bool {
	if m == nil {
		return false
	}
	_, hasResult := m["result"]
	_, hasError := m["error"]
	return hasResult || hasError
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

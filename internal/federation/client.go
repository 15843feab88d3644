// Package federation performs synchronous calls to operations of other
// services and joins their results onto local records.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"eddisonso.com/edd-catalog/internal/apperr"
	"eddisonso.com/edd-catalog/internal/registry"
)

const maxResponseBytes = 4 << 20

// RemoteUnavailableError is a transport failure or timeout.
type RemoteUnavailableError struct {
	Service   string
	Operation string
	Err       error
}

func (e *RemoteUnavailableError) Error() string {
	return fmt.Sprintf("%s.%s unavailable: %v", e.Service, e.Operation, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() error { return e.Err }

func (e *RemoteUnavailableError) HTTPStatus() int { return http.StatusServiceUnavailable }

// RemoteRejectedError is a non-2xx answer from the remote service.
type RemoteRejectedError struct {
	Service   string
	Operation string
	Status    int
	Body      []byte
}

func (e *RemoteRejectedError) Error() string {
	msg := e.Message()
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s.%s rejected (%d): %s", e.Service, e.Operation, e.Status, msg)
}

func (e *RemoteRejectedError) HTTPStatus() int { return e.Status }

// Message returns the remote envelope's message, or the raw body.
func (e *RemoteRejectedError) Message() string {
	var env struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(e.Body, &env) == nil && env.Message != "" {
		return env.Message
	}
	return strings.TrimSpace(string(e.Body))
}

// TokenMinter issues internal tokens.
type TokenMinter interface {
	IssueInternalToken(service string) (string, error)
}

type Options struct {
	// AsInternal attaches a freshly minted internal token.
	AsInternal bool
}

// Internal is the option set for service-to-service calls.
var Internal = Options{AsInternal: true}

// MaxBatch bounds the identifiers accepted by one batch operation.
const MaxBatch = 500

// IDs is the body of every batch operation.
type IDs struct {
	IDs []string `json:"ids"`
}

// Validate rejects empty identifiers and oversized batches. An empty list is
// valid and answers with an empty list.
func (b IDs) Validate() error {
	var v apperr.Validator
	v.Check(len(b.IDs) <= MaxBatch, "ids", "at most %d identifiers per request", MaxBatch)
	for _, id := range b.IDs {
		if id == "" {
			v.Add("ids", "identifiers must be non-empty")
			break
		}
	}
	return v.Err()
}

type Client struct {
	registry *registry.Registry
	tokens   TokenMinter
	self     string
	http     *http.Client
}

// NewClient returns a client calling on behalf of service self.
func NewClient(reg *registry.Registry, tokens TokenMinter, self string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		registry: reg,
		tokens:   tokens,
		self:     self,
		http:     &http.Client{Timeout: timeout},
	}
}

// Call invokes service.operation and returns the response payload: the
// envelope's data field when present, the raw body otherwise.
func (c *Client) Call(ctx context.Context, service, operation string, params map[string]string, body any, opts Options) (json.RawMessage, error) {
	ep, err := c.registry.Resolve(service, operation)
	if err != nil {
		return nil, err
	}
	url, err := ep.URL(params)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s.%s body: %w", service, operation, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build %s.%s request: %w", service, operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.AsInternal {
		token, err := c.tokens.IssueInternalToken(c.self)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Internal "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RemoteUnavailableError{Service: service, Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RemoteUnavailableError{Service: service, Operation: operation, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteRejectedError{Service: service, Operation: operation, Status: resp.StatusCode, Body: data}
	}
	return unwrap(data), nil
}

// Do is Call decoding the payload into out.
func (c *Client) Do(ctx context.Context, service, operation string, params map[string]string, body any, opts Options, out any) error {
	data, err := c.Call(ctx, service, operation, params, body, opts)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s.%s response: %w", service, operation, err)
	}
	return nil
}

func unwrap(body []byte) json.RawMessage {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err == nil {
		if data, ok := env["data"]; ok {
			return data
		}
	}
	return json.RawMessage(body)
}

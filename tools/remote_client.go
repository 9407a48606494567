package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultRemoteTimeout    = 15 * time.Second
	defaultRemoteRetries    = 2
	maxRemoteResponseBytes  = 1 << 20
	remoteRetryInitInterval = 200 * time.Millisecond
)

// RemoteError is a non-2xx answer from the tool backend.
type RemoteError struct {
	Tool       string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote tool %s: %s", e.Tool, e.Message)
}

// Temporary reports whether the backend may succeed on a later attempt.
func (e *RemoteError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// HTTPRemoteCaller executes function calls on a tool backend over HTTP.
//
//	POST {BaseURL}/tools/{name}   {"args": {...}}
//
// The response body is handed back to the model. Rate limiting and gateway errors
// are retried up to MaxRetries times; every other failure is returned at once.
type HTTPRemoteCaller struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
	MaxRetries uint64
	newBackOff func() backoff.BackOff
}

// NewHTTPRemoteCaller creates a caller for the backend at baseURL.
func NewHTTPRemoteCaller(baseURL, authToken string) *HTTPRemoteCaller {
	return &HTTPRemoteCaller{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AuthToken:  authToken,
		HTTPClient: &http.Client{Timeout: defaultRemoteTimeout},
		MaxRetries: defaultRemoteRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = remoteRetryInitInterval
			return b
		},
	}
}

// Call implements RemoteCaller.
func (c *HTTPRemoteCaller) Call(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	if c.BaseURL == "" {
		return nil, errors.New("remote tool backend url is not configured")
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	body, err := json.Marshal(map[string]json.RawMessage{"args": args})
	if err != nil {
		return nil, fmt.Errorf("encode tool arguments: %w", err)
	}
	endpoint := c.BaseURL + "/tools/" + url.PathEscape(toolName)

	var out json.RawMessage
	op := func() error {
		res, err := c.post(ctx, toolName, endpoint, body)
		if err != nil {
			var remoteErr *RemoteError
			if errors.As(err, &remoteErr) && !remoteErr.Temporary() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}

	newBackOff := c.newBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), c.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPRemoteCaller) post(ctx context.Context, toolName, endpoint string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call remote tool %s: %w", toolName, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read remote tool %s response: %w", toolName, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return nil, &RemoteError{Tool: toolName, StatusCode: resp.StatusCode, Message: msg}
	}
	return json.RawMessage(data), nil
}

// Package fetch is the JSON API client used as the network side of
// stale-while-revalidate loads.
package fetch

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

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/internal/retrier"
)

// envelope is the response shape of the site API.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client performs API requests with a per-attempt timeout, linear backoff
// retries and a circuit breaker.
type Client struct {
	baseURL *url.URL
	timeout time.Duration
	http    *http.Client
	retrier *retrier.Retrier
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// New creates a client. rt may be nil to use the default transport.
func New(cfg *config.Config, rt http.RoundTripper) (*Client, error) {
	var base *url.URL
	if cfg.Fetch.BaseURL != "" {
		u, err := url.Parse(cfg.Fetch.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse base url: %w", err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		base = u
	}

	delay := cfg.Fetch.RetryDelay
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	attempts := cfg.Fetch.RetryAttempts + 1
	if attempts < 1 {
		attempts = 1
	}
	r, err := retrier.NewRetrier(attempts, delay, 0, 1, 0, retrier.LinearBackoff, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}

	settings := cfg.ResilienceConfig.GlobalCircuitBreaker
	settings.IsSuccessful = func(err error) bool {
		return err == nil || !retrier.IsTemporary(err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if rt == nil {
		rt = http.DefaultTransport
	}

	return &Client{
		baseURL: base,
		timeout: cfg.Fetch.Timeout,
		http:    &http.Client{Transport: rt},
		retrier: r,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}, nil
}

// Get requests endpoint with params and decodes the payload into out.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, endpoint, params, nil, out)
}

// Post sends body as JSON to endpoint and decodes the payload into out.
func (c *Client) Post(ctx context.Context, endpoint string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, endpoint, nil, data, out)
}

// GetJSON returns a fetcher that loads endpoint into a T.
func GetJSON[T any](c *Client, endpoint string, params url.Values) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		var out T
		err := c.Get(ctx, endpoint, params, &out)
		return out, err
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, body []byte, out any) error {
	target, err := c.buildURL(endpoint, params)
	if err != nil {
		return err
	}

	attempt := 0
	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.retrier.Run(ctx, func() error {
			if attempt > 0 {
				c.logger.Debug("Retrying request", zap.String("url", target), zap.Int("attempt", attempt))
			}
			attempt++
			return c.attempt(ctx, method, target, body, out)
		})
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Code: CodeNetwork, Message: "circuit breaker open", Err: err}
	}
	return err
}

func (c *Client) attempt(ctx context.Context, method, target string, body []byte, out any) error {
	actx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, actx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportError(ctx, actx, err)
	}

	return decode(resp, data, out)
}

// transportError classifies a failed round trip. Cancellation by the caller
// is returned as is and is never retried.
func (c *Client) transportError(ctx, actx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: fmt.Sprintf("timed out after %s", c.timeout), Err: err}
	}
	return &Error{Code: CodeNetwork, Message: "network error", Err: err}
}

func decode(resp *http.Response, data []byte, out any) error {
	if err := checkBody(data); err != nil {
		return &Error{Code: CodeParse, Message: err.Error(), Status: resp.StatusCode}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Success != nil {
		if !*env.Success {
			apiErr := &Error{Code: CodeHTTP, Message: "request failed", Status: resp.StatusCode}
			if env.Error != nil {
				apiErr.Code = Code(env.Error.Code)
				apiErr.Message = env.Error.Message
			}
			return apiErr
		}
		return unmarshal(env.Data, out, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Code: CodeHTTP, Message: resp.Status, Status: resp.StatusCode}
	}
	return unmarshal(data, out, resp.StatusCode)
}

func unmarshal(data []byte, out any, status int) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Code: CodeParse, Message: "invalid JSON payload", Status: status, Err: err}
	}
	return nil
}

func checkBody(data []byte) error {
	text := strings.TrimSpace(string(data))
	switch {
	case text == "":
		return errors.New("empty response")
	case strings.Contains(text, "<?php"), strings.Contains(text, "<?="):
		return errors.New("server returned PHP source")
	case strings.HasPrefix(text, "<"):
		return errors.New("received HTML instead of JSON")
	case !json.Valid(data):
		return errors.New("invalid JSON")
	}
	return nil
}

func (c *Client) buildURL(endpoint string, params url.Values) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint: %w", err)
	}

	var u *url.URL
	switch {
	case ref.IsAbs():
		u = ref
	case c.baseURL != nil:
		ref.Path = strings.TrimPrefix(ref.Path, "/")
		u = c.baseURL.ResolveReference(ref)
	default:
		return "", fmt.Errorf("relative endpoint %q without base url", endpoint)
	}

	if len(params) > 0 {
		q := u.Query()
		for key, values := range params {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

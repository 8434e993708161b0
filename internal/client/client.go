package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/cheese-uci/internal/service/game"
	"github.com/park285/cheese-uci/pkg/enginedto"
)

// HeaderProvider allows injecting per-request headers
type HeaderProvider func() map[string]string

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status   int
	Response enginedto.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Response.Message != "" {
		return fmt.Sprintf("uci api error: status=%d code=%s: %s", e.Status, e.Response.Code, e.Response.Message)
	}
	return fmt.Sprintf("uci api error: status=%d code=%s", e.Status, e.Response.Code)
}

type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

// WithTimeout bounds each request. Engine moves need the move time plus
// the engine's answer margin.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithDial replaces the TCP dialer, e.g. with an in-memory listener.
func WithDial(dial func(addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 90 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 90 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) NewGame(ctx context.Context, req enginedto.NewGameRequest) (*enginedto.NewGameResponse, error) {
	var resp enginedto.NewGameResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/games", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetGame(ctx context.Context, id string) (*game.State, error) {
	var st game.State
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/games/"+url.PathEscape(id), nil, &st, true); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) PlayMove(ctx context.Context, id, move string) (*game.MoveSummary, error) {
	var sum game.MoveSummary
	req := enginedto.MoveRequest{Move: move}
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/games/"+url.PathEscape(id)+"/moves", req, &sum, false); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (c *Client) Resign(ctx context.Context, id string) (*game.State, error) {
	var st game.State
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/games/"+url.PathEscape(id)+"/resign", nil, &st, false); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) StartEngine(ctx context.Context, path string) (*enginedto.EngineStatus, error) {
	var st enginedto.EngineStatus
	req := enginedto.EngineStartRequest{Path: path}
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/engine/start", req, &st, false); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) EngineStatus(ctx context.Context) (*enginedto.EngineStatus, error) {
	var st enginedto.EngineStatus
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/engine", nil, &st, true); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) EngineMove(ctx context.Context, req enginedto.EngineMoveRequest) (*enginedto.EngineMoveResponse, error) {
	var resp enginedto.EngineMoveResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/engine/move", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) StopEngine(ctx context.Context) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/engine/stop", nil, nil, false)
}

func (c *Client) Health(ctx context.Context) (*enginedto.HealthResponse, error) {
	var resp enginedto.HealthResponse
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/healthz", nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// doJSON sends in as the JSON body and decodes a 2xx reply into out.
// Only idempotent calls pass retry; engine moves are never repeated.
func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")

	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if attempt == attempts {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			apiErr := decodeAPIError(status, resp.Body())
			if attempt == attempts || !shouldRetryStatus(status) {
				return apiErr
			}
			lastErr = apiErr
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil && len(resp.Body()) > 0 {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func decodeAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	if err := json.Unmarshal(body, &e.Response); err != nil || e.Response.Code == "" {
		e.Response = enginedto.ErrorResponse{Code: "http_error", Details: truncate(string(body), 512)}
	}
	return e
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 502, 503:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

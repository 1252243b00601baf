package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ttakah/trackmirror/internal/api"
)

const defaultUnaryTimeout = 10 * time.Second

// Client talks to the daemon's unix-socket HTTP API.
type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return code
	case message != "":
		return message
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.request(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return api.HealthResponse{}, err
	}
	return resp, nil
}

func (c *Client) Stats(ctx context.Context) (api.StatsEnvelope, error) {
	var env api.StatsEnvelope
	if err := c.request(ctx, http.MethodGet, "/v1/stats", nil, &env); err != nil {
		return api.StatsEnvelope{}, err
	}
	return env, nil
}

func (c *Client) Poll(ctx context.Context, track string) (api.PollResponse, error) {
	name := strings.TrimSpace(track)
	if name == "" {
		return api.PollResponse{}, fmt.Errorf("track is required")
	}
	path := "/v1/tracks/" + url.PathEscape(name) + "/poll"
	var resp api.PollResponse
	if err := c.request(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return api.PollResponse{}, err
	}
	return resp, nil
}

func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return &RequestError{StatusCode: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
		}
		return &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound reports that a thread or message no longer exists on the sink.
var ErrNotFound = errors.New("sink: not found")

// Thread is a discussion thread on the chat platform.
type Thread struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	OwnerID          string `json:"owner_id"`
	StarterMessageID string `json:"starter_message_id"`
	Archived         bool   `json:"archived"`
}

// Message is one post inside a thread.
type Message struct {
	ID       string `json:"id"`
	AuthorID string `json:"author_id"`
	Content  string `json:"content"`
}

// Client is the sink-side collaborator contract consumed by the reconciler.
type Client interface {
	GetThread(ctx context.Context, threadID string) (Thread, error)
	CreateThread(ctx context.Context, channelID, name string) (Thread, error)
	Post(ctx context.Context, threadID, content string) (Message, error)
	Delete(ctx context.Context, threadID, messageID string) error
	History(ctx context.Context, threadID string) ([]Message, error)
	SetArchived(ctx context.Context, threadID string, archived bool) error
}

// HTTPClient talks to the chat platform's REST API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

func (c *HTTPClient) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var thread Thread
	path := "/channels/" + url.PathEscape(threadID)
	if err := c.request(ctx, http.MethodGet, path, nil, &thread); err != nil {
		return Thread{}, err
	}
	return thread, nil
}

func (c *HTTPClient) CreateThread(ctx context.Context, channelID, name string) (Thread, error) {
	var thread Thread
	path := "/channels/" + url.PathEscape(channelID) + "/threads"
	body := map[string]string{"name": name}
	if err := c.request(ctx, http.MethodPost, path, body, &thread); err != nil {
		return Thread{}, err
	}
	return thread, nil
}

func (c *HTTPClient) Post(ctx context.Context, threadID, content string) (Message, error) {
	var message Message
	path := "/channels/" + url.PathEscape(threadID) + "/messages"
	body := map[string]string{"content": content}
	if err := c.request(ctx, http.MethodPost, path, body, &message); err != nil {
		return Message{}, err
	}
	return message, nil
}

func (c *HTTPClient) Delete(ctx context.Context, threadID, messageID string) error {
	path := "/channels/" + url.PathEscape(threadID) + "/messages/" + url.PathEscape(messageID)
	return c.request(ctx, http.MethodDelete, path, nil, nil)
}

const historyPageSize = 100

func (c *HTTPClient) History(ctx context.Context, threadID string) ([]Message, error) {
	out := make([]Message, 0)
	before := ""
	for {
		query := url.Values{}
		query.Set("limit", fmt.Sprintf("%d", historyPageSize))
		if before != "" {
			query.Set("before", before)
		}
		path := "/channels/" + url.PathEscape(threadID) + "/messages?" + query.Encode()
		var page []Message
		if err := c.request(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < historyPageSize {
			return out, nil
		}
		before = page[len(page)-1].ID
	}
}

func (c *HTTPClient) SetArchived(ctx context.Context, threadID string, archived bool) error {
	path := "/channels/" + url.PathEscape(threadID)
	body := map[string]bool{"archived": archived}
	return c.request(ctx, http.MethodPatch, path, body, nil)
}

func (c *HTTPClient) request(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode sink request: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
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
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		wait := time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, parseErr := strconv.ParseFloat(v, 64); parseErr == nil {
				wait = time.Duration(secs * float64(time.Second))
			}
		}
		return &RateLimitError{RetryAfter: wait}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sink %s %s: http %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode sink response: %w", err)
	}
	return nil
}

// RetryAfter reports how long a rate-limited call should wait, when the
// error carries that information.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// RateLimitError is returned when the platform asks the client to back off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("sink: rate limited, retry after %s", e.RetryAfter)
}

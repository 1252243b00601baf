package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ttakah/trackmirror/internal/model"
)

// Client is the upstream collaborator contract consumed by the reconciler.
type Client interface {
	// ListItems returns the outstanding work items for one track.
	ListItems(ctx context.Context, track string) ([]model.WorkItem, error)
	// ListTracks returns the known track slugs, used when the config does
	// not pin an explicit list.
	ListTracks(ctx context.Context) ([]string, error)
}

type itemPayload struct {
	UUID          string `json:"uuid"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	UpdatedAt     string `json:"updated_at"`
	TrackTitle    string `json:"track_title"`
	ExerciseTitle string `json:"exercise_title"`
	StudentHandle string `json:"student_handle"`
}

type itemsEnvelope struct {
	Requests []itemPayload `json:"requests"`
}

type tracksEnvelope struct {
	Tracks []struct {
		Slug string `json:"slug"`
	} `json:"tracks"`
}

// HTTPClient talks to the upstream queue's REST API.
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

func (c *HTTPClient) ListItems(ctx context.Context, track string) ([]model.WorkItem, error) {
	var env itemsEnvelope
	path := "/tracks/" + url.PathEscape(track) + "/requests"
	if err := c.get(ctx, path, &env); err != nil {
		return nil, err
	}
	out := make([]model.WorkItem, 0, len(env.Requests))
	for _, req := range env.Requests {
		updatedAt, err := time.Parse(time.RFC3339, req.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse item %s updated_at: %w", req.UUID, err)
		}
		out = append(out, model.WorkItem{
			ID:          req.UUID,
			UpdatedAt:   updatedAt,
			Description: renderDescription(req),
		})
	}
	return out, nil
}

func (c *HTTPClient) ListTracks(ctx context.Context) ([]string, error) {
	var env tracksEnvelope
	if err := c.get(ctx, "/tracks", &env); err != nil {
		return nil, err
	}
	slugs := make([]string, 0, len(env.Tracks))
	for _, track := range env.Tracks {
		if track.Slug != "" {
			slugs = append(slugs, track.Slug)
		}
	}
	sort.Strings(slugs)
	return slugs, nil
}

// renderDescription builds the one-line mirror text for an item. The item
// URL must stay intact: the sink-side rescan recovers item ids from it.
func renderDescription(item itemPayload) string {
	text := fmt.Sprintf("%s: %s => %s", titleCase(item.TrackTitle), item.URL, item.ExerciseTitle)
	if item.Status != "" {
		return fmt.Sprintf("%s (%s, %s)", text, item.StudentHandle, item.Status)
	}
	return fmt.Sprintf("%s (%s)", text, item.StudentHandle)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
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
	if resp.StatusCode >= 400 {
		return fmt.Errorf("source GET %s: http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode source response: %w", err)
	}
	return nil
}

package appclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttakah/trackmirror/internal/api"
)

func TestStatsDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/stats", r.URL.Path)
		_ = json.NewEncoder(w).Encode(api.StatsEnvelope{
			SchemaVersion: "v1",
			GeneratedAt:   time.Now().UTC(),
			QueueDepth:    3,
			Tracks:        []api.TrackStatsItem{{Track: "go", MirroredCount: 7}},
		})
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	env, err := client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, env.QueueDepth)
	require.Len(t, env.Tracks, 1)
	assert.Equal(t, 7, env.Tracks[0].MirroredCount)
}

func TestErrorBodyBecomesRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{
			SchemaVersion: "v1",
			Error:         api.APIError{Code: "E_TRACK_NOT_FOUND", Message: "unknown track"},
		})
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.Poll(context.Background(), "cobol")
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
	assert.Equal(t, "E_TRACK_NOT_FOUND", reqErr.Code)
	assert.Equal(t, "E_TRACK_NOT_FOUND: unknown track", reqErr.Error())
}

func TestPollRequiresTrack(t *testing.T) {
	client := NewWithClient("http://unused", nil)
	_, err := client.Poll(context.Background(), "  ")
	require.Error(t, err)
}

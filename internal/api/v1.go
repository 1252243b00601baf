package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	StreamID      string    `json:"stream_id"`
}

type TrackStatsItem struct {
	Track              string `json:"track"`
	ThreadID           string `json:"thread_id,omitempty"`
	PollIntervalSec    int64  `json:"poll_interval_seconds"`
	AvgIntervalSec     int64  `json:"avg_interval_seconds"`
	MirroredCount      int    `json:"mirrored_count"`
	ArrivalHistoryLen  int    `json:"arrival_history_len"`
	RequestsSeenTotal  int64  `json:"requests_seen_total"`
}

type StatsEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	QueueDepth    int              `json:"queue_depth"`
	Tracks        []TrackStatsItem `json:"tracks"`
}

type PollResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Track         string    `json:"track"`
	Status        string    `json:"status"`
}

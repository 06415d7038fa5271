// Package types defines core domain types used throughout the application.
package types

import (
	"io"
	"time"
)

// PlaybackState is the receiver-reported player state.
type PlaybackState string

const (
	StatePlaying   PlaybackState = "PLAYING"
	StateBuffering PlaybackState = "BUFFERING"
	StatePaused    PlaybackState = "PAUSED"
	StateIdle      PlaybackState = "IDLE"
)

// StreamStats aggregates per-device transfer statistics for the active stream.
// Reset whenever a new session starts on the device.
type StreamStats struct {
	BytesTransferred int64     `json:"bytes_transferred"`
	StartedAt        time.Time `json:"started_at"`
	LastActivity     time.Time `json:"last_activity"`
	Resolution       string    `json:"resolution,omitempty"`
	BitrateKbps      int       `json:"bitrate_kbps"`
	FrameRate        int       `json:"frame_rate,omitempty"`
	SegmentCount     int64     `json:"segment_count"`
	CacheHits        int64     `json:"cache_hits"`
}

// PlaybackTracking holds values derived from player status callbacks.
type PlaybackTracking struct {
	LiveEdgeDelaySec float64 `json:"live_edge_delay_sec"`
}

// PlayerStatus is a playback-state payload reported by the cast player.
type PlayerStatus struct {
	State       PlaybackState `json:"state"`
	CurrentTime float64       `json:"current_time"`
	SeekableEnd float64       `json:"seekable_end"`
}

// MediaInfo describes media handed to a cast player for loading.
type MediaInfo struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Live        bool   `json:"live"`
}

// Source is a playable stream reference supplied by the external source resolver.
type Source struct {
	URL     string `json:"url"`
	Referer string `json:"referer,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Device is a cast-capable receiver known to the device directory.
type Device struct {
	Address  string    `json:"address"`
	Name     string    `json:"name,omitempty"`
	Model    string    `json:"model,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// StreamRequest represents an incoming proxy request.
type StreamRequest struct {
	URL     string
	Referer string
}

// StreamResponse represents the result of proxying a manifest or segment.
type StreamResponse struct {
	ContentType string
	Headers     map[string]string
	Body        io.ReadCloser
	StatusCode  int
}

// Event is a broadcast message emitted by the proxy and the monitors.
type Event struct {
	Type    string    `json:"type"`
	Device  string    `json:"device,omitempty"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Event types published on the broadcast hub.
const (
	EventStats    = "stats"
	EventRecovery = "recovery"
	EventHealth   = "health"
)

// RecoveryEvent is the payload of EventRecovery broadcasts.
type RecoveryEvent struct {
	Phase       string `json:"phase"` // "attempting", "success", "failed", "giveup"
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	Reason      string `json:"reason,omitempty"`
}

// StatsEvent is the payload of EventStats broadcasts.
type StatsEvent struct {
	Stats    StreamStats      `json:"stats"`
	Tracking PlaybackTracking `json:"tracking"`
}

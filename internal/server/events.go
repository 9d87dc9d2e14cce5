package server

import "time"

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type CaptureStateEvent struct {
	Event
	State       string  `json:"state"`
	MaxDuration float64 `json:"max_duration"`
	Error       string  `json:"error,omitempty"`
}

type LevelsEvent struct {
	Event
	Levels []float64 `json:"levels"`
}

type TranscriptReadyEvent struct {
	Event
	CaptureID string  `json:"capture_id"`
	Text      string  `json:"text"`
	Status    string  `json:"status"`
	Seconds   float64 `json:"seconds"`
	Error     string  `json:"error,omitempty"`
}

type RecommendationDeltaEvent struct {
	Event
	RequestID string `json:"request_id"`
	Delta     string `json:"delta"`
	Done      bool   `json:"done"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

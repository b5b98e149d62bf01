package models

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// EventType is the kind of playback transition reported to the backend.
type EventType string

const (
	EventPlay     EventType = "PLAY"
	EventPause    EventType = "PAUSE"
	EventProgress EventType = "PROGRESS"
	EventSeek     EventType = "SEEK"
	EventEnded    EventType = "ENDED"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventPlay, EventPause, EventProgress, EventSeek, EventEnded:
		return true
	}
	return false
}

// LiveEvent is one viewer action broadcast by the backend on /topic/live-events.
// It is read-only on the client.
type LiveEvent struct {
	EventID     string     `json:"eventId"`
	SessionID   string     `json:"sessionId"`
	UserID      string     `json:"userId"`
	FilmID      FlexString `json:"filmId"`
	EventType   EventType  `json:"eventType"`
	Timestamp   FlexString `json:"timestamp"`
	CurrentTime float64    `json:"currentTime"`
	Duration    float64    `json:"duration"`
	Progress    float64    `json:"progress"`
	UserAgent   string     `json:"userAgent"`
	IPAddress   string     `json:"ipAddress"`
}

// VideoTelemetryRecord is the body of POST /api/events/video. The field set is fixed by
// the backend contract.
type VideoTelemetryRecord struct {
	FilmID      string    `json:"filmId"`
	UserID      string    `json:"userId"`
	EventType   EventType `json:"eventType"`
	Timestamp   string    `json:"timestamp"`
	CurrentTime float64   `json:"currentTime"`
	Duration    float64   `json:"duration"`
	SessionID   string    `json:"sessionId"`
}

// GenericVideoEvent is the loosely typed event body used by the player's ad-hoc send path.
// Times are rounded to two decimals before transmission.
type GenericVideoEvent struct {
	EventType   string  `json:"eventType"`
	FilmID      int64   `json:"filmId"`
	Username    string  `json:"username"`
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
	SessionID   string  `json:"sessionId"`
}

// FlexString accepts a JSON string, number or any other value and keeps it as text.
// The backend serializes ids as numbers and timestamps in more than one shape.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(b)
	return nil
}

// Int64 parses the value as a base-10 integer.
func (f FlexString) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(f), 10, 64)
	return n, err == nil
}

func (f FlexString) String() string { return string(f) }

package models

import "time"

// EventType enumerates outbound subscriber event kinds.
type EventType string

const (
	EventWelcome       EventType = "welcome"
	EventMetricsUpdate EventType = "metrics_update"
	EventAlertCreated  EventType = "alert_created"
	EventAlertResolved EventType = "alert_resolved"
	EventError         EventType = "error"
)

// Event is the JSON frame pushed to live subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

// BroadcastResult reports delivery bookkeeping for one fanout pass.
type BroadcastResult struct {
	TotalClients         int `json:"total_clients"`
	SuccessfulBroadcasts int `json:"successful_broadcasts"`
	FailedBroadcasts     int `json:"failed_broadcasts"`
}

package gateway

import "time"

// EventType tags a lifecycle event on the bus.
type EventType string

const (
	EventRequestSubmitted  EventType = "request_submitted"
	EventRequestProcessing EventType = "request_processing"
	EventRequestCompleted  EventType = "request_completed"
	EventRequestFailed     EventType = "request_failed"
	EventRequestCancelled  EventType = "request_cancelled"
	EventCLIExecuting      EventType = "cli_executing"
	EventProviderHealth    EventType = "provider_health_changed"
	EventStreamChunk       EventType = "stream_chunk"
)

// WebSocket subscription channels.
const (
	ChannelRequests  = "requests"
	ChannelProviders = "providers"
	ChannelCLI       = "cli"
	ChannelStream    = "stream"
)

// Channel returns the subscription channel the event type is published on.
func (t EventType) Channel() string {
	switch t {
	case EventProviderHealth:
		return ChannelProviders
	case EventCLIExecuting:
		return ChannelCLI
	case EventStreamChunk:
		return ChannelStream
	default:
		return ChannelRequests
	}
}

// Event is a typed lifecycle record broadcast to WebSocket subscribers.
// Within one channel, events are delivered to each client in publication
// order; across channels there is no ordering guarantee.
type Event struct {
	Type      EventType      `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, requestID, provider string, data map[string]any) Event {
	return Event{
		Type:      t,
		RequestID: requestID,
		Provider:  provider,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

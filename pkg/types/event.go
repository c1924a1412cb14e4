package types

import (
	"time"
)

// EventKind classifies what an EventSource observed on the broker connection.
type EventKind int

const (
	// EventOther is any broker notification the bridge has no use for beyond logging.
	EventOther EventKind = iota
	// EventPublish carries a topic and payload published by a device.
	EventPublish
	// EventPingResp is a keep-alive acknowledgement from the broker. Paho keeps
	// PINGRESP to itself; the kind is for sources that surface keep-alive traffic.
	EventPingResp
	// EventConnected is emitted when the broker connection is (re)established.
	EventConnected
	// EventSubscribed is emitted once the configured topic filters are active.
	EventSubscribed
	// EventConnectionLost is emitted when the broker client drops its connection.
	EventConnectionLost
	// EventError is a transient, poll-level error reported by the broker client.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPublish:
		return "publish"
	case EventPingResp:
		return "ping_resp"
	case EventConnected:
		return "connected"
	case EventSubscribed:
		return "subscribed"
	case EventConnectionLost:
		return "connection_lost"
	case EventError:
		return "error"
	default:
		return "other"
	}
}

// Event is the canonical, source-agnostic notification that flows from an
// EventSource into the dispatcher. Only EventPublish events carry a payload.
type Event struct {
	Kind EventKind

	// Topic is the raw broker topic for EventPublish events.
	Topic string
	// Payload is the raw message body. Sources hand over a private copy.
	Payload []byte
	// MessageID is the broker-assigned identifier, if the broker has one.
	MessageID string
	// Duplicate is set when the broker flagged the message as a redelivery.
	Duplicate bool

	// Err holds the underlying cause for EventError and EventConnectionLost.
	Err error
	// Detail is a free-form description used for diagnostic logging.
	Detail string

	ReceivedAt time.Time
}

// NewPublishEvent is a convenience constructor used by the sources and tests.
func NewPublishEvent(topic string, payload []byte, messageID string) Event {
	return Event{
		Kind:       EventPublish,
		Topic:      topic,
		Payload:    payload,
		MessageID:  messageID,
		ReceivedAt: time.Now().UTC(),
	}
}

// Package events implements the in-process coordination bus. Sessions
// publish what happened to them; the executers and the watchdog subscribe
// and use the events as wake signals. Delivery is best effort: a slow
// subscriber misses intermediate events, which is fine because every
// consumer re-reads authoritative state from storage on wake.
package events

import (
	"github.com/cskr/pubsub/v2"
)

// Topic names one event stream on the bus.
type Topic string

const (
	// TopicSensorAlertQueued fires after a session appended a sensor alert
	// to the storage queue.
	TopicSensorAlertQueued Topic = "sensoralert.queued"

	// TopicStateChanged fires after any durable state write a manager
	// should observe.
	TopicStateChanged Topic = "state.changed"

	// TopicNodeConnected and TopicNodeDisconnected track session lifecycle.
	TopicNodeConnected    Topic = "node.connected"
	TopicNodeDisconnected Topic = "node.disconnected"

	// TopicOptionChanged fires after a server option was written.
	TopicOptionChanged Topic = "option.changed"
)

// Event is one bus message. Username and NodeType identify the session the
// event concerns, where applicable.
type Event struct {
	Topic    Topic
	Username string
	NodeType string
}

// Bus is a thin typed wrapper around the underlying pub/sub fabric.
type Bus struct {
	ps *pubsub.PubSub[Topic, Event]
}

// NewBus creates a bus. Subscriber channels are buffered with capacity so
// publishers never block on a live subscriber.
func NewBus(capacity int) *Bus {
	return &Bus{ps: pubsub.New[Topic, Event](capacity)}
}

// Publish delivers ev to all current subscribers of its topic. Never
// blocks the caller beyond the subscriber channel buffers.
func (b *Bus) Publish(ev Event) {
	b.ps.TryPub(ev, ev.Topic)
}

// Subscribe returns a channel receiving events of the given topics.
func (b *Bus) Subscribe(topics ...Topic) chan Event {
	return b.ps.Sub(topics...)
}

// Unsubscribe detaches ch from all topics and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.ps.Unsub(ch)
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.ps.Shutdown()
}

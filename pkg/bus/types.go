// Package bus provides sequenced event publication and real-time delivery.
//
// Every workflow owns a strictly ordered event log: sequences are 1-indexed,
// gap-free, and assigned under a per-workflow lock immediately before the
// event is persisted. Fanout to live subscribers happens only after the
// write succeeds, so a delivered event is always a durable event. Delivery
// is in-process; late or reconnecting WebSocket clients recover missed
// events through catchup queries against the store.
package bus

import "github.com/amelia-dev/amelia/pkg/models"

// GlobalChannel carries workflow lifecycle events for every workflow, for
// list views that watch all activity.
const GlobalChannel = "workflows"

// WorkflowChannel returns the per-workflow channel name.
func WorkflowChannel(workflowID string) string {
	return "workflow:" + workflowID
}

// ClientMessage is a message from a WebSocket client. EventTypes and
// Levels narrow a subscription: when set, only matching events are
// delivered, both live and during catchup.
type ClientMessage struct {
	Action       string   `json:"action"` // subscribe, unsubscribe, catchup, ping
	Channel      string   `json:"channel,omitempty"`
	LastSequence *int64   `json:"last_sequence,omitempty"`
	EventTypes   []string `json:"event_types,omitempty"`
	Levels       []string `json:"levels,omitempty"`
}

// subscriptionFilter is the compiled form of a subscription's event
// predicates. An empty set matches every value.
type subscriptionFilter struct {
	eventTypes map[string]bool
	levels     map[string]bool
}

func newSubscriptionFilter(eventTypes, levels []string) subscriptionFilter {
	f := subscriptionFilter{}
	if len(eventTypes) > 0 {
		f.eventTypes = make(map[string]bool, len(eventTypes))
		for _, t := range eventTypes {
			f.eventTypes[t] = true
		}
	}
	if len(levels) > 0 {
		f.levels = make(map[string]bool, len(levels))
		for _, l := range levels {
			f.levels[l] = true
		}
	}
	return f
}

func (f subscriptionFilter) matches(e *models.Event) bool {
	if f.eventTypes != nil && !f.eventTypes[string(e.Type)] {
		return false
	}
	if f.levels != nil && !f.levels[string(e.Level)] {
		return false
	}
	return true
}

// eventEnvelope is the wire form of a broadcast event. Channel lets a
// client multiplex several subscriptions over one connection.
type eventEnvelope struct {
	Type    string        `json:"type"`
	Channel string        `json:"channel"`
	Event   *models.Event `json:"event"`
}

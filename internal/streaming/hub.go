package streaming

import (
	"context"
	"encoding/json"

	"github.com/rendis/pulse/pkg/schema"
)

// Message is an event published to a scope.
type Message struct {
	Scope   schema.Scope     `json:"scope"`
	Kind    schema.EventKind `json:"kind"`
	ID      string           `json:"id,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// EventFilter specifies which messages a subscriber wants to receive.
// A zero Scope matches every scope; empty Kinds matches every kind.
type EventFilter struct {
	Scope schema.Scope       `json:"scope,omitempty"`
	Kinds []schema.EventKind `json:"kinds,omitempty"`
}

// EventHub provides pub/sub for scoped stream messages.
type EventHub interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan Message, func(), error)
}
